// Copyright 2025 StrongDM Inc
// SPDX-License-Identifier: Apache-2.0

package dirdb

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/tux3/frozen/internal/cryptutil"
)

// Walk builds a DirStat tree rooted at dirPath by recursively listing each
// directory in sorted byte-wise filename order. Symlinks are treated as
// leaves and never descended into, matching the original walker. dir_name_hash
// is left zero; call RecomputeDirNameHashes afterward to fill it in.
func Walk(basePath, dirPath string) (*DirStat, error) {
	entries, err := os.ReadDir(dirPath)
	if err != nil {
		return nil, fmt.Errorf("dirdb: reading %s: %w", dirPath, err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	var totalFiles uint64
	var directFiles []FileStat
	var subfolders []*DirStat
	hashParts := make([][]byte, 0, len(entries)*2)

	for _, entry := range entries {
		path := filepath.Join(dirPath, entry.Name())
		relPath, err := filepath.Rel(basePath, path)
		if err != nil {
			return nil, fmt.Errorf("dirdb: computing relative path for %s: %w", path, err)
		}
		relPath = filepath.ToSlash(relPath)
		hashParts = append(hashParts, []byte(relPath))

		info, err := entry.Info()
		if err != nil {
			return nil, fmt.Errorf("dirdb: stat %s: %w", path, err)
		}
		isSymlink := info.Mode()&os.ModeSymlink != 0

		if entry.IsDir() && !isSymlink {
			subfolder, err := Walk(basePath, path)
			if err != nil {
				return nil, err
			}
			subfolder.DirName = []byte(entry.Name())
			totalFiles += subfolder.TotalFilesCount
			hashParts = append(hashParts, subfolder.ContentHash[:])
			subfolders = append(subfolders, subfolder)
			continue
		}

		totalFiles++
		mtime := info.ModTime()
		var metaBuf [20]byte
		binary.LittleEndian.PutUint64(metaBuf[0:8], uint64(mtime.Unix()))
		binary.LittleEndian.PutUint32(metaBuf[8:12], uint32(mtime.Nanosecond()))
		binary.LittleEndian.PutUint64(metaBuf[12:20], uint64(info.Size()))
		hashParts = append(hashParts, append([]byte(nil), metaBuf[:]...))

		directFiles = append(directFiles, FileStat{
			RelPath:   relPath,
			Mtime:     uint64(mtime.Unix()),
			Nanos:     uint32(mtime.Nanosecond()),
			Size:      uint64(info.Size()),
			Mode:      uint32(info.Mode().Perm()),
			IsSymlink: isSymlink,
		})
	}

	stat := &DirStat{
		TotalFilesCount: totalFiles,
		DirectFiles:     directFiles,
		Subfolders:      subfolders,
	}
	if len(directFiles) == 0 {
		stat.ContentHash = rebuildContentHashFromSubfolders(stat)
	} else {
		stat.ContentHash = cryptutil.Hash8Unkeyed(hashParts...)
	}
	return stat, nil
}

// RecomputeDirNameHashes fills in DirNameHash for every node below root
// (root's own hash is not meaningful — it has no name) using the keyed,
// chained path hash: the running prefix (pathHashPrefix, then the
// base64-url-nopad hash of every ancestor below root, each followed by "/"),
// then the child's clear name, all folded through a keyed hash. This mirrors
// the original's recompute_dir_name_hashes, but runs as an explicit pass
// after both filesystem walks and packed-blob unpacking, since an unpacked
// tree has no parent-chain context of its own to rebuild the hash from.
func (d *DirStat) RecomputeDirNameHashes(k cryptutil.Key, pathHashPrefix string) {
	var b strings.Builder
	for _, sub := range d.Subfolders {
		b.Reset()
		b.WriteString(pathHashPrefix)
		// A pruned node (DirName == nil, restored from an unpacked tail blob)
		// already carries its correct hash; recomputing from a nil name would
		// clobber it. Only fresh-walked subtrees need the hash filled in.
		if sub.DirName != nil {
			sub.DirNameHash = cryptutil.HashPathDir(k, pathHashPrefix, sub.DirName)
		}
		b.WriteString(cryptutil.EncodeHash8(sub.DirNameHash))
		b.WriteByte('/')
		sub.RecomputeDirNameHashes(k, b.String())
	}
}
