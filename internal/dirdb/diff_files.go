// Copyright 2025 StrongDM Inc
// SPDX-License-Identifier: Apache-2.0

package dirdb

import "sort"

// RemoteFile is one file entry as returned by a remote listing: enough to
// decide whether it matches a local file without downloading anything.
type RemoteFile struct {
	RelPath      string
	FullPathHash string // base64url path-hash chain, used to merge-match against local files
	ID           string // object-store file id, needed to fetch/replace/delete this exact version
	Mtime        uint64
	Mode         uint32
	IsSymlink    bool
}

// FileDiff is one outcome of merging a local file listing against a remote
// one. Exactly one of Local/Remote is nil for an add/delete; both are set
// for a file present on both sides (caller still decides whether their
// metadata actually differs).
type FileDiff struct {
	Local  *FileStat
	Remote *RemoteFile
}

// flattenLocalFiles walks a DirStat subtree and returns every direct file,
// in the deterministic pre-order Walk produced them in, used to build the
// local side of a diff stream whether the task only needs one folder's
// direct children or the whole subtree.
func flattenLocalFiles(stat *DirStat, deep bool) []FileStat {
	var out []FileStat
	out = append(out, stat.DirectFiles...)
	if deep {
		for _, sub := range stat.Subfolders {
			out = append(out, flattenLocalFiles(sub, true)...)
		}
	}
	return out
}

// DiffFiles merges a remote file listing against the local files covered by
// a DiffTask (its direct children for a shallow task, or its whole subtree
// for a deep one) keyed by FullPathHash, producing one FileDiff per distinct
// path on either side. Callers still need to compare Local/Remote metadata
// on a present-on-both-sides entry to decide whether the file changed.
func DiffFiles(local *DirStat, localPathHashes map[string]string, remote []RemoteFile, deep bool) []FileDiff {
	var localFiles []FileStat
	if local != nil {
		localFiles = flattenLocalFiles(local, deep)
	}

	remoteByHash := make(map[string]*RemoteFile, len(remote))
	for i := range remote {
		remoteByHash[remote[i].FullPathHash] = &remote[i]
	}

	var diffs []FileDiff
	seen := make(map[string]bool, len(localFiles))

	for i := range localFiles {
		lf := localFiles[i]
		hash := localPathHashes[lf.RelPath]
		seen[hash] = true
		if rf, ok := remoteByHash[hash]; ok {
			diffs = append(diffs, FileDiff{Local: &localFiles[i], Remote: rf})
		} else {
			diffs = append(diffs, FileDiff{Local: &localFiles[i]})
		}
	}

	for i := range remote {
		if seen[remote[i].FullPathHash] {
			continue
		}
		diffs = append(diffs, FileDiff{Remote: &remote[i]})
	}

	sort.Slice(diffs, func(i, j int) bool {
		return diffSortKey(diffs[i]) < diffSortKey(diffs[j])
	})
	return diffs
}

func diffSortKey(d FileDiff) string {
	if d.Local != nil {
		return d.Local.RelPath
	}
	return d.Remote.RelPath
}

// Changed reports whether a FileDiff entry present on both sides actually
// differs, by mtime and mode (the only metadata a listing gives us without
// downloading the file). Callers should treat Local-only or Remote-only
// diffs as always changed without calling this.
func (d FileDiff) Changed() bool {
	if d.Local == nil || d.Remote == nil {
		return true
	}
	return d.Local.Mtime != d.Remote.Mtime || d.Local.Mode != d.Remote.Mode
}
