// Copyright 2025 StrongDM Inc
// SPDX-License-Identifier: Apache-2.0

package dirdb

import (
	"path"

	"github.com/tux3/frozen/internal/cryptutil"
)

// FilePathHashes walks a DirStat tree and returns, for every direct file
// anywhere in it, the full_path_hash its content is or should be stored
// under relative to the backup root: the running dir-name-hash chain
// (RecomputeDirNameHashes's prefix, "/" at the root) followed by the keyed
// hash of the file's own name. Concatenated after the backup root's own
// path hash, this is the literal object-store key. It's stable across runs
// as long as neither the file's name nor its parent folders' names changed.
func FilePathHashes(root *DirStat, k cryptutil.Key, prefix string) map[string]string {
	out := make(map[string]string)
	collectFileHashes(root, k, prefix, out)
	return out
}

func collectFileHashes(stat *DirStat, k cryptutil.Key, prefix string, out map[string]string) {
	for _, f := range stat.DirectFiles {
		base := path.Base(f.RelPath)
		out[f.RelPath] = prefix + cryptutil.HashPathFilename(k, prefix, []byte(base))
	}
	for _, sub := range stat.Subfolders {
		childPrefix := prefix + cryptutil.EncodeHash8(sub.DirNameHash) + "/"
		collectFileHashes(sub, k, childPrefix, out)
	}
}
