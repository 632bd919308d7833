// Copyright 2025 StrongDM Inc
// SPDX-License-Identifier: Apache-2.0

package dirdb

// PessimizeDirStat returns a deep copy of stat with every node's ContentHash
// zeroed out. The shape (subfolder structure, file counts, names) is kept
// intact, but a zeroed ContentHash never compares equal to anything (see
// DirStat.Equal), so the copy always looks "changed" to a future diff.
// MergePessimistic uses it for local-only subtrees (and for the whole tree
// when there is no remote), and Backup uploads that merged result as the
// placeholder DirDB before any of its uploads have finished: a reader who
// only ever sees it knows the directory shape, but also knows not to trust
// the pessimized parts as confirmed.
func PessimizeDirStat(stat *DirStat) *DirStat {
	if stat == nil {
		return nil
	}
	cp := &DirStat{
		TotalFilesCount: stat.TotalFilesCount,
		DirName:         append([]byte(nil), stat.DirName...),
		DirNameHash:     stat.DirNameHash,
	}
	if stat.DirectFiles != nil {
		cp.DirectFiles = append([]FileStat(nil), stat.DirectFiles...)
	}
	cp.Subfolders = make([]*DirStat, len(stat.Subfolders))
	for i, sub := range stat.Subfolders {
		cp.Subfolders[i] = PessimizeDirStat(sub)
	}
	return cp
}

// MergePessimistic builds the DirStat to upload immediately after planning a
// backup but before any upload has completed: local is the freshly walked
// subtree (known-correct shape), remote is the last confirmed DirDB for the
// same folder. Subfolders matched by DirNameHash are merged recursively;
// subfolders that exist only locally are brand new and pessimized wholesale;
// subfolders that exist only in remote are assumed already handled by a
// delete action and dropped.
//
// TotalFilesCount is the sum of the merged children's counts plus this
// node's own direct file count, not (as upstream computes it) the old
// remote total adjusted by subtracting replaced subfolders and adding new
// ones: that subtraction undercounts whenever the remote side being
// subtracted from was itself already pessimistic, since a pessimistic
// node's total_files_count can already be stale in either direction.
// Summing the freshly merged children is always correct because it only
// ever depends on values computed in this same pass.
func MergePessimistic(local, remote *DirStat) *DirStat {
	if remote == nil {
		return PessimizeDirStat(local)
	}
	if local == nil {
		return nil
	}

	remoteByHash := make(map[[8]byte]*DirStat, len(remote.Subfolders))
	for _, sub := range remote.Subfolders {
		remoteByHash[sub.DirNameHash] = sub
	}

	merged := &DirStat{
		DirName:     append([]byte(nil), local.DirName...),
		DirNameHash: local.DirNameHash,
	}
	if local.DirectFiles != nil {
		merged.DirectFiles = append([]FileStat(nil), local.DirectFiles...)
	}
	// A node whose content hasn't changed since the last confirmed DirDB
	// doesn't need to look pessimistic: keep the agreed-upon hash so a diff
	// against this placeholder doesn't re-examine work that's already done.
	if local.ContentHash != ([8]byte{}) && local.ContentHash == remote.ContentHash {
		merged.ContentHash = local.ContentHash
	}

	var total uint64
	merged.Subfolders = make([]*DirStat, 0, len(local.Subfolders))
	for _, localSub := range local.Subfolders {
		var mergedSub *DirStat
		if remoteSub, ok := remoteByHash[localSub.DirNameHash]; ok {
			mergedSub = MergePessimistic(localSub, remoteSub)
		} else {
			mergedSub = PessimizeDirStat(localSub)
		}
		merged.Subfolders = append(merged.Subfolders, mergedSub)
		total += mergedSub.TotalFilesCount
	}
	total += local.DirectFilesCount()
	merged.TotalFilesCount = total

	return merged
}
