// Copyright 2025 StrongDM Inc
// SPDX-License-Identifier: Apache-2.0

package dirdb

import "encoding/base64"

// DiffTask is one unit of remote-listing work the diff planner decided is
// worth issuing: either a deep (recursive) or shallow (direct-children-only)
// listing request at PrefixPathHash, to be merged against Local (if any
// local subtree exists at that path).
type DiffTask struct {
	PrefixPathHash string
	Local          *DirStat // nil when the folder only exists remotely
	DeepDiff       bool
	LocalOnly      bool // true: folder only exists locally, no request needed
}

// diffTree is the planner's working tree, grounded on the original's
// DiffTree: for every folder that differs between local and remote, it
// tracks how many (remote) files a deep listing versus the folder's direct
// children alone would be expected to return, so optimize can compare the
// cost of one merged request against many separate ones.
type diffTree struct {
	children         []*diffTree
	local            *DirStat
	prefixPathHash   string
	totalFilesCount  uint64 // files a deep list at this node would return
	directFilesCount uint64 // files a shallow list at this node would return
	deepDiff         bool
	localOnly        bool
}

// PlanDiff compares a local subtree against a remote DirStat and returns the
// ordered list of listing requests needed to discover every changed file.
// An empty result means the two trees are already identical.
func PlanDiff(local *DirStat, remote *DirStat) []DiffTask {
	tree := optimizedDiffTree(local, remote)
	if tree == nil {
		return nil
	}
	var tasks []DiffTask
	flattenDiffTree(tree, &tasks)
	return tasks
}

func optimizedDiffTree(local *DirStat, remote *DirStat) *diffTree {
	var zero [8]byte
	// An empty or pessimized remote root with no subfolders is exactly as
	// cheap to deep-diff as to shallow-diff, so we share the same plan for
	// "no DirDB at all" and "no subfolders at all": one deep request.
	if remote.ContentHash == zero && len(remote.Subfolders) == 0 {
		return &diffTree{
			local:          local,
			prefixPathHash: "/",
			deepDiff:       true,
		}
	}

	tree := newDiffTree("/", local, remote)
	if tree == nil {
		return nil
	}
	tree.optimize()
	return tree
}

func newDiffTree(prefixPathHash string, local *DirStat, remote *DirStat) *diffTree {
	var zero [8]byte
	if local.ContentHash != zero && local.ContentHash == remote.ContentHash {
		return nil
	}

	tree := &diffTree{
		local:            local,
		prefixPathHash:   prefixPathHash,
		totalFilesCount:  remote.TotalFilesCount,
		directFilesCount: remote.TotalFilesCount, // adjusted below
	}

	localSubdirs := make(map[[8]byte]*DirStat, len(local.Subfolders))
	for _, sub := range local.Subfolders {
		localSubdirs[sub.DirNameHash] = sub
	}

	for _, remoteSub := range remote.Subfolders {
		childPrefix := prefixPathHash + base64.RawURLEncoding.EncodeToString(remoteSub.DirNameHash[:]) + "/"
		tree.directFilesCount -= remoteSub.TotalFilesCount

		if localSub, ok := localSubdirs[remoteSub.DirNameHash]; ok {
			if subtree := newDiffTree(childPrefix, localSub, remoteSub); subtree != nil {
				tree.children = append(tree.children, subtree)
			}
			delete(localSubdirs, remoteSub.DirNameHash)
		} else {
			tree.children = append(tree.children, &diffTree{
				prefixPathHash:   childPrefix,
				totalFilesCount:  remoteSub.TotalFilesCount,
				directFilesCount: remoteSub.TotalFilesCount,
				deepDiff:         true, // could have subfolders, but they won't show up in the tree
			})
		}
	}

	for _, localOnlySub := range localSubdirs {
		childPrefix := prefixPathHash + base64.RawURLEncoding.EncodeToString(localOnlySub.DirNameHash[:]) + "/"
		tree.children = append(tree.children, &diffTree{
			local:          localOnlySub,
			prefixPathHash: childPrefix,
			localOnly:      true,
		})
	}

	return tree
}

const maxFilesPerRequest = 1000

// filesCountToRequestCost returns how many listing requests it takes to
// enumerate filesCount files, rounding up, with a minimum of one request
// even for zero expected files (a listing still costs a round trip).
func filesCountToRequestCost(filesCount uint64) uint64 {
	div := filesCount / maxFilesPerRequest
	rem := filesCount % maxFilesPerRequest
	if rem != 0 || filesCount == 0 {
		return div + 1
	}
	return div
}

// optimizeWithCosts recursively decides, bottom-up, whether each folder
// should be deep-diffed (one request covering the whole subtree) or
// shallow-diffed (one request per folder plus whatever its children cost),
// merging up whenever that's strictly cheaper. Local-only subtrees cost
// nothing; when their parent is merged into a deep diff they are dropped
// with the other children, and the parent's deep task covers their files.
func (t *diffTree) optimizeWithCosts() uint64 {
	if t.localOnly {
		return 0
	}

	mergedCost := filesCountToRequestCost(t.totalFilesCount)
	var separateCost uint64
	for _, child := range t.children {
		separateCost += child.optimizeWithCosts()
	}

	if t.deepDiff {
		return mergedCost
	}
	separateCost += filesCountToRequestCost(t.directFilesCount)

	if mergedCost < separateCost {
		t.deepDiff = true
		t.children = nil
		return mergedCost
	}
	return separateCost
}

func (t *diffTree) optimize() {
	t.optimizeWithCosts()
}

func flattenDiffTree(t *diffTree, tasks *[]DiffTask) {
	*tasks = append(*tasks, DiffTask{
		PrefixPathHash: t.prefixPathHash,
		Local:          t.local,
		DeepDiff:       t.deepDiff,
		LocalOnly:      t.localOnly,
	})
	for _, child := range t.children {
		flattenDiffTree(child, tasks)
	}
}
