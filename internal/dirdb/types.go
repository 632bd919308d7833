// Copyright 2025 StrongDM Inc
// SPDX-License-Identifier: Apache-2.0

// Package dirdb implements the content-addressed directory snapshot
// ("DirDB") that drives incremental backups: a recursive tree of per-folder
// metadata, a dense on-wire packing, and the cost-aware planner that decides
// how to diff a local tree against a remote one with the fewest requests.
package dirdb

// FileStat describes one file directly contained in a folder. Immutable
// after construction, matching the teacher's fstree.FileRef shape.
type FileStat struct {
	RelPath   string
	Mtime     uint64 // seconds since the Unix epoch
	Nanos     uint32
	Size      uint64
	Mode      uint32
	IsSymlink bool
}

// DirStat is one node of the DirDB tree: a directory, its direct files (when
// known), its subfolders in sorted order, and the hashes the diff planner
// and packer both rely on.
type DirStat struct {
	// TotalFilesCount is the number of files anywhere under this directory.
	TotalFilesCount uint64
	// DirectFiles holds the files directly in this folder. Present on a
	// freshly walked local tree; nil after a pack/unpack round trip until
	// lazily regenerated from a listing.
	DirectFiles []FileStat
	// Subfolders are this directory's immediate children, sorted by name.
	Subfolders []*DirStat
	// DirName is this directory's clear name, nil once pruned from a packed
	// blob (see Pack's prune pass).
	DirName []byte
	// DirNameHash is the keyed hash of the path-hash chain from the backup
	// root to this directory. Filled by RecomputeDirNameHashes.
	DirNameHash [8]byte
	// ContentHash summarizes this directory's contents. For a folder with
	// direct files it is an unkeyed hash over every entry in name order: its
	// relative path, then the file's metadata or the subfolder's
	// ContentHash. For a folder without direct files it is an unkeyed hash
	// of the children's ContentHash values concatenated in order, the same
	// value Unpack rebuilds.
	// The zero value means "unknown" (pessimized) and never equals anything,
	// including another zero value.
	ContentHash [8]byte
}

// DirDB wraps the root of a directory tree snapshot.
type DirDB struct {
	Root *DirStat
}

// NewEmpty returns a DirDB representing an unknown/missing remote tree: a
// root with a zeroed content hash and no subfolders, which the diff planner
// treats specially (force a single deep diff of everything).
func NewEmpty() *DirDB {
	return &DirDB{Root: &DirStat{}}
}

// Equal reports whether two DirStat trees represent the same content. A
// zero ContentHash never compares equal to anything, including another zero
// value, so a pessimized (unknown) subtree always looks "changed".
func (d *DirStat) Equal(other *DirStat) bool {
	if d == nil || other == nil {
		return false
	}
	var zero [8]byte
	if d.ContentHash == zero {
		return false
	}
	if d.TotalFilesCount != other.TotalFilesCount {
		return false
	}
	if d.DirNameHash != other.DirNameHash {
		return false
	}
	if d.ContentHash != other.ContentHash {
		return false
	}
	if len(d.Subfolders) != len(other.Subfolders) {
		return false
	}
	for i, sub := range d.Subfolders {
		if !sub.Equal(other.Subfolders[i]) {
			return false
		}
	}
	return true
}

// DirectFilesCount returns the number of files directly in this folder
// (total minus the sum of subfolder totals), matching the original's
// saturating subtraction: file counts can be momentarily inconsistent under
// a pessimistic merge or a concurrent filesystem change, so this never
// underflows.
func (d *DirStat) DirectFilesCount() uint64 {
	var subTotal uint64
	for _, sub := range d.Subfolders {
		subTotal += sub.TotalFilesCount
	}
	if subTotal > d.TotalFilesCount {
		return 0
	}
	return d.TotalFilesCount - subTotal
}
