// Copyright 2025 StrongDM Inc
// SPDX-License-Identifier: Apache-2.0

package dirdb

import (
	"testing"

	"github.com/tux3/frozen/internal/cryptutil"
)

func TestFilePathHashesStableAcrossRuns(t *testing.T) {
	key, err := cryptutil.RandomKey()
	if err != nil {
		t.Fatal(err)
	}

	build := func() *DirStat {
		root := &DirStat{
			DirectFiles: []FileStat{{RelPath: "a"}},
			Subfolders: []*DirStat{
				{DirName: []byte("dir"), DirectFiles: []FileStat{{RelPath: "dir/c"}}},
			},
		}
		root.RecomputeDirNameHashes(key, "/")
		return root
	}

	hashesA := FilePathHashes(build(), key, "/")
	hashesB := FilePathHashes(build(), key, "/")

	if hashesA["a"] != hashesB["a"] || hashesA["dir/c"] != hashesB["dir/c"] {
		t.Fatalf("expected identical hashes across identical trees, got %v vs %v", hashesA, hashesB)
	}
	if hashesA["a"] == hashesA["dir/c"] {
		t.Fatalf("expected distinct files to hash differently")
	}
}
