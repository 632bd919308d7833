// Copyright 2025 StrongDM Inc
// SPDX-License-Identifier: Apache-2.0

package dirdb

import (
	"fmt"

	"github.com/tux3/frozen/internal/cryptutil"
)

// LoadLocal walks basePath and returns its DirStat tree with DirNameHash
// filled in for every node, ready to be diffed against a remote DirDB or
// packed for upload.
func LoadLocal(k cryptutil.Key, basePath string) (*DirStat, error) {
	root, err := Walk(basePath, basePath)
	if err != nil {
		return nil, fmt.Errorf("dirdb: walking %s: %w", basePath, err)
	}
	root.RecomputeDirNameHashes(k, "/")
	return root, nil
}

// LoadRemote unpacks a previously downloaded DirDB blob and fills in its
// DirNameHash values, making it directly comparable to a LoadLocal tree.
func LoadRemote(k cryptutil.Key, packed []byte) (*DirStat, error) {
	root, err := Unpack(packed)
	if err != nil {
		return nil, fmt.Errorf("dirdb: unpacking: %w", err)
	}
	root.RecomputeDirNameHashes(k, "/")
	return root, nil
}
