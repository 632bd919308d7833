// Copyright 2025 StrongDM Inc
// SPDX-License-Identifier: Apache-2.0

package action

import (
	"context"
	"fmt"
	"os"

	"github.com/tux3/frozen/internal/backuproot"
	"github.com/tux3/frozen/internal/cryptutil"
	"github.com/tux3/frozen/internal/objstore"
)

// SaveKey writes k's raw bytes to path with permissions restricted to the
// owner, since anyone who reads this file can decrypt every backup made
// with it.
func SaveKey(path string, k cryptutil.Key) error {
	if err := os.WriteFile(path, k[:], 0o600); err != nil {
		return fmt.Errorf("action: saving key to %s: %w", path, err)
	}
	return nil
}

// LoadKey is the inverse of SaveKey.
func LoadKey(path string) (cryptutil.Key, error) {
	var k cryptutil.Key
	raw, err := os.ReadFile(path)
	if err != nil {
		return k, fmt.Errorf("action: loading key from %s: %w", path, err)
	}
	if len(raw) != cryptutil.KeySize {
		return k, fmt.Errorf("action: key file %s has %d bytes, want %d", path, len(raw), cryptutil.KeySize)
	}
	copy(k[:], raw)
	return k, nil
}

// ListRoots returns every backup root registered in the vault.
func ListRoots(ctx context.Context, client *objstore.Client, k cryptutil.Key) ([]backuproot.BackupRoot, error) {
	return backuproot.FetchRoots(ctx, client, k)
}

// DeleteRoot removes a root's registry entry. It does not delete the
// files already uploaded under that root's path hash.
func DeleteRoot(ctx context.Context, client *objstore.Client, k cryptutil.Key, path string) error {
	return backuproot.DeleteRoot(ctx, client, k, path)
}

// RenameRoot updates a root's registered local path without touching the
// object-store data stored under its (unchanged) path hash.
func RenameRoot(ctx context.Context, client *objstore.Client, k cryptutil.Key, oldPath, newPath string) error {
	return backuproot.RenameRoot(ctx, client, k, oldPath, newPath)
}

// Unlock force-clears the advisory lock markers for a root, for when a
// previous run crashed without releasing its lock.
func Unlock(ctx context.Context, client *objstore.Client, root backuproot.BackupRoot) error {
	return backuproot.WipeLocks(ctx, client, root.PathHash)
}
