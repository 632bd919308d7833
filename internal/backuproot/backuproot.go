// Copyright 2025 StrongDM Inc
// SPDX-License-Identifier: Apache-2.0

// Package backuproot manages the registry of backup roots stored in the
// object store: the encrypted list of known root paths, and the advisory
// locking used to keep two concurrent backup runs from racing on the same
// root.
package backuproot

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/tux3/frozen/internal/cryptutil"
	"github.com/tux3/frozen/internal/objstore"
)

// ErrAlreadyLocked is returned by Lock when another marker is already
// present for the same root.
var ErrAlreadyLocked = errors.New("backuproot: root is already locked by a concurrent backup")

// registryFileName is the well-known object name the encrypted root list is
// stored under, picked so it never collides with a path hash (those are all
// 27 characters of base64url, and this name is 11).
const registryFileName = "backup_root"

// BackupRoot is one directory tree known to this backup account.
type BackupRoot struct {
	Path     string `msgpack:"path"`
	PathHash string `msgpack:"path_hash"`
}

// FetchRoots downloads and decrypts the backup root registry. A registry
// that doesn't exist yet (first run) is treated as an empty list rather
// than an error.
func FetchRoots(ctx context.Context, client *objstore.Client, k cryptutil.Key) ([]BackupRoot, error) {
	files, err := client.ListAllFileNames(ctx, registryFileName, "")
	if err != nil {
		return nil, fmt.Errorf("backuproot: listing registry: %w", err)
	}
	var latest *objstore.FileInfo
	for i := range files {
		if files[i].FileName == registryFileName {
			latest = &files[i]
		}
	}
	if latest == nil {
		return nil, nil
	}

	encrypted, err := client.DownloadFileByID(ctx, latest.FileID)
	if err != nil {
		return nil, fmt.Errorf("backuproot: downloading registry: %w", err)
	}
	plain, err := cryptutil.DecryptBlob(k, encrypted)
	if err != nil {
		return nil, fmt.Errorf("backuproot: decrypting registry: %w", err)
	}

	var roots []BackupRoot
	if err := msgpack.Unmarshal(plain, &roots); err != nil {
		return nil, fmt.Errorf("backuproot: decoding registry: %w", err)
	}
	return roots, nil
}

// SaveRoots encrypts and uploads roots as the new registry version.
func SaveRoots(ctx context.Context, client *objstore.Client, k cryptutil.Key, roots []BackupRoot) error {
	sorted := append([]BackupRoot(nil), roots...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].PathHash < sorted[j].PathHash })

	plain, err := msgpack.Marshal(sorted)
	if err != nil {
		return fmt.Errorf("backuproot: encoding registry: %w", err)
	}
	encrypted, err := cryptutil.EncryptBlob(k, plain)
	if err != nil {
		return fmt.Errorf("backuproot: encrypting registry: %w", err)
	}

	uploadURL, err := client.GetUploadURL(ctx)
	if err != nil {
		return fmt.Errorf("backuproot: getting upload url: %w", err)
	}
	sha1 := cryptutil.Sha1Hex(encrypted)
	if _, err := client.UploadFile(ctx, uploadURL, registryFileName, encrypted, "", sha1); err != nil {
		return fmt.Errorf("backuproot: uploading registry: %w", err)
	}
	return nil
}

// OpenCreateRoot returns the BackupRoot for path, registering it if this is
// the first time it's been backed up.
func OpenCreateRoot(ctx context.Context, client *objstore.Client, k cryptutil.Key, path string) (BackupRoot, error) {
	pathHash := cryptutil.HashPathRoot(k, path)

	roots, err := FetchRoots(ctx, client, k)
	if err != nil {
		return BackupRoot{}, err
	}
	for _, r := range roots {
		if r.PathHash == pathHash {
			return r, nil
		}
	}

	root := BackupRoot{Path: path, PathHash: pathHash}
	roots = append(roots, root)
	if err := SaveRoots(ctx, client, k, roots); err != nil {
		return BackupRoot{}, err
	}
	return root, nil
}

// OpenRoot looks up an already-registered root by path, without creating it.
func OpenRoot(ctx context.Context, client *objstore.Client, k cryptutil.Key, path string) (BackupRoot, bool, error) {
	pathHash := cryptutil.HashPathRoot(k, path)
	roots, err := FetchRoots(ctx, client, k)
	if err != nil {
		return BackupRoot{}, false, err
	}
	for _, r := range roots {
		if r.PathHash == pathHash {
			return r, true, nil
		}
	}
	return BackupRoot{}, false, nil
}

// ListRoots returns every registered backup root.
func ListRoots(ctx context.Context, client *objstore.Client, k cryptutil.Key) ([]BackupRoot, error) {
	return FetchRoots(ctx, client, k)
}

// DeleteRoot removes path from the registry. It does not delete the root's
// uploaded data, only its registration.
func DeleteRoot(ctx context.Context, client *objstore.Client, k cryptutil.Key, path string) error {
	pathHash := cryptutil.HashPathRoot(k, path)
	roots, err := FetchRoots(ctx, client, k)
	if err != nil {
		return err
	}
	kept := roots[:0]
	for _, r := range roots {
		if r.PathHash != pathHash {
			kept = append(kept, r)
		}
	}
	return SaveRoots(ctx, client, k, kept)
}

// RenameRoot updates the clear path of an already-registered root without
// changing its path hash (and therefore without touching any of its
// uploaded objects, which are all addressed by path hash).
func RenameRoot(ctx context.Context, client *objstore.Client, k cryptutil.Key, oldPath, newPath string) error {
	pathHash := cryptutil.HashPathRoot(k, oldPath)
	roots, err := FetchRoots(ctx, client, k)
	if err != nil {
		return err
	}
	found := false
	for i := range roots {
		if roots[i].PathHash == pathHash {
			roots[i].Path = newPath
			found = true
		}
	}
	if !found {
		return fmt.Errorf("backuproot: %q is not a registered backup root", oldPath)
	}
	return SaveRoots(ctx, client, k, roots)
}

const lockMarkerInfix = ".lock."

// Lock claims exclusive use of pathHash for the duration of a backup run.
// It uploads an empty marker object, then lists every lock marker for this
// root: if more than one is present, someone else raced us, and our marker
// is removed before returning ErrAlreadyLocked.
func Lock(ctx context.Context, client *objstore.Client, pathHash string) (token string, err error) {
	token, err = randomLockToken()
	if err != nil {
		return "", err
	}
	markerName := pathHash + lockMarkerInfix + token

	uploadURL, err := client.GetUploadURL(ctx)
	if err != nil {
		return "", fmt.Errorf("backuproot: getting upload url: %w", err)
	}
	if _, err := client.UploadFile(ctx, uploadURL, markerName, nil, "", cryptutil.Sha1Hex(nil)); err != nil {
		return "", fmt.Errorf("backuproot: creating lock marker: %w", err)
	}

	markers, err := client.ListAllFileNames(ctx, pathHash+lockMarkerInfix, "")
	if err != nil {
		return "", fmt.Errorf("backuproot: listing lock markers: %w", err)
	}

	if len(markers) > 1 {
		if err := client.DeleteFileVersion(ctx, markerName, findFileID(markers, markerName)); err != nil {
			return "", fmt.Errorf("backuproot: releasing losing lock marker: %w", err)
		}
		return "", ErrAlreadyLocked
	}
	return token, nil
}

// Unlock releases a lock acquired with Lock.
func Unlock(ctx context.Context, client *objstore.Client, pathHash, token string) error {
	markerName := pathHash + lockMarkerInfix + token
	markers, err := client.ListAllFileNames(ctx, markerName, "")
	if err != nil {
		return fmt.Errorf("backuproot: listing lock marker: %w", err)
	}
	id := findFileID(markers, markerName)
	if id == "" {
		return nil
	}
	return client.DeleteFileVersion(ctx, markerName, id)
}

// WipeLocks force-removes every lock marker for pathHash, for recovering a
// root left locked by a crashed or killed backup run.
func WipeLocks(ctx context.Context, client *objstore.Client, pathHash string) error {
	markers, err := client.ListAllFileNames(ctx, pathHash+lockMarkerInfix, "")
	if err != nil {
		return fmt.Errorf("backuproot: listing lock markers: %w", err)
	}
	for _, m := range markers {
		if err := client.DeleteFileVersion(ctx, m.FileName, m.FileID); err != nil {
			return fmt.Errorf("backuproot: deleting lock marker %q: %w", m.FileName, err)
		}
	}
	return nil
}

func findFileID(files []objstore.FileInfo, name string) string {
	for _, f := range files {
		if f.FileName == name {
			return f.FileID
		}
	}
	return ""
}

func randomLockToken() (string, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return "", fmt.Errorf("backuproot: generating lock token: %w", err)
	}
	return id.String(), nil
}
