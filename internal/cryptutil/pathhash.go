// Copyright 2025 StrongDM Inc
// SPDX-License-Identifier: Apache-2.0

package cryptutil

import "encoding/base64"

func base64URLNoPad(b []byte) string {
	return base64.RawURLEncoding.EncodeToString(b)
}

// HashPathDir computes the dir_name_hash of a child directory given the
// base64-url-nopad hash prefix of its parent (ending in "/") and the child's
// clear directory name. It mirrors the original's chained hash_path_dir_into:
// each directory's hash folds in the string representation of its parent's
// hash, so the diff planner can match subtrees by dir_name_hash without ever
// learning a clear path.
func HashPathDir(k Key, parentPrefix string, dirName []byte) [8]byte {
	return Hash8(k, []byte(parentPrefix), dirName)
}

// HashPathFilename computes the full_path_hash of a file given its parent
// directory's path-hash prefix (the same running prefix HashPathDir uses)
// and the file's clear name, returned base64-url-nopad as the object-store
// key suffix.
func HashPathFilename(k Key, dirPathHashPrefix string, filename []byte) string {
	h := Hash8(k, []byte(dirPathHashPrefix), filename)
	return base64URLNoPad(h[:])
}

// EncodeHash8 renders an 8-byte hash the way dir_name_hash chain prefixes
// are built: base64-url-nopad.
func EncodeHash8(h [8]byte) string {
	return base64URLNoPad(h[:])
}
