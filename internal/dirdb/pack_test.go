// Copyright 2025 StrongDM Inc
// SPDX-License-Identifier: Apache-2.0

package dirdb

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/tux3/frozen/internal/cryptutil"
)

func writeTestTree(t *testing.T, root string) {
	t.Helper()
	dirs := []string{"dir", "dir/nested", "empty", "this-is-a-very-long-directory-name-over-sixteen-bytes"}
	for _, d := range dirs {
		if err := os.MkdirAll(filepath.Join(root, d), 0o755); err != nil {
			t.Fatal(err)
		}
	}
	files := map[string]string{
		"a":                "hello",
		"b":                "world",
		"dir/c":             "nested file",
		"dir/nested/d":      "deeply nested",
		"a-quite-long-name-that-wont-get-pruned-from-the-dirname-stream":        "x",
		"this-is-a-very-long-directory-name-over-sixteen-bytes/e": "pruned dirname case",
	}
	for name, content := range files {
		if err := os.WriteFile(filepath.Join(root, name), []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
}

func TestPackUnpackRoundtrip(t *testing.T) {
	root := t.TempDir()
	writeTestTree(t, root)

	key, err := cryptutil.RandomKey()
	if err != nil {
		t.Fatal(err)
	}

	original, err := LoadLocal(key, root)
	if err != nil {
		t.Fatalf("LoadLocal: %v", err)
	}

	packed, err := Pack(original)
	if err != nil {
		t.Fatalf("Pack: %v", err)
	}

	unpacked, err := LoadRemote(key, packed)
	if err != nil {
		t.Fatalf("LoadRemote: %v", err)
	}

	if !original.Equal(unpacked) {
		t.Fatalf("unpacked tree doesn't match original:\noriginal: %+v\nunpacked: %+v", original, unpacked)
	}
}

func TestPackUnpackEmptyDir(t *testing.T) {
	root := t.TempDir()

	key, err := cryptutil.RandomKey()
	if err != nil {
		t.Fatal(err)
	}

	original, err := LoadLocal(key, root)
	if err != nil {
		t.Fatalf("LoadLocal: %v", err)
	}

	packed, err := Pack(original)
	if err != nil {
		t.Fatalf("Pack: %v", err)
	}

	unpacked, err := LoadRemote(key, packed)
	if err != nil {
		t.Fatalf("LoadRemote: %v", err)
	}

	if unpacked.TotalFilesCount != 0 {
		t.Fatalf("expected an empty directory to round trip with zero files, got %d", unpacked.TotalFilesCount)
	}
}

func TestDirectFilesCountNeverUnderflows(t *testing.T) {
	d := &DirStat{
		TotalFilesCount: 1,
		Subfolders: []*DirStat{
			{TotalFilesCount: 5},
		},
	}
	if d.DirectFilesCount() != 0 {
		t.Fatalf("expected saturating subtraction to clamp at 0, got %d", d.DirectFilesCount())
	}
}
