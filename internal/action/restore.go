// Copyright 2025 StrongDM Inc
// SPDX-License-Identifier: Apache-2.0

package action

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tux3/frozen/internal/backuproot"
	"github.com/tux3/frozen/internal/cryptutil"
	"github.com/tux3/frozen/internal/objstore"
	"github.com/tux3/frozen/internal/pipeline"
)

// Restore deep-lists everything under root and writes it out under
// localPath, recreating directories, regular files, and symlinks and
// restoring each file's mtime and permission bits from its enc_meta
// sidecar. The DirDB object itself is skipped: it describes the backup's
// own bookkeeping, not a file the caller ever had.
func Restore(ctx context.Context, client *objstore.Client, rl *RateLimiter, k cryptutil.Key, root backuproot.BackupRoot, localPath string) error {
	if err := rl.acquireList(ctx); err != nil {
		return err
	}
	files, err := client.ListAllFileNames(ctx, root.PathHash+"/", "")
	rl.releaseList()
	if err != nil {
		return fmt.Errorf("action: listing %s: %w", root.Path, err)
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, f := range files {
		f := f
		if f.Action == "folder" || f.FileName == root.PathHash+dirdbObjectName {
			continue
		}
		g.Go(func() error {
			return restoreFile(gctx, client, rl, k, localPath, f)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	slog.Info("[frozen] restore complete", "root", root.Path, "files", len(files))
	return nil
}

func restoreFile(ctx context.Context, client *objstore.Client, rl *RateLimiter, k cryptutil.Key, localPath string, f objstore.FileInfo) error {
	encoded, ok := f.Info["enc_meta"]
	if !ok {
		return fmt.Errorf("action: %s has no enc_meta, can't restore", f.FileName)
	}
	meta, err := cryptutil.DecodeMeta(k, encoded)
	if err != nil {
		return fmt.Errorf("action: decoding metadata for %s: %w", f.FileName, err)
	}

	if err := rl.acquireDownload(ctx); err != nil {
		return err
	}
	packed, err := client.DownloadFileByID(ctx, f.FileID)
	rl.releaseDownload()
	if err != nil {
		return fmt.Errorf("action: downloading %s: %w", meta.RelPath, err)
	}
	data, err := pipeline.Decode(ctx, k, packed)
	if err != nil {
		return fmt.Errorf("action: decoding %s: %w", meta.RelPath, err)
	}

	fullPath := filepath.Join(localPath, filepath.FromSlash(meta.RelPath))
	if err := os.MkdirAll(filepath.Dir(fullPath), 0o755); err != nil {
		return fmt.Errorf("action: creating parent dirs for %s: %w", meta.RelPath, err)
	}

	if meta.IsSymlink {
		target := string(data)
		_ = os.Remove(fullPath)
		if err := os.Symlink(target, fullPath); err != nil {
			return fmt.Errorf("action: restoring symlink %s: %w", meta.RelPath, err)
		}
		return nil
	}

	if err := os.WriteFile(fullPath, data, os.FileMode(meta.Mode)); err != nil {
		return fmt.Errorf("action: writing %s: %w", meta.RelPath, err)
	}
	mtime := time.Unix(int64(meta.Mtime), 0)
	if err := os.Chtimes(fullPath, mtime, mtime); err != nil {
		return fmt.Errorf("action: setting mtime on %s: %w", meta.RelPath, err)
	}
	if err := os.Chmod(fullPath, os.FileMode(meta.Mode)); err != nil {
		return fmt.Errorf("action: setting mode on %s: %w", meta.RelPath, err)
	}
	return nil
}
