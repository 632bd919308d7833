// Copyright 2025 StrongDM Inc
// SPDX-License-Identifier: Apache-2.0

package action

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/tux3/frozen/internal/backuproot"
	"github.com/tux3/frozen/internal/config"
	"github.com/tux3/frozen/internal/cryptutil"
	"github.com/tux3/frozen/internal/dirdb"
	"github.com/tux3/frozen/internal/objstore"
	"github.com/tux3/frozen/internal/pipeline"
)

// dirdbObjectName has no leading "/", unlike every per-file object key
// (which starts with the "/"-chained dir-name-hash prefix), so a listing
// scoped to root.PathHash+"/" for file diffing never picks up the DirDB
// snapshot itself.
const dirdbObjectName = "dirdb"

// Backup diffs localPath against root's last known remote state and
// uploads whatever changed. A pessimistic placeholder DirDB is uploaded
// before any file upload starts, so a run that's interrupted midway leaves
// the remote side knowing its own shape is unconfirmed rather than looking
// falsely up to date; the real DirDB, reflecting what's now fully
// uploaded, replaces it once every task has completed.
func Backup(ctx context.Context, client *objstore.Client, rl *RateLimiter, pool *UploadURLPool, k cryptutil.Key, root backuproot.BackupRoot, localPath string, cfg config.Runtime) error {
	local, err := dirdb.LoadLocal(k, localPath)
	if err != nil {
		return fmt.Errorf("action: walking %s: %w", localPath, err)
	}

	remote, err := fetchRemoteDirDB(ctx, client, k, root)
	if err != nil {
		return fmt.Errorf("action: fetching remote dirdb: %w", err)
	}

	tasks := dirdb.PlanDiff(local, remote)
	slog.Info("[frozen] backup plan", "root", root.Path, "tasks", len(tasks))
	if cfg.DryRun {
		for _, task := range tasks {
			slog.Info("[frozen] would diff", "prefix", task.PrefixPathHash, "deep", task.DeepDiff, "local_only", task.LocalOnly)
		}
		return nil
	}

	if len(tasks) == 0 {
		return nil
	}

	pessimistic := dirdb.MergePessimistic(local, remote)
	if err := uploadDirDB(ctx, client, pool, k, root, pessimistic); err != nil {
		return fmt.Errorf("action: uploading placeholder dirdb: %w", err)
	}

	var cancelled atomic.Bool
	g, gctx := errgroup.WithContext(ctx)
	localHashes := dirdb.FilePathHashes(local, k, "/")

	for _, task := range tasks {
		task := task
		g.Go(func() error {
			if cancelled.Load() {
				return nil
			}
			if err := runDiffTask(gctx, client, rl, pool, k, root, localPath, task, localHashes, cfg); err != nil {
				cancelled.Store(true)
				return err
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	// Pool-idle barrier: every task above has fully completed (success or
	// the whole group already failed) before we replace the placeholder
	// with a DirDB that claims to be fully confirmed.
	if err := uploadDirDB(ctx, client, pool, k, root, local); err != nil {
		return fmt.Errorf("action: uploading final dirdb: %w", err)
	}
	return nil
}

func fetchRemoteDirDB(ctx context.Context, client *objstore.Client, k cryptutil.Key, root backuproot.BackupRoot) (*dirdb.DirStat, error) {
	name := root.PathHash + dirdbObjectName
	files, err := client.ListAllFileNames(ctx, name, "")
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return dirdb.NewEmpty().Root, nil
	}
	packed, err := client.DownloadFileByID(ctx, files[len(files)-1].FileID)
	if err != nil {
		return nil, err
	}
	decoded, err := pipeline.Decode(ctx, k, packed)
	if err != nil {
		return nil, err
	}
	return dirdb.LoadRemote(k, decoded)
}

// uploadDirDB uploads stat as the new DirDB snapshot, then prunes every
// version but the one it just created: a DirDB is replaced wholesale on
// every backup, so there's no reason to keep its history around running up
// storage cost.
func uploadDirDB(ctx context.Context, client *objstore.Client, pool *UploadURLPool, k cryptutil.Key, root backuproot.BackupRoot, stat *dirdb.DirStat) error {
	packed, err := dirdb.Pack(stat)
	if err != nil {
		return err
	}
	encoded, err := pipeline.Encode(ctx, k, bytes.NewReader(packed))
	if err != nil {
		return err
	}
	name := root.PathHash + dirdbObjectName
	info, err := uploadBlob(ctx, client, pool, name, encoded, "")
	if err != nil {
		return err
	}
	return pruneSupersededVersions(ctx, client, name, info.FileID)
}

// pruneSupersededVersions deletes every stored version of name except keepID.
func pruneSupersededVersions(ctx context.Context, client *objstore.Client, name, keepID string) error {
	versions, err := client.ListAllFileVersions(ctx, name)
	if err != nil {
		return fmt.Errorf("action: listing versions of %q: %w", name, err)
	}
	for _, v := range versions {
		if v.FileID == keepID {
			continue
		}
		if err := client.DeleteFileVersion(ctx, v.FileName, v.FileID); err != nil {
			return fmt.Errorf("action: deleting superseded version of %q: %w", name, err)
		}
	}
	return nil
}

// runDiffTask lists the remote side of one DiffTask (unless it's
// local-only, in which case there's nothing to list), merges it against
// the matching local files, and uploads or deletes whatever differs.
func runDiffTask(ctx context.Context, client *objstore.Client, rl *RateLimiter, pool *UploadURLPool, k cryptutil.Key, root backuproot.BackupRoot, localPath string, task dirdb.DiffTask, localHashes map[string]string, cfg config.Runtime) error {
	var remoteFiles []dirdb.RemoteFile
	if !task.LocalOnly {
		delimiter := "/"
		if task.DeepDiff {
			delimiter = ""
		}
		if err := rl.acquireList(ctx); err != nil {
			return err
		}
		listed, err := client.ListAllFileNames(ctx, root.PathHash+task.PrefixPathHash, delimiter)
		rl.releaseList()
		if err != nil {
			return fmt.Errorf("action: listing %s: %w", task.PrefixPathHash, err)
		}
		for _, f := range listed {
			if f.Action == "folder" {
				continue
			}
			rf := dirdb.RemoteFile{
				RelPath:      f.FileName,
				FullPathHash: strings.TrimPrefix(f.FileName, root.PathHash),
				ID:           f.FileID,
			}
			if encoded, ok := f.Info["enc_meta"]; ok {
				meta, err := cryptutil.DecodeMeta(k, encoded)
				if err != nil {
					return fmt.Errorf("action: decoding metadata for %s: %w", f.FileName, err)
				}
				rf.RelPath = meta.RelPath
				rf.Mtime = meta.Mtime
				rf.Mode = meta.Mode
				rf.IsSymlink = meta.IsSymlink
			}
			remoteFiles = append(remoteFiles, rf)
		}
	}

	diffs := dirdb.DiffFiles(task.Local, localHashes, remoteFiles, task.DeepDiff || task.LocalOnly || task.Local == nil)

	g, gctx := errgroup.WithContext(ctx)
	for _, d := range diffs {
		d := d
		g.Go(func() error {
			switch {
			case d.Local != nil && d.Remote != nil:
				if !d.Changed() {
					return nil
				}
				return uploadLocalFile(gctx, client, rl, pool, k, root, localPath, *d.Local, localHashes[d.Local.RelPath])
			case d.Local != nil:
				return uploadLocalFile(gctx, client, rl, pool, k, root, localPath, *d.Local, localHashes[d.Local.RelPath])
			case d.Remote != nil:
				if cfg.KeepExisting {
					return nil
				}
				return deleteRemoteFile(gctx, client, rl, root, *d.Remote)
			}
			return nil
		})
	}
	return g.Wait()
}

func uploadLocalFile(ctx context.Context, client *objstore.Client, rl *RateLimiter, pool *UploadURLPool, k cryptutil.Key, root backuproot.BackupRoot, localPath string, f dirdb.FileStat, fullPathHash string) error {
	fullPath := filepath.Join(localPath, filepath.FromSlash(f.RelPath))

	var data []byte
	var err error
	if f.IsSymlink {
		target, linkErr := os.Readlink(fullPath)
		if linkErr != nil {
			return fmt.Errorf("action: reading symlink %s: %w", f.RelPath, linkErr)
		}
		data = []byte(target)
	} else {
		data, err = os.ReadFile(fullPath)
		if err != nil {
			return fmt.Errorf("action: reading %s: %w", f.RelPath, err)
		}
	}

	encoded, err := pipeline.Encode(ctx, k, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("action: encoding %s: %w", f.RelPath, err)
	}

	meta, err := cryptutil.EncodeMeta(k, cryptutil.FileMeta{RelPath: f.RelPath, Mtime: f.Mtime, Mode: f.Mode, IsSymlink: f.IsSymlink})
	if err != nil {
		return fmt.Errorf("action: encoding metadata for %s: %w", f.RelPath, err)
	}

	if err := rl.acquireUpload(ctx); err != nil {
		return err
	}
	defer rl.releaseUpload()
	_, err = uploadBlob(ctx, client, pool, root.PathHash+fullPathHash, encoded, meta)
	return err
}

func uploadBlob(ctx context.Context, client *objstore.Client, pool *UploadURLPool, name string, encoded []byte, encMeta string) (*objstore.FileInfo, error) {
	uploadURL, err := pool.Borrow(ctx)
	if err != nil {
		return nil, err
	}
	sha1 := cryptutil.Sha1Hex(encoded)
	info, err := client.UploadFile(ctx, uploadURL, name, encoded, encMeta, sha1)
	expired := objstore.IsStatus(err, 400) || objstore.IsStatus(err, 401)
	pool.Return(ctx, uploadURL, expired)
	if err != nil {
		return nil, fmt.Errorf("action: uploading %q: %w", name, err)
	}
	return info, nil
}

func deleteRemoteFile(ctx context.Context, client *objstore.Client, rl *RateLimiter, root backuproot.BackupRoot, f dirdb.RemoteFile) error {
	if err := rl.acquireUpload(ctx); err != nil {
		return err
	}
	defer rl.releaseUpload()
	name := root.PathHash + f.FullPathHash
	if err := client.DeleteFileVersion(ctx, name, f.ID); err != nil {
		return fmt.Errorf("action: deleting %q: %w", name, err)
	}
	return nil
}
