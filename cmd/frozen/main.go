// Copyright 2025 StrongDM Inc
// SPDX-License-Identifier: Apache-2.0

// Command frozen is a minimal entry point wiring the backup/restore
// packages together for manual exercise. It is not a full CLI: no config
// file, no interactive prompting, just enough flags to drive one run.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/mattn/go-isatty"

	"github.com/tux3/frozen/internal/action"
	"github.com/tux3/frozen/internal/backuproot"
	"github.com/tux3/frozen/internal/config"
	"github.com/tux3/frozen/internal/cryptutil"
	"github.com/tux3/frozen/internal/objstore"
)

func main() {
	cmd := flag.String("cmd", "", "backup | restore | list-roots | unlock | init-key")
	keyFile := flag.String("key-file", "", "path to the local key file (created with -cmd=init-key)")
	localPath := flag.String("path", "", "local directory to back up or restore into")
	authBaseURL := flag.String("auth-url", "https://api.backblazeb2.com", "object store auth endpoint")
	keyID := flag.String("key-id", "", "object store application key id")
	appKey := flag.String("app-key", "", "object store application key")
	bucketID := flag.String("bucket-id", "", "object store bucket id")
	dryRun := flag.Bool("dry-run", false, "plan the diff without uploading anything")
	keepExisting := flag.Bool("keep-existing", false, "never delete remote files missing locally")
	flag.Parse()

	if !isatty.IsTerminal(os.Stdout.Fd()) {
		slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))
	}

	if err := run(*cmd, *keyFile, *localPath, *authBaseURL, *keyID, *appKey, *bucketID, *dryRun, *keepExisting); err != nil {
		fmt.Fprintln(os.Stderr, "frozen:", err)
		os.Exit(1)
	}
}

func run(cmdName, keyFile, localPath, authBaseURL, keyID, appKey, bucketID string, dryRun, keepExisting bool) error {
	if cmdName == "init-key" {
		k, err := cryptutil.RandomKey()
		if err != nil {
			return err
		}
		return action.SaveKey(keyFile, k)
	}

	k, err := action.LoadKey(keyFile)
	if err != nil {
		return err
	}

	ctx := context.Background()
	client, err := objstore.NewClient(ctx, authBaseURL, keyID, appKey, bucketID)
	if err != nil {
		return fmt.Errorf("connecting to object store: %w", err)
	}

	switch cmdName {
	case "list-roots":
		roots, err := action.ListRoots(ctx, client, k)
		if err != nil {
			return err
		}
		for _, r := range roots {
			fmt.Println(r.Path)
		}
		return nil

	case "backup":
		root, err := backuproot.OpenCreateRoot(ctx, client, k, localPath)
		if err != nil {
			return err
		}
		token, err := backuproot.Lock(ctx, client, root.PathHash)
		if err != nil {
			return err
		}
		defer backuproot.Unlock(ctx, client, root.PathHash, token)

		cfg := config.New(config.WithDryRun(dryRun), config.WithKeepExisting(keepExisting))
		rl := action.NewRateLimiter(cfg)
		pool, err := action.NewUploadURLPool(ctx, client, cfg.UploadWorkers)
		if err != nil {
			return err
		}
		return action.Backup(ctx, client, rl, pool, k, root, localPath, cfg)

	case "restore":
		root, ok, err := backuproot.OpenRoot(ctx, client, k, localPath)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("no backup root registered for %s", localPath)
		}
		cfg := config.New()
		rl := action.NewRateLimiter(cfg)
		return action.Restore(ctx, client, rl, k, root, localPath)

	case "unlock":
		root, ok, err := backuproot.OpenRoot(ctx, client, k, localPath)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("no backup root registered for %s", localPath)
		}
		return action.Unlock(ctx, client, root)

	default:
		return fmt.Errorf("unknown -cmd %q", cmdName)
	}
}
