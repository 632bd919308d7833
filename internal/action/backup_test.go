// Copyright 2025 StrongDM Inc
// SPDX-License-Identifier: Apache-2.0

package action

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/tux3/frozen/internal/backuproot"
	"github.com/tux3/frozen/internal/config"
	"github.com/tux3/frozen/internal/cryptutil"
	"github.com/tux3/frozen/internal/objstore"
)

// fakeObject mirrors one stored version in the in-memory B2-like test
// double below, including the custom X-Bz-Info-* headers a real store
// would echo back on a listing.
type fakeObject struct {
	id        string
	name      string
	data      []byte
	info      map[string]string
	timestamp int64
}

type fakeStore struct {
	mu      sync.Mutex
	nextID  int
	objects []fakeObject
}

func newFakeStoreServer(t *testing.T) (*httptest.Server, *fakeStore) {
	t.Helper()
	fs := &fakeStore{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/b2api/v2/b2_authorize_account":
			json.NewEncoder(w).Encode(map[string]string{
				"accountId": "a", "authorizationToken": "t",
				"apiUrl": "http://" + r.Host, "downloadUrl": "http://" + r.Host,
			})
		case "/b2api/v2/b2_get_upload_url":
			json.NewEncoder(w).Encode(map[string]string{
				"uploadUrl": "http://" + r.Host + "/upload", "authorizationToken": "ut",
			})
		case "/upload":
			name := r.Header.Get("X-Bz-File-Name")
			data := make([]byte, 0)
			buf := make([]byte, 4096)
			for {
				n, err := r.Body.Read(buf)
				data = append(data, buf[:n]...)
				if err != nil {
					break
				}
			}
			info := map[string]string{}
			if meta := r.Header.Get("X-Bz-Info-enc_meta"); meta != "" {
				info["enc_meta"] = meta
			}
			fs.mu.Lock()
			fs.nextID++
			id := strconv.Itoa(fs.nextID)
			fs.objects = append(fs.objects, fakeObject{
				id: id, name: name, data: data, info: info,
				timestamp: time.Now().UnixNano() + int64(fs.nextID),
			})
			fs.mu.Unlock()
			json.NewEncoder(w).Encode(map[string]string{"fileId": id, "fileName": name})
		case "/b2api/v2/b2_list_file_names":
			var req struct {
				Prefix string `json:"prefix"`
			}
			json.NewDecoder(r.Body).Decode(&req)
			fs.mu.Lock()
			// b2_list_file_names reports only the current (most recently
			// uploaded) version of each distinct name, same as the real
			// store; older versions stay fetchable by id but don't show up
			// here.
			latest := map[string]fakeObject{}
			for _, o := range fs.objects {
				if !strings.HasPrefix(o.name, req.Prefix) {
					continue
				}
				if cur, ok := latest[o.name]; !ok || o.timestamp > cur.timestamp {
					latest[o.name] = o
				}
			}
			names := make([]string, 0, len(latest))
			for name := range latest {
				names = append(names, name)
			}
			sort.Strings(names)
			var files []map[string]any
			for _, name := range names {
				o := latest[name]
				files = append(files, map[string]any{
					"fileId": o.id, "fileName": o.name,
					"uploadTimestamp": o.timestamp, "fileInfo": o.info,
				})
			}
			fs.mu.Unlock()
			json.NewEncoder(w).Encode(map[string]any{"files": files})
		case "/b2api/v2/b2_list_file_versions":
			var req struct {
				Prefix string `json:"prefix"`
			}
			json.NewDecoder(r.Body).Decode(&req)
			fs.mu.Lock()
			var matched []fakeObject
			for _, o := range fs.objects {
				if strings.HasPrefix(o.name, req.Prefix) {
					matched = append(matched, o)
				}
			}
			fs.mu.Unlock()
			sort.Slice(matched, func(i, j int) bool {
				if matched[i].name != matched[j].name {
					return matched[i].name < matched[j].name
				}
				return matched[i].timestamp < matched[j].timestamp
			})
			var files []map[string]any
			for _, o := range matched {
				files = append(files, map[string]any{
					"fileId": o.id, "fileName": o.name,
					"uploadTimestamp": o.timestamp, "fileInfo": o.info,
				})
			}
			json.NewEncoder(w).Encode(map[string]any{"files": files})
		case "/b2api/v2/b2_download_file_by_id":
			id := r.URL.Query().Get("fileId")
			fs.mu.Lock()
			defer fs.mu.Unlock()
			for _, o := range fs.objects {
				if o.id == id {
					w.Write(o.data)
					return
				}
			}
			w.WriteHeader(http.StatusNotFound)
		case "/b2api/v2/b2_delete_file_version":
			var req struct {
				FileID string `json:"fileId"`
			}
			json.NewDecoder(r.Body).Decode(&req)
			fs.mu.Lock()
			kept := fs.objects[:0]
			for _, o := range fs.objects {
				if o.id != req.FileID {
					kept = append(kept, o)
				}
			}
			fs.objects = kept
			fs.mu.Unlock()
			w.WriteHeader(http.StatusOK)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(srv.Close)
	return srv, fs
}

func newTestClient(t *testing.T) *objstore.Client {
	t.Helper()
	srv, _ := newFakeStoreServer(t)
	client, err := objstore.NewClient(context.Background(), srv.URL, "key", "secret", "bucket")
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	return client
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	mtime := time.Unix(1700000000, 0)
	if err := os.Chtimes(path, mtime, mtime); err != nil {
		t.Fatal(err)
	}
}

func dirFiles(t *testing.T, root string) map[string]string {
	t.Helper()
	out := map[string]string{}
	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return err
		}
		rel, _ := filepath.Rel(root, path)
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		out[filepath.ToSlash(rel)] = string(data)
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	return out
}

func TestBackupThenRestoreRoundtrip(t *testing.T) {
	client := newTestClient(t)
	key, err := cryptutil.RandomKey()
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	src := t.TempDir()
	writeFile(t, filepath.Join(src, "a.txt"), "hello")
	writeFile(t, filepath.Join(src, "b.txt"), "world")

	root, err := backuproot.OpenCreateRoot(ctx, client, key, src)
	if err != nil {
		t.Fatalf("OpenCreateRoot: %v", err)
	}

	cfg := config.New()
	rl := NewRateLimiter(cfg)
	pool, err := NewUploadURLPool(ctx, client, cfg.UploadWorkers)
	if err != nil {
		t.Fatalf("NewUploadURLPool: %v", err)
	}

	if err := Backup(ctx, client, rl, pool, key, root, src, cfg); err != nil {
		t.Fatalf("Backup: %v", err)
	}

	dst := t.TempDir()
	if err := Restore(ctx, client, rl, key, root, dst); err != nil {
		t.Fatalf("Restore: %v", err)
	}

	want := dirFiles(t, src)
	got := dirFiles(t, dst)
	if len(want) != len(got) {
		t.Fatalf("expected %d restored files, got %d: %v", len(want), len(got), got)
	}
	for name, content := range want {
		if got[name] != content {
			t.Fatalf("file %s: got %q, want %q", name, got[name], content)
		}
	}
}

func TestBackupSecondRunWithNoChangesUploadsNothing(t *testing.T) {
	client := newTestClient(t)
	key, err := cryptutil.RandomKey()
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	src := t.TempDir()
	writeFile(t, filepath.Join(src, "a.txt"), "hello")

	root, err := backuproot.OpenCreateRoot(ctx, client, key, src)
	if err != nil {
		t.Fatalf("OpenCreateRoot: %v", err)
	}

	cfg := config.New()
	rl := NewRateLimiter(cfg)
	pool, err := NewUploadURLPool(ctx, client, cfg.UploadWorkers)
	if err != nil {
		t.Fatalf("NewUploadURLPool: %v", err)
	}

	if err := Backup(ctx, client, rl, pool, key, root, src, cfg); err != nil {
		t.Fatalf("first Backup: %v", err)
	}
	before, err := client.ListAllFileNames(ctx, root.PathHash, "")
	if err != nil {
		t.Fatal(err)
	}

	if err := Backup(ctx, client, rl, pool, key, root, src, cfg); err != nil {
		t.Fatalf("second Backup: %v", err)
	}
	after, err := client.ListAllFileNames(ctx, root.PathHash, "")
	if err != nil {
		t.Fatal(err)
	}

	if len(before) != len(after) {
		t.Fatalf("expected an unchanged tree to upload nothing new, had %d objects before and %d after", len(before), len(after))
	}
}

func TestBackupUploadsChangedFileOnly(t *testing.T) {
	client := newTestClient(t)
	key, err := cryptutil.RandomKey()
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	src := t.TempDir()
	writeFile(t, filepath.Join(src, "a.txt"), "hello")
	writeFile(t, filepath.Join(src, "b.txt"), "world")

	root, err := backuproot.OpenCreateRoot(ctx, client, key, src)
	if err != nil {
		t.Fatalf("OpenCreateRoot: %v", err)
	}

	cfg := config.New()
	rl := NewRateLimiter(cfg)
	pool, err := NewUploadURLPool(ctx, client, cfg.UploadWorkers)
	if err != nil {
		t.Fatalf("NewUploadURLPool: %v", err)
	}
	if err := Backup(ctx, client, rl, pool, key, root, src, cfg); err != nil {
		t.Fatalf("first Backup: %v", err)
	}

	time.Sleep(10 * time.Millisecond)
	writeFileAt(t, filepath.Join(src, "a.txt"), "hello again", time.Unix(1700000100, 0))

	if err := Backup(ctx, client, rl, pool, key, root, src, cfg); err != nil {
		t.Fatalf("second Backup: %v", err)
	}

	dst := t.TempDir()
	if err := Restore(ctx, client, rl, key, root, dst); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	got := dirFiles(t, dst)
	if got["a.txt"] != "hello again" {
		t.Fatalf("expected a.txt to reflect the latest content, got %q", got["a.txt"])
	}
	if got["b.txt"] != "world" {
		t.Fatalf("expected b.txt to be unaffected, got %q", got["b.txt"])
	}
}

func writeFileAt(t *testing.T, path, content string, mtime time.Time) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.Chtimes(path, mtime, mtime); err != nil {
		t.Fatal(err)
	}
}

func TestBackupPrunesSupersededDirDBVersions(t *testing.T) {
	client := newTestClient(t)
	key, err := cryptutil.RandomKey()
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	src := t.TempDir()
	writeFile(t, filepath.Join(src, "a.txt"), "hello")

	root, err := backuproot.OpenCreateRoot(ctx, client, key, src)
	if err != nil {
		t.Fatalf("OpenCreateRoot: %v", err)
	}

	cfg := config.New()
	rl := NewRateLimiter(cfg)
	pool, err := NewUploadURLPool(ctx, client, cfg.UploadWorkers)
	if err != nil {
		t.Fatalf("NewUploadURLPool: %v", err)
	}
	if err := Backup(ctx, client, rl, pool, key, root, src, cfg); err != nil {
		t.Fatalf("first Backup: %v", err)
	}

	time.Sleep(10 * time.Millisecond)
	writeFileAt(t, filepath.Join(src, "a.txt"), "hello again", time.Unix(1700000100, 0))
	if err := Backup(ctx, client, rl, pool, key, root, src, cfg); err != nil {
		t.Fatalf("second Backup: %v", err)
	}

	versions, err := client.ListAllFileVersions(ctx, root.PathHash+dirdbObjectName)
	if err != nil {
		t.Fatalf("ListAllFileVersions: %v", err)
	}
	if len(versions) != 1 {
		t.Fatalf("expected exactly one surviving DirDB version after two backups, got %d", len(versions))
	}
}

func TestBackupDryRunUploadsNothing(t *testing.T) {
	client := newTestClient(t)
	key, err := cryptutil.RandomKey()
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	src := t.TempDir()
	writeFile(t, filepath.Join(src, "a.txt"), "hello")

	root, err := backuproot.OpenCreateRoot(ctx, client, key, src)
	if err != nil {
		t.Fatalf("OpenCreateRoot: %v", err)
	}

	cfg := config.New(config.WithDryRun(true))
	rl := NewRateLimiter(cfg)
	pool, err := NewUploadURLPool(ctx, client, cfg.UploadWorkers)
	if err != nil {
		t.Fatalf("NewUploadURLPool: %v", err)
	}
	if err := Backup(ctx, client, rl, pool, key, root, src, cfg); err != nil {
		t.Fatalf("Backup: %v", err)
	}

	objs, err := client.ListAllFileNames(ctx, root.PathHash, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(objs) != 0 {
		t.Fatalf("expected a dry run to upload nothing, found %d objects", len(objs))
	}
}

func TestBackupKeepExistingSkipsDelete(t *testing.T) {
	client := newTestClient(t)
	key, err := cryptutil.RandomKey()
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	src := t.TempDir()
	aPath := filepath.Join(src, "a.txt")
	writeFile(t, aPath, "hello")
	writeFile(t, filepath.Join(src, "b.txt"), "world")

	root, err := backuproot.OpenCreateRoot(ctx, client, key, src)
	if err != nil {
		t.Fatalf("OpenCreateRoot: %v", err)
	}

	cfg := config.New(config.WithKeepExisting(true))
	rl := NewRateLimiter(cfg)
	pool, err := NewUploadURLPool(ctx, client, cfg.UploadWorkers)
	if err != nil {
		t.Fatalf("NewUploadURLPool: %v", err)
	}
	if err := Backup(ctx, client, rl, pool, key, root, src, cfg); err != nil {
		t.Fatalf("first Backup: %v", err)
	}

	if err := os.Remove(aPath); err != nil {
		t.Fatal(err)
	}
	if err := Backup(ctx, client, rl, pool, key, root, src, cfg); err != nil {
		t.Fatalf("second Backup: %v", err)
	}

	dst := t.TempDir()
	if err := Restore(ctx, client, rl, key, root, dst); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	got := dirFiles(t, dst)
	if got["a.txt"] != "hello" {
		t.Fatalf("expected keep-existing to leave a.txt's remote copy alone, got %q", got["a.txt"])
	}
	if got["b.txt"] != "world" {
		t.Fatalf("expected b.txt to be unaffected, got %q", got["b.txt"])
	}
}
