// Copyright 2025 StrongDM Inc
// SPDX-License-Identifier: Apache-2.0

package objstore

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func newTestServer(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv
}

func TestClientAuthorizeAndListFiles(t *testing.T) {
	var uploadedEncMeta, uploadedSha1 string

	srv := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/b2api/v2/b2_authorize_account":
			json.NewEncoder(w).Encode(authorizeAccountResponse{
				AccountID:          "acct1",
				AuthorizationToken: "tok1",
				APIURL:             "http://" + r.Host,
				DownloadURL:        "http://" + r.Host,
			})
		case "/b2api/v2/b2_list_file_names":
			json.NewEncoder(w).Encode(ListFileNamesResponse{
				Files: []FileInfo{
					{FileID: "f1", FileName: "a/b.txt", ContentSha1: "abc"},
				},
			})
		case "/b2api/v2/b2_get_upload_url":
			json.NewEncoder(w).Encode(UploadURL{UploadURL: "http://" + r.Host + "/upload", AuthorizationToken: "uptok"})
		case "/upload":
			uploadedEncMeta = r.Header.Get("X-Bz-Info-enc_meta")
			uploadedSha1 = r.Header.Get("X-Bz-Content-Sha1")
			json.NewEncoder(w).Encode(FileInfo{FileID: "f2", FileName: r.Header.Get("X-Bz-File-Name")})
		case "/b2api/v2/b2_download_file_by_id":
			w.Write([]byte("file contents"))
		case "/b2api/v2/b2_hide_file":
			json.NewEncoder(w).Encode(FileInfo{FileID: "f3", Action: "hide"})
		case "/b2api/v2/b2_delete_file_version":
			w.WriteHeader(http.StatusOK)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})

	client, err := NewClient(context.Background(), srv.URL, "key", "secret", "bucket1")
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}

	list, err := client.ListFileNames(context.Background(), "", "", "")
	if err != nil {
		t.Fatalf("ListFileNames: %v", err)
	}
	if len(list.Files) != 1 || list.Files[0].FileName != "a/b.txt" {
		t.Fatalf("unexpected listing: %+v", list)
	}

	uploadURL, err := client.GetUploadURL(context.Background())
	if err != nil {
		t.Fatalf("GetUploadURL: %v", err)
	}

	info, err := client.UploadFile(context.Background(), uploadURL, "a/b.txt", []byte("payload"), "encoded-meta", "deadbeef")
	if err != nil {
		t.Fatalf("UploadFile: %v", err)
	}
	if info.FileID != "f2" {
		t.Fatalf("unexpected upload result: %+v", info)
	}
	if uploadedEncMeta != "encoded-meta" || uploadedSha1 != "deadbeef" {
		t.Fatalf("expected enc_meta/sha1 headers to be forwarded, got %q %q", uploadedEncMeta, uploadedSha1)
	}

	data, err := client.DownloadFileByID(context.Background(), "f1")
	if err != nil {
		t.Fatalf("DownloadFileByID: %v", err)
	}
	if string(data) != "file contents" {
		t.Fatalf("unexpected download content: %q", data)
	}

	if _, err := client.HideFile(context.Background(), "a/b.txt"); err != nil {
		t.Fatalf("HideFile: %v", err)
	}
	if err := client.DeleteFileVersion(context.Background(), "a/b.txt", "f1"); err != nil {
		t.Fatalf("DeleteFileVersion: %v", err)
	}
}

func TestClientRetriesOnServiceUnavailable(t *testing.T) {
	attempts := 0
	srv := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/b2api/v2/b2_authorize_account" {
			json.NewEncoder(w).Encode(authorizeAccountResponse{APIURL: "http://" + r.Host, DownloadURL: "http://" + r.Host})
			return
		}
		attempts++
		if attempts < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		json.NewEncoder(w).Encode(ListFileNamesResponse{})
	})

	client, err := NewClient(context.Background(), srv.URL, "key", "secret", "bucket1")
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	client.sleep = func(ctx context.Context, d time.Duration) error { return nil }

	if _, err := client.ListFileNames(context.Background(), "", "", ""); err != nil {
		t.Fatalf("expected eventual success after retries, got %v", err)
	}
	if attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", attempts)
	}
}

func TestClientSurfacesNonRetryableAPIError(t *testing.T) {
	srv := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/b2api/v2/b2_authorize_account" {
			json.NewEncoder(w).Encode(authorizeAccountResponse{APIURL: "http://" + r.Host, DownloadURL: "http://" + r.Host})
			return
		}
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte("bad request"))
	})

	client, err := NewClient(context.Background(), srv.URL, "key", "secret", "bucket1")
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}

	_, err = client.ListFileNames(context.Background(), "", "", "")
	if err == nil {
		t.Fatal("expected an error")
	}
	if !IsStatus(err, http.StatusBadRequest) {
		t.Fatalf("expected a 400 APIError, got %v", err)
	}
}
