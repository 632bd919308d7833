// Copyright 2025 StrongDM Inc
// SPDX-License-Identifier: Apache-2.0

// Package objstore is a minimal client for a Backblaze-B2-style versioned
// object store: account authorization, paginated listing (shallow or deep),
// upload-url leasing, content upload/download, and soft/hard deletion.
package objstore

// FileInfo describes one stored object version. Info carries the custom
// X-Bz-Info-* headers set at upload time (notably enc_meta), returned by a
// listing exactly as a real B2-compatible store does, so a caller can
// inspect a file's encrypted metadata without downloading its content.
type FileInfo struct {
	FileID          string            `json:"fileId"`
	FileName        string            `json:"fileName"`
	ContentSha1     string            `json:"contentSha1"`
	ContentLength   int64             `json:"contentLength"`
	UploadTimestamp int64             `json:"uploadTimestamp"`
	Action          string            `json:"action"` // "upload", "hide", "folder"
	Info            map[string]string `json:"fileInfo"`
}

// ListFileNamesResponse is one page of a file listing.
type ListFileNamesResponse struct {
	Files        []FileInfo `json:"files"`
	NextFileName string     `json:"nextFileName"`
}

// ListFileVersionsResponse is one page of a file-version listing.
type ListFileVersionsResponse struct {
	Files        []FileInfo `json:"files"`
	NextFileName string     `json:"nextFileName"`
	NextFileID   string     `json:"nextFileId"`
}

// UploadURL is a short-lived, reusable permit for uploading to one bucket.
type UploadURL struct {
	UploadURL          string `json:"uploadUrl"`
	AuthorizationToken string `json:"authorizationToken"`
}

type authorizeAccountResponse struct {
	AccountID          string `json:"accountId"`
	AuthorizationToken string `json:"authorizationToken"`
	APIURL             string `json:"apiUrl"`
	DownloadURL        string `json:"downloadUrl"`
}

type listFileNamesRequest struct {
	BucketID      string `json:"bucketId"`
	StartFileName string `json:"startFileName,omitempty"`
	MaxFileCount  int    `json:"maxFileCount,omitempty"`
	Prefix        string `json:"prefix,omitempty"`
	Delimiter     string `json:"delimiter,omitempty"`
}

type listFileVersionsRequest struct {
	BucketID      string `json:"bucketId"`
	StartFileName string `json:"startFileName,omitempty"`
	StartFileID   string `json:"startFileId,omitempty"`
	MaxFileCount  int    `json:"maxFileCount,omitempty"`
	Prefix        string `json:"prefix,omitempty"`
}

type getUploadURLRequest struct {
	BucketID string `json:"bucketId"`
}

type deleteFileVersionRequest struct {
	FileName string `json:"fileName"`
	FileID   string `json:"fileId"`
}
