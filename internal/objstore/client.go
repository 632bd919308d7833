// Copyright 2025 StrongDM Inc
// SPDX-License-Identifier: Apache-2.0

package objstore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	// DefaultMaxAttempts bounds the total number of attempts a request gets
	// when it meets a transport error or a 408/503: the first try plus five
	// retries, sleeping 100ms, 200ms, 400ms, 800ms and 1.6s between them.
	DefaultMaxAttempts = 6

	defaultMaxFileCount = 10000
)

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the default *http.Client, e.g. to set a
// transport-level timeout or a custom RoundTripper for testing.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.hc = hc }
}

// WithMaxAttempts overrides DefaultMaxAttempts.
func WithMaxAttempts(n int) Option {
	return func(c *Client) { c.maxAttempts = n }
}

// WithAPIBaseURL overrides the authorization endpoint, for talking to a
// test double instead of the real service.
func WithAPIBaseURL(url string) Option {
	return func(c *Client) { c.authBaseURL = url }
}

// Client is a bucket-scoped handle to the object store: one account
// authorization, reused across every request for the Client's lifetime.
type Client struct {
	hc          *http.Client
	authBaseURL string
	maxAttempts int
	sleep       sleeper

	bucketID string

	mu          sync.RWMutex
	accountID   string
	authToken   string
	apiURL      string
	downloadURL string
}

// NewClient authorizes against the object store with keyID/appKey and
// returns a Client scoped to bucketID.
func NewClient(ctx context.Context, authBaseURL, keyID, appKey, bucketID string, opts ...Option) (*Client, error) {
	c := &Client{
		hc:          http.DefaultClient,
		authBaseURL: authBaseURL,
		maxAttempts: DefaultMaxAttempts,
		sleep:       realSleep,
		bucketID:    bucketID,
	}
	for _, opt := range opts {
		opt(c)
	}

	if err := c.authorize(ctx, keyID, appKey); err != nil {
		return nil, err
	}
	slog.Info("[objstore] authorized", "bucket_id", bucketID, "account_id", c.accountID)
	return c, nil
}

func (c *Client) authorize(ctx context.Context, keyID, appKey string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.authBaseURL+"/b2api/v2/b2_authorize_account", nil)
	if err != nil {
		return fmt.Errorf("objstore: building auth request: %w", err)
	}
	req.SetBasicAuth(keyID, appKey)

	var out authorizeAccountResponse
	if err := c.doJSON(ctx, req, &out); err != nil {
		return fmt.Errorf("objstore: authorizing account: %w", err)
	}

	c.mu.Lock()
	c.accountID = out.AccountID
	c.authToken = out.AuthorizationToken
	c.apiURL = out.APIURL
	c.downloadURL = out.DownloadURL
	c.mu.Unlock()
	return nil
}

func (c *Client) authInfo() (apiURL, authToken, downloadURL string) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.apiURL, c.authToken, c.downloadURL
}

// ListFileNames returns one page of files under prefix. A non-empty
// delimiter ("/") requests a shallow listing (one entry per direct child,
// folders reported with Action "folder"); an empty delimiter requests a
// full recursive listing.
func (c *Client) ListFileNames(ctx context.Context, prefix, delimiter, startFileName string) (*ListFileNamesResponse, error) {
	apiURL, authToken, _ := c.authInfo()
	body, err := json.Marshal(listFileNamesRequest{
		BucketID:      c.bucketID,
		StartFileName: startFileName,
		MaxFileCount:  defaultMaxFileCount,
		Prefix:        prefix,
		Delimiter:     delimiter,
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, apiURL+"/b2api/v2/b2_list_file_names", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", authToken)
	req.Header.Set("Content-Type", "application/json")

	var out ListFileNamesResponse
	if err := c.doJSON(ctx, req, &out); err != nil {
		return nil, fmt.Errorf("objstore: listing %q: %w", prefix, err)
	}
	return &out, nil
}

// ListAllFileNames pages through ListFileNames until exhausted.
func (c *Client) ListAllFileNames(ctx context.Context, prefix, delimiter string) ([]FileInfo, error) {
	var all []FileInfo
	start := ""
	for {
		page, err := c.ListFileNames(ctx, prefix, delimiter, start)
		if err != nil {
			return nil, err
		}
		all = append(all, page.Files...)
		if page.NextFileName == "" {
			return all, nil
		}
		start = page.NextFileName
	}
}

// ListFileVersions returns one page of every stored version of files under
// prefix, oldest and newest alike, unlike ListFileNames which only reports
// each name's current version.
func (c *Client) ListFileVersions(ctx context.Context, prefix, startFileName, startFileID string) (*ListFileVersionsResponse, error) {
	apiURL, authToken, _ := c.authInfo()
	body, err := json.Marshal(listFileVersionsRequest{
		BucketID:      c.bucketID,
		StartFileName: startFileName,
		StartFileID:   startFileID,
		MaxFileCount:  defaultMaxFileCount,
		Prefix:        prefix,
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, apiURL+"/b2api/v2/b2_list_file_versions", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", authToken)
	req.Header.Set("Content-Type", "application/json")

	var out ListFileVersionsResponse
	if err := c.doJSON(ctx, req, &out); err != nil {
		return nil, fmt.Errorf("objstore: listing versions of %q: %w", prefix, err)
	}
	return &out, nil
}

// ListAllFileVersions pages through ListFileVersions until exhausted.
func (c *Client) ListAllFileVersions(ctx context.Context, prefix string) ([]FileInfo, error) {
	var all []FileInfo
	startName, startID := "", ""
	for {
		page, err := c.ListFileVersions(ctx, prefix, startName, startID)
		if err != nil {
			return nil, err
		}
		all = append(all, page.Files...)
		if page.NextFileName == "" {
			return all, nil
		}
		startName, startID = page.NextFileName, page.NextFileID
	}
}

// GetUploadURL leases a short-lived upload permit. Upload URLs expire or
// get invalidated on certain errors (ErrUploadURLExpired); callers should
// fetch a fresh one and retry in that case.
func (c *Client) GetUploadURL(ctx context.Context) (*UploadURL, error) {
	apiURL, authToken, _ := c.authInfo()
	body, err := json.Marshal(getUploadURLRequest{BucketID: c.bucketID})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, apiURL+"/b2api/v2/b2_get_upload_url", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", authToken)
	req.Header.Set("Content-Type", "application/json")

	var out UploadURL
	if err := c.doJSON(ctx, req, &out); err != nil {
		return nil, fmt.Errorf("objstore: getting upload url: %w", err)
	}
	return &out, nil
}

// UploadFile uploads data as fileName via uploadURL. encMeta is stored as
// the opaque X-Bz-Info-enc_meta header (the caller's encrypted per-file
// metadata sidecar); sha1Hex is the hex SHA-1 of data exactly as sent, used
// by the store for integrity checking on receipt.
func (c *Client) UploadFile(ctx context.Context, uploadURL *UploadURL, fileName string, data []byte, encMeta, sha1Hex string) (*FileInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, uploadURL.UploadURL, bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", uploadURL.AuthorizationToken)
	req.Header.Set("X-Bz-File-Name", fileName)
	req.Header.Set("Content-Type", "b2/x-auto")
	req.Header.Set("Content-Length", fmt.Sprintf("%d", len(data)))
	req.Header.Set("X-Bz-Content-Sha1", sha1Hex)
	req.Header.Set("X-Bz-Info-enc_meta", encMeta)

	var out FileInfo
	if err := c.doJSON(ctx, req, &out); err != nil {
		if IsStatus(err, http.StatusBadRequest) || IsStatus(err, http.StatusUnauthorized) {
			return nil, fmt.Errorf("%w: %w", ErrUploadURLExpired, err)
		}
		return nil, fmt.Errorf("objstore: uploading %q: %w", fileName, err)
	}
	if out.Info == nil {
		out.Info = map[string]string{"enc_meta": encMeta}
	}
	return &out, nil
}

// DownloadFileByID fetches the full content of a stored object version.
func (c *Client) DownloadFileByID(ctx context.Context, fileID string) ([]byte, error) {
	_, authToken, downloadURL := c.authInfo()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, downloadURL+"/b2api/v2/b2_download_file_by_id?fileId="+fileID, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", authToken)

	resp, err := c.doRaw(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("objstore: downloading %q: %w", fileID, err)
	}
	defer resp.Body.Close()
	if err := statusToError(resp); err != nil {
		return nil, err
	}
	return io.ReadAll(resp.Body)
}

// HideFile marks fileName as deleted without removing prior versions,
// letting a future listing treat it as absent while old versions remain
// recoverable.
func (c *Client) HideFile(ctx context.Context, fileName string) (*FileInfo, error) {
	apiURL, authToken, _ := c.authInfo()
	body, err := json.Marshal(map[string]string{"bucketId": c.bucketID, "fileName": fileName})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, apiURL+"/b2api/v2/b2_hide_file", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", authToken)
	req.Header.Set("Content-Type", "application/json")

	var out FileInfo
	if err := c.doJSON(ctx, req, &out); err != nil {
		return nil, fmt.Errorf("objstore: hiding %q: %w", fileName, err)
	}
	return &out, nil
}

// DeleteFileVersion permanently removes one exact object version.
func (c *Client) DeleteFileVersion(ctx context.Context, fileName, fileID string) error {
	apiURL, authToken, _ := c.authInfo()
	body, err := json.Marshal(deleteFileVersionRequest{FileName: fileName, FileID: fileID})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, apiURL+"/b2api/v2/b2_delete_file_version", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", authToken)
	req.Header.Set("Content-Type", "application/json")

	if err := c.doJSON(ctx, req, nil); err != nil {
		return fmt.Errorf("objstore: deleting %q: %w", fileName, err)
	}
	return nil
}

// doRaw sends req with retry/backoff and returns the raw response; the
// caller owns and must close resp.Body.
func (c *Client) doRaw(ctx context.Context, req *http.Request) (*http.Response, error) {
	var body []byte
	if req.Body != nil {
		b, err := io.ReadAll(req.Body)
		if err != nil {
			return nil, err
		}
		body = b
	}

	requestID := uuid.NewString()
	resp, err := withBackoff(ctx, c.sleep, c.maxAttempts, func() (*http.Response, error) {
		r := req.Clone(ctx)
		if body != nil {
			r.Body = io.NopCloser(bytes.NewReader(body))
		}
		start := time.Now()
		resp, err := c.hc.Do(r)
		slog.Debug("[objstore] request", "request_id", requestID, "method", req.Method, "url", req.URL.String(), "elapsed", time.Since(start), "error", err)
		return resp, err
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *Client) doJSON(ctx context.Context, req *http.Request, out any) error {
	resp, err := c.doRaw(ctx, req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := statusToError(resp); err != nil {
		return err
	}
	if out == nil {
		_, err := io.Copy(io.Discard, resp.Body)
		return err
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func statusToError(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%w: %s", ErrFileNotFound, body)
	}
	return &APIError{Status: resp.StatusCode, Body: string(body)}
}
