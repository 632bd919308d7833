// Copyright 2025 StrongDM Inc
// SPDX-License-Identifier: Apache-2.0

// Package action drives a backup or restore run: it plans the diff, then
// dispatches the resulting work across a bounded worker pool, rate-limited
// per operation kind so a burst of tiny file uploads can't starve the
// listing requests the diff planner depends on.
package action

import (
	"context"
	"fmt"

	"golang.org/x/sync/semaphore"

	"github.com/tux3/frozen/internal/config"
	"github.com/tux3/frozen/internal/objstore"
)

// RateLimiter bounds how many listing, upload, and download requests can be
// in flight at once, independently of each other: a run with thousands of
// small uploads shouldn't be able to starve the handful of listing
// requests the diff planner is still waiting on.
type RateLimiter struct {
	list     *semaphore.Weighted
	upload   *semaphore.Weighted
	download *semaphore.Weighted
}

// NewRateLimiter builds a RateLimiter sized from cfg.
func NewRateLimiter(cfg config.Runtime) *RateLimiter {
	return &RateLimiter{
		list:     semaphore.NewWeighted(int64(cfg.ListWorkers)),
		upload:   semaphore.NewWeighted(int64(cfg.UploadWorkers)),
		download: semaphore.NewWeighted(int64(cfg.DownloadWorkers)),
	}
}

func (rl *RateLimiter) acquireList(ctx context.Context) error     { return rl.list.Acquire(ctx, 1) }
func (rl *RateLimiter) releaseList()                              { rl.list.Release(1) }
func (rl *RateLimiter) acquireUpload(ctx context.Context) error   { return rl.upload.Acquire(ctx, 1) }
func (rl *RateLimiter) releaseUpload()                            { rl.upload.Release(1) }
func (rl *RateLimiter) acquireDownload(ctx context.Context) error { return rl.download.Acquire(ctx, 1) }
func (rl *RateLimiter) releaseDownload()                          { rl.download.Release(1) }

// UploadURLPool hands out reusable upload-url permits (the "DataPermit"
// pattern): borrowing blocks until a permit is available, and a caller that
// discovers its permit was rejected as stale returns it as expired so the
// pool can lease a replacement instead of quietly depleting.
type UploadURLPool struct {
	client  *objstore.Client
	permits chan *objstore.UploadURL
}

// NewUploadURLPool pre-leases n upload URLs.
func NewUploadURLPool(ctx context.Context, client *objstore.Client, n int) (*UploadURLPool, error) {
	p := &UploadURLPool{client: client, permits: make(chan *objstore.UploadURL, n)}
	for i := 0; i < n; i++ {
		u, err := client.GetUploadURL(ctx)
		if err != nil {
			return nil, fmt.Errorf("action: leasing upload url %d/%d: %w", i+1, n, err)
		}
		p.permits <- u
	}
	return p, nil
}

// Borrow waits for an available upload URL.
func (p *UploadURLPool) Borrow(ctx context.Context) (*objstore.UploadURL, error) {
	select {
	case u := <-p.permits:
		return u, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Return gives an upload URL back to the pool. If expired is true (the
// store rejected it as stale), a fresh one is leased in its place instead.
func (p *UploadURLPool) Return(ctx context.Context, u *objstore.UploadURL, expired bool) {
	if expired {
		fresh, err := p.client.GetUploadURL(ctx)
		if err != nil {
			// Leave the pool one permit short rather than blocking forever;
			// the next Borrow will simply wait a little longer.
			return
		}
		u = fresh
	}
	p.permits <- u
}
