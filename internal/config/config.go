// Copyright 2025 StrongDM Inc
// SPDX-License-Identifier: Apache-2.0

// Package config holds the runtime parameters a backup or restore run is
// tuned with. There is deliberately no file format here: callers build a
// Runtime with functional options, the same way the rest of this module's
// constructors take them.
package config

import "time"

// Default tuning values for a Runtime.
const (
	DefaultUploadWorkers   = 6
	DefaultListWorkers     = 3
	DefaultDownloadWorkers = 6
	DefaultRequestTimeout  = 60 * time.Second
)

// Runtime holds the tunable knobs for one backup or restore run.
type Runtime struct {
	UploadWorkers   int
	ListWorkers     int
	DownloadWorkers int
	RequestTimeout  time.Duration
	KeepExisting    bool
	DryRun          bool
}

// Option configures a Runtime.
type Option func(*Runtime)

// New builds a Runtime from its defaults plus any options.
func New(opts ...Option) Runtime {
	r := Runtime{
		UploadWorkers:   DefaultUploadWorkers,
		ListWorkers:     DefaultListWorkers,
		DownloadWorkers: DefaultDownloadWorkers,
		RequestTimeout:  DefaultRequestTimeout,
	}
	for _, opt := range opts {
		opt(&r)
	}
	return r
}

// WithUploadWorkers overrides DefaultUploadWorkers.
func WithUploadWorkers(n int) Option {
	return func(r *Runtime) { r.UploadWorkers = n }
}

// WithListWorkers overrides DefaultListWorkers.
func WithListWorkers(n int) Option {
	return func(r *Runtime) { r.ListWorkers = n }
}

// WithDownloadWorkers overrides DefaultDownloadWorkers.
func WithDownloadWorkers(n int) Option {
	return func(r *Runtime) { r.DownloadWorkers = n }
}

// WithRequestTimeout overrides DefaultRequestTimeout.
func WithRequestTimeout(d time.Duration) Option {
	return func(r *Runtime) { r.RequestTimeout = d }
}

// WithKeepExisting makes a backup run leave remote-only files in place
// instead of deleting them, for callers who want uploads without ever
// pruning what's already stored.
func WithKeepExisting(v bool) Option {
	return func(r *Runtime) { r.KeepExisting = v }
}

// WithDryRun makes a run plan and log its actions without uploading,
// downloading, or deleting anything.
func WithDryRun(v bool) Option {
	return func(r *Runtime) { r.DryRun = v }
}
