// Copyright 2025 StrongDM Inc
// SPDX-License-Identifier: Apache-2.0

package objstore

import (
	"errors"
	"fmt"
)

// Common errors
var (
	// ErrClientClosed names a closed client. Client has no Close method, and
	// nothing in this package returns this error.
	ErrClientClosed = errors.New("objstore: client closed")

	// ErrFileNotFound is returned when a requested file id or path doesn't exist.
	ErrFileNotFound = errors.New("objstore: file not found")

	// ErrInvalidResponse names a malformed server response. Nothing in this
	// package returns it: a body that fails to decode surfaces as the JSON
	// decoder's own error.
	ErrInvalidResponse = errors.New("objstore: invalid response")

	// ErrUploadURLExpired is returned when an upload URL was rejected as stale;
	// callers should fetch a new one and retry.
	ErrUploadURLExpired = errors.New("objstore: upload url expired")
)

// APIError represents a non-2xx response from the object store's HTTP API.
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("objstore: api error %d: %s", e.Status, e.Body)
}

// IsStatus reports whether err is an *APIError with the given status code.
func IsStatus(err error, status int) bool {
	var ae *APIError
	if errors.As(err, &ae) {
		return ae.Status == status
	}
	return false
}
