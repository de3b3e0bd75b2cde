// SPDX-License-Identifier: MIT
package dataserver

import "errors"

var (
	// ErrInvalidConfiguration reports a bad transform configuration or a
	// fuzzy resolution ratio that is not a power of two. Servers failing
	// with it are never registered.
	ErrInvalidConfiguration = errors.New("dataserver: invalid configuration")

	// ErrStorageAllocation reports that neither memory nor file storage
	// could be created for a server.
	ErrStorageAllocation = errors.New("dataserver: storage allocation failed")

	// ErrIO wraps read and write failures of the cache storage.
	ErrIO = errors.New("dataserver: I/O failure")

	// ErrReaderUnavailable reports that a read context could not open its
	// per-block reader. Reads through it report "not ready".
	ErrReaderUnavailable = errors.New("dataserver: reader unavailable")

	// ErrServerClosed reports use of a destroyed server or registry.
	ErrServerClosed = errors.New("dataserver: server closed")
)
