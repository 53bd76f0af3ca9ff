package errs

import "errors"

// Sentinel errors for the upload and processing pipeline. Callers classify
// failures with errors.Is; the HTTP layer maps them to status codes.
var (
	// ErrNotFound covers unknown or tombstoned resources and chunks.
	ErrNotFound = errors.New("resource not found")

	// ErrValidation covers missing or malformed request fields.
	ErrValidation = errors.New("validation failed")

	// ErrStorage covers object-store operation failures.
	ErrStorage = errors.New("storage operation failed")

	// ErrEncode covers transcoder failures and empty/corrupt output.
	ErrEncode = errors.New("encoding failed")

	// ErrDispatch covers queue publish failures.
	ErrDispatch = errors.New("task dispatch failed")

	// ErrConflict means finalize work is already in flight for the resource.
	ErrConflict = errors.New("processing already in progress")
)
