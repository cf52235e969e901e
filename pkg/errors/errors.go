// Package errors provides shared sentinel errors used across arc-session.
package errors

import stderrors "errors"

var (
	// ErrNotFound indicates the requested account or capability row is unknown.
	ErrNotFound = stderrors.New("not found")

	// ErrClosed indicates a queue or backend has been shut down.
	ErrClosed = stderrors.New("closed")

	// ErrInvalidInput indicates the input is invalid.
	ErrInvalidInput = stderrors.New("invalid input")

	// ErrAlreadyExists indicates the resource already exists.
	ErrAlreadyExists = stderrors.New("already exists")
)
