package core

import "errors"

var (
	ErrInvalidEnvironment = errors.New("invalid environment")
	ErrMissingAssets      = errors.New("ASSETS binding is required")
	ErrBindingNotFound    = errors.New("binding not found")
	ErrNotFound           = errors.New("not found")
	ErrValueTooLarge      = errors.New("value too large")
	ErrInvalidKey         = errors.New("invalid key")
	ErrAlreadyResponded   = errors.New("respondWith already called")
	ErrNoResponse         = errors.New("handler produced no response")
	ErrNoHandler          = errors.New("no handler registered")
	ErrWaitUntilTimeout   = errors.New("waitUntil tasks did not finish in time")
	ErrBatchTooLarge      = errors.New("batch too large")
	ErrDimensionMismatch  = errors.New("vector dimension mismatch")
	ErrDuplicateID        = errors.New("duplicate id")
	ErrInvalidObjectID    = errors.New("invalid durable object id")
	ErrObjectReset        = errors.New("durable object was reset")
)
