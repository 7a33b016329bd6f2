package store

import "errors"

var (
	// ErrStoreClosed is returned by operations on a closed store.
	ErrStoreClosed = errors.New("store is closed")

	// ErrBadHeader indicates a corrupted or foreign store file header.
	ErrBadHeader = errors.New("corrupted store header")

	// ErrStoreIDMismatch indicates a store file stamped with a different
	// store identity than the one it is being opened against.
	ErrStoreIDMismatch = errors.New("store id mismatch")

	// ErrReadOnly is returned for mutations on a read-only store.
	ErrReadOnly = errors.New("store is read-only")

	// ErrIDExhausted is returned when the id space is exhausted.
	ErrIDExhausted = errors.New("id space exhausted")

	// ErrRecordOutOfRange is returned for reads past the high water mark.
	ErrRecordOutOfRange = errors.New("record id beyond high water mark")

	// ErrStoreMissing is returned when opening a store directory that has no
	// store files and creation is not allowed.
	ErrStoreMissing = errors.New("store files missing")
)
