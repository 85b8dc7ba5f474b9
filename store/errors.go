package store

import "errors"

// ErrIO wraps any database open/read/write failure (§7: StoreIO). It is
// never returned for the key-mismatch case — that is handled silently
// by the recreate-fresh policy in Open.
var ErrIO = errors.New("store: io failure")

// ErrClosed is returned by any operation on a Store after Close.
var ErrClosed = errors.New("store: already closed")

// ErrInvalidMasterKey is returned by Open when the supplied master key
// is not valid hex, which would otherwise let it leak into the
// key-verification pragma unsanitized.
var ErrInvalidMasterKey = errors.New("store: master key must be hex-encoded")
