// Package contentstore holds opaque package payloads addressed by their
// SHA-256 digest.
//
// Every backend is idempotent on Put: storing bytes whose digest already
// exists is a no-op. Every backend re-hashes on Get and fails closed with
// ErrDigestMismatch instead of returning bytes that do not match.
package contentstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/dicej/cargo-component/pkg/protocol"
)

var (
	// ErrNotFound is returned when no object exists for a digest.
	ErrNotFound = errors.New("content not found")
	// ErrDigestMismatch is returned when stored bytes no longer hash to
	// their digest.
	ErrDigestMismatch = errors.New("content digest mismatch")
)

// Store is a content-addressed blob store.
type Store interface {
	Put(ctx context.Context, data []byte) (protocol.Digest, error)
	Get(ctx context.Context, d protocol.Digest) ([]byte, error)
	Has(ctx context.Context, d protocol.Digest) (bool, error)
	// Name describes the backend location for logs.
	Name() string
}

func verify(d protocol.Digest, data []byte) ([]byte, error) {
	if got := protocol.DigestOf(data); got != d {
		return nil, fmt.Errorf("%w: want %s, stored bytes hash to %s", ErrDigestMismatch, d, got)
	}
	return data, nil
}
