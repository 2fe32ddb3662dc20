package translog

import (
	"context"
	"errors"

	"golang.org/x/mod/sumdb/tlog"

	"github.com/dicej/cargo-component/pkg/protocol"
)

// ErrNotFound is returned when a leaf, package or checkpoint does not exist.
var ErrNotFound = errors.New("not found")

// Leaf is one signed record as stored in the log.
type Leaf struct {
	Index    int64
	Package  protocol.PackageID
	Sequence uint64
	Data     []byte // protocol.Record.SignedEncoding()
}

// Store persists the tree. Both MemoryStore and PostgresStore implement it.
type Store interface {
	// AppendLeaves adds leaves at the end of the tree, storing their tlog
	// hashes in the same atomic step, and returns the index of the first
	// new leaf. Index fields on the input are ignored.
	AppendLeaves(ctx context.Context, leaves []Leaf) (int64, error)

	// Size returns the number of leaves.
	Size(ctx context.Context) (int64, error)

	// ReadHashes returns stored hashes by tlog storage index.
	ReadHashes(ctx context.Context, indexes []int64) ([]tlog.Hash, error)

	// Leaf returns the leaf at index.
	Leaf(ctx context.Context, index int64) (*Leaf, error)

	// PackageLeaves returns leaves of pkg with Sequence >= fromSeq and
	// Index < size, ordered by sequence.
	PackageLeaves(ctx context.Context, pkg protocol.PackageID, fromSeq uint64, size int64) ([]Leaf, error)

	// PackageHead returns the highest-sequence leaf of pkg.
	PackageHead(ctx context.Context, pkg protocol.PackageID) (*Leaf, error)

	// PackageHeads returns the highest-sequence leaf with Index < size of
	// every package, ordered by package.
	PackageHeads(ctx context.Context, size int64) ([]Leaf, error)

	// Packages lists every package with at least one leaf.
	Packages(ctx context.Context) ([]protocol.PackageID, error)

	// PutCheckpoint stores a signed checkpoint. Storing a checkpoint for a
	// length that already has one is a no-op.
	PutCheckpoint(ctx context.Context, cp *protocol.SignedCheckpoint) error

	// LatestCheckpoint returns the longest stored checkpoint.
	LatestCheckpoint(ctx context.Context) (*protocol.SignedCheckpoint, error)
}

func hashReader(ctx context.Context, s Store) tlog.HashReader {
	return tlog.HashReaderFunc(func(indexes []int64) ([]tlog.Hash, error) {
		return s.ReadHashes(ctx, indexes)
	})
}
