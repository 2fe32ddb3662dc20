package translog

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/mod/sumdb/note"
	"golang.org/x/mod/sumdb/tlog"

	"github.com/dicej/cargo-component/pkg/protocol"
)

// ErrInvalidRange is returned when a proof is requested for sizes or indexes
// the tree cannot serve.
var ErrInvalidRange = errors.New("invalid tree range")

// Log is the registry's verifiable log. It assigns leaf indexes, maintains
// the Merkle tree in its Store, signs checkpoints and serves proofs.
//
// Log is safe for concurrent use. Appends and checkpoints are serialised;
// reads run concurrently against the Store.
type Log struct {
	store    Store
	signer   note.Signer
	verifier note.Verifier
	vkey     string
	logger   *zap.Logger

	mu  sync.Mutex
	now func() time.Time

	mapMu   sync.Mutex
	mapSize int64
	pkgMap  *protocol.PackageMap
}

// New creates a Log over store that signs checkpoints with signer. vkey is
// the verifier key matching signer; its name is the log origin.
func New(store Store, signer note.Signer, vkey string, logger *zap.Logger) (*Log, error) {
	v, err := note.NewVerifier(vkey)
	if err != nil {
		return nil, fmt.Errorf("parse verifier key: %w", err)
	}
	if v.Name() != signer.Name() || v.KeyHash() != signer.KeyHash() {
		return nil, errors.New("verifier key does not match the signing key")
	}
	return &Log{
		store:    store,
		signer:   signer,
		verifier: v,
		vkey:     vkey,
		logger:   logger,
		now:      time.Now,
	}, nil
}

// SetClock overrides the checkpoint timestamp source.
func (l *Log) SetClock(now func() time.Time) { l.now = now }

// VerifierKey returns the note verifier key clients pin.
func (l *Log) VerifierKey() string { return l.vkey }

// Origin returns the checkpoint origin, which is the key name.
func (l *Log) Origin() string { return l.verifier.Name() }

// Append adds records to the tree in order and returns their entries.
// Records must already be validated; the log only assigns positions.
func (l *Log) Append(ctx context.Context, records []protocol.Record) ([]protocol.LogEntry, error) {
	if len(records) == 0 {
		return nil, nil
	}
	leaves := make([]Leaf, len(records))
	for i := range records {
		leaves[i] = Leaf{
			Package:  records[i].Package,
			Sequence: records[i].Sequence,
			Data:     records[i].SignedEncoding(),
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	start, err := l.store.AppendLeaves(ctx, leaves)
	if err != nil {
		return nil, fmt.Errorf("append leaves: %w", err)
	}
	entries := make([]protocol.LogEntry, len(records))
	for i := range records {
		entries[i] = protocol.LogEntry{Index: start + int64(i), Record: records[i]}
	}
	l.logger.Debug("records appended",
		zap.Int64("first_index", start),
		zap.Int("count", len(records)),
	)
	return entries, nil
}

// Checkpoint signs and stores a checkpoint for the current tree size. If the
// latest checkpoint already covers the current size it is returned as is.
func (l *Log) Checkpoint(ctx context.Context) (*protocol.SignedCheckpoint, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	size, err := l.store.Size(ctx)
	if err != nil {
		return nil, err
	}
	latest, err := l.store.LatestCheckpoint(ctx)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	if latest != nil && latest.Checkpoint.Length == size {
		return latest, nil
	}

	root, err := tlog.TreeHash(size, hashReader(ctx, l.store))
	if err != nil {
		return nil, fmt.Errorf("compute tree hash: %w", err)
	}
	m, err := l.packageMap(ctx, size)
	if err != nil {
		return nil, err
	}
	pkgRoot, err := m.Root()
	if err != nil {
		return nil, fmt.Errorf("compute package root: %w", err)
	}
	cp, err := protocol.SignCheckpoint(protocol.Checkpoint{
		Origin:      l.Origin(),
		Length:      size,
		Root:        root,
		Packages:    m.Size(),
		PackageRoot: pkgRoot,
		Timestamp:   l.now().UTC(),
	}, l.signer)
	if err != nil {
		return nil, err
	}
	if err := l.store.PutCheckpoint(ctx, cp); err != nil {
		return nil, err
	}
	l.logger.Info("checkpoint published",
		zap.Int64("length", size),
		zap.Int64("packages", m.Size()),
		zap.String("root", root.String()),
	)
	return cp, nil
}

// Latest returns the most recent checkpoint, creating the empty-tree
// checkpoint on first use.
func (l *Log) Latest(ctx context.Context) (*protocol.SignedCheckpoint, error) {
	cp, err := l.store.LatestCheckpoint(ctx)
	if errors.Is(err, ErrNotFound) {
		return l.Checkpoint(ctx)
	}
	return cp, err
}

// ProveInclusion returns a proof that leaf index is in the tree of size.
func (l *Log) ProveInclusion(ctx context.Context, index, size int64) (protocol.InclusionProof, error) {
	if err := l.checkSize(ctx, size); err != nil {
		return protocol.InclusionProof{}, err
	}
	if index < 0 || index >= size {
		return protocol.InclusionProof{}, fmt.Errorf("%w: index %d not in tree of size %d", ErrInvalidRange, index, size)
	}
	p, err := tlog.ProveRecord(size, index, hashReader(ctx, l.store))
	if err != nil {
		return protocol.InclusionProof{}, fmt.Errorf("prove record: %w", err)
	}
	return protocol.InclusionProof{Index: index, TreeSize: size, Hashes: p}, nil
}

// ProveConsistency returns a proof that the tree of size from is a prefix of
// the tree of size to.
func (l *Log) ProveConsistency(ctx context.Context, from, to int64) (protocol.ConsistencyProof, error) {
	if err := l.checkSize(ctx, to); err != nil {
		return protocol.ConsistencyProof{}, err
	}
	if from < 0 || from > to {
		return protocol.ConsistencyProof{}, fmt.Errorf("%w: cannot prove %d is a prefix of %d", ErrInvalidRange, from, to)
	}
	proof := protocol.ConsistencyProof{OldSize: from, NewSize: to}
	if from == 0 || from == to {
		return proof, nil
	}
	p, err := tlog.ProveTree(to, from, hashReader(ctx, l.store))
	if err != nil {
		return protocol.ConsistencyProof{}, fmt.Errorf("prove tree: %w", err)
	}
	proof.Hashes = p
	return proof, nil
}

// Entries returns the entries of pkg from fromSeq whose index is below size,
// each with an inclusion proof against size.
func (l *Log) Entries(ctx context.Context, pkg protocol.PackageID, fromSeq uint64, size int64) ([]protocol.ProvedEntry, error) {
	if err := l.checkSize(ctx, size); err != nil {
		return nil, err
	}
	leaves, err := l.store.PackageLeaves(ctx, pkg, fromSeq, size)
	if err != nil {
		return nil, err
	}
	out := make([]protocol.ProvedEntry, 0, len(leaves))
	for _, leaf := range leaves {
		rec, err := protocol.ParseSignedRecord(leaf.Data)
		if err != nil {
			return nil, fmt.Errorf("decode leaf %d: %w", leaf.Index, err)
		}
		proof, err := l.ProveInclusion(ctx, leaf.Index, size)
		if err != nil {
			return nil, err
		}
		out = append(out, protocol.ProvedEntry{
			LogEntry: protocol.LogEntry{Index: leaf.Index, Record: *rec},
			Proof:    proof,
		})
	}
	return out, nil
}

// ProveHead returns a proof of pkg's head, or of its absence, in the package
// map of the checkpoint for size.
func (l *Log) ProveHead(ctx context.Context, pkg protocol.PackageID, size int64) (*protocol.HeadProof, error) {
	if err := l.checkSize(ctx, size); err != nil {
		return nil, err
	}
	m, err := l.packageMap(ctx, size)
	if err != nil {
		return nil, err
	}
	return m.Prove(pkg)
}

// packageMap returns the package heads at size. The most recent map is
// cached; maps for a given size never change.
func (l *Log) packageMap(ctx context.Context, size int64) (*protocol.PackageMap, error) {
	l.mapMu.Lock()
	if l.pkgMap != nil && l.mapSize == size {
		m := l.pkgMap
		l.mapMu.Unlock()
		return m, nil
	}
	l.mapMu.Unlock()

	leaves, err := l.store.PackageHeads(ctx, size)
	if err != nil {
		return nil, fmt.Errorf("load package heads: %w", err)
	}
	heads := make([]protocol.PackageHead, len(leaves))
	for i, leaf := range leaves {
		heads[i] = protocol.PackageHead{
			Package:  leaf.Package,
			Sequence: leaf.Sequence,
			Index:    leaf.Index,
			Hash:     protocol.HashSignedEncoding(leaf.Data),
		}
	}
	m, err := protocol.NewPackageMap(heads)
	if err != nil {
		return nil, err
	}

	l.mapMu.Lock()
	if size >= l.mapSize {
		l.mapSize, l.pkgMap = size, m
	}
	l.mapMu.Unlock()
	return m, nil
}

// Head returns the latest committed entry of pkg.
func (l *Log) Head(ctx context.Context, pkg protocol.PackageID) (*protocol.LogEntry, error) {
	leaf, err := l.store.PackageHead(ctx, pkg)
	if err != nil {
		return nil, err
	}
	rec, err := protocol.ParseSignedRecord(leaf.Data)
	if err != nil {
		return nil, fmt.Errorf("decode leaf %d: %w", leaf.Index, err)
	}
	return &protocol.LogEntry{Index: leaf.Index, Record: *rec}, nil
}

// Records returns every committed record of pkg in sequence order.
func (l *Log) Records(ctx context.Context, pkg protocol.PackageID) ([]protocol.LogEntry, error) {
	size, err := l.store.Size(ctx)
	if err != nil {
		return nil, err
	}
	leaves, err := l.store.PackageLeaves(ctx, pkg, 0, size)
	if err != nil {
		return nil, err
	}
	out := make([]protocol.LogEntry, 0, len(leaves))
	for _, leaf := range leaves {
		rec, err := protocol.ParseSignedRecord(leaf.Data)
		if err != nil {
			return nil, fmt.Errorf("decode leaf %d: %w", leaf.Index, err)
		}
		out = append(out, protocol.LogEntry{Index: leaf.Index, Record: *rec})
	}
	return out, nil
}

// Verify recomputes the tree and package roots for the latest checkpoint,
// checks its signature, and walks every package's hash chain. Returns nil if the log
// is intact. O(n) in log length.
func (l *Log) Verify(ctx context.Context) error {
	latest, err := l.store.LatestCheckpoint(ctx)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if _, err := protocol.OpenCheckpoint([]byte(latest.Note), l.verifier); err != nil {
		return fmt.Errorf("latest checkpoint does not verify under the log key: %w", err)
	}
	root, err := tlog.TreeHash(latest.Checkpoint.Length, hashReader(ctx, l.store))
	if err != nil {
		return fmt.Errorf("compute tree hash: %w", err)
	}
	if root != latest.Checkpoint.Root {
		return fmt.Errorf("tree of length %d has root %s, checkpoint says %s", latest.Checkpoint.Length, root, latest.Checkpoint.Root)
	}
	m, err := l.packageMap(ctx, latest.Checkpoint.Length)
	if err != nil {
		return err
	}
	pkgRoot, err := m.Root()
	if err != nil {
		return fmt.Errorf("compute package root: %w", err)
	}
	if m.Size() != latest.Checkpoint.Packages || pkgRoot != latest.Checkpoint.PackageRoot {
		return fmt.Errorf("package map at length %d has %d packages and root %s, checkpoint says %d and %s",
			latest.Checkpoint.Length, m.Size(), pkgRoot, latest.Checkpoint.Packages, latest.Checkpoint.PackageRoot)
	}

	pkgs, err := l.store.Packages(ctx)
	if err != nil {
		return err
	}
	for _, pkg := range pkgs {
		if err := l.verifyPackage(ctx, pkg); err != nil {
			return err
		}
	}
	return nil
}

func (l *Log) verifyPackage(ctx context.Context, pkg protocol.PackageID) error {
	entries, err := l.Records(ctx, pkg)
	if err != nil {
		return err
	}
	var prev *protocol.Record
	for i := range entries {
		rec := &entries[i].Record
		if rec.Sequence != uint64(i) {
			return fmt.Errorf("package %s: sequence gap at index %d", pkg, entries[i].Index)
		}
		leaf, err := l.store.ReadHashes(ctx, []int64{tlog.StoredHashIndex(0, entries[i].Index)})
		if err != nil {
			return err
		}
		if leaf[0] != tlog.RecordHash(rec.SignedEncoding()) {
			return fmt.Errorf("package %s: leaf %d does not match its stored hash", pkg, entries[i].Index)
		}
		if prev == nil {
			if !rec.PrevHash.IsZero() {
				return fmt.Errorf("package %s: first record names a predecessor", pkg)
			}
		} else {
			if rec.PrevHash != prev.Hash() {
				return fmt.Errorf("package %s: hash chain broken at sequence %d", pkg, rec.Sequence)
			}
			if rec.PublicKey != prev.PublicKey {
				return fmt.Errorf("package %s: publisher key changed at sequence %d", pkg, rec.Sequence)
			}
		}
		if err := protocol.VerifySignature(rec, rec.PublicKey); err != nil {
			return fmt.Errorf("package %s: %w", pkg, err)
		}
		prev = rec
	}
	return nil
}

func (l *Log) checkSize(ctx context.Context, size int64) error {
	n, err := l.store.Size(ctx)
	if err != nil {
		return err
	}
	if size < 0 || size > n {
		return fmt.Errorf("%w: size %d exceeds tree size %d", ErrInvalidRange, size, n)
	}
	return nil
}

// parseStoredCheckpoint splits a note into body and signatures without
// verifying them.
func parseStoredCheckpoint(msg string) (*protocol.SignedCheckpoint, error) {
	i := strings.LastIndex(msg, "\n\n")
	if i < 0 {
		return nil, errors.New("malformed stored checkpoint note")
	}
	cp, err := protocol.ParseCheckpoint(msg[:i+1])
	if err != nil {
		return nil, fmt.Errorf("parse stored checkpoint: %w", err)
	}
	return &protocol.SignedCheckpoint{Checkpoint: cp, Note: msg}, nil
}
