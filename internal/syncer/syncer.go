// Package syncer is the client sync engine. It brings the local view of a
// registry up to date while only ever trusting extensions of the last
// verified checkpoint (the trust anchor kept in lockstate).
//
// A sync attempt:
//
//  1. fetches and verifies the registry's latest checkpoint;
//  2. proves it consistent with the anchor (or pins it on first use);
//  3. fetches each package's new entries and checks inclusion, hash chain,
//     publisher key, signature and content availability in order;
//  4. advances the anchor and package heads in one compare-and-set write.
//
// Any failure leaves the anchor untouched.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/sourcegraph/conc/pool"
	"go.uber.org/zap"
	"golang.org/x/mod/sumdb/note"

	"github.com/dicej/cargo-component/internal/contentstore"
	"github.com/dicej/cargo-component/internal/lockstate"
	"github.com/dicej/cargo-component/pkg/protocol"
)

// DefaultConcurrency is the number of packages verified in parallel.
const DefaultConcurrency = 4

// maxAttempts bounds restarts after losing an anchor race.
const maxAttempts = 3

// Registry is the registry API the engine reads from.
// *client.Client satisfies this interface.
type Registry interface {
	Host() string
	Key(ctx context.Context) (string, error)
	Checkpoint(ctx context.Context) ([]byte, error)
	ConsistencyProof(ctx context.Context, from, to int64) (protocol.ConsistencyProof, error)
	Records(ctx context.Context, id protocol.PackageID, fromSeq uint64, size int64) (*protocol.RecordsResponse, error)
	HasContent(ctx context.Context, d protocol.Digest) (bool, error)
	Content(ctx context.Context, d protocol.Digest) ([]byte, error)
}

// Cache is the local content cache.
// *contentstore.FileStore satisfies this interface.
type Cache interface {
	contentstore.Store
	Path(d protocol.Digest) string
}

// Config tunes a Syncer.
type Config struct {
	// RegistryKey pins the registry's verifier key. When empty the key is
	// fetched from the registry and trusted on first use.
	RegistryKey string
	Concurrency int
}

// Syncer verifies one registry host.
type Syncer struct {
	registry Registry
	state    *lockstate.Store
	cache    Cache
	cfg      Config
	logger   *zap.Logger
}

// New creates a Syncer for registry.
func New(registry Registry, state *lockstate.Store, cache Cache, cfg Config, logger *zap.Logger) *Syncer {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	return &Syncer{registry: registry, state: state, cache: cache, cfg: cfg, logger: logger}
}

// Host returns the registry host the Syncer keeps state for.
func (s *Syncer) Host() string { return s.registry.Host() }

// Result describes a successful sync.
type Result struct {
	PreviousLength int64
	Anchor         *protocol.SignedCheckpoint
	Packages       map[protocol.PackageID]*lockstate.PackageState
	// NewRecords counts the entries verified by this sync.
	NewRecords int

	base *protocol.SignedCheckpoint
	key  string
}

// Sync verifies the latest checkpoint and the given packages. With no
// packages, every package already known for the host is synced.
// Packages absent from the registry are left out of the result.
func (s *Syncer) Sync(ctx context.Context, packages ...protocol.PackageID) (*Result, error) {
	for _, id := range packages {
		if err := id.Validate(); err != nil {
			return nil, err
		}
	}
	for attempt := 1; ; attempt++ {
		res, err := s.attempt(ctx, packages, true)
		if errors.Is(err, lockstate.ErrAnchorMoved) && attempt < maxAttempts {
			s.logger.Debug("anchor moved during sync; restarting",
				zap.String("host", s.Host()),
				zap.Int("attempt", attempt),
			)
			continue
		}
		return res, err
	}
}

// Check performs the same verification as Sync but commits nothing: the
// anchor, pinned key and package heads stay as they were until the result is
// passed to Commit.
func (s *Syncer) Check(ctx context.Context, packages ...protocol.PackageID) (*Result, error) {
	for _, id := range packages {
		if err := id.Validate(); err != nil {
			return nil, err
		}
	}
	return s.attempt(ctx, packages, false)
}

func (s *Syncer) attempt(ctx context.Context, packages []protocol.PackageID, commit bool) (*Result, error) {
	host := s.Host()
	stored, err := s.state.LastAnchor(host)
	if err != nil {
		return nil, err
	}
	key, err := s.registryKey(ctx, host)
	if err != nil {
		return nil, err
	}
	verifier, err := note.NewVerifier(key)
	if err != nil {
		return nil, &protocol.ValidationError{Field: "registry key", Msg: err.Error()}
	}

	var base *protocol.Checkpoint
	if stored != nil {
		// The anchor is re-verified so a tampered state file is not trusted.
		opened, err := protocol.OpenCheckpoint([]byte(stored.Note), verifier)
		if err != nil {
			return nil, fmt.Errorf("local trust anchor for %s: %w", host, err)
		}
		base = &opened.Checkpoint
	}

	msg, err := s.registry.Checkpoint(ctx)
	if err != nil {
		return nil, err
	}
	next, err := protocol.OpenCheckpoint(msg, verifier)
	if err != nil {
		return nil, fmt.Errorf("checkpoint from %s: %w", host, err)
	}

	var oldLength int64
	if base != nil {
		oldLength = base.Length
		if err := s.checkConsistency(ctx, *base, next.Checkpoint); err != nil {
			return nil, err
		}
	}

	if len(packages) == 0 {
		if packages, err = s.state.Packages(host); err != nil {
			return nil, err
		}
	}

	v := verification{oldLength: oldLength, next: next.Checkpoint}
	results := make(map[protocol.PackageID]*lockstate.PackageState, len(packages))
	counts := make(map[protocol.PackageID]int, len(packages))
	var mu sync.Mutex

	p := pool.New().WithMaxGoroutines(s.cfg.Concurrency).WithContext(ctx).WithCancelOnError().WithFirstError()
	for _, id := range dedupe(packages) {
		p.Go(func(ctx context.Context) error {
			known, err := s.state.Package(host, id)
			if err != nil {
				return err
			}
			st, n, err := s.syncPackage(ctx, v, id, known)
			if err != nil {
				return err
			}
			mu.Lock()
			if st != nil {
				results[id] = st
				counts[id] = n
			}
			mu.Unlock()
			return nil
		})
	}
	if err := p.Wait(); err != nil {
		return nil, err
	}

	res := &Result{PreviousLength: oldLength, Anchor: next, Packages: results, base: stored, key: key}
	for _, n := range counts {
		res.NewRecords += n
	}
	if !commit {
		return res, nil
	}
	if err := s.Commit(res); err != nil {
		return nil, err
	}
	return res, nil
}

// Commit writes a Result returned by Check as the new anchor and package
// heads. It fails with lockstate.ErrAnchorMoved when another sync advanced
// the anchor after the check.
func (s *Syncer) Commit(res *Result) error {
	host := s.Host()
	if err := s.state.Advance(host, res.base, res.Anchor, res.key, res.Packages); err != nil {
		return err
	}
	s.logger.Info("sync complete",
		zap.String("host", host),
		zap.Int64("from_length", res.PreviousLength),
		zap.Int64("to_length", res.Anchor.Checkpoint.Length),
		zap.Int("packages", len(res.Packages)),
		zap.Int("new_records", res.NewRecords),
	)
	return nil
}

// registryKey returns the key to verify checkpoints with, pinning it on
// first use.
func (s *Syncer) registryKey(ctx context.Context, host string) (string, error) {
	pinned, err := s.state.RegistryKey(host)
	if err != nil {
		return "", err
	}
	switch {
	case pinned != "" && s.cfg.RegistryKey != "" && pinned != s.cfg.RegistryKey:
		return "", &protocol.ValidationError{Field: "registry key", Msg: fmt.Sprintf("configured key for %s differs from the key pinned in local state", host)}
	case pinned != "":
		return pinned, nil
	case s.cfg.RegistryKey != "":
		return s.cfg.RegistryKey, nil
	}
	key, err := s.registry.Key(ctx)
	if err != nil {
		return "", err
	}
	s.logger.Warn("trusting registry key on first use",
		zap.String("host", host),
		zap.String("key", key),
	)
	return key, nil
}

// checkConsistency proves next extends base. Every failure is a
// ConsistencyViolation; transport errors fetching the proof are not.
func (s *Syncer) checkConsistency(ctx context.Context, base, next protocol.Checkpoint) error {
	proof := protocol.ConsistencyProof{OldSize: base.Length, NewSize: next.Length}
	if next.Length > base.Length {
		var err error
		proof, err = s.registry.ConsistencyProof(ctx, base.Length, next.Length)
		if err != nil {
			return err
		}
	}
	if err := protocol.VerifyConsistency(base, next, proof); err != nil {
		return &protocol.ConsistencyViolation{
			OldLength: base.Length,
			NewLength: next.Length,
			Entry:     -1,
			Err:       err,
		}
	}
	return nil
}

func dedupe(ids []protocol.PackageID) []protocol.PackageID {
	seen := make(map[protocol.PackageID]bool, len(ids))
	out := ids[:0:0]
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}
