package syncer

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/dicej/cargo-component/internal/lockstate"
	"github.com/dicej/cargo-component/pkg/protocol"
)

// verification is the immutable snapshot one sync attempt checks against.
type verification struct {
	oldLength int64
	next      protocol.Checkpoint
}

func (v verification) violation(id protocol.PackageID, index int64, err error) error {
	return &protocol.ConsistencyViolation{
		OldLength: v.oldLength,
		NewLength: v.next.Length,
		Package:   id,
		Entry:     index,
		Err:       err,
	}
}

// syncPackage verifies the entries of id that follow the known head, in
// sequence order, then checks they end at the head the checkpoint's package
// map commits to. It returns the new head state with the number of entries
// verified, or a nil state for a package the checkpoint proves absent.
// known is not modified.
func (s *Syncer) syncPackage(ctx context.Context, v verification, id protocol.PackageID, known *lockstate.PackageState) (*lockstate.PackageState, int, error) {
	var (
		st        *lockstate.PackageState
		fromSeq   uint64
		lastIndex int64 = -1
	)
	if known != nil {
		st = known.Clone()
		fromSeq = known.HeadSequence + 1
		lastIndex = known.HeadIndex
	} else {
		st = &lockstate.PackageState{Versions: make(map[protocol.Version]lockstate.VersionState)}
	}

	resp, err := s.registry.Records(ctx, id, fromSeq, v.next.Length)
	if err != nil {
		return nil, 0, err
	}
	if resp.TreeSize != v.next.Length {
		return nil, 0, v.violation(id, -1, fmt.Errorf("registry answered for tree size %d instead of %d", resp.TreeSize, v.next.Length))
	}

	expectSeq := fromSeq
	for i := range resp.Entries {
		e := &resp.Entries[i]
		if err := verifyEntry(id, v, st, e, expectSeq, lastIndex); err != nil {
			return nil, 0, v.violation(id, e.Index, err)
		}
		missing, err := s.contentMissing(ctx, e.Record.Content)
		if err != nil {
			return nil, 0, err
		}
		if missing {
			return nil, 0, v.violation(id, e.Index, &protocol.NotFoundError{What: "content " + e.Record.Content.String()})
		}
		rec := &e.Record
		if rec.Sequence == 0 {
			st.PublicKey = rec.PublicKey
		}
		st.HeadSequence = rec.Sequence
		st.HeadHash = rec.Hash()
		st.HeadIndex = e.Index
		st.Versions[rec.Version] = lockstate.VersionState{Digest: rec.Content}
		expectSeq++
		lastIndex = e.Index
	}

	head, err := protocol.VerifyHeadProof(id, resp.Head, v.next)
	if err != nil {
		return nil, 0, v.violation(id, -1, err)
	}
	if err := checkHead(known, st, head); err != nil {
		return nil, 0, v.violation(id, -1, err)
	}
	if head == nil {
		return nil, 0, nil
	}
	if len(resp.Entries) > 0 {
		s.logger.Debug("package verified",
			zap.String("package", id.String()),
			zap.Uint64("head_sequence", st.HeadSequence),
			zap.Int("new_records", len(resp.Entries)),
		)
	}
	return st, len(resp.Entries), nil
}

// verifyEntry checks one entry against the head accepted so far.
func verifyEntry(id protocol.PackageID, v verification, st *lockstate.PackageState, e *protocol.ProvedEntry, expectSeq uint64, lastIndex int64) error {
	rec := &e.Record
	if err := rec.Validate(); err != nil {
		return err
	}
	if rec.Package != id {
		return fmt.Errorf("entry belongs to package `%s`", rec.Package)
	}
	if rec.Sequence != expectSeq {
		return fmt.Errorf("expected sequence %d, got %d", expectSeq, rec.Sequence)
	}
	if e.Index <= lastIndex {
		return fmt.Errorf("entry index %d does not follow %d", e.Index, lastIndex)
	}
	if e.Proof.Index != e.Index {
		return fmt.Errorf("proof is for index %d", e.Proof.Index)
	}
	if err := protocol.VerifyInclusion(rec.SignedEncoding(), e.Proof, v.next); err != nil {
		return err
	}
	if rec.PrevHash != st.HeadHash {
		return fmt.Errorf("record %d links to %s, verified head is %s", rec.Sequence, rec.PrevHash, st.HeadHash)
	}
	key := st.PublicKey
	if rec.Sequence == 0 {
		key = rec.PublicKey
	}
	if err := protocol.VerifySignature(rec, key); err != nil {
		return err
	}
	if _, dup := st.Versions[rec.Version]; dup {
		return fmt.Errorf("version %s appears twice", rec.Version)
	}
	return nil
}

// checkHead compares the head reached by verifying entries with the head
// proven in the package map. A nil head means the package is proven absent.
func checkHead(known, st *lockstate.PackageState, head *protocol.PackageHead) error {
	if head == nil {
		if known != nil {
			return fmt.Errorf("checkpoint omits a package verified at sequence %d", known.HeadSequence)
		}
		if len(st.Versions) > 0 {
			return fmt.Errorf("checkpoint omits a package the registry returned records for")
		}
		return nil
	}
	if len(st.Versions) == 0 {
		return fmt.Errorf("checkpoint commits to head sequence %d, registry returned no records", head.Sequence)
	}
	if st.HeadSequence != head.Sequence || st.HeadHash != head.Hash || st.HeadIndex != head.Index {
		return fmt.Errorf("records end at sequence %d (index %d), checkpoint commits to sequence %d (index %d)",
			st.HeadSequence, st.HeadIndex, head.Sequence, head.Index)
	}
	return nil
}

// contentMissing reports whether the registry cannot serve bytes for d,
// without downloading them. Content already in the local cache is present.
func (s *Syncer) contentMissing(ctx context.Context, d protocol.Digest) (bool, error) {
	if ok, err := s.cache.Has(ctx, d); err == nil && ok {
		return false, nil
	}
	ok, err := s.registry.HasContent(ctx, d)
	if err != nil {
		return false, err
	}
	return !ok, nil
}
