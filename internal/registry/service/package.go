package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/dicej/cargo-component/internal/contentstore"
	"github.com/dicej/cargo-component/internal/translog"
	"github.com/dicej/cargo-component/pkg/protocol"
)

// packageLog is the log interface the service needs.
// *translog.Log satisfies this interface.
type packageLog interface {
	Append(ctx context.Context, records []protocol.Record) ([]protocol.LogEntry, error)
	Checkpoint(ctx context.Context) (*protocol.SignedCheckpoint, error)
	Records(ctx context.Context, pkg protocol.PackageID) ([]protocol.LogEntry, error)
}

// SequenceObserver is notified after each sequencing pass that committed
// records. The registry wires this to its metrics.
type SequenceObserver func(included int, checkpointLength int64)

type pending struct {
	token  string
	record protocol.Record
	hash   protocol.RecordHash
}

// PackageService validates submitted records, queues them and sequences them
// into the log.
//
// Submissions are held in memory until sequenced. A registry restart drops
// pending submissions; publishers observe this as a timeout and re-sync.
type PackageService struct {
	log      packageLog
	content  contentstore.Store
	logger   *zap.Logger
	observer SequenceObserver

	mu          sync.Mutex
	queue       []*pending
	byPackage   map[protocol.PackageID][]*pending
	submissions map[string]*protocol.Submission
	unpublished []string // appended, awaiting a checkpoint
}

// NewPackageService creates a PackageService.
func NewPackageService(log packageLog, content contentstore.Store, logger *zap.Logger) *PackageService {
	return &PackageService{
		log:         log,
		content:     content,
		logger:      logger,
		byPackage:   make(map[protocol.PackageID][]*pending),
		submissions: make(map[string]*protocol.Submission),
	}
}

// SetSequenceObserver configures a callback run after each committed batch.
func (s *PackageService) SetSequenceObserver(fn SequenceObserver) {
	s.observer = fn
}

// SubmitContent stores package bytes and returns their digest.
func (s *PackageService) SubmitContent(ctx context.Context, data []byte) (protocol.Digest, error) {
	if len(data) == 0 {
		return "", &protocol.ValidationError{Field: "content", Msg: "package content is empty"}
	}
	d, err := s.content.Put(ctx, data)
	if err != nil {
		return "", fmt.Errorf("store content: %w", err)
	}
	return d, nil
}

// Content returns stored package bytes.
func (s *PackageService) Content(ctx context.Context, d protocol.Digest) ([]byte, error) {
	if err := d.Validate(); err != nil {
		return nil, err
	}
	data, err := s.content.Get(ctx, d)
	if errors.Is(err, contentstore.ErrNotFound) {
		return nil, &protocol.NotFoundError{What: "content " + d.String()}
	}
	return data, err
}

// HasContent reports whether bytes for d are stored.
func (s *PackageService) HasContent(ctx context.Context, d protocol.Digest) (bool, error) {
	if err := d.Validate(); err != nil {
		return false, err
	}
	return s.content.Has(ctx, d)
}

// Submit validates rec against the committed and pending history of its
// package and queues it for sequencing.
func (s *PackageService) Submit(ctx context.Context, rec protocol.Record) (*protocol.Submission, error) {
	if err := rec.Validate(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	committed, err := s.log.Records(ctx, rec.Package)
	if err != nil {
		return nil, fmt.Errorf("load package history: %w", err)
	}
	queued := s.byPackage[rec.Package]

	expected := uint64(len(committed) + len(queued))
	if rec.Sequence != expected {
		return nil, &protocol.ConflictError{
			Package:  rec.Package,
			Sequence: rec.Sequence,
			Msg:      fmt.Sprintf("next sequence is %d", expected),
		}
	}

	var (
		prevHash protocol.RecordHash
		boundKey string
		versions []protocol.Version
	)
	for i := range committed {
		versions = append(versions, committed[i].Record.Version)
	}
	for _, p := range queued {
		versions = append(versions, p.record.Version)
	}
	// Sequence 0 binds the publisher key for the package's lifetime.
	switch {
	case len(committed) > 0:
		boundKey = committed[0].Record.PublicKey
	case len(queued) > 0:
		boundKey = queued[0].record.PublicKey
	}
	switch {
	case len(queued) > 0:
		prevHash = queued[len(queued)-1].hash
	case len(committed) > 0:
		prevHash = committed[len(committed)-1].Record.Hash()
	}

	if rec.PrevHash != prevHash {
		return nil, &protocol.RejectedError{Reason: fmt.Sprintf("record %d of `%s` names previous record %s, head is %s", rec.Sequence, rec.Package, rec.PrevHash, prevHash)}
	}
	if boundKey != "" && rec.PublicKey != boundKey {
		return nil, &protocol.RejectedError{Reason: fmt.Sprintf("package `%s` is bound to a different publisher key", rec.Package)}
	}
	if err := protocol.VerifySignature(&rec, rec.PublicKey); err != nil {
		return nil, &protocol.RejectedError{Reason: err.Error()}
	}
	for _, v := range versions {
		if v.Equal(rec.Version) {
			return nil, &protocol.RejectedError{Reason: fmt.Sprintf("version %s of package `%s` already exists", rec.Version, rec.Package)}
		}
	}
	ok, err := s.content.Has(ctx, rec.Content)
	if err != nil {
		return nil, fmt.Errorf("check content: %w", err)
	}
	if !ok {
		return nil, &protocol.RejectedError{Reason: fmt.Sprintf("content %s has not been uploaded", rec.Content)}
	}

	p := &pending{token: uuid.NewString(), record: rec, hash: rec.Hash()}
	s.queue = append(s.queue, p)
	s.byPackage[rec.Package] = append(queued, p)
	sub := &protocol.Submission{
		Token:      p.token,
		Package:    rec.Package,
		Sequence:   rec.Sequence,
		RecordHash: p.hash,
		State:      protocol.SubmissionPending,
	}
	s.submissions[p.token] = sub

	s.logger.Info("record submitted",
		zap.String("token", p.token),
		zap.String("package", rec.Package.String()),
		zap.Uint64("sequence", rec.Sequence),
		zap.String("version", rec.Version.String()),
	)
	out := *sub
	return &out, nil
}

// Submission returns the current state of a submission.
func (s *PackageService) Submission(_ context.Context, token string) (*protocol.Submission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.submissions[token]
	if !ok {
		return nil, &protocol.NotFoundError{What: "submission " + token}
	}
	out := *sub
	return &out, nil
}

// Package summarises the committed history of id.
func (s *PackageService) Package(ctx context.Context, id protocol.PackageID) (*protocol.PackageSummary, error) {
	entries, err := s.log.Records(ctx, id)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, &protocol.NotFoundError{What: "package `" + id.String() + "`"}
	}
	head := entries[len(entries)-1]
	sum := &protocol.PackageSummary{
		Package:      id,
		HeadSequence: head.Record.Sequence,
		HeadHash:     head.Record.Hash(),
		HeadIndex:    head.Index,
		PublicKey:    entries[0].Record.PublicKey,
	}
	for _, e := range entries {
		sum.Versions = append(sum.Versions, e.Record.Version)
	}
	return sum, nil
}

// Sequence appends every pending submission to the log in arrival order and
// publishes a checkpoint covering them. It returns the number of records
// committed by this call.
func (s *PackageService) Sequence(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.queue) == 0 && len(s.unpublished) == 0 {
		return 0, nil
	}
	appended := 0
	if len(s.queue) > 0 {
		records := make([]protocol.Record, len(s.queue))
		for i, p := range s.queue {
			records[i] = p.record
		}
		entries, err := s.log.Append(ctx, records)
		if err != nil {
			return 0, fmt.Errorf("append to log: %w", err)
		}
		// Committed records leave the queue even if checkpointing fails
		// below, so they are never appended twice.
		for i, p := range s.queue {
			s.submissions[p.token].Index = entries[i].Index
			s.unpublished = append(s.unpublished, p.token)
		}
		appended = len(s.queue)
		s.queue = nil
		s.byPackage = make(map[protocol.PackageID][]*pending)
	}

	cp, err := s.log.Checkpoint(ctx)
	if err != nil {
		return appended, fmt.Errorf("publish checkpoint: %w", err)
	}
	for _, token := range s.unpublished {
		sub := s.submissions[token]
		sub.State = protocol.SubmissionIncluded
		sub.CheckpointLength = cp.Checkpoint.Length
	}
	included := len(s.unpublished)
	s.unpublished = nil

	s.logger.Info("records sequenced",
		zap.Int("count", included),
		zap.Int64("checkpoint_length", cp.Checkpoint.Length),
	)
	if s.observer != nil {
		s.observer(included, cp.Checkpoint.Length)
	}
	return appended, nil
}

// Run sequences pending submissions every interval until ctx is done.
func (s *PackageService) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Sequence(ctx); err != nil {
				s.logger.Error("sequencing failed", zap.Error(err))
			}
		}
	}
}

// compile-time check that the log engine satisfies packageLog.
var _ packageLog = (*translog.Log)(nil)
