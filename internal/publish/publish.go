// Package publish drives a package version from local bytes to a record
// that is cryptographically confirmed in the registry log.
//
// The workflow is an explicit state machine:
//
//	Draft → ContentUploaded → RecordSubmitted → AwaitingInclusion → Verified
//	Draft → DryRun
//	any  → Rejected | Failed
//
// Each transition is a named step. Every check that can fail locally, such
// as a duplicate version or a foreign publisher key, runs before content is
// uploaded. The trust anchor and package heads are written only once the
// record is confirmed in the verified log, and the content cache after that.
package publish

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/dicej/cargo-component/internal/lockstate"
	"github.com/dicej/cargo-component/internal/syncer"
	"github.com/dicej/cargo-component/internal/translog"
	"github.com/dicej/cargo-component/pkg/protocol"
)

// State is a publication's position in the workflow.
type State string

const (
	Draft             State = "Draft"
	ContentUploaded   State = "ContentUploaded"
	RecordSubmitted   State = "RecordSubmitted"
	AwaitingInclusion State = "AwaitingInclusion"
	Verified          State = "Verified"
	Rejected          State = "Rejected"
	Failed            State = "Failed"
	DryRun            State = "DryRun"
)

// Terminal reports whether no transition leaves s.
func (s State) Terminal() bool {
	switch s {
	case Verified, Rejected, Failed, DryRun:
		return true
	}
	return false
}

// Request describes one version to publish.
type Request struct {
	Package string
	Version string
	Content []byte
	// SigningKey is a note signer key ("PRIVATE+KEY+...").
	SigningKey string
	DryRun     bool
}

// Transition is one recorded state change.
type Transition struct {
	From   State
	To     State
	At     time.Time
	Detail string
}

// Publication is the running record of a publish attempt.
type Publication struct {
	Package    protocol.PackageID
	Version    protocol.Version
	Digest     protocol.Digest
	Record     *protocol.Record
	Submission *protocol.Submission
	// CachePath is set once Verified.
	CachePath string

	State   State
	History []Transition
	Err     error
}

// Observer is told about every transition as it happens.
type Observer func(p *Publication, t Transition)

// Registry is the registry API the workflow writes to.
// *client.Client satisfies this interface.
type Registry interface {
	HasContent(ctx context.Context, d protocol.Digest) (bool, error)
	UploadContent(ctx context.Context, data []byte) (protocol.Digest, error)
	SubmitRecord(ctx context.Context, rec *protocol.Record) (*protocol.Submission, error)
	Submission(ctx context.Context, token string) (*protocol.Submission, error)
}

// Publisher runs publications against one registry.
type Publisher struct {
	registry Registry
	syncer   *syncer.Syncer
	state    *lockstate.Store
	poll     PollConfig
	observer Observer
	logger   *zap.Logger
	now      func() time.Time
}

// Option configures a Publisher.
type Option func(*Publisher)

// WithPollConfig sets how inclusion is awaited. Zero fields keep their
// defaults.
func WithPollConfig(cfg PollConfig) Option {
	return func(p *Publisher) {
		def := DefaultPollConfig()
		if cfg.InitialInterval <= 0 {
			cfg.InitialInterval = def.InitialInterval
		}
		if cfg.MaxInterval <= 0 {
			cfg.MaxInterval = def.MaxInterval
		}
		if cfg.MaxWait <= 0 {
			cfg.MaxWait = def.MaxWait
		}
		p.poll = cfg
	}
}

// WithObserver reports every transition to fn.
func WithObserver(fn Observer) Option {
	return func(p *Publisher) { p.observer = fn }
}

// WithClock overrides the record timestamp source.
func WithClock(now func() time.Time) Option {
	return func(p *Publisher) { p.now = now }
}

// New creates a Publisher. sync verifies the registry and state holds what
// has been verified so far.
func New(registry Registry, sync *syncer.Syncer, state *lockstate.Store, logger *zap.Logger, opts ...Option) *Publisher {
	p := &Publisher{
		registry: registry,
		syncer:   sync,
		state:    state,
		poll:     DefaultPollConfig(),
		logger:   logger,
		now:      time.Now,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// run carries the inputs of one publication between steps.
type run struct {
	pub     *Publication
	content []byte
	signer  signer
	dryRun  bool
}

// step performs one transition. It returns the next state and a detail for
// the transition record.
type step func(ctx context.Context, r *run) (State, string, error)

// Publish runs req to a terminal state. The returned error is the
// publication's Err and is nil only for Verified and DryRun.
func (p *Publisher) Publish(ctx context.Context, req Request) (*Publication, error) {
	pub := &Publication{State: Draft}
	r, err := p.prepare(req, pub)
	if err != nil {
		p.finish(pub, err)
		return pub, err
	}

	steps := map[State]step{
		Draft:             p.upload,
		ContentUploaded:   p.submit,
		RecordSubmitted:   p.acknowledge,
		AwaitingInclusion: p.await,
	}
	if r.dryRun {
		steps[Draft] = p.dryRun
	}

	for !pub.State.Terminal() {
		next, detail, err := steps[pub.State](ctx, r)
		if err != nil {
			p.finish(pub, err)
			return pub, err
		}
		p.transition(pub, next, detail)
	}
	p.logger.Info("publication finished",
		zap.String("package", pub.Package.String()),
		zap.String("version", pub.Version.String()),
		zap.String("state", string(pub.State)),
	)
	return pub, nil
}

// prepare runs every local precondition check.
func (p *Publisher) prepare(req Request, pub *Publication) (*run, error) {
	id, err := protocol.ParsePackageID(req.Package)
	if err != nil {
		return nil, err
	}
	pub.Package = id
	v, err := protocol.ParseVersion(req.Version)
	if err != nil {
		return nil, err
	}
	pub.Version = v
	if len(req.Content) == 0 {
		return nil, &protocol.ValidationError{Field: "content", Msg: "package content is empty"}
	}
	if req.SigningKey == "" {
		return nil, &protocol.ValidationError{Field: "signing key", Msg: "no signing key was provided"}
	}
	s, vkey, err := translog.ParseSigningKey(req.SigningKey)
	if err != nil {
		return nil, &protocol.ValidationError{Field: "signing key", Msg: err.Error()}
	}
	pub.Digest = protocol.DigestOf(req.Content)
	return &run{
		pub:     pub,
		content: req.Content,
		signer:  signer{Signer: s, vkey: vkey},
		dryRun:  req.DryRun,
	}, nil
}

func (p *Publisher) transition(pub *Publication, to State, detail string) {
	t := Transition{From: pub.State, To: to, At: p.now(), Detail: detail}
	pub.State = to
	pub.History = append(pub.History, t)
	p.logger.Debug("publication transition",
		zap.String("package", pub.Package.String()),
		zap.String("from", string(t.From)),
		zap.String("to", string(t.To)),
		zap.String("detail", detail),
	)
	if p.observer != nil {
		p.observer(pub, t)
	}
}

// finish moves pub to the terminal failure state matching err.
func (p *Publisher) finish(pub *Publication, err error) {
	pub.Err = err
	to := Failed
	if errors.Is(err, protocol.ErrRejected) {
		to = Rejected
	}
	p.transition(pub, to, err.Error())
	p.logger.Warn("publication failed",
		zap.String("package", pub.Package.String()),
		zap.String("version", pub.Version.String()),
		zap.String("state", string(to)),
		zap.Error(err),
	)
}

// buildRecord creates and signs the record that follows head.
func (p *Publisher) buildRecord(r *run, head *lockstate.PackageState) (*protocol.Record, error) {
	pub := r.pub
	rec := &protocol.Record{
		Package:   pub.Package,
		Version:   pub.Version,
		Content:   pub.Digest,
		Timestamp: p.now(),
	}
	if head != nil {
		if _, dup := head.Versions[pub.Version]; dup {
			return nil, &protocol.RejectedError{Reason: fmt.Sprintf("version %s of package `%s` already exists", pub.Version, pub.Package)}
		}
		if head.PublicKey != r.signer.vkey {
			return nil, &protocol.ValidationError{Field: "signing key", Msg: fmt.Sprintf("package `%s` is bound to a different publisher key", pub.Package)}
		}
		rec.Sequence = head.HeadSequence + 1
		rec.PrevHash = head.HeadHash
	}
	if err := protocol.SignRecord(rec, r.signer, r.signer.vkey); err != nil {
		return nil, err
	}
	return rec, nil
}
