package publish

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/mod/sumdb/note"

	"github.com/dicej/cargo-component/internal/lockstate"
	"github.com/dicej/cargo-component/internal/syncer"
	"github.com/dicej/cargo-component/pkg/protocol"
)

// maxCommitAttempts bounds re-checks after another sync moved the anchor.
const maxCommitAttempts = 3

type signer struct {
	note.Signer
	vkey string
}

// dryRun (Draft → DryRun) builds and signs the record against the locally
// known head without any network call.
func (p *Publisher) dryRun(_ context.Context, r *run) (State, string, error) {
	head, err := p.state.Package(p.syncer.Host(), r.pub.Package)
	if err != nil {
		return "", "", err
	}
	rec, err := p.buildRecord(r, head)
	if err != nil {
		return "", "", err
	}
	r.pub.Record = rec
	return DryRun, fmt.Sprintf("would publish record %d (%s) with content %s", rec.Sequence, rec.Hash(), r.pub.Digest), nil
}

// plan verifies the package's current history and builds the record that
// follows its head. A duplicate version or a foreign publisher key fails
// here, before anything is sent to the registry.
func (p *Publisher) plan(ctx context.Context, r *run) (*protocol.Record, error) {
	res, err := p.syncer.Check(ctx, r.pub.Package)
	if err != nil {
		return nil, err
	}
	return p.buildRecord(r, res.Packages[r.pub.Package])
}

// upload (Draft → ContentUploaded) plans the record, then pushes the content
// unless the registry already has it.
func (p *Publisher) upload(ctx context.Context, r *run) (State, string, error) {
	rec, err := p.plan(ctx, r)
	if err != nil {
		return "", "", err
	}
	r.pub.Record = rec

	d := r.pub.Digest
	ok, err := p.registry.HasContent(ctx, d)
	if err != nil {
		return "", "", err
	}
	if ok {
		return ContentUploaded, "content " + d.String() + " already present", nil
	}
	got, err := p.registry.UploadContent(ctx, r.content)
	if err != nil {
		return "", "", err
	}
	if got != d {
		return "", "", &protocol.TransportError{Op: "upload content", Err: fmt.Errorf("registry stored digest %s, expected %s", got, d)}
	}
	return ContentUploaded, "uploaded content " + d.String(), nil
}

// submit (ContentUploaded → RecordSubmitted) plans the record again, in
// case the package moved during the upload, and submits it.
func (p *Publisher) submit(ctx context.Context, r *run) (State, string, error) {
	rec, err := p.plan(ctx, r)
	if err != nil {
		return "", "", err
	}
	r.pub.Record = rec

	sub, err := p.registry.SubmitRecord(ctx, rec)
	if err != nil {
		return "", "", err
	}
	r.pub.Submission = sub
	return RecordSubmitted, fmt.Sprintf("submitted record %d as %s", rec.Sequence, sub.Token), nil
}

// acknowledge (RecordSubmitted → AwaitingInclusion) checks the registry
// accepted exactly the record that was sent.
func (p *Publisher) acknowledge(_ context.Context, r *run) (State, string, error) {
	sub := r.pub.Submission
	switch {
	case sub.Token == "":
		return "", "", &protocol.TransportError{Op: "submit record", Err: fmt.Errorf("registry returned no submission token")}
	case sub.RecordHash != r.pub.Record.Hash():
		return "", "", &protocol.TransportError{Op: "submit record", Err: fmt.Errorf("registry acknowledged record %s, sent %s", sub.RecordHash, r.pub.Record.Hash())}
	case sub.State == protocol.SubmissionRejected:
		return "", "", &protocol.RejectedError{Reason: sub.Reason}
	}
	return AwaitingInclusion, "awaiting inclusion of " + sub.Token, nil
}

// await (AwaitingInclusion → Verified) polls until a checkpoint covers the
// record, verifies the log and requires the record in the verified history.
// The anchor and package heads are committed only once the record is
// confirmed.
func (p *Publisher) await(ctx context.Context, r *run) (State, string, error) {
	sub, err := p.pollInclusion(ctx, r.pub.Submission.Token)
	if err != nil {
		return "", "", err
	}
	r.pub.Submission = sub

	rec := r.pub.Record
	var res *syncer.Result
	for attempt := 1; ; attempt++ {
		res, err = p.syncer.Check(ctx, rec.Package)
		if err != nil {
			return "", "", err
		}
		if err := confirm(rec, res.Packages[rec.Package]); err != nil {
			return "", "", err
		}
		err = p.syncer.Commit(res)
		if errors.Is(err, lockstate.ErrAnchorMoved) && attempt < maxCommitAttempts {
			continue
		}
		if err != nil {
			return "", "", err
		}
		break
	}

	path, err := p.syncer.StoreContent(ctx, rec.Package, rec.Version, r.content)
	if err != nil {
		return "", "", err
	}
	r.pub.CachePath = path
	return Verified, fmt.Sprintf("record %d included at index %d under checkpoint %d", rec.Sequence, sub.Index, res.Anchor.Checkpoint.Length), nil
}

// confirm requires rec in the verified state st of its package.
func confirm(rec *protocol.Record, st *lockstate.PackageState) error {
	switch {
	case st == nil:
		return fmt.Errorf("package `%s` is missing from the verified log", rec.Package)
	case st.HeadSequence < rec.Sequence:
		return fmt.Errorf("verified head of `%s` is sequence %d, record %d was reported included", rec.Package, st.HeadSequence, rec.Sequence)
	case st.HeadSequence == rec.Sequence && st.HeadHash != rec.Hash():
		return &protocol.ConflictError{Package: rec.Package, Sequence: rec.Sequence, Msg: "a different record holds this sequence in the verified log"}
	case st.Versions[rec.Version].Digest != rec.Content:
		return fmt.Errorf("verified log does not map version %s to %s", rec.Version, rec.Content)
	}
	return nil
}
