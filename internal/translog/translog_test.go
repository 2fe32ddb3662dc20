package translog_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"go.uber.org/zap"
	"golang.org/x/mod/sumdb/note"

	"github.com/dicej/cargo-component/internal/translog"
	"github.com/dicej/cargo-component/pkg/protocol"
)

var ctx = context.Background()

type publisher struct {
	signer note.Signer
	vkey   string
}

func newPublisher(t *testing.T, name string) publisher {
	t.Helper()
	s, _, vkey, err := translog.GenerateKey(name)
	if err != nil {
		t.Fatal(err)
	}
	return publisher{signer: s, vkey: vkey}
}

// chain builds n signed records for pkg, linked by prev hash.
func chain(t *testing.T, p publisher, pkg protocol.PackageID, n int) []protocol.Record {
	t.Helper()
	var out []protocol.Record
	var prev protocol.RecordHash
	for i := 0; i < n; i++ {
		r := protocol.Record{
			Package:   pkg,
			Sequence:  uint64(i),
			PrevHash:  prev,
			Version:   protocol.Version(fmt.Sprintf("0.%d.0", i+1)),
			Content:   protocol.DigestOf([]byte(fmt.Sprintf("%s %d", pkg, i))),
			Timestamp: time.Date(2024, 5, 1, 0, 0, i, 0, time.UTC),
		}
		if err := protocol.SignRecord(&r, p.signer, p.vkey); err != nil {
			t.Fatal(err)
		}
		prev = r.Hash()
		out = append(out, r)
	}
	return out
}

func newLog(t *testing.T) (*translog.Log, note.Verifier) {
	t.Helper()
	s, _, vkey, err := translog.GenerateKey("registry.test")
	if err != nil {
		t.Fatal(err)
	}
	l, err := translog.New(translog.NewMemoryStore(), s, vkey, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	v, err := note.NewVerifier(vkey)
	if err != nil {
		t.Fatal(err)
	}
	return l, v
}

func TestLatest_emptyLog(t *testing.T) {
	l, v := newLog(t)
	cp, err := l.Latest(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if cp.Checkpoint.Length != 0 {
		t.Errorf("expected empty checkpoint, got length %d", cp.Checkpoint.Length)
	}
	if _, err := protocol.OpenCheckpoint([]byte(cp.Note), v); err != nil {
		t.Errorf("checkpoint does not verify: %v", err)
	}
	if err := l.Verify(ctx); err != nil {
		t.Errorf("Verify() on empty log: %v", err)
	}
}

func TestAppend_assignsStableIndexes(t *testing.T) {
	l, _ := newLog(t)
	alice := newPublisher(t, "alice")
	a := chain(t, alice, "baz:qux", 2)
	b := chain(t, alice, "foo:bar", 1)

	e1, err := l.Append(ctx, a[:1])
	if err != nil {
		t.Fatal(err)
	}
	e2, err := l.Append(ctx, []protocol.Record{b[0], a[1]})
	if err != nil {
		t.Fatal(err)
	}
	if e1[0].Index != 0 || e2[0].Index != 1 || e2[1].Index != 2 {
		t.Errorf("indexes: got %d, %d, %d", e1[0].Index, e2[0].Index, e2[1].Index)
	}

	head, err := l.Head(ctx, "baz:qux")
	if err != nil {
		t.Fatal(err)
	}
	if head.Index != 2 || head.Record.Hash() != a[1].Hash() {
		t.Errorf("head: index %d hash %s", head.Index, head.Record.Hash())
	}
	if _, err := l.Head(ctx, "no:such"); !errors.Is(err, translog.ErrNotFound) {
		t.Errorf("Head(unknown) err = %v", err)
	}
}

func TestCheckpoint_noopWhenUnchanged(t *testing.T) {
	l, _ := newLog(t)
	alice := newPublisher(t, "alice")
	if _, err := l.Append(ctx, chain(t, alice, "baz:qux", 3)); err != nil {
		t.Fatal(err)
	}
	cp1, err := l.Checkpoint(ctx)
	if err != nil {
		t.Fatal(err)
	}
	cp2, err := l.Checkpoint(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if cp1.Note != cp2.Note {
		t.Error("second checkpoint at the same size should be the stored one")
	}
	if cp1.Checkpoint.Length != 3 {
		t.Errorf("length = %d, want 3", cp1.Checkpoint.Length)
	}
}

func TestProofs_verifyAgainstCheckpoints(t *testing.T) {
	l, v := newLog(t)
	alice := newPublisher(t, "alice")
	recs := chain(t, alice, "baz:qux", 7)

	if _, err := l.Append(ctx, recs[:3]); err != nil {
		t.Fatal(err)
	}
	old, err := l.Checkpoint(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := l.Append(ctx, recs[3:]); err != nil {
		t.Fatal(err)
	}
	cur, err := l.Checkpoint(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := protocol.OpenCheckpoint([]byte(cur.Note), v); err != nil {
		t.Fatalf("open checkpoint: %v", err)
	}

	cons, err := l.ProveConsistency(ctx, old.Checkpoint.Length, cur.Checkpoint.Length)
	if err != nil {
		t.Fatal(err)
	}
	if err := protocol.VerifyConsistency(old.Checkpoint, cur.Checkpoint, cons); err != nil {
		t.Errorf("consistency: %v", err)
	}

	entries, err := l.Entries(ctx, "baz:qux", 2, cur.Checkpoint.Length)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 5 {
		t.Fatalf("entries from seq 2: got %d, want 5", len(entries))
	}
	for _, e := range entries {
		if err := protocol.VerifyInclusion(e.Record.SignedEncoding(), e.Proof, cur.Checkpoint); err != nil {
			t.Errorf("inclusion of %d: %v", e.Index, err)
		}
	}

	// Entries bounded by an older size only return what that tree holds.
	entries, err = l.Entries(ctx, "baz:qux", 0, old.Checkpoint.Length)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 3 {
		t.Errorf("entries at old size: got %d, want 3", len(entries))
	}
	for _, e := range entries {
		if err := protocol.VerifyInclusion(e.Record.SignedEncoding(), e.Proof, old.Checkpoint); err != nil {
			t.Errorf("inclusion of %d at old size: %v", e.Index, err)
		}
	}
}

func TestProofs_rejectInvalidRanges(t *testing.T) {
	l, _ := newLog(t)
	alice := newPublisher(t, "alice")
	if _, err := l.Append(ctx, chain(t, alice, "baz:qux", 2)); err != nil {
		t.Fatal(err)
	}
	if _, err := l.ProveInclusion(ctx, 0, 5); !errors.Is(err, translog.ErrInvalidRange) {
		t.Errorf("size beyond tree: err = %v", err)
	}
	if _, err := l.ProveInclusion(ctx, 2, 2); !errors.Is(err, translog.ErrInvalidRange) {
		t.Errorf("index beyond size: err = %v", err)
	}
	if _, err := l.ProveConsistency(ctx, 2, 1); !errors.Is(err, translog.ErrInvalidRange) {
		t.Errorf("from > to: err = %v", err)
	}
	p, err := l.ProveConsistency(ctx, 0, 2)
	if err != nil || len(p.Hashes) != 0 {
		t.Errorf("from 0: proof %v err %v", p.Hashes, err)
	}
}

func TestVerify_validLog(t *testing.T) {
	l, _ := newLog(t)
	alice := newPublisher(t, "alice")
	bob := newPublisher(t, "bob")
	if _, err := l.Append(ctx, chain(t, alice, "baz:qux", 3)); err != nil {
		t.Fatal(err)
	}
	if _, err := l.Append(ctx, chain(t, bob, "foo:bar", 2)); err != nil {
		t.Fatal(err)
	}
	if _, err := l.Checkpoint(ctx); err != nil {
		t.Fatal(err)
	}
	if err := l.Verify(ctx); err != nil {
		t.Errorf("Verify() failed on valid log: %v", err)
	}
}

func TestVerify_detectsBrokenChain(t *testing.T) {
	l, _ := newLog(t)
	alice := newPublisher(t, "alice")
	recs := chain(t, alice, "baz:qux", 2)
	// Re-sign the second record with a bogus predecessor.
	recs[1].PrevHash = protocol.RecordHash(protocol.DigestOf([]byte("bogus")))
	if err := protocol.SignRecord(&recs[1], alice.signer, alice.vkey); err != nil {
		t.Fatal(err)
	}
	if _, err := l.Append(ctx, recs); err != nil {
		t.Fatal(err)
	}
	if _, err := l.Checkpoint(ctx); err != nil {
		t.Fatal(err)
	}
	if err := l.Verify(ctx); err == nil {
		t.Error("Verify() should detect a broken hash chain")
	}
}

func TestParseSigningKey_derivesVerifier(t *testing.T) {
	_, skey, vkey, err := translog.GenerateKey("registry.test")
	if err != nil {
		t.Fatal(err)
	}
	signer, derived, err := translog.ParseSigningKey(skey)
	if err != nil {
		t.Fatal(err)
	}
	if derived != vkey {
		t.Errorf("derived vkey %q, want %q", derived, vkey)
	}
	if signer.Name() != "registry.test" {
		t.Errorf("signer name %q", signer.Name())
	}
	if _, _, err := translog.ParseSigningKey("not a key"); err == nil {
		t.Error("garbage key parsed")
	}
}

func TestNew_rejectsMismatchedKeys(t *testing.T) {
	s, _, _, _ := translog.GenerateKey("registry.test")
	_, _, other, _ := translog.GenerateKey("registry.test")
	if _, err := translog.New(translog.NewMemoryStore(), s, other, zap.NewNop()); err == nil {
		t.Error("New() accepted a verifier key for another signer")
	}
}

func TestProveHead_commitsEveryPackageHead(t *testing.T) {
	l, _ := newLog(t)
	alice := newPublisher(t, "alice")
	a := chain(t, alice, "baz:qux", 3)
	b := chain(t, alice, "foo:bar", 1)

	if _, err := l.Append(ctx, []protocol.Record{a[0], b[0], a[1]}); err != nil {
		t.Fatal(err)
	}
	old, err := l.Checkpoint(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := l.Append(ctx, a[2:]); err != nil {
		t.Fatal(err)
	}
	cur, err := l.Checkpoint(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if cur.Checkpoint.Packages != 2 {
		t.Fatalf("packages = %d, want 2", cur.Checkpoint.Packages)
	}

	p, err := l.ProveHead(ctx, "baz:qux", cur.Checkpoint.Length)
	if err != nil {
		t.Fatal(err)
	}
	head, err := protocol.VerifyHeadProof("baz:qux", p, cur.Checkpoint)
	if err != nil {
		t.Fatalf("VerifyHeadProof: %v", err)
	}
	if head.Sequence != 2 || head.Index != 3 || head.Hash != a[2].Hash() {
		t.Errorf("head = %+v", head)
	}

	// The head at an older size is the one that tree held.
	p, err = l.ProveHead(ctx, "baz:qux", old.Checkpoint.Length)
	if err != nil {
		t.Fatal(err)
	}
	head, err = protocol.VerifyHeadProof("baz:qux", p, old.Checkpoint)
	if err != nil {
		t.Fatalf("VerifyHeadProof at old size: %v", err)
	}
	if head.Sequence != 1 || head.Hash != a[1].Hash() {
		t.Errorf("old head = %+v", head)
	}
	if _, err := protocol.VerifyHeadProof("baz:qux", p, cur.Checkpoint); !errors.Is(err, protocol.ErrHashMismatch) {
		t.Errorf("old head against new checkpoint: err = %v", err)
	}

	p, err = l.ProveHead(ctx, "no:such", cur.Checkpoint.Length)
	if err != nil {
		t.Fatal(err)
	}
	if head, err := protocol.VerifyHeadProof("no:such", p, cur.Checkpoint); err != nil || head != nil {
		t.Errorf("absent package: head=%+v err=%v", head, err)
	}

	if _, err := l.ProveHead(ctx, "baz:qux", cur.Checkpoint.Length+1); !errors.Is(err, translog.ErrInvalidRange) {
		t.Errorf("size past the tree: err = %v", err)
	}
}
