package protocol_test

import (
	"crypto/rand"
	"errors"
	"fmt"
	"testing"
	"time"

	"golang.org/x/mod/sumdb/note"
	"golang.org/x/mod/sumdb/tlog"

	"github.com/dicej/cargo-component/pkg/protocol"
)

// ── helpers ──────────────────────────────────────────────────────────────────

type memTree struct {
	hashes []tlog.Hash
	leaves [][]byte
}

func (m *memTree) ReadHashes(indexes []int64) ([]tlog.Hash, error) {
	out := make([]tlog.Hash, len(indexes))
	for i, x := range indexes {
		out[i] = m.hashes[x]
	}
	return out, nil
}

func (m *memTree) add(t *testing.T, leaf []byte) {
	t.Helper()
	hs, err := tlog.StoredHashes(int64(len(m.leaves)), leaf, m)
	if err != nil {
		t.Fatalf("StoredHashes: %v", err)
	}
	m.hashes = append(m.hashes, hs...)
	m.leaves = append(m.leaves, leaf)
}

func (m *memTree) checkpoint(t *testing.T, n int64) protocol.Checkpoint {
	t.Helper()
	root, err := tlog.TreeHash(n, m)
	if err != nil {
		t.Fatalf("TreeHash: %v", err)
	}
	return protocol.Checkpoint{Origin: "registry.test", Length: n, Root: root, Timestamp: time.Unix(1700000000, 0).UTC()}
}

func buildTree(t *testing.T, n int) *memTree {
	t.Helper()
	m := &memTree{}
	for i := 0; i < n; i++ {
		m.add(t, []byte(fmt.Sprintf("leaf %d", i)))
	}
	return m
}

func newKey(t *testing.T, name string) (note.Signer, note.Verifier, string) {
	t.Helper()
	skey, vkey, err := note.GenerateKey(rand.Reader, name)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	s, err := note.NewSigner(skey)
	if err != nil {
		t.Fatalf("NewSigner: %v", err)
	}
	v, err := note.NewVerifier(vkey)
	if err != nil {
		t.Fatalf("NewVerifier: %v", err)
	}
	return s, v, vkey
}

func signedRecord(t *testing.T) (*protocol.Record, string) {
	t.Helper()
	s, _, vkey := newKey(t, "baz-qux")
	r := &protocol.Record{
		Package:   "baz:qux",
		Sequence:  0,
		Version:   "0.1.0",
		Content:   protocol.DigestOf([]byte("payload")),
		Timestamp: time.Date(2024, 1, 2, 3, 4, 5, 6, time.UTC),
	}
	if err := protocol.SignRecord(r, s, vkey); err != nil {
		t.Fatalf("SignRecord: %v", err)
	}
	return r, vkey
}

// ── identifiers ──────────────────────────────────────────────────────────────

func TestParsePackageID(t *testing.T) {
	id, err := protocol.ParsePackageID("  Baz:Qux-Two ")
	if err != nil {
		t.Fatalf("ParsePackageID: %v", err)
	}
	if id != "baz:qux-two" {
		t.Errorf("id = %q, want baz:qux-two", id)
	}
	if id.Namespace() != "baz" || id.Name() != "qux-two" {
		t.Errorf("halves = %q %q", id.Namespace(), id.Name())
	}

	for _, bad := range []string{"", "baz", "baz:", ":qux", "baz:qux:x", "1baz:qux", "baz:qux--x", "baz:qux-", "ba_z:qux"} {
		if _, err := protocol.ParsePackageID(bad); !errors.Is(err, protocol.ErrValidation) {
			t.Errorf("ParsePackageID(%q) err = %v, want validation error", bad, err)
		}
	}
}

func TestParseVersion(t *testing.T) {
	for _, good := range []string{"0.1.0", "1.2.3-alpha.1", "1.2.3+build.5", "v2.0.0"} {
		if _, err := protocol.ParseVersion(good); err != nil {
			t.Errorf("ParseVersion(%q): %v", good, err)
		}
	}
	for _, bad := range []string{"", "1", "1.2", "1.2.x", "01.2.3", "latest"} {
		if _, err := protocol.ParseVersion(bad); !errors.Is(err, protocol.ErrValidation) {
			t.Errorf("ParseVersion(%q) err = %v, want validation error", bad, err)
		}
	}

	v, _ := protocol.ParseVersion("v1.0.0")
	if v != "1.0.0" {
		t.Errorf("v prefix not stripped: %q", v)
	}
}

func TestVersionOrdering(t *testing.T) {
	order := []protocol.Version{"1.0.0-alpha", "1.0.0-alpha.1", "1.0.0-beta", "1.0.0", "1.0.1", "1.10.0", "2.0.0"}
	for i := 1; i < len(order); i++ {
		if order[i-1].Compare(order[i]) >= 0 {
			t.Errorf("%s should sort before %s", order[i-1], order[i])
		}
	}
	if !protocol.Version("1.0.0+a").Equal("1.0.0+b") {
		t.Error("build metadata must not affect equality")
	}
}

func TestDigest(t *testing.T) {
	d := protocol.DigestOf([]byte("hello"))
	if d != "sha256:2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824" {
		t.Errorf("DigestOf = %s", d)
	}
	if err := d.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
	if !d.Matches([]byte("hello")) || d.Matches([]byte("hellO")) {
		t.Error("Matches mismatch")
	}
	for _, bad := range []string{"2cf24dba", "sha256:xyz", "md5:" + d.Hex(), "sha256:" + d.Hex()[:10], "sha256:" + "2CF24DBA5FB0A30E26E83B2AC5B9E29E1B161E5C1FA7425E73043362938B9824"} {
		if _, err := protocol.ParseDigest(bad); err == nil {
			t.Errorf("ParseDigest(%q) succeeded", bad)
		}
	}
}

// ── records ──────────────────────────────────────────────────────────────────

func TestSignVerifyRoundTrip(t *testing.T) {
	r, vkey := signedRecord(t)
	if err := r.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if err := protocol.VerifySignature(r, vkey); err != nil {
		t.Fatalf("VerifySignature: %v", err)
	}
	if !protocol.VerifyRecordSignature(r, vkey) {
		t.Error("VerifyRecordSignature = false")
	}
}

func TestVerifySignatureRejectsTampering(t *testing.T) {
	r, vkey := signedRecord(t)

	tampered := *r
	tampered.Version = "0.1.1"
	if err := protocol.VerifySignature(&tampered, vkey); !errors.Is(err, protocol.ErrValidation) {
		t.Errorf("tampered version: err = %v", err)
	}

	flipped := *r
	flipped.Signature = append([]byte(nil), r.Signature...)
	flipped.Signature[0] ^= 1
	if protocol.VerifyRecordSignature(&flipped, vkey) {
		t.Error("flipped signature bit verified")
	}

	_, _, otherKey := newKey(t, "baz-qux")
	if protocol.VerifyRecordSignature(r, otherKey) {
		t.Error("verified under a different key")
	}
}

func TestSignRecordRejectsMismatchedKey(t *testing.T) {
	s, _, _ := newKey(t, "a")
	_, _, other := newKey(t, "a")
	r := &protocol.Record{Package: "baz:qux", Version: "1.0.0", Timestamp: time.Now()}
	if err := protocol.SignRecord(r, s, other); !errors.Is(err, protocol.ErrValidation) {
		t.Errorf("err = %v, want validation error", err)
	}
}

func TestRecordHashCoversSignature(t *testing.T) {
	r, _ := signedRecord(t)
	h := r.Hash()
	c := *r
	c.Signature = append([]byte(nil), r.Signature...)
	c.Signature[5] ^= 0x80
	if c.Hash() == h {
		t.Error("record hash did not change with the signature")
	}
}

func TestParseSignedRecord(t *testing.T) {
	r, vkey := signedRecord(t)
	leaf := r.SignedEncoding()
	got, err := protocol.ParseSignedRecord(leaf)
	if err != nil {
		t.Fatalf("ParseSignedRecord: %v", err)
	}
	if got.Hash() != r.Hash() {
		t.Errorf("hash = %s, want %s", got.Hash(), r.Hash())
	}
	if err := protocol.VerifySignature(got, vkey); err != nil {
		t.Errorf("VerifySignature after parse: %v", err)
	}

	if _, err := protocol.ParseSignedRecord(leaf[:len(leaf)-2]); err == nil {
		t.Error("truncated leaf parsed")
	}
	if _, err := protocol.ParseSignedRecord([]byte("garbage")); err == nil {
		t.Error("garbage parsed")
	}
}

func TestRecordValidateChain(t *testing.T) {
	r, _ := signedRecord(t)
	r.Sequence = 1
	if err := r.Validate(); err == nil {
		t.Error("sequence 1 without prev hash validated")
	}
	r.Sequence = 0
	r.PrevHash = protocol.RecordHash(protocol.DigestOf([]byte("x")))
	if err := r.Validate(); err == nil {
		t.Error("sequence 0 with prev hash validated")
	}
}

// ── checkpoints ──────────────────────────────────────────────────────────────

func TestCheckpointSignOpen(t *testing.T) {
	s, v, _ := newKey(t, "registry.test")
	m := buildTree(t, 5)
	cp := m.checkpoint(t, 5)

	signed, err := protocol.SignCheckpoint(cp, s)
	if err != nil {
		t.Fatalf("SignCheckpoint: %v", err)
	}
	got, err := protocol.OpenCheckpoint([]byte(signed.Note), v)
	if err != nil {
		t.Fatalf("OpenCheckpoint: %v", err)
	}
	if got.Checkpoint.Length != 5 || got.Checkpoint.Root != cp.Root || !got.Checkpoint.Timestamp.Equal(cp.Timestamp) {
		t.Errorf("checkpoint = %+v, want %+v", got.Checkpoint, cp)
	}

	_, otherV, _ := newKey(t, "registry.test")
	if _, err := protocol.OpenCheckpoint([]byte(signed.Note), otherV); err == nil {
		t.Error("checkpoint opened under a different key")
	}

	forged := []byte(signed.Note)
	forged[len("wit-registry checkpoint\nregistry.test\n")] = '9'
	if _, err := protocol.OpenCheckpoint(forged, v); err == nil {
		t.Error("forged checkpoint opened")
	}
}

// ── inclusion proofs ─────────────────────────────────────────────────────────

func TestVerifyInclusionGenuine(t *testing.T) {
	for _, size := range []int{1, 2, 3, 7, 8, 13} {
		m := buildTree(t, size)
		cp := m.checkpoint(t, int64(size))
		for i := 0; i < size; i++ {
			p, err := tlog.ProveRecord(int64(size), int64(i), m)
			if err != nil {
				t.Fatalf("ProveRecord: %v", err)
			}
			proof := protocol.InclusionProof{Index: int64(i), TreeSize: int64(size), Hashes: p}
			if err := protocol.VerifyInclusion(m.leaves[i], proof, cp); err != nil {
				t.Errorf("size %d leaf %d: %v", size, i, err)
			}
		}
	}
}

func TestVerifyInclusionSingleBitMutations(t *testing.T) {
	const size = 11
	m := buildTree(t, size)
	cp := m.checkpoint(t, size)
	idx := int64(6)
	p, err := tlog.ProveRecord(size, idx, m)
	if err != nil {
		t.Fatalf("ProveRecord: %v", err)
	}
	good := protocol.InclusionProof{Index: idx, TreeSize: size, Hashes: p}

	// Flip every bit of the leaf.
	leaf := m.leaves[idx]
	for bit := 0; bit < len(leaf)*8; bit++ {
		mut := append([]byte(nil), leaf...)
		mut[bit/8] ^= 1 << (bit % 8)
		if err := protocol.VerifyInclusion(mut, good, cp); !errors.Is(err, protocol.ErrHashMismatch) {
			t.Fatalf("leaf bit %d: err = %v, want hash mismatch", bit, err)
		}
	}

	// Flip every bit of every proof hash.
	for h := range p {
		for bit := 0; bit < 256; bit++ {
			mut := good
			mut.Hashes = append([]tlog.Hash(nil), p...)
			mut.Hashes[h][bit/8] ^= 1 << (bit % 8)
			if err := protocol.VerifyInclusion(leaf, mut, cp); !errors.Is(err, protocol.ErrHashMismatch) {
				t.Fatalf("proof hash %d bit %d: err = %v", h, bit, err)
			}
		}
	}

	// Flip every bit of the root.
	for bit := 0; bit < 256; bit++ {
		mcp := cp
		mcp.Root[bit/8] ^= 1 << (bit % 8)
		if err := protocol.VerifyInclusion(leaf, good, mcp); !errors.Is(err, protocol.ErrHashMismatch) {
			t.Fatalf("root bit %d: err = %v", bit, err)
		}
	}

	// Wrong index for the same proof.
	wrong := good
	wrong.Index = idx + 1
	if err := protocol.VerifyInclusion(leaf, wrong, cp); err == nil {
		t.Error("wrong index verified")
	}
}

func TestVerifyInclusionMalformed(t *testing.T) {
	const size = 9
	m := buildTree(t, size)
	cp := m.checkpoint(t, size)
	p, _ := tlog.ProveRecord(size, 3, m)

	cases := map[string]protocol.InclusionProof{
		"truncated":     {Index: 3, TreeSize: size, Hashes: p[:len(p)-1]},
		"padded":        {Index: 3, TreeSize: size, Hashes: append(append([]tlog.Hash(nil), p...), tlog.Hash{})},
		"empty":         {Index: 3, TreeSize: size},
		"negative":      {Index: -1, TreeSize: size, Hashes: p},
		"out of range":  {Index: size, TreeSize: size, Hashes: p},
		"size mismatch": {Index: 3, TreeSize: size + 1, Hashes: p},
	}
	for name, proof := range cases {
		if err := protocol.VerifyInclusion(m.leaves[3], proof, cp); !errors.Is(err, protocol.ErrMalformedProof) {
			t.Errorf("%s: err = %v, want malformed proof", name, err)
		}
	}

	empty := protocol.Checkpoint{}
	if err := protocol.VerifyInclusion([]byte("x"), protocol.InclusionProof{}, empty); !errors.Is(err, protocol.ErrMalformedProof) {
		t.Errorf("empty tree: err = %v", err)
	}
}

// ── consistency proofs ───────────────────────────────────────────────────────

func TestVerifyConsistencyGenuine(t *testing.T) {
	const size = 14
	m := buildTree(t, size)
	for n := int64(1); n <= size; n++ {
		for k := n; k <= size; k++ {
			p, err := tlog.ProveTree(k, n, m)
			if err != nil {
				t.Fatalf("ProveTree(%d, %d): %v", k, n, err)
			}
			proof := protocol.ConsistencyProof{OldSize: n, NewSize: k, Hashes: p}
			if err := protocol.VerifyConsistency(m.checkpoint(t, n), m.checkpoint(t, k), proof); err != nil {
				t.Errorf("%d -> %d: %v", n, k, err)
			}
		}
	}
}

func TestVerifyConsistencyFromEmpty(t *testing.T) {
	m := buildTree(t, 4)
	proof := protocol.ConsistencyProof{OldSize: 0, NewSize: 4}
	if err := protocol.VerifyConsistency(protocol.Checkpoint{}, m.checkpoint(t, 4), proof); err != nil {
		t.Errorf("from empty: %v", err)
	}
}

func TestVerifyConsistencySingleBitMutations(t *testing.T) {
	const size = 13
	m := buildTree(t, size)
	older := m.checkpoint(t, 6)
	newer := m.checkpoint(t, size)
	p, err := tlog.ProveTree(size, 6, m)
	if err != nil {
		t.Fatalf("ProveTree: %v", err)
	}
	good := protocol.ConsistencyProof{OldSize: 6, NewSize: size, Hashes: p}

	for h := range p {
		for bit := 0; bit < 256; bit++ {
			mut := good
			mut.Hashes = append([]tlog.Hash(nil), p...)
			mut.Hashes[h][bit/8] ^= 1 << (bit % 8)
			if err := protocol.VerifyConsistency(older, newer, mut); !errors.Is(err, protocol.ErrHashMismatch) {
				t.Fatalf("proof hash %d bit %d: err = %v", h, bit, err)
			}
		}
	}
	for bit := 0; bit < 256; bit++ {
		o := older
		o.Root[bit/8] ^= 1 << (bit % 8)
		if err := protocol.VerifyConsistency(o, newer, good); !errors.Is(err, protocol.ErrHashMismatch) {
			t.Fatalf("old root bit %d: err = %v", bit, err)
		}
		n := newer
		n.Root[bit/8] ^= 1 << (bit % 8)
		if err := protocol.VerifyConsistency(older, n, good); !errors.Is(err, protocol.ErrHashMismatch) {
			t.Fatalf("new root bit %d: err = %v", bit, err)
		}
	}
}

func TestVerifyConsistencyForkedHistory(t *testing.T) {
	honest := buildTree(t, 8)
	forked := &memTree{}
	for i := 0; i < 8; i++ {
		leaf := []byte(fmt.Sprintf("leaf %d", i))
		if i == 2 {
			leaf = []byte("rewritten")
		}
		forked.add(t, leaf)
	}
	p, _ := tlog.ProveTree(8, 5, forked)
	proof := protocol.ConsistencyProof{OldSize: 5, NewSize: 8, Hashes: p}
	err := protocol.VerifyConsistency(honest.checkpoint(t, 5), forked.checkpoint(t, 8), proof)
	if !errors.Is(err, protocol.ErrHashMismatch) {
		t.Errorf("forked history: err = %v, want hash mismatch", err)
	}
}

func TestVerifyConsistencyMalformedAndRegression(t *testing.T) {
	m := buildTree(t, 10)
	older, newer := m.checkpoint(t, 3), m.checkpoint(t, 10)
	p, _ := tlog.ProveTree(10, 3, m)

	if err := protocol.VerifyConsistency(newer, older, protocol.ConsistencyProof{OldSize: 10, NewSize: 3}); !errors.Is(err, protocol.ErrLengthRegression) {
		t.Errorf("regression: err = %v", err)
	}

	var perr *protocol.ProofError
	err := protocol.VerifyConsistency(older, newer, protocol.ConsistencyProof{OldSize: 3, NewSize: 10, Hashes: p[:1]})
	if !errors.As(err, &perr) || perr.Reason != protocol.MalformedProof {
		t.Errorf("truncated: err = %v", err)
	}
	err = protocol.VerifyConsistency(older, newer, protocol.ConsistencyProof{OldSize: 4, NewSize: 10, Hashes: p})
	if !errors.Is(err, protocol.ErrMalformedProof) {
		t.Errorf("size mismatch: err = %v", err)
	}

	same := m.checkpoint(t, 10)
	same.Root[0] ^= 1
	if err := protocol.VerifyConsistency(newer, same, protocol.ConsistencyProof{OldSize: 10, NewSize: 10}); !errors.Is(err, protocol.ErrHashMismatch) {
		t.Errorf("equal length, different roots: err = %v", err)
	}
}

// ── package map ──────────────────────────────────────────────────────────────

func mapCheckpoint(t *testing.T, ids ...protocol.PackageID) (*protocol.PackageMap, protocol.Checkpoint) {
	t.Helper()
	heads := make([]protocol.PackageHead, len(ids))
	for i, id := range ids {
		heads[i] = protocol.PackageHead{
			Package:  id,
			Sequence: uint64(i),
			Index:    int64(i),
			Hash:     protocol.HashSignedEncoding([]byte(id)),
		}
	}
	m, err := protocol.NewPackageMap(heads)
	if err != nil {
		t.Fatalf("NewPackageMap: %v", err)
	}
	root, err := m.Root()
	if err != nil {
		t.Fatalf("Root: %v", err)
	}
	return m, protocol.Checkpoint{Origin: "registry.test", Length: 10, Packages: m.Size(), PackageRoot: root}
}

func TestPackageMapMembershipAndAbsence(t *testing.T) {
	// Unsorted input; the map orders it.
	m, cp := mapCheckpoint(t, "foo:bar", "baz:qux", "wasi:http")

	for _, id := range []protocol.PackageID{"baz:qux", "foo:bar", "wasi:http"} {
		p, err := m.Prove(id)
		if err != nil {
			t.Fatalf("Prove(%s): %v", id, err)
		}
		head, err := protocol.VerifyHeadProof(id, p, cp)
		if err != nil || head == nil || head.Package != id {
			t.Errorf("%s: head=%+v err=%v", id, head, err)
		}
	}

	// Before the first, between two, after the last.
	for _, id := range []protocol.PackageID{"abc:def", "baz:zzz", "zed:one"} {
		p, err := m.Prove(id)
		if err != nil {
			t.Fatalf("Prove(%s): %v", id, err)
		}
		head, err := protocol.VerifyHeadProof(id, p, cp)
		if err != nil || head != nil {
			t.Errorf("%s: head=%+v err=%v, want a proven absence", id, head, err)
		}
	}

	empty, emptyCP := mapCheckpoint(t)
	p, _ := empty.Prove("baz:qux")
	if head, err := protocol.VerifyHeadProof("baz:qux", p, emptyCP); err != nil || head != nil {
		t.Errorf("empty map: head=%+v err=%v", head, err)
	}
}

func TestPackageMapRejectsForgedProofs(t *testing.T) {
	m, cp := mapCheckpoint(t, "baz:qux", "foo:bar", "wasi:http")

	if _, err := protocol.VerifyHeadProof("foo:bar", nil, cp); !errors.Is(err, protocol.ErrMalformedProof) {
		t.Errorf("missing proof: err = %v", err)
	}
	if _, err := protocol.VerifyHeadProof("foo:bar", &protocol.HeadProof{}, cp); !errors.Is(err, protocol.ErrMalformedProof) {
		t.Errorf("bare absence claim: err = %v", err)
	}

	// A member claimed absent by skipping over it.
	first, _ := m.Prove("baz:qux")
	last, _ := m.Prove("wasi:http")
	skip := &protocol.HeadProof{Before: first.Present, After: last.Present}
	if _, err := protocol.VerifyHeadProof("foo:bar", skip, cp); !errors.Is(err, protocol.ErrMalformedProof) {
		t.Errorf("non-adjacent neighbours: err = %v", err)
	}

	// A stale head for a member.
	p, _ := m.Prove("foo:bar")
	p.Present.Head.Sequence--
	if _, err := protocol.VerifyHeadProof("foo:bar", p, cp); !errors.Is(err, protocol.ErrHashMismatch) {
		t.Errorf("altered head: err = %v", err)
	}

	// Another package's membership proof.
	p, _ = m.Prove("baz:qux")
	if _, err := protocol.VerifyHeadProof("foo:bar", p, cp); !errors.Is(err, protocol.ErrMalformedProof) {
		t.Errorf("wrong package: err = %v", err)
	}

	if _, err := protocol.NewPackageMap([]protocol.PackageHead{{Package: "baz:qux"}, {Package: "baz:qux"}}); err == nil {
		t.Error("duplicate package accepted")
	}
}
