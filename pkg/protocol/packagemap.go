package protocol

import (
	"fmt"
	"sort"

	"golang.org/x/mod/sumdb/tlog"
)

const packageHeadHeader = "wit-package-head v1"

// PackageHead is one package's leaf in the package map: its highest
// sequence, that record's hash and its leaf index in the log.
type PackageHead struct {
	Package  PackageID  `json:"package"`
	Sequence uint64     `json:"sequence"`
	Index    int64      `json:"index"`
	Hash     RecordHash `json:"hash"`
}

// Encoding is the map leaf hashed into the package root.
func (h PackageHead) Encoding() []byte {
	return []byte(fmt.Sprintf("%s\npackage %s\nsequence %d\nindex %d\nhash %s\n",
		packageHeadHeader, h.Package, h.Sequence, h.Index, h.Hash))
}

// MapLeafProof places a PackageHead at Position in the package map.
type MapLeafProof struct {
	Position int64       `json:"position"`
	Head     PackageHead `json:"head"`
	Hashes   []tlog.Hash `json:"hashes"`
}

// HeadProof answers "what is the head of package P" against a checkpoint.
// Present is set when P is in the map. Otherwise Before and After are the
// adjacent map leaves that bracket P; either is nil at the edge of the map,
// and both are nil only for an empty map.
type HeadProof struct {
	Present *MapLeafProof `json:"present,omitempty"`
	Before  *MapLeafProof `json:"before,omitempty"`
	After   *MapLeafProof `json:"after,omitempty"`
}

// PackageMap is the package heads at one tree size, sorted by package and
// hashed as a tlog tree.
type PackageMap struct {
	heads  []PackageHead
	hashes []tlog.Hash
}

// NewPackageMap builds the map over heads. Each package may appear once.
func NewPackageMap(heads []PackageHead) (*PackageMap, error) {
	sorted := append([]PackageHead(nil), heads...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Package < sorted[j].Package })
	m := &PackageMap{heads: sorted}
	for i, h := range sorted {
		if i > 0 && sorted[i-1].Package == h.Package {
			return nil, fmt.Errorf("package `%s` has two heads", h.Package)
		}
		hs, err := tlog.StoredHashes(int64(i), h.Encoding(), m)
		if err != nil {
			return nil, fmt.Errorf("hash package head: %w", err)
		}
		m.hashes = append(m.hashes, hs...)
	}
	return m, nil
}

// ReadHashes implements tlog.HashReader.
func (m *PackageMap) ReadHashes(indexes []int64) ([]tlog.Hash, error) {
	out := make([]tlog.Hash, len(indexes))
	for i, x := range indexes {
		if x < 0 || x >= int64(len(m.hashes)) {
			return nil, fmt.Errorf("package map hash %d out of range", x)
		}
		out[i] = m.hashes[x]
	}
	return out, nil
}

// Size is the number of packages in the map.
func (m *PackageMap) Size() int64 { return int64(len(m.heads)) }

// Heads returns the map leaves in order.
func (m *PackageMap) Heads() []PackageHead { return m.heads }

// Root returns the package root committed to by a checkpoint.
func (m *PackageMap) Root() (tlog.Hash, error) {
	return tlog.TreeHash(m.Size(), m)
}

// Prove returns a HeadProof for id.
func (m *PackageMap) Prove(id PackageID) (*HeadProof, error) {
	n := len(m.heads)
	i := sort.Search(n, func(i int) bool { return m.heads[i].Package >= id })
	if i < n && m.heads[i].Package == id {
		leaf, err := m.proveLeaf(i)
		if err != nil {
			return nil, err
		}
		return &HeadProof{Present: leaf}, nil
	}
	p := &HeadProof{}
	if i > 0 {
		leaf, err := m.proveLeaf(i - 1)
		if err != nil {
			return nil, err
		}
		p.Before = leaf
	}
	if i < n {
		leaf, err := m.proveLeaf(i)
		if err != nil {
			return nil, err
		}
		p.After = leaf
	}
	return p, nil
}

func (m *PackageMap) proveLeaf(i int) (*MapLeafProof, error) {
	hashes, err := tlog.ProveRecord(m.Size(), int64(i), m)
	if err != nil {
		return nil, fmt.Errorf("prove package head: %w", err)
	}
	return &MapLeafProof{Position: int64(i), Head: m.heads[i], Hashes: hashes}, nil
}

// VerifyHeadProof checks p against the package map committed to by cp and
// returns the head of id, or nil when cp proves id has no records.
func VerifyHeadProof(id PackageID, p *HeadProof, cp Checkpoint) (*PackageHead, error) {
	if p == nil {
		return nil, proofErrorf(MalformedProof, "no package head proof for `%s`", id)
	}
	if p.Present != nil {
		if p.Before != nil || p.After != nil {
			return nil, proofErrorf(MalformedProof, "head proof is both a membership and an absence proof")
		}
		if err := verifyMapLeaf(p.Present, cp); err != nil {
			return nil, err
		}
		if p.Present.Head.Package != id {
			return nil, proofErrorf(MalformedProof, "head proof is for package `%s`", p.Present.Head.Package)
		}
		h := p.Present.Head
		return &h, nil
	}

	if cp.Packages == 0 {
		if p.Before != nil || p.After != nil {
			return nil, proofErrorf(MalformedProof, "absence proof against an empty package map has neighbours")
		}
		return nil, nil
	}
	if p.Before == nil && p.After == nil {
		return nil, proofErrorf(MalformedProof, "absence proof for `%s` names no neighbours", id)
	}
	if p.Before != nil {
		if err := verifyMapLeaf(p.Before, cp); err != nil {
			return nil, err
		}
		if p.Before.Head.Package >= id {
			return nil, proofErrorf(MalformedProof, "package `%s` does not sort before `%s`", p.Before.Head.Package, id)
		}
	}
	if p.After != nil {
		if err := verifyMapLeaf(p.After, cp); err != nil {
			return nil, err
		}
		if p.After.Head.Package <= id {
			return nil, proofErrorf(MalformedProof, "package `%s` does not sort after `%s`", p.After.Head.Package, id)
		}
	}
	switch {
	case p.Before == nil && p.After.Position != 0:
		return nil, proofErrorf(MalformedProof, "absence proof skips map positions before %d", p.After.Position)
	case p.After == nil && p.Before.Position != cp.Packages-1:
		return nil, proofErrorf(MalformedProof, "absence proof skips map positions after %d", p.Before.Position)
	case p.Before != nil && p.After != nil && p.After.Position != p.Before.Position+1:
		return nil, proofErrorf(MalformedProof, "map positions %d and %d are not adjacent", p.Before.Position, p.After.Position)
	}
	return nil, nil
}

func verifyMapLeaf(l *MapLeafProof, cp Checkpoint) error {
	if l.Position < 0 || l.Position >= cp.Packages {
		return proofErrorf(MalformedProof, "map position %d is outside a map of %d packages", l.Position, cp.Packages)
	}
	if l.Head.Index < 0 || l.Head.Index >= cp.Length {
		return proofErrorf(MalformedProof, "head index %d is outside a tree of size %d", l.Head.Index, cp.Length)
	}
	if want := recordProofLen(l.Position, cp.Packages); len(l.Hashes) != want {
		return proofErrorf(MalformedProof, "map proof has %d hashes, want %d", len(l.Hashes), want)
	}
	if err := tlog.CheckRecord(tlog.RecordProof(l.Hashes), cp.Packages, cp.PackageRoot, l.Position, tlog.RecordHash(l.Head.Encoding())); err != nil {
		return proofErrorf(HashMismatch, "head of `%s` does not hash to the package root", l.Head.Package)
	}
	return nil
}
