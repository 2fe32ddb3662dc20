package protocol

import (
	"golang.org/x/mod/sumdb/tlog"
)

// VerifyInclusion checks that leaf is at proof.Index in the tree committed to
// by cp.
func VerifyInclusion(leaf []byte, proof InclusionProof, cp Checkpoint) error {
	if proof.TreeSize != cp.Length {
		return proofErrorf(MalformedProof, "proof is for tree size %d, checkpoint has length %d", proof.TreeSize, cp.Length)
	}
	if cp.Length <= 0 || proof.Index < 0 || proof.Index >= cp.Length {
		return proofErrorf(MalformedProof, "index %d is outside a tree of size %d", proof.Index, cp.Length)
	}
	if want := recordProofLen(proof.Index, cp.Length); len(proof.Hashes) != want {
		return proofErrorf(MalformedProof, "inclusion proof has %d hashes, want %d", len(proof.Hashes), want)
	}
	if err := tlog.CheckRecord(tlog.RecordProof(proof.Hashes), cp.Length, cp.Root, proof.Index, tlog.RecordHash(leaf)); err != nil {
		return proofErrorf(HashMismatch, "leaf %d does not hash to root of tree size %d", proof.Index, cp.Length)
	}
	return nil
}

// VerifyConsistency checks that older is a prefix of newer.
func VerifyConsistency(older, newer Checkpoint, proof ConsistencyProof) error {
	if newer.Length < older.Length {
		return proofErrorf(LengthRegression, "checkpoint length went from %d to %d", older.Length, newer.Length)
	}
	if older.Length < 0 {
		return proofErrorf(MalformedProof, "negative checkpoint length %d", older.Length)
	}
	if proof.OldSize != older.Length || proof.NewSize != newer.Length {
		return proofErrorf(MalformedProof, "proof is for sizes %d..%d, checkpoints are %d..%d",
			proof.OldSize, proof.NewSize, older.Length, newer.Length)
	}
	if older.Length == 0 {
		if len(proof.Hashes) != 0 {
			return proofErrorf(MalformedProof, "consistency proof from an empty tree must be empty")
		}
		if older.Root != (tlog.Hash{}) {
			return proofErrorf(HashMismatch, "empty tree has a non-zero root")
		}
		return nil
	}
	if older.Length == newer.Length {
		if len(proof.Hashes) != 0 {
			return proofErrorf(MalformedProof, "consistency proof between equal sizes must be empty")
		}
		if older.Root != newer.Root {
			return proofErrorf(HashMismatch, "checkpoints of length %d have different roots", older.Length)
		}
		return nil
	}
	if want := treeProofLen(0, newer.Length, older.Length); len(proof.Hashes) != want {
		return proofErrorf(MalformedProof, "consistency proof has %d hashes, want %d", len(proof.Hashes), want)
	}
	if err := tlog.CheckTree(tlog.TreeProof(proof.Hashes), newer.Length, newer.Root, older.Length, older.Root); err != nil {
		return proofErrorf(HashMismatch, "tree of size %d is not a prefix of tree of size %d", older.Length, newer.Length)
	}
	return nil
}

// maxpow2 returns the largest power of two strictly less than n, for n > 1.
func maxpow2(n int64) int64 {
	k := int64(1)
	for k<<1 < n {
		k <<= 1
	}
	return k
}

// recordProofLen is the number of hashes in an inclusion proof for leaf n in
// a tree of size t.
func recordProofLen(n, t int64) int {
	count := 0
	lo, hi := int64(0), t
	for hi-lo > 1 {
		k := maxpow2(hi - lo)
		if n < lo+k {
			hi = lo + k
		} else {
			lo += k
		}
		count++
	}
	return count
}

// treeProofLen is the number of hashes in a consistency proof from size n to
// the subtree [lo, hi).
func treeProofLen(lo, hi, n int64) int {
	if n == hi {
		if lo == 0 {
			return 0
		}
		return 1
	}
	k := maxpow2(hi - lo)
	if n <= lo+k {
		return treeProofLen(lo, lo+k, n) + 1
	}
	return treeProofLen(lo+k, hi, n) + 1
}
