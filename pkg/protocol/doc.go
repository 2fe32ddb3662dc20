// Package protocol defines the wire and hashing model shared by the registry
// and its clients: package identifiers, versions, content digests, signed
// records, signed checkpoints, and inclusion/consistency proofs.
//
// Two integrity layers are kept independent:
//
//   - content: a Digest is the SHA-256 of the opaque package payload.
//   - history: each Record names the RecordHash of its predecessor, and every
//     signed record is a leaf of the registry's RFC 6962 Merkle tree whose
//     root is published in a signed Checkpoint.
//
// Merkle hashing and proof checking use golang.org/x/mod/sumdb/tlog; record
// and checkpoint signatures use golang.org/x/mod/sumdb/note keys.
//
// Verification functions never panic on hostile input. They return nil on
// success or an error that matches ErrHashMismatch, ErrMalformedProof or
// ErrLengthRegression via errors.Is.
package protocol
