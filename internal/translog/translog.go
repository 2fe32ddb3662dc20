// Package translog implements the registry's verifiable log: an append-only
// RFC 6962 Merkle tree whose leaves are signed package records.
//
// Every appended record gets a stable global leaf index. The registry
// periodically signs a checkpoint (length, root, timestamp) and serves
// inclusion and consistency proofs against any checkpointed size.
//
// Two implementations of the Store interface are provided:
//   - MemoryStore: in-process, for testing and development.
//   - PostgresStore: durable, for production use.
package translog
