// Package client is the Go SDK for the WIT package registry HTTP API.
//
// It is a thin transport: every method maps to one endpoint and returns the
// registry's answer unverified. Verification of checkpoints, proofs,
// signatures and content digests belongs to the caller (see the syncer
// package for the client sync engine).
//
// # Errors
//
// Non-2xx responses are mapped back to the typed errors of the protocol
// package, so callers can branch with errors.Is:
//
//	400 → protocol.ErrValidation
//	404 → protocol.ErrNotFound
//	409 → protocol.ErrConflict
//	422 → protocol.ErrRejected
//	5xx and network failures → protocol.ErrTransport
//
// The client never retries on its own.
//
// # Example
//
//	c, err := client.New("https://registry.example.com")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	note, err := c.Checkpoint(ctx)
package client
