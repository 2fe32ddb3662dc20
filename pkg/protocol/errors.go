package protocol

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Sentinel errors. Typed errors below match these via errors.Is so callers
// can branch on the category without caring about the concrete type.
var (
	ErrValidation           = errors.New("validation failed")
	ErrNotFound             = errors.New("not found")
	ErrConflict             = errors.New("conflict")
	ErrRejected             = errors.New("rejected by registry")
	ErrConsistencyViolation = errors.New("consistency violation")
	ErrTimeout              = errors.New("timed out")
	ErrTransport            = errors.New("transport error")

	ErrHashMismatch     = errors.New("hash mismatch")
	ErrMalformedProof   = errors.New("malformed proof")
	ErrLengthRegression = errors.New("length regression")
)

// ValidationError reports a malformed id, version, digest or signature.
// Validation errors are produced locally and never sent to the registry.
type ValidationError struct {
	Field string
	Msg   string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Msg
	}
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Msg)
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// NotFoundError is returned when a package or version is absent.
type NotFoundError struct {
	What string // e.g. "package `baz:qux`"
}

func (e *NotFoundError) Error() string { return e.What + " does not exist" }

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

// ConflictError is returned when another publisher advanced the package's
// sequence first.
type ConflictError struct {
	Package  PackageID
	Sequence uint64
	Msg      string
}

func (e *ConflictError) Error() string {
	msg := fmt.Sprintf("sequence %d of package `%s` was already claimed by another publisher", e.Sequence, e.Package)
	if e.Msg != "" {
		msg += ": " + e.Msg
	}
	return msg
}

func (e *ConflictError) Is(target error) bool { return target == ErrConflict }

// RejectedError is a registry-side validation failure such as a duplicate
// version or missing content.
type RejectedError struct {
	Reason string
}

func (e *RejectedError) Error() string { return "registry rejected record: " + e.Reason }

func (e *RejectedError) Is(target error) bool { return target == ErrRejected }

// ConsistencyViolation is a failed integrity check against registry data.
// It is a possible compromise indicator and must not be retried against the
// same claimed checkpoint.
type ConsistencyViolation struct {
	OldLength int64
	NewLength int64
	Package   PackageID // empty when the failure concerns the checkpoints themselves
	Entry     int64     // diverging leaf index, -1 when not applicable
	Err       error
}

func (e *ConsistencyViolation) Error() string {
	msg := fmt.Sprintf("consistency violation between checkpoint length %d and %d", e.OldLength, e.NewLength)
	if e.Package != "" {
		msg += fmt.Sprintf(" in package `%s`", e.Package)
	}
	if e.Entry >= 0 {
		msg += fmt.Sprintf(" at entry %d", e.Entry)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ConsistencyViolation) Unwrap() error { return e.Err }

func (e *ConsistencyViolation) Is(target error) bool { return target == ErrConsistencyViolation }

// TimeoutError is returned when the bounded wait for inclusion is exceeded.
// It does not imply the registry discarded the submission.
type TimeoutError struct {
	Token  string
	Waited time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("submission %s was not included after %s; run a sync later to check again", e.Token, e.Waited)
}

func (e *TimeoutError) Is(target error) bool { return target == ErrTimeout }

// TransportError wraps network-level and unexpected server failures.
type TransportError struct {
	Op         string
	StatusCode int // 0 when no response was received
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: server error %d: %v", e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

func (e *TransportError) Is(target error) bool { return target == ErrTransport }

// ProofFailure tags why a proof check failed.
type ProofFailure string

const (
	HashMismatch     ProofFailure = "HashMismatch"
	MalformedProof   ProofFailure = "MalformedProof"
	LengthRegression ProofFailure = "LengthRegression"
)

// ProofError is returned by VerifyInclusion and VerifyConsistency.
type ProofError struct {
	Reason ProofFailure
	Msg    string
}

func (e *ProofError) Error() string { return string(e.Reason) + ": " + e.Msg }

func (e *ProofError) Is(target error) bool {
	switch e.Reason {
	case HashMismatch:
		return target == ErrHashMismatch
	case MalformedProof:
		return target == ErrMalformedProof
	case LengthRegression:
		return target == ErrLengthRegression
	}
	return false
}

func proofErrorf(reason ProofFailure, format string, args ...any) error {
	return &ProofError{Reason: reason, Msg: fmt.Sprintf(format, args...)}
}

// ErrorFromStatus rebuilds a typed error from an HTTP status and the error
// message the registry sent with it.
func ErrorFromStatus(op string, status int, msg string) error {
	switch status {
	case 400:
		return &ValidationError{Msg: msg}
	case 404:
		return &NotFoundError{What: strings.TrimSuffix(msg, " does not exist")}
	case 409:
		return &ConflictError{Msg: msg}
	case 422:
		return &RejectedError{Reason: strings.TrimPrefix(msg, "registry rejected record: ")}
	default:
		return &TransportError{Op: op, StatusCode: status, Err: errors.New(msg)}
	}
}
