package protocol

import (
	"bytes"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"golang.org/x/mod/sumdb/note"
)

const (
	recordHeader = "wit-record v1"
	noPrev       = "none"
)

// RecordHash identifies a signed record. It is the SHA-256 of the signed
// encoding, formatted like a Digest. The zero value is the "no predecessor"
// sentinel used by sequence 0.
type RecordHash string

func (h RecordHash) IsZero() bool { return h == "" }

func (h RecordHash) String() string {
	if h == "" {
		return noPrev
	}
	return string(h)
}

// Record is one signed, append-only entry in a package's history.
type Record struct {
	Package   PackageID  `json:"package"`
	Sequence  uint64     `json:"sequence"`
	PrevHash  RecordHash `json:"prev_hash,omitempty"`
	Version   Version    `json:"version"`
	Content   Digest     `json:"content"`
	Timestamp time.Time  `json:"timestamp"`
	PublicKey string     `json:"public_key"`
	Signature []byte     `json:"signature"`
}

// LogEntry is a record placed in the registry log at a global leaf index.
type LogEntry struct {
	Index  int64  `json:"index"`
	Record Record `json:"record"`
}

// CanonicalEncoding returns the bytes covered by the publisher signature.
// The layout is fixed: one "key value" pair per line in a fixed order.
func (r *Record) CanonicalEncoding() []byte {
	var b bytes.Buffer
	fmt.Fprintf(&b, "%s\n", recordHeader)
	fmt.Fprintf(&b, "package %s\n", r.Package)
	fmt.Fprintf(&b, "sequence %d\n", r.Sequence)
	fmt.Fprintf(&b, "prev %s\n", r.PrevHash)
	fmt.Fprintf(&b, "version %s\n", r.Version)
	fmt.Fprintf(&b, "content %s\n", r.Content)
	fmt.Fprintf(&b, "timestamp %s\n", r.Timestamp.UTC().Format(time.RFC3339Nano))
	fmt.Fprintf(&b, "key %s\n", r.PublicKey)
	return b.Bytes()
}

// SignedEncoding is the canonical encoding followed by the signature line.
// It is the Merkle leaf for the record.
func (r *Record) SignedEncoding() []byte {
	b := r.CanonicalEncoding()
	b = append(b, "signature "...)
	b = append(b, base64.StdEncoding.EncodeToString(r.Signature)...)
	return append(b, '\n')
}

// Hash returns the record hash over the canonical encoding and signature.
func (r *Record) Hash() RecordHash { return HashSignedEncoding(r.SignedEncoding()) }

// HashSignedEncoding returns the hash of a record from its signed encoding.
func HashSignedEncoding(data []byte) RecordHash {
	sum := sha256.Sum256(data)
	return RecordHash(digestPrefix + hex.EncodeToString(sum[:]))
}

// Validate checks every field for well-formedness. It does not check the
// signature.
func (r *Record) Validate() error {
	if err := r.Package.Validate(); err != nil {
		return err
	}
	if err := r.Version.Validate(); err != nil {
		return err
	}
	if err := r.Content.Validate(); err != nil {
		return err
	}
	if r.Sequence == 0 && !r.PrevHash.IsZero() {
		return &ValidationError{Field: "record", Msg: "sequence 0 must not name a previous record"}
	}
	if r.Sequence > 0 {
		if err := Digest(r.PrevHash).Validate(); err != nil {
			return &ValidationError{Field: "record", Msg: fmt.Sprintf("sequence %d must name its previous record: %v", r.Sequence, err)}
		}
	}
	if r.Timestamp.IsZero() {
		return &ValidationError{Field: "record", Msg: "timestamp is missing"}
	}
	if _, err := note.NewVerifier(r.PublicKey); err != nil {
		return &ValidationError{Field: "public key", Msg: err.Error()}
	}
	if len(r.Signature) == 0 {
		return &ValidationError{Field: "signature", Msg: "record is not signed"}
	}
	return nil
}

// SignRecord fills in r.PublicKey from verifierKey and signs the canonical
// encoding with signer. The verifier key must belong to signer.
func SignRecord(r *Record, signer note.Signer, verifierKey string) error {
	v, err := note.NewVerifier(verifierKey)
	if err != nil {
		return &ValidationError{Field: "public key", Msg: err.Error()}
	}
	if v.Name() != signer.Name() || v.KeyHash() != signer.KeyHash() {
		return &ValidationError{Field: "public key", Msg: "verifier key does not match the signing key"}
	}
	r.Timestamp = r.Timestamp.UTC()
	r.PublicKey = verifierKey
	sig, err := signer.Sign(r.CanonicalEncoding())
	if err != nil {
		return fmt.Errorf("sign record: %w", err)
	}
	r.Signature = sig
	return nil
}

// VerifySignature checks r's signature against publicKey. It returns nil on
// success and a ValidationError otherwise.
func VerifySignature(r *Record, publicKey string) error {
	v, err := note.NewVerifier(publicKey)
	if err != nil {
		return &ValidationError{Field: "public key", Msg: err.Error()}
	}
	if r.PublicKey != publicKey {
		return &ValidationError{Field: "signature", Msg: fmt.Sprintf("record %d of `%s` is signed by a different key", r.Sequence, r.Package)}
	}
	if !v.Verify(r.CanonicalEncoding(), r.Signature) {
		return &ValidationError{Field: "signature", Msg: fmt.Sprintf("record %d of `%s` has an invalid signature", r.Sequence, r.Package)}
	}
	return nil
}

// VerifyRecordSignature is the boolean form of VerifySignature.
func VerifyRecordSignature(r *Record, publicKey string) bool {
	return VerifySignature(r, publicKey) == nil
}

// ParseSignedRecord decodes a leaf produced by SignedEncoding. The result
// re-encodes to exactly the same bytes.
func ParseSignedRecord(data []byte) (*Record, error) {
	lines := strings.Split(string(data), "\n")
	if len(lines) != 10 || lines[9] != "" || lines[0] != recordHeader {
		return nil, &ValidationError{Field: "record", Msg: "malformed signed encoding"}
	}
	fields := make(map[string]string, 8)
	order := []string{"package", "sequence", "prev", "version", "content", "timestamp", "key", "signature"}
	for i, want := range order {
		k, v, ok := strings.Cut(lines[i+1], " ")
		if !ok || k != want {
			return nil, &ValidationError{Field: "record", Msg: fmt.Sprintf("malformed signed encoding: expected %q on line %d", want, i+2)}
		}
		fields[k] = v
	}

	seq, err := strconv.ParseUint(fields["sequence"], 10, 64)
	if err != nil {
		return nil, &ValidationError{Field: "record", Msg: "malformed sequence"}
	}
	ts, err := time.Parse(time.RFC3339Nano, fields["timestamp"])
	if err != nil {
		return nil, &ValidationError{Field: "record", Msg: "malformed timestamp"}
	}
	sig, err := base64.StdEncoding.DecodeString(fields["signature"])
	if err != nil {
		return nil, &ValidationError{Field: "record", Msg: "malformed signature"}
	}
	r := &Record{
		Package:   PackageID(fields["package"]),
		Sequence:  seq,
		Version:   Version(fields["version"]),
		Content:   Digest(fields["content"]),
		Timestamp: ts.UTC(),
		PublicKey: fields["key"],
		Signature: sig,
	}
	if p := fields["prev"]; p != noPrev {
		r.PrevHash = RecordHash(p)
	}
	if !bytes.Equal(r.SignedEncoding(), data) {
		return nil, &ValidationError{Field: "record", Msg: "signed encoding is not canonical"}
	}
	return r, nil
}
