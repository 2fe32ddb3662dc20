package protocol

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"golang.org/x/mod/sumdb/note"
	"golang.org/x/mod/sumdb/tlog"
)

const checkpointHeader = "wit-registry checkpoint"

// Checkpoint is a commitment to the registry log at a given length. Besides
// the tree root it commits to the package map: the head of every package
// at Length, as a tree of Packages leaves with root PackageRoot.
type Checkpoint struct {
	Origin      string    `json:"origin"`
	Length      int64     `json:"length"`
	Root        tlog.Hash `json:"root"`
	Packages    int64     `json:"packages"`
	PackageRoot tlog.Hash `json:"package_root"`
	Timestamp   time.Time `json:"timestamp"`
}

// Text renders the checkpoint body that the registry signs.
func (c Checkpoint) Text() string {
	return fmt.Sprintf("%s\n%s\n%d\n%s\n%d\n%s\n%d\n",
		checkpointHeader,
		c.Origin,
		c.Length,
		base64.StdEncoding.EncodeToString(c.Root[:]),
		c.Packages,
		base64.StdEncoding.EncodeToString(c.PackageRoot[:]),
		c.Timestamp.UnixNano(),
	)
}

// ParseCheckpoint decodes a checkpoint body produced by Text.
func ParseCheckpoint(text string) (Checkpoint, error) {
	lines := strings.Split(text, "\n")
	if len(lines) != 8 || lines[7] != "" || lines[0] != checkpointHeader {
		return Checkpoint{}, errors.New("malformed checkpoint")
	}
	n, err := parseCount(lines[2])
	if err != nil {
		return Checkpoint{}, errors.New("malformed checkpoint length")
	}
	root, err := tlog.ParseHash(lines[3])
	if err != nil {
		return Checkpoint{}, errors.New("malformed checkpoint root")
	}
	pkgs, err := parseCount(lines[4])
	if err != nil || pkgs > n {
		return Checkpoint{}, errors.New("malformed checkpoint package count")
	}
	pkgRoot, err := tlog.ParseHash(lines[5])
	if err != nil {
		return Checkpoint{}, errors.New("malformed checkpoint package root")
	}
	ns, err := strconv.ParseInt(lines[6], 10, 64)
	if err != nil {
		return Checkpoint{}, errors.New("malformed checkpoint timestamp")
	}
	return Checkpoint{
		Origin:      lines[1],
		Length:      n,
		Root:        root,
		Packages:    pkgs,
		PackageRoot: pkgRoot,
		Timestamp:   time.Unix(0, ns).UTC(),
	}, nil
}

func parseCount(s string) (int64, error) {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n < 0 || strconv.FormatInt(n, 10) != s {
		return 0, errors.New("malformed count")
	}
	return n, nil
}

// SignedCheckpoint pairs a checkpoint with the raw signed note it was read
// from. The note is what gets persisted and re-verified.
type SignedCheckpoint struct {
	Checkpoint Checkpoint `json:"checkpoint"`
	Note       string     `json:"note"`
}

// SignCheckpoint signs c's text as a note.
func SignCheckpoint(c Checkpoint, signer note.Signer) (*SignedCheckpoint, error) {
	if c.Origin != signer.Name() {
		return nil, fmt.Errorf("checkpoint origin %q does not match signer %q", c.Origin, signer.Name())
	}
	c.Timestamp = time.Unix(0, c.Timestamp.UnixNano()).UTC()
	msg, err := note.Sign(&note.Note{Text: c.Text()}, signer)
	if err != nil {
		return nil, fmt.Errorf("sign checkpoint: %w", err)
	}
	return &SignedCheckpoint{Checkpoint: c, Note: string(msg)}, nil
}

// OpenCheckpoint verifies msg with the registry key and parses it. The
// checkpoint origin must equal the key name.
func OpenCheckpoint(msg []byte, verifier note.Verifier) (*SignedCheckpoint, error) {
	n, err := note.Open(msg, note.VerifierList(verifier))
	if err != nil {
		return nil, &ValidationError{Field: "checkpoint", Msg: err.Error()}
	}
	c, err := ParseCheckpoint(n.Text)
	if err != nil {
		return nil, &ValidationError{Field: "checkpoint", Msg: err.Error()}
	}
	if c.Origin != verifier.Name() {
		return nil, &ValidationError{Field: "checkpoint", Msg: fmt.Sprintf("origin %q does not match registry key %q", c.Origin, verifier.Name())}
	}
	return &SignedCheckpoint{Checkpoint: c, Note: string(msg)}, nil
}

// InclusionProof places leaf Index in a tree of TreeSize leaves.
type InclusionProof struct {
	Index    int64       `json:"index"`
	TreeSize int64       `json:"tree_size"`
	Hashes   []tlog.Hash `json:"hashes"`
}

// ConsistencyProof shows the tree of OldSize leaves is a prefix of the tree
// of NewSize leaves.
type ConsistencyProof struct {
	OldSize int64       `json:"old_size"`
	NewSize int64       `json:"new_size"`
	Hashes  []tlog.Hash `json:"hashes"`
}
