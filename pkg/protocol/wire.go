package protocol

// Request and response bodies of the registry HTTP API.

// KeyResponse is returned by GET /v1/key.
type KeyResponse struct {
	VerifierKey string `json:"verifier_key"`
}

// CheckpointResponse is returned by GET /v1/checkpoint. Clients re-parse
// the note after verifying it; the other fields are informational.
type CheckpointResponse struct {
	Note   string `json:"note"`
	Length int64  `json:"length"`
}

// ProvedEntry is a log entry together with its inclusion proof.
type ProvedEntry struct {
	LogEntry
	Proof InclusionProof `json:"proof"`
}

// RecordsResponse is returned by GET /v1/packages/:ns/:name/records. Head
// proves the package's head, or its absence, at TreeSize so a client can
// tell the entries are complete.
type RecordsResponse struct {
	TreeSize int64         `json:"tree_size"`
	Entries  []ProvedEntry `json:"entries"`
	Head     *HeadProof    `json:"head"`
}

// PackageSummary is returned by GET /v1/packages/:ns/:name.
type PackageSummary struct {
	Package      PackageID  `json:"package"`
	HeadSequence uint64     `json:"head_sequence"`
	HeadHash     RecordHash `json:"head_hash"`
	HeadIndex    int64      `json:"head_index"`
	PublicKey    string     `json:"public_key"`
	Versions     []Version  `json:"versions"`
}

// ContentResponse is returned by POST /v1/content.
type ContentResponse struct {
	Digest Digest `json:"digest"`
}

// SubmissionState is the registry-side lifecycle of a submitted record.
type SubmissionState string

const (
	SubmissionPending  SubmissionState = "pending"
	SubmissionIncluded SubmissionState = "included"
	SubmissionRejected SubmissionState = "rejected"
)

// Submission describes a submitted record. Index and CheckpointLength are
// set once the record is included.
type Submission struct {
	Token            string          `json:"token"`
	Package          PackageID       `json:"package"`
	Sequence         uint64          `json:"sequence"`
	RecordHash       RecordHash      `json:"record_hash"`
	State            SubmissionState `json:"state"`
	Index            int64           `json:"index,omitempty"`
	CheckpointLength int64           `json:"checkpoint_length,omitempty"`
	Reason           string          `json:"reason,omitempty"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error string `json:"error"`
}
