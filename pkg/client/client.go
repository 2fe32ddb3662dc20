package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/dicej/cargo-component/pkg/protocol"
)

const (
	defaultTimeout      = 30 * time.Second
	maxJSONResponse     = 16 << 20
	defaultMaxContent   = 64 << 20
	defaultUserAgent    = "wit-client"
	contentTypeJSON     = "application/json"
	contentTypeOctetStr = "application/octet-stream"
)

// Client talks to a single registry. It performs no verification; callers
// check everything it returns.
type Client struct {
	registryBase string
	httpClient   *http.Client
	userAgent    string
	maxContent   int64
}

// Option is a functional option for configuring a Client.
type Option func(*Client) error

// WithHTTPClient sets a custom http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) error {
		if hc == nil {
			return errors.New("http client is nil")
		}
		c.httpClient = hc
		return nil
	}
}

// WithTimeout sets the per-request timeout of the default http.Client.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) error {
		c.httpClient = &http.Client{Timeout: d}
		return nil
	}
}

// WithUserAgent sets the User-Agent header sent with every request.
func WithUserAgent(ua string) Option {
	return func(c *Client) error {
		c.userAgent = ua
		return nil
	}
}

// WithMaxContentSize bounds the size of downloaded package content.
func WithMaxContentSize(n int64) Option {
	return func(c *Client) error {
		if n <= 0 {
			return errors.New("max content size must be positive")
		}
		c.maxContent = n
		return nil
	}
}

// New creates a Client for the registry at registryBase.
//
//	c, err := client.New("https://registry.example.com",
//	    client.WithTimeout(10*time.Second),
//	)
func New(registryBase string, opts ...Option) (*Client, error) {
	u, err := url.Parse(registryBase)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, &protocol.ValidationError{Field: "registry url", Msg: fmt.Sprintf("%q is not an absolute URL", registryBase)}
	}
	c := &Client{
		registryBase: strings.TrimSuffix(registryBase, "/"),
		httpClient:   &http.Client{Timeout: defaultTimeout},
		userAgent:    defaultUserAgent,
		maxContent:   defaultMaxContent,
	}
	for _, o := range opts {
		if err := o(c); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// MustNew is like New but panics on error. Useful in tests and program init.
func MustNew(registryBase string, opts ...Option) *Client {
	c, err := New(registryBase, opts...)
	if err != nil {
		panic(err)
	}
	return c
}

// Host returns the registry host, which keys local state.
func (c *Client) Host() string {
	u, _ := url.Parse(c.registryBase)
	return u.Host
}

// BaseURL returns the registry base URL.
func (c *Client) BaseURL() string { return c.registryBase }

// ── Log ──────────────────────────────────────────────────────────────────────

// Key fetches the registry's checkpoint verifier key.
func (c *Client) Key(ctx context.Context) (string, error) {
	var resp protocol.KeyResponse
	if err := c.getJSON(ctx, "fetch registry key", "/v1/key", &resp); err != nil {
		return "", err
	}
	return resp.VerifierKey, nil
}

// Checkpoint fetches the latest signed checkpoint note.
func (c *Client) Checkpoint(ctx context.Context) ([]byte, error) {
	var resp protocol.CheckpointResponse
	if err := c.getJSON(ctx, "fetch checkpoint", "/v1/checkpoint", &resp); err != nil {
		return nil, err
	}
	return []byte(resp.Note), nil
}

// ConsistencyProof fetches a proof that size from is a prefix of size to.
func (c *Client) ConsistencyProof(ctx context.Context, from, to int64) (protocol.ConsistencyProof, error) {
	var proof protocol.ConsistencyProof
	path := "/v1/proofs/consistency?from=" + strconv.FormatInt(from, 10) + "&to=" + strconv.FormatInt(to, 10)
	err := c.getJSON(ctx, "fetch consistency proof", path, &proof)
	return proof, err
}

// ── Packages ─────────────────────────────────────────────────────────────────

func packagePath(id protocol.PackageID) string {
	return "/v1/packages/" + url.PathEscape(id.Namespace()) + "/" + url.PathEscape(id.Name())
}

// Package fetches the committed head of id.
func (c *Client) Package(ctx context.Context, id protocol.PackageID) (*protocol.PackageSummary, error) {
	var sum protocol.PackageSummary
	if err := c.getJSON(ctx, "fetch package", packagePath(id), &sum); err != nil {
		return nil, err
	}
	return &sum, nil
}

// Records fetches entries of id from sequence fromSeq, with inclusion proofs
// against tree size size.
func (c *Client) Records(ctx context.Context, id protocol.PackageID, fromSeq uint64, size int64) (*protocol.RecordsResponse, error) {
	var resp protocol.RecordsResponse
	path := packagePath(id) + "/records?from=" + strconv.FormatUint(fromSeq, 10) + "&size=" + strconv.FormatInt(size, 10)
	if err := c.getJSON(ctx, "fetch records", path, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// SubmitRecord submits a signed record.
func (c *Client) SubmitRecord(ctx context.Context, rec *protocol.Record) (*protocol.Submission, error) {
	body, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("marshal record: %w", err)
	}
	req, err := c.newRequest(ctx, http.MethodPost, packagePath(rec.Package)+"/records", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", contentTypeJSON)

	var sub protocol.Submission
	if err := c.doJSON(req, "submit record", &sub); err != nil {
		var conflict *protocol.ConflictError
		if errors.As(err, &conflict) {
			conflict.Package = rec.Package
			conflict.Sequence = rec.Sequence
		}
		return nil, err
	}
	return &sub, nil
}

// Submission fetches the state of a submitted record.
func (c *Client) Submission(ctx context.Context, token string) (*protocol.Submission, error) {
	var sub protocol.Submission
	if err := c.getJSON(ctx, "fetch submission", "/v1/submissions/"+url.PathEscape(token), &sub); err != nil {
		return nil, err
	}
	return &sub, nil
}

// ── Content ──────────────────────────────────────────────────────────────────

// UploadContent uploads package bytes and returns the digest the registry
// computed.
func (c *Client) UploadContent(ctx context.Context, data []byte) (protocol.Digest, error) {
	req, err := c.newRequest(ctx, http.MethodPost, "/v1/content", bytes.NewReader(data))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", contentTypeOctetStr)
	var resp protocol.ContentResponse
	if err := c.doJSON(req, "upload content", &resp); err != nil {
		return "", err
	}
	return resp.Digest, nil
}

// HasContent reports whether the registry stores bytes for d.
func (c *Client) HasContent(ctx context.Context, d protocol.Digest) (bool, error) {
	req, err := c.newRequest(ctx, http.MethodHead, "/v1/content/"+d.String(), nil)
	if err != nil {
		return false, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false, &protocol.TransportError{Op: "check content", Err: err}
	}
	resp.Body.Close()
	switch {
	case resp.StatusCode == http.StatusOK:
		return true, nil
	case resp.StatusCode == http.StatusNotFound:
		return false, nil
	default:
		return false, protocol.ErrorFromStatus("check content", resp.StatusCode, http.StatusText(resp.StatusCode))
	}
}

// Content downloads the bytes stored for d. The caller must verify them.
func (c *Client) Content(ctx context.Context, d protocol.Digest) ([]byte, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/v1/content/"+d.String(), nil)
	if err != nil {
		return nil, err
	}
	return c.do(req, "download content", c.maxContent)
}

// ── Transport ────────────────────────────────────────────────────────────────

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.registryBase+path, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", c.userAgent)
	return req, nil
}

func (c *Client) getJSON(ctx context.Context, op, path string, out any) error {
	req, err := c.newRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", contentTypeJSON)
	return c.doJSON(req, op, out)
}

func (c *Client) doJSON(req *http.Request, op string, out any) error {
	body, err := c.do(req, op, maxJSONResponse)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return &protocol.TransportError{Op: op, Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}

// do sends req and maps non-2xx responses to typed errors.
func (c *Client) do(req *http.Request, op string, limit int64) ([]byte, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctxErr := req.Context().Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, &protocol.TransportError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return nil, &protocol.TransportError{Op: op, StatusCode: resp.StatusCode, Err: fmt.Errorf("read response: %w", err)}
	}
	if int64(len(body)) > limit {
		return nil, &protocol.TransportError{Op: op, StatusCode: resp.StatusCode, Err: fmt.Errorf("response exceeds %d bytes", limit)}
	}

	if resp.StatusCode >= 300 {
		msg := http.StatusText(resp.StatusCode)
		var e protocol.ErrorResponse
		if json.Unmarshal(body, &e) == nil && e.Error != "" {
			msg = e.Error
		}
		return nil, protocol.ErrorFromStatus(op, resp.StatusCode, msg)
	}
	return body, nil
}
