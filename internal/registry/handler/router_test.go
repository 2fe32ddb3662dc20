package handler_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/dicej/cargo-component/internal/contentstore"
	"github.com/dicej/cargo-component/internal/health"
	"github.com/dicej/cargo-component/internal/registry/handler"
	"github.com/dicej/cargo-component/internal/registry/service"
	"github.com/dicej/cargo-component/internal/translog"
	"github.com/dicej/cargo-component/pkg/protocol"
)

type routerOpts struct {
	health     *health.Checker
	rps        int
	maxContent int64
}

func setupRouter(t *testing.T, o routerOpts) (*gin.Engine, *translog.Log) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	signer, _, vkey, err := translog.GenerateKey("registry.test")
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	log, err := translog.New(translog.NewMemoryStore(), signer, vkey, zap.NewNop())
	if err != nil {
		t.Fatalf("translog.New: %v", err)
	}
	svc := service.NewPackageService(log, contentstore.NewMemoryStore(), zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return handler.NewRouter(ctx, handler.RouterConfig{
		Log:             log,
		Service:         svc,
		Logger:          zap.NewNop(),
		Health:          o.health,
		RateLimitRPS:    o.rps,
		MaxContentBytes: o.maxContent,
	}), log
}

func serve(router *gin.Engine, method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func errorBody(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var resp protocol.ErrorResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode error body %q: %v", w.Body.String(), err)
	}
	return resp.Error
}

func TestHealthz_withoutChecker(t *testing.T) {
	router, _ := setupRouter(t, routerOpts{})

	w := serve(router, http.MethodGet, "/healthz", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
}

func TestHealthz_degraded(t *testing.T) {
	checker := health.New([]health.Probe{
		{Name: "log", Check: func(context.Context) error { return errors.New("root mismatch") }},
	}, health.Config{FailThreshold: 1}, zap.NewNop())
	checker.CheckAll(context.Background())
	router, _ := setupRouter(t, routerOpts{health: checker})

	w := serve(router, http.MethodGet, "/healthz", "")
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d: %s", w.Code, w.Body.String())
	}
	var r health.Report
	if err := json.Unmarshal(w.Body.Bytes(), &r); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if r.Probes["log"].LastError != "root mismatch" {
		t.Errorf("report = %+v", r)
	}
}

func TestKeyAndCheckpoint_200(t *testing.T) {
	router, log := setupRouter(t, routerOpts{})

	w := serve(router, http.MethodGet, "/v1/key", "")
	if w.Code != http.StatusOK {
		t.Fatalf("key: expected 200, got %d", w.Code)
	}
	var key protocol.KeyResponse
	json.Unmarshal(w.Body.Bytes(), &key)
	if key.VerifierKey != log.VerifierKey() {
		t.Errorf("verifier key = %q, want %q", key.VerifierKey, log.VerifierKey())
	}

	w = serve(router, http.MethodGet, "/v1/checkpoint", "")
	if w.Code != http.StatusOK {
		t.Fatalf("checkpoint: expected 200, got %d", w.Code)
	}
	var cp protocol.CheckpointResponse
	json.Unmarshal(w.Body.Bytes(), &cp)
	if cp.Length != 0 {
		t.Errorf("empty log checkpoint length = %d", cp.Length)
	}
	if !strings.HasPrefix(cp.Note, "wit-registry checkpoint\n") {
		t.Errorf("note = %q", cp.Note)
	}
}

func TestConsistency_badRange(t *testing.T) {
	router, _ := setupRouter(t, routerOpts{})

	if w := serve(router, http.MethodGet, "/v1/proofs/consistency?from=x&to=1", ""); w.Code != http.StatusBadRequest {
		t.Errorf("non-numeric from: expected 400, got %d", w.Code)
	}
	if w := serve(router, http.MethodGet, "/v1/proofs/consistency?from=5&to=1", ""); w.Code != http.StatusBadRequest {
		t.Errorf("reversed range: expected 400, got %d", w.Code)
	}
}

func TestPackage_404(t *testing.T) {
	router, _ := setupRouter(t, routerOpts{})

	w := serve(router, http.MethodGet, "/v1/packages/baz/qux", "")
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
	if got := errorBody(t, w); got != "package `baz:qux` does not exist" {
		t.Errorf("error = %q", got)
	}
}

func TestRecords_unknownPackageIsEmpty(t *testing.T) {
	router, _ := setupRouter(t, routerOpts{})

	w := serve(router, http.MethodGet, "/v1/packages/baz/qux/records", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var resp protocol.RecordsResponse
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.Entries == nil || len(resp.Entries) != 0 || resp.TreeSize != 0 {
		t.Errorf("response = %+v, want an empty list at size 0", resp)
	}

	if w := serve(router, http.MethodGet, "/v1/packages/baz/qux/records?from=-1", ""); w.Code != http.StatusBadRequest {
		t.Errorf("negative from: expected 400, got %d", w.Code)
	}
}

func TestSubmit_pathMismatch(t *testing.T) {
	router, _ := setupRouter(t, routerOpts{})

	w := serve(router, http.MethodPost, "/v1/packages/baz/qux/records", `{"package":"foo:bar","sequence":0}`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
	if got := errorBody(t, w); !strings.Contains(got, "does not match the request path") {
		t.Errorf("error = %q", got)
	}
}

func TestSubmission_unknownToken(t *testing.T) {
	router, _ := setupRouter(t, routerOpts{})

	if w := serve(router, http.MethodGet, "/v1/submissions/nope", ""); w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}
}

func TestContent_uploadHeadGet(t *testing.T) {
	router, _ := setupRouter(t, routerOpts{maxContent: 16})

	w := serve(router, http.MethodPost, "/v1/content", "package baz:qux")
	if w.Code != http.StatusCreated {
		t.Fatalf("upload: expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var up protocol.ContentResponse
	json.Unmarshal(w.Body.Bytes(), &up)
	if up.Digest != protocol.DigestOf([]byte("package baz:qux")) {
		t.Errorf("digest = %s", up.Digest)
	}

	if w := serve(router, http.MethodHead, "/v1/content/"+up.Digest.String(), ""); w.Code != http.StatusOK {
		t.Errorf("head: expected 200, got %d", w.Code)
	}
	missing := protocol.DigestOf([]byte("other"))
	if w := serve(router, http.MethodHead, "/v1/content/"+missing.String(), ""); w.Code != http.StatusNotFound {
		t.Errorf("head missing: expected 404, got %d", w.Code)
	}
	if w := serve(router, http.MethodGet, "/v1/content/not-a-digest", ""); w.Code != http.StatusBadRequest {
		t.Errorf("bad digest: expected 400, got %d", w.Code)
	}

	w = serve(router, http.MethodGet, "/v1/content/"+up.Digest.String(), "")
	if w.Code != http.StatusOK || w.Body.String() != "package baz:qux" {
		t.Errorf("get: %d %q", w.Code, w.Body.String())
	}

	if w := serve(router, http.MethodPost, "/v1/content", strings.Repeat("x", 17)); w.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("oversized upload: expected 413, got %d", w.Code)
	}
}

func TestRateLimiter_429(t *testing.T) {
	router, _ := setupRouter(t, routerOpts{rps: 1})

	// Burst is 2x rps.
	for i := 0; i < 2; i++ {
		if w := serve(router, http.MethodGet, "/v1/key", ""); w.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i, w.Code)
		}
	}
	w := serve(router, http.MethodGet, "/v1/key", "")
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", w.Code)
	}
	if w.Header().Get("Retry-After") == "" {
		t.Error("missing Retry-After header")
	}
}

func TestMetrics_200(t *testing.T) {
	router, _ := setupRouter(t, routerOpts{})
	serve(router, http.MethodGet, "/v1/key", "")

	w := serve(router, http.MethodGet, "/metrics", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "wit_registry_requests_total") {
		t.Error("metrics output is missing wit_registry_requests_total")
	}
}
