// Package registrytest runs an in-process registry for tests.
package registrytest

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/mod/sumdb/note"

	"github.com/dicej/cargo-component/internal/contentstore"
	"github.com/dicej/cargo-component/internal/registry/handler"
	"github.com/dicej/cargo-component/internal/registry/service"
	"github.com/dicej/cargo-component/internal/translog"
	"github.com/dicej/cargo-component/pkg/protocol"
)

// Origin is the checkpoint origin of test registries.
const Origin = "registry.test"

// Interceptor may answer a request before the registry does. It returns
// true when it wrote a response.
type Interceptor func(w http.ResponseWriter, r *http.Request) bool

// Registry is a registry served by an httptest.Server.
type Registry struct {
	Server      *httptest.Server
	Log         *translog.Log
	Service     *service.PackageService
	Content     *contentstore.MemoryStore
	Signer      note.Signer
	VerifierKey string

	mu        sync.Mutex
	intercept Interceptor
	requests  int
}

// New starts a registry with an in-memory log and content store. Records
// are only sequenced when Sequence is called or a sequencer is started.
func New(t testing.TB) *Registry {
	t.Helper()
	gin.SetMode(gin.TestMode)

	signer, _, vkey, err := translog.GenerateKey(Origin)
	if err != nil {
		t.Fatalf("generate registry key: %v", err)
	}
	l, err := translog.New(translog.NewMemoryStore(), signer, vkey, zap.NewNop())
	if err != nil {
		t.Fatalf("create log: %v", err)
	}
	content := contentstore.NewMemoryStore()
	svc := service.NewPackageService(l, content, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	router := handler.NewRouter(ctx, handler.RouterConfig{
		Log:     l,
		Service: svc,
		Logger:  zap.NewNop(),
	})

	r := &Registry{Log: l, Service: svc, Content: content, Signer: signer, VerifierKey: vkey}
	r.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		r.mu.Lock()
		r.requests++
		intercept := r.intercept
		r.mu.Unlock()
		if intercept != nil && intercept(w, req) {
			return
		}
		router.ServeHTTP(w, req)
	}))
	t.Cleanup(func() {
		r.Server.Close()
		cancel()
	})
	return r
}

// URL is the registry base URL.
func (r *Registry) URL() string { return r.Server.URL }

// Sequence commits pending submissions and publishes a checkpoint.
func (r *Registry) Sequence(t testing.TB) int {
	t.Helper()
	n, err := r.Service.Sequence(context.Background())
	if err != nil {
		t.Fatalf("sequence: %v", err)
	}
	return n
}

// StartSequencer sequences every interval until the test ends.
func (r *Registry) StartSequencer(t testing.TB, interval time.Duration) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Service.Run(ctx, interval)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

// SetInterceptor installs fn in front of the registry; nil removes it.
func (r *Registry) SetInterceptor(fn Interceptor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.intercept = fn
}

// Requests returns the number of HTTP requests received.
func (r *Registry) Requests() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.requests
}

// PublisherKey is a generated publishing key.
type PublisherKey struct {
	Signer      note.Signer
	SigningKey  string
	VerifierKey string
}

// NewPublisherKey generates a publishing key named name.
func NewPublisherKey(t testing.TB, name string) PublisherKey {
	t.Helper()
	s, skey, vkey, err := translog.GenerateKey(name)
	if err != nil {
		t.Fatalf("generate publisher key: %v", err)
	}
	return PublisherKey{Signer: s, SigningKey: skey, VerifierKey: vkey}
}

// Publish uploads content and submits a record for version signed by key,
// chained to the package's committed head. The record is pending until the
// next Sequence.
func (r *Registry) Publish(t testing.TB, key PublisherKey, pkg protocol.PackageID, version protocol.Version, content []byte) *protocol.Record {
	t.Helper()
	ctx := context.Background()
	d, err := r.Service.SubmitContent(ctx, content)
	if err != nil {
		t.Fatalf("upload content: %v", err)
	}
	history, err := r.Log.Records(ctx, pkg)
	if err != nil {
		t.Fatalf("load history: %v", err)
	}
	rec := &protocol.Record{
		Package:   pkg,
		Sequence:  uint64(len(history)),
		Version:   version,
		Content:   d,
		Timestamp: time.Now(),
	}
	if n := len(history); n > 0 {
		rec.PrevHash = history[n-1].Record.Hash()
	}
	if err := protocol.SignRecord(rec, key.Signer, key.VerifierKey); err != nil {
		t.Fatalf("sign record: %v", err)
	}
	if _, err := r.Service.Submit(ctx, *rec); err != nil {
		t.Fatalf("submit record: %v", err)
	}
	return rec
}
