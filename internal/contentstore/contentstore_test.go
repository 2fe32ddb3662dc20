package contentstore_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"go.uber.org/zap"

	"github.com/dicej/cargo-component/internal/contentstore"
	"github.com/dicej/cargo-component/pkg/protocol"
)

func exerciseStore(t *testing.T, s contentstore.Store) {
	t.Helper()
	ctx := context.Background()

	payloads := [][]byte{
		[]byte("small"),
		bytes.Repeat([]byte("compressible wit package bytes "), 200),
		{},
	}
	for _, data := range payloads {
		d, err := s.Put(ctx, data)
		if err != nil {
			t.Fatalf("Put: %v", err)
		}
		if d != protocol.DigestOf(data) {
			t.Errorf("Put digest = %s, want %s", d, protocol.DigestOf(data))
		}
		again, err := s.Put(ctx, data)
		if err != nil || again != d {
			t.Errorf("second Put = %s, %v", again, err)
		}
		ok, err := s.Has(ctx, d)
		if err != nil || !ok {
			t.Errorf("Has(%s) = %v, %v", d, ok, err)
		}
		got, err := s.Get(ctx, d)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if !bytes.Equal(got, data) {
			t.Errorf("Get returned %d bytes, want %d", len(got), len(data))
		}
	}

	missing := protocol.DigestOf([]byte("never stored"))
	if ok, err := s.Has(ctx, missing); err != nil || ok {
		t.Errorf("Has(missing) = %v, %v", ok, err)
	}
	if _, err := s.Get(ctx, missing); !errors.Is(err, contentstore.ErrNotFound) {
		t.Errorf("Get(missing) err = %v, want ErrNotFound", err)
	}
}

func TestMemoryStore(t *testing.T) {
	s := contentstore.NewMemoryStore()
	exerciseStore(t, s)
	if s.Len() != 3 {
		t.Errorf("Len = %d, want 3", s.Len())
	}
}

func TestMemoryStoreFailsClosed(t *testing.T) {
	s := contentstore.NewMemoryStore()
	d, _ := s.Put(context.Background(), []byte("original"))
	s.Corrupt(d, []byte("tampered"))
	if _, err := s.Get(context.Background(), d); !errors.Is(err, contentstore.ErrDigestMismatch) {
		t.Errorf("err = %v, want ErrDigestMismatch", err)
	}
}

func TestFileStore(t *testing.T) {
	s, err := contentstore.NewFileStore(t.TempDir(), zap.NewNop())
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	defer s.Close()
	exerciseStore(t, s)
}

func TestFileStoreLayoutAndCompression(t *testing.T) {
	root := t.TempDir()
	s, err := contentstore.NewFileStore(root, zap.NewNop())
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	defer s.Close()

	data := bytes.Repeat([]byte("a"), 4096)
	d, err := s.Put(context.Background(), data)
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	want := filepath.Join(root, "objects", d.Hex()[:2], d.Hex()[2:])
	if s.Path(d) != want {
		t.Errorf("Path = %s, want %s", s.Path(d), want)
	}
	info, err := os.Stat(want)
	if err != nil {
		t.Fatalf("stat object: %v", err)
	}
	if info.Size() >= int64(len(data)) {
		t.Errorf("object not compressed: %d bytes on disk", info.Size())
	}

	entries, _ := os.ReadDir(filepath.Dir(want))
	if len(entries) != 1 {
		t.Errorf("shard has %d entries, want 1 (no leftover temp files)", len(entries))
	}
}

func TestFileStoreFailsClosed(t *testing.T) {
	s, err := contentstore.NewFileStore(t.TempDir(), zap.NewNop())
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	defer s.Close()

	d, _ := s.Put(context.Background(), []byte("original bytes"))
	if err := os.WriteFile(s.Path(d), append([]byte{0}, []byte("tampered bytes")...), 0o644); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	if _, err := s.Get(context.Background(), d); !errors.Is(err, contentstore.ErrDigestMismatch) {
		t.Errorf("err = %v, want ErrDigestMismatch", err)
	}

	if err := os.WriteFile(s.Path(d), []byte{9, 9, 9}, 0o644); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	if _, err := s.Get(context.Background(), d); !errors.Is(err, contentstore.ErrDigestMismatch) {
		t.Errorf("bad frame err = %v, want ErrDigestMismatch", err)
	}
}

func TestFileStoreConcurrentPuts(t *testing.T) {
	s, err := contentstore.NewFileStore(t.TempDir(), zap.NewNop())
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	defer s.Close()

	data := bytes.Repeat([]byte("same payload "), 64)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.Put(context.Background(), data); err != nil {
				t.Errorf("Put: %v", err)
			}
		}()
	}
	wg.Wait()

	got, err := s.Get(context.Background(), protocol.DigestOf(data))
	if err != nil || !bytes.Equal(got, data) {
		t.Errorf("Get after concurrent puts: %v", err)
	}
}

// fakeS3 is a minimal path-style S3 endpoint: PUT, GET and HEAD on
// /bucket/key.
type fakeS3 struct {
	mu      sync.Mutex
	objects map[string][]byte
	puts    int
}

func (f *fakeS3) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := r.URL.Path
	switch r.Method {
	case http.MethodPut:
		body, _ := io.ReadAll(r.Body)
		f.objects[key] = body
		f.puts++
		w.Header().Set("ETag", `"etag"`)
		w.WriteHeader(http.StatusOK)
	case http.MethodGet, http.MethodHead:
		data, ok := f.objects[key]
		if !ok {
			w.Header().Set("Content-Type", "application/xml")
			w.WriteHeader(http.StatusNotFound)
			if r.Method == http.MethodGet {
				io.WriteString(w, `<?xml version="1.0" encoding="UTF-8"?><Error><Code>NoSuchKey</Code><Message>missing</Message></Error>`) //nolint:errcheck
			}
			return
		}
		w.Header().Set("Content-Type", "application/octet-stream")
		w.WriteHeader(http.StatusOK)
		if r.Method == http.MethodGet {
			w.Write(data) //nolint:errcheck
		}
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func TestS3Store(t *testing.T) {
	fake := &fakeS3{objects: make(map[string][]byte)}
	srv := httptest.NewServer(fake)
	defer srv.Close()

	s, err := contentstore.NewS3Store(contentstore.S3Config{
		Bucket:    "packages",
		Prefix:    "wit",
		Region:    "us-east-1",
		Endpoint:  srv.URL,
		AccessKey: "test",
		SecretKey: "test",
		PathStyle: true,
	}, zap.NewNop())
	if err != nil {
		t.Fatalf("NewS3Store: %v", err)
	}
	exerciseStore(t, s)

	fake.mu.Lock()
	defer fake.mu.Unlock()
	if fake.puts != 3 {
		t.Errorf("PUT requests = %d, want 3 (repeat puts must be skipped)", fake.puts)
	}
	for key := range fake.objects {
		if !strings.HasPrefix(key, "/packages/wit/sha256/") {
			t.Errorf("unexpected object key %s", key)
		}
	}
}

func TestOpen(t *testing.T) {
	s, err := contentstore.Open("mem://", zap.NewNop())
	if err != nil {
		t.Fatalf("Open(mem): %v", err)
	}
	if _, ok := s.(*contentstore.MemoryStore); !ok {
		t.Errorf("mem:// opened %T", s)
	}

	dir := t.TempDir()
	s, err = contentstore.Open("file://"+dir, zap.NewNop())
	if err != nil {
		t.Fatalf("Open(file): %v", err)
	}
	fs, ok := s.(*contentstore.FileStore)
	if !ok {
		t.Fatalf("file:// opened %T", s)
	}
	defer fs.Close()
	if fs.Name() != "file://"+dir {
		t.Errorf("Name = %s", fs.Name())
	}

	s, err = contentstore.Open("s3://bucket/prefix?region=eu-west-1", zap.NewNop())
	if err != nil {
		t.Fatalf("Open(s3): %v", err)
	}
	if s.Name() != "s3://bucket/prefix" {
		t.Errorf("Name = %s", s.Name())
	}

	if _, err := contentstore.Open("ftp://example.com", zap.NewNop()); err == nil {
		t.Error("unsupported scheme opened")
	}
}
