// Package lockstate persists what a client has verified about each registry
// host: the trust anchor (last verified checkpoint), the pinned registry
// key, and per-package heads with their version to digest mapping.
//
// Layout:
//
//	dir/
//	  hosts/
//	    registry.example.com.json
//	    registry.example.com.json.lock
//
// Every write is a read-modify-write of one host file, serialised by an
// in-process mutex and a cross-process file lock, and lands by renaming a
// temp file into place. Readers never take the lock and never observe a
// torn file.
package lockstate

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/gofrs/flock"
	"go.uber.org/zap"

	"github.com/dicej/cargo-component/pkg/protocol"
)

// ErrAnchorMoved is returned by Advance when the host's anchor is no longer
// the base the caller verified against.
var ErrAnchorMoved = errors.New("trust anchor was advanced concurrently")

// VersionState is what is known about one version of a package.
type VersionState struct {
	Digest protocol.Digest `json:"digest"`
	// Path is where verified bytes are cached, empty until downloaded.
	Path string `json:"path,omitempty"`
}

// PackageState is the verified head of one package.
type PackageState struct {
	PublicKey    string                            `json:"public_key"`
	HeadSequence uint64                            `json:"head_sequence"`
	HeadHash     protocol.RecordHash               `json:"head_hash"`
	HeadIndex    int64                             `json:"head_index"`
	Versions     map[protocol.Version]VersionState `json:"versions"`
}

// Clone returns a deep copy of p.
func (p *PackageState) Clone() *PackageState {
	out := *p
	out.Versions = make(map[protocol.Version]VersionState, len(p.Versions))
	for v, vs := range p.Versions {
		out.Versions[v] = vs
	}
	return &out
}

// HostState is the content of one host file.
type HostState struct {
	Anchor      *protocol.SignedCheckpoint           `json:"anchor,omitempty"`
	RegistryKey string                               `json:"registry_key,omitempty"`
	Packages    map[protocol.PackageID]*PackageState `json:"packages,omitempty"`
}

// CacheEntry maps a verified package version to its cached bytes.
type CacheEntry struct {
	Package protocol.PackageID
	Version protocol.Version
	Digest  protocol.Digest
	Path    string
}

// Store is the on-disk lock state. It is safe for concurrent use, including
// by several processes sharing dir.
type Store struct {
	dir    string
	logger *zap.Logger

	mu    sync.Mutex
	hosts map[string]*sync.Mutex
}

// Open creates dir if needed and returns a Store over it.
func Open(dir string, logger *zap.Logger) (*Store, error) {
	if err := os.MkdirAll(filepath.Join(dir, "hosts"), 0o755); err != nil {
		return nil, fmt.Errorf("create lock state directory: %w", err)
	}
	return &Store{dir: dir, logger: logger, hosts: make(map[string]*sync.Mutex)}, nil
}

// Dir returns the state directory.
func (s *Store) Dir() string { return s.dir }

// LastAnchor returns the host's trust anchor, or nil if the host has never
// been synced.
func (s *Store) LastAnchor(host string) (*protocol.SignedCheckpoint, error) {
	st, err := s.read(host)
	if err != nil {
		return nil, err
	}
	return st.Anchor, nil
}

// RegistryKey returns the pinned registry key, or "" if none is pinned.
func (s *Store) RegistryKey(host string) (string, error) {
	st, err := s.read(host)
	if err != nil {
		return "", err
	}
	return st.RegistryKey, nil
}

// Package returns a copy of the verified state of id, or nil if unknown.
func (s *Store) Package(host string, id protocol.PackageID) (*PackageState, error) {
	st, err := s.read(host)
	if err != nil {
		return nil, err
	}
	p, ok := st.Packages[id]
	if !ok {
		return nil, nil
	}
	return p.Clone(), nil
}

// Packages returns the ids of every package known for host.
func (s *Store) Packages(host string) ([]protocol.PackageID, error) {
	st, err := s.read(host)
	if err != nil {
		return nil, err
	}
	out := make([]protocol.PackageID, 0, len(st.Packages))
	for id := range st.Packages {
		out = append(out, id)
	}
	return out, nil
}

// Resolve returns the verified digest of version of id.
func (s *Store) Resolve(host string, id protocol.PackageID, version protocol.Version) (protocol.Digest, bool, error) {
	st, err := s.read(host)
	if err != nil {
		return "", false, err
	}
	p, ok := st.Packages[id]
	if !ok {
		return "", false, nil
	}
	vs, ok := p.Versions[version]
	if !ok {
		return "", false, nil
	}
	return vs.Digest, true, nil
}

// Store records where the bytes of a verified version are cached. The
// version must already be known with the same digest. Concurrent stores for
// the same key are last-committer-wins.
func (s *Store) Store(host string, e CacheEntry) error {
	return s.update(host, func(st *HostState) error {
		p, ok := st.Packages[e.Package]
		if !ok {
			return &protocol.NotFoundError{What: "package `" + e.Package.String() + "`"}
		}
		vs, ok := p.Versions[e.Version]
		if !ok {
			return &protocol.NotFoundError{What: fmt.Sprintf("version %s of package `%s`", e.Version, e.Package)}
		}
		if vs.Digest != e.Digest {
			return &protocol.ValidationError{Field: "cache entry", Msg: fmt.Sprintf("digest %s does not match verified digest %s", e.Digest, vs.Digest)}
		}
		vs.Path = e.Path
		p.Versions[e.Version] = vs
		return nil
	})
}

// Advance moves host's anchor from base to next and replaces the given
// package states, all in one write. base is the anchor the caller verified
// from (nil for first use); if the stored anchor differs, Advance returns
// ErrAnchorMoved and writes nothing. The anchor never moves backwards.
// Cached paths of versions that stay verified are preserved.
func (s *Store) Advance(host string, base, next *protocol.SignedCheckpoint, registryKey string, packages map[protocol.PackageID]*PackageState) error {
	if next == nil {
		return errors.New("advance: next anchor is nil")
	}
	return s.update(host, func(st *HostState) error {
		if !sameAnchor(st.Anchor, base) {
			return ErrAnchorMoved
		}
		if st.Anchor != nil && next.Checkpoint.Length < st.Anchor.Checkpoint.Length {
			return fmt.Errorf("advance: anchor length %d would regress to %d", st.Anchor.Checkpoint.Length, next.Checkpoint.Length)
		}
		if st.RegistryKey != "" && st.RegistryKey != registryKey {
			return errors.New("advance: registry key differs from the pinned key")
		}
		st.Anchor = next
		st.RegistryKey = registryKey
		if st.Packages == nil {
			st.Packages = make(map[protocol.PackageID]*PackageState)
		}
		for id, p := range packages {
			p = p.Clone()
			if old, ok := st.Packages[id]; ok {
				for v, vs := range p.Versions {
					if ovs, ok := old.Versions[v]; ok && ovs.Digest == vs.Digest && vs.Path == "" {
						vs.Path = ovs.Path
						p.Versions[v] = vs
					}
				}
			}
			st.Packages[id] = p
		}
		s.logger.Debug("trust anchor advanced",
			zap.String("host", host),
			zap.Int64("length", next.Checkpoint.Length),
			zap.Int("packages", len(packages)),
		)
		return nil
	})
}

func sameAnchor(a, b *protocol.SignedCheckpoint) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Note == b.Note
}

// ── File handling ────────────────────────────────────────────────────────────

var hostReplacer = strings.NewReplacer(":", "_", "/", "_", "\\", "_")

func (s *Store) path(host string) string {
	return filepath.Join(s.dir, "hosts", hostReplacer.Replace(host)+".json")
}

func (s *Store) hostMutex(host string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.hosts[host]
	if !ok {
		m = &sync.Mutex{}
		s.hosts[host] = m
	}
	return m
}

func (s *Store) read(host string) (*HostState, error) {
	if host == "" {
		return nil, &protocol.ValidationError{Field: "host", Msg: "host is empty"}
	}
	data, err := os.ReadFile(s.path(host))
	if errors.Is(err, os.ErrNotExist) {
		return &HostState{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read lock state for %s: %w", host, err)
	}
	var st HostState
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("decode lock state for %s: %w", host, err)
	}
	return &st, nil
}

// update applies fn to the host state under both locks and writes the
// result atomically. Nothing is written when fn fails.
func (s *Store) update(host string, fn func(*HostState) error) error {
	m := s.hostMutex(host)
	m.Lock()
	defer m.Unlock()

	fl := flock.New(s.path(host) + ".lock")
	if err := fl.Lock(); err != nil {
		return fmt.Errorf("lock state for %s: %w", host, err)
	}
	defer fl.Unlock()

	st, err := s.read(host)
	if err != nil {
		return err
	}
	if err := fn(st); err != nil {
		return err
	}
	return s.write(host, st)
}

func (s *Store) write(host string, st *HostState) error {
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("encode lock state: %w", err)
	}
	target := s.path(host)
	tmp, err := os.CreateTemp(filepath.Dir(target), ".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write lock state: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync lock state: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close lock state: %w", err)
	}
	if err := os.Rename(tmp.Name(), target); err != nil {
		return fmt.Errorf("replace lock state: %w", err)
	}
	return nil
}
