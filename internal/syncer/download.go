package syncer

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/dicej/cargo-component/internal/lockstate"
	"github.com/dicej/cargo-component/pkg/protocol"
)

// Download is a verified, locally cached package version.
type Download struct {
	Package protocol.PackageID
	Version protocol.Version
	Digest  protocol.Digest
	Path    string
	Data    []byte
}

// Download returns the bytes of version of id. The version is resolved from
// verified local state, syncing the package first when it is not known.
// Fetched bytes are checked against the verified digest before they are
// cached.
func (s *Syncer) Download(ctx context.Context, id protocol.PackageID, version protocol.Version) (*Download, error) {
	if err := id.Validate(); err != nil {
		return nil, err
	}
	if err := version.Validate(); err != nil {
		return nil, err
	}
	host := s.Host()

	d, ok, err := s.state.Resolve(host, id, version)
	if err != nil {
		return nil, err
	}
	if !ok {
		if _, err := s.Sync(ctx, id); err != nil {
			return nil, err
		}
		if d, ok, err = s.state.Resolve(host, id, version); err != nil {
			return nil, err
		}
	}
	if !ok {
		p, err := s.state.Package(host, id)
		if err != nil {
			return nil, err
		}
		if p == nil {
			return nil, &protocol.NotFoundError{What: "package `" + id.String() + "`"}
		}
		return nil, &protocol.NotFoundError{What: fmt.Sprintf("version %s of package `%s`", version, id)}
	}

	data, err := s.fetch(ctx, id, d)
	if err != nil {
		return nil, err
	}
	path := s.cache.Path(d)
	if err := s.state.Store(host, lockstate.CacheEntry{Package: id, Version: version, Digest: d, Path: path}); err != nil {
		return nil, err
	}
	return &Download{Package: id, Version: version, Digest: d, Path: path, Data: data}, nil
}

// fetch returns verified bytes for d from the local cache or the registry.
func (s *Syncer) fetch(ctx context.Context, id protocol.PackageID, d protocol.Digest) ([]byte, error) {
	if data, err := s.cache.Get(ctx, d); err == nil {
		return data, nil
	}
	data, err := s.registry.Content(ctx, d)
	if err != nil {
		return nil, err
	}
	if !d.Matches(data) {
		anchor, err := s.state.LastAnchor(s.Host())
		if err != nil {
			s.logger.Warn("cannot read trust anchor while reporting a content mismatch",
				zap.String("host", s.Host()),
				zap.String("digest", d.String()),
				zap.Error(err),
			)
		}
		var length int64
		if anchor != nil {
			length = anchor.Checkpoint.Length
		}
		return nil, &protocol.ConsistencyViolation{
			OldLength: length,
			NewLength: length,
			Package:   id,
			Entry:     -1,
			Err:       fmt.Errorf("registry served content that does not hash to %s: %w", d, protocol.ErrHashMismatch),
		}
	}
	if _, err := s.cache.Put(ctx, data); err != nil {
		return nil, fmt.Errorf("cache content: %w", err)
	}
	s.logger.Info("content cached",
		zap.String("package", id.String()),
		zap.String("digest", d.String()),
		zap.Int("bytes", len(data)),
	)
	return data, nil
}

// StoreContent caches data for a verified version, such as content the
// caller published itself.
func (s *Syncer) StoreContent(ctx context.Context, id protocol.PackageID, version protocol.Version, data []byte) (string, error) {
	d, ok, err := s.state.Resolve(s.Host(), id, version)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", &protocol.NotFoundError{What: fmt.Sprintf("version %s of package `%s`", version, id)}
	}
	if !d.Matches(data) {
		return "", &protocol.ValidationError{Field: "content", Msg: fmt.Sprintf("bytes do not match verified digest %s", d)}
	}
	if _, err := s.cache.Put(ctx, data); err != nil {
		return "", fmt.Errorf("cache content: %w", err)
	}
	path := s.cache.Path(d)
	if err := s.state.Store(s.Host(), lockstate.CacheEntry{Package: id, Version: version, Digest: d, Path: path}); err != nil {
		return "", err
	}
	return path, nil
}
