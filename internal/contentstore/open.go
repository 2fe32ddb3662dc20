package contentstore

import (
	"fmt"
	"net/url"
	"strings"

	"go.uber.org/zap"
)

// Open creates a Store from a location URI.
//
// Supported schemes:
//   - mem://                                   in-process memory
//   - file:///absolute/path                    local filesystem
//   - s3://bucket/prefix?region=&endpoint=     S3 or a compatible service
//
// S3 credentials may be embedded as s3://access:secret@bucket/prefix;
// otherwise the AWS default credential chain applies.
func Open(location string, logger *zap.Logger) (Store, error) {
	u, err := url.Parse(location)
	if err != nil {
		return nil, fmt.Errorf("invalid content location %q: %w", location, err)
	}

	switch strings.ToLower(u.Scheme) {
	case "mem", "memory":
		return NewMemoryStore(), nil
	case "file":
		p := u.Path
		if u.Host != "" && u.Host != "localhost" {
			// file://./relative/path
			p = u.Host + p
		}
		if p == "" {
			return nil, fmt.Errorf("file location %q has no path", location)
		}
		return NewFileStore(p, logger)
	case "s3":
		q := u.Query()
		cfg := S3Config{
			Bucket:    u.Host,
			Prefix:    strings.TrimPrefix(u.Path, "/"),
			Region:    q.Get("region"),
			Endpoint:  q.Get("endpoint"),
			PathStyle: q.Get("path_style") == "true" || q.Get("endpoint") != "",
		}
		if u.User != nil {
			cfg.AccessKey = u.User.Username()
			cfg.SecretKey, _ = u.User.Password()
		}
		return NewS3Store(cfg, logger)
	default:
		return nil, fmt.Errorf("unsupported content location scheme %q", u.Scheme)
	}
}
