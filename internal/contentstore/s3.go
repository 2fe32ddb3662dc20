package contentstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"go.uber.org/zap"

	"github.com/dicej/cargo-component/pkg/protocol"
)

// S3Config locates an S3 or S3-compatible bucket.
type S3Config struct {
	Bucket    string
	Prefix    string
	Region    string
	Endpoint  string // optional, for S3-compatible services
	AccessKey string // optional, falls back to the default credential chain
	SecretKey string
	PathStyle bool
}

// S3Store keeps objects in a bucket under prefix/sha256/<hex>.
type S3Store struct {
	client *s3.S3
	bucket string
	prefix string
	logger *zap.Logger
}

// NewS3Store creates a session for cfg.
func NewS3Store(cfg S3Config, logger *zap.Logger) (*S3Store, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("s3 bucket is required")
	}
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}
	awsCfg := aws.Config{Region: aws.String(region)}
	if cfg.Endpoint != "" {
		awsCfg.Endpoint = aws.String(cfg.Endpoint)
	}
	if cfg.PathStyle {
		awsCfg.S3ForcePathStyle = aws.Bool(true)
	}
	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		awsCfg.Credentials = credentials.NewStaticCredentials(cfg.AccessKey, cfg.SecretKey, "")
	}
	sess, err := session.NewSession(&awsCfg)
	if err != nil {
		return nil, fmt.Errorf("create AWS session: %w", err)
	}
	return &S3Store{
		client: s3.New(sess),
		bucket: cfg.Bucket,
		prefix: strings.Trim(cfg.Prefix, "/"),
		logger: logger,
	}, nil
}

func (s *S3Store) key(d protocol.Digest) string {
	return path.Join(s.prefix, "sha256", d.Hex())
}

func (s *S3Store) Put(ctx context.Context, data []byte) (protocol.Digest, error) {
	d := protocol.DigestOf(data)
	ok, err := s.Has(ctx, d)
	if err != nil {
		return "", err
	}
	if ok {
		return d, nil
	}
	_, err = s.client.PutObjectWithContext(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(s.key(d)),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/octet-stream"),
	})
	if err != nil {
		return "", fmt.Errorf("put object to s3: %w", err)
	}
	s.logger.Debug("content stored in s3",
		zap.String("digest", d.String()),
		zap.String("bucket", s.bucket),
		zap.Int("bytes", len(data)),
	)
	return d, nil
}

func (s *S3Store) Get(ctx context.Context, d protocol.Digest) ([]byte, error) {
	if err := d.Validate(); err != nil {
		return nil, err
	}
	out, err := s.client.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(d)),
	})
	if err != nil {
		if isS3NotFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get object from s3: %w", err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("read s3 object body: %w", err)
	}
	return verify(d, data)
}

func (s *S3Store) Has(ctx context.Context, d protocol.Digest) (bool, error) {
	if err := d.Validate(); err != nil {
		return false, err
	}
	_, err := s.client.HeadObjectWithContext(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(d)),
	})
	if err != nil {
		if isS3NotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("head object in s3: %w", err)
	}
	return true, nil
}

func (s *S3Store) Name() string { return "s3://" + path.Join(s.bucket, s.prefix) }

func isS3NotFound(err error) bool {
	var reqErr awserr.RequestFailure
	if errors.As(err, &reqErr) && reqErr.StatusCode() == http.StatusNotFound {
		return true
	}
	var aerr awserr.Error
	if errors.As(err, &aerr) {
		switch aerr.Code() {
		case s3.ErrCodeNoSuchKey, "NotFound":
			return true
		}
	}
	return false
}
