package schema

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

type s3API interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// S3Store reads schemas from s3://<bucket>/<prefix>/<version>.xml.
type S3Store struct {
	client s3API
	bucket string
	prefix string
}

// NewS3Store returns a store backed by client. It panics when client or bucket is missing.
func NewS3Store(client s3API, bucket, prefix string) *S3Store {
	if client == nil {
		panic("docflow: s3 client is required")
	}
	if strings.TrimSpace(bucket) == "" {
		panic("docflow: s3 bucket is required")
	}
	return &S3Store{client: client, bucket: bucket, prefix: strings.Trim(prefix, "/")}
}

func (s *S3Store) key(version string) string {
	if s.prefix == "" {
		return version + ".xml"
	}
	return s.prefix + "/" + version + ".xml"
}

// Load implements Store.
func (s *S3Store) Load(ctx context.Context, version string) ([]byte, error) {
	if err := checkVersion(version); err != nil {
		return nil, err
	}

	bucket, key := s.bucket, s.key(version)
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{Bucket: &bucket, Key: &key})
	if err != nil {
		if isS3NotFound(err) {
			return nil, notFound(version)
		}
		return nil, fmt.Errorf("get s3 object key=%q: %w", key, err)
	}
	defer out.Body.Close()

	raw, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("read s3 object key=%q: %w", key, err)
	}
	return raw, nil
}

func isS3NotFound(err error) bool {
	var noSuchKey *types.NoSuchKey
	if errors.As(err, &noSuchKey) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound":
			return true
		}
	}
	return false
}
