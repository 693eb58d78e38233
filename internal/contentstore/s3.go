// Package contentstore uploads parameter images to S3 or an S3-compatible
// store and hands back a URL the remote deployment can fetch.
package contentstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"comfydeploy/internal/config"
)

// ErrBucketRequired is returned when the store is built without a bucket
var ErrBucketRequired = errors.New("content store bucket is required")

// UploadError wraps a failed put with the object key and the service error code
type UploadError struct {
	Bucket string
	Key    string
	Code   string
	Err    error
}

func (e *UploadError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("failed to upload s3://%s/%s: %s: %v", e.Bucket, e.Key, e.Code, e.Err)
	}
	return fmt.Sprintf("failed to upload s3://%s/%s: %v", e.Bucket, e.Key, e.Err)
}

func (e *UploadError) Unwrap() error { return e.Err }

// S3Store implements params.Uploader on top of S3
type S3Store struct {
	client    *s3.Client
	presigner *s3.PresignClient
	bucket    string
	prefix    string
	publicURL string
	ttl       time.Duration
	logger    *logrus.Logger

	newKey func(filename string) string
}

// NewS3Store builds a store from configuration using the default AWS
// credential chain unless static keys are configured
func NewS3Store(ctx context.Context, cfg config.StoreConfig, logger *logrus.Logger) (*S3Store, error) {
	if !cfg.Enabled() {
		return nil, ErrBucketRequired
	}
	if logger == nil {
		logger = config.NewLogger()
	}

	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load aws config: %w", err)
	}
	if awsCfg.Region == "" {
		awsCfg.Region = "us-east-1"
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.ForcePathStyle
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})

	ttl := cfg.PresignTTL
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}

	return &S3Store{
		client:    client,
		presigner: s3.NewPresignClient(client),
		bucket:    cfg.Bucket,
		prefix:    strings.Trim(cfg.Prefix, "/"),
		publicURL: strings.TrimRight(cfg.PublicBaseURL, "/"),
		ttl:       ttl,
		logger:    logger,
		newKey:    func(filename string) string { return uuid.NewString() + "-" + filename },
	}, nil
}

// Upload puts the image under a unique key and returns a fetchable URL:
// the public base URL joined with the key when configured, otherwise a
// presigned GET
func (s *S3Store) Upload(ctx context.Context, filename string, r io.Reader) (string, error) {
	// buffer so the request body is seekable for payload signing
	data, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("failed to read upload: %w", err)
	}

	key := s.newKey(filepath.Base(filename))
	if s.prefix != "" {
		key = path.Join(s.prefix, key)
	}
	contentType := mime.TypeByExtension(strings.ToLower(filepath.Ext(filename)))
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
		ContentType:   aws.String(contentType),
	})
	if err != nil {
		return "", s.wrapError(key, err)
	}

	s.logger.WithFields(logrus.Fields{
		"bucket": s.bucket,
		"key":    key,
		"bytes":  len(data),
	}).Debug("Parameter image uploaded")

	if s.publicURL != "" {
		return s.publicURL + "/" + key, nil
	}

	req, err := s.presigner.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(s.ttl))
	if err != nil {
		return "", fmt.Errorf("failed to presign %s: %w", key, err)
	}
	return req.URL, nil
}

func (s *S3Store) wrapError(key string, err error) error {
	wrapped := &UploadError{Bucket: s.bucket, Key: key, Err: err}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		wrapped.Code = apiErr.ErrorCode()
	}
	return wrapped
}
