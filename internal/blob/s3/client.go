// Package s3blob archives trade task documents to S3-compatible object
// storage (AWS S3, MinIO, Cloudflare R2) using AWS SDK v2.
package s3blob

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/alanyoungcy/chaintrader/internal/domain"
)

// archiveRetries bounds SDK retries; an archive write blocks a task delete.
const archiveRetries = 3

// ClientConfig locates the archive bucket. Endpoint is empty for AWS and set
// for MinIO or R2, which usually also need ForcePathStyle.
type ClientConfig struct {
	Endpoint       string
	Region         string
	Bucket         string
	AccessKey      string
	SecretKey      string
	UseSSL         bool // scheme for an Endpoint given without one
	ForcePathStyle bool
}

func (c ClientConfig) validate() error {
	var errs []error
	if c.Bucket == "" {
		errs = append(errs, errors.New("bucket is required"))
	}
	if c.Region == "" {
		errs = append(errs, errors.New("region is required"))
	}
	if (c.AccessKey == "") != (c.SecretKey == "") {
		errs = append(errs, errors.New("access key and secret key must be set together"))
	}
	return errors.Join(errs...)
}

// options translates the endpoint settings into per-client S3 options.
func (c ClientConfig) options() []func(*s3.Options) {
	opts := []func(*s3.Options){
		func(o *s3.Options) {
			o.RetryMaxAttempts = archiveRetries
			o.UsePathStyle = c.ForcePathStyle
		},
	}
	if c.Endpoint != "" {
		endpoint := normaliseEndpoint(c.Endpoint, c.UseSSL)
		opts = append(opts, func(o *s3.Options) { o.BaseEndpoint = aws.String(endpoint) })
	}
	return opts
}

// Client is the archive bucket handle shared by Reader and Writer.
type Client struct {
	s3     *s3.Client
	bucket string
}

// New builds a client. Static keys are used when given; otherwise the default
// AWS credential chain applies.
func New(ctx context.Context, cfg ClientConfig) (*Client, error) {
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("s3blob: %w", err)
	}
	loadOpts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}
	if cfg.AccessKey != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("s3blob: load aws config: %w", err)
	}
	return &Client{
		s3:     s3.NewFromConfig(awsCfg, cfg.options()...),
		bucket: cfg.Bucket,
	}, nil
}

// Health checks the archive bucket is reachable before tasks can be deleted.
// A missing bucket wraps domain.ErrNotFound.
func (c *Client) Health(ctx context.Context) error {
	_, err := c.s3.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(c.bucket)})
	switch {
	case err == nil:
		return nil
	case isNotFound(err):
		return fmt.Errorf("s3blob: archive bucket %s: %w", c.bucket, domain.ErrNotFound)
	default:
		return fmt.Errorf("s3blob: archive bucket %s: %w", c.bucket, err)
	}
}

func (c *Client) S3() *s3.Client { return c.s3 }

func (c *Client) Bucket() string { return c.bucket }

// normaliseEndpoint adds a scheme to a bare host[:port].
func normaliseEndpoint(endpoint string, useSSL bool) string {
	if u, err := url.Parse(endpoint); err == nil && u.Scheme != "" && u.Host != "" {
		return endpoint
	}
	if useSSL {
		return "https://" + endpoint
	}
	return "http://" + endpoint
}

// isNotFound recognises the typed missing-key and missing-bucket errors and
// the bare 404 some S3-compatible providers send instead.
func isNotFound(err error) bool {
	var (
		noKey    *types.NoSuchKey
		noBucket *types.NoSuchBucket
		notFound *types.NotFound
		resp     *awshttp.ResponseError
	)
	switch {
	case errors.As(err, &noKey), errors.As(err, &noBucket), errors.As(err, &notFound):
		return true
	case errors.As(err, &resp):
		return resp.HTTPStatusCode() == http.StatusNotFound
	}
	return false
}
