// Package s3blob ships the cold-storage side of the journal: closed trades
// and aged incidents leave Postgres as JSONL objects in an S3-compatible
// bucket. MinIO and Cloudflare R2 work through the Endpoint and
// ForcePathStyle options.
package s3blob

import (
	"context"
	"fmt"
	"net/url"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// ClientConfig holds the object store connection settings.
type ClientConfig struct {
	// Endpoint overrides the S3 endpoint URL. Leave empty for AWS itself.
	Endpoint string
	Region   string
	Bucket   string

	AccessKey string
	SecretKey string

	// UseSSL picks the scheme when Endpoint carries none.
	UseSSL bool

	// ForcePathStyle addresses the bucket in the path rather than the
	// subdomain, which most non-AWS providers require.
	ForcePathStyle bool
}

// Client pairs the SDK client with the bucket every archive object targets.
type Client struct {
	s3     *s3.Client
	bucket string
}

// New builds the SDK client with static credentials and the configured
// endpoint overrides.
func New(ctx context.Context, cfg ClientConfig) (*Client, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3blob: bucket name is required")
	}
	if cfg.Region == "" {
		return nil, fmt.Errorf("s3blob: region is required")
	}

	awsCfg, err := config.LoadDefaultConfig(ctx,
		config.WithRegion(cfg.Region),
		config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("s3blob: load aws config: %w", err)
	}

	var opts []func(*s3.Options)
	if cfg.Endpoint != "" {
		endpoint := withScheme(cfg.Endpoint, cfg.UseSSL)
		opts = append(opts, func(o *s3.Options) { o.BaseEndpoint = aws.String(endpoint) })
	}
	if cfg.ForcePathStyle {
		opts = append(opts, func(o *s3.Options) { o.UsePathStyle = true })
	}

	return &Client{
		s3:     s3.NewFromConfig(awsCfg, opts...),
		bucket: cfg.Bucket,
	}, nil
}

// Health checks connectivity and bucket permissions via HeadBucket.
func (c *Client) Health(ctx context.Context) error {
	if _, err := c.s3.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(c.bucket)}); err != nil {
		return fmt.Errorf("s3blob: head bucket %s: %w", c.bucket, err)
	}
	return nil
}

// S3 exposes the SDK client to the writer.
func (c *Client) S3() *s3.Client { return c.s3 }

// Bucket returns the configured bucket name.
func (c *Client) Bucket() string { return c.bucket }

// withScheme prepends http or https when the endpoint lacks a scheme.
func withScheme(endpoint string, useSSL bool) string {
	if parsed, err := url.Parse(endpoint); err == nil && parsed.Scheme != "" {
		return endpoint
	}
	if useSSL {
		return "https://" + endpoint
	}
	return "http://" + endpoint
}
