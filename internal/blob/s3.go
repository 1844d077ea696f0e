// Package blob reads and writes snapshot archives in S3 buckets.
package blob

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// ObjectAPI is the subset of the S3 client used here.
type ObjectAPI interface {
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Location is a parsed s3://bucket/key URL.
type Location struct {
	Bucket string
	Key    string
}

func (l Location) String() string {
	return "s3://" + l.Bucket + "/" + l.Key
}

// ParseURL parses an s3://bucket/key URL.
func ParseURL(raw string) (Location, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return Location{}, fmt.Errorf("invalid s3 url: %w", err)
	}
	if u.Scheme != "s3" {
		return Location{}, fmt.Errorf("invalid s3 url %q: scheme must be s3", raw)
	}
	loc := Location{Bucket: u.Host, Key: strings.TrimPrefix(u.Path, "/")}
	if loc.Bucket == "" || loc.Key == "" {
		return Location{}, fmt.Errorf("invalid s3 url %q: bucket and key are required", raw)
	}
	return loc, nil
}

// S3 moves whole objects in and out of S3.
type S3 struct {
	Client ObjectAPI

	// MaxSize bounds downloads; zero means unlimited.
	MaxSize int64
}

// NewS3 builds a client from the default AWS configuration chain.
// A non-empty region overrides the configured one.
func NewS3(ctx context.Context, region string) (*S3, error) {
	var opts []func(*config.LoadOptions) error
	if region != "" {
		opts = append(opts, config.WithRegion(region))
	}
	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load aws config: %w", err)
	}
	return &S3{Client: s3.NewFromConfig(cfg)}, nil
}

// Get downloads the object at loc.
func (b *S3) Get(ctx context.Context, loc Location) ([]byte, error) {
	out, err := b.Client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(loc.Bucket),
		Key:    aws.String(loc.Key),
	})
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", loc, err)
	}
	defer out.Body.Close()

	var r io.Reader = out.Body
	if b.MaxSize > 0 {
		r = io.LimitReader(out.Body, b.MaxSize+1)
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", loc, err)
	}
	if b.MaxSize > 0 && int64(len(data)) > b.MaxSize {
		return nil, fmt.Errorf("object %s exceeds %d bytes", loc, b.MaxSize)
	}
	return data, nil
}

// Put uploads data to loc.
func (b *S3) Put(ctx context.Context, loc Location, data []byte, contentType string) error {
	in := &s3.PutObjectInput{
		Bucket: aws.String(loc.Bucket),
		Key:    aws.String(loc.Key),
		Body:   bytes.NewReader(data),
	}
	if contentType != "" {
		in.ContentType = aws.String(contentType)
	}
	if _, err := b.Client.PutObject(ctx, in); err != nil {
		return fmt.Errorf("put %s: %w", loc, err)
	}
	return nil
}
