package objectstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/google/uuid"

	"github.com/eunalunacho/Altify/internal/config"
)

var (
	// ErrNotFound marks a permanently missing object, as opposed to a
	// transient storage failure.
	ErrNotFound = errors.New("object not found")
	// ErrBadRef marks a locator that is not in bucket/object form.
	ErrBadRef = errors.New("malformed object reference")
)

// Gateway is a content-addressed read/write/delete interface over an
// S3-compatible store (MinIO in local deployments).
type Gateway struct {
	client *s3.Client
	bucket string
}

// New builds the gateway from config, pointing the S3 client at a custom
// endpoint when one is configured.
func New(ctx context.Context, cfg config.Config) (*Gateway, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.S3Region),
	}
	if cfg.S3Endpoint != "" {
		resolver := aws.EndpointResolverWithOptionsFunc(func(service, region string, _ ...interface{}) (aws.Endpoint, error) {
			if service == s3.ServiceID {
				return aws.Endpoint{
					URL:               cfg.S3Endpoint,
					HostnameImmutable: cfg.S3PathStyle,
					SigningRegion:     cfg.S3Region,
					Source:            aws.EndpointSourceCustom,
				}, nil
			}
			return aws.Endpoint{}, &aws.EndpointNotFoundError{}
		})
		opts = append(opts, awsconfig.WithEndpointResolverWithOptions(resolver))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.S3PathStyle
	})
	return &Gateway{client: client, bucket: cfg.S3Bucket}, nil
}

// EnsureBucket creates the configured bucket if it does not exist yet.
func (g *Gateway) EnsureBucket(ctx context.Context) error {
	_, err := g.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(g.bucket)})
	if err == nil {
		return nil
	}
	_, err = g.client.CreateBucket(ctx, &s3.CreateBucketInput{Bucket: aws.String(g.bucket)})
	if err != nil {
		var owned *types.BucketAlreadyOwnedByYou
		if errors.As(err, &owned) {
			return nil
		}
		return fmt.Errorf("create bucket %s: %w", g.bucket, err)
	}
	return nil
}

// Put writes the binary under a freshly generated key, preserving the
// original filename's extension. It returns the bucket/object locator.
func (g *Gateway) Put(ctx context.Context, data []byte, filename, contentType string) (string, error) {
	key := uuid.New().String() + extensionOf(filename)
	if contentType == "" {
		contentType = "image/jpeg"
	}
	_, err := g.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(g.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("put object: %w", err)
	}
	return g.bucket + "/" + key, nil
}

// Get reads the binary at the given bucket/object locator. A missing object
// maps to ErrNotFound; other failures are reported as-is.
func (g *Gateway) Get(ctx context.Context, ref string) ([]byte, string, error) {
	bucket, key, err := splitRef(ref)
	if err != nil {
		return nil, "", err
	}
	out, err := g.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var noKey *types.NoSuchKey
		if errors.As(err, &noKey) {
			return nil, "", fmt.Errorf("%w: %s", ErrNotFound, ref)
		}
		return nil, "", fmt.Errorf("get object %s: %w", ref, err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, "", fmt.Errorf("read object %s: %w", ref, err)
	}
	contentType := ""
	if out.ContentType != nil {
		contentType = *out.ContentType
	}
	return data, contentType, nil
}

// Delete removes the object at the given locator. Used for best-effort
// compensation after a failed commit.
func (g *Gateway) Delete(ctx context.Context, ref string) error {
	bucket, key, err := splitRef(ref)
	if err != nil {
		return err
	}
	if _, err := g.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	}); err != nil {
		return fmt.Errorf("delete object %s: %w", ref, err)
	}
	return nil
}

func splitRef(ref string) (bucket, key string, err error) {
	bucket, key, ok := strings.Cut(ref, "/")
	if !ok || bucket == "" || key == "" {
		return "", "", fmt.Errorf("%w: %q", ErrBadRef, ref)
	}
	return bucket, key, nil
}

func extensionOf(filename string) string {
	ext := strings.ToLower(path.Ext(filename))
	if ext == "" {
		return ".jpg"
	}
	return ext
}
