package biometric

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// MaxReferenceSize bounds a reference image download.
const MaxReferenceSize = 10 << 20

// S3API is the subset of the S3 client used by S3Directory.
type S3API interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// S3Directory serves reference face images stored as <prefix><subject>.jpg.
// It satisfies checks.Directory.
type S3Directory struct {
	client S3API
	bucket string
	prefix string
}

// NewS3Directory creates a directory over an existing client.
func NewS3Directory(client S3API, bucket, prefix string) *S3Directory {
	return &S3Directory{client: client, bucket: bucket, prefix: prefix}
}

// OpenS3Directory loads the default AWS configuration for region.
func OpenS3Directory(ctx context.Context, region, bucket, prefix string) (*S3Directory, error) {
	var opts []func(*config.LoadOptions) error
	if region != "" {
		opts = append(opts, config.WithRegion(region))
	}
	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return NewS3Directory(s3.NewFromConfig(cfg), bucket, prefix), nil
}

// Key returns the object key for subjectID.
func (d *S3Directory) Key(subjectID string) string {
	return d.prefix + subjectID + ".jpg"
}

// ReferenceImage returns nil, nil when no image is stored for subjectID.
func (d *S3Directory) ReferenceImage(ctx context.Context, subjectID string) ([]byte, error) {
	out, err := d.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(d.bucket),
		Key:    aws.String(d.Key(subjectID)),
	})
	if err != nil {
		var missing *types.NoSuchKey
		if errors.As(err, &missing) {
			return nil, nil
		}
		return nil, fmt.Errorf("get reference image: %w", err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(io.LimitReader(out.Body, MaxReferenceSize+1))
	if err != nil {
		return nil, fmt.Errorf("read reference image: %w", err)
	}
	if len(data) > MaxReferenceSize {
		return nil, fmt.Errorf("reference image for %s exceeds %d bytes", subjectID, MaxReferenceSize)
	}
	return data, nil
}
