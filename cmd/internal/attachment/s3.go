package attachment

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// s3API is the minimal S3 interface required by S3Backend.
// *s3.Client from aws-sdk-go-v2 satisfies this interface.
type s3API interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Backend stores objects in S3 (or an S3-compatible store).
//
// PublicBaseURL, when set, is the prefix objects are served from ("https://cdn.example.com");
// the returned URL is PublicBaseURL/<bucket>/<key>. Otherwise the virtual-hosted
// S3 URL for Region is returned.
type S3Backend struct {
	api           s3API
	Region        string
	PublicBaseURL string
}

// NewS3Backend wraps an S3 API client.
func NewS3Backend(api s3API, region, publicBaseURL string) (*S3Backend, error) {
	if api == nil {
		return nil, errors.New("attachment: s3 api must not be nil")
	}
	return &S3Backend{
		api:           api,
		Region:        strings.TrimSpace(region),
		PublicBaseURL: strings.TrimRight(strings.TrimSpace(publicBaseURL), "/"),
	}, nil
}

// Put uploads data with PutObject.
func (b *S3Backend) Put(ctx context.Context, bucket, key string, data []byte, contentType string) (string, error) {
	rel, err := objectPath(bucket, key)
	if err != nil {
		return "", err
	}

	_, err = b.api.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentType:   aws.String(contentType),
		ContentLength: aws.Int64(int64(len(data))),
	})
	if err != nil {
		return "", fmt.Errorf("s3 put %s/%s: %w", bucket, key, err)
	}

	if b.PublicBaseURL != "" {
		return b.PublicBaseURL + "/" + escapePath(rel), nil
	}
	region := b.Region
	if region == "" {
		region = "us-east-1"
	}
	return fmt.Sprintf("https://%s.s3.%s.amazonaws.com/%s", bucket, region, escapePath(key)), nil
}
