// Copyright (C) 2024 Inkwell Labs.
// See LICENSE for copying information.

package objstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/zeebo/errs"
	"go.uber.org/zap"
)

// S3Config configures the S3 provider. It works against AWS and against
// S3-compatible services through the endpoint override.
type S3Config struct {
	Endpoint        string `help:"S3-compatible endpoint URL; empty uses AWS" default:""`
	Region          string `help:"S3 region" default:"us-east-1"`
	AccessKeyID     string `help:"S3 access key id" default:""`
	SecretAccessKey string `help:"S3 secret access key" default:""`
	UsePathStyle    bool   `help:"use path-style addressing, required by most S3 compatibles" default:"false"`
}

// S3Store stores objects in S3. ETags are whatever the backend reports,
// since S3 does not let the client pick the algorithm.
type S3Store struct {
	log           *zap.Logger
	client        *s3.Client
	presign       *s3.PresignClient
	defaultBucket string
}

var _ Store = (*S3Store)(nil)

// OpenS3Store connects an S3Store.
func OpenS3Store(ctx context.Context, log *zap.Logger, defaultBucket string, config S3Config) (*S3Store, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(config.Region),
		awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(config.AccessKeyID, config.SecretAccessKey, "")),
	)
	if err != nil {
		return nil, Error.Wrap(err)
	}

	client := s3.NewFromConfig(cfg, func(options *s3.Options) {
		if config.Endpoint != "" {
			options.BaseEndpoint = aws.String(config.Endpoint)
		}
		options.UsePathStyle = config.UsePathStyle
	})

	return &S3Store{
		log:           log,
		client:        client,
		presign:       s3.NewPresignClient(client),
		defaultBucket: defaultBucket,
	}, nil
}

func (store *S3Store) bucket(name string) string {
	if name == "" {
		return store.defaultBucket
	}
	return name
}

// GenerateUploadURL issues a presigned PUT pinned to the content type and
// size, so a client cannot upload something other than what it declared.
func (store *S3Store) GenerateUploadURL(ctx context.Context, bucket, key, contentType string, size int64, expiry time.Duration) (_ *SignedUpload, err error) {
	defer mon.Task()(&ctx)(&err)

	request, err := store.presign.PresignPutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(store.bucket(bucket)),
		Key:           aws.String(key),
		ContentType:   aws.String(contentType),
		ContentLength: aws.Int64(size),
	}, s3.WithPresignExpires(expiry))
	if err != nil {
		return nil, Error.Wrap(err)
	}

	headers := make(map[string]string, len(request.SignedHeader))
	for name, values := range request.SignedHeader {
		if strings.EqualFold(name, "Host") || len(values) == 0 {
			continue
		}
		headers[name] = values[0]
	}
	return &SignedUpload{URL: request.URL, Headers: headers}, nil
}

// GenerateDownloadURL issues a presigned GET.
func (store *S3Store) GenerateDownloadURL(ctx context.Context, bucket, key string, expiry time.Duration, filename string) (_ string, err error) {
	defer mon.Task()(&ctx)(&err)

	input := &s3.GetObjectInput{
		Bucket: aws.String(store.bucket(bucket)),
		Key:    aws.String(key),
	}
	if filename != "" {
		input.ResponseContentDisposition = aws.String(
			fmt.Sprintf("attachment; filename=%s", strconv.Quote(filename)))
	}

	request, err := store.presign.PresignGetObject(ctx, input, s3.WithPresignExpires(expiry))
	if err != nil {
		return "", Error.Wrap(err)
	}
	return request.URL, nil
}

// HeadObject fetches object metadata.
func (store *S3Store) HeadObject(ctx context.Context, bucket, key string) (_ *ObjectInfo, err error) {
	defer mon.Task()(&ctx)(&err)

	out, err := store.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(store.bucket(bucket)),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, store.convertError(err, bucket, key)
	}
	return &ObjectInfo{
		Size:        aws.ToInt64(out.ContentLength),
		ETag:        strings.Trim(aws.ToString(out.ETag), `"`),
		ContentType: aws.ToString(out.ContentType),
	}, nil
}

// GetObject fetches the object body.
func (store *S3Store) GetObject(ctx context.Context, bucket, key string) (_ []byte, err error) {
	defer mon.Task()(&ctx)(&err)

	out, err := store.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(store.bucket(bucket)),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, store.convertError(err, bucket, key)
	}
	defer func() { err = errs.Combine(err, out.Body.Close()) }()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return data, nil
}

// PutObject stores the body.
func (store *S3Store) PutObject(ctx context.Context, bucket, key string, body []byte, contentType string) (_ *ObjectInfo, err error) {
	defer mon.Task()(&ctx)(&err)

	input := &s3.PutObjectInput{
		Bucket:        aws.String(store.bucket(bucket)),
		Key:           aws.String(key),
		Body:          bytes.NewReader(body),
		ContentLength: aws.Int64(int64(len(body))),
	}
	if contentType != "" {
		input.ContentType = aws.String(contentType)
	}

	out, err := store.client.PutObject(ctx, input)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return &ObjectInfo{
		Size:        int64(len(body)),
		ETag:        strings.Trim(aws.ToString(out.ETag), `"`),
		ContentType: contentType,
	}, nil
}

// CopyObject copies an object inside the backend.
func (store *S3Store) CopyObject(ctx context.Context, srcBucket, srcKey, dstBucket, dstKey string) (err error) {
	defer mon.Task()(&ctx)(&err)

	// CopySource wants the slashes kept and everything else escaped.
	source := (&url.URL{Path: "/" + store.bucket(srcBucket) + "/" + srcKey}).EscapedPath()

	_, err = store.client.CopyObject(ctx, &s3.CopyObjectInput{
		Bucket:     aws.String(store.bucket(dstBucket)),
		Key:        aws.String(dstKey),
		CopySource: aws.String(strings.TrimPrefix(source, "/")),
	})
	return Error.Wrap(err)
}

// DeleteObject removes the object. S3 deletes are already idempotent.
func (store *S3Store) DeleteObject(ctx context.Context, bucket, key string) (err error) {
	defer mon.Task()(&ctx)(&err)

	_, err = store.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(store.bucket(bucket)),
		Key:    aws.String(key),
	})
	return Error.Wrap(err)
}

func (store *S3Store) convertError(err error, bucket, key string) error {
	var notFound *types.NotFound
	var noSuchKey *types.NoSuchKey
	if errors.As(err, &notFound) || errors.As(err, &noSuchKey) {
		return ErrNotFound.New("%s/%s", store.bucket(bucket), key)
	}
	return Error.Wrap(err)
}
