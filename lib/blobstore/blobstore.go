/*
Copyright 2025 Supabase, Inc.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package blobstore adapts an S3-compatible object store behind a narrow
// client surface. Construction supports endpoint overrides and path-style
// addressing for S3-compatible stores like MinIO.
package blobstore

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/url"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/gravitational/trace"

	"github.com/supabase/storage-sub002"
	"github.com/supabase/storage-sub002/lib/logutils"
)

var log = logutils.NewPackageLogger(storage.ComponentBlobstore)

// Client is the subset of the S3 API the adapter uses. Satisfied by
// *s3.Client; tests substitute a fake.
type Client interface {
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	CopyObject(ctx context.Context, params *s3.CopyObjectInput, optFns ...func(*s3.Options)) (*s3.CopyObjectOutput, error)
}

// Presigner is the presigned-URL surface. Satisfied by *s3.PresignClient.
type Presigner interface {
	PresignGetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error)
	PresignPutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error)
}

// Config configures the blobstore adapter.
type Config struct {
	// Endpoint overrides the S3 endpoint; empty uses AWS.
	Endpoint string
	// Region is the signing region.
	Region string
	// ForcePathStyle addresses buckets by path instead of subdomain, needed
	// by most S3-compatible stores.
	ForcePathStyle bool
	// AccessKey and SecretKey, when both set, use static credentials;
	// otherwise the default AWS credential chain applies.
	AccessKey string
	SecretKey string
	// Logger is the adapter logger.
	Logger *slog.Logger

	// Client and PresignClient override construction, for tests.
	Client        Client
	PresignClient Presigner
}

// CheckAndSetDefaults checks and sets defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.Region == "" && c.Client == nil {
		return trace.BadParameter("missing parameter Region")
	}
	if c.Logger == nil {
		c.Logger = log
	}
	return nil
}

// ObjectInfo is object metadata common to head, get, and put results.
type ObjectInfo struct {
	ContentLength int64
	ContentType   string
	CacheControl  string
	ETag          string
	LastModified  time.Time
}

// Store is the S3-compatible object store adapter.
type Store struct {
	cfg     Config
	client  Client
	presign Presigner
}

// New creates a blobstore adapter.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}

	client := cfg.Client
	presign := cfg.PresignClient
	if client == nil {
		loadOpts := []func(*awsconfig.LoadOptions) error{
			awsconfig.WithRegion(cfg.Region),
		}
		if cfg.AccessKey != "" && cfg.SecretKey != "" {
			loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
				credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")))
		}
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
		if err != nil {
			return nil, trace.Wrap(err, "loading AWS configuration")
		}
		s3Client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
			if cfg.Endpoint != "" {
				o.BaseEndpoint = aws.String(cfg.Endpoint)
			}
			o.UsePathStyle = cfg.ForcePathStyle
		})
		client = s3Client
		if presign == nil {
			presign = s3.NewPresignClient(s3Client)
		}
	}

	return &Store{cfg: cfg, client: client, presign: presign}, nil
}

// Head returns object metadata without the body.
func (s *Store) Head(ctx context.Context, bucket, key string) (*ObjectInfo, error) {
	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, convertError(err, bucket, key)
	}
	return &ObjectInfo{
		ContentLength: aws.ToInt64(out.ContentLength),
		ContentType:   aws.ToString(out.ContentType),
		CacheControl:  aws.ToString(out.CacheControl),
		ETag:          aws.ToString(out.ETag),
		LastModified:  aws.ToTime(out.LastModified),
	}, nil
}

// Get returns the object body and metadata. The caller closes the reader.
func (s *Store) Get(ctx context.Context, bucket, key string) (io.ReadCloser, *ObjectInfo, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, nil, convertError(err, bucket, key)
	}
	return out.Body, &ObjectInfo{
		ContentLength: aws.ToInt64(out.ContentLength),
		ContentType:   aws.ToString(out.ContentType),
		CacheControl:  aws.ToString(out.CacheControl),
		ETag:          aws.ToString(out.ETag),
		LastModified:  aws.ToTime(out.LastModified),
	}, nil
}

// PutOptions carry optional object attributes on upload.
type PutOptions struct {
	ContentType  string
	CacheControl string
}

// Put uploads an object and returns its resulting ETag.
func (s *Store) Put(ctx context.Context, bucket, key string, body io.Reader, opts PutOptions) (string, error) {
	input := &s3.PutObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
		Body:   body,
	}
	if opts.ContentType != "" {
		input.ContentType = aws.String(opts.ContentType)
	}
	if opts.CacheControl != "" {
		input.CacheControl = aws.String(opts.CacheControl)
	}
	out, err := s.client.PutObject(ctx, input)
	if err != nil {
		return "", convertError(err, bucket, key)
	}
	return aws.ToString(out.ETag), nil
}

// Delete removes an object. Deleting a missing key succeeds, matching S3.
func (s *Store) Delete(ctx context.Context, bucket, key string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	return convertError(err, bucket, key)
}

// Copy server-side copies an object.
func (s *Store) Copy(ctx context.Context, srcBucket, srcKey, dstBucket, dstKey string) (string, error) {
	out, err := s.client.CopyObject(ctx, &s3.CopyObjectInput{
		Bucket:     aws.String(dstBucket),
		Key:        aws.String(dstKey),
		CopySource: aws.String(url.PathEscape(srcBucket + "/" + srcKey)),
	})
	if err != nil {
		return "", convertError(err, srcBucket, srcKey)
	}
	var etag string
	if out.CopyObjectResult != nil {
		etag = aws.ToString(out.CopyObjectResult.ETag)
	}
	return etag, nil
}

// SignedGetURL returns a presigned download URL.
func (s *Store) SignedGetURL(ctx context.Context, bucket, key string, expires time.Duration) (string, error) {
	req, err := s.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(expires))
	if err != nil {
		return "", convertError(err, bucket, key)
	}
	return req.URL, nil
}

// SignedPutURL returns a presigned upload URL.
func (s *Store) SignedPutURL(ctx context.Context, bucket, key string, expires time.Duration) (string, error) {
	req, err := s.presign.PresignPutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(expires))
	if err != nil {
		return "", convertError(err, bucket, key)
	}
	return req.URL, nil
}

// convertError maps S3 missing-object failures onto not-found.
func convertError(err error, bucket, key string) error {
	if err == nil {
		return nil
	}
	var noSuchKey *s3types.NoSuchKey
	var notFound *s3types.NotFound
	var noSuchBucket *s3types.NoSuchBucket
	if errors.As(err, &noSuchKey) || errors.As(err, &notFound) {
		return trace.NotFound("object %q not found in bucket %q", key, bucket)
	}
	if errors.As(err, &noSuchBucket) {
		return trace.NotFound("bucket %q not found", bucket)
	}
	return trace.Wrap(err)
}
