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

package blobstore

import (
	"bytes"
	"context"
	"io"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/gravitational/trace"
	"github.com/stretchr/testify/require"

	"github.com/supabase/storage-sub002/lib/logutils"
)

func TestMain(m *testing.M) {
	logutils.InitForTests()
	os.Exit(m.Run())
}

type fakeObject struct {
	body        []byte
	contentType string
	etag        string
}

type fakeS3 struct {
	objects map[string]fakeObject
	copies  []string
}

func newFakeS3() *fakeS3 {
	return &fakeS3{objects: make(map[string]fakeObject)}
}

func objectKey(bucket, key *string) string {
	return aws.ToString(bucket) + "/" + aws.ToString(key)
}

func (f *fakeS3) HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	obj, ok := f.objects[objectKey(params.Bucket, params.Key)]
	if !ok {
		return nil, &s3types.NotFound{}
	}
	return &s3.HeadObjectOutput{
		ContentLength: aws.Int64(int64(len(obj.body))),
		ContentType:   aws.String(obj.contentType),
		ETag:          aws.String(obj.etag),
		LastModified:  aws.Time(time.Unix(1700000000, 0)),
	}, nil
}

func (f *fakeS3) GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	obj, ok := f.objects[objectKey(params.Bucket, params.Key)]
	if !ok {
		return nil, &s3types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{
		Body:          io.NopCloser(bytes.NewReader(obj.body)),
		ContentLength: aws.Int64(int64(len(obj.body))),
		ContentType:   aws.String(obj.contentType),
		ETag:          aws.String(obj.etag),
	}, nil
}

func (f *fakeS3) PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	body, err := io.ReadAll(params.Body)
	if err != nil {
		return nil, err
	}
	f.objects[objectKey(params.Bucket, params.Key)] = fakeObject{
		body:        body,
		contentType: aws.ToString(params.ContentType),
		etag:        "etag-put",
	}
	return &s3.PutObjectOutput{ETag: aws.String("etag-put")}, nil
}

func (f *fakeS3) DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	delete(f.objects, objectKey(params.Bucket, params.Key))
	return &s3.DeleteObjectOutput{}, nil
}

func (f *fakeS3) CopyObject(ctx context.Context, params *s3.CopyObjectInput, optFns ...func(*s3.Options)) (*s3.CopyObjectOutput, error) {
	f.copies = append(f.copies, aws.ToString(params.CopySource)+" -> "+objectKey(params.Bucket, params.Key))
	return &s3.CopyObjectOutput{
		CopyObjectResult: &s3types.CopyObjectResult{ETag: aws.String("etag-copy")},
	}, nil
}

type fakePresigner struct{}

func (fakePresigner) PresignGetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error) {
	return &v4.PresignedHTTPRequest{
		URL: "https://signed.example/" + objectKey(params.Bucket, params.Key) + "?method=GET",
	}, nil
}

func (fakePresigner) PresignPutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error) {
	return &v4.PresignedHTTPRequest{
		URL: "https://signed.example/" + objectKey(params.Bucket, params.Key) + "?method=PUT",
	}, nil
}

func newTestStore(t *testing.T, client Client) *Store {
	t.Helper()
	store, err := New(context.Background(), Config{
		Client:        client,
		PresignClient: fakePresigner{},
	})
	require.NoError(t, err)
	return store
}

func TestPutGetHeadDelete(t *testing.T) {
	ctx := context.Background()
	fake := newFakeS3()
	store := newTestStore(t, fake)

	etag, err := store.Put(ctx, "bucket", "a/b.txt", strings.NewReader("hello"), PutOptions{ContentType: "text/plain"})
	require.NoError(t, err)
	require.Equal(t, "etag-put", etag)

	info, err := store.Head(ctx, "bucket", "a/b.txt")
	require.NoError(t, err)
	require.Equal(t, int64(5), info.ContentLength)
	require.Equal(t, "text/plain", info.ContentType)

	body, info, err := store.Get(ctx, "bucket", "a/b.txt")
	require.NoError(t, err)
	defer body.Close()
	data, err := io.ReadAll(body)
	require.NoError(t, err)
	require.Equal(t, "hello", string(data))
	require.Equal(t, int64(5), info.ContentLength)

	require.NoError(t, store.Delete(ctx, "bucket", "a/b.txt"))
	_, err = store.Head(ctx, "bucket", "a/b.txt")
	require.Error(t, err)
	require.True(t, trace.IsNotFound(err))
}

func TestGetMissingObject(t *testing.T) {
	store := newTestStore(t, newFakeS3())
	_, _, err := store.Get(context.Background(), "bucket", "missing")
	require.Error(t, err)
	require.True(t, trace.IsNotFound(err))
}

func TestCopyEscapesSource(t *testing.T) {
	ctx := context.Background()
	fake := newFakeS3()
	store := newTestStore(t, fake)

	etag, err := store.Copy(ctx, "src bucket", "path/to key", "dst", "dst-key")
	require.NoError(t, err)
	require.Equal(t, "etag-copy", etag)
	require.Len(t, fake.copies, 1)
	// spaces and slashes in the copy source are escaped
	require.Equal(t, "src%20bucket%2Fpath%2Fto%20key -> dst/dst-key", fake.copies[0])
}

func TestSignedURLs(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, newFakeS3())

	get, err := store.SignedGetURL(ctx, "bucket", "k", time.Minute)
	require.NoError(t, err)
	require.Equal(t, "https://signed.example/bucket/k?method=GET", get)

	put, err := store.SignedPutURL(ctx, "bucket", "k", time.Minute)
	require.NoError(t, err)
	require.Equal(t, "https://signed.example/bucket/k?method=PUT", put)
}

func TestConfigValidation(t *testing.T) {
	_, err := New(context.Background(), Config{})
	require.Error(t, err)
	require.True(t, trace.IsBadParameter(err))
}
