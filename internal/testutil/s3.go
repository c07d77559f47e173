// Package testutil provides in-memory fakes of the AWS services used by the
// batch pipeline.
package testutil

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/url"
	"sort"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// Object is a stored fake object.
type Object struct {
	Body            []byte
	ContentType     string
	ContentEncoding string
	Tagging         string
}

// S3 is an in-memory S3 fake covering the calls made by s3util. Listing
// honors MaxKeys and continuation tokens; the token is the last key
// returned, so deleting listed keys between pages never skips objects.
type S3 struct {
	mu      sync.Mutex
	buckets map[string]map[string]*Object

	// PageSize caps list pages when the request sets no MaxKeys.
	PageSize int

	// CopyErr, when set, is consulted before every copy.
	CopyErr func(srcKey string) error
	// ListFailures makes the next n ListObjectsV2 calls fail.
	ListFailures int
	// DeleteDenied keys are reported as per-key DeleteObjects errors.
	DeleteDenied map[string]bool

	calls map[string]int
}

// NewS3 returns an empty fake.
func NewS3() *S3 {
	return &S3{
		buckets:      make(map[string]map[string]*Object),
		DeleteDenied: make(map[string]bool),
		calls:        make(map[string]int),
	}
}

// Put stores body at bucket/key.
func (f *S3) Put(bucket, key string, body []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bucket(bucket)[key] = &Object{Body: append([]byte(nil), body...)}
}

// PutObjectWith stores a fully specified object.
func (f *S3) PutObjectWith(bucket, key string, obj Object) {
	f.mu.Lock()
	defer f.mu.Unlock()
	o := obj
	f.bucket(bucket)[key] = &o
}

// Get returns the stored object.
func (f *S3) Get(bucket, key string) (Object, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.buckets[bucket][key]
	if !ok {
		return Object{}, false
	}
	return *o, true
}

// Keys returns the sorted keys under prefix.
func (f *S3) Keys(bucket, prefix string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sortedKeys(bucket, prefix)
}

// Calls returns how many times the named API was invoked.
func (f *S3) Calls(api string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[api]
}

func (f *S3) bucket(name string) map[string]*Object {
	b, ok := f.buckets[name]
	if !ok {
		b = make(map[string]*Object)
		f.buckets[name] = b
	}
	return b
}

func (f *S3) sortedKeys(bucket, prefix string) []string {
	var keys []string
	for k := range f.buckets[bucket] {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

func noSuchKey(key string) error {
	return &s3types.NoSuchKey{Message: aws.String("no such key: " + key)}
}

func (f *S3) CopyObject(_ context.Context, in *s3.CopyObjectInput, _ ...func(*s3.Options)) (*s3.CopyObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["CopyObject"]++

	src, err := url.PathUnescape(aws.ToString(in.CopySource))
	if err != nil {
		return nil, fmt.Errorf("bad copy source: %w", err)
	}
	srcBucket, srcKey, ok := strings.Cut(src, "/")
	if !ok {
		return nil, fmt.Errorf("bad copy source %q", src)
	}
	if f.CopyErr != nil {
		if err := f.CopyErr(srcKey); err != nil {
			return nil, err
		}
	}

	obj, ok := f.buckets[srcBucket][srcKey]
	if !ok {
		return nil, noSuchKey(srcKey)
	}
	cp := *obj
	cp.Body = append([]byte(nil), obj.Body...)
	cp.Tagging = aws.ToString(in.Tagging)
	f.bucket(aws.ToString(in.Bucket))[aws.ToString(in.Key)] = &cp
	return &s3.CopyObjectOutput{}, nil
}

func (f *S3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	var body []byte
	if in.Body != nil {
		var err error
		if body, err = io.ReadAll(in.Body); err != nil {
			return nil, err
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["PutObject"]++
	f.bucket(aws.ToString(in.Bucket))[aws.ToString(in.Key)] = &Object{
		Body:            body,
		ContentType:     aws.ToString(in.ContentType),
		ContentEncoding: aws.ToString(in.ContentEncoding),
		Tagging:         aws.ToString(in.Tagging),
	}
	return &s3.PutObjectOutput{}, nil
}

func (f *S3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["GetObject"]++

	obj, ok := f.buckets[aws.ToString(in.Bucket)][aws.ToString(in.Key)]
	if !ok {
		return nil, noSuchKey(aws.ToString(in.Key))
	}
	out := &s3.GetObjectOutput{
		Body:          io.NopCloser(bytes.NewReader(append([]byte(nil), obj.Body...))),
		ContentLength: aws.Int64(int64(len(obj.Body))),
	}
	if obj.ContentType != "" {
		out.ContentType = aws.String(obj.ContentType)
	}
	if obj.ContentEncoding != "" {
		out.ContentEncoding = aws.String(obj.ContentEncoding)
	}
	return out, nil
}

func (f *S3) HeadObject(_ context.Context, in *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["HeadObject"]++

	obj, ok := f.buckets[aws.ToString(in.Bucket)][aws.ToString(in.Key)]
	if !ok {
		return nil, &s3types.NotFound{Message: aws.String("not found")}
	}
	return &s3.HeadObjectOutput{ContentLength: aws.Int64(int64(len(obj.Body)))}, nil
}

func (f *S3) DeleteObject(_ context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["DeleteObject"]++
	delete(f.buckets[aws.ToString(in.Bucket)], aws.ToString(in.Key))
	return &s3.DeleteObjectOutput{}, nil
}

func (f *S3) DeleteObjects(_ context.Context, in *s3.DeleteObjectsInput, _ ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["DeleteObjects"]++

	if in.Delete == nil || len(in.Delete.Objects) == 0 {
		return nil, fmt.Errorf("MalformedXML: no objects")
	}
	if len(in.Delete.Objects) > 1000 {
		return nil, fmt.Errorf("MalformedXML: %d objects exceeds 1000", len(in.Delete.Objects))
	}

	out := &s3.DeleteObjectsOutput{}
	b := f.buckets[aws.ToString(in.Bucket)]
	for _, id := range in.Delete.Objects {
		key := aws.ToString(id.Key)
		if f.DeleteDenied[key] {
			out.Errors = append(out.Errors, s3types.Error{
				Key:     aws.String(key),
				Code:    aws.String("AccessDenied"),
				Message: aws.String("Access Denied"),
			})
			continue
		}
		delete(b, key)
		out.Deleted = append(out.Deleted, s3types.DeletedObject{Key: aws.String(key)})
	}
	return out, nil
}

func (f *S3) ListObjectsV2(_ context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["ListObjectsV2"]++

	if f.ListFailures > 0 {
		f.ListFailures--
		return nil, fmt.Errorf("InternalError: injected list failure")
	}

	limit := 1000
	if f.PageSize > 0 {
		limit = f.PageSize
	}
	if in.MaxKeys != nil && *in.MaxKeys > 0 {
		limit = int(*in.MaxKeys)
	}

	after := aws.ToString(in.ContinuationToken)
	if after == "" {
		after = aws.ToString(in.StartAfter)
	}

	b := f.buckets[aws.ToString(in.Bucket)]
	out := &s3.ListObjectsV2Output{IsTruncated: aws.Bool(false)}
	for _, k := range f.sortedKeys(aws.ToString(in.Bucket), aws.ToString(in.Prefix)) {
		if after != "" && k <= after {
			continue
		}
		if len(out.Contents) == limit {
			out.IsTruncated = aws.Bool(true)
			out.NextContinuationToken = out.Contents[len(out.Contents)-1].Key
			break
		}
		out.Contents = append(out.Contents, s3types.Object{
			Key:  aws.String(k),
			Size: aws.Int64(int64(len(b[k].Body))),
		})
	}
	out.KeyCount = aws.Int32(int32(len(out.Contents)))
	return out, nil
}
