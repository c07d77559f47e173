package s3util

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/klauspost/compress/gzip"
	"github.com/rs/zerolog/log"
)

// OpenObject returns a reader over the object's content. Objects stored with
// Content-Encoding gzip or a .gz suffix are decompressed transparently. The
// caller must close the returned reader.
func OpenObject(ctx context.Context, client Client, bucket, key string) (io.ReadCloser, error) {
	result, err := client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: &bucket, Key: &key,
	})
	if err != nil {
		return nil, fmt.Errorf("S3 GetObject %s: %w", key, err)
	}

	encoding := aws.ToString(result.ContentEncoding)
	if !strings.EqualFold(encoding, "gzip") && !strings.HasSuffix(key, ".gz") {
		return result.Body, nil
	}

	zr, err := gzip.NewReader(result.Body)
	if err != nil {
		result.Body.Close()
		return nil, fmt.Errorf("gzip %s: %w", key, err)
	}
	log.Debug().Str("key", key).Str("encoding", encoding).Msg("Reading gzip object")
	return &gzipReadCloser{Reader: zr, body: result.Body}, nil
}

type gzipReadCloser struct {
	*gzip.Reader
	body io.Closer
}

func (g *gzipReadCloser) Close() error {
	zerr := g.Reader.Close()
	if err := g.body.Close(); err != nil {
		return err
	}
	return zerr
}

// ReadObject reads the whole object, decompressing as OpenObject does.
func ReadObject(ctx context.Context, client Client, bucket, key string) ([]byte, error) {
	rc, err := OpenObject(ctx, client, bucket, key)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", key, err)
	}
	return data, nil
}

// HeadObject returns the object's size. found is false, with a nil error,
// when the object does not exist.
func HeadObject(ctx context.Context, client Client, bucket, key string) (size int64, found bool, err error) {
	result, err := client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: &bucket, Key: &key,
	})
	if err != nil {
		if IsNotFound(err) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("S3 HeadObject %s: %w", key, err)
	}
	return aws.ToInt64(result.ContentLength), true, nil
}
