package s3util

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/rs/zerolog/log"
)

// CopySource builds the CopySource value for bucket/key. Each key segment is
// URL-encoded; the separators are kept.
func CopySource(bucket, key string) string {
	segs := strings.Split(key, "/")
	for i, s := range segs {
		segs[i] = url.PathEscape(s)
	}
	return bucket + "/" + strings.Join(segs, "/")
}

// CopyObject copies srcKey to dstKey within bucket, replacing any object at
// dstKey. The source is left untouched.
func CopyObject(ctx context.Context, client Client, bucket, srcKey, dstKey string) error {
	src := CopySource(bucket, srcKey)
	_, err := client.CopyObject(ctx, &s3.CopyObjectInput{
		Bucket:           &bucket,
		Key:              &dstKey,
		CopySource:       &src,
		Tagging:          ProjectTagging(),
		TaggingDirective: s3types.TaggingDirectiveReplace,
	})
	if err != nil {
		return fmt.Errorf("S3 CopyObject %s -> %s: %w", srcKey, dstKey, err)
	}

	log.Debug().Str("src", srcKey).Str("dst", dstKey).Msg("Object copied")
	return nil
}

// PutBytes uploads body to key with the given content type.
func PutBytes(ctx context.Context, client Client, bucket, key string, body []byte, contentType string) error {
	_, err := client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      &bucket,
		Key:         &key,
		Body:        bytes.NewReader(body),
		ContentType: &contentType,
		Tagging:     ProjectTagging(),
	})
	if err != nil {
		return fmt.Errorf("S3 PutObject %s: %w", key, err)
	}

	log.Debug().Str("key", key).Int("bytes", len(body)).Str("contentType", contentType).Msg("Object uploaded")
	return nil
}
