package s3util

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/rs/zerolog/log"
)

// ObjectInfo is one listed object.
type ObjectInfo struct {
	Key  string
	Size int64
}

// PageFunc receives one page of listed objects. Returning an error stops
// the listing.
type PageFunc func(objects []ObjectInfo) error

// WalkPrefix lists every object under prefix page by page. A page that fails
// to list is retried once before the error is returned; the paginator keeps
// its continuation token across a failed call, so the retry re-reads the
// same page. ctx is checked between pages.
func WalkPrefix(ctx context.Context, client Client, bucket, prefix string, pageSize int32, fn PageFunc) error {
	input := &s3.ListObjectsV2Input{
		Bucket: &bucket,
		Prefix: &prefix,
	}
	if pageSize > 0 {
		input.MaxKeys = aws.Int32(pageSize)
	}
	paginator := s3.NewListObjectsV2Paginator(client, input)

	pages := 0
	for paginator.HasMorePages() {
		if err := ctx.Err(); err != nil {
			return err
		}

		page, err := paginator.NextPage(ctx)
		if err != nil {
			log.Warn().Err(err).Str("prefix", prefix).Int("page", pages+1).Msg("S3 list page failed, retrying once")
			page, err = paginator.NextPage(ctx)
			if err != nil {
				return fmt.Errorf("S3 ListObjectsV2 %s: %w", prefix, err)
			}
		}
		pages++

		if len(page.Contents) == 0 {
			continue
		}
		if err := fn(toObjectInfo(page.Contents)); err != nil {
			return err
		}
	}
	return nil
}

// ListPrefix returns every object under prefix.
func ListPrefix(ctx context.Context, client Client, bucket, prefix string) ([]ObjectInfo, error) {
	var all []ObjectInfo
	err := WalkPrefix(ctx, client, bucket, prefix, 0, func(objs []ObjectInfo) error {
		all = append(all, objs...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return all, nil
}

// SumPrefix returns the object count and total size under prefix.
func SumPrefix(ctx context.Context, client Client, bucket, prefix string) (count int, bytes int64, err error) {
	err = WalkPrefix(ctx, client, bucket, prefix, 0, func(objs []ObjectInfo) error {
		for _, o := range objs {
			count++
			bytes += o.Size
		}
		return nil
	})
	return count, bytes, err
}

func toObjectInfo(objs []s3types.Object) []ObjectInfo {
	out := make([]ObjectInfo, 0, len(objs))
	for _, o := range objs {
		out = append(out, ObjectInfo{Key: aws.ToString(o.Key), Size: aws.ToInt64(o.Size)})
	}
	return out
}
