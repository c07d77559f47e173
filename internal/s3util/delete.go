package s3util

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/rs/zerolog/log"
)

// MaxDeleteBatch is the DeleteObjects limit per call.
const MaxDeleteBatch = 1000

// KeyError is a per-key failure reported inside a DeleteObjects response.
type KeyError struct {
	Key     string
	Code    string
	Message string
}

func (e *KeyError) Error() string {
	return fmt.Sprintf("delete %s: %s: %s", e.Key, e.Code, e.Message)
}

// DeleteKeys deletes keys in batches of at most MaxDeleteBatch and returns
// the keys S3 confirmed as deleted. Per-key failures do not stop later
// batches; they are joined into the returned error as *KeyError values. A
// failed request aborts immediately.
func DeleteKeys(ctx context.Context, client Client, bucket string, keys []string) ([]string, error) {
	var deleted []string
	var keyErrs []error

	for start := 0; start < len(keys); start += MaxDeleteBatch {
		end := min(start+MaxDeleteBatch, len(keys))

		ids := make([]s3types.ObjectIdentifier, 0, end-start)
		for _, k := range keys[start:end] {
			ids = append(ids, s3types.ObjectIdentifier{Key: aws.String(k)})
		}

		out, err := client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
			Bucket: &bucket,
			Delete: &s3types.Delete{Objects: ids, Quiet: aws.Bool(false)},
		})
		if err != nil {
			return deleted, fmt.Errorf("S3 DeleteObjects (%d keys): %w", len(ids), err)
		}

		for _, d := range out.Deleted {
			deleted = append(deleted, aws.ToString(d.Key))
		}
		for _, e := range out.Errors {
			keyErrs = append(keyErrs, &KeyError{
				Key:     aws.ToString(e.Key),
				Code:    aws.ToString(e.Code),
				Message: aws.ToString(e.Message),
			})
		}

		log.Debug().
			Int("requested", len(ids)).
			Int("deleted", len(out.Deleted)).
			Int("errors", len(out.Errors)).
			Msg("S3 delete batch complete")
	}

	if len(keyErrs) > 0 {
		return deleted, fmt.Errorf("%d of %d keys not deleted: %w", len(keyErrs), len(keys), errors.Join(keyErrs...))
	}
	return deleted, nil
}

// DeleteObject deletes a single key. Deleting a missing key is not an error.
func DeleteObject(ctx context.Context, client Client, bucket, key string) error {
	_, err := client.DeleteObject(ctx, &s3.DeleteObjectInput{Bucket: &bucket, Key: &key})
	if err != nil {
		return fmt.Errorf("S3 DeleteObject %s: %w", key, err)
	}
	return nil
}
