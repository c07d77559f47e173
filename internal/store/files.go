package store

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/rs/zerolog/log"
)

const (
	filePKPrefix = "FILE#"

	// maxBatchGet is the DynamoDB BatchGetItem limit per call.
	maxBatchGet = 100

	// maxUnprocessedRetries bounds retries of UnprocessedKeys per group.
	maxUnprocessedRetries = 5
)

// FileStore implements FileRegistry on the files table.
type FileStore struct {
	client    DynamoAPI
	tableName string
	backoff   time.Duration
}

var _ FileRegistry = (*FileStore)(nil)

// NewFileStore creates a FileStore for the given table.
func NewFileStore(client DynamoAPI, tableName string) *FileStore {
	return &FileStore{
		client:    client,
		tableName: tableName,
		backoff:   100 * time.Millisecond,
	}
}

func filePK(fileID string) string { return filePKPrefix + fileID }

// PutFile registers a file. Used by seeding tools and tests.
func (s *FileStore) PutFile(ctx context.Context, rec *FileRecord) error {
	item, err := attributevalue.MarshalMap(rec)
	if err != nil {
		return fmt.Errorf("marshal file record: %w", err)
	}
	item["PK"] = &types.AttributeValueMemberS{Value: filePK(rec.ID)}
	item["SK"] = &types.AttributeValueMemberS{Value: skMeta}

	if _, err := s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: &s.tableName,
		Item:      item,
	}); err != nil {
		return fmt.Errorf("PutItem file %s: %w", rec.ID, err)
	}
	return nil
}

// LookupFiles fetches records in groups of 100, retrying unprocessed keys,
// and returns them in the order of ids.
func (s *FileStore) LookupFiles(ctx context.Context, ids []string) ([]FileRecord, error) {
	found := make(map[string]FileRecord, len(ids))

	for i := 0; i < len(ids); i += maxBatchGet {
		end := i + maxBatchGet
		if end > len(ids) {
			end = len(ids)
		}

		seen := make(map[string]bool, end-i)
		keys := make([]map[string]types.AttributeValue, 0, end-i)
		for _, id := range ids[i:end] {
			if seen[id] {
				continue
			}
			seen[id] = true
			keys = append(keys, keyOf(filePK(id), skMeta))
		}

		if err := s.batchGet(ctx, keys, found); err != nil {
			return nil, err
		}
	}

	out := make([]FileRecord, 0, len(ids))
	for _, id := range ids {
		rec, ok := found[id]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrFileNotFound, id)
		}
		out = append(out, rec)
	}

	log.Debug().Int("requested", len(ids)).Int("found", len(found)).Msg("File records resolved")
	return out, nil
}

func (s *FileStore) batchGet(ctx context.Context, keys []map[string]types.AttributeValue, found map[string]FileRecord) error {
	request := map[string]types.KeysAndAttributes{
		s.tableName: {Keys: keys},
	}

	for attempt := 0; len(request) > 0; attempt++ {
		if attempt > maxUnprocessedRetries {
			return fmt.Errorf("BatchGetItem: %d keys still unprocessed after %d retries",
				len(request[s.tableName].Keys), maxUnprocessedRetries)
		}
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(s.backoff * time.Duration(1<<(attempt-1))):
			}
		}

		result, err := s.client.BatchGetItem(ctx, &dynamodb.BatchGetItemInput{RequestItems: request})
		if err != nil {
			return fmt.Errorf("BatchGetItem (%d keys): %w", len(request[s.tableName].Keys), err)
		}

		for _, item := range result.Responses[s.tableName] {
			var rec FileRecord
			if err := attributevalue.UnmarshalMap(item, &rec); err != nil {
				return fmt.Errorf("unmarshal file record: %w", err)
			}
			if pk, ok := item["PK"].(*types.AttributeValueMemberS); ok {
				rec.ID = pk.Value[len(filePKPrefix):]
			}
			found[rec.ID] = rec
		}

		request = result.UnprocessedKeys
		if len(request[s.tableName].Keys) == 0 {
			request = nil
		}
	}
	return nil
}
