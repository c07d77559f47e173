package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/rs/zerolog/log"
)

// DynamoDB key constants for the single-table design.
const (
	jobPKPrefix = "JOB#"
	runPKPrefix = "RUN#"
	skMeta      = "META"
	skResult    = "RESULT#"
	skCancel    = "CANCEL"
)

// DynamoAPI is the subset of the DynamoDB client used by the stores.
type DynamoAPI interface {
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	UpdateItem(ctx context.Context, in *dynamodb.UpdateItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, opts ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	Scan(ctx context.Context, in *dynamodb.ScanInput, opts ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
	BatchGetItem(ctx context.Context, in *dynamodb.BatchGetItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.BatchGetItemOutput, error)
}

var _ DynamoAPI = (*dynamodb.Client)(nil)

// DynamoStore implements BatchJobStore, ResultWriter and ResultReader on
// one DynamoDB table.
type DynamoStore struct {
	client    DynamoAPI
	tableName string
	now       func() time.Time
}

// Compile-time interface checks.
var (
	_ BatchJobStore = (*DynamoStore)(nil)
	_ ResultWriter  = (*DynamoStore)(nil)
	_ ResultReader  = (*DynamoStore)(nil)
)

// NewDynamoStore creates a DynamoStore for the given table.
// The client should be initialized from the shared AWS config.
func NewDynamoStore(client DynamoAPI, tableName string) *DynamoStore {
	return &DynamoStore{
		client:    client,
		tableName: tableName,
		now:       time.Now,
	}
}

// --- Internal helpers ---

func jobPK(jobID string) string { return jobPKPrefix + jobID }

func runPK(runToken string) string { return runPKPrefix + runToken }

func resultSK(fileID string) string { return skResult + fileID }

func keyOf(pk, sk string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK": &types.AttributeValueMemberS{Value: pk},
		"SK": &types.AttributeValueMemberS{Value: sk},
	}
}

func numAttr(n int64) types.AttributeValue {
	return &types.AttributeValueMemberN{Value: strconv.FormatInt(n, 10)}
}

// putItem marshals a domain object and writes it with PK and SK. A non-zero
// expires sets the expiresAt TTL attribute.
// The domain object should use dynamodbav:"-" for fields derived from PK/SK.
func (s *DynamoStore) putItem(ctx context.Context, pk, sk string, data interface{}, expires int64) error {
	item, err := attributevalue.MarshalMap(data)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}

	item["PK"] = &types.AttributeValueMemberS{Value: pk}
	item["SK"] = &types.AttributeValueMemberS{Value: sk}
	if expires > 0 {
		item["expiresAt"] = numAttr(expires)
	}

	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: &s.tableName,
		Item:      item,
	})
	if err != nil {
		return fmt.Errorf("PutItem PK=%s SK=%s: %w", pk, sk, err)
	}
	return nil
}

// getItem reads a single item and unmarshals it into out.
// Returns false if the item does not exist (out is not modified).
func (s *DynamoStore) getItem(ctx context.Context, pk, sk string, out interface{}) (bool, error) {
	result, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      &s.tableName,
		Key:            keyOf(pk, sk),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return false, fmt.Errorf("GetItem PK=%s SK=%s: %w", pk, sk, err)
	}
	if result.Item == nil {
		return false, nil
	}
	if err := attributevalue.UnmarshalMap(result.Item, out); err != nil {
		return false, fmt.Errorf("unmarshal PK=%s SK=%s: %w", pk, sk, err)
	}
	return true, nil
}

// queryBySKPrefix queries all items under pk whose SK begins with skPrefix.
func (s *DynamoStore) queryBySKPrefix(ctx context.Context, pk, skPrefix string) ([]map[string]types.AttributeValue, error) {
	input := &dynamodb.QueryInput{
		TableName:              &s.tableName,
		KeyConditionExpression: aws.String("PK = :pk AND begins_with(SK, :skPrefix)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":       &types.AttributeValueMemberS{Value: pk},
			":skPrefix": &types.AttributeValueMemberS{Value: skPrefix},
		},
	}

	var allItems []map[string]types.AttributeValue
	for {
		result, err := s.client.Query(ctx, input)
		if err != nil {
			return nil, fmt.Errorf("Query PK=%s SK prefix=%s: %w", pk, skPrefix, err)
		}
		allItems = append(allItems, result.Items...)

		if result.LastEvaluatedKey == nil {
			break
		}
		input.ExclusiveStartKey = result.LastEvaluatedKey
	}
	return allItems, nil
}

// scanJobs scans META items matching filter and unmarshals them. The job ID
// is recovered from PK.
func (s *DynamoStore) scanJobs(ctx context.Context, filter string, values map[string]types.AttributeValue) ([]*BatchJob, error) {
	values[":meta"] = &types.AttributeValueMemberS{Value: skMeta}
	input := &dynamodb.ScanInput{
		TableName:                 &s.tableName,
		FilterExpression:          aws.String("SK = :meta AND " + filter),
		ExpressionAttributeNames:  map[string]string{"#s": "status"},
		ExpressionAttributeValues: values,
	}

	var jobs []*BatchJob
	for {
		result, err := s.client.Scan(ctx, input)
		if err != nil {
			return nil, fmt.Errorf("Scan %s: %w", filter, err)
		}
		for _, item := range result.Items {
			job, err := unmarshalJob(item)
			if err != nil {
				return nil, err
			}
			jobs = append(jobs, job)
		}

		if result.LastEvaluatedKey == nil {
			break
		}
		input.ExclusiveStartKey = result.LastEvaluatedKey
	}
	return jobs, nil
}

func unmarshalJob(item map[string]types.AttributeValue) (*BatchJob, error) {
	var job BatchJob
	if err := attributevalue.UnmarshalMap(item, &job); err != nil {
		return nil, fmt.Errorf("unmarshal job: %w", err)
	}
	if pk, ok := item["PK"].(*types.AttributeValueMemberS); ok && len(pk.Value) > len(jobPKPrefix) {
		job.ID = pk.Value[len(jobPKPrefix):]
	}
	return &job, nil
}

// updateMeta applies update to the job's META item. The item must exist.
func (s *DynamoStore) updateMeta(ctx context.Context, jobID, update string, names map[string]string, values map[string]types.AttributeValue) error {
	values[":now"] = numAttr(s.now().Unix())
	_, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 &s.tableName,
		Key:                       keyOf(jobPK(jobID), skMeta),
		UpdateExpression:          aws.String(update + ", updatedAt = :now"),
		ConditionExpression:       aws.String("attribute_exists(PK)"),
		ExpressionAttributeNames:  names,
		ExpressionAttributeValues: values,
	})
	var ccf *types.ConditionalCheckFailedException
	if errors.As(err, &ccf) {
		return fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	return err
}

// --- Batch job operations ---

func (s *DynamoStore) PutBatchJob(ctx context.Context, job *BatchJob) error {
	now := s.now().Unix()
	if job.CreatedAt == 0 {
		job.CreatedAt = now
	}
	job.UpdatedAt = now

	if err := s.putItem(ctx, jobPK(job.ID), skMeta, job, 0); err != nil {
		return fmt.Errorf("put batch job %s: %w", job.ID, err)
	}

	log.Debug().
		Str("jobId", job.ID).
		Str("status", job.Status).
		Str("folder", job.StorageFolder).
		Int("files", len(job.FileIDs)).
		Msg("Batch job persisted to DynamoDB")
	return nil
}

func (s *DynamoStore) GetBatchJob(ctx context.Context, jobID string) (*BatchJob, error) {
	var job BatchJob
	found, err := s.getItem(ctx, jobPK(jobID), skMeta, &job)
	if err != nil {
		return nil, fmt.Errorf("get batch job %s: %w", jobID, err)
	}
	if !found {
		return nil, nil
	}

	job.ID = jobID
	return &job, nil
}

func (s *DynamoStore) UpdateBatchJobStatus(ctx context.Context, jobID, status, errMsg string) error {
	update := "SET #s = :s"
	values := map[string]types.AttributeValue{
		":s": &types.AttributeValueMemberS{Value: status},
	}
	if errMsg != "" {
		update += ", #e = :e"
		values[":e"] = &types.AttributeValueMemberS{Value: errMsg}
	}
	names := map[string]string{"#s": "status"} // "status" is a DynamoDB reserved word
	if errMsg != "" {
		names["#e"] = "error"
	}

	if err := s.updateMeta(ctx, jobID, update, names, values); err != nil {
		return fmt.Errorf("update batch job status %s -> %s: %w", jobID, status, err)
	}

	log.Debug().Str("jobId", jobID).Str("status", status).Msg("Batch job status updated")
	return nil
}

func (s *DynamoStore) CompleteBatchJob(ctx context.Context, jobID string, resultCount, failedCount int) error {
	err := s.updateMeta(ctx, jobID,
		"SET #s = :s, resultCount = :rc, failedCount = :fc",
		map[string]string{"#s": "status"},
		map[string]types.AttributeValue{
			":s":  &types.AttributeValueMemberS{Value: StatusCompleted},
			":rc": numAttr(int64(resultCount)),
			":fc": numAttr(int64(failedCount)),
		})
	if err != nil {
		return fmt.Errorf("complete batch job %s: %w", jobID, err)
	}

	log.Debug().Str("jobId", jobID).Int("results", resultCount).Int("failed", failedCount).Msg("Batch job completed")
	return nil
}

func (s *DynamoStore) ListCleanupEligible(ctx context.Context) ([]*BatchJob, error) {
	jobs, err := s.scanJobs(ctx,
		"#s = :completed AND attribute_exists(storageFolder) AND attribute_not_exists(cleanupCompletedAt)",
		map[string]types.AttributeValue{
			":completed": &types.AttributeValueMemberS{Value: StatusCompleted},
		})
	if err != nil {
		return nil, fmt.Errorf("list cleanup-eligible jobs: %w", err)
	}
	sortJobs(jobs)
	return jobs, nil
}

func (s *DynamoStore) ListLegacyJobsBefore(ctx context.Context, cutoff int64) ([]*BatchJob, error) {
	jobs, err := s.scanJobs(ctx,
		"attribute_not_exists(storageFolder) AND attribute_not_exists(cleanupCompletedAt) AND createdAt < :cutoff",
		map[string]types.AttributeValue{
			":cutoff": numAttr(cutoff),
		})
	if err != nil {
		return nil, fmt.Errorf("list legacy jobs: %w", err)
	}
	sortJobs(jobs)
	return jobs, nil
}

// MarkCleanupCompleted sets cleanupCompletedAt only when it is absent, so
// two concurrent cleanups cannot both claim the same job.
func (s *DynamoStore) MarkCleanupCompleted(ctx context.Context, jobID string, at time.Time) error {
	_, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           &s.tableName,
		Key:                 keyOf(jobPK(jobID), skMeta),
		UpdateExpression:    aws.String("SET cleanupCompletedAt = :at, updatedAt = :at"),
		ConditionExpression: aws.String("attribute_exists(PK) AND attribute_not_exists(cleanupCompletedAt)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":at": numAttr(at.Unix()),
		},
		ReturnValuesOnConditionCheckFailure: types.ReturnValuesOnConditionCheckFailureAllOld,
	})
	if err == nil {
		log.Debug().Str("jobId", jobID).Msg("Cleanup marker set")
		return nil
	}

	var ccf *types.ConditionalCheckFailedException
	if errors.As(err, &ccf) {
		if len(ccf.Item) == 0 {
			return fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
		}
		return fmt.Errorf("%w: %s", ErrAlreadyCleaned, jobID)
	}
	return fmt.Errorf("mark cleanup completed %s: %w", jobID, err)
}

type cancelMarker struct {
	RequestedAt int64 `dynamodbav:"requestedAt"`
}

func (s *DynamoStore) RequestCancel(ctx context.Context, runToken string) error {
	now := s.now()
	marker := cancelMarker{RequestedAt: now.Unix()}
	if err := s.putItem(ctx, runPK(runToken), skCancel, marker, now.Add(CancelTTL).Unix()); err != nil {
		return fmt.Errorf("request cancel %s: %w", runToken, err)
	}
	log.Info().Str("runToken", runToken).Msg("Run cancellation requested")
	return nil
}

func (s *DynamoStore) CancelRequested(ctx context.Context, runToken string) (bool, error) {
	var marker cancelMarker
	found, err := s.getItem(ctx, runPK(runToken), skCancel, &marker)
	if err != nil {
		return false, fmt.Errorf("check cancel %s: %w", runToken, err)
	}
	return found, nil
}

// --- Result operations ---

func (s *DynamoStore) PutResult(ctx context.Context, result *Result) error {
	if result.CreatedAt == 0 {
		result.CreatedAt = s.now().Unix()
	}
	if err := s.putItem(ctx, jobPK(result.JobID), resultSK(result.FileID), result, 0); err != nil {
		return fmt.Errorf("put result %s/%s: %w", result.JobID, result.FileID, err)
	}
	return nil
}

func (s *DynamoStore) ListResults(ctx context.Context, jobID string) ([]*Result, error) {
	items, err := s.queryBySKPrefix(ctx, jobPK(jobID), skResult)
	if err != nil {
		return nil, fmt.Errorf("list results for %s: %w", jobID, err)
	}

	results := make([]*Result, 0, len(items))
	for _, item := range items {
		var r Result
		if err := attributevalue.UnmarshalMap(item, &r); err != nil {
			return nil, fmt.Errorf("unmarshal result: %w", err)
		}
		if sk, ok := item["SK"].(*types.AttributeValueMemberS); ok {
			r.FileID = sk.Value[len(skResult):]
		}
		r.JobID = jobID
		results = append(results, &r)
	}
	return results, nil
}
