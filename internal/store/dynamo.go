package store

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/rs/zerolog/log"
)

// DynamoDB key constants for the single-table design.
const (
	pkPrefix = "RUN#"
	skMeta   = "META"
	skResult = "RESULT#"

	// maxBatchWrite is the DynamoDB BatchWriteItem limit per call.
	maxBatchWrite = 25

	// maxUnprocessedPasses bounds resubmission of UnprocessedItems.
	maxUnprocessedPasses = 3
)

// DynamoAPI is the subset of *dynamodb.Client used by DynamoRunStore.
type DynamoAPI interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	BatchWriteItem(ctx context.Context, params *dynamodb.BatchWriteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.BatchWriteItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
}

// DynamoRunStore implements RunStore on a DynamoDB table with PK/SK string keys.
type DynamoRunStore struct {
	client    DynamoAPI
	tableName string
	ttl       time.Duration
	now       func() time.Time
}

// Compile-time interface check.
var _ RunStore = (*DynamoRunStore)(nil)

// NewDynamoRunStore creates a store for the given table. A ttl of zero or less
// disables the expiresAt attribute.
func NewDynamoRunStore(client DynamoAPI, tableName string, ttl time.Duration) *DynamoRunStore {
	return &DynamoRunStore{
		client:    client,
		tableName: tableName,
		ttl:       ttl,
		now:       time.Now,
	}
}

// TableName returns the backing table.
func (s *DynamoRunStore) TableName() string { return s.tableName }

func runPK(runID string) string {
	return pkPrefix + runID
}

func resultSK(seq int) string {
	return fmt.Sprintf("%s%04d", skResult, seq)
}

// marshalItem marshals a domain object and adds PK, SK and, when enabled, TTL.
func (s *DynamoRunStore) marshalItem(pk, sk string, data interface{}) (map[string]types.AttributeValue, error) {
	item, err := attributevalue.MarshalMap(data)
	if err != nil {
		return nil, fmt.Errorf("marshal PK=%s SK=%s: %w", pk, sk, err)
	}
	item["PK"] = &types.AttributeValueMemberS{Value: pk}
	item["SK"] = &types.AttributeValueMemberS{Value: sk}
	if s.ttl > 0 {
		exp := s.now().Add(s.ttl).Unix()
		item["expiresAt"] = &types.AttributeValueMemberN{Value: strconv.FormatInt(exp, 10)}
	}
	return item, nil
}

// PutRun writes the run summary and then its results in batches of 25.
func (s *DynamoRunStore) PutRun(ctx context.Context, run *RunRecord) error {
	if run == nil || run.RunID == "" {
		return fmt.Errorf("put run: run ID is required")
	}
	if run.CreatedAt == 0 {
		run.CreatedAt = s.now().Unix()
	}
	pk := runPK(run.RunID)

	meta, err := s.marshalItem(pk, skMeta, run)
	if err != nil {
		return fmt.Errorf("put run %s: %w", run.RunID, err)
	}
	if _, err := s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: &s.tableName,
		Item:      meta,
	}); err != nil {
		return fmt.Errorf("put run %s: PutItem: %w", run.RunID, err)
	}

	requests := make([]types.WriteRequest, 0, len(run.Results))
	for i, res := range run.Results {
		if res.Seq == 0 {
			res.Seq = i + 1
		}
		item, err := s.marshalItem(pk, resultSK(res.Seq), res)
		if err != nil {
			return fmt.Errorf("put run %s: %w", run.RunID, err)
		}
		requests = append(requests, types.WriteRequest{PutRequest: &types.PutRequest{Item: item}})
	}
	if err := s.batchWrite(ctx, requests); err != nil {
		return fmt.Errorf("put run %s results: %w", run.RunID, err)
	}

	log.Debug().
		Str("runId", run.RunID).
		Str("table", s.tableName).
		Int("results", len(run.Results)).
		Msg("Run record persisted to DynamoDB")
	return nil
}

// batchWrite submits requests in chunks of maxBatchWrite. Unprocessed items
// are resubmitted up to maxUnprocessedPasses times.
func (s *DynamoRunStore) batchWrite(ctx context.Context, requests []types.WriteRequest) error {
	for i := 0; i < len(requests); i += maxBatchWrite {
		end := min(i+maxBatchWrite, len(requests))
		pending := map[string][]types.WriteRequest{s.tableName: requests[i:end]}

		for pass := 0; len(pending[s.tableName]) > 0; pass++ {
			if pass == maxUnprocessedPasses {
				return fmt.Errorf("BatchWriteItem: %d items still unprocessed", len(pending[s.tableName]))
			}
			out, err := s.client.BatchWriteItem(ctx, &dynamodb.BatchWriteItemInput{RequestItems: pending})
			if err != nil {
				return fmt.Errorf("BatchWriteItem (%d items): %w", len(pending[s.tableName]), err)
			}
			pending = out.UnprocessedItems
			if pending == nil {
				break
			}
		}
	}
	return nil
}

// GetRun reads every item of a run. It returns nil, nil when there is no
// summary record.
func (s *DynamoRunStore) GetRun(ctx context.Context, runID string) (*RunRecord, error) {
	items, err := s.queryRun(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("get run %s: %w", runID, err)
	}

	var run *RunRecord
	var results []*ResultRecord
	for _, item := range items {
		skAttr, ok := item["SK"].(*types.AttributeValueMemberS)
		if !ok {
			continue
		}
		sk := skAttr.Value
		switch {
		case sk == skMeta:
			run = &RunRecord{}
			if err := attributevalue.UnmarshalMap(item, run); err != nil {
				return nil, fmt.Errorf("get run %s: unmarshal summary: %w", runID, err)
			}
		case strings.HasPrefix(sk, skResult):
			var res ResultRecord
			if err := attributevalue.UnmarshalMap(item, &res); err != nil {
				return nil, fmt.Errorf("get run %s: unmarshal %s: %w", runID, sk, err)
			}
			seq, err := strconv.Atoi(strings.TrimPrefix(sk, skResult))
			if err != nil {
				log.Warn().Str("runId", runID).Str("sk", sk).Msg("Skipping result with malformed sort key")
				continue
			}
			res.Seq = seq
			results = append(results, &res)
		}
	}
	if run == nil {
		return nil, nil
	}

	sort.Slice(results, func(i, j int) bool { return results[i].Seq < results[j].Seq })
	run.RunID = runID
	run.Results = results
	return run, nil
}

// queryRun returns all raw items under a run's partition key.
func (s *DynamoRunStore) queryRun(ctx context.Context, runID string) ([]map[string]types.AttributeValue, error) {
	pk := runPK(runID)
	input := &dynamodb.QueryInput{
		TableName:              &s.tableName,
		KeyConditionExpression: aws.String("PK = :pk"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk": &types.AttributeValueMemberS{Value: pk},
		},
	}

	var all []map[string]types.AttributeValue
	for {
		result, err := s.client.Query(ctx, input)
		if err != nil {
			return nil, fmt.Errorf("Query PK=%s: %w", pk, err)
		}
		all = append(all, result.Items...)
		if len(result.LastEvaluatedKey) == 0 {
			break
		}
		input.ExclusiveStartKey = result.LastEvaluatedKey
	}
	return all, nil
}
