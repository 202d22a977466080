package versionstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/hupe1980/rtpart/model"
)

// DDBClient is the subset of the DynamoDB API the store uses.
type DDBClient interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
}

const (
	attrPartition = "partition"
	attrVersion   = "version_id"
	attrBranch    = "branch_id"
	attrRecord    = "record"

	// putCondition keeps records monotonic within a branch.
	putCondition = "attribute_not_exists(#p) OR #b <> :b OR #v <= :v"
)

// DynamoStore keeps version records in a DynamoDB table, using conditional
// writes so concurrent controllers cannot move a record backwards.
//
// Table schema:
//   - Partition key: partition (string) - the partition id, "table/from_to"
//
// Create table with:
//
//	aws dynamodb create-table \
//	  --table-name rtpart-versions \
//	  --attribute-definitions AttributeName=partition,AttributeType=S \
//	  --key-schema AttributeName=partition,KeyType=HASH \
//	  --billing-mode PAY_PER_REQUEST
type DynamoStore struct {
	client DDBClient
	table  string
}

var _ Store = (*DynamoStore)(nil)

// NewDynamoStore creates a store on an existing client.
func NewDynamoStore(client DDBClient, table string) *DynamoStore {
	return &DynamoStore{client: client, table: table}
}

// OpenDynamoStore creates a store from the default AWS config chain.
func OpenDynamoStore(ctx context.Context, table string, optFns ...func(*config.LoadOptions) error) (*DynamoStore, error) {
	cfg, err := config.LoadDefaultConfig(ctx, optFns...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return NewDynamoStore(dynamodb.NewFromConfig(cfg), table), nil
}

func (s *DynamoStore) Get(ctx context.Context, pid model.PartitionID) (Record, error) {
	resp, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.table),
		Key: map[string]types.AttributeValue{
			attrPartition: &types.AttributeValueMemberS{Value: pid.String()},
		},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return Record{}, fmt.Errorf("failed to get record from DynamoDB: %w", err)
	}
	if len(resp.Item) == 0 {
		return Record{}, fmt.Errorf("%w: %s", ErrNotFound, pid)
	}

	attr, ok := resp.Item[attrRecord].(*types.AttributeValueMemberS)
	if !ok {
		return Record{}, errors.New("invalid record attribute in DynamoDB")
	}
	var rec Record
	if err := json.Unmarshal([]byte(attr.Value), &rec); err != nil {
		return Record{}, fmt.Errorf("decode record %s: %w", pid, err)
	}
	return rec, nil
}

func (s *DynamoStore) Put(ctx context.Context, pid model.PartitionID, v model.TableVersion) error {
	data, err := json.Marshal(Record{Partition: pid.String(), Version: v, UpdatedAt: time.Now().UTC()})
	if err != nil {
		return err
	}

	version := strconv.FormatInt(int64(v.VersionID), 10)
	branch := strconv.FormatUint(uint64(v.Meta.BranchID), 10)
	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.table),
		Item: map[string]types.AttributeValue{
			attrPartition: &types.AttributeValueMemberS{Value: pid.String()},
			attrVersion:   &types.AttributeValueMemberN{Value: version},
			attrBranch:    &types.AttributeValueMemberN{Value: branch},
			attrRecord:    &types.AttributeValueMemberS{Value: string(data)},
		},
		ConditionExpression: aws.String(putCondition),
		ExpressionAttributeNames: map[string]string{
			"#p": attrPartition,
			"#b": attrBranch,
			"#v": attrVersion,
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":b": &types.AttributeValueMemberN{Value: branch},
			":v": &types.AttributeValueMemberN{Value: version},
		},
	})
	if err != nil {
		var condErr *types.ConditionalCheckFailedException
		if errors.As(err, &condErr) {
			return fmt.Errorf("%w: %s", ErrStale, pid)
		}
		return fmt.Errorf("failed to put record to DynamoDB: %w", err)
	}
	return nil
}
