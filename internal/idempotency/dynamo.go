package idempotency

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	dyn "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/smithy-go"
)

// DynamoDBAPI is the subset of the DynamoDB client the store uses.
type DynamoDBAPI interface {
	PutItem(ctx context.Context, params *dyn.PutItemInput, optFns ...func(*dyn.Options)) (*dyn.PutItemOutput, error)
	GetItem(ctx context.Context, params *dyn.GetItemInput, optFns ...func(*dyn.Options)) (*dyn.GetItemOutput, error)
	UpdateItem(ctx context.Context, params *dyn.UpdateItemInput, optFns ...func(*dyn.Options)) (*dyn.UpdateItemOutput, error)
	DeleteItem(ctx context.Context, params *dyn.DeleteItemInput, optFns ...func(*dyn.Options)) (*dyn.DeleteItemOutput, error)
}

// record is the item shape; expires_at doubles as the table's TTL attribute.
type record struct {
	Key       string `dynamodbav:"pk"`
	Value     string `dynamodbav:"value,omitempty"`
	Seq       int64  `dynamodbav:"seq,omitempty"`
	ExpiresAt int64  `dynamodbav:"expires_at"`
}

// DynamoStore keeps entries in one DynamoDB table keyed by "pk". DynamoDB's
// TTL sweeper is lazy, so expiry is also checked on every read and write.
type DynamoStore struct {
	client    DynamoDBAPI
	tableName string
	nowFunc   func() time.Time
}

func NewDynamoStore(client DynamoDBAPI, tableName string) *DynamoStore {
	return &DynamoStore{client: client, tableName: tableName, nowFunc: time.Now}
}

// NewDynamoClient loads the default AWS config; endpoint overrides the
// service URL for local DynamoDB.
func NewDynamoClient(ctx context.Context, region, endpoint string) (*dyn.Client, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return dyn.NewFromConfig(cfg, func(o *dyn.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	}), nil
}

func (s *DynamoStore) key(k string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{"pk": &types.AttributeValueMemberS{Value: k}}
}

func (s *DynamoStore) SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	now := s.nowFunc()
	item, err := attributevalue.MarshalMap(record{Key: key, Value: value, ExpiresAt: now.Add(ttl).Unix()})
	if err != nil {
		return false, fmt.Errorf("marshal record: %w", err)
	}
	_, err = s.client.PutItem(ctx, &dyn.PutItemInput{
		TableName:           &s.tableName,
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(pk) OR expires_at < :now"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":now": &types.AttributeValueMemberN{Value: strconv.FormatInt(now.Unix(), 10)},
		},
	})
	if err != nil {
		if isConditionFailed(err) {
			return false, nil
		}
		return false, fmt.Errorf("put item: %w", err)
	}
	return true, nil
}

func (s *DynamoStore) Get(ctx context.Context, key string) (string, bool, error) {
	out, err := s.client.GetItem(ctx, &dyn.GetItemInput{
		TableName:      &s.tableName,
		Key:            s.key(key),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return "", false, fmt.Errorf("get item: %w", err)
	}
	if len(out.Item) == 0 {
		return "", false, nil
	}
	var rec record
	if err := attributevalue.UnmarshalMap(out.Item, &rec); err != nil {
		return "", false, fmt.Errorf("unmarshal item: %w", err)
	}
	if rec.ExpiresAt < s.nowFunc().Unix() {
		return "", false, nil
	}
	return rec.Value, true, nil
}

func (s *DynamoStore) Increment(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	out, err := s.client.UpdateItem(ctx, &dyn.UpdateItemInput{
		TableName:        &s.tableName,
		Key:              s.key(key),
		UpdateExpression: aws.String("SET expires_at = if_not_exists(expires_at, :exp) ADD seq :one"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":exp": &types.AttributeValueMemberN{Value: strconv.FormatInt(s.nowFunc().Add(ttl).Unix(), 10)},
			":one": &types.AttributeValueMemberN{Value: "1"},
		},
		ReturnValues: types.ReturnValueUpdatedNew,
	})
	if err != nil {
		return 0, fmt.Errorf("update item (increment): %w", err)
	}
	var rec record
	if err := attributevalue.UnmarshalMap(out.Attributes, &rec); err != nil {
		return 0, fmt.Errorf("unmarshal counter: %w", err)
	}
	return rec.Seq, nil
}

func (s *DynamoStore) Delete(ctx context.Context, key string) error {
	if _, err := s.client.DeleteItem(ctx, &dyn.DeleteItemInput{TableName: &s.tableName, Key: s.key(key)}); err != nil {
		return fmt.Errorf("delete item: %w", err)
	}
	return nil
}

func (s *DynamoStore) Close() error { return nil }

func isConditionFailed(err error) bool {
	var ccf *types.ConditionalCheckFailedException
	if errors.As(err, &ccf) {
		return true
	}
	var ae smithy.APIError
	return errors.As(err, &ae) && ae.ErrorCode() == "ConditionalCheckFailedException"
}
