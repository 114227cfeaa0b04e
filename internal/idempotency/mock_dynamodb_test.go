package idempotency

import (
	"context"
	"errors"
	"strconv"
	"sync"

	dyn "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// mockDynamo understands exactly the expressions DynamoStore sends.
type mockDynamo struct {
	mu    sync.Mutex
	table map[string]map[string]types.AttributeValue
	puts  int
}

func newMockDynamo() *mockDynamo {
	return &mockDynamo{table: map[string]map[string]types.AttributeValue{}}
}

func pk(item map[string]types.AttributeValue) (string, error) {
	attr, ok := item["pk"].(*types.AttributeValueMemberS)
	if !ok {
		return "", errors.New("missing key")
	}
	return attr.Value, nil
}

func num(av types.AttributeValue) int64 {
	n, ok := av.(*types.AttributeValueMemberN)
	if !ok {
		return 0
	}
	v, _ := strconv.ParseInt(n.Value, 10, 64)
	return v
}

func (m *mockDynamo) PutItem(ctx context.Context, params *dyn.PutItemInput, optFns ...func(*dyn.Options)) (*dyn.PutItemOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.puts++
	k, err := pk(params.Item)
	if err != nil {
		return nil, err
	}
	if existing, ok := m.table[k]; ok && params.ConditionExpression != nil {
		now := num(params.ExpressionAttributeValues[":now"])
		if num(existing["expires_at"]) >= now {
			return nil, &types.ConditionalCheckFailedException{}
		}
	}
	m.table[k] = params.Item
	return &dyn.PutItemOutput{}, nil
}

func (m *mockDynamo) GetItem(ctx context.Context, params *dyn.GetItemInput, optFns ...func(*dyn.Options)) (*dyn.GetItemOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k, err := pk(params.Key)
	if err != nil {
		return nil, err
	}
	return &dyn.GetItemOutput{Item: m.table[k]}, nil
}

func (m *mockDynamo) UpdateItem(ctx context.Context, params *dyn.UpdateItemInput, optFns ...func(*dyn.Options)) (*dyn.UpdateItemOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k, err := pk(params.Key)
	if err != nil {
		return nil, err
	}
	item, ok := m.table[k]
	if !ok {
		item = map[string]types.AttributeValue{"pk": &types.AttributeValueMemberS{Value: k}}
		m.table[k] = item
	}
	if _, ok := item["expires_at"]; !ok {
		item["expires_at"] = params.ExpressionAttributeValues[":exp"]
	}
	seq := num(item["seq"]) + num(params.ExpressionAttributeValues[":one"])
	item["seq"] = &types.AttributeValueMemberN{Value: strconv.FormatInt(seq, 10)}
	return &dyn.UpdateItemOutput{Attributes: map[string]types.AttributeValue{
		"seq":        item["seq"],
		"expires_at": item["expires_at"],
	}}, nil
}

func (m *mockDynamo) DeleteItem(ctx context.Context, params *dyn.DeleteItemInput, optFns ...func(*dyn.Options)) (*dyn.DeleteItemOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k, err := pk(params.Key)
	if err != nil {
		return nil, err
	}
	delete(m.table, k)
	return &dyn.DeleteItemOutput{}, nil
}
