package ledger

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/angelmondragon/immsbatch/pkg/config"
	"github.com/angelmondragon/immsbatch/pkg/enums"
	pkgerrors "github.com/angelmondragon/immsbatch/pkg/errors"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeDynamo evaluates the narrow expression grammar DynamoStore emits.
type fakeDynamo struct {
	mu      sync.Mutex
	items   map[string]map[string]types.AttributeValue
	updates []*dynamodb.UpdateItemInput
}

func newFakeDynamo() *fakeDynamo {
	return &fakeDynamo{items: map[string]map[string]types.AttributeValue{}}
}

func keyOf(key map[string]types.AttributeValue) string {
	return key["message_id"].(*types.AttributeValueMemberS).Value
}

func (f *fakeDynamo) PutItem(_ context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := keyOf(in.Item)
	if _, exists := f.items[id]; exists && aws.ToString(in.ConditionExpression) == "attribute_not_exists(message_id)" {
		return nil, &types.ConditionalCheckFailedException{Message: aws.String("exists")}
	}
	f.items[id] = in.Item
	return &dynamodb.PutItemOutput{}, nil
}

func (f *fakeDynamo) UpdateItem(_ context.Context, in *dynamodb.UpdateItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates = append(f.updates, in)

	item, ok := f.items[keyOf(in.Key)]
	if !ok {
		return nil, &types.ConditionalCheckFailedException{Message: aws.String("missing")}
	}
	cond := aws.ToString(in.ConditionExpression)
	if strings.Contains(cond, "#status IN") {
		current := item["status"].(*types.AttributeValueMemberS).Value
		allowed := false
		for ph, v := range in.ExpressionAttributeValues {
			if strings.HasPrefix(ph, ":pred") && v.(*types.AttributeValueMemberS).Value == current {
				allowed = true
			}
		}
		if !allowed {
			return nil, &types.ConditionalCheckFailedException{Message: aws.String("status")}
		}
	}
	if strings.Contains(cond, "attribute_not_exists(#record_count)") {
		if stored, ok := item["record_count"].(*types.AttributeValueMemberN); ok {
			if stored.Value != in.ExpressionAttributeValues[":record_count"].(*types.AttributeValueMemberN).Value {
				return nil, &types.ConditionalCheckFailedException{Message: aws.String("record_count")}
			}
		}
	}

	assignments := strings.Split(strings.TrimPrefix(aws.ToString(in.UpdateExpression), "SET "), ", ")
	for _, a := range assignments {
		parts := strings.SplitN(a, " = ", 2)
		item[in.ExpressionAttributeNames[parts[0]]] = in.ExpressionAttributeValues[parts[1]]
	}
	return &dynamodb.UpdateItemOutput{}, nil
}

func (f *fakeDynamo) GetItem(_ context.Context, in *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return &dynamodb.GetItemOutput{Item: f.items[keyOf(in.Key)]}, nil
}

func (f *fakeDynamo) Query(_ context.Context, in *dynamodb.QueryInput, _ ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	type match struct{ attr, value string }
	var matches []match
	for _, clause := range strings.Split(aws.ToString(in.KeyConditionExpression), " AND ") {
		parts := strings.SplitN(clause, " = ", 2)
		matches = append(matches, match{
			attr:  in.ExpressionAttributeNames[parts[0]],
			value: in.ExpressionAttributeValues[parts[1]].(*types.AttributeValueMemberS).Value,
		})
	}

	out := &dynamodb.QueryOutput{}
	for _, item := range f.items {
		ok := true
		for _, m := range matches {
			v, isString := item[m.attr].(*types.AttributeValueMemberS)
			if !isString || v.Value != m.value {
				ok = false
			}
		}
		if ok {
			out.Items = append(out.Items, item)
		}
	}
	return out, nil
}

func newTestDynamoStore(t *testing.T) (*DynamoStore, *fakeDynamo) {
	t.Helper()
	fake := newFakeDynamo()
	store, err := NewDynamoStore(fake, config.LedgerConfig{
		DynamoTable:   "audit",
		FilenameIndex: "filename_index",
		QueueIndex:    "queue_name_index",
	})
	require.NoError(t, err)
	return store, fake
}

func TestDynamoStore_CreateIfAbsentIsExclusive(t *testing.T) {
	store, _ := newTestDynamoStore(t)
	ctx := context.Background()

	require.NoError(t, store.CreateIfAbsent(ctx, sampleRecord("m-1", "a.csv", "EMIS_FLU", enums.AuditStatusProcessing)))
	err := store.CreateIfAbsent(ctx, sampleRecord("m-1", "a.csv", "EMIS_FLU", enums.AuditStatusProcessing))
	assert.True(t, IsConflict(err))
}

func TestDynamoStore_StatusLifecycle(t *testing.T) {
	store, fake := newTestDynamoStore(t)
	ctx := context.Background()
	require.NoError(t, store.CreateIfAbsent(ctx, sampleRecord("m-1", "a.csv", "EMIS_FLU", enums.AuditStatusProcessing)))

	require.NoError(t, store.UpdateStatus(ctx, "m-1", enums.AuditStatusPreprocessed, Fields{RecordCount: Int(2)}))

	last := fake.updates[len(fake.updates)-1]
	assert.Equal(t, "attribute_exists(message_id) AND #status IN (:pred0) AND (attribute_not_exists(#record_count) OR #record_count = :record_count)",
		aws.ToString(last.ConditionExpression))

	got, err := store.Get(ctx, "m-1")
	require.NoError(t, err)
	assert.Equal(t, enums.AuditStatusPreprocessed, got.Status)
	assert.Equal(t, 2, *got.RecordCount)

	err = store.UpdateFields(ctx, "m-1", Fields{RecordCount: Int(5)})
	assert.True(t, IsIllegalTransition(err))

	require.NoError(t, store.UpdateStatus(ctx, "m-1", enums.AuditStatusProcessed, Fields{RecordsSucceeded: Int(1), RecordsFailed: Int(1)}))
	require.NoError(t, store.UpdateStatus(ctx, "m-1", enums.AuditStatusProcessed, Fields{RecordsSucceeded: Int(1), RecordsFailed: Int(1)}))

	err = store.UpdateStatus(ctx, "m-1", enums.AuditStatusFailed, Fields{})
	assert.True(t, IsIllegalTransition(err))
}

func TestDynamoStore_UpdateMissingRecordIsCorruption(t *testing.T) {
	store, _ := newTestDynamoStore(t)

	err := store.UpdateStatus(context.Background(), "ghost", enums.AuditStatusFailed, Fields{ErrorDetails: String("boom")})
	assert.True(t, pkgerrors.HasCode(err, pkgerrors.CodeLedgerCorruption))
}

func TestDynamoStore_IndexQueries(t *testing.T) {
	store, _ := newTestDynamoStore(t)
	ctx := context.Background()
	require.NoError(t, store.CreateIfAbsent(ctx, sampleRecord("m-1", "a.csv", "EMIS_FLU", enums.AuditStatusProcessed)))
	require.NoError(t, store.CreateIfAbsent(ctx, sampleRecord("m-2", "a.csv", "EMIS_FLU", enums.AuditStatusNotProcessed)))
	require.NoError(t, store.CreateIfAbsent(ctx, sampleRecord("m-3", "b.csv", "EMIS_FLU", enums.AuditStatusProcessing)))

	byName, err := store.QueryByFilename(ctx, "a.csv")
	require.NoError(t, err)
	assert.Len(t, byName, 2)

	busy, err := store.QueryByQueue(ctx, "EMIS_FLU", enums.BusyStatuses...)
	require.NoError(t, err)
	require.Len(t, busy, 1)
	assert.Equal(t, "m-3", busy[0].MessageID)

	all, err := store.QueryByQueue(ctx, "EMIS_FLU")
	require.NoError(t, err)
	assert.Len(t, all, 3)
}
