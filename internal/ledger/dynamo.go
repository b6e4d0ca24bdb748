package ledger

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/angelmondragon/immsbatch/pkg/config"
	"github.com/angelmondragon/immsbatch/pkg/db/models"
	"github.com/angelmondragon/immsbatch/pkg/enums"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// DynamoAPI is the subset of the DynamoDB client used by the ledger.
type DynamoAPI interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
}

// DynamoStore keeps the ledger in a DynamoDB table with filename and queue GSIs.
// Expiry is left to the table's native TTL on expires_at.
type DynamoStore struct {
	api           DynamoAPI
	table         string
	filenameIndex string
	queueIndex    string
	now           func() time.Time
}

// NewDynamoStore binds the store to a table.
func NewDynamoStore(api DynamoAPI, cfg config.LedgerConfig) (*DynamoStore, error) {
	if api == nil {
		return nil, fmt.Errorf("dynamodb client required")
	}
	table := strings.TrimSpace(cfg.DynamoTable)
	if table == "" {
		return nil, fmt.Errorf("dynamodb ledger table required")
	}
	return &DynamoStore{
		api:           api,
		table:         table,
		filenameIndex: cfg.FilenameIndex,
		queueIndex:    cfg.QueueIndex,
		now:           time.Now,
	}, nil
}

// CreateIfAbsent puts the item unless message_id already exists.
func (s *DynamoStore) CreateIfAbsent(ctx context.Context, record *models.AuditRecord) error {
	if record == nil || strings.TrimSpace(record.MessageID) == "" {
		return fmt.Errorf("record with message_id required")
	}
	now := s.now().UTC()
	if record.CreatedAt.IsZero() {
		record.CreatedAt = now
	}
	record.UpdatedAt = now

	item, err := attributevalue.MarshalMap(record)
	if err != nil {
		return fmt.Errorf("marshal ledger record: %w", err)
	}
	_, err = s.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(s.table),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(message_id)"),
	})
	if isConditionFailed(err) {
		return errConflict(record.MessageID)
	}
	return wrapDependency(err, "put ledger record")
}

// UpdateStatus moves the item into status when its current status is an allowed predecessor.
func (s *DynamoStore) UpdateStatus(ctx context.Context, messageID string, status enums.AuditStatus, fields Fields) error {
	if !status.IsValid() {
		return fmt.Errorf("invalid audit status %q", status)
	}
	preds := status.Predecessors()
	if len(preds) == 0 {
		return errIllegalTransition(messageID, "", status)
	}

	expr := newUpdateExpression()
	expr.set("status", status.String())
	expr.setFields(fields)
	expr.set("updated_at", s.now().UTC().Format(time.RFC3339Nano))

	placeholders := make([]string, 0, len(preds))
	for i, p := range preds {
		ph := fmt.Sprintf(":pred%d", i)
		expr.values[ph] = &types.AttributeValueMemberS{Value: p.String()}
		placeholders = append(placeholders, ph)
	}
	expr.conditions = append(expr.conditions, fmt.Sprintf("#status IN (%s)", strings.Join(placeholders, ", ")))
	expr.guardRecordCount(fields)

	err := s.update(ctx, messageID, expr)
	if isConditionFailed(err) {
		return explainRejectedUpdate(ctx, s.Get, messageID, &status, fields)
	}
	return wrapDependency(err, "update ledger status")
}

// UpdateFields writes attributes on an existing item without touching its status.
func (s *DynamoStore) UpdateFields(ctx context.Context, messageID string, fields Fields) error {
	if fields.IsEmpty() {
		return nil
	}
	expr := newUpdateExpression()
	expr.setFields(fields)
	expr.set("updated_at", s.now().UTC().Format(time.RFC3339Nano))
	expr.guardRecordCount(fields)

	err := s.update(ctx, messageID, expr)
	if isConditionFailed(err) {
		return explainRejectedUpdate(ctx, s.Get, messageID, nil, fields)
	}
	return wrapDependency(err, "update ledger fields")
}

func (s *DynamoStore) update(ctx context.Context, messageID string, expr *updateExpression) error {
	conditions := append([]string{"attribute_exists(message_id)"}, expr.conditions...)
	_, err := s.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 aws.String(s.table),
		Key:                       messageKey(messageID),
		UpdateExpression:          aws.String("SET " + strings.Join(expr.assignments, ", ")),
		ConditionExpression:       aws.String(strings.Join(conditions, " AND ")),
		ExpressionAttributeNames:  expr.names,
		ExpressionAttributeValues: expr.values,
	})
	return err
}

// QueryByFilename queries the filename GSI.
func (s *DynamoStore) QueryByFilename(ctx context.Context, filename string) ([]models.AuditRecord, error) {
	return s.query(ctx, &dynamodb.QueryInput{
		TableName:                 aws.String(s.table),
		IndexName:                 aws.String(s.filenameIndex),
		KeyConditionExpression:    aws.String("#filename = :filename"),
		ExpressionAttributeNames:  map[string]string{"#filename": "filename"},
		ExpressionAttributeValues: map[string]types.AttributeValue{":filename": &types.AttributeValueMemberS{Value: filename}},
	})
}

// QueryByQueue queries the (queue_name, status) GSI, once per requested status.
func (s *DynamoStore) QueryByQueue(ctx context.Context, queueName string, statuses ...enums.AuditStatus) ([]models.AuditRecord, error) {
	if len(statuses) == 0 {
		return s.query(ctx, &dynamodb.QueryInput{
			TableName:                 aws.String(s.table),
			IndexName:                 aws.String(s.queueIndex),
			KeyConditionExpression:    aws.String("#queue = :queue"),
			ExpressionAttributeNames:  map[string]string{"#queue": "queue_name"},
			ExpressionAttributeValues: map[string]types.AttributeValue{":queue": &types.AttributeValueMemberS{Value: queueName}},
		})
	}

	var out []models.AuditRecord
	for _, status := range statuses {
		recs, err := s.query(ctx, &dynamodb.QueryInput{
			TableName:              aws.String(s.table),
			IndexName:              aws.String(s.queueIndex),
			KeyConditionExpression: aws.String("#queue = :queue AND #status = :status"),
			ExpressionAttributeNames: map[string]string{
				"#queue":  "queue_name",
				"#status": "status",
			},
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":queue":  &types.AttributeValueMemberS{Value: queueName},
				":status": &types.AttributeValueMemberS{Value: status.String()},
			},
		})
		if err != nil {
			return nil, err
		}
		out = append(out, recs...)
	}
	sortByCreated(out)
	return out, nil
}

func (s *DynamoStore) query(ctx context.Context, input *dynamodb.QueryInput) ([]models.AuditRecord, error) {
	var out []models.AuditRecord
	pager := dynamodb.NewQueryPaginator(s.api, input)
	for pager.HasMorePages() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, wrapDependency(err, "query ledger index")
		}
		var batch []models.AuditRecord
		if err := attributevalue.UnmarshalListOfMaps(page.Items, &batch); err != nil {
			return nil, fmt.Errorf("unmarshal ledger records: %w", err)
		}
		out = append(out, batch...)
	}
	sortByCreated(out)
	return out, nil
}

// Get reads one item with strong consistency.
func (s *DynamoStore) Get(ctx context.Context, messageID string) (*models.AuditRecord, error) {
	resp, err := s.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.table),
		Key:            messageKey(messageID),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, wrapDependency(err, "get ledger record")
	}
	if len(resp.Item) == 0 {
		return nil, errNotFound(messageID)
	}
	var rec models.AuditRecord
	if err := attributevalue.UnmarshalMap(resp.Item, &rec); err != nil {
		return nil, fmt.Errorf("unmarshal ledger record: %w", err)
	}
	return &rec, nil
}

func messageKey(messageID string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{"message_id": &types.AttributeValueMemberS{Value: messageID}}
}

func isConditionFailed(err error) bool {
	var ccf *types.ConditionalCheckFailedException
	return err != nil && errors.As(err, &ccf)
}

func sortByCreated(recs []models.AuditRecord) {
	sort.SliceStable(recs, func(i, j int) bool { return recs[i].CreatedAt.Before(recs[j].CreatedAt) })
}

type updateExpression struct {
	assignments []string
	conditions  []string
	names       map[string]string
	values      map[string]types.AttributeValue
}

func newUpdateExpression() *updateExpression {
	return &updateExpression{
		names:  map[string]string{},
		values: map[string]types.AttributeValue{},
	}
}

func (e *updateExpression) set(attr string, value any) {
	var av types.AttributeValue
	switch v := value.(type) {
	case int:
		av = &types.AttributeValueMemberN{Value: strconv.Itoa(v)}
	case bool:
		av = &types.AttributeValueMemberBOOL{Value: v}
	default:
		av = &types.AttributeValueMemberS{Value: fmt.Sprint(v)}
	}
	name := "#" + attr
	e.names[name] = attr
	e.values[":"+attr] = av
	e.assignments = append(e.assignments, fmt.Sprintf("%s = :%s", name, attr))
}

func (e *updateExpression) setFields(fields Fields) {
	cols := fields.columns()
	keys := make([]string, 0, len(cols))
	for k := range cols {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		e.set(k, cols[k])
	}
}

func (e *updateExpression) guardRecordCount(fields Fields) {
	if fields.RecordCount == nil {
		return
	}
	e.names["#record_count"] = "record_count"
	e.values[":record_count"] = &types.AttributeValueMemberN{Value: strconv.Itoa(*fields.RecordCount)}
	e.conditions = append(e.conditions, "(attribute_not_exists(#record_count) OR #record_count = :record_count)")
}
