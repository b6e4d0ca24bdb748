package reporting

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	cbigquery "cloud.google.com/go/bigquery"
	"github.com/angelmondragon/immsbatch/internal/ack"
	pkgbigquery "github.com/angelmondragon/immsbatch/pkg/bigquery"
	"google.golang.org/api/googleapi"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	defaultMaxAttempts    = 3
	defaultInitialBackoff = 250 * time.Millisecond
	defaultMaximumBackoff = 2 * time.Second
)

// RetryPolicy controls how many times BigQuery inserts are retried.
type RetryPolicy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaximumBackoff time.Duration
}

type tableInserter interface {
	InsertRows(ctx context.Context, table string, rows []any) error
}

// CompletionRow is one finalized file in the completions table.
type CompletionRow struct {
	MessageID   string             `bigquery:"message_id"`
	Filename    string             `bigquery:"filename"`
	QueueName   string             `bigquery:"queue_name"`
	Supplier    string             `bigquery:"supplier"`
	VaccineType string             `bigquery:"vaccine_type"`
	Status      string             `bigquery:"status"`
	RecordCount int64              `bigquery:"record_count"`
	Succeeded   int64              `bigquery:"records_succeeded"`
	Failed      int64              `bigquery:"records_failed"`
	AckKey      string             `bigquery:"ack_key"`
	CompletedAt time.Time          `bigquery:"completed_at"`
	DurationMS  int64              `bigquery:"duration_ms"`
	Attributes  cbigquery.NullJSON `bigquery:"attributes"`
}

// InsertID dedupes redelivered completions of the same ledger record.
func (r *CompletionRow) InsertID() string { return r.MessageID }

// CompletionColumns lists the columns the completions table must carry.
var CompletionColumns = []string{
	"message_id", "filename", "queue_name", "supplier", "vaccine_type", "status",
	"record_count", "records_succeeded", "records_failed", "ack_key",
	"completed_at", "duration_ms", "attributes",
}

// BigQueryReporter streams completion facts into BigQuery.
type BigQueryReporter struct {
	client tableInserter
	table  string
	retry  RetryPolicy
}

// NewBigQueryReporter writes into the client's completions table.
func NewBigQueryReporter(client *pkgbigquery.Client, retry RetryPolicy) (*BigQueryReporter, error) {
	if client == nil {
		return nil, errors.New("bigquery client required")
	}
	return newReporter(client, client.CompletionsTable(), retry)
}

func newReporter(client tableInserter, table string, retry RetryPolicy) (*BigQueryReporter, error) {
	table = strings.TrimSpace(table)
	if table == "" {
		return nil, errors.New("completions table is required")
	}
	if retry.MaxAttempts <= 0 {
		retry.MaxAttempts = defaultMaxAttempts
	}
	if retry.InitialBackoff <= 0 {
		retry.InitialBackoff = defaultInitialBackoff
	}
	if retry.MaximumBackoff <= 0 {
		retry.MaximumBackoff = defaultMaximumBackoff
	}
	if retry.MaximumBackoff < retry.InitialBackoff {
		retry.MaximumBackoff = retry.InitialBackoff
	}
	return &BigQueryReporter{client: client, table: table, retry: retry}, nil
}

// ReportCompletion implements ack.CompletionReporter.
func (r *BigQueryReporter) ReportCompletion(ctx context.Context, c ack.Completion) error {
	row, err := rowFor(c)
	if err != nil {
		return err
	}
	return r.insertWithRetry(ctx, []any{&row})
}

func rowFor(c ack.Completion) (CompletionRow, error) {
	attrs, err := EncodeJSON(map[string]any{
		"success_rate": successRate(c.Succeeded, c.RecordCount),
	})
	if err != nil {
		return CompletionRow{}, err
	}
	return CompletionRow{
		MessageID:   c.MessageID,
		Filename:    c.Filename,
		QueueName:   c.QueueName,
		Supplier:    c.Supplier,
		VaccineType: c.VaccineType,
		Status:      string(c.Status),
		RecordCount: int64(c.RecordCount),
		Succeeded:   int64(c.Succeeded),
		Failed:      int64(c.Failed),
		AckKey:      c.AckKey,
		CompletedAt: c.CompletedAt.UTC(),
		DurationMS:  c.Duration.Milliseconds(),
		Attributes:  attrs,
	}, nil
}

func successRate(succeeded, total int) float64 {
	if total <= 0 {
		return 0
	}
	return float64(succeeded) / float64(total)
}

func (r *BigQueryReporter) insertWithRetry(ctx context.Context, rows []any) error {
	attempts := 0
	backoff := r.retry.InitialBackoff

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := r.client.InsertRows(ctx, r.table, rows)
		if err == nil {
			return nil
		}

		attempts++
		if attempts >= r.retry.MaxAttempts || !isRetryableBigQueryError(err) {
			return fmt.Errorf("insert %s rows: %w", r.table, err)
		}

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		backoff = min(backoff*2, r.retry.MaximumBackoff)
	}
}

func isRetryableBigQueryError(err error) bool {
	if err == nil {
		return false
	}

	var multi cbigquery.MultiError
	if errors.As(err, &multi) {
		if len(multi) == 0 {
			return false
		}
		for _, inner := range multi {
			if !isRetryableBigQueryError(inner) {
				return false
			}
		}
		return true
	}

	var pme cbigquery.PutMultiError
	if errors.As(err, &pme) {
		if len(pme) == 0 {
			return false
		}
		for _, rowErr := range pme {
			if !isRetryableBigQueryError(rowErr.Errors) {
				return false
			}
		}
		return true
	}

	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		return isRetryableHTTPCode(apiErr.Code)
	}

	var statusErr interface{ GRPCStatus() *status.Status }
	if errors.As(err, &statusErr) {
		if st := statusErr.GRPCStatus(); st != nil {
			return isRetryableGRPCCode(st.Code())
		}
	}

	return false
}

func isRetryableHTTPCode(code int) bool {
	switch code {
	case http.StatusTooManyRequests,
		http.StatusRequestTimeout,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}

func isRetryableGRPCCode(code codes.Code) bool {
	switch code {
	case codes.Aborted,
		codes.DeadlineExceeded,
		codes.Internal,
		codes.ResourceExhausted,
		codes.Unavailable:
		return true
	default:
		return false
	}
}

// EncodeJSON serializes payload for a BigQuery JSON column.
func EncodeJSON(payload any) (cbigquery.NullJSON, error) {
	switch value := payload.(type) {
	case nil:
		return cbigquery.NullJSON{}, nil
	case json.RawMessage:
		if len(value) == 0 {
			return cbigquery.NullJSON{}, nil
		}
		return cbigquery.NullJSON{Valid: true, JSONVal: string(value)}, nil
	}

	marshaled, err := json.Marshal(payload)
	if err != nil {
		return cbigquery.NullJSON{}, fmt.Errorf("marshal json: %w", err)
	}
	return cbigquery.NullJSON{Valid: true, JSONVal: string(marshaled)}, nil
}
