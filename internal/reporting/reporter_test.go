package reporting

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/angelmondragon/immsbatch/internal/ack"
	pkgbigquery "github.com/angelmondragon/immsbatch/pkg/bigquery"
	"github.com/angelmondragon/immsbatch/pkg/enums"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/googleapi"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

type insertCall struct {
	table string
	rows  []any
}

type fakeInserter struct {
	responses []error
	calls     []insertCall
}

func (f *fakeInserter) InsertRows(_ context.Context, table string, rows []any) error {
	f.calls = append(f.calls, insertCall{table: table, rows: rows})
	if len(f.responses) == 0 {
		return nil
	}
	err := f.responses[0]
	f.responses = f.responses[1:]
	return err
}

func newTestReporter(t *testing.T, responses ...error) (*BigQueryReporter, *fakeInserter) {
	t.Helper()
	fake := &fakeInserter{responses: responses}
	r, err := newReporter(fake, "file_completions", RetryPolicy{InitialBackoff: time.Millisecond, MaximumBackoff: time.Millisecond})
	require.NoError(t, err)
	return r, fake
}

var completion = ack.Completion{
	MessageID:   "m-1",
	Filename:    "FLU_VACCINATIONS_V5_X8E5B_20240101T120000.csv",
	QueueName:   "EMIS_FLU",
	Supplier:    "EMIS",
	VaccineType: "FLU",
	Status:      enums.AuditStatusProcessed,
	RecordCount: 4,
	Succeeded:   3,
	Failed:      1,
	CompletedAt: time.Date(2024, 1, 1, 12, 5, 0, 0, time.UTC),
	Duration:    1500 * time.Millisecond,
}

func TestNewBigQueryReporterValidation(t *testing.T) {
	_, err := NewBigQueryReporter(nil, RetryPolicy{})
	assert.Error(t, err)
	_, err = NewBigQueryReporter(&pkgbigquery.Client{}, RetryPolicy{})
	assert.Error(t, err, "client without a completions table")
}

func TestReportCompletionWritesRow(t *testing.T) {
	r, fake := newTestReporter(t)
	require.NoError(t, r.ReportCompletion(context.Background(), completion))

	require.Len(t, fake.calls, 1)
	assert.Equal(t, "file_completions", fake.calls[0].table)
	row, ok := fake.calls[0].rows[0].(*CompletionRow)
	require.True(t, ok)
	assert.Equal(t, "m-1", row.MessageID)
	assert.Equal(t, "Processed", row.Status)
	assert.Equal(t, int64(3), row.Succeeded)
	assert.Equal(t, int64(1500), row.DurationMS)
	assert.JSONEq(t, `{"success_rate":0.75}`, row.Attributes.JSONVal)
}

func TestReportCompletionRetriesTransientErrors(t *testing.T) {
	r, fake := newTestReporter(t,
		&googleapi.Error{Code: http.StatusServiceUnavailable},
		status.Error(codes.Unavailable, "try later"),
	)
	require.NoError(t, r.ReportCompletion(context.Background(), completion))
	assert.Len(t, fake.calls, 3)
}

func TestReportCompletionStopsOnPermanentErrors(t *testing.T) {
	r, fake := newTestReporter(t, &googleapi.Error{Code: http.StatusBadRequest})
	assert.Error(t, r.ReportCompletion(context.Background(), completion))
	assert.Len(t, fake.calls, 1)

	r, fake = newTestReporter(t, errors.New("a"), errors.New("b"), errors.New("c"))
	assert.Error(t, r.ReportCompletion(context.Background(), completion))
	assert.Len(t, fake.calls, 1, "unclassified errors are not retried")
}

func TestReportCompletionGivesUpAfterMaxAttempts(t *testing.T) {
	unavailable := &googleapi.Error{Code: http.StatusServiceUnavailable}
	r, fake := newTestReporter(t, unavailable, unavailable, unavailable, unavailable)
	assert.Error(t, r.ReportCompletion(context.Background(), completion))
	assert.Len(t, fake.calls, defaultMaxAttempts)
}

func TestEncodeJSON(t *testing.T) {
	nj, err := EncodeJSON(nil)
	require.NoError(t, err)
	assert.False(t, nj.Valid)

	nj, err = EncodeJSON(map[string]int{"a": 1})
	require.NoError(t, err)
	assert.True(t, nj.Valid)
	assert.JSONEq(t, `{"a":1}`, nj.JSONVal)
}
