package forwarder

import (
	"bufio"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/angelmondragon/immsbatch/internal/ack"
	"github.com/angelmondragon/immsbatch/internal/artifact"
	"github.com/angelmondragon/immsbatch/internal/filekey"
	"github.com/angelmondragon/immsbatch/internal/ledger"
	"github.com/angelmondragon/immsbatch/internal/outcome"
	"github.com/angelmondragon/immsbatch/pkg/enums"
	pkgerrors "github.com/angelmondragon/immsbatch/pkg/errors"
	"github.com/angelmondragon/immsbatch/pkg/logger"
	"github.com/angelmondragon/immsbatch/pkg/metrics"
)

const (
	defaultBatchSize = 100
	utf8BOM          = "\ufeff"
)

// Job is an admitted file.
type Job struct {
	MessageID string
	Identity  filekey.FileIdentity
}

// Result summarizes one Forward call.
type Result struct {
	MessageID   string
	RecordCount int
	Forwarded   int
	Failed      int
	// Resumed counts rows a previous attempt already forwarded.
	Resumed int
	// Skipped is set when the ledger shows the file is past forwarding.
	Skipped bool
	// FileFailed is set when the whole file was rejected.
	FileFailed bool
}

// Params wires the forwarder.
type Params struct {
	Ledger    ledger.Store
	Store     artifact.Store
	Converter Converter
	Sink      Sink
	Outcomes  orderedPublisher
	Failures  *ack.FailureWriter
	Metrics   *metrics.PipelineMetrics
	Logger    *logger.Logger
	BatchSize int
	// ReportSuccess publishes a success outcome for every row the sink accepted.
	ReportSuccess bool
}

// Forwarder streams a source file row by row to the downstream sink and reports
// row outcomes, the row count and finally the EOF sentinel.
type Forwarder struct {
	ledger        ledger.Store
	store         artifact.Store
	converter     Converter
	sink          Sink
	outcomes      orderedPublisher
	failures      *ack.FailureWriter
	metrics       *metrics.PipelineMetrics
	logg          *logger.Logger
	batchSize     int
	reportSuccess bool
	now           func() time.Time
}

// New validates params.
func New(p Params) (*Forwarder, error) {
	if p.Ledger == nil {
		return nil, errors.New("ledger store required")
	}
	if p.Store == nil {
		return nil, errors.New("artifact store required")
	}
	if p.Sink == nil {
		return nil, errors.New("downstream sink required")
	}
	if p.Outcomes == nil {
		return nil, errors.New("outcome publisher required")
	}
	if p.Failures == nil {
		return nil, errors.New("failure writer required")
	}
	converter := p.Converter
	if converter == nil {
		converter = PassthroughConverter{}
	}
	batchSize := p.BatchSize
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	logg := p.Logger
	if logg == nil {
		logg = logger.Nop()
	}
	return &Forwarder{
		ledger:        p.Ledger,
		store:         p.Store,
		converter:     converter,
		sink:          p.Sink,
		outcomes:      p.Outcomes,
		failures:      p.Failures,
		metrics:       p.Metrics,
		logg:          logg,
		batchSize:     batchSize,
		reportSuccess: p.ReportSuccess,
		now:           time.Now,
	}, nil
}

// Forward processes the file. Row errors never abort the file; errors returned
// here are retryable infrastructure failures or ledger conflicts.
func (f *Forwarder) Forward(ctx context.Context, job Job) (Result, error) {
	ctx = f.logg.WithMessageID(ctx, job.MessageID)
	ctx = f.logg.WithFileKey(ctx, job.Identity.FileKey)
	res := Result{MessageID: job.MessageID}

	rec, err := f.ledger.Get(ctx, job.MessageID)
	if err != nil {
		if ledger.IsNotFound(err) {
			return res, pkgerrors.Wrap(pkgerrors.CodeLedgerCorruption, err, "forwarding without ledger record")
		}
		return res, err
	}
	switch rec.Status {
	case enums.AuditStatusProcessing:
	case enums.AuditStatusPreprocessed:
		if !rec.IsRecordCountSet() {
			return res, pkgerrors.New(pkgerrors.CodeLedgerCorruption, "preprocessed record without record_count")
		}
		res.RecordCount = *rec.RecordCount
		f.logg.Info(ctx, "rows already forwarded; republishing eof")
		return res, f.publishEOF(ctx, job, res.RecordCount)
	default:
		res.Skipped = true
		f.logg.Info(f.logg.WithField(ctx, "status", rec.Status), "file past forwarding; skipping")
		return res, nil
	}

	started := f.now()
	body, err := f.store.Open(ctx, job.Identity.Bucket, job.Identity.FileKey)
	if err != nil {
		if artifact.IsNotFound(err) {
			return f.failFile(ctx, job, res, "source file not found")
		}
		return res, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "open source file")
	}
	defer body.Close()

	reader := csv.NewReader(bufio.NewReader(body))
	reader.Comma = '|'
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true

	header, err := reader.Read()
	if err != nil {
		var parseErr *csv.ParseError
		switch {
		case errors.Is(err, io.EOF):
			return f.failFile(ctx, job, res, "file is empty")
		case errors.As(err, &parseErr):
			return f.failFile(ctx, job, res, "unreadable header: "+parseErr.Err.Error())
		default:
			return res, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "read source header")
		}
	}
	header = normalizeHeader(header)
	if missing := missingColumns(header); len(missing) > 0 {
		return f.failFile(ctx, job, res, "header missing columns: "+strings.Join(missing, ", "))
	}

	resumeAfter := rec.ForwardedRows
	if resumeAfter > 0 {
		f.logg.Info(f.logg.WithField(ctx, "forwarded_rows", resumeAfter), "resuming after rows already forwarded")
	}

	outcomes := f.newBatcher(job)
	chunk := make([]sourceRow, 0, f.batchSize)
	for {
		values, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		var parseErr *csv.ParseError
		if err != nil && !errors.As(err, &parseErr) {
			return res, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "read source row")
		}
		res.RecordCount++
		if res.RecordCount <= resumeAfter {
			res.Resumed++
			continue
		}
		chunk = append(chunk, sourceRow{number: res.RecordCount, values: values, parseErr: parseErr})
		if len(chunk) < f.batchSize {
			continue
		}
		if err := f.forwardChunk(ctx, job, header, chunk, outcomes, &res); err != nil {
			return res, err
		}
		chunk = chunk[:0]
	}
	if err := f.forwardChunk(ctx, job, header, chunk, outcomes, &res); err != nil {
		return res, err
	}
	if res.RecordCount < resumeAfter {
		return res, pkgerrors.New(pkgerrors.CodeLedgerCorruption,
			fmt.Sprintf("forwarded_rows %d exceeds the %d rows in the file", resumeAfter, res.RecordCount))
	}

	if err := f.ledger.UpdateStatus(ctx, job.MessageID, enums.AuditStatusPreprocessed, ledger.Fields{
		RecordCount: ledger.Int(res.RecordCount),
	}); err != nil {
		return res, err
	}
	if err := f.publishEOF(ctx, job, res.RecordCount); err != nil {
		return res, err
	}

	queue := job.Identity.QueueName()
	f.metrics.AddRows(queue, res.Forwarded, res.Failed)
	f.metrics.ObserveFile(queue, f.now().Sub(started))
	f.logg.Info(f.logg.WithFields(ctx, map[string]any{
		"record_count": res.RecordCount,
		"forwarded":    res.Forwarded,
		"failed":       res.Failed,
		"resumed":      res.Resumed,
	}), "file forwarded")
	return res, nil
}

type sourceRow struct {
	number   int
	values   []string
	parseErr *csv.ParseError
}

type sentRow struct {
	index   int
	rowID   string
	localID string
	op      enums.Operation
}

// forwardChunk sends a chunk of rows to the sink in one batch, publishes their
// outcomes and then records the chunk's last row as forwarded. A retry resumes
// after that row.
func (f *Forwarder) forwardChunk(ctx context.Context, job Job, header []string, chunk []sourceRow, outcomes *batcher, res *Result) error {
	if len(chunk) == 0 {
		return nil
	}

	entries := make([]*outcome.Entry, len(chunk))
	sent := make([]sentRow, 0, len(chunk))
	records := make([]Record, 0, len(chunk))
	for i, src := range chunk {
		rowID := outcome.RowID(job.MessageID, src.number)
		if src.parseErr != nil {
			e := outcome.FailureEntry(rowID, "", "", "malformed row: "+src.parseErr.Err.Error())
			entries[i] = &e
			continue
		}
		row := Row{RowID: rowID, Number: src.number, Header: header, Values: src.values, Identity: job.Identity}
		record, op, failure := f.prepareRow(ctx, row)
		if failure != nil {
			entries[i] = failure
			continue
		}
		sent = append(sent, sentRow{index: i, rowID: rowID, localID: LocalID(row), op: op})
		records = append(records, record)
	}

	if len(records) > 0 {
		results := f.sink.SendBatch(ctx, records)
		if ctx.Err() != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, ctx.Err(), "forwarding interrupted")
		}
		if len(results) != len(records) {
			return pkgerrors.New(pkgerrors.CodeInternal,
				fmt.Sprintf("sink returned %d results for %d records", len(results), len(records)))
		}
		for j, result := range results {
			row := sent[j]
			if result.Err != nil {
				f.logg.Warn(f.logg.WithFields(ctx, map[string]any{"row_id": row.rowID, "error": result.Err.Error()}), "row send failed")
				e := outcome.FailureEntry(row.rowID, row.localID, row.op, "unable to forward record downstream")
				entries[row.index] = &e
				continue
			}
			res.Forwarded++
			if f.reportSuccess {
				e := outcome.SuccessEntry(row.rowID, row.localID, result.ID, row.op)
				entries[row.index] = &e
			}
		}
	}

	for _, e := range entries {
		if e == nil {
			continue
		}
		if e.Kind == enums.OutcomeKindFailure {
			res.Failed++
		}
		if err := outcomes.add(ctx, *e); err != nil {
			return err
		}
	}
	if err := outcomes.flush(ctx); err != nil {
		return err
	}
	return f.ledger.UpdateFields(ctx, job.MessageID, ledger.Fields{
		ForwardedRows: ledger.Int(chunk[len(chunk)-1].number),
	})
}

// prepareRow converts a row into a sink record. A row that cannot be converted
// yields its failure entry instead.
func (f *Forwarder) prepareRow(ctx context.Context, row Row) (Record, enums.Operation, *outcome.Entry) {
	event, err := f.converter.Convert(ctx, row)
	if err != nil {
		e := outcome.FailureEntry(row.RowID, LocalID(row), RequestedOperation(row), diagnostics(err))
		return Record{}, "", &e
	}
	payload, err := json.Marshal(event)
	if err != nil {
		e := outcome.FailureEntry(row.RowID, LocalID(row), RequestedOperation(row), "unable to encode event")
		return Record{}, "", &e
	}
	return Record{
		Key:     event.PartitionKey,
		Payload: payload,
		Attrs: map[string]string{
			"row_id":     row.RowID,
			"message_id": outcomeLedgerID(row.RowID),
			"operation":  string(event.Operation),
		},
	}, event.Operation, nil
}

func (f *Forwarder) publishEOF(ctx context.Context, job Job, total int) error {
	b := f.newBatcher(job)
	if err := b.add(ctx, outcome.EOFEntry(job.MessageID, total)); err != nil {
		return err
	}
	return b.flush(ctx)
}

func (f *Forwarder) failFile(ctx context.Context, job Job, res Result, reason string) (Result, error) {
	res.FileFailed = true
	if err := f.ledger.UpdateStatus(ctx, job.MessageID, enums.AuditStatusFailed, ledger.Fields{
		ErrorDetails: ledger.String(reason),
	}); err != nil {
		return res, err
	}
	if err := f.failures.Write(ctx, job.Identity.FileKey, job.Identity.CreatedAt, job.MessageID, reason); err != nil {
		return res, err
	}
	f.metrics.IncFinalized(job.Identity.QueueName(), string(enums.AuditStatusFailed))
	f.logg.Warn(f.logg.WithField(ctx, "reason", reason), "file rejected before forwarding")
	return res, nil
}

type batcher struct {
	f       *Forwarder
	job     Job
	entries []outcome.Entry
}

func (f *Forwarder) newBatcher(job Job) *batcher {
	return &batcher{f: f, job: job}
}

func (b *batcher) add(ctx context.Context, e outcome.Entry) error {
	b.entries = append(b.entries, e)
	if len(b.entries) >= b.f.batchSize {
		return b.flush(ctx)
	}
	return nil
}

func (b *batcher) flush(ctx context.Context) error {
	if len(b.entries) == 0 {
		return nil
	}
	data, err := outcome.Encode(outcome.Batch{
		FileKey:     b.job.Identity.FileKey,
		MessageID:   b.job.MessageID,
		Supplier:    b.job.Identity.Supplier,
		VaccineType: b.job.Identity.VaccineType,
		CreatedAt:   b.job.Identity.CreatedAt,
		Entries:     b.entries,
	})
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "encode outcome batch")
	}
	if _, err := b.f.outcomes.Publish(ctx, data, b.job.MessageID, map[string]string{
		"message_id": b.job.MessageID,
	}); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "publish outcome batch")
	}
	b.entries = b.entries[:0]
	return nil
}

func normalizeHeader(header []string) []string {
	out := make([]string, len(header))
	for i, h := range header {
		if i == 0 {
			h = strings.TrimPrefix(h, utf8BOM)
		}
		out[i] = strings.ToUpper(strings.Trim(strings.TrimSpace(h), `"`))
	}
	return out
}

func missingColumns(header []string) []string {
	present := make(map[string]bool, len(header))
	for _, h := range header {
		present[h] = true
	}
	var missing []string
	for _, c := range RequiredColumns {
		if !present[c] {
			missing = append(missing, c)
		}
	}
	return missing
}

func diagnostics(err error) string {
	if typed := pkgerrors.As(err); typed != nil {
		return typed.Message()
	}
	return fmt.Sprintf("conversion failed: %v", err)
}

func outcomeLedgerID(rowID string) string {
	id, _, err := outcome.SplitRowID(rowID)
	if err != nil {
		return rowID
	}
	return id
}
