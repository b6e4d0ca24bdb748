package ack

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/angelmondragon/immsbatch/internal/artifact"
	"github.com/angelmondragon/immsbatch/internal/ledger"
	"github.com/angelmondragon/immsbatch/internal/outcome"
	"github.com/angelmondragon/immsbatch/pkg/db/models"
	"github.com/angelmondragon/immsbatch/pkg/enums"
	pkgerrors "github.com/angelmondragon/immsbatch/pkg/errors"
	"github.com/angelmondragon/immsbatch/pkg/logger"
	"github.com/angelmondragon/immsbatch/pkg/metrics"
)

const maxStrayIDsInDetails = 5

// State is the aggregation phase of one file.
type State string

const (
	StateAccumulating State = "accumulating"
	StateFinalizing   State = "finalizing"
	StateDone         State = "done"
)

// Completion describes a finalized file for downstream reporting.
type Completion struct {
	MessageID   string
	Filename    string
	QueueName   string
	Supplier    string
	VaccineType string
	Status      enums.AuditStatus
	RecordCount int
	Succeeded   int
	Failed      int
	AckKey      string
	CompletedAt time.Time
	Duration    time.Duration
}

// CompletionReporter receives finalized files. Reporting is best effort.
type CompletionReporter interface {
	ReportCompletion(ctx context.Context, c Completion) error
}

// Result summarizes one Process call.
type Result struct {
	MessageID string
	State     State
	Appended  int
	Total     int
	SawEOF    bool
	Skipped   bool
}

// AggregatorParams wires the aggregator's collaborators.
type AggregatorParams struct {
	Ledger   ledger.Store
	Store    artifact.Store
	Layout   artifact.Layout
	Reporter CompletionReporter
	Metrics  *metrics.PipelineMetrics
	Logger   *logger.Logger
}

// Aggregator folds per-row outcomes into the file's acknowledgement artifact and
// finalizes the ledger once the EOF sentinel has been seen and the row count matches.
// It relies on the transport delivering a file's batches one at a time.
type Aggregator struct {
	ledger   ledger.Store
	store    artifact.Store
	layout   artifact.Layout
	reporter CompletionReporter
	metrics  *metrics.PipelineMetrics
	logg     *logger.Logger
	now      func() time.Time
}

// NewAggregator validates params.
func NewAggregator(p AggregatorParams) (*Aggregator, error) {
	if p.Ledger == nil {
		return nil, errors.New("ledger store required")
	}
	if p.Store == nil {
		return nil, errors.New("artifact store required")
	}
	if p.Layout.AckBucket == "" || p.Layout.SourceBucket == "" {
		return nil, errors.New("artifact buckets required")
	}
	logg := p.Logger
	if logg == nil {
		logg = logger.Nop()
	}
	return &Aggregator{
		ledger:   p.Ledger,
		store:    p.Store,
		layout:   p.Layout,
		reporter: p.Reporter,
		metrics:  p.Metrics,
		logg:     logg,
		now:      time.Now,
	}, nil
}

type accumulation struct {
	rows      []Row
	seen      map[string]struct{}
	fromFinal bool
	persisted bool
}

// Process applies one outcome batch. orderingKey is the transport key the batch arrived under.
func (a *Aggregator) Process(ctx context.Context, batch *outcome.Batch, orderingKey string) (Result, error) {
	if batch == nil {
		return Result{}, pkgerrors.New(pkgerrors.CodeValidation, "outcome batch required")
	}
	outcomes, err := batch.Outcomes()
	if err != nil {
		return Result{}, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid outcome batch")
	}
	if err := checkSingleFile(batch, outcomes, orderingKey); err != nil {
		return Result{}, err
	}

	ctx = a.logg.WithMessageID(ctx, batch.MessageID)
	ctx = a.logg.WithFileKey(ctx, batch.FileKey)
	res := Result{MessageID: batch.MessageID, State: StateAccumulating}

	rec, err := a.ledger.Get(ctx, batch.MessageID)
	if err != nil {
		if ledger.IsNotFound(err) {
			return res, pkgerrors.Wrap(pkgerrors.CodeLedgerCorruption, err, "outcomes for unknown ledger record")
		}
		return res, err
	}
	switch rec.Status {
	case enums.AuditStatusProcessed:
		a.logg.Info(ctx, "file already finalized; ignoring outcomes")
		res.State, res.Skipped = StateDone, true
		return res, nil
	case enums.AuditStatusFailed, enums.AuditStatusNotProcessed:
		a.logg.Warn(a.logg.WithField(ctx, "status", rec.Status), "outcomes for closed file ignored")
		res.State, res.Skipped = StateDone, true
		return res, nil
	}

	acc, err := a.load(ctx, batch)
	if err != nil {
		return res, err
	}

	declared := -1
	for _, o := range outcomes {
		if eof, ok := o.(outcome.EOFSentinel); ok {
			res.SawEOF = true
			declared = eof.TotalRows
			continue
		}
		row, _ := FromOutcome(o)
		if _, dup := acc.seen[row.MessageHeaderID]; dup {
			continue
		}
		acc.seen[row.MessageHeaderID] = struct{}{}
		acc.rows = append(acc.rows, row)
		res.Appended++
	}
	res.Total = len(acc.rows)

	if res.Appended > 0 {
		if err := a.save(ctx, batch, acc); err != nil {
			return res, err
		}
		a.metrics.AddAckRows(rec.QueueName, res.Appended)
	}

	if res.SawEOF && !rec.EOFReceived {
		if err := a.ledger.UpdateFields(ctx, rec.MessageID, ledger.Fields{
			EOFReceived:      ledger.Bool(true),
			DeclaredRowCount: ledger.Int(declared),
		}); err != nil {
			return res, err
		}
		rec.EOFReceived = true
		rec.DeclaredRowCount = ledger.Int(declared)
		if rec.RecordCount != nil && *rec.RecordCount != declared {
			a.logg.Warn(a.logg.WithFields(ctx, map[string]any{
				"record_count":       *rec.RecordCount,
				"declared_row_count": declared,
			}), "eof total disagrees with ledger record_count")
		}
	}

	if rec.RecordCount == nil {
		return res, nil
	}
	// Rows stored before record_count was known are checked here too.
	if stray := outOfRange(acc.rows, *rec.RecordCount); len(stray) > 0 {
		if err := a.failStrayRows(ctx, rec, stray); err != nil {
			return res, err
		}
		res.State = StateDone
		return res, nil
	}
	if !rec.EOFReceived {
		return res, nil
	}

	expected := *rec.RecordCount
	switch {
	case res.Total == expected:
		res.State = StateFinalizing
		if err := a.finalize(ctx, rec, batch, acc); err != nil {
			return res, err
		}
		res.State = StateDone
	default:
		a.logg.Debug(a.logg.WithFields(ctx, map[string]any{"rows": res.Total, "record_count": expected}), "waiting for remaining outcomes")
	}
	return res, nil
}

// outOfRange returns the ids of rows whose number is not in 1..recordCount or
// repeats another row's number. When it returns nothing, len(rows) ==
// recordCount means every row of the file has been acknowledged.
func outOfRange(rows []Row, recordCount int) []string {
	var stray []string
	numbers := make(map[int]struct{}, len(rows))
	for _, r := range rows {
		_, n, err := outcome.SplitRowID(r.MessageHeaderID)
		if err != nil || n < 1 || n > recordCount {
			stray = append(stray, r.MessageHeaderID)
			continue
		}
		if _, dup := numbers[n]; dup {
			stray = append(stray, r.MessageHeaderID)
			continue
		}
		numbers[n] = struct{}{}
	}
	return stray
}

func (a *Aggregator) failStrayRows(ctx context.Context, rec *models.AuditRecord, stray []string) error {
	shown := stray
	if len(shown) > maxStrayIDsInDetails {
		shown = shown[:maxStrayIDsInDetails]
	}
	details := fmt.Sprintf("%d acknowledgement rows outside 1..%d or repeated: %s",
		len(stray), *rec.RecordCount, strings.Join(shown, ","))
	if err := a.ledger.UpdateStatus(ctx, rec.MessageID, enums.AuditStatusFailed, ledger.Fields{ErrorDetails: ledger.String(details)}); err != nil {
		return err
	}
	a.metrics.IncFinalized(rec.QueueName, enums.AuditStatusFailed.String())
	a.logg.Error(ctx, "acknowledgement rows outside record range; file marked failed", errors.New(details))
	return nil
}

func checkSingleFile(batch *outcome.Batch, outcomes []outcome.Outcome, orderingKey string) error {
	if orderingKey != "" && orderingKey != batch.MessageID {
		return pkgerrors.New(pkgerrors.CodeTransportMisconfiguration, "ordering key does not match batch file").
			WithDetails(map[string]any{"ordering_key": orderingKey, "message_id": batch.MessageID})
	}
	for _, o := range outcomes {
		if o.MessageID() != batch.MessageID {
			return pkgerrors.New(pkgerrors.CodeTransportMisconfiguration, "batch mixes outcomes of several files").
				WithDetails(map[string]any{"message_id": batch.MessageID, "foreign_id": o.MessageID()})
		}
	}
	return nil
}

// load reads the temp artifact, falling back to the final one left by a
// finalization that moved the artifact but did not reach the ledger.
func (a *Aggregator) load(ctx context.Context, batch *outcome.Batch) (*accumulation, error) {
	acc := &accumulation{seen: map[string]struct{}{}}

	data, err := a.store.Read(ctx, a.layout.AckBucket, a.layout.TempKey(batch.FileKey, batch.CreatedAt))
	if artifact.IsNotFound(err) {
		data, err = a.store.Read(ctx, a.layout.AckBucket, a.layout.FinalKey(batch.FileKey, batch.CreatedAt))
		if err == nil {
			acc.fromFinal = true
		}
	}
	acc.persisted = err == nil
	if err != nil && !artifact.IsNotFound(err) {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "read acknowledgement artifact")
	}

	rows, err := Decode(data)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "decode acknowledgement artifact")
	}
	for _, r := range rows {
		acc.seen[r.MessageHeaderID] = struct{}{}
	}
	acc.rows = rows
	return acc, nil
}

func (a *Aggregator) save(ctx context.Context, batch *outcome.Batch, acc *accumulation) error {
	data, err := Encode(acc.rows)
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "encode acknowledgement artifact")
	}
	key := a.layout.TempKey(batch.FileKey, batch.CreatedAt)
	if acc.fromFinal {
		key = a.layout.FinalKey(batch.FileKey, batch.CreatedAt)
	}
	if err := a.store.Write(ctx, a.layout.AckBucket, key, data, artifact.ContentTypeCSV); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "write acknowledgement artifact")
	}
	acc.persisted = true
	return nil
}

// finalize is safe to repeat: every step tolerates having already happened.
func (a *Aggregator) finalize(ctx context.Context, rec *models.AuditRecord, batch *outcome.Batch, acc *accumulation) error {
	succeeded := 0
	for _, r := range acc.rows {
		if r.IsSuccess() {
			succeeded++
		}
	}
	failed := len(acc.rows) - succeeded

	finalKey := a.layout.FinalKey(batch.FileKey, batch.CreatedAt)
	switch {
	case acc.fromFinal:
	case !acc.persisted:
		// A file without rows never produced a temp artifact.
		data, err := Encode(acc.rows)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "encode acknowledgement artifact")
		}
		if err := a.store.Write(ctx, a.layout.AckBucket, finalKey, data, artifact.ContentTypeCSV); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "write acknowledgement artifact")
		}
	default:
		tempKey := a.layout.TempKey(batch.FileKey, batch.CreatedAt)
		if err := artifact.Move(ctx, a.store, a.layout.AckBucket, tempKey, a.layout.AckBucket, finalKey); err != nil {
			return err
		}
	}
	if err := a.archiveSource(ctx, rec, batch.FileKey); err != nil {
		return err
	}

	if err := a.ledger.UpdateStatus(ctx, rec.MessageID, enums.AuditStatusProcessed, ledger.Fields{
		RecordsSucceeded: ledger.Int(succeeded),
		RecordsFailed:    ledger.Int(failed),
	}); err != nil {
		return err
	}

	completedAt := a.now().UTC()
	a.metrics.IncFinalized(rec.QueueName, enums.AuditStatusProcessed.String())
	a.metrics.AddRows(rec.QueueName, succeeded, failed)
	duration := completedAt.Sub(rec.CreatedAt)
	if !rec.CreatedAt.IsZero() {
		a.metrics.ObserveFile(rec.QueueName, duration)
	}
	a.logg.Info(a.logg.WithFields(ctx, map[string]any{
		"records_succeeded": succeeded,
		"records_failed":    failed,
		"ack_key":           finalKey,
	}), "file finalized")

	if a.reporter != nil {
		err := a.reporter.ReportCompletion(ctx, Completion{
			MessageID:   rec.MessageID,
			Filename:    rec.Filename,
			QueueName:   rec.QueueName,
			Supplier:    rec.Supplier,
			VaccineType: rec.VaccineType,
			Status:      enums.AuditStatusProcessed,
			RecordCount: len(acc.rows),
			Succeeded:   succeeded,
			Failed:      failed,
			AckKey:      finalKey,
			CompletedAt: completedAt,
			Duration:    duration,
		})
		if err != nil {
			a.logg.WarnErr(ctx, "completion report failed", err)
		}
	}
	return nil
}

func (a *Aggregator) archiveSource(ctx context.Context, rec *models.AuditRecord, fileKey string) error {
	bucket := rec.Bucket
	if bucket == "" {
		bucket = a.layout.SourceBucket
	}
	src := rec.FileKey
	if src == "" {
		src = fileKey
	}
	archiveKey := a.layout.ArchiveKey(src)
	err := artifact.Move(ctx, a.store, bucket, src, bucket, archiveKey)
	if err == nil {
		return nil
	}
	if artifact.IsNotFound(err) {
		if ok, existsErr := a.store.Exists(ctx, bucket, archiveKey); existsErr == nil && ok {
			return nil
		}
		a.logg.Warn(a.logg.WithField(ctx, "bucket", bucket), "source object missing at finalization")
		return nil
	}
	return err
}
