package processor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"

	"mysql-es-sync/internal/config"
	"mysql-es-sync/internal/metrics"
	"mysql-es-sync/internal/models"
	"mysql-es-sync/internal/sink"
)

// Sink is the document store the dispatcher writes to. Writes for a key are
// expected to be idempotent: upsert replaces the whole document and delete of
// a missing document succeeds.
type Sink interface {
	Upsert(ctx context.Context, index string, key models.DocumentKey, doc models.SinkDocument) error
	Delete(ctx context.Context, index string, key models.DocumentKey) error
}

// OutcomeKind is the result of processing one row or entry, ordered by severity.
type OutcomeKind int

const (
	Applied OutcomeKind = iota
	SkippedDegraded
	Skipped
	Failed
)

func (k OutcomeKind) String() string {
	switch k {
	case Applied:
		return "applied"
	case SkippedDegraded:
		return "degraded"
	case Skipped:
		return "skipped"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("OutcomeKind(%d)", int(k))
	}
}

// DecodeError marks an entry whose payload could not be decoded.
type DecodeError struct {
	Header models.Header
	Err    error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode entry binlog[%s:%d] %s.%s: %v",
		e.Header.LogFile, e.Header.LogOffset, e.Header.Schema, e.Header.Table, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// EntryOutcome is the outcome of one entry of a batch
type EntryOutcome struct {
	Kind     OutcomeKind
	Err      error   // set when Kind is Failed or Skipped
	Warnings []error // coercion errors
}

// BatchOutcome aggregates the entry outcomes of a batch.
type BatchOutcome struct {
	BatchID  models.BatchID
	Entries  []EntryOutcome
	Applied  int
	Degraded int
	Skipped  int
	Failed   int
}

// Success reports whether the batch may be acknowledged.
func (o *BatchOutcome) Success() bool {
	return o.Failed == 0
}

// Err joins the errors of failed entries.
func (o *BatchOutcome) Err() error {
	var errs []error
	for _, e := range o.Entries {
		if e.Kind == Failed {
			errs = append(errs, e.Err)
		}
	}
	return errors.Join(errs...)
}

// DispatcherOptions tunes a Dispatcher.
type DispatcherOptions struct {
	// IndexMapping overrides the "schema.table" index name.
	IndexMapping   map[string]string
	LowercaseIndex bool
	WriteRetry     config.RetryPolicy
}

// Dispatcher applies batches to the sink. Rows are partitioned by document
// key; rows of one key are written in batch order by a single task, tasks of
// different keys run concurrently on the worker pool.
type Dispatcher struct {
	sink        Sink
	pool        *WorkerPool
	projector   *Projector
	transformer *Transformer
	tracker     *Tracker
	opts        DispatcherOptions
	logger      *logrus.Logger
	now         func() time.Time
}

func NewDispatcher(
	s Sink,
	pool *WorkerPool,
	projector *Projector,
	transformer *Transformer,
	tracker *Tracker,
	opts DispatcherOptions,
	logger *logrus.Logger,
) *Dispatcher {
	return &Dispatcher{
		sink:        s,
		pool:        pool,
		projector:   projector,
		transformer: transformer,
		tracker:     tracker,
		opts:        opts,
		logger:      logger,
		now:         time.Now,
	}
}

type groupKey struct {
	index string
	key   models.DocumentKey
}

type rowResult struct {
	kind     OutcomeKind
	err      error
	warnings []error
}

type rowUnit struct {
	entry  *models.ChangeEntry
	row    *models.RowMutation
	result *rowResult
}

// keyGroup is the ordered work unit of one document key.
type keyGroup struct {
	groupKey
	units []rowUnit
}

// Apply writes batch to the sink and blocks until every work unit reported.
func (d *Dispatcher) Apply(ctx context.Context, batch *models.ChangeBatch) *BatchOutcome {
	out := &BatchOutcome{
		BatchID: batch.ID,
		Entries: make([]EntryOutcome, len(batch.Entries)),
	}
	rowResults := make([][]rowResult, len(batch.Entries))
	groups := make(map[groupKey]*keyGroup)
	var order []*keyGroup

	for i, entry := range batch.Entries {
		if entry.DecodeErr != nil {
			err := &DecodeError{Header: entry.Header, Err: entry.DecodeErr}
			d.logger.WithFields(headerFields(entry.Header)).Errorf("Failed to decode entry: %v", err)
			out.Entries[i] = EntryOutcome{Kind: Failed, Err: err}
			continue
		}

		switch entry.Header.Kind {
		case models.TransactionBegin, models.TransactionEnd:
			d.tracker.Observe(entry)
		case models.Statement:
			d.logger.Infof("sql ----> %s", entry.Statement)
		case models.RowData:
			d.logRowChange(entry)
			index := d.indexFor(entry)
			rowResults[i] = make([]rowResult, len(entry.Rows))
			for j := range entry.Rows {
				row := &entry.Rows[j]
				key := DeriveKey(row.Columns())
				if key == "" {
					rowResults[i][j] = rowResult{kind: Skipped, err: fmt.Errorf("%s row of %s has no primary key", row.Operation, index)}
					d.logger.Warnf("Skipping %s row of %s: no primary key columns", row.Operation, index)
					continue
				}
				gk := groupKey{index: index, key: key}
				g, ok := groups[gk]
				if !ok {
					g = &keyGroup{groupKey: gk}
					groups[gk] = g
					order = append(order, g)
				}
				g.units = append(g.units, rowUnit{entry: entry, row: row, result: &rowResults[i][j]})
			}
		default:
			d.logger.Debugf("Ignoring entry of kind %s", entry.Header.Kind)
		}
	}

	var wg sync.WaitGroup
	for _, g := range order {
		g := g
		wg.Add(1)
		d.pool.Submit(func() {
			defer wg.Done()
			d.applyGroup(ctx, g)
		})
	}
	wg.Wait()

	for i := range batch.Entries {
		if rowResults[i] == nil {
			continue
		}
		eo := EntryOutcome{Kind: Applied}
		for _, r := range rowResults[i] {
			eo.Warnings = append(eo.Warnings, r.warnings...)
			if r.kind > eo.Kind {
				eo.Kind = r.kind
				eo.Err = r.err
			}
		}
		out.Entries[i] = eo
	}

	for i, eo := range out.Entries {
		switch eo.Kind {
		case Applied:
			out.Applied++
		case SkippedDegraded:
			out.Degraded++
		case Skipped:
			out.Skipped++
		case Failed:
			out.Failed++
			d.logger.WithFields(headerFields(batch.Entries[i].Header)).Errorf("Entry failed: %v", eo.Err)
		}
		metrics.EntryCounter.WithLabelValues(eo.Kind.String()).Inc()
	}

	return out
}

// applyGroup writes the rows of one key in order. After the first failure the
// remaining rows of the key are not written.
func (d *Dispatcher) applyGroup(ctx context.Context, g *keyGroup) {
	var failed error
	for _, u := range g.units {
		if failed != nil {
			*u.result = rowResult{
				kind: Failed,
				err:  fmt.Errorf("%s %s/%s not applied after earlier failure: %w", u.row.Operation, g.index, g.key, failed),
			}
			continue
		}
		*u.result = d.applyRow(ctx, g.index, g.key, u)
		if u.result.kind == Failed {
			failed = u.result.err
		}
	}
}

func (d *Dispatcher) applyRow(ctx context.Context, index string, key models.DocumentKey, u rowUnit) rowResult {
	proj := d.projector.Project(u.row)

	ev, err := d.transformer.Transform(&DocumentEvent{
		Type:     u.row.Operation.String(),
		Database: u.entry.Header.Schema,
		Table:    u.entry.Header.Table,
		Key:      string(key),
		Document: proj.Document,
	})
	if errors.Is(err, ErrEventRejected) {
		return rowResult{kind: Skipped, err: err}
	}
	if err != nil {
		return rowResult{kind: Failed, err: fmt.Errorf("transform %s/%s: %w", index, key, err)}
	}

	op := sink.OpUpsert
	write := func() error { return d.sink.Upsert(ctx, index, key, ev.Document) }
	if u.row.Operation == models.Delete {
		op = sink.OpDelete
		write = func() error { return d.sink.Delete(ctx, index, key) }
	}

	if err := d.retryWrite(ctx, op, write); err != nil {
		return rowResult{kind: Failed, err: err}
	}
	if proj.Degraded {
		return rowResult{kind: SkippedDegraded, warnings: proj.Errors}
	}
	return rowResult{kind: Applied}
}

// retryWrite retries transient sink errors with exponential backoff.
func (d *Dispatcher) retryWrite(ctx context.Context, op string, write func() error) error {
	policy := d.opts.WriteRetry
	exp := backoff.NewExponentialBackOff()
	if policy.InitialInterval > 0 {
		exp.InitialInterval = policy.InitialInterval
	}
	if policy.MaxInterval > 0 {
		exp.MaxInterval = policy.MaxInterval
	}
	exp.MaxElapsedTime = 0
	exp.Reset()

	var b backoff.BackOff = exp
	if policy.MaxRetries > 0 {
		b = backoff.WithMaxRetries(b, uint64(policy.MaxRetries))
	}

	return backoff.RetryNotify(func() error {
		start := time.Now()
		err := write()
		result := "ok"
		if err != nil {
			result = "error"
		}
		metrics.SinkWriteDuration.WithLabelValues(op, result).Observe(time.Since(start).Seconds())

		if err != nil && !sink.IsTransient(err) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(b, ctx), func(err error, wait time.Duration) {
		d.logger.Warnf("Transient sink error, retrying in %s: %v", wait, err)
	})
}

func (d *Dispatcher) indexFor(entry *models.ChangeEntry) string {
	index := entry.Index()
	if mapped, ok := d.opts.IndexMapping[index]; ok {
		index = mapped
	}
	if d.opts.LowercaseIndex {
		index = strings.ToLower(index)
	}
	return index
}

func (d *Dispatcher) logRowChange(entry *models.ChangeEntry) {
	h := entry.Header
	d.logger.Infof("----------------> binlog[%s:%d] , name[%s,%s] , eventType : %s , executeTime : %d , delay : %dms",
		h.LogFile, h.LogOffset, h.Schema, h.Table, entry.Operation,
		h.ExecuteTime.UnixMilli(), d.now().Sub(h.ExecuteTime).Milliseconds())
}

func headerFields(h models.Header) logrus.Fields {
	return logrus.Fields{
		"binlog":      h.LogFile,
		"offset":      h.LogOffset,
		"schema":      h.Schema,
		"table":       h.Table,
		"kind":        h.Kind.String(),
		"executeTime": h.ExecuteTime.UnixMilli(),
	}
}
