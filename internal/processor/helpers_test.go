package processor

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"mysql-es-sync/internal/config"
	"mysql-es-sync/internal/models"
	"mysql-es-sync/internal/sink"
)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

type write struct {
	Op    string
	Index string
	Key   models.DocumentKey
	Doc   models.SinkDocument
}

// memorySink is an in-memory Sink recording every successful write.
type memorySink struct {
	mu     sync.Mutex
	docs   map[string]models.SinkDocument
	writes []write
	calls  int
	// fail, when set, is consulted before every write
	fail func(op, index string, key models.DocumentKey, doc models.SinkDocument) error
}

func newMemorySink() *memorySink {
	return &memorySink{docs: make(map[string]models.SinkDocument)}
}

func (s *memorySink) Upsert(_ context.Context, index string, key models.DocumentKey, doc models.SinkDocument) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.fail != nil {
		if err := s.fail(sink.OpUpsert, index, key, doc); err != nil {
			return err
		}
	}
	copied := make(models.SinkDocument, len(doc))
	for k, v := range doc {
		copied[k] = v
	}
	s.docs[index+"/"+string(key)] = copied
	s.writes = append(s.writes, write{Op: sink.OpUpsert, Index: index, Key: key, Doc: copied})
	return nil
}

func (s *memorySink) Delete(_ context.Context, index string, key models.DocumentKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.fail != nil {
		if err := s.fail(sink.OpDelete, index, key, nil); err != nil {
			return err
		}
	}
	delete(s.docs, index+"/"+string(key))
	s.writes = append(s.writes, write{Op: sink.OpDelete, Index: index, Key: key})
	return nil
}

func (s *memorySink) doc(index string, key models.DocumentKey) (models.SinkDocument, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.docs[index+"/"+string(key)]
	return doc, ok
}

func (s *memorySink) writesFor(index string, key models.DocumentKey) []write {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []write
	for _, w := range s.writes {
		if w.Index == index && w.Key == key {
			out = append(out, w)
		}
	}
	return out
}

func newTestDispatcher(t *testing.T, s Sink, workers int, opts DispatcherOptions, transformer *Transformer) *Dispatcher {
	t.Helper()
	logger := quietLogger()
	coercer, err := NewCoercer("UTC", "UTF-8")
	require.NoError(t, err)
	if transformer == nil {
		transformer, err = NewTransformer(&config.ProcessorConfig{}, logger)
		require.NoError(t, err)
	}
	if opts.WriteRetry.InitialInterval == 0 {
		opts.WriteRetry = config.RetryPolicy{MaxRetries: 3, InitialInterval: time.Millisecond, MaxInterval: 2 * time.Millisecond}
	}
	pool := NewWorkerPool(workers)
	t.Cleanup(pool.Close)
	return NewDispatcher(s, pool, NewProjector(coercer, logger), transformer, NewTracker(logger), opts, logger)
}

func keyCol(name, value string) models.Column {
	return models.Column{Name: name, Value: value, SQLType: "int", IsKey: true}
}

func col(name, value string) models.Column {
	return models.Column{Name: name, Value: value, SQLType: "varchar"}
}

func header(kind models.EntryKind, schema, table string) models.Header {
	return models.Header{
		LogFile:     "mysql-bin.000001",
		LogOffset:   100,
		ExecuteTime: time.Now(),
		Schema:      schema,
		Table:       table,
		Kind:        kind,
	}
}

func rowEntry(op models.Operation, schema, table string, images ...[]models.Column) *models.ChangeEntry {
	entry := &models.ChangeEntry{
		Header:    header(models.RowData, schema, table),
		Operation: op,
	}
	for _, image := range images {
		row := models.RowMutation{Operation: op}
		if op == models.Delete {
			row.Before = image
		} else {
			row.After = image
		}
		entry.Rows = append(entry.Rows, row)
	}
	return entry
}

func beginEntry(threadID uint32) *models.ChangeEntry {
	return &models.ChangeEntry{Header: header(models.TransactionBegin, "", ""), ThreadID: threadID}
}

func endEntry(xid uint64) *models.ChangeEntry {
	return &models.ChangeEntry{Header: header(models.TransactionEnd, "", ""), TransactionID: xid}
}

func batchOf(id models.BatchID, entries ...*models.ChangeEntry) *models.ChangeBatch {
	return &models.ChangeBatch{ID: id, Entries: entries}
}
