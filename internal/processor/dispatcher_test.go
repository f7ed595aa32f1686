package processor

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"mysql-es-sync/internal/config"
	"mysql-es-sync/internal/models"
	"mysql-es-sync/internal/sink"
)

func TestApplyTransactionScenario(t *testing.T) {
	s := newMemorySink()
	d := newTestDispatcher(t, s, 4, DispatcherOptions{}, nil)

	batch := batchOf(1,
		beginEntry(42),
		rowEntry(models.Insert, "shop", "orders", []models.Column{keyCol("id", "1"), col("title", "foo")}),
		rowEntry(models.Delete, "shop", "orders", []models.Column{keyCol("id", "1"), col("title", "foo")}),
		endEntry(77),
	)
	out := d.Apply(context.Background(), batch)

	require.True(t, out.Success())
	require.Equal(t, 4, out.Applied)
	require.NoError(t, out.Err())

	_, ok := s.doc("shop.orders", "1")
	require.False(t, ok)
	writes := s.writesFor("shop.orders", "1")
	require.Len(t, writes, 2)
	require.Equal(t, sink.OpUpsert, writes[0].Op)
	require.Equal(t, models.SinkDocument{"id": "1", "title": "foo", models.KeyField: "1"}, writes[0].Doc)
	require.Equal(t, sink.OpDelete, writes[1].Op)
}

func TestApplyPreservesPerKeyOrder(t *testing.T) {
	s := newMemorySink()
	d := newTestDispatcher(t, s, 8, DispatcherOptions{}, nil)

	var entries []*models.ChangeEntry
	for i := 0; i < 50; i++ {
		for _, id := range []string{"1", "2", "3"} {
			entries = append(entries, rowEntry(models.Update, "shop", "orders",
				[]models.Column{keyCol("id", id), col("v", strconv.Itoa(i))}))
		}
	}
	out := d.Apply(context.Background(), batchOf(1, entries...))
	require.True(t, out.Success())
	require.Equal(t, 150, out.Applied)

	for _, id := range []models.DocumentKey{"1", "2", "3"} {
		writes := s.writesFor("shop.orders", id)
		require.Len(t, writes, 50)
		for i, w := range writes {
			require.Equal(t, strconv.Itoa(i), w.Doc["v"], "key %s write %d", id, i)
		}
		doc, ok := s.doc("shop.orders", id)
		require.True(t, ok)
		require.Equal(t, "49", doc["v"])
	}
}

func TestApplyMultiRowEntry(t *testing.T) {
	s := newMemorySink()
	d := newTestDispatcher(t, s, 2, DispatcherOptions{}, nil)

	out := d.Apply(context.Background(), batchOf(1, rowEntry(models.Insert, "shop", "orders",
		[]models.Column{keyCol("id", "1")},
		[]models.Column{keyCol("id", "2")},
		[]models.Column{keyCol("id", "3")},
	)))
	require.True(t, out.Success())
	require.Equal(t, 1, out.Applied)
	for _, id := range []models.DocumentKey{"1", "2", "3"} {
		_, ok := s.doc("shop.orders", id)
		require.True(t, ok)
	}
}

func TestApplyIsIdempotent(t *testing.T) {
	s := newMemorySink()
	d := newTestDispatcher(t, s, 2, DispatcherOptions{}, nil)

	batch := batchOf(1,
		rowEntry(models.Insert, "shop", "orders", []models.Column{keyCol("id", "1"), col("title", "a")}),
		rowEntry(models.Update, "shop", "orders", []models.Column{keyCol("id", "1"), col("title", "b")}),
		rowEntry(models.Delete, "shop", "orders", []models.Column{keyCol("id", "2")}),
	)
	require.True(t, d.Apply(context.Background(), batch).Success())
	first, _ := s.doc("shop.orders", "1")

	require.True(t, d.Apply(context.Background(), batch).Success())
	second, _ := s.doc("shop.orders", "1")
	require.Equal(t, first, second)
	require.Equal(t, "b", second["title"])
}

func TestApplyPermanentFailure(t *testing.T) {
	s := newMemorySink()
	s.fail = func(op, index string, key models.DocumentKey, _ models.SinkDocument) error {
		if key == "2" {
			return sink.Permanent(op, index, string(key), errors.New("mapper_parsing_exception"))
		}
		return nil
	}
	d := newTestDispatcher(t, s, 4, DispatcherOptions{}, nil)

	out := d.Apply(context.Background(), batchOf(7,
		rowEntry(models.Insert, "shop", "orders", []models.Column{keyCol("id", "1")}),
		rowEntry(models.Insert, "shop", "orders", []models.Column{keyCol("id", "2"), col("v", "a")}),
		rowEntry(models.Update, "shop", "orders", []models.Column{keyCol("id", "2"), col("v", "b")}),
		rowEntry(models.Insert, "shop", "orders", []models.Column{keyCol("id", "3")}),
	))

	require.False(t, out.Success())
	require.Equal(t, models.BatchID(7), out.BatchID)
	require.Equal(t, 2, out.Failed)
	require.Equal(t, 2, out.Applied)
	require.Equal(t, Failed, out.Entries[1].Kind)
	require.Equal(t, Failed, out.Entries[2].Kind)
	require.ErrorContains(t, out.Err(), "mapper_parsing_exception")

	// a permanent error is not retried and stops later writes of the key
	s.mu.Lock()
	calls := s.calls
	s.mu.Unlock()
	require.Equal(t, 3, calls)
	_, ok := s.doc("shop.orders", "3")
	require.True(t, ok)
}

func TestApplyRetriesTransientErrors(t *testing.T) {
	s := newMemorySink()
	attempts := 0
	s.fail = func(op, index string, key models.DocumentKey, _ models.SinkDocument) error {
		attempts++
		if attempts < 3 {
			return sink.Transient(op, index, string(key), errors.New("429 too many requests"))
		}
		return nil
	}
	d := newTestDispatcher(t, s, 1, DispatcherOptions{}, nil)

	out := d.Apply(context.Background(), batchOf(1,
		rowEntry(models.Insert, "shop", "orders", []models.Column{keyCol("id", "1")}),
	))
	require.True(t, out.Success())
	require.Equal(t, 3, attempts)
}

func TestApplyGivesUpAfterMaxRetries(t *testing.T) {
	s := newMemorySink()
	s.fail = func(op, index string, key models.DocumentKey, _ models.SinkDocument) error {
		return fmt.Errorf("connection refused")
	}
	d := newTestDispatcher(t, s, 1, DispatcherOptions{}, nil)

	out := d.Apply(context.Background(), batchOf(1,
		rowEntry(models.Insert, "shop", "orders", []models.Column{keyCol("id", "1")}),
	))
	require.False(t, out.Success())
	// first attempt plus three retries
	require.Equal(t, 4, s.calls)
}

func TestApplyCancelledContext(t *testing.T) {
	s := newMemorySink()
	s.fail = func(op, index string, key models.DocumentKey, _ models.SinkDocument) error {
		return sink.Transient(op, index, string(key), errors.New("timeout"))
	}
	d := newTestDispatcher(t, s, 1, DispatcherOptions{
		WriteRetry: config.RetryPolicy{InitialInterval: time.Second},
	}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	out := d.Apply(ctx, batchOf(1,
		rowEntry(models.Insert, "shop", "orders", []models.Column{keyCol("id", "1")}),
	))
	require.False(t, out.Success())
}

func TestApplySkipsAndDegrades(t *testing.T) {
	s := newMemorySink()
	d := newTestDispatcher(t, s, 2, DispatcherOptions{}, nil)

	out := d.Apply(context.Background(), batchOf(1,
		rowEntry(models.Insert, "shop", "logs", []models.Column{col("message", "no key")}),
		rowEntry(models.Insert, "shop", "orders", []models.Column{
			keyCol("id", "1"),
			{Name: "created_at", Value: "garbage", Type: models.Timestamp},
		}),
		&models.ChangeEntry{Header: header(models.Statement, "shop", "orders"), Statement: "ALTER TABLE orders ADD note TEXT"},
	))

	require.True(t, out.Success())
	require.Equal(t, 1, out.Skipped)
	require.Equal(t, 1, out.Degraded)
	require.Equal(t, 1, out.Applied)
	require.Equal(t, Skipped, out.Entries[0].Kind)
	require.Equal(t, SkippedDegraded, out.Entries[1].Kind)
	require.Len(t, out.Entries[1].Warnings, 1)

	doc, ok := s.doc("shop.orders", "1")
	require.True(t, ok)
	require.NotContains(t, doc, "created_at")
}

func TestApplyDecodeError(t *testing.T) {
	s := newMemorySink()
	d := newTestDispatcher(t, s, 2, DispatcherOptions{}, nil)

	bad := rowEntry(models.Insert, "shop", "orders")
	bad.DecodeErr = errors.New("column count mismatch")
	out := d.Apply(context.Background(), batchOf(1,
		bad,
		rowEntry(models.Insert, "shop", "orders", []models.Column{keyCol("id", "1")}),
	))

	require.False(t, out.Success())
	require.Equal(t, 1, out.Failed)
	var de *DecodeError
	require.True(t, errors.As(out.Entries[0].Err, &de))
	require.Equal(t, "orders", de.Header.Table)
}

func TestApplyTransformRejection(t *testing.T) {
	script := writeScript(t, `function transform(event) {
	if (event.document.hidden === "1") { return null; }
	return event;
}`)
	tr, err := NewTransformer(&config.ProcessorConfig{Enabled: true, Script: script}, quietLogger())
	require.NoError(t, err)

	s := newMemorySink()
	d := newTestDispatcher(t, s, 2, DispatcherOptions{}, tr)
	out := d.Apply(context.Background(), batchOf(1,
		rowEntry(models.Insert, "shop", "orders", []models.Column{keyCol("id", "1"), col("hidden", "1")}),
		rowEntry(models.Insert, "shop", "orders", []models.Column{keyCol("id", "2"), col("hidden", "0")}),
	))

	require.True(t, out.Success())
	require.Equal(t, 1, out.Skipped)
	_, ok := s.doc("shop.orders", "1")
	require.False(t, ok)
	_, ok = s.doc("shop.orders", "2")
	require.True(t, ok)
}

func TestApplyIndexMapping(t *testing.T) {
	s := newMemorySink()
	d := newTestDispatcher(t, s, 2, DispatcherOptions{
		IndexMapping:   map[string]string{"shop.orders": "Orders-v2"},
		LowercaseIndex: true,
	}, nil)

	out := d.Apply(context.Background(), batchOf(1,
		rowEntry(models.Insert, "shop", "orders", []models.Column{keyCol("id", "1")}),
		rowEntry(models.Insert, "Shop", "Users", []models.Column{keyCol("id", "1")}),
	))
	require.True(t, out.Success())
	_, ok := s.doc("orders-v2", "1")
	require.True(t, ok)
	_, ok = s.doc("shop.users", "1")
	require.True(t, ok)
}

func TestApplyConcurrentBatches(t *testing.T) {
	s := newMemorySink()
	d := newTestDispatcher(t, s, 4, DispatcherOptions{}, nil)

	outcomes := make([]*BatchOutcome, 4)
	var wg sync.WaitGroup
	for i := range outcomes {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			table := "t" + strconv.Itoa(i)
			outcomes[i] = d.Apply(context.Background(), batchOf(models.BatchID(i),
				rowEntry(models.Insert, "shop", table, []models.Column{keyCol("id", "1")}),
			))
		}()
	}
	wg.Wait()
	for _, out := range outcomes {
		require.True(t, out.Success())
	}
	require.Len(t, s.docs, 4)
}
