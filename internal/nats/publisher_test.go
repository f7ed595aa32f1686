package nats

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/require"

	"mysql-es-sync/internal/models"
	"mysql-es-sync/internal/sink"
)

func TestSubject(t *testing.T) {
	require.Equal(t, "cdc.shop_orders", Subject("cdc", "shop.orders"))
	require.Equal(t, "cdc.orders", Subject("cdc", "orders"))
	require.Equal(t, "a_b_c", Subject("", "a*b>c"))
}

func TestMessageEncoding(t *testing.T) {
	data, err := json.Marshal(&Message{
		Op:        sink.OpUpsert,
		Index:     "shop.orders",
		Key:       "5",
		Document:  models.SinkDocument{models.KeyField: "5", "title": "foo"},
		Timestamp: 1705314600000,
	})
	require.NoError(t, err)
	require.JSONEq(t, `{"op":"upsert","index":"shop.orders","key":"5","document":{"es_key":"5","title":"foo"},"ts":1705314600000}`, string(data))

	data, err = json.Marshal(&Message{Op: sink.OpDelete, Index: "shop.orders", Key: "5", Timestamp: 1})
	require.NoError(t, err)
	require.JSONEq(t, `{"op":"delete","index":"shop.orders","key":"5","ts":1}`, string(data))
}

func TestClassify(t *testing.T) {
	require.False(t, sink.IsTransient(classify(sink.OpUpsert, "idx", "1", nats.ErrMaxPayload)))
	require.False(t, sink.IsTransient(classify(sink.OpUpsert, "idx", "1", nats.ErrBadSubject)))
	require.True(t, sink.IsTransient(classify(sink.OpUpsert, "idx", "1", nats.ErrTimeout)))
	require.True(t, sink.IsTransient(classify(sink.OpDelete, "idx", "1", errors.New("io"))))
}
