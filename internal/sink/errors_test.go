package sink

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIsTransient(t *testing.T) {
	cause := errors.New("boom")

	require.False(t, IsTransient(nil))
	require.True(t, IsTransient(Transient(OpUpsert, "db.t", "1", cause)))
	require.False(t, IsTransient(Permanent(OpDelete, "db.t", "1", cause)))
	require.True(t, IsTransient(cause))

	wrapped := fmt.Errorf("apply: %w", Permanent(OpUpsert, "db.t", "1", cause))
	require.False(t, IsTransient(wrapped))
	require.ErrorIs(t, wrapped, cause)
}

func TestWriteErrorMessage(t *testing.T) {
	err := Permanent(OpUpsert, "shop.orders", "42", errors.New("mapper_parsing_exception"))
	require.Equal(t, "upsert shop.orders/42 failed (permanent): mapper_parsing_exception", err.Error())
}
