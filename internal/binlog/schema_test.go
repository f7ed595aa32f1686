package binlog

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"

	"mysql-es-sync/internal/config"
)

func TestSchemaCacheColumns(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	cache := NewSchemaCache(db, quietLogger())
	defer cache.Close()

	rows := sqlmock.NewRows([]string{"COLUMN_NAME", "DATA_TYPE", "COLUMN_KEY"}).
		AddRow("id", "INT", "PRI").
		AddRow("title", "varchar", "").
		AddRow("created_at", "datetime", "MUL")
	mock.ExpectQuery("SELECT COLUMN_NAME, DATA_TYPE, COLUMN_KEY").
		WithArgs("shop", "orders").
		WillReturnRows(rows)

	cols, err := cache.Columns(context.Background(), "shop", "orders")
	require.NoError(t, err)
	require.Equal(t, []ColumnInfo{
		{Name: "id", DataType: "int", IsKey: true},
		{Name: "title", DataType: "varchar"},
		{Name: "created_at", DataType: "datetime"},
	}, cols)

	// served from cache
	cols, err = cache.Columns(context.Background(), "shop", "orders")
	require.NoError(t, err)
	require.Len(t, cols, 3)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSchemaCacheInvalidate(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	cache := NewSchemaCache(db, quietLogger())
	defer cache.Close()

	for i := 0; i < 2; i++ {
		mock.ExpectQuery("SELECT COLUMN_NAME").
			WithArgs("shop", "orders").
			WillReturnRows(sqlmock.NewRows([]string{"COLUMN_NAME", "DATA_TYPE", "COLUMN_KEY"}).AddRow("id", "int", "PRI"))
	}

	_, err = cache.Columns(context.Background(), "shop", "orders")
	require.NoError(t, err)
	cache.Invalidate()
	_, err = cache.Columns(context.Background(), "shop", "orders")
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSchemaCacheUnknownTable(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	cache := NewSchemaCache(db, quietLogger())
	defer cache.Close()

	mock.ExpectQuery("SELECT COLUMN_NAME").
		WithArgs("shop", "ghost").
		WillReturnRows(sqlmock.NewRows([]string{"COLUMN_NAME", "DATA_TYPE", "COLUMN_KEY"}))

	_, err = cache.Columns(context.Background(), "shop", "ghost")
	require.ErrorContains(t, err, "shop.ghost not found")
}

func TestDSN(t *testing.T) {
	dsn := DSN(config.MySQLConfig{Host: "db.local", Port: 3307, User: "canal", Password: "secret"})
	require.Contains(t, dsn, "canal:secret@tcp(db.local:3307)/")
	require.Contains(t, dsn, "timeout=10s")
}
