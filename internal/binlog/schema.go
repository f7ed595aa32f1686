package binlog

import (
	"context"
	"database/sql"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	driver "github.com/go-sql-driver/mysql"
	"github.com/sirupsen/logrus"

	"mysql-es-sync/internal/config"
	"mysql-es-sync/internal/models"
)

// ColumnInfo is the metadata of a table column
type ColumnInfo struct {
	Name     string
	DataType string
	IsKey    bool
}

// ColumnResolver returns the ordered column metadata of a table.
type ColumnResolver interface {
	Columns(ctx context.Context, schema, table string) ([]ColumnInfo, error)
	// Invalidate drops cached metadata, e.g. after a DDL statement.
	Invalidate()
}

// SchemaCache resolves columns from INFORMATION_SCHEMA and caches them by
// "schema.table".
type SchemaCache struct {
	db     *sql.DB
	mu     sync.Mutex
	tables map[string][]ColumnInfo
	logger *logrus.Logger
}

// DSN builds the go-sql-driver data source name for cfg.
func DSN(cfg config.MySQLConfig) string {
	dc := driver.NewConfig()
	dc.User = cfg.User
	dc.Passwd = cfg.Password
	dc.Net = "tcp"
	dc.Addr = net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
	dc.Timeout = 10 * time.Second
	return dc.FormatDSN()
}

// OpenSchemaCache opens a connection used for column metadata lookups.
func OpenSchemaCache(cfg config.MySQLConfig, logger *logrus.Logger) (*SchemaCache, error) {
	db, err := sql.Open("mysql", DSN(cfg))
	if err != nil {
		return nil, fmt.Errorf("failed to open database connection: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	return NewSchemaCache(db, logger), nil
}

func NewSchemaCache(db *sql.DB, logger *logrus.Logger) *SchemaCache {
	return &SchemaCache{
		db:     db,
		tables: make(map[string][]ColumnInfo),
		logger: logger,
	}
}

// Columns fetches column names, types and key flags for a table
func (c *SchemaCache) Columns(ctx context.Context, schema, table string) ([]ColumnInfo, error) {
	cacheKey := models.Index(schema, table)

	c.mu.Lock()
	defer c.mu.Unlock()
	if cols, ok := c.tables[cacheKey]; ok {
		return cols, nil
	}

	query := `
		SELECT COLUMN_NAME, DATA_TYPE, COLUMN_KEY
		FROM INFORMATION_SCHEMA.COLUMNS
		WHERE TABLE_SCHEMA = ? AND TABLE_NAME = ?
		ORDER BY ORDINAL_POSITION
	`
	rows, err := c.db.QueryContext(ctx, query, schema, table)
	if err != nil {
		return nil, fmt.Errorf("failed to query column info: %w", err)
	}
	defer rows.Close()

	var columns []ColumnInfo
	for rows.Next() {
		var name, dataType, columnKey string
		if err := rows.Scan(&name, &dataType, &columnKey); err != nil {
			return nil, fmt.Errorf("failed to scan column info: %w", err)
		}
		columns = append(columns, ColumnInfo{
			Name:     name,
			DataType: strings.ToLower(dataType),
			IsKey:    columnKey == "PRI",
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating columns: %w", err)
	}
	if len(columns) == 0 {
		return nil, fmt.Errorf("table %s not found in INFORMATION_SCHEMA", cacheKey)
	}

	c.tables[cacheKey] = columns
	c.logger.Debugf("Fetched %d columns for %s", len(columns), cacheKey)
	return columns, nil
}

func (c *SchemaCache) Invalidate() {
	c.mu.Lock()
	c.tables = make(map[string][]ColumnInfo)
	c.mu.Unlock()
}

// Close closes the metadata connection
func (c *SchemaCache) Close() error {
	return c.db.Close()
}
