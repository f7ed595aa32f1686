package migration

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"mysql-es-sync/internal/binlog"
	"mysql-es-sync/internal/models"
	"mysql-es-sync/internal/processor"
)

// Migrator copies existing table rows into the sink through the same
// dispatcher the binlog loop uses. Every page of rows becomes one batch of
// Insert entries, so documents get the same keys and fields a replicated
// insert would produce.
type Migrator struct {
	db       *sql.DB
	resolver binlog.ColumnResolver
	applier  processor.Applier
	pageSize int
	logger   *logrus.Logger
	now      func() time.Time
	nextID   models.BatchID
}

// NewMigrator creates a migrator reading from db in pages of pageSize rows.
func NewMigrator(db *sql.DB, applier processor.Applier, pageSize int, logger *logrus.Logger) *Migrator {
	if pageSize <= 0 {
		pageSize = 1000
	}
	return &Migrator{
		db:       db,
		resolver: binlog.NewSchemaCache(db, logger),
		applier:  applier,
		pageSize: pageSize,
		logger:   logger,
		now:      time.Now,
	}
}

// Table copies every row of schema.table and returns the number of rows
// written. Rows are read in primary key order; the copy stops at the first
// page the dispatcher could not apply.
func (m *Migrator) Table(ctx context.Context, schema, table string) (int, error) {
	columns, err := m.resolver.Columns(ctx, schema, table)
	if err != nil {
		return 0, fmt.Errorf("failed to get column info: %w", err)
	}
	var keys []int
	for i, c := range columns {
		if c.IsKey {
			keys = append(keys, i)
		}
	}
	if len(keys) == 0 {
		return 0, fmt.Errorf("table %s has no primary key", models.Index(schema, table))
	}

	log := m.logger.WithField("table", models.Index(schema, table))
	log.Infof("Starting data migration with page size %d", m.pageSize)

	var (
		total int
		after []interface{}
	)
	for {
		rows, err := m.page(ctx, schema, table, columns, keys, after)
		if err != nil {
			return total, err
		}
		if len(rows) == 0 {
			break
		}

		if err := m.apply(ctx, schema, table, columns, rows); err != nil {
			return total, err
		}
		total += len(rows)
		log.Infof("Migrated %d rows", total)

		if len(rows) < m.pageSize {
			break
		}
		last := rows[len(rows)-1]
		after = make([]interface{}, len(keys))
		for i, k := range keys {
			if b, ok := last[k].([]byte); ok {
				after[i] = string(b)
			}
		}
	}

	log.Infof("Data migration finished, %d rows", total)
	return total, nil
}

// page reads the next pageSize rows with a key greater than after.
func (m *Migrator) page(ctx context.Context, schema, table string, columns []binlog.ColumnInfo, keys []int, after []interface{}) ([][]interface{}, error) {
	query := selectPage(schema, table, columns, keys, after != nil, m.pageSize)
	rows, err := m.db.QueryContext(ctx, query, after...)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", models.Index(schema, table), err)
	}
	defer rows.Close()

	var page [][]interface{}
	for rows.Next() {
		raw := make([]sql.RawBytes, len(columns))
		dest := make([]interface{}, len(columns))
		for i := range raw {
			dest[i] = &raw[i]
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}

		values := make([]interface{}, len(columns))
		for i, b := range raw {
			if b == nil {
				continue
			}
			// RawBytes is only valid until the next call to Next
			values[i] = append([]byte(nil), b...)
		}
		page = append(page, values)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}
	return page, nil
}

func (m *Migrator) apply(ctx context.Context, schema, table string, columns []binlog.ColumnInfo, rows [][]interface{}) error {
	entry := &models.ChangeEntry{
		Header: models.Header{
			ExecuteTime: m.now(),
			Schema:      schema,
			Table:       table,
			Kind:        models.RowData,
		},
		Operation: models.Insert,
		Rows:      make([]models.RowMutation, 0, len(rows)),
	}
	for _, values := range rows {
		cols, err := binlog.BuildColumns(columns, values)
		if err != nil {
			return err
		}
		entry.Rows = append(entry.Rows, models.RowMutation{Operation: models.Insert, After: cols})
	}

	m.nextID++
	out := m.applier.Apply(ctx, &models.ChangeBatch{ID: m.nextID, Entries: []*models.ChangeEntry{entry}})
	if !out.Success() {
		return fmt.Errorf("failed to write page %d of %s: %w", m.nextID, models.Index(schema, table), out.Err())
	}
	return nil
}

// selectPage builds a keyset pagination query. With after set it expects one
// argument per key column.
func selectPage(schema, table string, columns []binlog.ColumnInfo, keys []int, after bool, limit int) string {
	names := make([]string, len(columns))
	for i, c := range columns {
		names[i] = quote(c.Name)
	}
	keyNames := make([]string, len(keys))
	for i, k := range keys {
		keyNames[i] = names[k]
	}

	var b strings.Builder
	fmt.Fprintf(&b, "SELECT %s FROM %s.%s", strings.Join(names, ", "), quote(schema), quote(table))
	if after {
		placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(keys)), ", ")
		fmt.Fprintf(&b, " WHERE (%s) > (%s)", strings.Join(keyNames, ", "), placeholders)
	}
	fmt.Fprintf(&b, " ORDER BY %s LIMIT %d", strings.Join(keyNames, ", "), limit)
	return b.String()
}

func quote(ident string) string {
	return "`" + strings.ReplaceAll(ident, "`", "``") + "`"
}

// SplitTable splits "schema.table" into its parts.
func SplitTable(name string) (string, string, error) {
	schema, table, ok := strings.Cut(name, ".")
	if !ok || schema == "" || table == "" {
		return "", "", fmt.Errorf("table %q must be given as schema.table", name)
	}
	return schema, table, nil
}
