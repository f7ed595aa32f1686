package binlog

import (
	"context"
	"errors"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/go-mysql-org/go-mysql/mysql"
	"github.com/go-mysql-org/go-mysql/replication"
	"github.com/sirupsen/logrus"

	"mysql-es-sync/internal/config"
	"mysql-es-sync/internal/models"
)

// lingerTimeout bounds the wait for further events once a fetch has
// collected at least one entry.
const lingerTimeout = 20 * time.Millisecond

type pendingBatch struct {
	batch      *models.ChangeBatch
	checkpoint mysql.Position
}

// Reader is a change-data-capture source over the MySQL binlog. Batches are
// fetched without acknowledgement; Ack persists the last transaction boundary
// covered by the batch to the position file.
type Reader struct {
	mysqlCfg  config.MySQLConfig
	binlogCfg config.BinlogConfig
	logger    *logrus.Logger

	syncer   *replication.BinlogSyncer
	streamer *replication.BinlogStreamer

	// openResolver creates the column metadata resolver on Connect.
	openResolver func() (ColumnResolver, error)
	resolver     ColumnResolver

	filter *regexp.Regexp

	currentFile string
	// safePos is the position after the last transaction boundary read.
	safePos mysql.Position

	nextID  models.BatchID
	pending *pendingBatch
}

// NewReader creates a new binlog reader
func NewReader(mysqlCfg config.MySQLConfig, binlogCfg config.BinlogConfig, logger *logrus.Logger) *Reader {
	r := &Reader{
		mysqlCfg:  mysqlCfg,
		binlogCfg: binlogCfg,
		logger:    logger,
	}
	r.openResolver = func() (ColumnResolver, error) {
		return OpenSchemaCache(mysqlCfg, logger)
	}
	return r
}

// LoadPosition reads a "filename:position" checkpoint. A missing or empty
// file yields a zero position.
func LoadPosition(path string) (mysql.Position, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return mysql.Position{}, nil
	}
	if err != nil {
		return mysql.Position{}, fmt.Errorf("failed to read position file: %w", err)
	}
	posStr := strings.TrimSpace(string(data))
	if posStr == "" {
		return mysql.Position{}, nil
	}

	// Last colon, file names may contain colons
	lastColon := strings.LastIndex(posStr, ":")
	if lastColon <= 0 || lastColon == len(posStr)-1 {
		// Old format (just filename)
		return mysql.Position{Name: posStr, Pos: 4}, nil
	}
	pos, err := strconv.ParseUint(posStr[lastColon+1:], 10, 32)
	if err != nil {
		return mysql.Position{}, fmt.Errorf("invalid position %q: %w", posStr, err)
	}
	return mysql.Position{Name: posStr[:lastColon], Pos: uint32(pos)}, nil
}

// SavePosition saves pos to path as "filename:position"
func SavePosition(path string, pos mysql.Position) error {
	if pos.Name == "" {
		return nil
	}
	posStr := fmt.Sprintf("%s:%d", pos.Name, pos.Pos)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(posStr), 0644); err != nil {
		return fmt.Errorf("failed to save position: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to save position: %w", err)
	}
	return nil
}

// startPosition is the persisted checkpoint, or the configured start.
func (r *Reader) startPosition() (mysql.Position, error) {
	pos, err := LoadPosition(r.binlogCfg.PositionFile)
	if err != nil {
		return pos, err
	}
	if pos.Name != "" {
		r.logger.Infof("Loaded binlog position from file: %s:%d", pos.Name, pos.Pos)
		return pos, nil
	}
	pos = mysql.Position{Name: r.binlogCfg.StartFile, Pos: r.binlogCfg.StartPosition}
	if pos.Pos < 4 {
		pos.Pos = 4
	}
	return pos, nil
}

// Connect starts syncing from the last acknowledged checkpoint.
func (r *Reader) Connect(ctx context.Context) error {
	position, err := r.startPosition()
	if err != nil {
		return err
	}

	if r.resolver == nil {
		resolver, err := r.openResolver()
		if err != nil {
			return err
		}
		r.resolver = resolver
	}

	flavor := r.mysqlCfg.Flavor
	if flavor == "" {
		flavor = "mysql"
	}
	r.syncer = replication.NewBinlogSyncer(replication.BinlogSyncerConfig{
		ServerID: r.mysqlCfg.ServerID,
		Flavor:   flavor,
		Host:     r.mysqlCfg.Host,
		Port:     uint16(r.mysqlCfg.Port),
		User:     r.mysqlCfg.User,
		Password: r.mysqlCfg.Password,
	})

	streamer, err := r.syncer.StartSync(position)
	if err != nil {
		return fmt.Errorf("failed to start binlog sync: %w", err)
	}
	r.streamer = streamer
	r.currentFile = position.Name
	r.safePos = position
	r.pending = nil

	r.logger.Infof("Started binlog sync from position: %s:%d", position.Name, position.Pos)
	return nil
}

// Subscribe restricts row changes to tables whose "schema.table" matches
// filter. An empty filter subscribes to everything.
func (r *Reader) Subscribe(filter string) error {
	if filter == "" {
		r.filter = nil
		return nil
	}
	re, err := regexp.Compile("^(?:" + filter + ")$")
	if err != nil {
		return fmt.Errorf("invalid table filter %q: %w", filter, err)
	}
	r.filter = re
	return nil
}

// Fetch returns up to maxCount entries. An unacknowledged batch is returned
// again as is.
func (r *Reader) Fetch(ctx context.Context, maxCount int) (*models.ChangeBatch, error) {
	if r.streamer == nil {
		return nil, errors.New("binlog reader is not connected")
	}
	if r.pending != nil {
		r.logger.Debugf("Redelivering unacknowledged batch %d", r.pending.batch.ID)
		return r.pending.batch, nil
	}

	timeout := r.binlogCfg.FetchTimeout
	if timeout <= 0 {
		timeout = time.Second
	}

	var entries []*models.ChangeEntry
	for len(entries) < maxCount {
		wait := timeout
		if len(entries) > 0 {
			wait = lingerTimeout
		}
		evCtx, cancel := context.WithTimeout(ctx, wait)
		event, err := r.streamer.GetEvent(evCtx)
		cancel()
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
				break
			}
			return nil, fmt.Errorf("failed to get binlog event: %w", err)
		}
		if entry := r.handleEvent(ctx, event); entry != nil {
			entries = append(entries, entry)
		}
	}

	if len(entries) == 0 {
		return &models.ChangeBatch{ID: models.EmptyBatchID}, nil
	}

	r.nextID++
	batch := &models.ChangeBatch{ID: r.nextID, Entries: entries}
	r.pending = &pendingBatch{batch: batch, checkpoint: r.safePos}
	return batch, nil
}

// Ack persists the checkpoint of the pending batch.
func (r *Reader) Ack(_ context.Context, id models.BatchID) error {
	if r.pending == nil || r.pending.batch.ID != id {
		return fmt.Errorf("batch %d is not pending", id)
	}
	if err := SavePosition(r.binlogCfg.PositionFile, r.pending.checkpoint); err != nil {
		return err
	}
	r.logger.Debugf("Acknowledged batch %d at %s:%d", id, r.pending.checkpoint.Name, r.pending.checkpoint.Pos)
	r.pending = nil
	return nil
}

// Disconnect closes the binlog stream. The next Connect resumes from the
// persisted checkpoint, unacknowledged entries are read again.
func (r *Reader) Disconnect() error {
	if r.syncer != nil {
		r.syncer.Close()
		r.syncer = nil
	}
	r.streamer = nil
	r.pending = nil

	var err error
	if closer, ok := r.resolver.(interface{ Close() error }); ok {
		err = closer.Close()
	}
	r.resolver = nil
	return err
}

// handleEvent updates the reader state and converts event into an entry.
// It returns nil for events that carry no entry.
func (r *Reader) handleEvent(ctx context.Context, event *replication.BinlogEvent) *models.ChangeEntry {
	header := models.Header{
		LogFile:     r.currentFile,
		LogOffset:   event.Header.LogPos,
		ExecuteTime: time.Unix(int64(event.Header.Timestamp), 0),
		EventLength: event.Header.EventSize,
	}

	switch e := event.Event.(type) {
	case *replication.RotateEvent:
		r.currentFile = string(e.NextLogName)
		r.safePos = mysql.Position{Name: r.currentFile, Pos: uint32(e.Position)}
		r.logger.Infof("Binlog rotated to: %s", r.currentFile)
		return nil

	case *replication.QueryEvent:
		query := strings.TrimSpace(string(e.Query))
		header.Schema = string(e.Schema)
		if strings.EqualFold(query, "BEGIN") {
			header.Kind = models.TransactionBegin
			return &models.ChangeEntry{Header: header, ThreadID: e.SlaveProxyID}
		}
		r.advance(event)
		if r.resolver != nil {
			r.resolver.Invalidate()
		}
		header.Kind = models.Statement
		return &models.ChangeEntry{Header: header, Statement: query}

	case *replication.XIDEvent:
		r.advance(event)
		header.Kind = models.TransactionEnd
		return &models.ChangeEntry{Header: header, TransactionID: e.XID}

	case *replication.RowsEvent:
		op, ok := operationOf(event.Header.EventType)
		if !ok {
			r.logger.Debugf("Unhandled row event type: %d", event.Header.EventType)
			return nil
		}
		if e.Table == nil {
			header.Kind = models.RowData
			return &models.ChangeEntry{Header: header, Operation: op,
				DecodeErr: fmt.Errorf("table map not found for table ID %d", e.TableID)}
		}
		header.Schema = string(e.Table.Schema)
		header.Table = string(e.Table.Table)
		if r.filter != nil && !r.filter.MatchString(models.Index(header.Schema, header.Table)) {
			return nil
		}
		header.Kind = models.RowData
		return r.rowsEntry(ctx, header, op, e)

	case *replication.TableMapEvent:
		r.logger.Debugf("Table map for %s.%s (ID: %d)", string(e.Schema), string(e.Table), e.TableID)
		return nil

	default:
		return nil
	}
}

func (r *Reader) advance(event *replication.BinlogEvent) {
	if event.Header.LogPos > 0 && r.currentFile != "" {
		r.safePos = mysql.Position{Name: r.currentFile, Pos: event.Header.LogPos}
	}
}

func operationOf(t replication.EventType) (models.Operation, bool) {
	switch t {
	case replication.WRITE_ROWS_EVENTv0, replication.WRITE_ROWS_EVENTv1, replication.WRITE_ROWS_EVENTv2:
		return models.Insert, true
	case replication.UPDATE_ROWS_EVENTv0, replication.UPDATE_ROWS_EVENTv1, replication.UPDATE_ROWS_EVENTv2:
		return models.Update, true
	case replication.DELETE_ROWS_EVENTv0, replication.DELETE_ROWS_EVENTv1, replication.DELETE_ROWS_EVENTv2:
		return models.Delete, true
	default:
		return 0, false
	}
}

// rowsEntry converts a rows event into a RowData entry. Metadata or shape
// problems are reported through DecodeErr.
func (r *Reader) rowsEntry(ctx context.Context, header models.Header, op models.Operation, e *replication.RowsEvent) *models.ChangeEntry {
	entry := &models.ChangeEntry{Header: header, Operation: op}

	if r.resolver == nil {
		entry.DecodeErr = errors.New("column resolver is not available")
		return entry
	}
	columns, err := r.resolver.Columns(ctx, header.Schema, header.Table)
	if err != nil {
		entry.DecodeErr = fmt.Errorf("failed to get column info: %w", err)
		return entry
	}

	image := func(values []interface{}) []models.Column {
		if err != nil {
			return nil
		}
		var cols []models.Column
		cols, err = BuildColumns(columns, values)
		return cols
	}

	if op == models.Update {
		// For UPDATE, e.Rows contains [old_row_1, new_row_1, old_row_2, new_row_2, ...]
		if len(e.Rows)%2 != 0 {
			entry.DecodeErr = fmt.Errorf("update event has %d row images", len(e.Rows))
			return entry
		}
		for i := 0; i < len(e.Rows); i += 2 {
			entry.Rows = append(entry.Rows, models.RowMutation{
				Operation: op,
				Before:    image(e.Rows[i]),
				After:     image(e.Rows[i+1]),
			})
		}
	} else {
		for _, values := range e.Rows {
			row := models.RowMutation{Operation: op}
			if op == models.Delete {
				row.Before = image(values)
			} else {
				row.After = image(values)
			}
			entry.Rows = append(entry.Rows, row)
		}
	}

	if err != nil {
		entry.Rows = nil
		entry.DecodeErr = err
	}
	return entry
}

// BuildColumns pairs row values with their column metadata.
func BuildColumns(columns []ColumnInfo, values []interface{}) ([]models.Column, error) {
	if len(values) > len(columns) {
		return nil, fmt.Errorf("column count mismatch: row has %d values, table has %d columns", len(values), len(columns))
	}
	cols := make([]models.Column, len(values))
	for i, v := range values {
		value, raw, isNull := formatValue(v)
		cols[i] = models.Column{
			Name:    columns[i].Name,
			Value:   value,
			Raw:     raw,
			Type:    models.ColumnTypeOf(columns[i].DataType),
			SQLType: columns[i].DataType,
			IsKey:   columns[i].IsKey,
			IsNull:  isNull,
		}
	}
	return cols, nil
}

// formatValue renders a decoded binlog value as text. Binary payloads are
// also returned raw.
func formatValue(v interface{}) (string, []byte, bool) {
	switch x := v.(type) {
	case nil:
		return "", nil, true
	case []byte:
		return string(x), x, false
	case string:
		return x, nil, false
	case time.Time:
		return x.Format("2006-01-02 15:04:05"), nil, false
	case float32:
		return strconv.FormatFloat(float64(x), 'f', -1, 32), nil, false
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64), nil, false
	default:
		return fmt.Sprint(x), nil, false
	}
}
