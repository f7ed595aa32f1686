package models

import (
	"fmt"
	"strings"
	"time"
)

// KeyField is the reserved document field holding the derived DocumentKey.
const KeyField = "es_key"

// EmptyBatchID is returned by a source when a fetch produced no entries.
const EmptyBatchID BatchID = -1

// BatchID identifies a fetched batch. It is monotonic per source connection.
type BatchID int64

// EntryKind is the kind of a change entry
type EntryKind int

const (
	TransactionBegin EntryKind = iota
	TransactionEnd
	RowData
	Statement
)

func (k EntryKind) String() string {
	switch k {
	case TransactionBegin:
		return "TRANSACTIONBEGIN"
	case TransactionEnd:
		return "TRANSACTIONEND"
	case RowData:
		return "ROWDATA"
	case Statement:
		return "STATEMENT"
	default:
		return fmt.Sprintf("EntryKind(%d)", int(k))
	}
}

// Operation is the row operation carried by a RowData entry
type Operation int

const (
	Insert Operation = iota
	Update
	Delete
)

func (o Operation) String() string {
	switch o {
	case Insert:
		return "INSERT"
	case Update:
		return "UPDATE"
	case Delete:
		return "DELETE"
	default:
		return fmt.Sprintf("Operation(%d)", int(o))
	}
}

// ColumnType is the declared type of a column, as far as coercion cares.
type ColumnType int

const (
	Other ColumnType = iota
	Timestamp
	DateOnly
	TimeOnly
	Blob
)

func (t ColumnType) String() string {
	switch t {
	case Timestamp:
		return "timestamp"
	case DateOnly:
		return "date"
	case TimeOnly:
		return "time"
	case Blob:
		return "blob"
	default:
		return "other"
	}
}

// ColumnTypeOf maps a MySQL DATA_TYPE to a ColumnType.
func ColumnTypeOf(sqlType string) ColumnType {
	switch strings.ToLower(sqlType) {
	case "timestamp", "datetime":
		return Timestamp
	case "date":
		return DateOnly
	case "time":
		return TimeOnly
	case "blob", "tinyblob", "mediumblob", "longblob":
		return Blob
	default:
		return Other
	}
}

// Column is a single column value of a row image.
type Column struct {
	Name    string
	Value   string
	Raw     []byte // set for binary payloads
	Type    ColumnType
	SQLType string
	IsKey   bool
	IsNull  bool
}

// RowMutation is one changed row. Before is meaningful for Delete,
// After for Insert and Update.
type RowMutation struct {
	Operation Operation
	Before    []Column
	After     []Column
}

// Columns returns the row image used to build the target document.
func (r *RowMutation) Columns() []Column {
	if r.Operation == Delete {
		return r.Before
	}
	return r.After
}

// Header carries the binlog metadata of an entry
type Header struct {
	LogFile     string
	LogOffset   uint32
	ExecuteTime time.Time
	Schema      string
	Table       string
	EventLength uint32
	Kind        EntryKind
}

// Position renders the header the way the batch summary prints it.
func (h Header) Position() string {
	return fmt.Sprintf("%s:%d:%d(%s)", h.LogFile, h.LogOffset,
		h.ExecuteTime.UnixMilli(), h.ExecuteTime.Format("2006-01-02 15:04:05"))
}

// ChangeEntry is one entry of a ChangeBatch. Entries are immutable once
// produced by the source.
type ChangeEntry struct {
	Header Header

	// TransactionBegin
	ThreadID uint32
	// TransactionEnd
	TransactionID uint64
	// Statement
	Statement string
	// RowData
	Operation Operation
	Rows      []RowMutation

	// DecodeErr is set when the source could not decode the entry payload.
	DecodeErr error
}

// Index returns the sink index name derived from the entry header.
func (e *ChangeEntry) Index() string {
	return Index(e.Header.Schema, e.Header.Table)
}

// Index builds the default sink index name for a table.
func Index(schema, table string) string {
	return schema + "." + table
}

// ChangeBatch is an ordered group of entries fetched and acknowledged together.
type ChangeBatch struct {
	ID      BatchID
	Entries []*ChangeEntry
}

// Empty reports whether the batch carries nothing to process.
func (b *ChangeBatch) Empty() bool {
	return b == nil || b.ID == EmptyBatchID || len(b.Entries) == 0
}

// MemSize is the accumulated event length of all entries.
func (b *ChangeBatch) MemSize() int64 {
	var size int64
	for _, e := range b.Entries {
		size += int64(e.Header.EventLength)
	}
	return size
}

// Start returns the position of the first entry.
func (b *ChangeBatch) Start() string {
	if len(b.Entries) == 0 {
		return ""
	}
	return b.Entries[0].Header.Position()
}

// End returns the position of the last entry.
func (b *ChangeBatch) End() string {
	if len(b.Entries) == 0 {
		return ""
	}
	return b.Entries[len(b.Entries)-1].Header.Position()
}

// DocumentKey identifies a sink document. It is derived from the primary key
// columns of a row.
type DocumentKey string

// SinkDocument is the document written to the sink
type SinkDocument map[string]interface{}
