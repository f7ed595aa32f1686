package processor

import (
	"fmt"
	"strings"
	"time"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/ianaindex"

	"mysql-es-sync/internal/models"
)

// Layouts of the textual temporal values produced by the binlog source
const (
	timestampLayout = "2006-01-02 15:04:05"
	dateLayout      = "2006-01-02"
	timeLayout      = "15:04:05"
)

// CoercionError is a non-fatal column conversion failure. The field is left
// out of the document.
type CoercionError struct {
	Column string
	Type   models.ColumnType
	Value  string
	Err    error
}

func (e *CoercionError) Error() string {
	return fmt.Sprintf("coerce %s column %q (value %q): %v", e.Type, e.Column, e.Value, e.Err)
}

func (e *CoercionError) Unwrap() error {
	return e.Err
}

// Coercer converts raw column values into sink values. It holds no mutable
// state and is safe for concurrent use.
type Coercer struct {
	location *time.Location
	charset  encoding.Encoding
}

// NewCoercer creates a coercer parsing temporal values in the named time zone
// and decoding blobs from the named charset.
func NewCoercer(timeZone, blobCharset string) (*Coercer, error) {
	loc, err := time.LoadLocation(timeZone)
	if err != nil {
		return nil, fmt.Errorf("invalid time zone %q: %w", timeZone, err)
	}
	enc, err := ianaindex.IANA.Encoding(blobCharset)
	if err != nil {
		return nil, fmt.Errorf("invalid blob charset %q: %w", blobCharset, err)
	}
	if enc == nil {
		return nil, fmt.Errorf("blob charset %q is not supported", blobCharset)
	}
	return &Coercer{location: loc, charset: enc}, nil
}

// Coerce converts col according to its declared type. ok is false when the
// field must be omitted from the document.
func (c *Coercer) Coerce(col models.Column) (value interface{}, ok bool, err error) {
	switch col.Type {
	case models.Timestamp:
		return c.parseTime(col, timestampLayout)
	case models.DateOnly:
		return c.parseTime(col, dateLayout)
	case models.TimeOnly:
		v, ok, err := c.parseTime(col, timeLayout)
		if !ok {
			return v, ok, err
		}
		// Time of day on the Unix epoch date; year 0 resolves to LMT offsets.
		t := v.(time.Time)
		return time.Date(1970, 1, 1, t.Hour(), t.Minute(), t.Second(), 0, c.location), true, nil
	case models.Blob:
		if col.IsNull {
			return nil, true, nil
		}
		raw := col.Raw
		if raw == nil {
			raw = []byte(col.Value)
		}
		if len(raw) == 0 {
			return "", true, nil
		}
		// Decoders carry state, one per call.
		decoded, err := c.charset.NewDecoder().Bytes(raw)
		if err != nil {
			return nil, false, &CoercionError{Column: col.Name, Type: col.Type, Value: col.Value, Err: err}
		}
		return string(decoded), true, nil
	default:
		if col.IsNull {
			return nil, true, nil
		}
		return col.Value, true, nil
	}
}

func (c *Coercer) parseTime(col models.Column, layout string) (interface{}, bool, error) {
	// Blank temporal values would be rejected by the index mapping.
	if col.IsNull || strings.TrimSpace(col.Value) == "" {
		return nil, false, nil
	}
	t, err := time.ParseInLocation(layout, strings.TrimSpace(col.Value), c.location)
	if err != nil {
		return nil, false, &CoercionError{Column: col.Name, Type: col.Type, Value: col.Value, Err: err}
	}
	return t, true, nil
}
