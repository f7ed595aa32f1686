package processor

import (
	"sort"
	"strings"

	"github.com/sirupsen/logrus"

	"mysql-es-sync/internal/models"
)

// keySeparator joins the primary key values of a composite key.
const keySeparator = "_"

// keyEscaper escapes separators inside composite key values so distinct
// key tuples never join to the same key.
var keyEscaper = strings.NewReplacer(`\`, `\\`, keySeparator, `\`+keySeparator)

// Projection is a row projected into a sink document.
type Projection struct {
	Key      models.DocumentKey
	Document models.SinkDocument
	// Degraded is set when one or more columns failed coercion and were
	// left out of Document.
	Degraded bool
	Errors   []error
}

// Projector builds sink documents from row images.
type Projector struct {
	coercer *Coercer
	logger  *logrus.Logger
}

// NewProjector creates a projector using coercer for column values.
func NewProjector(coercer *Coercer, logger *logrus.Logger) *Projector {
	return &Projector{coercer: coercer, logger: logger}
}

// DeriveKey builds the document key from the raw values of the primary key
// columns, ordered by column name. Values of a composite key have "\" and
// "_" escaped with a backslash. It returns "" for a row without key columns.
func DeriveKey(columns []models.Column) models.DocumentKey {
	keys := make([]models.Column, 0, 1)
	for _, col := range columns {
		if col.IsKey {
			keys = append(keys, col)
		}
	}
	if len(keys) == 0 {
		return ""
	}
	if len(keys) == 1 {
		return models.DocumentKey(keys[0].Value)
	}
	sort.SliceStable(keys, func(i, j int) bool { return keys[i].Name < keys[j].Name })

	values := make([]string, len(keys))
	for i, col := range keys {
		values[i] = keyEscaper.Replace(col.Value)
	}
	return models.DocumentKey(strings.Join(values, keySeparator))
}

// Project converts the row image selected by the row operation into a document.
func (p *Projector) Project(row *models.RowMutation) *Projection {
	columns := row.Columns()
	proj := &Projection{
		Key:      DeriveKey(columns),
		Document: make(models.SinkDocument, len(columns)+1),
	}

	for _, col := range columns {
		value, ok, err := p.coercer.Coerce(col)
		if err != nil {
			proj.Degraded = true
			proj.Errors = append(proj.Errors, err)
			p.logger.Errorf("Column mapping failed: %v", err)
			continue
		}
		if ok {
			proj.Document[col.Name] = value
		}
	}
	proj.Document[models.KeyField] = string(proj.Key)

	if proj.Degraded {
		p.logger.Errorf("Document %s was projected with %d missing field(s)", proj.Key, len(proj.Errors))
	}
	return proj
}
