package processor

import (
	"time"

	"github.com/sirupsen/logrus"

	"mysql-es-sync/internal/metrics"
	"mysql-es-sync/internal/models"
)

// TransactionEventKind is BEGIN or END
type TransactionEventKind string

const (
	TxBegin TransactionEventKind = "BEGIN"
	TxEnd   TransactionEventKind = "END"
)

// TransactionEvent describes an observed transaction marker.
type TransactionEvent struct {
	Kind          TransactionEventKind
	ThreadID      uint32
	TransactionID uint64
	LogFile       string
	LogOffset     uint32
	ExecuteTime   time.Time
	Delay         time.Duration
}

// Tracker recognizes transaction markers and measures replication lag.
// The markers are informational: the source already committed the
// transaction, nothing is buffered or rolled back here.
type Tracker struct {
	logger *logrus.Logger
	now    func() time.Time
}

func NewTracker(logger *logrus.Logger) *Tracker {
	return &Tracker{logger: logger, now: time.Now}
}

// Observe returns the lifecycle event for a transaction marker and nil for
// any other entry.
func (t *Tracker) Observe(entry *models.ChangeEntry) *TransactionEvent {
	var kind TransactionEventKind
	switch entry.Header.Kind {
	case models.TransactionBegin:
		kind = TxBegin
	case models.TransactionEnd:
		kind = TxEnd
	default:
		return nil
	}

	ev := &TransactionEvent{
		Kind:          kind,
		ThreadID:      entry.ThreadID,
		TransactionID: entry.TransactionID,
		LogFile:       entry.Header.LogFile,
		LogOffset:     entry.Header.LogOffset,
		ExecuteTime:   entry.Header.ExecuteTime,
		Delay:         t.now().Sub(entry.Header.ExecuteTime),
	}
	metrics.ReplicationDelay.Observe(ev.Delay.Seconds())

	fields := logrus.Fields{
		"binlog":      ev.LogFile,
		"offset":      ev.LogOffset,
		"executeTime": ev.ExecuteTime.UnixMilli(),
		"delay":       ev.Delay.Milliseconds(),
	}
	if kind == TxBegin {
		t.logger.WithFields(fields).Infof("BEGIN ----> Thread id: %d", ev.ThreadID)
	} else {
		t.logger.WithFields(fields).Infof("END ----> transaction id: %d", ev.TransactionID)
	}
	return ev
}
