package nats

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"

	"mysql-es-sync/internal/config"
	"mysql-es-sync/internal/models"
	"mysql-es-sync/internal/sink"
)

// Message is the JSON payload published for every document write.
type Message struct {
	Op        string              `json:"op"`
	Index     string              `json:"index"`
	Key       string              `json:"key"`
	Document  models.SinkDocument `json:"document,omitempty"`
	Timestamp int64               `json:"ts"`
}

// Publisher publishes document writes to NATS subjects "<prefix>.<index>".
type Publisher struct {
	conn   *nats.Conn
	js     nats.JetStreamContext
	prefix string
	logger *logrus.Logger
	now    func() time.Time
}

// NewPublisher connects to NATS. With JetStream enabled every publish waits
// for the stream acknowledgement.
func NewPublisher(cfg config.NATSConfig, logger *logrus.Logger) (*Publisher, error) {
	opts := []nats.Option{
		nats.MaxReconnects(cfg.MaxReconnect),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				logger.Warnf("NATS disconnected: %v", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Infof("NATS reconnected to %s", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			logger.Warn("NATS connection closed")
		}),
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	p := &Publisher{
		conn:   conn,
		prefix: cfg.SubjectPrefix,
		logger: logger,
		now:    time.Now,
	}
	if cfg.JetStream {
		js, err := conn.JetStream()
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("failed to create JetStream context: %w", err)
		}
		p.js = js
	}

	logger.Infof("Connected to NATS at %s", cfg.URL)
	return p, nil
}

// Upsert publishes the full document for key.
func (p *Publisher) Upsert(ctx context.Context, index string, key models.DocumentKey, doc models.SinkDocument) error {
	return p.publish(ctx, sink.OpUpsert, index, key, doc)
}

// Delete publishes a delete marker for key.
func (p *Publisher) Delete(ctx context.Context, index string, key models.DocumentKey) error {
	return p.publish(ctx, sink.OpDelete, index, key, nil)
}

func (p *Publisher) publish(ctx context.Context, op, index string, key models.DocumentKey, doc models.SinkDocument) error {
	data, err := json.Marshal(&Message{
		Op:        op,
		Index:     index,
		Key:       string(key),
		Document:  doc,
		Timestamp: p.now().UnixMilli(),
	})
	if err != nil {
		return sink.Permanent(op, index, string(key), fmt.Errorf("failed to marshal message: %w", err))
	}

	subject := Subject(p.prefix, index)
	if p.js != nil {
		_, err = p.js.Publish(subject, data, nats.Context(ctx))
	} else {
		err = p.conn.Publish(subject, data)
	}
	if err != nil {
		return classify(op, index, string(key), fmt.Errorf("failed to publish to %s: %w", subject, err))
	}

	p.logger.Debugf("Published %s %s/%s to %s", op, index, key, subject)
	return nil
}

// Subject returns the subject documents of index are published to. Subject
// separators and wildcards in the index name are replaced.
func Subject(prefix, index string) string {
	index = strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_").Replace(index)
	if prefix == "" {
		return index
	}
	return prefix + "." + index
}

func classify(op, index, key string, err error) error {
	switch {
	case errors.Is(err, nats.ErrBadSubject),
		errors.Is(err, nats.ErrMaxPayload),
		errors.Is(err, nats.ErrNoStreamResponse):
		return sink.Permanent(op, index, key, err)
	default:
		return sink.Transient(op, index, key, err)
	}
}

// Close drains and closes the NATS connection
func (p *Publisher) Close() {
	if p.conn == nil {
		return
	}
	if err := p.conn.Drain(); err != nil {
		p.logger.Warnf("Failed to drain NATS connection: %v", err)
		p.conn.Close()
	}
}
