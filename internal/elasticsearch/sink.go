package elasticsearch

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"
	"github.com/goccy/go-json"
	"github.com/sirupsen/logrus"

	"mysql-es-sync/internal/config"
	"mysql-es-sync/internal/models"
	"mysql-es-sync/internal/sink"
)

// Sink writes documents to Elasticsearch, one request per document.
type Sink struct {
	client  *elasticsearch.Client
	refresh string
	timeout time.Duration
	logger  *logrus.Logger
}

// NewSink creates a new Elasticsearch sink
func NewSink(cfg config.ElasticsearchConfig, logger *logrus.Logger) (*Sink, error) {
	client, err := elasticsearch.NewClient(elasticsearch.Config{
		Addresses: cfg.Addresses,
		Username:  cfg.Username,
		Password:  cfg.Password,
		// the dispatcher retries transient failures itself
		DisableRetry: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Elasticsearch client: %w", err)
	}
	logger.Infof("Elasticsearch sink configured for %v", cfg.Addresses)
	return &Sink{
		client:  client,
		refresh: cfg.Refresh,
		timeout: cfg.Timeout,
		logger:  logger,
	}, nil
}

// Upsert replaces the document stored under key.
func (s *Sink) Upsert(ctx context.Context, index string, key models.DocumentKey, doc models.SinkDocument) error {
	body, err := json.Marshal(doc)
	if err != nil {
		return sink.Permanent(sink.OpUpsert, index, string(key), fmt.Errorf("failed to marshal document: %w", err))
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	res, err := esapi.IndexRequest{
		Index:      index,
		DocumentID: string(key),
		Body:       bytes.NewReader(body),
		Refresh:    s.refresh,
	}.Do(ctx, s.client)
	if err != nil {
		return sink.Transient(sink.OpUpsert, index, string(key), err)
	}
	defer res.Body.Close()

	if res.IsError() {
		return classify(sink.OpUpsert, index, string(key), res, decodeError(res))
	}
	s.logger.Debugf("Indexed %s/%s", index, key)
	return nil
}

// Delete removes the document stored under key. A missing document is not an
// error; a missing index is.
func (s *Sink) Delete(ctx context.Context, index string, key models.DocumentKey) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	res, err := esapi.DeleteRequest{
		Index:      index,
		DocumentID: string(key),
		Refresh:    s.refresh,
	}.Do(ctx, s.client)
	if err != nil {
		return sink.Transient(sink.OpDelete, index, string(key), err)
	}
	defer res.Body.Close()

	if res.IsError() {
		er := decodeError(res)
		if res.StatusCode == http.StatusNotFound && er.Error.Type == "" {
			s.logger.Debugf("Document %s/%s already absent", index, key)
			return nil
		}
		return classify(sink.OpDelete, index, string(key), res, er)
	}
	s.logger.Debugf("Deleted %s/%s", index, key)
	return nil
}

// MissingIndices returns the names that do not exist in the cluster.
func (s *Sink) MissingIndices(ctx context.Context, names []string) ([]string, error) {
	var missing []string
	for _, name := range names {
		res, err := esapi.IndicesExistsRequest{Index: []string{name}}.Do(ctx, s.client)
		if err != nil {
			return nil, fmt.Errorf("failed to check index %s: %w", name, err)
		}
		res.Body.Close()

		switch res.StatusCode {
		case http.StatusOK:
		case http.StatusNotFound:
			missing = append(missing, name)
		default:
			return nil, fmt.Errorf("unexpected status checking index %s: %s", name, res.Status())
		}
	}
	return missing, nil
}

func (s *Sink) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.timeout)
}

type errorResponse struct {
	Error struct {
		Type   string `json:"type"`
		Reason string `json:"reason"`
	} `json:"error"`
}

// decodeError reads the error object of a failed response. Type is empty when
// the body carries none, e.g. a delete of a missing document.
func decodeError(res *esapi.Response) errorResponse {
	var er errorResponse
	if data, err := io.ReadAll(res.Body); err == nil {
		_ = json.Unmarshal(data, &er)
	}
	return er
}

// classify maps a failed response to a transient or permanent write error.
func classify(op, index, key string, res *esapi.Response, er errorResponse) error {
	err := fmt.Errorf("elasticsearch returned %s", res.Status())
	if er.Error.Type != "" {
		err = fmt.Errorf("elasticsearch returned %s: %s: %s", res.Status(), er.Error.Type, er.Error.Reason)
	}

	switch {
	case res.StatusCode == http.StatusRequestTimeout,
		res.StatusCode == http.StatusTooManyRequests,
		res.StatusCode >= 500:
		return sink.Transient(op, index, key, err)
	default:
		return sink.Permanent(op, index, key, err)
	}
}
