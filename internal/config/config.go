package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Sink types
const (
	SinkElasticsearch = "elasticsearch"
	SinkNATS          = "nats"
)

type Config struct {
	MySQL         MySQLConfig         `yaml:"mysql"`
	Binlog        BinlogConfig        `yaml:"binlog"`
	Processor     ProcessorConfig     `yaml:"processor"`
	Sink          SinkConfig          `yaml:"sink"`
	Elasticsearch ElasticsearchConfig `yaml:"elasticsearch"`
	NATS          NATSConfig          `yaml:"nats"`
	Metrics       MetricsConfig       `yaml:"metrics"`
	Logging       LoggingConfig       `yaml:"logging"`
}

type MySQLConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	ServerID uint32 `yaml:"server_id"`
	Flavor   string `yaml:"flavor"` // mysql, mariadb
}

type BinlogConfig struct {
	PositionFile  string        `yaml:"position_file"`
	StartFile     string        `yaml:"start_file"`
	StartPosition uint32        `yaml:"start_position"`
	Filter        string        `yaml:"filter"`        // regexp over "schema.table"
	FetchTimeout  time.Duration `yaml:"fetch_timeout"` // max wait for events per fetch
}

// ProcessorConfig tunes the batch loop, the dispatcher and the document
// transformation stage.
type ProcessorConfig struct {
	Workers            int           `yaml:"workers"`
	BatchSize          int           `yaml:"batch_size"`
	TimeZone           string        `yaml:"time_zone"`
	BlobCharset        string        `yaml:"blob_charset"`
	ShutdownTimeout    time.Duration `yaml:"shutdown_timeout"`
	BatchRetryInterval time.Duration `yaml:"batch_retry_interval"`
	HaltAfterFailures  int           `yaml:"halt_after_failures"` // 0 = never halt
	IdleBackoff        IdleBackoff   `yaml:"idle_backoff"`
	WriteRetry         RetryPolicy   `yaml:"write_retry"`
	Reconnect          RetryPolicy   `yaml:"reconnect"`

	// Transformation
	Enabled bool   `yaml:"enabled"`
	Script  string `yaml:"script"` // JavaScript file exporting a transform function
	Rules   []Rule `yaml:"rules"`
}

type IdleBackoff struct {
	Initial time.Duration `yaml:"initial"`
	Max     time.Duration `yaml:"max"`
}

// RetryPolicy is an exponential backoff policy. MaxRetries and MaxAttempts
// of 0 mean unlimited where the caller allows it.
type RetryPolicy struct {
	MaxRetries      int           `yaml:"max_retries"`
	MaxAttempts     int           `yaml:"max_attempts"`
	InitialInterval time.Duration `yaml:"initial_interval"`
	MaxInterval     time.Duration `yaml:"max_interval"`
}

// Rule selects, renames and adds document fields for matching tables.
type Rule struct {
	Database  string            `yaml:"database"`
	Table     string            `yaml:"table"`
	Include   []string          `yaml:"include"`
	Exclude   []string          `yaml:"exclude"`
	Rename    map[string]string `yaml:"rename"`
	AddFields map[string]string `yaml:"add_fields"`
}

type SinkConfig struct {
	Type         string            `yaml:"type"`
	IndexMapping map[string]string `yaml:"index_mapping"` // "schema.table" -> index
}

type ElasticsearchConfig struct {
	Addresses []string      `yaml:"addresses"`
	Username  string        `yaml:"username"`
	Password  string        `yaml:"password"`
	Refresh   string        `yaml:"refresh"` // "", "true", "wait_for"
	Timeout   time.Duration `yaml:"timeout"`
}

type NATSConfig struct {
	URL           string        `yaml:"url"`
	SubjectPrefix string        `yaml:"subject_prefix"`
	MaxReconnect  int           `yaml:"max_reconnect"`
	ReconnectWait time.Duration `yaml:"reconnect_wait"`
	JetStream     bool          `yaml:"jetstream"`
}

type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // text, json
}

func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.SetDefaults()
	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

// SetDefaults fills every unset tunable.
func (c *Config) SetDefaults() {
	if c.MySQL.Flavor == "" {
		c.MySQL.Flavor = "mysql"
	}
	if c.MySQL.Port == 0 {
		c.MySQL.Port = 3306
	}
	if c.Binlog.PositionFile == "" {
		c.Binlog.PositionFile = "binlog.pos"
	}
	if c.Binlog.FetchTimeout == 0 {
		c.Binlog.FetchTimeout = time.Second
	}

	p := &c.Processor
	if p.Workers <= 0 {
		p.Workers = 5
	}
	if p.BatchSize <= 0 {
		p.BatchSize = 128
	}
	if p.TimeZone == "" {
		p.TimeZone = "UTC"
	}
	if p.BlobCharset == "" {
		p.BlobCharset = "UTF-8"
	}
	if p.ShutdownTimeout == 0 {
		p.ShutdownTimeout = 30 * time.Second
	}
	if p.BatchRetryInterval == 0 {
		p.BatchRetryInterval = time.Second
	}
	if p.IdleBackoff.Initial == 0 {
		p.IdleBackoff.Initial = 100 * time.Millisecond
	}
	if p.IdleBackoff.Max == 0 {
		p.IdleBackoff.Max = 2 * time.Second
	}
	if p.WriteRetry.MaxRetries == 0 {
		p.WriteRetry.MaxRetries = 3
	}
	if p.WriteRetry.InitialInterval == 0 {
		p.WriteRetry.InitialInterval = 100 * time.Millisecond
	}
	if p.WriteRetry.MaxInterval == 0 {
		p.WriteRetry.MaxInterval = 2 * time.Second
	}
	if p.Reconnect.InitialInterval == 0 {
		p.Reconnect.InitialInterval = time.Second
	}
	if p.Reconnect.MaxInterval == 0 {
		p.Reconnect.MaxInterval = 30 * time.Second
	}

	if c.Sink.Type == "" {
		c.Sink.Type = SinkElasticsearch
	}
	if len(c.Elasticsearch.Addresses) == 0 {
		c.Elasticsearch.Addresses = []string{"http://localhost:9200"}
	}
	if c.Elasticsearch.Timeout == 0 {
		c.Elasticsearch.Timeout = 10 * time.Second
	}
	if c.NATS.ReconnectWait == 0 {
		c.NATS.ReconnectWait = 2 * time.Second
	}
	if c.NATS.SubjectPrefix == "" {
		c.NATS.SubjectPrefix = "cdc"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}

// Validate rejects configurations the service cannot run with.
func (c *Config) Validate() error {
	if c.MySQL.Host == "" {
		return fmt.Errorf("mysql.host is required")
	}
	if c.MySQL.ServerID == 0 {
		return fmt.Errorf("mysql.server_id is required and must be unique in the replication topology")
	}
	switch c.Sink.Type {
	case SinkElasticsearch:
	case SinkNATS:
		if c.NATS.URL == "" {
			return fmt.Errorf("nats.url is required for sink type %q", SinkNATS)
		}
	default:
		return fmt.Errorf("unknown sink type %q", c.Sink.Type)
	}
	if c.Processor.IdleBackoff.Initial > c.Processor.IdleBackoff.Max {
		return fmt.Errorf("processor.idle_backoff.initial must not exceed processor.idle_backoff.max")
	}
	if c.Processor.HaltAfterFailures < 0 {
		return fmt.Errorf("processor.halt_after_failures must not be negative")
	}
	return nil
}
