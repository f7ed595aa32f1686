package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"mysql-es-sync/internal/binlog"
	"mysql-es-sync/internal/config"
	"mysql-es-sync/internal/elasticsearch"
	"mysql-es-sync/internal/metrics"
	"mysql-es-sync/internal/migration"
	"mysql-es-sync/internal/nats"
	"mysql-es-sync/internal/processor"
)

var (
	configPath      string
	migrateTable    string
	migratePageSize int
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:          "mysql-es-sync",
		Short:        "Replicate MySQL binlog row changes into search indexes",
		SilenceUsage: true,
		RunE:         runSync,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "config.yaml", "path to the YAML configuration file")

	root.AddCommand(&cobra.Command{
		Use:   "run",
		Short: "Start replicating (default)",
		RunE:  runSync,
	})
	root.AddCommand(&cobra.Command{
		Use:   "check",
		Short: "Verify MySQL replication privileges and target indexes",
		RunE:  runCheck,
	})

	migrate := &cobra.Command{
		Use:   "migrate",
		Short: "Copy the existing rows of a table into the sink",
		RunE:  runMigrate,
	}
	migrate.Flags().StringVarP(&migrateTable, "table", "t", "", "table to copy, as schema.table")
	migrate.Flags().IntVar(&migratePageSize, "page-size", 0, "rows per page (default processor.batch_size)")
	_ = migrate.MarkFlagRequired("table")
	root.AddCommand(migrate)
	return root
}

func setup() (*config.Config, *logrus.Logger, error) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, newLogger(cfg.Logging), nil
}

func newLogger(cfg config.LoggingConfig) *logrus.Logger {
	logger := logrus.New()
	if strings.EqualFold(cfg.Format, "json") {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{
			FullTimestamp: true,
		})
	}
	logger.SetLevel(logrus.InfoLevel)
	if level, err := logrus.ParseLevel(cfg.Level); err == nil {
		logger.SetLevel(level)
	}
	return logger
}

// documentSink is a processor.Sink that holds a connection.
type documentSink interface {
	processor.Sink
	io.Closer
}

type natsSink struct {
	*nats.Publisher
}

func (s natsSink) Close() error {
	s.Publisher.Close()
	return nil
}

type esSink struct {
	*elasticsearch.Sink
}

func (esSink) Close() error { return nil }

func newSink(cfg *config.Config, logger *logrus.Logger) (documentSink, error) {
	switch cfg.Sink.Type {
	case config.SinkNATS:
		p, err := nats.NewPublisher(cfg.NATS, logger)
		if err != nil {
			return nil, err
		}
		return natsSink{p}, nil
	default:
		s, err := elasticsearch.NewSink(cfg.Elasticsearch, logger)
		if err != nil {
			return nil, err
		}
		return esSink{s}, nil
	}
}

// newDispatcher builds the sink and the dispatcher writing to it. The caller
// closes the sink and the pool.
func newDispatcher(cfg *config.Config, logger *logrus.Logger) (documentSink, *processor.WorkerPool, *processor.Dispatcher, error) {
	coercer, err := processor.NewCoercer(cfg.Processor.TimeZone, cfg.Processor.BlobCharset)
	if err != nil {
		return nil, nil, nil, err
	}
	transformer, err := processor.NewTransformer(&cfg.Processor, logger)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to create transformer: %w", err)
	}
	if transformer.Enabled() {
		logger.Info("Document transformation enabled")
	}

	docSink, err := newSink(cfg, logger)
	if err != nil {
		return nil, nil, nil, err
	}

	pool := processor.NewWorkerPool(cfg.Processor.Workers)
	dispatcher := processor.NewDispatcher(
		docSink,
		pool,
		processor.NewProjector(coercer, logger),
		transformer,
		processor.NewTracker(logger),
		processor.DispatcherOptions{
			IndexMapping:   cfg.Sink.IndexMapping,
			LowercaseIndex: cfg.Sink.Type == config.SinkElasticsearch,
			WriteRetry:     cfg.Processor.WriteRetry,
		},
		logger,
	)
	return docSink, pool, dispatcher, nil
}

func runSync(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}
	logger.Info("Starting MySQL to search index sync...")

	docSink, pool, dispatcher, err := newDispatcher(cfg, logger)
	if err != nil {
		return err
	}
	defer docSink.Close()
	defer pool.Close()

	reader := binlog.NewReader(cfg.MySQL, cfg.Binlog, logger)
	loop := processor.NewLoop(reader, dispatcher, processor.LoopOptionsFromConfig(cfg.Processor, cfg.Binlog), logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	g, gctx := errgroup.WithContext(ctx)

	if cfg.Metrics.Addr != "" {
		registry := prometheus.NewRegistry()
		registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		metrics.InitMetrics(registry)
		g.Go(func() error {
			return metrics.Serve(gctx, cfg.Metrics.Addr, registry, logger)
		})
	}

	loop.Start()
	g.Go(func() error {
		select {
		case <-gctx.Done():
			logger.Info("Shutting down...")
			loop.Stop()
			return nil
		case <-loop.Done():
			if err := loop.Err(); err != nil {
				return err
			}
			return errors.New("batch loop exited")
		}
	})

	err = g.Wait()
	if err != nil {
		logger.Errorf("Sync stopped: %v", err)
	} else {
		logger.Info("MySQL to search index sync stopped")
	}
	return err
}

func runCheck(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	checker := NewMySQLChecker(cfg.MySQL, logger)
	if err := checker.CheckConnectionAndPermissions(ctx); err != nil {
		return fmt.Errorf("MySQL check failed: %w", err)
	}

	if cfg.Sink.Type != config.SinkElasticsearch {
		logger.Infof("Sink %s has no index check", cfg.Sink.Type)
		return nil
	}
	indexes := mappedIndexes(cfg.Sink.IndexMapping)
	if len(indexes) == 0 {
		logger.Info("No index_mapping configured, skipping index check")
		return nil
	}

	es, err := elasticsearch.NewSink(cfg.Elasticsearch, logger)
	if err != nil {
		return err
	}
	missing, err := es.MissingIndices(ctx, indexes)
	if err != nil {
		return fmt.Errorf("Elasticsearch check failed: %w", err)
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing indexes: %s", strings.Join(missing, ", "))
	}
	logger.Infof("All %d mapped indexes exist", len(indexes))
	return nil
}

func runMigrate(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}
	schema, table, err := migration.SplitTable(migrateTable)
	if err != nil {
		return err
	}
	pageSize := migratePageSize
	if pageSize <= 0 {
		pageSize = cfg.Processor.BatchSize
	}

	db, err := sql.Open("mysql", binlog.DSN(cfg.MySQL))
	if err != nil {
		return fmt.Errorf("failed to open MySQL connection: %w", err)
	}
	defer db.Close()

	docSink, pool, dispatcher, err := newDispatcher(cfg, logger)
	if err != nil {
		return err
	}
	defer docSink.Close()
	defer pool.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	n, err := migration.NewMigrator(db, dispatcher, pageSize, logger).Table(ctx, schema, table)
	if err != nil {
		return fmt.Errorf("data migration of %s stopped after %d rows: %w", migrateTable, n, err)
	}
	return nil
}

func mappedIndexes(mapping map[string]string) []string {
	seen := make(map[string]bool, len(mapping))
	var indexes []string
	for _, index := range mapping {
		index = strings.ToLower(index)
		if !seen[index] {
			seen[index] = true
			indexes = append(indexes, index)
		}
	}
	sort.Strings(indexes)
	return indexes
}
