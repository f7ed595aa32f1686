package processor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"
	"go.uber.org/atomic"

	"mysql-es-sync/internal/config"
	"mysql-es-sync/internal/metrics"
	"mysql-es-sync/internal/models"
)

// Source is the change-data-capture source the loop consumes.
type Source interface {
	Connect(ctx context.Context) error
	Subscribe(filter string) error
	// Fetch returns up to maxCount entries without acknowledging them. An
	// unacknowledged batch is delivered again by the next Fetch.
	Fetch(ctx context.Context, maxCount int) (*models.ChangeBatch, error)
	Ack(ctx context.Context, id models.BatchID) error
	Disconnect() error
}

// Applier applies a batch to the sink.
type Applier interface {
	Apply(ctx context.Context, batch *models.ChangeBatch) *BatchOutcome
}

// State is a state of the batch loop
type State int32

const (
	StateIdle State = iota
	StateConnected
	StateFetching
	StateProcessing
	StateAcknowledging
	StateDisconnected
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateConnected:
		return "Connected"
	case StateFetching:
		return "Fetching"
	case StateProcessing:
		return "Processing"
	case StateAcknowledging:
		return "Acknowledging"
	case StateDisconnected:
		return "Disconnected"
	case StateStopped:
		return "Stopped"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// ErrHalted is returned by Err when the loop gave up on a batch.
var ErrHalted = errors.New("batch loop halted")

// LoopOptions tunes the batch loop.
type LoopOptions struct {
	BatchSize          int
	Filter             string
	ShutdownTimeout    time.Duration
	BatchRetryInterval time.Duration
	HaltAfterFailures  int
	IdleBackoff        config.IdleBackoff
	Reconnect          config.RetryPolicy
}

// LoopOptionsFromConfig builds LoopOptions from the processor and binlog configs.
func LoopOptionsFromConfig(p config.ProcessorConfig, b config.BinlogConfig) LoopOptions {
	return LoopOptions{
		BatchSize:          p.BatchSize,
		Filter:             b.Filter,
		ShutdownTimeout:    p.ShutdownTimeout,
		BatchRetryInterval: p.BatchRetryInterval,
		HaltAfterFailures:  p.HaltAfterFailures,
		IdleBackoff:        p.IdleBackoff,
		Reconnect:          p.Reconnect,
	}
}

// Loop owns the fetch → process → acknowledge cycle. One batch is in flight
// at a time; a batch is acknowledged only when every entry was applied or
// skipped.
type Loop struct {
	source  Source
	applier Applier
	opts    LoopOptions
	logger  *logrus.Logger

	state   atomic.Int32
	running atomic.Bool

	stopCh    chan struct{}
	stopOnce  sync.Once
	startOnce sync.Once
	done      chan struct{}
	err       error

	// workCtx scopes fetches and sink writes. It is cancelled only when a
	// stop request exceeds the shutdown timeout.
	workCtx    context.Context
	cancelWork context.CancelFunc

	lastFailedBatch models.BatchID
	failures        int
}

func NewLoop(source Source, applier Applier, opts LoopOptions, logger *logrus.Logger) *Loop {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 128
	}
	if opts.IdleBackoff.Initial <= 0 {
		opts.IdleBackoff.Initial = 10 * time.Millisecond
	}
	if opts.IdleBackoff.Max < opts.IdleBackoff.Initial {
		opts.IdleBackoff.Max = opts.IdleBackoff.Initial
	}
	workCtx, cancel := context.WithCancel(context.Background())
	return &Loop{
		source:          source,
		applier:         applier,
		opts:            opts,
		logger:          logger,
		stopCh:          make(chan struct{}),
		done:            make(chan struct{}),
		workCtx:         workCtx,
		cancelWork:      cancel,
		lastFailedBatch: models.EmptyBatchID,
	}
}

// State returns the current state.
func (l *Loop) State() State {
	return State(l.state.Load())
}

func (l *Loop) setState(s State) {
	if old := State(l.state.Swap(int32(s))); old != s {
		l.logger.Debugf("Batch loop %s -> %s", old, s)
	}
}

// Start launches the loop goroutine.
func (l *Loop) Start() {
	l.startOnce.Do(func() {
		l.running.Store(true)
		go l.run()
	})
}

// Stop requests the loop to stop and blocks until it exited. The batch in
// flight is finished first; when that takes longer than the shutdown timeout
// its writes are cancelled and it stays unacknowledged.
func (l *Loop) Stop() {
	l.stopOnce.Do(func() {
		l.running.Store(false)
		close(l.stopCh)
	})
	if !l.started() {
		return
	}

	if l.opts.ShutdownTimeout > 0 {
		timer := time.NewTimer(l.opts.ShutdownTimeout)
		defer timer.Stop()
		select {
		case <-l.done:
			return
		case <-timer.C:
			l.logger.Warnf("Batch loop did not drain within %s, cancelling in-flight writes", l.opts.ShutdownTimeout)
			l.cancelWork()
		}
	}
	<-l.done
}

func (l *Loop) started() bool {
	started := true
	l.startOnce.Do(func() {
		// Never started: nothing to join.
		started = false
		l.setState(StateStopped)
		close(l.done)
	})
	return started
}

// Done is closed once the loop goroutine exited.
func (l *Loop) Done() <-chan struct{} {
	return l.done
}

// Err returns why the loop stopped on its own, nil after a requested stop.
// It must be called after Done is closed.
func (l *Loop) Err() error {
	return l.err
}

func (l *Loop) run() {
	defer func() {
		l.cancelWork()
		l.setState(StateStopped)
		close(l.done)
	}()

	l.logger.Info("Starting batch loop...")
	reconnect := l.reconnectBackoff()

	for l.running.Load() {
		l.setState(StateIdle)
		metrics.Reconnects.Inc()
		if err := l.connect(); err != nil {
			l.setState(StateDisconnected)
			l.logger.Errorf("Failed to connect to source: %v", err)
			if disconnectErr := l.source.Disconnect(); disconnectErr != nil {
				l.logger.Warnf("Failed to disconnect source: %v", disconnectErr)
			}
			wait := reconnect.NextBackOff()
			if wait == backoff.Stop {
				l.err = fmt.Errorf("%w: giving up connecting after %d attempts: %v", ErrHalted, l.opts.Reconnect.MaxAttempts, err)
				l.logger.Error(l.err)
				return
			}
			l.sleep(wait)
			continue
		}
		reconnect.Reset()
		l.setState(StateConnected)

		err := l.consume()

		l.setState(StateDisconnected)
		if disconnectErr := l.source.Disconnect(); disconnectErr != nil {
			l.logger.Warnf("Failed to disconnect source: %v", disconnectErr)
		}
		if errors.Is(err, ErrHalted) {
			l.err = err
			l.logger.Error(err)
			return
		}
		if err != nil {
			l.logger.Errorf("Process error: %v", err)
			l.sleep(reconnect.NextBackOff())
		}
	}

	l.logger.Info("Batch loop stopped")
}

func (l *Loop) connect() error {
	if err := l.source.Connect(l.workCtx); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	if err := l.source.Subscribe(l.opts.Filter); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	return nil
}

// consume runs the fetch/process/ack cycle until a transport error, a halt or
// a stop request.
func (l *Loop) consume() error {
	idle := l.idleBackoff()

	for l.running.Load() {
		l.setState(StateFetching)
		batch, err := l.source.Fetch(l.workCtx, l.opts.BatchSize)
		if err != nil {
			return fmt.Errorf("fetch: %w", err)
		}
		if batch.Empty() {
			metrics.BatchCounter.WithLabelValues("empty").Inc()
			l.sleep(idle.NextBackOff())
			continue
		}
		idle.Reset()
		l.printSummary(batch)

		l.setState(StateProcessing)
		outcome := l.applier.Apply(l.workCtx, batch)
		if !outcome.Success() {
			metrics.BatchCounter.WithLabelValues("failed").Inc()
			if err := l.recordFailure(batch, outcome); err != nil {
				return err
			}
			l.sleep(l.opts.BatchRetryInterval)
			continue
		}
		l.resetFailures()

		l.setState(StateAcknowledging)
		if err := l.source.Ack(l.workCtx, batch.ID); err != nil {
			return fmt.Errorf("ack batch %d: %w", batch.ID, err)
		}
		metrics.BatchCounter.WithLabelValues("acked").Inc()
		if outcome.Degraded > 0 || outcome.Skipped > 0 {
			l.logger.Warnf("Batch %d acknowledged with %d degraded and %d skipped entries", batch.ID, outcome.Degraded, outcome.Skipped)
		}
	}
	return nil
}

func (l *Loop) recordFailure(batch *models.ChangeBatch, outcome *BatchOutcome) error {
	if batch.ID == l.lastFailedBatch {
		l.failures++
	} else {
		l.lastFailedBatch = batch.ID
		l.failures = 1
	}
	metrics.ConsecutiveFailures.Set(float64(l.failures))

	l.logger.WithFields(logrus.Fields{
		"batchId":  batch.ID,
		"failed":   outcome.Failed,
		"attempts": l.failures,
	}).Errorf("Batch not acknowledged, it will be redelivered: %v", outcome.Err())

	if l.opts.HaltAfterFailures > 0 && l.failures >= l.opts.HaltAfterFailures {
		return fmt.Errorf("%w: batch %d failed %d times in a row", ErrHalted, batch.ID, l.failures)
	}
	return nil
}

func (l *Loop) resetFailures() {
	if l.failures > 0 {
		l.logger.Infof("Batch %d recovered after %d failed attempt(s)", l.lastFailedBatch, l.failures)
	}
	l.failures = 0
	l.lastFailedBatch = models.EmptyBatchID
	metrics.ConsecutiveFailures.Set(0)
}

func (l *Loop) printSummary(batch *models.ChangeBatch) {
	l.logger.Infof("* Batch Id: [%d] ,count : [%d] , memSize : [%d] , Time : %s , Start : [%s] , End : [%s]",
		batch.ID, len(batch.Entries), batch.MemSize(), time.Now().Format("2006-01-02 15:04:05"),
		batch.Start(), batch.End())
}

// sleep waits for d or until a stop is requested.
func (l *Loop) sleep(d time.Duration) {
	if d <= 0 || d == backoff.Stop {
		return
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-l.stopCh:
	}
}

func (l *Loop) idleBackoff() backoff.BackOff {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = l.opts.IdleBackoff.Initial
	exp.MaxInterval = l.opts.IdleBackoff.Max
	exp.RandomizationFactor = 0
	exp.Multiplier = 2
	exp.MaxElapsedTime = 0
	exp.Reset()
	return exp
}

func (l *Loop) reconnectBackoff() backoff.BackOff {
	exp := backoff.NewExponentialBackOff()
	if l.opts.Reconnect.InitialInterval > 0 {
		exp.InitialInterval = l.opts.Reconnect.InitialInterval
	}
	if l.opts.Reconnect.MaxInterval >= exp.InitialInterval {
		exp.MaxInterval = l.opts.Reconnect.MaxInterval
	}
	exp.MaxElapsedTime = 0
	exp.Reset()
	if l.opts.Reconnect.MaxAttempts > 0 {
		return backoff.WithMaxRetries(exp, uint64(l.opts.Reconnect.MaxAttempts-1))
	}
	return exp
}
