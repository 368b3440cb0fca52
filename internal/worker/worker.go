// Package worker drains reconciliation events from a queue into the engine.
// Webhook events arrive either from RabbitMQ (split deployment) or from an
// in-process channel fed by Dispatch (single-process deployment).
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/cuongbtq/genjob/internal/reconcile"
)

const (
	defaultConcurrency   = 4
	defaultQueueSize     = 256
	defaultHandleTimeout = 2 * time.Minute
	defaultPrefetch      = 10
)

// ErrQueueFull is returned by Dispatch when the local queue has no room
var ErrQueueFull = errors.New("event queue is full")

// EventHandler applies one event
type EventHandler interface {
	HandleEvent(ctx context.Context, ev reconcile.Event) error
}

// Consumer is the broker side of the worker
type Consumer interface {
	Qos(prefetchCount int) error
	Consume(consumerTag string) (<-chan amqp.Delivery, error)
}

// Config holds worker configuration
type Config struct {
	Logger        *slog.Logger
	Handler       EventHandler
	Consumer      Consumer
	QueueName     string
	Concurrency   int
	QueueSize     int
	PrefetchCount int
	HandleTimeout time.Duration
}

// Worker represents the event worker pool
type Worker struct {
	logger        *slog.Logger
	handler       EventHandler
	consumer      Consumer
	queueName     string
	workerID      string
	concurrency   int
	prefetchCount int
	handleTimeout time.Duration
	jobsChan      chan *Message
	wg            sync.WaitGroup
	stopChan      chan struct{}
	stopOnce      sync.Once
}

// NewWorker creates a new worker instance
func NewWorker(cfg *Config) *Worker {
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = defaultConcurrency
	}
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	prefetch := cfg.PrefetchCount
	if prefetch <= 0 {
		prefetch = defaultPrefetch
	}
	timeout := cfg.HandleTimeout
	if timeout <= 0 {
		timeout = defaultHandleTimeout
	}

	return &Worker{
		logger:        cfg.Logger,
		handler:       cfg.Handler,
		consumer:      cfg.Consumer,
		queueName:     cfg.QueueName,
		workerID:      "worker-" + uuid.NewString(),
		concurrency:   concurrency,
		prefetchCount: prefetch,
		handleTimeout: timeout,
		jobsChan:      make(chan *Message, queueSize),
		stopChan:      make(chan struct{}),
	}
}

// ID returns the worker id, also used as the RabbitMQ consumer tag
func (w *Worker) ID() string {
	return w.workerID
}

// Start runs the pool until ctx is canceled or Stop is called. With a
// Consumer configured it also pulls deliveries from the broker.
func (w *Worker) Start(ctx context.Context) error {
	w.logger.Info("Starting worker",
		slog.String("worker_id", w.workerID),
		slog.Int("concurrency", w.concurrency),
		slog.Duration("handle_timeout", w.handleTimeout),
		slog.Bool("broker", w.consumer != nil),
	)

	var deliveries <-chan amqp.Delivery
	if w.consumer != nil {
		var err error
		deliveries, err = w.setupConsumer()
		if err != nil {
			return fmt.Errorf("setup consumer: %w", err)
		}
	}

	w.spawnWorkerPool(ctx)

	if deliveries != nil {
		w.startMessageDispatcher(ctx, deliveries)
	} else {
		select {
		case <-ctx.Done():
		case <-w.stopChan:
		}
	}

	w.logger.Info("Worker draining, waiting for in-flight events")
	w.Stop()
	return nil
}

// Dispatch queues ev for in-process handling. It never blocks: a full queue
// returns ErrQueueFull and the event is left to the poll path.
func (w *Worker) Dispatch(ctx context.Context, ev reconcile.Event) error {
	msg := &Message{Event: ev}
	select {
	case <-w.stopChan:
		return errors.New("worker stopped")
	default:
	}

	select {
	case w.jobsChan <- msg:
		w.logger.Debug("Event queued",
			slog.String("job_id", ev.JobID),
			slog.String("source", string(ev.Source)),
		)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		return ErrQueueFull
	}
}

// Stop gracefully stops the worker
func (w *Worker) Stop() {
	w.stopOnce.Do(func() {
		w.logger.Info("Stopping worker...")
		close(w.stopChan)
	})
	w.wg.Wait()
}
