package worker

import (
	"context"
	"fmt"
	"log/slog"
)

// spawnWorkerPool spawns N worker goroutines based on concurrency configuration
func (w *Worker) spawnWorkerPool(ctx context.Context) {
	w.logger.Info("Spawning worker pool",
		slog.Int("concurrency", w.concurrency),
		slog.String("worker_id", w.workerID),
	)

	for i := 0; i < w.concurrency; i++ {
		w.wg.Add(1)
		go w.workerLoop(ctx, i)
	}
}

// workerLoop is the main processing loop for each worker goroutine
func (w *Worker) workerLoop(ctx context.Context, workerNum int) {
	defer w.wg.Done()

	workerName := fmt.Sprintf("%s-%d", w.workerID, workerNum)
	w.logger.Debug("Worker goroutine started",
		slog.String("worker_name", workerName),
	)

	for {
		select {
		case <-w.stopChan:
			w.logger.Debug("Worker goroutine stopping - stopChan closed",
				slog.String("worker_name", workerName),
			)
			return

		case <-ctx.Done():
			w.logger.Debug("Worker goroutine stopping - context canceled",
				slog.String("worker_name", workerName),
			)
			return

		case msg := <-w.jobsChan:
			w.handleMessage(ctx, workerName, msg)
		}
	}
}

// handleMessage processes msg and settles its delivery
func (w *Worker) handleMessage(ctx context.Context, workerName string, msg *Message) {
	logger := w.logger.With(
		slog.String("worker_name", workerName),
		slog.String("job_id", msg.Event.JobID),
		slog.String("source", string(msg.Event.Source)),
	)

	err := w.processMessage(ctx, msg)
	if err == nil {
		if ackErr := msg.ack(); ackErr != nil {
			logger.Error("Failed to ACK message",
				slog.Any("error", ackErr),
			)
		}
		return
	}

	requeue := shouldRequeue(err)
	logger.Warn("Event handling failed",
		slog.Any("error", err),
		slog.Bool("requeue", requeue),
	)

	if nackErr := msg.nack(requeue); nackErr != nil {
		logger.Error("Failed to NACK message",
			slog.Any("error", nackErr),
		)
	}
}
