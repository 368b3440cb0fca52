package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/cuongbtq/genjob/internal/reconcile"
)

// BrokerPublisher publishes raw message bodies
type BrokerPublisher interface {
	PublishWithRetry(ctx context.Context, body []byte, contentType string) error
}

// Publisher hands events to the worker service through RabbitMQ
type Publisher struct {
	broker BrokerPublisher
	logger *slog.Logger
}

// NewPublisher creates a new event publisher
func NewPublisher(broker BrokerPublisher, logger *slog.Logger) *Publisher {
	return &Publisher{broker: broker, logger: logger}
}

// Dispatch publishes ev as a persistent JSON message
func (p *Publisher) Dispatch(ctx context.Context, ev reconcile.Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	if err := p.broker.PublishWithRetry(ctx, body, "application/json"); err != nil {
		return fmt.Errorf("publish event: %w", err)
	}

	p.logger.Debug("Event published",
		slog.String("job_id", ev.JobID),
		slog.String("source", string(ev.Source)),
	)
	return nil
}
