package worker

import (
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/cuongbtq/genjob/internal/reconcile"
)

// Message is one queued event. Broker messages carry the acknowledger of
// their delivery; locally dispatched ones have none.
type Message struct {
	Event       reconcile.Event
	DeliveryTag uint64
	acker       amqp.Acknowledger
}

func (m *Message) ack() error {
	if m.acker == nil {
		return nil
	}
	return m.acker.Ack(m.DeliveryTag, false)
}

func (m *Message) nack(requeue bool) error {
	if m.acker == nil {
		return nil
	}
	return m.acker.Nack(m.DeliveryTag, false, requeue)
}
