package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
)

// EventPublisher emits dial outcome and run lifecycle events.
type EventPublisher struct {
	outcomes  *kafka.Writer
	lifecycle *kafka.Writer
}

// NewEventPublisher constructs a publisher for the configured topics.
func NewEventPublisher(k *Kafka, outcomeTopic, lifecycleTopic string) *EventPublisher {
	return &EventPublisher{
		outcomes:  k.NewWriter(outcomeTopic),
		lifecycle: k.NewWriter(lifecycleTopic),
	}
}

// PublishOutcome emits a job outcome event keyed by job id.
func (p *EventPublisher) PublishOutcome(ctx context.Context, event JobOutcomeEvent) error {
	value, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("event publisher: marshal outcome: %w", err)
	}
	record := kafka.Message{
		Key:   event.JobID[:],
		Value: value,
		Time:  time.Now().UTC(),
	}
	if err := p.outcomes.WriteMessages(ctx, record); err != nil {
		return fmt.Errorf("event publisher: write outcome: %w", err)
	}
	return nil
}

// PublishLifecycle emits a run lifecycle event keyed by run id.
func (p *EventPublisher) PublishLifecycle(ctx context.Context, event RunLifecycleEvent) error {
	value, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("event publisher: marshal lifecycle: %w", err)
	}
	record := kafka.Message{
		Key:   event.RunID[:],
		Value: value,
		Time:  time.Now().UTC(),
	}
	if err := p.lifecycle.WriteMessages(ctx, record); err != nil {
		return fmt.Errorf("event publisher: write lifecycle: %w", err)
	}
	return nil
}

// Close closes the underlying writers.
func (p *EventPublisher) Close() error {
	if err := p.outcomes.Close(); err != nil {
		return err
	}
	return p.lifecycle.Close()
}
