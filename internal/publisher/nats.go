package publisher

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"

	"github.com/marchenkov/audience-os/internal/collector"
)

// SubjectRunCompleted carries per-credential run completion events.
const SubjectRunCompleted = "audience.run.completed"

// NATSClient interface to allow mocking
type NATSClient interface {
	Publish(subject string, data []byte) error
}

// NATSPublisher implements collector.EventPublisher
type NATSPublisher struct {
	conn NATSClient
}

// NewNATSPublisher creates a new publisher
func NewNATSPublisher(conn *nats.Conn) *NATSPublisher {
	return &NATSPublisher{conn: conn}
}

// PublishCredentialDone publishes a run-completed event for one credential
func (p *NATSPublisher) PublishCredentialDone(ctx context.Context, event collector.CredentialDoneEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	if err := p.conn.Publish(SubjectRunCompleted, data); err != nil {
		return fmt.Errorf("publish event: %w", err)
	}

	return nil
}
