// Package nats connects the collector to the JetStream event bus.
package nats

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// StreamRuns retains run lifecycle events for downstream consumers.
const StreamRuns = "audience-runs"

// runSubjects matches every run event the collector emits.
const runSubjects = "audience.run.>"

// Client wraps a nats connection and its jetstream context.
type Client struct {
	Conn *nats.Conn
	js   jetstream.JetStream
}

// New connects to nats and opens a jetstream context.
func New(_ context.Context, natsURL string) (*Client, error) {
	conn, err := nats.Connect(natsURL)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}

	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("create jetstream context: %w", err)
	}

	return &Client{Conn: conn, js: js}, nil
}

// EnsureRunStream creates the run event stream if it does not exist yet.
// Events stay replayable for a week so consumers that were down during a
// run can still pick up its summaries.
func (c *Client) EnsureRunStream(ctx context.Context) error {
	_, err := c.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:     StreamRuns,
		Subjects: []string{runSubjects},
		MaxAge:   7 * 24 * time.Hour,
	})
	if err != nil {
		return fmt.Errorf("create stream %s: %w", StreamRuns, err)
	}
	return nil
}

// Close closes the nats connection.
func (c *Client) Close() {
	c.Conn.Close()
}

// IsConnected returns true if connected to nats.
func (c *Client) IsConnected() bool {
	return c.Conn.IsConnected()
}
