// Package events publishes configurator lifecycle events to NATS as
// JSON messages with OpenTelemetry trace propagation. Publishing is
// best-effort: a nil bus drops everything silently.
package events

import (
	"context"
	"encoding/json"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
)

// Subjects emitted by the configurator.
const (
	SubjectTurn             = "configurator.turn"
	SubjectSessionCompleted = "configurator.session.completed"
)

// headerCarrier adapts nats.Msg headers to the OTel TextMapCarrier.
type headerCarrier nats.Msg

func (c *headerCarrier) Get(key string) string {
	if c.Header == nil {
		return ""
	}
	return c.Header.Get(key)
}

func (c *headerCarrier) Set(key, val string) {
	if c.Header == nil {
		c.Header = make(nats.Header)
	}
	c.Header.Set(key, val)
}

func (c *headerCarrier) Keys() []string {
	keys := make([]string, 0, len(c.Header))
	for k := range c.Header {
		keys = append(keys, k)
	}
	return keys
}

// Bus wraps a NATS connection for typed publishes.
type Bus struct {
	nc *nats.Conn
}

// NewBus wraps an established connection. A nil connection yields a
// no-op bus.
func NewBus(nc *nats.Conn) *Bus {
	if nc == nil {
		return nil
	}
	return &Bus{nc: nc}
}

// Publish serializes v and publishes it on subject, injecting the trace
// context from ctx into the message headers.
func (b *Bus) Publish(ctx context.Context, subject string, v any) error {
	if b == nil || b.nc == nil {
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	msg := &nats.Msg{Subject: subject, Data: data}
	otel.GetTextMapPropagator().Inject(ctx, (*headerCarrier)(msg))
	return b.nc.PublishMsg(msg)
}

// TurnEvent describes one processed turn.
type TurnEvent struct {
	SessionID string `json:"session_id"`
	State     string `json:"state"`
	Intent    string `json:"intent"`
	Completed bool   `json:"completed"`
}

// CompletedEvent describes a finalized session.
type CompletedEvent struct {
	SessionID      string `json:"session_id"`
	RealComponents int    `json:"real_components"`
	DurationMillis int64  `json:"duration_ms"`
}
