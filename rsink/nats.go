package rsink

import (
	"context"
	"encoding/json"

	"github.com/luno/jettison/errors"
	"github.com/luno/jettison/j"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel/propagation"

	"github.com/luno/txrelay"
)

// natsPublisher is implemented by *nats.Conn.
type natsPublisher interface {
	PublishMsg(m *nats.Msg) error
}

// NATS publishes events as JSON messages to a subject. The trace of the
// publishing context is propagated in the traceparent header.
type NATS struct {
	conn    natsPublisher
	subject string
}

// NewNATS returns a sink publishing to subject on conn.
func NewNATS(conn natsPublisher, subject string) *NATS {
	return &NATS{conn: conn, subject: subject}
}

func (n *NATS) Name() string {
	return "nats"
}

// Channel returns the subject subscribers should listen on.
func (n *NATS) Channel() string {
	return n.subject
}

func (n *NATS) Publish(ctx context.Context, e txrelay.DeliveredEvent) error {
	b, err := json.Marshal(e)
	if err != nil {
		return errors.Wrap(err, "marshal event")
	}

	msg := nats.NewMsg(n.subject)
	msg.Data = b
	propagation.TraceContext{}.Inject(ctx, propagation.HeaderCarrier(msg.Header))

	if err := n.conn.PublishMsg(msg); err != nil {
		return errors.Wrap(err, "nats publish", j.KS("subject", n.subject))
	}
	return nil
}
