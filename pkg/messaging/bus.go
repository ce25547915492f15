package messaging

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/R3E-Network/build_orchestrator/infrastructure/resilience"
	"github.com/R3E-Network/build_orchestrator/pkg/metrics"
)

// Transport is the raw byte-frame carrier under the typed bus. A transport
// delivers frames at most once.
type Transport interface {
	// Listen returns a channel of raw frames. The channel closes when the
	// context is cancelled or the transport shuts down.
	Listen(ctx context.Context) (<-chan []byte, error)

	// Publish sends one frame. Delivery is fire-and-forget.
	Publish(ctx context.Context, frame []byte) error

	Close() error
}

// Bus pairs a transport with the typed codec and the publish retry policy.
type Bus struct {
	transport Transport
	log       *logrus.Entry
}

// NewBus wraps a transport.
func NewBus(transport Transport, log *logrus.Entry) *Bus {
	if log == nil {
		log = logrus.WithField("component", "messaging")
	}
	return &Bus{transport: transport, log: log}
}

// Listen returns a lazy stream of typed events. Frames that do not decode
// to a complete, known event are dropped with a debug log.
func (b *Bus) Listen(ctx context.Context) (<-chan Event, error) {
	frames, err := b.transport.Listen(ctx)
	if err != nil {
		return nil, err
	}

	events := make(chan Event)
	go func() {
		defer close(events)
		for frame := range frames {
			metrics.MessagingRx.Inc()
			ev, err := Decode(frame)
			if err != nil {
				b.log.WithError(err).Debug("dropping undecodable frame")
				continue
			}
			if ev == nil {
				b.log.Debug("dropping unrecognized message")
				continue
			}
			select {
			case events <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return events, nil
}

// Publish sends one event with best-effort retry.
func (b *Bus) Publish(ctx context.Context, ev Event) error {
	frame, err := Encode(ev)
	if err != nil {
		metrics.MessagingTxFailed.Inc()
		return err
	}

	err = resilience.Retry(ctx, resilience.RetryConfig{MaxAttempts: 3, Interval: time.Second}, func() error {
		return b.transport.Publish(ctx, frame)
	})
	if err != nil {
		metrics.MessagingTxFailed.Inc()
		return err
	}
	metrics.MessagingTxSentOK.Inc()
	return nil
}

// Close shuts the underlying transport down.
func (b *Bus) Close() error { return b.transport.Close() }
