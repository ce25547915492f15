package messaging

import (
	"context"
	"fmt"
	"sync"

	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"
)

// NATSTransport carries frames over a NATS subject for deployments that
// already run a broker next to the build system.
type NATSTransport struct {
	conn    *nats.Conn
	subject string
	log     *logrus.Entry

	mu     sync.Mutex
	subs   []*nats.Subscription
	closed bool
}

// NewNATSTransport connects to the given NATS URL.
func NewNATSTransport(url, subject string, log *logrus.Entry) (*NATSTransport, error) {
	if log == nil {
		log = logrus.WithField("component", "nats")
	}
	conn, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.WithError(err).Warn("nats disconnected")
			}
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			log.Info("nats reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("nats: connect %s: %w", url, err)
	}
	return &NATSTransport{conn: conn, subject: subject, log: log}, nil
}

// Listen subscribes to the subject and forwards message payloads.
func (t *NATSTransport) Listen(ctx context.Context) (<-chan []byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, fmt.Errorf("nats: transport closed")
	}

	msgs := make(chan *nats.Msg, 256)
	sub, err := t.conn.ChanSubscribe(t.subject, msgs)
	if err != nil {
		return nil, fmt.Errorf("nats: subscribe %s: %w", t.subject, err)
	}
	t.subs = append(t.subs, sub)

	frames := make(chan []byte)
	go func() {
		defer close(frames)
		defer func() {
			if err := sub.Unsubscribe(); err != nil {
				t.log.WithError(err).Debug("unsubscribe failed")
			}
		}()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				select {
				case frames <- msg.Data:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return frames, nil
}

// Publish sends the frame on the subject.
func (t *NATSTransport) Publish(ctx context.Context, frame []byte) error {
	if err := t.conn.Publish(t.subject, frame); err != nil {
		return fmt.Errorf("nats: publish: %w", err)
	}
	return nil
}

// Close drains and closes the connection.
func (t *NATSTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	return t.conn.Drain()
}
