package messaging

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/lib/pq"
	"github.com/sirupsen/logrus"
)

// PGNotifyTransport carries frames over PostgreSQL NOTIFY/LISTEN, so the
// orchestrator needs no broker beyond the database it already depends on.
type PGNotifyTransport struct {
	db       *sql.DB
	listener *pq.Listener
	channel  string
	log      *logrus.Entry

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
	closed bool
}

// NewPGNotifyTransport opens a LISTEN connection on the given channel. The
// *sql.DB is shared with the store; the listener holds its own connection.
func NewPGNotifyTransport(db *sql.DB, dsn, channel string, log *logrus.Entry) (*PGNotifyTransport, error) {
	if log == nil {
		log = logrus.WithField("component", "pgnotify")
	}

	reportProblem := func(ev pq.ListenerEventType, err error) {
		if err != nil {
			log.WithError(err).Warn("listener error")
		}
	}
	listener := pq.NewListener(dsn, 10*time.Second, time.Minute, reportProblem)
	if err := listener.Listen(channel); err != nil {
		listener.Close()
		return nil, fmt.Errorf("pgnotify: listen %s: %w", channel, err)
	}

	return &PGNotifyTransport{
		db:       db,
		listener: listener,
		channel:  channel,
		log:      log,
	}, nil
}

// Listen drains notifications into a frame channel.
func (t *PGNotifyTransport) Listen(ctx context.Context) (<-chan []byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, fmt.Errorf("pgnotify: transport closed")
	}

	ctx, cancel := context.WithCancel(ctx)
	t.cancel = cancel

	frames := make(chan []byte)
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		defer close(frames)
		for {
			select {
			case <-ctx.Done():
				return

			case notification := <-t.listener.Notify:
				if notification == nil {
					// Connection lost; the listener reconnects on its own.
					continue
				}
				select {
				case frames <- []byte(notification.Extra):
				case <-ctx.Done():
					return
				}

			case <-time.After(90 * time.Second):
				go func() {
					if err := t.listener.Ping(); err != nil {
						t.log.WithError(err).Warn("keepalive ping failed")
					}
				}()
			}
		}
	}()
	return frames, nil
}

// Publish sends the frame through pg_notify.
func (t *PGNotifyTransport) Publish(ctx context.Context, frame []byte) error {
	_, err := t.db.ExecContext(ctx, "SELECT pg_notify($1, $2)", t.channel, string(frame))
	if err != nil {
		return fmt.Errorf("pgnotify: notify: %w", err)
	}
	return nil
}

// Close stops the listener.
func (t *PGNotifyTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	cancel := t.cancel
	t.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	t.wg.Wait()
	return t.listener.Close()
}
