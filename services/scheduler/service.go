package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/R3E-Network/build_orchestrator/pkg/messaging"
	"github.com/R3E-Network/build_orchestrator/pkg/metrics"
	"github.com/R3E-Network/build_orchestrator/pkg/storage"
)

// stopWork is the sentinel that tells the dispatch worker to exit.
type stopWork struct{}

func (stopWork) MsgID() string        { return "stop-work" }
func (stopWork) Kind() messaging.Kind { return "stop-work" }

// Service runs the three cooperating workers: the ingest worker drains the
// bus onto the internal queue, the dispatch worker processes one event at a
// time under a store transaction, and the poller reconciles lost state.
//
// Exactly one dispatch worker runs; events concerning the same module build
// are therefore processed in delivery order.
type Service struct {
	hctx       *Context
	store      storage.Store
	dispatcher *dispatcher
	poller     *Poller
	queue      chan messaging.Event
	log        *logrus.Entry

	stopCh   chan struct{}
	stopOnce sync.Once
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// New assembles the scheduler service.
func New(hctx *Context, store storage.Store) *Service {
	queueSize := hctx.Cfg.Scheduler.QueueSize
	if queueSize <= 0 {
		queueSize = 1024
	}
	s := &Service{
		hctx:       hctx,
		store:      store,
		dispatcher: newDispatcher(),
		queue:      make(chan messaging.Event, queueSize),
		log:        hctx.Log,
		stopCh:     make(chan struct{}),
	}
	s.poller = NewPoller(hctx, store, s.Enqueue)
	return s
}

// Start checks the dispatch tables and spins the workers.
func (s *Service) Start(ctx context.Context) error {
	if err := s.dispatcher.sanityCheck(); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	events, err := s.hctx.Bus.Listen(ctx)
	if err != nil {
		cancel()
		return err
	}

	s.wg.Add(1)
	go s.runIngest(ctx, events)

	s.wg.Add(1)
	go s.runDispatch(ctx)

	if err := s.poller.Start(ctx); err != nil {
		cancel()
		return err
	}

	s.log.Info("scheduler started")
	return nil
}

// Stop places the sentinel on the queue and waits for the workers to exit.
// It is idempotent.
func (s *Service) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
		s.poller.Stop()
		select {
		case s.queue <- stopWork{}:
		default:
		}
		if s.cancel != nil {
			s.cancel()
		}
	})
	s.wg.Wait()
}

// Enqueue places an event on the internal queue. A full queue drops the
// event with a warning; the poller re-derives the lost action.
func (s *Service) Enqueue(ev messaging.Event) {
	select {
	case s.queue <- ev:
		metrics.QueueBacklog.Set(float64(len(s.queue)))
	default:
		s.log.Warnf("internal queue full, dropping %s %s", ev.Kind(), ev.MsgID())
	}
}

// Backlog reports the internal queue depth.
func (s *Service) Backlog() int { return len(s.queue) }

// runIngest pushes every bus event onto the internal queue.
func (s *Service) runIngest(ctx context.Context, events <-chan messaging.Event) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			s.Enqueue(ev)
		}
	}
}

// runDispatch is the single dispatch worker.
func (s *Service) runDispatch(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-s.queue:
			metrics.QueueBacklog.Set(float64(len(s.queue)))
			if _, ok := ev.(stopWork); ok {
				s.log.Info("dispatch worker received stop sentinel, shutting down")
				return
			}
			s.processEvent(ctx, ev)
		}
	}
}

// processEvent runs one handler under a store transaction. A handler error
// rolls the transaction back, the event is logged and dropped, and the
// poller re-derives the needed action from observable state later.
func (s *Service) processEvent(ctx context.Context, ev messaging.Event) {
	s.log.Debugf("received a message with an ID of %q and of type %q", ev.MsgID(), ev.Kind())

	handler, name, err := s.dispatcher.handlerFor(ev)
	if err != nil {
		s.log.WithError(err).Debug("unhandled message")
		return
	}

	start := time.Now()
	var followUps []messaging.Event
	err = s.store.WithSession(ctx, func(sess storage.Session) error {
		out, herr := handler(ctx, s.hctx, sess, ev)
		followUps = out
		return herr
	})
	metrics.HandlerDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())

	if err != nil {
		metrics.MessagingRxFailed.Inc()
		s.log.WithError(err).Errorf("failed while handling %s", ev.MsgID())
		return
	}
	metrics.MessagingRxProcessedOK.Inc()
	for _, f := range followUps {
		s.Enqueue(f)
	}
}
