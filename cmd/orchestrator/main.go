// Command orchestrator runs the module build orchestrator daemon: the
// event loop, the poller, and the health/metrics listener.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/R3E-Network/build_orchestrator/infrastructure/service"
	"github.com/R3E-Network/build_orchestrator/internal/platform/database"
	"github.com/R3E-Network/build_orchestrator/internal/platform/migrations"
	"github.com/R3E-Network/build_orchestrator/pkg/builder"
	buildermock "github.com/R3E-Network/build_orchestrator/pkg/builder/mock"
	"github.com/R3E-Network/build_orchestrator/pkg/config"
	"github.com/R3E-Network/build_orchestrator/pkg/logger"
	"github.com/R3E-Network/build_orchestrator/pkg/messaging"
	resolverdb "github.com/R3E-Network/build_orchestrator/pkg/resolver/db"
	"github.com/R3E-Network/build_orchestrator/pkg/storage"
	storagememory "github.com/R3E-Network/build_orchestrator/pkg/storage/memory"
	storagepg "github.com/R3E-Network/build_orchestrator/pkg/storage/postgres"
	"github.com/R3E-Network/build_orchestrator/services/scheduler"
)

const version = "1.0.0"

func main() {
	configPath := flag.String("config", "", "path to the configuration file")
	flag.Parse()

	log := logrus.WithField("app", "build-orchestrator")

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.WithError(err).Fatal("load config")
	}

	if err := logger.Setup(cfg.Logging); err != nil {
		log.WithError(err).Fatal("configure logging")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, transport, cleanup, err := buildPersistence(ctx, cfg)
	if err != nil {
		log.WithError(err).Fatal("set up persistence")
	}
	defer cleanup()

	bus := messaging.NewBus(transport, logger.Component("messaging"))

	builders, err := buildBuilders(cfg, bus)
	if err != nil {
		log.WithError(err).Fatal("set up builder backend")
	}

	res := resolverdb.New(store, logger.Component("resolver"))
	hctx := scheduler.NewContext(cfg, builders, res, bus, logger.Component("scheduler"))
	sched := scheduler.New(hctx, store)

	base := service.NewBase("build-orchestrator", version, logger.Component("service")).
		WithStats(func() map[string]any {
			return map[string]any{
				"queue_backlog": sched.Backlog(),
			}
		})

	if err := sched.Start(ctx); err != nil {
		log.WithError(err).Fatal("start scheduler")
	}
	if err := base.Start(ctx); err != nil {
		log.WithError(err).Fatal("start service")
	}

	server := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:           service.Router(base),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.Infof("listening on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("http server stopped")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	_ = server.Shutdown(shutdownCtx)
	sched.Stop()
	base.Stop()
	_ = bus.Close()
}

// buildPersistence selects the store and transport combination: PostgreSQL
// plus LISTEN/NOTIFY (or NATS) in deployments, in-memory for the mock
// system.
func buildPersistence(ctx context.Context, cfg *config.Config) (storage.Store, messaging.Transport, func(), error) {
	if cfg.Messaging.Backend == "memory" {
		return storagememory.New(), messaging.NewMemoryTransport(0), func() {}, nil
	}

	db, err := database.Open(ctx, cfg.Database)
	if err != nil {
		return nil, nil, nil, err
	}
	cleanup := func() { _ = db.Close() }

	if cfg.Database.MigrateOnStart {
		if err := migrations.Apply(db); err != nil {
			cleanup()
			return nil, nil, nil, err
		}
	}

	store := storagepg.New(db, logger.Component("storage"))

	switch cfg.Messaging.Backend {
	case "pgnotify":
		transport, err := messaging.NewPGNotifyTransport(db, cfg.Database.DSN, cfg.Messaging.Subject, logger.Component("pgnotify"))
		if err != nil {
			cleanup()
			return nil, nil, nil, err
		}
		return store, transport, cleanup, nil
	case "nats":
		transport, err := messaging.NewNATSTransport(cfg.Messaging.NATSURL, cfg.Messaging.Subject, logger.Component("nats"))
		if err != nil {
			cleanup()
			return nil, nil, nil, err
		}
		return store, transport, cleanup, nil
	default:
		cleanup()
		return nil, nil, nil, fmt.Errorf("unknown messaging backend %q", cfg.Messaging.Backend)
	}
}

// buildBuilders selects the builder back-end. Only the mock system ships in
// this repository; real build systems connect through their own factory
// implementations.
func buildBuilders(cfg *config.Config, bus *messaging.Bus) (builder.Factory, error) {
	switch cfg.Build.System {
	case "mock", "test":
		system := buildermock.NewSystem(bus, cfg.Build.MockResultsDir, logger.Component("mock-builder"))
		return buildermock.NewFactory(system), nil
	default:
		return nil, fmt.Errorf("builder backend %q is not built in", cfg.Build.System)
	}
}
