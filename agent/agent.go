// Package agent assembles the running service: storage backend, definition
// service, lock manager, scheduler, dispatcher, engine, trigger router, the
// background runner, and the HTTP surface.
package agent

import (
	"context"
	"fmt"
	"sync"

	"github.com/inboxflow/inboxflow/config"
	"github.com/inboxflow/inboxflow/dispatch"
	"github.com/inboxflow/inboxflow/engine"
	"github.com/inboxflow/inboxflow/lock"
	"github.com/inboxflow/inboxflow/logger"
	"github.com/inboxflow/inboxflow/metadata"
	"github.com/inboxflow/inboxflow/persistence"
	"github.com/inboxflow/inboxflow/persistence/inmem"
	"github.com/inboxflow/inboxflow/persistence/postgres"
	rds "github.com/inboxflow/inboxflow/persistence/redis"
	"github.com/inboxflow/inboxflow/rest"
	"github.com/inboxflow/inboxflow/runner"
	"github.com/inboxflow/inboxflow/scheduler"
	"github.com/inboxflow/inboxflow/trigger"
)

type Agent struct {
	Config config.Config

	storage        persistence.Storage
	meta           *metadata.Service
	locks          *lock.Manager
	sched          *scheduler.Scheduler
	dispatcher     engine.Dispatcher
	engine         *engine.Engine
	triggerService *trigger.Service
	runner         *runner.Runner
	httpServer     *rest.Server

	shutdown     bool
	shutdownLock sync.Mutex
	wg           sync.WaitGroup
}

func New(conf config.Config) (*Agent, error) {
	a := &Agent{Config: conf}
	setup := []func() error{
		a.setupStorage,
		a.setupMetadata,
		a.setupEngine,
		a.setupRunner,
		a.setupHttpServer,
	}
	for _, fn := range setup {
		if err := fn(); err != nil {
			return nil, err
		}
	}
	return a, nil
}

func (a *Agent) setupStorage() error {
	switch a.Config.StorageType {
	case config.STORAGE_TYPE_REDIS:
		a.storage = rds.NewStorage(rds.Config{
			Addrs:     a.Config.RedisConfig.Addrs,
			Namespace: a.Config.RedisConfig.Namespace,
		})
	case config.STORAGE_TYPE_POSTGRES:
		storage, err := postgres.NewStorage(context.Background(), a.Config.PostgresConfig.DSN)
		if err != nil {
			return err
		}
		a.storage = storage
	case config.STORAGE_TYPE_INMEM:
		a.storage = inmem.NewStorage()
	default:
		return fmt.Errorf("unknown storage type %s", a.Config.StorageType)
	}
	return nil
}

func (a *Agent) setupMetadata() error {
	a.meta = metadata.NewService(a.storage.Definitions(), a.storage.Sessions())
	if a.Config.FlowsDir != "" {
		if err := a.meta.LoadDir(context.Background(), a.Config.FlowsDir); err != nil {
			return err
		}
	}
	return nil
}

func (a *Agent) setupEngine() error {
	a.locks = lock.NewManager(a.storage.Sessions(), a.Config.StaleLockThreshold)
	a.sched = scheduler.NewScheduler(a.storage.DelayJobs(), a.storage.Sessions())
	a.dispatcher = dispatch.NewProviderDispatcher(a.Config.Providers)
	interp := engine.NewInterpreter(a.Config.HopCap)
	a.engine = engine.New(a.storage.Sessions(), a.meta, a.locks, a.sched, a.dispatcher, interp, a.Config.FaultBudget)
	a.triggerService = trigger.NewService(a.meta, a.storage.Sessions(), a.engine)
	return nil
}

func (a *Agent) setupRunner() error {
	a.runner = runner.NewRunner(&a.Config, a.engine, a.sched, a.locks, &a.wg)
	return nil
}

func (a *Agent) setupHttpServer() error {
	var err error
	a.httpServer, err = rest.NewServer(a.Config.HttpPort, a.meta, a.storage.Sessions(), a.engine, a.triggerService)
	return err
}

func (a *Agent) Start() error {
	a.runner.Start()
	go func() {
		if err := a.httpServer.Start(); err != nil {
			_ = a.Shutdown()
		}
	}()
	return nil
}

func (a *Agent) Shutdown() error {
	logger.Info("shutting down server")
	a.shutdownLock.Lock()
	defer a.shutdownLock.Unlock()
	if a.shutdown {
		return nil
	}
	a.shutdown = true

	a.runner.Stop()
	if err := a.httpServer.Stop(); err != nil {
		logger.Error("error stopping http server")
	}
	a.wg.Wait()
	if err := a.storage.Close(); err != nil {
		logger.Error("error closing storage")
	}
	logger.Sync()
	return nil
}
