package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/annel0/blockedit/internal/actor"
	"github.com/annel0/blockedit/internal/config"
	"github.com/annel0/blockedit/internal/eventbus"
	"github.com/annel0/blockedit/internal/logging"
	"github.com/annel0/blockedit/internal/observability"
	"github.com/annel0/blockedit/internal/queue"
	"github.com/annel0/blockedit/internal/rollback"
	"github.com/annel0/blockedit/internal/storage"
	"github.com/annel0/blockedit/internal/world"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Runtime собранное приложение с ресурсами, которые нужно закрыть
type Runtime struct {
	Service  *Service
	Bus      eventbus.EventBus
	Registry *prometheus.Registry
	Loggers  *logging.Registry

	cancel  context.CancelFunc
	closers []func(ctx context.Context) error
}

func (r *Runtime) onClose(fn func(ctx context.Context) error) {
	r.closers = append(r.closers, fn)
}

// Bootstrap поднимает хранилища, шину и сервис по конфигурации
func Bootstrap(ctx context.Context, cfg *config.Config, log *logging.Logger) (_ *Runtime, err error) {
	if cfg == nil {
		cfg = &config.Config{}
	}
	if log == nil {
		log = logging.Default()
	}
	loggers := logging.NewRegistry(log)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	runCtx, cancel := context.WithCancel(ctx)
	rt := &Runtime{Registry: reg, cancel: cancel}
	defer func() {
		if err != nil {
			_ = rt.Close(context.Background())
		}
	}()

	if cfg.Telemetry.Enabled {
		shutdown, err := observability.InitTelemetry(ctx, cfg.Telemetry.GetServiceName(), log)
		if err != nil {
			return nil, fmt.Errorf("телеметрия: %w", err)
		}
		rt.onClose(shutdown)
	}

	backend, err := openBackend(cfg.Storage, rt)
	if err != nil {
		return nil, err
	}
	store := world.NewStore(backend, world.StoreConfig{
		Height:        cfg.World.GetHeight(),
		FlushInterval: cfg.World.GetFlushInterval(),
		IdleTimeout:   cfg.World.GetIdleTimeout(),
		Logger:        loggers.For(logging.ComponentWorld),
	})
	go store.Run(runCtx)

	resolver, err := openResolver(cfg.Actors, loggers.For(logging.ComponentActors), rt)
	if err != nil {
		return nil, err
	}

	var records rollback.Store
	if cfg.History.GetUseDatabase() {
		if records, err = openRollbackStore(cfg, loggers.For(logging.ComponentJournal), rt); err != nil {
			return nil, err
		}
	} else {
		log.Info("⏸️ Журнал отката выключен (use_database=false)")
	}

	bus, err := openBus(cfg.EventBus, loggers.For(logging.ComponentEvents), rt)
	if err != nil {
		return nil, err
	}
	rt.Bus = bus
	if _, err := eventbus.StartLoggingListener(runCtx, bus, loggers.For(logging.ComponentEvents)); err != nil {
		return nil, err
	}
	exporter := eventbus.NewMetricsExporter(bus, reg, 0)
	exporter.Start()
	rt.onClose(func(context.Context) error {
		exporter.Stop()
		return nil
	})

	rt.Service = NewService(store, Options{
		Queue: queue.Config{
			Lanes:         cfg.Queue.GetLanes(),
			LaneCapacity:  cfg.Queue.GetLaneCapacity(),
			SegmentSize:   cfg.Queue.GetSegmentSize(),
			SubmitTimeout: cfg.Queue.GetSubmitTimeout(),
			Logger:        loggers.For(logging.ComponentQueue),
		},
		HistorySize: cfg.History.GetMaxSize(),
		Rollback:    records,
		UseDatabase: cfg.History.GetUseDatabase(),
		MaxRadius:   cfg.Rollback.GetMaxRadius(),
		Persister: rollback.PersisterConfig{
			Buffer:     cfg.Rollback.GetBuffer(),
			Workers:    cfg.Rollback.GetWorkers(),
			MaxRetries: cfg.Rollback.GetMaxRetries(),
			Logger:     loggers.For(logging.ComponentJournal),
		},
		OnRecord: func(rec *rollback.Record, reverted bool) {
			if reverted {
				loggers.For(logging.ComponentRollback).Info("⏪ Отменена запись %s", rec.ID())
			}
		},
		Resolver:       resolver,
		Bus:            bus,
		Logger:         log,
		RollbackLogger: loggers.For(logging.ComponentRollback),
		Registerer:     reg,
		Tracer:         observability.Tracer(),
	})
	// Сервис закрывается первым: он дописывает журнал и чанки
	rt.onClose(rt.Service.Close)

	rt.Loggers = loggers
	log.Info("🚀 Редактор блоков запущен: полос=%d, журнал=%v, логгеры=%v",
		rt.Service.Queue().Lanes(), rt.Service.RollbackEnabled(), loggers.Components())
	return rt, nil
}

// Close закрывает ресурсы в обратном порядке открытия
func (r *Runtime) Close(ctx context.Context) error {
	var errs []error
	for i := len(r.closers) - 1; i >= 0; i-- {
		if err := r.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	r.closers = nil
	if r.cancel != nil {
		r.cancel()
	}
	return errors.Join(errs...)
}

func openBackend(cfg config.StorageConfig, rt *Runtime) (world.Backend, error) {
	switch cfg.GetBackend() {
	case "memory":
		return world.NewMemoryBackend(), nil
	case "file":
		fs, err := storage.NewFileStorage(cfg.GetDataPath())
		if err != nil {
			return nil, err
		}
		rt.onClose(func(context.Context) error { return fs.Close() })
		return fs, nil
	case "badger":
		ws, err := storage.NewWorldStorage(cfg.GetDataPath())
		if err != nil {
			return nil, err
		}
		rt.onClose(func(context.Context) error { return ws.Close() })
		return ws, nil
	default:
		return nil, fmt.Errorf("неизвестное хранилище чанков %q", cfg.GetBackend())
	}
}

func openResolver(cfg config.ActorsConfig, log *logging.Logger, rt *Runtime) (actor.Resolver, error) {
	var resolver actor.Resolver
	if uri := cfg.GetMongoURI(); uri != "" {
		dir, err := actor.NewMongoDirectory(actor.MongoConfig{URI: uri, Database: cfg.GetMongoDatabase()})
		if err != nil {
			return nil, err
		}
		rt.onClose(dir.Close)
		resolver = dir
	} else {
		resolver = actor.NewMemoryDirectory()
	}

	if addr := cfg.GetRedisAddr(); addr != "" {
		cached, err := actor.NewCachedResolver(actor.RedisConfig{
			Addr:     addr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			TTL:      cfg.GetCacheTTL(),
		}, resolver, log)
		if err != nil {
			return nil, err
		}
		rt.onClose(func(context.Context) error { return cached.Close() })
		resolver = cached
	}
	return resolver, nil
}

func openRollbackStore(cfg *config.Config, log *logging.Logger, rt *Runtime) (rollback.Store, error) {
	var (
		store rollback.Store
		err   error
	)
	switch cfg.Rollback.GetBackend() {
	case "maria":
		store, err = rollback.NewMariaStore(cfg.Rollback.GetDSN(), log)
	case "badger":
		path := cfg.Storage.GetDataPath()
		if cfg.Storage.GetBackend() == "memory" {
			path = ""
		}
		store, err = rollback.NewBadgerStore(path, log)
	default:
		err = fmt.Errorf("неизвестное хранилище журнала %q", cfg.Rollback.GetBackend())
	}
	if err != nil {
		return nil, err
	}
	rt.onClose(func(context.Context) error { return store.Close() })
	return store, nil
}

func openBus(cfg config.EventBusConfig, log *logging.Logger, rt *Runtime) (eventbus.EventBus, error) {
	var bus eventbus.EventBus
	if url := cfg.GetURL(); url != "" {
		js, err := eventbus.NewJetStreamBus(eventbus.JetStreamConfig{
			URL:       url,
			Stream:    cfg.Stream,
			Retention: cfg.GetRetention(),
		})
		if err != nil {
			return nil, err
		}
		log.Info("📨 EventBus: JetStream %s", url)
		bus = js
	} else {
		bus = eventbus.NewMemoryBus(cfg.GetBuffer())
	}
	rt.onClose(func(context.Context) error { return bus.Close() })
	return bus, nil
}
