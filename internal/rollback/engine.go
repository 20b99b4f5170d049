package rollback

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/annel0/blockedit/internal/actor"
	"github.com/annel0/blockedit/internal/history"
	"github.com/annel0/blockedit/internal/logging"
	"github.com/annel0/blockedit/internal/queue"
	"github.com/annel0/blockedit/internal/region"
	"github.com/annel0/blockedit/internal/vec"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// DefaultMaxRadius ограничение радиуса отката по умолчанию
const DefaultMaxRadius = 500

// Phase стадия отката
type Phase int32

const (
	PhaseIdle Phase = iota
	PhaseSearching
	PhaseApplying
	PhaseReporting
	PhaseDone
)

func (p Phase) String() string {
	switch p {
	case PhaseSearching:
		return "searching"
	case PhaseApplying:
		return "applying"
	case PhaseReporting:
		return "reporting"
	case PhaseDone:
		return "done"
	default:
		return "idle"
	}
}

// Request параметры отката
type Request struct {
	ActorName string
	World     string
	Origin    vec.Vec3
	Radius    int
	Duration  string
}

// Report итог отката
type Report struct {
	Actor    uuid.UUID
	Since    time.Time
	Bounds   region.Box
	Records  int // найдено записей
	Reverted int // успешно отменено
	Failed   int // пропущено из-за ошибок
	Phase    Phase
}

// EngineConfig настройки движка
type EngineConfig struct {
	Enabled   bool // false: журнал выключен, откат недоступен
	MaxRadius int
	Now       func() time.Time
	OnRecord  func(rec *Record, reverted bool) // вызывается после каждой записи
	Logger    *logging.Logger
	Metrics   *Metrics
	Tracer    trace.Tracer
}

// Engine находит наборы актора по области и времени и отменяет их
// через очередь блоков, от новых к старым.
type Engine struct {
	store    Store
	resolver actor.Resolver
	applier  history.Applier
	cfg      EngineConfig
	log      *logging.Logger
	phase    atomic.Int32
}

// NewEngine создаёт движок отката
func NewEngine(store Store, resolver actor.Resolver, applier history.Applier, cfg EngineConfig) *Engine {
	if cfg.MaxRadius <= 0 {
		cfg.MaxRadius = DefaultMaxRadius
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.NewNop()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = NewMetrics(nil)
	}
	if cfg.Tracer == nil {
		cfg.Tracer = otel.Tracer("blockedit/rollback")
	}
	return &Engine{
		store:    store,
		resolver: resolver,
		applier:  applier,
		cfg:      cfg,
		log:      cfg.Logger,
	}
}

// Phase стадия последнего (или текущего) отката
func (e *Engine) Phase() Phase {
	return Phase(e.phase.Load())
}

func (e *Engine) setPhase(r *Report, p Phase) {
	r.Phase = p
	e.phase.Store(int32(p))
}

// Rollback выполняет откат. Ошибки поиска (актор, длительность) возвращаются
// до обращения к журналу. Ошибка отдельной записи не прерывает откат.
func (e *Engine) Rollback(ctx context.Context, req Request) (Report, error) {
	var rep Report
	if !e.cfg.Enabled {
		return rep, ErrRollbackDisabled
	}
	started := time.Now()
	defer func() { e.cfg.Metrics.rollbackTimer.Observe(time.Since(started).Seconds()) }()

	ctx, span := e.cfg.Tracer.Start(ctx, "rollback",
		trace.WithAttributes(
			attribute.String("rollback.actor", req.ActorName),
			attribute.String("rollback.world", req.World),
			attribute.Int("rollback.radius", req.Radius),
			attribute.String("rollback.duration", req.Duration),
		))
	defer span.End()

	q, err := e.search(ctx, req, &rep)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return rep, err
	}

	if err := e.apply(ctx, q, &rep); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return rep, err
	}

	e.setPhase(&rep, PhaseReporting)
	span.SetAttributes(
		attribute.Int("rollback.records", rep.Records),
		attribute.Int("rollback.reverted", rep.Reverted),
		attribute.Int("rollback.failed", rep.Failed),
	)
	e.log.Info("⏪ Откат %s в мире %s: отменено %d из %d записей (ошибок: %d)",
		req.ActorName, req.World, rep.Reverted, rep.Records, rep.Failed)
	e.setPhase(&rep, PhaseDone)
	return rep, nil
}

func (e *Engine) search(ctx context.Context, req Request, rep *Report) (Query, error) {
	ctx, span := e.cfg.Tracer.Start(ctx, "rollback.search")
	defer span.End()
	e.setPhase(rep, PhaseSearching)

	id, err := actor.Resolve(ctx, e.resolver, actor.ByName(req.ActorName))
	if err != nil {
		if errors.Is(err, actor.ErrActorNotFound) {
			return Query{}, &ActorNotFoundError{Name: req.ActorName, Err: err}
		}
		return Query{}, fmt.Errorf("не удалось разрешить актора %q: %w", req.ActorName, err)
	}

	d, err := ParseDuration(req.Duration)
	if err != nil {
		return Query{}, err
	}

	radius := min(max(req.Radius, 0), e.cfg.MaxRadius)
	box := region.Around(req.Origin, radius)

	rep.Actor = id
	rep.Since = e.cfg.Now().Add(-d)
	rep.Bounds = box
	return Query{
		Actor:      id,
		World:      req.World,
		After:      rep.Since,
		Bounds:     &box,
		Descending: true,
	}, nil
}

func (e *Engine) apply(ctx context.Context, q Query, rep *Report) error {
	ctx, span := e.cfg.Tracer.Start(ctx, "rollback.apply")
	defer span.End()
	e.setPhase(rep, PhaseApplying)

	cur := e.store.Query(ctx, q)
	defer cur.Close()

	for cur.Next() {
		rec := cur.Record()
		rep.Records++
		if err := e.revert(ctx, rec); err != nil {
			rep.Failed++
			e.cfg.Metrics.revertErrors.Inc()
			e.log.Warn("⚠️ Запись %s пропущена: %v", rec.ID(), err)
			if e.cfg.OnRecord != nil {
				e.cfg.OnRecord(rec, false)
			}
			continue
		}
		rep.Reverted++
		e.cfg.Metrics.reverted.Inc()
		if e.cfg.OnRecord != nil {
			e.cfg.OnRecord(rec, true)
		}
	}
	if err := cur.Err(); err != nil {
		return fmt.Errorf("ошибка обхода журнала: %w", err)
	}
	return nil
}

// revert отменяет одну запись и удаляет её из журнала
func (e *Engine) revert(ctx context.Context, rec *Record) error {
	cs, err := rec.ChangeSet(ctx)
	if err != nil {
		return err
	}
	if err := e.applier.Apply(ctx, cs, queue.Backward); err != nil {
		return fmt.Errorf("не удалось применить отмену: %w", err)
	}
	if err := e.store.Delete(ctx, rec); err != nil {
		return err
	}
	return nil
}
