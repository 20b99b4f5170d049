package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/annel0/blockedit/internal/actor"
	"github.com/annel0/blockedit/internal/changeset"
	"github.com/annel0/blockedit/internal/eventbus"
	"github.com/annel0/blockedit/internal/history"
	"github.com/annel0/blockedit/internal/logging"
	"github.com/annel0/blockedit/internal/queue"
	"github.com/annel0/blockedit/internal/region"
	"github.com/annel0/blockedit/internal/rollback"
	"github.com/annel0/blockedit/internal/vec"
	"github.com/annel0/blockedit/internal/world"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/trace"
)

// ErrUnknownSession сессия не открыта или уже закрыта
var ErrUnknownSession = errors.New("сессия редактирования не найдена")

// Options зависимости и параметры сервиса
type Options struct {
	Queue       queue.Config
	HistorySize int

	// Журнал отката; nil или UseDatabase=false выключают откат
	Rollback    rollback.Store
	UseDatabase bool
	MaxRadius   int
	Persister   rollback.PersisterConfig
	OnRecord    func(rec *rollback.Record, reverted bool)

	Resolver actor.Resolver
	Bus      eventbus.EventBus

	Logger *logging.Logger
	// Логгер движка отката; по умолчанию Logger
	RollbackLogger *logging.Logger
	Registerer     prometheus.Registerer
	Tracer         trace.Tracer
}

// Service собирает очередь, историю сессий и откат в одну точку входа
type Service struct {
	store     *world.Store
	queue     *queue.Queue
	sessions  *history.Manager
	masks     *region.StaticProvider
	records   rollback.Store
	persister *rollback.Persister
	engine    *rollback.Engine
	resolver  actor.Resolver
	bus       eventbus.EventBus
	log       *logging.Logger

	ctx    context.Context
	cancel context.CancelFunc
}

// NewService создаёт сервис поверх хранилища чанков
func NewService(store *world.Store, opts Options) *Service {
	if opts.Logger == nil {
		opts.Logger = logging.NewNop()
	}
	if opts.RollbackLogger == nil {
		opts.RollbackLogger = opts.Logger
	}
	if opts.Resolver == nil {
		opts.Resolver = actor.NewMemoryDirectory()
	}

	masks := region.NewStaticProvider(nil)
	qcfg := opts.Queue
	if qcfg.Masks == nil {
		qcfg.Masks = masks
	}
	if qcfg.Logger == nil {
		qcfg.Logger = opts.Logger
	}
	if qcfg.Metrics == nil {
		qcfg.Metrics = queue.NewMetrics(opts.Registerer)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Service{
		store:    store,
		queue:    queue.New(store, qcfg),
		sessions: history.NewManager(opts.HistorySize),
		masks:    masks,
		resolver: opts.Resolver,
		bus:      opts.Bus,
		log:      opts.Logger,
		ctx:      ctx,
		cancel:   cancel,
	}

	enabled := opts.UseDatabase && opts.Rollback != nil
	metrics := rollback.NewMetrics(opts.Registerer)
	if enabled {
		s.records = opts.Rollback
		pcfg := opts.Persister
		if pcfg.Logger == nil {
			pcfg.Logger = opts.Logger
		}
		pcfg.Metrics = metrics
		s.persister = rollback.NewPersister(opts.Rollback, pcfg)
	}
	s.engine = rollback.NewEngine(opts.Rollback, opts.Resolver, history.ApplierFunc(s.replay), rollback.EngineConfig{
		Enabled:   enabled,
		MaxRadius: opts.MaxRadius,
		OnRecord:  opts.OnRecord,
		Logger:    opts.RollbackLogger,
		Metrics:   metrics,
		Tracer:    opts.Tracer,
	})
	return s
}

// Queue очередь блоков сервиса
func (s *Service) Queue() *queue.Queue { return s.queue }

// Store хранилище чанков
func (s *Service) Store() *world.Store { return s.store }

// Resolver разрешение имён акторов
func (s *Service) Resolver() actor.Resolver { return s.resolver }

// RollbackEnabled включён ли журнал отката
func (s *Service) RollbackEnabled() bool { return s.records != nil }

// OpenSession открывает сессию редактирования актора
func (s *Service) OpenSession(actorID uuid.UUID) *history.Session {
	sess := s.sessions.Open(actorID)
	s.log.Debug("📝 Сессия %s открыта для актора %s", sess.ID, actorID)
	return sess
}

// CloseSession закрывает сессию вместе с её историей
func (s *Service) CloseSession(id uuid.UUID) {
	s.sessions.Close(id)
}

// Session сессия по идентификатору
func (s *Service) Session(id uuid.UUID) (*history.Session, error) {
	sess, ok := s.sessions.Get(id)
	if !ok {
		return nil, ErrUnknownSession
	}
	return sess, nil
}

// SessionFor текущая сессия актора
func (s *Service) SessionFor(actorID uuid.UUID) (*history.Session, error) {
	sess, ok := s.sessions.ForActor(actorID)
	if !ok {
		return nil, ErrUnknownSession
	}
	return sess, nil
}

// GrantPlot ограничивает правки актора колонной участка на всю высоту мира
func (s *Service) GrantPlot(actorID uuid.UUID, minX, maxX, minZ, maxZ int) {
	box := region.Column(minX, maxX, minZ, maxZ, s.store.Height())
	s.masks.Set(actorID, region.NewMask(fmt.Sprintf("plot:%s", actorID), box))
}

// RevokePlot снимает ограничение участка
func (s *Service) RevokePlot(actorID uuid.UUID) {
	s.masks.Remove(actorID)
}

// SubmitEdit ставит правку сессии в очередь. Запечатанный набор попадает
// в историю сессии и, если он не эфемерный, в журнал отката.
func (s *Service) SubmitEdit(ctx context.Context, sessionID uuid.UUID, worldName string, edits []queue.Edit, opts ...queue.SubmitOption) (*queue.Batch, error) {
	sess, err := s.Session(sessionID)
	if err != nil {
		return nil, err
	}

	ephemeral := queue.IsEphemeral(opts...)
	sealed := queue.OnSealed(func(cs *changeset.ChangeSet) {
		// Все правки оказались no-op или вне маски: ни истории, ни журнала, ни события
		if cs.Empty() {
			return
		}
		sess.Push(cs)
		if !ephemeral {
			s.persist(cs)
		}
		s.publish(eventbus.EditCommitted, sess.ID, eventbus.NewEditPayload(sess.ID, cs))
	})
	all := append([]queue.SubmitOption{sealed}, opts...)
	return s.queue.SubmitBatch(ctx, sess.Actor, worldName, edits, all...)
}

// Undo отменяет times последних наборов сессии (минимум один)
func (s *Service) Undo(ctx context.Context, sessionID uuid.UUID, times int) (int, error) {
	sess, err := s.Session(sessionID)
	if err != nil {
		return 0, err
	}
	return s.undo(ctx, sess, times)
}

// Redo повторяет times отменённых наборов сессии (минимум один)
func (s *Service) Redo(ctx context.Context, sessionID uuid.UUID, times int) (int, error) {
	sess, err := s.Session(sessionID)
	if err != nil {
		return 0, err
	}
	return s.redo(ctx, sess, times)
}

// UndoActor отменяет правки текущей сессии другого актора
func (s *Service) UndoActor(ctx context.Context, actorID uuid.UUID, times int) (int, error) {
	sess, err := s.SessionFor(actorID)
	if err != nil {
		return 0, err
	}
	return s.undo(ctx, sess, times)
}

// RedoActor повторяет отменённые правки текущей сессии другого актора
func (s *Service) RedoActor(ctx context.Context, actorID uuid.UUID, times int) (int, error) {
	sess, err := s.SessionFor(actorID)
	if err != nil {
		return 0, err
	}
	return s.redo(ctx, sess, times)
}

func (s *Service) undo(ctx context.Context, sess *history.Session, times int) (int, error) {
	applier := history.ApplierFunc(func(ctx context.Context, cs *changeset.ChangeSet, dir queue.Direction) error {
		if err := s.replay(ctx, cs, dir); err != nil {
			return err
		}
		s.publish(eventbus.EditUndone, sess.ID, eventbus.NewEditPayload(sess.ID, cs))
		return nil
	})
	n, err := sess.UndoTimes(ctx, applier, times)
	s.log.Debug("↩️ Сессия %s: отменено %d наборов", sess.ID, n)
	return n, err
}

func (s *Service) redo(ctx context.Context, sess *history.Session, times int) (int, error) {
	applier := history.ApplierFunc(func(ctx context.Context, cs *changeset.ChangeSet, dir queue.Direction) error {
		if err := s.replay(ctx, cs, dir); err != nil {
			return err
		}
		s.publish(eventbus.EditRedone, sess.ID, eventbus.NewEditPayload(sess.ID, cs))
		return nil
	})
	n, err := sess.RedoTimes(ctx, applier, times)
	s.log.Debug("↪️ Сессия %s: повторено %d наборов", sess.ID, n)
	return n, err
}

// ClearHistory очищает историю сессии. Журнал отката не меняется.
func (s *Service) ClearHistory(sessionID uuid.UUID) error {
	sess, err := s.Session(sessionID)
	if err != nil {
		return err
	}
	sess.Clear()
	return nil
}

// Rollback отменяет наборы актора в кубе origin±radius за последние duration
func (s *Service) Rollback(ctx context.Context, actorName, worldName string, origin vec.Vec3, radius int, duration string) (rollback.Report, error) {
	rep, err := s.engine.Rollback(ctx, rollback.Request{
		ActorName: actorName,
		World:     worldName,
		Origin:    origin,
		Radius:    radius,
		Duration:  duration,
	})
	if err != nil {
		return rep, err
	}
	s.publish(eventbus.RollbackCompleted, uuid.Nil, eventbus.RollbackPayload{
		ActorName: actorName,
		Actor:     rep.Actor.String(),
		World:     worldName,
		SinceMs:   rep.Since.UnixMilli(),
		Bounds:    rep.Bounds,
		Records:   rep.Records,
		Reverted:  rep.Reverted,
		Failed:    rep.Failed,
	})
	return rep, nil
}

// RollbackPhase стадия текущего или последнего отката
func (s *Service) RollbackPhase() rollback.Phase {
	return s.engine.Phase()
}

// Records возвращает до limit записей журнала по запросу
func (s *Service) Records(ctx context.Context, q rollback.Query, limit int) ([]*rollback.Record, error) {
	if s.records == nil {
		return nil, rollback.ErrRollbackDisabled
	}
	cur := s.records.Query(ctx, q)
	defer cur.Close()

	var out []*rollback.Record
	for cur.Next() {
		out = append(out, cur.Record())
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, cur.Err()
}

// Flush ждёт применения поставленных правок мира и сохраняет его чанки
func (s *Service) Flush(ctx context.Context, worldName string) error {
	if err := s.queue.AwaitDrain(ctx, worldName); err != nil {
		return err
	}
	return s.store.FlushWorld(ctx, worldName)
}

// Close останавливает очередь, дописывает журнал и сохраняет чанки
func (s *Service) Close(ctx context.Context) error {
	var errs []error
	if err := s.queue.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("очередь: %w", err))
	}
	if s.persister != nil {
		if err := s.persister.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("журнал: %w", err))
		}
	}
	if err := s.store.FlushAll(ctx); err != nil {
		errs = append(errs, fmt.Errorf("чанки: %w", err))
	}
	s.cancel()
	return errors.Join(errs...)
}

// replay воспроизводит набор через очередь и ждёт применения. Повторы
// эфемерны: исходный набор уже лежит в журнале.
func (s *Service) replay(ctx context.Context, cs *changeset.ChangeSet, dir queue.Direction) error {
	b, err := s.queue.SubmitChangeSet(ctx, cs, dir, queue.Ephemeral())
	if b != nil {
		// Принятая часть применяется в любом случае
		if _, werr := b.Wait(ctx); werr != nil && err == nil {
			err = werr
		}
	}
	return err
}

func (s *Service) persist(cs *changeset.ChangeSet) {
	if s.persister == nil || cs.Reversed() || cs.Empty() {
		return
	}
	ctx, cancel := context.WithTimeout(s.ctx, 5*time.Second)
	defer cancel()
	if err := s.persister.Enqueue(ctx, cs); err != nil {
		s.log.Warn("⚠️ Набор актора %s не поставлен в журнал: %v", cs.Actor(), err)
	}
}

func (s *Service) publish(eventType string, correlation uuid.UUID, payload any) {
	if s.bus == nil {
		return
	}
	ev, err := eventbus.NewEnvelope(eventType, correlation, payload)
	if err != nil {
		s.log.Warn("⚠️ Событие %s не сформировано: %v", eventType, err)
		return
	}
	if err := s.bus.Publish(s.ctx, ev); err != nil {
		s.log.Warn("⚠️ Событие %s не опубликовано: %v", eventType, err)
	}
}
