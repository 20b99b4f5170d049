package queue

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/annel0/blockedit/internal/changeset"
	"github.com/annel0/blockedit/internal/logging"
	"github.com/annel0/blockedit/internal/region"
	"github.com/annel0/blockedit/internal/vec"
	"github.com/annel0/blockedit/internal/world"
	"github.com/annel0/blockedit/internal/world/block"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// ChunkStore часть хранилища чанков, нужная полосам. Реализуется *world.Store.
type ChunkStore interface {
	CheckBounds(worldName string, pos vec.Vec3) error
	Acquire(ctx context.Context, worldName string, pos vec.ChunkPos) (*world.Chunk, error)
	Release(c *world.Chunk)
}

// BlockSetOp запрос на запись одного блока
type BlockSetOp struct {
	Actor   uuid.UUID
	World   string
	Pos     vec.Vec3
	Block   block.BlockID
	OldHint *block.BlockID // если задан, запись выполняется только при совпадении текущего значения
}

// Edit элемент пачки
type Edit struct {
	Pos     vec.Vec3
	Block   block.BlockID
	OldHint *block.BlockID
}

// Direction направление воспроизведения набора изменений
type Direction int

const (
	Forward  Direction = iota // записать New в исходном порядке
	Backward                  // записать Old в обратном порядке
)

func (d Direction) String() string {
	if d == Backward {
		return "backward"
	}
	return "forward"
}

// Config параметры очереди
type Config struct {
	Lanes         int             // число полос (воркеров), по умолчанию runtime.NumCPU()
	LaneCapacity  int             // бюджет операций одной полосы
	SegmentSize   int             // максимум операций в одной задаче полосы
	SubmitTimeout time.Duration   // ожидание места в блокирующем режиме; 0: только контекст
	Masks         region.Provider // источник масок; nil: без ограничений
	Logger        *logging.Logger
	Metrics       *Metrics
}

func (c *Config) setDefaults() {
	if c.Lanes <= 0 {
		c.Lanes = runtime.NumCPU()
	}
	if c.LaneCapacity <= 0 {
		c.LaneCapacity = 4096
	}
	if c.SegmentSize <= 0 {
		c.SegmentSize = 512
	}
	if c.SegmentSize > c.LaneCapacity {
		c.SegmentSize = c.LaneCapacity
	}
	if c.Masks == nil {
		c.Masks = region.Unrestricted
	}
	if c.Logger == nil {
		c.Logger = logging.NewNop()
	}
	if c.Metrics == nil {
		c.Metrics = NewMetrics(nil)
	}
}

// Queue асинхронная очередь записи блоков.
//
// Операции раскладываются по полосам по хешу (мир, chunkX, chunkZ), поэтому
// все записи одного чанка выполняет одна горутина в порядке постановки.
// Разные чанки обрабатываются параллельно, порядок между ними не гарантируется.
type Queue struct {
	cfg     Config
	store   ChunkStore
	log     *logging.Logger
	metrics *Metrics
	lanes   []*lane

	seq atomic.Uint64

	pendingMu sync.Mutex
	pending   map[string]*atomic.Int64

	ctx       context.Context
	cancel    context.CancelFunc
	group     *errgroup.Group
	closeOnce sync.Once
	closed    atomic.Bool
}

// New создаёт очередь и запускает воркеры полос
func New(store ChunkStore, cfg Config) *Queue {
	cfg.setDefaults()

	ctx, cancel := context.WithCancel(context.Background())
	group, gctx := errgroup.WithContext(ctx)

	q := &Queue{
		cfg:     cfg,
		store:   store,
		log:     cfg.Logger,
		metrics: cfg.Metrics,
		pending: make(map[string]*atomic.Int64),
		ctx:     gctx,
		cancel:  cancel,
		group:   group,
	}

	q.lanes = make([]*lane, cfg.Lanes)
	for i := range q.lanes {
		l := newLane(i, q, cfg.LaneCapacity)
		q.lanes[i] = l
		group.Go(func() error {
			l.run(gctx)
			return nil
		})
	}

	q.log.Info("🚀 Очередь блоков запущена: %d полос, бюджет %d операций на полосу", cfg.Lanes, cfg.LaneCapacity)
	return q
}

// Lanes число полос
func (q *Queue) Lanes() int {
	return len(q.lanes)
}

func (q *Queue) laneFor(worldName string, cp vec.ChunkPos) *lane {
	h := fnv.New32a()
	_, _ = h.Write([]byte(worldName))
	var buf [8]byte
	x, z := uint32(int32(cp.X)), uint32(int32(cp.Z))
	buf[0], buf[1], buf[2], buf[3] = byte(x>>24), byte(x>>16), byte(x>>8), byte(x)
	buf[4], buf[5], buf[6], buf[7] = byte(z>>24), byte(z>>16), byte(z>>8), byte(z)
	_, _ = h.Write(buf[:])
	return q.lanes[h.Sum32()%uint32(len(q.lanes))]
}

func (q *Queue) worldPending(worldName string) *atomic.Int64 {
	q.pendingMu.Lock()
	defer q.pendingMu.Unlock()
	c, ok := q.pending[worldName]
	if !ok {
		c = new(atomic.Int64)
		q.pending[worldName] = c
	}
	return c
}

func (q *Queue) resolveOptions(ctx context.Context, actor uuid.UUID, opts []SubmitOption) (submitOptions, error) {
	so := submitOptions{timeout: q.cfg.SubmitTimeout}
	for _, opt := range opts {
		opt(&so)
	}
	if !so.maskSet {
		m, err := q.cfg.Masks.MaskFor(ctx, actor)
		if err != nil {
			return so, fmt.Errorf("не удалось получить маску актора %s: %w", actor, err)
		}
		so.mask = m
	}
	return so, nil
}

// submitContext контекст с единым сроком на всю постановку
func (q *Queue) submitContext(ctx context.Context, so submitOptions) (context.Context, context.CancelFunc) {
	if so.nonBlocking || so.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, so.timeout)
}

// Submit ставит одну операцию. Операция либо поставлена целиком, либо не
// поставлена вовсе: при отказе чанк не меняется. Batch разрешается после
// записи блока; набора изменений у одиночной операции нет.
func (q *Queue) Submit(ctx context.Context, op BlockSetOp, opts ...SubmitOption) (*Batch, error) {
	if q.closed.Load() {
		return nil, ErrClosed
	}
	if err := q.store.CheckBounds(op.World, op.Pos); err != nil {
		q.metrics.skipped.WithLabelValues("out_of_bounds").Inc()
		return nil, err
	}
	so, err := q.resolveOptions(ctx, op.Actor, opts)
	if err != nil {
		return nil, err
	}

	b := newBatch(op.Actor, op.World, nil, so, q.metrics)
	b.total = 1
	l := q.laneFor(op.World, op.Pos.ChunkPos())
	t := &task{batch: b, ops: []laneOp{{pos: op.Pos, block: op.Block, oldHint: op.OldHint}}}

	sctx, cancel := q.submitContext(ctx, so)
	defer cancel()

	if err := l.enqueue(sctx, t, so.nonBlocking); err != nil {
		return nil, q.rejection(ctx, err, l.id, 0, 1)
	}
	b.release(false)
	return b, nil
}

// SubmitBatch ставит пачку как одну логическую правку. Пачка режется на
// сегменты по полосам; при отказе (переполнение или таймаут) уже принятые
// сегменты применяются, и Batch покрывает ровно их. Ошибка сообщает,
// сколько операций принято.
func (q *Queue) SubmitBatch(ctx context.Context, actor uuid.UUID, worldName string, edits []Edit, opts ...SubmitOption) (*Batch, error) {
	if q.closed.Load() {
		return nil, ErrClosed
	}
	so, err := q.resolveOptions(ctx, actor, opts)
	if err != nil {
		return nil, err
	}

	rec := changeset.NewRecorder(actor, worldName, changeset.AsReversed(so.reversed))
	b := newBatch(actor, worldName, rec, so, q.metrics)
	b.total = len(edits)
	b.restore = q.restore

	sctx, cancel := q.submitContext(ctx, so)
	defer cancel()

	accepted := 0
	byLane := make(map[*lane][]laneOp)
	var order []*lane

	flush := func(l *lane) error {
		ops := byLane[l]
		if len(ops) == 0 {
			return nil
		}
		t := &task{batch: b, seg: rec.Segment(), ops: ops}
		if err := l.enqueue(sctx, t, so.nonBlocking); err != nil {
			return q.rejection(ctx, err, l.id, accepted, len(edits))
		}
		accepted += len(ops)
		byLane[l] = nil
		return nil
	}

	var submitErr error
	for _, e := range edits {
		l := q.laneFor(worldName, e.Pos.ChunkPos())
		if _, seen := byLane[l]; !seen {
			order = append(order, l)
		}
		byLane[l] = append(byLane[l], laneOp{pos: e.Pos, block: e.Block, oldHint: e.OldHint})
		if len(byLane[l]) >= q.cfg.SegmentSize {
			if submitErr = flush(l); submitErr != nil {
				break
			}
		}
	}
	if submitErr == nil {
		for _, l := range order {
			if submitErr = flush(l); submitErr != nil {
				break
			}
		}
	}

	// Снимаем удержание отправителя: пачка разрешится после принятых сегментов
	b.release(false)
	return b, submitErr
}

// SubmitChangeSet воспроизводит набор изменений через полосы. Backward пишет
// старые значения в обратном порядке и записывает результат как отмену.
// По умолчанию маска не применяется.
func (q *Queue) SubmitChangeSet(ctx context.Context, cs *changeset.ChangeSet, dir Direction, opts ...SubmitOption) (*Batch, error) {
	set := cs
	if dir == Backward {
		set = cs.Reverse()
	}
	edits := make([]Edit, 0, set.Len())
	set.Each(func(e changeset.Entry) bool {
		edits = append(edits, Edit{Pos: e.Pos, Block: e.New})
		return true
	})

	all := make([]SubmitOption, 0, len(opts)+2)
	all = append(all, WithMask(nil))
	if set.Reversed() {
		all = append(all, asReversed())
	}
	all = append(all, opts...)
	return q.SubmitBatch(ctx, set.Actor(), set.World(), edits, all...)
}

// restoreTimeout предел ожидания отката частично применённой пачки
const restoreTimeout = 30 * time.Second

// restore записывает старые значения частично применённой пачки через те же
// полосы и ждёт применения. Вызывается из finish, никогда из воркера полосы.
func (q *Queue) restore(partial *changeset.ChangeSet) error {
	ctx, cancel := context.WithTimeout(q.ctx, restoreTimeout)
	defer cancel()

	b, err := q.SubmitChangeSet(ctx, partial, Backward, Ephemeral())
	if b != nil {
		if _, werr := b.Wait(ctx); werr != nil && err == nil {
			err = werr
		}
	}
	if err != nil {
		q.log.Error("❌ Пачка актора %s в мире %s осталась применённой частично: %v", partial.Actor(), partial.World(), err)
		return err
	}
	q.log.Warn("⚠️ Сбой захвата: %d блоков мира %s возвращены к исходным значениям", partial.Len(), partial.World())
	return nil
}

// rejection переводит ошибку ожидания бюджета в ошибку постановки
func (q *Queue) rejection(ctx context.Context, err error, laneID, accepted, total int) error {
	switch {
	case errors.Is(err, ErrQueueSaturated):
		q.metrics.rejected.WithLabelValues("saturated").Inc()
		return &QueueSaturatedError{Lane: laneID, Accepted: accepted, Total: total}
	case errors.Is(err, ErrClosed):
		return ErrClosed
	case ctx.Err() != nil:
		// Отменён вызывающий, а не истёк срок постановки
		return ctx.Err()
	default:
		q.metrics.rejected.WithLabelValues("would_block").Inc()
		return &WouldBlockError{Lane: laneID, Accepted: accepted, Total: total}
	}
}

// Close останавливает приём и ждёт обработки поставленных задач. Если ctx
// истекает раньше, оставшиеся задачи завершаются с ErrClosed без записи.
func (q *Queue) Close(ctx context.Context) error {
	var err error
	q.closeOnce.Do(func() {
		q.closed.Store(true)
		for _, l := range q.lanes {
			l.close()
		}

		done := make(chan error, 1)
		go func() { done <- q.group.Wait() }()

		select {
		case err = <-done:
		case <-ctx.Done():
			q.log.Warn("⚠️ Очередь не успела обработать задачи, оставшиеся отменяются")
			q.cancel()
			<-done
			err = ctx.Err()
		}
		q.cancel()
		q.log.Info("🛑 Очередь блоков остановлена")
	})
	return err
}
