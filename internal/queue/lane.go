package queue

import (
	"context"
	"sync"

	"github.com/annel0/blockedit/internal/changeset"
	"github.com/annel0/blockedit/internal/vec"
	"github.com/annel0/blockedit/internal/world"
	"github.com/annel0/blockedit/internal/world/block"
	"golang.org/x/sync/semaphore"
)

type laneOp struct {
	seq     uint64
	pos     vec.Vec3
	block   block.BlockID
	oldHint *block.BlockID
}

// task единица работы полосы: сегмент пачки или барьер AwaitDrain
type task struct {
	batch   *Batch
	seg     *changeset.Segment
	ops     []laneOp
	weight  int64
	barrier chan struct{}
}

// lane FIFO полоса с одним воркером.
//
// Бюджет считается в операциях и ограничен семафором; ёмкость канала равна
// бюджету, поэтому после захвата веса отправка в канал не блокируется.
type lane struct {
	id     int
	q      *Queue
	budget *semaphore.Weighted
	tasks  chan *task

	mu     sync.Mutex // порядок seq совпадает с порядком в канале
	closed bool
}

func newLane(id int, q *Queue, capacity int) *lane {
	return &lane{
		id:     id,
		q:      q,
		budget: semaphore.NewWeighted(int64(capacity)),
		tasks:  make(chan *task, capacity),
	}
}

// enqueue захватывает бюджет и ставит задачу. При отказе ничего не поставлено.
func (l *lane) enqueue(ctx context.Context, t *task, nonBlocking bool) error {
	t.weight = int64(len(t.ops))
	if t.weight == 0 {
		t.weight = 1
	}

	if nonBlocking {
		if !l.budget.TryAcquire(t.weight) {
			return ErrQueueSaturated
		}
	} else if err := l.budget.Acquire(ctx, t.weight); err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		l.budget.Release(t.weight)
		return ErrClosed
	}

	if t.batch != nil {
		first := l.q.seq.Add(uint64(len(t.ops))) - uint64(len(t.ops)) + 1
		for i := range t.ops {
			t.ops[i].seq = first + uint64(i)
		}
		t.batch.hold()
		t.batch.accepted.Add(int64(len(t.ops)))
		l.q.worldPending(t.batch.world).Add(int64(len(t.ops)))
	}
	l.q.metrics.lane(l.id).Add(float64(t.weight))
	l.tasks <- t
	return nil
}

func (l *lane) close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.closed {
		l.closed = true
		close(l.tasks)
	}
}

func (l *lane) run(ctx context.Context) {
	for t := range l.tasks {
		if t.barrier != nil {
			close(t.barrier)
		} else {
			l.process(ctx, t)
		}
		l.q.metrics.lane(l.id).Sub(float64(t.weight))
		l.budget.Release(t.weight)
	}
}

func (l *lane) process(ctx context.Context, t *task) {
	b := t.batch
	m := l.q.metrics
	n := int64(len(t.ops))

	defer func() {
		l.q.worldPending(b.world).Add(-n)
		b.release(true)
	}()

	if !b.begin() {
		b.abandoned.Add(n)
		m.skipped.WithLabelValues("abandoned").Add(float64(n))
		return
	}
	if ctx.Err() != nil {
		b.fail(ErrClosed)
		b.failedOps.Add(n)
		m.skipped.WithLabelValues("failed").Add(float64(n))
		return
	}
	// После сбоя захвата набор всё равно не будет запечатан
	if b.failed.Load() {
		b.failedOps.Add(n)
		m.skipped.WithLabelValues("failed").Add(float64(n))
		return
	}

	chunks := make(map[vec.ChunkPos]*world.Chunk, 1)
	defer func() {
		for _, c := range chunks {
			l.q.store.Release(c)
		}
	}()

	for i, op := range t.ops {
		if err := l.q.store.CheckBounds(b.world, op.pos); err != nil {
			b.outOfBounds.Add(1)
			m.skipped.WithLabelValues("out_of_bounds").Inc()
			continue
		}
		if !b.mask.Contains(op.pos) {
			b.masked.Add(1)
			m.skipped.WithLabelValues("mask").Inc()
			continue
		}

		cp := op.pos.ChunkPos()
		c, ok := chunks[cp]
		if !ok {
			var err error
			if c, err = l.q.store.Acquire(ctx, b.world, cp); err != nil {
				l.q.log.Error("❌ Полоса %d: чанк %s мира %s недоступен: %v", l.id, cp, b.world, err)
				if t.seg != nil {
					t.seg.Fail(err)
				}
				b.fail(err)
				rest := n - int64(i)
				b.failedOps.Add(rest)
				m.skipped.WithLabelValues("failed").Add(float64(rest))
				break
			}
			chunks[cp] = c
		}

		local := op.pos.LocalInChunk()
		cur := c.GetBlock(local)
		if op.oldHint != nil && *op.oldHint != cur {
			b.conflicts.Add(1)
			m.skipped.WithLabelValues("conflict").Inc()
			continue
		}
		if t.seg != nil {
			t.seg.Capture(op.seq, op.pos, cur, op.block)
		}
		c.SetBlock(local, op.block)
		b.applied.Add(1)
		m.applied.Inc()
	}

	if t.seg != nil {
		t.seg.Commit()
	}
}
