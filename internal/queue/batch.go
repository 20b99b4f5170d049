package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/annel0/blockedit/internal/changeset"
	"github.com/annel0/blockedit/internal/region"
	"github.com/google/uuid"
)

const (
	statePending int32 = iota
	stateRunning
	stateAbandoned
)

// Result счётчики применения пачки
type Result struct {
	Total       int // операций в запросе
	Accepted    int // поставлено в очередь
	Applied     int // записано в чанки
	Masked      int // вне маски актора
	OutOfBounds int // y вне высоты мира
	Conflicts   int // текущее значение не совпало с подсказкой OldHint
	Failed      int // чанк не удалось загрузить
	Abandoned   int // пропущено из-за отмены
	Restored    int // возвращено к старым значениям после сбоя захвата
}

// Batch дескриптор пачки операций. Разрешается, когда все принятые операции
// применены и набор изменений запечатан.
type Batch struct {
	id        uuid.UUID
	actor     uuid.UUID
	world     string
	recorder  *changeset.Recorder
	mask      *region.Mask
	ephemeral bool
	onSealed  []func(*changeset.ChangeSet)
	restore   func(*changeset.ChangeSet) error // откат применённой части при сбое захвата
	created   time.Time
	metrics   *Metrics

	state   atomic.Int32
	pending atomic.Int64 // задачи в полосах + удержание отправителя
	failed  atomic.Bool

	total       int
	accepted    atomic.Int64
	applied     atomic.Int64
	masked      atomic.Int64
	outOfBounds atomic.Int64
	conflicts   atomic.Int64
	failedOps   atomic.Int64
	abandoned   atomic.Int64

	errOnce  sync.Once
	firstErr error

	done   chan struct{}
	cs     *changeset.ChangeSet
	err    error
	result Result
}

func newBatch(actor uuid.UUID, world string, rec *changeset.Recorder, so submitOptions, m *Metrics) *Batch {
	b := &Batch{
		id:        uuid.New(),
		actor:     actor,
		world:     world,
		recorder:  rec,
		mask:      so.mask,
		ephemeral: so.ephemeral,
		onSealed:  so.onSealed,
		created:   time.Now(),
		metrics:   m,
		done:      make(chan struct{}),
	}
	// Удержание отправителя снимается после постановки всех задач
	b.pending.Store(1)
	return b
}

// ID идентификатор пачки
func (b *Batch) ID() uuid.UUID { return b.id }

// Actor автор пачки
func (b *Batch) Actor() uuid.UUID { return b.actor }

// World мир пачки
func (b *Batch) World() string { return b.world }

// Ephemeral не сохраняется в журнал отката
func (b *Batch) Ephemeral() bool { return b.ephemeral }

// Done закрывается при разрешении пачки
func (b *Batch) Done() <-chan struct{} { return b.done }

// Abandon отменяет пачку, если ни одна полоса ещё не начала её применять.
// После начала применения пачка выполняется до конца и Abandon возвращает false.
func (b *Batch) Abandon() bool {
	return b.state.CompareAndSwap(statePending, stateAbandoned)
}

// Abandoned отменена ли пачка
func (b *Batch) Abandoned() bool {
	return b.state.Load() == stateAbandoned
}

// Wait ждёт разрешения пачки. Для одиночных операций набор изменений nil.
func (b *Batch) Wait(ctx context.Context) (*changeset.ChangeSet, error) {
	select {
	case <-b.done:
		return b.cs, b.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Result итоговые счётчики; валиден после Done
func (b *Batch) Result() Result {
	<-b.done
	return b.result
}

// begin переводит пачку в состояние применения. false: пачка отменена.
func (b *Batch) begin() bool {
	if b.state.CompareAndSwap(statePending, stateRunning) {
		return true
	}
	return b.state.Load() == stateRunning
}

func (b *Batch) fail(err error) {
	b.failed.Store(true)
	b.errOnce.Do(func() { b.firstErr = err })
	if b.recorder != nil {
		b.recorder.Fail(err)
	}
}

func (b *Batch) hold() {
	b.pending.Add(1)
}

// release снимает одно удержание; последнее запускает запечатывание
func (b *Batch) release(async bool) {
	if b.pending.Add(-1) != 0 {
		return
	}
	if async {
		// Полоса не должна выполнять сортировку и колбэки
		go b.finish()
		return
	}
	b.finish()
}

// rollbackPartial возвращает старые значения блоков, записанных до сбоя,
// чтобы неудавшаяся пачка не оставила следов в мире
func (b *Batch) rollbackPartial() {
	partial := b.recorder.Partial()
	if partial.Empty() || b.restore == nil {
		return
	}
	if err := b.restore(partial); err != nil {
		b.err = errors.Join(b.err, fmt.Errorf("не удалось вернуть %d блоков: %w", partial.Len(), err))
		return
	}
	b.result.Restored = partial.Len()
}

func (b *Batch) finish() {
	b.result = Result{
		Total:       b.total,
		Accepted:    int(b.accepted.Load()),
		Applied:     int(b.applied.Load()),
		Masked:      int(b.masked.Load()),
		OutOfBounds: int(b.outOfBounds.Load()),
		Conflicts:   int(b.conflicts.Load()),
		Failed:      int(b.failedOps.Load()),
		Abandoned:   int(b.abandoned.Load()),
	}

	switch {
	case b.Abandoned():
		b.err = ErrAbandoned
	case b.recorder != nil:
		b.cs, b.err = b.recorder.Seal()
		if errors.Is(b.err, changeset.ErrCaptureFailed) {
			b.rollbackPartial()
		}
	case b.failed.Load():
		b.err = b.firstErr
	}

	if b.err == nil && b.cs != nil {
		for _, fn := range b.onSealed {
			fn(b.cs)
		}
	}
	if b.metrics != nil {
		b.metrics.duration.Observe(time.Since(b.created).Seconds())
	}
	close(b.done)
}
