package queue

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/annel0/blockedit/internal/changeset"
	"github.com/annel0/blockedit/internal/region"
	"github.com/annel0/blockedit/internal/vec"
	"github.com/annel0/blockedit/internal/world"
	"github.com/annel0/blockedit/internal/world/block"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testWorld = "overworld"

// gatedStore задерживает загрузку чанков, пока не открыт шлюз
type gatedStore struct {
	*world.Store
	gate     chan struct{}
	openOnce sync.Once
	broken   map[vec.ChunkPos]bool
}

func (g *gatedStore) open() {
	g.openOnce.Do(func() { close(g.gate) })
}

func (g *gatedStore) Acquire(ctx context.Context, worldName string, pos vec.ChunkPos) (*world.Chunk, error) {
	select {
	case <-g.gate:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if g.broken[pos] {
		return nil, errors.New("чанк выгружен")
	}
	return g.Store.Acquire(ctx, worldName, pos)
}

func setupTestQueue(t *testing.T, cfg Config) (*Queue, *gatedStore) {
	t.Helper()
	store := &gatedStore{
		Store:  world.NewStore(world.NewMemoryBackend(), world.StoreConfig{Height: 64}),
		gate:   make(chan struct{}),
		broken: make(map[vec.ChunkPos]bool),
	}
	store.open()
	q := New(store, cfg)
	t.Cleanup(func() {
		store.open()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = q.Close(ctx)
	})
	return q, store
}

// setupGatedQueue очередь, полосы которой стоят до вызова open()
func setupGatedQueue(t *testing.T, cfg Config) (*Queue, *gatedStore) {
	t.Helper()
	store := &gatedStore{
		Store:  world.NewStore(world.NewMemoryBackend(), world.StoreConfig{Height: 64}),
		gate:   make(chan struct{}),
		broken: make(map[vec.ChunkPos]bool),
	}
	q := New(store, cfg)
	t.Cleanup(func() {
		store.open()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = q.Close(ctx)
	})
	return q, store
}

func waitCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func blockAt(t *testing.T, s *gatedStore, pos vec.Vec3) block.BlockID {
	t.Helper()
	id, err := s.GetBlock(context.Background(), testWorld, pos)
	require.NoError(t, err)
	return id
}

func counterSum(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	sum := 0.0
	for _, f := range families {
		if f.GetName() != name {
			continue
		}
		for _, m := range f.GetMetric() {
			sum += m.GetCounter().GetValue()
		}
	}
	return sum
}

func hint(id block.BlockID) *block.BlockID { return &id }

func TestQueue_RoundTripForwardAndBackward(t *testing.T) {
	q, store := setupTestQueue(t, Config{Lanes: 4, SegmentSize: 8})
	ctx := waitCtx(t)
	actor := uuid.New()

	rnd := rand.New(rand.NewSource(42))
	edits := make([]Edit, 0, 300)
	for i := 0; i < 300; i++ {
		edits = append(edits, Edit{
			Pos:   vec.Vec3{X: rnd.Intn(80) - 40, Y: rnd.Intn(64), Z: rnd.Intn(80) - 40},
			Block: block.BlockID(1 + rnd.Intn(5)),
		})
	}

	b, err := q.SubmitBatch(ctx, actor, testWorld, edits)
	require.NoError(t, err)
	cs, err := b.Wait(ctx)
	require.NoError(t, err)
	require.NotNil(t, cs)
	assert.False(t, cs.Reversed())
	assert.Equal(t, actor, cs.Actor())

	res := b.Result()
	assert.Equal(t, 300, res.Accepted)
	assert.Equal(t, 300, res.Applied)

	// Последняя запись по координате побеждает
	want := make(map[vec.Vec3]block.BlockID)
	for _, e := range edits {
		want[e.Pos] = e.Block
	}
	for pos, id := range want {
		assert.Equal(t, id, blockAt(t, store, pos))
	}
	assert.Equal(t, len(want), cs.Len())

	undo, err := q.SubmitChangeSet(ctx, cs, Backward)
	require.NoError(t, err)
	rev, err := undo.Wait(ctx)
	require.NoError(t, err)
	assert.True(t, rev.Reversed(), "отмена помечается как развёрнутый набор")

	for pos := range want {
		assert.Equal(t, block.AirBlockID, blockAt(t, store, pos), "координата %s восстановлена", pos)
	}

	redo, err := q.SubmitChangeSet(ctx, cs, Forward, Ephemeral())
	require.NoError(t, err)
	_, err = redo.Wait(ctx)
	require.NoError(t, err)
	assert.True(t, redo.Ephemeral())
	for pos, id := range want {
		assert.Equal(t, id, blockAt(t, store, pos))
	}
}

func TestQueue_SameCoordinateFirstOldLastNew(t *testing.T) {
	q, store := setupTestQueue(t, Config{Lanes: 2})
	ctx := waitCtx(t)
	p := vec.Vec3{X: 5, Y: 5, Z: 5}

	b, err := q.SubmitBatch(ctx, uuid.New(), testWorld, []Edit{
		{Pos: p, Block: block.StoneBlockID},
		{Pos: p, Block: block.DirtBlockID},
		{Pos: p, Block: block.SandBlockID},
	})
	require.NoError(t, err)
	cs, err := b.Wait(ctx)
	require.NoError(t, err)

	require.Equal(t, 1, cs.Len())
	e := cs.Entries()[0]
	assert.Equal(t, block.AirBlockID, e.Old)
	assert.Equal(t, block.SandBlockID, e.New)
	assert.Equal(t, block.SandBlockID, blockAt(t, store, p))

	first, last := cs.SeqRange()
	assert.Equal(t, uint64(2), last-first)
}

func TestQueue_NoOpEditProducesEmptyChangeSet(t *testing.T) {
	q, _ := setupTestQueue(t, Config{Lanes: 2})
	ctx := waitCtx(t)

	b, err := q.SubmitBatch(ctx, uuid.New(), testWorld, []Edit{
		{Pos: vec.Vec3{X: 1, Y: 1, Z: 1}, Block: block.AirBlockID},
		{Pos: vec.Vec3{X: 40, Y: 1, Z: 1}, Block: block.AirBlockID},
	})
	require.NoError(t, err)
	cs, err := b.Wait(ctx)
	require.NoError(t, err)
	assert.True(t, cs.Empty())
}

func TestQueue_MaskAndBounds(t *testing.T) {
	plot := region.NewMask("plot", region.Column(0, 15, 0, 15, 64))
	q, store := setupTestQueue(t, Config{Lanes: 2})
	ctx := waitCtx(t)

	b, err := q.SubmitBatch(ctx, uuid.New(), testWorld, []Edit{
		{Pos: vec.Vec3{X: 1, Y: 1, Z: 1}, Block: block.StoneBlockID},
		{Pos: vec.Vec3{X: 20, Y: 1, Z: 1}, Block: block.StoneBlockID},
		{Pos: vec.Vec3{X: 2, Y: 64, Z: 2}, Block: block.StoneBlockID},
		{Pos: vec.Vec3{X: 3, Y: -1, Z: 3}, Block: block.StoneBlockID},
	}, WithMask(plot))
	require.NoError(t, err)
	cs, err := b.Wait(ctx)
	require.NoError(t, err)

	res := b.Result()
	assert.Equal(t, 1, res.Applied)
	assert.Equal(t, 1, res.Masked)
	assert.Equal(t, 2, res.OutOfBounds)
	require.Equal(t, 1, cs.Len(), "пропущенные операции не попадают в набор")
	assert.Equal(t, block.AirBlockID, blockAt(t, store, vec.Vec3{X: 20, Y: 1, Z: 1}))

	_, err = q.Submit(ctx, BlockSetOp{World: testWorld, Pos: vec.Vec3{Y: 100}, Block: block.StoneBlockID})
	var oob *world.OutOfBoundsError
	require.ErrorAs(t, err, &oob)
	assert.ErrorIs(t, err, world.ErrOutOfBounds)
}

func TestQueue_MaskFromProvider(t *testing.T) {
	actor := uuid.New()
	provider := region.NewStaticProvider(nil)
	provider.Set(actor, region.NewMask("empty"))

	q, store := setupTestQueue(t, Config{Lanes: 1, Masks: provider})
	ctx := waitCtx(t)
	p := vec.Vec3{X: 1, Y: 1, Z: 1}

	b, err := q.Submit(ctx, BlockSetOp{Actor: actor, World: testWorld, Pos: p, Block: block.StoneBlockID})
	require.NoError(t, err)
	_, err = b.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, b.Result().Masked, "пустая маска запрещает всё")
	assert.Equal(t, block.AirBlockID, blockAt(t, store, p))

	b, err = q.Submit(ctx, BlockSetOp{Actor: uuid.New(), World: testWorld, Pos: p, Block: block.StoneBlockID})
	require.NoError(t, err)
	_, err = b.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, block.StoneBlockID, blockAt(t, store, p))
}

func TestQueue_OldHintConflict(t *testing.T) {
	q, store := setupTestQueue(t, Config{Lanes: 1})
	ctx := waitCtx(t)
	p := vec.Vec3{X: 0, Y: 0, Z: 0}

	b, err := q.Submit(ctx, BlockSetOp{World: testWorld, Pos: p, Block: block.StoneBlockID, OldHint: hint(block.GrassBlockID)})
	require.NoError(t, err)
	_, err = b.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, b.Result().Conflicts)
	assert.Equal(t, block.AirBlockID, blockAt(t, store, p))

	b, err = q.Submit(ctx, BlockSetOp{World: testWorld, Pos: p, Block: block.StoneBlockID, OldHint: hint(block.AirBlockID)})
	require.NoError(t, err)
	_, err = b.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, b.Result().Applied)
	assert.Equal(t, block.StoneBlockID, blockAt(t, store, p))
}

func TestQueue_SaturationAppliesExactlyAccepted(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)
	q, store := setupGatedQueue(t, Config{Lanes: 1, LaneCapacity: 4, SegmentSize: 2, Metrics: metrics})
	ctx := waitCtx(t)

	// Полоса стоит на загрузке чанка и держит одну единицу бюджета
	blocker, err := q.Submit(ctx, BlockSetOp{World: testWorld, Pos: vec.Vec3{X: 100, Y: 0, Z: 100}, Block: block.StoneBlockID})
	require.NoError(t, err)

	edits := make([]Edit, 10)
	for i := range edits {
		edits[i] = Edit{Pos: vec.Vec3{X: i, Y: 1, Z: 0}, Block: block.StoneBlockID}
	}
	b, err := q.SubmitBatch(ctx, uuid.New(), testWorld, edits, NonBlocking())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrQueueSaturated)

	var sat *QueueSaturatedError
	require.ErrorAs(t, err, &sat)
	assert.Equal(t, 2, sat.Accepted)
	assert.Equal(t, 10, sat.Total)
	require.NotNil(t, b, "частично принятая пачка всё равно разрешается")

	store.open()
	_, err = blocker.Wait(ctx)
	require.NoError(t, err)
	cs, err := b.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, cs.Len())
	assert.Equal(t, 2, b.Result().Accepted)

	for i := range edits {
		want := block.AirBlockID
		if i < 2 {
			want = block.StoneBlockID
		}
		assert.Equal(t, want, blockAt(t, store, edits[i].Pos), "x=%d", i)
	}
	assert.Equal(t, float64(1), counterSum(t, reg, "queue_submit_rejected_total"))
	assert.Equal(t, float64(3), counterSum(t, reg, "queue_ops_applied_total"))
}

func TestQueue_WouldBlockLeavesNoMutation(t *testing.T) {
	q, store := setupGatedQueue(t, Config{Lanes: 1, LaneCapacity: 4, SegmentSize: 4})
	ctx := waitCtx(t)

	fill := make([]Edit, 4)
	for i := range fill {
		fill[i] = Edit{Pos: vec.Vec3{X: i, Y: 0, Z: 0}, Block: block.GrassBlockID}
	}
	full, err := q.SubmitBatch(ctx, uuid.New(), testWorld, fill)
	require.NoError(t, err)

	target := vec.Vec3{X: 8, Y: 8, Z: 8}
	b, err := q.Submit(ctx, BlockSetOp{World: testWorld, Pos: target, Block: block.StoneBlockID}, WithTimeout(30*time.Millisecond))
	assert.Nil(t, b)
	require.ErrorIs(t, err, ErrWouldBlock)
	var wb *WouldBlockError
	require.ErrorAs(t, err, &wb)
	assert.Equal(t, 0, wb.Accepted)

	store.open()
	_, err = full.Wait(ctx)
	require.NoError(t, err)
	require.NoError(t, q.AwaitDrain(ctx, testWorld))
	assert.Equal(t, block.AirBlockID, blockAt(t, store, target))
}

func TestQueue_AbandonBeforeStart(t *testing.T) {
	q, store := setupGatedQueue(t, Config{Lanes: 1})
	ctx := waitCtx(t)

	blocker, err := q.Submit(ctx, BlockSetOp{World: testWorld, Pos: vec.Vec3{X: 64, Y: 0, Z: 64}, Block: block.StoneBlockID})
	require.NoError(t, err)

	p := vec.Vec3{X: 1, Y: 2, Z: 3}
	b, err := q.SubmitBatch(ctx, uuid.New(), testWorld, []Edit{{Pos: p, Block: block.StoneBlockID}})
	require.NoError(t, err)
	assert.True(t, b.Abandon())
	assert.True(t, b.Abandoned())

	store.open()
	_, err = blocker.Wait(ctx)
	require.NoError(t, err)

	cs, err := b.Wait(ctx)
	assert.ErrorIs(t, err, ErrAbandoned)
	assert.Nil(t, cs)
	assert.Equal(t, 1, b.Result().Abandoned)
	assert.Equal(t, block.AirBlockID, blockAt(t, store, p))

	// Начатую пачку отменить нельзя
	assert.False(t, blocker.Abandon())
}

func TestQueue_AwaitDrain(t *testing.T) {
	q, store := setupGatedQueue(t, Config{Lanes: 3})
	ctx := waitCtx(t)

	require.NoError(t, q.AwaitDrain(ctx, "nether"), "пустой мир дренируется сразу")

	edits := make([]Edit, 0, 64)
	for i := 0; i < 64; i++ {
		edits = append(edits, Edit{Pos: vec.Vec3{X: i * 7, Y: 3, Z: -i * 5}, Block: block.WaterBlockID})
	}
	_, err := q.SubmitBatch(ctx, uuid.New(), testWorld, edits)
	require.NoError(t, err)
	assert.Equal(t, int64(64), q.Pending(testWorld))

	short, cancel := context.WithTimeout(ctx, 30*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, q.AwaitDrain(short, testWorld), context.DeadlineExceeded)

	store.open()
	require.NoError(t, q.AwaitDrain(ctx, testWorld))
	assert.Equal(t, int64(0), q.Pending(testWorld))
	for _, e := range edits {
		assert.Equal(t, block.WaterBlockID, blockAt(t, store, e.Pos))
	}
}

func TestQueue_CaptureFailureFailsBatch(t *testing.T) {
	q, store := setupTestQueue(t, Config{Lanes: 2})
	ctx := waitCtx(t)
	store.broken[vec.ChunkPos{X: 5, Z: 5}] = true

	applied := vec.Vec3{X: 1, Y: 1, Z: 1}
	b, err := q.SubmitBatch(ctx, uuid.New(), testWorld, []Edit{
		{Pos: applied, Block: block.StoneBlockID},
		{Pos: vec.Vec3{X: 81, Y: 1, Z: 81}, Block: block.StoneBlockID},
	})
	require.NoError(t, err)
	cs, err := b.Wait(ctx)
	assert.Nil(t, cs)
	assert.ErrorIs(t, err, changeset.ErrCaptureFailed)
	assert.GreaterOrEqual(t, b.Result().Failed, 1)

	// Пачка не оставляет следов: записанное до сбоя возвращено
	require.NoError(t, q.AwaitDrain(ctx, testWorld))
	assert.Equal(t, block.AirBlockID, blockAt(t, store, applied))
}

func TestQueue_CaptureFailureRestoresSameLane(t *testing.T) {
	// Одна полоса: первая запись точно применяется до сбоя
	q, store := setupTestQueue(t, Config{Lanes: 1})
	ctx := waitCtx(t)
	store.broken[vec.ChunkPos{X: 5, Z: 5}] = true

	a := vec.Vec3{X: 1, Y: 1, Z: 1}
	c := vec.Vec3{X: 2, Y: 1, Z: 1}
	b, err := q.SubmitBatch(ctx, uuid.New(), testWorld, []Edit{{Pos: c, Block: block.SandBlockID}})
	require.NoError(t, err)
	_, err = b.Wait(ctx)
	require.NoError(t, err)

	b, err = q.SubmitBatch(ctx, uuid.New(), testWorld, []Edit{
		{Pos: a, Block: block.StoneBlockID},
		{Pos: c, Block: block.DirtBlockID},
		{Pos: vec.Vec3{X: 81, Y: 1, Z: 81}, Block: block.StoneBlockID},
	})
	require.NoError(t, err)
	_, err = b.Wait(ctx)
	require.ErrorIs(t, err, changeset.ErrCaptureFailed)
	assert.Equal(t, 2, b.Result().Restored)
	assert.Equal(t, 2, b.Result().Applied)

	require.NoError(t, q.AwaitDrain(ctx, testWorld))
	assert.Equal(t, block.AirBlockID, blockAt(t, store, a))
	assert.Equal(t, block.SandBlockID, blockAt(t, store, c))
}

func TestQueue_SplitSegmentsCollapseByCoordinate(t *testing.T) {
	q, store := setupTestQueue(t, Config{Lanes: 1, SegmentSize: 2})
	ctx := waitCtx(t)
	p := vec.Vec3{X: 1, Y: 1, Z: 1}
	o := vec.Vec3{X: 2, Y: 1, Z: 1}

	t.Run("возврат к исходному значению", func(t *testing.T) {
		b, err := q.SubmitBatch(ctx, uuid.New(), testWorld, []Edit{
			{Pos: p, Block: block.StoneBlockID},
			{Pos: o, Block: block.DirtBlockID},
			{Pos: p, Block: block.AirBlockID},
		})
		require.NoError(t, err)
		cs, err := b.Wait(ctx)
		require.NoError(t, err)
		assert.Equal(t, []changeset.Entry{{Pos: o, Old: block.AirBlockID, New: block.DirtBlockID}}, cs.Entries())
	})

	t.Run("первое old, последнее new", func(t *testing.T) {
		b, err := q.SubmitBatch(ctx, uuid.New(), testWorld, []Edit{
			{Pos: p, Block: block.StoneBlockID},
			{Pos: o, Block: block.SandBlockID},
			{Pos: p, Block: block.GrassBlockID},
			{Pos: p, Block: block.WaterBlockID},
			{Pos: o, Block: block.StoneBlockID},
		})
		require.NoError(t, err)
		cs, err := b.Wait(ctx)
		require.NoError(t, err)
		assert.Equal(t, []changeset.Entry{
			{Pos: p, Old: block.AirBlockID, New: block.WaterBlockID},
			{Pos: o, Old: block.DirtBlockID, New: block.StoneBlockID},
		}, cs.Entries())

		// Отмена возвращает состояние до пачки
		undo, err := q.SubmitChangeSet(ctx, cs, Backward)
		require.NoError(t, err)
		_, err = undo.Wait(ctx)
		require.NoError(t, err)
		assert.Equal(t, block.AirBlockID, blockAt(t, store, p))
		assert.Equal(t, block.DirtBlockID, blockAt(t, store, o))
	})
}

func TestQueue_OnSealedRunsBeforeResolve(t *testing.T) {
	q, _ := setupTestQueue(t, Config{Lanes: 2})
	ctx := waitCtx(t)

	var sealed *changeset.ChangeSet
	b, err := q.SubmitBatch(ctx, uuid.New(), testWorld,
		[]Edit{{Pos: vec.Vec3{X: 3, Y: 3, Z: 3}, Block: block.FlowerBlockID}},
		OnSealed(func(cs *changeset.ChangeSet) { sealed = cs }))
	require.NoError(t, err)
	cs, err := b.Wait(ctx)
	require.NoError(t, err)
	assert.Same(t, cs, sealed)
}

func TestQueue_ConcurrentProducersPerChunkOrder(t *testing.T) {
	q, store := setupTestQueue(t, Config{Lanes: 4, SegmentSize: 16})
	ctx := waitCtx(t)
	p := vec.Vec3{X: 7, Y: 7, Z: 7}

	var wg sync.WaitGroup
	batches := make([]*Batch, 8)
	for i := range batches {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			b, err := q.SubmitBatch(ctx, uuid.New(), testWorld, []Edit{{Pos: p, Block: block.BlockID(i + 1)}})
			assert.NoError(t, err)
			batches[i] = b
		}(i)
	}
	wg.Wait()
	require.NoError(t, q.AwaitDrain(ctx, testWorld))

	// Значение координаты совпадает с набором, получившим наибольший seq
	var (
		lastSeq uint64
		winner  block.BlockID
	)
	for _, b := range batches {
		cs, err := b.Wait(ctx)
		require.NoError(t, err)
		if cs.Empty() {
			continue
		}
		if _, last := cs.SeqRange(); last > lastSeq {
			lastSeq = last
			winner = cs.Entries()[0].New
		}
	}
	assert.Equal(t, winner, blockAt(t, store, p))
}

func TestQueue_Close(t *testing.T) {
	q, _ := setupTestQueue(t, Config{Lanes: 2})
	ctx := waitCtx(t)

	b, err := q.SubmitBatch(ctx, uuid.New(), testWorld, []Edit{{Pos: vec.Vec3{X: 1, Y: 1, Z: 1}, Block: block.StoneBlockID}})
	require.NoError(t, err)
	require.NoError(t, q.Close(ctx))

	_, err = b.Wait(ctx)
	require.NoError(t, err, "поставленные задачи дорабатываются при остановке")

	_, err = q.SubmitBatch(ctx, uuid.New(), testWorld, nil)
	assert.ErrorIs(t, err, ErrClosed)
	_, err = q.Submit(ctx, BlockSetOp{World: testWorld, Pos: vec.Vec3{Y: 1}})
	assert.ErrorIs(t, err, ErrClosed)
}
