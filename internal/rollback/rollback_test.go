package rollback

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/annel0/blockedit/internal/actor"
	"github.com/annel0/blockedit/internal/changeset"
	"github.com/annel0/blockedit/internal/queue"
	"github.com/annel0/blockedit/internal/region"
	"github.com/annel0/blockedit/internal/vec"
	"github.com/annel0/blockedit/internal/world/block"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var base = time.UnixMilli(1_700_000_000_000)

func at(sec int) time.Time {
	return base.Add(time.Duration(sec) * time.Second)
}

func setupTestStore(t *testing.T) *BadgerStore {
	t.Helper()
	s, err := NewBadgerStore("", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func makeSet(actorID uuid.UUID, world string, start time.Time, pos vec.Vec3) *changeset.ChangeSet {
	return changeset.New(actorID, world, start, start.Add(time.Second), 1, 2, false, []changeset.Entry{
		{Pos: pos, Old: block.AirBlockID, New: block.StoneBlockID},
		{Pos: pos.Add(vec.Vec3{X: 1}), Old: block.GrassBlockID, New: block.StoneBlockID},
	})
}

func collect(t *testing.T, c Cursor) []*Record {
	t.Helper()
	var out []*Record
	for c.Next() {
		out = append(out, c.Record())
	}
	require.NoError(t, c.Err())
	return out
}

func starts(recs []*Record) []time.Time {
	out := make([]time.Time, 0, len(recs))
	for _, r := range recs {
		out = append(out, r.Header.Start)
	}
	return out
}

func TestParseDuration(t *testing.T) {
	cases := map[string]time.Duration{
		"25s":        25 * time.Second,
		"1h30m":      90 * time.Minute,
		"2d":         48 * time.Hour,
		"1w2d3h4m5s": 7*24*time.Hour + 2*24*time.Hour + 3*time.Hour + 4*time.Minute + 5*time.Second,
		"90":         90 * time.Second,
		" 10M ":      10 * time.Minute,
	}
	for in, want := range cases {
		t.Run(in, func(t *testing.T) {
			got, err := ParseDuration(in)
			require.NoError(t, err)
			assert.Equal(t, want, got)
		})
	}

	for _, bad := range []string{"", "0", "0s", "-5", "abc", "10x", "h", "5s3",
		"99999999999999999w", "9999999999999999999", "15250w15250w"} {
		t.Run("invalid "+bad, func(t *testing.T) {
			_, err := ParseDuration(bad)
			var ide *InvalidDurationError
			require.ErrorAs(t, err, &ide)
			assert.ErrorIs(t, err, ErrInvalidDuration)
		})
	}
}

func TestBadgerStore_QueryOrderAndFilters(t *testing.T) {
	ctx := context.Background()
	s := setupTestStore(t)
	steve, alex := uuid.New(), uuid.New()

	for _, sec := range []int{30, 10, 20} {
		_, err := s.Append(ctx, makeSet(steve, "overworld", at(sec), vec.Vec3{X: sec, Y: 5, Z: 0}))
		require.NoError(t, err)
	}
	_, err := s.Append(ctx, makeSet(steve, "nether", at(15), vec.Vec3{}))
	require.NoError(t, err)
	_, err = s.Append(ctx, makeSet(alex, "overworld", at(25), vec.Vec3{}))
	require.NoError(t, err)

	t.Run("ascending", func(t *testing.T) {
		recs := collect(t, s.Query(ctx, Query{Actor: steve, World: "overworld"}))
		assert.Equal(t, []time.Time{at(10), at(20), at(30)}, starts(recs))
	})

	t.Run("descending", func(t *testing.T) {
		recs := collect(t, s.Query(ctx, Query{Actor: steve, World: "overworld", Descending: true}))
		assert.Equal(t, []time.Time{at(30), at(20), at(10)}, starts(recs))
	})

	t.Run("after is exclusive", func(t *testing.T) {
		recs := collect(t, s.Query(ctx, Query{Actor: steve, World: "overworld", After: at(10)}))
		assert.Equal(t, []time.Time{at(20), at(30)}, starts(recs))
		recs = collect(t, s.Query(ctx, Query{Actor: steve, World: "overworld", After: at(10), Descending: true}))
		assert.Equal(t, []time.Time{at(30), at(20)}, starts(recs))
	})

	t.Run("bounds", func(t *testing.T) {
		box := region.NewBox(vec.Vec3{X: 15, Y: 0, Z: -1}, vec.Vec3{X: 25, Y: 10, Z: 1})
		recs := collect(t, s.Query(ctx, Query{Actor: steve, World: "overworld", Bounds: &box}))
		assert.Equal(t, []time.Time{at(20)}, starts(recs))
	})

	t.Run("any world or actor keeps time order", func(t *testing.T) {
		recs := collect(t, s.Query(ctx, Query{Actor: steve}))
		assert.Equal(t, []time.Time{at(10), at(15), at(20), at(30)}, starts(recs))
		recs = collect(t, s.Query(ctx, Query{Actor: steve, Descending: true, PageSize: 1}))
		assert.Equal(t, []time.Time{at(30), at(20), at(15), at(10)}, starts(recs))
		recs = collect(t, s.Query(ctx, Query{}))
		assert.Equal(t, []time.Time{at(10), at(15), at(20), at(25), at(30)}, starts(recs))
		recs = collect(t, s.Query(ctx, Query{World: "overworld", After: at(15), Descending: true}))
		assert.Equal(t, []time.Time{at(30), at(25), at(20)}, starts(recs))
	})

	t.Run("merged cursor restarts", func(t *testing.T) {
		cur := s.Query(ctx, Query{Actor: steve})
		require.True(t, cur.Next())
		assert.Equal(t, at(10), cur.Record().Header.Start)
		cur.Reset()
		assert.Equal(t, []time.Time{at(10), at(15), at(20), at(30)}, starts(collect(t, cur)))
	})

	n, err := s.Count()
	require.NoError(t, err)
	assert.Equal(t, 5, n)
}

func TestBadgerStore_LazyBodyAndDelete(t *testing.T) {
	ctx := context.Background()
	s := setupTestStore(t)
	actorID := uuid.New()
	cs := makeSet(actorID, "overworld", at(1), vec.Vec3{X: 3, Y: 4, Z: 5})

	appended, err := s.Append(ctx, cs)
	require.NoError(t, err)
	assert.Contains(t, appended.ID(), "overworld/"+actorID.String())

	recs := collect(t, s.Query(ctx, Query{Actor: actorID, World: "overworld"}))
	require.Len(t, recs, 1)
	assert.Equal(t, cs.Header(), recs[0].Header, "заголовок читается из индекса")

	decoded, err := recs[0].ChangeSet(ctx)
	require.NoError(t, err)
	assert.Equal(t, cs.Entries(), decoded.Entries())

	require.NoError(t, s.Delete(ctx, recs[0]))
	require.NoError(t, s.Delete(ctx, recs[0]), "повторное удаление не ошибка")
	assert.Empty(t, collect(t, s.Query(ctx, Query{Actor: actorID})))

	_, err = (&Record{Index: recs[0].Index, Header: recs[0].Header, load: s.loader(recs[0].Index)}).ChangeSet(ctx)
	assert.Error(t, err, "тело удалено вместе с индексом")
}

func TestBadgerStore_PagingWithConcurrentDelete(t *testing.T) {
	ctx := context.Background()
	s := setupTestStore(t)
	actorID := uuid.New()
	for sec := 1; sec <= 7; sec++ {
		_, err := s.Append(ctx, makeSet(actorID, "overworld", at(sec), vec.Vec3{X: sec}))
		require.NoError(t, err)
	}

	cur := s.Query(ctx, Query{Actor: actorID, World: "overworld", Descending: true, PageSize: 2})
	var seen []time.Time
	for cur.Next() {
		rec := cur.Record()
		seen = append(seen, rec.Header.Start)
		require.NoError(t, s.Delete(ctx, rec))
	}
	require.NoError(t, cur.Err())
	assert.Equal(t, []time.Time{at(7), at(6), at(5), at(4), at(3), at(2), at(1)}, seen)

	_, err := s.Append(ctx, makeSet(actorID, "overworld", at(8), vec.Vec3{}))
	require.NoError(t, err)
	cur.Reset()
	assert.Equal(t, []time.Time{at(8)}, starts(collect(t, cur)), "Reset перечитывает журнал")
}

func TestBadgerStore_ConcurrentAppendAndDelete(t *testing.T) {
	ctx := context.Background()
	s := setupTestStore(t)
	victim := uuid.New()
	var toDelete []*Record
	for i := 0; i < 20; i++ {
		rec, err := s.Append(ctx, makeSet(victim, "overworld", at(i), vec.Vec3{X: i}))
		require.NoError(t, err)
		toDelete = append(toDelete, rec)
	}

	other := uuid.New()
	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 25; i++ {
				_, err := s.Append(ctx, makeSet(other, "overworld", at(w*100+i), vec.Vec3{X: i}))
				assert.NoError(t, err)
			}
		}(w)
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		for _, rec := range toDelete {
			assert.NoError(t, s.Delete(ctx, rec))
		}
	}()
	wg.Wait()

	assert.Empty(t, collect(t, s.Query(ctx, Query{Actor: victim})))
	assert.Len(t, collect(t, s.Query(ctx, Query{Actor: other})), 100)
}

func TestBadgerStore_Closed(t *testing.T) {
	s, err := NewBadgerStore("", nil)
	require.NoError(t, err)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	_, err = s.Append(context.Background(), makeSet(uuid.New(), "overworld", at(1), vec.Vec3{}))
	assert.ErrorIs(t, err, ErrStoreClosed)
	cur := s.Query(context.Background(), Query{})
	assert.False(t, cur.Next())
	assert.ErrorIs(t, cur.Err(), ErrStoreClosed)
}

func TestBuildPageQuery(t *testing.T) {
	actorID := uuid.New()
	box := region.NewBox(vec.Vec3{X: -5, Y: 0, Z: -5}, vec.Vec3{X: 5, Y: 255, Z: 5})
	q := Query{Actor: actorID, World: "overworld", After: at(10), Bounds: &box, Descending: true, PageSize: 50}

	sql, args := buildPageQuery(q, nil)
	assert.Contains(t, sql, "actor = ? AND world = ? AND start_ms > ?")
	assert.Contains(t, sql, "max_x >= ? AND min_x <= ?")
	assert.Contains(t, sql, "ORDER BY start_ms DESC, id DESC LIMIT ?")
	assert.Len(t, args, 1+1+1+6+1)
	assert.Equal(t, 51, args[len(args)-1], "одна лишняя строка показывает наличие следующей страницы")

	sql, args = buildPageQuery(q, pageKey(at(20).UnixMilli(), 7))
	assert.Contains(t, sql, "(start_ms < ? OR (start_ms = ? AND id < ?))")
	assert.Equal(t, uint64(7), args[len(args)-2])

	sql, _ = buildPageQuery(Query{}, nil)
	assert.Equal(t, "SELECT id, start_ms, header FROM rollback_records ORDER BY start_ms ASC, id ASC LIMIT ?", sql)
}

func TestPersister_WritesAndRetries(t *testing.T) {
	ctx := context.Background()
	inner := setupTestStore(t)
	store := &flakyStore{Store: inner, failures: 2}
	p := NewPersister(store, PersisterConfig{Workers: 1, MaxRetries: 3, Backoff: time.Millisecond})

	actorID := uuid.New()
	for sec := 1; sec <= 3; sec++ {
		require.NoError(t, p.Enqueue(ctx, makeSet(actorID, "overworld", at(sec), vec.Vec3{X: sec})))
	}
	require.NoError(t, p.Stop(ctx))
	assert.ErrorIs(t, p.Enqueue(ctx, makeSet(actorID, "overworld", at(9), vec.Vec3{})), ErrPersisterStopped)

	recs := collect(t, inner.Query(ctx, Query{Actor: actorID}))
	assert.Len(t, recs, 3, "временные ошибки повторяются")
}

func TestEmptyChangeSetNeverMatchesArea(t *testing.T) {
	ctx := context.Background()
	store := setupTestStore(t)
	actorID := uuid.New()

	empty := changeset.New(actorID, "overworld", at(1), at(2), 1, 1, false, []changeset.Entry{
		{Pos: vec.Vec3{X: 5000, Y: 5, Z: 5000}, Old: block.AirBlockID, New: block.AirBlockID},
	})
	require.True(t, empty.Empty())
	_, err := store.Append(ctx, empty)
	require.NoError(t, err)

	origin := region.Around(vec.Vec3{}, 10)
	assert.Empty(t, collect(t, store.Query(ctx, Query{Actor: actorID, World: "overworld", Bounds: &origin})),
		"нулевой бокс пустого набора не должен попадать в область у начала координат")
	assert.Len(t, collect(t, store.Query(ctx, Query{Actor: actorID, World: "overworld"})), 1)

	p := NewPersister(store, PersisterConfig{Workers: 1})
	require.NoError(t, p.Enqueue(ctx, empty))
	require.NoError(t, p.Stop(ctx))
	assert.Len(t, collect(t, store.Query(ctx, Query{Actor: actorID})), 1, "пустые наборы в журнал не пишутся")
}

// flakyStore падает на первых failures вызовах Append
type flakyStore struct {
	Store
	mu       sync.Mutex
	failures int
}

func (f *flakyStore) Append(ctx context.Context, cs *changeset.ChangeSet) (*Record, error) {
	f.mu.Lock()
	if f.failures > 0 {
		f.failures--
		f.mu.Unlock()
		return nil, errors.New("deadlock found when trying to get lock")
	}
	f.mu.Unlock()
	return f.Store.Append(ctx, cs)
}

// fakeApplier применяет наборы к карте блоков
type fakeApplier struct {
	mu      sync.Mutex
	applied []time.Time
	fail    map[time.Time]bool
}

func (a *fakeApplier) Apply(_ context.Context, cs *changeset.ChangeSet, dir queue.Direction) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if dir != queue.Backward {
		return errors.New("откат применяет только обратное направление")
	}
	if a.fail[cs.Start()] {
		return errors.New("чанк недоступен")
	}
	a.applied = append(a.applied, cs.Start())
	return nil
}

func setupEngine(t *testing.T, now time.Time) (*Engine, *BadgerStore, *fakeApplier, uuid.UUID) {
	t.Helper()
	store := setupTestStore(t)
	dir := actor.NewMemoryDirectory()
	steve := uuid.New()
	dir.Register("Steve", steve)
	applier := &fakeApplier{fail: make(map[time.Time]bool)}
	e := NewEngine(store, dir, applier, EngineConfig{
		Enabled: true,
		Now:     func() time.Time { return now },
	})
	return e, store, applier, steve
}

func TestEngine_RollbackWindowNewestFirst(t *testing.T) {
	ctx := context.Background()
	e, store, applier, steve := setupEngine(t, at(35))

	for _, sec := range []int{10, 20, 30} {
		_, err := store.Append(ctx, makeSet(steve, "overworld", at(sec), vec.Vec3{X: 1, Y: 1, Z: 1}))
		require.NoError(t, err)
	}

	rep, err := e.Rollback(ctx, Request{ActorName: "steve", World: "overworld", Radius: 10, Duration: "25s"})
	require.NoError(t, err)
	assert.Equal(t, 2, rep.Reverted)
	assert.Equal(t, 2, rep.Records)
	assert.Equal(t, PhaseDone, rep.Phase)
	assert.Equal(t, PhaseDone, e.Phase())
	assert.Equal(t, []time.Time{at(30), at(20)}, applier.applied, "от новых к старым")

	left := collect(t, store.Query(ctx, Query{Actor: steve, World: "overworld"}))
	assert.Equal(t, []time.Time{at(10)}, starts(left), "набор t=10 остаётся в журнале")
}

func TestEngine_SpatialFilter(t *testing.T) {
	ctx := context.Background()
	e, store, applier, steve := setupEngine(t, at(100))

	_, err := store.Append(ctx, makeSet(steve, "overworld", at(50), vec.Vec3{X: 1000, Y: 1, Z: 1000}))
	require.NoError(t, err)
	_, err = store.Append(ctx, makeSet(steve, "overworld", at(60), vec.Vec3{X: 3, Y: 1, Z: 3}))
	require.NoError(t, err)

	rep, err := e.Rollback(ctx, Request{ActorName: "Steve", World: "overworld", Radius: 10, Duration: "1h"})
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Reverted)
	assert.Equal(t, []time.Time{at(60)}, applier.applied)

	// Радиус ограничен 500: набор на расстоянии 1000 недостижим
	rep, err = e.Rollback(ctx, Request{ActorName: "Steve", World: "overworld", Radius: 100_000, Duration: "1h"})
	require.NoError(t, err)
	assert.Equal(t, 0, rep.Reverted)
	assert.Equal(t, DefaultMaxRadius, rep.Bounds.Max.X)
}

func TestEngine_PartialFailureContinues(t *testing.T) {
	ctx := context.Background()
	e, store, applier, steve := setupEngine(t, at(100))
	for _, sec := range []int{70, 80, 90} {
		_, err := store.Append(ctx, makeSet(steve, "overworld", at(sec), vec.Vec3{}))
		require.NoError(t, err)
	}
	applier.fail[at(80)] = true

	var progress []bool
	e.cfg.OnRecord = func(_ *Record, ok bool) { progress = append(progress, ok) }

	rep, err := e.Rollback(ctx, Request{ActorName: "steve", World: "overworld", Duration: "1m"})
	require.NoError(t, err)
	assert.Equal(t, 3, rep.Records)
	assert.Equal(t, 2, rep.Reverted)
	assert.Equal(t, 1, rep.Failed)
	assert.Equal(t, []bool{true, false, true}, progress)

	left := collect(t, store.Query(ctx, Query{Actor: steve}))
	assert.Equal(t, []time.Time{at(80)}, starts(left), "неудачная запись не удаляется")
}

func TestEngine_SearchErrorsBeforeStoreAccess(t *testing.T) {
	ctx := context.Background()
	e, _, _, _ := setupEngine(t, at(100))
	e.store = nil // любое обращение к журналу упадёт

	_, err := e.Rollback(ctx, Request{ActorName: "nobody", World: "overworld", Duration: "1h"})
	var anf *ActorNotFoundError
	require.ErrorAs(t, err, &anf)
	assert.Equal(t, "nobody", anf.Name)
	assert.ErrorIs(t, err, ErrActorNotFound)

	for _, d := range []string{"0", "0s", "soon"} {
		_, err = e.Rollback(ctx, Request{ActorName: "steve", World: "overworld", Duration: d})
		assert.ErrorIs(t, err, ErrInvalidDuration, d)
	}
	assert.Equal(t, PhaseSearching, e.Phase())
}

func TestEngine_Disabled(t *testing.T) {
	e := NewEngine(nil, actor.NewMemoryDirectory(), &fakeApplier{}, EngineConfig{})
	_, err := e.Rollback(context.Background(), Request{ActorName: "steve", Duration: "1h"})
	assert.ErrorIs(t, err, ErrRollbackDisabled)
}
