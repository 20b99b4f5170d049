package eventbus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/annel0/blockedit/internal/changeset"
	"github.com/annel0/blockedit/internal/vec"
	"github.com/annel0/blockedit/internal/world/block"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryBus_DeliversByFilter(t *testing.T) {
	bus := NewMemoryBus(16)
	defer bus.Close()

	var mu sync.Mutex
	var got []string
	done := make(chan struct{}, 4)
	_, err := bus.Subscribe(context.Background(), Filter{Types: []string{EditUndone}}, func(_ context.Context, ev *Envelope) {
		mu.Lock()
		got = append(got, ev.EventType)
		mu.Unlock()
		done <- struct{}{}
	})
	require.NoError(t, err)

	for _, typ := range []string{EditCommitted, EditUndone, EditRedone} {
		ev, err := NewEnvelope(typ, uuid.Nil, map[string]int{"n": 1})
		require.NoError(t, err)
		require.NoError(t, bus.Publish(context.Background(), ev))
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("событие не доставлено")
	}
	require.NoError(t, bus.Close())

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{EditUndone}, got)
	st := bus.Metrics()
	assert.Equal(t, uint64(3), st.Published)
	assert.Equal(t, uint64(1), st.Consumed)
}

func TestMemoryBus_Unsubscribe(t *testing.T) {
	bus := NewMemoryBus(4)
	var calls int
	var mu sync.Mutex
	sub, err := bus.Subscribe(context.Background(), Filter{}, func(context.Context, *Envelope) {
		mu.Lock()
		calls++
		mu.Unlock()
	})
	require.NoError(t, err)
	sub.Unsubscribe()

	ev, err := NewEnvelope(EditCommitted, uuid.Nil, struct{}{})
	require.NoError(t, err)
	require.NoError(t, bus.Publish(context.Background(), ev))
	require.NoError(t, bus.Close())

	mu.Lock()
	assert.Zero(t, calls)
	mu.Unlock()
}

func TestMemoryBus_Closed(t *testing.T) {
	bus := NewMemoryBus(1)
	require.NoError(t, bus.Close())
	require.NoError(t, bus.Close(), "повторное закрытие безопасно")

	ev, _ := NewEnvelope(EditCommitted, uuid.Nil, struct{}{})
	assert.ErrorIs(t, bus.Publish(context.Background(), ev), ErrBusClosed)
	_, err := bus.Subscribe(context.Background(), Filter{}, func(context.Context, *Envelope) {})
	assert.ErrorIs(t, err, ErrBusClosed)
}

func TestEditPayload_RoundTrip(t *testing.T) {
	session := uuid.New()
	actor := uuid.New()
	start := time.UnixMilli(1_000)
	cs := changeset.New(actor, "overworld", start, start.Add(time.Second), 7, 9, false, []changeset.Entry{
		{Pos: vec.Vec3{X: 1, Y: 2, Z: 3}, Old: block.AirBlockID, New: block.StoneBlockID},
		{Pos: vec.Vec3{X: 4, Y: 2, Z: 3}, Old: block.AirBlockID, New: block.DirtBlockID},
	})

	ev, err := NewEnvelope(EditCommitted, session, NewEditPayload(session, cs))
	require.NoError(t, err)
	assert.Equal(t, session.String(), ev.CorrelationID)
	assert.Equal(t, Source, ev.Source)

	var p EditPayload
	require.NoError(t, DecodePayload(ev, &p))
	assert.Equal(t, actor.String(), p.Actor)
	assert.Equal(t, 2, p.Blocks)
	assert.Equal(t, uint64(7), p.FirstSeq)
	assert.Equal(t, uint64(9), p.LastSeq)
	assert.Equal(t, int64(1_000), p.StartMs)
	assert.Equal(t, vec.Vec3{X: 4, Y: 2, Z: 3}, p.Bounds.Max)
}

func TestMetricsExporter_Collect(t *testing.T) {
	bus := NewMemoryBus(4)
	defer bus.Close()
	reg := prometheus.NewRegistry()
	me := NewMetricsExporter(bus, reg, time.Hour)

	ev, _ := NewEnvelope(EditCommitted, uuid.Nil, struct{}{})
	require.NoError(t, bus.Publish(context.Background(), ev))
	require.NoError(t, bus.Publish(context.Background(), ev))

	prev := me.collect(Stats{})
	assert.Equal(t, uint64(2), prev.Published)
	me.collect(prev)

	families, err := reg.Gather()
	require.NoError(t, err)
	var published float64
	for _, f := range families {
		if f.GetName() == "eventbus_messages_published_total" {
			published = f.GetMetric()[0].GetCounter().GetValue()
		}
	}
	assert.Equal(t, 2.0, published, "повторный сбор добавляет только дельту")
}
