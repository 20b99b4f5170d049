package changeset

import (
	"errors"
	"testing"
	"time"

	"github.com/annel0/blockedit/internal/region"
	"github.com/annel0/blockedit/internal/vec"
	"github.com/annel0/blockedit/internal/world/block"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixedClock(start time.Time, step time.Duration) func() time.Time {
	now := start
	return func() time.Time {
		t := now
		now = now.Add(step)
		return t
	}
}

func TestRecorder_FirstOldLastNew(t *testing.T) {
	actor := uuid.New()
	rec := NewRecorder(actor, "overworld", WithClock(fixedClock(time.UnixMilli(10_000), time.Second)))

	p := vec.Vec3{X: 1, Y: 2, Z: 3}
	seg := rec.Segment()
	seg.Capture(1, p, block.AirBlockID, block.StoneBlockID)
	seg.Capture(2, p, block.StoneBlockID, block.DirtBlockID)
	seg.Capture(3, p, block.DirtBlockID, block.SandBlockID)
	seg.Commit()

	cs, err := rec.Seal()
	require.NoError(t, err)
	require.Equal(t, 1, cs.Len(), "одна координата даёт одну запись")

	e := cs.Entries()[0]
	assert.Equal(t, block.AirBlockID, e.Old, "old берётся из первой записи")
	assert.Equal(t, block.SandBlockID, e.New, "new берётся из последней записи")

	first, last := cs.SeqRange()
	assert.Equal(t, uint64(1), first)
	assert.Equal(t, uint64(3), last)
	assert.Equal(t, actor, cs.Actor())
	assert.Equal(t, "overworld", cs.World())
	assert.Equal(t, time.UnixMilli(10_000), cs.Start())
	assert.Equal(t, time.UnixMilli(11_000), cs.End())
}

func TestRecorder_DropsNoOps(t *testing.T) {
	rec := NewRecorder(uuid.New(), "overworld")
	seg := rec.Segment()

	// Запись того же значения
	seg.Capture(1, vec.Vec3{X: 0, Y: 0, Z: 0}, block.StoneBlockID, block.StoneBlockID)
	// A -> B -> A в пределах одной пачки
	seg.Capture(2, vec.Vec3{X: 1, Y: 0, Z: 0}, block.AirBlockID, block.WaterBlockID)
	seg.Capture(3, vec.Vec3{X: 1, Y: 0, Z: 0}, block.WaterBlockID, block.AirBlockID)
	seg.Commit()

	cs, err := rec.Seal()
	require.NoError(t, err)
	assert.True(t, cs.Empty(), "пачка без фактических изменений даёт пустой набор")
	assert.Equal(t, uint32(0), cs.Header().EntryCount)
}

func TestRecorder_MergesSegmentsInSeqOrder(t *testing.T) {
	rec := NewRecorder(uuid.New(), "overworld")

	laneA := rec.Segment()
	laneB := rec.Segment()
	laneB.Capture(2, vec.Vec3{X: 16, Y: 5, Z: 0}, block.AirBlockID, block.StoneBlockID)
	laneA.Capture(1, vec.Vec3{X: 0, Y: 1, Z: 0}, block.AirBlockID, block.StoneBlockID)
	laneA.Capture(4, vec.Vec3{X: 3, Y: 9, Z: -2}, block.AirBlockID, block.StoneBlockID)
	laneB.Capture(3, vec.Vec3{X: 20, Y: 0, Z: 7}, block.AirBlockID, block.StoneBlockID)
	laneB.Commit()
	laneA.Commit()
	laneA.Commit()

	cs, err := rec.Seal()
	require.NoError(t, err)
	require.Equal(t, 4, cs.Len(), "повторный Commit не дублирует записи")

	var xs []int
	cs.Each(func(e Entry) bool {
		xs = append(xs, e.Pos.X)
		return true
	})
	assert.Equal(t, []int{0, 16, 20, 3}, xs, "записи упорядочены по sequence id")

	assert.Equal(t, region.NewBox(vec.Vec3{X: 0, Y: 0, Z: -2}, vec.Vec3{X: 20, Y: 9, Z: 7}), cs.Bounds())

	again, err := rec.Seal()
	require.NoError(t, err)
	assert.Same(t, cs, again)
}

func TestRecorder_CaptureFailureIsAllOrNothing(t *testing.T) {
	rec := NewRecorder(uuid.New(), "overworld")

	ok := rec.Segment()
	ok.Capture(1, vec.Vec3{X: 0, Y: 0, Z: 0}, block.AirBlockID, block.StoneBlockID)
	ok.Commit()

	bad := rec.Segment()
	bad.Capture(2, vec.Vec3{X: 32, Y: 0, Z: 0}, block.AirBlockID, block.StoneBlockID)
	bad.Fail(errors.New("чанк выгружен"))
	bad.Fail(errors.New("вторая ошибка"))
	bad.Commit()

	cs, err := rec.Seal()
	assert.Nil(t, cs, "набор не запечатывается")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCaptureFailed)
	assert.Contains(t, err.Error(), "чанк выгружен")
	assert.Error(t, rec.Failed())

	partial := rec.Partial()
	assert.Equal(t, 2, partial.Len(), "Partial отдаёт всё, что успело примениться")
	assert.False(t, partial.Reversed())
}

func TestRecorder_CollapsesAcrossSegments(t *testing.T) {
	rec := NewRecorder(uuid.New(), "overworld")
	p := vec.Vec3{X: 1, Y: 1, Z: 1}
	o := vec.Vec3{X: 2, Y: 1, Z: 1}
	q := vec.Vec3{X: 3, Y: 1, Z: 1}

	// Две задачи одной полосы: координаты повторяются в обоих сегментах
	first := rec.Segment()
	first.Capture(1, p, block.AirBlockID, block.StoneBlockID)
	first.Capture(2, o, block.AirBlockID, block.DirtBlockID)
	first.Capture(3, q, block.GrassBlockID, block.SandBlockID)
	second := rec.Segment()
	second.Capture(4, p, block.StoneBlockID, block.AirBlockID)
	second.Capture(5, q, block.SandBlockID, block.WaterBlockID)
	second.Commit()
	first.Commit()

	cs, err := rec.Seal()
	require.NoError(t, err)
	assert.Equal(t, []Entry{
		{Pos: o, Old: block.AirBlockID, New: block.DirtBlockID},
		{Pos: q, Old: block.GrassBlockID, New: block.WaterBlockID},
	}, cs.Entries(), "p вернулся к исходному значению и выпал")
}

func TestChangeSet_Reverse(t *testing.T) {
	entries := []Entry{
		{Pos: vec.Vec3{X: 1}, Old: block.AirBlockID, New: block.StoneBlockID},
		{Pos: vec.Vec3{X: 2}, Old: block.GrassBlockID, New: block.DirtBlockID},
	}
	cs := New(uuid.New(), "overworld", time.Now(), time.Now(), 5, 6, false, entries)
	rev := cs.Reverse()

	assert.True(t, rev.Reversed())
	assert.False(t, cs.Reversed(), "исходный набор не меняется")
	assert.Equal(t, cs.Bounds(), rev.Bounds())
	assert.Equal(t, []Entry{
		{Pos: vec.Vec3{X: 2}, Old: block.DirtBlockID, New: block.GrassBlockID},
		{Pos: vec.Vec3{X: 1}, Old: block.StoneBlockID, New: block.AirBlockID},
	}, rev.Entries())
	assert.Equal(t, cs.Entries(), rev.Reverse().Entries(), "двойной разворот даёт исходник")
	assert.False(t, rev.Reverse().Reversed())
}

func TestCodec_RoundTrip(t *testing.T) {
	actor := uuid.New()
	entries := []Entry{
		{Pos: vec.Vec3{X: -30_000_000, Y: 0, Z: 30_000_000}, Old: block.AirBlockID, New: block.StoneBlockID},
		{Pos: vec.Vec3{X: 5, Y: 255, Z: -5}, Old: block.BlockID(1 << 30), New: block.DoorBlockID},
	}
	cs := New(actor, "мир-1", time.UnixMilli(1_700_000_000_123), time.UnixMilli(1_700_000_001_456), 10, 42, true, entries)

	data, err := Encode(cs)
	require.NoError(t, err)
	assert.Len(t, data, HeaderSize(len("мир-1"))+2*EntrySize+crcSize)

	decoded, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, cs.Header(), decoded.Header())
	assert.Equal(t, cs.Entries(), decoded.Entries())

	h, err := DecodeHeader(data)
	require.NoError(t, err)
	assert.Equal(t, cs.Header(), h, "заголовок читается без разбора записей")

	headerOnly, err := EncodeHeader(cs.Header())
	require.NoError(t, err)
	h2, err := DecodeHeader(headerOnly)
	require.NoError(t, err)
	assert.Equal(t, uint32(2), h2.EntryCount)
	assert.Equal(t, data[:len(headerOnly)], headerOnly)
}

func TestCodec_DetectsCorruption(t *testing.T) {
	cs := New(uuid.New(), "overworld", time.Now(), time.Now(), 1, 1, false, []Entry{
		{Pos: vec.Vec3{X: 1, Y: 1, Z: 1}, Old: block.AirBlockID, New: block.StoneBlockID},
	})
	data, err := Encode(cs)
	require.NoError(t, err)

	flipped := append([]byte(nil), data...)
	flipped[len(flipped)-crcSize-1] ^= 0xFF
	_, err = Decode(flipped)
	assert.ErrorIs(t, err, ErrCorrupted)

	_, err = Decode(data[:10])
	assert.ErrorIs(t, err, ErrCorrupted)

	_, err = DecodeHeader(data[:20])
	assert.ErrorIs(t, err, ErrCorrupted)

	badMagic := append([]byte(nil), data...)
	badMagic[0] = 'X'
	_, err = DecodeHeader(badMagic)
	assert.ErrorIs(t, err, ErrCorrupted)
}

func TestCodec_CoordinateRange(t *testing.T) {
	cs := New(uuid.New(), "overworld", time.Now(), time.Now(), 1, 1, false, []Entry{
		{Pos: vec.Vec3{X: 0, Y: 40_000, Z: 0}, Old: block.AirBlockID, New: block.StoneBlockID},
	})
	_, err := Encode(cs)
	assert.ErrorIs(t, err, ErrCoordinateRange)
}
