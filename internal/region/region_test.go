package region

import (
	"context"
	"testing"

	"github.com/annel0/blockedit/internal/vec"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBoxContainsAndIntersects(t *testing.T) {
	b := NewBox(vec.Vec3{X: 10, Y: 5, Z: 10}, vec.Vec3{X: 0, Y: 0, Z: 0})
	assert.Equal(t, vec.Vec3{}, b.Min, "углы нормализуются")

	assert.True(t, b.Contains(vec.Vec3{X: 0, Y: 0, Z: 0}))
	assert.True(t, b.Contains(vec.Vec3{X: 10, Y: 5, Z: 10}), "границы включительные")
	assert.False(t, b.Contains(vec.Vec3{X: 11, Y: 5, Z: 10}))

	assert.True(t, b.Intersects(NewBox(vec.Vec3{X: 10, Y: 5, Z: 10}, vec.Vec3{X: 20, Y: 20, Z: 20})), "касание углом")
	assert.False(t, b.Intersects(NewBox(vec.Vec3{X: 11, Y: 0, Z: 0}, vec.Vec3{X: 20, Y: 5, Z: 10})))

	around := Around(vec.Vec3{X: 100, Y: 64, Z: -50}, 5)
	assert.Equal(t, vec.Vec3{X: 95, Y: 59, Z: -55}, around.Min)
	assert.Equal(t, vec.Vec3{X: 105, Y: 69, Z: -45}, around.Max)
	assert.Equal(t, int64(11*11*11), around.Volume())

	col := Column(0, 15, 0, 15, 256)
	assert.True(t, col.Contains(vec.Vec3{X: 3, Y: 255, Z: 3}))
	assert.False(t, col.Contains(vec.Vec3{X: 3, Y: 256, Z: 3}))

	p := Point(vec.Vec3{X: 1, Y: 1, Z: 1}).Expand(vec.Vec3{X: -1, Y: 3, Z: 0})
	assert.Equal(t, NewBox(vec.Vec3{X: -1, Y: 1, Z: 0}, vec.Vec3{X: 1, Y: 3, Z: 1}), p)
}

func TestMaskUnionSemantics(t *testing.T) {
	// Перекрывающиеся боксы допустимы
	m := NewMask("plots",
		Column(0, 10, 0, 10, 256),
		Column(5, 20, 5, 20, 256),
		Column(100, 110, 100, 110, 256),
	)

	assert.True(t, m.Contains(vec.Vec3{X: 7, Y: 1, Z: 7}))
	assert.True(t, m.Contains(vec.Vec3{X: 18, Y: 1, Z: 18}))
	assert.True(t, m.Contains(vec.Vec3{X: 105, Y: 200, Z: 100}))
	assert.False(t, m.Contains(vec.Vec3{X: 50, Y: 1, Z: 50}))

	regions := m.Regions()
	require.Len(t, regions, 3)
	regions[0] = Box{}
	assert.True(t, m.Contains(vec.Vec3{X: 1, Y: 1, Z: 1}), "Regions отдаёт копию")

	bounds, ok := m.Bounds()
	require.True(t, ok)
	assert.Equal(t, vec.Vec3{X: 110, Y: 255, Z: 110}, bounds.Max)

	u := m.Union(NewMask("extra", Column(-10, -1, -10, -1, 256)))
	assert.True(t, u.Contains(vec.Vec3{X: -5, Y: 0, Z: -5}))
	assert.False(t, m.Contains(vec.Vec3{X: -5, Y: 0, Z: -5}), "исходная маска не меняется")
}

func TestNilAndEmptyMask(t *testing.T) {
	var unrestricted *Mask
	assert.True(t, unrestricted.Contains(vec.Vec3{X: 1 << 20, Y: 0, Z: -1 << 20}))
	assert.False(t, unrestricted.Empty())
	assert.Nil(t, unrestricted.Union(NewMask("x")))

	deny := NewMask("deny")
	assert.True(t, deny.Empty())
	assert.False(t, deny.Contains(vec.Vec3{}))
	_, ok := deny.Bounds()
	assert.False(t, ok)
}

func TestStaticProvider(t *testing.T) {
	ctx := context.Background()
	alice := uuid.New()
	bob := uuid.New()

	p := NewStaticProvider(NewMask("deny"))
	p.Set(alice, NewMask("alice", Column(0, 15, 0, 15, 256)))

	m, err := p.MaskFor(ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, "alice", m.Name())

	m, err = p.MaskFor(ctx, bob)
	require.NoError(t, err)
	assert.True(t, m.Empty(), "неизвестному актору достаётся маска по умолчанию")

	p.Remove(alice)
	m, _ = p.MaskFor(ctx, alice)
	assert.Equal(t, "deny", m.Name())

	m, err = Unrestricted.MaskFor(ctx, bob)
	require.NoError(t, err)
	assert.Nil(t, m)
}
