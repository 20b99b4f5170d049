package region

import (
	"fmt"

	"github.com/annel0/blockedit/internal/vec"
)

// Box осевой параллелепипед с включительными границами
type Box struct {
	Min vec.Vec3
	Max vec.Vec3
}

// NewBox строит нормализованный Box по двум противоположным углам
func NewBox(a, b vec.Vec3) Box {
	return Box{Min: a.Min(b), Max: a.Max(b)}
}

// Column строит колонну на всю высоту мира: minX..maxX, minZ..maxZ, 0..height-1
func Column(minX, maxX, minZ, maxZ, height int) Box {
	return NewBox(
		vec.Vec3{X: minX, Y: 0, Z: minZ},
		vec.Vec3{X: maxX, Y: height - 1, Z: maxZ},
	)
}

// Around возвращает куб origin ± radius по всем осям
func Around(origin vec.Vec3, radius int) Box {
	r := vec.Vec3{X: radius, Y: radius, Z: radius}
	return Box{Min: origin.Sub(r), Max: origin.Add(r)}
}

// Point вырожденный Box из одной точки
func Point(p vec.Vec3) Box {
	return Box{Min: p, Max: p}
}

// Contains проверяет, лежит ли точка внутри
func (b Box) Contains(p vec.Vec3) bool {
	return p.X >= b.Min.X && p.X <= b.Max.X &&
		p.Y >= b.Min.Y && p.Y <= b.Max.Y &&
		p.Z >= b.Min.Z && p.Z <= b.Max.Z
}

// Intersects проверяет пересечение двух Box (касание гранями тоже пересечение)
func (b Box) Intersects(o Box) bool {
	return b.Min.X <= o.Max.X && o.Min.X <= b.Max.X &&
		b.Min.Y <= o.Max.Y && o.Min.Y <= b.Max.Y &&
		b.Min.Z <= o.Max.Z && o.Min.Z <= b.Max.Z
}

// Expand возвращает наименьший Box, содержащий b и точку p
func (b Box) Expand(p vec.Vec3) Box {
	return Box{Min: b.Min.Min(p), Max: b.Max.Max(p)}
}

// Volume количество блоков внутри
func (b Box) Volume() int64 {
	return int64(b.Max.X-b.Min.X+1) * int64(b.Max.Y-b.Min.Y+1) * int64(b.Max.Z-b.Min.Z+1)
}

func (b Box) String() string {
	return fmt.Sprintf("%s..%s", b.Min, b.Max)
}
