package region

import (
	"github.com/annel0/blockedit/internal/vec"
)

// Mask неизменяемое объединение Box, в пределах которого актору разрешено редактировать.
// Боксы могут перекрываться; Contains работает как объединение.
// Изменённая маска всегда новый экземпляр.
//
// nil *Mask означает отсутствие ограничений. Маска без боксов не содержит ни одной точки.
type Mask struct {
	name  string
	boxes []Box
}

// NewMask создаёт маску, копируя переданные боксы
func NewMask(name string, boxes ...Box) *Mask {
	cp := make([]Box, len(boxes))
	copy(cp, boxes)
	return &Mask{name: name, boxes: cp}
}

// Name имя маски (например, владелец участка)
func (m *Mask) Name() string {
	if m == nil {
		return "unrestricted"
	}
	return m.name
}

// Contains проверяет, принадлежит ли точка хотя бы одному боксу
func (m *Mask) Contains(p vec.Vec3) bool {
	if m == nil {
		return true
	}
	for _, b := range m.boxes {
		if b.Contains(p) {
			return true
		}
	}
	return false
}

// Regions возвращает копию набора боксов
func (m *Mask) Regions() []Box {
	if m == nil {
		return nil
	}
	cp := make([]Box, len(m.boxes))
	copy(cp, m.boxes)
	return cp
}

// Empty true, если маска не разрешает ни одной точки
func (m *Mask) Empty() bool {
	return m != nil && len(m.boxes) == 0
}

// Union возвращает новую маску, объединяющую обе. Объединение с nil даёт nil.
func (m *Mask) Union(other *Mask) *Mask {
	if m == nil || other == nil {
		return nil
	}
	boxes := make([]Box, 0, len(m.boxes)+len(other.boxes))
	boxes = append(boxes, m.boxes...)
	boxes = append(boxes, other.boxes...)
	return &Mask{name: m.name, boxes: boxes}
}

// Bounds возвращает охватывающий Box; false для nil и пустой маски
func (m *Mask) Bounds() (Box, bool) {
	if m == nil || len(m.boxes) == 0 {
		return Box{}, false
	}
	out := m.boxes[0]
	for _, b := range m.boxes[1:] {
		out = out.Expand(b.Min).Expand(b.Max)
	}
	return out, true
}
