package vec

import "fmt"

// ChunkPos координаты чанка на плоскости XZ
type ChunkPos struct {
	X, Z int
}

// Origin возвращает мировую координату угла чанка на высоте y
func (c ChunkPos) Origin(y int) Vec3 {
	return Vec3{X: c.X * ChunkSize, Y: y, Z: c.Z * ChunkSize}
}

func (c ChunkPos) String() string {
	return fmt.Sprintf("[%d,%d]", c.X, c.Z)
}
