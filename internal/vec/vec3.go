package vec

import "fmt"

// ChunkSize сторона чанка в блоках по X и Z
const ChunkSize = 16

// Vec3 представляет координату блока в мире (x, y, z)
type Vec3 struct {
	X int
	Y int
	Z int
}

// Add возвращает сумму векторов
func (v Vec3) Add(other Vec3) Vec3 {
	return Vec3{X: v.X + other.X, Y: v.Y + other.Y, Z: v.Z + other.Z}
}

// Sub возвращает разность векторов
func (v Vec3) Sub(other Vec3) Vec3 {
	return Vec3{X: v.X - other.X, Y: v.Y - other.Y, Z: v.Z - other.Z}
}

// Equals проверяет равенство двух векторов
func (v Vec3) Equals(other Vec3) bool {
	return v.X == other.X && v.Y == other.Y && v.Z == other.Z
}

// ChunkPos возвращает координаты чанка, в котором лежит блок
func (v Vec3) ChunkPos() ChunkPos {
	return ChunkPos{X: v.X >> 4, Z: v.Z >> 4} // Деление на 16 с округлением вниз
}

// LocalInChunk возвращает локальные координаты внутри чанка; Y не меняется
func (v Vec3) LocalInChunk() Vec3 {
	return Vec3{X: v.X & 0xF, Y: v.Y, Z: v.Z & 0xF}
}

// Min покомпонентный минимум
func (v Vec3) Min(other Vec3) Vec3 {
	return Vec3{X: min(v.X, other.X), Y: min(v.Y, other.Y), Z: min(v.Z, other.Z)}
}

// Max покомпонентный максимум
func (v Vec3) Max(other Vec3) Vec3 {
	return Vec3{X: max(v.X, other.X), Y: max(v.Y, other.Y), Z: max(v.Z, other.Z)}
}

func (v Vec3) String() string {
	return fmt.Sprintf("(%d,%d,%d)", v.X, v.Y, v.Z)
}
