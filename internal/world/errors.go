package world

import (
	"errors"
	"fmt"

	"github.com/annel0/blockedit/internal/vec"
)

// ErrOutOfBounds базовая ошибка выхода Y за пределы высоты мира
var ErrOutOfBounds = errors.New("координата вне высоты мира")

// OutOfBoundsError координата вне [0, height)
type OutOfBoundsError struct {
	World  string
	Pos    vec.Vec3
	Height int
}

func (e *OutOfBoundsError) Error() string {
	return fmt.Sprintf("%s/%s: y=%d вне [0, %d)", e.World, e.Pos, e.Pos.Y, e.Height)
}

// Is позволяет сравнивать через errors.Is(err, ErrOutOfBounds)
func (e *OutOfBoundsError) Is(target error) bool {
	return target == ErrOutOfBounds
}
