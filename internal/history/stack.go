package history

import (
	"context"
	"errors"
	"sync"

	"github.com/annel0/blockedit/internal/changeset"
	"github.com/annel0/blockedit/internal/queue"
)

// ErrEmptyHistory нечего отменять или повторять
var ErrEmptyHistory = errors.New("история пуста")

// DefaultMaxSize глубина стека по умолчанию
const DefaultMaxSize = 100

// Applier воспроизводит набор изменений через очередь блоков и ждёт применения
type Applier interface {
	Apply(ctx context.Context, cs *changeset.ChangeSet, dir queue.Direction) error
}

// ApplierFunc адаптер функции к Applier
type ApplierFunc func(ctx context.Context, cs *changeset.ChangeSet, dir queue.Direction) error

func (f ApplierFunc) Apply(ctx context.Context, cs *changeset.ChangeSet, dir queue.Direction) error {
	return f(ctx, cs, dir)
}

// Stack стек отмены/повтора одной сессии. Ветвления нет: Push очищает redo.
type Stack struct {
	maxSize int

	opMu sync.Mutex // Undo/Redo одной сессии выполняются по очереди

	mu   sync.Mutex
	undo []*changeset.ChangeSet
	redo []*changeset.ChangeSet
}

// NewStack создаёт стек; maxSize <= 0 означает DefaultMaxSize
func NewStack(maxSize int) *Stack {
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	return &Stack{maxSize: maxSize}
}

// Push добавляет набор в стек отмены и очищает стек повтора.
// Пустые наборы не сохраняются. При переполнении выбрасывается самый старый.
func (s *Stack) Push(cs *changeset.ChangeSet) {
	if cs == nil || cs.Empty() {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.undo = append(s.undo, cs)
	if over := len(s.undo) - s.maxSize; over > 0 {
		s.undo = append(s.undo[:0:0], s.undo[over:]...)
	}
	s.redo = nil
}

// Undo отменяет последний набор и переносит его в стек повтора
func (s *Stack) Undo(ctx context.Context, a Applier) (*changeset.ChangeSet, error) {
	return s.step(ctx, a, &s.undo, &s.redo, queue.Backward)
}

// Redo повторяет последний отменённый набор
func (s *Stack) Redo(ctx context.Context, a Applier) (*changeset.ChangeSet, error) {
	return s.step(ctx, a, &s.redo, &s.undo, queue.Forward)
}

func (s *Stack) step(ctx context.Context, a Applier, from, to *[]*changeset.ChangeSet, dir queue.Direction) (*changeset.ChangeSet, error) {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.mu.Lock()
	n := len(*from)
	if n == 0 {
		s.mu.Unlock()
		return nil, ErrEmptyHistory
	}
	cs := (*from)[n-1]
	*from = (*from)[:n-1]
	s.mu.Unlock()

	if err := a.Apply(ctx, cs, dir); err != nil {
		// Набор возвращается на место, чтобы повторить попытку
		s.mu.Lock()
		*from = append(*from, cs)
		s.mu.Unlock()
		return nil, err
	}

	s.mu.Lock()
	*to = append(*to, cs)
	s.mu.Unlock()
	return cs, nil
}

// UndoTimes выполняет Undo times раз (минимум один) и останавливается на первой ошибке
func (s *Stack) UndoTimes(ctx context.Context, a Applier, times int) (int, error) {
	return repeat(times, func() error {
		_, err := s.Undo(ctx, a)
		return err
	})
}

// RedoTimes выполняет Redo times раз (минимум один) и останавливается на первой ошибке
func (s *Stack) RedoTimes(ctx context.Context, a Applier, times int) (int, error) {
	return repeat(times, func() error {
		_, err := s.Redo(ctx, a)
		return err
	})
}

func repeat(times int, fn func() error) (int, error) {
	times = max(1, times)
	done := 0
	for i := 0; i < times; i++ {
		if err := fn(); err != nil {
			return done, err
		}
		done++
	}
	return done, nil
}

// Clear очищает оба стека. Журнал отката не затрагивается.
func (s *Stack) Clear() {
	s.mu.Lock()
	s.undo = nil
	s.redo = nil
	s.mu.Unlock()
}

// Len размеры стеков отмены и повтора
func (s *Stack) Len() (undo, redo int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.undo), len(s.redo)
}
