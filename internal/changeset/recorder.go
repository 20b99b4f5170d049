package changeset

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/annel0/blockedit/internal/vec"
	"github.com/annel0/blockedit/internal/world/block"
	"github.com/google/uuid"
)

// ErrCaptureFailed не удалось прочитать значение блока до записи; набор не запечатывается
var ErrCaptureFailed = errors.New("не удалось зафиксировать исходное значение блока")

type pending struct {
	seq  uint64 // первая запись координаты
	last uint64 // последняя запись координаты
	Entry
}

// Recorder собирает изменения одной пачки. Каждая полоса очереди пишет в свой
// Segment без блокировок; сегмент сливается в Recorder один раз при завершении.
type Recorder struct {
	actor    uuid.UUID
	world    string
	reversed bool
	now      func() time.Time
	start    time.Time

	mu       sync.Mutex
	entries  []pending
	firstSeq uint64
	lastSeq  uint64
	hasSeq   bool
	failure  error
	sealed   *ChangeSet
}

// Option настройка Recorder
type Option func(*Recorder)

// AsReversed помечает набор как отмену другого набора
func AsReversed(reversed bool) Option {
	return func(r *Recorder) { r.reversed = reversed }
}

// WithClock подменяет часы (для тестов и детерминированных меток времени)
func WithClock(now func() time.Time) Option {
	return func(r *Recorder) { r.now = now }
}

// NewRecorder открывает набор изменений
func NewRecorder(actor uuid.UUID, world string, opts ...Option) *Recorder {
	r := &Recorder{actor: actor, world: world, now: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	r.start = r.now()
	return r
}

// Actor владелец набора
func (r *Recorder) Actor() uuid.UUID { return r.actor }

// World мир набора
func (r *Recorder) World() string { return r.world }

// Segment создаёт сегмент для одной полосы
func (r *Recorder) Segment() *Segment {
	return &Segment{rec: r, index: make(map[vec.Vec3]int)}
}

// Fail помечает весь набор как неудавшийся
func (r *Recorder) Fail(err error) {
	r.mu.Lock()
	if r.failure == nil {
		r.failure = err
	}
	r.mu.Unlock()
}

// Failed возвращает причину сбоя, если она была
func (r *Recorder) Failed() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.failure
}

func (r *Recorder) merge(s *Segment) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s.err != nil && r.failure == nil {
		r.failure = s.err
	}
	if s.hasSeq {
		if !r.hasSeq || s.firstSeq < r.firstSeq {
			r.firstSeq = s.firstSeq
		}
		if !r.hasSeq || s.lastSeq > r.lastSeq {
			r.lastSeq = s.lastSeq
		}
		r.hasSeq = true
	}
	// Большая пачка режется на несколько сегментов одной полосы, поэтому
	// координата может встретиться в нескольких сегментах. Схлопывается в collapse.
	r.entries = append(r.entries, s.entries...)
}

// collapse сводит записи к одной на координату: old самой ранней записи,
// new самой поздней. Вызывается под r.mu.
func (r *Recorder) collapse() []Entry {
	sort.Slice(r.entries, func(i, j int) bool { return r.entries[i].seq < r.entries[j].seq })

	index := make(map[vec.Vec3]int, len(r.entries))
	merged := make([]pending, 0, len(r.entries))
	for _, p := range r.entries {
		i, ok := index[p.Pos]
		if !ok {
			index[p.Pos] = len(merged)
			merged = append(merged, p)
			continue
		}
		if p.last > merged[i].last {
			merged[i].New = p.New
			merged[i].last = p.last
		}
	}

	entries := make([]Entry, 0, len(merged))
	for _, p := range merged {
		entries = append(entries, p.Entry)
	}
	return entries
}

// Seal запечатывает набор. Повторный вызов возвращает тот же результат.
// При сбое захвата возвращает ошибку, обёрнутую в ErrCaptureFailed, и набор не создаётся.
func (r *Recorder) Seal() (*ChangeSet, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.failure != nil {
		return nil, fmt.Errorf("%w: %v", ErrCaptureFailed, r.failure)
	}
	if r.sealed != nil {
		return r.sealed, nil
	}

	r.sealed = New(r.actor, r.world, r.start, r.now(), r.firstSeq, r.lastSeq, r.reversed, r.collapse())
	r.entries = nil
	return r.sealed, nil
}

// Partial набор из записей, успевших примениться до сбоя захвата. Нужен,
// чтобы вернуть мир в исходное состояние; в журнал и историю не попадает.
func (r *Recorder) Partial() *ChangeSet {
	r.mu.Lock()
	defer r.mu.Unlock()
	return New(r.actor, r.world, r.start, r.now(), r.firstSeq, r.lastSeq, r.reversed, r.collapse())
}

// Segment часть набора, принадлежащая одной полосе очереди. Не потокобезопасен.
type Segment struct {
	rec      *Recorder
	index    map[vec.Vec3]int
	entries  []pending
	firstSeq uint64
	lastSeq  uint64
	hasSeq   bool
	err      error
	done     bool
}

// Capture фиксирует запись блока. Вызывается до мутации со значением, прочитанным из чанка.
// Повторная запись той же координаты сохраняет первое old и последнее new.
func (s *Segment) Capture(seq uint64, pos vec.Vec3, old, updated block.BlockID) {
	if !s.hasSeq || seq < s.firstSeq {
		s.firstSeq = seq
	}
	if !s.hasSeq || seq > s.lastSeq {
		s.lastSeq = seq
	}
	s.hasSeq = true

	if i, ok := s.index[pos]; ok {
		s.entries[i].New = updated
		s.entries[i].last = seq
		return
	}
	s.index[pos] = len(s.entries)
	s.entries = append(s.entries, pending{seq: seq, last: seq, Entry: Entry{Pos: pos, Old: old, New: updated}})
}

// Fail помечает сегмент (и весь набор) как неудавшийся
func (s *Segment) Fail(err error) {
	if s.err == nil {
		s.err = err
	}
}

// Err причина сбоя сегмента
func (s *Segment) Err() error {
	return s.err
}

// Commit сливает сегмент в Recorder. Повторный вызов ничего не делает.
func (s *Segment) Commit() {
	if s.done {
		return
	}
	s.done = true
	s.rec.merge(s)
}
