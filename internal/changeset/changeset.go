// Package changeset описывает неизменяемые наборы изменений блоков,
// их запись до мутации и бинарный формат для хранения.
package changeset

import (
	"time"

	"github.com/annel0/blockedit/internal/region"
	"github.com/annel0/blockedit/internal/vec"
	"github.com/annel0/blockedit/internal/world/block"
	"github.com/google/uuid"
)

// Entry одно изменение блока. Old никогда не равен New.
type Entry struct {
	Pos vec.Vec3
	Old block.BlockID
	New block.BlockID
}

// Header атрибуты набора изменений без самих записей.
// Его достаточно для индексации и удаления записи отката.
type Header struct {
	Actor      uuid.UUID
	World      string
	Start      time.Time
	End        time.Time
	FirstSeq   uint64
	LastSeq    uint64
	Bounds     region.Box
	Reversed   bool
	EntryCount uint32
}

// ChangeSet упорядоченный по sequence id неизменяемый набор изменений.
type ChangeSet struct {
	header  Header
	entries []Entry
}

// New собирает запечатанный набор. Записи копируются, bounds вычисляются по ним.
// Записи с Old == New отбрасываются.
func New(actor uuid.UUID, world string, start, end time.Time, firstSeq, lastSeq uint64, reversed bool, entries []Entry) *ChangeSet {
	kept := make([]Entry, 0, len(entries))
	for _, e := range entries {
		if e.Old != e.New {
			kept = append(kept, e)
		}
	}
	cs := &ChangeSet{
		header: Header{
			Actor:      actor,
			World:      world,
			Start:      truncate(start),
			End:        truncate(end),
			FirstSeq:   firstSeq,
			LastSeq:    lastSeq,
			Reversed:   reversed,
			EntryCount: uint32(len(kept)),
		},
		entries: kept,
	}
	if len(kept) > 0 {
		b := region.Point(kept[0].Pos)
		for _, e := range kept[1:] {
			b = b.Expand(e.Pos)
		}
		cs.header.Bounds = b
	}
	return cs
}

// truncate приводит время к миллисекундам, как в бинарном формате
func truncate(t time.Time) time.Time {
	if t.IsZero() {
		return t
	}
	return time.UnixMilli(t.UnixMilli())
}

func (cs *ChangeSet) Header() Header     { return cs.header }
func (cs *ChangeSet) Actor() uuid.UUID   { return cs.header.Actor }
func (cs *ChangeSet) World() string      { return cs.header.World }
func (cs *ChangeSet) Start() time.Time   { return cs.header.Start }
func (cs *ChangeSet) End() time.Time     { return cs.header.End }
func (cs *ChangeSet) Bounds() region.Box { return cs.header.Bounds }
func (cs *ChangeSet) Reversed() bool     { return cs.header.Reversed }
func (cs *ChangeSet) Len() int           { return len(cs.entries) }
func (cs *ChangeSet) Empty() bool        { return len(cs.entries) == 0 }
func (cs *ChangeSet) SeqRange() (first, last uint64) {
	return cs.header.FirstSeq, cs.header.LastSeq
}

// Entries возвращает копию записей
func (cs *ChangeSet) Entries() []Entry {
	out := make([]Entry, len(cs.entries))
	copy(out, cs.entries)
	return out
}

// Each обходит записи по порядку без копирования; false из fn прерывает обход
func (cs *ChangeSet) Each(fn func(Entry) bool) {
	for _, e := range cs.entries {
		if !fn(e) {
			return
		}
	}
}

// Reverse возвращает набор, который отменяет этот: записи в обратном порядке,
// Old и New поменяны местами, флаг reversed инвертирован.
func (cs *ChangeSet) Reverse() *ChangeSet {
	n := len(cs.entries)
	out := make([]Entry, n)
	for i, e := range cs.entries {
		out[n-1-i] = Entry{Pos: e.Pos, Old: e.New, New: e.Old}
	}
	h := cs.header
	h.Reversed = !h.Reversed
	return &ChangeSet{header: h, entries: out}
}
