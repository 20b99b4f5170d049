package rollback

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/annel0/blockedit/internal/changeset"
	"github.com/annel0/blockedit/internal/region"
	"github.com/google/uuid"
)

// Store долговременный журнал наборов изменений.
//
// Append и Delete безопасны при параллельном вызове: записи изолированы
// друг от друга, глобальной блокировки на всё хранилище нет.
type Store interface {
	// Append сохраняет запечатанный набор.
	// Возвращает:
	//   *Record - сохранённая запись с присвоенным индексом
	//   error - ошибка записи
	Append(ctx context.Context, cs *changeset.ChangeSet) (*Record, error)

	// Query возвращает ленивый курсор по индексу (actor, world, start).
	// Записи идут по времени начала (при равенстве по индексу) при любом
	// наборе фильтров, в том числе без мира или актора. Тела наборов не читаются, пока не вызван Record.ChangeSet.
	Query(ctx context.Context, q Query) Cursor

	// Delete удаляет запись. Повторное удаление не является ошибкой.
	Delete(ctx context.Context, rec *Record) error

	// Close закрывает хранилище
	Close() error
}

// Query фильтр журнала. Пустые Actor и World означают «любой».
type Query struct {
	Actor      uuid.UUID
	World      string
	After      time.Time   // строго позже этого момента начала; нулевое время без отсечки
	Bounds     *region.Box // только наборы, чей бокс пересекается с этим
	Descending bool        // от новых к старым
	PageSize   int         // размер страницы чтения индекса
}

func (q Query) pageSize() int {
	if q.PageSize <= 0 {
		return 128
	}
	return q.PageSize
}

// Match проверяет заголовок против всех условий запроса
func (q Query) Match(h changeset.Header) bool {
	if q.Actor != uuid.Nil && h.Actor != q.Actor {
		return false
	}
	if q.World != "" && h.World != q.World {
		return false
	}
	if !q.After.IsZero() && h.Start.UnixMilli() <= q.After.UnixMilli() {
		return false
	}
	// У пустого набора нет бокса: нулевой Bounds не должен совпасть с областью у начала координат
	if q.Bounds != nil && (h.EntryCount == 0 || !h.Bounds.Intersects(*q.Bounds)) {
		return false
	}
	return true
}

// Cursor ленивый перезапускаемый обход записей
type Cursor interface {
	// Next переходит к следующей записи. false: записи кончились или произошла ошибка.
	Next() bool
	// Record текущая запись
	Record() *Record
	// Err первая ошибка обхода
	Err() error
	// Reset начинает обход заново с учётом текущего содержимого хранилища
	Reset()
	Close() error
}

// Record сохранённый набор: заголовок из индекса и ленивое тело
type Record struct {
	Index  uint64
	Header changeset.Header

	key  []byte
	load func(ctx context.Context) ([]byte, error)

	once sync.Once
	cs   *changeset.ChangeSet
	err  error
}

// ID человекочитаемый идентификатор world/actor-index
func (r *Record) ID() string {
	return fmt.Sprintf("%s/%s-%d", r.Header.World, r.Header.Actor, r.Index)
}

// ChangeSet читает и декодирует тело записи (один раз)
func (r *Record) ChangeSet(ctx context.Context) (*changeset.ChangeSet, error) {
	r.once.Do(func() {
		if r.load == nil {
			r.err = fmt.Errorf("запись %s без тела", r.ID())
			return
		}
		data, err := r.load(ctx)
		if err != nil {
			r.err = fmt.Errorf("не удалось прочитать запись %s: %w", r.ID(), err)
			return
		}
		r.cs, r.err = changeset.Decode(data)
	})
	return r.cs, r.err
}

// page общая реализация постраничного курсора. fetch возвращает следующую
// страницу после ключа after (nil: с начала) и ключ последней записи.
type page struct {
	ctx   context.Context
	fetch func(ctx context.Context, after []byte) ([]*Record, []byte, bool, error)

	buf  []*Record
	pos  int
	last []byte
	done bool
	cur  *Record
	err  error
}

func newPageCursor(ctx context.Context, fetch func(ctx context.Context, after []byte) ([]*Record, []byte, bool, error)) *page {
	return &page{ctx: ctx, fetch: fetch}
}

func (p *page) Next() bool {
	for {
		if p.err != nil {
			return false
		}
		if p.pos < len(p.buf) {
			p.cur = p.buf[p.pos]
			p.pos++
			return true
		}
		if p.done {
			p.cur = nil
			return false
		}
		if err := p.ctx.Err(); err != nil {
			p.err = err
			return false
		}
		recs, last, more, err := p.fetch(p.ctx, p.last)
		if err != nil {
			p.err = err
			return false
		}
		p.buf, p.pos = recs, 0
		if last != nil {
			p.last = last
		}
		p.done = !more
	}
}

func (p *page) Record() *Record { return p.cur }

func (p *page) Err() error { return p.err }

func (p *page) Reset() {
	p.buf, p.pos, p.last, p.done, p.cur, p.err = nil, 0, nil, false, nil, nil
}

func (p *page) Close() error {
	p.buf, p.cur, p.done = nil, nil, true
	return nil
}

// errCursor курсор, сразу возвращающий ошибку
type errCursor struct{ err error }

func (c errCursor) Next() bool      { return false }
func (c errCursor) Record() *Record { return nil }
func (c errCursor) Err() error      { return c.err }
func (c errCursor) Reset()          {}
func (c errCursor) Close() error    { return nil }

// merged сливает курсоры разделов индекса в один поток по времени начала.
// Разделы перечисляются заново при первом Next после создания или Reset.
type merged struct {
	ctx   context.Context
	desc  bool
	parts func(ctx context.Context) ([]Cursor, error)

	heads   []Cursor // у каждого есть непрочитанная текущая запись
	from    int      // курсор, отдавший cur; -1 если такого нет
	started bool
	cur     *Record
	err     error
}

func newMergedCursor(ctx context.Context, desc bool, parts func(ctx context.Context) ([]Cursor, error)) *merged {
	return &merged{ctx: ctx, desc: desc, parts: parts, from: -1}
}

func (m *merged) Next() bool {
	if m.err != nil {
		return false
	}
	if !m.started {
		m.started = true
		parts, err := m.parts(m.ctx)
		if err != nil {
			m.err = err
			return false
		}
		for _, c := range parts {
			if !m.advance(c) {
				return false
			}
		}
	} else if m.from >= 0 {
		c := m.heads[m.from]
		m.heads = append(m.heads[:m.from], m.heads[m.from+1:]...)
		m.from = -1
		if !m.advance(c) {
			return false
		}
	}

	if len(m.heads) == 0 {
		m.cur = nil
		return false
	}
	best := 0
	for i := 1; i < len(m.heads); i++ {
		if m.before(m.heads[i].Record(), m.heads[best].Record()) {
			best = i
		}
	}
	m.from = best
	m.cur = m.heads[best].Record()
	return true
}

// advance сдвигает курсор раздела и возвращает его в список голов, если записи остались
func (m *merged) advance(c Cursor) bool {
	if c.Next() {
		m.heads = append(m.heads, c)
		return true
	}
	if err := c.Err(); err != nil {
		m.err = err
		return false
	}
	_ = c.Close()
	return true
}

func (m *merged) before(a, b *Record) bool {
	as, bs := a.Header.Start.UnixMilli(), b.Header.Start.UnixMilli()
	if as == bs {
		if m.desc {
			return a.Index > b.Index
		}
		return a.Index < b.Index
	}
	if m.desc {
		return as > bs
	}
	return as < bs
}

func (m *merged) Record() *Record { return m.cur }

func (m *merged) Err() error { return m.err }

func (m *merged) Reset() {
	_ = m.Close()
	m.heads, m.from, m.started, m.cur, m.err = nil, -1, false, nil, nil
}

func (m *merged) Close() error {
	for _, c := range m.heads {
		_ = c.Close()
	}
	m.heads, m.from, m.cur = nil, -1, nil
	m.started = true
	return nil
}
