package rollback

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"path/filepath"
	"sync"

	"github.com/annel0/blockedit/internal/changeset"
	"github.com/annel0/blockedit/internal/logging"
	"github.com/dgraph-io/badger/v3"
	"github.com/google/uuid"
)

// Раскладка ключей:
//
//	rb:i:<actor 16><worldLen u16><world><startMillis u64><index u64> -> заголовок
//	rb:d:<index u64> -> полный бинарный набор
//
// Ключи индекса упорядочены по (actor, world, start), поэтому выборка
// по актору, миру и времени не требует полного сканирования.
var (
	indexPrefix = []byte("rb:i:")
	bodyPrefix  = []byte("rb:d:")
	seqKey      = []byte("rb:seq")
)

// BadgerStore журнал отката в BadgerDB
type BadgerStore struct {
	db     *badger.DB
	dbPath string
	seq    *badger.Sequence
	log    *logging.Logger

	mutex   sync.RWMutex // защищает только открытость базы
	isReady bool
}

// NewBadgerStore открывает журнал в <dataPath>/rollback.
// Пустой dataPath открывает BadgerDB в памяти.
func NewBadgerStore(dataPath string, log *logging.Logger) (*BadgerStore, error) {
	if log == nil {
		log = logging.NewNop()
	}
	var opts badger.Options
	dbPath := ""
	if dataPath == "" {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		dbPath = filepath.Join(dataPath, "rollback")
		opts = badger.DefaultOptions(dbPath)
	}
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("не удалось открыть BadgerDB журнала: %w", err)
	}
	seq, err := db.GetSequence(seqKey, 256)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("не удалось получить последовательность индексов: %w", err)
	}

	return &BadgerStore{
		db:      db,
		dbPath:  dbPath,
		seq:     seq,
		log:     log,
		isReady: true,
	}, nil
}

func worldPrefix(actor uuid.UUID, world string) []byte {
	k := make([]byte, 0, len(indexPrefix)+16+2+len(world))
	k = append(k, indexPrefix...)
	k = append(k, actor[:]...)
	k = binary.BigEndian.AppendUint16(k, uint16(len(world)))
	return append(k, world...)
}

func indexKey(h changeset.Header, index uint64) []byte {
	k := worldPrefix(h.Actor, h.World)
	k = binary.BigEndian.AppendUint64(k, uint64(h.Start.UnixMilli()))
	return binary.BigEndian.AppendUint64(k, index)
}

func bodyKey(index uint64) []byte {
	return binary.BigEndian.AppendUint64(append([]byte(nil), bodyPrefix...), index)
}

// Append сохраняет набор. Индекс и тело пишутся одной транзакцией.
func (s *BadgerStore) Append(ctx context.Context, cs *changeset.ChangeSet) (*Record, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	if !s.isReady {
		return nil, ErrStoreClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(cs.World()) > math.MaxUint16 {
		return nil, fmt.Errorf("слишком длинное имя мира: %d байт", len(cs.World()))
	}

	body, err := changeset.Encode(cs)
	if err != nil {
		return nil, err
	}
	h := cs.Header()
	head, err := changeset.EncodeHeader(h)
	if err != nil {
		return nil, err
	}
	index, err := s.seq.Next()
	if err != nil {
		return nil, fmt.Errorf("не удалось выделить индекс записи: %w", err)
	}

	key := indexKey(h, index)
	err = s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(key, head); err != nil {
			return err
		}
		return txn.Set(bodyKey(index), body)
	})
	if err != nil {
		return nil, fmt.Errorf("ошибка записи набора в журнал: %w", err)
	}

	rec := &Record{Index: index, Header: h, key: key}
	rec.load = s.loader(index)
	return rec, nil
}

func (s *BadgerStore) loader(index uint64) func(context.Context) ([]byte, error) {
	return func(ctx context.Context) ([]byte, error) {
		s.mutex.RLock()
		defer s.mutex.RUnlock()
		if !s.isReady {
			return nil, ErrStoreClosed
		}
		var data []byte
		err := s.db.View(func(txn *badger.Txn) error {
			item, err := txn.Get(bodyKey(index))
			if err != nil {
				return err
			}
			data, err = item.ValueCopy(nil)
			return err
		})
		return data, err
	}
}

// Delete удаляет индекс и тело записи в отдельной транзакции
func (s *BadgerStore) Delete(ctx context.Context, rec *Record) error {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	if !s.isReady {
		return ErrStoreClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	key := rec.key
	if key == nil {
		key = indexKey(rec.Header, rec.Index)
	}

	for attempt := 0; ; attempt++ {
		err := s.db.Update(func(txn *badger.Txn) error {
			if err := txn.Delete(key); err != nil {
				return err
			}
			return txn.Delete(bodyKey(rec.Index))
		})
		if errors.Is(err, badger.ErrConflict) && attempt < 3 {
			continue
		}
		if err != nil {
			return fmt.Errorf("ошибка удаления записи %s: %w", rec.ID(), err)
		}
		return nil
	}
}

// Query обходит индекс страницами; каждая страница читается своей транзакцией,
// поэтому удаления во время обхода безопасны. Без точной пары (actor, world)
// разделы индекса сливаются по времени начала.
func (s *BadgerStore) Query(ctx context.Context, q Query) Cursor {
	if q.Actor != uuid.Nil && q.World != "" {
		return s.partition(ctx, q, worldPrefix(q.Actor, q.World))
	}
	return newMergedCursor(ctx, q.Descending, func(ctx context.Context) ([]Cursor, error) {
		prefixes, err := s.partitions(q)
		if err != nil {
			return nil, err
		}
		parts := make([]Cursor, 0, len(prefixes))
		for _, prefix := range prefixes {
			parts = append(parts, s.partition(ctx, q, prefix))
		}
		return parts, nil
	})
}

// partitions перечисляет префиксы (actor, world), попадающие под запрос
func (s *BadgerStore) partitions(q Query) ([][]byte, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	if !s.isReady {
		return nil, ErrStoreClosed
	}

	prefix := append([]byte(nil), indexPrefix...)
	if q.Actor != uuid.Nil {
		prefix = append(prefix, q.Actor[:]...)
	}

	var out [][]byte
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		it.Seek(prefix)
		for it.ValidForPrefix(prefix) {
			key := it.Item().KeyCopy(nil)
			// Ключ: префикс раздела, start (8 байт), index (8 байт)
			part := key[:len(key)-16]
			if q.World == "" || worldOf(part) == q.World {
				out = append(out, part)
			}
			it.Seek(append(append([]byte(nil), part...), bytes.Repeat([]byte{0xFF}, 17)...))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("ошибка чтения разделов журнала: %w", err)
	}
	return out, nil
}

func worldOf(part []byte) string {
	return string(part[len(indexPrefix)+16+2:])
}

// partition обходит один раздел индекса в порядке времени начала
func (s *BadgerStore) partition(ctx context.Context, q Query, prefix []byte) Cursor {
	var afterMs uint64
	if !q.After.IsZero() && q.After.UnixMilli() > 0 {
		afterMs = uint64(q.After.UnixMilli())
	}

	return newPageCursor(ctx, func(ctx context.Context, after []byte) ([]*Record, []byte, bool, error) {
		s.mutex.RLock()
		defer s.mutex.RUnlock()
		if !s.isReady {
			return nil, nil, false, ErrStoreClosed
		}

		var (
			recs []*Record
			last []byte
			more bool
		)
		err := s.db.View(func(txn *badger.Txn) error {
			opts := badger.DefaultIteratorOptions
			opts.Prefix = prefix
			opts.Reverse = q.Descending
			opts.PrefetchSize = q.pageSize()
			it := txn.NewIterator(opts)
			defer it.Close()

			switch {
			case after != nil:
				it.Seek(after)
				if it.ValidForPrefix(prefix) && bytes.Equal(it.Item().Key(), after) {
					it.Next()
				}
			case q.Descending:
				it.Seek(append(append([]byte(nil), prefix...), bytes.Repeat([]byte{0xFF}, 17)...))
			case afterMs > 0:
				it.Seek(binary.BigEndian.AppendUint64(append([]byte(nil), prefix...), afterMs+1))
			default:
				it.Seek(prefix)
			}

			for ; it.ValidForPrefix(prefix); it.Next() {
				if len(recs) >= q.pageSize() {
					more = true
					return nil
				}
				item := it.Item()
				key := item.KeyCopy(nil)
				last = key

				if !q.After.IsZero() && q.Descending {
					ts := binary.BigEndian.Uint64(key[len(prefix):])
					if ts <= afterMs {
						// Дальше только более старые записи
						return nil
					}
				}

				val, err := item.ValueCopy(nil)
				if err != nil {
					return err
				}
				h, err := changeset.DecodeHeader(val)
				if err != nil {
					s.log.Warn("⚠️ Пропущен повреждённый заголовок %x: %v", key, err)
					continue
				}
				if !q.Match(h) {
					continue
				}
				index := binary.BigEndian.Uint64(key[len(key)-8:])
				rec := &Record{Index: index, Header: h, key: key}
				rec.load = s.loader(index)
				recs = append(recs, rec)
			}
			return nil
		})
		if err != nil {
			return nil, nil, false, fmt.Errorf("ошибка чтения индекса журнала: %w", err)
		}
		// Следующая страница начнётся строго после последнего просмотренного ключа
		return recs, last, more, nil
	})
}

// Count количество записей в журнале
func (s *BadgerStore) Count() (int, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	if !s.isReady {
		return 0, ErrStoreClosed
	}
	n := 0
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = indexPrefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			n++
		}
		return nil
	})
	return n, err
}

// Close освобождает последовательность и закрывает базу
func (s *BadgerStore) Close() error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if !s.isReady {
		return nil
	}
	s.isReady = false
	if err := s.seq.Release(); err != nil {
		s.log.Warn("⚠️ Не удалось освободить последовательность: %v", err)
	}
	return s.db.Close()
}
