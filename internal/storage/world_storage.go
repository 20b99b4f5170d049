package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/annel0/blockedit/internal/vec"
	"github.com/annel0/blockedit/internal/world/block"
	"github.com/dgraph-io/badger/v3"
)

// ErrNotReady хранилище закрыто или не открыто
var ErrNotReady = errors.New("хранилище не готово")

// WorldStorage хранит массивы блоков чанков в BadgerDB.
// Реализует world.Backend.
type WorldStorage struct {
	db      *badger.DB
	dbPath  string
	codec   chunkCodec
	mutex   sync.RWMutex
	isReady bool
}

// NewWorldStorage открывает хранилище в <dataPath>/world.
// Пустой dataPath открывает BadgerDB в памяти.
func NewWorldStorage(dataPath string) (*WorldStorage, error) {
	var opts badger.Options
	dbPath := ""
	if dataPath == "" {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		dbPath = filepath.Join(dataPath, "world")
		opts = badger.DefaultOptions(dbPath)
	}
	opts.Logger = nil // Отключаем логирование BadgerDB

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("не удалось открыть BadgerDB: %w", err)
	}

	return &WorldStorage{
		db:      db,
		dbPath:  dbPath,
		isReady: true,
	}, nil
}

// Close закрывает хранилище данных
func (ws *WorldStorage) Close() error {
	ws.mutex.Lock()
	defer ws.mutex.Unlock()

	if !ws.isReady {
		return nil
	}

	ws.isReady = false
	ws.codec.close()
	return ws.db.Close()
}

func chunkKey(world string, pos vec.ChunkPos) []byte {
	return []byte(fmt.Sprintf("chunk:%s:%d:%d", world, pos.X, pos.Z))
}

// SaveChunk сохраняет массив блоков чанка
func (ws *WorldStorage) SaveChunk(ctx context.Context, world string, pos vec.ChunkPos, blocks []block.BlockID) error {
	ws.mutex.RLock()
	defer ws.mutex.RUnlock()

	if !ws.isReady {
		return ErrNotReady
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := ws.codec.encode(blocks)
	if err != nil {
		return err
	}

	err = ws.db.Update(func(txn *badger.Txn) error {
		return txn.Set(chunkKey(world, pos), data)
	})
	if err != nil {
		return fmt.Errorf("ошибка сохранения в BadgerDB: %w", err)
	}
	return nil
}

// LoadChunk загружает массив блоков; (nil, nil) если чанк не сохранялся
func (ws *WorldStorage) LoadChunk(ctx context.Context, world string, pos vec.ChunkPos) ([]block.BlockID, error) {
	ws.mutex.RLock()
	defer ws.mutex.RUnlock()

	if !ws.isReady {
		return nil, ErrNotReady
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var data []byte
	err := ws.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(chunkKey(world, pos))
		if err != nil {
			return err
		}
		data, err = item.ValueCopy(nil)
		return err
	})

	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("ошибка чтения из BadgerDB: %w", err)
	}

	return ws.codec.decode(data)
}

// ListChunks возвращает координаты всех сохранённых чанков мира
func (ws *WorldStorage) ListChunks(ctx context.Context, world string) ([]vec.ChunkPos, error) {
	ws.mutex.RLock()
	defer ws.mutex.RUnlock()

	if !ws.isReady {
		return nil, ErrNotReady
	}

	prefix := []byte(fmt.Sprintf("chunk:%s:", world))
	var out []vec.ChunkPos
	err := ws.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			rest := bytes.TrimPrefix(it.Item().Key(), prefix)
			var pos vec.ChunkPos
			if _, err := fmt.Sscanf(string(rest), "%d:%d", &pos.X, &pos.Z); err != nil {
				return fmt.Errorf("некорректный ключ чанка %q: %w", it.Item().Key(), err)
			}
			out = append(out, pos)
		}
		return nil
	})
	return out, err
}
