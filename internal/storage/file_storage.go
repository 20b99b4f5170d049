package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/annel0/blockedit/internal/vec"
	"github.com/annel0/blockedit/internal/world/block"
)

// FileStorage хранит каждый чанк отдельным файлом <base>/<world>/chunk_X_Z.zst.
// Реализует world.Backend.
type FileStorage struct {
	basePath string
	codec    chunkCodec
	mu       sync.Mutex // сериализует запись файлов
}

// NewFileStorage создаёт файловое хранилище
func NewFileStorage(basePath string) (*FileStorage, error) {
	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, fmt.Errorf("не удалось создать директорию %s: %w", basePath, err)
	}
	return &FileStorage{basePath: basePath}, nil
}

func (fs *FileStorage) chunkFilename(world string, pos vec.ChunkPos) string {
	return filepath.Join(fs.basePath, world, fmt.Sprintf("chunk_%d_%d.zst", pos.X, pos.Z))
}

// LoadChunk читает файл чанка; отсутствующий файл означает новый чанк
func (fs *FileStorage) LoadChunk(ctx context.Context, world string, pos vec.ChunkPos) ([]block.BlockID, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(fs.chunkFilename(world, pos))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("ошибка чтения чанка %s/%s: %w", world, pos, err)
	}
	return fs.codec.decode(data)
}

// SaveChunk атомарно заменяет файл чанка (запись во временный файл и rename)
func (fs *FileStorage) SaveChunk(ctx context.Context, world string, pos vec.ChunkPos, blocks []block.BlockID) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := fs.codec.encode(blocks)
	if err != nil {
		return err
	}

	fs.mu.Lock()
	defer fs.mu.Unlock()

	filename := fs.chunkFilename(world, pos)
	if err := os.MkdirAll(filepath.Dir(filename), 0755); err != nil {
		return fmt.Errorf("не удалось создать директорию мира: %w", err)
	}

	tmp := filename + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("ошибка записи чанка %s/%s: %w", world, pos, err)
	}
	if err := os.Rename(tmp, filename); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("ошибка замены файла чанка: %w", err)
	}
	return nil
}

// Close освобождает кодек
func (fs *FileStorage) Close() error {
	fs.codec.close()
	return nil
}
