package world

import (
	"context"
	"fmt"
	"sync"

	"github.com/annel0/blockedit/internal/vec"
	"github.com/annel0/blockedit/internal/world/block"
)

// Backend хранилище сырых массивов блоков. Предоставляется хостом.
type Backend interface {
	// LoadChunk возвращает массив блоков или (nil, nil), если чанк ещё не сохранялся
	LoadChunk(ctx context.Context, world string, pos vec.ChunkPos) ([]block.BlockID, error)
	// SaveChunk сохраняет массив блоков целиком
	SaveChunk(ctx context.Context, world string, pos vec.ChunkPos, blocks []block.BlockID) error
}

// MemoryBackend хранит чанки в памяти процесса. Для тестов и временных миров.
type MemoryBackend struct {
	mu     sync.RWMutex
	chunks map[string][]block.BlockID
	saves  int
}

// NewMemoryBackend создаёт пустой backend
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{chunks: make(map[string][]block.BlockID)}
}

func memoryKey(world string, pos vec.ChunkPos) string {
	return fmt.Sprintf("%s:%d:%d", world, pos.X, pos.Z)
}

func (m *MemoryBackend) LoadChunk(ctx context.Context, world string, pos vec.ChunkPos) ([]block.BlockID, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	raw, ok := m.chunks[memoryKey(world, pos)]
	if !ok {
		return nil, nil
	}
	return append([]block.BlockID(nil), raw...), nil
}

func (m *MemoryBackend) SaveChunk(ctx context.Context, world string, pos vec.ChunkPos, blocks []block.BlockID) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	m.chunks[memoryKey(world, pos)] = append([]block.BlockID(nil), blocks...)
	m.saves++
	m.mu.Unlock()
	return nil
}

// Saves количество выполненных сохранений
func (m *MemoryBackend) Saves() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.saves
}
