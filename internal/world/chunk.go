package world

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/annel0/blockedit/internal/vec"
	"github.com/annel0/blockedit/internal/world/block"
)

// DefaultHeight высота мира по умолчанию
const DefaultHeight = 256

// Chunk представляет столб мира 16 x height x 16.
//
// Писатель у чанка ровно один: полоса очереди, за которой закреплён чанк.
// Читатели (GetBlock, Flush) используют атомарные загрузки, поэтому
// на пути записи блока мьютекса нет.
type Chunk struct {
	World  string
	Coords vec.ChunkPos

	height int
	blocks []atomic.Uint32

	dirty     atomic.Bool
	pins      atomic.Int32
	lastTouch atomic.Int64 // unix nano

	flushMu sync.Mutex // сериализует сохранения одного чанка
}

// NewChunk создаёт пустой (из воздуха) чанк
func NewChunk(worldName string, coords vec.ChunkPos, height int) *Chunk {
	c := &Chunk{
		World:  worldName,
		Coords: coords,
		height: height,
		blocks: make([]atomic.Uint32, vec.ChunkSize*vec.ChunkSize*height),
	}
	c.touch()
	return c
}

// Height высота чанка
func (c *Chunk) Height() int {
	return c.height
}

// Volume количество блоков в чанке
func (c *Chunk) Volume() int {
	return len(c.blocks)
}

// index раскладка: y-слои, внутри слоя строки по z, внутри строки x
func (c *Chunk) index(local vec.Vec3) int {
	return (local.Y*vec.ChunkSize+local.Z)*vec.ChunkSize + local.X
}

// GetBlock возвращает блок по локальным координатам. Y должен быть в [0, height).
func (c *Chunk) GetBlock(local vec.Vec3) block.BlockID {
	return block.BlockID(c.blocks[c.index(local)].Load())
}

// SetBlock записывает блок и возвращает предыдущее значение.
// Вызывается только владельцем чанка (полосой очереди).
func (c *Chunk) SetBlock(local vec.Vec3, id block.BlockID) block.BlockID {
	slot := &c.blocks[c.index(local)]
	prev := block.BlockID(slot.Load())
	if prev == id {
		return prev
	}
	slot.Store(uint32(id))
	c.dirty.Store(true)
	return prev
}

// Snapshot копирует массив блоков для сохранения
func (c *Chunk) Snapshot() []block.BlockID {
	out := make([]block.BlockID, len(c.blocks))
	for i := range c.blocks {
		out[i] = block.BlockID(c.blocks[i].Load())
	}
	return out
}

// Fill загружает сырой массив блоков. Используется при подгрузке из хранилища.
func (c *Chunk) Fill(raw []block.BlockID) error {
	if len(raw) != len(c.blocks) {
		return fmt.Errorf("неверный размер чанка %s: %d блоков, ожидалось %d", c.Coords, len(raw), len(c.blocks))
	}
	for i, id := range raw {
		c.blocks[i].Store(uint32(id))
	}
	return nil
}

// IsDirty есть ли несохранённые изменения
func (c *Chunk) IsDirty() bool {
	return c.dirty.Load()
}

// Pinned закреплён ли чанк полосой очереди
func (c *Chunk) Pinned() bool {
	return c.pins.Load() > 0
}

// LastTouch время последнего обращения
func (c *Chunk) LastTouch() time.Time {
	return time.Unix(0, c.lastTouch.Load())
}

func (c *Chunk) touch() {
	c.lastTouch.Store(time.Now().UnixNano())
}
