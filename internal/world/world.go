package world

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/annel0/blockedit/internal/logging"
	"github.com/annel0/blockedit/internal/vec"
	"github.com/annel0/blockedit/internal/world/block"
	"golang.org/x/sync/singleflight"
)

// StoreConfig параметры хранилища чанков
type StoreConfig struct {
	Height        int           // высота мира, по умолчанию 256
	FlushInterval time.Duration // период фонового сохранения
	IdleTimeout   time.Duration // через сколько простоя чанк выгружается
	Logger        *logging.Logger
}

func (c *StoreConfig) setDefaults() {
	if c.Height <= 0 {
		c.Height = DefaultHeight
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = 30 * time.Second
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 5 * time.Minute
	}
	if c.Logger == nil {
		c.Logger = logging.NewNop()
	}
}

type chunkKey struct {
	world string
	pos   vec.ChunkPos
}

func (k chunkKey) String() string {
	return fmt.Sprintf("%s:%d:%d", k.world, k.pos.X, k.pos.Z)
}

// Store владеет данными всех загруженных чанков.
//
// Мьютекс защищает только карту чанков. Эксклюзивность записи в чанк
// обеспечивается закреплением чанка за полосой очереди, а не блокировками.
type Store struct {
	cfg     StoreConfig
	backend Backend
	log     *logging.Logger

	mu     sync.RWMutex
	chunks map[chunkKey]*Chunk
	loads  singleflight.Group
}

// NewStore создаёт хранилище поверх backend
func NewStore(backend Backend, cfg StoreConfig) *Store {
	cfg.setDefaults()
	return &Store{
		cfg:     cfg,
		backend: backend,
		log:     cfg.Logger,
		chunks:  make(map[chunkKey]*Chunk),
	}
}

// Height высота мира
func (s *Store) Height() int {
	return s.cfg.Height
}

// CheckBounds проверяет, что y лежит в [0, height)
func (s *Store) CheckBounds(worldName string, pos vec.Vec3) error {
	if pos.Y < 0 || pos.Y >= s.cfg.Height {
		return &OutOfBoundsError{World: worldName, Pos: pos, Height: s.cfg.Height}
	}
	return nil
}

// Acquire возвращает закреплённый чанк, загружая его при первом обращении.
// Закреплённый чанк не выгружается; каждый Acquire парный с Release.
func (s *Store) Acquire(ctx context.Context, worldName string, pos vec.ChunkPos) (*Chunk, error) {
	key := chunkKey{world: worldName, pos: pos}
	for {
		if c := s.pin(key); c != nil {
			return c, nil
		}
		if _, err, _ := s.loads.Do(key.String(), func() (interface{}, error) {
			return s.load(ctx, key)
		}); err != nil {
			return nil, err
		}
	}
}

// Release снимает закрепление
func (s *Store) Release(c *Chunk) {
	c.touch()
	c.pins.Add(-1)
}

func (s *Store) pin(key chunkKey) *Chunk {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.chunks[key]
	if !ok {
		return nil
	}
	// Закрепление под RLock исключает гонку с EvictIdle, который держит Lock
	c.pins.Add(1)
	c.touch()
	return c
}

func (s *Store) load(ctx context.Context, key chunkKey) (*Chunk, error) {
	s.mu.RLock()
	existing := s.chunks[key]
	s.mu.RUnlock()
	if existing != nil {
		return existing, nil
	}

	raw, err := s.backend.LoadChunk(ctx, key.world, key.pos)
	if err != nil {
		return nil, fmt.Errorf("не удалось загрузить чанк %s: %w", key, err)
	}

	c := NewChunk(key.world, key.pos, s.cfg.Height)
	if raw != nil {
		if err := c.Fill(raw); err != nil {
			return nil, err
		}
	}

	s.mu.Lock()
	if existing := s.chunks[key]; existing != nil {
		c = existing
	} else {
		s.chunks[key] = c
	}
	s.mu.Unlock()

	s.log.Trace("чанк %s загружен", key)
	return c, nil
}

// GetBlock возвращает значение блока. Чанк загружается лениво.
func (s *Store) GetBlock(ctx context.Context, worldName string, pos vec.Vec3) (block.BlockID, error) {
	if err := s.CheckBounds(worldName, pos); err != nil {
		return 0, err
	}
	c, err := s.Acquire(ctx, worldName, pos.ChunkPos())
	if err != nil {
		return 0, err
	}
	defer s.Release(c)
	return c.GetBlock(pos.LocalInChunk()), nil
}

// SetBlockInternal записывает блок и возвращает предыдущее значение.
// Должен вызываться только полосой очереди, владеющей чанком.
func (s *Store) SetBlockInternal(ctx context.Context, worldName string, pos vec.Vec3, id block.BlockID) (block.BlockID, error) {
	if err := s.CheckBounds(worldName, pos); err != nil {
		return 0, err
	}
	c, err := s.Acquire(ctx, worldName, pos.ChunkPos())
	if err != nil {
		return 0, err
	}
	defer s.Release(c)
	return c.SetBlock(pos.LocalInChunk(), id), nil
}

// Flush сохраняет чанк, если в нём есть изменения. Повторный вызов ничего не делает.
// Незагруженный чанк сохранять нечего.
func (s *Store) Flush(ctx context.Context, worldName string, pos vec.ChunkPos) error {
	s.mu.RLock()
	c := s.chunks[chunkKey{world: worldName, pos: pos}]
	s.mu.RUnlock()
	if c == nil {
		return nil
	}
	return s.flushChunk(ctx, c)
}

func (s *Store) flushChunk(ctx context.Context, c *Chunk) error {
	c.flushMu.Lock()
	defer c.flushMu.Unlock()

	if !c.dirty.Swap(false) {
		return nil
	}
	if err := s.backend.SaveChunk(ctx, c.World, c.Coords, c.Snapshot()); err != nil {
		// Чанк остаётся грязным и будет сохранён на следующем цикле
		c.dirty.Store(true)
		return fmt.Errorf("не удалось сохранить чанк %s/%s: %w", c.World, c.Coords, err)
	}
	return nil
}

// FlushWorld сохраняет все грязные чанки мира
func (s *Store) FlushWorld(ctx context.Context, worldName string) error {
	return s.flushMatching(ctx, func(c *Chunk) bool { return c.World == worldName })
}

// FlushAll сохраняет все грязные чанки
func (s *Store) FlushAll(ctx context.Context) error {
	return s.flushMatching(ctx, func(*Chunk) bool { return true })
}

func (s *Store) flushMatching(ctx context.Context, match func(*Chunk) bool) error {
	var errs []error
	for _, c := range s.snapshot() {
		if !match(c) || !c.IsDirty() {
			continue
		}
		if err := s.flushChunk(ctx, c); err != nil {
			s.log.Error("❌ %v", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// EvictIdle сохраняет и выгружает чанки, к которым не обращались дольше idle.
// Закреплённые и несохранённые чанки остаются в памяти.
func (s *Store) EvictIdle(ctx context.Context, idle time.Duration) (int, error) {
	deadline := time.Now().Add(-idle)
	var errs []error
	evicted := 0

	for _, c := range s.snapshot() {
		if c.Pinned() || c.LastTouch().After(deadline) {
			continue
		}
		if err := s.flushChunk(ctx, c); err != nil {
			errs = append(errs, err)
			continue
		}

		key := chunkKey{world: c.World, pos: c.Coords}
		s.mu.Lock()
		if cur := s.chunks[key]; cur == c && !c.Pinned() && !c.IsDirty() && !c.LastTouch().After(deadline) {
			delete(s.chunks, key)
			evicted++
		}
		s.mu.Unlock()
	}

	if evicted > 0 {
		s.log.Debug("выгружено %d простаивающих чанков", evicted)
	}
	return evicted, errors.Join(errs...)
}

// Loaded количество чанков в памяти
func (s *Store) Loaded() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.chunks)
}

// DirtyCount количество чанков с несохранёнными изменениями
func (s *Store) DirtyCount() int {
	n := 0
	for _, c := range s.snapshot() {
		if c.IsDirty() {
			n++
		}
	}
	return n
}

func (s *Store) snapshot() []*Chunk {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Chunk, 0, len(s.chunks))
	for _, c := range s.chunks {
		out = append(out, c)
	}
	return out
}

// Run запускает фоновое сохранение и выгрузку до отмены контекста
func (s *Store) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.FlushAll(ctx); err != nil {
				s.log.Warn("автосохранение завершилось с ошибками: %v", err)
			}
			if _, err := s.EvictIdle(ctx, s.cfg.IdleTimeout); err != nil {
				s.log.Warn("выгрузка чанков завершилась с ошибками: %v", err)
			}
		}
	}
}
