package block

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
)

// BlockID представляет идентификатор блока. Значение непрозрачно для очереди и истории.
type BlockID uint32

// Константы ID блоков
const (
	AirBlockID   BlockID = iota // 0
	StoneBlockID                // 1
	GrassBlockID                // 2
	WaterBlockID                // 3
	SandBlockID                 // 4
	DirtBlockID                 // 5

	// Декоративные блоки (начиная с 100)
	FlowerBlockID BlockID = 100
	TreeBlockID   BlockID = 101

	// Интерактивные блоки (начиная с 200)
	ChestBlockID BlockID = 200
	DoorBlockID  BlockID = 201
)

// Registry хранит соответствие ID и имён блоков. Нужен только для человекочитаемого вывода.
type Registry struct {
	mu     sync.RWMutex
	names  map[BlockID]string
	byName map[string]BlockID
}

// NewRegistry создаёт реестр с базовыми блоками
func NewRegistry() *Registry {
	r := &Registry{
		names:  make(map[BlockID]string),
		byName: make(map[string]BlockID),
	}
	for id, name := range map[BlockID]string{
		AirBlockID:    "air",
		StoneBlockID:  "stone",
		GrassBlockID:  "grass",
		WaterBlockID:  "water",
		SandBlockID:   "sand",
		DirtBlockID:   "dirt",
		FlowerBlockID: "flower",
		TreeBlockID:   "tree",
		ChestBlockID:  "chest",
		DoorBlockID:   "door",
	} {
		r.names[id] = name
		r.byName[name] = id
	}
	return r
}

// Register добавляет блок в реестр. Повторная регистрация имени с другим ID: ошибка.
func (r *Registry) Register(id BlockID, name string) error {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return fmt.Errorf("пустое имя блока для id %d", id)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.byName[name]; ok && existing != id {
		return fmt.Errorf("имя %q уже занято блоком %d", name, existing)
	}
	r.names[id] = name
	r.byName[name] = id
	return nil
}

// Name возвращает имя блока или его числовой ID, если блок неизвестен
func (r *Registry) Name(id BlockID) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if name, ok := r.names[id]; ok {
		return name
	}
	return strconv.FormatUint(uint64(id), 10)
}

// Parse разбирает имя блока или число
func (r *Registry) Parse(s string) (BlockID, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	r.mu.RLock()
	id, ok := r.byName[s]
	r.mu.RUnlock()
	if ok {
		return id, nil
	}
	n, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("неизвестный блок %q", s)
	}
	return BlockID(n), nil
}
