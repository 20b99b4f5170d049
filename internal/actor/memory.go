package actor

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// MemoryDirectory потокобезопасный справочник акторов в памяти.
// Подходит для тестов и одиночного сервера без базы.
type MemoryDirectory struct {
	mu    sync.RWMutex
	names map[string]uuid.UUID // key = lowercase(name)
}

// NewMemoryDirectory создаёт пустой справочник
func NewMemoryDirectory() *MemoryDirectory {
	return &MemoryDirectory{names: make(map[string]uuid.UUID)}
}

// Register сопоставляет имя идентификатору; повторная регистрация перезаписывает
func (d *MemoryDirectory) Register(name string, id uuid.UUID) {
	d.mu.Lock()
	d.names[normalize(name)] = id
	d.mu.Unlock()
}

// ResolveName без учёта регистра
func (d *MemoryDirectory) ResolveName(_ context.Context, name string) (uuid.UUID, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	id, ok := d.names[normalize(name)]
	if !ok {
		return uuid.Nil, ErrActorNotFound
	}
	return id, nil
}
