package region

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// Provider отдаёт маску актора. Реализуется внешней системой прав/участков.
type Provider interface {
	MaskFor(ctx context.Context, actor uuid.UUID) (*Mask, error)
}

// ProviderFunc адаптер функции к Provider
type ProviderFunc func(ctx context.Context, actor uuid.UUID) (*Mask, error)

func (f ProviderFunc) MaskFor(ctx context.Context, actor uuid.UUID) (*Mask, error) {
	return f(ctx, actor)
}

// Unrestricted провайдер без ограничений
var Unrestricted Provider = ProviderFunc(func(context.Context, uuid.UUID) (*Mask, error) {
	return nil, nil
})

// StaticProvider хранит маски в памяти. Для неизвестных акторов возвращает маску по умолчанию.
type StaticProvider struct {
	mu    sync.RWMutex
	masks map[uuid.UUID]*Mask
	def   *Mask
}

// NewStaticProvider создаёт провайдер; def == nil означает «без ограничений» для неизвестных акторов
func NewStaticProvider(def *Mask) *StaticProvider {
	return &StaticProvider{
		masks: make(map[uuid.UUID]*Mask),
		def:   def,
	}
}

// Set заменяет маску актора
func (p *StaticProvider) Set(actor uuid.UUID, m *Mask) {
	p.mu.Lock()
	p.masks[actor] = m
	p.mu.Unlock()
}

// Remove удаляет маску актора, после чего действует маска по умолчанию
func (p *StaticProvider) Remove(actor uuid.UUID) {
	p.mu.Lock()
	delete(p.masks, actor)
	p.mu.Unlock()
}

func (p *StaticProvider) MaskFor(_ context.Context, actor uuid.UUID) (*Mask, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if m, ok := p.masks[actor]; ok {
		return m, nil
	}
	return p.def, nil
}
