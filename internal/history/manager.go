package history

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Session сессия редактирования актора со своим стеком
type Session struct {
	ID     uuid.UUID
	Actor  uuid.UUID
	Opened time.Time
	*Stack
}

// Manager хранит сессии. Актор может иметь одну текущую сессию;
// старые остаются доступны по ID до Close.
type Manager struct {
	maxSize int

	mu       sync.RWMutex
	sessions map[uuid.UUID]*Session
	current  map[uuid.UUID]uuid.UUID // actor -> session
}

// NewManager создаёт менеджер; maxSize глубина стека каждой сессии
func NewManager(maxSize int) *Manager {
	return &Manager{
		maxSize:  maxSize,
		sessions: make(map[uuid.UUID]*Session),
		current:  make(map[uuid.UUID]uuid.UUID),
	}
}

// Open открывает новую сессию и делает её текущей для актора
func (m *Manager) Open(actor uuid.UUID) *Session {
	s := &Session{
		ID:     uuid.New(),
		Actor:  actor,
		Opened: time.Now(),
		Stack:  NewStack(m.maxSize),
	}
	m.mu.Lock()
	m.sessions[s.ID] = s
	m.current[actor] = s.ID
	m.mu.Unlock()
	return s
}

// Get сессия по идентификатору
func (m *Manager) Get(id uuid.UUID) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	return s, ok
}

// ForActor текущая сессия актора. Позволяет отменять правки другого актора.
func (m *Manager) ForActor(actor uuid.UUID) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.current[actor]
	if !ok {
		return nil, false
	}
	s, ok := m.sessions[id]
	return s, ok
}

// Close удаляет сессию вместе с её историей
func (m *Manager) Close(id uuid.UUID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return
	}
	delete(m.sessions, id)
	if m.current[s.Actor] == id {
		delete(m.current, s.Actor)
	}
}

// Len количество открытых сессий
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}
