package logging

import (
	"sort"
	"sync"
)

// Компоненты редактора, у каждого свой логгер
const (
	ComponentQueue    = "queue"
	ComponentWorld    = "world"
	ComponentRollback = "rollback"
	ComponentJournal  = "journal"
	ComponentActors   = "actors"
	ComponentEvents   = "events"
)

// Registry раздаёт логгеры компонентов поверх одного базового логгера.
// Все они пишут в те же консоль и файл, отличаются только именем.
type Registry struct {
	base *Logger

	mu      sync.Mutex
	loggers map[string]*Logger
}

// NewRegistry создаёт реестр. nil означает Default().
func NewRegistry(base *Logger) *Registry {
	if base == nil {
		base = Default()
	}
	return &Registry{base: base, loggers: make(map[string]*Logger)}
}

// Base базовый логгер реестра
func (r *Registry) Base() *Logger {
	return r.base
}

// For возвращает логгер компонента; повторный вызов отдаёт тот же экземпляр
func (r *Registry) For(component string) *Logger {
	r.mu.Lock()
	defer r.mu.Unlock()

	if l, ok := r.loggers[component]; ok {
		return l
	}
	l := r.base.Named(component)
	r.loggers[component] = l
	return l
}

// Components отсортированный список выданных компонентов
func (r *Registry) Components() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	names := make([]string, 0, len(r.loggers))
	for name := range r.loggers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
