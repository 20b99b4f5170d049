package auth

import (
	"errors"
	"strings"
	"sync"
)

// ErrBadCredentials неверное имя оператора или пароль
var ErrBadCredentials = errors.New("неверное имя оператора или пароль")

// Operator учётная запись административного API
type Operator struct {
	Name         string
	PasswordHash string // bcrypt
	IsAdmin      bool   // откат и чужие сессии доступны только админам
}

// Operators хранит операторов в памяти
type Operators struct {
	mu  sync.RWMutex
	ops map[string]*Operator
}

// NewOperators создаёт хранилище операторов
func NewOperators(ops ...Operator) *Operators {
	o := &Operators{ops: make(map[string]*Operator)}
	for i := range ops {
		o.Add(ops[i])
	}
	return o
}

// Add добавляет или заменяет оператора
func (o *Operators) Add(op Operator) {
	o.mu.Lock()
	o.ops[strings.ToLower(op.Name)] = &op
	o.mu.Unlock()
}

// Authenticate проверяет пароль оператора
func (o *Operators) Authenticate(name, password string) (*Operator, error) {
	o.mu.RLock()
	op, ok := o.ops[strings.ToLower(name)]
	o.mu.RUnlock()
	if !ok || !CheckPassword(op.PasswordHash, password) {
		return nil, ErrBadCredentials
	}
	return op, nil
}

// Len число операторов
func (o *Operators) Len() int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return len(o.ops)
}
