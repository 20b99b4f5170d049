package rollback

import (
	"errors"
	"fmt"
)

var (
	// ErrRollbackDisabled журнал отката выключен (use_database: false)
	ErrRollbackDisabled = errors.New("откат недоступен: журнал изменений выключен")
	// ErrInvalidDuration длительность нулевая или не разобрана
	ErrInvalidDuration = errors.New("недопустимая длительность")
	// ErrActorNotFound актор с таким именем неизвестен
	ErrActorNotFound = errors.New("актор не найден")
	// ErrStoreClosed хранилище уже закрыто
	ErrStoreClosed = errors.New("журнал отката закрыт")
	// ErrPersisterStopped запись в журнал остановлена
	ErrPersisterStopped = errors.New("фоновая запись журнала остановлена")
)

// ActorNotFoundError имя актора не разрешилось
type ActorNotFoundError struct {
	Name string
	Err  error
}

func (e *ActorNotFoundError) Error() string {
	return fmt.Sprintf("актор %q не найден", e.Name)
}

func (e *ActorNotFoundError) Is(target error) bool {
	return target == ErrActorNotFound
}

func (e *ActorNotFoundError) Unwrap() error {
	return e.Err
}

// InvalidDurationError строка длительности отклонена
type InvalidDurationError struct {
	Input string
}

func (e *InvalidDurationError) Error() string {
	return fmt.Sprintf("недопустимая длительность %q: ожидается, например, 25s, 1h30m или 2d", e.Input)
}

func (e *InvalidDurationError) Is(target error) bool {
	return target == ErrInvalidDuration
}
