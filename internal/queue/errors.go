package queue

import (
	"errors"
	"fmt"
)

var (
	// ErrQueueSaturated бюджет полосы исчерпан в неблокирующем режиме
	ErrQueueSaturated = errors.New("очередь блоков переполнена")
	// ErrWouldBlock истёк срок ожидания места в очереди
	ErrWouldBlock = errors.New("очередь блоков занята, операция не поставлена")
	// ErrAbandoned пачка отменена до начала применения
	ErrAbandoned = errors.New("пачка отменена")
	// ErrClosed очередь остановлена
	ErrClosed = errors.New("очередь блоков остановлена")
)

// QueueSaturatedError полоса переполнена; Accepted операций уже поставлено и будет применено
type QueueSaturatedError struct {
	Lane     int
	Accepted int
	Total    int
}

func (e *QueueSaturatedError) Error() string {
	return fmt.Sprintf("полоса %d переполнена: принято %d из %d операций", e.Lane, e.Accepted, e.Total)
}

func (e *QueueSaturatedError) Is(target error) bool {
	return target == ErrQueueSaturated
}

// WouldBlockError истёк таймаут постановки; Accepted операций уже поставлено
type WouldBlockError struct {
	Lane     int
	Accepted int
	Total    int
}

func (e *WouldBlockError) Error() string {
	return fmt.Sprintf("полоса %d занята: принято %d из %d операций до истечения таймаута", e.Lane, e.Accepted, e.Total)
}

func (e *WouldBlockError) Is(target error) bool {
	return target == ErrWouldBlock
}
