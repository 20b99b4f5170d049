package queue

import (
	"time"

	"github.com/annel0/blockedit/internal/changeset"
	"github.com/annel0/blockedit/internal/region"
)

// SubmitOption настройка постановки в очередь
type SubmitOption func(*submitOptions)

type submitOptions struct {
	nonBlocking bool
	timeout     time.Duration
	ephemeral   bool
	mask        *region.Mask
	maskSet     bool
	reversed    bool
	onSealed    []func(*changeset.ChangeSet)
}

// NonBlocking при исчерпании бюджета полосы сразу возвращает QueueSaturatedError
func NonBlocking() SubmitOption {
	return func(o *submitOptions) { o.nonBlocking = true }
}

// WithTimeout ограничивает ожидание места в очереди (вместо Config.SubmitTimeout)
func WithTimeout(d time.Duration) SubmitOption {
	return func(o *submitOptions) { o.timeout = d }
}

// Ephemeral набор изменений не сохраняется в журнал отката
func Ephemeral() SubmitOption {
	return func(o *submitOptions) { o.ephemeral = true }
}

// WithMask задаёт маску явно, без обращения к провайдеру. nil снимает ограничения.
func WithMask(m *region.Mask) SubmitOption {
	return func(o *submitOptions) {
		o.mask = m
		o.maskSet = true
	}
}

// OnSealed вызывается после запечатывания набора, до разрешения Batch
func OnSealed(fn func(*changeset.ChangeSet)) SubmitOption {
	return func(o *submitOptions) { o.onSealed = append(o.onSealed, fn) }
}

func asReversed() SubmitOption {
	return func(o *submitOptions) { o.reversed = true }
}

// IsEphemeral сообщает, помечают ли опции набор как эфемерный
func IsEphemeral(opts ...SubmitOption) bool {
	var so submitOptions
	for _, o := range opts {
		o(&so)
	}
	return so.ephemeral
}
