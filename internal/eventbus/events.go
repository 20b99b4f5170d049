package eventbus

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/annel0/blockedit/internal/changeset"
	"github.com/annel0/blockedit/internal/region"
	"github.com/google/uuid"
)

// Типы событий редактора
const (
	EditCommitted     = "EditCommitted"
	EditUndone        = "EditUndone"
	EditRedone        = "EditRedone"
	RollbackCompleted = "RollbackCompleted"
)

// Source источник по умолчанию
const Source = "blockedit"

// EditPayload сводка набора изменений без самих записей
type EditPayload struct {
	Session  string     `json:"session,omitempty"`
	Actor    string     `json:"actor"`
	World    string     `json:"world"`
	Blocks   int        `json:"blocks"`
	FirstSeq uint64     `json:"first_seq"`
	LastSeq  uint64     `json:"last_seq"`
	StartMs  int64      `json:"start_ms"`
	EndMs    int64      `json:"end_ms"`
	Bounds   region.Box `json:"bounds"`
	Reversed bool       `json:"reversed,omitempty"`
}

// RollbackPayload итог отката
type RollbackPayload struct {
	ActorName string     `json:"actor_name"`
	Actor     string     `json:"actor"`
	World     string     `json:"world"`
	SinceMs   int64      `json:"since_ms"`
	Bounds    region.Box `json:"bounds"`
	Records   int        `json:"records"`
	Reverted  int        `json:"reverted"`
	Failed    int        `json:"failed"`
}

// NewEditPayload строит сводку по набору
func NewEditPayload(session uuid.UUID, cs *changeset.ChangeSet) EditPayload {
	first, last := cs.SeqRange()
	p := EditPayload{
		Actor:    cs.Actor().String(),
		World:    cs.World(),
		Blocks:   cs.Len(),
		FirstSeq: first,
		LastSeq:  last,
		StartMs:  cs.Start().UnixMilli(),
		EndMs:    cs.End().UnixMilli(),
		Bounds:   cs.Bounds(),
		Reversed: cs.Reversed(),
	}
	if session != uuid.Nil {
		p.Session = session.String()
	}
	return p
}

// NewEnvelope упаковывает полезную нагрузку в JSON-конверт
func NewEnvelope(eventType string, correlation uuid.UUID, payload any) (*Envelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("eventbus: кодирование %s: %w", eventType, err)
	}
	ev := &Envelope{
		ID:        uuid.NewString(),
		Timestamp: time.Now().UTC(),
		Source:    Source,
		EventType: eventType,
		Version:   1,
		Payload:   data,
	}
	if correlation != uuid.Nil {
		ev.CorrelationID = correlation.String()
	}
	if eventType == RollbackCompleted {
		ev.Priority = 5
	}
	return ev, nil
}

// DecodePayload разбирает полезную нагрузку конверта
func DecodePayload(ev *Envelope, into any) error {
	if err := json.Unmarshal(ev.Payload, into); err != nil {
		return fmt.Errorf("eventbus: разбор %s: %w", ev.EventType, err)
	}
	return nil
}
