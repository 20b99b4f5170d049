package actor

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"
)

// ErrActorNotFound имя не сопоставлено ни одному актору
var ErrActorNotFound = errors.New("actor not found")

// Resolver сопоставляет имя актора его постоянному идентификатору.
// Если имя неизвестно, возвращается (uuid.Nil, ErrActorNotFound).
type Resolver interface {
	ResolveName(ctx context.Context, name string) (uuid.UUID, error)
}

// Ref ссылка на актора, переданная хостом: либо имя, либо готовый идентификатор.
// Набор вариантов закрыт (ByName, ByID).
type Ref interface {
	resolve(ctx context.Context, r Resolver) (uuid.UUID, error)
	String() string
}

// ByName ссылка по имени, требует Resolver
type ByName string

func (n ByName) resolve(ctx context.Context, r Resolver) (uuid.UUID, error) {
	if r == nil {
		return uuid.Nil, ErrActorNotFound
	}
	return r.ResolveName(ctx, string(n))
}

func (n ByName) String() string { return string(n) }

// ByID уже разрешённый идентификатор
type ByID uuid.UUID

func (id ByID) resolve(context.Context, Resolver) (uuid.UUID, error) {
	if uuid.UUID(id) == uuid.Nil {
		return uuid.Nil, ErrActorNotFound
	}
	return uuid.UUID(id), nil
}

func (id ByID) String() string { return uuid.UUID(id).String() }

// Resolve разрешает ссылку. Строка в формате UUID трактуется как идентификатор.
func Resolve(ctx context.Context, r Resolver, ref Ref) (uuid.UUID, error) {
	if n, ok := ref.(ByName); ok {
		if id, err := uuid.Parse(string(n)); err == nil {
			return ByID(id).resolve(ctx, r)
		}
	}
	return ref.resolve(ctx, r)
}

func normalize(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
