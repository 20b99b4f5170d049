package actor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/annel0/blockedit/internal/logging"
	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

// nameCache минимальный кеш строк
type nameCache interface {
	get(ctx context.Context, key string) (string, bool, error)
	set(ctx context.Context, key, value string, ttl time.Duration) error
}

type redisCache struct {
	client *redis.Client
}

func (c redisCache) get(ctx context.Context, key string) (string, bool, error) {
	v, err := c.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

func (c redisCache) set(ctx context.Context, key, value string, ttl time.Duration) error {
	return c.client.Set(ctx, key, value, ttl).Err()
}

// RedisConfig настройки кеша имён
type RedisConfig struct {
	Addr      string        // адрес Redis сервера
	Password  string        // пароль (пустой если не требуется)
	DB        int           // номер базы данных
	KeyPrefix string        // префикс ключей
	TTL       time.Duration // время жизни записи
}

// DefaultRedisConfig возвращает конфигурацию по умолчанию
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Addr:      "localhost:6379",
		KeyPrefix: "actor:name:",
		TTL:       10 * time.Minute,
	}
}

// CachedResolver read-through кеш поверх другого Resolver.
// Отрицательные ответы не кешируются: новый актор виден сразу после регистрации.
// Недоступность Redis не ломает разрешение имён.
type CachedResolver struct {
	next   Resolver
	cache  nameCache
	prefix string
	ttl    time.Duration
	log    *logging.Logger
	client *redis.Client
}

// NewCachedResolver подключается к Redis и оборачивает next
func NewCachedResolver(cfg RedisConfig, next Resolver, log *logging.Logger) (*CachedResolver, error) {
	def := DefaultRedisConfig()
	if cfg.Addr == "" {
		cfg.Addr = def.Addr
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = def.KeyPrefix
	}
	if cfg.TTL <= 0 {
		cfg.TTL = def.TTL
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	r := newCachedResolver(redisCache{client: client}, next, cfg.KeyPrefix, cfg.TTL, log)
	r.client = client
	return r, nil
}

func newCachedResolver(cache nameCache, next Resolver, prefix string, ttl time.Duration, log *logging.Logger) *CachedResolver {
	if log == nil {
		log = logging.NewNop()
	}
	return &CachedResolver{next: next, cache: cache, prefix: prefix, ttl: ttl, log: log}
}

// ResolveName сначала смотрит в кеш, затем в next
func (r *CachedResolver) ResolveName(ctx context.Context, name string) (uuid.UUID, error) {
	key := r.prefix + normalize(name)

	v, ok, err := r.cache.get(ctx, key)
	if err != nil {
		r.log.Warn("⚠️ Кеш имён недоступен: %v", err)
	} else if ok {
		if id, err := uuid.Parse(v); err == nil {
			return id, nil
		}
		r.log.Warn("⚠️ Повреждённая запись кеша %s: %q", key, v)
	}

	id, err := r.next.ResolveName(ctx, name)
	if err != nil {
		return uuid.Nil, err
	}
	if err := r.cache.set(ctx, key, id.String(), r.ttl); err != nil {
		r.log.Warn("⚠️ Не удалось записать %s в кеш: %v", key, err)
	}
	return id, nil
}

// Close закрывает соединение с Redis
func (r *CachedResolver) Close() error {
	if r.client != nil {
		return r.client.Close()
	}
	return nil
}
