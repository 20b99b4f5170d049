package config

import (
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config корневая структура конфигурации приложения.
type Config struct {
	Queue     QueueConfig     `yaml:"queue"`
	World     WorldConfig     `yaml:"world"`
	Storage   StorageConfig   `yaml:"storage"`
	History   HistoryConfig   `yaml:"history"`
	Rollback  RollbackConfig  `yaml:"rollback"`
	Actors    ActorsConfig    `yaml:"actors"`
	EventBus  EventBusConfig  `yaml:"eventbus"`
	Server    ServerConfig    `yaml:"server"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

type QueueConfig struct {
	Lanes         int `yaml:"lanes"`
	LaneCapacity  int `yaml:"lane_capacity"`
	SegmentSize   int `yaml:"segment_size"`
	SubmitTimeout int `yaml:"submit_timeout_ms"`
}

type WorldConfig struct {
	Height        int `yaml:"height"`
	FlushInterval int `yaml:"flush_interval_seconds"`
	IdleTimeout   int `yaml:"idle_timeout_seconds"`
}

type StorageConfig struct {
	Backend  string `yaml:"backend"` // badger | file | memory
	DataPath string `yaml:"data_path"`
}

type HistoryConfig struct {
	MaxSize     int   `yaml:"max_size"`
	UseDatabase *bool `yaml:"use_database"`
}

type RollbackConfig struct {
	Backend    string `yaml:"backend"` // badger | maria
	DSN        string `yaml:"dsn"`
	MaxRadius  int    `yaml:"max_radius"`
	Workers    int    `yaml:"workers"`
	Buffer     int    `yaml:"buffer"`
	MaxRetries int    `yaml:"max_retries"`
}

type ActorsConfig struct {
	MongoURI      string `yaml:"mongo_uri"`
	MongoDatabase string `yaml:"mongo_database"`
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
	CacheTTL      int    `yaml:"cache_ttl_seconds"`
}

type EventBusConfig struct {
	URL       string `yaml:"url"`
	Stream    string `yaml:"stream"`
	Retention int    `yaml:"retention_hours"`
	Buffer    int    `yaml:"buffer"`
}

type ServerConfig struct {
	RESTPort  int              `yaml:"rest_port"`
	JWTSecret string           `yaml:"jwt_secret"` // base64, не меньше 32 байт
	TokenTTL  int              `yaml:"token_ttl_minutes"`
	Operators []OperatorConfig `yaml:"operators"`
}

// OperatorConfig оператор административного API
type OperatorConfig struct {
	Name         string `yaml:"name"`
	PasswordHash string `yaml:"password_hash"` // bcrypt
	Admin        bool   `yaml:"admin"`
}

type TelemetryConfig struct {
	Enabled     bool   `yaml:"enabled"`
	ServiceName string `yaml:"service_name"`
}

// GetLanes число полос очереди
func (q *QueueConfig) GetLanes() int {
	return getIntWithEnvFallback(q.Lanes, "BLOCKEDIT_QUEUE_LANES", 8)
}

// GetLaneCapacity бюджет операций одной полосы
func (q *QueueConfig) GetLaneCapacity() int {
	return getIntWithEnvFallback(q.LaneCapacity, "BLOCKEDIT_LANE_CAPACITY", 4096)
}

// GetSegmentSize размер сегмента записи
func (q *QueueConfig) GetSegmentSize() int {
	return getIntWithEnvFallback(q.SegmentSize, "BLOCKEDIT_SEGMENT_SIZE", 512)
}

// GetSubmitTimeout ожидание места в полосе; 0: ждать до отмены контекста
func (q *QueueConfig) GetSubmitTimeout() time.Duration {
	return time.Duration(getIntWithEnvFallback(q.SubmitTimeout, "BLOCKEDIT_SUBMIT_TIMEOUT_MS", 0)) * time.Millisecond
}

func (w *WorldConfig) GetHeight() int {
	return getIntWithEnvFallback(w.Height, "BLOCKEDIT_WORLD_HEIGHT", 256)
}

func (w *WorldConfig) GetFlushInterval() time.Duration {
	return time.Duration(getIntWithEnvFallback(w.FlushInterval, "BLOCKEDIT_FLUSH_INTERVAL", 30)) * time.Second
}

func (w *WorldConfig) GetIdleTimeout() time.Duration {
	return time.Duration(getIntWithEnvFallback(w.IdleTimeout, "BLOCKEDIT_IDLE_TIMEOUT", 300)) * time.Second
}

// GetBackend хранилище чанков: badger, file или memory
func (s *StorageConfig) GetBackend() string {
	return getStringWithEnvFallback(s.Backend, "BLOCKEDIT_STORAGE", "badger")
}

// GetDataPath каталог данных; пустая строка для badger означает in-memory
func (s *StorageConfig) GetDataPath() string {
	return getStringWithEnvFallback(s.DataPath, "BLOCKEDIT_DATA", "data")
}

func (h *HistoryConfig) GetMaxSize() int {
	return getIntWithEnvFallback(h.MaxSize, "BLOCKEDIT_HISTORY_SIZE", 100)
}

// GetUseDatabase включён ли журнал отката. По умолчанию включён.
func (h *HistoryConfig) GetUseDatabase() bool {
	if h.UseDatabase != nil {
		return *h.UseDatabase
	}
	if v := os.Getenv("BLOCKEDIT_USE_DATABASE"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return true
}

// GetBackend журнал отката: badger или maria
func (r *RollbackConfig) GetBackend() string {
	return getStringWithEnvFallback(r.Backend, "BLOCKEDIT_ROLLBACK_STORE", "badger")
}

func (r *RollbackConfig) GetDSN() string {
	return getStringWithEnvFallback(r.DSN, "BLOCKEDIT_ROLLBACK_DSN", "")
}

func (r *RollbackConfig) GetMaxRadius() int {
	return getIntWithEnvFallback(r.MaxRadius, "BLOCKEDIT_ROLLBACK_RADIUS", 500)
}

func (r *RollbackConfig) GetWorkers() int {
	return getIntWithEnvFallback(r.Workers, "BLOCKEDIT_ROLLBACK_WORKERS", 2)
}

func (r *RollbackConfig) GetBuffer() int {
	return getIntWithEnvFallback(r.Buffer, "BLOCKEDIT_ROLLBACK_BUFFER", 1024)
}

func (r *RollbackConfig) GetMaxRetries() int {
	return getIntWithEnvFallback(r.MaxRetries, "BLOCKEDIT_ROLLBACK_RETRIES", 3)
}

// GetMongoURI пустая строка: каталог акторов в памяти
func (a *ActorsConfig) GetMongoURI() string {
	return getStringWithEnvFallback(a.MongoURI, "BLOCKEDIT_MONGO_URI", "")
}

func (a *ActorsConfig) GetMongoDatabase() string {
	return getStringWithEnvFallback(a.MongoDatabase, "BLOCKEDIT_MONGO_DB", "blockedit")
}

// GetRedisAddr пустая строка: без кэша имён
func (a *ActorsConfig) GetRedisAddr() string {
	return getStringWithEnvFallback(a.RedisAddr, "BLOCKEDIT_REDIS_ADDR", "")
}

func (a *ActorsConfig) GetCacheTTL() time.Duration {
	return time.Duration(getIntWithEnvFallback(a.CacheTTL, "BLOCKEDIT_CACHE_TTL", 600)) * time.Second
}

// GetURL пустая строка: шина в памяти
func (e *EventBusConfig) GetURL() string {
	return getStringWithEnvFallback(e.URL, "BLOCKEDIT_NATS_URL", "")
}

func (e *EventBusConfig) GetRetention() time.Duration {
	return time.Duration(getIntWithEnvFallback(e.Retention, "BLOCKEDIT_EVENTS_RETENTION", 24)) * time.Hour
}

func (e *EventBusConfig) GetBuffer() int {
	return getIntWithEnvFallback(e.Buffer, "BLOCKEDIT_EVENTS_BUFFER", 1024)
}

// GetRESTPort возвращает REST API порт с поддержкой fallback значений
func (s *ServerConfig) GetRESTPort() int {
	return getIntWithEnvFallback(s.RESTPort, "BLOCKEDIT_REST_PORT", 8088)
}

// GetJWTSecret пустая строка: случайный ключ на время жизни процесса
func (s *ServerConfig) GetJWTSecret() string {
	return getStringWithEnvFallback(s.JWTSecret, "BLOCKEDIT_JWT_SECRET", "")
}

func (s *ServerConfig) GetTokenTTL() time.Duration {
	return time.Duration(getIntWithEnvFallback(s.TokenTTL, "BLOCKEDIT_TOKEN_TTL", 720)) * time.Minute
}

func (t *TelemetryConfig) GetServiceName() string {
	return getStringWithEnvFallback(t.ServiceName, "OTEL_SERVICE_NAME", "blockedit")
}

// getIntWithEnvFallback возвращает значение с приоритетом: config -> env -> default
func getIntWithEnvFallback(configVal int, envVar string, defaultVal int) int {
	if configVal > 0 {
		return configVal
	}
	if envVal := os.Getenv(envVar); envVal != "" {
		if v, err := strconv.Atoi(envVal); err == nil && v > 0 {
			return v
		}
	}
	return defaultVal
}

func getStringWithEnvFallback(configVal, envVar, defaultVal string) string {
	if configVal != "" {
		return configVal
	}
	if envVal := os.Getenv(envVar); envVal != "" {
		return envVal
	}
	return defaultVal
}

// Load читает YAML файл конфигурации.
// Если path == "", пытается прочитать из ENV BLOCKEDIT_CONFIG; без файла возвращает пустой Config.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv("BLOCKEDIT_CONFIG")
		if path == "" {
			return &Config{}, nil // конфиг не задан: использовать дефолты
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}
