package logging

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// LogLevel определяет уровни логирования
type LogLevel int

const (
	TRACE LogLevel = iota
	DEBUG
	INFO
	WARN
	ERROR
)

// String возвращает строковое представление уровня логирования
func (l LogLevel) String() string {
	switch l {
	case TRACE:
		return "TRACE"
	case DEBUG:
		return "DEBUG"
	case INFO:
		return "INFO"
	case WARN:
		return "WARN"
	case ERROR:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// ParseLevel разбирает уровень из строки конфигурации. Неизвестные значения дают INFO.
func ParseLevel(s string) LogLevel {
	switch s {
	case "trace", "TRACE":
		return TRACE
	case "debug", "DEBUG":
		return DEBUG
	case "warn", "WARN", "warning":
		return WARN
	case "error", "ERROR":
		return ERROR
	default:
		return INFO
	}
}

// zapLevel отображает уровень на zapcore. TRACE пишется как debug с префиксом.
func (l LogLevel) zapLevel() zapcore.Level {
	switch l {
	case TRACE, DEBUG:
		return zapcore.DebugLevel
	case WARN:
		return zapcore.WarnLevel
	case ERROR:
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// Logger компонентный логгер поверх zap.
// Консоль получает INFO и выше, файл получает всё начиная с DEBUG.
type Logger struct {
	component string
	base      *zap.Logger
	sugar     *zap.SugaredLogger
	file      *os.File

	consoleLevel zap.AtomicLevel
	fileLevel    zap.AtomicLevel
	trace        bool
}

var (
	logDirMu sync.RWMutex
	logDir   = "logs"
)

// SetOutputDir меняет каталог, в который пишутся файловые логи.
func SetOutputDir(dir string) {
	logDirMu.Lock()
	logDir = dir
	logDirMu.Unlock()
}

func outputDir() string {
	logDirMu.RLock()
	defer logDirMu.RUnlock()
	return logDir
}

// NewLogger создаёт логгер компонента с выводом в консоль и в файл logs/<component>_<ts>.log
func NewLogger(component string) (*Logger, error) {
	dir := outputDir()
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("ошибка создания директории %s: %w", dir, err)
	}

	timestamp := time.Now().Format("2006-01-02_15-04-05")
	filename := filepath.Join(dir, fmt.Sprintf("%s_%s.log", component, timestamp))

	file, err := os.OpenFile(filename, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
	if err != nil {
		return nil, fmt.Errorf("ошибка создания файла логов: %w", err)
	}

	l := newLogger(component, zapcore.AddSync(os.Stdout), zapcore.AddSync(file))
	l.file = file
	return l, nil
}

// NewConsoleLogger создаёт логгер без файлового вывода.
func NewConsoleLogger(component string) *Logger {
	return newLogger(component, zapcore.AddSync(os.Stdout), nil)
}

// NewNop возвращает логгер, который ничего не пишет. Удобен в тестах.
func NewNop() *Logger {
	base := zap.NewNop()
	return &Logger{
		component:    "nop",
		base:         base,
		sugar:        base.Sugar(),
		consoleLevel: zap.NewAtomicLevelAt(zapcore.ErrorLevel),
		fileLevel:    zap.NewAtomicLevelAt(zapcore.ErrorLevel),
	}
}

func newLogger(component string, console, file zapcore.WriteSyncer) *Logger {
	l := &Logger{
		component:    component,
		consoleLevel: zap.NewAtomicLevelAt(zapcore.InfoLevel),
		fileLevel:    zap.NewAtomicLevelAt(zapcore.DebugLevel),
	}

	consoleCfg := zap.NewDevelopmentEncoderConfig()
	consoleCfg.EncodeTime = zapcore.TimeEncoderOfLayout("2006/01/02 15:04:05")
	cores := []zapcore.Core{
		zapcore.NewCore(zapcore.NewConsoleEncoder(consoleCfg), console, l.consoleLevel),
	}
	if file != nil {
		fileCfg := zap.NewProductionEncoderConfig()
		fileCfg.EncodeTime = zapcore.ISO8601TimeEncoder
		cores = append(cores, zapcore.NewCore(zapcore.NewJSONEncoder(fileCfg), file, l.fileLevel))
	}

	l.base = zap.New(zapcore.NewTee(cores...)).Named(component)
	l.sugar = l.base.Sugar()
	return l
}

// Component возвращает имя компонента.
func (l *Logger) Component() string {
	return l.component
}

// Zap отдаёт нижележащий *zap.Logger для библиотек, которые его принимают.
func (l *Logger) Zap() *zap.Logger {
	return l.base
}

// With возвращает дочерний логгер с постоянными полями.
func (l *Logger) With(keysAndValues ...interface{}) *Logger {
	child := *l
	child.sugar = l.sugar.With(keysAndValues...)
	child.base = child.sugar.Desugar()
	child.file = nil
	return &child
}

// Named возвращает логгер подкомпонента. Пороги общие с родителем.
func (l *Logger) Named(component string) *Logger {
	child := *l
	child.component = l.component + "." + component
	child.base = l.base.Named(component)
	child.sugar = child.base.Sugar()
	child.file = nil
	return &child
}

// SetLevels меняет пороги консоли и файла.
func (l *Logger) SetLevels(console, file LogLevel) {
	l.consoleLevel.SetLevel(console.zapLevel())
	l.fileLevel.SetLevel(file.zapLevel())
	l.trace = console == TRACE || file == TRACE
}

func (l *Logger) Trace(format string, args ...interface{}) {
	if l == nil || !l.trace {
		return
	}
	l.sugar.Debugf("[TRACE] "+format, args...)
}

func (l *Logger) Debug(format string, args ...interface{}) {
	if l == nil {
		return
	}
	l.sugar.Debugf(format, args...)
}

func (l *Logger) Info(format string, args ...interface{}) {
	if l == nil {
		return
	}
	l.sugar.Infof(format, args...)
}

func (l *Logger) Warn(format string, args ...interface{}) {
	if l == nil {
		return
	}
	l.sugar.Warnf(format, args...)
}

func (l *Logger) Error(format string, args ...interface{}) {
	if l == nil {
		return
	}
	l.sugar.Errorf(format, args...)
}

// Close сбрасывает буферы и закрывает файл логов.
func (l *Logger) Close() error {
	if l == nil {
		return nil
	}
	// Sync на stdout возвращает EINVAL на части платформ, ошибку игнорируем
	_ = l.base.Sync()
	if l.file != nil {
		err := l.file.Close()
		l.file = nil
		return err
	}
	return nil
}

//================ Логгер по умолчанию =================//

var (
	defaultMu     sync.RWMutex
	defaultLogger = NewConsoleLogger("default")
)

// InitDefaultLogger создаёт файловый логгер по умолчанию для процесса.
func InitDefaultLogger(component string) error {
	l, err := NewLogger(component)
	if err != nil {
		return err
	}
	defaultMu.Lock()
	defaultLogger = l
	defaultMu.Unlock()
	return nil
}

// CloseDefaultLogger закрывает логгер по умолчанию.
func CloseDefaultLogger() {
	defaultMu.Lock()
	l := defaultLogger
	defaultLogger = NewConsoleLogger("default")
	defaultMu.Unlock()
	_ = l.Close()
}

// Default возвращает текущий логгер по умолчанию.
func Default() *Logger {
	defaultMu.RLock()
	defer defaultMu.RUnlock()
	return defaultLogger
}

// Trace логирует сообщение уровня TRACE
func Trace(format string, args ...interface{}) { Default().Trace(format, args...) }

// Debug логирует сообщение уровня DEBUG
func Debug(format string, args ...interface{}) { Default().Debug(format, args...) }

// Info логирует сообщение уровня INFO
func Info(format string, args ...interface{}) { Default().Info(format, args...) }

// Warn логирует сообщение уровня WARN
func Warn(format string, args ...interface{}) { Default().Warn(format, args...) }

// Error логирует сообщение уровня ERROR
func Error(format string, args ...interface{}) { Default().Error(format, args...) }

// HexDump создает hex дамп данных
func HexDump(data []byte) string {
	if len(data) == 0 {
		return "No data"
	}

	// Ограничиваем размер дампа до 256 байт
	size := len(data)
	if size > 256 {
		size = 256
	}

	return hex.Dump(data[:size])
}
