// Package obslog wraps zerolog with the small leveled-logger surface the
// rest of the tree uses, the way ehrlich-b-go-ublk/internal/logging wraps
// the stdlib logger — a Config, a NewLogger, a package-level Default/
// SetDefault — but backed by zerolog's structured, leveled API instead of
// log.Logger.
package obslog

import (
	"io"
	"os"
	"sync"

	"github.com/rs/zerolog"
)

// Config holds logging configuration.
type Config struct {
	Level  zerolog.Level
	Output io.Writer
}

// DefaultConfig returns a sensible default: info level, stderr.
func DefaultConfig() *Config {
	return &Config{Level: zerolog.InfoLevel, Output: os.Stderr}
}

// Logger wraps a zerolog.Logger, adding the With-style child-logger
// convenience the core needs for per-core/per-thread trace context.
type Logger struct {
	z zerolog.Logger
}

// New constructs a Logger from config, falling back to DefaultConfig when
// config is nil.
func New(config *Config) *Logger {
	if config == nil {
		config = DefaultConfig()
	}
	out := config.Output
	if out == nil {
		out = os.Stderr
	}
	z := zerolog.New(out).Level(config.Level).With().Timestamp().Logger()
	return &Logger{z: z}
}

// With returns a child Logger with the given key/value fields attached to
// every subsequent record — used to tag every log line with core/thread/
// cycle context without threading strings through every call site.
func (l *Logger) With(kv ...any) *Logger {
	ctx := l.z.With()
	for i := 0; i+1 < len(kv); i += 2 {
		if key, ok := kv[i].(string); ok {
			ctx = ctx.Interface(key, kv[i+1])
		}
	}
	return &Logger{z: ctx.Logger()}
}

func (l *Logger) Debug(msg string) { l.z.Debug().Msg(msg) }
func (l *Logger) Info(msg string)  { l.z.Info().Msg(msg) }
func (l *Logger) Warn(msg string)  { l.z.Warn().Msg(msg) }
func (l *Logger) Error(msg string) { l.z.Error().Msg(msg) }

var (
	defaultLogger *Logger
	mu            sync.RWMutex
)

// Default returns the process default logger, creating it lazily.
func Default() *Logger {
	mu.RLock()
	if defaultLogger != nil {
		defer mu.RUnlock()
		return defaultLogger
	}
	mu.RUnlock()
	mu.Lock()
	defer mu.Unlock()
	if defaultLogger == nil {
		defaultLogger = New(nil)
	}
	return defaultLogger
}

// SetDefault replaces the process default logger.
func SetDefault(l *Logger) {
	mu.Lock()
	defer mu.Unlock()
	defaultLogger = l
}
