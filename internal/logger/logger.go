package logger

import (
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// 中文说明：
// 统一的日志门面，底层使用 zerolog 的 ConsoleWriter。
// 各组件只依赖 Infof/Warnf/Errorf/Debugf，便于测试时静音。

var (
	mu  sync.RWMutex
	log = newLogger(zerolog.InfoLevel)
)

func newLogger(level zerolog.Level) zerolog.Logger {
	out := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	return zerolog.New(out).Level(level).With().Timestamp().Logger()
}

// SetLevel 调整全局日志级别（debug/info/warn/error），未识别时保持 info。
func SetLevel(level string) {
	lv := zerolog.InfoLevel
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		lv = zerolog.DebugLevel
	case "info":
		lv = zerolog.InfoLevel
	case "warn", "warning":
		lv = zerolog.WarnLevel
	case "error":
		lv = zerolog.ErrorLevel
	}
	mu.Lock()
	log = newLogger(lv)
	mu.Unlock()
}

func current() zerolog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return log
}

// zerolog 的级别方法是指针接收者，先落到局部变量再调用。
func Debugf(format string, args ...any) { l := current(); l.Debug().Msgf(format, args...) }
func Infof(format string, args ...any)  { l := current(); l.Info().Msgf(format, args...) }
func Warnf(format string, args ...any)  { l := current(); l.Warn().Msgf(format, args...) }
func Errorf(format string, args ...any) { l := current(); l.Error().Msgf(format, args...) }
