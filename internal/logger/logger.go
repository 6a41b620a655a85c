package logger

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Logger 统一的日志接口，键值对形式传参
type Logger interface {
	Debug(msg string, kv ...any)
	Info(msg string, kv ...any)
	Warn(msg string, kv ...any)
	Error(msg string, kv ...any)
	Err(err error, msg string, kv ...any)
	With(kv ...any) Logger
}

// Options 日志构建参数
type Options struct {
	Level      string
	Writers    []string // console / file
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

type zeroLogger struct {
	zl zerolog.Logger
}

// New 基于 zerolog 创建日志实例
func New(opts Options) Logger {
	return &zeroLogger{zl: zerolog.New(buildWriter(opts)).Level(parseLevel(opts.Level)).With().Timestamp().Logger()}
}

// NewWithWriter 使用指定输出创建日志实例，主要用于测试
func NewWithWriter(w io.Writer, level string) Logger {
	return &zeroLogger{zl: zerolog.New(w).Level(parseLevel(level)).With().Timestamp().Logger()}
}

// NewNop 创建丢弃所有输出的日志实例
func NewNop() Logger {
	return &zeroLogger{zl: zerolog.Nop()}
}

func buildWriter(opts Options) io.Writer {
	writers := make([]io.Writer, 0, len(opts.Writers))
	for _, w := range opts.Writers {
		switch strings.ToLower(strings.TrimSpace(w)) {
		case "console":
			writers = append(writers, zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.DateTime})
		case "file":
			name := opts.File
			if name == "" {
				name = filepath.Join("logs", "nadecon.log")
			}
			writers = append(writers, &lumberjack.Logger{
				Filename:   name,
				MaxSize:    orDefault(opts.MaxSizeMB, 20),
				MaxBackups: orDefault(opts.MaxBackups, 5),
				MaxAge:     orDefault(opts.MaxAgeDays, 14),
				Compress:   true,
			})
		}
	}
	switch len(writers) {
	case 0:
		return zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.DateTime}
	case 1:
		return writers[0]
	default:
		return zerolog.MultiLevelWriter(writers...)
	}
}

func parseLevel(s string) zerolog.Level {
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(s)))
	if err != nil || s == "" {
		return zerolog.InfoLevel
	}
	return lvl
}

func orDefault(v, d int) int {
	if v <= 0 {
		return d
	}
	return v
}

func (l *zeroLogger) Debug(msg string, kv ...any) { l.zl.Debug().Fields(normalize(kv)).Msg(msg) }
func (l *zeroLogger) Info(msg string, kv ...any)  { l.zl.Info().Fields(normalize(kv)).Msg(msg) }
func (l *zeroLogger) Warn(msg string, kv ...any)  { l.zl.Warn().Fields(normalize(kv)).Msg(msg) }
func (l *zeroLogger) Error(msg string, kv ...any) { l.zl.Error().Fields(normalize(kv)).Msg(msg) }

func (l *zeroLogger) Err(err error, msg string, kv ...any) {
	l.zl.Error().Err(err).Fields(normalize(kv)).Msg(msg)
}

func (l *zeroLogger) With(kv ...any) Logger {
	return &zeroLogger{zl: l.zl.With().Fields(normalize(kv)).Logger()}
}

// normalize 保证键值对成对出现，键统一为字符串
func normalize(kv []any) []any {
	if len(kv) == 0 {
		return nil
	}
	if len(kv)%2 != 0 {
		kv = append(kv, "(missing)")
	}
	out := make([]any, 0, len(kv))
	for i := 0; i < len(kv); i += 2 {
		key, ok := kv[i].(string)
		if !ok {
			key = "field"
		}
		out = append(out, key, kv[i+1])
	}
	return out
}

// OrNop 空日志实例时返回 Nop 实例
func OrNop(l Logger) Logger {
	if l == nil {
		return NewNop()
	}
	return l
}
