package logger

import (
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Logger 项目统一日志接口，kv 为成对出现的键值
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
	Writer     []string // console | file
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	// Console 为空时使用 os.Stderr
	Console io.Writer
}

// ZeroLogger 基于 zerolog 的实现
type ZeroLogger struct {
	zl zerolog.Logger
}

// New 根据配置创建日志器
func New(opts Options) (*ZeroLogger, error) {
	level := zerolog.InfoLevel
	if opts.Level != "" {
		lv, err := zerolog.ParseLevel(strings.ToLower(opts.Level))
		if err != nil {
			return nil, err
		}
		level = lv
	}

	console := opts.Console
	if console == nil {
		console = os.Stderr
	}

	var writers []io.Writer
	for _, w := range opts.Writer {
		switch w {
		case "console":
			writers = append(writers, zerolog.ConsoleWriter{Out: console, TimeFormat: "2006-01-02 15:04:05.000"})
		case "file":
			if dir := filepath.Dir(opts.File); dir != "" {
				if err := os.MkdirAll(dir, 0o755); err != nil {
					return nil, err
				}
			}
			writers = append(writers, &lumberjack.Logger{
				Filename:   opts.File,
				MaxSize:    opts.MaxSizeMB,
				MaxBackups: opts.MaxBackups,
				MaxAge:     opts.MaxAgeDays,
				Compress:   true,
			})
		}
	}
	if len(writers) == 0 {
		writers = append(writers, zerolog.ConsoleWriter{Out: console, TimeFormat: "2006-01-02 15:04:05.000"})
	}

	zl := zerolog.New(zerolog.MultiLevelWriter(writers...)).Level(level).With().Timestamp().Logger()
	return &ZeroLogger{zl: zl}, nil
}

// NewWithWriter 直接输出到指定 writer（JSON 格式），主要用于测试
func NewWithWriter(w io.Writer, level zerolog.Level) *ZeroLogger {
	return &ZeroLogger{zl: zerolog.New(w).Level(level).With().Timestamp().Logger()}
}

// Debug 打印debug级别日志
func (l *ZeroLogger) Debug(msg string, kv ...any) { l.zl.Debug().Fields(kv).Msg(msg) }

// Info 打印info级别日志
func (l *ZeroLogger) Info(msg string, kv ...any) { l.zl.Info().Fields(kv).Msg(msg) }

// Warn 打印warn级别日志
func (l *ZeroLogger) Warn(msg string, kv ...any) { l.zl.Warn().Fields(kv).Msg(msg) }

// Error 打印error级别日志
func (l *ZeroLogger) Error(msg string, kv ...any) { l.zl.Error().Fields(kv).Msg(msg) }

// Err 打印携带错误的error级别日志
func (l *ZeroLogger) Err(err error, msg string, kv ...any) {
	l.zl.Error().Err(err).Fields(kv).Msg(msg)
}

// With 返回附加固定字段的子日志器
func (l *ZeroLogger) With(kv ...any) Logger {
	return &ZeroLogger{zl: l.zl.With().Fields(kv).Logger()}
}

type nop struct{}

// NewNop 返回丢弃所有输出的日志器
func NewNop() Logger { return nop{} }

func (nop) Debug(string, ...any) {}
func (nop) Info(string, ...any) {}
func (nop) Warn(string, ...any) {}
func (nop) Error(string, ...any) {}
func (nop) Err(error, string, ...any) {}
func (n nop) With(...any) Logger { return n }
