package logger

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

func (l Level) zap() zapcore.Level {
	switch l {
	case LevelDebug:
		return zapcore.DebugLevel
	case LevelWarn:
		return zapcore.WarnLevel
	case LevelError:
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// Config selects the log level, encoding and destination.
type Config struct {
	Level  string // DEBUG, INFO, WARN, ERROR
	Format string // text, json
	Output string // stdout, stderr, or a file path
}

var (
	currentLevel = LevelInfo
	atomicLevel  = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	sugar        = mustBuild(Config{Format: "text", Output: "stderr"})
)

func mustBuild(cfg Config) *zap.SugaredLogger {
	s, err := build(cfg)
	if err != nil {
		panic(err)
	}
	return s
}

func build(cfg Config) (*zap.SugaredLogger, error) {
	var zc zap.Config
	switch strings.ToLower(cfg.Format) {
	case "json":
		zc = zap.NewProductionConfig()
	case "", "text":
		zc = zap.NewDevelopmentConfig()
		zc.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
		zc.EncoderConfig.EncodeTime = zapcore.TimeEncoderOfLayout("2006-01-02 15:04:05")
		zc.DisableStacktrace = true
	default:
		return nil, fmt.Errorf("unknown log format %q", cfg.Format)
	}

	output := cfg.Output
	if output == "" {
		output = "stderr"
	}
	zc.Level = atomicLevel
	zc.OutputPaths = []string{output}
	zc.ErrorOutputPaths = []string{"stderr"}
	zc.DisableCaller = true
	zc.Sampling = nil

	l, err := zc.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}
	return l.Sugar(), nil
}

// Init replaces the process logger. Output defaults to stderr so log lines
// never mix with data written to stdout.
func Init(cfg Config) error {
	s, err := build(cfg)
	if err != nil {
		return err
	}
	if cfg.Level != "" {
		SetLevel(cfg.Level)
	}
	_ = sugar.Sync()
	sugar = s
	return nil
}

func SetLevel(level string) {
	switch strings.ToUpper(level) {
	case "DEBUG":
		currentLevel = LevelDebug
	case "INFO":
		currentLevel = LevelInfo
	case "WARN":
		currentLevel = LevelWarn
	case "ERROR":
		currentLevel = LevelError
	default:
		return
	}
	atomicLevel.SetLevel(currentLevel.zap())
}

// Enabled reports whether messages at level are emitted.
func Enabled(level Level) bool {
	return level >= currentLevel
}

// Sync flushes buffered entries.
func Sync() error {
	return sugar.Sync()
}

func Debug(format string, v ...any) {
	sugar.Debugf(format, v...)
}

func Info(format string, v ...any) {
	sugar.Infof(format, v...)
}

func Warn(format string, v ...any) {
	sugar.Warnf(format, v...)
}

func Error(format string, v ...any) {
	sugar.Errorf(format, v...)
}

// Scoped is a logger carrying fixed key/value context, such as the session
// ID of one command invocation.
type Scoped struct {
	s *zap.SugaredLogger
}

// With returns a Scoped logger adding key=value to every line.
func With(key string, value any) *Scoped {
	return &Scoped{s: sugar.With(key, value)}
}

func (l *Scoped) Debug(format string, v ...any) {
	l.s.Debugf(format, v...)
}

func (l *Scoped) Info(format string, v ...any) {
	l.s.Infof(format, v...)
}

func (l *Scoped) Warn(format string, v ...any) {
	l.s.Warnf(format, v...)
}

func (l *Scoped) Error(format string, v ...any) {
	l.s.Errorf(format, v...)
}
