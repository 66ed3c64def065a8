package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	lj "gopkg.in/natefinch/lumberjack.v2"
)

// Rotation defaults for analysis tool logs.
const (
	DefaultMaxSizeMB  = 10 // MB
	DefaultMaxBackups = 3
	DefaultMaxAgeDays = 7
)

// Config holds lumberjack rotation settings for the per-request tool log.
type Config struct {
	MaxSizeMB  int  `json:"max_size_mb" mapstructure:"max_size_mb"`
	MaxBackups int  `json:"max_backups" mapstructure:"max_backups"`
	MaxAgeDays int  `json:"max_age_days" mapstructure:"max_age_days"`
	Compress   bool `json:"compress" mapstructure:"compress"`
}

// Writer returns a rotating writer for path. Returns an error when path is empty.
func (c Config) Writer(path string) (io.WriteCloser, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("log path required")
	}
	return &lj.Logger{
		Filename:   path,
		MaxSize:    valOr(c.MaxSizeMB, DefaultMaxSizeMB),
		MaxBackups: valOr(c.MaxBackups, DefaultMaxBackups),
		MaxAge:     valOr(c.MaxAgeDays, DefaultMaxAgeDays),
		Compress:   c.Compress,
	}, nil
}

func valOr(v int, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

// Options configures the process-wide slog handler.
type Options struct {
	Level  string // debug, info, warn, error
	Format string // text or json
	Color  bool   // only for text
	Output io.Writer
}

// ParseLevel maps a level name to slog.Level; unknown names yield info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewHandler builds the slog handler described by o.
func NewHandler(o Options) slog.Handler {
	w := o.Output
	if w == nil {
		w = os.Stderr
	}
	ho := &slog.HandlerOptions{Level: ParseLevel(o.Level)}
	switch strings.ToLower(o.Format) {
	case "json":
		return slog.NewJSONHandler(w, ho)
	default:
		if o.Color {
			return NewColorTextHandler(w, ho, true)
		}
		return slog.NewTextHandler(w, ho)
	}
}

// Setup installs the handler as slog's default and returns the logger.
func Setup(o Options) *slog.Logger {
	l := slog.New(NewHandler(o))
	slog.SetDefault(l)
	return l
}
