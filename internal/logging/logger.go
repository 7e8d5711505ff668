package logging

import (
	"io"
	"log/slog"
	"os"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/cortexuvula/etagchat/internal/config"
)

// Logger owns the process-wide slog handler. The level can be changed on
// SIGHUP without rebuilding the handler.
type Logger struct {
	level   *slog.LevelVar
	rotator *lumberjack.Logger
	recent  *Recent
}

// Setup configures the global slog logger from cfg. When cfg.File is set,
// output goes to a rotating file instead of stdout.
func Setup(cfg config.LoggingConfig) *Logger {
	return setup(cfg, os.Stdout)
}

func setup(cfg config.LoggingConfig, stdout io.Writer) *Logger {
	l := &Logger{level: new(slog.LevelVar)}
	l.level.Set(parseLevel(cfg.Level))

	w := stdout
	if cfg.File != "" {
		l.rotator = &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   cfg.Compress,
		}
		w = l.rotator
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: l.level}
	switch cfg.Format {
	case "text":
		handler = slog.NewTextHandler(w, opts)
	default:
		handler = slog.NewJSONHandler(w, opts)
	}
	if cfg.RecentEntries > 0 {
		l.recent = NewRecent(cfg.RecentEntries)
		handler = newRecentHandler(handler, l.recent)
	}

	slog.SetDefault(slog.New(handler))
	return l
}

// SetLevel changes the minimum level of the global logger.
func (l *Logger) SetLevel(level string) {
	l.level.Set(parseLevel(level))
}

// Level returns the current minimum level.
func (l *Logger) Level() slog.Level {
	return l.level.Level()
}

// FileOutput reports whether logs are written to a rotating file.
func (l *Logger) FileOutput() bool {
	return l.rotator != nil
}

// Recent returns the in-memory record buffer, or nil when disabled.
func (l *Logger) Recent() *Recent {
	return l.recent
}

// Close flushes and closes the log file, if any.
func (l *Logger) Close() error {
	if l.rotator == nil {
		return nil
	}
	return l.rotator.Close()
}

func parseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
