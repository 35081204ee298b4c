package cli

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/craigderington/wakeproxy/internal/config"
)

// newLogger builds the process logger and installs it as the zerolog global.
// The returned func closes the log file, if any.
func newLogger(cfg config.LogConfig) (zerolog.Logger, func(), error) {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		return zerolog.Nop(), nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}

	var out io.Writer = os.Stderr
	closeFn := func() {}

	if cfg.File != "" {
		rotator := &lumberjack.Logger{
			Filename:   filepath.ToSlash(cfg.File),
			MaxSize:    cfg.MaxSizeMB, // MB
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays, // days
			Compress:   true,
		}
		out = rotator
		closeFn = func() { rotator.Close() }
	}

	if cfg.Format == "console" {
		out = zerolog.ConsoleWriter{
			Out:        out,
			TimeFormat: time.RFC3339,
			NoColor:    cfg.File != "",
		}
	}

	logger := zerolog.New(out).Level(level).With().Timestamp().Logger()
	zerolog.SetGlobalLevel(level)
	log.Logger = logger

	return logger, closeFn, nil
}
