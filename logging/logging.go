// Package logging configures the process-wide zerolog logger.
package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/juju/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"storage-rpc/config"
)

// Configure installs a console logger on log.Logger and returns it. app is added
// to every entry.
func Configure(cfg config.Log, app string) (zerolog.Logger, error) {
	return configure(cfg, app, os.Stderr)
}

func configure(cfg config.Log, app string, out io.Writer) (zerolog.Logger, error) {
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return zerolog.Logger{}, err
	}
	output := zerolog.ConsoleWriter{
		Out:        out,
		NoColor:    cfg.NoColor,
		TimeFormat: time.RFC3339,
	}
	ctx := zerolog.New(output).Level(level).With()
	if cfg.Timestamp {
		ctx = ctx.Timestamp()
	}
	logger := ctx.Str("app", app).Logger()
	log.Logger = logger
	return logger, nil
}

// ParseLevel maps a level name to a zerolog level. An empty name means info.
func ParseLevel(name string) (zerolog.Level, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return zerolog.InfoLevel, nil
	}
	if name == "warning" {
		name = "warn"
	}
	level, err := zerolog.ParseLevel(name)
	if err != nil {
		return zerolog.NoLevel, errors.Annotatef(config.ErrConfiguration, "log level %q", name)
	}
	return level, nil
}
