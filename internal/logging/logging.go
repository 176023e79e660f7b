// Package logging sets up the zap logger shared by every background
// component (producer, workers, timeout monitor, gateway pumps). The
// teacher logs with plain log.Printf; the wider pack (arkeep-io-arkeep,
// other_examples' warren) uses zap for exactly this always-on server
// process shape, so the ambient logging layer follows the corpus rather
// than the teacher's stdlib shortcut (see SPEC_FULL.md §10).
package logging

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config controls logger construction.
type Config struct {
	Development bool
	Level       string // "debug", "info", "warn", "error"
}

// New builds a *zap.Logger per cfg. Falls back to zap's production defaults
// on an unrecognized level.
func New(cfg Config) (*zap.Logger, error) {
	var level zapcore.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = zapcore.InfoLevel
	}

	var zcfg zap.Config
	if cfg.Development {
		zcfg = zap.NewDevelopmentConfig()
	} else {
		zcfg = zap.NewProductionConfig()
	}
	zcfg.Level = zap.NewAtomicLevelAt(level)
	return zcfg.Build()
}

// Nop returns a logger that discards everything, for use in tests and
// components constructed without a configured logger.
func Nop() *zap.Logger { return zap.NewNop() }
