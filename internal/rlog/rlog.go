// Package rlog builds l3roamd's logger: a threaded *slog.Logger backed by
// either stdout or a rotating log file, following the same shape as
// AdGuard Home's own slogutil setup.
package rlog

import (
	"log/slog"
	"path/filepath"

	"github.com/AdguardTeam/golibs/logutil/slogutil"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Config controls log verbosity and destination.
type Config struct {
	// File is the log file path. Empty means stdout.
	File string `yaml:"file"`
	// Verbose enables debug-level logging.
	Verbose bool `yaml:"verbose"`
	// MaxSize is the maximum size in megabytes of the log file before it
	// gets rotated.
	MaxSize int `yaml:"max_size"`
	// MaxBackups is the maximum number of old rotated log files to retain.
	MaxBackups int `yaml:"max_backups"`
	// MaxAge is the maximum number of days to retain old rotated log files.
	MaxAge int `yaml:"max_age"`
	// Compress enables gzip compression of rotated log files.
	Compress bool `yaml:"compress"`
}

// New builds a logger from cfg. workDir resolves a relative cfg.File.
func New(cfg Config, workDir string) (logger *slog.Logger) {
	level := slogutil.LevelInfo
	if cfg.Verbose {
		level = slogutil.LevelDebug
	}

	slogCfg := &slogutil.Config{
		Format:       slogutil.FormatDefault,
		Level:        level,
		AddTimestamp: true,
	}

	if cfg.File != "" {
		path := cfg.File
		if !filepath.IsAbs(path) {
			path = filepath.Join(workDir, path)
		}

		slogCfg.Output = &lumberjack.Logger{
			Filename:   path,
			MaxSize:    cfg.MaxSize,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAge,
			Compress:   cfg.Compress,
		}
	}

	return slogutil.New(slogCfg)
}
