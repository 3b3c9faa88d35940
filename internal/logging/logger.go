// Package logging builds the process-wide zerolog logger.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	lumberjack "gopkg.in/natefinch/lumberjack.v2"
)

// Options defines logger initialization parameters.
type Options struct {
	Level      string `yaml:"level" toml:"level"`
	Pretty     string `yaml:"pretty" toml:"pretty"` // auto, on, off
	File       string `yaml:"file" toml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb" toml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups" toml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days" toml:"max_age_days"`
	Compress   bool   `yaml:"compress" toml:"compress"`
}

// DefaultOptions logs info to stdout, pretty when attached to a terminal.
func DefaultOptions() Options {
	return Options{Level: "info", Pretty: "auto", MaxSizeMB: 50, MaxBackups: 5, MaxAgeDays: 14}
}

var global = zerolog.Nop()

// Init builds the global logger from opts and installs it as zerolog's default.
func Init(opts Options) (zerolog.Logger, error) {
	l, err := New(opts, os.Stdout)
	if err != nil {
		return zerolog.Nop(), err
	}
	global = l
	log.Logger = l
	return l, nil
}

// New builds a logger writing to console plus the optional rotated file.
func New(opts Options, console *os.File) (zerolog.Logger, error) {
	var writers []io.Writer

	if opts.File != "" {
		if err := os.MkdirAll(filepath.Dir(opts.File), 0o755); err != nil {
			return zerolog.Nop(), fmt.Errorf("create logs dir: %w", err)
		}
		writers = append(writers, &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    opts.MaxSizeMB,
			MaxBackups: opts.MaxBackups,
			MaxAge:     opts.MaxAgeDays,
			Compress:   opts.Compress,
		})
	}

	if console != nil {
		if usePretty(opts.Pretty, console) {
			writers = append(writers, zerolog.ConsoleWriter{Out: console, TimeFormat: time.RFC3339})
		} else {
			writers = append(writers, console)
		}
	}

	if len(writers) == 0 {
		return zerolog.Nop(), nil
	}

	lvl, err := zerolog.ParseLevel(strings.ToLower(opts.Level))
	if err != nil || opts.Level == "" {
		lvl = zerolog.InfoLevel
	}
	zerolog.TimeFieldFormat = time.RFC3339
	return zerolog.New(io.MultiWriter(writers...)).Level(lvl).With().Timestamp().Logger(), nil
}

func usePretty(mode string, f *os.File) bool {
	switch strings.ToLower(mode) {
	case "on", "true", "yes":
		return true
	case "off", "false", "no":
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// Get returns the global logger.
func Get() zerolog.Logger { return global }

// Component returns a sub-logger tagged with the component name.
func Component(base zerolog.Logger, name string) zerolog.Logger {
	return base.With().Str("component", name).Logger()
}
