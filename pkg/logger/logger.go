// Package logger builds configured slog loggers for the service.
package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

// Format selects the log output encoding.
type Format string

const (
	// FormatJSON emits structured records for log aggregation.
	FormatJSON Format = "json"
	// FormatText emits human-readable records for local development.
	FormatText Format = "text"
)

// Config describes logger settings, typically sourced from the environment.
type Config struct {
	Level   string `env:"LOG_LEVEL" envDefault:"info"`
	Format  Format `env:"LOG_FORMAT" envDefault:"json"`
	Service string `env:"LOG_SERVICE_NAME" envDefault:"billing"`
}

// Option configures logger creation.
type Option func(*settings)

type settings struct {
	level   slog.Level
	format  Format
	output  io.Writer
	service string
}

// WithLevel sets the minimum level for emitted records.
func WithLevel(l slog.Level) Option {
	return func(s *settings) { s.level = l }
}

// WithFormat sets the output encoding. Invalid formats panic so a
// misconfigured deployment fails at startup rather than logging garbage.
func WithFormat(f Format) Option {
	return func(s *settings) {
		switch f {
		case FormatJSON, FormatText:
			s.format = f
		default:
			panic(fmt.Errorf("logger: invalid format %q", f))
		}
	}
}

// WithOutput redirects log output; nil writers are ignored.
func WithOutput(w io.Writer) Option {
	return func(s *settings) {
		if w != nil {
			s.output = w
		}
	}
}

// WithService attaches a service name attribute to every record.
func WithService(name string) Option {
	return func(s *settings) { s.service = name }
}

// New builds a slog.Logger. Defaults are production-safe: JSON at info level.
func New(opts ...Option) *slog.Logger {
	s := &settings{
		level:  slog.LevelInfo,
		format: FormatJSON,
		output: os.Stdout,
	}
	for _, opt := range opts {
		opt(s)
	}

	handlerOpts := &slog.HandlerOptions{Level: s.level}

	var handler slog.Handler
	if s.format == FormatText {
		handler = slog.NewTextHandler(s.output, handlerOpts)
	} else {
		handler = slog.NewJSONHandler(s.output, handlerOpts)
	}

	if s.service != "" {
		handler = handler.WithAttrs([]slog.Attr{slog.String("service", s.service)})
	}

	return slog.New(handler)
}

// NewFromConfig builds a logger from environment-sourced configuration.
func NewFromConfig(cfg Config) *slog.Logger {
	opts := []Option{WithLevel(parseLevel(cfg.Level)), WithService(cfg.Service)}
	if cfg.Format != "" {
		opts = append(opts, WithFormat(cfg.Format))
	}
	return New(opts...)
}

// Error is a convenience attribute constructor for error values.
func Error(err error) slog.Attr {
	if err == nil {
		return slog.Attr{}
	}
	return slog.String("error", err.Error())
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
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
