package log

import (
	"io"
	"log/slog"
	"os"
)

// Logger is a slog.Logger that carries a component name. The component is
// attached once as an attribute; switching components replaces it instead of
// stacking a second "component" key.
type Logger struct {
	*slog.Logger
	base      *slog.Logger
	component string
}

// Config holds logger configuration
type Config struct {
	Level     slog.Level
	Component string
	Handler   slog.Handler
}

// DefaultConfig returns sensible defaults for logging
func DefaultConfig() Config {
	return Config{
		Level:     slog.LevelInfo,
		Component: ComponentApp,
		Handler:   slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}),
	}
}

// New creates a new logger with the given configuration
func New(config Config) *Logger {
	handler := config.Handler
	if handler == nil {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: config.Level})
	}
	return newLogger(slog.New(handler), config.Component)
}

// Discard returns a logger that drops everything.
func Discard() *Logger {
	return New(Config{Handler: slog.NewTextHandler(io.Discard, nil)})
}

func newLogger(base *slog.Logger, component string) *Logger {
	l := &Logger{Logger: base, base: base, component: component}
	if component != "" {
		l.Logger = base.With(FieldComponent, component)
	}
	return l
}

// With returns a new logger with the given attributes
func (l *Logger) With(args ...any) *Logger {
	return newLogger(l.base.With(args...), l.component)
}

// WithComponent returns a new logger with a specific component name
func (l *Logger) WithComponent(component string) *Logger {
	return newLogger(l.base, component)
}

// Component returns the logger's component name
func (l *Logger) Component() string {
	return l.component
}

// SetDefault makes logger the process-wide slog default.
func SetDefault(logger *Logger) {
	slog.SetDefault(logger.Logger)
}

