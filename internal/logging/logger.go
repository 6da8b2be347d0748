package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/log"
)

// Logger wraps the charm log.Logger with an optional file sink
type Logger struct {
	*log.Logger
	logFilePath string
	file        *os.File
}

// Options controls how a Logger is built
type Options struct {
	// LogFile, when set, receives a copy of every line written to stdout
	LogFile string
	Debug   bool
	Prefix  string
}

// NewLogger creates a new logger instance writing to stdout and, optionally, a log file
func NewLogger(opts Options) (*Logger, error) {
	var out io.Writer = os.Stdout
	var file *os.File

	if opts.LogFile != "" {
		// Ensure log directory exists
		if err := os.MkdirAll(filepath.Dir(opts.LogFile), 0755); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}
		f, err := os.OpenFile(opts.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file: %w", err)
		}
		file = f
		out = io.MultiWriter(os.Stdout, f)
	}

	prefix := opts.Prefix
	if prefix == "" {
		prefix = "healthwatch"
	}

	baseLogger := log.NewWithOptions(out, log.Options{
		ReportCaller:    false,
		ReportTimestamp: true,
		Prefix:          prefix,
	})
	baseLogger.SetStyles(levelStyles())
	if opts.Debug {
		baseLogger.SetLevel(log.DebugLevel)
	}

	return &Logger{
		Logger:      baseLogger,
		logFilePath: opts.LogFile,
		file:        file,
	}, nil
}

// New wraps an arbitrary writer. Used by tests that want to inspect output.
func New(w io.Writer) *Logger {
	l := log.NewWithOptions(w, log.Options{Prefix: "healthwatch"})
	l.SetLevel(log.DebugLevel)
	return &Logger{Logger: l}
}

// Nop returns a logger that discards everything
func Nop() *Logger {
	return &Logger{Logger: log.NewWithOptions(io.Discard, log.Options{})}
}

// OrNop returns l, or a discard logger when l is nil
func OrNop(l *Logger) *Logger {
	if l == nil {
		return Nop()
	}
	return l
}

// With returns a child logger carrying the given key/value pairs
func (l *Logger) With(keyvals ...interface{}) *Logger {
	return &Logger{
		Logger:      l.Logger.With(keyvals...),
		logFilePath: l.logFilePath,
	}
}

// GetLogFilePath returns the path to the log file
func (l *Logger) GetLogFilePath() string {
	return l.logFilePath
}

// Close releases the log file, if any
func (l *Logger) Close() error {
	if l.file == nil {
		return nil
	}
	return l.file.Close()
}

func levelStyles() *log.Styles {
	styles := log.DefaultStyles()
	level := func(name, color string) lipgloss.Style {
		return lipgloss.NewStyle().
			SetString(strings.ToUpper(name)).
			Bold(true).
			MaxWidth(5).
			Foreground(lipgloss.Color(color))
	}
	styles.Levels[log.DebugLevel] = level("debug", "63")
	styles.Levels[log.InfoLevel] = level("info", "86")
	styles.Levels[log.WarnLevel] = level("warn", "192")
	styles.Levels[log.ErrorLevel] = level("error", "204")
	styles.Levels[log.FatalLevel] = level("fatal", "134")
	styles.Keys["err"] = lipgloss.NewStyle().Foreground(lipgloss.Color("204"))
	styles.Keys["error"] = lipgloss.NewStyle().Foreground(lipgloss.Color("204"))
	return styles
}
