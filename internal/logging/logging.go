// Package logging builds the per-component loggers used across vtsync.
// Every component gets a *log.Logger with a bracketed prefix; output goes
// to stderr and, optionally, to a size-rotated log file.
package logging

import (
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Options configures log output.
type Options struct {
	// File is the log file path. Empty disables file logging.
	File string

	// MaxSizeMB rotates the file after this many megabytes (default 10)
	MaxSizeMB int

	// MaxBackups is how many rotated files to keep (0 = all)
	MaxBackups int

	// MaxAgeDays removes rotated files older than this (0 = never)
	MaxAgeDays int

	// Quiet drops stderr output, leaving only the file
	Quiet bool

	// Stderr overrides the console writer (default os.Stderr)
	Stderr io.Writer
}

// Logs hands out component loggers that share one destination.
type Logs struct {
	out  io.Writer
	file *lumberjack.Logger

	mu      sync.Mutex
	loggers map[string]*log.Logger
}

// New opens the log destination described by opts.
func New(opts Options) (*Logs, error) {
	console := opts.Stderr
	if console == nil {
		console = os.Stderr
	}

	l := &Logs{loggers: make(map[string]*log.Logger)}
	var writers []io.Writer
	if !opts.Quiet {
		writers = append(writers, console)
	}

	if opts.File != "" {
		if err := os.MkdirAll(filepath.Dir(opts.File), 0o755); err != nil {
			return nil, err
		}
		maxSize := opts.MaxSizeMB
		if maxSize <= 0 {
			maxSize = 10
		}
		l.file = &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    maxSize,
			MaxBackups: opts.MaxBackups,
			MaxAge:     opts.MaxAgeDays,
		}
		writers = append(writers, l.file)
	}

	switch len(writers) {
	case 0:
		l.out = io.Discard
	case 1:
		l.out = writers[0]
	default:
		l.out = io.MultiWriter(writers...)
	}
	return l, nil
}

// Discard returns Logs that drop everything.
func Discard() *Logs {
	return &Logs{out: io.Discard, loggers: make(map[string]*log.Logger)}
}

// For returns the logger for component, e.g. For("sync") prefixes lines
// with "[sync] ". Repeated calls return the same logger.
func (l *Logs) For(component string) *log.Logger {
	l.mu.Lock()
	defer l.mu.Unlock()

	if lg, ok := l.loggers[component]; ok {
		return lg
	}
	lg := log.New(l.out, "["+component+"] ", log.LstdFlags)
	l.loggers[component] = lg
	return lg
}

// Writer returns the shared destination.
func (l *Logs) Writer() io.Writer {
	return l.out
}

// Rotate starts a new log file. It is a no-op without file logging.
func (l *Logs) Rotate() error {
	if l.file == nil {
		return nil
	}
	return l.file.Rotate()
}

// Close closes the log file.
func (l *Logs) Close() error {
	if l.file == nil {
		return nil
	}
	return l.file.Close()
}
