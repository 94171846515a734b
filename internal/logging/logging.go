// Package logging builds the component loggers used across bmd.
//
// Every logger writes "[component] " prefixed lines to stderr and, when a
// log file is configured, to a size-rotated file as well.
package logging

import (
	"io"
	"log"
	"os"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/bmad-dash/bmd/internal/config"
)

// Output owns the shared log destination. Components get their own
// prefixed logger from Output.Logger.
type Output struct {
	w    io.Writer
	file *lumberjack.Logger

	mu      sync.Mutex
	loggers map[string]*log.Logger
}

// Options tune the destination independently of the config file.
type Options struct {
	// Stderr is the console writer (default: os.Stderr)
	Stderr io.Writer

	// Quiet drops the console writer; file output is unaffected
	Quiet bool
}

// New creates the log destination described by cfg.
func New(cfg config.LogConfig, opts Options) *Output {
	var writers []io.Writer
	if !opts.Quiet {
		stderr := opts.Stderr
		if stderr == nil {
			stderr = os.Stderr
		}
		writers = append(writers, stderr)
	}

	o := &Output{loggers: make(map[string]*log.Logger)}
	if cfg.File != "" {
		o.file = &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   cfg.Compress,
		}
		writers = append(writers, o.file)
	}

	switch len(writers) {
	case 0:
		o.w = io.Discard
	case 1:
		o.w = writers[0]
	default:
		o.w = io.MultiWriter(writers...)
	}
	return o
}

// Logger returns the logger for component, creating it on first use.
func (o *Output) Logger(component string) *log.Logger {
	o.mu.Lock()
	defer o.mu.Unlock()

	if l, ok := o.loggers[component]; ok {
		return l
	}
	prefix := ""
	if component != "" {
		prefix = "[" + component + "] "
	}
	l := log.New(o.w, prefix, log.LstdFlags)
	o.loggers[component] = l
	return l
}

// Writer returns the combined destination.
func (o *Output) Writer() io.Writer {
	return o.w
}

// Rotate closes the current log file and starts a new one.
func (o *Output) Rotate() error {
	if o.file == nil {
		return nil
	}
	return o.file.Rotate()
}

// Close closes the log file, if any.
func (o *Output) Close() error {
	if o.file == nil {
		return nil
	}
	return o.file.Close()
}

// Discard returns a logger that drops everything.
func Discard() *log.Logger {
	return log.New(io.Discard, "", 0)
}
