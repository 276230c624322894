// Package logging builds the per-component *log.Logger values the watcher
// packages take through their Config structs.
//
// Output goes to stderr, to a size-rotated file managed by lumberjack, or to
// both. Every logger from one Factory shares the same writer, so rotation is
// coordinated across components.
package logging

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Options configures log output.
type Options struct {
	// File is the log file path. Empty disables file logging.
	File string

	// MaxSizeMB is the size at which the file is rotated (default: 100)
	MaxSizeMB int

	// MaxBackups is the number of rotated files kept (0 keeps all)
	MaxBackups int

	// MaxAgeDays removes rotated files older than this (0 keeps all)
	MaxAgeDays int

	// Compress gzips rotated files
	Compress bool

	// Quiet suppresses stderr output. Ignored when File is empty.
	Quiet bool
}

// Factory hands out loggers that share one writer.
type Factory struct {
	out  io.Writer
	file *lumberjack.Logger
}

// New creates a factory for the given options. The log directory is
// created if needed.
func New(opts Options) (*Factory, error) {
	if opts.File == "" {
		return &Factory{out: os.Stderr}, nil
	}

	if err := os.MkdirAll(filepath.Dir(opts.File), 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	maxSize := opts.MaxSizeMB
	if maxSize <= 0 {
		maxSize = 100
	}
	file := &lumberjack.Logger{
		Filename:   opts.File,
		MaxSize:    maxSize,
		MaxBackups: opts.MaxBackups,
		MaxAge:     opts.MaxAgeDays,
		Compress:   opts.Compress,
	}

	f := &Factory{out: file, file: file}
	if !opts.Quiet {
		f.out = io.MultiWriter(os.Stderr, file)
	}
	return f, nil
}

// Discard returns a factory whose loggers write nowhere.
func Discard() *Factory {
	return &Factory{out: io.Discard}
}

// Logger returns a logger prefixed with "[component] ".
func (f *Factory) Logger(component string) *log.Logger {
	return log.New(f.out, "["+component+"] ", log.LstdFlags)
}

// Writer returns the shared output.
func (f *Factory) Writer() io.Writer {
	return f.out
}

// Rotate closes the current log file and opens a new one. It is a no-op
// without file logging.
func (f *Factory) Rotate() error {
	if f.file == nil {
		return nil
	}
	if err := f.file.Rotate(); err != nil {
		return fmt.Errorf("failed to rotate log file: %w", err)
	}
	return nil
}

// Close closes the log file, if any.
func (f *Factory) Close() error {
	if f.file == nil {
		return nil
	}
	return f.file.Close()
}
