// Package logging builds the zap logger used by cuckooctl.
package logging

import (
	"errors"
	"fmt"
	"io"

	"github.com/natefinch/lumberjack"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Log encodings.
const (
	FormatConsole = "console"
	FormatJSON    = "json"
)

var errUnknownFormat = errors.New("unknown log format")

// Options select level, encoding and destination.
type Options struct {
	Level  string
	Format string

	// File, when set, sends log output to a size-rotated file instead of the
	// fallback writer.
	File       string
	MaxSizeMB  int
	MaxBackups int
}

// New returns a logger writing to fallback, or to opts.File when set. The
// returned closer flushes the logger and closes the file; it is safe to call
// when no file is in use.
func New(opts Options, fallback io.Writer) (*zap.Logger, io.Closer, error) {
	level := zapcore.WarnLevel

	if opts.Level != "" {
		var err error

		level, err = zapcore.ParseLevel(opts.Level)
		if err != nil {
			return nil, nil, fmt.Errorf("log level: %w", err)
		}
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	var enc zapcore.Encoder

	switch opts.Format {
	case "", FormatConsole:
		encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
		enc = zapcore.NewConsoleEncoder(encCfg)
	case FormatJSON:
		enc = zapcore.NewJSONEncoder(encCfg)
	default:
		return nil, nil, fmt.Errorf("%w: %q", errUnknownFormat, opts.Format)
	}

	var (
		sink   zapcore.WriteSyncer
		closer io.Closer = nopCloser{}
	)

	if opts.File != "" {
		rotator := &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    opts.MaxSizeMB,
			MaxBackups: opts.MaxBackups,
		}
		sink = zapcore.AddSync(rotator)
		closer = rotator
	} else {
		sink = zapcore.AddSync(fallback)
	}

	logger := zap.New(zapcore.NewCore(enc, zapcore.Lock(sink), level))

	return logger, closeFunc(func() error {
		_ = logger.Sync()

		return closer.Close()
	}), nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

type closeFunc func() error

func (f closeFunc) Close() error { return f() }
