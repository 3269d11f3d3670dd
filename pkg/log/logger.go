// Package log provides structured logging for the hydrad node, wrapping
// log/slog with service identity fields and helpers for the mining hot paths.
package log

import (
	"errors"
	"io"
	"log/slog"
	"os"
	"strings"

	svcerrors "github.com/hydrapool/hydrad/pkg/errors"
)

// Logger carries the service-wide slog.Logger plus the identity every line
// is stamped with.
type Logger struct {
	*slog.Logger
	service string
	version string
}

// New builds a logger writing to stderr.
func New(service, version, level, format string) *Logger {
	return NewWithOutput(service, version, level, format, os.Stderr)
}

// NewWithOutput builds a logger writing to w. The caller owns the writer and
// closes it after the logger is no longer used.
func NewWithOutput(service, version, level, format string, w io.Writer) *Logger {
	lvl := parseLevel(level)
	opts := &slog.HandlerOptions{
		Level:     lvl,
		AddSource: lvl == slog.LevelDebug,
	}

	var handler slog.Handler
	if strings.EqualFold(format, "text") {
		handler = slog.NewTextHandler(w, opts)
	} else {
		handler = slog.NewJSONHandler(w, opts)
	}

	root := slog.New(handler).With("service", service, "version", version)
	return &Logger{Logger: root, service: service, version: version}
}

// parseLevel maps a config string onto a slog level, defaulting to info on
// anything unrecognized.
func parseLevel(level string) slog.Level {
	if strings.EqualFold(level, "warning") {
		return slog.LevelWarn
	}
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return slog.LevelInfo
	}
	return lvl
}

func (l *Logger) derive(s *slog.Logger) *Logger {
	return &Logger{Logger: s, service: l.service, version: l.version}
}

// WithFields returns a logger stamping the given key/value pairs on every line.
func (l *Logger) WithFields(fields ...any) *Logger {
	return l.derive(l.With(fields...))
}

// WithComponent returns a logger scoped to one subsystem.
func (l *Logger) WithComponent(component string) *Logger {
	return l.WithFields("component", component)
}

// WithError returns a logger carrying the error message and, for classified
// errors, the taxonomy type.
func (l *Logger) WithError(err error) *Logger {
	if err == nil {
		return l
	}
	var se *svcerrors.ServiceError
	if errors.As(err, &se) {
		return l.WithFields("error", err.Error(), "error_type", string(se.Type))
	}
	return l.WithFields("error", err.Error())
}

// LogConnection records a miner connection lifecycle event.
func (l *Logger) LogConnection(event, remoteAddr string) {
	l.Info("connection event", "event", event, "remote_addr", remoteAddr)
}

// LogStratumMessage traces raw protocol traffic at debug level.
func (l *Logger) LogStratumMessage(direction, message string) {
	l.Debug("stratum message", "direction", direction, "message", message)
}

// LogShareSubmission records one share intake outcome.
func (l *Logger) LogShareSubmission(minerAddr, workerName string, jobVersion uint64, difficulty float64, status string) {
	l.Info("share submission",
		"miner_address", minerAddr,
		"worker_name", workerName,
		"job_version", jobVersion,
		"difficulty", difficulty,
		"status", status,
	)
}

// LogBlockFound records a solved block before it is submitted upstream.
func (l *Logger) LogBlockFound(blockHash string, blockHeight int64, minerAddr, workerName string, difficulty float64) {
	l.Info("block found",
		"block_hash", blockHash,
		"block_height", blockHeight,
		"miner_address", minerAddr,
		"worker_name", workerName,
		"difficulty", difficulty,
	)
}

// LogJobBroadcast records one notify fan-out to connected miners.
func (l *Logger) LogJobBroadcast(jobVersion uint64, blockHeight int64, cleanJobs bool, minerCount int) {
	l.Info("job broadcast",
		"job_version", jobVersion,
		"block_height", blockHeight,
		"clean_jobs", cleanJobs,
		"miner_count", minerCount,
	)
}
