// Package logging configures the structured logr.Logger used across
// cumments, adapted from the teacher's CreateTransactionLogger: a JSON
// file target layered under the default stdout target when a log file
// path is configured.
package logging

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/mattermost/logr/v2"
	"github.com/mattermost/logr/v2/formatters"
	"github.com/mattermost/logr/v2/targets"
	"github.com/pkg/errors"
)

// Config controls where and how logs are written.
type Config struct {
	// FilePath, if set, adds a rotating JSON file target alongside the
	// default console target. Empty disables file logging.
	FilePath string
	// Level filters the file target: "debug", "info", "warn", "error".
	Level string
}

// New builds a logr.Logger per Config. Grounded on the teacher's
// CreateTransactionLogger (server/logr.go): logr.New with a bounded
// queue, then an optional rotating file target via lumberjack under
// the hood of targets.FileOptions. With no FilePath set, this returns
// logr's own default-configured logger, same as the teacher does when
// MM_MATRIX_LOG_FILESPEC is unset.
func New(cfg Config) (logr.Logger, error) {
	logger, err := logr.New(logr.MaxQueueSize(1000))
	if err != nil {
		return logr.Logger{}, errors.Wrap(err, "constructing logr instance")
	}

	if cfg.FilePath == "" {
		return logger.NewLogger(), nil
	}

	filter := filterForLevel(cfg.Level)

	dir := filepath.Dir(cfg.FilePath)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return logr.Logger{}, errors.Wrap(err, "creating log directory")
		}
	}

	jsonFormatter := &formatters.JSON{EnableCaller: true}
	fileTarget := targets.NewFileTarget(targets.FileOptions{
		Filename:   cfg.FilePath,
		MaxSize:    100,
		MaxBackups: 5,
		MaxAge:     5,
		Compress:   true,
	})
	if err := logger.AddTarget(fileTarget, "file", filter, jsonFormatter, 100); err != nil {
		return logr.Logger{}, errors.Wrap(err, "adding file log target")
	}

	return logger.NewLogger(), nil
}

// Adapter wraps a logr.Logger to satisfy the small LogDebug/LogInfo/
// LogWarn/LogError interface internal/matrix and internal/store
// expect, the way the teacher's PluginAPILogger adapts plugin.API.
// Keyed arguments are passed through as string fields (logr.String),
// since field types like numbers still render fine as their %v text.
type Adapter struct {
	log logr.Logger
}

// NewAdapter wraps log as a LogDebug/LogInfo/LogWarn/LogError source.
func NewAdapter(log logr.Logger) *Adapter {
	return &Adapter{log: log}
}

func (a *Adapter) LogDebug(message string, kv ...any) { a.log.Debug(message, fields(kv)...) }
func (a *Adapter) LogInfo(message string, kv ...any)  { a.log.Info(message, fields(kv)...) }
func (a *Adapter) LogWarn(message string, kv ...any)  { a.log.Warn(message, fields(kv)...) }
func (a *Adapter) LogError(message string, kv ...any) { a.log.Error(message, fields(kv)...) }

func fields(kv []any) []logr.Field {
	out := make([]logr.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		key := fmt.Sprint(kv[i])
		out = append(out, logr.String(key, fmt.Sprint(kv[i+1])))
	}
	return out
}

func filterForLevel(level string) logr.Filter {
	switch level {
	case "debug":
		return logr.NewCustomFilter(logr.Debug, logr.Info, logr.Warn, logr.Error, logr.Fatal, logr.Panic)
	case "warn":
		return logr.NewCustomFilter(logr.Warn, logr.Error, logr.Fatal, logr.Panic)
	case "error":
		return logr.NewCustomFilter(logr.Error, logr.Fatal, logr.Panic)
	default:
		return logr.NewCustomFilter(logr.Info, logr.Warn, logr.Error, logr.Fatal, logr.Panic)
	}
}
