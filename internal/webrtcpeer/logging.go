package webrtcpeer

import (
	"fmt"
	"log/slog"

	"github.com/pion/logging"
)

// slogLoggerFactory routes pion's internal logging through the application
// slog logger, one scope attribute per pion subsystem.
type slogLoggerFactory struct {
	logger *slog.Logger
}

func (f slogLoggerFactory) NewLogger(scope string) logging.LeveledLogger {
	return slogLeveledLogger{logger: f.logger.With(slog.String("scope", scope))}
}

type slogLeveledLogger struct {
	logger *slog.Logger
}

// Trace maps to debug; slog has no trace level and pion's trace output is
// only wanted when debugging anyway.
func (l slogLeveledLogger) Trace(msg string) { l.logger.Debug(msg) }
func (l slogLeveledLogger) Tracef(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

func (l slogLeveledLogger) Debug(msg string) { l.logger.Debug(msg) }
func (l slogLeveledLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

func (l slogLeveledLogger) Info(msg string) { l.logger.Info(msg) }
func (l slogLeveledLogger) Infof(format string, args ...interface{}) {
	l.logger.Info(fmt.Sprintf(format, args...))
}

func (l slogLeveledLogger) Warn(msg string) { l.logger.Warn(msg) }
func (l slogLeveledLogger) Warnf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l slogLeveledLogger) Error(msg string) { l.logger.Error(msg) }
func (l slogLeveledLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}
