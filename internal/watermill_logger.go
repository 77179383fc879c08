package internal

import (
	"github.com/ThreeDotsLabs/watermill"
	"github.com/charmbracelet/log"
)

type watermillLogger struct {
	logger *log.Logger
	fields watermill.LogFields
}

// NewWatermillLogger adapts a charm logger to watermill.LoggerAdapter.
// Watermill's trace output is logged at debug level.
func NewWatermillLogger(logger *log.Logger) watermill.LoggerAdapter {
	if logger == nil {
		logger = NewLogger("watermill")
	}
	return &watermillLogger{logger: logger}
}

func (l *watermillLogger) Error(msg string, err error, fields watermill.LogFields) {
	l.logger.Error(msg, append(l.keyvals(fields), "err", err)...)
}

func (l *watermillLogger) Info(msg string, fields watermill.LogFields) {
	l.logger.Info(msg, l.keyvals(fields)...)
}

func (l *watermillLogger) Debug(msg string, fields watermill.LogFields) {
	l.logger.Debug(msg, l.keyvals(fields)...)
}

func (l *watermillLogger) Trace(msg string, fields watermill.LogFields) {
	l.logger.Debug(msg, l.keyvals(fields)...)
}

func (l *watermillLogger) With(fields watermill.LogFields) watermill.LoggerAdapter {
	return &watermillLogger{logger: l.logger, fields: l.fields.Add(fields)}
}

func (l *watermillLogger) keyvals(fields watermill.LogFields) []interface{} {
	merged := l.fields.Add(fields)
	out := make([]interface{}, 0, len(merged)*2)
	for key, value := range merged {
		out = append(out, key, value)
	}
	return out
}
