// Package listeners provides hub.Listener wrappers for logging, asynchronous
// delivery and jq payload transformation.
package listeners

import (
	"github.com/tsarna/wmslive/pkg/wmslive/hub"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logging returns a listener that logs every payload at level and then calls
// next. If next is nil it only logs.
func Logging(logger *zap.Logger, level zapcore.Level, topic string, next hub.Listener) hub.Listener {
	return NamedLogging(logger, level, "listener", topic, next)
}

// NamedLogging is Logging with a name to tell listeners apart in the log.
func NamedLogging(logger *zap.Logger, level zapcore.Level, name, topic string, next hub.Listener) hub.Listener {
	if logger == nil {
		logger = zap.NewNop()
	}

	return func(payload any) {
		logger.Log(level, "Payload received",
			zap.String("listener", name),
			zap.String("topic", topic),
			zap.Any("payload", payload),
			zap.Bool("hasWrapped", next != nil),
		)

		if next != nil {
			next(payload)
		}
	}
}
