package logging

import (
	"github.com/thejerf/suture/v4"
	"go.uber.org/zap"
)

// SupervisorHook routes suture supervisor events into the structured logger.
func SupervisorHook(logger *zap.Logger) suture.EventHook {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(event suture.Event) {
		details := event.Map()
		fields := make([]zap.Field, 0, len(details)+1)
		fields = append(fields, zap.String("event_type", eventTypeName(event.Type())))
		for key, value := range details {
			fields = append(fields, zap.Any(key, value))
		}
		if event.Type() == suture.EventTypeResume {
			logger.Info(event.String(), fields...)
			return
		}
		logger.Warn(event.String(), fields...)
	}
}

func eventTypeName(eventType suture.EventType) string {
	switch eventType {
	case suture.EventTypeStopTimeout:
		return "stop_timeout"
	case suture.EventTypeServicePanic:
		return "service_panic"
	case suture.EventTypeServiceTerminate:
		return "service_terminate"
	case suture.EventTypeBackoff:
		return "backoff"
	case suture.EventTypeResume:
		return "resume"
	default:
		return "unknown"
	}
}
