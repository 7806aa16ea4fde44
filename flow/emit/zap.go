package emit

import (
	"go.uber.org/zap"
)

// ZapEmitter logs events through a zap logger. Each event becomes one
// structured entry at info level (warn when the meta carries an error).
type ZapEmitter struct {
	logger *zap.Logger
}

// NewZapEmitter creates a ZapEmitter. A nil logger falls back to zap.NewNop.
func NewZapEmitter(logger *zap.Logger) *ZapEmitter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ZapEmitter{logger: logger}
}

// Emit logs the event with its identifiers as structured fields.
func (z *ZapEmitter) Emit(event Event) {
	fields := make([]zap.Field, 0, 5+len(event.Meta))
	fields = append(fields, zap.String("instance_id", event.InstanceID))
	if event.WorkflowID != "" {
		fields = append(fields, zap.String("workflow_id", event.WorkflowID))
	}
	if event.StateID != "" {
		fields = append(fields, zap.String("state_id", event.StateID))
	}
	if event.EventID != "" {
		fields = append(fields, zap.String("event_id", event.EventID))
	}
	for k, v := range event.Meta {
		fields = append(fields, zap.Any(k, v))
	}

	if _, failed := event.Meta["error"]; failed {
		z.logger.Warn(event.Msg, fields...)
		return
	}
	z.logger.Info(event.Msg, fields...)
}

// Sync flushes the underlying logger. Call before shutdown.
func (z *ZapEmitter) Sync() error {
	return z.logger.Sync()
}
