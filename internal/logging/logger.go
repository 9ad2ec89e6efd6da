package logging

import (
	"go.uber.org/zap"
)

// NewLogger builds a production ready structured logger for the screening API.
func NewLogger() (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.EncoderConfig.TimeKey = "timestamp"
	logger, err := cfg.Build()
	if err != nil {
		return nil, err
	}
	return logger.With(zap.String("service", "retina-api")), nil
}

// WithOperation enriches the logger with operation and screening identifiers.
func WithOperation(logger *zap.Logger, operation, screeningID string) *zap.Logger {
	fields := []zap.Field{zap.String("operation", operation)}
	if screeningID != "" {
		fields = append(fields, zap.String("screening_id", screeningID))
	}
	return logger.With(fields...)
}
