package notify

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"anomaly_bot/internal/models"
)

// Log пишет события в структурный лог; используется всегда, даже без внешних каналов.
type Log struct {
	log *zap.Logger
}

func NewLog(log *zap.Logger) *Log { return &Log{log: log.Named("events")} }

func (l *Log) Name() string { return "log" }

func (l *Log) Send(_ context.Context, ev models.Event) error {
	fields := []zap.Field{
		zap.String("kind", string(ev.Kind)),
		zap.Time("at", ev.At),
	}
	for _, f := range Fields(ev) {
		key := strings.ReplaceAll(strings.ToLower(f.Name), " ", "_")
		fields = append(fields, zap.String(key, f.Value))
	}
	if ev.Symbol != "" {
		fields = append(fields, zap.String("symbol", ev.Symbol))
	}
	if ev.Kind == models.EventError {
		l.log.Warn("event", fields...)
		return nil
	}
	l.log.Info("event", fields...)
	return nil
}
