package events

import (
	"go.uber.org/zap"

	"github.com/happyagents/happy/internal/common/config"
	"github.com/happyagents/happy/internal/common/logger"
	"github.com/happyagents/happy/internal/events/bus"
)

// Provide creates the event bus for the session process. A configured NATS URL
// selects the broker-backed bus so sessions sharing a machine can observe each
// other; otherwise the in-memory bus is used.
func Provide(cfg config.NATSConfig, log *logger.Logger) (bus.EventBus, error) {
	if cfg.URL == "" {
		log.Debug("using in-memory event bus")
		return bus.NewMemoryEventBus(log), nil
	}

	log.Info("connecting to NATS event bus", zap.String("url", cfg.URL))
	return bus.NewNATSEventBus(cfg, log)
}
