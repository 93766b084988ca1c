package events

import (
	"go.uber.org/zap"

	"github.com/drape/drape/internal/common/config"
	"github.com/drape/drape/internal/common/logger"
	"github.com/drape/drape/internal/events/bus"
)

// Provide creates an event bus based on configuration. When a NATS URL is
// configured it connects to NATS; otherwise it falls back to the in-process
// bus, which is sufficient for single-node deployments.
func Provide(cfg config.NATSConfig, log *logger.Logger) (bus.EventBus, func(), error) {
	if cfg.URL != "" {
		natsBus, err := bus.NewNATSEventBus(cfg, log)
		if err != nil {
			return nil, nil, err
		}
		log.Info("event bus initialized", zap.String("kind", "nats"), zap.String("url", cfg.URL))
		return natsBus, func() { natsBus.Close() }, nil
	}

	memBus := bus.NewMemoryEventBus(log)
	log.Info("event bus initialized", zap.String("kind", "memory"))
	return memBus, func() { memBus.Close() }, nil
}
