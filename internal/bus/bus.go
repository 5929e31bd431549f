package bus

import (
	"fmt"

	"github.com/opensource-finance/merlin/internal/domain"
)

// New creates an event bus based on configuration: "channel" for a
// single process, "nats" for a shared broker.
func New(cfg domain.EventBusConfig) (domain.EventBus, error) {
	switch cfg.Type {
	case "channel":
		return NewChannelBus(cfg.ChannelBufferSize), nil

	case "nats":
		return NewNATSBus(cfg)

	default:
		return nil, fmt.Errorf("unsupported event bus type: %s", cfg.Type)
	}
}
