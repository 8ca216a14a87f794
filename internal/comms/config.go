package comms

import (
	"github.com/nerrad567/gray-logic-comms/internal/framing"
)

// DefaultPriorityBonus is added to commands queued while a response is
// being evaluated, and to retried commands.
const DefaultPriorityBonus = 20

// Config holds per-device processor tunables.
type Config struct {
	// Defaults seed every queued command.
	Defaults Defaults

	// Framing configures the frame tokenizer. When no strategy is set each
	// inbound chunk is one frame.
	Framing framing.Options

	PriorityBonus int

	// ClearQueueOnDisconnect rejects named commands too when going offline.
	ClearQueueOnDisconnect bool

	// FlushBufferOnDisconnect evaluates a partial frame when the link drops.
	FlushBufferOnDisconnect bool

	// UpdateStatus reports connectivity changes through Handlers.OnStatus.
	UpdateStatus bool
}

// DefaultConfig returns the stock processor configuration.
func DefaultConfig() Config {
	return Config{
		Defaults:      DefaultDefaults(),
		PriorityBonus: DefaultPriorityBonus,
		UpdateStatus:  true,
	}
}
