// Package channel defines the Channel adapter contract and
// ships a small set of concrete adapters: Slack, a generic webhook, and a
// file sink for local/dev delivery and tests.
package channel

import (
	"context"

	"github.com/constitutional-mesh/iaer/pkg/types"
)

// Outcome classifies a delivery attempt.
type Outcome int

const (
	Delivered Outcome = iota
	TransientError
	PermanentError
)

// Channel is the contract every notification transport implements. The core
// does not prescribe wire formats; adapters are supplied by the host process
//.
type Channel interface {
	Kind() types.ChannelKind
	Send(ctx context.Context, renderedMessage string, address string) (Outcome, error)
	RateLimit() (capacity int, refillPerSecond float64)
}

// Registry looks up a configured Channel by kind.
type Registry struct {
	channels map[types.ChannelKind]Channel
}

// NewRegistry builds a Registry from the given adapters.
func NewRegistry(channels ...Channel) *Registry {
	r := &Registry{channels: make(map[types.ChannelKind]Channel, len(channels))}
	for _, c := range channels {
		r.channels[c.Kind()] = c
	}
	return r
}

// Get returns the adapter for kind, or nil if none is configured.
func (r *Registry) Get(kind types.ChannelKind) Channel {
	return r.channels[kind]
}

// All returns every registered channel, used to seed rate limiter config.
func (r *Registry) All() []Channel {
	out := make([]Channel, 0, len(r.channels))
	for _, c := range r.channels {
		out = append(out, c)
	}
	return out
}
