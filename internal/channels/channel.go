// Package channels hosts the inbound adapters: each adapter turns an
// external chat surface into worker sends and can deliver out-of-band
// announcements (sub-agent completions) back to a target on that
// surface.
package channels

import (
	"context"
	"fmt"
	"sync"
)

// Channel is an inbound adapter bound to one external surface.
type Channel interface {
	Name() string
	// Start runs the inbound loop until ctx is cancelled.
	Start(ctx context.Context) error
}

// Sender delivers a message to a target on one surface out-of-band.
type Sender interface {
	SendMessage(ctx context.Context, target, text string) error
}

// Registry routes announcements to the adapter owning a channel name.
type Registry struct {
	mu      sync.RWMutex
	senders map[string]Sender
}

func NewRegistry() *Registry {
	return &Registry{senders: make(map[string]Sender)}
}

// Register makes a sender addressable under name. Last one wins.
func (r *Registry) Register(name string, sender Sender) {
	r.mu.Lock()
	r.senders[name] = sender
	r.mu.Unlock()
}

// Announce delivers text to target on the named channel.
func (r *Registry) Announce(ctx context.Context, channel, target, text string) error {
	r.mu.RLock()
	sender, ok := r.senders[channel]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("no sender registered for channel %q", channel)
	}
	return sender.SendMessage(ctx, target, text)
}
