package node

import (
	"context"

	"github.com/hydrapool/hydrad/internal/bitcoin"
)

// TemplateNotification pairs a fetched block template with the network it
// targets. Exactly one flows between the feed and the broadcaster at a time.
type TemplateNotification struct {
	Template *bitcoin.Template
	Network  string
}

// TemplateSlot is the single-value handoff between the template feed and
// the job broadcaster. Publishing into an occupied slot replaces the held
// value, so the consumer only ever observes the newest template: a stale
// template is dropped the moment a fresher one exists, and nothing queues
// behind it. Staleness is bounded to one fetch cycle.
//
// The slot assumes one publisher and one consumer, which is how the
// pipeline wires it.
type TemplateSlot struct {
	ch chan *TemplateNotification
}

// NewTemplateSlot creates an empty slot.
func NewTemplateSlot() *TemplateSlot {
	return &TemplateSlot{ch: make(chan *TemplateNotification, 1)}
}

// Publish places a notification in the slot, displacing any value the
// consumer has not yet drained. It never blocks.
func (s *TemplateSlot) Publish(n *TemplateNotification) {
	for {
		select {
		case s.ch <- n:
			return
		default:
		}
		// Slot occupied: discard the superseded value and try again. The
		// consumer may drain it concurrently, in which case the discard
		// finds the slot empty and the retry succeeds.
		select {
		case <-s.ch:
		default:
		}
	}
}

// Receive blocks until a notification is available or the context ends.
func (s *TemplateSlot) Receive(ctx context.Context) (*TemplateNotification, error) {
	select {
	case n := <-s.ch:
		return n, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// TryReceive returns the held notification, or nil when the slot is empty.
func (s *TemplateSlot) TryReceive() *TemplateNotification {
	select {
	case n := <-s.ch:
		return n
	default:
		return nil
	}
}
