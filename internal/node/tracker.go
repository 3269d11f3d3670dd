package node

import (
	"context"

	"github.com/hydrapool/hydrad/internal/bitcoin"
)

// Tracker is the single owner of the job version counter. Every read and
// write goes through its request channel and is served by one goroutine, so
// two templates arriving back to back can never be assigned the same
// version. The same Tracker pointer is handed to the broadcaster and the
// status API; nobody touches the counter directly.
type Tracker struct {
	requests chan trackerRequest
}

type trackerRequest struct {
	// template is non-nil for a mutating next-version request and nil for
	// a snapshot read.
	template *bitcoin.Template
	reply    chan uint64
}

// NewTracker creates a tracker. It serves no requests until Run is started.
func NewTracker() *Tracker {
	return &Tracker{requests: make(chan trackerRequest)}
}

// Run serves version requests until the context is canceled.
func (t *Tracker) Run(ctx context.Context) error {
	var version uint64
	for {
		select {
		case <-ctx.Done():
			return nil
		case req := <-t.requests:
			if req.template != nil {
				version++
			}
			req.reply <- version
		}
	}
}

// NextVersion allocates the version for a freshly dispatched template. The
// returned value is unique and strictly increasing across all callers.
func (t *Tracker) NextVersion(ctx context.Context, tmpl *bitcoin.Template) (uint64, error) {
	return t.request(ctx, tmpl)
}

// Current returns the most recently allocated version without advancing the
// counter. Zero means no job has been dispatched yet.
func (t *Tracker) Current(ctx context.Context) (uint64, error) {
	return t.request(ctx, nil)
}

func (t *Tracker) request(ctx context.Context, tmpl *bitcoin.Template) (uint64, error) {
	req := trackerRequest{template: tmpl, reply: make(chan uint64, 1)}
	select {
	case t.requests <- req:
	case <-ctx.Done():
		return 0, ctx.Err()
	}
	select {
	case v := <-req.reply:
		return v, nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}
