package node

import (
	"context"

	"github.com/hydrapool/hydrad/internal/stratum"
	"github.com/hydrapool/hydrad/pkg/log"
)

// JobSink distributes a derived job to every connected miner. The stratum
// server implements it; tests substitute a recorder.
type JobSink interface {
	BroadcastJob(job *stratum.Job)
}

// Broadcaster is the only consumer of the template slot. For each
// notification it obtains a fresh job version from the tracker, derives the
// stratum job, and hands it to the sink for distribution. Coinbase and
// merkle details belong to the stratum package; the broadcaster only drives
// the sequence.
type Broadcaster struct {
	slot    *TemplateSlot
	tracker *Tracker
	sink    JobSink
	logger  *log.Logger

	lastPrevHash string
}

// NewBroadcaster creates a broadcaster draining slot into sink.
func NewBroadcaster(slot *TemplateSlot, tracker *Tracker, sink JobSink, logger *log.Logger) *Broadcaster {
	return &Broadcaster{
		slot:    slot,
		tracker: tracker,
		sink:    sink,
		logger:  logger.WithComponent("notify"),
	}
}

// Run consumes template notifications until the context is canceled. A
// template that fails job derivation is logged and skipped; the next
// notification gets a fresh chance.
func (b *Broadcaster) Run(ctx context.Context) error {
	for {
		notification, err := b.slot.Receive(ctx)
		if err != nil {
			b.logger.Info("job broadcaster stopped")
			return nil
		}

		version, err := b.tracker.NextVersion(ctx, notification.Template)
		if err != nil {
			b.logger.Info("job broadcaster stopped")
			return nil
		}

		// Work for a new parent block obsoletes everything in flight;
		// a refresh of the same parent lets miners keep going.
		prevHash := notification.Template.PreviousBlockHash()
		clean := prevHash != b.lastPrevHash

		job, err := stratum.NewJob(version, notification.Template, clean)
		if err != nil {
			b.logger.WithError(err).Error("failed to derive job from template",
				"height", notification.Template.Height(),
				"job_version", version,
			)
			continue
		}
		b.lastPrevHash = prevHash

		b.sink.BroadcastJob(job)
	}
}
