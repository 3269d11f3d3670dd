package node

import (
	"context"
	"sync"
	"time"

	"github.com/hydrapool/hydrad/internal/bitcoin"
	"github.com/hydrapool/hydrad/internal/events"
	"github.com/hydrapool/hydrad/internal/metrics"
	"github.com/hydrapool/hydrad/internal/store"
	"github.com/hydrapool/hydrad/internal/stratum"
	"github.com/hydrapool/hydrad/pkg/errors"
	"github.com/hydrapool/hydrad/pkg/log"
)

const (
	// blockSubmitTimeout bounds one block submission including its retries.
	// Submissions run detached from the intake loop so a slow upstream node
	// never stalls share processing.
	blockSubmitTimeout = 30 * time.Second

	// eventPublishTimeout bounds one event-stream publish.
	eventPublishTimeout = 10 * time.Second
)

// Actor consumes accepted shares and applies them to the share chain. It is
// the only writer of chain state in the whole process: emissions arrive on
// one channel and are applied strictly in arrival order, so concurrent
// miners can never interleave partial chain mutations.
//
// When the actor stops, for any reason, it fires its stopping signal; the
// coordinator observes that and tears down the miner-facing surfaces.
type Actor struct {
	emissions <-chan stratum.Emission
	store     *store.Store
	rpc       bitcoin.RPCInterface
	recorder  *metrics.Recorder
	publisher *events.Publisher
	logger    *log.Logger
	stopping  *Signal

	// wg tracks detached block submissions and event publishes so Run can
	// wait for them before declaring the actor stopped.
	wg sync.WaitGroup
}

// NewActor creates the share-intake actor.
func NewActor(emissions <-chan stratum.Emission, chainStore *store.Store, rpc bitcoin.RPCInterface, recorder *metrics.Recorder, publisher *events.Publisher, logger *log.Logger) *Actor {
	return &Actor{
		emissions: emissions,
		store:     chainStore,
		rpc:       rpc,
		recorder:  recorder,
		publisher: publisher,
		logger:    logger.WithComponent("node-actor"),
		stopping:  NewSignal(),
	}
}

// Stopping returns the one-shot signal fired when the actor has stopped.
func (a *Actor) Stopping() *Signal {
	return a.stopping
}

// Run processes emissions until the context is canceled or the chain store
// fails unrecoverably. On cancellation it drains what the stratum server
// already enqueued before stopping, so accepted shares are never dropped on
// the floor during shutdown.
func (a *Actor) Run(ctx context.Context) error {
	defer a.stopping.Fire()
	defer a.wg.Wait()

	a.logger.Info("node actor started")

	for {
		select {
		case <-ctx.Done():
			a.drain()
			a.logger.Info("node actor stopped")
			return nil
		case emission := <-a.emissions:
			if err := a.apply(emission); err != nil {
				a.logger.WithError(err).Error("share chain failure, stopping node actor")
				return err
			}
		}
	}
}

// drain consumes emissions already enqueued without waiting for new ones.
func (a *Actor) drain() {
	for {
		select {
		case emission := <-a.emissions:
			if err := a.apply(emission); err != nil {
				a.logger.WithError(err).Error("share chain failure during drain")
				return
			}
		default:
			return
		}
	}
}

// apply validates one emission against the chain tip and appends it. A
// share the chain rejects is logged and skipped; only a storage failure is
// returned, because continuing without a working chain store would silently
// discard every miner's accounting.
func (a *Actor) apply(emission stratum.Emission) error {
	tip, err := a.store.Tip()
	if err != nil {
		return err
	}

	entry := &store.ShareEntry{
		Hash:       emission.Hash,
		PrevHash:   tip.Hash,
		Height:     tip.Height + 1,
		Timestamp:  emission.Timestamp,
		Miner:      emission.Miner,
		Worker:     emission.Worker,
		Difficulty: emission.Difficulty,
		JobVersion: emission.JobVersion,
	}

	if err := a.store.AppendShare(entry); err != nil {
		if errors.IsType(err, errors.ErrorTypeValidation) {
			a.logger.WithError(err).Warn("share rejected by chain",
				"share_hash", emission.Hash,
				"miner_address", emission.Miner,
			)
			if a.recorder != nil {
				a.recorder.RecordShare(emission.Miner, emission.Worker, emission.Difficulty, false)
			}
			return nil
		}
		return err
	}

	if a.recorder != nil {
		a.recorder.RecordShare(emission.Miner, emission.Worker, emission.Difficulty, true)
	}

	if a.publisher != nil && a.publisher.Enabled() {
		event := &events.ShareAccepted{
			Hash:       entry.Hash,
			Height:     entry.Height,
			Miner:      entry.Miner,
			Worker:     entry.Worker,
			Difficulty: entry.Difficulty,
			JobVersion: entry.JobVersion,
			Timestamp:  entry.Timestamp,
		}
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), eventPublishTimeout)
			defer cancel()
			if err := a.publisher.PublishShareAccepted(ctx, event); err != nil {
				a.logger.WithError(err).Warn("share event publish failed")
			}
		}()
	}

	if emission.BlockHex != "" {
		a.logger.LogBlockFound(emission.Hash, emission.BlockHeight, emission.Miner, emission.Worker, emission.Difficulty)
		if a.recorder != nil {
			a.recorder.RecordBlockFound(emission.BlockHeight, emission.Hash, emission.Miner, emission.Worker, emission.Difficulty)
		}
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			a.submitBlock(emission)
		}()
	}

	return nil
}

// submitBlock pushes a solved block to the network. Submission runs with
// its own deadline, detached from process shutdown: a solved block is worth
// delivering even while the node is going down. Failure is logged and
// reported, never fatal; the share chain entry stands either way.
func (a *Actor) submitBlock(emission stratum.Emission) {
	ctx, cancel := context.WithTimeout(context.Background(), blockSubmitTimeout)
	defer cancel()

	if err := a.rpc.SubmitBlock(ctx, emission.BlockHex); err != nil {
		a.logger.WithError(err).Error("block submission failed",
			"block_hash", emission.Hash,
			"block_height", emission.BlockHeight,
		)
	} else {
		a.logger.Info("block submitted",
			"block_hash", emission.Hash,
			"block_height", emission.BlockHeight,
		)
	}

	if a.publisher != nil && a.publisher.Enabled() {
		event := &events.BlockFound{
			BlockHash:   emission.Hash,
			BlockHeight: emission.BlockHeight,
			Miner:       emission.Miner,
			Worker:      emission.Worker,
			Difficulty:  emission.Difficulty,
			Timestamp:   emission.Timestamp,
		}
		if err := a.publisher.PublishBlockFound(ctx, event); err != nil {
			a.logger.WithError(err).Warn("block event publish failed")
		}
	}
}
