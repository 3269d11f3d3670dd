package node

import (
	"context"
	"time"

	"github.com/hydrapool/hydrad/internal/bitcoin"
	"github.com/hydrapool/hydrad/internal/metrics"
	"github.com/hydrapool/hydrad/pkg/errors"
	"github.com/hydrapool/hydrad/pkg/log"
)

// TemplatePollInterval is the fallback cadence for fetching a fresh block
// template when no push trigger has arrived. The ZMQ hashblock trigger is
// the primary wake-up; the timer covers a missed or delayed notification.
const TemplatePollInterval = 10 * time.Second

// Feed keeps the pool supplied with current block templates. It waits for
// either a push trigger or the poll timer, fetches a template over RPC, and
// publishes it into the template slot; the broadcaster cannot tell which
// path woke the feed.
//
// A fetch failure is fatal to the whole node: handing out work derived from
// a stale template wastes every miner's effort, so Run returns the error to
// the coordinator instead of retrying.
type Feed struct {
	rpc      bitcoin.RPCInterface
	trigger  <-chan string
	slot     *TemplateSlot
	network  string
	interval time.Duration
	recorder *metrics.Recorder
	logger   *log.Logger
}

// NewFeed creates a template feed. trigger carries best-block hashes from
// the push transport; slot is the handoff to the broadcaster.
func NewFeed(rpc bitcoin.RPCInterface, trigger <-chan string, slot *TemplateSlot, network string, interval time.Duration, recorder *metrics.Recorder, logger *log.Logger) *Feed {
	if interval <= 0 {
		interval = TemplatePollInterval
	}
	return &Feed{
		rpc:      rpc,
		trigger:  trigger,
		slot:     slot,
		network:  network,
		interval: interval,
		recorder: recorder,
		logger:   logger.WithComponent("template-feed"),
	}
}

// Run fetches an initial template so miners get work immediately, then
// cycles on trigger and timer until the context is canceled. Any fetch
// failure is returned to the coordinator, which treats it as fatal.
func (f *Feed) Run(ctx context.Context) error {
	if err := f.cycle(ctx, bitcoin.TemplateSourceStartup); err != nil {
		return f.classify(ctx, err)
	}

	timer := time.NewTimer(f.interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			f.logger.Info("template feed stopped")
			return nil
		case hash := <-f.trigger:
			f.logger.Info("block notification received", "block_hash", hash)
			if err := f.cycle(ctx, bitcoin.TemplateSourcePush); err != nil {
				return f.classify(ctx, err)
			}
		case <-timer.C:
			if err := f.cycle(ctx, bitcoin.TemplateSourcePoll); err != nil {
				return f.classify(ctx, err)
			}
		}

		// Restart the fallback window after every fetch regardless of what
		// prompted it.
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(f.interval)
	}
}

// cycle performs one FETCH/PUBLISH transition.
func (f *Feed) cycle(ctx context.Context, source bitcoin.TemplateSource) error {
	result, err := f.rpc.GetBlockTemplate(ctx)
	if err != nil {
		return err
	}

	tmpl := &bitcoin.Template{
		Result:    result,
		Source:    source,
		FetchedAt: time.Now(),
	}

	f.logger.Info("block template fetched",
		"height", tmpl.Height(),
		"previous_hash", tmpl.PreviousBlockHash(),
		"transactions", len(result.Transactions),
		"source", string(source),
	)
	if f.recorder != nil {
		f.recorder.RecordTemplate(tmpl.Height(), string(source), len(result.Transactions))
	}

	f.slot.Publish(&TemplateNotification{Template: tmpl, Network: f.network})
	return nil
}

// classify maps a cycle failure to the feed's outcome. A failure while the
// node is shutting down is a casualty of cancellation, not a reason to
// report a fatal fetch; anything else is.
func (f *Feed) classify(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		f.logger.Info("template feed stopped")
		return nil
	}
	f.logger.WithError(err).Error("block template fetch failed")
	return errors.Wrap(err, errors.ErrorTypeBitcoin, "template_feed",
		"cannot continue issuing work without a fresh block template")
}
