// Package node wires the pool's subsystems into one process and drives
// their lifecycle: template acquisition, job versioning, work broadcast,
// share intake, the read-side API, and coordinated shutdown.
//
// Every long-running task runs in a single errgroup under a shared context.
// The first fatal error cancels the group; shutdown of the miner-facing and
// read-side listeners is sequenced through one-shot signals fired when the
// share-intake actor stops.
package node

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hydrapool/hydrad/internal/api"
	"github.com/hydrapool/hydrad/internal/bitcoin"
	"github.com/hydrapool/hydrad/internal/config"
	"github.com/hydrapool/hydrad/internal/events"
	"github.com/hydrapool/hydrad/internal/metrics"
	"github.com/hydrapool/hydrad/internal/store"
	"github.com/hydrapool/hydrad/internal/stratum"
	"github.com/hydrapool/hydrad/pkg/errors"
	"github.com/hydrapool/hydrad/pkg/log"
)

const (
	// triggerBuffer absorbs bursts of hashblock notifications. The feed
	// coalesces fetches anyway, so a dropped trigger only means the next
	// fetch covers two blocks at once.
	triggerBuffer = 16

	// shutdownTimeout bounds the graceful stop of each listener.
	shutdownTimeout = 30 * time.Second

	// statsSnapshotInterval is how often aggregate counters are written to
	// the stats directory.
	statsSnapshotInterval = 60 * time.Second
)

// Node owns every subsystem of the pool process. New performs all setup
// that can fail before any network service binds; Run binds the listeners,
// spawns the pipeline, and blocks until shutdown completes.
type Node struct {
	cfg       *config.Config
	logger    *log.Logger
	signature []byte

	chainStore *store.Store
	rpc        *bitcoin.RPCClient
	zmq        *bitcoin.ZMQNotifier
	recorder   *metrics.Recorder
	publisher  *events.Publisher

	registry  *stratum.Registry
	tracker   *Tracker
	slot      *TemplateSlot
	trigger   chan string
	emissions chan stratum.Emission

	server      *stratum.Server
	apiServer   *api.Server
	feed        *Feed
	broadcaster *Broadcaster
	actor       *Actor
	maintenance *store.Maintenance
	snapshot    *metrics.Snapshot

	stratumSignal *Signal
	apiSignal     *Signal
}

// New builds the node from its configuration. Ordering matters: the chain
// store and the push-trigger transport are set up before anything that
// could produce work, so the first ZMQ notification after startup is
// already being buffered when the feed begins. Any failure here aborts
// startup with nothing bound.
func New(cfg *config.Config, signature []byte, logger *log.Logger) (*Node, error) {
	n := &Node{
		cfg:           cfg,
		logger:        logger,
		signature:     signature,
		registry:      stratum.NewRegistry(),
		tracker:       NewTracker(),
		slot:          NewTemplateSlot(),
		trigger:       make(chan string, triggerBuffer),
		emissions:     make(chan stratum.Emission, stratum.EmissionBuffer),
		stratumSignal: NewSignal(),
		apiSignal:     NewSignal(),
	}

	ok := false
	defer func() {
		if !ok {
			n.Close()
		}
	}()

	chainStore, err := store.Open(cfg.Store.Path, cfg.Stratum.Network)
	if err != nil {
		return nil, err
	}
	n.chainStore = chainStore

	tip, err := chainStore.Tip()
	if err != nil {
		return nil, err
	}
	logger.Info("share chain opened",
		"path", cfg.Store.Path,
		"tip_hash", tip.Hash,
		"height", tip.Height,
	)

	zmqListener, err := bitcoin.NewZMQNotifier(cfg.Stratum.ZMQPubHashBlock, logger.Logger)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeNetwork, "setup_push_trigger",
			"failed to create ZMQ listener")
	}
	n.zmq = zmqListener
	if err := zmqListener.Subscribe(bitcoin.HashBlockTopic); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeNetwork, "setup_push_trigger",
			"failed to subscribe to hashblock notifications")
	}
	if err := zmqListener.Connect(); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeNetwork, "setup_push_trigger",
			"failed to connect to ZMQ endpoint").
			WithContext("endpoint", cfg.Stratum.ZMQPubHashBlock)
	}

	rpcClient, err := bitcoin.NewRPCClient(cfg.BitcoinRPC.URL, cfg.BitcoinRPC.Username, cfg.BitcoinRPC.Password)
	if err != nil {
		return nil, err
	}
	n.rpc = rpcClient

	recorder, err := metrics.NewRecorder(&metrics.Config{
		URL:    cfg.Metrics.URL,
		Token:  cfg.Metrics.Token,
		Org:    cfg.Metrics.Org,
		Bucket: cfg.Metrics.Bucket,
	})
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeInternal, "start_metrics",
			"failed to start metrics recorder")
	}
	n.recorder = recorder

	n.publisher = events.NewPublisher(cfg.Events.Brokers, cfg.Events.TopicPrefix, logger.Logger)

	versionMask, err := cfg.Stratum.ParsedVersionMask()
	if err != nil {
		return nil, err
	}

	server, err := stratum.NewBuilder().
		WithHostname(cfg.Stratum.Hostname).
		WithPort(cfg.Stratum.Port).
		WithStartDifficulty(cfg.Stratum.StartDifficulty).
		WithMinimumDifficulty(cfg.Stratum.MinimumDifficulty).
		WithMaximumDifficulty(cfg.Stratum.MaximumDifficulty).
		WithIgnoreDifficulty(cfg.Stratum.IgnoreDifficulty).
		WithVersionMask(versionMask).
		WithNetwork(cfg.Stratum.Network).
		WithSignature(signature).
		WithRegistry(n.registry).
		WithEmissions(n.emissions).
		WithRecorder(recorder).
		WithLogger(logger).
		Build()
	if err != nil {
		return nil, err
	}
	n.server = server

	n.apiServer = api.New(api.Config{
		Hostname: cfg.API.Hostname,
		Port:     cfg.API.Port,
	}, chainStore, n.tracker, n.registry, recorder, signature, cfg.Stratum.Network,
		time.Duration(cfg.Store.PPLNSTTLDays)*24*time.Hour, logger)

	n.feed = NewFeed(rpcClient, n.trigger, n.slot, cfg.Stratum.Network, TemplatePollInterval, recorder, logger)
	n.broadcaster = NewBroadcaster(n.slot, n.tracker, server, logger)
	n.actor = NewActor(n.emissions, chainStore, rpcClient, recorder, n.publisher, logger)
	n.maintenance = store.NewMaintenance(chainStore, logger,
		time.Duration(cfg.Store.BackgroundTaskFrequencyHours)*time.Hour,
		time.Duration(cfg.Store.PPLNSTTLDays)*24*time.Hour)

	if cfg.Logging.StatsDir != "" {
		n.snapshot = metrics.NewSnapshot(recorder, logger, cfg.Logging.StatsDir, statsSnapshotInterval)
	}

	ok = true
	return n, nil
}

// Run binds the listeners and runs every subsystem until shutdown. The
// returned error is the fatal cause, or nil on an orderly stop.
//
// Shutdown sequencing: when the context is canceled or a task fails, the
// group context cancels, the share-intake actor drains and fires its
// stopping signal, and observers of that signal stop the stratum and API
// listeners. Run returns only after every task has drained.
func (n *Node) Run(ctx context.Context) error {
	if err := n.server.Listen(); err != nil {
		return err
	}
	if err := n.apiServer.Listen(); err != nil {
		shCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = n.server.Shutdown(shCtx)
		return err
	}

	g, gctx := errgroup.WithContext(ctx)

	// Push-trigger transport. Handler errors are logged inside Listen; a
	// full trigger buffer drops the notification because the next fetch
	// covers it anyway.
	g.Go(func() error {
		handler := bitcoin.NewHashBlockHandler(n.logger.Logger, func(blockHash string) {
			select {
			case n.trigger <- blockHash:
			default:
				n.logger.Warn("dropping block notification, feed is behind", "block_hash", blockHash)
			}
		})
		_ = n.zmq.Listen(gctx, handler)
		return nil
	})

	g.Go(func() error { return n.tracker.Run(gctx) })
	g.Go(func() error { return n.feed.Run(gctx) })
	g.Go(func() error { return n.broadcaster.Run(gctx) })
	g.Go(func() error { return n.maintenance.Run(gctx) })
	if n.snapshot != nil {
		g.Go(func() error { return n.snapshot.Run(gctx) })
	}

	// Miner-facing listener. A runtime failure here is isolated: the share
	// chain, the API, and accounting carry on without it.
	g.Go(func() error {
		err := n.server.Serve(gctx)
		if err != nil && gctx.Err() == nil && !n.stratumSignal.Fired() {
			n.logger.WithError(err).Error("stratum server failed")
		}
		return nil
	})

	// Read-side listener, isolated the same way once bound.
	g.Go(func() error {
		err := n.apiServer.Serve()
		if err != nil && gctx.Err() == nil && !n.apiSignal.Fired() {
			n.logger.WithError(err).Error("api server failed")
		}
		return nil
	})

	// Share intake. An unrecoverable store failure propagates and cancels
	// the group.
	g.Go(func() error { return n.actor.Run(gctx) })

	g.Go(n.sequenceShutdown)

	g.Go(func() error {
		<-n.stratumSignal.Done()
		shCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return n.server.Shutdown(shCtx)
	})

	g.Go(func() error {
		<-n.apiSignal.Done()
		shCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return n.apiServer.Shutdown(shCtx)
	})

	n.logger.Info("pool started",
		"stratum_address", n.server.Addr(),
		"api_address", n.apiServer.Addr(),
		"network", n.cfg.Stratum.Network,
	)

	err := g.Wait()
	n.logger.Info("pool stopped")
	return err
}

// sequenceShutdown turns the actor's stopping trigger into subsystem
// shutdown signals. The actor fires the trigger on every exit path, so this
// never outlives the run group.
func (n *Node) sequenceShutdown() error {
	<-n.actor.Stopping().Done()
	n.logger.Info("pool shutting down")
	n.stratumSignal.Fire()
	n.apiSignal.Fire()
	return nil
}

// Close releases every resource the node holds. Safe to call on a
// partially constructed node and after Run has returned.
func (n *Node) Close() {
	if n.publisher != nil {
		if err := n.publisher.Close(); err != nil {
			n.logger.WithError(err).Warn("failed to close event publisher")
		}
	}
	if n.recorder != nil {
		n.recorder.Close()
	}
	if n.rpc != nil {
		n.rpc.Close()
	}
	if n.zmq != nil {
		if err := n.zmq.Close(); err != nil {
			n.logger.WithError(err).Warn("failed to close ZMQ listener")
		}
	}
	if n.chainStore != nil {
		if err := n.chainStore.Close(); err != nil {
			n.logger.WithError(err).Warn("failed to close share chain store")
		}
	}
}
