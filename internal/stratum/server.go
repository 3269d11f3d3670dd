package stratum

import (
	"context"
	stderrors "errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"

	"github.com/hydrapool/hydrad/internal/bitcoin"
	"github.com/hydrapool/hydrad/internal/metrics"
	"github.com/hydrapool/hydrad/pkg/errors"
	"github.com/hydrapool/hydrad/pkg/log"
)

// Emission is one accepted share handed to the node actor. When the hash
// also meets the network target, the assembled block hex rides along.
type Emission struct {
	Hash        string
	JobVersion  uint64
	BlockHeight int64
	Miner       string
	Worker      string
	Difficulty  float64
	Timestamp   time.Time
	BlockHex    string
}

// EmissionBuffer is the capacity of the emission channel between the
// stratum server and the node actor. A full buffer blocks every producer
// until the consumer drains, throttling all sessions uniformly.
const EmissionBuffer = 1000

// probeHeight is the largest height the coinbase scriptSig probe accounts
// for; its BIP 34 push is the longest a height push can get.
const probeHeight = 0x7fffffff

// ParseVersionMask parses the configured version-rolling mask. An empty
// string disables version rolling.
func ParseVersionMask(s string) (uint32, error) {
	s = strings.TrimSpace(strings.TrimPrefix(s, "0x"))
	if s == "" {
		return 0, nil
	}
	v, err := strconv.ParseUint(s, 16, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid version mask %q: %w", s, err)
	}
	return uint32(v), nil
}

// Builder assembles a Server step by step. The collaborator handles
// (registry, emission channel, metrics recorder) are created by the
// coordinator and handed in; Build validates the combination.
type Builder struct {
	hostname          string
	port              int
	startDifficulty   float64
	minimumDifficulty float64
	maximumDifficulty float64
	ignoreDifficulty  bool
	versionMask       uint32
	network           string
	signature         []byte
	readTimeout       time.Duration
	writeTimeout      time.Duration
	registry          *Registry
	emissions         chan<- Emission
	recorder          *metrics.Recorder
	logger            *log.Logger
}

// NewBuilder starts a server builder with protocol defaults.
func NewBuilder() *Builder {
	return &Builder{
		startDifficulty:   1,
		minimumDifficulty: 0.001,
		readTimeout:       10 * time.Minute,
		writeTimeout:      10 * time.Second,
	}
}

// WithHostname sets the listen hostname.
func (b *Builder) WithHostname(hostname string) *Builder {
	b.hostname = hostname
	return b
}

// WithPort sets the listen port.
func (b *Builder) WithPort(port int) *Builder {
	b.port = port
	return b
}

// WithStartDifficulty sets the difficulty assigned to new sessions.
func (b *Builder) WithStartDifficulty(d float64) *Builder {
	if d > 0 {
		b.startDifficulty = d
	}
	return b
}

// WithMinimumDifficulty sets the vardiff floor.
func (b *Builder) WithMinimumDifficulty(d float64) *Builder {
	if d > 0 {
		b.minimumDifficulty = d
	}
	return b
}

// WithMaximumDifficulty sets the vardiff ceiling; zero leaves it unbounded.
func (b *Builder) WithMaximumDifficulty(d float64) *Builder {
	b.maximumDifficulty = d
	return b
}

// WithIgnoreDifficulty pins every session at the start difficulty,
// disabling vardiff entirely.
func (b *Builder) WithIgnoreDifficulty(ignore bool) *Builder {
	b.ignoreDifficulty = ignore
	return b
}

// WithVersionMask advertises version rolling (BIP 310) with the given
// mask; zero disables the extension.
func (b *Builder) WithVersionMask(mask uint32) *Builder {
	b.versionMask = mask
	return b
}

// WithNetwork selects the Bitcoin network miner payout addresses are
// validated against.
func (b *Builder) WithNetwork(network string) *Builder {
	b.network = network
	return b
}

// WithSignature sets the raw signature bytes embedded in every coinbase.
func (b *Builder) WithSignature(signature []byte) *Builder {
	b.signature = signature
	return b
}

// WithTimeouts overrides the per-connection read and write deadlines.
func (b *Builder) WithTimeouts(read, write time.Duration) *Builder {
	if read > 0 {
		b.readTimeout = read
	}
	if write > 0 {
		b.writeTimeout = write
	}
	return b
}

// WithRegistry wires the shared session registry.
func (b *Builder) WithRegistry(registry *Registry) *Builder {
	b.registry = registry
	return b
}

// WithEmissions wires the channel accepted shares are forwarded on.
func (b *Builder) WithEmissions(emissions chan<- Emission) *Builder {
	b.emissions = emissions
	return b
}

// WithRecorder wires the metrics recorder.
func (b *Builder) WithRecorder(recorder *metrics.Recorder) *Builder {
	b.recorder = recorder
	return b
}

// WithLogger sets the logger.
func (b *Builder) WithLogger(logger *log.Logger) *Builder {
	b.logger = logger
	return b
}

// Build validates the builder and assembles the server. Failures here are
// fatal at startup: nothing has bound yet.
func (b *Builder) Build() (*Server, error) {
	if b.registry == nil {
		return nil, errors.New(errors.ErrorTypeConfig, "build_stratum_server", "session registry is required")
	}
	if b.emissions == nil {
		return nil, errors.New(errors.ErrorTypeConfig, "build_stratum_server", "emission channel is required")
	}
	if b.logger == nil {
		return nil, errors.New(errors.ErrorTypeConfig, "build_stratum_server", "logger is required")
	}
	if b.port <= 0 || b.port > 65535 {
		return nil, errors.New(errors.ErrorTypeConfig, "build_stratum_server", fmt.Sprintf("invalid port %d", b.port))
	}
	if b.maximumDifficulty > 0 && b.maximumDifficulty < b.minimumDifficulty {
		return nil, errors.New(errors.ErrorTypeConfig, "build_stratum_server",
			fmt.Sprintf("maximum difficulty %g below minimum %g", b.maximumDifficulty, b.minimumDifficulty))
	}

	params, err := bitcoin.NetworkParams(b.network)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "build_stratum_server", "unknown network")
	}

	// Probe the coinbase scriptSig against the consensus limit with the
	// longest possible height push, so an oversized signature fails here
	// instead of on the first job.
	heightScript, err := txscript.NewScriptBuilder().AddInt64(probeHeight).Script()
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "build_stratum_server", "failed to probe height script")
	}
	if overflow := len(heightScript) + len(b.signature) + extraNonceTotal - maxCoinbaseScriptSig; overflow > 0 {
		return nil, errors.New(errors.ErrorTypeConfig, "build_stratum_server",
			fmt.Sprintf("coinbase signature of %d bytes exceeds the scriptSig consensus limit by %d bytes", len(b.signature), overflow))
	}

	startDifficulty := b.startDifficulty
	if startDifficulty < b.minimumDifficulty {
		startDifficulty = b.minimumDifficulty
	}
	if b.maximumDifficulty > 0 && startDifficulty > b.maximumDifficulty {
		startDifficulty = b.maximumDifficulty
	}

	srv := &Server{
		logger:            b.logger.WithComponent("stratum"),
		registry:          b.registry,
		emissions:         b.emissions,
		recorder:          b.recorder,
		params:            params,
		signature:         b.signature,
		hostname:          b.hostname,
		port:              b.port,
		startDifficulty:   startDifficulty,
		minimumDifficulty: b.minimumDifficulty,
		maximumDifficulty: b.maximumDifficulty,
		ignoreDifficulty:  b.ignoreDifficulty,
		versionMask:       b.versionMask,
		readTimeout:       b.readTimeout,
		writeTimeout:      b.writeTimeout,
		recentJobs:        make(map[string]*Job),
	}
	// Seed the extranonce range with the start time so session ranges
	// differ across restarts.
	srv.extraNonceSeq.Store(uint32(time.Now().Unix()))
	return srv, nil
}

// Server is the Stratum V1 boundary of the node: it owns the TCP listener,
// drives per-connection sessions, hands each authorized miner its own
// coinbase, and forwards accepted shares as Emissions.
type Server struct {
	logger    *log.Logger
	registry  *Registry
	emissions chan<- Emission
	recorder  *metrics.Recorder
	params    *chaincfg.Params
	signature []byte

	hostname          string
	port              int
	startDifficulty   float64
	minimumDifficulty float64
	maximumDifficulty float64
	ignoreDifficulty  bool
	versionMask       uint32
	readTimeout       time.Duration
	writeTimeout      time.Duration

	listener      net.Listener
	wg            sync.WaitGroup
	sessionSeq    atomic.Uint64
	extraNonceSeq atomic.Uint32

	jobMu      sync.RWMutex
	currentJob *Job
	recentJobs map[string]*Job
	jobOrder   []string
}

// Listen binds the TCP listener. The coordinator calls this during startup
// so a bind failure aborts the process before any miner sees the pool.
func (s *Server) Listen() error {
	addr := net.JoinHostPort(s.hostname, strconv.Itoa(s.port))
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeNetwork, "start_stratum_server", fmt.Sprintf("failed to listen on %s", addr))
	}
	s.listener = listener
	s.logger.Info("stratum server listening", "address", addr)
	return nil
}

// Addr returns the bound listen address, or empty before Listen.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Serve accepts connections until Shutdown closes the listener or the
// context is canceled, binding first if Listen has not run yet.
func (s *Server) Serve(ctx context.Context) error {
	if s.listener == nil {
		if err := s.Listen(); err != nil {
			return err
		}
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		conn, err := s.listener.Accept()
		if err != nil {
			if stderrors.Is(err, net.ErrClosed) {
				// Shutdown closed the listener.
				return nil
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
				s.logger.WithError(err).Error("failed to accept connection")
				continue
			}
		}

		s.wg.Add(1)
		go s.handleConnection(ctx, conn)
	}
}

// handleConnection runs one session to completion.
func (s *Server) handleConnection(ctx context.Context, conn net.Conn) {
	defer s.wg.Done()

	sessionID := fmt.Sprintf("session_%d", s.sessionSeq.Add(1))
	session := NewSession(sessionID, conn, s.logger, s.readTimeout, s.writeTimeout)
	session.SetDifficulty(s.startDifficulty)

	s.registry.Register(session)
	defer func() {
		s.registry.Unregister(sessionID)
		s.recordConnectionCount()
	}()
	s.recordConnectionCount()

	if err := session.Start(ctx, s); err != nil && err != context.Canceled {
		s.logger.WithError(err).Error("session failed", "session_id", sessionID)
	}
}

func (s *Server) recordConnectionCount() {
	if s.recorder != nil {
		s.recorder.RecordConnections(s.registry.Count())
	}
}

// Shutdown stops accepting connections, closes every session and waits
// for the connection handlers to drain.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down stratum server")

	if s.listener != nil {
		if err := s.listener.Close(); err != nil && !stderrors.Is(err, net.ErrClosed) {
			s.logger.Error("failed to close listener", "error", err)
		}
	}

	s.registry.CloseAll()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("stratum server stopped")
		return nil
	case <-ctx.Done():
		s.logger.Warn("stratum shutdown timeout exceeded")
		return ctx.Err()
	}
}

// BroadcastJob installs a job as current and notifies every authorized
// session with its own coinbase split.
func (s *Server) BroadcastJob(job *Job) {
	s.jobMu.Lock()
	if job.CleanJobs {
		s.recentJobs = make(map[string]*Job)
		s.jobOrder = s.jobOrder[:0]
	}
	if _, exists := s.recentJobs[job.ID]; !exists {
		s.jobOrder = append(s.jobOrder, job.ID)
	}
	s.recentJobs[job.ID] = job
	for len(s.jobOrder) > maxCachedJobs {
		oldest := s.jobOrder[0]
		s.jobOrder = s.jobOrder[1:]
		delete(s.recentJobs, oldest)
	}
	s.currentJob = job
	s.jobMu.Unlock()

	notified := 0
	for _, session := range s.registry.Snapshot() {
		if !session.IsAuthorized() {
			continue
		}
		if err := s.notifySession(session, job, job.CleanJobs); err != nil {
			s.logger.WithError(err).Error("failed to notify session", "session_id", session.ID())
			continue
		}
		notified++
	}

	s.logger.LogJobBroadcast(job.Version, job.Height, job.CleanJobs, notified)
	if s.recorder != nil {
		s.recorder.RecordJobBroadcast(job.Version, job.Height, notified)
	}
}

// CurrentJobVersion returns the version counter of the active job, or zero
// before the first broadcast.
func (s *Server) CurrentJobVersion() uint64 {
	s.jobMu.RLock()
	defer s.jobMu.RUnlock()
	if s.currentJob == nil {
		return 0
	}
	return s.currentJob.Version
}

func (s *Server) jobByID(id string) *Job {
	s.jobMu.RLock()
	defer s.jobMu.RUnlock()
	return s.recentJobs[id]
}

// notifySession builds this session's coinbase for the job, caches the
// split for submit-time reconstruction, and pushes mining.notify.
func (s *Server) notifySession(session *Session, job *Job, clean bool) error {
	parts, err := job.CoinbaseParts(session.Username(), s.signature, s.params)
	if err != nil {
		return fmt.Errorf("failed to build coinbase: %w", err)
	}
	session.CacheJob(job.ID, parts, session.Difficulty(), clean)
	return session.SendMessage(job.BuildNotify(parts, clean))
}

func (s *Server) sendDifficulty(session *Session, difficulty float64) error {
	return session.SendNotification("mining.set_difficulty", []any{difficulty})
}

// HandleMessage implements MessageHandler for every session the server
// accepts.
func (s *Server) HandleMessage(ctx context.Context, session *Session, msg *Message) error {
	if !msg.IsRequest() {
		s.logger.Debug("ignoring non-request message", "method", msg.Method)
		return nil
	}

	switch msg.Method {
	case "mining.configure":
		return s.handleConfigure(session, msg)
	case "mining.subscribe":
		return s.handleSubscribe(session, msg)
	case "mining.authorize":
		return s.handleAuthorize(session, msg)
	case "mining.submit":
		return s.handleSubmit(ctx, session, msg)
	default:
		s.logger.Warn("unknown method", "method", msg.Method)
		return session.SendError(msg.ID, ErrorMethodNotFound, "Method not found")
	}
}

// handleConfigure negotiates protocol extensions. Only version rolling is
// supported; the advertised mask is the intersection of ours and the
// miner's.
func (s *Server) handleConfigure(session *Session, msg *Message) error {
	req, err := ParseConfigureRequest(msg.Params)
	if err != nil {
		s.logger.WithError(err).Error("invalid configure request")
		return session.SendError(msg.ID, ErrorInvalidParams, "Invalid parameters")
	}

	// Every requested extension gets an answer, false unless negotiated.
	result := make(map[string]any, len(req.Extensions))
	for _, ext := range req.Extensions {
		result[ext] = false
	}

	if req.HasExtension("version-rolling") && s.versionMask != 0 {
		mask := s.versionMask
		if req.VersionMask != "" {
			minerMask, err := parseHexUint32(req.VersionMask)
			if err != nil {
				return session.SendError(msg.ID, ErrorInvalidParams, "Invalid version-rolling mask")
			}
			mask &= minerMask
		}
		session.SetVersionRolling(mask)
		result["version-rolling"] = true
		result["version-rolling.mask"] = fmt.Sprintf("%08x", mask)

		s.logger.Info("negotiated version rolling",
			"session_id", session.ID(),
			"mask", fmt.Sprintf("%08x", mask),
		)
	}

	return session.SendResponse(msg.ID, result)
}

// handleSubscribe assigns the session its extranonce1 range.
func (s *Server) handleSubscribe(session *Session, msg *Message) error {
	req, err := ParseSubscribeRequest(msg.Params)
	if err != nil {
		s.logger.WithError(err).Error("invalid subscribe request")
		return session.SendError(msg.ID, ErrorInvalidParams, "Invalid parameters")
	}

	extraNonce1 := fmt.Sprintf("%08x", s.extraNonceSeq.Add(1))
	session.Subscribe(extraNonce1)

	s.logger.Info("miner subscribed",
		"session_id", session.ID(),
		"user_agent", req.UserAgent,
		"extranonce1", extraNonce1,
	)

	return session.SendResponse(msg.ID, []any{
		[][]string{
			{"mining.set_difficulty", session.ID()},
			{"mining.notify", session.ID()},
		},
		extraNonce1,
		extraNonce2Size,
	})
}

// handleAuthorize validates the payout address and, on success, sends the
// session its difficulty and the current job.
func (s *Server) handleAuthorize(session *Session, msg *Message) error {
	if !session.IsSubscribed() {
		return session.SendError(msg.ID, ErrorNotSubscribed, "Not subscribed")
	}

	req, err := ParseAuthorizeRequest(msg.Params)
	if err != nil {
		s.logger.WithError(err).Error("invalid authorize request")
		return session.SendError(msg.ID, ErrorInvalidParams, "Invalid parameters")
	}

	// Username format: payout address with an optional ".worker" suffix.
	minerAddr := req.Username
	workerName := "default"
	if idx := strings.IndexByte(req.Username, '.'); idx > 0 {
		minerAddr = req.Username[:idx]
		if idx+1 < len(req.Username) {
			workerName = req.Username[idx+1:]
		}
	}

	if _, err := btcutil.DecodeAddress(minerAddr, s.params); err != nil {
		s.logger.Warn("rejecting authorization",
			"username", req.Username,
			"reason", err.Error(),
		)
		return session.SendError(msg.ID, ErrorUnauthorized, "Invalid payout address")
	}

	session.Authorize(minerAddr, workerName)

	s.logger.Info("miner authorized",
		"miner_address", minerAddr,
		"worker_name", workerName,
	)

	if err := session.SendResponse(msg.ID, true); err != nil {
		return err
	}

	if err := s.sendDifficulty(session, session.Difficulty()); err != nil {
		s.logger.WithError(err).Error("failed to send difficulty")
	}

	s.jobMu.RLock()
	job := s.currentJob
	s.jobMu.RUnlock()
	if job != nil {
		if err := s.notifySession(session, job, true); err != nil {
			s.logger.WithError(err).Error("failed to send initial job")
		}
	}

	return nil
}

// handleSubmit validates one share and forwards it as an Emission.
func (s *Server) handleSubmit(ctx context.Context, session *Session, msg *Message) error {
	if !session.IsAuthorized() {
		return session.SendError(msg.ID, ErrorUnauthorized, "Not authorized")
	}

	req, err := ParseSubmitRequest(msg.Params)
	if err != nil {
		s.logger.WithError(err).Error("invalid submit request")
		return session.SendError(msg.ID, ErrorInvalidParams, "Invalid parameters")
	}

	job := s.jobByID(req.JobID)
	if job == nil {
		return session.SendError(msg.ID, ErrorJobNotFound, "Job not found")
	}
	parts, jobDifficulty, ok := session.JobState(req.JobID)
	if !ok {
		return session.SendError(msg.ID, ErrorJobNotFound, "Job not found")
	}

	shareKey := req.JobID + ":" + req.ExtraNonce2 + ":" + req.NTime + ":" + req.Nonce + ":" + req.VersionBits
	if !session.MarkShare(shareKey) {
		s.rejectShare(session, job, jobDifficulty, "duplicate")
		return session.SendError(msg.ID, ErrorDuplicateShare, "Duplicate share")
	}

	version := uint32(job.Template.Result.Version)
	if req.VersionBits != "" {
		rolling, mask := session.VersionRolling()
		if !rolling {
			s.rejectShare(session, job, jobDifficulty, "version_rolling_not_negotiated")
			return session.SendError(msg.ID, ErrorOther, "Version rolling not negotiated")
		}
		rolled, err := parseHexUint32(req.VersionBits)
		if err != nil {
			s.rejectShare(session, job, jobDifficulty, "invalid_version_bits")
			return session.SendError(msg.ID, ErrorInvalidParams, "Invalid version bits")
		}
		version = job.HeaderVersion(rolled, mask)
	}

	coinbase, err := AssembleCoinbase(parts, session.ExtraNonce1(), req.ExtraNonce2)
	if err != nil {
		s.rejectShare(session, job, jobDifficulty, "invalid_extranonce2")
		return session.SendError(msg.ID, ErrorInvalidParams, "Invalid extranonce2")
	}

	result, err := job.EvaluateShare(coinbase, version, req.NTime, req.Nonce, jobDifficulty)
	if err != nil {
		s.rejectShare(session, job, jobDifficulty, "malformed")
		return session.SendError(msg.ID, ErrorInvalidParams, "Invalid share")
	}

	// A share that solves a block is always good, even when the network
	// target is easier than the session target (regtest, signet).
	if !result.MeetsShare && !result.MeetsNetwork {
		s.rejectShare(session, job, jobDifficulty, "low_difficulty")
		return session.SendError(msg.ID, ErrorLowDifficulty, "Share above target")
	}

	session.RecordShare()
	s.logger.LogShareSubmission(session.Username(), session.WorkerName(), job.Version, jobDifficulty, "accepted")

	emission := Emission{
		Hash:        result.HashHex,
		JobVersion:  job.Version,
		BlockHeight: job.Height,
		Miner:       session.Username(),
		Worker:      session.WorkerName(),
		Difficulty:  jobDifficulty,
		Timestamp:   time.Now(),
		BlockHex:    result.BlockHex,
	}

	// The emission channel applies backpressure: when the node actor falls
	// behind, every producer blocks here until the queue drains.
	select {
	case s.emissions <- emission:
	case <-ctx.Done():
		return ctx.Err()
	}

	if err := session.SendResponse(msg.ID, true); err != nil {
		return err
	}

	s.maybeAdjustDifficulty(session)
	return nil
}

func (s *Server) rejectShare(session *Session, job *Job, difficulty float64, reason string) {
	s.logger.LogShareSubmission(session.Username(), session.WorkerName(), job.Version, difficulty, reason)
	if s.recorder != nil {
		s.recorder.RecordShare(session.Username(), session.WorkerName(), difficulty, false)
	}
}

// maybeAdjustDifficulty applies a vardiff decision within the configured
// bounds. The new difficulty takes effect for jobs issued from now on.
func (s *Server) maybeAdjustDifficulty(session *Session) {
	if s.ignoreDifficulty {
		return
	}

	shouldAdjust, newDifficulty := session.ShouldAdjustDifficulty()
	if !shouldAdjust {
		return
	}

	if newDifficulty < s.minimumDifficulty {
		newDifficulty = s.minimumDifficulty
	}
	if s.maximumDifficulty > 0 && newDifficulty > s.maximumDifficulty {
		newDifficulty = s.maximumDifficulty
	}
	if newDifficulty == session.Difficulty() {
		return
	}

	s.logger.Info("adjusting difficulty",
		"session_id", session.ID(),
		"old_difficulty", session.Difficulty(),
		"new_difficulty", newDifficulty,
	)

	session.SetDifficulty(newDifficulty)
	if err := s.sendDifficulty(session, newDifficulty); err != nil {
		s.logger.WithError(err).Error("failed to send difficulty adjustment")
	}
}
