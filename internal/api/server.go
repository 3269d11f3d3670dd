// Package api serves the pool's read-side HTTP endpoints: chain status,
// recent shares, and the configured coinbase signature. Every endpoint is
// read-only; all chain mutation stays with the node actor.
package api

import (
	"context"
	"encoding/hex"
	"encoding/json"
	stderrors "errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/hydrapool/hydrad/internal/coinbase"
	"github.com/hydrapool/hydrad/internal/metrics"
	"github.com/hydrapool/hydrad/internal/store"
	"github.com/hydrapool/hydrad/internal/stratum"
	"github.com/hydrapool/hydrad/pkg/errors"
	"github.com/hydrapool/hydrad/pkg/log"
)

const (
	defaultRecentLimit = 50
	maxRecentLimit     = 500

	readHeaderTimeout = 5 * time.Second
)

// VersionSource reports the current job version. The tracker actor
// implements it; the API only ever takes snapshot reads.
type VersionSource interface {
	Current(ctx context.Context) (uint64, error)
}

// Config holds the listener settings for the API server.
type Config struct {
	Hostname string
	Port     int
}

// Server is the read-side HTTP surface of the pool.
type Server struct {
	cfg       Config
	chain     *store.Store
	versions  VersionSource
	registry  *stratum.Registry
	recorder  *metrics.Recorder
	signature []byte
	network   string
	window    time.Duration
	logger    *log.Logger

	startedAt  time.Time
	listener   net.Listener
	httpServer *http.Server
}

// New assembles the API server. signature is the raw coinbase signature;
// it is rendered display-safe only inside the handlers, never stored
// converted.
func New(cfg Config, chain *store.Store, versions VersionSource, registry *stratum.Registry, recorder *metrics.Recorder, signature []byte, network string, window time.Duration, logger *log.Logger) *Server {
	s := &Server{
		cfg:       cfg,
		chain:     chain,
		versions:  versions,
		registry:  registry,
		recorder:  recorder,
		signature: signature,
		network:   network,
		window:    window,
		logger:    logger.WithComponent("api"),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/status", s.handleStatus)
	mux.HandleFunc("/api/shares/recent", s.handleRecentShares)
	mux.HandleFunc("/api/signature", s.handleSignature)

	s.httpServer = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: readHeaderTimeout,
	}
	return s
}

// Listen binds the HTTP listener. Called during startup so a bind failure
// aborts the process before the pool is reachable.
func (s *Server) Listen() error {
	addr := net.JoinHostPort(s.cfg.Hostname, strconv.Itoa(s.cfg.Port))
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeNetwork, "start_api_server",
			"failed to bind API listener").
			WithContext("address", addr)
	}
	s.listener = listener
	s.logger.Info("api server listening", "address", addr)
	return nil
}

// Addr returns the bound listen address, or empty before Listen.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Serve runs the HTTP server until Shutdown, binding first if Listen has
// not run yet. A shutdown-initiated close is a normal return, not an error.
func (s *Server) Serve() error {
	if s.listener == nil {
		if err := s.Listen(); err != nil {
			return err
		}
	}

	s.startedAt = time.Now()
	err := s.httpServer.Serve(s.listener)
	if stderrors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops the server, waiting for in-flight requests up to the
// context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down api server")
	err := s.httpServer.Shutdown(ctx)
	if err != nil && !stderrors.Is(err, http.ErrServerClosed) {
		return err
	}
	s.logger.Info("api server stopped")
	return nil
}

// statusResponse is the GET /api/status payload.
type statusResponse struct {
	Network     string           `json:"network"`
	TipHash     string           `json:"tip_hash"`
	ChainHeight uint64           `json:"chain_height"`
	JobVersion  uint64           `json:"job_version"`
	Connections int              `json:"connections"`
	WindowSecs  int64            `json:"pplns_window_secs"`
	UptimeSecs  int64            `json:"uptime_secs"`
	Totals      metrics.Counters `json:"totals"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	tip, err := s.chain.Tip()
	if err != nil {
		s.logger.WithError(err).Error("status request failed to read chain tip")
		http.Error(w, "chain unavailable", http.StatusInternalServerError)
		return
	}

	version, err := s.versions.Current(r.Context())
	if err != nil {
		s.logger.WithError(err).Error("status request failed to read job version")
		http.Error(w, "tracker unavailable", http.StatusInternalServerError)
		return
	}

	resp := statusResponse{
		Network:     s.network,
		TipHash:     tip.Hash,
		ChainHeight: tip.Height,
		JobVersion:  version,
		Connections: s.registry.Count(),
		WindowSecs:  int64(s.window.Seconds()),
		UptimeSecs:  int64(time.Since(s.startedAt).Seconds()),
	}
	if s.recorder != nil {
		resp.Totals = s.recorder.Counters()
	}

	s.writeJSON(w, resp)
}

// shareResponse is one entry of the GET /api/shares/recent payload.
type shareResponse struct {
	Hash       string    `json:"hash"`
	Height     uint64    `json:"height"`
	Miner      string    `json:"miner"`
	Worker     string    `json:"worker"`
	Difficulty float64   `json:"difficulty"`
	JobVersion uint64    `json:"job_version"`
	Timestamp  time.Time `json:"timestamp"`
}

func (s *Server) handleRecentShares(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	limit := defaultRecentLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = parsed
	}
	if limit > maxRecentLimit {
		limit = maxRecentLimit
	}

	entries, err := s.chain.RecentShares(limit)
	if err != nil {
		s.logger.WithError(err).Error("recent shares request failed")
		http.Error(w, "chain unavailable", http.StatusInternalServerError)
		return
	}

	shares := make([]shareResponse, 0, len(entries))
	for _, entry := range entries {
		shares = append(shares, shareResponse{
			Hash:       entry.Hash,
			Height:     entry.Height,
			Miner:      entry.Miner,
			Worker:     entry.Worker,
			Difficulty: entry.Difficulty,
			JobVersion: entry.JobVersion,
			Timestamp:  entry.Timestamp,
		})
	}

	s.writeJSON(w, map[string]any{"shares": shares})
}

// signatureResponse is the GET /api/signature payload. Hex is authoritative;
// Display substitutes any non-UTF-8 bytes and exists only for human eyes.
type signatureResponse struct {
	SignatureHex string `json:"signature_hex"`
	Display      string `json:"display"`
	Empty        bool   `json:"empty"`
}

func (s *Server) handleSignature(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	s.writeJSON(w, signatureResponse{
		SignatureHex: hex.EncodeToString(s.signature),
		Display:      coinbase.DisplayString(s.signature),
		Empty:        len(s.signature) == 0,
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.WithError(err).Error("failed to encode response")
	}
}
