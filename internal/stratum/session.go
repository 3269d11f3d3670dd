package stratum

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/hydrapool/hydrad/pkg/log"
)

// MessageHandler dispatches one parsed client message.
type MessageHandler interface {
	HandleMessage(ctx context.Context, session *Session, msg *Message) error
}

// Session is one miner connection: the line-oriented transport plus the
// protocol state accumulated across subscribe, authorize, and submits.
type Session struct {
	id     string
	conn   net.Conn
	logger *log.Logger

	readTimeout  time.Duration
	writeTimeout time.Duration

	outbound chan []byte
	done     chan struct{}

	mu sync.RWMutex

	// Handshake state.
	subscribed  bool
	authorized  bool
	username    string
	workerName  string
	extraNonce1 string

	// Share-rate control.
	difficulty    float64
	windowStart   time.Time
	shareCount    int64
	vardiffWindow time.Duration
	vardiffTarget time.Duration

	// Version rolling (BIP 310).
	versionRolling bool
	versionMask    uint32

	// Work handed to this miner.
	jobs       map[string]*sessionJob
	jobOrder   []string
	seenShares map[string]struct{}
}

// outboundDepth bounds queued writes per session. A miner that stops reading
// loses notifications rather than stalling the server.
const outboundDepth = 100

// NewSession wraps an accepted connection. The session starts at difficulty 1
// until vardiff has seen enough shares to retune it.
func NewSession(id string, conn net.Conn, logger *log.Logger, readTimeout, writeTimeout time.Duration) *Session {
	return &Session{
		id:            id,
		conn:          conn,
		logger:        logger.WithFields("session_id", id, "remote_addr", conn.RemoteAddr().String()),
		difficulty:    1.0,
		vardiffWindow: 90 * time.Second,
		vardiffTarget: 30 * time.Second,
		jobs:          make(map[string]*sessionJob),
		seenShares:    make(map[string]struct{}),
		readTimeout:   readTimeout,
		writeTimeout:  writeTimeout,
		outbound:      make(chan []byte, outboundDepth),
		done:          make(chan struct{}),
	}
}

// Start runs the session until the client disconnects, the context ends, or
// Close is called. The calling goroutine becomes the read loop.
func (s *Session) Start(ctx context.Context, handler MessageHandler) error {
	s.logger.LogConnection("connected", s.conn.RemoteAddr().String())

	go s.writeLoop(ctx)
	return s.readLoop(ctx, handler)
}

func (s *Session) readLoop(ctx context.Context, handler MessageHandler) error {
	defer s.Close()

	buf := GetBuffer()
	defer PutBuffer(buf)

	scanner := bufio.NewScanner(s.conn)
	scanner.Buffer(buf, cap(buf))

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.done:
			return nil
		default:
		}

		if err := s.conn.SetReadDeadline(time.Now().Add(s.readTimeout)); err != nil {
			s.logger.WithError(err).Error("failed to set read deadline")
			return err
		}

		if !scanner.Scan() {
			if err := scanner.Err(); err != nil {
				s.logger.WithError(err).Error("read failed")
				return err
			}
			s.logger.Info("client disconnected")
			return nil
		}

		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		s.dispatch(ctx, handler, line)
	}
}

// dispatch parses one line into a pooled message and hands it to the
// handler. Handlers never retain the message past the call, so it goes back
// to the pool immediately after.
func (s *Session) dispatch(ctx context.Context, handler MessageHandler, line []byte) {
	s.logger.LogStratumMessage("received", string(line))

	msg := GetMessage()
	if err := json.Unmarshal(line, msg); err != nil {
		PutMessage(msg)
		s.logger.WithError(err).Error("unparseable client message")
		if sendErr := s.SendError(nil, ErrorParseError, "Parse error"); sendErr != nil {
			s.logger.WithError(sendErr).Error("failed to send parse error")
		}
		return
	}

	err := handler.HandleMessage(ctx, s, msg)
	PutMessage(msg)
	if err != nil {
		s.logger.WithError(err).Error("message handling failed")
	}
}

// writeLoop drains the outbound queue onto the wire. It owns the connection:
// closing it here unblocks a reader parked in Scan.
func (s *Session) writeLoop(ctx context.Context) {
	defer func() {
		if err := s.conn.Close(); err != nil {
			s.logger.Error("failed to close connection", "error", err)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case data := <-s.outbound:
			if err := s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout)); err != nil {
				s.logger.WithError(err).Error("failed to set write deadline")
				return
			}

			data = append(data, '\n')
			if _, err := s.conn.Write(data); err != nil {
				s.logger.WithError(err).Error("write failed")
				return
			}
			s.logger.LogStratumMessage("sent", string(data[:len(data)-1]))
		}
	}
}

// SendMessage queues a message for delivery. It never blocks: a full queue
// or a closed session returns an error instead.
func (s *Session) SendMessage(msg *Message) error {
	data, err := MarshalMessage(msg)
	if err != nil {
		return fmt.Errorf("marshal outbound message: %w", err)
	}

	select {
	case s.outbound <- data:
		return nil
	case <-s.done:
		return fmt.Errorf("session closed")
	default:
		return fmt.Errorf("outbound queue full")
	}
}

// SendResponse queues a success response.
func (s *Session) SendResponse(id any, result any) error {
	return s.SendMessage(NewResponse(id, result))
}

// SendError queues an error response.
func (s *Session) SendError(id any, code int, message string) error {
	return s.SendMessage(NewErrorResponse(id, code, message))
}

// SendNotification queues a server-initiated notification.
func (s *Session) SendNotification(method string, params []any) error {
	return s.SendMessage(NewNotification(method, params))
}

// Close stops both loops. Safe to call more than once.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	select {
	case <-s.done:
	default:
		close(s.done)
		s.logger.LogConnection("disconnected", s.conn.RemoteAddr().String())
	}
}

// ID returns the unique session identifier.
func (s *Session) ID() string {
	return s.id
}

// RemoteAddr returns the remote address of the client connection.
func (s *Session) RemoteAddr() string {
	return s.conn.RemoteAddr().String()
}

// Subscribe marks the handshake's subscribe step done and pins the
// extranonce1 prefix all of this session's coinbases will carry.
func (s *Session) Subscribe(extraNonce1 string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscribed = true
	s.extraNonce1 = extraNonce1
}

// IsSubscribed reports whether mining.subscribe has completed.
func (s *Session) IsSubscribed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.subscribed
}

// Authorize records the miner identity after a successful mining.authorize.
func (s *Session) Authorize(username, workerName string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.authorized = true
	s.username = username
	s.workerName = workerName
}

// IsAuthorized reports whether mining.authorize has completed.
func (s *Session) IsAuthorized() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.authorized
}

// Username returns the miner's payout address.
func (s *Session) Username() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.username
}

// WorkerName returns the worker label for this session.
func (s *Session) WorkerName() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.workerName
}

// ExtraNonce1 returns the session's coinbase nonce prefix.
func (s *Session) ExtraNonce1() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.extraNonce1
}

// Difficulty returns the current share difficulty for this session.
func (s *Session) Difficulty() float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.difficulty
}

// SetDifficulty sets the share difficulty for this session.
func (s *Session) SetDifficulty(difficulty float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.difficulty = difficulty
}

// VersionRolling returns the negotiated version-rolling mask, if any.
func (s *Session) VersionRolling() (bool, uint32) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.versionRolling, s.versionMask
}

// SetVersionRolling records the negotiated version-rolling mask.
func (s *Session) SetVersionRolling(mask uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.versionRolling = true
	s.versionMask = mask
}

// maxCachedJobs bounds the per-session job cache; submissions for jobs
// that have aged out of the window are rejected as unknown.
const maxCachedJobs = 8

// sessionJob is the per-session state bound to one mining.notify: the
// coinbase split and the difficulty the job was issued at. Shares are
// validated against the issuing difficulty, so a vardiff change never
// invalidates work already in flight.
type sessionJob struct {
	parts      *CoinbaseParts
	difficulty float64
}

// CacheJob stores the coinbase split handed to this session for a job.
// A clean job invalidates all previous work.
func (s *Session) CacheJob(jobID string, parts *CoinbaseParts, difficulty float64, clean bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if clean {
		s.jobs = make(map[string]*sessionJob)
		s.jobOrder = s.jobOrder[:0]
		s.seenShares = make(map[string]struct{})
	}
	if _, exists := s.jobs[jobID]; !exists {
		s.jobOrder = append(s.jobOrder, jobID)
	}
	s.jobs[jobID] = &sessionJob{parts: parts, difficulty: difficulty}

	for len(s.jobOrder) > maxCachedJobs {
		oldest := s.jobOrder[0]
		s.jobOrder = s.jobOrder[1:]
		delete(s.jobs, oldest)
	}
}

// JobState returns the coinbase split and issuing difficulty previously
// sent to this session for a job.
func (s *Session) JobState(jobID string) (*CoinbaseParts, float64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	js, ok := s.jobs[jobID]
	if !ok {
		return nil, 0, false
	}
	return js.parts, js.difficulty, true
}

// maxSeenShares caps the duplicate-detection set.
const maxSeenShares = 4096

// MarkShare records a submission fingerprint, returning false when the
// exact same share was already submitted on this session.
func (s *Session) MarkShare(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, dup := s.seenShares[key]; dup {
		return false
	}
	if len(s.seenShares) >= maxSeenShares {
		s.seenShares = make(map[string]struct{})
	}
	s.seenShares[key] = struct{}{}
	return true
}

// RecordShare counts an accepted share toward the vardiff window.
func (s *Session) RecordShare() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.windowStart.IsZero() {
		s.windowStart = time.Now()
	}
	s.shareCount++
}

// ShouldAdjustDifficulty checks if difficulty should be adjusted based on
// vardiff. The observation window restarts after every decision so a
// long-lived session keeps re-evaluating its rate.
func (s *Session) ShouldAdjustDifficulty() (bool, float64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.shareCount == 0 || s.windowStart.IsZero() {
		return false, s.difficulty
	}

	elapsed := time.Since(s.windowStart)
	if elapsed < s.vardiffWindow {
		return false, s.difficulty
	}

	// Average inter-share time over the window.
	avgShareTime := elapsed / time.Duration(s.shareCount)

	// Scale difficulty so the share interval drifts toward the target:
	// shares arriving too fast raise difficulty, too slow lowers it.
	targetRatio := s.vardiffTarget.Seconds() / avgShareTime.Seconds()
	newDifficulty := s.difficulty * targetRatio

	s.windowStart = time.Now()
	s.shareCount = 0

	// Apply hysteresis
	const minAdjustment = 0.1 // 10% minimum change
	if targetRatio > 1+minAdjustment || targetRatio < 1-minAdjustment {
		return true, newDifficulty
	}

	return false, s.difficulty
}
