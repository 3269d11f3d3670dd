package stratum

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"testing"
	"time"

	"github.com/btcsuite/btcd/wire"

	"github.com/hydrapool/hydrad/pkg/log"
)

func testLogger() *log.Logger {
	return log.NewWithOutput("hydrad", "test", "error", "json", io.Discard)
}

type serverFixture struct {
	server    *Server
	registry  *Registry
	emissions chan Emission
}

func newTestServer(t *testing.T, configure func(*Builder)) *serverFixture {
	t.Helper()

	registry := NewRegistry()
	emissions := make(chan Emission, 16)

	builder := NewBuilder().
		WithHostname("127.0.0.1").
		WithPort(3333).
		WithNetwork("regtest").
		WithSignature([]byte("hydra-test")).
		WithRegistry(registry).
		WithEmissions(emissions).
		WithLogger(testLogger())
	if configure != nil {
		configure(builder)
	}

	server, err := builder.Build()
	if err != nil {
		t.Fatalf("Build() unexpected error: %v", err)
	}
	return &serverFixture{server: server, registry: registry, emissions: emissions}
}

func newPipeSession(t *testing.T, id string) *Session {
	t.Helper()

	client, server := net.Pipe()
	t.Cleanup(func() {
		client.Close()
		server.Close()
	})
	return NewSession(id, server, testLogger(), time.Minute, time.Minute)
}

// nextMessage pops one queued outbound message and decodes it the way a
// miner would see it on the wire.
func nextMessage(t *testing.T, session *Session) *Message {
	t.Helper()

	select {
	case data := <-session.outbound:
		msg := &Message{}
		if err := json.Unmarshal(data, msg); err != nil {
			t.Fatalf("outbound message is not valid JSON: %v", err)
		}
		return msg
	default:
		t.Fatal("expected an outbound message, queue is empty")
	}
	return nil
}

func expectErrorCode(t *testing.T, session *Session, code int) {
	t.Helper()

	msg := nextMessage(t, session)
	if msg.Error == nil {
		t.Fatalf("expected error response with code %d, got result %v", code, msg.Result)
	}
	if msg.Error.Code != code {
		t.Errorf("error code = %d, want %d", msg.Error.Code, code)
	}
}

func expectNoMessage(t *testing.T, session *Session) {
	t.Helper()

	select {
	case data := <-session.outbound:
		t.Fatalf("unexpected outbound message: %s", data)
	default:
	}
}

func request(id any, method string, params ...any) *Message {
	return &Message{ID: id, Method: method, Params: params}
}

// grindNonce searches the nonce space for a share with the wanted network
// verdict; with regtest bits roughly every other hash clears the target.
func grindNonce(t *testing.T, job *Job, coinbase []byte, version uint32, wantNetwork bool) (string, *ShareResult) {
	t.Helper()

	for nonce := uint32(0); nonce < 20000; nonce++ {
		nonceHex := fmt.Sprintf("%08x", nonce)
		result, err := job.EvaluateShare(coinbase, version, job.NTimeHex, nonceHex, 1.0)
		if err != nil {
			t.Fatalf("EvaluateShare() unexpected error: %v", err)
		}
		if result.MeetsNetwork == wantNetwork {
			return nonceHex, result
		}
	}
	t.Fatalf("no nonce in range with network verdict %v", wantNetwork)
	return "", nil
}

// subscribeAndAuthorize walks a session through the handshake and drains
// the responses, leaving the outbound queue empty.
func subscribeAndAuthorize(t *testing.T, fx *serverFixture, session *Session, username string) {
	t.Helper()

	ctx := context.Background()
	if err := fx.server.HandleMessage(ctx, session, request(1, "mining.subscribe", "miner/1.0")); err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	nextMessage(t, session)

	if err := fx.server.HandleMessage(ctx, session, request(2, "mining.authorize", username, "x")); err != nil {
		t.Fatalf("authorize failed: %v", err)
	}
	resp := nextMessage(t, session)
	if resp.Error != nil {
		t.Fatalf("authorize rejected: %v", resp.Error)
	}
	nextMessage(t, session) // set_difficulty
	if !session.IsAuthorized() {
		t.Fatal("session not authorized after handshake")
	}
}

func TestBuilderValidation(t *testing.T) {
	registry := NewRegistry()
	emissions := make(chan Emission, 1)

	valid := func() *Builder {
		return NewBuilder().
			WithPort(3333).
			WithNetwork("regtest").
			WithRegistry(registry).
			WithEmissions(emissions).
			WithLogger(testLogger())
	}

	tests := []struct {
		name    string
		builder func() *Builder
		wantErr bool
	}{
		{
			name:    "valid configuration",
			builder: valid,
		},
		{
			name: "missing registry",
			builder: func() *Builder {
				return NewBuilder().WithPort(3333).WithNetwork("regtest").
					WithEmissions(emissions).WithLogger(testLogger())
			},
			wantErr: true,
		},
		{
			name: "missing emission channel",
			builder: func() *Builder {
				return NewBuilder().WithPort(3333).WithNetwork("regtest").
					WithRegistry(registry).WithLogger(testLogger())
			},
			wantErr: true,
		},
		{
			name: "missing logger",
			builder: func() *Builder {
				return NewBuilder().WithPort(3333).WithNetwork("regtest").
					WithRegistry(registry).WithEmissions(emissions)
			},
			wantErr: true,
		},
		{
			name:    "port zero",
			builder: func() *Builder { return valid().WithPort(0) },
			wantErr: true,
		},
		{
			name:    "port out of range",
			builder: func() *Builder { return valid().WithPort(70000) },
			wantErr: true,
		},
		{
			name: "maximum difficulty below minimum",
			builder: func() *Builder {
				return valid().WithMinimumDifficulty(1).WithMaximumDifficulty(0.5)
			},
			wantErr: true,
		},
		{
			name:    "unknown network",
			builder: func() *Builder { return valid().WithNetwork("lunar") },
			wantErr: true,
		},
		{
			name:    "signature overflows the coinbase scriptSig",
			builder: func() *Builder { return valid().WithSignature(make([]byte, 88)) },
			wantErr: true,
		},
		{
			name:    "signature at the scriptSig limit",
			builder: func() *Builder { return valid().WithSignature(make([]byte, 87)) },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.builder().Build()
			if tt.wantErr && err == nil {
				t.Error("Build() expected error, got nil")
			}
			if !tt.wantErr && err != nil {
				t.Errorf("Build() unexpected error: %v", err)
			}
		})
	}
}

func TestBuilderDifficultyClamping(t *testing.T) {
	t.Run("start difficulty raised to the floor", func(t *testing.T) {
		fx := newTestServer(t, func(b *Builder) {
			b.WithStartDifficulty(0.0001).WithMinimumDifficulty(0.01)
		})
		if fx.server.startDifficulty != 0.01 {
			t.Errorf("start difficulty = %g, want 0.01", fx.server.startDifficulty)
		}
	})

	t.Run("start difficulty capped at the ceiling", func(t *testing.T) {
		fx := newTestServer(t, func(b *Builder) {
			b.WithStartDifficulty(8).WithMaximumDifficulty(2)
		})
		if fx.server.startDifficulty != 2 {
			t.Errorf("start difficulty = %g, want 2", fx.server.startDifficulty)
		}
	})
}

func TestHandleSubscribe(t *testing.T) {
	fx := newTestServer(t, nil)
	session := newPipeSession(t, "session_1")

	if err := fx.server.HandleMessage(context.Background(), session, request(1, "mining.subscribe", "cpuminer/2.5.1")); err != nil {
		t.Fatalf("HandleMessage() unexpected error: %v", err)
	}

	msg := nextMessage(t, session)
	if msg.Error != nil {
		t.Fatalf("subscribe rejected: %v", msg.Error)
	}
	result, ok := msg.Result.([]any)
	if !ok || len(result) != 3 {
		t.Fatalf("subscribe result = %v, want [subscriptions, extranonce1, extranonce2_size]", msg.Result)
	}
	extraNonce1, ok := result[1].(string)
	if !ok || len(extraNonce1) != extraNonce1Size*2 {
		t.Errorf("extranonce1 = %v, want %d hex characters", result[1], extraNonce1Size*2)
	}
	if size, ok := result[2].(float64); !ok || int(size) != extraNonce2Size {
		t.Errorf("extranonce2 size = %v, want %d", result[2], extraNonce2Size)
	}

	if !session.IsSubscribed() {
		t.Error("session not marked subscribed")
	}
	if session.ExtraNonce1() != extraNonce1 {
		t.Errorf("session extranonce1 = %q, response carried %q", session.ExtraNonce1(), extraNonce1)
	}

	other := newPipeSession(t, "session_2")
	if err := fx.server.HandleMessage(context.Background(), other, request(1, "mining.subscribe", "cpuminer/2.5.1")); err != nil {
		t.Fatalf("HandleMessage() unexpected error: %v", err)
	}
	nextMessage(t, other)
	if other.ExtraNonce1() == session.ExtraNonce1() {
		t.Error("two sessions were assigned the same extranonce1")
	}
}

func TestHandleAuthorize(t *testing.T) {
	ctx := context.Background()

	t.Run("requires subscription first", func(t *testing.T) {
		fx := newTestServer(t, nil)
		session := newPipeSession(t, "session_1")

		if err := fx.server.HandleMessage(ctx, session, request(1, "mining.authorize", testAddress(t), "x")); err != nil {
			t.Fatalf("HandleMessage() unexpected error: %v", err)
		}
		expectErrorCode(t, session, ErrorNotSubscribed)
	})

	t.Run("rejects an invalid payout address", func(t *testing.T) {
		fx := newTestServer(t, nil)
		session := newPipeSession(t, "session_1")
		session.Subscribe("ab000001")

		if err := fx.server.HandleMessage(ctx, session, request(1, "mining.authorize", "not-an-address.rig", "x")); err != nil {
			t.Fatalf("HandleMessage() unexpected error: %v", err)
		}
		expectErrorCode(t, session, ErrorUnauthorized)
		if session.IsAuthorized() {
			t.Error("session authorized despite invalid address")
		}
	})

	t.Run("accepts an address with a worker suffix", func(t *testing.T) {
		fx := newTestServer(t, nil)
		session := newPipeSession(t, "session_1")
		session.Subscribe("ab000001")
		addr := testAddress(t)

		if err := fx.server.HandleMessage(ctx, session, request(1, "mining.authorize", addr+".rig1", "x")); err != nil {
			t.Fatalf("HandleMessage() unexpected error: %v", err)
		}

		resp := nextMessage(t, session)
		if resp.Error != nil || resp.Result != true {
			t.Fatalf("authorize response = %v / %v, want true", resp.Result, resp.Error)
		}
		diff := nextMessage(t, session)
		if diff.Method != "mining.set_difficulty" {
			t.Errorf("expected set_difficulty after authorize, got %q", diff.Method)
		}
		expectNoMessage(t, session)

		if session.Username() != addr {
			t.Errorf("username = %q, want %q", session.Username(), addr)
		}
		if session.WorkerName() != "rig1" {
			t.Errorf("worker name = %q, want %q", session.WorkerName(), "rig1")
		}
	})

	t.Run("defaults the worker name", func(t *testing.T) {
		fx := newTestServer(t, nil)
		session := newPipeSession(t, "session_1")
		session.Subscribe("ab000001")

		if err := fx.server.HandleMessage(ctx, session, request(1, "mining.authorize", testAddress(t), "x")); err != nil {
			t.Fatalf("HandleMessage() unexpected error: %v", err)
		}
		nextMessage(t, session)
		nextMessage(t, session)

		if session.WorkerName() != "default" {
			t.Errorf("worker name = %q, want %q", session.WorkerName(), "default")
		}
	})

	t.Run("sends the current job once authorized", func(t *testing.T) {
		fx := newTestServer(t, nil)
		fx.server.BroadcastJob(mustJob(t, 9, testTemplate(t, 1), true))

		session := newPipeSession(t, "session_1")
		session.Subscribe("ab000001")

		if err := fx.server.HandleMessage(ctx, session, request(1, "mining.authorize", testAddress(t), "x")); err != nil {
			t.Fatalf("HandleMessage() unexpected error: %v", err)
		}
		nextMessage(t, session) // response
		nextMessage(t, session) // set_difficulty

		notify := nextMessage(t, session)
		if notify.Method != "mining.notify" {
			t.Fatalf("expected mining.notify, got %q", notify.Method)
		}
		if notify.Params[0] != "9" {
			t.Errorf("notify job id = %v, want %q", notify.Params[0], "9")
		}
		if notify.Params[8] != true {
			t.Error("initial job not flagged clean")
		}
	})
}

func TestHandleConfigure(t *testing.T) {
	ctx := context.Background()

	t.Run("negotiates the mask intersection", func(t *testing.T) {
		fx := newTestServer(t, func(b *Builder) { b.WithVersionMask(0x1fffe000) })
		session := newPipeSession(t, "session_1")

		msg := request(1, "mining.configure",
			[]any{"version-rolling"},
			map[string]any{"version-rolling.mask": "00ffe000"},
		)
		if err := fx.server.HandleMessage(ctx, session, msg); err != nil {
			t.Fatalf("HandleMessage() unexpected error: %v", err)
		}

		resp := nextMessage(t, session)
		result, ok := resp.Result.(map[string]any)
		if !ok {
			t.Fatalf("configure result = %v, want object", resp.Result)
		}
		if result["version-rolling"] != true {
			t.Errorf("version-rolling = %v, want true", result["version-rolling"])
		}
		if result["version-rolling.mask"] != "00ffe000" {
			t.Errorf("negotiated mask = %v, want 00ffe000", result["version-rolling.mask"])
		}

		rolling, mask := session.VersionRolling()
		if !rolling || mask != 0x00ffe000 {
			t.Errorf("session rolling state = %v/%08x, want true/00ffe000", rolling, mask)
		}
	})

	t.Run("uses the server mask when the miner sends none", func(t *testing.T) {
		fx := newTestServer(t, func(b *Builder) { b.WithVersionMask(0x1fffe000) })
		session := newPipeSession(t, "session_1")

		if err := fx.server.HandleMessage(ctx, session, request(1, "mining.configure", []any{"version-rolling"})); err != nil {
			t.Fatalf("HandleMessage() unexpected error: %v", err)
		}

		resp := nextMessage(t, session)
		result := resp.Result.(map[string]any)
		if result["version-rolling.mask"] != "1fffe000" {
			t.Errorf("negotiated mask = %v, want 1fffe000", result["version-rolling.mask"])
		}
	})

	t.Run("declines rolling when disabled", func(t *testing.T) {
		fx := newTestServer(t, nil)
		session := newPipeSession(t, "session_1")

		if err := fx.server.HandleMessage(ctx, session, request(1, "mining.configure", []any{"version-rolling"})); err != nil {
			t.Fatalf("HandleMessage() unexpected error: %v", err)
		}

		resp := nextMessage(t, session)
		result := resp.Result.(map[string]any)
		if result["version-rolling"] != false {
			t.Errorf("version-rolling = %v, want false", result["version-rolling"])
		}
		if rolling, _ := session.VersionRolling(); rolling {
			t.Error("session negotiated rolling against a disabled server")
		}
	})

	t.Run("answers unknown extensions with false", func(t *testing.T) {
		fx := newTestServer(t, nil)
		session := newPipeSession(t, "session_1")

		if err := fx.server.HandleMessage(ctx, session, request(1, "mining.configure", []any{"minimum-difficulty"})); err != nil {
			t.Fatalf("HandleMessage() unexpected error: %v", err)
		}

		resp := nextMessage(t, session)
		result, ok := resp.Result.(map[string]any)
		if !ok {
			t.Fatalf("configure result = %v, want object", resp.Result)
		}
		if result["minimum-difficulty"] != false {
			t.Errorf("minimum-difficulty = %v, want false", result["minimum-difficulty"])
		}
	})
}

func TestBroadcastJob(t *testing.T) {
	fx := newTestServer(t, nil)

	authorized := newPipeSession(t, "session_1")
	authorized.Subscribe("ab000001")
	authorized.Authorize(testAddress(t), "default")
	fx.registry.Register(authorized)

	pending := newPipeSession(t, "session_2")
	pending.Subscribe("ab000002")
	fx.registry.Register(pending)

	job := mustJob(t, 5, testTemplate(t, 2), true)
	fx.server.BroadcastJob(job)

	if got := fx.server.CurrentJobVersion(); got != 5 {
		t.Errorf("CurrentJobVersion() = %d, want 5", got)
	}
	if fx.server.jobByID(job.ID) == nil {
		t.Error("broadcast job not cached")
	}

	notify := nextMessage(t, authorized)
	if notify.Method != "mining.notify" {
		t.Fatalf("expected mining.notify, got %q", notify.Method)
	}
	if notify.Params[0] != job.ID {
		t.Errorf("notify job id = %v, want %q", notify.Params[0], job.ID)
	}

	if _, difficulty, ok := authorized.JobState(job.ID); !ok || difficulty != 1 {
		t.Errorf("session job state = %v/%g, want cached at difficulty 1", ok, difficulty)
	}

	expectNoMessage(t, pending)
}

func TestJobCacheEviction(t *testing.T) {
	fx := newTestServer(t, nil)

	for version := uint64(1); version <= 10; version++ {
		fx.server.BroadcastJob(mustJob(t, version, testTemplate(t, 0), false))
	}

	if fx.server.jobByID("1") != nil {
		t.Error("oldest job still cached past the window")
	}
	if fx.server.jobByID("a") == nil {
		t.Error("newest job missing from the cache")
	}

	fx.server.BroadcastJob(mustJob(t, 11, testTemplate(t, 0), true))
	if fx.server.jobByID("a") != nil {
		t.Error("clean job did not flush the cache")
	}
	if fx.server.jobByID("b") == nil {
		t.Error("clean job missing from the cache")
	}
}

func TestHandleSubmit(t *testing.T) {
	ctx := context.Background()
	fx := newTestServer(t, nil)

	session := newPipeSession(t, "session_1")
	addr := testAddress(t)
	subscribeAndAuthorize(t, fx, session, addr+".rig1")
	fx.registry.Register(session)

	job := mustJob(t, 3, testTemplate(t, 2), true)
	fx.server.BroadcastJob(job)
	nextMessage(t, session) // notify

	parts, difficulty, ok := session.JobState(job.ID)
	if !ok {
		t.Fatal("job state missing after broadcast")
	}
	if difficulty != 1 {
		t.Fatalf("job difficulty = %g, want 1", difficulty)
	}
	version := uint32(0x20000000)

	submit := func(id any, en2, ntime, nonce string, extra ...any) *Message {
		params := append([]any{addr, job.ID, en2, ntime, nonce}, extra...)
		return request(id, "mining.submit", params...)
	}

	t.Run("accepts a solving share and emits the block", func(t *testing.T) {
		coinbase, err := AssembleCoinbase(parts, session.ExtraNonce1(), "00000001")
		if err != nil {
			t.Fatalf("AssembleCoinbase() unexpected error: %v", err)
		}
		nonceHex, ground := grindNonce(t, job, coinbase, version, true)

		if err := fx.server.HandleMessage(ctx, session, submit(10, "00000001", job.NTimeHex, nonceHex)); err != nil {
			t.Fatalf("HandleMessage() unexpected error: %v", err)
		}

		resp := nextMessage(t, session)
		if resp.Error != nil || resp.Result != true {
			t.Fatalf("submit response = %v / %v, want true", resp.Result, resp.Error)
		}

		select {
		case em := <-fx.emissions:
			if em.Miner != addr || em.Worker != "rig1" {
				t.Errorf("emission attribution = %s/%s, want %s/rig1", em.Miner, em.Worker, addr)
			}
			if em.JobVersion != 3 || em.BlockHeight != 150 {
				t.Errorf("emission job = %d at height %d, want 3 at 150", em.JobVersion, em.BlockHeight)
			}
			if em.Difficulty != 1 {
				t.Errorf("emission difficulty = %g, want 1", em.Difficulty)
			}
			if em.Hash != ground.HashHex {
				t.Errorf("emission hash = %s, want %s", em.Hash, ground.HashHex)
			}
			if em.BlockHex == "" {
				t.Error("solving share emitted without block hex")
			}
			if em.Timestamp.IsZero() {
				t.Error("emission timestamp not set")
			}
		default:
			t.Fatal("accepted share produced no emission")
		}

		t.Run("rejects the exact same share again", func(t *testing.T) {
			if err := fx.server.HandleMessage(ctx, session, submit(11, "00000001", job.NTimeHex, nonceHex)); err != nil {
				t.Fatalf("HandleMessage() unexpected error: %v", err)
			}
			expectErrorCode(t, session, ErrorDuplicateShare)
		})
	})

	t.Run("rejects an unknown job", func(t *testing.T) {
		msg := request(12, "mining.submit", addr, "feed", "00000002", job.NTimeHex, "00000000")
		if err := fx.server.HandleMessage(ctx, session, msg); err != nil {
			t.Fatalf("HandleMessage() unexpected error: %v", err)
		}
		expectErrorCode(t, session, ErrorJobNotFound)
	})

	t.Run("rejects version bits without negotiation", func(t *testing.T) {
		if err := fx.server.HandleMessage(ctx, session, submit(13, "00000003", job.NTimeHex, "00000000", "1fffe000")); err != nil {
			t.Fatalf("HandleMessage() unexpected error: %v", err)
		}
		expectErrorCode(t, session, ErrorOther)
	})

	t.Run("rejects a share above the target", func(t *testing.T) {
		coinbase, err := AssembleCoinbase(parts, session.ExtraNonce1(), "00000004")
		if err != nil {
			t.Fatalf("AssembleCoinbase() unexpected error: %v", err)
		}
		nonceHex, _ := grindNonce(t, job, coinbase, version, false)

		if err := fx.server.HandleMessage(ctx, session, submit(14, "00000004", job.NTimeHex, nonceHex)); err != nil {
			t.Fatalf("HandleMessage() unexpected error: %v", err)
		}
		expectErrorCode(t, session, ErrorLowDifficulty)
	})

	t.Run("rejects a malformed extranonce2", func(t *testing.T) {
		if err := fx.server.HandleMessage(ctx, session, submit(15, "zzzz", job.NTimeHex, "00000000")); err != nil {
			t.Fatalf("HandleMessage() unexpected error: %v", err)
		}
		expectErrorCode(t, session, ErrorInvalidParams)
	})

	t.Run("rejects a malformed ntime", func(t *testing.T) {
		if err := fx.server.HandleMessage(ctx, session, submit(16, "00000005", "xyz", "00000000")); err != nil {
			t.Fatalf("HandleMessage() unexpected error: %v", err)
		}
		expectErrorCode(t, session, ErrorInvalidParams)
	})

	t.Run("rejects short parameters", func(t *testing.T) {
		if err := fx.server.HandleMessage(ctx, session, request(17, "mining.submit", addr, job.ID)); err != nil {
			t.Fatalf("HandleMessage() unexpected error: %v", err)
		}
		expectErrorCode(t, session, ErrorInvalidParams)
	})

	t.Run("rejects an unauthorized session", func(t *testing.T) {
		stranger := newPipeSession(t, "session_9")
		if err := fx.server.HandleMessage(ctx, stranger, submit(18, "00000006", job.NTimeHex, "00000000")); err != nil {
			t.Fatalf("HandleMessage() unexpected error: %v", err)
		}
		expectErrorCode(t, stranger, ErrorUnauthorized)
	})
}

func TestSubmitWithVersionRolling(t *testing.T) {
	ctx := context.Background()
	fx := newTestServer(t, func(b *Builder) { b.WithVersionMask(0x1fffe000) })

	session := newPipeSession(t, "session_1")
	if err := fx.server.HandleMessage(ctx, session, request(1, "mining.configure", []any{"version-rolling"})); err != nil {
		t.Fatalf("configure failed: %v", err)
	}
	nextMessage(t, session)

	addr := testAddress(t)
	subscribeAndAuthorize(t, fx, session, addr)
	fx.registry.Register(session)

	job := mustJob(t, 4, testTemplate(t, 1), true)
	fx.server.BroadcastJob(job)
	nextMessage(t, session) // notify

	parts, _, _ := session.JobState(job.ID)
	coinbase, err := AssembleCoinbase(parts, session.ExtraNonce1(), "00000001")
	if err != nil {
		t.Fatalf("AssembleCoinbase() unexpected error: %v", err)
	}

	// The miner rolls every negotiated bit, so the header version it hashed
	// differs from the template version.
	rolledVersion := job.HeaderVersion(0x1fffe000, 0x1fffe000)
	if rolledVersion != 0x3fffe000 {
		t.Fatalf("rolled version = %08x, want 3fffe000", rolledVersion)
	}
	nonceHex, _ := grindNonce(t, job, coinbase, rolledVersion, true)

	msg := request(5, "mining.submit", addr, job.ID, "00000001", job.NTimeHex, nonceHex, "1fffe000")
	if err := fx.server.HandleMessage(ctx, session, msg); err != nil {
		t.Fatalf("HandleMessage() unexpected error: %v", err)
	}

	resp := nextMessage(t, session)
	if resp.Error != nil || resp.Result != true {
		t.Fatalf("submit response = %v / %v, want true", resp.Result, resp.Error)
	}

	em := <-fx.emissions
	if em.BlockHex == "" {
		t.Fatal("solving share emitted without block hex")
	}
	raw, err := hex.DecodeString(em.BlockHex)
	if err != nil {
		t.Fatalf("block hex does not decode: %v", err)
	}
	var block wire.MsgBlock
	if err := block.Deserialize(bytes.NewReader(raw)); err != nil {
		t.Fatalf("block does not deserialize: %v", err)
	}
	if block.Header.Version != 0x3fffe000 {
		t.Errorf("block header version = %08x, want the rolled 3fffe000", block.Header.Version)
	}
}

func TestMaybeAdjustDifficulty(t *testing.T) {
	t.Run("caps the adjustment at the maximum", func(t *testing.T) {
		fx := newTestServer(t, func(b *Builder) { b.WithMaximumDifficulty(2) })
		session := newPipeSession(t, "session_1")

		// A window of 50 shares in 100 seconds wants difficulty far above
		// the cap.
		session.mu.Lock()
		session.windowStart = time.Now().Add(-100 * time.Second)
		session.shareCount = 50
		session.mu.Unlock()

		fx.server.maybeAdjustDifficulty(session)

		if got := session.Difficulty(); got != 2 {
			t.Errorf("difficulty = %g, want capped at 2", got)
		}
		diff := nextMessage(t, session)
		if diff.Method != "mining.set_difficulty" {
			t.Errorf("expected set_difficulty, got %q", diff.Method)
		}
	})

	t.Run("raises the adjustment to the minimum", func(t *testing.T) {
		fx := newTestServer(t, func(b *Builder) { b.WithMinimumDifficulty(0.8) })
		session := newPipeSession(t, "session_1")

		// Two shares in two minutes wants difficulty well below the floor.
		session.mu.Lock()
		session.windowStart = time.Now().Add(-120 * time.Second)
		session.shareCount = 2
		session.mu.Unlock()

		fx.server.maybeAdjustDifficulty(session)

		if got := session.Difficulty(); got != 0.8 {
			t.Errorf("difficulty = %g, want raised to 0.8", got)
		}
	})

	t.Run("skips the send when already clamped", func(t *testing.T) {
		fx := newTestServer(t, func(b *Builder) { b.WithMaximumDifficulty(2) })
		session := newPipeSession(t, "session_1")
		session.SetDifficulty(2)

		session.mu.Lock()
		session.windowStart = time.Now().Add(-100 * time.Second)
		session.shareCount = 50
		session.mu.Unlock()

		fx.server.maybeAdjustDifficulty(session)

		if got := session.Difficulty(); got != 2 {
			t.Errorf("difficulty = %g, want unchanged 2", got)
		}
		expectNoMessage(t, session)
	})

	t.Run("disabled by ignore difficulty", func(t *testing.T) {
		fx := newTestServer(t, func(b *Builder) { b.WithIgnoreDifficulty(true) })
		session := newPipeSession(t, "session_1")

		session.mu.Lock()
		session.windowStart = time.Now().Add(-100 * time.Second)
		session.shareCount = 50
		session.mu.Unlock()

		fx.server.maybeAdjustDifficulty(session)

		if got := session.Difficulty(); got != 1 {
			t.Errorf("difficulty = %g, want untouched 1", got)
		}
		expectNoMessage(t, session)
	})
}

func TestHandleMessageIgnoresNonRequests(t *testing.T) {
	fx := newTestServer(t, nil)
	session := newPipeSession(t, "session_1")

	if err := fx.server.HandleMessage(context.Background(), session, &Message{ID: 1, Result: true}); err != nil {
		t.Fatalf("HandleMessage() unexpected error: %v", err)
	}
	expectNoMessage(t, session)
}

func TestHandleUnknownMethod(t *testing.T) {
	fx := newTestServer(t, nil)
	session := newPipeSession(t, "session_1")

	if err := fx.server.HandleMessage(context.Background(), session, request(1, "mining.extranonce.subscribe")); err != nil {
		t.Fatalf("HandleMessage() unexpected error: %v", err)
	}
	expectErrorCode(t, session, ErrorMethodNotFound)
}
