package node

import (
	"context"
	"sync"

	"github.com/btcsuite/btcd/btcjson"
)

// MockRPC provides a mock implementation of bitcoin.RPCInterface for testing
// the template feed and the share-intake actor.
type MockRPC struct {
	mu sync.Mutex

	// Control mock behavior
	TemplateErr error
	SubmitErr   error

	// BlockOnFetch makes GetBlockTemplate wait for context cancellation
	// instead of returning, to exercise shutdown during a fetch.
	BlockOnFetch bool

	// Mock data
	Template *btcjson.GetBlockTemplateResult

	fetches   int
	submitted []string
}

// NewMockRPC creates a mock RPC client with a usable regtest template.
func NewMockRPC() *MockRPC {
	value := int64(5000000000)
	return &MockRPC{
		Template: &btcjson.GetBlockTemplateResult{
			Version:       0x20000000,
			PreviousHash:  testPrevHash,
			Bits:          "207fffff",
			CurTime:       1700000000,
			Height:        150,
			CoinbaseValue: &value,
			Transactions:  []btcjson.GetBlockTemplateResultTx{},
		},
	}
}

// GetBlockTemplate returns the mock template, the configured error, or
// blocks until the context ends.
func (m *MockRPC) GetBlockTemplate(ctx context.Context) (*btcjson.GetBlockTemplateResult, error) {
	m.mu.Lock()
	m.fetches++
	err := m.TemplateErr
	block := m.BlockOnFetch
	tmpl := m.Template
	m.mu.Unlock()

	if block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if err != nil {
		return nil, err
	}
	return tmpl, nil
}

// SubmitBlock records the submitted block hex.
func (m *MockRPC) SubmitBlock(_ context.Context, blockHex string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.submitted = append(m.submitted, blockHex)
	return m.SubmitErr
}

// Ping always succeeds.
func (m *MockRPC) Ping(_ context.Context) error {
	return nil
}

// Close is a no-op.
func (m *MockRPC) Close() {}

// SetTemplateErr swaps the fetch error for subsequent calls.
func (m *MockRPC) SetTemplateErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.TemplateErr = err
}

// Fetches returns how many times GetBlockTemplate was called.
func (m *MockRPC) Fetches() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.fetches
}

// Submitted returns the block hexes passed to SubmitBlock.
func (m *MockRPC) Submitted() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.submitted...)
}
