package bitcoin

import (
	"bytes"
	"context"
	"encoding/hex"
	"time"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/rpcclient"
	"github.com/btcsuite/btcd/wire"

	"github.com/hydrapool/hydrad/pkg/circuit"
	"github.com/hydrapool/hydrad/pkg/errors"
	"github.com/hydrapool/hydrad/pkg/retry"
)

// RPCClient wraps btcd's JSON-RPC client with the three calls the node
// needs: template fetching, block submission, and a connectivity check.
//
// Template fetching is deliberately not retried: a failed fetch means the
// pool would otherwise keep issuing work against a stale template, so the
// caller treats it as fatal. Block submission, by contrast, is retried
// aggressively behind a circuit breaker because a solved block is worthless
// if it never reaches the network.
type RPCClient struct {
	client         *rpcclient.Client
	circuitBreaker *circuit.Breaker
	retryConfig    *retry.Config
}

// NewRPCClient connects to bitcoind at url (host:port) over plain HTTP POST,
// the mode Bitcoin Core exposes locally.
func NewRPCClient(url, username, password string) (*RPCClient, error) {
	connCfg := &rpcclient.ConnConfig{
		Host:         url,
		User:         username,
		Pass:         password,
		HTTPPostMode: true,
		DisableTLS:   true,
	}

	client, err := rpcclient.New(connCfg, nil)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeBitcoin, "rpc_client_creation",
			"failed to create Bitcoin RPC client").
			WithContext("url", url)
	}

	return &RPCClient{
		client: client,
		circuitBreaker: circuit.New(&circuit.Config{
			MaxFailures:     3,
			SuccessRequired: 2,
			Timeout:         10 * time.Second,
			ResetTimeout:    30 * time.Second,
		}),
		retryConfig: retry.NetworkConfig(),
	}, nil
}

// Close shuts down the underlying RPC client.
func (c *RPCClient) Close() {
	c.client.Shutdown()
}

// GetBlockTemplate fetches a mining template from bitcoind. The call is made
// exactly once; any failure is returned to the caller.
func (c *RPCClient) GetBlockTemplate(ctx context.Context) (*btcjson.GetBlockTemplateResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	req := &btcjson.TemplateRequest{
		Mode:         "template",
		Capabilities: []string{"coinbasetxn", "workid", "coinbase/append"},
		Rules:        []string{"segwit"},
	}

	template, err := c.client.GetBlockTemplateAsync(req).Receive()
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeBitcoin, "fetch_block_template",
			"failed to retrieve block template from Bitcoin Core")
	}

	return template, nil
}

// decodeBlock parses a hex-serialized block, classifying failures as
// validation errors so callers never retry a malformed block.
func decodeBlock(blockHex string) (*wire.MsgBlock, error) {
	blockBytes, err := hex.DecodeString(blockHex)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeValidation, "block_validation",
			"invalid block hex encoding").
			WithContext("block_hex_length", len(blockHex))
	}

	block := &wire.MsgBlock{}
	if err := block.Deserialize(bytes.NewReader(blockBytes)); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeValidation, "block_deserialization",
			"failed to deserialize block data").
			WithContext("block_size", len(blockBytes))
	}
	return block, nil
}

// SubmitBlock pushes a solved block to the network.
func (c *RPCClient) SubmitBlock(ctx context.Context, blockHex string) error {
	block, err := decodeBlock(blockHex)
	if err != nil {
		return err
	}

	return c.circuitBreaker.Execute(ctx, func() error {
		return retry.Do(ctx, retry.SubmitConfig(), func() error {
			err := c.client.SubmitBlockAsync(btcutil.NewBlock(block), nil).Receive()
			if err != nil {
				return errors.Wrap(err, errors.ErrorTypeBitcoin, "submit_block",
					"failed to submit block to Bitcoin Core").
					WithContext("block_hash", block.BlockHash().String())
			}
			return nil
		})
	})
}

// Ping checks connectivity to bitcoind.
func (c *RPCClient) Ping(ctx context.Context) error {
	return c.circuitBreaker.Execute(ctx, func() error {
		return retry.Do(ctx, c.retryConfig, func() error {
			err := c.client.PingAsync().Receive()
			if err != nil {
				return errors.Wrap(err, errors.ErrorTypeNetwork, "ping",
					"Bitcoin Core connectivity check failed")
			}
			return nil
		})
	})
}
