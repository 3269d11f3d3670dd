package bitcoin

import (
	"context"

	"github.com/btcsuite/btcd/btcjson"
)

// RPCInterface is the slice of Bitcoin Core RPC the node consumes:
// template fetching, block submission, and a liveness probe.
type RPCInterface interface {
	GetBlockTemplate(ctx context.Context) (*btcjson.GetBlockTemplateResult, error)
	SubmitBlock(ctx context.Context, blockHex string) error
	Ping(ctx context.Context) error
	Close()
}

var _ RPCInterface = (*RPCClient)(nil)
