// Package bitcoin provides Bitcoin Core integration: RPC access, ZMQ
// notifications, and the protocol types shared across the node.
package bitcoin

import (
	"time"

	"github.com/btcsuite/btcd/btcjson"
)

// TemplateSource identifies what prompted a block template fetch.
type TemplateSource string

const (
	// TemplateSourceStartup marks the initial fetch performed before the
	// stratum server hands out any work.
	TemplateSourceStartup TemplateSource = "startup"

	// TemplateSourcePush marks a fetch triggered by a ZMQ hashblock
	// notification from bitcoind.
	TemplateSourcePush TemplateSource = "push"

	// TemplateSourcePoll marks a fetch triggered by the periodic fallback
	// timer that covers missed or absent push notifications.
	TemplateSourcePoll TemplateSource = "poll"
)

// Template pairs a block template from Bitcoin Core with fetch metadata.
// Templates flow from the feed to the job tracker and then out to miners;
// consumers treat the embedded result as read-only.
type Template struct {
	Result    *btcjson.GetBlockTemplateResult
	Source    TemplateSource
	FetchedAt time.Time
}

// Height returns the block height the template builds on top of.
func (t *Template) Height() int64 {
	return t.Result.Height
}

// PreviousBlockHash returns the hash of the chain tip the template extends.
func (t *Template) PreviousBlockHash() string {
	return t.Result.PreviousHash
}

// SolvedBlock carries a fully serialized block that met network difficulty,
// ready for submission to Bitcoin Core.
type SolvedBlock struct {
	BlockHash    string
	BlockHex     string
	BlockHeight  int64
	Difficulty   float64
	MinerAddress string
	WorkerName   string
	FoundAt      time.Time
}
