package stratum

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"strconv"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"

	"github.com/hydrapool/hydrad/internal/bitcoin"
)

const (
	// extraNonce1Size and extraNonce2Size fix the 8-byte extranonce region
	// reserved in every coinbase. Extranonce1 is assigned per connection at
	// subscribe time; extranonce2 is rolled by the miner.
	extraNonce1Size = 4
	extraNonce2Size = 4
	extraNonceTotal = extraNonce1Size + extraNonce2Size

	// maxCoinbaseScriptSig is the consensus bound on coinbase scriptSig size.
	maxCoinbaseScriptSig = 100
)

// Job is one unit of work derived from a block template. It is immutable
// once built and shared by every connected miner; the per-connection
// coinbase split comes from CoinbaseParts.
type Job struct {
	ID        string
	Version   uint64
	Template  *bitcoin.Template
	Height    int64
	CleanJobs bool
	CreatedAt time.Time

	// mining.notify fields, precomputed once per job.
	PrevHashStratum string
	BranchHex       []string
	VersionHex      string
	NBitsHex        string
	NTimeHex        string

	txs           []*wire.MsgTx
	branch        []chainhash.Hash
	prevBlock     chainhash.Hash
	bits          uint32
	networkTarget []byte
}

// NewJob derives a job from a block template. The job ID is the version
// counter in hex, so miners echo it back verbatim in mining.submit.
func NewJob(version uint64, tmpl *bitcoin.Template, clean bool) (*Job, error) {
	if tmpl == nil || tmpl.Result == nil {
		return nil, fmt.Errorf("job requires a block template")
	}
	r := tmpl.Result

	prevStratum, err := stratumPrevHash(r.PreviousHash)
	if err != nil {
		return nil, err
	}
	prevBlock, err := chainhash.NewHashFromStr(r.PreviousHash)
	if err != nil {
		return nil, fmt.Errorf("invalid previous block hash: %w", err)
	}

	bits, err := parseHexUint32(r.Bits)
	if err != nil {
		return nil, fmt.Errorf("invalid bits: %w", err)
	}
	networkTarget, err := networkTargetFromTemplate(r.Bits, r.Target)
	if err != nil {
		return nil, err
	}

	txs := make([]*wire.MsgTx, 0, len(r.Transactions))
	txids := make([]chainhash.Hash, 0, len(r.Transactions))
	for i, rtx := range r.Transactions {
		raw, err := hex.DecodeString(rtx.Data)
		if err != nil {
			return nil, fmt.Errorf("invalid transaction data at index %d: %w", i, err)
		}
		tx := &wire.MsgTx{}
		if err := tx.Deserialize(bytes.NewReader(raw)); err != nil {
			return nil, fmt.Errorf("failed to deserialize transaction at index %d: %w", i, err)
		}
		txs = append(txs, tx)
		txids = append(txids, tx.TxHash())
	}

	branch := merkleBranchSteps(txids)
	branchHex := make([]string, len(branch))
	for i := range branch {
		branchHex[i] = hex.EncodeToString(branch[i][:])
	}

	return &Job{
		ID:              strconv.FormatUint(version, 16),
		Version:         version,
		Template:        tmpl,
		Height:          r.Height,
		CleanJobs:       clean,
		CreatedAt:       time.Now(),
		PrevHashStratum: prevStratum,
		BranchHex:       branchHex,
		VersionHex:      fmt.Sprintf("%08x", uint32(r.Version)),
		NBitsHex:        r.Bits,
		NTimeHex:        fmt.Sprintf("%08x", uint32(r.CurTime)),
		txs:             txs,
		branch:          branch,
		prevBlock:       *prevBlock,
		bits:            bits,
		networkTarget:   networkTarget,
	}, nil
}

// HeaderVersion applies a BIP 310 rolled version to the template version.
// Only bits inside the negotiated mask may change; everything else is
// forced back to the template value.
func (j *Job) HeaderVersion(rolled, mask uint32) uint32 {
	base := uint32(j.Template.Result.Version)
	if mask == 0 {
		return base
	}
	return (base &^ mask) | (rolled & mask)
}

// BuildNotify assembles the mining.notify message for one connection's
// coinbase split. Parameter order follows the Stratum V1 convention:
// [job_id, prevhash, coinb1, coinb2, merkle_branch, version, nbits, ntime,
// clean_jobs].
func (j *Job) BuildNotify(parts *CoinbaseParts, clean bool) *Message {
	return NewNotification("mining.notify", []any{
		j.ID,
		j.PrevHashStratum,
		parts.Coinb1,
		parts.Coinb2,
		j.BranchHex,
		j.VersionHex,
		j.NBitsHex,
		j.NTimeHex,
		clean,
	})
}

// CoinbaseParts is the two-piece coinbase handed out in mining.notify.
// Concatenating Coinb1 + extranonce1 + extranonce2 + Coinb2 yields the
// exact txid serialization of the coinbase transaction.
type CoinbaseParts struct {
	Coinb1 string
	Coinb2 string
}

// CoinbaseParts builds the coinbase transaction paying minerAddress and
// splits it around the extranonce region. The scriptSig layout is the
// BIP 34 height push, the raw signature bytes, then extraNonceTotal zero
// bytes standing in for the extranonce. When the template commits to
// witness data the commitment output is appended; the witness reserved
// value itself is attached at block assembly, keeping the split free of
// witness serialization.
func (j *Job) CoinbaseParts(minerAddress string, signature []byte, params *chaincfg.Params) (*CoinbaseParts, error) {
	r := j.Template.Result
	if r.CoinbaseValue == nil {
		return nil, fmt.Errorf("template has no coinbase value")
	}

	heightScript, err := txscript.NewScriptBuilder().AddInt64(r.Height).Script()
	if err != nil {
		return nil, fmt.Errorf("failed to create height script: %w", err)
	}

	scriptLen := len(heightScript) + len(signature) + extraNonceTotal
	if scriptLen > maxCoinbaseScriptSig {
		return nil, fmt.Errorf("coinbase scriptSig is %d bytes, consensus limit is %d", scriptLen, maxCoinbaseScriptSig)
	}

	scriptSig := make([]byte, 0, scriptLen)
	scriptSig = append(scriptSig, heightScript...)
	scriptSig = append(scriptSig, signature...)
	scriptSig = append(scriptSig, make([]byte, extraNonceTotal)...)

	addr, err := btcutil.DecodeAddress(minerAddress, params)
	if err != nil {
		return nil, fmt.Errorf("failed to decode payout address: %w", err)
	}
	pkScript, err := txscript.PayToAddrScript(addr)
	if err != nil {
		return nil, fmt.Errorf("failed to create output script: %w", err)
	}

	tx := wire.NewMsgTx(wire.TxVersion)
	tx.AddTxIn(wire.NewTxIn(wire.NewOutPoint(&chainhash.Hash{}, wire.MaxPrevOutIndex), scriptSig, nil))
	tx.AddTxOut(wire.NewTxOut(*r.CoinbaseValue, pkScript))

	if r.DefaultWitnessCommitment != "" {
		commitScript, err := hex.DecodeString(r.DefaultWitnessCommitment)
		if err != nil {
			return nil, fmt.Errorf("invalid witness commitment: %w", err)
		}
		tx.AddTxOut(wire.NewTxOut(0, commitScript))
	}

	var buf bytes.Buffer
	if err := tx.SerializeNoWitness(&buf); err != nil {
		return nil, fmt.Errorf("failed to serialize coinbase: %w", err)
	}
	raw := buf.Bytes()

	// version + input count + outpoint + script length byte, then the
	// script content up to the extranonce region.
	split := 4 + 1 + 36 + 1 + len(heightScript) + len(signature)
	if split+extraNonceTotal >= len(raw) {
		return nil, fmt.Errorf("invalid coinbase split point")
	}

	return &CoinbaseParts{
		Coinb1: hex.EncodeToString(raw[:split]),
		Coinb2: hex.EncodeToString(raw[split+extraNonceTotal:]),
	}, nil
}

// AssembleCoinbase reconstructs the full coinbase serialization from the
// notify parts and the miner's extranonce hex.
func AssembleCoinbase(parts *CoinbaseParts, extraNonce1, extraNonce2 string) ([]byte, error) {
	if len(extraNonce1) != extraNonce1Size*2 {
		return nil, fmt.Errorf("extranonce1 must be %d hex characters, got %d", extraNonce1Size*2, len(extraNonce1))
	}
	if len(extraNonce2) != extraNonce2Size*2 {
		return nil, fmt.Errorf("extranonce2 must be %d hex characters, got %d", extraNonce2Size*2, len(extraNonce2))
	}
	raw, err := hex.DecodeString(parts.Coinb1 + extraNonce1 + extraNonce2 + parts.Coinb2)
	if err != nil {
		return nil, fmt.Errorf("invalid coinbase hex: %w", err)
	}
	return raw, nil
}

// ShareResult is the outcome of evaluating one submission against a job.
type ShareResult struct {
	HeaderHash   chainhash.Hash
	HashHex      string
	MeetsShare   bool
	MeetsNetwork bool

	// BlockHex is the full serialized block, set only when the hash meets
	// the network target.
	BlockHex string
}

// EvaluateShare rebuilds the block header for a submission and checks it
// against the session's share target and the network target. version is
// the final header version after any rolling mask has been applied. When
// the hash meets the network target the solved block is assembled for
// submission.
func (j *Job) EvaluateShare(coinbase []byte, version uint32, ntimeHex, nonceHex string, shareDifficulty float64) (*ShareResult, error) {
	ntime, err := parseHexUint32(ntimeHex)
	if err != nil {
		return nil, fmt.Errorf("invalid ntime: %w", err)
	}
	nonce, err := parseHexUint32(nonceHex)
	if err != nil {
		return nil, fmt.Errorf("invalid nonce: %w", err)
	}

	coinbaseHash := chainhash.DoubleHashH(coinbase)
	header := wire.BlockHeader{
		Version:    int32(version),
		PrevBlock:  j.prevBlock,
		MerkleRoot: merkleRootFromSteps(coinbaseHash, j.branch),
		Timestamp:  time.Unix(int64(ntime), 0),
		Bits:       j.bits,
		Nonce:      nonce,
	}
	hash := header.BlockHash()

	result := &ShareResult{
		HeaderHash:   hash,
		HashHex:      hash.String(),
		MeetsShare:   HashMeetsTarget(hash, DifficultyToTarget(shareDifficulty)),
		MeetsNetwork: HashMeetsTarget(hash, j.networkTarget),
	}

	if result.MeetsNetwork {
		blockHex, err := j.assembleBlock(&header, coinbase)
		if err != nil {
			return nil, fmt.Errorf("failed to assemble block: %w", err)
		}
		result.BlockHex = blockHex
	}
	return result, nil
}

// assembleBlock serializes the solved block: header, coinbase, then the
// template transactions in order. The witness reserved value is attached
// to the coinbase whenever the template committed to witness data.
func (j *Job) assembleBlock(header *wire.BlockHeader, coinbase []byte) (string, error) {
	coinbaseTx := &wire.MsgTx{}
	if err := coinbaseTx.Deserialize(bytes.NewReader(coinbase)); err != nil {
		return "", fmt.Errorf("failed to deserialize coinbase: %w", err)
	}
	if j.Template.Result.DefaultWitnessCommitment != "" && len(coinbaseTx.TxIn) > 0 {
		coinbaseTx.TxIn[0].Witness = wire.TxWitness{make([]byte, 32)}
	}

	block := wire.NewMsgBlock(header)
	if err := block.AddTransaction(coinbaseTx); err != nil {
		return "", fmt.Errorf("failed to add coinbase transaction: %w", err)
	}
	for _, tx := range j.txs {
		if err := block.AddTransaction(tx); err != nil {
			return "", fmt.Errorf("failed to add transaction: %w", err)
		}
	}

	var buf bytes.Buffer
	if err := block.Serialize(&buf); err != nil {
		return "", fmt.Errorf("failed to serialize block: %w", err)
	}
	return hex.EncodeToString(buf.Bytes()), nil
}

// merkleBranchSteps computes the mining.notify merkle branch for the
// coinbase slot. The coinbase txid is unknown until a miner picks its
// extranonce, so the tree is folded with a placeholder in slot zero: each
// level contributes the placeholder's sibling as one step, and the
// remaining hashes pair off normally, duplicating the last on odd levels.
func merkleBranchSteps(txids []chainhash.Hash) []chainhash.Hash {
	if len(txids) == 0 {
		return nil
	}
	layer := make([]*chainhash.Hash, 1, 1+len(txids))
	layer[0] = nil
	for i := range txids {
		layer = append(layer, &txids[i])
	}

	var steps []chainhash.Hash
	var buf [64]byte
	for len(layer) > 1 {
		steps = append(steps, *layer[1])
		if len(layer)%2 == 1 {
			layer = append(layer, layer[len(layer)-1])
		}
		// Slot zero absorbs its sibling; the rest pair off two at a time.
		next := make([]*chainhash.Hash, 1, 1+(len(layer)-2)/2)
		next[0] = nil
		for i := 2; i+1 < len(layer); i += 2 {
			copy(buf[:32], layer[i][:])
			copy(buf[32:], layer[i+1][:])
			h := chainhash.DoubleHashH(buf[:])
			next = append(next, &h)
		}
		layer = next
	}
	return steps
}

// merkleRootFromSteps folds the coinbase txid through the branch steps,
// mirroring what miners do with the mining.notify branch list.
func merkleRootFromSteps(coinbase chainhash.Hash, steps []chainhash.Hash) chainhash.Hash {
	root := coinbase
	var buf [64]byte
	for i := range steps {
		copy(buf[:32], root[:])
		copy(buf[32:], steps[i][:])
		root = chainhash.DoubleHashH(buf[:])
	}
	return root
}

// parseHexUint32 parses an 8-character big-endian hex field (ntime, nonce,
// version, bits) as miners send them.
func parseHexUint32(s string) (uint32, error) {
	if len(s) != 8 {
		return 0, fmt.Errorf("expected 8 hex characters, got %d", len(s))
	}
	v, err := strconv.ParseUint(s, 16, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid hex value %q: %w", s, err)
	}
	return uint32(v), nil
}
