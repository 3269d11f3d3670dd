package stratum

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"math/big"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// maxTargetBytes is Bitcoin's difficulty-1 target,
// 0x00000000FFFF0000000000000000000000000000000000000000000000000000.
var maxTargetBytes = []byte{
	0x00, 0x00, 0x00, 0x00, 0xff, 0xff, 0x00, 0x00,
	0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
	0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
	0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
}

// DifficultyToTarget converts a mining difficulty value to a target hash
// threshold. The target is the maximum hash value that satisfies the given
// difficulty; lower targets require more work.
//
// Returns the 32-byte target threshold in big-endian format.
func DifficultyToTarget(difficulty float64) []byte {
	// Zero or negative difficulty gets the maximum target.
	if difficulty <= 0 {
		result := make([]byte, 32)
		copy(result, maxTargetBytes)
		return result
	}

	maxTarget := new(big.Int).SetBytes(maxTargetBytes)

	// big.Float division keeps fractional difficulties precise.
	targetFloat := new(big.Float).Quo(
		new(big.Float).SetInt(maxTarget),
		new(big.Float).SetFloat64(difficulty),
	)

	target, _ := targetFloat.Int(nil)

	targetBytes := target.Bytes()
	result := make([]byte, 32)
	if len(targetBytes) <= 32 {
		copy(result[32-len(targetBytes):], targetBytes)
	} else {
		copy(result, maxTargetBytes)
	}
	return result
}

// HashMeetsTarget reports whether a block header hash satisfies the target
// threshold. The hash is in internal (little-endian) byte order; the target
// is big-endian.
func HashMeetsTarget(hash chainhash.Hash, target []byte) bool {
	if len(target) != 32 {
		return false
	}

	// Compare byte by byte in big-endian order.
	for i := 0; i < 32; i++ {
		hb := hash[31-i]
		if hb < target[i] {
			return true
		}
		if hb > target[i] {
			return false
		}
	}
	return true
}

// targetFromBits expands a compact nBits field (8 hex characters) into the
// 32-byte big-endian network target.
func targetFromBits(bits string) ([]byte, error) {
	b, err := hex.DecodeString(bits)
	if err != nil {
		return nil, fmt.Errorf("decode bits: %w", err)
	}
	if len(b) != 4 {
		return nil, fmt.Errorf("invalid bits length %d", len(b))
	}
	exp := uint(b[0])
	mantissa := new(big.Int).SetBytes(b[1:])
	var target *big.Int
	if exp <= 3 {
		target = new(big.Int).Rsh(mantissa, 8*(3-exp))
	} else {
		target = new(big.Int).Lsh(mantissa, 8*(exp-3))
	}
	raw := target.Bytes()
	if len(raw) > 32 {
		return nil, fmt.Errorf("bits %s produce an oversized target", bits)
	}
	out := make([]byte, 32)
	copy(out[32-len(raw):], raw)
	return out, nil
}

// networkTargetFromTemplate derives the network target from the template's
// compact bits, cross-checking the advisory target string when the node
// supplies one. Bits is the consensus field; a mismatch means the template
// is inconsistent and the job must not be built.
func networkTargetFromTemplate(bitsHex, targetHex string) ([]byte, error) {
	target, err := targetFromBits(bitsHex)
	if err != nil {
		return nil, err
	}
	if targetHex == "" {
		return target, nil
	}
	tplTarget, err := parseHexTarget(targetHex)
	if err != nil {
		return nil, err
	}
	if !bytes.Equal(target, tplTarget) {
		return nil, fmt.Errorf("bits target %x mismatches template target %s", target, targetHex)
	}
	return target, nil
}

// parseHexTarget parses the template's target hex string into a 32-byte
// big-endian threshold, left-padding short values.
func parseHexTarget(targetStr string) ([]byte, error) {
	if len(targetStr) == 0 {
		return nil, fmt.Errorf("target string cannot be empty")
	}
	if len(targetStr)%2 != 0 {
		return nil, fmt.Errorf("target string must have even length, got %d", len(targetStr))
	}
	if len(targetStr) > 64 {
		return nil, fmt.Errorf("target string too long: maximum 64 hex characters, got %d", len(targetStr))
	}

	target, err := hex.DecodeString(targetStr)
	if err != nil {
		return nil, fmt.Errorf("failed to decode hex target: %w", err)
	}

	if len(target) < 32 {
		padded := make([]byte, 32)
		copy(padded[32-len(target):], target)
		target = padded
	}
	return target, nil
}

// stratumPrevHash converts a display-order block hash into the word-swapped
// encoding that mining.notify uses: the hash is treated as eight big-endian
// uint32 words, each rewritten little-endian, then the whole buffer is
// reversed.
func stratumPrevHash(displayHex string) (string, error) {
	b, err := hex.DecodeString(displayHex)
	if err != nil {
		return "", fmt.Errorf("invalid previous block hash: %w", err)
	}
	if len(b) != 32 {
		return "", fmt.Errorf("previous block hash must be 32 bytes, got %d", len(b))
	}

	var buf [32]byte
	copy(buf[:], b)
	for i := 0; i < 8; i++ {
		j := i * 4
		v := uint32(buf[j])<<24 | uint32(buf[j+1])<<16 | uint32(buf[j+2])<<8 | uint32(buf[j+3])
		buf[j] = byte(v)
		buf[j+1] = byte(v >> 8)
		buf[j+2] = byte(v >> 16)
		buf[j+3] = byte(v >> 24)
	}
	for i, j := 0, 31; i < j; i, j = i+1, j-1 {
		buf[i], buf[j] = buf[j], buf[i]
	}
	return hex.EncodeToString(buf[:]), nil
}
