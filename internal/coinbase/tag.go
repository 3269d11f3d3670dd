// Package coinbase builds the pool's coinbase identification signature.
// The signature is a compact TLV blob embedded in the coinbase transaction
// so blocks mined through the pool can be attributed on-chain.
package coinbase

import "strings"

// Signature layout: a 3-byte magic tag followed by TLV entries, one per
// populated field, always in the declared field order below. Each entry is
// (1-byte type, 1-byte length, UTF-8 value bytes).
var signatureMagic = []byte{0x54, 0x41, 0x47} // "TAG"

// TLV type codes, one per tag field.
const (
	TypePool     byte = 0x01
	TypeMiner    byte = 0x02
	TypeSoftware byte = 0x03
	TypeWebsite  byte = 0x04
	TypeCustom   byte = 0xFF
)

// maxFieldLen is the largest value that fits a single length byte. Longer
// fields are dropped whole, never truncated.
const maxFieldLen = 255

// TagConfig holds the optional identification fields. An empty string means
// the field is absent. Parsed once at startup and never mutated.
type TagConfig struct {
	Pool     string
	Miner    string
	Software string
	Website  string
	Custom   string
}

// ComposeSignature encodes the populated fields of cfg as the TLV signature.
// The result is empty when no field qualifies; the magic tag is emitted only
// when at least one entry follows it. Pure: equal configs yield identical
// bytes.
func ComposeSignature(cfg TagConfig) []byte {
	fields := []struct {
		code  byte
		value string
	}{
		{TypePool, cfg.Pool},
		{TypeMiner, cfg.Miner},
		{TypeSoftware, cfg.Software},
		{TypeWebsite, cfg.Website},
		{TypeCustom, cfg.Custom},
	}

	var entries []byte
	for _, f := range fields {
		if f.value == "" {
			continue
		}
		if len(f.value) > maxFieldLen {
			// Silent drop keeps the remaining fields intact.
			continue
		}
		entries = append(entries, f.code, byte(len(f.value)))
		entries = append(entries, f.value...)
	}

	if len(entries) == 0 {
		return nil
	}

	sig := make([]byte, 0, len(signatureMagic)+len(entries))
	sig = append(sig, signatureMagic...)
	sig = append(sig, entries...)
	return sig
}

// DisplayString renders signature bytes for logs and API responses. Raw
// bytes stay authoritative everywhere else; any non-UTF-8 content is
// substituted here, never in the stored signature.
func DisplayString(sig []byte) string {
	return strings.ToValidUTF8(string(sig), "�")
}
