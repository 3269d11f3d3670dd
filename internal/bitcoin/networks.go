package bitcoin

import (
	"github.com/btcsuite/btcd/chaincfg"

	"github.com/hydrapool/hydrad/pkg/errors"
)

// NetworkParams resolves a configured network name to btcd chain parameters.
// The accepted names mirror bitcoind's -chain values.
func NetworkParams(network string) (*chaincfg.Params, error) {
	switch network {
	case "mainnet":
		return &chaincfg.MainNetParams, nil
	case "testnet3":
		return &chaincfg.TestNet3Params, nil
	case "signet":
		return &chaincfg.SigNetParams, nil
	case "regtest":
		return &chaincfg.RegressionNetParams, nil
	default:
		return nil, errors.New(errors.ErrorTypeConfig, "resolve_network",
			"unknown network: "+network)
	}
}

// GenesisHash returns the hex-encoded hash of the network's genesis block.
// The share chain uses it as the anchor entry so that every deployment on
// the same network agrees on the chain's origin.
func GenesisHash(network string) (string, error) {
	params, err := NetworkParams(network)
	if err != nil {
		return "", err
	}
	return params.GenesisHash.String(), nil
}
