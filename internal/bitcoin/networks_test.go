package bitcoin

import (
	"testing"

	"github.com/hydrapool/hydrad/pkg/errors"
)

func TestNetworkParams(t *testing.T) {
	tests := []struct {
		name     string
		network  string
		wantName string
		wantErr  bool
	}{
		{
			name:     "mainnet",
			network:  "mainnet",
			wantName: "mainnet",
		},
		{
			name:     "testnet3",
			network:  "testnet3",
			wantName: "testnet3",
		},
		{
			name:     "signet",
			network:  "signet",
			wantName: "signet",
		},
		{
			name:     "regtest",
			network:  "regtest",
			wantName: "regtest",
		},
		{
			name:    "unknown network",
			network: "florinet",
			wantErr: true,
		},
		{
			name:    "empty network",
			network: "",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			params, err := NetworkParams(tt.network)

			if tt.wantErr {
				if err == nil {
					t.Error("NetworkParams() expected error, got nil")
					return
				}
				if !errors.IsType(err, errors.ErrorTypeConfig) {
					t.Errorf("NetworkParams() error type = %v, want config", err)
				}
				return
			}

			if err != nil {
				t.Errorf("NetworkParams() unexpected error: %v", err)
				return
			}

			if params.Name != tt.wantName {
				t.Errorf("NetworkParams() name = %v, want %v", params.Name, tt.wantName)
			}
		})
	}
}

func TestGenesisHash(t *testing.T) {
	hash, err := GenesisHash("mainnet")
	if err != nil {
		t.Fatalf("GenesisHash() unexpected error: %v", err)
	}

	want := "000000000019d6689c085ae165831e934ff763ae46a2a6c172b3f1b60a8ce26f"
	if hash != want {
		t.Errorf("GenesisHash() = %v, want %v", hash, want)
	}

	if _, err := GenesisHash("florinet"); err == nil {
		t.Error("GenesisHash() expected error for unknown network, got nil")
	}
}
