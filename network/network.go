// Package network holds the static table of supported Stellar networks.
package network

import (
	"strings"

	stellarnet "github.com/stellar/go/network"

	"github.com/ipeknurercan/mintelligence/failure"
)

// Network selects one of the supported ledgers.
type Network string

const (
	Test       Network = "test"
	Production Network = "production"
)

// All lists the supported networks in a stable order.
var All = []Network{Test, Production}

const (
	DefaultTestHorizonURL       = "https://horizon-testnet.stellar.org"
	DefaultProductionHorizonURL = "https://horizon.stellar.org"

	// RewardAssetCode is the quiz reward token.
	RewardAssetCode = "MINT"
	// DefaultRewardIssuer issues MINT on both networks.
	DefaultRewardIssuer = "GAOG7VY7G4KCQKUIGX7HBWKL35CQHKP7Q4BBL6Z2ZAOJ2ASGSTJQMVSS"
)

// Parse accepts the canonical names plus the aliases the web client sends
// (testnet, mainnet, public). An empty string selects Test.
func Parse(s string) (Network, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "test", "testnet":
		return Test, nil
	case "production", "mainnet", "public", "pubnet":
		return Production, nil
	default:
		return "", failure.Validationf("Invalid network %q. Must be testnet or mainnet", s)
	}
}

// Valid reports whether n is one of the supported networks.
func (n Network) Valid() bool {
	return n == Test || n == Production
}

// Alias is the name the web client uses for n.
func (n Network) Alias() string {
	if n == Production {
		return "mainnet"
	}
	return "testnet"
}

// Asset identifies a credit asset by code and issuer.
type Asset struct {
	Code   string `json:"code" yaml:"code"`
	Issuer string `json:"issuer" yaml:"issuer"`
}

// String renders CODE:ISSUER.
func (a Asset) String() string {
	return a.Code + ":" + a.Issuer
}

// Settings is the per-network entry of the table.
type Settings struct {
	Network     Network
	HorizonURL  string
	Passphrase  string
	RewardAsset Asset
}

// Table maps each Network to its Settings. It is built once at startup and read-only after.
type Table struct {
	entries map[Network]Settings
}

// DefaultTable returns SDF Horizon endpoints and the MINT reward asset on both networks.
func DefaultTable() *Table {
	reward := Asset{Code: RewardAssetCode, Issuer: DefaultRewardIssuer}
	return NewTable(
		Settings{
			Network:     Test,
			HorizonURL:  DefaultTestHorizonURL,
			Passphrase:  stellarnet.TestNetworkPassphrase,
			RewardAsset: reward,
		},
		Settings{
			Network:     Production,
			HorizonURL:  DefaultProductionHorizonURL,
			Passphrase:  stellarnet.PublicNetworkPassphrase,
			RewardAsset: reward,
		},
	)
}

// NewTable builds a table from explicit entries.
func NewTable(entries ...Settings) *Table {
	t := &Table{entries: make(map[Network]Settings, len(entries))}
	for _, e := range entries {
		t.entries[e.Network] = e
	}
	return t
}

// Lookup resolves n. Unsupported or unconfigured networks are validation errors.
func (t *Table) Lookup(n Network) (Settings, error) {
	if !n.Valid() {
		return Settings{}, failure.Validationf("Invalid network %q. Must be testnet or mainnet", string(n))
	}
	s, ok := t.entries[n]
	if !ok {
		return Settings{}, failure.Validationf("network %s is not configured", n)
	}
	return s, nil
}

// Networks returns the configured networks in table order.
func (t *Table) Networks() []Network {
	out := make([]Network, 0, len(t.entries))
	for _, n := range All {
		if _, ok := t.entries[n]; ok {
			out = append(out, n)
		}
	}
	return out
}
