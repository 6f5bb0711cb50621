// Package chains holds the registry of networks the platform understands and
// the single place chain identifiers get normalized. Wallet providers report
// chain ids as hex strings ("0x1"); everything downstream works with the
// canonical decimal integer produced here.
package chains

import (
	"fmt"
	"strconv"
	"strings"
)

// Chain describes a supported network.
type Chain struct {
	// Key is the stable registry name ("ethereum", "polygon", ...)
	Key string `json:"key"`
	// Name is the human readable network name
	Name string `json:"name"`
	// ID is the canonical decimal chain id
	ID int `json:"chain_id"`
	// Symbol is the native currency symbol
	Symbol string `json:"symbol"`
	// Testnet marks non-production networks
	Testnet bool `json:"testnet,omitempty"`
}

// Supported EVM networks plus the simulated Hedera testnet.
var (
	Ethereum      = Chain{Key: "ethereum", Name: "Ethereum", ID: 1, Symbol: "ETH"}
	Polygon       = Chain{Key: "polygon", Name: "Polygon", ID: 137, Symbol: "MATIC"}
	Arbitrum      = Chain{Key: "arbitrum", Name: "Arbitrum One", ID: 42161, Symbol: "ETH"}
	Optimism      = Chain{Key: "optimism", Name: "Optimism", ID: 10, Symbol: "ETH"}
	BSC           = Chain{Key: "bsc", Name: "BNB Smart Chain", ID: 56, Symbol: "BNB"}
	Avalanche     = Chain{Key: "avalanche", Name: "Avalanche C-Chain", ID: 43114, Symbol: "AVAX"}
	HederaTestnet = Chain{Key: "hedera-testnet", Name: "Hedera Testnet", ID: 296, Symbol: "HBAR", Testnet: true}
)

var registry = []Chain{
	Ethereum,
	Polygon,
	Arbitrum,
	Optimism,
	BSC,
	Avalanche,
	HederaTestnet,
}

var byID = func() map[int]Chain {
	m := make(map[int]Chain, len(registry))
	for _, c := range registry {
		m[c.ID] = c
	}
	return m
}()

var byKey = func() map[string]Chain {
	m := make(map[string]Chain, len(registry))
	for _, c := range registry {
		m[c.Key] = c
	}
	return m
}()

// All returns the registry in declaration order.
func All() []Chain {
	out := make([]Chain, len(registry))
	copy(out, registry)
	return out
}

// ByID looks up a chain by its canonical decimal id.
func ByID(id int) (Chain, bool) {
	c, ok := byID[id]
	return c, ok
}

// ByKey looks up a chain by registry name.
func ByKey(key string) (Chain, bool) {
	c, ok := byKey[strings.ToLower(key)]
	return c, ok
}

// IsSupported reports whether a decimal chain id is in the registry.
func IsSupported(id int) bool {
	_, ok := byID[id]
	return ok
}

// Name returns the display name for a chain id, or "chain <id>" when unknown.
func Name(id int) string {
	if c, ok := byID[id]; ok {
		return c.Name
	}
	return fmt.Sprintf("chain %d", id)
}

// ParseChainID converts a provider-reported chain id to its canonical decimal
// form. Providers send "0x1" style hex; plain decimal strings are accepted too
// so stored values round trip.
func ParseChainID(raw string) (int, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, fmt.Errorf("empty chain id")
	}

	base := 10
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		s = s[2:]
		base = 16
	}

	id, err := strconv.ParseInt(s, base, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid chain id %q: %w", raw, err)
	}
	if id <= 0 {
		return 0, fmt.Errorf("chain id must be positive, got %d", id)
	}
	return int(id), nil
}

// FormatChainID renders a decimal chain id in the hex form providers expect
// for wallet_switchEthereumChain.
func FormatChainID(id int) string {
	return fmt.Sprintf("0x%x", id)
}
