// Package wallet binds the agent to a wallet provider and normalizes
// provider-specific quirks behind one capability-checked interface.
//
// Two provider variants exist: BridgeProvider speaks JSON-RPC over a
// WebSocket to an injected EVM wallet bridge, and HederaProvider is an
// in-process signer backed by an encrypted keystore. The variant is
// selected explicitly at connect time via Detect; probing failures
// surface ErrProviderNotFound so callers can present an install prompt
// instead of crashing.
package wallet

import (
	"context"
	"errors"
	"fmt"

	"mailship/pkg/logging"
)

// Kind identifies a wallet provider variant. The values double as the
// wallet_type strings on the backend wire.
type Kind string

const (
	KindMetaMask Kind = "metamask"
	KindHashPack Kind = "hashpack"
)

// ParseKind validates a wallet type string from config or an API request.
func ParseKind(s string) (Kind, error) {
	switch Kind(s) {
	case KindMetaMask:
		return KindMetaMask, nil
	case KindHashPack:
		return KindHashPack, nil
	default:
		return "", fmt.Errorf("%w: unknown wallet type %q", ErrProviderNotFound, s)
	}
}

// EventType names the provider notifications the agent reacts to.
type EventType string

const (
	EventAccountsChanged EventType = "accountsChanged"
	EventChainChanged    EventType = "chainChanged"
)

// Event is one out-of-band provider notification. Accounts carries the
// full account list for accountsChanged; ChainHex carries the raw hex
// chain id ("0x1") for chainChanged, unparsed so the consumer applies
// the one canonical conversion.
type Event struct {
	Type     EventType
	Accounts []string
	ChainHex string
}

var (
	// ErrProviderNotFound means no wallet provider is available for the
	// requested kind. Callers surface an install prompt, never a crash.
	ErrProviderNotFound = errors.New("wallet provider not found")

	// ErrUserRejected means the user declined the connection prompt.
	ErrUserRejected = errors.New("user rejected the connection request")

	// ErrNoAccounts means the provider approved the connection but
	// returned an empty account list.
	ErrNoAccounts = errors.New("wallet returned no accounts")

	// ErrSigningRejected means the user declined the signature prompt.
	ErrSigningRejected = errors.New("user rejected the signing request")

	// ErrSigningFailed covers any other signing failure.
	ErrSigningFailed = errors.New("wallet signing failed")

	// ErrUnsupportedChain means the wallet cannot activate the requested
	// network (EIP-3326 code 4902, or a fixed-network wallet).
	ErrUnsupportedChain = errors.New("chain not supported by the wallet")

	// ErrClosed is returned from calls made after Close.
	ErrClosed = errors.New("wallet provider closed")
)

// Provider is the uniform wallet capability surface.
//
// Accounts reads the current authorization silently; RequestAccounts
// triggers the wallet's approval prompt. ChainID returns the canonical
// decimal chain id; providers report hex strings and the conversion
// happens inside the binding, nowhere else. Events delivers
// accountsChanged/chainChanged notifications until Close; the channel
// is registered once per provider instance.
type Provider interface {
	Kind() Kind
	Accounts(ctx context.Context) ([]string, error)
	RequestAccounts(ctx context.Context) ([]string, error)
	ChainID(ctx context.Context) (int, error)
	SignPersonalMessage(ctx context.Context, message, address string) (string, error)
	SwitchChain(ctx context.Context, chainID int) error
	Events() <-chan Event
	Close() error
}

// DetectConfig describes where each provider variant would be found.
type DetectConfig struct {
	// BridgeURL is the WebSocket endpoint of the EVM wallet bridge.
	BridgeURL string
	// KeystorePath and KeystorePassphrase locate the Hedera signer key.
	KeystorePath       string
	KeystorePassphrase string
	Logger             logging.Logger
}

// Detect selects and opens the provider for the requested kind. An
// unconfigured or unreachable variant yields ErrProviderNotFound.
func Detect(ctx context.Context, kind Kind, cfg DetectConfig) (Provider, error) {
	switch kind {
	case KindMetaMask:
		if cfg.BridgeURL == "" {
			return nil, fmt.Errorf("%w: no wallet bridge configured", ErrProviderNotFound)
		}
		provider, err := DialBridge(ctx, cfg.BridgeURL, cfg.Logger)
		if err != nil {
			return nil, fmt.Errorf("%w: bridge unreachable: %v", ErrProviderNotFound, err)
		}
		return provider, nil

	case KindHashPack:
		if cfg.KeystorePath == "" {
			return nil, fmt.Errorf("%w: no keystore configured", ErrProviderNotFound)
		}
		// An empty passphrase never opens or provisions a keystore.
		if cfg.KeystorePassphrase == "" {
			return nil, fmt.Errorf("%w: no keystore passphrase configured", ErrProviderNotFound)
		}
		provider, err := OpenHedera(cfg.KeystorePath, cfg.KeystorePassphrase, cfg.Logger)
		if err != nil {
			if errors.Is(err, ErrInvalidPassphrase) {
				return nil, err
			}
			return nil, fmt.Errorf("%w: keystore unavailable: %v", ErrProviderNotFound, err)
		}
		return provider, nil

	default:
		return nil, fmt.Errorf("%w: unknown wallet type %q", ErrProviderNotFound, kind)
	}
}
