package wallet

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/btcsuite/btcd/btcec/v2"

	"mailship/pkg/auth"
	"mailship/pkg/chains"
	"mailship/pkg/logging"
)

// HederaProvider is an in-process stand-in for a HashPack wallet. It holds
// a single secp256k1 key from an encrypted keystore and signs EIP-191
// digests locally, so there is nothing to prompt and no remote bridge to
// fail. The account is addressed by its EVM alias and the chain is pinned
// to Hedera testnet.
type HederaProvider struct {
	priv    *btcec.PrivateKey
	address string
	logger  logging.Logger

	events chan Event

	closeOnce sync.Once
	done      chan struct{}
}

// OpenHedera loads the keystore at keystorePath, creating it on first run
// when the file does not exist yet.
func OpenHedera(keystorePath, passphrase string, logger logging.Logger) (*HederaProvider, error) {
	if logger == nil {
		logger = logging.NewLogger()
	}
	if keystorePath == "" {
		return nil, errors.New("keystore path not configured")
	}

	if _, err := os.Stat(keystorePath); errors.Is(err, os.ErrNotExist) {
		address, err := CreateKeystore(keystorePath, passphrase)
		if err != nil {
			return nil, fmt.Errorf("failed to provision keystore: %w", err)
		}
		logger.WithFields(logging.Fields{
			"keystore": keystorePath,
			"address":  address,
		}).Info("Provisioned new Hedera keystore")
	}

	priv, address, err := LoadKeystore(keystorePath, passphrase)
	if err != nil {
		return nil, err
	}

	return &HederaProvider{
		priv:    priv,
		address: address,
		logger:  logger,
		events:  make(chan Event),
		done:    make(chan struct{}),
	}, nil
}

func (h *HederaProvider) Kind() Kind { return KindHashPack }

func (h *HederaProvider) Accounts(ctx context.Context) ([]string, error) {
	if h.closed() {
		return nil, ErrClosed
	}
	return []string{h.address}, nil
}

// RequestAccounts never prompts: the simulated wallet always approves its
// single account.
func (h *HederaProvider) RequestAccounts(ctx context.Context) ([]string, error) {
	return h.Accounts(ctx)
}

func (h *HederaProvider) ChainID(ctx context.Context) (int, error) {
	if h.closed() {
		return 0, ErrClosed
	}
	return chains.HederaTestnet.ID, nil
}

func (h *HederaProvider) SignPersonalMessage(ctx context.Context, message, address string) (string, error) {
	if h.closed() {
		return "", ErrClosed
	}

	normalized, err := auth.NormalizeEthAddress(address)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrSigningFailed, err)
	}
	if normalized != h.address {
		return "", fmt.Errorf("%w: account %s not held by this wallet", ErrSigningFailed, address)
	}

	signature, err := auth.SignEthMessage(h.priv, message)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrSigningFailed, err)
	}
	return signature, nil
}

func (h *HederaProvider) SwitchChain(ctx context.Context, chainID int) error {
	if h.closed() {
		return ErrClosed
	}
	if chainID != chains.HederaTestnet.ID {
		return fmt.Errorf("%w: the Hedera wallet is pinned to chain %d", ErrUnsupportedChain, chains.HederaTestnet.ID)
	}
	return nil
}

// Events never fires for the simulated wallet. The channel is closed on
// Close so reactor loops can range over it.
func (h *HederaProvider) Events() <-chan Event { return h.events }

func (h *HederaProvider) Connected() bool { return !h.closed() }

func (h *HederaProvider) Close() error {
	h.closeOnce.Do(func() {
		close(h.done)
		close(h.events)
	})
	return nil
}

func (h *HederaProvider) closed() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}
