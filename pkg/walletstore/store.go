// Package walletstore persists the wallet session snapshot between agent
// restarts. The record deliberately holds only what reconnect needs: the
// account address, the wallet type and the backend access token. Provider
// handles, chain ids and profile data are runtime state and never touch
// the store.
package walletstore

import "context"

// Record is the persisted session snapshot.
type Record struct {
	Address    string `json:"address"`
	WalletType string `json:"wallet_type"`
	Token      string `json:"token"`
}

// Store is the persistence contract. Load reports absence through the
// bool, never through an error. Save replaces the whole record. Clear is
// idempotent and atomic with respect to concurrent loads.
type Store interface {
	Save(ctx context.Context, rec Record) error
	Load(ctx context.Context) (Record, bool, error)
	Clear(ctx context.Context) error
	Ping(ctx context.Context) error
}
