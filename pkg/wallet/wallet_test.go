package wallet

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"mailship/pkg/testutil"
)

func TestParseKind(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    Kind
		wantErr bool
	}{
		{name: "metamask", input: "metamask", want: KindMetaMask},
		{name: "hashpack", input: "hashpack", want: KindHashPack},
		{name: "unknown", input: "ledger", wantErr: true},
		{name: "wrong case", input: "MetaMask", wantErr: true},
		{name: "empty", input: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			kind, err := ParseKind(tt.input)
			if tt.wantErr {
				if !errors.Is(err, ErrProviderNotFound) {
					t.Errorf("Expected ErrProviderNotFound, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseKind(%q) failed: %v", tt.input, err)
			}
			if kind != tt.want {
				t.Errorf("Expected %s, got %s", tt.want, kind)
			}
		})
	}
}

func TestDetectMetaMask(t *testing.T) {
	bridge := testutil.NewMockBridge()
	defer bridge.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	p, err := Detect(ctx, KindMetaMask, DetectConfig{BridgeURL: bridge.URL()})
	if err != nil {
		t.Fatalf("Detect failed: %v", err)
	}
	defer func() { _ = p.Close() }()

	if p.Kind() != KindMetaMask {
		t.Errorf("Expected kind %s, got %s", KindMetaMask, p.Kind())
	}
}

func TestDetectMetaMaskUnconfigured(t *testing.T) {
	_, err := Detect(context.Background(), KindMetaMask, DetectConfig{})
	if !errors.Is(err, ErrProviderNotFound) {
		t.Errorf("Expected ErrProviderNotFound with no bridge configured, got %v", err)
	}
}

func TestDetectMetaMaskUnreachable(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := Detect(ctx, KindMetaMask, DetectConfig{BridgeURL: "ws://127.0.0.1:1"})
	if !errors.Is(err, ErrProviderNotFound) {
		t.Errorf("Expected ErrProviderNotFound for unreachable bridge, got %v", err)
	}
}

func TestDetectHashPack(t *testing.T) {
	cfg := DetectConfig{
		KeystorePath:       filepath.Join(t.TempDir(), "hedera.json"),
		KeystorePassphrase: "test-passphrase",
	}

	p, err := Detect(context.Background(), KindHashPack, cfg)
	if err != nil {
		t.Fatalf("Detect failed: %v", err)
	}
	defer func() { _ = p.Close() }()

	if p.Kind() != KindHashPack {
		t.Errorf("Expected kind %s, got %s", KindHashPack, p.Kind())
	}
}

func TestDetectHashPackUnconfigured(t *testing.T) {
	_, err := Detect(context.Background(), KindHashPack, DetectConfig{})
	if !errors.Is(err, ErrProviderNotFound) {
		t.Errorf("Expected ErrProviderNotFound with no keystore configured, got %v", err)
	}
}

func TestDetectHashPackEmptyPassphrase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hedera.json")

	_, err := Detect(context.Background(), KindHashPack, DetectConfig{KeystorePath: path})
	if !errors.Is(err, ErrProviderNotFound) {
		t.Errorf("Expected ErrProviderNotFound with no passphrase, got %v", err)
	}
	if _, statErr := os.Stat(path); !errors.Is(statErr, os.ErrNotExist) {
		t.Error("No keystore file may be provisioned without a passphrase")
	}
}

func TestDetectHashPackWrongPassphrase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hedera.json")

	p, err := Detect(context.Background(), KindHashPack, DetectConfig{
		KeystorePath:       path,
		KeystorePassphrase: "first-passphrase",
	})
	if err != nil {
		t.Fatalf("Detect failed: %v", err)
	}
	_ = p.Close()

	_, err = Detect(context.Background(), KindHashPack, DetectConfig{
		KeystorePath:       path,
		KeystorePassphrase: "other-passphrase",
	})
	if !errors.Is(err, ErrInvalidPassphrase) {
		t.Errorf("Expected ErrInvalidPassphrase, got %v", err)
	}
	if errors.Is(err, ErrProviderNotFound) {
		t.Error("A bad passphrase must not be masked as provider-not-found")
	}
}

func TestDetectUnknownKind(t *testing.T) {
	_, err := Detect(context.Background(), Kind("ledger"), DetectConfig{})
	if !errors.Is(err, ErrProviderNotFound) {
		t.Errorf("Expected ErrProviderNotFound, got %v", err)
	}
}
