package walletstore

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"mailship/pkg/crypto"
)

func newTestFileStore(t *testing.T) (*FileStore, string) {
	t.Helper()

	path := filepath.Join(t.TempDir(), "state", "session.json")
	store, err := NewFileStore(path, nil, nil)
	if err != nil {
		t.Fatalf("NewFileStore failed: %v", err)
	}
	return store, path
}

func testRecord() Record {
	return Record{
		Address:    "0x742d35Cc6634C0532925a3b8D404fddF6fE7d396",
		WalletType: "metamask",
		Token:      "eyJhbGciOiJIUzI1NiJ9.payload.sig",
	}
}

func TestFileStoreRoundTrip(t *testing.T) {
	store, _ := newTestFileStore(t)
	ctx := context.Background()

	_, found, err := store.Load(ctx)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if found {
		t.Fatal("Expected empty store to load as absent")
	}

	rec := testRecord()
	if err := store.Save(ctx, rec); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	loaded, found, err := store.Load(ctx)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if !found {
		t.Fatal("Expected record after Save")
	}
	if loaded != rec {
		t.Errorf("Expected %+v, got %+v", rec, loaded)
	}
}

func TestFileStoreSaveReplacesWholeRecord(t *testing.T) {
	store, _ := newTestFileStore(t)
	ctx := context.Background()

	if err := store.Save(ctx, testRecord()); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	// A token-less save must not leave the old token behind.
	next := Record{Address: "0x0123456789012345678901234567890123456789", WalletType: "hashpack"}
	if err := store.Save(ctx, next); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	loaded, _, err := store.Load(ctx)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if loaded != next {
		t.Errorf("Expected %+v, got %+v", next, loaded)
	}
}

func TestFileStoreClear(t *testing.T) {
	store, path := newTestFileStore(t)
	ctx := context.Background()

	if err := store.Save(ctx, testRecord()); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if err := store.Clear(ctx); err != nil {
		t.Fatalf("Clear failed: %v", err)
	}

	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("Expected state file removed after Clear")
	}
	if _, found, _ := store.Load(ctx); found {
		t.Error("Expected absent record after Clear")
	}

	// Clear with nothing stored is not an error.
	if err := store.Clear(ctx); err != nil {
		t.Errorf("Expected idempotent Clear, got %v", err)
	}
}

func TestFileStoreMalformedFile(t *testing.T) {
	store, path := newTestFileStore(t)
	ctx := context.Background()

	if err := os.WriteFile(path, []byte("{truncated"), 0600); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	_, found, err := store.Load(ctx)
	if err != nil {
		t.Fatalf("Expected malformed file to load without error, got %v", err)
	}
	if found {
		t.Error("Expected malformed file to load as absent")
	}

	// A fresh Save recovers the file.
	if err := store.Save(ctx, testRecord()); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if _, found, _ := store.Load(ctx); !found {
		t.Error("Expected record after recovery Save")
	}
}

func TestFileStoreEncryptsTokenAtRest(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.json")
	encryptor, err := crypto.DeriveFieldEncryptor([]byte("test-state-secret-that-is-long-x"), "session-token")
	if err != nil {
		t.Fatalf("DeriveFieldEncryptor failed: %v", err)
	}

	store, err := NewFileStore(path, encryptor, nil)
	if err != nil {
		t.Fatalf("NewFileStore failed: %v", err)
	}
	ctx := context.Background()

	rec := testRecord()
	if err := store.Save(ctx, rec); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	// On disk the token is ciphertext, the identity fields stay readable.
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	var onDisk Record
	if err := json.Unmarshal(raw, &onDisk); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if !crypto.IsEncrypted(onDisk.Token) {
		t.Errorf("Expected encrypted token on disk, got %q", onDisk.Token)
	}
	if strings.Contains(string(raw), rec.Token) {
		t.Error("Expected plaintext token to be absent from the state file")
	}
	if onDisk.Address != rec.Address {
		t.Errorf("Expected address stored in the clear, got %q", onDisk.Address)
	}

	loaded, found, err := store.Load(ctx)
	if err != nil || !found {
		t.Fatalf("Load failed: found=%v err=%v", found, err)
	}
	if loaded.Token != rec.Token {
		t.Errorf("Expected token decrypted on load, got %q", loaded.Token)
	}
}

func TestFileStoreLegacyPlaintextToken(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.json")

	// State written before encryption was enabled.
	plain, err := NewFileStore(path, nil, nil)
	if err != nil {
		t.Fatalf("NewFileStore failed: %v", err)
	}
	rec := testRecord()
	if err := plain.Save(context.Background(), rec); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	encryptor, err := crypto.DeriveFieldEncryptor([]byte("test-state-secret-that-is-long-x"), "session-token")
	if err != nil {
		t.Fatalf("DeriveFieldEncryptor failed: %v", err)
	}
	store, err := NewFileStore(path, encryptor, nil)
	if err != nil {
		t.Fatalf("NewFileStore failed: %v", err)
	}

	loaded, found, err := store.Load(context.Background())
	if err != nil || !found {
		t.Fatalf("Load failed: found=%v err=%v", found, err)
	}
	if loaded.Token != rec.Token {
		t.Errorf("Expected legacy plaintext token to pass through, got %q", loaded.Token)
	}
}

func TestFileStoreRotatedSecretDropsToken(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.json")

	first, err := crypto.DeriveFieldEncryptor([]byte("first-state-secret-that-is-long!"), "session-token")
	if err != nil {
		t.Fatalf("DeriveFieldEncryptor failed: %v", err)
	}
	store, err := NewFileStore(path, first, nil)
	if err != nil {
		t.Fatalf("NewFileStore failed: %v", err)
	}
	if err := store.Save(context.Background(), testRecord()); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	second, err := crypto.DeriveFieldEncryptor([]byte("other-state-secret-that-is-long!"), "session-token")
	if err != nil {
		t.Fatalf("DeriveFieldEncryptor failed: %v", err)
	}
	rotated, err := NewFileStore(path, second, nil)
	if err != nil {
		t.Fatalf("NewFileStore failed: %v", err)
	}

	loaded, found, err := rotated.Load(context.Background())
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if !found {
		t.Fatal("Expected the record to survive a secret rotation")
	}
	if loaded.Token != "" {
		t.Errorf("Expected undecryptable token dropped, got %q", loaded.Token)
	}
	if loaded.Address == "" {
		t.Error("Expected address to survive a secret rotation")
	}
}

func TestFileStorePing(t *testing.T) {
	store, path := newTestFileStore(t)

	if err := store.Ping(context.Background()); err != nil {
		t.Errorf("Ping failed: %v", err)
	}

	if err := os.RemoveAll(filepath.Dir(path)); err != nil {
		t.Fatalf("RemoveAll failed: %v", err)
	}
	if err := store.Ping(context.Background()); err == nil {
		t.Error("Expected Ping to fail with the state directory gone")
	}
}
