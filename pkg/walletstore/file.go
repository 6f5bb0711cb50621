package walletstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"mailship/pkg/crypto"
	"mailship/pkg/logging"
)

// FileStore keeps the record as a single JSON file. Writes go through a
// temp file in the same directory followed by a rename, so a crash never
// leaves a half-written snapshot. A file that cannot be read or parsed
// loads as absent rather than failing the session restore.
type FileStore struct {
	path      string
	encryptor *crypto.FieldEncryptor
	logger    logging.Logger

	mu sync.Mutex
}

// NewFileStore creates the store at path, making the parent directory
// when needed. A non-nil encryptor keeps the access token encrypted at
// rest; address and wallet type stay readable for debugging.
func NewFileStore(path string, encryptor *crypto.FieldEncryptor, logger logging.Logger) (*FileStore, error) {
	if path == "" {
		return nil, errors.New("state file path is required")
	}
	if logger == nil {
		logger = logging.NewLogger()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}
	return &FileStore{path: path, encryptor: encryptor, logger: logger}, nil
}

func (s *FileStore) Save(ctx context.Context, rec Record) error {
	if s.encryptor != nil && rec.Token != "" {
		encrypted, err := s.encryptor.Encrypt(rec.Token)
		if err != nil {
			return fmt.Errorf("failed to encrypt token: %w", err)
		}
		rec.Token = encrypted
	}

	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal session record: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, ".session-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp state file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to write state file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to close state file: %w", err)
	}

	if err := os.Rename(tmpName, s.path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to replace state file: %w", err)
	}
	return nil
}

func (s *FileStore) Load(ctx context.Context) (Record, bool, error) {
	s.mu.Lock()
	data, err := os.ReadFile(s.path)
	s.mu.Unlock()

	if errors.Is(err, os.ErrNotExist) {
		return Record{}, false, nil
	}
	if err != nil {
		s.logger.WithError(err).Warn("Session state file unreadable, treating as absent")
		return Record{}, false, nil
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		s.logger.WithError(err).Warn("Session state file malformed, treating as absent")
		return Record{}, false, nil
	}

	if s.encryptor != nil && rec.Token != "" {
		token, err := s.encryptor.Decrypt(rec.Token)
		if err != nil {
			// A token that no longer decrypts (rotated secret) costs a
			// re-authentication, not the whole session.
			s.logger.WithError(err).Warn("Stored token undecryptable, dropping it")
			rec.Token = ""
		} else {
			rec.Token = token
		}
	}

	return rec, true, nil
}

func (s *FileStore) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove state file: %w", err)
	}
	return nil
}

func (s *FileStore) Ping(ctx context.Context) error {
	info, err := os.Stat(filepath.Dir(s.path))
	if err != nil {
		return fmt.Errorf("state directory unavailable: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("state path parent is not a directory")
	}
	return nil
}
