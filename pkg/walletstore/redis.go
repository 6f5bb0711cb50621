package walletstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"mailship/pkg/logging"
)

const defaultSessionKey = "yeoman:session"

// RedisStore keeps the record as one JSON value under a single key, so
// writes stay whole-record just like the file backend. The client is
// owned by the caller and may be shared with other consumers.
type RedisStore struct {
	client goredis.UniversalClient
	key    string
	ttl    time.Duration
	logger logging.Logger
}

// NewRedisStore wraps an existing client. A zero ttl keeps the record
// until Clear.
func NewRedisStore(client goredis.UniversalClient, key string, ttl time.Duration, logger logging.Logger) *RedisStore {
	if key == "" {
		key = defaultSessionKey
	}
	if logger == nil {
		logger = logging.NewLogger()
	}
	return &RedisStore{client: client, key: key, ttl: ttl, logger: logger}
}

func (s *RedisStore) Save(ctx context.Context, rec Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal session record: %w", err)
	}
	if err := s.client.Set(ctx, s.key, data, s.ttl).Err(); err != nil {
		return fmt.Errorf("failed to write session record: %w", err)
	}
	return nil
}

func (s *RedisStore) Load(ctx context.Context) (Record, bool, error) {
	data, err := s.client.Get(ctx, s.key).Bytes()
	if errors.Is(err, goredis.Nil) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, fmt.Errorf("failed to read session record: %w", err)
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		s.logger.WithError(err).Warn("Session record malformed, treating as absent")
		return Record{}, false, nil
	}
	return rec, true, nil
}

func (s *RedisStore) Clear(ctx context.Context) error {
	if err := s.client.Del(ctx, s.key).Err(); err != nil {
		return fmt.Errorf("failed to clear session record: %w", err)
	}
	return nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
