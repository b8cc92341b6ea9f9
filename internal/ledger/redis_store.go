package ledger

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	xerrors "MeterVault/internal/errors"
)

// RedisStoreConfig describes the Redis connection for snapshot storage.
type RedisStoreConfig struct {
	Address   string
	Password  string
	DB        int
	KeyPrefix string
	// TTL expires abandoned session snapshots; zero keeps them forever.
	TTL time.Duration
}

// RedisStore keeps each session snapshot as a JSON value under one key.
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(cfg RedisStoreConfig) (*RedisStore, error) {
	if strings.TrimSpace(cfg.Address) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "redis address is required")
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "metervault:wallet"
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeConnectivity, err, "connect to redis")
	}
	return &RedisStore{client: client, prefix: prefix, ttl: cfg.TTL}, nil
}

// Load implements Store.
func (s *RedisStore) Load(ctx context.Context, session string) (Snapshot, bool, error) {
	payload, err := s.client.Get(ctx, s.key(session)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return Snapshot{}, false, nil
		}
		return Snapshot{}, false, xerrors.Wrap(xerrors.CodeStorageFailure, err, "read ledger snapshot from redis")
	}
	var snap Snapshot
	if err := json.Unmarshal(payload, &snap); err != nil {
		return Snapshot{}, false, xerrors.Wrap(xerrors.CodeStorageFailure, err, "decode ledger snapshot")
	}
	return snap, true, nil
}

// Save implements Store.
func (s *RedisStore) Save(ctx context.Context, session string, snap Snapshot) error {
	payload, err := json.Marshal(snap)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "encode ledger snapshot")
	}
	if err := s.client.Set(ctx, s.key(session), payload, s.ttl).Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "write ledger snapshot to redis")
	}
	return nil
}

// Close implements Store.
func (s *RedisStore) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}

func (s *RedisStore) key(session string) string {
	return s.prefix + ":" + session
}

var _ Store = (*RedisStore)(nil)
