package presence

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/wailbentafat/ws-stomp-bridge/logging"
)

const (
	DefaultKey       = "ws_bridge:online_clients"
	operationTimeout = 2 * time.Second
	pingTimeout      = 5 * time.Second
)

// Tracker records which clients are connected to this bridge.
type Tracker interface {
	AddOnlineClient(ctx context.Context, clientID string) error
	RemoveOnlineClient(ctx context.Context, clientID string) error
	Close() error
}

// Noop is used when no presence store is configured.
type Noop struct{}

func (Noop) AddOnlineClient(context.Context, string) error    { return nil }
func (Noop) RemoveOnlineClient(context.Context, string) error { return nil }
func (Noop) Close() error                                     { return nil }

// Store keeps online client ids in a Redis set.
type Store struct {
	rdb *redis.Client
	key string
}

func logger() *slog.Logger {
	return logging.Component("presence")
}

// NewRedisStore connects to Redis at addr and verifies the connection.
func NewRedisStore(addr, key string) (*Store, error) {
	if key == "" {
		key = DefaultKey
	}
	client := redis.NewClient(&redis.Options{Addr: addr})

	ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	logger().Info("Connected to presence store", "addr", addr, "key", key)
	return &Store{rdb: client, key: key}, nil
}

func (s *Store) AddOnlineClient(ctx context.Context, clientID string) error {
	ctx, cancel := context.WithTimeout(ctx, operationTimeout)
	defer cancel()
	if err := s.rdb.SAdd(ctx, s.key, clientID).Err(); err != nil {
		return fmt.Errorf("add online client %s: %w", clientID, err)
	}
	return nil
}

func (s *Store) RemoveOnlineClient(ctx context.Context, clientID string) error {
	ctx, cancel := context.WithTimeout(ctx, operationTimeout)
	defer cancel()
	if err := s.rdb.SRem(ctx, s.key, clientID).Err(); err != nil {
		return fmt.Errorf("remove online client %s: %w", clientID, err)
	}
	return nil
}

func (s *Store) GetOnlineClients(ctx context.Context) ([]string, error) {
	return s.rdb.SMembers(ctx, s.key).Result()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

func (s *Store) Close() error {
	return s.rdb.Close()
}
