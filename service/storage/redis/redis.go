package redis

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

type Config struct {
	Addr     string
	Password string
	DB       int
	PoolSize int
}

type Manager struct {
	client *redis.Client
}

// New dials redis and verifies the connection with a short ping.
func New(c Config) (*Manager, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     c.Addr,
		Password: c.Password,
		DB:       c.DB,
		PoolSize: c.PoolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, err
	}
	return &Manager{client: rdb}, nil
}

// Wrap adopts an already-built client, used by tests running against
// miniredis.
func Wrap(client *redis.Client) *Manager {
	return &Manager{client: client}
}

func (m *Manager) Client() *redis.Client { return m.client }

func (m *Manager) Close() error {
	if m == nil || m.client == nil {
		return nil
	}
	return m.client.Close()
}
