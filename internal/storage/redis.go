package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	logx "mailpace/pkg/logx"
)

const defaultRedisLedgerKey = "mailpace:ledger"

// redisLedger stores the ledger as a single redis SET. It lets several
// dispatch processes share one dedup view; SADD doubles as an atomic claim.
type redisLedger struct {
	client *redis.Client
	key    string
	log    logx.Logger
}

func openRedisLedger(cfg Config, log logx.Logger) (*redisLedger, error) {
	addr := strings.TrimSpace(cfg.RedisAddr)
	if addr == "" {
		return nil, errors.New("ledger.redis_addr is required for redis driver")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}
	return newRedisLedger(client, cfg.RedisKey, log), nil
}

func newRedisLedger(client *redis.Client, key string, log logx.Logger) *redisLedger {
	key = strings.TrimSpace(key)
	if key == "" {
		key = defaultRedisLedgerKey
	}
	return &redisLedger{client: client, key: key, log: log}
}

func (s *redisLedger) Load(ctx context.Context) ([]string, error) {
	return s.client.SMembers(ctx, s.key).Result()
}

func (s *redisLedger) Add(ctx context.Context, address string) error {
	if address == "" {
		return nil
	}
	return s.client.SAdd(ctx, s.key, address).Err()
}

// Claim adds address and reports whether this caller was the one to add it.
func (s *redisLedger) Claim(ctx context.Context, address string) (bool, error) {
	n, err := s.client.SAdd(ctx, s.key, address).Result()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *redisLedger) Close() error { return s.client.Close() }
