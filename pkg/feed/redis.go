package feed

import (
	"context"
	"fmt"
	"time"

	goredis "github.com/go-redis/redis/v8"
)

// Stream trimming: keep roughly the last 10k entries per topic
const redisStreamMaxLen = 10000

// RedisConfig configures the Redis stream sink.
type RedisConfig struct {
	Addr     string // e.g. "localhost:6379"
	Password string
	DB       int
	Prefix   string // stream key prefix, default "hyperspot:"
}

// RedisSink appends every message to the stream "<prefix><topic>".
type RedisSink struct {
	client *goredis.Client
	prefix string
}

// NewRedisSink connects and pings the server.
func NewRedisSink(cfg RedisConfig) (*RedisSink, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "hyperspot:"
	}
	return &RedisSink{client: client, prefix: prefix}, nil
}

func (s *RedisSink) Name() string { return "redis" }

func (s *RedisSink) Publish(ctx context.Context, msg Message) error {
	return s.client.XAdd(ctx, &goredis.XAddArgs{
		Stream: s.prefix + msg.Topic,
		MaxLen: redisStreamMaxLen,
		Approx: true,
		Values: map[string]interface{}{
			"kind": msg.Kind,
			"pair": msg.Pair,
			"ts":   msg.Time,
			"data": string(msg.Payload),
		},
	}).Err()
}

func (s *RedisSink) Close() error { return s.client.Close() }
