package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultStreamMaxLen = 10000

type RedisProducer struct {
	client        *redis.Client
	streamName    string
	maxLen        int64
	ensureMu      sync.Mutex
	streamEnsured bool
}

func NewRedisProducer(addr, streamName string, maxLen int64) (*RedisProducer, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}

	if maxLen <= 0 {
		maxLen = defaultStreamMaxLen
	}
	return &RedisProducer{
		client:     client,
		streamName: streamName,
		maxLen:     maxLen,
	}, nil
}

// PublishContextUpdates appends the batch to the feed stream in one pipeline.
// The stream is trimmed approximately to maxLen entries.
func (p *RedisProducer) PublishContextUpdates(ctx context.Context, updates []ContextUpdate) error {
	if len(updates) == 0 {
		return nil
	}
	if err := p.ensureStream(ctx); err != nil {
		return err
	}

	pipe := p.client.Pipeline()
	for _, update := range updates {
		payload, err := json.Marshal(update)
		if err != nil {
			return err
		}
		pipe.XAdd(ctx, &redis.XAddArgs{
			Stream: p.streamName,
			MaxLen: p.maxLen,
			Approx: true,
			Values: map[string]any{
				"kind":    update.Kind,
				"payload": string(payload),
			},
		})
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("publish context updates: %w", err)
	}
	return nil
}

func (p *RedisProducer) Close() error {
	return p.client.Close()
}

func (p *RedisProducer) ensureStream(ctx context.Context) error {
	p.ensureMu.Lock()
	defer p.ensureMu.Unlock()
	if p.streamEnsured {
		return nil
	}

	keyType, err := p.client.Type(ctx, p.streamName).Result()
	if err != nil {
		return fmt.Errorf("inspect feed stream: %w", err)
	}
	switch keyType {
	case "none", "stream":
		p.streamEnsured = true
		return nil
	default:
		return fmt.Errorf("feed key %s has unsupported redis type=%s", p.streamName, keyType)
	}
}
