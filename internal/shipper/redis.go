package shipper

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/workledger/go-core/internal/ledger"
)

// RedisConfig configures the Redis Stream exporter.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Stream   string `yaml:"stream"`
	// MaxLen trims the stream approximately; 0 keeps it unbounded.
	MaxLen int64 `yaml:"max_len"`
}

// DefaultRedisConfig returns the exporter defaults.
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Addr:   "localhost:6379",
		Stream: "audit:records",
		MaxLen: 100000,
	}
}

// RedisExporter publishes committed records to a Redis Stream, where the
// observability pipeline tails them. Entries are keyed by record ID so a
// downstream consumer can de-duplicate on redelivery.
type RedisExporter struct {
	client *redis.Client
	config RedisConfig
}

// NewRedisExporter creates a stream exporter.
func NewRedisExporter(cfg RedisConfig) (*RedisExporter, error) {
	if cfg.Stream == "" {
		return nil, fmt.Errorf("redis stream name is required")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return &RedisExporter{client: client, config: cfg}, nil
}

// Export implements Exporter.
func (e *RedisExporter) Export(ctx context.Context, rec *ledger.AuditRecord) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal record %s: %w", rec.ID, err)
	}
	args := &redis.XAddArgs{
		Stream: e.config.Stream,
		Approx: true,
		MaxLen: e.config.MaxLen,
		Values: map[string]interface{}{
			"record_id":   rec.ID.String(),
			"action":      rec.Action,
			"record_hash": rec.RecordHash,
			"payload":     string(payload),
		},
	}
	if err := e.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("xadd to %s: %w", e.config.Stream, err)
	}
	return nil
}

// Close releases the Redis connection.
func (e *RedisExporter) Close() error {
	return e.client.Close()
}
