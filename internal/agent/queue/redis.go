package queue

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"time"

	valkey "github.com/valkey-io/valkey-go"
)

const (
	itemsKey   = "queue:items"
	counterKey = "queue:next_id"
)

// RedisTLSConfig mirrors the TLS knobs exposed through configuration.
type RedisTLSConfig struct {
	Enabled bool
	CAFile  string
}

// RedisConfig carries valkey connection options for the durable queue.
type RedisConfig struct {
	Address  string
	Username string
	Password string
	DB       int
	TLS      RedisTLSConfig
}

type redisQueue struct {
	client valkey.Client
}

// NewRedis connects the durable queue backend. Items live in one hash keyed by
// id; id assignment goes through INCR so ordering survives restarts and
// concurrent enqueuers.
func NewRedis(cfg RedisConfig) (Queue, error) {
	if cfg.Address == "" {
		return nil, errors.New("queue: redis address required")
	}

	option := valkey.ClientOption{
		InitAddress:       []string{cfg.Address},
		Username:          cfg.Username,
		Password:          cfg.Password,
		SelectDB:          cfg.DB,
		AlwaysRESP2:       true,
		ForceSingleClient: true,
		DisableCache:      true,
	}

	if cfg.TLS.Enabled {
		tlsConfig := &tls.Config{}
		if cfg.TLS.CAFile != "" {
			caData, err := os.ReadFile(cfg.TLS.CAFile)
			if err != nil {
				return nil, fmt.Errorf("queue: read redis ca file: %w", err)
			}
			pool := x509.NewCertPool()
			if !pool.AppendCertsFromPEM(caData) {
				return nil, errors.New("queue: redis ca file contains no certificates")
			}
			tlsConfig.RootCAs = pool
		}
		option.TLSConfig = tlsConfig
	}

	client, err := valkey.NewClient(option)
	if err != nil {
		return nil, fmt.Errorf("queue: redis client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Do(ctx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()
		return nil, fmt.Errorf("queue: redis ping: %w", err)
	}

	return &redisQueue{client: client}, nil
}

func (q *redisQueue) Enqueue(ctx context.Context, item Item) (uint64, error) {
	id, err := q.client.Do(ctx, q.client.B().Incr().Key(counterKey).Build()).ToInt64()
	if err != nil {
		return 0, fmt.Errorf("queue: redis incr: %w", err)
	}
	item.ID = uint64(id)
	if item.EnqueuedAt.IsZero() {
		item.EnqueuedAt = time.Now().UTC()
	}
	if err := q.write(ctx, item); err != nil {
		return 0, err
	}
	return item.ID, nil
}

func (q *redisQueue) write(ctx context.Context, item Item) error {
	payload, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("queue: redis marshal: %w", err)
	}
	field := strconv.FormatUint(item.ID, 10)
	cmd := q.client.B().Hset().Key(itemsKey).FieldValue().FieldValue(field, string(payload)).Build()
	if err := q.client.Do(ctx, cmd).Error(); err != nil {
		return fmt.Errorf("queue: redis hset: %w", err)
	}
	return nil
}

func (q *redisQueue) Items(ctx context.Context) ([]Item, error) {
	resp := q.client.Do(ctx, q.client.B().Hgetall().Key(itemsKey).Build())
	fields, err := resp.AsStrMap()
	if err != nil {
		return nil, fmt.Errorf("queue: redis hgetall: %w", err)
	}
	out := make([]Item, 0, len(fields))
	for _, raw := range fields {
		var item Item
		if err := json.Unmarshal([]byte(raw), &item); err != nil {
			return nil, fmt.Errorf("queue: redis unmarshal: %w", err)
		}
		out = append(out, item)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (q *redisQueue) Update(ctx context.Context, item Item) error {
	exists, err := q.exists(ctx, item.ID)
	if err != nil {
		return err
	}
	if !exists {
		return ErrNotFound
	}
	return q.write(ctx, item)
}

func (q *redisQueue) Remove(ctx context.Context, id uint64) error {
	field := strconv.FormatUint(id, 10)
	removed, err := q.client.Do(ctx, q.client.B().Hdel().Key(itemsKey).Field(field).Build()).ToInt64()
	if err != nil {
		return fmt.Errorf("queue: redis hdel: %w", err)
	}
	if removed == 0 {
		return ErrNotFound
	}
	return nil
}

func (q *redisQueue) exists(ctx context.Context, id uint64) (bool, error) {
	field := strconv.FormatUint(id, 10)
	resp := q.client.Do(ctx, q.client.B().Hexists().Key(itemsKey).Field(field).Build())
	exists, err := resp.AsBool()
	if err != nil {
		return false, fmt.Errorf("queue: redis hexists: %w", err)
	}
	return exists, nil
}

func (q *redisQueue) Len(ctx context.Context) (int64, error) {
	size, err := q.client.Do(ctx, q.client.B().Hlen().Key(itemsKey).Build()).ToInt64()
	if err != nil {
		return 0, fmt.Errorf("queue: redis hlen: %w", err)
	}
	return size, nil
}

func (q *redisQueue) Close(context.Context) error {
	q.client.Close()
	return nil
}
