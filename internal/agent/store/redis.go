package store

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	valkey "github.com/valkey-io/valkey-go"
)

const (
	namespaceRegistry = "store:namespaces"
	namespacePrefix   = "store:"
)

// RedisTLSConfig mirrors the TLS knobs exposed through configuration.
type RedisTLSConfig struct {
	Enabled bool
	CAFile  string
}

// RedisConfig carries valkey connection options for the durable store.
type RedisConfig struct {
	Address  string
	Username string
	Password string
	DB       int
	TLS      RedisTLSConfig
}

type redisStore struct {
	client valkey.Client
}

// NewRedis connects the durable backend. Each namespace maps to one hash so
// dropping a namespace is a single DEL; live namespaces are tracked in a set
// so activation can enumerate them without scanning the keyspace.
func NewRedis(cfg RedisConfig) (Store, error) {
	client, err := newValkeyClient(cfg)
	if err != nil {
		return nil, err
	}
	return &redisStore{client: client}, nil
}

func newValkeyClient(cfg RedisConfig) (valkey.Client, error) {
	if cfg.Address == "" {
		return nil, errors.New("store: redis address required")
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
				return nil, fmt.Errorf("store: read redis ca file: %w", err)
			}
			pool := x509.NewCertPool()
			if !pool.AppendCertsFromPEM(caData) {
				return nil, errors.New("store: redis ca file contains no certificates")
			}
			tlsConfig.RootCAs = pool
		}
		option.TLSConfig = tlsConfig
	}

	client, err := valkey.NewClient(option)
	if err != nil {
		return nil, fmt.Errorf("store: redis client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Do(ctx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()
		return nil, fmt.Errorf("store: redis ping: %w", err)
	}
	return client, nil
}

func namespaceKey(ns Namespace) string {
	return namespacePrefix + ns.String()
}

func (s *redisStore) Get(ctx context.Context, ns Namespace, key string) (Entry, bool, error) {
	resp := s.client.Do(ctx, s.client.B().Hget().Key(namespaceKey(ns)).Field(key).Build())
	if err := resp.Error(); err != nil {
		if errors.Is(err, valkey.Nil) {
			return Entry{}, false, nil
		}
		return Entry{}, false, fmt.Errorf("store: redis hget: %w", err)
	}
	payload, err := resp.AsBytes()
	if err != nil {
		return Entry{}, false, fmt.Errorf("store: redis hget bytes: %w", err)
	}
	var entry Entry
	if err := json.Unmarshal(payload, &entry); err != nil {
		return Entry{}, false, fmt.Errorf("store: redis unmarshal: %w", err)
	}
	return entry, true, nil
}

func (s *redisStore) Put(ctx context.Context, ns Namespace, key string, entry Entry) error {
	if entry.StoredAt.IsZero() {
		entry.StoredAt = time.Now().UTC()
	}
	payload, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("store: redis marshal: %w", err)
	}
	cmd := s.client.B().Hset().Key(namespaceKey(ns)).FieldValue().FieldValue(key, string(payload)).Build()
	if err := s.client.Do(ctx, cmd).Error(); err != nil {
		return fmt.Errorf("store: redis hset: %w", err)
	}
	register := s.client.B().Sadd().Key(namespaceRegistry).Member(ns.String()).Build()
	if err := s.client.Do(ctx, register).Error(); err != nil {
		return fmt.Errorf("store: redis register namespace: %w", err)
	}
	return nil
}

func (s *redisStore) Namespaces(ctx context.Context) ([]Namespace, error) {
	resp := s.client.Do(ctx, s.client.B().Smembers().Key(namespaceRegistry).Build())
	members, err := resp.AsStrSlice()
	if err != nil {
		return nil, fmt.Errorf("store: redis smembers: %w", err)
	}
	out := make([]Namespace, 0, len(members))
	for _, member := range members {
		ns, ok := ParseNamespace(member)
		if !ok {
			continue
		}
		out = append(out, ns)
	}
	return out, nil
}

func (s *redisStore) DropNamespace(ctx context.Context, ns Namespace) error {
	if err := s.client.Do(ctx, s.client.B().Del().Key(namespaceKey(ns)).Build()).Error(); err != nil {
		return fmt.Errorf("store: redis del namespace: %w", err)
	}
	unregister := s.client.B().Srem().Key(namespaceRegistry).Member(ns.String()).Build()
	if err := s.client.Do(ctx, unregister).Error(); err != nil {
		return fmt.Errorf("store: redis unregister namespace: %w", err)
	}
	return nil
}

func (s *redisStore) Len(ctx context.Context, ns Namespace) (int64, error) {
	resp := s.client.Do(ctx, s.client.B().Hlen().Key(namespaceKey(ns)).Build())
	size, err := resp.ToInt64()
	if err != nil {
		return 0, fmt.Errorf("store: redis hlen: %w", err)
	}
	return size, nil
}

func (s *redisStore) Close(context.Context) error {
	s.client.Close()
	return nil
}
