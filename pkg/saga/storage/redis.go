// Copyright © 2025 jackelyj <dreamerlyj@gmail.com>
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in
// all copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
// THE SOFTWARE.
//

package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/innovationmech/orchestra/pkg/logger"
	"github.com/innovationmech/orchestra/pkg/saga"
)

// DefaultRedisKeyPrefix namespaces every key written by RedisStore.
const DefaultRedisKeyPrefix = "orchestra:saga:"

// RedisConfig holds the connection settings for RedisStore.
type RedisConfig struct {
	Addr     string `mapstructure:"addr" validate:"required"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db" validate:"gte=0"`

	// KeyPrefix defaults to DefaultRedisKeyPrefix.
	KeyPrefix string `mapstructure:"key_prefix"`

	// TerminalTTL expires instances once they reach a terminal status.
	// Zero keeps them until deleted.
	TerminalTTL time.Duration `mapstructure:"terminal_ttl"`

	DialTimeout time.Duration `mapstructure:"dial_timeout"`
}

// RedisStore keeps each instance as a JSON string under {prefix}instance:{id}
// with two set indexes: {prefix}instances holds every id and
// {prefix}correlation:{cid} holds the ids sharing a correlation id.
type RedisStore struct {
	client      redis.Cmdable
	prefix      string
	terminalTTL time.Duration
	logger      *zap.Logger
}

var _ saga.Store = (*RedisStore)(nil)

// NewRedisStore wraps an existing client.
func NewRedisStore(client redis.Cmdable, prefix string, terminalTTL time.Duration) *RedisStore {
	if prefix == "" {
		prefix = DefaultRedisKeyPrefix
	}
	return &RedisStore{
		client:      client,
		prefix:      prefix,
		terminalTTL: terminalTTL,
		logger:      logger.OrGlobal(nil).Named("saga.storage.redis"),
	}
}

// OpenRedis dials Redis, verifies the connection and returns a store over it.
// The returned client is owned by the caller.
func OpenRedis(ctx context.Context, cfg *RedisConfig) (*RedisStore, *redis.Client, error) {
	if cfg == nil || cfg.Addr == "" {
		return nil, nil, errors.New("redis address is required")
	}
	client := redis.NewClient(&redis.Options{
		Addr:        cfg.Addr,
		Password:    cfg.Password,
		DB:          cfg.DB,
		DialTimeout: cfg.DialTimeout,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("ping redis %s: %w", cfg.Addr, err)
	}
	return NewRedisStore(client, cfg.KeyPrefix, cfg.TerminalTTL), client, nil
}

func (s *RedisStore) instanceKey(id string) string { return s.prefix + "instance:" + id }
func (s *RedisStore) indexKey() string             { return s.prefix + "instances" }
func (s *RedisStore) correlationKey(cid string) string {
	return s.prefix + "correlation:" + cid
}

func (s *RedisStore) Get(ctx context.Context, sagaID string) (*saga.Instance, error) {
	data, err := s.client.Get(ctx, s.instanceKey(sagaID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, saga.NewSagaNotFoundError(sagaID)
	}
	if err != nil {
		return nil, saga.NewStorageError("get", err)
	}
	return decodeInstance(data)
}

func (s *RedisStore) Put(ctx context.Context, instance *saga.Instance) error {
	if instance == nil || instance.ID == "" {
		return saga.NewValidationError("instance id is required")
	}
	data, err := encodeInstance(instance)
	if err != nil {
		return err
	}

	var ttl time.Duration
	if instance.Status.IsTerminal() {
		ttl = s.terminalTTL
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.instanceKey(instance.ID), data, ttl)
	pipe.SAdd(ctx, s.indexKey(), instance.ID)
	if instance.CorrelationID != "" {
		pipe.SAdd(ctx, s.correlationKey(instance.CorrelationID), instance.ID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return saga.NewStorageError("put", err)
	}
	return nil
}

func (s *RedisStore) ScanByCorrelation(ctx context.Context, correlationID string) ([]*saga.Instance, error) {
	return s.loadSet(ctx, s.correlationKey(correlationID))
}

func (s *RedisStore) List(ctx context.Context) ([]*saga.Instance, error) {
	return s.loadSet(ctx, s.indexKey())
}

// loadSet resolves the ids held in a set index. Ids whose instance key has
// expired are pruned from the index.
func (s *RedisStore) loadSet(ctx context.Context, setKey string) ([]*saga.Instance, error) {
	ids, err := s.client.SMembers(ctx, setKey).Result()
	if err != nil {
		return nil, saga.NewStorageError("scan", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.instanceKey(id)
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, saga.NewStorageError("scan", err)
	}

	out := make([]*saga.Instance, 0, len(values))
	var stale []interface{}
	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			stale = append(stale, ids[i])
			continue
		}
		inst, err := decodeInstance([]byte(raw))
		if err != nil {
			s.logger.Warn("Skipping undecodable saga", zap.String("saga_id", ids[i]), zap.Error(err))
			continue
		}
		out = append(out, inst)
	}
	if len(stale) > 0 {
		if err := s.client.SRem(ctx, setKey, stale...).Err(); err != nil {
			s.logger.Debug("Failed to prune stale saga ids", zap.Error(err))
		}
	}
	return out, nil
}

func (s *RedisStore) Delete(ctx context.Context, sagaID string) error {
	inst, err := s.Get(ctx, sagaID)
	if saga.IsSagaNotFound(err) {
		return s.client.SRem(ctx, s.indexKey(), sagaID).Err()
	}
	if err != nil {
		return err
	}

	pipe := s.client.TxPipeline()
	pipe.Del(ctx, s.instanceKey(sagaID))
	pipe.SRem(ctx, s.indexKey(), sagaID)
	if inst.CorrelationID != "" {
		pipe.SRem(ctx, s.correlationKey(inst.CorrelationID), sagaID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return saga.NewStorageError("delete", err)
	}
	return nil
}
