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

package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// Redis key layout:
//   - {prefix}job:{id}  JSON encoded job
//   - {prefix}jobs      set of job ids
const (
	jobKeyPattern  = "%sjob:%s"
	jobsSetPattern = "%sjobs"
)

// RedisClient is the subset of go-redis clients used by RedisStore. It is
// satisfied by *redis.Client, *redis.ClusterClient and redis.UniversalClient.
type RedisClient interface {
	redis.Cmdable
}

// RedisStore persists jobs in Redis so that several processes can inspect the
// same queue. Payloads round-trip through JSON; handlers should use Job.Bind.
type RedisStore struct {
	client RedisClient
	prefix string
}

var _ Store = (*RedisStore)(nil)

// NewRedisStore creates a store whose keys start with prefix. An empty prefix
// becomes "orchestra:queue:".
func NewRedisStore(client RedisClient, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "orchestra:queue:"
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) jobKey(id string) string {
	return fmt.Sprintf(jobKeyPattern, s.prefix, id)
}

func (s *RedisStore) setKey() string {
	return fmt.Sprintf(jobsSetPattern, s.prefix)
}

func (s *RedisStore) Put(ctx context.Context, job *Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to serialize job: %w", err)
	}
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.jobKey(job.ID), data, 0)
	pipe.SAdd(ctx, s.setKey(), job.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to save job to redis: %w", err)
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, id string) (*Job, error) {
	raw, err := s.client.Get(ctx, s.jobKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to get job from redis: %w", err)
	}
	return decodeJob(raw)
}

func (s *RedisStore) List(ctx context.Context) ([]*Job, error) {
	ids, err := s.client.SMembers(ctx, s.setKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs from redis: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.jobKey(id)
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load jobs from redis: %w", err)
	}

	jobs := make([]*Job, 0, len(values))
	for _, v := range values {
		str, ok := v.(string)
		if !ok {
			// removed between SMEMBERS and MGET
			continue
		}
		job, err := decodeJob([]byte(str))
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

func (s *RedisStore) Delete(ctx context.Context, id string) error {
	pipe := s.client.TxPipeline()
	del := pipe.Del(ctx, s.jobKey(id))
	pipe.SRem(ctx, s.setKey(), id)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to delete job from redis: %w", err)
	}
	if del.Val() == 0 {
		return ErrJobNotFound
	}
	return nil
}

func decodeJob(raw []byte) (*Job, error) {
	var job Job
	if err := json.Unmarshal(raw, &job); err != nil {
		return nil, fmt.Errorf("failed to deserialize job: %w", err)
	}
	return &job, nil
}
