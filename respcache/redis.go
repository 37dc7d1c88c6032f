// Copyright 2025 The Authors (see AUTHORS file)
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package respcache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// redisKeyPrefix namespaces proxy entries in a possibly shared Redis.
const redisKeyPrefix = "cached:"

// Redis is a response store backed by a remote Redis. A "rediss" backend URL
// enables TLS via the client's URL parsing.
type Redis struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedis connects to the Redis named by rawURL and verifies the connection.
// Entries expire ttl after Set, enforced server-side with a single atomic
// SET ... EX.
func NewRedis(ctx context.Context, rawURL string, ttl time.Duration) (*Redis, error) {
	opt, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}
	client := redis.NewClient(opt)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &Redis{
		client: client,
		ttl:    ttl,
	}, nil
}

// Get returns the stored response for key, or (nil, nil) on a miss.
func (r *Redis) Get(ctx context.Context, key string) (*Response, error) {
	b, err := r.client.Get(ctx, redisKeyPrefix+key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read cached response: %w", err)
	}

	var resp Response
	if err := json.Unmarshal(b, &resp); err != nil {
		return nil, fmt.Errorf("failed to decode cached response: %w", err)
	}
	return &resp, nil
}

// Set stores the response under key with the configured expiry.
func (r *Redis) Set(ctx context.Context, key string, resp *Response) error {
	b, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("failed to encode response: %w", err)
	}

	if err := r.client.Set(ctx, redisKeyPrefix+key, b, r.ttl).Err(); err != nil {
		return fmt.Errorf("failed to write cached response: %w", err)
	}
	return nil
}

// Close releases the Redis client.
func (r *Redis) Close() error {
	if err := r.client.Close(); err != nil {
		return fmt.Errorf("failed to close redis client: %w", err)
	}
	return nil
}
