// Copyright 2025 Matthew Gall <me@matthewgall.dev>
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// StatePublisher mirrors published snapshots to an external sink
type StatePublisher interface {
	Publish(ctx context.Context, snap *Snapshot) error
	Remove(ctx context.Context, targetID string) error
	Close() error
}

const (
	redisDialTimeout  = 5 * time.Second
	redisReadTimeout  = 3 * time.Second
	redisWriteTimeout = 3 * time.Second
)

// RedisPublisher writes each snapshot as JSON under vasmeter:target:<id>
type RedisPublisher struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisPublisher connects to Redis and validates the connection with PING
func NewRedisPublisher(addr, password string, db int, ttl time.Duration) (*RedisPublisher, error) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return nil, errors.New("redis: addr is empty")
	}
	if ttl <= 0 {
		ttl = DefaultRedisTTL
	}

	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  redisDialTimeout,
		ReadTimeout:  redisReadTimeout,
		WriteTimeout: redisWriteTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), redisDialTimeout)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis: ping %s: %w", addr, err)
	}

	return &RedisPublisher{client: client, ttl: ttl}, nil
}

func redisKey(targetID string) string {
	return RedisKeyPrefix + targetID
}

// Publish stores the snapshot with the configured TTL
func (p *RedisPublisher) Publish(ctx context.Context, snap *Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	return p.client.Set(ctx, redisKey(snap.TargetID), data, p.ttl).Err()
}

// Remove deletes the mirrored snapshot of a dropped target
func (p *RedisPublisher) Remove(ctx context.Context, targetID string) error {
	err := p.client.Del(ctx, redisKey(targetID)).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return err
	}
	return nil
}

// Close releases the connection pool
func (p *RedisPublisher) Close() error {
	return p.client.Close()
}
