// Copyright 2022
// SPDX-License-Identifier: Apache-2.0
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

package common

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	lru "github.com/hashicorp/golang-lru"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

var (
	redisOnce sync.Once
	rdb       *redis.Client

	localOnce  sync.Once
	localCache *lru.Cache
)

var ErrCacheMiss = errors.New("cache miss")

// Redis returns the process-wide redis client, creating it on first use.
// The client is shared by the hot price cache, the rate limiter and the
// response cache; creation is race-safe.
func Redis() *redis.Client {
	redisOnce.Do(func() {
		opt, err := redis.ParseURL(viper.GetString("cache.redis_url"))
		if err != nil {
			log.Panic().Err(err).Msg("could not parse redis URL")
		}
		rdb = redis.NewClient(opt)
	})
	return rdb
}

// SetupCache eagerly initializes the redis client and the in-process LRU.
// Calling it more than once is harmless; subsequent calls log a warning.
func SetupCache() {
	if rdb != nil && localCache != nil {
		log.Warn().Msg("cache already initialized")
		return
	}
	Redis()
	local()
}

func local() *lru.Cache {
	localOnce.Do(func() {
		size := viper.GetInt("cache.local_size")
		if size == 0 {
			size = 1024
		}
		var err error
		localCache, err = lru.New(size)
		if err != nil {
			log.Panic().Err(err).Msg("could not create LRU cache")
		}
	})
	return localCache
}

// CacheSet stores an lz4-compressed value in the local LRU and redis. It is
// intended for derived response payloads, not for the hot price keys, which
// carry their own wire format.
func CacheSet(ctx context.Context, key string, val []byte) error {
	compressed, err := Compress(val)
	if err != nil {
		return err
	}
	local().Add(key, compressed)

	expires := viper.GetDuration("cache.ttl")
	if expires == 0 {
		expires = 10 * time.Minute
	}
	return Redis().Set(ctx, key, compressed, expires).Err()
}

func CacheGet(ctx context.Context, key string) ([]byte, error) {
	if val, ok := local().Get(key); ok {
		if compressed, ok := val.([]byte); ok {
			return Decompress(compressed)
		}
	}

	compressed, err := Redis().Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrCacheMiss
		}
		return nil, err
	}

	local().Add(key, compressed)
	return Decompress(compressed)
}

func CacheDelete(ctx context.Context, key string) {
	local().Remove(key)
	if err := Redis().Del(ctx, key).Err(); err != nil {
		log.Warn().Err(err).Str("Key", key).Msg("could not delete cache key")
	}
}
