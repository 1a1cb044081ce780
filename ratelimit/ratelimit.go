// Copyright 2022
// SPDX-License-Identifier: Apache-2.0
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package ratelimit implements a distributed dual-window token bucket over a
// shared key/value store. Two counters gate every request: one refilling each
// minute and one each day. A request may proceed only while both buckets hold
// tokens; consuming decrements both atomically so concurrent processes can
// never overdraw the upstream quota.
package ratelimit

import (
	"context"
	"errors"
	"time"

	"github.com/go-redis/redis/v8"
)

const (
	minuteWindow = time.Minute
	dayWindow    = 24 * time.Hour
)

var ErrInvalidLimit = errors.New("rate limit capacities must be positive")

// consumeScript checks and decrements both buckets as a single atomic action.
// A missing key counts as a full bucket. On success both TTLs are refreshed
// to their window length; a denied request leaves the store untouched.
var consumeScript = redis.NewScript(`
local minute = tonumber(redis.call("GET", KEYS[1]))
if minute == nil then
	minute = tonumber(ARGV[1])
end

local day = tonumber(redis.call("GET", KEYS[2]))
if day == nil then
	day = tonumber(ARGV[2])
end

if minute <= 0 or day <= 0 then
	return 0
end

redis.call("SET", KEYS[1], minute - 1, "EX", tonumber(ARGV[3]))
redis.call("SET", KEYS[2], day - 1, "EX", tonumber(ARGV[4]))
return 1
`)

// Conn is the minimal store surface the limiter needs; *redis.Client
// satisfies it. Tests substitute an in-process fake.
type Conn interface {
	redis.Scripter

	Get(ctx context.Context, key string) *redis.StringCmd
	TTL(ctx context.Context, key string) *redis.DurationCmd
}

// Limiter is a dual-window token bucket keyed by a caller-supplied prefix,
// enabling isolation per upstream.
type Limiter struct {
	conn        Conn
	prefix      string
	minuteLimit int
	dayLimit    int
}

// New creates a Limiter enforcing the given per-minute and per-day call
// capacities. Capacities must be strictly positive.
func New(conn Conn, prefix string, callsPerMinute, callsPerDay int) (*Limiter, error) {
	if callsPerMinute <= 0 || callsPerDay <= 0 {
		return nil, ErrInvalidLimit
	}

	return &Limiter{
		conn:        conn,
		prefix:      prefix,
		minuteLimit: callsPerMinute,
		dayLimit:    callsPerDay,
	}, nil
}

// CanProceed is a read-only probe: true while both buckets hold tokens. It
// never decrements; a subsequent Consume may still lose the race.
func (limiter *Limiter) CanProceed(ctx context.Context) (bool, error) {
	minute, day, err := limiter.Remaining(ctx)
	if err != nil {
		return false, err
	}
	return minute > 0 && day > 0, nil
}

// Consume atomically decrements both buckets and refreshes both TTLs to
// their window length. It returns true iff both tokens were taken.
func (limiter *Limiter) Consume(ctx context.Context) (bool, error) {
	res, err := consumeScript.Run(ctx, limiter.conn,
		[]string{limiter.minuteKey(), limiter.dayKey()},
		limiter.minuteLimit,
		limiter.dayLimit,
		int(minuteWindow.Seconds()),
		int(dayWindow.Seconds()),
	).Int()
	if err != nil {
		return false, err
	}
	return res == 1, nil
}

// WaitTime returns how long the caller should wait before tokens are
// available: zero when both buckets hold tokens, otherwise the smallest
// remaining TTL among the exhausted buckets. An exhausted bucket whose key
// has already expired contributes zero since it refills on the next write.
func (limiter *Limiter) WaitTime(ctx context.Context) (time.Duration, error) {
	minute, day, err := limiter.Remaining(ctx)
	if err != nil {
		return 0, err
	}

	var wait time.Duration

	if minute <= 0 {
		ttl, err := limiter.conn.TTL(ctx, limiter.minuteKey()).Result()
		if err != nil {
			return 0, err
		}
		if ttl > 0 {
			wait = ttl
		}
	}

	if day <= 0 {
		ttl, err := limiter.conn.TTL(ctx, limiter.dayKey()).Result()
		if err != nil {
			return 0, err
		}
		if ttl > 0 && (wait == 0 || ttl < wait) {
			wait = ttl
		}
	}

	return wait, nil
}

// Remaining reports the tokens left in the minute and day buckets.
func (limiter *Limiter) Remaining(ctx context.Context) (int, int, error) {
	minute, err := limiter.bucket(ctx, limiter.minuteKey(), limiter.minuteLimit)
	if err != nil {
		return 0, 0, err
	}

	day, err := limiter.bucket(ctx, limiter.dayKey(), limiter.dayLimit)
	if err != nil {
		return 0, 0, err
	}

	return minute, day, nil
}

func (limiter *Limiter) bucket(ctx context.Context, key string, limit int) (int, error) {
	val, err := limiter.conn.Get(ctx, key).Int()
	if errors.Is(err, redis.Nil) {
		// counter defaults to the configured capacity
		return limit, nil
	}
	if err != nil {
		return 0, err
	}
	return val, nil
}

func (limiter *Limiter) minuteKey() string {
	return limiter.prefix + ":minute"
}

func (limiter *Limiter) dayKey() string {
	return limiter.prefix + ":day"
}
