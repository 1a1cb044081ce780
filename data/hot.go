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

package data

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/goccy/go-json"
	"github.com/papertrade/pt-api/observability/opentelemetry"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
)

// ErrHotMiss signals that no usable entry exists in the hot cache. Corrupt
// entries report a miss, never an error, so a poisoned cache cannot take the
// read path down.
var ErrHotMiss = errors.New("hot cache miss")

// scanCount is the per-iteration batch size for cursor scans.
const scanCount = 100

// HotConn is the minimal store surface the hot cache needs; *redis.Client
// satisfies it. Tests substitute an in-process fake.
type HotConn interface {
	Del(ctx context.Context, keys ...string) *redis.IntCmd
	Exists(ctx context.Context, keys ...string) *redis.IntCmd
	Get(ctx context.Context, key string) *redis.StringCmd
	Scan(ctx context.Context, cursor uint64, match string, count int64) *redis.ScanCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	TTL(ctx context.Context, key string) *redis.DurationCmd
}

// HotCache is the first price tier: a shared key/value store holding
// TTL-bounded quotes under `{prefix}:{TICKER}` and history ranges under
// `{prefix}:{TICKER}:history:{begin}:{end}:{interval}`. Values are
// self-describing JSON with string-typed decimals so entries written by one
// instance remain readable by every other.
type HotCache struct {
	conn   HotConn
	prefix string
}

// NewHotCache creates a hot cache over conn, namespaced by prefix.
func NewHotCache(conn HotConn, prefix string) *HotCache {
	return &HotCache{
		conn:   conn,
		prefix: prefix,
	}
}

// cachedPrice is the wire form of a PricePoint. Decimals travel as strings
// and timestamps as RFC-3339 text; the currency is always explicit.
type cachedPrice struct {
	Ticker    string  `json:"ticker"`
	Price     string  `json:"price"`
	Currency  string  `json:"currency"`
	Timestamp string  `json:"timestamp"`
	Source    string  `json:"source"`
	Interval  string  `json:"interval"`
	Open      *string `json:"open,omitempty"`
	High      *string `json:"high,omitempty"`
	Low       *string `json:"low,omitempty"`
	Close     *string `json:"close,omitempty"`
	Volume    *int64  `json:"volume,omitempty"`
}

func encodePrice(point *PricePoint) *cachedPrice {
	entry := &cachedPrice{
		Ticker:    point.Ticker,
		Price:     point.Price.Amount.String(),
		Currency:  point.Price.Currency,
		Timestamp: point.Timestamp.UTC().Format(time.RFC3339Nano),
		Source:    string(point.Source),
		Interval:  string(point.Interval),
	}

	if point.Open != nil && point.High != nil && point.Low != nil && point.Close != nil {
		open := point.Open.Amount.String()
		high := point.High.Amount.String()
		low := point.Low.Amount.String()
		closePrice := point.Close.Amount.String()
		entry.Open = &open
		entry.High = &high
		entry.Low = &low
		entry.Close = &closePrice
	}

	if point.Volume != nil {
		volume := *point.Volume
		entry.Volume = &volume
	}

	return entry
}

// decode reconstructs a validated PricePoint from its wire form.
func (entry *cachedPrice) decode() (*PricePoint, error) {
	price, err := ParseMoney(entry.Price, entry.Currency)
	if err != nil {
		return nil, err
	}

	timestamp, err := time.Parse(time.RFC3339Nano, entry.Timestamp)
	if err != nil {
		return nil, fmt.Errorf("%w: cannot parse timestamp %q", ErrInvalidPriceData, entry.Timestamp)
	}

	point, err := NewPricePoint(entry.Ticker, price, timestamp.UTC(), Source(entry.Source), Interval(entry.Interval))
	if err != nil {
		return nil, err
	}

	if entry.Open != nil && entry.High != nil && entry.Low != nil && entry.Close != nil {
		open, err := ParseMoney(*entry.Open, entry.Currency)
		if err != nil {
			return nil, err
		}
		high, err := ParseMoney(*entry.High, entry.Currency)
		if err != nil {
			return nil, err
		}
		low, err := ParseMoney(*entry.Low, entry.Currency)
		if err != nil {
			return nil, err
		}
		closePrice, err := ParseMoney(*entry.Close, entry.Currency)
		if err != nil {
			return nil, err
		}
		point, err = point.WithOHLC(open, high, low, closePrice)
		if err != nil {
			return nil, err
		}
	}

	if entry.Volume != nil {
		point, err = point.WithVolume(*entry.Volume)
		if err != nil {
			return nil, err
		}
	}

	return point, nil
}

func (h *HotCache) latestKey(ticker string) string {
	return fmt.Sprintf("%s:%s", h.prefix, strings.ToUpper(ticker))
}

func (h *HotCache) historyKey(ticker string, dates *DateRange, interval Interval) string {
	return fmt.Sprintf("%s:%s:history:%s:%s:%s", h.prefix, strings.ToUpper(ticker),
		dates.Begin.Format("2006-01-02"), dates.End.Format("2006-01-02"), interval)
}

// parseHistoryKey extracts the inclusive date range embedded in a history
// key. The prefix may itself contain separators so segments are taken from
// the right. Malformed keys report ok = false and are skipped by callers.
func parseHistoryKey(key string) (*DateRange, bool) {
	parts := strings.Split(key, ":")
	if len(parts) < 5 || parts[len(parts)-4] != "history" {
		return nil, false
	}

	begin, err := time.Parse("2006-01-02", parts[len(parts)-3])
	if err != nil {
		return nil, false
	}

	end, err := time.Parse("2006-01-02", parts[len(parts)-2])
	if err != nil {
		return nil, false
	}

	return NewDateRange(begin, end), true
}

// GetLatest returns the cached quote for ticker, or ErrHotMiss when the key
// is absent, expired, or holds an entry that no longer decodes.
func (h *HotCache) GetLatest(ctx context.Context, ticker string) (*PricePoint, error) {
	ctx, span := otel.Tracer(opentelemetry.Name).Start(ctx, "hot.GetLatest")
	defer span.End()

	raw, err := h.conn.Get(ctx, h.latestKey(ticker)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrHotMiss
		}
		return nil, err
	}

	var entry cachedPrice
	if err := json.Unmarshal([]byte(raw), &entry); err != nil {
		log.Warn().Err(err).Str("Ticker", ticker).Msg("discarding corrupt hot cache entry")
		return nil, ErrHotMiss
	}

	point, err := entry.decode()
	if err != nil {
		log.Warn().Err(err).Str("Ticker", ticker).Msg("discarding corrupt hot cache entry")
		return nil, ErrHotMiss
	}

	return point, nil
}

// PutLatest stores the quote under the latest-key with the given TTL.
func (h *HotCache) PutLatest(ctx context.Context, point *PricePoint, ttl time.Duration) error {
	ctx, span := otel.Tracer(opentelemetry.Name).Start(ctx, "hot.PutLatest")
	defer span.End()

	payload, err := json.Marshal(encodePrice(point))
	if err != nil {
		return err
	}

	return h.conn.Set(ctx, h.latestKey(point.Ticker), payload, ttl).Err()
}

// GetHistory returns cached history covering dates. An exact-key lookup is
// the fast path; on miss a cursor scan looks for any cached range that fully
// contains the request, and the first such entry is filtered down to the
// requested dates. Corrupt keys and payloads are skipped; if filtering an
// entry leaves nothing the scan continues with the next candidate.
func (h *HotCache) GetHistory(ctx context.Context, ticker string, dates *DateRange, interval Interval) ([]*PricePoint, error) {
	ctx, span := otel.Tracer(opentelemetry.Name).Start(ctx, "hot.GetHistory")
	defer span.End()

	points, err := h.historyAt(ctx, h.historyKey(ticker, dates, interval), dates)
	if err == nil {
		return points, nil
	}
	if !errors.Is(err, ErrHotMiss) {
		return nil, err
	}

	pattern := fmt.Sprintf("%s:%s:history:*:*:%s", h.prefix, strings.ToUpper(ticker), interval)
	var cursor uint64
	for {
		keys, next, err := h.conn.Scan(ctx, cursor, pattern, scanCount).Result()
		if err != nil {
			return nil, err
		}

		for _, key := range keys {
			cached, ok := parseHistoryKey(key)
			if !ok {
				continue
			}
			if !cached.Contains(dates) {
				continue
			}
			points, err := h.historyAt(ctx, key, dates)
			if err != nil {
				// vanished, corrupt, or empty after filtering
				continue
			}
			return points, nil
		}

		cursor = next
		if cursor == 0 {
			break
		}
	}

	return nil, ErrHotMiss
}

// historyAt loads the list stored at key and filters it to dates. Missing
// keys, corrupt payloads, and empty filtered results all report ErrHotMiss
// so the caller can move on to the next candidate.
func (h *HotCache) historyAt(ctx context.Context, key string, dates *DateRange) ([]*PricePoint, error) {
	raw, err := h.conn.Get(ctx, key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrHotMiss
		}
		return nil, err
	}

	var entries []*cachedPrice
	if err := json.Unmarshal([]byte(raw), &entries); err != nil {
		log.Warn().Err(err).Str("Key", key).Msg("discarding corrupt hot cache entry")
		return nil, ErrHotMiss
	}

	points := make([]*PricePoint, 0, len(entries))
	for _, entry := range entries {
		point, err := entry.decode()
		if err != nil {
			log.Warn().Err(err).Str("Key", key).Msg("skipping corrupt point in cached history")
			continue
		}
		if !dates.InRange(point.Timestamp) {
			continue
		}
		points = append(points, point)
	}

	if len(points) == 0 {
		return nil, ErrHotMiss
	}

	return points, nil
}

// PutHistory stores the list under the exact key for dates with the given
// TTL.
func (h *HotCache) PutHistory(ctx context.Context, ticker string, dates *DateRange, interval Interval, points []*PricePoint, ttl time.Duration) error {
	ctx, span := otel.Tracer(opentelemetry.Name).Start(ctx, "hot.PutHistory")
	defer span.End()

	entries := make([]*cachedPrice, 0, len(points))
	for _, point := range points {
		entries = append(entries, encodePrice(point))
	}

	payload, err := json.Marshal(entries)
	if err != nil {
		return err
	}

	return h.conn.Set(ctx, h.historyKey(ticker, dates, interval), payload, ttl).Err()
}

// Delete removes the latest-key for ticker.
func (h *HotCache) Delete(ctx context.Context, ticker string) error {
	return h.conn.Del(ctx, h.latestKey(ticker)).Err()
}

// Exists reports whether a latest-key is present for ticker.
func (h *HotCache) Exists(ctx context.Context, ticker string) (bool, error) {
	n, err := h.conn.Exists(ctx, h.latestKey(ticker)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// TTL returns the remaining time-to-live of the latest-key for ticker.
func (h *HotCache) TTL(ctx context.Context, ticker string) (time.Duration, error) {
	return h.conn.TTL(ctx, h.latestKey(ticker)).Result()
}
