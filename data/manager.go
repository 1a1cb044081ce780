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
	"sync"
	"time"

	"github.com/papertrade/pt-api/calendar"
	"github.com/papertrade/pt-api/common"
	"github.com/papertrade/pt-api/observability/opentelemetry"
	"github.com/papertrade/pt-api/ratelimit"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
	"go.opentelemetry.io/otel"
)

const (
	// hotFreshFor is how long a hot cache entry is considered current. It
	// doubles as the hot TTL for freshly fetched or warm-served quotes.
	hotFreshFor = time.Hour

	// warmFreshFor is the maximum age a warm store row may have and still be
	// served as the current price during trading hours.
	warmFreshFor = 4 * time.Hour

	// closedPriceTTL is the hot TTL for last-close prices served while the
	// markets are closed; they stay valid until at least the next open.
	closedPriceTTL = 2 * time.Hour
)

// errRefreshDenied signals that the rate limiter did not grant a token for a
// history refresh. It never escapes the manager.
var errRefreshDenied = errors.New("upstream quota exhausted")

// Manager serves prices from a tiered hierarchy: hot cache, then warm store,
// then the upstream provider, spending rate-limit tokens only when both
// caches miss. All reads degrade gracefully when a tier is unavailable.
type Manager struct {
	hot      hotTier
	warm     warmTier
	limiter  tokenBucket
	provider quoteProvider

	historyTTL time.Duration
	nowFn      func() time.Time
}

var _ MarketData = (*Manager)(nil)

var (
	managerOnce     sync.Once
	managerInstance *Manager
)

// NewManager assembles a manager from its tiers. The hot TTL for history
// ranges comes from the hot.default_ttl setting.
func NewManager(hot hotTier, warm warmTier, limiter tokenBucket, provider quoteProvider) *Manager {
	historyTTL := viper.GetDuration("hot.default_ttl")
	if historyTTL <= 0 {
		historyTTL = time.Hour
	}

	return &Manager{
		hot:        hot,
		warm:       warm,
		limiter:    limiter,
		provider:   provider,
		historyTTL: historyTTL,
		nowFn:      func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the manager's notion of now; tests use it to pin
// freshness windows to a fixed instant.
func (manager *Manager) SetClock(nowFn func() time.Time) {
	manager.nowFn = nowFn
}

// GetManagerInstance returns the process-wide manager, wiring it from viper
// configuration on first use.
func GetManagerInstance() *Manager {
	managerOnce.Do(func() {
		hotPrefix := viper.GetString("hot.key_prefix")
		if hotPrefix == "" {
			hotPrefix = "pt:price"
		}
		ratePrefix := viper.GetString("rate.key_prefix")
		if ratePrefix == "" {
			ratePrefix = "pt:rate:alphavantage"
		}

		limiter, err := ratelimit.New(common.Redis(), ratePrefix,
			viper.GetInt("rate.calls_per_minute"), viper.GetInt("rate.calls_per_day"))
		if err != nil {
			log.Panic().Err(err).Msg("could not construct upstream rate limiter")
		}

		managerInstance = NewManager(
			NewHotCache(common.Redis(), hotPrefix),
			NewWarmStore(),
			limiter,
			NewAlphaVantage(),
		)
	})
	return managerInstance
}

// GetCurrent returns the freshest price available for ticker. Lookup order is
// hot cache (fresh within 1 hour), warm store (fresh within 4 hours), the
// last close when markets are closed, and finally the upstream provider. A
// stale hot entry is preferred over failing when the upstream cannot be
// reached or the quota is exhausted.
func (manager *Manager) GetCurrent(ctx context.Context, ticker string) (*PricePoint, error) {
	ctx, span := otel.Tracer(opentelemetry.Name).Start(ctx, "manager.GetCurrent")
	defer span.End()

	if !ValidTicker(ticker) {
		return nil, ErrInvalidTicker
	}

	subLog := log.With().Str("Ticker", ticker).Logger()
	now := manager.nowFn()

	// Tier 1: hot cache. Keep a stale entry around as a fallback of last
	// resort.
	var stale *PricePoint
	if point, err := manager.hot.GetLatest(ctx, ticker); err == nil {
		if point.Age(now) <= hotFreshFor {
			return point.WithSource(SourceHotCache), nil
		}
		stale = point
	} else if !errors.Is(err, ErrHotMiss) {
		subLog.Warn().Err(err).Msg("hot cache unavailable")
	}

	// Tier 2: warm store, with write-through on a hit.
	if point, err := manager.warm.GetLatest(ctx, ticker, warmFreshFor); err == nil {
		manager.writeHot(ctx, point, hotFreshFor)
		return point.WithSource(SourceWarmStore), nil
	} else if !errors.Is(err, ErrWarmMiss) {
		subLog.Warn().Err(err).Msg("warm store lookup failed")
	}

	// When markets are closed there is nothing fresher than the last close;
	// don't waste quota asking the upstream for it.
	lastClose := calendar.LastTradingDayAt(now)
	if beforeDate(lastClose, now) {
		if point, err := manager.warm.PriceAt(ctx, ticker, lastClose); err == nil {
			manager.writeHot(ctx, point, closedPriceTTL)
			return point.WithSource(SourceWarmStore), nil
		} else if !errors.Is(err, ErrWarmMiss) {
			subLog.Warn().Err(err).Msg("warm store lookup failed")
		}
		if stale != nil {
			return stale.WithSource(SourceHotCache), nil
		}
		return nil, ErrMarketsClosed
	}

	// Tier 3: upstream, guarded by the token bucket.
	if !manager.consentToFetch(ctx) {
		if stale != nil {
			subLog.Warn().Msg("upstream quota exhausted, serving stale cache entry")
			return stale.WithSource(SourceHotCache), nil
		}
		return nil, manager.rateLimited(ctx)
	}

	point, err := manager.provider.Quote(ctx, ticker)
	if err != nil {
		if stale != nil {
			subLog.Warn().Err(err).Msg("upstream fetch failed, serving stale cache entry")
			return stale.WithSource(SourceHotCache), nil
		}
		return nil, err
	}

	manager.writeHot(ctx, point, hotFreshFor)
	if err := manager.warm.Upsert(ctx, point); err != nil {
		subLog.Warn().Err(err).Msg("could not persist quote to warm store")
	}
	return point, nil
}

// GetBatch resolves many tickers at once: first everything fresh in the hot
// cache, then the warm store, and only then one-at-a-time fetches for the
// stragglers. Tickers that cannot be resolved are logged and omitted from
// the result.
func (manager *Manager) GetBatch(ctx context.Context, tickers []string) map[string]*PricePoint {
	ctx, span := otel.Tracer(opentelemetry.Name).Start(ctx, "manager.GetBatch")
	defer span.End()

	now := manager.nowFn()
	result := make(map[string]*PricePoint, len(tickers))
	seen := make(map[string]bool, len(tickers))

	remaining := make([]string, 0, len(tickers))
	for _, ticker := range tickers {
		if seen[ticker] {
			continue
		}
		seen[ticker] = true
		if point, err := manager.hot.GetLatest(ctx, ticker); err == nil && point.Age(now) <= hotFreshFor {
			result[ticker] = point.WithSource(SourceHotCache)
			continue
		}
		remaining = append(remaining, ticker)
	}

	stragglers := make([]string, 0, len(remaining))
	for _, ticker := range remaining {
		if point, err := manager.warm.GetLatest(ctx, ticker, warmFreshFor); err == nil {
			manager.writeHot(ctx, point, hotFreshFor)
			result[ticker] = point.WithSource(SourceWarmStore)
			continue
		}
		stragglers = append(stragglers, ticker)
	}

	for _, ticker := range stragglers {
		point, err := manager.GetCurrent(ctx, ticker)
		if err != nil {
			log.Warn().Err(err).Str("Ticker", ticker).Msg("could not resolve ticker in batch")
			continue
		}
		result[ticker] = point
	}

	return result
}

// GetPriceAt returns the last price at or before instant. Historical point
// lookups are answered from the warm store alone; requests for future
// instants are rejected.
func (manager *Manager) GetPriceAt(ctx context.Context, ticker string, instant time.Time) (*PricePoint, error) {
	ctx, span := otel.Tracer(opentelemetry.Name).Start(ctx, "manager.GetPriceAt")
	defer span.End()

	if !ValidTicker(ticker) {
		return nil, ErrInvalidTicker
	}
	if instant.After(manager.nowFn()) {
		return nil, ErrFutureTimestamp
	}

	point, err := manager.warm.PriceAt(ctx, ticker, instant)
	if err != nil {
		if errors.Is(err, ErrWarmMiss) {
			return nil, ErrNoDataAtInstant
		}
		return nil, err
	}
	return point, nil
}

// GetHistory returns price points in dates at the requested interval,
// ascending by timestamp. Daily ranges that look incomplete are refreshed
// from the upstream (subject to the rate limit); other intervals are served
// from whatever the warm store has. No data in range is not an error.
func (manager *Manager) GetHistory(ctx context.Context, ticker string, dates *DateRange, interval Interval) ([]*PricePoint, error) {
	ctx, span := otel.Tracer(opentelemetry.Name).Start(ctx, "manager.GetHistory")
	defer span.End()

	if !ValidTicker(ticker) {
		return nil, ErrInvalidTicker
	}
	if !interval.Valid() {
		return nil, ErrInvalidInterval
	}
	if err := dates.Valid(); err != nil {
		return nil, err
	}

	subLog := log.With().Str("Ticker", ticker).Time("Begin", dates.Begin).
		Time("End", dates.End).Str("Interval", string(interval)).Logger()

	// A cached range that covers the request answers it outright.
	if points, err := manager.hot.GetHistory(ctx, ticker, dates, interval); err == nil {
		tagged := make([]*PricePoint, 0, len(points))
		for _, point := range points {
			tagged = append(tagged, point.WithSource(SourceHotCache))
		}
		return tagged, nil
	} else if !errors.Is(err, ErrHotMiss) {
		subLog.Warn().Err(err).Msg("hot cache history lookup failed")
	}

	points, err := manager.warm.History(ctx, ticker, dates, interval)
	if err != nil {
		return nil, err
	}

	// Only daily bars can be backfilled from the upstream.
	if interval != Interval1Day {
		manager.writeHotHistory(ctx, ticker, dates, interval, points)
		return points, nil
	}

	if manager.historyComplete(points, dates, manager.nowFn()) {
		manager.writeHotHistory(ctx, ticker, dates, interval, points)
		return points, nil
	}

	refreshed, err := manager.refreshDailyHistory(ctx, ticker, dates)
	switch {
	case err == nil:
		manager.writeHotHistory(ctx, ticker, dates, interval, refreshed)
		return refreshed, nil
	case errors.Is(err, errRefreshDenied):
		subLog.Warn().Msg("upstream quota exhausted, withholding incomplete range")
		return []*PricePoint{}, nil
	default:
		if len(points) == 0 {
			return nil, err
		}
		subLog.Warn().Err(err).Msg("history refresh failed, withholding incomplete range")
		return []*PricePoint{}, nil
	}
}

// SupportedTickers lists every ticker the warm store has prices for.
func (manager *Manager) SupportedTickers(ctx context.Context) ([]string, error) {
	ctx, span := otel.Tracer(opentelemetry.Name).Start(ctx, "manager.SupportedTickers")
	defer span.End()

	tickers, err := manager.warm.AllTickers(ctx)
	if err != nil {
		log.Error().Err(err).Msg("could not enumerate supported tickers")
		return nil, fmt.Errorf("%w: ticker enumeration failed", ErrMarketDataUnavailable)
	}
	return tickers, nil
}

// historyComplete reports whether cached daily points plausibly cover the
// requested range: the earliest point falls within a day of the range start,
// the latest within a day of the effective end (the range end clamped to the
// last trading day), and windows of a month or less carry a plausible
// trading-day density (5 trading days per 7 calendar days, with 30% slack).
func (manager *Manager) historyComplete(points []*PricePoint, dates *DateRange, now time.Time) bool {
	if len(points) == 0 {
		return false
	}

	earliest := points[0].Timestamp
	latest := points[len(points)-1].Timestamp

	if earliest.After(dates.Begin.Add(24 * time.Hour)) {
		return false
	}

	effectiveEnd := dates.End
	if lastClose := calendar.LastTradingDayAt(now); lastClose.Before(effectiveEnd) {
		effectiveEnd = lastClose
	}
	if latest.Before(effectiveEnd.Add(-24 * time.Hour)) {
		return false
	}

	if window := dates.End.Sub(dates.Begin); window <= 30*24*time.Hour {
		expected := window.Hours() / 24 * 5 / 7
		if float64(len(points)) < 0.7*expected {
			return false
		}
	}

	return true
}

// refreshDailyHistory spends a token to pull the full daily series for
// ticker, persists every returned bar to the warm store, and returns the
// bars inside dates. errRefreshDenied reports that no token was granted.
func (manager *Manager) refreshDailyHistory(ctx context.Context, ticker string, dates *DateRange) ([]*PricePoint, error) {
	if !manager.consentToFetch(ctx) {
		return nil, errRefreshDenied
	}

	history, err := manager.provider.DailyHistory(ctx, ticker)
	if err != nil {
		return nil, err
	}

	if err := manager.warm.UpsertMany(ctx, history); err != nil {
		log.Warn().Err(err).Str("Ticker", ticker).Msg("could not persist refreshed history to warm store")
	}

	filtered := make([]*PricePoint, 0, len(history))
	for _, point := range history {
		if dates.InRange(point.Timestamp) {
			filtered = append(filtered, point)
		}
	}
	return filtered, nil
}

// consentToFetch runs the advisory check followed by the authoritative token
// draw. Either refusing, or the limiter being unreachable, vetoes the fetch.
func (manager *Manager) consentToFetch(ctx context.Context) bool {
	ok, err := manager.limiter.CanProceed(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("rate limiter unavailable")
		return false
	}
	if !ok {
		return false
	}

	ok, err = manager.limiter.Consume(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("rate limiter unavailable")
		return false
	}
	return ok
}

// rateLimited builds the retry-after error surfaced when the quota is
// exhausted and no cached fallback exists.
func (manager *Manager) rateLimited(ctx context.Context) error {
	wait, err := manager.limiter.WaitTime(ctx)
	if err != nil {
		// Limiter unreachable; hint at the shortest bucket horizon.
		wait = time.Minute
	}
	return &RateLimitError{RetryAfter: wait}
}

func (manager *Manager) writeHot(ctx context.Context, point *PricePoint, ttl time.Duration) {
	if err := manager.hot.PutLatest(ctx, point, ttl); err != nil {
		log.Warn().Err(err).Str("Ticker", point.Ticker).Msg("could not write price to hot cache")
	}
}

func (manager *Manager) writeHotHistory(ctx context.Context, ticker string, dates *DateRange, interval Interval, points []*PricePoint) {
	if len(points) == 0 {
		return
	}
	if err := manager.hot.PutHistory(ctx, ticker, dates, interval, points, manager.historyTTL); err != nil {
		log.Warn().Err(err).Str("Ticker", ticker).Msg("could not write history to hot cache")
	}
}

// beforeDate reports whether a falls on an earlier calendar date than b.
func beforeDate(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	if ay != by {
		return ay < by
	}
	if am != bm {
		return am < bm
	}
	return ad < bd
}
