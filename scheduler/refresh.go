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

// Package scheduler runs the background jobs that keep the price tiers warm:
// a nightly refresh of every active ticker, an intraday warmup of stale
// watchlist entries, and the daily portfolio snapshot sweep.
package scheduler

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
	"go.opentelemetry.io/otel"

	"github.com/papertrade/pt-api/data"
	"github.com/papertrade/pt-api/observability/opentelemetry"
)

// quoteGetter is the slice of the market-data manager the jobs drive;
// refreshing through GetCurrent keeps every tier write-through policy intact.
type quoteGetter interface {
	GetCurrent(ctx context.Context, ticker string) (*data.PricePoint, error)
}

type refreshWatchlist interface {
	ActiveAll(ctx context.Context) ([]*data.WatchlistEntry, error)
	Stale(ctx context.Context, limit int) ([]*data.WatchlistEntry, error)
	TouchRefresh(ctx context.Context, ticker string, now, nextAt time.Time) error
}

// recentTickers reports tickers that appeared in portfolio transactions
// after the given instant.
type recentTickers interface {
	DistinctTickersSince(ctx context.Context, since time.Time) ([]string, error)
}

// RefreshJob walks the union of the active watchlist and recently traded
// tickers, re-priming the caches one batch at a time. At most one run is in
// flight at any moment; concurrent invocations return immediately.
type RefreshJob struct {
	provider  quoteGetter
	watchlist refreshWatchlist
	txns      recentTickers

	batchSize  int
	batchDelay time.Duration
	maxAge     time.Duration
	window     time.Duration

	running sync.Mutex
	sleepFn func(time.Duration)
	nowFn   func() time.Time
}

// NewRefreshJob builds the active-ticker refresh job. Batch sizing and pacing
// come from the refresh.* settings.
func NewRefreshJob(provider quoteGetter, watchlist refreshWatchlist, txns recentTickers) *RefreshJob {
	batchSize := viper.GetInt("refresh.batch_size")
	if batchSize <= 0 {
		batchSize = 5
	}
	batchDelay := viper.GetDuration("refresh.batch_delay")
	if batchDelay <= 0 {
		batchDelay = time.Minute
	}
	maxAge := viper.GetDuration("refresh.max_age")
	if maxAge <= 0 {
		maxAge = 24 * time.Hour
	}
	windowDays := viper.GetInt("refresh.active_stock_window_days")
	if windowDays <= 0 {
		windowDays = 30
	}

	return &RefreshJob{
		provider:   provider,
		watchlist:  watchlist,
		txns:       txns,
		batchSize:  batchSize,
		batchDelay: batchDelay,
		maxAge:     maxAge,
		window:     time.Duration(windowDays) * 24 * time.Hour,
		sleepFn:    time.Sleep,
		nowFn:      func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the job's notion of now; tests use it to pin refresh
// metadata to a fixed instant.
func (job *RefreshJob) SetClock(nowFn func() time.Time) {
	job.nowFn = nowFn
}

// SetSleep overrides the inter-batch pause; tests use it to record pacing
// without waiting.
func (job *RefreshJob) SetSleep(sleepFn func(time.Duration)) {
	job.sleepFn = sleepFn
}

// Run refreshes the current price of every active ticker. Per-ticker failures
// are logged and skipped so one bad symbol cannot starve the rest.
func (job *RefreshJob) Run(ctx context.Context) error {
	ctx, span := otel.Tracer(opentelemetry.Name).Start(ctx, "scheduler.RefreshJob.Run")
	defer span.End()

	if !job.running.TryLock() {
		log.Warn().Msg("ticker refresh already in progress; skipping this run")
		return nil
	}
	defer job.running.Unlock()

	now := job.nowFn()
	tickers, watched := job.collectTickers(ctx, now)
	if len(tickers) == 0 {
		log.Info().Msg("no active tickers to refresh")
		return nil
	}

	batches := batchTickers(tickers, job.batchSize)
	log.Info().Int("NumTickers", len(tickers)).Int("NumBatches", len(batches)).Msg("refreshing active tickers")

	for idx, batch := range batches {
		for _, ticker := range batch {
			subLog := log.With().Str("Ticker", ticker).Logger()
			if _, err := job.provider.GetCurrent(ctx, ticker); err != nil {
				subLog.Warn().Err(err).Msg("could not refresh ticker")
				continue
			}
			if watched[ticker] {
				if err := job.watchlist.TouchRefresh(ctx, ticker, now, now.Add(job.maxAge)); err != nil {
					subLog.Warn().Err(err).Msg("could not update watchlist refresh metadata")
				}
			}
		}
		if idx < len(batches)-1 {
			job.sleepFn(job.batchDelay)
		}
	}

	return nil
}

// collectTickers unions the active watchlist with recently traded tickers.
// Watchlist entries come first in priority order; the remainder is sorted for
// deterministic batching. The returned set marks watchlist membership.
func (job *RefreshJob) collectTickers(ctx context.Context, now time.Time) ([]string, map[string]bool) {
	seen := make(map[string]bool)
	watched := make(map[string]bool)
	tickers := make([]string, 0, 25)

	entries, err := job.watchlist.ActiveAll(ctx)
	if err != nil {
		log.Error().Stack().Err(err).Msg("could not list active watchlist entries")
	}
	for _, entry := range entries {
		watched[entry.Ticker] = true
		if !seen[entry.Ticker] {
			seen[entry.Ticker] = true
			tickers = append(tickers, entry.Ticker)
		}
	}

	recent, err := job.txns.DistinctTickersSince(ctx, now.Add(-job.window))
	if err != nil {
		log.Error().Stack().Err(err).Msg("could not list recently traded tickers")
	}
	sort.Strings(recent)
	for _, ticker := range recent {
		if !seen[ticker] {
			seen[ticker] = true
			tickers = append(tickers, ticker)
		}
	}

	return tickers, watched
}

func batchTickers(tickers []string, size int) [][]string {
	batches := make([][]string, 0, (len(tickers)+size-1)/size)
	for start := 0; start < len(tickers); start += size {
		end := start + size
		if end > len(tickers) {
			end = len(tickers)
		}
		batches = append(batches, tickers[start:end])
	}
	return batches
}
