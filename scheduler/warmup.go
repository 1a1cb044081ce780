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

package scheduler

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
	"go.opentelemetry.io/otel"

	"github.com/papertrade/pt-api/observability/opentelemetry"
	"github.com/papertrade/pt-api/tradecron"
)

// marketClock reports whether an instant falls inside the trading session.
type marketClock interface {
	IsMarketOpen(t time.Time) bool
}

// WarmupJob re-primes the latest close for stale watchlist entries while the
// market is open. It only ever calls GetCurrent, so daily history is never
// fetched intraday; quota spend is bounded by the batch size.
type WarmupJob struct {
	provider  quoteGetter
	watchlist refreshWatchlist
	status    marketClock

	batchSize int
	maxAge    time.Duration
	nowFn     func() time.Time
}

// NewWarmupJob builds the intraday watchlist warmup job.
func NewWarmupJob(provider quoteGetter, watchlist refreshWatchlist) *WarmupJob {
	batchSize := viper.GetInt("refresh.batch_size")
	if batchSize <= 0 {
		batchSize = 5
	}
	maxAge := viper.GetDuration("refresh.max_age")
	if maxAge <= 0 {
		maxAge = 24 * time.Hour
	}

	return &WarmupJob{
		provider:  provider,
		watchlist: watchlist,
		status:    tradecron.NewMarketStatus(&tradecron.RegularHours),
		batchSize: batchSize,
		maxAge:    maxAge,
		nowFn:     func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the job's notion of now; tests use it to place runs
// inside or outside market hours.
func (job *WarmupJob) SetClock(nowFn func() time.Time) {
	job.nowFn = nowFn
}

// Run refreshes up to one batch of stale watchlist entries. Outside market
// hours it is a no-op; prices are frozen until the next session anyway.
func (job *WarmupJob) Run(ctx context.Context) error {
	ctx, span := otel.Tracer(opentelemetry.Name).Start(ctx, "scheduler.WarmupJob.Run")
	defer span.End()

	now := job.nowFn()
	if !job.status.IsMarketOpen(now) {
		log.Debug().Msg("market closed; skipping watchlist warmup")
		return nil
	}

	entries, err := job.watchlist.Stale(ctx, job.batchSize)
	if err != nil {
		log.Error().Stack().Err(err).Msg("could not list stale watchlist entries")
		return err
	}
	if len(entries) == 0 {
		log.Debug().Msg("no stale watchlist entries")
		return nil
	}

	for _, entry := range entries {
		subLog := log.With().Str("Ticker", entry.Ticker).Logger()
		if _, err := job.provider.GetCurrent(ctx, entry.Ticker); err != nil {
			subLog.Warn().Err(err).Msg("could not warm ticker")
			continue
		}

		interval := entry.RefreshInterval
		if interval <= 0 {
			interval = job.maxAge
		}
		if err := job.watchlist.TouchRefresh(ctx, entry.Ticker, now, now.Add(interval)); err != nil {
			subLog.Warn().Err(err).Msg("could not update watchlist refresh metadata")
		}
	}

	return nil
}
