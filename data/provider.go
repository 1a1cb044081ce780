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

package data

import (
	"context"
	"time"
)

// MarketData is the consumer-facing surface of the price subsystem. The HTTP
// handlers, the refresh scheduler and the portfolio valuation code all depend
// on this interface rather than on the concrete Manager so tests can stand in
// a fake.
type MarketData interface {
	// GetCurrent returns the freshest price available for ticker, consulting
	// the hot cache, the warm store and finally the upstream provider.
	GetCurrent(ctx context.Context, ticker string) (*PricePoint, error)

	// GetBatch resolves many tickers in a single pass. Tickers that cannot
	// be resolved are absent from the returned map; per-ticker failures are
	// logged, never raised.
	GetBatch(ctx context.Context, tickers []string) map[string]*PricePoint

	// GetPriceAt returns the last price at or before the given instant. It
	// is served from the warm store only and never triggers an upstream
	// call.
	GetPriceAt(ctx context.Context, ticker string, instant time.Time) (*PricePoint, error)

	// GetHistory returns price points within dates at the requested
	// interval, ascending by timestamp. An empty result is not an error.
	GetHistory(ctx context.Context, ticker string, dates *DateRange, interval Interval) ([]*PricePoint, error)

	// SupportedTickers lists every ticker the warm store has at least one
	// price row for.
	SupportedTickers(ctx context.Context) ([]string, error)
}

// hotTier is the slice of HotCache the manager consumes.
type hotTier interface {
	GetLatest(ctx context.Context, ticker string) (*PricePoint, error)
	PutLatest(ctx context.Context, point *PricePoint, ttl time.Duration) error
	GetHistory(ctx context.Context, ticker string, dates *DateRange, interval Interval) ([]*PricePoint, error)
	PutHistory(ctx context.Context, ticker string, dates *DateRange, interval Interval, points []*PricePoint, ttl time.Duration) error
}

// warmTier is the slice of WarmStore the manager consumes.
type warmTier interface {
	Upsert(ctx context.Context, point *PricePoint) error
	UpsertMany(ctx context.Context, points []*PricePoint) error
	GetLatest(ctx context.Context, ticker string, maxAge time.Duration) (*PricePoint, error)
	PriceAt(ctx context.Context, ticker string, instant time.Time) (*PricePoint, error)
	History(ctx context.Context, ticker string, dates *DateRange, interval Interval) ([]*PricePoint, error)
	AllTickers(ctx context.Context) ([]string, error)
}

// tokenBucket guards the upstream quota. CanProceed is advisory; Consume is
// the authoritative draw.
type tokenBucket interface {
	CanProceed(ctx context.Context) (bool, error)
	Consume(ctx context.Context) (bool, error)
	WaitTime(ctx context.Context) (time.Duration, error)
}

// quoteProvider fetches prices from the upstream market data vendor.
type quoteProvider interface {
	Quote(ctx context.Context, ticker string) (*PricePoint, error)
	DailyHistory(ctx context.Context, ticker string) ([]*PricePoint, error)
}
