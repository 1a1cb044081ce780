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
	"time"

	"github.com/jackc/pgx/v4"
	"github.com/papertrade/pt-api/data/database"
	"github.com/papertrade/pt-api/observability/opentelemetry"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
)

// ErrWarmMiss signals that the warm store holds no row matching the query.
var ErrWarmMiss = errors.New("no matching row in warm store")

// WarmStore is the durable price tier backed by the prices table. It is the
// authoritative historical record: rows are only ever inserted or updated in
// place, never evicted. Timestamps are stored as naive UTC and reconstructed
// as UTC on read.
type WarmStore struct {
}

// NewWarmStore creates a new warm store accessor.
func NewWarmStore() *WarmStore {
	return &WarmStore{}
}

const warmUpsertSQL = `INSERT INTO prices (
	ticker,
	event_time,
	bar_interval,
	price,
	currency,
	open,
	high,
	low,
	close,
	volume
) VALUES (
	$1, $2, $3, $4, $5, $6, $7, $8, $9, $10
) ON CONFLICT ON CONSTRAINT prices_pkey
DO UPDATE SET
	price = EXCLUDED.price,
	currency = EXCLUDED.currency,
	open = EXCLUDED.open,
	high = EXCLUDED.high,
	low = EXCLUDED.low,
	close = EXCLUDED.close,
	volume = EXCLUDED.volume`

const warmSelectColumns = `SELECT
	ticker,
	event_time,
	bar_interval,
	price::text,
	currency,
	open::text,
	high::text,
	low::text,
	close::text,
	volume
FROM prices`

func amountOrNil(m *Money) interface{} {
	if m == nil {
		return nil
	}
	return m.Amount
}

// scanPricePoint reconstructs a validated PricePoint from a prices row.
func scanPricePoint(row pgx.Row) (*PricePoint, error) {
	var (
		ticker      string
		eventTime   time.Time
		barInterval string
		price       string
		currency    string
		open        *string
		high        *string
		low         *string
		closePrice  *string
		volume      *int64
	)

	if err := row.Scan(&ticker, &eventTime, &barInterval, &price, &currency,
		&open, &high, &low, &closePrice, &volume); err != nil {
		return nil, err
	}

	amount, err := ParseMoney(price, currency)
	if err != nil {
		return nil, err
	}

	point, err := NewPricePoint(ticker, amount, eventTime.UTC(), SourceWarmStore, Interval(barInterval))
	if err != nil {
		return nil, err
	}

	if open != nil && high != nil && low != nil && closePrice != nil {
		o, err := ParseMoney(*open, currency)
		if err != nil {
			return nil, err
		}
		h, err := ParseMoney(*high, currency)
		if err != nil {
			return nil, err
		}
		l, err := ParseMoney(*low, currency)
		if err != nil {
			return nil, err
		}
		c, err := ParseMoney(*closePrice, currency)
		if err != nil {
			return nil, err
		}
		point, err = point.WithOHLC(o, h, l, c)
		if err != nil {
			return nil, err
		}
	}

	if volume != nil {
		point, err = point.WithVolume(*volume)
		if err != nil {
			return nil, err
		}
	}

	return point, nil
}

// Upsert writes a single price point, replacing any existing row with the
// same (ticker, event_time, bar_interval) key. The operation is idempotent.
func (w *WarmStore) Upsert(ctx context.Context, point *PricePoint) error {
	return w.UpsertMany(ctx, []*PricePoint{point})
}

// UpsertMany writes a batch of price points in a single transaction.
func (w *WarmStore) UpsertMany(ctx context.Context, points []*PricePoint) error {
	ctx, span := otel.Tracer(opentelemetry.Name).Start(ctx, "warm.UpsertMany")
	defer span.End()

	trx, err := database.TrxForUser(ctx, "ptuser")
	if err != nil {
		log.Error().Stack().Err(err).Msg("could not get transaction to upsert prices")
		return err
	}

	for _, point := range points {
		if err := point.Validate(); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "price point failed validation")
			log.Error().Stack().Err(err).Object("PricePoint", point).Msg("refusing to store invalid price point")
			if err := trx.Rollback(ctx); err != nil {
				log.Error().Stack().Err(err).Msg("could not rollback transaction")
			}
			return err
		}

		_, err = trx.Exec(ctx, warmUpsertSQL,
			point.Ticker,
			point.Timestamp.UTC(),
			string(point.Interval),
			point.Price.Amount,
			point.Price.Currency,
			amountOrNil(point.Open),
			amountOrNil(point.High),
			amountOrNil(point.Low),
			amountOrNil(point.Close),
			point.Volume,
		)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "upsert price failed")
			log.Error().Stack().Err(err).Str("Ticker", point.Ticker).Msg("could not upsert price")
			if err := trx.Rollback(ctx); err != nil {
				log.Error().Stack().Err(err).Msg("could not rollback transaction")
			}
			return err
		}
	}

	if err := trx.Commit(ctx); err != nil {
		log.Warn().Stack().Err(err).Msg("could not commit transaction")
		return err
	}
	return nil
}

// GetLatest returns the most recent price point for ticker whose timestamp
// falls within maxAge of now, or ErrWarmMiss when none qualifies.
func (w *WarmStore) GetLatest(ctx context.Context, ticker string, maxAge time.Duration) (*PricePoint, error) {
	ctx, span := otel.Tracer(opentelemetry.Name).Start(ctx, "warm.GetLatest")
	defer span.End()

	cutoff := time.Now().UTC().Add(-maxAge)
	return w.queryOne(ctx, warmSelectColumns+` WHERE ticker = $1 AND event_time >= $2 ORDER BY event_time DESC LIMIT 1`, ticker, cutoff)
}

// PriceAt returns the most recent price point for ticker at or before
// instant, or ErrWarmMiss when the ticker has no rows that early.
func (w *WarmStore) PriceAt(ctx context.Context, ticker string, instant time.Time) (*PricePoint, error) {
	ctx, span := otel.Tracer(opentelemetry.Name).Start(ctx, "warm.PriceAt")
	defer span.End()

	return w.queryOne(ctx, warmSelectColumns+` WHERE ticker = $1 AND event_time <= $2 ORDER BY event_time DESC LIMIT 1`, ticker, instant.UTC())
}

func (w *WarmStore) queryOne(ctx context.Context, sql string, args ...interface{}) (*PricePoint, error) {
	subLog := log.With().Str("Query", sql).Logger()

	trx, err := database.TrxForUser(ctx, "ptuser")
	if err != nil {
		subLog.Error().Stack().Err(err).Msg("could not get transaction to query prices")
		return nil, err
	}

	point, err := scanPricePoint(trx.QueryRow(ctx, sql, args...))
	if err != nil {
		if err := trx.Rollback(ctx); err != nil {
			subLog.Error().Stack().Err(err).Msg("could not rollback transaction")
		}
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrWarmMiss
		}
		subLog.Error().Stack().Err(err).Msg("could not scan price row")
		return nil, err
	}

	if err := trx.Commit(ctx); err != nil {
		subLog.Warn().Stack().Err(err).Msg("could not commit transaction")
	}
	return point, nil
}

// History returns all price points for ticker within dates at the requested
// interval, ascending by timestamp. No rows is an empty list, not an error.
func (w *WarmStore) History(ctx context.Context, ticker string, dates *DateRange, interval Interval) ([]*PricePoint, error) {
	ctx, span := otel.Tracer(opentelemetry.Name).Start(ctx, "warm.History")
	defer span.End()

	subLog := log.With().Str("Ticker", ticker).Str("Interval", string(interval)).Object("Dates", dates).Logger()

	trx, err := database.TrxForUser(ctx, "ptuser")
	if err != nil {
		subLog.Error().Stack().Err(err).Msg("could not get transaction to query price history")
		return nil, err
	}

	sql := warmSelectColumns + ` WHERE ticker = $1 AND bar_interval = $2 AND event_time BETWEEN $3 AND $4 ORDER BY event_time ASC`
	rows, err := trx.Query(ctx, sql, ticker, string(interval), dates.Begin, dates.End)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "price history query failed")
		subLog.Error().Stack().Err(err).Msg("could not query price history")
		if err := trx.Rollback(ctx); err != nil {
			subLog.Error().Stack().Err(err).Msg("could not rollback transaction")
		}
		return nil, err
	}

	points := make([]*PricePoint, 0, 252)
	for rows.Next() {
		point, err := scanPricePoint(rows)
		if err != nil {
			subLog.Error().Stack().Err(err).Msg("could not scan price row")
			if err := trx.Rollback(ctx); err != nil {
				subLog.Error().Stack().Err(err).Msg("could not rollback transaction")
			}
			return nil, err
		}
		points = append(points, point)
	}

	if err := rows.Err(); err != nil {
		subLog.Error().Stack().Err(err).Msg("could not read price history rows")
		if err := trx.Rollback(ctx); err != nil {
			subLog.Error().Stack().Err(err).Msg("could not rollback transaction")
		}
		return nil, err
	}

	if err := trx.Commit(ctx); err != nil {
		subLog.Warn().Stack().Err(err).Msg("could not commit transaction")
	}
	return points, nil
}

// AllTickers returns the alphabetical set of tickers with at least one
// stored price.
func (w *WarmStore) AllTickers(ctx context.Context) ([]string, error) {
	ctx, span := otel.Tracer(opentelemetry.Name).Start(ctx, "warm.AllTickers")
	defer span.End()

	trx, err := database.TrxForUser(ctx, "ptuser")
	if err != nil {
		log.Error().Stack().Err(err).Msg("could not get transaction to list tickers")
		return nil, err
	}

	rows, err := trx.Query(ctx, "SELECT DISTINCT ticker FROM prices ORDER BY ticker ASC")
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "ticker list query failed")
		log.Error().Stack().Err(err).Msg("could not query tickers")
		if err := trx.Rollback(ctx); err != nil {
			log.Error().Stack().Err(err).Msg("could not rollback transaction")
		}
		return nil, err
	}

	tickers := make([]string, 0, 100)
	for rows.Next() {
		var ticker string
		if err := rows.Scan(&ticker); err != nil {
			log.Error().Stack().Err(err).Msg("could not scan ticker row")
			if err := trx.Rollback(ctx); err != nil {
				log.Error().Stack().Err(err).Msg("could not rollback transaction")
			}
			return nil, err
		}
		tickers = append(tickers, ticker)
	}

	if err := rows.Err(); err != nil {
		log.Error().Stack().Err(err).Msg("could not read ticker rows")
		if err := trx.Rollback(ctx); err != nil {
			log.Error().Stack().Err(err).Msg("could not rollback transaction")
		}
		return nil, err
	}

	if err := trx.Commit(ctx); err != nil {
		log.Warn().Stack().Err(err).Msg("could not commit transaction")
	}
	return tickers, nil
}
