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
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v4"
	"github.com/papertrade/pt-api/data/database"
	"github.com/papertrade/pt-api/observability/opentelemetry"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
)

// WatchlistEntry is a ticker the refresh scheduler keeps warm. Lower
// priority numbers mean more attention. Removed entries stay in the table
// marked inactive so their refresh metadata survives a re-add.
type WatchlistEntry struct {
	Ticker          string
	Priority        int
	Active          bool
	LastRefreshAt   *time.Time
	NextRefreshAt   *time.Time
	RefreshInterval time.Duration
}

// Watchlist manages the set of actively refreshed tickers. Concurrent
// add/remove on the same ticker serialize on the row lock.
type Watchlist struct {
}

// NewWatchlist creates a new watchlist accessor.
func NewWatchlist() *Watchlist {
	return &Watchlist{}
}

const watchlistColumns = `SELECT
	ticker,
	priority,
	active,
	last_refresh_at,
	next_refresh_at,
	refresh_interval
FROM watchlist`

func scanWatchlistEntry(row pgx.Row) (*WatchlistEntry, error) {
	var (
		entry           WatchlistEntry
		lastRefreshAt   *time.Time
		nextRefreshAt   *time.Time
		refreshInterval int64
	)

	if err := row.Scan(&entry.Ticker, &entry.Priority, &entry.Active,
		&lastRefreshAt, &nextRefreshAt, &refreshInterval); err != nil {
		return nil, err
	}

	if lastRefreshAt != nil {
		utc := lastRefreshAt.UTC()
		entry.LastRefreshAt = &utc
	}
	if nextRefreshAt != nil {
		utc := nextRefreshAt.UTC()
		entry.NextRefreshAt = &utc
	}
	entry.RefreshInterval = time.Duration(refreshInterval) * time.Second

	return &entry, nil
}

// Add inserts an active entry for ticker. When the ticker is already known
// the entry is reactivated, the refresh interval is overwritten, and the
// priority only ever moves toward more attention: LEAST(old, new).
func (w *Watchlist) Add(ctx context.Context, ticker string, priority int, refreshInterval time.Duration) error {
	ctx, span := otel.Tracer(opentelemetry.Name).Start(ctx, "watchlist.Add")
	defer span.End()

	ticker = strings.ToUpper(ticker)
	if !ValidTicker(ticker) {
		return fmt.Errorf("%w: %q", ErrInvalidTicker, ticker)
	}

	subLog := log.With().Str("Ticker", ticker).Int("Priority", priority).Logger()

	trx, err := database.TrxForUser(ctx, "ptuser")
	if err != nil {
		subLog.Error().Stack().Err(err).Msg("could not get transaction to add watchlist entry")
		return err
	}

	sql := `INSERT INTO watchlist (
	ticker,
	priority,
	active,
	refresh_interval
) VALUES (
	$1, $2, 't', $3
) ON CONFLICT ON CONSTRAINT watchlist_pkey
DO UPDATE SET
	active = 't',
	priority = LEAST(watchlist.priority, EXCLUDED.priority),
	refresh_interval = EXCLUDED.refresh_interval`
	_, err = trx.Exec(ctx, sql, ticker, priority, int64(refreshInterval.Seconds()))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "watchlist upsert failed")
		subLog.Error().Stack().Err(err).Msg("could not add watchlist entry")
		if err := trx.Rollback(ctx); err != nil {
			subLog.Error().Stack().Err(err).Msg("could not rollback transaction")
		}
		return err
	}

	if err := trx.Commit(ctx); err != nil {
		subLog.Warn().Stack().Err(err).Msg("could not commit transaction")
		return err
	}

	subLog.Info().Msg("added ticker to watchlist")
	return nil
}

// Remove marks the entry inactive. Metadata is retained so a later re-add
// resumes with history intact.
func (w *Watchlist) Remove(ctx context.Context, ticker string) error {
	ctx, span := otel.Tracer(opentelemetry.Name).Start(ctx, "watchlist.Remove")
	defer span.End()

	ticker = strings.ToUpper(ticker)
	subLog := log.With().Str("Ticker", ticker).Logger()

	trx, err := database.TrxForUser(ctx, "ptuser")
	if err != nil {
		subLog.Error().Stack().Err(err).Msg("could not get transaction to remove watchlist entry")
		return err
	}

	_, err = trx.Exec(ctx, "UPDATE watchlist SET active='f' WHERE ticker=$1", ticker)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "watchlist update failed")
		subLog.Error().Stack().Err(err).Msg("could not remove watchlist entry")
		if err := trx.Rollback(ctx); err != nil {
			subLog.Error().Stack().Err(err).Msg("could not rollback transaction")
		}
		return err
	}

	if err := trx.Commit(ctx); err != nil {
		subLog.Warn().Stack().Err(err).Msg("could not commit transaction")
		return err
	}

	subLog.Info().Msg("removed ticker from watchlist")
	return nil
}

// Stale returns up to limit active entries that are due for a refresh:
// next_refresh_at is unset or in the past. Entries are ordered by ascending
// priority, then oldest next_refresh_at with never-refreshed entries first.
func (w *Watchlist) Stale(ctx context.Context, limit int) ([]*WatchlistEntry, error) {
	ctx, span := otel.Tracer(opentelemetry.Name).Start(ctx, "watchlist.Stale")
	defer span.End()

	trx, err := database.TrxForUser(ctx, "ptuser")
	if err != nil {
		log.Error().Stack().Err(err).Msg("could not get transaction to query stale watchlist entries")
		return nil, err
	}

	sql := watchlistColumns + `
WHERE active='t' AND (next_refresh_at IS NULL OR next_refresh_at <= $1)
ORDER BY priority ASC, next_refresh_at ASC NULLS FIRST
LIMIT $2`
	rows, err := trx.Query(ctx, sql, time.Now().UTC(), limit)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "stale watchlist query failed")
		log.Error().Stack().Err(err).Msg("could not query stale watchlist entries")
		if err := trx.Rollback(ctx); err != nil {
			log.Error().Stack().Err(err).Msg("could not rollback transaction")
		}
		return nil, err
	}

	entries := make([]*WatchlistEntry, 0, limit)
	for rows.Next() {
		entry, err := scanWatchlistEntry(rows)
		if err != nil {
			log.Error().Stack().Err(err).Msg("could not scan watchlist row")
			if err := trx.Rollback(ctx); err != nil {
				log.Error().Stack().Err(err).Msg("could not rollback transaction")
			}
			return nil, err
		}
		entries = append(entries, entry)
	}

	if err := rows.Err(); err != nil {
		log.Error().Stack().Err(err).Msg("could not read watchlist rows")
		if err := trx.Rollback(ctx); err != nil {
			log.Error().Stack().Err(err).Msg("could not rollback transaction")
		}
		return nil, err
	}

	if err := trx.Commit(ctx); err != nil {
		log.Warn().Stack().Err(err).Msg("could not commit transaction")
	}
	return entries, nil
}

// TouchRefresh records a completed refresh and schedules the next one.
func (w *Watchlist) TouchRefresh(ctx context.Context, ticker string, now, nextAt time.Time) error {
	ctx, span := otel.Tracer(opentelemetry.Name).Start(ctx, "watchlist.TouchRefresh")
	defer span.End()

	ticker = strings.ToUpper(ticker)
	subLog := log.With().Str("Ticker", ticker).Logger()

	trx, err := database.TrxForUser(ctx, "ptuser")
	if err != nil {
		subLog.Error().Stack().Err(err).Msg("could not get transaction to touch watchlist entry")
		return err
	}

	_, err = trx.Exec(ctx,
		"UPDATE watchlist SET last_refresh_at=$2, next_refresh_at=$3 WHERE ticker=$1",
		ticker, now.UTC(), nextAt.UTC())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "watchlist update failed")
		subLog.Error().Stack().Err(err).Msg("could not touch watchlist entry")
		if err := trx.Rollback(ctx); err != nil {
			subLog.Error().Stack().Err(err).Msg("could not rollback transaction")
		}
		return err
	}

	if err := trx.Commit(ctx); err != nil {
		subLog.Warn().Stack().Err(err).Msg("could not commit transaction")
		return err
	}
	return nil
}

// ActiveAll returns every active entry ordered by ascending priority.
func (w *Watchlist) ActiveAll(ctx context.Context) ([]*WatchlistEntry, error) {
	ctx, span := otel.Tracer(opentelemetry.Name).Start(ctx, "watchlist.ActiveAll")
	defer span.End()

	trx, err := database.TrxForUser(ctx, "ptuser")
	if err != nil {
		log.Error().Stack().Err(err).Msg("could not get transaction to list watchlist entries")
		return nil, err
	}

	rows, err := trx.Query(ctx, watchlistColumns+" WHERE active='t' ORDER BY priority ASC, ticker ASC")
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "watchlist query failed")
		log.Error().Stack().Err(err).Msg("could not query watchlist entries")
		if err := trx.Rollback(ctx); err != nil {
			log.Error().Stack().Err(err).Msg("could not rollback transaction")
		}
		return nil, err
	}

	entries := make([]*WatchlistEntry, 0, 10)
	for rows.Next() {
		entry, err := scanWatchlistEntry(rows)
		if err != nil {
			log.Error().Stack().Err(err).Msg("could not scan watchlist row")
			if err := trx.Rollback(ctx); err != nil {
				log.Error().Stack().Err(err).Msg("could not rollback transaction")
			}
			return nil, err
		}
		entries = append(entries, entry)
	}

	if err := rows.Err(); err != nil {
		log.Error().Stack().Err(err).Msg("could not read watchlist rows")
		if err := trx.Rollback(ctx); err != nil {
			log.Error().Stack().Err(err).Msg("could not rollback transaction")
		}
		return nil, err
	}

	if err := trx.Commit(ctx); err != nil {
		log.Warn().Stack().Err(err).Msg("could not commit transaction")
	}
	return entries, nil
}
