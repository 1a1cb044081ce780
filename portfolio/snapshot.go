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

package portfolio

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v4"
	"github.com/papertrade/pt-api/data"
	"github.com/papertrade/pt-api/data/database"
	"github.com/papertrade/pt-api/observability/opentelemetry"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
)

const snapshotColumns = `SELECT portfolio_id, event_date, cash, market_value, total_value, currency, holdings FROM portfolio_snapshot`

const snapshotUpsertSQL = `INSERT INTO portfolio_snapshot (
	"portfolio_id",
	"event_date",
	"cash",
	"market_value",
	"total_value",
	"currency",
	"holdings"
) VALUES (
	$1, $2, $3, $4, $5, $6, $7
) ON CONFLICT ON CONSTRAINT portfolio_snapshot_pkey
DO UPDATE SET
	cash = EXCLUDED.cash,
	market_value = EXCLUDED.market_value,
	total_value = EXCLUDED.total_value,
	currency = EXCLUDED.currency,
	holdings = EXCLUDED.holdings`

// SnapshotStore reads and writes end-of-day portfolio valuations. Each
// portfolio has at most one snapshot per calendar date; re-running a day
// replaces that day's row.
type SnapshotStore struct{}

// NewSnapshotStore creates a snapshot store backed by the shared database
// pool.
func NewSnapshotStore() *SnapshotStore {
	return &SnapshotStore{}
}

// Upsert writes the snapshot for its portfolio and date, replacing any
// earlier valuation of the same day.
func (ss *SnapshotStore) Upsert(ctx context.Context, snap *Snapshot) error {
	ctx, span := otel.Tracer(opentelemetry.Name).Start(ctx, "portfolio.UpsertSnapshot")
	defer span.End()

	subLog := log.With().Str("PortfolioID", snap.PortfolioID.String()).Time("Date", snap.Date).Logger()

	if snap.Cash.Currency != snap.TotalValue.Currency || snap.MarketValue.Currency != snap.TotalValue.Currency {
		return fmt.Errorf("%w: snapshot mixes currencies", ErrCurrencyMismatch)
	}

	holdings := snap.Holdings
	if holdings == nil {
		holdings = map[string]decimal.Decimal{}
	}
	encoded, err := json.Marshal(holdings)
	if err != nil {
		subLog.Error().Stack().Err(err).Msg("could not marshal snapshot holdings")
		return err
	}

	trx, err := database.TrxForUser(ctx, "ptuser")
	if err != nil {
		subLog.Error().Stack().Err(err).Msg("could not get transaction to save snapshot")
		return err
	}

	_, err = trx.Exec(ctx, snapshotUpsertSQL,
		snap.PortfolioID,
		dateOnly(snap.Date),
		snap.Cash.Amount,
		snap.MarketValue.Amount,
		snap.TotalValue.Amount,
		snap.TotalValue.Currency,
		encoded,
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "save snapshot failed")
		subLog.Error().Stack().Err(err).Msg("could not save snapshot")
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

// Range fetches a portfolio's snapshots inside the date range, oldest first.
func (ss *SnapshotStore) Range(ctx context.Context, portfolioID uuid.UUID, dates *data.DateRange) ([]*Snapshot, error) {
	ctx, span := otel.Tracer(opentelemetry.Name).Start(ctx, "portfolio.SnapshotRange")
	defer span.End()

	if err := dates.Valid(); err != nil {
		return nil, err
	}

	subLog := log.With().Str("PortfolioID", portfolioID.String()).Object("Dates", dates).Logger()

	trx, err := database.TrxForUser(ctx, "ptuser")
	if err != nil {
		subLog.Error().Stack().Err(err).Msg("could not get transaction to query snapshots")
		return nil, err
	}

	sql := snapshotColumns + `
WHERE portfolio_id = $1 AND event_date BETWEEN $2 AND $3
ORDER BY event_date ASC`
	rows, err := trx.Query(ctx, sql, portfolioID, dates.Begin, dates.End)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "snapshot range query failed")
		subLog.Error().Stack().Err(err).Msg("could not query snapshots")
		if err := trx.Rollback(ctx); err != nil {
			subLog.Error().Stack().Err(err).Msg("could not rollback transaction")
		}
		return nil, err
	}

	snapshots := make([]*Snapshot, 0, 100)
	for rows.Next() {
		snap, err := scanSnapshot(rows)
		if err != nil {
			subLog.Error().Stack().Err(err).Msg("could not scan snapshot row")
			if err := trx.Rollback(ctx); err != nil {
				subLog.Error().Stack().Err(err).Msg("could not rollback transaction")
			}
			return nil, err
		}
		snapshots = append(snapshots, snap)
	}

	if err := rows.Err(); err != nil {
		subLog.Error().Stack().Err(err).Msg("could not read snapshot rows")
		if err := trx.Rollback(ctx); err != nil {
			subLog.Error().Stack().Err(err).Msg("could not rollback transaction")
		}
		return nil, err
	}

	if err := trx.Commit(ctx); err != nil {
		subLog.Warn().Stack().Err(err).Msg("could not commit transaction")
	}
	return snapshots, nil
}

// Latest fetches a portfolio's most recent snapshot. Returns
// ErrSnapshotNotFound when the portfolio has never been valued.
func (ss *SnapshotStore) Latest(ctx context.Context, portfolioID uuid.UUID) (*Snapshot, error) {
	ctx, span := otel.Tracer(opentelemetry.Name).Start(ctx, "portfolio.LatestSnapshot")
	defer span.End()

	trx, err := database.TrxForUser(ctx, "ptuser")
	if err != nil {
		log.Error().Stack().Err(err).Msg("could not get transaction to query latest snapshot")
		return nil, err
	}

	sql := snapshotColumns + `
WHERE portfolio_id = $1
ORDER BY event_date DESC
LIMIT 1`
	snap, err := scanSnapshot(trx.QueryRow(ctx, sql, portfolioID))
	if err != nil {
		if err := trx.Rollback(ctx); err != nil {
			log.Error().Stack().Err(err).Msg("could not rollback transaction")
		}
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSnapshotNotFound
		}
		log.Error().Stack().Err(err).Str("PortfolioID", portfolioID.String()).Msg("could not scan snapshot row")
		return nil, err
	}

	if err := trx.Commit(ctx); err != nil {
		log.Warn().Stack().Err(err).Msg("could not commit transaction")
	}
	return snap, nil
}

func scanSnapshot(row pgx.Row) (*Snapshot, error) {
	var (
		snap     Snapshot
		cash     string
		market   string
		total    string
		currency string
		holdings []byte
	)

	if err := row.Scan(&snap.PortfolioID, &snap.Date, &cash, &market, &total,
		&currency, &holdings); err != nil {
		return nil, err
	}

	var err error
	if snap.Cash, err = data.ParseMoney(cash, currency); err != nil {
		return nil, err
	}
	if snap.MarketValue, err = data.ParseMoney(market, currency); err != nil {
		return nil, err
	}
	if snap.TotalValue, err = data.ParseMoney(total, currency); err != nil {
		return nil, err
	}

	snap.Holdings = map[string]decimal.Decimal{}
	if len(holdings) > 0 {
		if err := json.Unmarshal(holdings, &snap.Holdings); err != nil {
			return nil, err
		}
	}

	snap.Date = snap.Date.UTC()
	return &snap, nil
}

// dateOnly truncates an instant to its UTC calendar date.
func dateOnly(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
