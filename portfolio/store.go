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
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v4"
	"github.com/papertrade/pt-api/data/database"
	"github.com/papertrade/pt-api/observability/opentelemetry"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
)

const portfolioColumns = `SELECT id, user_id, name, currency, created_at FROM portfolio`

const portfolioSaveSQL = `INSERT INTO portfolio (
	"id",
	"user_id",
	"name",
	"currency",
	"created_at"
) VALUES (
	$1, $2, $3, $4, $5
) ON CONFLICT ON CONSTRAINT portfolio_pkey DO UPDATE SET
	name = EXCLUDED.name,
	currency = EXCLUDED.currency`

// Store reads and writes portfolio records.
type Store struct{}

// NewStore creates a portfolio store backed by the shared database pool.
func NewStore() *Store {
	return &Store{}
}

// Save inserts the portfolio, or updates its name and currency when the ID
// already exists.
func (s *Store) Save(ctx context.Context, p *Portfolio) error {
	ctx, span := otel.Tracer(opentelemetry.Name).Start(ctx, "portfolio.Save")
	defer span.End()

	subLog := log.With().Str("PortfolioID", p.ID.String()).Str("UserID", p.UserID).Logger()

	if p.UserID == "" {
		return ErrEmptyUserID
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}

	trx, err := database.TrxForUser(ctx, "ptuser")
	if err != nil {
		subLog.Error().Stack().Err(err).Msg("could not get transaction to save portfolio")
		return err
	}

	_, err = trx.Exec(ctx, portfolioSaveSQL, p.ID, p.UserID, p.Name, p.Currency, p.CreatedAt.UTC())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "save portfolio failed")
		subLog.Error().Stack().Err(err).Msg("could not save portfolio")
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

// Get fetches a single portfolio by ID. Returns ErrPortfolioNotFound when no
// portfolio has that ID.
func (s *Store) Get(ctx context.Context, id uuid.UUID) (*Portfolio, error) {
	ctx, span := otel.Tracer(opentelemetry.Name).Start(ctx, "portfolio.Get")
	defer span.End()

	trx, err := database.TrxForUser(ctx, "ptuser")
	if err != nil {
		log.Error().Stack().Err(err).Msg("could not get transaction to query portfolio")
		return nil, err
	}

	p, err := scanPortfolio(trx.QueryRow(ctx, portfolioColumns+` WHERE id = $1`, id))
	if err != nil {
		if err := trx.Rollback(ctx); err != nil {
			log.Error().Stack().Err(err).Msg("could not rollback transaction")
		}
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPortfolioNotFound
		}
		log.Error().Stack().Err(err).Str("PortfolioID", id.String()).Msg("could not scan portfolio row")
		return nil, err
	}

	if err := trx.Commit(ctx); err != nil {
		log.Warn().Stack().Err(err).Msg("could not commit transaction")
	}
	return p, nil
}

// ListByUser fetches every portfolio owned by the given user, oldest first.
func (s *Store) ListByUser(ctx context.Context, userID string) ([]*Portfolio, error) {
	ctx, span := otel.Tracer(opentelemetry.Name).Start(ctx, "portfolio.ListByUser")
	defer span.End()

	return s.list(ctx, portfolioColumns+` WHERE user_id = $1 ORDER BY created_at ASC, id ASC`, userID)
}

// ListAll fetches every portfolio in the system, oldest first. Used by the
// nightly snapshot sweep.
func (s *Store) ListAll(ctx context.Context) ([]*Portfolio, error) {
	ctx, span := otel.Tracer(opentelemetry.Name).Start(ctx, "portfolio.ListAll")
	defer span.End()

	return s.list(ctx, portfolioColumns+` ORDER BY created_at ASC, id ASC`)
}

// Delete removes a portfolio. The ledger and snapshot rows cascade with it.
func (s *Store) Delete(ctx context.Context, id uuid.UUID) error {
	ctx, span := otel.Tracer(opentelemetry.Name).Start(ctx, "portfolio.Delete")
	defer span.End()

	subLog := log.With().Str("PortfolioID", id.String()).Logger()

	trx, err := database.TrxForUser(ctx, "ptuser")
	if err != nil {
		subLog.Error().Stack().Err(err).Msg("could not get transaction to delete portfolio")
		return err
	}

	tag, err := trx.Exec(ctx, `DELETE FROM portfolio WHERE id = $1`, id)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "delete portfolio failed")
		subLog.Error().Stack().Err(err).Msg("could not delete portfolio")
		if err := trx.Rollback(ctx); err != nil {
			subLog.Error().Stack().Err(err).Msg("could not rollback transaction")
		}
		return err
	}

	if err := trx.Commit(ctx); err != nil {
		subLog.Warn().Stack().Err(err).Msg("could not commit transaction")
		return err
	}

	if tag.RowsAffected() == 0 {
		return ErrPortfolioNotFound
	}
	return nil
}

func (s *Store) list(ctx context.Context, sql string, args ...interface{}) ([]*Portfolio, error) {
	trx, err := database.TrxForUser(ctx, "ptuser")
	if err != nil {
		log.Error().Stack().Err(err).Msg("could not get transaction to list portfolios")
		return nil, err
	}

	rows, err := trx.Query(ctx, sql, args...)
	if err != nil {
		log.Error().Stack().Err(err).Msg("could not query portfolios")
		if err := trx.Rollback(ctx); err != nil {
			log.Error().Stack().Err(err).Msg("could not rollback transaction")
		}
		return nil, err
	}

	portfolios := make([]*Portfolio, 0, 10)
	for rows.Next() {
		p, err := scanPortfolio(rows)
		if err != nil {
			log.Error().Stack().Err(err).Msg("could not scan portfolio row")
			if err := trx.Rollback(ctx); err != nil {
				log.Error().Stack().Err(err).Msg("could not rollback transaction")
			}
			return nil, err
		}
		portfolios = append(portfolios, p)
	}

	if err := rows.Err(); err != nil {
		log.Error().Stack().Err(err).Msg("could not read portfolio rows")
		if err := trx.Rollback(ctx); err != nil {
			log.Error().Stack().Err(err).Msg("could not rollback transaction")
		}
		return nil, err
	}

	if err := trx.Commit(ctx); err != nil {
		log.Warn().Stack().Err(err).Msg("could not commit transaction")
	}
	return portfolios, nil
}

func scanPortfolio(row pgx.Row) (*Portfolio, error) {
	p := &Portfolio{}
	if err := row.Scan(&p.ID, &p.UserID, &p.Name, &p.Currency, &p.CreatedAt); err != nil {
		return nil, err
	}
	p.CreatedAt = p.CreatedAt.UTC()
	return p, nil
}
