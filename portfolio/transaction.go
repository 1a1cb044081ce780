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
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgsql"
	"github.com/jackc/pgx/v4"
	"github.com/papertrade/pt-api/data"
	"github.com/papertrade/pt-api/data/database"
	"github.com/papertrade/pt-api/observability/opentelemetry"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
)

var transactionColumns = []string{
	"id",
	"source_id",
	"portfolio_id",
	"kind",
	"ticker",
	"shares",
	"price_per",
	"total_amount",
	"currency",
	"occurred_at",
}

const transactionInsertSQL = `INSERT INTO portfolio_transaction (
	"id",
	"source_id",
	"portfolio_id",
	"kind",
	"ticker",
	"shares",
	"price_per",
	"total_amount",
	"currency",
	"occurred_at"
) VALUES (
	$1, $2, $3, $4, $5, $6, $7, $8, $9, $10
) ON CONFLICT ON CONSTRAINT portfolio_transaction_source_id_key
DO NOTHING`

// TransactionFilter restricts a ledger listing. The zero value selects the
// whole ledger.
type TransactionFilter struct {
	// Kind, when non-empty, selects a single transaction kind.
	Kind string
	// Through, when non-zero, selects transactions at or before the instant.
	Through time.Time
	// Limit and Offset page through the result set when Limit is positive.
	Limit  int
	Offset int
}

// TransactionLog reads and writes a portfolio's append-only ledger.
type TransactionLog struct{}

// NewTransactionLog creates a ledger store backed by the shared database pool.
func NewTransactionLog() *TransactionLog {
	return &TransactionLog{}
}

// Save appends a transaction to the ledger. A missing ID or SourceID is
// filled in before the write. Saving a transaction whose SourceID already
// exists is a no-op, which makes repeated imports safe.
func (tl *TransactionLog) Save(ctx context.Context, t *Transaction) error {
	ctx, span := otel.Tracer(opentelemetry.Name).Start(ctx, "portfolio.SaveTransaction")
	defer span.End()

	if err := t.Validate(); err != nil {
		return err
	}

	t.OccurredAt = t.OccurredAt.UTC()
	t.Shares = data.RoundQuantity(t.Shares)
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	if t.SourceID == "" {
		if err := computeTransactionSourceID(t); err != nil {
			return err
		}
	}

	subLog := log.With().
		Str("PortfolioID", t.PortfolioID.String()).
		Str("Kind", t.Kind).
		Str("SourceID", t.SourceID).
		Logger()

	trx, err := database.TrxForUser(ctx, "ptuser")
	if err != nil {
		subLog.Error().Stack().Err(err).Msg("could not get transaction to save ledger entry")
		return err
	}

	tag, err := trx.Exec(ctx, transactionInsertSQL,
		t.ID,
		t.SourceID,
		t.PortfolioID,
		t.Kind,
		t.Ticker,
		t.Shares,
		t.PricePer.Amount,
		t.TotalAmount.Amount,
		t.TotalAmount.Currency,
		t.OccurredAt,
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "save ledger entry failed")
		subLog.Error().Stack().Err(err).Msg("could not save ledger entry")
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
		subLog.Debug().Msg("ledger entry already recorded; skipping duplicate")
	}
	return nil
}

// ListByPortfolio fetches ledger entries for a portfolio in the order they
// occurred. The filter may restrict kind, cut off at an instant, and page.
func (tl *TransactionLog) ListByPortfolio(ctx context.Context, portfolioID uuid.UUID, filter *TransactionFilter) ([]*Transaction, error) {
	ctx, span := otel.Tracer(opentelemetry.Name).Start(ctx, "portfolio.ListTransactions")
	defer span.End()

	stmt := &pgsql.SelectStatement{}
	for _, column := range transactionColumns {
		stmt.Select(pgx.Identifier{column}.Sanitize())
	}
	stmt.From(pgx.Identifier{"portfolio_transaction"}.Sanitize())
	stmt.Where(`portfolio_id = ?`, portfolioID)
	if filter != nil {
		if filter.Kind != "" {
			stmt.Where(`kind = ?`, filter.Kind)
		}
		if !filter.Through.IsZero() {
			stmt.Where(`occurred_at <= ?`, filter.Through.UTC())
		}
	}
	stmt.Order(`occurred_at ASC, id ASC`)

	sql, args := pgsql.Build(stmt)
	if filter != nil && filter.Limit > 0 {
		sql = fmt.Sprintf("%s LIMIT %d OFFSET %d", sql, filter.Limit, filter.Offset)
	}

	subLog := log.With().Str("PortfolioID", portfolioID.String()).Logger()

	trx, err := database.TrxForUser(ctx, "ptuser")
	if err != nil {
		subLog.Error().Stack().Err(err).Msg("could not get transaction to list ledger entries")
		return nil, err
	}

	rows, err := trx.Query(ctx, sql, args...)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "list ledger entries failed")
		subLog.Error().Stack().Err(err).Msg("could not query ledger entries")
		if err := trx.Rollback(ctx); err != nil {
			subLog.Error().Stack().Err(err).Msg("could not rollback transaction")
		}
		return nil, err
	}

	transactions := make([]*Transaction, 0, 100)
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			subLog.Error().Stack().Err(err).Msg("could not scan ledger row")
			if err := trx.Rollback(ctx); err != nil {
				subLog.Error().Stack().Err(err).Msg("could not rollback transaction")
			}
			return nil, err
		}
		transactions = append(transactions, t)
	}

	if err := rows.Err(); err != nil {
		subLog.Error().Stack().Err(err).Msg("could not read ledger rows")
		if err := trx.Rollback(ctx); err != nil {
			subLog.Error().Stack().Err(err).Msg("could not rollback transaction")
		}
		return nil, err
	}

	if err := trx.Commit(ctx); err != nil {
		subLog.Warn().Stack().Err(err).Msg("could not commit transaction")
	}
	return transactions, nil
}

// CountByPortfolio reports how many ledger entries a portfolio has.
func (tl *TransactionLog) CountByPortfolio(ctx context.Context, portfolioID uuid.UUID) (int64, error) {
	ctx, span := otel.Tracer(opentelemetry.Name).Start(ctx, "portfolio.CountTransactions")
	defer span.End()

	trx, err := database.TrxForUser(ctx, "ptuser")
	if err != nil {
		log.Error().Stack().Err(err).Msg("could not get transaction to count ledger entries")
		return 0, err
	}

	var count int64
	err = trx.QueryRow(ctx, `SELECT count(*) FROM portfolio_transaction WHERE portfolio_id = $1`, portfolioID).Scan(&count)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "count ledger entries failed")
		log.Error().Stack().Err(err).Str("PortfolioID", portfolioID.String()).Msg("could not count ledger entries")
		if err := trx.Rollback(ctx); err != nil {
			log.Error().Stack().Err(err).Msg("could not rollback transaction")
		}
		return 0, err
	}

	if err := trx.Commit(ctx); err != nil {
		log.Warn().Stack().Err(err).Msg("could not commit transaction")
	}
	return count, nil
}

// DistinctTickersSince lists every ticker that appears in any portfolio's
// ledger at or after the given instant. The refresh sweep uses this to keep
// recently traded stocks warm.
func (tl *TransactionLog) DistinctTickersSince(ctx context.Context, since time.Time) ([]string, error) {
	ctx, span := otel.Tracer(opentelemetry.Name).Start(ctx, "portfolio.DistinctTickersSince")
	defer span.End()

	trx, err := database.TrxForUser(ctx, "ptuser")
	if err != nil {
		log.Error().Stack().Err(err).Msg("could not get transaction to query ledger tickers")
		return nil, err
	}

	sql := `SELECT DISTINCT ticker FROM portfolio_transaction
WHERE ticker <> '' AND occurred_at >= $1
ORDER BY ticker ASC`
	rows, err := trx.Query(ctx, sql, since.UTC())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "ledger tickers query failed")
		log.Error().Stack().Err(err).Msg("could not query ledger tickers")
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

func scanTransaction(row pgx.Row) (*Transaction, error) {
	var (
		t        Transaction
		shares   string
		pricePer string
		total    string
		currency string
	)

	if err := row.Scan(&t.ID, &t.SourceID, &t.PortfolioID, &t.Kind, &t.Ticker,
		&shares, &pricePer, &total, &currency, &t.OccurredAt); err != nil {
		return nil, err
	}

	qty, err := decimal.NewFromString(shares)
	if err != nil {
		return nil, err
	}
	t.Shares = qty

	if t.PricePer, err = data.ParseMoney(pricePer, currency); err != nil {
		return nil, err
	}
	if t.TotalAmount, err = data.ParseMoney(total, currency); err != nil {
		return nil, err
	}

	t.OccurredAt = t.OccurredAt.UTC()
	return &t, nil
}
