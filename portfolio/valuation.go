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
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/papertrade/pt-api/calendar"
	"github.com/papertrade/pt-api/data"
	"github.com/papertrade/pt-api/observability/opentelemetry"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
)

type priceSource interface {
	GetPriceAt(ctx context.Context, ticker string, instant time.Time) (*data.PricePoint, error)
}

type ledger interface {
	ListByPortfolio(ctx context.Context, portfolioID uuid.UUID, filter *TransactionFilter) ([]*Transaction, error)
}

// Valuer computes end-of-day snapshots by replaying a portfolio's ledger and
// pricing the resulting holdings at the day's close.
type Valuer struct {
	prices priceSource
	txns   ledger
}

// NewValuer creates a Valuer over the given price source and ledger.
func NewValuer(prices priceSource, txns ledger) *Valuer {
	return &Valuer{
		prices: prices,
		txns:   txns,
	}
}

// Replay folds an ordered transaction list into a cash balance and per-ticker
// share counts. Dividends are credited as cash; they never change share
// counts. Cash may go negative, share counts may not.
func Replay(transactions []*Transaction, currency string) (data.Money, map[string]decimal.Decimal, error) {
	cash := data.NewMoney(decimal.Zero, currency)
	holdings := make(map[string]decimal.Decimal)

	var err error
	for _, t := range transactions {
		switch t.Kind {
		case DepositTransaction, DividendTransaction:
			cash, err = cash.Add(t.TotalAmount)
		case WithdrawTransaction:
			cash, err = cash.Sub(t.TotalAmount)
		case BuyTransaction:
			if cash, err = cash.Sub(t.TotalAmount); err == nil {
				holdings[t.Ticker] = holdings[t.Ticker].Add(t.Shares)
			}
		case SellTransaction:
			if holdings[t.Ticker].LessThan(t.Shares) {
				return data.Money{}, nil, fmt.Errorf("%w: %s", ErrOversell, t.Ticker)
			}
			if cash, err = cash.Add(t.TotalAmount); err == nil {
				holdings[t.Ticker] = holdings[t.Ticker].Sub(t.Shares)
			}
		default:
			return data.Money{}, nil, fmt.Errorf("%w: %q", ErrUnknownKind, t.Kind)
		}
		if err != nil {
			return data.Money{}, nil, err
		}
	}

	for ticker, shares := range holdings {
		if !shares.IsPositive() {
			delete(holdings, ticker)
		}
	}

	return cash, holdings, nil
}

// SnapshotOn values the portfolio at the close of the given day. Transactions
// through the close are replayed and each remaining holding is priced at the
// close; on a non-trading day the most recent close carries over.
func (v *Valuer) SnapshotOn(ctx context.Context, p *Portfolio, day time.Time) (*Snapshot, error) {
	ctx, span := otel.Tracer(opentelemetry.Name).Start(ctx, "portfolio.SnapshotOn")
	defer span.End()

	subLog := log.With().Str("PortfolioID", p.ID.String()).Time("Date", day).Logger()

	through := calendar.AtClose(day)
	transactions, err := v.txns.ListByPortfolio(ctx, p.ID, &TransactionFilter{Through: through})
	if err != nil {
		return nil, err
	}

	cash, holdings, err := Replay(transactions, p.Currency)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "ledger replay failed")
		subLog.Error().Stack().Err(err).Msg("could not replay ledger")
		return nil, err
	}

	tickers := make([]string, 0, len(holdings))
	for ticker := range holdings {
		tickers = append(tickers, ticker)
	}
	sort.Strings(tickers)

	marketValue := data.NewMoney(decimal.Zero, p.Currency)
	for _, ticker := range tickers {
		point, err := v.prices.GetPriceAt(ctx, ticker, through)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "could not price holding")
			subLog.Error().Stack().Err(err).Str("Ticker", ticker).Msg("could not price holding")
			return nil, err
		}

		marketValue, err = marketValue.Add(point.Price.Mul(holdings[ticker]))
		if err != nil {
			subLog.Error().Stack().Err(err).Str("Ticker", ticker).Msg("could not total holding value")
			return nil, err
		}
	}

	total, err := cash.Add(marketValue)
	if err != nil {
		return nil, err
	}

	return &Snapshot{
		PortfolioID: p.ID,
		Date:        dateOnly(day),
		Cash:        cash,
		MarketValue: marketValue,
		TotalValue:  total,
		Holdings:    holdings,
	}, nil
}
