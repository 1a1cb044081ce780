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

package portfolio_test

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/papertrade/pt-api/calendar"
	"github.com/papertrade/pt-api/data"
	"github.com/papertrade/pt-api/portfolio"
	"github.com/shopspring/decimal"
)

type fakePriceSource struct {
	prices   map[string]data.Money
	calls    []string
	instants []time.Time
	err      error
}

func (f *fakePriceSource) GetPriceAt(_ context.Context, ticker string, instant time.Time) (*data.PricePoint, error) {
	f.calls = append(f.calls, ticker)
	f.instants = append(f.instants, instant)
	if f.err != nil {
		return nil, f.err
	}
	price, ok := f.prices[ticker]
	if !ok {
		return nil, data.ErrTickerNotFound
	}
	return data.NewPricePoint(ticker, price, instant, data.SourceWarmStore, data.Interval1Day)
}

type fakeLedger struct {
	transactions []*portfolio.Transaction
	filter       *portfolio.TransactionFilter
	err          error
}

func (f *fakeLedger) ListByPortfolio(_ context.Context, _ uuid.UUID, filter *portfolio.TransactionFilter) ([]*portfolio.Transaction, error) {
	f.filter = filter
	if f.err != nil {
		return nil, f.err
	}
	return f.transactions, nil
}

func deposit(day time.Time, amount string) *portfolio.Transaction {
	return &portfolio.Transaction{
		Kind:        portfolio.DepositTransaction,
		TotalAmount: usd(amount),
		OccurredAt:  day,
	}
}

func trade(kind string, day time.Time, ticker string, shares int64, total string) *portfolio.Transaction {
	return &portfolio.Transaction{
		Kind:        kind,
		Ticker:      ticker,
		Shares:      decimal.NewFromInt(shares),
		TotalAmount: usd(total),
		OccurredAt:  day,
	}
}

var _ = Describe("Valuation", func() {
	var (
		ctx               context.Context
		jan5, jan6, jan12 time.Time
	)

	BeforeEach(func() {
		ctx = context.Background()
		jan5 = time.Date(2026, 1, 5, 14, 30, 0, 0, time.UTC)
		jan6 = time.Date(2026, 1, 6, 14, 30, 0, 0, time.UTC)
		jan12 = time.Date(2026, 1, 12, 0, 0, 0, 0, time.UTC)
	})

	Describe("When replaying a ledger", func() {
		It("folds deposits, trades, and dividends into cash and holdings", func() {
			cash, holdings, err := portfolio.Replay([]*portfolio.Transaction{
				deposit(jan5, "10000.00"),
				trade(portfolio.BuyTransaction, jan6, "AAPL", 10, "1500.00"),
				trade(portfolio.SellTransaction, jan6, "AAPL", 4, "620.00"),
				{Kind: portfolio.DividendTransaction, Ticker: "AAPL", TotalAmount: usd("12.00"), OccurredAt: jan6},
				{Kind: portfolio.WithdrawTransaction, TotalAmount: usd("500.00"), OccurredAt: jan6},
			}, "USD")
			Expect(err).To(BeNil())
			Expect(cash.Equal(usd("8632.00"))).To(BeTrue())
			Expect(holdings).To(HaveLen(1))
			Expect(holdings["AAPL"].Equal(decimal.NewFromInt(6))).To(BeTrue())
		})

		It("drops tickers that were fully sold", func() {
			_, holdings, err := portfolio.Replay([]*portfolio.Transaction{
				deposit(jan5, "10000.00"),
				trade(portfolio.BuyTransaction, jan6, "AAPL", 10, "1500.00"),
				trade(portfolio.SellTransaction, jan6, "AAPL", 10, "1600.00"),
			}, "USD")
			Expect(err).To(BeNil())
			Expect(holdings).To(BeEmpty())
		})

		It("refuses to sell more shares than held", func() {
			_, _, err := portfolio.Replay([]*portfolio.Transaction{
				deposit(jan5, "10000.00"),
				trade(portfolio.BuyTransaction, jan6, "AAPL", 10, "1500.00"),
				trade(portfolio.SellTransaction, jan6, "AAPL", 11, "1700.00"),
			}, "USD")
			Expect(err).To(MatchError(portfolio.ErrOversell))
		})

		It("rejects entries in a foreign currency", func() {
			_, _, err := portfolio.Replay([]*portfolio.Transaction{
				{Kind: portfolio.DepositTransaction, TotalAmount: eur("10000.00"), OccurredAt: jan5},
			}, "USD")
			Expect(err).To(MatchError(data.ErrCurrencyMismatch))
		})

		It("rejects unknown kinds", func() {
			_, _, err := portfolio.Replay([]*portfolio.Transaction{
				{Kind: "SPLIT", TotalAmount: usd("1.00"), OccurredAt: jan5},
			}, "USD")
			Expect(err).To(MatchError(portfolio.ErrUnknownKind))
		})
	})

	Describe("When valuing a portfolio at day close", func() {
		var (
			p      *portfolio.Portfolio
			prices *fakePriceSource
			txns   *fakeLedger
			valuer *portfolio.Valuer
		)

		BeforeEach(func() {
			var err error
			p, err = portfolio.NewPortfolio("user1", "Growth", "USD")
			Expect(err).To(BeNil())

			prices = &fakePriceSource{prices: map[string]data.Money{
				"AAPL": usd("160.00"),
				"MSFT": usd("210.00"),
			}}
			txns = &fakeLedger{transactions: []*portfolio.Transaction{
				deposit(jan5, "10000.00"),
				trade(portfolio.BuyTransaction, jan6, "AAPL", 10, "1500.00"),
				trade(portfolio.BuyTransaction, jan6, "MSFT", 5, "1000.00"),
			}}
			valuer = portfolio.NewValuer(prices, txns)
		})

		It("prices each holding at the day's close", func() {
			snap, err := valuer.SnapshotOn(ctx, p, jan12)
			Expect(err).To(BeNil())

			Expect(snap.PortfolioID).To(Equal(p.ID))
			Expect(snap.Date).To(Equal(jan12))
			Expect(snap.Cash.Equal(usd("7500.00"))).To(BeTrue())
			Expect(snap.MarketValue.Equal(usd("2650.00"))).To(BeTrue())
			Expect(snap.TotalValue.Equal(usd("10150.00"))).To(BeTrue())
			Expect(snap.Holdings).To(HaveLen(2))

			Expect(prices.calls).To(Equal([]string{"AAPL", "MSFT"}))
			for _, instant := range prices.instants {
				Expect(instant).To(Equal(calendar.AtClose(jan12)))
			}
		})

		It("cuts the ledger off at the day's close", func() {
			_, err := valuer.SnapshotOn(ctx, p, jan12)
			Expect(err).To(BeNil())
			Expect(txns.filter).NotTo(BeNil())
			Expect(txns.filter.Through).To(Equal(calendar.AtClose(jan12)))
		})

		It("values an empty portfolio at zero", func() {
			txns.transactions = nil

			snap, err := valuer.SnapshotOn(ctx, p, jan12)
			Expect(err).To(BeNil())
			Expect(snap.TotalValue.IsZero()).To(BeTrue())
			Expect(snap.TotalValue.Currency).To(Equal("USD"))
			Expect(snap.Holdings).To(BeEmpty())
			Expect(prices.calls).To(BeEmpty())
		})

		It("never prices a fully sold ticker", func() {
			txns.transactions = append(txns.transactions,
				trade(portfolio.SellTransaction, jan6, "MSFT", 5, "1040.00"))

			snap, err := valuer.SnapshotOn(ctx, p, jan12)
			Expect(err).To(BeNil())
			Expect(prices.calls).To(Equal([]string{"AAPL"}))
			Expect(snap.MarketValue.Equal(usd("1600.00"))).To(BeTrue())
		})

		It("propagates pricing failures", func() {
			prices.err = data.ErrTickerNotFound

			_, err := valuer.SnapshotOn(ctx, p, jan12)
			Expect(err).To(MatchError(data.ErrTickerNotFound))
		})

		It("propagates ledger failures", func() {
			boom := errors.New("ledger unavailable")
			txns.err = boom

			_, err := valuer.SnapshotOn(ctx, p, jan12)
			Expect(err).To(MatchError(boom))
		})
	})
})
