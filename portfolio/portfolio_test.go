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
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/papertrade/pt-api/data"
	"github.com/papertrade/pt-api/portfolio"
	"github.com/shopspring/decimal"
)

func usd(amount string) data.Money {
	d, err := decimal.NewFromString(amount)
	Expect(err).To(BeNil())
	return data.NewMoney(d, "USD")
}

func eur(amount string) data.Money {
	d, err := decimal.NewFromString(amount)
	Expect(err).To(BeNil())
	return data.NewMoney(d, "EUR")
}

var _ = Describe("Portfolio domain", func() {
	Describe("When creating portfolios", func() {
		It("rejects an empty user", func() {
			_, err := portfolio.NewPortfolio("", "Retirement", "USD")
			Expect(err).To(MatchError(portfolio.ErrEmptyUserID))
		})

		It("defaults the currency", func() {
			p, err := portfolio.NewPortfolio("user1", "Retirement", "")
			Expect(err).To(BeNil())
			Expect(p.Currency).To(Equal(data.DefaultCurrency))
		})

		It("assigns an id and a creation time", func() {
			p, err := portfolio.NewPortfolio("user1", "Retirement", "USD")
			Expect(err).To(BeNil())
			Expect(p.ID.String()).NotTo(Equal("00000000-0000-0000-0000-000000000000"))
			Expect(p.CreatedAt).To(BeTemporally("~", time.Now(), time.Minute))
			Expect(p.CreatedAt.Location()).To(Equal(time.UTC))
		})
	})

	DescribeTable("recognizing transaction kinds",
		func(kind string, expected bool) {
			Expect(portfolio.ValidKind(kind)).To(Equal(expected))
		},
		Entry("deposit", portfolio.DepositTransaction, true),
		Entry("withdraw", portfolio.WithdrawTransaction, true),
		Entry("buy", portfolio.BuyTransaction, true),
		Entry("sell", portfolio.SellTransaction, true),
		Entry("dividend", portfolio.DividendTransaction, true),
		Entry("splits are corporate actions, not ledger entries", "SPLIT", false),
		Entry("lowercase is not a kind", "buy", false),
		Entry("empty string", "", false),
	)

	Describe("When validating transactions", func() {
		buy := func() *portfolio.Transaction {
			return &portfolio.Transaction{
				Kind:        portfolio.BuyTransaction,
				Ticker:      "AAPL",
				Shares:      decimal.NewFromInt(10),
				PricePer:    usd("150.00"),
				TotalAmount: usd("1500.00"),
				OccurredAt:  time.Date(2026, 1, 12, 14, 30, 0, 0, time.UTC),
			}
		}

		It("accepts a well-formed buy", func() {
			Expect(buy().Validate()).To(Succeed())
		})

		It("accepts a deposit without ticker or shares", func() {
			t := &portfolio.Transaction{
				Kind:        portfolio.DepositTransaction,
				TotalAmount: usd("10000.00"),
				OccurredAt:  time.Date(2026, 1, 5, 14, 30, 0, 0, time.UTC),
			}
			Expect(t.Validate()).To(Succeed())
		})

		It("accepts a dividend with a ticker but no shares", func() {
			t := &portfolio.Transaction{
				Kind:        portfolio.DividendTransaction,
				Ticker:      "AAPL",
				TotalAmount: usd("23.50"),
				OccurredAt:  time.Date(2026, 2, 2, 14, 30, 0, 0, time.UTC),
			}
			Expect(t.Validate()).To(Succeed())
		})

		It("rejects an unknown kind", func() {
			t := buy()
			t.Kind = "SHORT"
			Expect(t.Validate()).To(MatchError(portfolio.ErrUnknownKind))
		})

		It("rejects a trade without a ticker", func() {
			t := buy()
			t.Ticker = ""
			Expect(t.Validate()).To(MatchError(portfolio.ErrTickerRequired))
		})

		It("rejects a malformed ticker", func() {
			t := buy()
			t.Ticker = "not-a-ticker"
			Expect(t.Validate()).To(MatchError(portfolio.ErrTickerRequired))
		})

		It("rejects a cash movement that names a ticker", func() {
			t := &portfolio.Transaction{
				Kind:        portfolio.DepositTransaction,
				Ticker:      "AAPL",
				TotalAmount: usd("10000.00"),
			}
			Expect(t.Validate()).To(MatchError(portfolio.ErrTickerRequired))
		})

		It("rejects a trade without shares", func() {
			t := buy()
			t.Shares = decimal.Zero
			Expect(t.Validate()).To(MatchError(portfolio.ErrSharesRequired))
		})

		It("rejects a non-positive total", func() {
			t := buy()
			t.TotalAmount = usd("0")
			Expect(t.Validate()).To(MatchError(portfolio.ErrAmountNotPositive))
		})

		It("rejects mixed currencies", func() {
			t := buy()
			t.PricePer = eur("150.00")
			Expect(t.Validate()).To(MatchError(portfolio.ErrCurrencyMismatch))
		})
	})
})
