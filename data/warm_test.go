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

package data_test

import (
	"context"
	"time"

	"github.com/jackc/pgconn"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/papertrade/pt-api/data"
	"github.com/papertrade/pt-api/data/database"
	"github.com/papertrade/pt-api/pgxmockhelper"
	"github.com/pashagolub/pgxmock"
)

func strPtr(s string) *string {
	return &s
}

func int64Ptr(n int64) *int64 {
	return &n
}

var warmColumns = []string{"ticker", "event_time", "bar_interval", "price", "currency",
	"open", "high", "low", "close", "volume"}

var _ = Describe("WarmStore tests", func() {
	var (
		ctx    context.Context
		dbPool pgxmock.PgxConnIface
		warm   *data.WarmStore
	)

	expectTrx := func() {
		dbPool.ExpectBegin()
		dbPool.ExpectExec("SET ROLE").WillReturnResult(pgconn.CommandTag("SET ROLE"))
	}

	BeforeEach(func() {
		var err error
		ctx = context.Background()
		dbPool, err = pgxmock.NewConn()
		Expect(err).To(BeNil())
		database.SetPool(dbPool)
		warm = data.NewWarmStore()
	})

	Describe("When reading the latest price", func() {
		It("reconstructs a UTC price point tagged warm-store", func() {
			expectTrx()
			dbPool.ExpectQuery("event_time >=").WithArgs("AAPL", pgxmock.AnyArg()).WillReturnRows(
				pgxmock.NewRows(warmColumns).AddRow(
					"AAPL", time.Date(2026, 1, 12, 14, 30, 0, 0, time.UTC), "1day",
					"150.25", "USD", (*string)(nil), (*string)(nil), (*string)(nil),
					(*string)(nil), (*int64)(nil)))
			dbPool.ExpectCommit()

			point, err := warm.GetLatest(ctx, "AAPL", 4*time.Hour)
			Expect(err).To(BeNil())
			Expect(point.Ticker).To(Equal("AAPL"))
			Expect(point.Price.Equal(usd("150.25"))).To(BeTrue())
			Expect(point.Source).To(Equal(data.SourceWarmStore))
			Expect(point.Timestamp.Location()).To(Equal(time.UTC))
		})

		It("reports a miss when no row is fresh enough", func() {
			expectTrx()
			dbPool.ExpectQuery("event_time >=").WithArgs("AAPL", pgxmock.AnyArg()).WillReturnRows(
				pgxmock.NewRows(warmColumns))
			dbPool.ExpectRollback()

			_, err := warm.GetLatest(ctx, "AAPL", 4*time.Hour)
			Expect(err).To(MatchError(data.ErrWarmMiss))
		})

		It("restores OHLCV columns", func() {
			expectTrx()
			dbPool.ExpectQuery("event_time >=").WithArgs("AAPL", pgxmock.AnyArg()).WillReturnRows(
				pgxmock.NewRows(warmColumns).AddRow(
					"AAPL", time.Date(2026, 1, 12, 21, 0, 0, 0, time.UTC), "1day",
					"150.25", "USD", strPtr("149.10"), strPtr("151.00"), strPtr("148.75"),
					strPtr("150.25"), int64Ptr(1203400)))
			dbPool.ExpectCommit()

			point, err := warm.GetLatest(ctx, "AAPL", 24*time.Hour)
			Expect(err).To(BeNil())
			Expect(point.Open.Equal(usd("149.10"))).To(BeTrue())
			Expect(point.High.Equal(usd("151.00"))).To(BeTrue())
			Expect(point.Low.Equal(usd("148.75"))).To(BeTrue())
			Expect(point.Close.Equal(usd("150.25"))).To(BeTrue())
			Expect(*point.Volume).To(Equal(int64(1203400)))
		})
	})

	Describe("When reading the price at an instant", func() {
		It("returns the most recent row at or before the instant", func() {
			lastClose := time.Date(2026, 1, 16, 21, 0, 0, 0, time.UTC)
			expectTrx()
			dbPool.ExpectQuery("event_time <=").WithArgs("AAPL", lastClose).WillReturnRows(
				pgxmock.NewRows(warmColumns).AddRow(
					"AAPL", lastClose, "1day", "259.96", "USD", (*string)(nil),
					(*string)(nil), (*string)(nil), (*string)(nil), (*int64)(nil)))
			dbPool.ExpectCommit()

			point, err := warm.PriceAt(ctx, "AAPL", lastClose)
			Expect(err).To(BeNil())
			Expect(point.Price.Equal(usd("259.96"))).To(BeTrue())
			Expect(point.Timestamp).To(Equal(lastClose))
		})

		It("reports a miss when the ticker has no rows that early", func() {
			expectTrx()
			dbPool.ExpectQuery("event_time <=").WithArgs("NEWCO", pgxmock.AnyArg()).WillReturnRows(
				pgxmock.NewRows(warmColumns))
			dbPool.ExpectRollback()

			_, err := warm.PriceAt(ctx, "NEWCO", time.Date(2026, 1, 16, 21, 0, 0, 0, time.UTC))
			Expect(err).To(MatchError(data.ErrWarmMiss))
		})
	})

	Describe("When reading history", func() {
		It("returns rows ascending by timestamp", func() {
			dates := data.NewDateRange(
				time.Date(2026, 1, 12, 0, 0, 0, 0, time.UTC),
				time.Date(2026, 1, 14, 0, 0, 0, 0, time.UTC))

			expectTrx()
			dbPool.ExpectQuery("BETWEEN").WithArgs("AAPL", "1day", dates.Begin, dates.End).WillReturnRows(
				pgxmock.NewRows(warmColumns).
					AddRow("AAPL", time.Date(2026, 1, 12, 21, 0, 0, 0, time.UTC), "1day",
						"150.25", "USD", (*string)(nil), (*string)(nil), (*string)(nil), (*string)(nil), (*int64)(nil)).
					AddRow("AAPL", time.Date(2026, 1, 13, 21, 0, 0, 0, time.UTC), "1day",
						"151.40", "USD", (*string)(nil), (*string)(nil), (*string)(nil), (*string)(nil), (*int64)(nil)).
					AddRow("AAPL", time.Date(2026, 1, 14, 21, 0, 0, 0, time.UTC), "1day",
						"149.80", "USD", (*string)(nil), (*string)(nil), (*string)(nil), (*string)(nil), (*int64)(nil)))
			dbPool.ExpectCommit()

			points, err := warm.History(ctx, "AAPL", dates, data.Interval1Day)
			Expect(err).To(BeNil())
			Expect(points).To(HaveLen(3))
			for i := 1; i < len(points); i++ {
				Expect(points[i].Timestamp.After(points[i-1].Timestamp)).To(BeTrue())
			}
		})

		It("returns an empty list when no rows match", func() {
			dates := data.NewDateRange(
				time.Date(2026, 1, 12, 0, 0, 0, 0, time.UTC),
				time.Date(2026, 1, 14, 0, 0, 0, 0, time.UTC))

			expectTrx()
			dbPool.ExpectQuery("BETWEEN").WithArgs("NEWCO", "1day", dates.Begin, dates.End).WillReturnRows(
				pgxmock.NewRows(warmColumns))
			dbPool.ExpectCommit()

			points, err := warm.History(ctx, "NEWCO", dates, data.Interval1Day)
			Expect(err).To(BeNil())
			Expect(points).To(BeEmpty())
		})

		It("reconstructs a full month of daily bars", func() {
			dates := data.NewDateRange(
				time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
				time.Date(2026, 1, 31, 0, 0, 0, 0, time.UTC))

			pgxmockhelper.ExpectDailyHistory(dbPool, "testdata/aapl_daily.csv", "AAPL", dates.Begin, dates.End)

			points, err := warm.History(ctx, "AAPL", dates, data.Interval1Day)
			Expect(err).To(BeNil())
			Expect(points).To(HaveLen(20))
			Expect(points[0].Price.Equal(usd("149.75"))).To(BeTrue())
			Expect(points[0].Open.Equal(usd("148.20"))).To(BeTrue())
			Expect(points[0].Close.Equal(usd("149.75"))).To(BeTrue())
			Expect(*points[0].Volume).To(Equal(int64(48231900)))
			Expect(points[19].Timestamp).To(Equal(time.Date(2026, 1, 30, 21, 0, 0, 0, time.UTC)))
		})

		It("windows the fixture to the requested days", func() {
			dates := data.NewDateRange(
				time.Date(2026, 1, 12, 0, 0, 0, 0, time.UTC),
				time.Date(2026, 1, 16, 0, 0, 0, 0, time.UTC))

			pgxmockhelper.ExpectDailyHistory(dbPool, "testdata/aapl_daily.csv", "AAPL", dates.Begin, dates.End)

			points, err := warm.History(ctx, "AAPL", dates, data.Interval1Day)
			Expect(err).To(BeNil())
			Expect(points).To(HaveLen(5))
			Expect(points[0].Timestamp).To(Equal(time.Date(2026, 1, 12, 21, 0, 0, 0, time.UTC)))
			Expect(points[4].Timestamp).To(Equal(time.Date(2026, 1, 16, 21, 0, 0, 0, time.UTC)))
		})
	})

	Describe("When listing tickers", func() {
		It("returns the alphabetical unique set", func() {
			expectTrx()
			dbPool.ExpectQuery("SELECT DISTINCT ticker FROM prices").WillReturnRows(
				pgxmock.NewRows([]string{"ticker"}).
					AddRow("AAPL").
					AddRow("MSFT").
					AddRow("TSLA"))
			dbPool.ExpectCommit()

			tickers, err := warm.AllTickers(ctx)
			Expect(err).To(BeNil())
			Expect(tickers).To(Equal([]string{"AAPL", "MSFT", "TSLA"}))
		})
	})

	Describe("When upserting prices", func() {
		It("writes a single point in one transaction", func() {
			point := quoteAt("AAPL", "150.25", time.Date(2026, 1, 12, 15, 0, 0, 0, time.UTC), data.SourceUpstream)

			expectTrx()
			dbPool.ExpectExec("INSERT INTO prices").WithArgs(
				"AAPL", point.Timestamp, "1day", pgxmock.AnyArg(), "USD",
				nil, nil, nil, nil, (*int64)(nil),
			).WillReturnResult(pgconn.CommandTag("INSERT 0 1"))
			dbPool.ExpectCommit()

			Expect(warm.Upsert(ctx, point)).To(Succeed())
		})

		It("writes a batch of points in a single transaction", func() {
			first := quoteAt("AAPL", "150.25", time.Date(2026, 1, 12, 21, 0, 0, 0, time.UTC), data.SourceUpstream)
			second := quoteAt("AAPL", "151.40", time.Date(2026, 1, 13, 21, 0, 0, 0, time.UTC), data.SourceUpstream)

			expectTrx()
			dbPool.ExpectExec("INSERT INTO prices").WithArgs(
				"AAPL", first.Timestamp, "1day", pgxmock.AnyArg(), "USD",
				nil, nil, nil, nil, (*int64)(nil),
			).WillReturnResult(pgconn.CommandTag("INSERT 0 1"))
			dbPool.ExpectExec("INSERT INTO prices").WithArgs(
				"AAPL", second.Timestamp, "1day", pgxmock.AnyArg(), "USD",
				nil, nil, nil, nil, (*int64)(nil),
			).WillReturnResult(pgconn.CommandTag("INSERT 0 1"))
			dbPool.ExpectCommit()

			Expect(warm.UpsertMany(ctx, []*data.PricePoint{first, second})).To(Succeed())
		})

		It("refuses to store a point that fails validation", func() {
			bad := &data.PricePoint{
				Ticker:    "AAPL",
				Price:     usd("-1"),
				Timestamp: time.Date(2026, 1, 12, 21, 0, 0, 0, time.UTC),
				Source:    data.SourceUpstream,
				Interval:  data.Interval1Day,
			}

			expectTrx()
			dbPool.ExpectRollback()

			err := warm.Upsert(ctx, bad)
			Expect(err).To(MatchError(data.ErrInvalidPriceData))
		})
	})
})
