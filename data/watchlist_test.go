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
	"github.com/pashagolub/pgxmock"
)

var watchlistCols = []string{"ticker", "priority", "active",
	"last_refresh_at", "next_refresh_at", "refresh_interval"}

var _ = Describe("Watchlist tests", func() {
	var (
		ctx       context.Context
		dbPool    pgxmock.PgxConnIface
		watchlist *data.Watchlist
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
		watchlist = data.NewWatchlist()
	})

	Describe("When adding tickers", func() {
		It("inserts an active entry with merge-down priority semantics", func() {
			expectTrx()
			dbPool.ExpectExec("INSERT INTO watchlist").
				WithArgs("AAPL", 10, int64(86400)).
				WillReturnResult(pgconn.CommandTag("INSERT 0 1"))
			dbPool.ExpectCommit()

			Expect(watchlist.Add(ctx, "AAPL", 10, 24*time.Hour)).To(Succeed())
		})

		It("normalizes lowercase tickers", func() {
			expectTrx()
			dbPool.ExpectExec("INSERT INTO watchlist").
				WithArgs("AAPL", 10, int64(86400)).
				WillReturnResult(pgconn.CommandTag("INSERT 0 1"))
			dbPool.ExpectCommit()

			Expect(watchlist.Add(ctx, "aapl", 10, 24*time.Hour)).To(Succeed())
		})

		It("rejects malformed tickers", func() {
			err := watchlist.Add(ctx, "NOT-A-TICKER", 10, 24*time.Hour)
			Expect(err).To(MatchError(data.ErrClientInput))
		})
	})

	Describe("When removing tickers", func() {
		It("marks the entry inactive", func() {
			expectTrx()
			dbPool.ExpectExec("UPDATE watchlist SET active='f'").
				WithArgs("AAPL").
				WillReturnResult(pgconn.CommandTag("UPDATE 1"))
			dbPool.ExpectCommit()

			Expect(watchlist.Remove(ctx, "AAPL")).To(Succeed())
		})
	})

	Describe("When querying stale entries", func() {
		It("returns entries due for a refresh", func() {
			lastRefresh := time.Date(2026, 1, 10, 0, 0, 0, 0, time.UTC)
			nextRefresh := time.Date(2026, 1, 11, 0, 0, 0, 0, time.UTC)

			expectTrx()
			dbPool.ExpectQuery("next_refresh_at IS NULL OR next_refresh_at").
				WithArgs(pgxmock.AnyArg(), 25).
				WillReturnRows(pgxmock.NewRows(watchlistCols).
					AddRow("AAPL", 1, true, (*time.Time)(nil), (*time.Time)(nil), int64(86400)).
					AddRow("MSFT", 5, true, &lastRefresh, &nextRefresh, int64(86400)))
			dbPool.ExpectCommit()

			entries, err := watchlist.Stale(ctx, 25)
			Expect(err).To(BeNil())
			Expect(entries).To(HaveLen(2))

			Expect(entries[0].Ticker).To(Equal("AAPL"))
			Expect(entries[0].LastRefreshAt).To(BeNil())
			Expect(entries[0].NextRefreshAt).To(BeNil())
			Expect(entries[0].RefreshInterval).To(Equal(24 * time.Hour))

			Expect(entries[1].Ticker).To(Equal("MSFT"))
			Expect(*entries[1].LastRefreshAt).To(Equal(lastRefresh))
			Expect(*entries[1].NextRefreshAt).To(Equal(nextRefresh))
		})
	})

	Describe("When touching refresh metadata", func() {
		It("updates both refresh columns", func() {
			now := time.Date(2026, 1, 12, 0, 0, 0, 0, time.UTC)
			nextAt := now.Add(24 * time.Hour)

			expectTrx()
			dbPool.ExpectExec("UPDATE watchlist SET last_refresh_at").
				WithArgs("AAPL", now, nextAt).
				WillReturnResult(pgconn.CommandTag("UPDATE 1"))
			dbPool.ExpectCommit()

			Expect(watchlist.TouchRefresh(ctx, "AAPL", now, nextAt)).To(Succeed())
		})
	})

	Describe("When listing active entries", func() {
		It("returns entries ordered by priority", func() {
			expectTrx()
			dbPool.ExpectQuery("WHERE active='t' ORDER BY priority").
				WillReturnRows(pgxmock.NewRows(watchlistCols).
					AddRow("TSLA", 1, true, (*time.Time)(nil), (*time.Time)(nil), int64(3600)).
					AddRow("AAPL", 2, true, (*time.Time)(nil), (*time.Time)(nil), int64(86400)))
			dbPool.ExpectCommit()

			entries, err := watchlist.ActiveAll(ctx)
			Expect(err).To(BeNil())
			Expect(entries).To(HaveLen(2))
			Expect(entries[0].Ticker).To(Equal("TSLA"))
			Expect(entries[1].Ticker).To(Equal("AAPL"))
		})
	})
})
