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
	"path"
	"sort"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/papertrade/pt-api/data"
)

// fakeHotStore is an in-process stand-in for the shared key/value store. Scan
// returns one key per page so cursor iteration is actually exercised.
type fakeHotStore struct {
	mu     sync.Mutex
	values map[string]string
	ttls   map[string]time.Duration
	scans  int
}

func newFakeHotStore() *fakeHotStore {
	return &fakeHotStore{
		values: make(map[string]string),
		ttls:   make(map[string]time.Duration),
	}
}

func (f *fakeHotStore) Get(_ context.Context, key string) *redis.StringCmd {
	f.mu.Lock()
	defer f.mu.Unlock()

	if v, ok := f.values[key]; ok {
		return redis.NewStringResult(v, nil)
	}
	return redis.NewStringResult("", redis.Nil)
}

func (f *fakeHotStore) Set(_ context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd {
	f.mu.Lock()
	defer f.mu.Unlock()

	switch v := value.(type) {
	case []byte:
		f.values[key] = string(v)
	case string:
		f.values[key] = v
	}
	f.ttls[key] = expiration
	return redis.NewStatusResult("OK", nil)
}

func (f *fakeHotStore) Del(_ context.Context, keys ...string) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()

	var removed int64
	for _, key := range keys {
		if _, ok := f.values[key]; ok {
			delete(f.values, key)
			delete(f.ttls, key)
			removed++
		}
	}
	return redis.NewIntResult(removed, nil)
}

func (f *fakeHotStore) Exists(_ context.Context, keys ...string) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()

	var found int64
	for _, key := range keys {
		if _, ok := f.values[key]; ok {
			found++
		}
	}
	return redis.NewIntResult(found, nil)
}

func (f *fakeHotStore) TTL(_ context.Context, key string) *redis.DurationCmd {
	f.mu.Lock()
	defer f.mu.Unlock()

	if ttl, ok := f.ttls[key]; ok {
		return redis.NewDurationResult(ttl, nil)
	}
	return redis.NewDurationResult(-2*time.Second, nil)
}

func (f *fakeHotStore) Scan(_ context.Context, cursor uint64, match string, _ int64) *redis.ScanCmd {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.scans++

	keys := make([]string, 0, len(f.values))
	for k := range f.values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for i := int(cursor); i < len(keys); i++ {
		if ok, _ := path.Match(match, keys[i]); ok {
			return redis.NewScanCmdResult([]string{keys[i]}, uint64(i+1), nil)
		}
	}
	return redis.NewScanCmdResult([]string{}, 0, nil)
}

func (f *fakeHotStore) set(key, value string, ttl time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.values[key] = value
	f.ttls[key] = ttl
}

func (f *fakeHotStore) scanCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.scans
}

func quoteAt(ticker, amount string, timestamp time.Time, source data.Source) *data.PricePoint {
	point, err := data.NewPricePoint(ticker, usd(amount), timestamp, source, data.Interval1Day)
	Expect(err).To(BeNil())
	return point
}

var _ = Describe("HotCache tests", func() {
	var (
		ctx   context.Context
		store *fakeHotStore
		hot   *data.HotCache
		now   time.Time
	)

	BeforeEach(func() {
		ctx = context.Background()
		store = newFakeHotStore()
		hot = data.NewHotCache(store, "pt:price")
		now = time.Date(2026, 1, 12, 15, 0, 0, 0, time.UTC)
	})

	Describe("When working with latest quotes", func() {
		It("reports a miss for an unknown ticker", func() {
			_, err := hot.GetLatest(ctx, "AAPL")
			Expect(err).To(MatchError(data.ErrHotMiss))
		})

		It("round-trips a quote through the latest-key", func() {
			point := quoteAt("AAPL", "150.25", now, data.SourceUpstream)
			Expect(hot.PutLatest(ctx, point, time.Hour)).To(Succeed())

			got, err := hot.GetLatest(ctx, "AAPL")
			Expect(err).To(BeNil())
			Expect(got.Equal(point)).To(BeTrue())
		})

		It("stores quotes under the shared key format", func() {
			point := quoteAt("AAPL", "150.25", now, data.SourceUpstream)
			Expect(hot.PutLatest(ctx, point, time.Hour)).To(Succeed())

			exists, err := hot.Exists(ctx, "AAPL")
			Expect(err).To(BeNil())
			Expect(exists).To(BeTrue())
			Expect(store.values).To(HaveKey("pt:price:AAPL"))
		})

		It("preserves OHLCV through serialization", func() {
			point := quoteAt("AAPL", "150.25", now, data.SourceUpstream)
			point, err := point.WithOHLC(usd("149.10"), usd("151.00"), usd("148.75"), usd("150.25"))
			Expect(err).To(BeNil())
			point, err = point.WithVolume(1_203_400)
			Expect(err).To(BeNil())

			Expect(hot.PutLatest(ctx, point, time.Hour)).To(Succeed())

			got, err := hot.GetLatest(ctx, "AAPL")
			Expect(err).To(BeNil())
			Expect(got.Equal(point)).To(BeTrue())
			Expect(got.Open.Equal(*point.Open)).To(BeTrue())
			Expect(got.High.Equal(*point.High)).To(BeTrue())
			Expect(got.Low.Equal(*point.Low)).To(BeTrue())
			Expect(got.Close.Equal(*point.Close)).To(BeTrue())
			Expect(*got.Volume).To(Equal(int64(1_203_400)))
		})

		It("treats a corrupt entry as a miss", func() {
			store.set("pt:price:AAPL", "{not json", time.Hour)

			_, err := hot.GetLatest(ctx, "AAPL")
			Expect(err).To(MatchError(data.ErrHotMiss))
		})

		It("treats an entry violating price invariants as a miss", func() {
			store.set("pt:price:AAPL",
				`{"ticker":"AAPL","price":"-3.50","currency":"USD","timestamp":"2026-01-12T15:00:00Z","source":"upstream","interval":"1day"}`,
				time.Hour)

			_, err := hot.GetLatest(ctx, "AAPL")
			Expect(err).To(MatchError(data.ErrHotMiss))
		})

		It("deletes the latest-key", func() {
			point := quoteAt("AAPL", "150.25", now, data.SourceUpstream)
			Expect(hot.PutLatest(ctx, point, time.Hour)).To(Succeed())
			Expect(hot.Delete(ctx, "AAPL")).To(Succeed())

			exists, err := hot.Exists(ctx, "AAPL")
			Expect(err).To(BeNil())
			Expect(exists).To(BeFalse())
		})

		It("reports the remaining time-to-live", func() {
			point := quoteAt("AAPL", "150.25", now, data.SourceUpstream)
			Expect(hot.PutLatest(ctx, point, 2*time.Hour)).To(Succeed())

			ttl, err := hot.TTL(ctx, "AAPL")
			Expect(err).To(BeNil())
			Expect(ttl).To(Equal(2 * time.Hour))
		})
	})

	Describe("When working with history ranges", func() {
		var (
			january *data.DateRange
			points  []*data.PricePoint
		)

		BeforeEach(func() {
			january = data.NewDateRange(
				time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
				time.Date(2026, 1, 31, 0, 0, 0, 0, time.UTC))

			points = make([]*data.PricePoint, 0, 31)
			for dayOfMonth := 1; dayOfMonth <= 31; dayOfMonth++ {
				closeAt := time.Date(2026, 1, dayOfMonth, 21, 0, 0, 0, time.UTC)
				points = append(points, quoteAt("AAPL", "150.25", closeAt, data.SourceHotCache))
			}
		})

		It("serves an exact range without scanning", func() {
			Expect(hot.PutHistory(ctx, "AAPL", january, data.Interval1Day, points, time.Hour)).To(Succeed())

			got, err := hot.GetHistory(ctx, "AAPL", january, data.Interval1Day)
			Expect(err).To(BeNil())
			Expect(got).To(HaveLen(31))
			Expect(store.scanCalls()).To(BeZero())
		})

		It("serves a narrower request from a containing range", func() {
			Expect(hot.PutHistory(ctx, "AAPL", january, data.Interval1Day, points, time.Hour)).To(Succeed())

			week := data.NewDateRange(
				time.Date(2026, 1, 25, 0, 0, 0, 0, time.UTC),
				time.Date(2026, 1, 31, 0, 0, 0, 0, time.UTC))
			got, err := hot.GetHistory(ctx, "AAPL", week, data.Interval1Day)
			Expect(err).To(BeNil())
			Expect(got).To(HaveLen(7))
			for _, point := range got {
				Expect(week.InRange(point.Timestamp)).To(BeTrue())
			}
		})

		It("does not serve a narrower cached range", func() {
			midMonth := data.NewDateRange(
				time.Date(2026, 1, 10, 0, 0, 0, 0, time.UTC),
				time.Date(2026, 1, 15, 0, 0, 0, 0, time.UTC))
			Expect(hot.PutHistory(ctx, "AAPL", midMonth, data.Interval1Day, points[9:15], time.Hour)).To(Succeed())

			_, err := hot.GetHistory(ctx, "AAPL", january, data.Interval1Day)
			Expect(err).To(MatchError(data.ErrHotMiss))
		})

		It("does not mix tickers or intervals", func() {
			Expect(hot.PutHistory(ctx, "AAPL", january, data.Interval1Day, points, time.Hour)).To(Succeed())

			week := data.NewDateRange(
				time.Date(2026, 1, 25, 0, 0, 0, 0, time.UTC),
				time.Date(2026, 1, 31, 0, 0, 0, 0, time.UTC))

			_, err := hot.GetHistory(ctx, "MSFT", week, data.Interval1Day)
			Expect(err).To(MatchError(data.ErrHotMiss))

			_, err = hot.GetHistory(ctx, "AAPL", week, data.Interval1Hour)
			Expect(err).To(MatchError(data.ErrHotMiss))
		})

		It("skips corrupt candidates and keeps scanning", func() {
			store.set("pt:price:AAPL:history:2025-12-01:2026-02-28:1day", "{not json", time.Hour)
			Expect(hot.PutHistory(ctx, "AAPL", january, data.Interval1Day, points, time.Hour)).To(Succeed())

			week := data.NewDateRange(
				time.Date(2026, 1, 25, 0, 0, 0, 0, time.UTC),
				time.Date(2026, 1, 31, 0, 0, 0, 0, time.UTC))
			got, err := hot.GetHistory(ctx, "AAPL", week, data.Interval1Day)
			Expect(err).To(BeNil())
			Expect(got).To(HaveLen(7))
		})

		It("skips malformed keys", func() {
			store.set("pt:price:AAPL:history:garbage:2026-02-28:1day", "[]", time.Hour)
			Expect(hot.PutHistory(ctx, "AAPL", january, data.Interval1Day, points, time.Hour)).To(Succeed())

			week := data.NewDateRange(
				time.Date(2026, 1, 25, 0, 0, 0, 0, time.UTC),
				time.Date(2026, 1, 31, 0, 0, 0, 0, time.UTC))
			got, err := hot.GetHistory(ctx, "AAPL", week, data.Interval1Day)
			Expect(err).To(BeNil())
			Expect(got).To(HaveLen(7))
		})

		It("keeps scanning when a candidate filters to nothing", func() {
			// covers the request dates but only holds out-of-range points
			wide := data.NewDateRange(
				time.Date(2025, 12, 1, 0, 0, 0, 0, time.UTC),
				time.Date(2026, 2, 28, 0, 0, 0, 0, time.UTC))
			decemberOnly := []*data.PricePoint{
				quoteAt("AAPL", "149.00", time.Date(2025, 12, 15, 21, 0, 0, 0, time.UTC), data.SourceHotCache),
			}
			Expect(hot.PutHistory(ctx, "AAPL", wide, data.Interval1Day, decemberOnly, time.Hour)).To(Succeed())
			Expect(hot.PutHistory(ctx, "AAPL", january, data.Interval1Day, points, time.Hour)).To(Succeed())

			week := data.NewDateRange(
				time.Date(2026, 1, 25, 0, 0, 0, 0, time.UTC),
				time.Date(2026, 1, 31, 0, 0, 0, 0, time.UTC))
			got, err := hot.GetHistory(ctx, "AAPL", week, data.Interval1Day)
			Expect(err).To(BeNil())
			Expect(got).To(HaveLen(7))
		})

		It("skips corrupt points inside an otherwise good entry", func() {
			Expect(hot.PutHistory(ctx, "AAPL", january, data.Interval1Day, points, time.Hour)).To(Succeed())

			// splice a corrupt element into the stored list
			raw := store.values["pt:price:AAPL:history:2026-01-01:2026-01-31:1day"]
			corrupted := `[{"ticker":"AAPL","price":"oops","currency":"USD","timestamp":"2026-01-02T21:00:00Z","source":"hot-cache","interval":"1day"},` + raw[1:]
			store.set("pt:price:AAPL:history:2026-01-01:2026-01-31:1day", corrupted, time.Hour)

			got, err := hot.GetHistory(ctx, "AAPL", january, data.Interval1Day)
			Expect(err).To(BeNil())
			Expect(got).To(HaveLen(31))
		})
	})
})
