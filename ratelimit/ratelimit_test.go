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

package ratelimit_test

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/papertrade/pt-api/ratelimit"
)

// fakeStore is an in-process stand-in for the shared key/value store. Eval
// interprets the consume script's semantics under a mutex, matching the
// atomicity Redis guarantees for server-side scripts.
type fakeStore struct {
	mu     sync.Mutex
	values map[string]string
	ttls   map[string]time.Duration
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		values: make(map[string]string),
		ttls:   make(map[string]time.Duration),
	}
}

func (f *fakeStore) Get(_ context.Context, key string) *redis.StringCmd {
	f.mu.Lock()
	defer f.mu.Unlock()

	if v, ok := f.values[key]; ok {
		return redis.NewStringResult(v, nil)
	}
	return redis.NewStringResult("", redis.Nil)
}

func (f *fakeStore) TTL(_ context.Context, key string) *redis.DurationCmd {
	f.mu.Lock()
	defer f.mu.Unlock()

	if ttl, ok := f.ttls[key]; ok {
		return redis.NewDurationResult(ttl, nil)
	}
	return redis.NewDurationResult(-2*time.Second, nil)
}

func (f *fakeStore) Eval(_ context.Context, _ string, keys []string, args ...interface{}) *redis.Cmd {
	f.mu.Lock()
	defer f.mu.Unlock()

	minute := f.counter(keys[0], toInt(args[0]))
	day := f.counter(keys[1], toInt(args[1]))

	if minute <= 0 || day <= 0 {
		return redis.NewCmdResult(int64(0), nil)
	}

	f.values[keys[0]] = strconv.Itoa(minute - 1)
	f.values[keys[1]] = strconv.Itoa(day - 1)
	f.ttls[keys[0]] = time.Duration(toInt(args[2])) * time.Second
	f.ttls[keys[1]] = time.Duration(toInt(args[3])) * time.Second

	return redis.NewCmdResult(int64(1), nil)
}

func (f *fakeStore) EvalSha(_ context.Context, _ string, _ []string, _ ...interface{}) *redis.Cmd {
	return redis.NewCmdResult(nil, errors.New("NOSCRIPT No matching script"))
}

func (f *fakeStore) ScriptExists(_ context.Context, hashes ...string) *redis.BoolSliceCmd {
	return redis.NewBoolSliceResult(make([]bool, len(hashes)), nil)
}

func (f *fakeStore) ScriptLoad(_ context.Context, _ string) *redis.StringCmd {
	return redis.NewStringResult("", nil)
}

func (f *fakeStore) counter(key string, limit int) int {
	if v, ok := f.values[key]; ok {
		n, _ := strconv.Atoi(v)
		return n
	}
	return limit
}

func (f *fakeStore) set(key, value string, ttl time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.values[key] = value
	if ttl > 0 {
		f.ttls[key] = ttl
	}
}

func toInt(v interface{}) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	}
	return 0
}

var _ = Describe("RateLimit tests", func() {
	var (
		ctx     context.Context
		store   *fakeStore
		limiter *ratelimit.Limiter
	)

	BeforeEach(func() {
		ctx = context.Background()
		store = newFakeStore()

		var err error
		limiter, err = ratelimit.New(store, "av", 5, 500)
		Expect(err).To(BeNil())
	})

	Describe("When constructing a limiter", func() {
		DescribeTable("capacities must be strictly positive",
			func(minute, day int) {
				_, err := ratelimit.New(store, "av", minute, day)
				Expect(errors.Is(err, ratelimit.ErrInvalidLimit)).To(BeTrue())
			},

			Entry("zero minute capacity", 0, 500),
			Entry("zero day capacity", 5, 0),
			Entry("negative minute capacity", -1, 500),
			Entry("negative day capacity", 5, -10),
		)
	})

	Describe("When the store is empty", func() {
		It("treats missing keys as full buckets", func() {
			minute, day, err := limiter.Remaining(ctx)
			Expect(err).To(BeNil())
			Expect(minute).To(Equal(5))
			Expect(day).To(Equal(500))
		})

		It("allows the next request", func() {
			ok, err := limiter.CanProceed(ctx)
			Expect(err).To(BeNil())
			Expect(ok).To(BeTrue())
		})

		It("reports zero wait time", func() {
			wait, err := limiter.WaitTime(ctx)
			Expect(err).To(BeNil())
			Expect(wait).To(BeZero())
		})
	})

	Describe("When consuming tokens", func() {
		It("decrements both buckets and refreshes both TTLs", func() {
			ok, err := limiter.Consume(ctx)
			Expect(err).To(BeNil())
			Expect(ok).To(BeTrue())

			minute, day, err := limiter.Remaining(ctx)
			Expect(err).To(BeNil())
			Expect(minute).To(Equal(4))
			Expect(day).To(Equal(499))

			Expect(store.ttls["av:minute"]).To(Equal(time.Minute))
			Expect(store.ttls["av:day"]).To(Equal(24 * time.Hour))
		})

		It("does not decrement on a read-only probe", func() {
			for i := 0; i < 3; i++ {
				ok, err := limiter.CanProceed(ctx)
				Expect(err).To(BeNil())
				Expect(ok).To(BeTrue())
			}

			minute, day, err := limiter.Remaining(ctx)
			Expect(err).To(BeNil())
			Expect(minute).To(Equal(5))
			Expect(day).To(Equal(500))
		})

		It("denies once the minute bucket is empty", func() {
			small, err := ratelimit.New(store, "av", 2, 500)
			Expect(err).To(BeNil())

			for i := 0; i < 2; i++ {
				ok, err := small.Consume(ctx)
				Expect(err).To(BeNil())
				Expect(ok).To(BeTrue())
			}

			ok, err := small.Consume(ctx)
			Expect(err).To(BeNil())
			Expect(ok).To(BeFalse())

			ok, err = small.CanProceed(ctx)
			Expect(err).To(BeNil())
			Expect(ok).To(BeFalse())
		})

		It("denies once the day bucket is empty", func() {
			small, err := ratelimit.New(store, "av", 5, 2)
			Expect(err).To(BeNil())

			for i := 0; i < 2; i++ {
				ok, err := small.Consume(ctx)
				Expect(err).To(BeNil())
				Expect(ok).To(BeTrue())
			}

			ok, err := small.Consume(ctx)
			Expect(err).To(BeNil())
			Expect(ok).To(BeFalse())

			minute, day, err := small.Remaining(ctx)
			Expect(err).To(BeNil())
			Expect(minute).To(Equal(3))
			Expect(day).To(BeZero())
		})

		It("leaves the store untouched on a denied request", func() {
			store.set("av:minute", "0", 30*time.Second)

			ok, err := limiter.Consume(ctx)
			Expect(err).To(BeNil())
			Expect(ok).To(BeFalse())

			Expect(store.values["av:minute"]).To(Equal("0"))
			Expect(store.ttls["av:minute"]).To(Equal(30 * time.Second))
			_, hasDay := store.values["av:day"]
			Expect(hasDay).To(BeFalse())
		})
	})

	Describe("When computing wait time", func() {
		It("uses the minute TTL when only the minute bucket is exhausted", func() {
			store.set("av:minute", "0", 30*time.Second)

			wait, err := limiter.WaitTime(ctx)
			Expect(err).To(BeNil())
			Expect(wait).To(Equal(30 * time.Second))
		})

		It("uses the day TTL when only the day bucket is exhausted", func() {
			store.set("av:day", "0", 8*time.Hour)

			wait, err := limiter.WaitTime(ctx)
			Expect(err).To(BeNil())
			Expect(wait).To(Equal(8 * time.Hour))
		})

		It("uses the minimum TTL when both buckets are exhausted", func() {
			store.set("av:minute", "0", 45*time.Second)
			store.set("av:day", "0", 8*time.Hour)

			wait, err := limiter.WaitTime(ctx)
			Expect(err).To(BeNil())
			Expect(wait).To(Equal(45 * time.Second))
		})

		It("reports zero for an exhausted bucket whose key has expired", func() {
			// counter present without a TTL entry models a key about to refill
			store.set("av:minute", "0", 0)

			wait, err := limiter.WaitTime(ctx)
			Expect(err).To(BeNil())
			Expect(wait).To(BeZero())
		})
	})

	Describe("When many callers race for tokens", func() {
		It("never overdraws the minute capacity", func() {
			var wg sync.WaitGroup
			var successes int64
			var countLock sync.Mutex

			for i := 0; i < 25; i++ {
				wg.Add(1)
				go func() {
					defer GinkgoRecover()
					defer wg.Done()

					ok, err := limiter.Consume(ctx)
					Expect(err).To(BeNil())
					if ok {
						countLock.Lock()
						successes++
						countLock.Unlock()
					}
				}()
			}

			wg.Wait()

			Expect(successes).To(Equal(int64(5)))

			minute, day, err := limiter.Remaining(ctx)
			Expect(err).To(BeNil())
			Expect(minute).To(BeZero())
			Expect(day).To(Equal(495))
		})
	})
})
