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
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/papertrade/pt-api/data"
)

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

var _ = Describe("DateRange tests", func() {
	Describe("When checking containment", func() {
		DescribeTable("check containment",
			func(a, b *data.DateRange, expected bool) {
				Expect(a.Contains(b)).To(Equal(expected))
			},

			Entry("When ranges are equal", &data.DateRange{
				Begin: day(2026, 1, 1),
				End:   day(2026, 1, 31),
			}, &data.DateRange{
				Begin: day(2026, 1, 1),
				End:   day(2026, 1, 31),
			}, true),

			Entry("When b is a subset of a", &data.DateRange{
				Begin: day(2026, 1, 1),
				End:   day(2026, 1, 31),
			}, &data.DateRange{
				Begin: day(2026, 1, 25),
				End:   day(2026, 1, 31),
			}, true),

			Entry("When b is a superset of a", &data.DateRange{
				Begin: day(2026, 1, 25),
				End:   day(2026, 1, 31),
			}, &data.DateRange{
				Begin: day(2026, 1, 1),
				End:   day(2026, 1, 31),
			}, false),

			Entry("When ranges partially overlap", &data.DateRange{
				Begin: day(2026, 1, 1),
				End:   day(2026, 1, 31),
			}, &data.DateRange{
				Begin: day(2026, 1, 25),
				End:   day(2026, 2, 5),
			}, false),

			Entry("When ranges are disjoint", &data.DateRange{
				Begin: day(2026, 1, 1),
				End:   day(2026, 1, 31),
			}, &data.DateRange{
				Begin: day(2026, 2, 1),
				End:   day(2026, 2, 28),
			}, false),
		)
	})

	Describe("When filtering instants", func() {
		DescribeTable("check membership",
			func(t time.Time, expected bool) {
				dr := &data.DateRange{Begin: day(2026, 1, 10), End: day(2026, 1, 20)}
				Expect(dr.InRange(t)).To(Equal(expected))
			},

			Entry("inside the range", day(2026, 1, 15), true),
			Entry("on the begin boundary", day(2026, 1, 10), true),
			Entry("on the end boundary", day(2026, 1, 20), true),
			Entry("before the range", day(2026, 1, 9), false),
			Entry("after the range", day(2026, 1, 21), false),
		)
	})

	Describe("When validating ranges", func() {
		It("accepts an ordered range", func() {
			dr := &data.DateRange{Begin: day(2026, 1, 1), End: day(2026, 1, 31)}
			Expect(dr.Valid()).To(BeNil())
		})

		It("accepts a zero-length range", func() {
			dr := &data.DateRange{Begin: day(2026, 1, 1), End: day(2026, 1, 1)}
			Expect(dr.Valid()).To(BeNil())
		})

		It("rejects an inverted range", func() {
			dr := &data.DateRange{Begin: day(2026, 1, 31), End: day(2026, 1, 1)}
			Expect(dr.Valid()).To(Equal(data.ErrBeginAfterEnd))
		})
	})
})
