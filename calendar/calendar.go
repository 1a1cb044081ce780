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

// Package calendar computes the US equity trading calendar: observed market
// holidays, trading-day checks, and market-close instants. All dates are UTC;
// market close is the conventional 21:00 UTC (16:00 ET).
package calendar

import (
	"sort"
	"sync"
	"time"
)

// MarketCloseHour is the hour (UTC) at which US equity markets close.
const MarketCloseHour = 21

var (
	holidays      = make(map[int]map[int64]bool)
	holidayLocker sync.RWMutex
)

// EasterSunday computes the date of Easter for the given year using the
// anonymous Gregorian Computus algorithm.
func EasterSunday(year int) time.Time {
	a := year % 19
	b := year / 100
	c := year % 100
	d := b / 4
	e := b % 4
	f := (b + 8) / 25
	g := (b - f + 1) / 3
	h := (19*a + b - d - g + 15) % 30
	i := c / 4
	k := c % 4
	l := (32 + 2*e + 2*i - h - k) % 7
	m := (a + 11*h + 22*l) / 451
	month := (h + l - 7*m + 114) / 31
	day := (h+l-7*m+114)%31 + 1
	return time.Date(year, time.Month(month), day, 0, 0, 0, 0, time.UTC)
}

// HolidaysFor returns the ten observed US market holidays for the given year,
// sorted ascending. Fixed-date holidays falling on Saturday are observed the
// preceding Friday; those falling on Sunday are observed the following Monday.
// Only the observed date is returned.
func HolidaysFor(year int) []time.Time {
	easter := EasterSunday(year)
	days := []time.Time{
		// New Year's Day
		observed(time.Date(year, time.January, 1, 0, 0, 0, 0, time.UTC)),
		// Martin Luther King Jr. Day
		nthWeekday(year, time.January, time.Monday, 3),
		// Presidents Day
		nthWeekday(year, time.February, time.Monday, 3),
		// Good Friday
		easter.AddDate(0, 0, -2),
		// Memorial Day
		lastWeekday(year, time.May, time.Monday),
		// Juneteenth
		observed(time.Date(year, time.June, 19, 0, 0, 0, 0, time.UTC)),
		// Independence Day
		observed(time.Date(year, time.July, 4, 0, 0, 0, 0, time.UTC)),
		// Labor Day
		nthWeekday(year, time.September, time.Monday, 1),
		// Thanksgiving
		nthWeekday(year, time.November, time.Thursday, 4),
		// Christmas
		observed(time.Date(year, time.December, 25, 0, 0, 0, 0, time.UTC)),
	}

	sort.Slice(days, func(i, j int) bool {
		return days[i].Before(days[j])
	})

	return days
}

// IsHoliday returns true if the date of t is an observed market holiday.
func IsHoliday(t time.Time) bool {
	set := holidaySet(t.Year())
	d := midnight(t)
	return set[d.Unix()]
}

// IsTradingDay returns true if the date of t is a valid trading day
// (i.e. not a market holiday or weekend).
func IsTradingDay(t time.Time) bool {
	if t.Weekday() == time.Saturday || t.Weekday() == time.Sunday {
		return false
	}
	return !IsHoliday(t)
}

// LastTradingDayAt walks back day-by-day from the date of t until it finds a
// trading day and returns that day's market close (21:00 UTC). Note that on a
// trading day the returned close may lie in the future of t.
func LastTradingDayAt(t time.Time) time.Time {
	d := midnight(t)
	for !IsTradingDay(d) {
		d = d.AddDate(0, 0, -1)
	}
	return AtClose(d)
}

// PreviousTradingDay returns the market close of the trading day immediately
// before the most recent trading day at t. Holidays are honored; a Tuesday
// after a Monday holiday resolves to the prior Friday.
func PreviousTradingDay(t time.Time) time.Time {
	lastClose := LastTradingDayAt(t)
	return LastTradingDayAt(lastClose.AddDate(0, 0, -1))
}

// AtClose returns the market close instant (21:00 UTC) for the date of t.
func AtClose(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), MarketCloseHour, 0, 0, 0, time.UTC)
}

func holidaySet(year int) map[int64]bool {
	holidayLocker.RLock()
	set, ok := holidays[year]
	holidayLocker.RUnlock()
	if ok {
		return set
	}

	set = make(map[int64]bool, 10)
	for _, d := range HolidaysFor(year) {
		set[d.Unix()] = true
	}

	holidayLocker.Lock()
	holidays[year] = set
	holidayLocker.Unlock()

	return set
}

// observed shifts a fixed-date holiday off the weekend: Saturday is observed
// the preceding Friday, Sunday the following Monday.
func observed(d time.Time) time.Time {
	switch d.Weekday() {
	case time.Saturday:
		return d.AddDate(0, 0, -1)
	case time.Sunday:
		return d.AddDate(0, 0, 1)
	default:
		return d
	}
}

// nthWeekday returns the nth occurrence of the given weekday in a month.
// Floating holidays cannot land on a weekend by construction.
func nthWeekday(year int, month time.Month, weekday time.Weekday, n int) time.Time {
	d := time.Date(year, month, 1, 0, 0, 0, 0, time.UTC)
	offset := (int(weekday) - int(d.Weekday()) + 7) % 7
	return d.AddDate(0, 0, offset+(n-1)*7)
}

// lastWeekday returns the final occurrence of the given weekday in a month.
func lastWeekday(year int, month time.Month, weekday time.Weekday) time.Time {
	d := time.Date(year, month+1, 1, 0, 0, 0, 0, time.UTC).AddDate(0, 0, -1)
	offset := (int(d.Weekday()) - int(weekday) + 7) % 7
	return d.AddDate(0, 0, -offset)
}

func midnight(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
