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

package tradecron

import (
	"time"

	"github.com/papertrade/pt-api/calendar"
	"github.com/papertrade/pt-api/common"
)

// MarketStatus answers session questions for schedule evaluation: whether an
// instant falls on a trading day, inside trading hours, and where the trading
// week and month boundaries land. Holiday and weekend rules come from the
// calendar package.
type MarketStatus struct {
	marketHours *MarketHours
	tz          *time.Location
}

func NewMarketStatus(hours *MarketHours) *MarketStatus {
	return &MarketStatus{
		marketHours: hours,
		tz:          common.GetTimezone(),
	}
}

// localDate returns the calendar date of t in the exchange timezone, rebuilt
// as a UTC midnight. The calendar package works on UTC dates; converting the
// instant directly would shift evening times onto the next date.
func (ms *MarketStatus) localDate(t time.Time) time.Time {
	local := t.In(ms.tz)
	return time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, time.UTC)
}

// IsMarketHoliday returns true if the specified date is a market holiday
func (ms *MarketStatus) IsMarketHoliday(t time.Time) bool {
	return calendar.IsHoliday(ms.localDate(t))
}

// IsMarketDay returns true if the specified date is a valid trading day
// (i.e. not a market holiday or weekend)
func (ms *MarketStatus) IsMarketDay(t time.Time) bool {
	return calendar.IsTradingDay(ms.localDate(t))
}

// IsMarketOpen returns true if the specified time is during market hours
// (i.e. not a market holiday or weekend)
func (ms *MarketStatus) IsMarketOpen(t time.Time) bool {
	if !ms.IsMarketDay(t) {
		return false
	}

	local := t.In(ms.tz)
	timeOfDay := local.Hour()*100 + local.Minute()
	if timeOfDay < ms.marketHours.Open || timeOfDay > ms.marketHours.Close {
		return false
	}

	return true
}

// NextFirstTradingDayOfMonth returns the first trading day of the next month
func (ms *MarketStatus) NextFirstTradingDayOfMonth(t time.Time) time.Time {
	// construct a new date for the first of the month
	d := time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, ms.tz)
	// add a month to the date
	d = d.AddDate(0, 1, 0)
	// Check if the market is open on the date
	marketOpen := false
	for !marketOpen {
		marketOpen = ms.IsMarketDay(d)
		if !marketOpen {
			d = d.AddDate(0, 0, 1)
		}
	}
	return d
}

// NextFirstTradingDayOfWeek returns the first trading day of the week.
func (ms *MarketStatus) NextFirstTradingDayOfWeek(t time.Time) time.Time {
	daysToWeekBegin := (8 - t.Weekday()) % 7
	t2 := t.AddDate(0, 0, int(daysToWeekBegin))
	marketOpen := false
	for !marketOpen {
		marketOpen = ms.IsMarketDay(t2)
		if !marketOpen {
			t2 = t2.AddDate(0, 0, 1)
		}
	}

	// adjust t2 to midnight
	t2 = time.Date(t2.Year(), t2.Month(), t2.Day(), 0, 0, 0, 0, ms.tz)

	return t2
}

// LastTradingDayOfMonth returns the last trading day of the month containing
// t; where a trading day is defined as a day the market is open
func (ms *MarketStatus) LastTradingDayOfMonth(t time.Time) time.Time {
	firstOfMonth := time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, ms.tz)
	lastOfMonth := firstOfMonth.AddDate(0, 1, -1)

	marketOpen := false

	for !marketOpen {
		marketOpen = ms.IsMarketDay(lastOfMonth)
		if !marketOpen {
			lastOfMonth = lastOfMonth.AddDate(0, 0, -1)
		}
	}

	return lastOfMonth
}

// NextLastTradingDayOfWeek returns the next last trading day of week
func (ms *MarketStatus) NextLastTradingDayOfWeek(t time.Time) time.Time {
	daysToFriday := time.Friday - t.Weekday()
	lastDayOfWeek := t.AddDate(0, 0, int(daysToFriday))

	marketOpen := false

	for !marketOpen {
		marketOpen = ms.IsMarketDay(lastDayOfWeek)
		if !marketOpen {
			lastDayOfWeek = lastDayOfWeek.AddDate(0, 0, -1)
		}
	}

	// adjust lastDayOfWeek to midnight
	lastDayOfWeek = time.Date(lastDayOfWeek.Year(), lastDayOfWeek.Month(), lastDayOfWeek.Day(), 0, 0, 0, 0, ms.tz)
	return lastDayOfWeek
}
