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

package data

import (
	"time"

	"github.com/rs/zerolog"
)

// DateRange is an inclusive time period. Cached history ranges use it to
// answer subset queries: a broader cached range satisfies any narrower
// request it contains.
type DateRange struct {
	Begin time.Time
	End   time.Time
}

// NewDateRange builds an inclusive range spanning whole days: begin is
// truncated to midnight UTC and end is widened to the last instant of its
// date, so points timestamped at market close stay inside the range.
func NewDateRange(begin, end time.Time) *DateRange {
	b := begin.UTC()
	e := end.UTC()
	return &DateRange{
		Begin: time.Date(b.Year(), b.Month(), b.Day(), 0, 0, 0, 0, time.UTC),
		End:   time.Date(e.Year(), e.Month(), e.Day(), 0, 0, 0, 0, time.UTC).AddDate(0, 0, 1).Add(-time.Nanosecond),
	}
}

// Contains returns true if the range completely contains other
func (dr *DateRange) Contains(other *DateRange) bool {
	if (other.Begin.After(dr.Begin) || other.Begin.Equal(dr.Begin)) && (other.End.Before(dr.End) || other.End.Equal(dr.End)) {
		return true
	}
	return false
}

// InRange returns true if t falls inside the inclusive range
func (dr *DateRange) InRange(t time.Time) bool {
	if t.Before(dr.Begin) || t.After(dr.End) {
		return false
	}
	return true
}

// Valid checks if the range is well formed and returns an error if not
func (dr *DateRange) Valid() error {
	if dr.Begin.After(dr.End) {
		return ErrBeginAfterEnd
	}

	return nil
}

// MarshalZerologObject implements the log marshaller interface for zerolog
func (dr *DateRange) MarshalZerologObject(e *zerolog.Event) {
	e.Time("Begin", dr.Begin).Time("End", dr.End)
}
