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

import "fmt"

// Interval is the bar size of a price point. The string form is observable in
// hot-cache keys shared across instances and must not change.
type Interval string

const (
	Interval1Min  Interval = "1min"
	Interval5Min  Interval = "5min"
	Interval15Min Interval = "15min"
	Interval30Min Interval = "30min"
	Interval1Hour Interval = "1hour"
	Interval1Day  Interval = "1day"
)

// ParseInterval converts a string into an Interval, rejecting anything
// outside the supported set.
func ParseInterval(value string) (Interval, error) {
	switch Interval(value) {
	case Interval1Min, Interval5Min, Interval15Min, Interval30Min, Interval1Hour, Interval1Day:
		return Interval(value), nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidInterval, value)
}

// Valid returns true if the interval is one of the supported bar sizes.
func (interval Interval) Valid() bool {
	_, err := ParseInterval(string(interval))
	return err == nil
}

func (interval Interval) String() string {
	return string(interval)
}
