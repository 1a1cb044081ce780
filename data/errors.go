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
	"errors"
	"fmt"
	"time"
)

// Behavioral error kinds surfaced to the API layer. Specific conditions below
// wrap one of these so callers can classify with errors.Is.
var (
	ErrTickerNotFound        = errors.New("ticker not found")
	ErrMarketDataUnavailable = errors.New("market data unavailable")
	ErrInvalidPriceData      = errors.New("invalid price data")
	ErrClientInput           = errors.New("invalid request")
)

var (
	ErrMarketsClosed    = fmt.Errorf("%w: markets are closed", ErrTickerNotFound)
	ErrInvalidInterval  = fmt.Errorf("%w: unknown price interval", ErrClientInput)
	ErrBeginAfterEnd    = fmt.Errorf("%w: begin after end date", ErrClientInput)
	ErrInvalidTicker    = fmt.Errorf("%w: ticker must be 1-5 uppercase characters", ErrClientInput)
	ErrCurrencyMismatch = fmt.Errorf("%w: currency mismatch", ErrInvalidPriceData)
	ErrNonUTCTimestamp  = fmt.Errorf("%w: timestamp must be UTC", ErrInvalidPriceData)
	ErrFutureTimestamp  = fmt.Errorf("%w: requested instant is in the future", ErrMarketDataUnavailable)
	ErrNoDataAtInstant  = fmt.Errorf("%w: no price at requested instant", ErrMarketDataUnavailable)
)

// RateLimitError reports exhausted upstream quota along with how long the
// caller should wait before retrying.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("market data unavailable, retry in %d seconds", int(e.RetryAfter.Seconds()))
}

func (e *RateLimitError) Unwrap() error {
	return ErrMarketDataUnavailable
}
