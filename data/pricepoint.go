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
	"fmt"
	"regexp"
	"time"

	"github.com/rs/zerolog"
)

// Source identifies which tier a price point was served from.
type Source string

const (
	SourceUpstream  Source = "upstream"
	SourceHotCache  Source = "hot-cache"
	SourceWarmStore Source = "warm-store"
)

var tickerRegexp = regexp.MustCompile(`^[A-Z]{1,5}$`)

// ValidTicker reports whether the symbol is a 1-5 character uppercase ticker.
func ValidTicker(ticker string) bool {
	return tickerRegexp.MatchString(ticker)
}

// PricePoint is a single observed price for a ticker. Values are immutable
// once constructed; derive modified copies with WithSource, WithOHLC or
// WithVolume.
type PricePoint struct {
	Ticker    string
	Price     Money
	Timestamp time.Time
	Source    Source
	Interval  Interval

	// OHLC is optional and carried as a group; Volume is optional.
	Open   *Money
	High   *Money
	Low    *Money
	Close  *Money
	Volume *int64
}

// NewPricePoint builds a validated PricePoint without OHLCV data.
func NewPricePoint(ticker string, price Money, timestamp time.Time, source Source, interval Interval) (*PricePoint, error) {
	point := &PricePoint{
		Ticker:    ticker,
		Price:     price,
		Timestamp: timestamp,
		Source:    source,
		Interval:  interval,
	}
	if err := point.Validate(); err != nil {
		return nil, err
	}
	return point, nil
}

// Validate checks the internal consistency rules every stored price point
// must satisfy: ticker syntax, positive price, UTC timestamp, known source
// and interval, OHLC ordering, and non-negative volume.
func (p *PricePoint) Validate() error {
	if !ValidTicker(p.Ticker) {
		return fmt.Errorf("%w: invalid ticker %q", ErrInvalidPriceData, p.Ticker)
	}

	if err := p.Price.validate(); err != nil {
		return err
	}

	if !p.Price.IsPositive() {
		return fmt.Errorf("%w: price must be positive, got %s", ErrInvalidPriceData, p.Price)
	}

	if p.Timestamp.IsZero() {
		return fmt.Errorf("%w: timestamp is required", ErrInvalidPriceData)
	}

	if p.Timestamp.Location() != time.UTC {
		return ErrNonUTCTimestamp
	}

	switch p.Source {
	case SourceUpstream, SourceHotCache, SourceWarmStore:
	default:
		return fmt.Errorf("%w: unknown source %q", ErrInvalidPriceData, p.Source)
	}

	if !p.Interval.Valid() {
		return fmt.Errorf("%w: unknown interval %q", ErrInvalidPriceData, p.Interval)
	}

	if err := p.validateOHLC(); err != nil {
		return err
	}

	if p.Volume != nil && *p.Volume < 0 {
		return fmt.Errorf("%w: volume must be non-negative, got %d", ErrInvalidPriceData, *p.Volume)
	}

	return nil
}

func (p *PricePoint) validateOHLC() error {
	if p.Open == nil && p.High == nil && p.Low == nil && p.Close == nil {
		return nil
	}

	if p.Open == nil || p.High == nil || p.Low == nil || p.Close == nil {
		return fmt.Errorf("%w: ohlc fields are carried as a group", ErrInvalidPriceData)
	}

	for _, m := range []*Money{p.Open, p.High, p.Low, p.Close} {
		if m.Currency != p.Price.Currency {
			return fmt.Errorf("%w: ohlc %s != price %s", ErrCurrencyMismatch, m.Currency, p.Price.Currency)
		}
	}

	// low <= {open, close} <= high
	if p.Low.Amount.GreaterThan(p.Open.Amount) || p.Open.Amount.GreaterThan(p.High.Amount) ||
		p.Low.Amount.GreaterThan(p.Close.Amount) || p.Close.Amount.GreaterThan(p.High.Amount) {
		return fmt.Errorf("%w: ohlc out of order", ErrInvalidPriceData)
	}

	return nil
}

// WithSource returns a copy of the price point tagged with a different
// source. Used when serving cached data.
func (p *PricePoint) WithSource(source Source) *PricePoint {
	clone := *p
	clone.Source = source
	return &clone
}

// WithOHLC returns a validated copy carrying open/high/low/close prices.
func (p *PricePoint) WithOHLC(open, high, low, closePrice Money) (*PricePoint, error) {
	clone := *p
	clone.Open = &open
	clone.High = &high
	clone.Low = &low
	clone.Close = &closePrice
	if err := clone.Validate(); err != nil {
		return nil, err
	}
	return &clone, nil
}

// WithVolume returns a validated copy carrying the traded volume.
func (p *PricePoint) WithVolume(volume int64) (*PricePoint, error) {
	clone := *p
	clone.Volume = &volume
	if err := clone.Validate(); err != nil {
		return nil, err
	}
	return &clone, nil
}

// Equal compares (ticker, price, timestamp, source, interval); OHLC and
// volume are explicitly outside equality.
func (p *PricePoint) Equal(other *PricePoint) bool {
	if p == nil || other == nil {
		return p == other
	}
	return p.Ticker == other.Ticker &&
		p.Price.Equal(other.Price) &&
		p.Timestamp.Equal(other.Timestamp) &&
		p.Source == other.Source &&
		p.Interval == other.Interval
}

// Age returns how old the price point is relative to now.
func (p *PricePoint) Age(now time.Time) time.Duration {
	return now.Sub(p.Timestamp)
}

// MarshalZerologObject implements the log marshaller interface for zerolog
func (p *PricePoint) MarshalZerologObject(e *zerolog.Event) {
	e.Str("Ticker", p.Ticker).
		Object("Price", p.Price).
		Time("Timestamp", p.Timestamp).
		Str("Source", string(p.Source)).
		Str("Interval", string(p.Interval))
}
