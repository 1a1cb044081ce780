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

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

const (
	// DefaultCurrency is assumed for upstream quotes that omit one.
	DefaultCurrency = "USD"

	// MoneyPlaces is the number of fractional digits kept for monetary sums.
	MoneyPlaces int32 = 2

	// QuantityPlaces is the number of fractional digits kept for share counts.
	QuantityPlaces int32 = 4
)

var currencyRegexp = regexp.MustCompile(`^[A-Z]{3}$`)

// Money is an exact decimal amount in a specific currency. Amounts are never
// represented as binary floats.
type Money struct {
	Amount   decimal.Decimal `json:"amount"`
	Currency string          `json:"currency"`
}

// NewMoney creates a Money value from an exact decimal amount.
func NewMoney(amount decimal.Decimal, currency string) Money {
	return Money{
		Amount:   amount,
		Currency: currency,
	}
}

// ParseMoney creates a Money value from a string-typed decimal, e.g. as read
// off the wire or out of a cache entry.
func ParseMoney(amount string, currency string) (Money, error) {
	d, err := decimal.NewFromString(amount)
	if err != nil {
		return Money{}, fmt.Errorf("%w: cannot parse decimal %q", ErrInvalidPriceData, amount)
	}
	return NewMoney(d, currency), nil
}

// Add returns m + other; the currencies must match.
func (m Money) Add(other Money) (Money, error) {
	if m.Currency != other.Currency {
		return Money{}, fmt.Errorf("%w: %s != %s", ErrCurrencyMismatch, m.Currency, other.Currency)
	}
	return NewMoney(m.Amount.Add(other.Amount), m.Currency), nil
}

// Sub returns m - other; the currencies must match.
func (m Money) Sub(other Money) (Money, error) {
	if m.Currency != other.Currency {
		return Money{}, fmt.Errorf("%w: %s != %s", ErrCurrencyMismatch, m.Currency, other.Currency)
	}
	return NewMoney(m.Amount.Sub(other.Amount), m.Currency), nil
}

// Mul scales m by a quantity and rounds the derived sum to two fractional
// digits using banker's rounding.
func (m Money) Mul(qty decimal.Decimal) Money {
	return NewMoney(m.Amount.Mul(qty).RoundBank(MoneyPlaces), m.Currency)
}

// Equal compares amount and currency; exponent differences in the underlying
// decimal representation do not affect equality.
func (m Money) Equal(other Money) bool {
	return m.Currency == other.Currency && m.Amount.Equal(other.Amount)
}

// IsPositive returns true when the amount is strictly greater than zero.
func (m Money) IsPositive() bool {
	return m.Amount.IsPositive()
}

// IsZero returns true when the amount is exactly zero.
func (m Money) IsZero() bool {
	return m.Amount.IsZero()
}

func (m Money) String() string {
	return fmt.Sprintf("%s %s", m.Amount.String(), m.Currency)
}

// StringFixed renders the amount with exactly two fractional digits using
// banker's rounding.
func (m Money) StringFixed() string {
	return m.Amount.StringFixedBank(MoneyPlaces)
}

func (m Money) validate() error {
	if !currencyRegexp.MatchString(m.Currency) {
		return fmt.Errorf("%w: invalid currency %q", ErrInvalidPriceData, m.Currency)
	}
	return nil
}

// MarshalZerologObject implements the log marshaller interface for zerolog
func (m Money) MarshalZerologObject(e *zerolog.Event) {
	e.Str("Amount", m.Amount.String()).Str("Currency", m.Currency)
}

// RoundQuantity rounds a share count to four fractional digits using banker's
// rounding.
func RoundQuantity(qty decimal.Decimal) decimal.Decimal {
	return qty.RoundBank(QuantityPlaces)
}
