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

// Package portfolio models paper-trading accounts: the portfolio record, its
// append-only transaction ledger, and the end-of-day valuation snapshots
// derived from the ledger and the price tiers.
package portfolio

import (
	"encoding/hex"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/papertrade/pt-api/data"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"github.com/zeebo/blake3"
)

// Transaction kinds. Every ledger entry is exactly one of these.
const (
	DepositTransaction  = "DEPOSIT"
	WithdrawTransaction = "WITHDRAW"
	BuyTransaction      = "BUY"
	SellTransaction     = "SELL"
	DividendTransaction = "DIVIDEND"
)

var (
	ErrEmptyUserID       = errors.New("user id empty")
	ErrPortfolioNotFound = errors.New("could not find portfolio ID in database")
	ErrSnapshotNotFound  = errors.New("no snapshot recorded for the requested date")
	ErrGenerateHash      = errors.New("could not create a new hash")
	ErrUnknownKind       = errors.New("unknown transaction kind")
	ErrTickerRequired    = errors.New("transaction kind requires a valid ticker")
	ErrSharesRequired    = errors.New("transaction kind requires a positive share count")
	ErrAmountNotPositive = errors.New("transaction total must be positive")
	ErrCurrencyMismatch  = errors.New("transaction currency does not match portfolio")
	ErrOversell          = errors.New("cannot sell more shares than the portfolio holds")
)

// Portfolio is a paper-trading account owned by a single user. All monetary
// amounts in its ledger and snapshots are denominated in Currency.
type Portfolio struct {
	ID        uuid.UUID
	UserID    string
	Name      string
	Currency  string
	CreatedAt time.Time
}

// NewPortfolio creates a portfolio for the given user. An empty currency
// defaults to data.DefaultCurrency.
func NewPortfolio(userID string, name string, currency string) (*Portfolio, error) {
	if userID == "" {
		return nil, ErrEmptyUserID
	}
	if currency == "" {
		currency = data.DefaultCurrency
	}
	return &Portfolio{
		ID:        uuid.New(),
		UserID:    userID,
		Name:      name,
		Currency:  currency,
		CreatedAt: time.Now().UTC(),
	}, nil
}

// Transaction is a single entry in a portfolio's append-only ledger.
//
// SourceID is a deterministic digest of the identifying fields; replaying an
// import produces the same SourceID and collapses onto the original row.
type Transaction struct {
	ID          uuid.UUID
	SourceID    string
	PortfolioID uuid.UUID
	Kind        string
	Ticker      string
	Shares      decimal.Decimal
	PricePer    data.Money
	TotalAmount data.Money
	OccurredAt  time.Time
}

// Snapshot is the valuation of a portfolio at the close of a single trading
// day. Holdings maps ticker to the share count held at that close.
type Snapshot struct {
	PortfolioID uuid.UUID
	Date        time.Time
	Cash        data.Money
	MarketValue data.Money
	TotalValue  data.Money
	Holdings    map[string]decimal.Decimal
}

// ValidKind reports whether kind names a known transaction kind.
func ValidKind(kind string) bool {
	switch kind {
	case DepositTransaction, WithdrawTransaction, BuyTransaction, SellTransaction, DividendTransaction:
		return true
	}
	return false
}

// tradesShares reports whether the kind moves shares as well as cash.
func tradesShares(kind string) bool {
	return kind == BuyTransaction || kind == SellTransaction
}

// Validate checks that the transaction is internally consistent: a known
// kind, a ticker and positive share count where the kind calls for them, a
// positive total, and a single currency throughout.
func (t *Transaction) Validate() error {
	if !ValidKind(t.Kind) {
		return ErrUnknownKind
	}

	switch t.Kind {
	case BuyTransaction, SellTransaction, DividendTransaction:
		if !data.ValidTicker(t.Ticker) {
			return ErrTickerRequired
		}
	default:
		if t.Ticker != "" {
			return ErrTickerRequired
		}
	}

	if tradesShares(t.Kind) && !t.Shares.IsPositive() {
		return ErrSharesRequired
	}

	if !t.TotalAmount.IsPositive() {
		return ErrAmountNotPositive
	}

	if t.PricePer.Currency != "" && t.PricePer.Currency != t.TotalAmount.Currency {
		return ErrCurrencyMismatch
	}

	return nil
}

// computeTransactionSourceID fills t.SourceID with a hex digest of the fields
// that identify a transaction. Numeric fields are rendered at fixed precision
// so equal values always hash equally regardless of input scale.
func computeTransactionSourceID(t *Transaction) error {
	h := blake3.New()

	occurred, err := t.OccurredAt.UTC().MarshalText()
	if err != nil {
		return err
	}

	if _, err := h.Write(occurred); err != nil {
		log.Error().Stack().Err(err).Msg("could not write date to blake3 hasher")
		return err
	}

	if _, err := h.Write([]byte(t.PortfolioID.String())); err != nil {
		log.Error().Stack().Err(err).Msg("could not write portfolio id to blake3 hasher")
		return err
	}

	if _, err := h.Write([]byte(t.Kind)); err != nil {
		log.Error().Stack().Err(err).Msg("could not write kind to blake3 hasher")
		return err
	}

	if _, err := h.Write([]byte(t.Ticker)); err != nil {
		log.Error().Stack().Err(err).Msg("could not write ticker to blake3 hasher")
		return err
	}

	if _, err := h.Write([]byte(t.Shares.StringFixedBank(data.QuantityPlaces))); err != nil {
		log.Error().Stack().Err(err).Msg("could not write shares to blake3 hasher")
		return err
	}

	if _, err := h.Write([]byte(t.PricePer.StringFixed())); err != nil {
		log.Error().Stack().Err(err).Msg("could not write price to blake3 hasher")
		return err
	}

	if _, err := h.Write([]byte(t.TotalAmount.StringFixed())); err != nil {
		log.Error().Stack().Err(err).Msg("could not write total to blake3 hasher")
		return err
	}

	if _, err := h.Write([]byte(t.TotalAmount.Currency)); err != nil {
		log.Error().Stack().Err(err).Msg("could not write currency to blake3 hasher")
		return err
	}

	digest := h.Digest()
	buf := make([]byte, 16)
	n, err := digest.Read(buf)
	if err != nil {
		return err
	}
	if n != 16 {
		return ErrGenerateHash
	}

	t.SourceID = hex.EncodeToString(buf)
	return nil
}
