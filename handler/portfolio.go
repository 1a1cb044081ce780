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

package handler

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/papertrade/pt-api/data"
	"github.com/papertrade/pt-api/portfolio"

	"github.com/goccy/go-json"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

var (
	portfolioStore = portfolio.NewStore()
	transactionLog = portfolio.NewTransactionLog()
	snapshotStore  = portfolio.NewSnapshotStore()
)

// ownedPortfolio loads the portfolio named by the id route parameter and
// verifies it belongs to the authenticated user. Portfolios owned by someone
// else are reported as not found so their existence is not leaked.
func ownedPortfolio(ctx context.Context, c *fiber.Ctx) (*portfolio.Portfolio, error) {
	userID := c.Locals("userID").(string)
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return nil, fiber.ErrBadRequest
	}

	p, err := portfolioStore.Get(ctx, id)
	if err != nil {
		return nil, httpError(c, err)
	}
	if p.UserID != userID {
		return nil, fiber.ErrNotFound
	}
	return p, nil
}

type portfolioParams struct {
	Name     string `json:"name"`
	Currency string `json:"currency"`
}

// ListPortfolios returns every portfolio belonging to the authenticated user.
func ListPortfolios(c *fiber.Ctx) error {
	ctx := context.Background()
	userID := c.Locals("userID").(string)
	subLog := log.With().Str("UserID", userID).Str("Endpoint", "ListPortfolios").Logger()

	portfolios, err := portfolioStore.ListByUser(ctx, userID)
	if err != nil {
		subLog.Warn().Err(err).Msg("could not list portfolios")
		return httpError(c, err)
	}

	return c.JSON(portfolios)
}

// GetPortfolio returns a single portfolio.
func GetPortfolio(c *fiber.Ctx) error {
	ctx := context.Background()
	p, err := ownedPortfolio(ctx, c)
	if err != nil {
		return err
	}
	return c.JSON(p)
}

// CreatePortfolio creates a new paper-trading account for the authenticated
// user.
func CreatePortfolio(c *fiber.Ctx) error {
	ctx := context.Background()
	userID := c.Locals("userID").(string)
	subLog := log.With().Str("UserID", userID).Str("Endpoint", "CreatePortfolio").Logger()

	var params portfolioParams
	if err := json.Unmarshal(c.Body(), &params); err != nil {
		subLog.Warn().Err(err).Msg("could not parse create portfolio request")
		return fiber.ErrBadRequest
	}
	if params.Name == "" {
		return fiber.ErrBadRequest
	}

	p, err := portfolio.NewPortfolio(userID, params.Name, strings.ToUpper(params.Currency))
	if err != nil {
		return httpError(c, err)
	}

	if err := portfolioStore.Save(ctx, p); err != nil {
		subLog.Warn().Err(err).Msg("could not save portfolio")
		return httpError(c, err)
	}

	return c.JSON(p)
}

// UpdatePortfolio renames a portfolio. Currency is immutable once set since
// the ledger is denominated in it.
func UpdatePortfolio(c *fiber.Ctx) error {
	ctx := context.Background()
	p, err := ownedPortfolio(ctx, c)
	if err != nil {
		return err
	}
	subLog := log.With().Str("PortfolioID", p.ID.String()).Str("Endpoint", "UpdatePortfolio").Logger()

	var params portfolioParams
	if err := json.Unmarshal(c.Body(), &params); err != nil {
		subLog.Warn().Err(err).Msg("could not parse update portfolio request")
		return fiber.ErrBadRequest
	}

	if params.Name != "" {
		p.Name = params.Name
	}

	if err := portfolioStore.Save(ctx, p); err != nil {
		subLog.Warn().Err(err).Msg("could not update portfolio")
		return httpError(c, err)
	}

	return c.JSON(p)
}

// DeletePortfolio removes a portfolio along with its ledger and snapshots.
func DeletePortfolio(c *fiber.Ctx) error {
	ctx := context.Background()
	p, err := ownedPortfolio(ctx, c)
	if err != nil {
		return err
	}
	subLog := log.With().Str("PortfolioID", p.ID.String()).Str("Endpoint", "DeletePortfolio").Logger()

	if err := portfolioStore.Delete(ctx, p.ID); err != nil {
		subLog.Warn().Err(err).Msg("could not delete portfolio")
		return httpError(c, err)
	}

	return c.JSON(fiber.Map{"status": "success"})
}

type transactionParams struct {
	Kind        string          `json:"kind"`
	Ticker      string          `json:"ticker"`
	Shares      decimal.Decimal `json:"shares"`
	PricePer    decimal.Decimal `json:"pricePer"`
	TotalAmount decimal.Decimal `json:"totalAmount"`
	OccurredAt  time.Time       `json:"occurredAt"`
}

// CreateTransaction appends an entry to the portfolio's ledger. Replaying the
// same entry is a no-op because the ledger deduplicates on SourceID.
func CreateTransaction(c *fiber.Ctx) error {
	ctx := context.Background()
	p, err := ownedPortfolio(ctx, c)
	if err != nil {
		return err
	}
	subLog := log.With().Str("PortfolioID", p.ID.String()).Str("Endpoint", "CreateTransaction").Logger()

	var params transactionParams
	if err := json.Unmarshal(c.Body(), &params); err != nil {
		subLog.Warn().Err(err).Msg("could not parse transaction request")
		return fiber.ErrBadRequest
	}

	occurredAt := params.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = time.Now().UTC()
	}

	t := &portfolio.Transaction{
		PortfolioID: p.ID,
		Kind:        strings.ToUpper(params.Kind),
		Ticker:      strings.ToUpper(params.Ticker),
		Shares:      params.Shares,
		PricePer:    data.NewMoney(params.PricePer, p.Currency),
		TotalAmount: data.NewMoney(params.TotalAmount, p.Currency),
		OccurredAt:  occurredAt,
	}

	if err := transactionLog.Save(ctx, t); err != nil {
		subLog.Warn().Err(err).Msg("could not save transaction")
		return httpError(c, err)
	}

	return c.JSON(t)
}

// ListTransactions returns a page of the portfolio's ledger, oldest first.
// The kind query parameter filters by transaction kind and through bounds the
// listing to entries on or before a calendar date.
func ListTransactions(c *fiber.Ctx) error {
	ctx := context.Background()
	p, err := ownedPortfolio(ctx, c)
	if err != nil {
		return err
	}

	limit, offset, err := parseRange(c.Get("range"))
	if err != nil {
		return err
	}

	filter := &portfolio.TransactionFilter{Limit: limit, Offset: offset}
	if kind := strings.ToUpper(c.Query("kind")); kind != "" {
		if !portfolio.ValidKind(kind) {
			return fiber.ErrBadRequest
		}
		filter.Kind = kind
	}
	if s := c.Query("through"); s != "" {
		through, err := time.Parse("2006-01-02", s)
		if err != nil {
			return fiber.ErrBadRequest
		}
		filter.Through = data.NewDateRange(through, through).End
	}

	subLog := log.With().Str("PortfolioID", p.ID.String()).Str("Endpoint", "ListTransactions").Logger()
	transactions, err := transactionLog.ListByPortfolio(ctx, p.ID, filter)
	if err != nil {
		subLog.Warn().Err(err).Msg("could not list transactions")
		return httpError(c, err)
	}

	// the ledger count is only cheap for the unfiltered listing
	total := int64(-1)
	if filter.Kind == "" && filter.Through.IsZero() {
		if total, err = transactionLog.CountByPortfolio(ctx, p.ID); err != nil {
			subLog.Warn().Err(err).Msg("could not count transactions")
			return httpError(c, err)
		}
	}

	contentRange(c, offset, len(transactions), total)
	return c.JSON(transactions)
}

// GetSnapshots returns the portfolio's daily valuation series over the
// requested date range.
func GetSnapshots(c *fiber.Ctx) error {
	ctx := context.Background()
	p, err := ownedPortfolio(ctx, c)
	if err != nil {
		return err
	}

	dates, err := parseDateRange(c)
	if err != nil {
		return err
	}

	subLog := log.With().Str("PortfolioID", p.ID.String()).Str("Endpoint", "GetSnapshots").Logger()
	snapshots, err := snapshotStore.Range(ctx, p.ID, dates)
	if err != nil {
		subLog.Warn().Err(err).Object("Dates", dates).Msg("could not load snapshots")
		return httpError(c, err)
	}

	return c.JSON(snapshots)
}

// GetLatestSnapshot returns the most recent valuation of the portfolio.
func GetLatestSnapshot(c *fiber.Ctx) error {
	ctx := context.Background()
	p, err := ownedPortfolio(ctx, c)
	if err != nil {
		return err
	}

	snap, err := snapshotStore.Latest(ctx, p.ID)
	if err != nil {
		return httpError(c, err)
	}

	return c.JSON(snap)
}

// GetPerformance computes summary statistics over the portfolio's snapshot
// series for the requested date range.
func GetPerformance(c *fiber.Ctx) error {
	ctx := context.Background()
	p, err := ownedPortfolio(ctx, c)
	if err != nil {
		return err
	}

	dates, err := parseDateRange(c)
	if err != nil {
		return err
	}

	subLog := log.With().Str("PortfolioID", p.ID.String()).Str("Endpoint", "GetPerformance").Logger()
	snapshots, err := snapshotStore.Range(ctx, p.ID, dates)
	if err != nil {
		subLog.Warn().Err(err).Object("Dates", dates).Msg("could not load snapshots")
		return httpError(c, err)
	}

	perf, err := portfolio.PerformanceFromSnapshots(snapshots)
	if err != nil {
		if errors.Is(err, portfolio.ErrInsufficientHistory) || errors.Is(err, portfolio.ErrNonPositiveValue) {
			return fiber.ErrUnprocessableEntity
		}
		return httpError(c, err)
	}

	return c.JSON(perf)
}
