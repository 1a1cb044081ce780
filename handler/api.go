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

// Package handler implements the /v1 HTTP API. Handlers translate fiber
// requests into calls against the market data manager and the portfolio
// stores, and map domain errors onto HTTP status codes.
package handler

import (
	"context"
	"errors"
	"math"
	"strconv"
	"time"

	"github.com/papertrade/pt-api/data"
	"github.com/papertrade/pt-api/portfolio"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog/log"
)

// marketData is installed by SetMarketData before routes are mounted. The
// seam mirrors database.SetPool so tests can substitute a fake.
var marketData data.MarketData

// QuotaStatus reports remaining upstream request capacity.
// *ratelimit.Limiter satisfies it.
type QuotaStatus interface {
	Remaining(ctx context.Context) (minute int, day int, err error)
	WaitTime(ctx context.Context) (time.Duration, error)
}

var quota QuotaStatus

// SetMarketData installs the price subsystem the price endpoints serve from.
func SetMarketData(md data.MarketData) {
	marketData = md
}

// SetQuota installs the rate limiter surfaced by the ratelimit endpoint.
func SetQuota(q QuotaStatus) {
	quota = q
}

type PingResponse struct {
	Status  string `json:"status" example:"success"`
	Message string `json:"message" example:"API is alive"`
	Time    string `json:"time" example:"2022-06-19T08:09:10.115924Z"`
}

// Ping responds to health-check requests.
func Ping(c *fiber.Ctx) error {
	var response PingResponse
	now, err := time.Now().UTC().MarshalText()
	if err != nil {
		log.Error().Err(err).Msg("error while getting time in ping")
		response = PingResponse{
			Status:  "error",
			Message: err.Error(),
			Time:    string(now),
		}
	} else {
		response = PingResponse{
			Status:  "success",
			Message: "API is alive",
			Time:    string(now),
		}
	}
	return c.JSON(response)
}

// httpError translates domain errors into fiber errors. Exhausted upstream
// quota additionally carries a Retry-After header so clients can back off.
func httpError(c *fiber.Ctx, err error) error {
	var rateErr *data.RateLimitError
	switch {
	case errors.As(err, &rateErr):
		c.Set(fiber.HeaderRetryAfter, strconv.Itoa(int(math.Ceil(rateErr.RetryAfter.Seconds()))))
		return fiber.ErrServiceUnavailable
	case errors.Is(err, data.ErrTickerNotFound),
		errors.Is(err, portfolio.ErrPortfolioNotFound),
		errors.Is(err, portfolio.ErrSnapshotNotFound):
		return fiber.ErrNotFound
	case errors.Is(err, data.ErrClientInput),
		errors.Is(err, portfolio.ErrUnknownKind),
		errors.Is(err, portfolio.ErrTickerRequired),
		errors.Is(err, portfolio.ErrSharesRequired),
		errors.Is(err, portfolio.ErrAmountNotPositive),
		errors.Is(err, portfolio.ErrCurrencyMismatch),
		errors.Is(err, portfolio.ErrOversell):
		return fiber.ErrBadRequest
	case errors.Is(err, data.ErrMarketDataUnavailable):
		return fiber.ErrServiceUnavailable
	default:
		return fiber.ErrInternalServerError
	}
}
