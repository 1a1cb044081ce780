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
	"strings"
	"time"

	"github.com/papertrade/pt-api/calendar"
	"github.com/papertrade/pt-api/common"
	"github.com/papertrade/pt-api/data"
	"github.com/papertrade/pt-api/observability/opentelemetry"

	"github.com/goccy/go-json"
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
)

const tickersCacheKey = "handler:tickers"

// maxBatchTickers caps a single batch request; larger universes should page
// through the tickers endpoint instead.
const maxBatchTickers = 100

// PriceResponse decorates the freshest price with day-over-day change fields
// when a previous close is available.
type PriceResponse struct {
	*data.PricePoint
	PreviousClose *data.Money `json:"PreviousClose,omitempty"`
	Change        *data.Money `json:"Change,omitempty"`
	ChangePercent *float64    `json:"ChangePercent,omitempty"`
}

// GetPrice returns the current price for a ticker along with its change
// against the prior trading day's close.
func GetPrice(c *fiber.Ctx) error {
	ctx, span := otel.Tracer(opentelemetry.Name).Start(context.Background(), "handler.GetPrice")
	defer span.End()
	span.SetAttributes(opentelemetry.SpanAttributesFromFiber(c)...)

	ticker := strings.ToUpper(c.Params("ticker"))
	if !data.ValidTicker(ticker) {
		return fiber.ErrBadRequest
	}
	subLog := log.With().Str("Ticker", ticker).Str("Endpoint", "GetPrice").Logger()

	point, err := marketData.GetCurrent(ctx, ticker)
	if err != nil {
		subLog.Warn().Err(err).Msg("could not resolve current price")
		return httpError(c, err)
	}

	resp := PriceResponse{PricePoint: point}
	prevClose := calendar.PreviousTradingDay(point.Timestamp)
	if prev, err := marketData.GetPriceAt(ctx, ticker, prevClose); err == nil {
		resp.PreviousClose = &prev.Price
		if change, err := point.Price.Sub(prev.Price); err == nil {
			resp.Change = &change
			if !prev.Price.Amount.IsZero() {
				pct := change.Amount.Div(prev.Price.Amount).InexactFloat64()
				resp.ChangePercent = &pct
			}
		}
	} else {
		subLog.Debug().Err(err).Time("PreviousClose", prevClose).Msg("no previous close available")
	}

	return c.JSON(resp)
}

type batchRequest struct {
	Tickers []string `json:"tickers"`
}

// BatchPrices resolves current prices for a set of tickers in one request.
// Tickers that cannot be resolved are absent from the response.
func BatchPrices(c *fiber.Ctx) error {
	ctx := context.Background()

	var req batchRequest
	if err := json.Unmarshal(c.Body(), &req); err != nil {
		log.Warn().Err(err).Msg("could not parse batch price request")
		return fiber.ErrBadRequest
	}
	if len(req.Tickers) == 0 || len(req.Tickers) > maxBatchTickers {
		return fiber.ErrBadRequest
	}

	tickers := make([]string, 0, len(req.Tickers))
	for _, ticker := range req.Tickers {
		ticker = strings.ToUpper(ticker)
		if !data.ValidTicker(ticker) {
			return fiber.ErrBadRequest
		}
		tickers = append(tickers, ticker)
	}

	return c.JSON(marketData.GetBatch(ctx, tickers))
}

// GetPriceHistory returns price points for a ticker over the requested date
// range and interval. The default window is the trailing year of daily bars.
func GetPriceHistory(c *fiber.Ctx) error {
	ctx, span := otel.Tracer(opentelemetry.Name).Start(context.Background(), "handler.GetPriceHistory")
	defer span.End()
	span.SetAttributes(opentelemetry.SpanAttributesFromFiber(c)...)

	ticker := strings.ToUpper(c.Params("ticker"))
	if !data.ValidTicker(ticker) {
		return fiber.ErrBadRequest
	}

	dates, err := parseDateRange(c)
	if err != nil {
		return err
	}

	interval := data.Interval1Day
	if s := c.Query("interval"); s != "" {
		if interval, err = data.ParseInterval(s); err != nil {
			return httpError(c, err)
		}
	}

	subLog := log.With().Str("Ticker", ticker).Str("Endpoint", "GetPriceHistory").Logger()
	points, err := marketData.GetHistory(ctx, ticker, dates, interval)
	if err != nil {
		subLog.Warn().Err(err).Object("Dates", dates).Msg("could not load price history")
		return httpError(c, err)
	}

	return c.JSON(points)
}

// GetPriceAt returns the last price at or before the instant given in the
// time query parameter (RFC 3339).
func GetPriceAt(c *fiber.Ctx) error {
	ctx := context.Background()
	ticker := strings.ToUpper(c.Params("ticker"))
	if !data.ValidTicker(ticker) {
		return fiber.ErrBadRequest
	}

	s := c.Query("time")
	if s == "" {
		return fiber.ErrBadRequest
	}
	instant, err := time.Parse(time.RFC3339, s)
	if err != nil {
		log.Warn().Err(err).Str("Time", s).Msg("could not parse time query parameter")
		return fiber.ErrBadRequest
	}

	subLog := log.With().Str("Ticker", ticker).Str("Endpoint", "GetPriceAt").Logger()
	point, err := marketData.GetPriceAt(ctx, ticker, instant.UTC())
	if err != nil {
		subLog.Warn().Err(err).Time("Instant", instant).Msg("could not resolve price at instant")
		return httpError(c, err)
	}

	return c.JSON(point)
}

// ListTickers returns the page of supported tickers selected by the Range
// header. The full list is cached because enumerating the warm store is the
// most expensive read the API serves.
func ListTickers(c *fiber.Ctx) error {
	ctx := context.Background()
	limit, offset, err := parseRange(c.Get("range"))
	if err != nil {
		return err
	}

	subLog := log.With().Str("Endpoint", "ListTickers").Logger()

	var tickers []string
	if cached, err := common.CacheGet(ctx, tickersCacheKey); err == nil {
		if err := json.Unmarshal(cached, &tickers); err != nil {
			subLog.Warn().Err(err).Msg("could not unmarshal cached ticker list")
			tickers = nil
		}
	}

	if tickers == nil {
		if tickers, err = marketData.SupportedTickers(ctx); err != nil {
			subLog.Warn().Err(err).Msg("could not enumerate supported tickers")
			return httpError(c, err)
		}
		if tickers == nil {
			tickers = []string{}
		}
		if payload, err := json.Marshal(tickers); err == nil {
			if err := common.CacheSet(ctx, tickersCacheKey, payload); err != nil {
				subLog.Warn().Err(err).Msg("could not cache ticker list")
			}
		}
	}

	total := len(tickers)
	begin := offset
	if begin > total {
		begin = total
	}
	end := begin + limit
	if end > total {
		end = total
	}
	page := tickers[begin:end]

	contentRange(c, offset, len(page), int64(total))
	return c.JSON(page)
}

// RateLimitResponse reports remaining upstream quota. RetryAfterSeconds is
// only set when a bucket is empty.
type RateLimitResponse struct {
	MinuteRemaining   int     `json:"minuteRemaining"`
	DayRemaining      int     `json:"dayRemaining"`
	RetryAfterSeconds float64 `json:"retryAfterSeconds,omitempty"`
}

// GetRateLimit exposes the distributed rate limiter's remaining capacity.
func GetRateLimit(c *fiber.Ctx) error {
	ctx := context.Background()

	minute, day, err := quota.Remaining(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("could not read rate limit state")
		return fiber.ErrServiceUnavailable
	}

	resp := RateLimitResponse{MinuteRemaining: minute, DayRemaining: day}
	if minute == 0 || day == 0 {
		wait, err := quota.WaitTime(ctx)
		if err != nil {
			log.Warn().Err(err).Msg("could not compute rate limit wait time")
		} else {
			resp.RetryAfterSeconds = wait.Seconds()
		}
	}

	return c.JSON(resp)
}
