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
	"context"
	"fmt"
	"io/ioutil"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/papertrade/pt-api/calendar"
	"github.com/papertrade/pt-api/observability/opentelemetry"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// AlphaVantage is a thin client for an Alpha-Vantage-compatible quote API.
// It retries transient failures with exponential backoff but never consults
// the rate limiter; spending a token is the caller's job.
type AlphaVantage struct {
	baseURL    string
	apiKey     string
	maxRetries int
	client     *http.Client
}

// NewAlphaVantage creates a quote provider client from the quote.* settings.
func NewAlphaVantage() *AlphaVantage {
	return &AlphaVantage{
		baseURL:    viper.GetString("quote.base_url"),
		apiKey:     viper.GetString("quote.api_key"),
		maxRetries: viper.GetInt("quote.max_retries"),
		client: &http.Client{
			Timeout: viper.GetDuration("quote.timeout"),
		},
	}
}

type globalQuoteResponse struct {
	GlobalQuote struct {
		Symbol string `json:"01. symbol"`
		Price  string `json:"05. price"`
	} `json:"Global Quote"`
	Note string `json:"Note"`
}

type dailyBar struct {
	Open   string `json:"1. open"`
	High   string `json:"2. high"`
	Low    string `json:"3. low"`
	Close  string `json:"4. close"`
	Volume string `json:"5. volume"`
}

type dailySeriesResponse struct {
	TimeSeries map[string]dailyBar `json:"Time Series (Daily)"`
	Note       string              `json:"Note"`
}

// fetch issues a GET against the upstream, retrying timeouts, network
// failures, and generic HTTP errors up to maxRetries times with 2^attempt
// seconds between attempts. The final attempt is not followed by a sleep.
// A 404 is not retried; it means the upstream has never heard of the symbol.
func (a *AlphaVantage) fetch(ctx context.Context, url string) ([]byte, error) {
	var lastErr error

	for attempt := 0; attempt < a.maxRetries; attempt++ {
		if attempt > 0 {
			wait := time.Duration(1<<(attempt-1)) * time.Second
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(wait):
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, err
		}

		resp, err := a.client.Do(req)
		if err != nil {
			log.Warn().Err(err).Int("Attempt", attempt).Msg("quote provider request failed")
			lastErr = err
			continue
		}

		if resp.StatusCode == http.StatusNotFound {
			if err := resp.Body.Close(); err != nil {
				log.Warn().Err(err).Msg("could not close response body")
			}
			return nil, ErrTickerNotFound
		}

		if resp.StatusCode >= 400 {
			if err := resp.Body.Close(); err != nil {
				log.Warn().Err(err).Msg("could not close response body")
			}
			lastErr = fmt.Errorf("HTTP request returned invalid status code: %d", resp.StatusCode)
			log.Warn().Int("StatusCode", resp.StatusCode).Int("Attempt", attempt).Msg("quote provider returned invalid response code")
			continue
		}

		body, err := ioutil.ReadAll(resp.Body)
		if closeErr := resp.Body.Close(); closeErr != nil {
			log.Warn().Err(closeErr).Msg("could not close response body")
		}
		if err != nil {
			lastErr = err
			log.Warn().Err(err).Int("Attempt", attempt).Msg("could not read quote provider body")
			continue
		}

		return body, nil
	}

	return nil, fmt.Errorf("%w: %s", ErrMarketDataUnavailable, lastErr)
}

// Quote fetches the current quote for ticker. The returned point carries the
// wall-clock UTC fetch time, not the market-close time, because freshness
// accounting in the cache tiers is based on when we observed the price.
func (a *AlphaVantage) Quote(ctx context.Context, ticker string) (*PricePoint, error) {
	ctx, span := otel.Tracer(opentelemetry.Name).Start(ctx, "alphavantage.Quote")
	defer span.End()

	ticker = strings.ToUpper(ticker)
	subLog := log.With().Str("Ticker", ticker).Logger()

	span.SetAttributes(
		attribute.KeyValue{
			Key:   "Url",
			Value: attribute.StringValue(fmt.Sprintf("%s?function=GLOBAL_QUOTE&symbol=%s", a.baseURL, ticker)),
		},
	)

	url := fmt.Sprintf("%s?function=GLOBAL_QUOTE&symbol=%s&apikey=%s", a.baseURL, ticker, a.apiKey)
	body, err := a.fetch(ctx, url)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "global quote fetch failed")
		subLog.Error().Err(err).Msg("could not fetch quote")
		return nil, err
	}

	quote := globalQuoteResponse{}
	if err := json.Unmarshal(body, &quote); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "could not unmarshal json")
		subLog.Error().Err(err).Bytes("Body", body).Msg("could not unmarshal quote response")
		return nil, fmt.Errorf("%w: %s", ErrInvalidPriceData, err)
	}

	if quote.Note != "" {
		subLog.Warn().Str("Note", quote.Note).Msg("quote provider throttled the request")
		return nil, fmt.Errorf("%w: upstream rate limit", ErrMarketDataUnavailable)
	}

	if quote.GlobalQuote.Price == "" {
		return nil, fmt.Errorf("%w: %s", ErrTickerNotFound, ticker)
	}

	price, err := ParseMoney(quote.GlobalQuote.Price, DefaultCurrency)
	if err != nil {
		subLog.Error().Err(err).Str("Price", quote.GlobalQuote.Price).Msg("quote price does not parse")
		return nil, err
	}

	point, err := NewPricePoint(ticker, price, time.Now().UTC(), SourceUpstream, Interval1Day)
	if err != nil {
		subLog.Error().Err(err).Msg("quote violates price point invariants")
		return nil, err
	}

	return point, nil
}

// DailyHistory fetches the compact daily series for ticker: roughly the last
// 100 trading days of OHLCV, ascending, each point stamped at 21:00 UTC of
// its trading date.
func (a *AlphaVantage) DailyHistory(ctx context.Context, ticker string) ([]*PricePoint, error) {
	ctx, span := otel.Tracer(opentelemetry.Name).Start(ctx, "alphavantage.DailyHistory")
	defer span.End()

	ticker = strings.ToUpper(ticker)
	subLog := log.With().Str("Ticker", ticker).Logger()

	span.SetAttributes(
		attribute.KeyValue{
			Key:   "Url",
			Value: attribute.StringValue(fmt.Sprintf("%s?function=TIME_SERIES_DAILY&symbol=%s&outputsize=compact", a.baseURL, ticker)),
		},
	)

	url := fmt.Sprintf("%s?function=TIME_SERIES_DAILY&symbol=%s&outputsize=compact&apikey=%s", a.baseURL, ticker, a.apiKey)
	body, err := a.fetch(ctx, url)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "daily series fetch failed")
		subLog.Error().Err(err).Msg("could not fetch daily history")
		return nil, err
	}

	series := dailySeriesResponse{}
	if err := json.Unmarshal(body, &series); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "could not unmarshal json")
		subLog.Error().Err(err).Bytes("Body", body).Msg("could not unmarshal daily series response")
		return nil, fmt.Errorf("%w: %s", ErrInvalidPriceData, err)
	}

	if series.Note != "" {
		subLog.Warn().Str("Note", series.Note).Msg("quote provider throttled the request")
		return nil, fmt.Errorf("%w: upstream rate limit", ErrMarketDataUnavailable)
	}

	if len(series.TimeSeries) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrTickerNotFound, ticker)
	}

	points := make([]*PricePoint, 0, len(series.TimeSeries))
	for date, bar := range series.TimeSeries {
		point, err := a.dailyPoint(ticker, date, bar)
		if err != nil {
			subLog.Error().Err(err).Str("Date", date).Msg("daily bar does not parse")
			return nil, err
		}
		points = append(points, point)
	}

	sort.Slice(points, func(i, j int) bool {
		return points[i].Timestamp.Before(points[j].Timestamp)
	})

	return points, nil
}

// dailyPoint converts one bar of the daily series into a PricePoint stamped
// at market close (21:00 UTC) of its date.
func (a *AlphaVantage) dailyPoint(ticker, date string, bar dailyBar) (*PricePoint, error) {
	day, err := time.Parse("2006-01-02", date)
	if err != nil {
		return nil, fmt.Errorf("%w: cannot parse date %q", ErrInvalidPriceData, date)
	}

	closePrice, err := ParseMoney(bar.Close, DefaultCurrency)
	if err != nil {
		return nil, err
	}
	open, err := ParseMoney(bar.Open, DefaultCurrency)
	if err != nil {
		return nil, err
	}
	high, err := ParseMoney(bar.High, DefaultCurrency)
	if err != nil {
		return nil, err
	}
	low, err := ParseMoney(bar.Low, DefaultCurrency)
	if err != nil {
		return nil, err
	}

	volume, err := strconv.ParseInt(bar.Volume, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: cannot parse volume %q", ErrInvalidPriceData, bar.Volume)
	}

	closeAt := time.Date(day.Year(), day.Month(), day.Day(), calendar.MarketCloseHour, 0, 0, 0, time.UTC)
	point, err := NewPricePoint(ticker, closePrice, closeAt, SourceUpstream, Interval1Day)
	if err != nil {
		return nil, err
	}
	point, err = point.WithOHLC(open, high, low, closePrice)
	if err != nil {
		return nil, err
	}
	return point.WithVolume(volume)
}
