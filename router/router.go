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

package router

import (
	"github.com/papertrade/pt-api/handler"

	"github.com/gofiber/fiber/v2"
)

// SetupRoutes mounts the /v1 API. Every route except ping sits behind the
// auth handler, which stores the authenticated subject in c.Locals("userID").
func SetupRoutes(app *fiber.App, auth fiber.Handler) {
	app.Get("/ping", handler.Ping)

	api := app.Group("/v1", auth)

	// Market data
	prices := api.Group("/prices")
	prices.Post("/batch", handler.BatchPrices)
	prices.Get("/:ticker/history", handler.GetPriceHistory)
	prices.Get("/:ticker/at", handler.GetPriceAt)
	prices.Get("/:ticker", handler.GetPrice)

	api.Get("/tickers", handler.ListTickers)
	api.Get("/ratelimit", handler.GetRateLimit)

	// Portfolio
	pf := api.Group("/portfolio")
	pf.Get("/", handler.ListPortfolios)
	pf.Post("/", handler.CreatePortfolio)
	pf.Get("/:id", handler.GetPortfolio)
	pf.Patch("/:id", handler.UpdatePortfolio)
	pf.Delete("/:id", handler.DeletePortfolio)
	pf.Get("/:id/transactions", handler.ListTransactions)
	pf.Post("/:id/transactions", handler.CreateTransaction)
	pf.Get("/:id/snapshots", handler.GetSnapshots)
	pf.Get("/:id/snapshots/latest", handler.GetLatestSnapshot)
	pf.Get("/:id/performance", handler.GetPerformance)
}
