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

package cmd

import (
	"context"

	"github.com/papertrade/pt-api/common"
	"github.com/papertrade/pt-api/data"
	"github.com/papertrade/pt-api/data/database"
	"github.com/papertrade/pt-api/portfolio"
	"github.com/papertrade/pt-api/scheduler"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(refreshCmd)
}

var refreshCmd = &cobra.Command{
	Use:   "refresh",
	Short: "Refresh the current price of every active ticker",
	Long: `Walk the union of the active watchlist and recently traded tickers,
re-priming the price caches one batch at a time.`,
	Run: func(cmd *cobra.Command, args []string) {
		common.SetupLogging()
		common.SetupCache()

		ctx := context.Background()
		if err := database.Connect(ctx); err != nil {
			log.Fatal().Err(err).Msg("database connection failed")
		}

		job := scheduler.NewRefreshJob(data.GetManagerInstance(), data.NewWatchlist(),
			portfolio.NewTransactionLog())
		if err := job.Run(ctx); err != nil {
			log.Fatal().Err(err).Msg("ticker refresh failed")
		}
	},
}
