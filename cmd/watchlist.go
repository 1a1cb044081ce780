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
	"fmt"
	"os"
	"time"

	"github.com/papertrade/pt-api/common"
	"github.com/papertrade/pt-api/data"
	"github.com/papertrade/pt-api/data/database"

	"github.com/pelletier/go-toml/v2"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	watchlistPriority int
	watchlistInterval time.Duration
)

func init() {
	watchlistAddCmd.Flags().IntVar(&watchlistPriority, "priority", 10, "Refresh priority; lower numbers mean more attention")
	watchlistAddCmd.Flags().DurationVar(&watchlistInterval, "interval", 24*time.Hour, "How often the ticker should be refreshed")

	watchlistCmd.AddCommand(watchlistListCmd)
	watchlistCmd.AddCommand(watchlistImportCmd)
	watchlistCmd.AddCommand(watchlistAddCmd)
	watchlistCmd.AddCommand(watchlistRemoveCmd)
	rootCmd.AddCommand(watchlistCmd)
}

var watchlistCmd = &cobra.Command{
	Use:   "watchlist",
	Short: "Manage the set of tickers the refresh jobs keep warm",
}

var watchlistListCmd = &cobra.Command{
	Use:   "list",
	Short: "Print the active watchlist",
	Run: func(cmd *cobra.Command, args []string) {
		common.SetupLogging()

		ctx := context.Background()
		if err := database.Connect(ctx); err != nil {
			log.Fatal().Err(err).Msg("database connection failed")
		}

		entries, err := data.NewWatchlist().ActiveAll(ctx)
		if err != nil {
			log.Fatal().Err(err).Msg("could not list watchlist entries")
		}

		fmt.Printf("%-8s %8s %10s %-20s %-20s\n", "TICKER", "PRIORITY", "INTERVAL", "LAST REFRESH", "NEXT REFRESH")
		for _, entry := range entries {
			last := "never"
			if entry.LastRefreshAt != nil {
				last = entry.LastRefreshAt.Format(time.RFC3339)
			}
			next := "-"
			if entry.NextRefreshAt != nil {
				next = entry.NextRefreshAt.Format(time.RFC3339)
			}
			fmt.Printf("%-8s %8d %10s %-20s %-20s\n", entry.Ticker, entry.Priority,
				entry.RefreshInterval, last, next)
		}
	},
}

// watchlistSeed is the TOML shape of a seed file:
//
//	[[entry]]
//	ticker = "AAPL"
//	priority = 1
//	refresh_interval = "1h"
type watchlistSeed struct {
	Entry []struct {
		Ticker          string `toml:"ticker"`
		Priority        int    `toml:"priority"`
		RefreshInterval string `toml:"refresh_interval"`
	} `toml:"entry"`
}

var watchlistImportCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Import watchlist entries from a TOML seed file",
	Long: `Import watchlist entries from a TOML seed file. Tickers already on the
watchlist are reactivated; their priority only ever moves toward more
attention. Omitted priorities default to 10 and omitted refresh intervals
to 24h.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		common.SetupLogging()

		content, err := os.ReadFile(args[0])
		if err != nil {
			log.Fatal().Err(err).Str("FileName", args[0]).Msg("could not read seed file")
		}

		var seed watchlistSeed
		if err := toml.Unmarshal(content, &seed); err != nil {
			log.Fatal().Err(err).Str("FileName", args[0]).Msg("could not parse seed file")
		}

		ctx := context.Background()
		if err := database.Connect(ctx); err != nil {
			log.Fatal().Err(err).Msg("database connection failed")
		}

		watchlist := data.NewWatchlist()
		added := 0
		for _, entry := range seed.Entry {
			interval := 24 * time.Hour
			if entry.RefreshInterval != "" {
				interval, err = time.ParseDuration(entry.RefreshInterval)
				if err != nil {
					log.Fatal().Err(err).Str("Ticker", entry.Ticker).
						Str("RefreshInterval", entry.RefreshInterval).Msg("could not parse refresh interval")
				}
			}
			priority := entry.Priority
			if priority <= 0 {
				priority = 10
			}

			if err := watchlist.Add(ctx, entry.Ticker, priority, interval); err != nil {
				log.Error().Err(err).Str("Ticker", entry.Ticker).Msg("could not add watchlist entry")
				continue
			}
			added++
		}

		log.Info().Int("Added", added).Int("Total", len(seed.Entry)).Msg("watchlist import complete")
	},
}

var watchlistAddCmd = &cobra.Command{
	Use:   "add <ticker>",
	Short: "Add a ticker to the watchlist",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		common.SetupLogging()

		ctx := context.Background()
		if err := database.Connect(ctx); err != nil {
			log.Fatal().Err(err).Msg("database connection failed")
		}

		if err := data.NewWatchlist().Add(ctx, args[0], watchlistPriority, watchlistInterval); err != nil {
			log.Fatal().Err(err).Str("Ticker", args[0]).Msg("could not add watchlist entry")
		}
	},
}

var watchlistRemoveCmd = &cobra.Command{
	Use:   "remove <ticker>",
	Short: "Deactivate a watchlist ticker",
	Long: `Deactivate a watchlist ticker. The entry's refresh metadata is kept so a
later re-add picks up where it left off.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		common.SetupLogging()

		ctx := context.Background()
		if err := database.Connect(ctx); err != nil {
			log.Fatal().Err(err).Msg("database connection failed")
		}

		if err := data.NewWatchlist().Remove(ctx, args[0]); err != nil {
			log.Fatal().Err(err).Str("Ticker", args[0]).Msg("could not remove watchlist entry")
		}
	},
}
