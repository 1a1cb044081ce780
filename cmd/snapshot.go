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
	"time"

	"github.com/papertrade/pt-api/common"
	"github.com/papertrade/pt-api/data"
	"github.com/papertrade/pt-api/data/database"
	"github.com/papertrade/pt-api/portfolio"
	"github.com/papertrade/pt-api/scheduler"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	snapshotDate     string
	snapshotBackfill bool
	snapshotStart    string
	snapshotEnd      string
)

func init() {
	snapshotCmd.Flags().StringVar(&snapshotDate, "date", "", "Day to snapshot specified as YYYY-MM-DD (default: yesterday)")
	snapshotCmd.Flags().BoolVar(&snapshotBackfill, "backfill", false, "Snapshot every day between --start and --end")
	snapshotCmd.Flags().StringVar(&snapshotStart, "start", "", "First day of the backfill as YYYY-MM-DD")
	snapshotCmd.Flags().StringVar(&snapshotEnd, "end", "", "Last day of the backfill as YYYY-MM-DD")
	rootCmd.AddCommand(snapshotCmd)
}

var snapshotCmd = &cobra.Command{
	Use:   "snapshot",
	Short: "Compute end-of-day valuations for every portfolio",
	Long: `Value every portfolio as of a day's market close and store the result.
Snapshots are idempotent; re-running a day replaces that day's rows.`,
	Run: func(cmd *cobra.Command, args []string) {
		common.SetupLogging()
		common.SetupCache()

		ctx := context.Background()
		if err := database.Connect(ctx); err != nil {
			log.Fatal().Err(err).Msg("database connection failed")
		}

		transactionLog := portfolio.NewTransactionLog()
		job := scheduler.NewSnapshotJob(portfolio.NewStore(),
			portfolio.NewValuer(data.GetManagerInstance(), transactionLog),
			portfolio.NewSnapshotStore())

		var result scheduler.SnapshotResult
		var err error
		if snapshotBackfill {
			if snapshotStart == "" || snapshotEnd == "" {
				log.Fatal().Msg("--backfill requires --start and --end")
			}
			dates := data.NewDateRange(parseDay(snapshotStart), parseDay(snapshotEnd))
			result, err = job.Backfill(ctx, dates)
		} else {
			now := time.Now().UTC()
			day := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC).AddDate(0, 0, -1)
			if snapshotDate != "" {
				day = parseDay(snapshotDate)
			}
			result, err = job.Run(ctx, day)
		}
		if err != nil {
			log.Fatal().Err(err).Msg("portfolio snapshot sweep failed")
		}

		log.Info().Int("Processed", result.Processed).Int("Succeeded", result.Succeeded).
			Int("Failed", result.Failed).Msg("snapshot sweep complete")
	},
}

// parseDay parses a YYYY-MM-DD flag value, exiting on malformed input.
func parseDay(value string) time.Time {
	day, err := time.Parse("2006-01-02", value)
	if err != nil {
		log.Fatal().Err(err).Str("InputStr", value).Msg("could not parse date - expected format 2006-01-02")
	}
	return day
}
