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
	"fmt"
	"os"
	"time"

	"github.com/papertrade/pt-api/common"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var Profile bool
var Trace bool

func init() {
	// API-key encryption secret
	viper.BindEnv("secret_key", "PT_SECRET")
	rootCmd.PersistentFlags().String("secret-key", "", "Secret encryption key")
	viper.BindPFlag("secret_key", rootCmd.PersistentFlags().Lookup("secret-key"))

	// AUTH0
	viper.BindEnv("auth0.domain", "AUTH0_DOMAIN")
	rootCmd.PersistentFlags().String("auth0-domain", "", "Auth0 domain that hosts the JWKS")
	viper.BindPFlag("auth0.domain", rootCmd.PersistentFlags().Lookup("auth0-domain"))

	// Database
	viper.BindEnv("database.url", "DATABASE_URL")
	rootCmd.PersistentFlags().String("database-url", "", "PostgreSQL connection string")
	viper.BindPFlag("database.url", rootCmd.PersistentFlags().Lookup("database-url"))

	// Redis
	viper.BindEnv("cache.redis_url", "REDIS_URL")
	rootCmd.PersistentFlags().String("redis-url", "redis://localhost:6379", "Redis connection string")
	viper.BindPFlag("cache.redis_url", rootCmd.PersistentFlags().Lookup("redis-url"))

	// Quote provider
	viper.BindEnv("quote.api_key", "ALPHAVANTAGE_API_KEY")
	rootCmd.PersistentFlags().String("quote-api-key", "", "Quote provider API key")
	viper.BindPFlag("quote.api_key", rootCmd.PersistentFlags().Lookup("quote-api-key"))

	viper.SetDefault("quote.base_url", "https://www.alphavantage.co/query")
	viper.SetDefault("quote.timeout", 5*time.Second)
	viper.SetDefault("quote.max_retries", 3)

	// Upstream quota; the free tier allows 5 calls/minute and 500 calls/day
	viper.SetDefault("rate.calls_per_minute", 5)
	viper.SetDefault("rate.calls_per_day", 500)
	viper.SetDefault("rate.key_prefix", "pt:rate:alphavantage")

	// Logging configuration
	viper.BindEnv("log.level", "PT_LOG_LEVEL")
	rootCmd.PersistentFlags().String("log-level", "warning", "Logging level")
	viper.BindPFlag("log.level", rootCmd.PersistentFlags().Lookup("log-level"))

	viper.BindEnv("log.report_caller", "PT_LOG_REPORT_CALLER")
	rootCmd.PersistentFlags().Bool("log-report-caller", false, "Log function name that called log statement")
	viper.BindPFlag("log.report_caller", rootCmd.PersistentFlags().Lookup("log-report-caller"))

	viper.BindEnv("log.output", "PT_LOG_OUTPUT")
	rootCmd.PersistentFlags().String("log-output", "stdout", "Write logs to specified output one of: file path, `stdout`, or `stderr`")
	viper.BindPFlag("log.output", rootCmd.PersistentFlags().Lookup("log-output"))

	viper.BindEnv("log.pretty", "PT_LOG_PRETTY")
	rootCmd.PersistentFlags().Bool("log-pretty", false, "Print colorized, human-readable logs")
	viper.BindPFlag("log.pretty", rootCmd.PersistentFlags().Lookup("log-pretty"))

	rootCmd.PersistentFlags().BoolVar(&Profile, "cpu-profile", false, "Run pprof and save in profile.out")
	rootCmd.PersistentFlags().BoolVar(&Trace, "trace", false, "Trace program execution and save in trace.out")
}

var rootCmd = &cobra.Command{
	Use:     "ptapi",
	Version: common.CurrentVersion.String(),
	Short:   "pt-api is a paper-trading market data and portfolio service",
	Long: `A paper-trading backend that serves equity prices through a tiered
cache hierarchy and values simulated portfolios against them.`,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
