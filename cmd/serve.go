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
	"os"
	"os/signal"
	"runtime/pprof"
	"runtime/trace"

	"github.com/papertrade/pt-api/common"
	"github.com/papertrade/pt-api/data"
	"github.com/papertrade/pt-api/data/database"
	"github.com/papertrade/pt-api/handler"
	"github.com/papertrade/pt-api/jwks"
	"github.com/papertrade/pt-api/middleware"
	"github.com/papertrade/pt-api/observability/opentelemetry"
	"github.com/papertrade/pt-api/portfolio"
	"github.com/papertrade/pt-api/ratelimit"
	"github.com/papertrade/pt-api/router"
	"github.com/papertrade/pt-api/scheduler"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func init() {
	viper.BindEnv("server.port", "PORT")
	serveCmd.Flags().IntP("port", "p", 3000, "Port to run application server on")
	viper.BindPFlag("server.port", serveCmd.Flags().Lookup("port"))

	viper.BindEnv("scheduler.enabled", "PT_SCHEDULER_ENABLED")
	serveCmd.Flags().Bool("scheduler", true, "Run the background refresh, warmup, and snapshot jobs")
	viper.BindPFlag("scheduler.enabled", serveCmd.Flags().Lookup("scheduler"))

	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the pt-api server",
	Long:  `Run the HTTP server that implements the paper-trading API`,
	Run: func(cmd *cobra.Command, args []string) {
		if Profile {
			f, err := os.Create("profile.out")
			if err != nil {
				log.Fatal().Err(err).Msg("could not create profile output file")
			}
			if err := pprof.StartCPUProfile(f); err != nil {
				log.Fatal().Err(err).Msg("could not start CPU profile")
			}
			defer pprof.StopCPUProfile()
		}

		if Trace {
			f, err := os.Create("trace.out")
			if err != nil {
				log.Fatal().Err(err).Msg("could not create trace output file")
			}
			defer func() {
				if err := f.Close(); err != nil {
					log.Error().Err(err).Msg("could not close trace file")
				}
			}()

			if err := trace.Start(f); err != nil {
				log.Fatal().Err(err).Msg("could not start trace")
			}
			defer trace.Stop()
		}

		common.SetupLogging()
		common.SetupCache()
		log.Info().Msg("initialized logging and cache")

		ctx := context.Background()

		var otelShutdown func(context.Context) error
		if viper.GetString("otlp.endpoint") != "" {
			var err error
			if otelShutdown, err = opentelemetry.Setup(); err != nil {
				log.Fatal().Err(err).Msg("could not initialize OTLP trace exporter")
			}
		}

		if err := database.Connect(ctx); err != nil {
			log.Fatal().Err(err).Msg("database connection failed")
		}

		manager := data.GetManagerInstance()
		handler.SetMarketData(manager)

		// the quota endpoint reads the same buckets the manager's limiter
		// spends from
		quota, err := ratelimit.New(common.Redis(), viper.GetString("rate.key_prefix"),
			viper.GetInt("rate.calls_per_minute"), viper.GetInt("rate.calls_per_day"))
		if err != nil {
			log.Fatal().Err(err).Msg("could not construct upstream rate limiter")
		}
		handler.SetQuota(quota)

		var jobs *scheduler.Scheduler
		if viper.GetBool("scheduler.enabled") {
			watchlist := data.NewWatchlist()
			transactionLog := portfolio.NewTransactionLog()
			jobs = scheduler.New(
				scheduler.NewRefreshJob(manager, watchlist, transactionLog),
				scheduler.NewWarmupJob(manager, watchlist),
				scheduler.NewSnapshotJob(portfolio.NewStore(),
					portfolio.NewValuer(manager, transactionLog),
					portfolio.NewSnapshotStore()),
			)
			if err := jobs.Start(); err != nil {
				log.Fatal().Err(err).Msg("could not start scheduler")
			}
		}

		app := fiber.New()

		// shutdown cleanly on interrupt
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, os.Interrupt)
		go func() {
			sig := <-quit
			log.Info().Str("Signal", sig.String()).Msg("received signal; shutting down")
			if jobs != nil {
				jobs.Stop()
			}
			if otelShutdown != nil {
				if err := otelShutdown(ctx); err != nil {
					log.Error().Err(err).Msg("could not flush trace exporter")
				}
			}
			if err := app.Shutdown(); err != nil {
				log.Fatal().Err(err).Msg("could not shutdown server")
			}
		}()

		app.Use(cors.New(cors.Config{
			AllowOrigins: "http://localhost:8080, https://www.papertrade.app",
			AllowHeaders: "*",
			AllowMethods: "GET,POST,HEAD,PUT,DELETE,PATCH",
		}))
		app.Use(middleware.NewLogger())

		jwksAutoRefresh, jwksURL := jwks.SetupJWKS()
		router.SetupRoutes(app, middleware.PTAuth(jwksAutoRefresh, jwksURL))

		if err := app.Listen(":" + viper.GetString("server.port")); err != nil {
			log.Fatal().Err(err).Msg("server stopped with error")
		}
	},
}
