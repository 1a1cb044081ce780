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

package scheduler

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"

	"github.com/papertrade/pt-api/data"
	"github.com/papertrade/pt-api/observability/opentelemetry"
	"github.com/papertrade/pt-api/portfolio"
)

type portfolioLister interface {
	ListAll(ctx context.Context) ([]*portfolio.Portfolio, error)
}

type snapshotBuilder interface {
	SnapshotOn(ctx context.Context, p *portfolio.Portfolio, day time.Time) (*portfolio.Snapshot, error)
}

type snapshotStore interface {
	Upsert(ctx context.Context, snap *portfolio.Snapshot) error
}

// SnapshotResult tallies one snapshot sweep.
type SnapshotResult struct {
	Processed int
	Succeeded int
	Failed    int
}

func (result *SnapshotResult) add(other SnapshotResult) {
	result.Processed += other.Processed
	result.Succeeded += other.Succeeded
	result.Failed += other.Failed
}

// SnapshotJob values every portfolio for a given day and stores the result.
// Portfolios fail independently; one bad book never blocks the sweep.
type SnapshotJob struct {
	portfolios portfolioLister
	builder    snapshotBuilder
	store      snapshotStore
}

// NewSnapshotJob builds the daily snapshot sweep.
func NewSnapshotJob(portfolios portfolioLister, builder snapshotBuilder, store snapshotStore) *SnapshotJob {
	return &SnapshotJob{
		portfolios: portfolios,
		builder:    builder,
		store:      store,
	}
}

// Run snapshots every portfolio as of the given day and reports how many were
// processed, succeeded, and failed.
func (job *SnapshotJob) Run(ctx context.Context, day time.Time) (SnapshotResult, error) {
	ctx, span := otel.Tracer(opentelemetry.Name).Start(ctx, "scheduler.SnapshotJob.Run")
	defer span.End()

	result := SnapshotResult{}

	portfolios, err := job.portfolios.ListAll(ctx)
	if err != nil {
		log.Error().Stack().Err(err).Msg("could not list portfolios for snapshot sweep")
		return result, err
	}

	for _, p := range portfolios {
		result.Processed++
		subLog := log.With().Str("PortfolioID", p.ID.String()).Str("Name", p.Name).Time("Date", day).Logger()

		snap, err := job.builder.SnapshotOn(ctx, p, day)
		if err != nil {
			result.Failed++
			subLog.Error().Err(err).Msg("could not compute portfolio snapshot")
			continue
		}

		if err := job.store.Upsert(ctx, snap); err != nil {
			result.Failed++
			subLog.Error().Err(err).Msg("could not store portfolio snapshot")
			continue
		}

		result.Succeeded++
	}

	log.Info().Time("Date", day).Int("Processed", result.Processed).Int("Succeeded", result.Succeeded).
		Int("Failed", result.Failed).Msg("portfolio snapshots complete")
	return result, nil
}

// Backfill runs the sweep for every day in the range, inclusive on both ends.
func (job *SnapshotJob) Backfill(ctx context.Context, dates *data.DateRange) (SnapshotResult, error) {
	ctx, span := otel.Tracer(opentelemetry.Name).Start(ctx, "scheduler.SnapshotJob.Backfill")
	defer span.End()

	total := SnapshotResult{}
	if err := dates.Valid(); err != nil {
		return total, err
	}

	for day := dates.Begin; !day.After(dates.End); day = day.AddDate(0, 0, 1) {
		result, err := job.Run(ctx, day)
		total.add(result)
		if err != nil {
			return total, err
		}
	}

	return total, nil
}
