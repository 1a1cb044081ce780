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
	"strings"
	"sync"
	"time"

	"github.com/go-co-op/gocron"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"

	"github.com/papertrade/pt-api/tradecron"
)

const (
	defaultRefreshCron = "0 0 * * *"
	snapshotCron       = "0 0 * * *"
	warmupCron         = "0 * * * *"
)

// Scheduler owns the recurring jobs. It moves between stopped and running;
// Start on a running scheduler warns and returns, Stop waits for in-flight
// job bodies before returning.
type Scheduler struct {
	refresh  *RefreshJob
	warmup   *WarmupJob
	snapshot *SnapshotJob

	cron *gocron.Scheduler
	quit chan struct{}
	wg   sync.WaitGroup

	mu      sync.Mutex
	running bool
}

// New assembles a scheduler from its jobs. Nothing runs until Start.
func New(refresh *RefreshJob, warmup *WarmupJob, snapshot *SnapshotJob) *Scheduler {
	return &Scheduler{
		refresh:  refresh,
		warmup:   warmup,
		snapshot: snapshot,
	}
}

// Start wires the cron schedules and begins running jobs. The refresh
// schedule comes from refresh.cron and may use tradecron market modifiers;
// plain specs run on gocron in the scheduler.timezone location.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		log.Warn().Msg("scheduler already running")
		return nil
	}

	tz := schedulerTimezone()
	refreshSpec := viper.GetString("refresh.cron")
	if refreshSpec == "" {
		refreshSpec = defaultRefreshCron
	}

	s.cron = gocron.NewScheduler(tz)
	s.quit = make(chan struct{})

	if _, err := s.cron.Cron(snapshotCron).SingletonMode().Do(s.track(s.runSnapshots)); err != nil {
		log.Error().Err(err).Msg("could not schedule portfolio snapshots")
		return err
	}
	if _, err := s.cron.Cron(warmupCron).SingletonMode().Do(s.track(s.runWarmup)); err != nil {
		log.Error().Err(err).Msg("could not schedule watchlist warmup")
		return err
	}

	var marketAware *tradecron.TradeCron
	if strings.Contains(refreshSpec, "@") {
		tc, err := tradecron.New(refreshSpec, tradecron.RegularHours)
		if err != nil {
			log.Error().Err(err).Str("Spec", refreshSpec).Msg("could not parse market-aware refresh schedule")
			return err
		}
		marketAware = tc
	} else {
		if _, err := s.cron.Cron(refreshSpec).SingletonMode().Do(s.track(s.runRefresh)); err != nil {
			log.Error().Err(err).Str("Spec", refreshSpec).Msg("could not schedule ticker refresh")
			return err
		}
	}

	s.running = true
	s.cron.StartAsync()
	if marketAware != nil {
		s.wg.Add(1)
		go s.marketAwareLoop(marketAware, tz)
	}

	log.Info().Str("RefreshCron", refreshSpec).Str("Timezone", tz.String()).Msg("scheduler started")
	return nil
}

// Stop halts scheduling and waits for any in-flight job to finish. Stopping a
// stopped scheduler is a no-op.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()

	s.cron.Stop()
	close(s.quit)
	s.wg.Wait()
	log.Info().Msg("scheduler stopped")
}

// Running reports whether the scheduler is currently started.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// track wraps a job body so Stop can wait for in-flight runs; bodies that
// trigger after Stop has begun are dropped.
func (s *Scheduler) track(fn func()) func() {
	return func() {
		s.mu.Lock()
		if !s.running {
			s.mu.Unlock()
			return
		}
		s.wg.Add(1)
		s.mu.Unlock()
		defer s.wg.Done()
		fn()
	}
}

// marketAwareLoop drives the refresh job from a tradecron schedule, firing at
// each next tradeable instant until the scheduler stops.
func (s *Scheduler) marketAwareLoop(tc *tradecron.TradeCron, tz *time.Location) {
	defer s.wg.Done()
	run := s.track(s.runRefresh)
	for {
		next := tc.Next(time.Now().In(tz))
		timer := time.NewTimer(time.Until(next))
		select {
		case <-s.quit:
			timer.Stop()
			return
		case <-timer.C:
			run()
		}
	}
}

func (s *Scheduler) runRefresh() {
	if err := s.refresh.Run(context.Background()); err != nil {
		log.Error().Err(err).Msg("ticker refresh failed")
	}
}

func (s *Scheduler) runWarmup() {
	if err := s.warmup.Run(context.Background()); err != nil {
		log.Error().Err(err).Msg("watchlist warmup failed")
	}
}

// runSnapshots sweeps the just-completed day; at the midnight trigger the
// prior date has its close on record while the new one has none.
func (s *Scheduler) runSnapshots() {
	now := time.Now().UTC()
	day := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC).AddDate(0, 0, -1)
	if _, err := s.snapshot.Run(context.Background(), day); err != nil {
		log.Error().Err(err).Msg("portfolio snapshot sweep failed")
	}
}

func schedulerTimezone() *time.Location {
	name := viper.GetString("scheduler.timezone")
	if name == "" {
		name = "UTC"
	}
	tz, err := time.LoadLocation(name)
	if err != nil {
		log.Error().Err(err).Str("Timezone", name).Msg("could not load scheduler timezone; falling back to UTC")
		return time.UTC
	}
	return tz
}
