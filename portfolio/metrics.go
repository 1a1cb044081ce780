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

package portfolio

import (
	"errors"
	"math"
	"time"

	"gonum.org/v1/gonum/stat"
)

var (
	ErrInsufficientHistory = errors.New("at least two snapshots are required to compute performance")
	ErrNonPositiveValue    = errors.New("cannot compute returns over a non-positive total value")
)

// tradingDaysPerYear annualizes daily return statistics.
const tradingDaysPerYear = 252

// Performance summarizes how a portfolio's total value moved across a series
// of end-of-day snapshots.
//
// Returns are computed on raw snapshot totals; deposits and withdrawals are
// not backed out, so a period with large external flows reads as a large
// return.
type Performance struct {
	PeriodBegin       time.Time `json:"periodBegin"`
	PeriodEnd         time.Time `json:"periodEnd"`
	SnapshotCount     int       `json:"snapshotCount"`
	TotalReturn       float64   `json:"totalReturn"`
	MeanDailyReturn   float64   `json:"meanDailyReturn"`
	StdDevDailyReturn float64   `json:"stdDevDailyReturn"`
	SharpeRatio       float64   `json:"sharpeRatio"`
	MaxDrawdown       float64   `json:"maxDrawdown"`
}

// PerformanceFromSnapshots computes summary statistics over a snapshot
// series in ascending date order, as SnapshotStore.Range returns it. At
// least two snapshots with positive total values are required.
func PerformanceFromSnapshots(snapshots []*Snapshot) (*Performance, error) {
	if len(snapshots) < 2 {
		return nil, ErrInsufficientHistory
	}

	totals := make([]float64, len(snapshots))
	for idx, snap := range snapshots {
		total := snap.TotalValue.Amount.InexactFloat64()
		if total <= 0 {
			return nil, ErrNonPositiveValue
		}
		totals[idx] = total
	}

	returns := make([]float64, 0, len(totals)-1)
	for idx := 1; idx < len(totals); idx++ {
		returns = append(returns, totals[idx]/totals[idx-1]-1)
	}

	mean := stat.Mean(returns, nil)
	stdDev := 0.0
	if len(returns) > 1 {
		stdDev = stat.StdDev(returns, nil)
	}

	sharpe := 0.0
	if stdDev > 0 {
		sharpe = mean / stdDev * math.Sqrt(tradingDaysPerYear)
	}

	maxDrawdown := 0.0
	peak := totals[0]
	for _, total := range totals {
		if total > peak {
			peak = total
		}
		if drawdown := (peak - total) / peak; drawdown > maxDrawdown {
			maxDrawdown = drawdown
		}
	}

	return &Performance{
		PeriodBegin:       snapshots[0].Date,
		PeriodEnd:         snapshots[len(snapshots)-1].Date,
		SnapshotCount:     len(snapshots),
		TotalReturn:       totals[len(totals)-1]/totals[0] - 1,
		MeanDailyReturn:   mean,
		StdDevDailyReturn: stdDev,
		SharpeRatio:       sharpe,
		MaxDrawdown:       maxDrawdown,
	}, nil
}
