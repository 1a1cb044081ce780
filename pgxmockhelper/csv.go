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

package pgxmockhelper

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgconn"
	"github.com/pashagolub/pgxmock"
	"github.com/rs/zerolog/log"
)

// CSVRows holds fixture rows loaded from a CSV file, typed per column so
// they can be replayed through pgxmock exactly as pgx would scan them.
type CSVRows struct {
	rows    [][]any
	header  []string
	dateCol int
}

// NewCSVRows loads a CSV fixture. typeMap assigns a conversion to columns by
// header name: "date" (2006-01-02), "datetime" (RFC3339), "textptr"
// (*string) and "int64ptr" (*int64); unlisted columns pass through as text.
// Panics on malformed input since a broken fixture means a broken test.
func NewCSVRows(csvFn string, typeMap map[string]string) *CSVRows {
	subLog := log.With().Str("CsvFn", csvFn).Logger()

	rows := &CSVRows{
		dateCol: -1,
		rows:    make([][]any, 0),
	}
	rawData, err := os.ReadFile(csvFn)
	if err != nil {
		subLog.Panic().Err(err).Msg("could not read file")
	}

	lines := strings.Split(string(rawData), "\n")

	// need at least a header, and a trailing newline so the last data row
	// is complete
	if len(lines) < 2 {
		subLog.Panic().Int("NumLines", len(lines)).Msg("input file does not have enough lines, need at least 2 (header + trailing new line)")
	}
	if lines[len(lines)-1] != "" {
		subLog.Panic().Msg("input file is missing a trailing new line")
	}

	headerRaw := lines[0]
	lines = lines[1 : len(lines)-1]
	rows.header = strings.Split(headerRaw, ",")

	for _, ll := range lines {
		cols := make([]any, len(rows.header))
		parts := strings.Split(ll, ",")
		for idx, val := range parts {
			colName := rows.header[idx]
			switch typeMap[colName] {
			case "date":
				parsed, err := time.Parse("2006-01-02", val)
				if err != nil {
					subLog.Panic().Err(err).Str("Val", val).Msg("could not convert val to date of format 2006-01-02")
				}
				cols[idx] = parsed
				rows.dateCol = idx
			case "datetime":
				parsed, err := time.Parse(time.RFC3339, val)
				if err != nil {
					subLog.Panic().Err(err).Str("Val", val).Msg("could not convert val to RFC3339 datetime")
				}
				cols[idx] = parsed
				rows.dateCol = idx
			case "textptr":
				v := val
				cols[idx] = &v
			case "int64ptr":
				parsed, err := strconv.ParseInt(val, 10, 64)
				if err != nil {
					subLog.Panic().Err(err).Str("Val", val).Msg("could not convert val to int64")
				}
				cols[idx] = &parsed
			default:
				cols[idx] = val
			}
		}
		rows.rows = append(rows.rows, cols)
	}

	return rows
}

// Between narrows the fixture to rows whose date column falls within [a, b]
// inclusive, mirroring a BETWEEN clause against the fixture table.
func (csvRows *CSVRows) Between(a time.Time, b time.Time) *CSVRows {
	newRows := make([][]any, 0, len(csvRows.rows))
	if len(csvRows.rows) == 0 {
		return csvRows
	}
	if csvRows.dateCol == -1 {
		log.Panic().Time("a", a).Time("b", b).Msg("no date column found")
	}
	for _, row := range csvRows.rows {
		t := row[csvRows.dateCol].(time.Time)
		if (t.Before(b) || t.Equal(b)) && (t.After(a) || t.Equal(a)) {
			newRows = append(newRows, row)
		}
	}
	csvRows.rows = newRows
	return csvRows
}

// Rows converts the fixture into pgxmock result rows.
func (csvRows *CSVRows) Rows() *pgxmock.Rows {
	r := pgxmock.NewRows(csvRows.header)
	for _, row := range csvRows.rows {
		r.AddRow(row...)
	}
	return r
}

// ExpectDailyHistory primes db with the transaction and query the warm store
// issues for a daily price-history read, answered from the fixture rows that
// fall inside [begin, end]. The fixture header must match the prices table
// select list: ticker, event_time, bar_interval, price, currency, open,
// high, low, close, volume.
func ExpectDailyHistory(db pgxmock.PgxConnIface, csvFn string, ticker string, begin, end time.Time) {
	db.ExpectBegin()
	db.ExpectExec("SET ROLE").WillReturnResult(pgconn.CommandTag("SET ROLE"))
	db.ExpectQuery("event_time BETWEEN").WithArgs(ticker, "1day", begin, end).WillReturnRows(
		NewCSVRows(csvFn, map[string]string{
			"event_time": "datetime",
			"open":       "textptr",
			"high":       "textptr",
			"low":        "textptr",
			"close":      "textptr",
			"volume":     "int64ptr",
		}).Between(begin, end).Rows())
	db.ExpectCommit()
}
