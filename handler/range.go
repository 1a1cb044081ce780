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

package handler

import (
	"fmt"
	"regexp"
	"strconv"
	"time"

	"github.com/papertrade/pt-api/data"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog/log"
)

var rangeRegexp = regexp.MustCompile(`((\w+)=)?(\d+)-(\d+)`)

// parseRange interprets an HTTP Range header of the form items=begin-end and
// converts it to limit/offset paging values. An absent header selects the
// first 100 items.
func parseRange(r string) (limit, offset int, err error) {
	if r == "" {
		return 100, 0, nil
	}

	res := rangeRegexp.FindStringSubmatch(r)
	if res == nil {
		return 10, 0, fiber.ErrRequestedRangeNotSatisfiable
	}

	if len(res) == 5 && res[2] != "items" {
		return 10, 0, fiber.ErrRequestedRangeNotSatisfiable
	}

	begin, err := strconv.ParseInt(res[3], 10, 32)
	if err != nil {
		log.Error().Err(err).Msg("could not parse range begin")
		return 10, 0, fiber.ErrRequestedRangeNotSatisfiable
	}

	end, err := strconv.ParseInt(res[4], 10, 32)
	if err != nil {
		log.Error().Err(err).Msg("could not parse range end")
		return 10, 0, fiber.ErrRequestedRangeNotSatisfiable
	}

	if end < begin {
		log.Error().Int64("Begin", begin).Int64("End", end).Msg("range error: end < begin")
		return 10, 0, fiber.ErrRequestedRangeNotSatisfiable
	}

	return int(end - begin + 1), int(begin), nil
}

// contentRange emits the Content-Range response header for a page of n items
// starting at offset. A negative total renders as "*", meaning the full count
// is unknown.
func contentRange(c *fiber.Ctx, offset, n int, total int64) {
	count := "*"
	if total >= 0 {
		count = strconv.FormatInt(total, 10)
	}
	c.Append("Content-Range", fmt.Sprintf("items %d-%d/%s", offset, offset+n-1, count))
}

// parseDateRange reads the start and end query parameters as calendar dates.
// Either may be omitted; the default window is the trailing year.
func parseDateRange(c *fiber.Ctx) (*data.DateRange, error) {
	const layout = "2006-01-02"

	end := time.Now().UTC()
	begin := end.AddDate(-1, 0, 0)

	if s := c.Query("start"); s != "" {
		parsed, err := time.Parse(layout, s)
		if err != nil {
			log.Warn().Err(err).Str("Start", s).Msg("could not parse start date")
			return nil, fiber.ErrBadRequest
		}
		begin = parsed
	}

	if s := c.Query("end"); s != "" {
		parsed, err := time.Parse(layout, s)
		if err != nil {
			log.Warn().Err(err).Str("End", s).Msg("could not parse end date")
			return nil, fiber.ErrBadRequest
		}
		end = parsed
	}

	dates := data.NewDateRange(begin, end)
	if err := dates.Valid(); err != nil {
		return nil, fiber.ErrBadRequest
	}
	return dates, nil
}
