/*
Copyright 2025 Pawel Mojski.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package duration translates human-readable durations like "2h30m",
// "1.5d" or "1y6M" into minutes and back. It exists because grant
// lifetimes are entered by operators in forms time.ParseDuration does
// not understand (days, weeks, months, years, "permanent").
package duration

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/gravitational/trace"
)

// Minutes per unit. A month is 30 days, a year is 365 days.
const (
	minutesPerHour  = 60
	minutesPerDay   = 24 * minutesPerHour
	minutesPerWeek  = 7 * minutesPerDay
	minutesPerMonth = 30 * minutesPerDay
	minutesPerYear  = 365 * minutesPerDay
)

var unitMinutes = map[string]int{
	"y":       minutesPerYear,
	"year":    minutesPerYear,
	"years":   minutesPerYear,
	"mo":      minutesPerMonth,
	"mon":     minutesPerMonth,
	"month":   minutesPerMonth,
	"months":  minutesPerMonth,
	"w":       minutesPerWeek,
	"week":    minutesPerWeek,
	"weeks":   minutesPerWeek,
	"d":       minutesPerDay,
	"day":     minutesPerDay,
	"days":    minutesPerDay,
	"h":       minutesPerHour,
	"hr":      minutesPerHour,
	"hrs":     minutesPerHour,
	"hour":    minutesPerHour,
	"hours":   minutesPerHour,
	"m":       1,
	"min":     1,
	"mins":    1,
	"minute":  1,
	"minutes": 1,
}

var (
	// A capital M after a number means months. It has to be rewritten
	// to "mo" before case folding or it would collapse into minutes.
	monthRe = regexp.MustCompile(`(\d+(?:\.\d+)?)\s*M\b`)

	componentRe = regexp.MustCompile(`(\d+(?:\.\d+)?)\s*([a-zA-Z]+)`)
)

// Parse converts a human-readable duration to minutes. Supported
// inputs: single components ("30m", "2h", "1.5d", "3M", "1year"),
// concatenations ("1h30m", "2d12h", "1y6M"), and the words "permanent",
// "never", "infinity" and "0", all of which mean "no end" and parse to
// zero. An empty string also parses to zero. The sum of fractional
// components is truncated toward zero.
func Parse(s string) (int, error) {
	if s == "" {
		return 0, nil
	}
	s = strings.TrimSpace(s)
	s = monthRe.ReplaceAllString(s, "${1}mo")
	s = strings.ToLower(s)

	switch s {
	case "0", "permanent", "never", "infinity":
		return 0, nil
	}

	matches := componentRe.FindAllStringSubmatch(s, -1)
	if len(matches) == 0 {
		return 0, trace.BadParameter("invalid duration %q", s)
	}

	total := 0.0
	for _, m := range matches {
		value, err := strconv.ParseFloat(m[1], 64)
		if err != nil {
			return 0, trace.BadParameter("invalid duration value %q", m[1])
		}
		multiplier, ok := unitMinutes[m[2]]
		if !ok {
			return 0, trace.BadParameter("unknown duration unit %q in %q", m[2], s)
		}
		total += value * float64(multiplier)
	}
	return int(total), nil
}

// Format renders minutes as the greedy decomposition into years,
// months, weeks, days, hours and minutes, e.g. 3630 -> "2d 12h 30m".
// Zero renders as "Permanent". Format is the inverse of Parse up to
// canonicalization: Parse(Format(m)) == m for any non-negative m.
func Format(minutes int) string {
	if minutes == 0 {
		return "Permanent"
	}

	steps := []struct {
		minutes int
		suffix  string
	}{
		{minutesPerYear, "y"},
		{minutesPerMonth, "mo"},
		{minutesPerWeek, "w"},
		{minutesPerDay, "d"},
		{minutesPerHour, "h"},
		{1, "m"},
	}

	var parts []string
	for _, step := range steps {
		if minutes >= step.minutes && minutes > 0 {
			parts = append(parts, fmt.Sprintf("%d%s", minutes/step.minutes, step.suffix))
			minutes %= step.minutes
		}
	}
	return strings.Join(parts, " ")
}
