/*
Copyright 2026 Pawel Mojski.

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

package schedule

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// businessHours is Mon-Fri 08:00-16:00 in Warsaw (UTC+1 in winter,
// UTC+2 in summer).
func businessHours() Rule {
	return Rule{
		ID:        1,
		Name:      "Business hours",
		Weekdays:  []int{Monday, Tuesday, Wednesday, Thursday, Friday},
		TimeStart: &TimeOfDay{Hour: 8},
		TimeEnd:   &TimeOfDay{Hour: 16},
		Timezone:  "Europe/Warsaw",
		Active:    true,
	}
}

func TestMatches(t *testing.T) {
	t.Parallel()

	rule := businessHours()

	// Tuesday 2026-02-10 10:00 Warsaw.
	require.True(t, Matches(rule, time.Date(2026, 2, 10, 9, 0, 0, 0, time.UTC)))
	// Tuesday 18:00 Warsaw.
	require.False(t, Matches(rule, time.Date(2026, 2, 10, 17, 0, 0, 0, time.UTC)))
	// Saturday 2026-02-14 10:00 Warsaw.
	require.False(t, Matches(rule, time.Date(2026, 2, 14, 9, 0, 0, 0, time.UTC)))
	// Range ends are inclusive: exactly 08:00 and 16:00 Warsaw match.
	require.True(t, Matches(rule, time.Date(2026, 2, 10, 7, 0, 0, 0, time.UTC)))
	require.True(t, Matches(rule, time.Date(2026, 2, 10, 15, 0, 0, 0, time.UTC)))
	require.False(t, Matches(rule, time.Date(2026, 2, 10, 15, 0, 1, 0, time.UTC)))
}

func TestMatchesHonorsDST(t *testing.T) {
	t.Parallel()

	rule := businessHours()

	// Monday 2026-06-15 09:00 Warsaw is 07:00 UTC in summer.
	require.True(t, Matches(rule, time.Date(2026, 6, 15, 7, 0, 0, 0, time.UTC)))
	// 07:00 UTC in winter would be 08:00 Warsaw; 05:00 UTC in summer
	// is 07:00 Warsaw, before opening.
	require.False(t, Matches(rule, time.Date(2026, 6, 15, 5, 0, 0, 0, time.UTC)))
}

func TestMatchesCrossMidnight(t *testing.T) {
	t.Parallel()

	rule := Rule{
		Name:      "Night window",
		TimeStart: &TimeOfDay{Hour: 22},
		TimeEnd:   &TimeOfDay{Hour: 2},
		Timezone:  "Europe/Warsaw",
		Active:    true,
	}

	// 21:59:59 local is one second before the window opens.
	require.False(t, Matches(rule, time.Date(2026, 2, 10, 20, 59, 59, 0, time.UTC)))
	// 22:00:00 local opens the window.
	require.True(t, Matches(rule, time.Date(2026, 2, 10, 21, 0, 0, 0, time.UTC)))
	// 02:00:00 local is still inside (inclusive end).
	require.True(t, Matches(rule, time.Date(2026, 2, 10, 1, 0, 0, 0, time.UTC)))
	// 02:00:01 local is past the end.
	require.False(t, Matches(rule, time.Date(2026, 2, 10, 1, 0, 1, 0, time.UTC)))
	// Midday is outside both arms.
	require.False(t, Matches(rule, time.Date(2026, 2, 10, 11, 0, 0, 0, time.UTC)))
}

func TestMatchesMonthAndDayDimensions(t *testing.T) {
	t.Parallel()

	rule := Rule{
		Name:        "Monthly backup",
		Weekdays:    []int{Monday},
		TimeStart:   &TimeOfDay{Hour: 4},
		TimeEnd:     &TimeOfDay{Hour: 8},
		Months:      []int{5},
		DaysOfMonth: []int{1, 2, 3, 4, 5, 6, 7},
		Timezone:    "Europe/Warsaw",
		Active:      true,
	}

	// Monday 2026-05-04 05:00 Warsaw (03:00 UTC, summer time).
	require.True(t, Matches(rule, time.Date(2026, 5, 4, 3, 0, 0, 0, time.UTC)))
	// Monday 2026-05-11 05:00 Warsaw: day of month 11 not in first week.
	require.False(t, Matches(rule, time.Date(2026, 5, 11, 3, 0, 0, 0, time.UTC)))
	// Monday 2026-06-01 05:00 Warsaw: wrong month.
	require.False(t, Matches(rule, time.Date(2026, 6, 1, 3, 0, 0, 0, time.UTC)))
}

// Weekly periodicity: the same rule gives the same answer one week
// later at the same wall-clock time.
func TestMatchesWeeklyInvariance(t *testing.T) {
	t.Parallel()

	rule := businessHours()
	now := time.Date(2026, 2, 10, 9, 0, 0, 0, time.UTC)
	require.Equal(t, Matches(rule, now), Matches(rule, now.Add(7*24*time.Hour)))

	outside := time.Date(2026, 2, 10, 17, 30, 0, 0, time.UTC)
	require.Equal(t, Matches(rule, outside), Matches(rule, outside.Add(7*24*time.Hour)))
}

func TestMatchesUnknownTimezoneFailsClosed(t *testing.T) {
	t.Parallel()

	rule := businessHours()
	rule.Timezone = "Mars/Olympus_Mons"
	require.False(t, Matches(rule, time.Date(2026, 2, 10, 9, 0, 0, 0, time.UTC)))
	require.Nil(t, WindowEnd(rule, time.Date(2026, 2, 10, 9, 0, 0, 0, time.UTC)))
}

func TestWindowEnd(t *testing.T) {
	t.Parallel()

	rule := businessHours()

	// Tuesday 10:00 Warsaw: window closes 16:00 Warsaw = 15:00 UTC.
	end := WindowEnd(rule, time.Date(2026, 2, 10, 9, 0, 0, 0, time.UTC))
	require.NotNil(t, end)
	require.Equal(t, time.Date(2026, 2, 10, 15, 0, 0, 0, time.UTC), *end)

	// Outside the window there is no end to report.
	require.Nil(t, WindowEnd(rule, time.Date(2026, 2, 10, 17, 0, 0, 0, time.UTC)))
}

func TestWindowEndDefaultsToEndOfDay(t *testing.T) {
	t.Parallel()

	rule := Rule{
		Name:     "Tuesdays",
		Weekdays: []int{Tuesday},
		Timezone: "Europe/Warsaw",
		Active:   true,
	}

	end := WindowEnd(rule, time.Date(2026, 2, 10, 9, 0, 0, 0, time.UTC))
	require.NotNil(t, end)
	// 23:59:59 Warsaw = 22:59:59 UTC in winter.
	require.Equal(t, time.Date(2026, 2, 10, 22, 59, 59, 0, time.UTC), *end)
}

func TestWindowEndCrossMidnight(t *testing.T) {
	t.Parallel()

	rule := Rule{
		Name:      "Night window",
		TimeStart: &TimeOfDay{Hour: 22},
		TimeEnd:   &TimeOfDay{Hour: 2},
		Timezone:  "Europe/Warsaw",
		Active:    true,
	}

	// 22:30 local on Feb 10: the window runs until 02:00 local on
	// Feb 11, which is 01:00 UTC.
	end := WindowEnd(rule, time.Date(2026, 2, 10, 21, 30, 0, 0, time.UTC))
	require.NotNil(t, end)
	require.Equal(t, time.Date(2026, 2, 11, 1, 0, 0, 0, time.UTC), *end)

	// 01:30 local on Feb 10 (post-midnight arm): ends 02:00 local the
	// same day.
	end = WindowEnd(rule, time.Date(2026, 2, 10, 0, 30, 0, 0, time.UTC))
	require.NotNil(t, end)
	require.Equal(t, time.Date(2026, 2, 10, 1, 0, 0, 0, time.UTC), *end)
}

func TestEarliestWindowEnd(t *testing.T) {
	t.Parallel()

	early := businessHours()
	early.Name = "Short window"
	early.TimeEnd = &TimeOfDay{Hour: 14}

	late := businessHours()

	now := time.Date(2026, 2, 10, 9, 0, 0, 0, time.UTC)
	end := EarliestWindowEnd([]Rule{late, early}, now)
	require.NotNil(t, end)
	// 14:00 Warsaw = 13:00 UTC.
	require.Equal(t, time.Date(2026, 2, 10, 13, 0, 0, 0, time.UTC), *end)

	// Inactive rules do not contribute.
	early.Active = false
	end = EarliestWindowEnd([]Rule{late, early}, now)
	require.NotNil(t, end)
	require.Equal(t, time.Date(2026, 2, 10, 15, 0, 0, 0, time.UTC), *end)

	// No matching rules, no end.
	require.Nil(t, EarliestWindowEnd([]Rule{early}, time.Date(2026, 2, 14, 9, 0, 0, 0, time.UTC)))
}

func TestAnyMatches(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 2, 14, 3, 0, 0, 0, time.UTC) // Saturday 04:00 Warsaw

	weekend := Rule{
		Name:      "Weekend maintenance",
		Weekdays:  []int{Saturday, Sunday},
		TimeStart: &TimeOfDay{Hour: 2},
		TimeEnd:   &TimeOfDay{Hour: 6},
		Timezone:  "Europe/Warsaw",
		Active:    true,
	}

	ok, name := AnyMatches([]Rule{businessHours(), weekend}, now)
	require.True(t, ok)
	require.Equal(t, "Weekend maintenance", name)

	// No rules at all means scheduling is disabled.
	ok, name = AnyMatches(nil, now)
	require.True(t, ok)
	require.Empty(t, name)

	// Inactive rules are skipped even when they would match.
	weekend.Active = false
	ok, _ = AnyMatches([]Rule{weekend}, now)
	require.False(t, ok)
}

func TestParseTimeOfDay(t *testing.T) {
	t.Parallel()

	tod, err := ParseTimeOfDay("08:00")
	require.NoError(t, err)
	require.Equal(t, &TimeOfDay{Hour: 8}, tod)

	tod, err = ParseTimeOfDay("23:59:59")
	require.NoError(t, err)
	require.Equal(t, &TimeOfDay{Hour: 23, Minute: 59, Second: 59}, tod)

	for _, bad := range []string{"8", "25:00", "12:60", "aa:bb", ""} {
		_, err := ParseTimeOfDay(bad)
		require.Error(t, err, "input %q", bad)
	}
}

func TestDescribe(t *testing.T) {
	t.Parallel()

	require.Equal(t, "Mon-Fri 08:00-16:00", Describe(businessHours()))

	require.Equal(t, "Weekends", Describe(Rule{Weekdays: []int{Saturday, Sunday}}))

	require.Equal(t, "Mon May only Days: 1,2,3,4,5,6,7 04:00-08:00", Describe(Rule{
		Weekdays:    []int{Monday},
		TimeStart:   &TimeOfDay{Hour: 4},
		TimeEnd:     &TimeOfDay{Hour: 8},
		Months:      []int{5},
		DaysOfMonth: []int{1, 2, 3, 4, 5, 6, 7},
	}))

	require.Equal(t, "First day of month", Describe(Rule{DaysOfMonth: []int{1}}))

	require.Equal(t, "Always", Describe(Rule{}))
}
