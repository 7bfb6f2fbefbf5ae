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

// Package schedule evaluates recurring time windows attached to access
// policies. A rule constrains weekdays, a time-of-day range, months and
// days of month, all interpreted in the rule's own timezone; a
// dimension left empty matches anything. Policies with schedules are
// open whenever at least one of their active rules matches.
package schedule

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gravitational/trace"
	"github.com/sirupsen/logrus"

	"github.com/pawelmojski/portcullis"
)

var log = logrus.WithField(portcullis.Component, portcullis.ComponentSchedule)

// badZones dedupes the unknown timezone warning, once per zone.
var badZones sync.Map

// Weekday numbering on rules: 0=Monday .. 6=Sunday.
const (
	Monday = iota
	Tuesday
	Wednesday
	Thursday
	Friday
	Saturday
	Sunday
)

// Rule is one recurring window. Empty slices and nil times mean "any".
type Rule struct {
	// ID is the rule row id.
	ID int64
	// PolicyID is the owning policy.
	PolicyID int64
	// Name labels the rule in banners and logs.
	Name string
	// Weekdays uses 0=Monday .. 6=Sunday.
	Weekdays []int
	// TimeStart and TimeEnd bound the window within a local day, both
	// inclusive. TimeStart > TimeEnd means the window crosses midnight.
	TimeStart *TimeOfDay
	TimeEnd   *TimeOfDay
	// Months uses 1..12.
	Months []int
	// DaysOfMonth uses 1..31.
	DaysOfMonth []int
	// Timezone is the IANA zone the rule is evaluated in.
	Timezone string
	// Active rules participate in evaluation; inactive ones are
	// skipped by the set-level helpers.
	Active bool
}

// TimeOfDay is a wall-clock time within a day.
type TimeOfDay struct {
	Hour   int
	Minute int
	Second int
}

// ParseTimeOfDay accepts "HH:MM" and "HH:MM:SS".
func ParseTimeOfDay(s string) (*TimeOfDay, error) {
	var t TimeOfDay
	switch strings.Count(s, ":") {
	case 1:
		if _, err := fmt.Sscanf(s, "%d:%d", &t.Hour, &t.Minute); err != nil {
			return nil, trace.BadParameter("invalid time of day %q", s)
		}
	case 2:
		if _, err := fmt.Sscanf(s, "%d:%d:%d", &t.Hour, &t.Minute, &t.Second); err != nil {
			return nil, trace.BadParameter("invalid time of day %q", s)
		}
	default:
		return nil, trace.BadParameter("invalid time of day %q", s)
	}
	if t.Hour < 0 || t.Hour > 23 || t.Minute < 0 || t.Minute > 59 || t.Second < 0 || t.Second > 59 {
		return nil, trace.BadParameter("invalid time of day %q", s)
	}
	return &t, nil
}

func (t TimeOfDay) String() string {
	return fmt.Sprintf("%02d:%02d", t.Hour, t.Minute)
}

func (t TimeOfDay) seconds() int {
	return t.Hour*3600 + t.Minute*60 + t.Second
}

// effectiveRange returns the window bounds with absent sides defaulted
// to the full day, and whether the rule constrains time of day at all.
func (r *Rule) effectiveRange() (start, end TimeOfDay, constrained bool) {
	if r.TimeStart == nil && r.TimeEnd == nil {
		return TimeOfDay{}, TimeOfDay{Hour: 23, Minute: 59, Second: 59}, false
	}
	start = TimeOfDay{}
	end = TimeOfDay{Hour: 23, Minute: 59, Second: 59}
	if r.TimeStart != nil {
		start = *r.TimeStart
	}
	if r.TimeEnd != nil {
		end = *r.TimeEnd
	}
	return start, end, true
}

// location resolves the rule's timezone. Unknown zones fail closed: the
// rule never matches, other rules on the policy still can.
func (r *Rule) location() (*time.Location, error) {
	loc, err := time.LoadLocation(r.Timezone)
	if err != nil {
		return nil, trace.BadParameter("schedule rule %q has unknown timezone %q", r.Name, r.Timezone)
	}
	return loc, nil
}

// pyWeekday converts Go's Sunday-based weekday to the 0=Monday
// convention rules are stored in.
func pyWeekday(t time.Time) int {
	return (int(t.Weekday()) + 6) % 7
}

func containsInt(values []int, v int) bool {
	for _, x := range values {
		if x == v {
			return true
		}
	}
	return false
}

// Matches reports whether now falls inside the rule's window. Every
// non-empty dimension must match in the rule's timezone. The time range
// is inclusive on both ends; a range with TimeStart > TimeEnd crosses
// midnight and covers [TimeStart, 24:00) and [00:00, TimeEnd].
func Matches(rule Rule, now time.Time) bool {
	loc, err := rule.location()
	if err != nil {
		if _, seen := badZones.LoadOrStore(rule.Timezone, struct{}{}); !seen {
			log.WithError(err).Warn("Schedule rule failed closed.")
		}
		return false
	}
	local := now.In(loc)

	if len(rule.Weekdays) > 0 && !containsInt(rule.Weekdays, pyWeekday(local)) {
		return false
	}

	if start, end, constrained := rule.effectiveRange(); constrained {
		cur := TimeOfDay{Hour: local.Hour(), Minute: local.Minute(), Second: local.Second()}.seconds()
		s, e := start.seconds(), end.seconds()
		if s <= e {
			if cur < s || cur > e {
				return false
			}
		} else if cur < s && cur > e {
			return false
		}
	}

	if len(rule.Months) > 0 && !containsInt(rule.Months, int(local.Month())) {
		return false
	}
	if len(rule.DaysOfMonth) > 0 && !containsInt(rule.DaysOfMonth, local.Day()) {
		return false
	}
	return true
}

// WindowEnd returns the UTC instant at which the currently open window
// closes, or nil if the rule does not match now. A missing TimeEnd
// means the window runs to 23:59:59 local. For windows that cross
// midnight the closing instant falls on the next local date when now is
// in the pre-midnight arm.
func WindowEnd(rule Rule, now time.Time) *time.Time {
	if !Matches(rule, now) {
		return nil
	}
	loc, err := rule.location()
	if err != nil {
		return nil
	}
	local := now.In(loc)

	start, end, _ := rule.effectiveRange()
	day := local
	if start.seconds() > end.seconds() {
		cur := TimeOfDay{Hour: local.Hour(), Minute: local.Minute(), Second: local.Second()}.seconds()
		if cur >= start.seconds() {
			day = local.AddDate(0, 0, 1)
		}
	}

	endLocal := time.Date(day.Year(), day.Month(), day.Day(), end.Hour, end.Minute, end.Second, 0, loc)
	endUTC := endLocal.UTC()
	return &endUTC
}

// EarliestWindowEnd returns the soonest WindowEnd across the active
// rules that match now, or nil when none match.
func EarliestWindowEnd(rules []Rule, now time.Time) *time.Time {
	var earliest *time.Time
	for _, rule := range rules {
		if !rule.Active {
			continue
		}
		end := WindowEnd(rule, now)
		if end == nil {
			continue
		}
		if earliest == nil || end.Before(*earliest) {
			earliest = end
		}
	}
	return earliest
}

// AnyMatches reports whether any active rule matches now, along with
// the first matching rule's name. An empty rule set means scheduling is
// effectively disabled and reports (true, "").
func AnyMatches(rules []Rule, now time.Time) (bool, string) {
	if len(rules) == 0 {
		return true, ""
	}
	for _, rule := range rules {
		if !rule.Active {
			continue
		}
		if Matches(rule, now) {
			name := rule.Name
			if name == "" {
				name = "Unnamed schedule"
			}
			return true, name
		}
	}
	return false, ""
}

// Describe renders the rule for banners and logs, e.g.
// "Mon-Fri 08:00-16:00" or "May only Days: 1,2,3 04:00-08:00".
func Describe(rule Rule) string {
	var parts []string

	if len(rule.Weekdays) > 0 {
		names := []string{"Mon", "Tue", "Wed", "Thu", "Fri", "Sat", "Sun"}
		days := append([]int(nil), rule.Weekdays...)
		sort.Ints(days)
		switch {
		case equalInts(days, []int{0, 1, 2, 3, 4}):
			parts = append(parts, "Mon-Fri")
		case equalInts(days, []int{5, 6}):
			parts = append(parts, "Weekends")
		case equalInts(days, []int{0, 1, 2, 3, 4, 5, 6}):
			parts = append(parts, "Every day")
		default:
			var labels []string
			for _, d := range days {
				if d >= 0 && d < len(names) {
					labels = append(labels, names[d])
				}
			}
			parts = append(parts, strings.Join(labels, "/"))
		}
	}

	if len(rule.Months) > 0 {
		names := []string{"", "Jan", "Feb", "Mar", "Apr", "May", "Jun", "Jul", "Aug", "Sep", "Oct", "Nov", "Dec"}
		months := append([]int(nil), rule.Months...)
		sort.Ints(months)
		if len(months) == 1 {
			parts = append(parts, names[months[0]]+" only")
		} else {
			var labels []string
			for _, m := range months {
				if m >= 1 && m <= 12 {
					labels = append(labels, names[m])
				}
			}
			parts = append(parts, strings.Join(labels, "/"))
		}
	}

	if len(rule.DaysOfMonth) > 0 {
		days := append([]int(nil), rule.DaysOfMonth...)
		sort.Ints(days)
		switch {
		case equalInts(days, []int{1}):
			parts = append(parts, "First day of month")
		case len(days) == 31 && days[0] == 1 && days[30] == 31:
			// every day of month, not worth mentioning
		default:
			var labels []string
			for _, d := range days {
				labels = append(labels, fmt.Sprintf("%d", d))
			}
			parts = append(parts, "Days: "+strings.Join(labels, ","))
		}
	}

	if rule.TimeStart != nil || rule.TimeEnd != nil {
		start, end := "00:00", "23:59"
		if rule.TimeStart != nil {
			start = rule.TimeStart.String()
		}
		if rule.TimeEnd != nil {
			end = rule.TimeEnd.String()
		}
		parts = append(parts, start+"-"+end)
	}

	if len(parts) == 0 {
		return "Always"
	}
	return strings.Join(parts, " ")
}

func equalInts(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
