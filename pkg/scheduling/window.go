/*
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

package scheduling

import (
	"fmt"
	"strings"
	"time"
)

const (
	// WindowStartupLead shifts a maintenance window's begin time earlier so
	// the resource is available when the window opens.
	WindowStartupLead = 10 * time.Minute

	minutesPerDay  = 24 * 60
	minutesPerWeek = 7 * minutesPerDay
)

// NewWindowSchedule builds a synthetic UTC schedule around pre-resolved
// periods, for maintenance windows that are not part of the library.
func NewWindowSchedule(name string, periods ...*Period) *Schedule {
	schedule := &Schedule{Name: name, Timezone: "UTC"}
	for _, period := range periods {
		schedule.PeriodRefs = append(schedule.PeriodRefs, PeriodRef{Name: period.Name})
		schedule.bindings = append(schedule.bindings, Binding{Period: period})
	}
	return schedule
}

// ParsePreferredWindow converts an RDS preferred maintenance window
// ("ddd:HH:MM-ddd:HH:MM", UTC) into a schedule that evaluates RUNNING for the
// window plus the startup lead. A window spanning midnight yields two
// one-sided periods.
func ParsePreferredWindow(name, window string) (*Schedule, error) {
	parts := strings.Split(window, "-")
	if len(parts) != 2 {
		return nil, fmt.Errorf("maintenance window %q is not in ddd:HH:MM-ddd:HH:MM format", window)
	}
	begin, err := parseWeekMinute(parts[0])
	if err != nil {
		return nil, fmt.Errorf("maintenance window %q, %w", window, err)
	}
	end, err := parseWeekMinute(parts[1])
	if err != nil {
		return nil, fmt.Errorf("maintenance window %q, %w", window, err)
	}
	// Shift begin earlier by the startup lead, wrapping to the previous
	// weekday if the shift crosses midnight. The end minute itself is already
	// inclusive under period semantics, so back it off by one.
	begin = (begin - int(WindowStartupLead.Minutes()) + minutesPerWeek) % minutesPerWeek
	end = (end - 1 + minutesPerWeek) % minutesPerWeek

	beginDay, beginTime := begin/minutesPerDay, DayTime(begin%minutesPerDay)
	endDay, endTime := end/minutesPerDay, DayTime(end%minutesPerDay)
	if beginDay == endDay && beginTime <= endTime {
		return NewWindowSchedule(name, &Period{
			Name:      name,
			BeginTime: &beginTime,
			EndTime:   &endTime,
			Weekdays:  Set{beginDay: {}},
		}), nil
	}
	return NewWindowSchedule(name,
		&Period{Name: name + "-start", BeginTime: &beginTime, Weekdays: Set{beginDay: {}}},
		&Period{Name: name + "-end", EndTime: &endTime, Weekdays: Set{endDay: {}}},
	), nil
}

// parseWeekMinute parses "ddd:HH:MM" into minutes since Monday 00:00.
func parseWeekMinute(value string) (int, error) {
	day, timeOfDay, found := strings.Cut(value, ":")
	if !found {
		return 0, fmt.Errorf("%q is not in ddd:HH:MM format", value)
	}
	weekday, err := WeekdayDomain.resolve(strings.ToLower(day))
	if err != nil {
		return 0, err
	}
	dayTime, err := ParseDayTime(timeOfDay)
	if err != nil {
		return 0, err
	}
	return weekday*minutesPerDay + int(dayTime), nil
}

// NewAbsoluteWindowSchedule pins a concrete [begin, end) UTC interval into a
// schedule, one period per calendar day touched. Used for SSM maintenance
// windows, whose next execution is a concrete instant rather than a
// recurrence.
func NewAbsoluteWindowSchedule(name string, begin, end time.Time) *Schedule {
	begin, end = begin.UTC(), end.UTC()
	var periods []*Period
	for day := begin; day.Before(end); day = day.Truncate(24 * time.Hour).Add(24 * time.Hour) {
		beginTime := NewDayTime(day.Hour(), day.Minute())
		// The last minute inside the window on this day. The interval end is
		// exclusive, so back off one minute when the window closes today.
		endTime := NewDayTime(23, 59)
		if sameDay(day, end) {
			endTime = NewDayTime(end.Hour(), end.Minute()) - 1
		}
		periods = append(periods, &Period{
			Name:      fmt.Sprintf("%s-%s", name, day.Format("20060102")),
			BeginTime: &beginTime,
			EndTime:   &endTime,
			Monthdays: Set{day.Day(): {}},
			Months:    Set{int(day.Month()): {}},
		})
	}
	return NewWindowSchedule(name, periods...)
}

func sameDay(a, b time.Time) bool {
	return a.Year() == b.Year() && a.YearDay() == b.YearDay()
}
