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
	"sort"
	"time"

	"github.com/samber/lo"
)

// Interval is a contiguous stretch during which a schedule evaluates RUNNING.
type Interval struct {
	Begin time.Time
	End   time.Time
	// BillingSeconds applies the per-second billing floor of one minute.
	BillingSeconds int64
	// BillingHours is the interval rounded up to whole billed hours.
	BillingHours int64
}

type DayUsage struct {
	Date           string
	Intervals      []Interval
	BillingSeconds int64
	BillingHours   int64
}

type UsageReport struct {
	Schedule string
	Days     []DayUsage
}

// ComputeUsage enumerates the running intervals of a schedule for each day in
// the inclusive date range [start, end], expressed in the schedule's zone,
// and totals billing time per day.
func ComputeUsage(schedule *Schedule, start, end time.Time) (*UsageReport, error) {
	location, err := LoadLocation(schedule.Timezone)
	if err != nil {
		return nil, err
	}
	if end.Before(start) {
		return nil, fmt.Errorf("usage range end %s is before start %s", end.Format(time.DateOnly), start.Format(time.DateOnly))
	}
	report := &UsageReport{Schedule: schedule.Name}
	for day := start; !day.After(end); day = day.AddDate(0, 0, 1) {
		usage, err := computeDayUsage(schedule, location, day)
		if err != nil {
			return nil, err
		}
		report.Days = append(report.Days, usage)
	}
	return report, nil
}

func computeDayUsage(schedule *Schedule, location *time.Location, day time.Time) (DayUsage, error) {
	usage := DayUsage{Date: day.Format(time.DateOnly)}
	midnight := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, location)
	nextMidnight := midnight.AddDate(0, 0, 1)

	instants := eventInstants(schedule, midnight)
	var runningSince *time.Time
	for _, instant := range instants {
		decision, err := schedule.Evaluate(instant)
		if err != nil {
			return DayUsage{}, err
		}
		switch {
		case decision.State == StateRunning && runningSince == nil:
			runningSince = lo.ToPtr(instant)
		case decision.State == StateStopped && runningSince != nil:
			usage.Intervals = append(usage.Intervals, newInterval(*runningSince, instant))
			runningSince = nil
		}
	}
	// A day ending in RUNNING closes at 23:59 plus one minute.
	if runningSince != nil {
		usage.Intervals = append(usage.Intervals, newInterval(*runningSince, nextMidnight))
	}
	for _, interval := range usage.Intervals {
		usage.BillingSeconds += interval.BillingSeconds
		usage.BillingHours += interval.BillingHours
	}
	return usage, nil
}

// eventInstants is the sorted set of instants at which the schedule can
// change state on the given day: midnight, every period boundary, and 23:59.
func eventInstants(schedule *Schedule, midnight time.Time) []time.Time {
	minutes := map[DayTime]struct{}{
		0:                  {},
		NewDayTime(23, 59): {},
	}
	for _, binding := range schedule.bindings {
		if binding.Period.BeginTime != nil {
			minutes[*binding.Period.BeginTime] = struct{}{}
		}
		if binding.Period.EndTime != nil && *binding.Period.EndTime < NewDayTime(23, 59) {
			// The period stays active through its end minute; the transition
			// lands one minute later.
			minutes[*binding.Period.EndTime+1] = struct{}{}
		}
	}
	ordered := lo.Keys(minutes)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i] < ordered[j] })
	return lo.Map(ordered, func(minute DayTime, _ int) time.Time {
		return midnight.Add(time.Duration(minute) * time.Minute)
	})
}

func newInterval(begin, end time.Time) Interval {
	seconds := int64(end.Sub(begin) / time.Second)
	return Interval{
		Begin:          begin,
		End:            end,
		BillingSeconds: max(60, seconds),
		BillingHours:   (seconds + 3599) / 3600,
	}
}
