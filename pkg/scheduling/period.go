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
	"strconv"
	"strings"
	"time"
)

// DayTime is a minute-resolution time of day, stored as minutes since
// midnight.
type DayTime int

func NewDayTime(hour, minute int) DayTime {
	return DayTime(hour*60 + minute)
}

// ParseDayTime parses "HH:MM".
func ParseDayTime(value string) (DayTime, error) {
	hourStr, minuteStr, found := strings.Cut(value, ":")
	if !found {
		return 0, fmt.Errorf("time %q is not in HH:MM format", value)
	}
	hour, err := strconv.Atoi(hourStr)
	if err != nil || hour < 0 || hour > 23 {
		return 0, fmt.Errorf("time %q has an invalid hour", value)
	}
	minute, err := strconv.Atoi(minuteStr)
	if err != nil || minute < 0 || minute > 59 {
		return 0, fmt.Errorf("time %q has an invalid minute", value)
	}
	return NewDayTime(hour, minute), nil
}

func (t DayTime) Hour() int   { return int(t) / 60 }
func (t DayTime) Minute() int { return int(t) % 60 }

func (t DayTime) String() string {
	return fmt.Sprintf("%02d:%02d", t.Hour(), t.Minute())
}

// Period is a recurring time-of-day window optionally constrained by
// weekday/monthday/month sets. A nil set leaves that dimension unconstrained.
type Period struct {
	Name        string
	Description string
	BeginTime   *DayTime
	EndTime     *DayTime
	Weekdays    Set
	Monthdays   Set
	Months      Set
	// ConfiguredInStack marks the owning stack; non-empty rows refuse admin
	// edits.
	ConfiguredInStack string
}

// Validate rejects periods that could never match or whose window is
// inverted. Begin and end are same-day; overnight windows are expressed as
// two one-sided periods.
func (p *Period) Validate() error {
	if p.Name == "" {
		return fmt.Errorf("period has no name")
	}
	if p.BeginTime == nil && p.EndTime == nil && p.Weekdays == nil && p.Monthdays == nil && p.Months == nil {
		return fmt.Errorf("period %q has no time window and no calendar constraints", p.Name)
	}
	if p.BeginTime != nil && p.EndTime != nil && *p.BeginTime > *p.EndTime {
		return fmt.Errorf("period %q begin time %s is after end time %s", p.Name, p.BeginTime, p.EndTime)
	}
	return nil
}

// MondayWeekday converts time.Weekday (Sunday=0) into the Monday-based
// numbering used by the weekday domain.
func MondayWeekday(d time.Weekday) int {
	return (int(d) + 6) % 7
}

// Active reports whether t, already expressed in the owning schedule's zone,
// falls inside the period. The end time is inclusive of its whole minute.
func (p *Period) Active(t time.Time) bool {
	if p.Weekdays != nil && !p.Weekdays.Contains(MondayWeekday(t.Weekday())) {
		return false
	}
	if p.Monthdays != nil && !p.Monthdays.Contains(t.Day()) {
		return false
	}
	if p.Months != nil && !p.Months.Contains(int(t.Month())) {
		return false
	}
	minute := DayTime(t.Hour()*60 + t.Minute())
	if p.BeginTime != nil && minute < *p.BeginTime {
		return false
	}
	if p.EndTime != nil && minute >= *p.EndTime+1 {
		return false
	}
	return true
}
