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

package orchestrator

import (
	"encoding/json"
	"fmt"

	"github.com/samber/lo"

	"github.com/awslabs/instance-scheduler/pkg/scheduler"
	"github.com/awslabs/instance-scheduler/pkg/scheduling"
)

// Target is one (account, region, service) worker assignment.
type Target struct {
	Account string            `json:"account"`
	Region  string            `json:"region"`
	Service scheduler.Service `json:"service"`
}

func (t Target) String() string {
	return fmt.Sprintf("%s/%s/%s", t.Account, t.Region, t.Service)
}

// Payload is the work order handed to a target worker. It carries a snapshot
// of the definition library so the worker does not re-read the store; when
// the snapshot would not fit the size limit it is omitted and the worker
// reloads instead.
type Payload struct {
	Target  Target           `json:"target"`
	Library *LibrarySnapshot `json:"library,omitempty"`
}

// LibrarySnapshot is the wire form of the definition library.
type LibrarySnapshot struct {
	Schedules []ScheduleSnapshot `json:"schedules"`
	Periods   []PeriodSnapshot   `json:"periods,omitempty"`
}

type ScheduleSnapshot struct {
	Name                  string   `json:"name"`
	Timezone              string   `json:"timezone,omitempty"`
	Periods               []string `json:"periods,omitempty"`
	OverrideStatus        string   `json:"override_status,omitempty"`
	StopNewInstances      *bool    `json:"stop_new_instances,omitempty"`
	RetainRunning         bool     `json:"retain_running,omitempty"`
	Enforced              bool     `json:"enforced,omitempty"`
	Hibernate             bool     `json:"hibernate,omitempty"`
	UseMaintenanceWindow  bool     `json:"use_maintenance_window,omitempty"`
	SSMMaintenanceWindows []string `json:"ssm_maintenance_windows,omitempty"`
}

type PeriodSnapshot struct {
	Name      string `json:"name"`
	BeginTime string `json:"begintime,omitempty"`
	EndTime   string `json:"endtime,omitempty"`
	Weekdays  []int  `json:"weekdays,omitempty"`
	Monthdays []int  `json:"monthdays,omitempty"`
	Months    []int  `json:"months,omitempty"`
}

// BuildPayload encodes the work order for one target, degrading the library
// snapshot until it fits sizeLimit: first unreferenced periods are dropped,
// then the whole snapshot.
func BuildPayload(target Target, library *scheduling.Library, sizeLimit int) ([]byte, error) {
	snapshot := Snapshot(library)
	for _, degrade := range []func(){
		func() {},
		func() { snapshot.Periods = referencedPeriods(library) },
		func() { snapshot = nil },
	} {
		degrade()
		raw, err := json.Marshal(Payload{Target: target, Library: snapshot})
		if err != nil {
			return nil, fmt.Errorf("encoding payload for %s, %w", target, err)
		}
		if len(raw) <= sizeLimit || snapshot == nil {
			return raw, nil
		}
	}
	panic("unreachable")
}

// DecodePayload is the worker-side inverse of BuildPayload.
func DecodePayload(raw []byte) (*Payload, error) {
	payload := &Payload{}
	if err := json.Unmarshal(raw, payload); err != nil {
		return nil, fmt.Errorf("decoding payload, %w", err)
	}
	return payload, nil
}

// Snapshot captures the library in wire form.
func Snapshot(library *scheduling.Library) *LibrarySnapshot {
	snapshot := &LibrarySnapshot{
		Schedules: lo.Map(lo.Values(library.Schedules), func(schedule *scheduling.Schedule, _ int) ScheduleSnapshot {
			return newScheduleSnapshot(schedule)
		}),
		Periods: lo.Map(lo.Values(library.Periods), func(period *scheduling.Period, _ int) PeriodSnapshot {
			return newPeriodSnapshot(period)
		}),
	}
	return snapshot
}

func referencedPeriods(library *scheduling.Library) []PeriodSnapshot {
	referenced := map[string]struct{}{}
	for _, schedule := range library.Schedules {
		for _, ref := range schedule.PeriodRefs {
			referenced[ref.Name] = struct{}{}
		}
	}
	var periods []PeriodSnapshot
	for name, period := range library.Periods {
		if _, ok := referenced[name]; ok {
			periods = append(periods, newPeriodSnapshot(period))
		}
	}
	return periods
}

func newScheduleSnapshot(schedule *scheduling.Schedule) ScheduleSnapshot {
	snapshot := ScheduleSnapshot{
		Name:     schedule.Name,
		Timezone: schedule.Timezone,
		Periods: lo.Map(schedule.PeriodRefs, func(ref scheduling.PeriodRef, _ int) string {
			return ref.String()
		}),
		RetainRunning:         schedule.RetainRunning,
		Enforced:              schedule.Enforced,
		Hibernate:             schedule.Hibernate,
		UseMaintenanceWindow:  schedule.UseMaintenanceWindow,
		SSMMaintenanceWindows: schedule.SSMMaintenanceWindows,
	}
	if schedule.OverrideStatus != nil {
		snapshot.OverrideStatus = schedule.OverrideStatus.String()
	}
	if !schedule.StopNewInstances {
		snapshot.StopNewInstances = lo.ToPtr(false)
	}
	return snapshot
}

func newPeriodSnapshot(period *scheduling.Period) PeriodSnapshot {
	snapshot := PeriodSnapshot{Name: period.Name}
	if period.BeginTime != nil {
		snapshot.BeginTime = period.BeginTime.String()
	}
	if period.EndTime != nil {
		snapshot.EndTime = period.EndTime.String()
	}
	if period.Weekdays != nil {
		snapshot.Weekdays = period.Weekdays.Values()
	}
	if period.Monthdays != nil {
		snapshot.Monthdays = period.Monthdays.Values()
	}
	if period.Months != nil {
		snapshot.Months = period.Months.Values()
	}
	return snapshot
}

// Library rebuilds the resolved in-memory library from the snapshot. Invalid
// snapshot entries are reported the same way store loads report them.
func (s *LibrarySnapshot) Library() (*scheduling.Library, []error) {
	library := &scheduling.Library{
		Schedules: map[string]*scheduling.Schedule{},
		Periods:   map[string]*scheduling.Period{},
	}
	var errs []error
	for _, snapshot := range s.Periods {
		period, err := snapshot.toPeriod()
		if err != nil {
			errs = append(errs, err)
			continue
		}
		library.Periods[period.Name] = period
	}
	for _, snapshot := range s.Schedules {
		schedule, err := snapshot.toSchedule()
		if err != nil {
			errs = append(errs, err)
			continue
		}
		library.Schedules[schedule.Name] = schedule
	}
	errs = append(errs, library.Resolve()...)
	return library, errs
}

func (s PeriodSnapshot) toPeriod() (*scheduling.Period, error) {
	period := &scheduling.Period{Name: s.Name}
	if s.BeginTime != "" {
		begin, err := scheduling.ParseDayTime(s.BeginTime)
		if err != nil {
			return nil, fmt.Errorf("period %q, %w", s.Name, err)
		}
		period.BeginTime = &begin
	}
	if s.EndTime != "" {
		end, err := scheduling.ParseDayTime(s.EndTime)
		if err != nil {
			return nil, fmt.Errorf("period %q, %w", s.Name, err)
		}
		period.EndTime = &end
	}
	period.Weekdays = toSet(s.Weekdays)
	period.Monthdays = toSet(s.Monthdays)
	period.Months = toSet(s.Months)
	return period, nil
}

func (s ScheduleSnapshot) toSchedule() (*scheduling.Schedule, error) {
	schedule := &scheduling.Schedule{
		Name:     s.Name,
		Timezone: s.Timezone,
		PeriodRefs: lo.Map(s.Periods, func(ref string, _ int) scheduling.PeriodRef {
			return scheduling.ParsePeriodRef(ref)
		}),
		StopNewInstances:      lo.FromPtrOr(s.StopNewInstances, true),
		RetainRunning:         s.RetainRunning,
		Enforced:              s.Enforced,
		Hibernate:             s.Hibernate,
		UseMaintenanceWindow:  s.UseMaintenanceWindow,
		SSMMaintenanceWindows: s.SSMMaintenanceWindows,
	}
	if s.OverrideStatus != "" {
		override, err := scheduling.ParseState(s.OverrideStatus)
		if err != nil {
			return nil, fmt.Errorf("schedule %q, %w", s.Name, err)
		}
		schedule.OverrideStatus = &override
	}
	return schedule, nil
}

func toSet(values []int) scheduling.Set {
	if values == nil {
		return nil
	}
	set := scheduling.Set{}
	for _, v := range values {
		set[v] = struct{}{}
	}
	return set
}
