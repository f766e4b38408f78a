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

package store

import (
	"fmt"

	"github.com/samber/lo"

	"github.com/awslabs/instance-scheduler/pkg/scheduling"
)

func (row periodItem) toPeriod() (*scheduling.Period, error) {
	period := &scheduling.Period{
		Name:              row.Name,
		Description:       row.Description,
		ConfiguredInStack: row.ConfiguredInStack,
	}
	var err error
	if row.BeginTime != "" {
		begin, parseErr := scheduling.ParseDayTime(row.BeginTime)
		if parseErr != nil {
			return nil, fmt.Errorf("period %q, %w", row.Name, parseErr)
		}
		period.BeginTime = &begin
	}
	if row.EndTime != "" {
		end, parseErr := scheduling.ParseDayTime(row.EndTime)
		if parseErr != nil {
			return nil, fmt.Errorf("period %q, %w", row.Name, parseErr)
		}
		period.EndTime = &end
	}
	if len(row.Weekdays) != 0 {
		if period.Weekdays, err = scheduling.WeekdayDomain.ParseExpressions(row.Weekdays...); err != nil {
			return nil, fmt.Errorf("period %q, %w", row.Name, err)
		}
	}
	if len(row.Monthdays) != 0 {
		if period.Monthdays, err = scheduling.MonthdayDomain.ParseExpressions(row.Monthdays...); err != nil {
			return nil, fmt.Errorf("period %q, %w", row.Name, err)
		}
	}
	if len(row.Months) != 0 {
		if period.Months, err = scheduling.MonthDomain.ParseExpressions(row.Months...); err != nil {
			return nil, fmt.Errorf("period %q, %w", row.Name, err)
		}
	}
	if err := period.Validate(); err != nil {
		return nil, err
	}
	return period, nil
}

func (row scheduleItem) toSchedule() (*scheduling.Schedule, error) {
	schedule := &scheduling.Schedule{
		Name:                  row.Name,
		Description:           row.Description,
		Timezone:              row.Timezone,
		PeriodRefs:            lo.Map(row.Periods, func(ref string, _ int) scheduling.PeriodRef { return scheduling.ParsePeriodRef(ref) }),
		StopNewInstances:      lo.FromPtrOr(row.StopNewInstances, true),
		RetainRunning:         row.RetainRunning,
		Enforced:              row.Enforced,
		Hibernate:             row.Hibernate,
		UseMaintenanceWindow:  row.UseMaintenanceWindow,
		SSMMaintenanceWindows: row.SSMMaintenanceWindow,
		ConfiguredInStack:     row.ConfiguredInStack,
	}
	if row.OverrideStatus != "" {
		override, err := scheduling.ParseState(row.OverrideStatus)
		if err != nil {
			return nil, fmt.Errorf("schedule %q, %w", row.Name, err)
		}
		schedule.OverrideStatus = &override
	}
	if err := schedule.Validate(); err != nil {
		return nil, err
	}
	return schedule, nil
}

func newPeriodItem(period *scheduling.Period) periodItem {
	row := periodItem{
		Type:              rowTypePeriod,
		Name:              period.Name,
		Description:       period.Description,
		Weekdays:          setTokens(period.Weekdays),
		Monthdays:         setTokens(period.Monthdays),
		Months:            setTokens(period.Months),
		ConfiguredInStack: period.ConfiguredInStack,
	}
	if period.BeginTime != nil {
		row.BeginTime = period.BeginTime.String()
	}
	if period.EndTime != nil {
		row.EndTime = period.EndTime.String()
	}
	return row
}

func newScheduleItem(schedule *scheduling.Schedule) scheduleItem {
	row := scheduleItem{
		Type:                 rowTypeSchedule,
		Name:                 schedule.Name,
		Description:          schedule.Description,
		Timezone:             schedule.Timezone,
		Periods:              lo.Map(schedule.PeriodRefs, func(ref scheduling.PeriodRef, _ int) string { return ref.String() }),
		RetainRunning:        schedule.RetainRunning,
		Enforced:             schedule.Enforced,
		Hibernate:            schedule.Hibernate,
		UseMaintenanceWindow: schedule.UseMaintenanceWindow,
		SSMMaintenanceWindow: schedule.SSMMaintenanceWindows,
		ConfiguredInStack:    schedule.ConfiguredInStack,
	}
	// stop_new_instances defaults to true; only persist an explicit false.
	if !schedule.StopNewInstances {
		row.StopNewInstances = lo.ToPtr(false)
	}
	if schedule.OverrideStatus != nil {
		row.OverrideStatus = schedule.OverrideStatus.String()
	}
	return row
}

func setTokens(set scheduling.Set) []string {
	if set == nil {
		return nil
	}
	return lo.Map(set.Values(), func(v int, _ int) string { return fmt.Sprintf("%d", v) })
}
