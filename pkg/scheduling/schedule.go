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

// State is the desired state of a resource at an instant.
type State int8

const (
	StateStopped State = iota
	StateRunning
)

func (s State) String() string {
	if s == StateRunning {
		return "running"
	}
	return "stopped"
}

// ParseState accepts the on-disk override_status values.
func ParseState(value string) (State, error) {
	switch strings.ToLower(value) {
	case "running":
		return StateRunning, nil
	case "stopped":
		return StateStopped, nil
	}
	return StateStopped, fmt.Errorf("unknown state %q", value)
}

// PeriodRef binds a period by name, optionally carrying a target instance
// type to apply while the period is running ("name@type" on disk).
type PeriodRef struct {
	Name         string
	InstanceType string
}

// ParsePeriodRef parses the "period_name[@instance_type]" form.
func ParsePeriodRef(value string) PeriodRef {
	name, instanceType, _ := strings.Cut(value, "@")
	return PeriodRef{Name: strings.TrimSpace(name), InstanceType: strings.TrimSpace(instanceType)}
}

func (r PeriodRef) String() string {
	if r.InstanceType == "" {
		return r.Name
	}
	return r.Name + "@" + r.InstanceType
}

// Binding is a period ref resolved against the period library. Bindings keep
// the insertion order of the schedule's period refs.
type Binding struct {
	Period       *Period
	InstanceType string
}

// Schedule is a named, time-zoned ordered list of periods plus policy flags.
type Schedule struct {
	Name             string
	Description      string
	Timezone         string
	PeriodRefs       []PeriodRef
	OverrideStatus   *State
	StopNewInstances bool
	RetainRunning    bool
	Enforced         bool
	Hibernate        bool
	// UseMaintenanceWindow widens the schedule with the attached maintenance
	// window schedules, which are evaluated at UTC.
	UseMaintenanceWindow  bool
	SSMMaintenanceWindows []string
	// ConfiguredInStack marks the owning stack; non-empty rows refuse admin
	// edits.
	ConfiguredInStack string

	// bindings are resolved by Library.Resolve and are not persisted.
	bindings []Binding
	// MaintenanceWindows are synthesized schedules attached at runtime from
	// the SSM window cache or a resource's preferred maintenance window.
	MaintenanceWindows []*Schedule
}

// Validate checks the fields that can be checked without the period library.
func (s *Schedule) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("schedule has no name")
	}
	if _, err := LoadLocation(s.Timezone); err != nil {
		return fmt.Errorf("schedule %q, %w", s.Name, err)
	}
	if s.OverrideStatus == nil && len(s.PeriodRefs) == 0 {
		return fmt.Errorf("schedule %q has no periods and no override status", s.Name)
	}
	return nil
}

// Bindings returns the resolved periods in insertion order.
func (s *Schedule) Bindings() []Binding {
	return s.bindings
}

// WithMaintenanceWindows returns a shallow copy carrying extra maintenance
// window schedules, leaving the library's shared schedule untouched.
func (s *Schedule) WithMaintenanceWindows(windows ...*Schedule) *Schedule {
	if len(windows) == 0 {
		return s
	}
	out := *s
	out.MaintenanceWindows = append(append([]*Schedule{}, s.MaintenanceWindows...), windows...)
	return &out
}

// Decision is the evaluator's verdict for a schedule at an instant.
type Decision struct {
	State State
	// InstanceType is the target type of the winning period ref, if any.
	InstanceType string
	// PeriodName names the winning period, "override" for override status and
	// the window schedule's name for a maintenance window hit.
	PeriodName string
}

// Evaluate computes the desired state for the UTC instant now. Ties between
// simultaneously active periods break by insertion order. Maintenance window
// schedules are evaluated at UTC, not in the schedule's own zone.
func (s *Schedule) Evaluate(now time.Time) (Decision, error) {
	if s.OverrideStatus != nil {
		return Decision{State: *s.OverrideStatus, PeriodName: "override"}, nil
	}
	location, err := LoadLocation(s.Timezone)
	if err != nil {
		return Decision{}, fmt.Errorf("evaluating schedule %q, %w", s.Name, err)
	}
	decision := Decision{State: StateStopped}
	local := now.In(location)
	for _, binding := range s.bindings {
		if binding.Period.Active(local) {
			decision = Decision{State: StateRunning, InstanceType: binding.InstanceType, PeriodName: binding.Period.Name}
			break
		}
	}
	if decision.State == StateStopped && s.UseMaintenanceWindow {
		for _, window := range s.MaintenanceWindows {
			windowDecision, err := window.Evaluate(now.UTC())
			if err != nil {
				return Decision{}, err
			}
			if windowDecision.State == StateRunning {
				return Decision{State: StateRunning, PeriodName: window.Name}, nil
			}
		}
	}
	return decision, nil
}

// Library is the in-memory view of the schedule and period definitions for
// one tick.
type Library struct {
	Schedules map[string]*Schedule
	Periods   map[string]*Period
}

// Resolve validates definitions and binds schedules to their periods.
// Schedules referencing missing periods are dropped from the view and
// reported; the remaining library stays usable.
func (l *Library) Resolve() []error {
	var errs []error
	for name, period := range l.Periods {
		if err := period.Validate(); err != nil {
			delete(l.Periods, name)
			errs = append(errs, err)
		}
	}
	for name, schedule := range l.Schedules {
		if err := schedule.Validate(); err != nil {
			delete(l.Schedules, name)
			errs = append(errs, err)
			continue
		}
		schedule.bindings = nil
		for _, ref := range schedule.PeriodRefs {
			period, ok := l.Periods[ref.Name]
			if !ok {
				schedule.bindings = nil
				delete(l.Schedules, name)
				errs = append(errs, fmt.Errorf("schedule %q references unknown period %q", name, ref.Name))
				break
			}
			schedule.bindings = append(schedule.bindings, Binding{Period: period, InstanceType: ref.InstanceType})
		}
	}
	return errs
}

// ReferencedPeriods returns the periods bound to the schedule, for
// fingerprinting.
func (l *Library) ReferencedPeriods(schedule *Schedule) []*Period {
	periods := make([]*Period, 0, len(schedule.bindings))
	for _, binding := range schedule.bindings {
		periods = append(periods, binding.Period)
	}
	return periods
}
