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

package scheduler

import (
	"time"

	"github.com/awslabs/instance-scheduler/pkg/scheduling"
)

// Verdict is the outcome of the per-resource decision procedure: the action
// to take and the registry state to record once the action succeeds.
type Verdict struct {
	Action Action
	// NewState is written to the registry. For ActionNone it is written only
	// when it differs from the previous stored state.
	NewState StoredState
	// DesiredType is the target instance type to resize to before starting,
	// empty when no resize is wanted or the type already matches.
	DesiredType string
	// Desired is the evaluator's desired state, retained for reporting.
	Desired scheduling.State
	// PeriodName names the period (or override/window) that decided.
	PeriodName string
}

// Decide runs the decision procedure for one resource against its schedule
// at the UTC instant now. last is the registry's stored state; callers handle
// terminated resources before calling.
func Decide(schedule *scheduling.Schedule, resource *Resource, last StoredState, now time.Time) (Verdict, error) {
	decision, err := schedule.Evaluate(now)
	if err != nil {
		return Verdict{}, err
	}

	switch last {
	case StoredUnknown:
		// First sight. A resource found running against a stopped period is
		// adopted without action unless the schedule stops new instances.
		if resource.Running() && decision.State == scheduling.StateStopped && !schedule.StopNewInstances {
			return Verdict{Action: ActionNone, NewState: StoredStopped, Desired: decision.State, PeriodName: decision.PeriodName}, nil
		}
	case StoredRetainRunning:
		// The user started this resource during a running period; honor that
		// for the remainder of its life.
		if decision.State == scheduling.StateStopped {
			return Verdict{Action: ActionNone, NewState: StoredStopped, Desired: decision.State, PeriodName: decision.PeriodName}, nil
		}
		return Verdict{Action: ActionNone, NewState: StoredRetainRunning, Desired: decision.State, PeriodName: decision.PeriodName}, nil
	default:
		if schedule.Enforced {
			if observedMatches(resource, decision.State) {
				return Verdict{Action: ActionNone, NewState: desiredStored(decision.State), Desired: decision.State, PeriodName: decision.PeriodName}, nil
			}
		} else if last == desiredStored(decision.State) {
			return Verdict{Action: ActionNone, NewState: last, Desired: decision.State, PeriodName: decision.PeriodName}, nil
		}
	}
	return apply(schedule, resource, last, decision)
}

func apply(schedule *scheduling.Schedule, resource *Resource, last StoredState, decision scheduling.Decision) (Verdict, error) {
	if decision.State == scheduling.StateRunning {
		switch {
		case resource.Stopped():
			verdict := Verdict{Action: ActionStart, NewState: StoredRunning, Desired: decision.State, PeriodName: decision.PeriodName}
			if decision.InstanceType != "" && decision.InstanceType != resource.InstanceType {
				verdict.DesiredType = decision.InstanceType
			}
			return verdict, nil
		case resource.Running():
			// The resource is already up. If the user kept it running across
			// a stop boundary, remember that and leave it alone from now on.
			if last == StoredStopped && schedule.RetainRunning {
				return Verdict{Action: ActionNone, NewState: StoredRetainRunning, Desired: decision.State, PeriodName: decision.PeriodName}, nil
			}
			return Verdict{Action: ActionNone, NewState: StoredRunning, Desired: decision.State, PeriodName: decision.PeriodName}, nil
		default:
			return Verdict{}, &UnschedulableStateError{State: resource.State}
		}
	}
	switch {
	case resource.Running():
		action := ActionStop
		if schedule.Hibernate {
			action = ActionHibernate
		}
		return Verdict{Action: action, NewState: StoredStopped, Desired: decision.State, PeriodName: decision.PeriodName}, nil
	case resource.Stopped():
		return Verdict{Action: ActionNone, NewState: StoredStopped, Desired: decision.State, PeriodName: decision.PeriodName}, nil
	default:
		return Verdict{}, &UnschedulableStateError{State: resource.State}
	}
}

func observedMatches(resource *Resource, desired scheduling.State) bool {
	if desired == scheduling.StateRunning {
		return resource.Running()
	}
	return resource.Stopped()
}

func desiredStored(desired scheduling.State) StoredState {
	if desired == scheduling.StateRunning {
		return StoredRunning
	}
	return StoredStopped
}
