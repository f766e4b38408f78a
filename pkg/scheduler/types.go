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
	"fmt"
)

// Service identifies a fleet partition handled by one worker per
// (account, region, service).
type Service string

const (
	ServiceEC2         Service = "ec2"
	ServiceRDS         Service = "rds"
	ServiceAutoScaling Service = "autoscaling"
)

// StoredState is the registry's record of what the scheduler last did with a
// resource.
type StoredState int8

const (
	// StoredUnknown marks first sight: the resource has never been scheduled.
	StoredUnknown StoredState = iota
	StoredRunning
	StoredStopped
	// StoredRetainRunning marks a resource the user kept running across a
	// period boundary; it is never auto-stopped again.
	StoredRetainRunning
	// StoredConfigured marks an auto scaling group whose scheduled actions
	// are installed and current.
	StoredConfigured
	StoredError
)

var storedStateNames = map[StoredState]string{
	StoredUnknown:       "unknown",
	StoredRunning:       "running",
	StoredStopped:       "stopped",
	StoredRetainRunning: "retain_running",
	StoredConfigured:    "configured",
	StoredError:         "error",
}

func (s StoredState) String() string {
	return storedStateNames[s]
}

// ParseStoredState parses the registry's on-disk representation.
func ParseStoredState(value string) (StoredState, error) {
	for state, name := range storedStateNames {
		if name == value {
			return state, nil
		}
	}
	return StoredUnknown, fmt.Errorf("unknown stored state %q", value)
}

// Action is what the scheduler decided to do with a resource this tick.
type Action int8

const (
	ActionNone Action = iota
	ActionStart
	ActionStop
	ActionHibernate
	ActionConfigure
)

func (a Action) String() string {
	switch a {
	case ActionStart:
		return "start"
	case ActionStop:
		return "stop"
	case ActionHibernate:
		return "hibernate"
	case ActionConfigure:
		return "configure"
	}
	return "none"
}

// ResourceState is the cloud-specific lifecycle state normalized to the four
// cases the decision procedure cares about.
type ResourceState int8

const (
	ResourceStateStopped ResourceState = iota
	ResourceStateRunning
	ResourceStateTransitional
	ResourceStateTerminated
)

func (s ResourceState) String() string {
	switch s {
	case ResourceStateRunning:
		return "running"
	case ResourceStateTransitional:
		return "transitional"
	case ResourceStateTerminated:
		return "terminated"
	}
	return "stopped"
}

// Resource is the transient per-tick snapshot of one cloud resource.
type Resource struct {
	ID           string
	ARN          string
	Name         string
	Account      string
	Region       string
	Service      Service
	State        ResourceState
	InstanceType string
	ScheduleName string
	Tags         map[string]string
	// IsCluster distinguishes RDS clusters from instances.
	IsCluster bool
	// PreferredMaintenanceWindow is the RDS-reported window string, if any.
	PreferredMaintenanceWindow string
	// HibernationConfigured reports whether the VM supports hibernate.
	HibernationConfigured bool
}

func (r *Resource) Running() bool { return r.State == ResourceStateRunning }
func (r *Resource) Stopped() bool { return r.State == ResourceStateStopped }

// Result is the per-resource outcome reported back to the orchestrator.
type Result struct {
	Resource *Resource
	Action   Action
	Err      error
}
