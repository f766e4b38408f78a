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
	"errors"
	"fmt"
)

// UnknownScheduleError marks a resource whose tag names a schedule that does
// not exist in the library; the resource is skipped this tick.
type UnknownScheduleError struct {
	ScheduleName string
}

func (e *UnknownScheduleError) Error() string {
	return fmt.Sprintf("schedule %q does not exist", e.ScheduleName)
}

func IsUnknownSchedule(err error) bool {
	var unknownErr *UnknownScheduleError
	return errors.As(err, &unknownErr)
}

// UnsupportedResourceError marks a resource kind that cannot be scheduled,
// e.g. an RDS read replica or an aurora cluster member tagged directly.
type UnsupportedResourceError struct {
	Reason string
}

func (e *UnsupportedResourceError) Error() string {
	return e.Reason
}

func IsUnsupportedResource(err error) bool {
	var unsupportedErr *UnsupportedResourceError
	return errors.As(err, &unsupportedErr)
}

// UnschedulableStateError marks a resource in a transitional lifecycle state
// when an action was required; the next tick retries.
type UnschedulableStateError struct {
	State ResourceState
}

func (e *UnschedulableStateError) Error() string {
	return fmt.Sprintf("resource is in state %q and cannot take an action", e.State)
}

func IsUnschedulableState(err error) bool {
	var stateErr *UnschedulableStateError
	return errors.As(err, &stateErr)
}

// ClientError wraps a cloud API failure for a specific resource.
type ClientError struct {
	Err error
}

func (e *ClientError) Error() string {
	return e.Err.Error()
}

func (e *ClientError) Unwrap() error {
	return e.Err
}

func IsClientError(err error) bool {
	var clientErr *ClientError
	return errors.As(err, &clientErr)
}

// RollbackFailedError marks an auto scaling group whose reconfigure failed
// and whose previous scheduled actions could not be restored.
type RollbackFailedError struct {
	ConfigureErr error
	RollbackErr  error
}

func (e *RollbackFailedError) Error() string {
	return fmt.Sprintf("reconfigure failed (%s) and rollback also failed (%s)", e.ConfigureErr, e.RollbackErr)
}

func IsRollbackFailed(err error) bool {
	var rollbackErr *RollbackFailedError
	return errors.As(err, &rollbackErr)
}
