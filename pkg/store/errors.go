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
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a definition does not exist.
	ErrNotFound = errors.New("definition does not exist")
	// ErrAlreadyExists is returned by puts with overwrite disabled against an
	// existing row.
	ErrAlreadyExists = errors.New("definition already exists")
)

// InUseError is returned when deleting a period that schedules still
// reference.
type InUseError struct {
	Period    string
	Schedules []string
}

func (e *InUseError) Error() string {
	return fmt.Sprintf("period %q is referenced by schedules %v", e.Period, e.Schedules)
}

func IsInUse(err error) bool {
	var inUseErr *InUseError
	return errors.As(err, &inUseErr)
}

// ManagedByStackError is returned when the admin surface attempts to edit or
// delete a definition owned by a provisioning stack.
type ManagedByStackError struct {
	Name  string
	Stack string
}

func (e *ManagedByStackError) Error() string {
	return fmt.Sprintf("definition %q is managed by stack %q and cannot be edited", e.Name, e.Stack)
}

func IsManagedByStack(err error) bool {
	var managedErr *ManagedByStackError
	return errors.As(err, &managedErr)
}
