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

// Package admin is the request surface behind the management CLI. Every
// request carries the caller's version, which is gated against the deployed
// version before anything runs.
package admin

import (
	"context"
	"fmt"
	"time"

	"github.com/Masterminds/semver/v3"
	"k8s.io/utils/clock"

	"github.com/awslabs/instance-scheduler/pkg/scheduling"
	"github.com/awslabs/instance-scheduler/pkg/store"
)

// API answers typed management requests against the definition store.
type API struct {
	store *store.ConfigStore
	clk   clock.Clock
	// version is the deployed component version; minVersion is the oldest
	// caller still accepted.
	version    *semver.Version
	minVersion *semver.Version
}

func New(configStore *store.ConfigStore, clk clock.Clock, version, minVersion string) (*API, error) {
	deployed, err := semver.NewVersion(version)
	if err != nil {
		return nil, fmt.Errorf("parsing deployed version %q, %w", version, err)
	}
	oldest, err := semver.NewVersion(minVersion)
	if err != nil {
		return nil, fmt.Errorf("parsing minimum supported version %q, %w", minVersion, err)
	}
	return &API{store: configStore, clk: clk, version: deployed, minVersion: oldest}, nil
}

// Request is embedded in every admin request.
type Request struct {
	// Version is the caller's version string.
	Version string `json:"version"`
}

// VersionMismatchError rejects callers that are too old or drifted onto a
// different feature line than the deployment.
type VersionMismatchError struct {
	Caller   string
	Deployed string
	Minimum  string
}

func (e *VersionMismatchError) Error() string {
	return fmt.Sprintf("caller version %q is not compatible with deployed version %q (minimum supported %q)", e.Caller, e.Deployed, e.Minimum)
}

// checkVersion accepts callers at or above the minimum that share the
// deployment's major.minor line.
func (a *API) checkVersion(request Request) error {
	caller, err := semver.NewVersion(request.Version)
	if err != nil {
		return fmt.Errorf("parsing caller version %q, %w", request.Version, err)
	}
	if caller.LessThan(a.minVersion) ||
		caller.Major() != a.version.Major() || caller.Minor() != a.version.Minor() {
		return &VersionMismatchError{Caller: request.Version, Deployed: a.version.String(), Minimum: a.minVersion.String()}
	}
	return nil
}

type ListSchedulesRequest struct {
	Request
}

type ListSchedulesResponse struct {
	Schedules []*scheduling.Schedule `json:"schedules"`
	Periods   []*scheduling.Period   `json:"periods"`
	// DefinitionErrors reports invalid rows that were dropped from the view.
	DefinitionErrors []string `json:"definition_errors,omitempty"`
}

// ListSchedules returns the resolved library.
func (a *API) ListSchedules(ctx context.Context, request ListSchedulesRequest) (*ListSchedulesResponse, error) {
	if err := a.checkVersion(request.Request); err != nil {
		return nil, err
	}
	library, definitionErrs, err := a.store.LoadLibrary(ctx)
	if err != nil {
		return nil, err
	}
	response := &ListSchedulesResponse{}
	for _, schedule := range library.Schedules {
		response.Schedules = append(response.Schedules, schedule)
	}
	for _, period := range library.Periods {
		response.Periods = append(response.Periods, period)
	}
	for _, definitionErr := range definitionErrs {
		response.DefinitionErrors = append(response.DefinitionErrors, definitionErr.Error())
	}
	return response, nil
}

type GetScheduleRequest struct {
	Request
	Name string `json:"name"`
}

func (a *API) GetSchedule(ctx context.Context, request GetScheduleRequest) (*scheduling.Schedule, error) {
	if err := a.checkVersion(request.Request); err != nil {
		return nil, err
	}
	return a.store.GetSchedule(ctx, request.Name)
}

type GetPeriodRequest struct {
	Request
	Name string `json:"name"`
}

func (a *API) GetPeriod(ctx context.Context, request GetPeriodRequest) (*scheduling.Period, error) {
	if err := a.checkVersion(request.Request); err != nil {
		return nil, err
	}
	return a.store.GetPeriod(ctx, request.Name)
}

type PutScheduleRequest struct {
	Request
	Schedule *scheduling.Schedule `json:"schedule"`
	// Overwrite distinguishes update from create; creates fail on existing
	// names.
	Overwrite bool `json:"overwrite"`
}

// PutSchedule creates or updates a schedule. Definitions owned by a
// provisioning stack refuse edits; so do attempts to claim stack ownership
// through the admin surface.
func (a *API) PutSchedule(ctx context.Context, request PutScheduleRequest) error {
	if err := a.checkVersion(request.Request); err != nil {
		return err
	}
	if request.Schedule.ConfiguredInStack != "" {
		return &store.ManagedByStackError{Name: request.Schedule.Name, Stack: request.Schedule.ConfiguredInStack}
	}
	if request.Overwrite {
		if err := a.refuseManagedSchedule(ctx, request.Schedule.Name); err != nil {
			return err
		}
	}
	return a.store.PutSchedule(ctx, request.Schedule, request.Overwrite)
}

type PutPeriodRequest struct {
	Request
	Period    *scheduling.Period `json:"period"`
	Overwrite bool               `json:"overwrite"`
}

func (a *API) PutPeriod(ctx context.Context, request PutPeriodRequest) error {
	if err := a.checkVersion(request.Request); err != nil {
		return err
	}
	if request.Period.ConfiguredInStack != "" {
		return &store.ManagedByStackError{Name: request.Period.Name, Stack: request.Period.ConfiguredInStack}
	}
	if request.Overwrite {
		if err := a.refuseManagedPeriod(ctx, request.Period.Name); err != nil {
			return err
		}
	}
	return a.store.PutPeriod(ctx, request.Period, request.Overwrite)
}

type DeleteScheduleRequest struct {
	Request
	Name string `json:"name"`
}

func (a *API) DeleteSchedule(ctx context.Context, request DeleteScheduleRequest) error {
	if err := a.checkVersion(request.Request); err != nil {
		return err
	}
	if err := a.refuseManagedSchedule(ctx, request.Name); err != nil {
		return err
	}
	return a.store.DeleteSchedule(ctx, request.Name)
}

type DeletePeriodRequest struct {
	Request
	Name string `json:"name"`
}

// DeletePeriod fails with an InUseError while schedules still reference the
// period.
func (a *API) DeletePeriod(ctx context.Context, request DeletePeriodRequest) error {
	if err := a.checkVersion(request.Request); err != nil {
		return err
	}
	if err := a.refuseManagedPeriod(ctx, request.Name); err != nil {
		return err
	}
	return a.store.DeletePeriod(ctx, request.Name)
}

type DescribeScheduleUsageRequest struct {
	Request
	Name string `json:"name"`
	// Start and End are inclusive "2006-01-02" dates in the schedule's zone.
	// Both default to today.
	Start string `json:"start,omitempty"`
	End   string `json:"end,omitempty"`
}

// DescribeScheduleUsage simulates the schedule over the date range and
// reports its running intervals and billed time per day.
func (a *API) DescribeScheduleUsage(ctx context.Context, request DescribeScheduleUsageRequest) (*scheduling.UsageReport, error) {
	if err := a.checkVersion(request.Request); err != nil {
		return nil, err
	}
	// The schedule comes from the resolved library so its periods are bound.
	library, _, err := a.store.LoadLibrary(ctx)
	if err != nil {
		return nil, err
	}
	schedule, ok := library.Schedules[request.Name]
	if !ok {
		return nil, fmt.Errorf("schedule %q, %w", request.Name, store.ErrNotFound)
	}
	start, end, err := a.usageRange(request.Start, request.End)
	if err != nil {
		return nil, err
	}
	return scheduling.ComputeUsage(schedule, start, end)
}

func (a *API) usageRange(startStr, endStr string) (time.Time, time.Time, error) {
	today := a.clk.Now().UTC().Truncate(24 * time.Hour)
	start, end := today, today
	var err error
	if startStr != "" {
		if start, err = time.Parse(time.DateOnly, startStr); err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("parsing usage start date %q, %w", startStr, err)
		}
	}
	if endStr != "" {
		if end, err = time.Parse(time.DateOnly, endStr); err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("parsing usage end date %q, %w", endStr, err)
		}
	}
	return start, end, nil
}

func (a *API) refuseManagedSchedule(ctx context.Context, name string) error {
	existing, err := a.store.GetSchedule(ctx, name)
	if err != nil {
		return err
	}
	if existing.ConfiguredInStack != "" {
		return &store.ManagedByStackError{Name: name, Stack: existing.ConfiguredInStack}
	}
	return nil
}

func (a *API) refuseManagedPeriod(ctx context.Context, name string) error {
	existing, err := a.store.GetPeriod(ctx, name)
	if err != nil {
		return err
	}
	if existing.ConfiguredInStack != "" {
		return &store.ManagedByStackError{Name: name, Stack: existing.ConfiguredInStack}
	}
	return nil
}
