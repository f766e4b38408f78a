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
	"context"
	"fmt"
	"time"

	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"
	"k8s.io/utils/clock"

	"github.com/awslabs/instance-scheduler/pkg/metrics"
	"github.com/awslabs/instance-scheduler/pkg/providers/autoscaling"
	"github.com/awslabs/instance-scheduler/pkg/providers/ec2instance"
	"github.com/awslabs/instance-scheduler/pkg/providers/identity"
	"github.com/awslabs/instance-scheduler/pkg/providers/maintenancewindow"
	"github.com/awslabs/instance-scheduler/pkg/providers/rdsinstance"
	"github.com/awslabs/instance-scheduler/pkg/scheduler"
	"github.com/awslabs/instance-scheduler/pkg/scheduling"
	"github.com/awslabs/instance-scheduler/pkg/store"
	"github.com/awslabs/instance-scheduler/pkg/utils/logging"
)

type Options struct {
	Accounts []string
	Regions  []string
	Services []scheduler.Service
	// MaxConcurrency bounds how many targets run at once.
	MaxConcurrency int
	// PayloadSizeLimit bounds the encoded work order; oversized library
	// snapshots degrade per BuildPayload.
	PayloadSizeLimit int

	ScheduleTagKey       string
	StartedTags          map[string]string
	StoppedTags          map[string]string
	CreateRDSSnapshots   bool
	SnapshotPrefix       string
	ActionNamePrefix     string
	MaintenanceWindowTTL time.Duration
}

// Orchestrator fans one tick out over every (account, region, service)
// target. A worker failure marks its target and never fails the tick; the
// next tick retries from the registry's recorded state.
type Orchestrator struct {
	configStore *store.ConfigStore
	registry    *store.Registry
	broker      identity.Broker
	clk         clock.Clock
	opts        Options
}

func New(configStore *store.ConfigStore, registry *store.Registry, broker identity.Broker, clk clock.Clock, opts Options) *Orchestrator {
	return &Orchestrator{configStore: configStore, registry: registry, broker: broker, clk: clk, opts: opts}
}

// TargetReport is the outcome of one target's worker.
type TargetReport struct {
	Target  Target
	Results []scheduler.Result
	Err     error
}

// TickReport aggregates one full tick.
type TickReport struct {
	DefinitionErrors []error
	Targets          []TargetReport
}

// Tick loads the definition library once, hands every target a work order,
// and runs the workers with bounded concurrency.
func (o *Orchestrator) Tick(ctx context.Context) (*TickReport, error) {
	log := logging.FromContext(ctx)
	start := o.clk.Now()

	library, definitionErrs, err := o.configStore.LoadLibrary(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading definitions, %w", err)
	}
	metrics.DefinitionErrors.Set(float64(len(definitionErrs)))
	for _, definitionErr := range definitionErrs {
		log.Error(definitionErr, "dropped invalid definition")
	}

	targets := o.targets()
	report := &TickReport{
		DefinitionErrors: definitionErrs,
		Targets:          make([]TargetReport, len(targets)),
	}
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(lo.Ternary(o.opts.MaxConcurrency > 0, o.opts.MaxConcurrency, 1))
	for i, target := range targets {
		i, target := i, target
		group.Go(func() error {
			raw, err := BuildPayload(target, library, o.opts.PayloadSizeLimit)
			if err != nil {
				report.Targets[i] = TargetReport{Target: target, Err: err}
				return nil
			}
			report.Targets[i] = o.runTarget(logging.IntoContext(groupCtx, log.WithValues("target", target.String())), raw)
			return nil
		})
	}
	// Workers never return errors through the group; it only bounds
	// concurrency and propagates cancellation.
	_ = group.Wait()

	o.observe(report)
	metrics.TicksTotal.Inc()
	metrics.TickDurationSeconds.Observe(o.clk.Since(start).Seconds())
	return report, nil
}

func (o *Orchestrator) targets() []Target {
	var targets []Target
	for _, account := range o.opts.Accounts {
		for _, region := range o.opts.Regions {
			for _, service := range o.opts.Services {
				targets = append(targets, Target{Account: account, Region: region, Service: service})
			}
		}
	}
	return targets
}

// runTarget executes one worker end to end: decode the work order, assume the
// target role, warm the registry partition, and run the service scheduler.
func (o *Orchestrator) runTarget(ctx context.Context, raw []byte) TargetReport {
	log := logging.FromContext(ctx)
	payload, err := DecodePayload(raw)
	if err != nil {
		return TargetReport{Err: err}
	}
	target := payload.Target

	library, err := o.resolveLibrary(ctx, payload)
	if err != nil {
		return TargetReport{Target: target, Err: err}
	}
	handle, err := o.broker.Assume(ctx, target.Account, target.Region)
	if err != nil {
		return TargetReport{Target: target, Err: err}
	}
	records, err := o.registry.Load(ctx, target.Account, target.Region, target.Service)
	if err != nil {
		return TargetReport{Target: target, Err: err}
	}

	var results []scheduler.Result
	switch target.Service {
	case scheduler.ServiceEC2:
		windows := maintenancewindow.NewProvider(handle.SSM(), o.opts.MaintenanceWindowTTL)
		worker := ec2instance.NewScheduler(handle.EC2(), o.registry, o.clk, target.Account, target.Region, ec2instance.Options{
			ScheduleTagKey: o.opts.ScheduleTagKey,
			StartedTags:    o.opts.StartedTags,
			StoppedTags:    o.opts.StoppedTags,
		})
		results, err = worker.Run(ctx, attachWindows(ctx, windows, library), records)
	case scheduler.ServiceRDS:
		worker := rdsinstance.NewScheduler(handle.RDS(), handle.Tagging(), o.registry, o.clk, target.Account, target.Region, rdsinstance.Options{
			ScheduleTagKey: o.opts.ScheduleTagKey,
			StartedTags:    o.opts.StartedTags,
			StoppedTags:    o.opts.StoppedTags,
			CreateSnapshot: o.opts.CreateRDSSnapshots,
			SnapshotPrefix: o.opts.SnapshotPrefix,
		})
		results, err = worker.Run(ctx, library, records)
	case scheduler.ServiceAutoScaling:
		worker := autoscaling.NewScheduler(handle.AutoScaling(), o.registry, o.clk, target.Account, target.Region, autoscaling.Options{
			ScheduleTagKey:   o.opts.ScheduleTagKey,
			ActionNamePrefix: o.opts.ActionNamePrefix,
		})
		results, err = worker.Run(ctx, library, records)
	default:
		err = fmt.Errorf("unknown service %q", target.Service)
	}
	if err != nil {
		log.Error(err, "target worker failed")
	}
	return TargetReport{Target: target, Results: results, Err: err}
}

// resolveLibrary prefers the payload's snapshot and falls back to the store
// when the snapshot was trimmed away.
func (o *Orchestrator) resolveLibrary(ctx context.Context, payload *Payload) (*scheduling.Library, error) {
	if payload.Library != nil {
		library, errs := payload.Library.Library()
		for _, definitionErr := range errs {
			logging.FromContext(ctx).Error(definitionErr, "dropped invalid definition from payload")
		}
		return library, nil
	}
	library, _, err := o.configStore.LoadLibrary(ctx)
	if err != nil {
		return nil, fmt.Errorf("reloading definitions, %w", err)
	}
	return library, nil
}

// attachWindows widens every opted-in schedule with its SSM maintenance
// windows, leaving the shared library untouched.
func attachWindows(ctx context.Context, provider *maintenancewindow.Provider, library *scheduling.Library) *scheduling.Library {
	attached := &scheduling.Library{
		Schedules: make(map[string]*scheduling.Schedule, len(library.Schedules)),
		Periods:   library.Periods,
	}
	for name, schedule := range library.Schedules {
		attached.Schedules[name] = provider.Attach(ctx, schedule)
	}
	return attached
}

func (o *Orchestrator) observe(report *TickReport) {
	managed := map[scheduler.Service]int{}
	for _, target := range report.Targets {
		if target.Err != nil {
			metrics.TargetErrorsTotal.WithLabelValues(string(target.Target.Service)).Inc()
		}
		for _, result := range target.Results {
			managed[target.Target.Service]++
			if result.Err != nil {
				metrics.ResourceErrorsTotal.WithLabelValues(string(target.Target.Service), errorKind(result.Err)).Inc()
				continue
			}
			if result.Action != scheduler.ActionNone {
				metrics.ActionsTotal.WithLabelValues(string(target.Target.Service), result.Action.String()).Inc()
			}
		}
	}
	for service, count := range managed {
		metrics.ManagedResources.WithLabelValues(string(service)).Set(float64(count))
	}
}

func errorKind(err error) string {
	switch {
	case scheduler.IsUnknownSchedule(err):
		return "unknown_schedule"
	case scheduler.IsUnsupportedResource(err):
		return "unsupported_resource"
	case scheduler.IsUnschedulableState(err):
		return "unschedulable_state"
	case scheduler.IsRollbackFailed(err):
		return "rollback_failed"
	case scheduler.IsClientError(err):
		return "client"
	default:
		return "other"
	}
}
