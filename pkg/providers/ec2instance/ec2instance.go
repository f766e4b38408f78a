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

package ec2instance

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/samber/lo"
	"k8s.io/utils/clock"

	sdk "github.com/awslabs/instance-scheduler/pkg/aws/sdk"
	"github.com/awslabs/instance-scheduler/pkg/awserrors"
	"github.com/awslabs/instance-scheduler/pkg/batcher"
	"github.com/awslabs/instance-scheduler/pkg/scheduler"
	"github.com/awslabs/instance-scheduler/pkg/scheduling"
	"github.com/awslabs/instance-scheduler/pkg/store"
	"github.com/awslabs/instance-scheduler/pkg/utils/logging"
)

const (
	// maxBatchSize bounds start/stop calls so a single call stays within the
	// provider's limits.
	maxBatchSize = 50

	// PreferredTypesTagKey lists fallback instance types, tried in order when
	// a start fails on insufficient capacity.
	PreferredTypesTagKey = "IS-PreferredInstanceTypes"

	ErrorTagKey        = "IS-Error"
	ErrorMessageTagKey = "IS-ErrorMessage"
)

type Options struct {
	ScheduleTagKey string
	// StartedTags are applied after a successful start; StoppedTags after a
	// successful stop. Keys present in both sets flip value; keys in only one
	// set are removed on the opposite transition.
	StartedTags map[string]string
	StoppedTags map[string]string
}

// Scheduler drives tagged EC2 instances toward their schedules for one
// (account, region) target.
type Scheduler struct {
	ec2api   sdk.EC2API
	registry *store.Registry
	clk      clock.Clock
	opts     Options
	account  string
	region   string
}

func NewScheduler(ec2api sdk.EC2API, registry *store.Registry, clk clock.Clock, account, region string, opts Options) *Scheduler {
	return &Scheduler{ec2api: ec2api, registry: registry, clk: clk, account: account, region: region, opts: opts}
}

// pending carries a decided resource through the batch phase.
type pending struct {
	resource *scheduler.Resource
	verdict  scheduler.Verdict
}

// Run enumerates the tagged fleet, decides every instance, and dispatches the
// start/hibernate/stop buckets in order. Per-resource failures land in the
// result set; only infrastructure failures return an error.
func (s *Scheduler) Run(ctx context.Context, library *scheduling.Library, records map[string]*store.Record) ([]scheduler.Result, error) {
	log := logging.FromContext(ctx)
	now := s.clk.Now().UTC()

	var results []scheduler.Result
	var starts, stops, hibernates []*pending
	observed := map[string]struct{}{}

	paginator := ec2.NewDescribeInstancesPaginator(s.ec2api, &ec2.DescribeInstancesInput{
		Filters: []ec2types.Filter{{Name: aws.String("tag-key"), Values: []string{s.opts.ScheduleTagKey}}},
	})
	for paginator.HasMorePages() {
		var page *ec2.DescribeInstancesOutput
		if err := awserrors.WithRetry(ctx, func() error {
			var pageErr error
			page, pageErr = paginator.NextPage(ctx)
			return pageErr
		}); err != nil {
			return results, fmt.Errorf("describing tagged instances, %w", err)
		}
		for _, reservation := range page.Reservations {
			for i := range reservation.Instances {
				resource := s.newResource(&reservation.Instances[i])
				observed[resource.ID] = struct{}{}
				if resource.State == scheduler.ResourceStateTerminated {
					if err := s.registry.Delete(ctx, s.account, s.region, scheduler.ServiceEC2, resource.ID); err != nil {
						log.Error(err, "removing terminated instance from registry", "instance", resource.ID)
					}
					delete(records, resource.ID)
					continue
				}
				item, err := s.decide(library, records, resource, now)
				if err != nil {
					results = append(results, scheduler.Result{Resource: resource, Err: err})
					continue
				}
				switch item.verdict.Action {
				case scheduler.ActionStart:
					starts = append(starts, item)
				case scheduler.ActionHibernate:
					hibernates = append(hibernates, item)
				case scheduler.ActionStop:
					stops = append(stops, item)
				default:
					results = append(results, s.commit(ctx, records, item, scheduler.ActionNone))
				}
			}
		}
	}

	starts = s.resize(ctx, starts, &results)
	results = append(results, s.startBatch(ctx, records, starts)...)
	stops = append(stops, s.hibernateBatch(ctx, records, hibernates, &results)...)
	results = append(results, s.stopBatch(ctx, records, stops, false)...)
	s.prune(ctx, records, observed)
	return results, nil
}

func (s *Scheduler) newResource(instance *ec2types.Instance) *scheduler.Resource {
	tags := lo.SliceToMap(instance.Tags, func(tag ec2types.Tag) (string, string) {
		return lo.FromPtr(tag.Key), lo.FromPtr(tag.Value)
	})
	resource := &scheduler.Resource{
		ID:           lo.FromPtr(instance.InstanceId),
		Account:      s.account,
		Region:       s.region,
		Service:      scheduler.ServiceEC2,
		Name:         tags["Name"],
		InstanceType: string(instance.InstanceType),
		ScheduleName: tags[s.opts.ScheduleTagKey],
		Tags:         tags,
	}
	if instance.HibernationOptions != nil {
		resource.HibernationConfigured = lo.FromPtr(instance.HibernationOptions.Configured)
	}
	switch instance.State.Name {
	case ec2types.InstanceStateNameRunning:
		resource.State = scheduler.ResourceStateRunning
	case ec2types.InstanceStateNameStopped:
		resource.State = scheduler.ResourceStateStopped
	case ec2types.InstanceStateNameShuttingDown, ec2types.InstanceStateNameTerminated:
		resource.State = scheduler.ResourceStateTerminated
	default:
		resource.State = scheduler.ResourceStateTransitional
	}
	return resource
}

func (s *Scheduler) decide(library *scheduling.Library, records map[string]*store.Record, resource *scheduler.Resource, now time.Time) (*pending, error) {
	schedule, ok := library.Schedules[resource.ScheduleName]
	if !ok {
		return nil, &scheduler.UnknownScheduleError{ScheduleName: resource.ScheduleName}
	}
	last := scheduler.StoredUnknown
	if record, ok := records[resource.ID]; ok {
		last = record.StoredState
	}
	verdict, err := scheduler.Decide(schedule, resource, last, now)
	if err != nil {
		return nil, err
	}
	return &pending{resource: resource, verdict: verdict}, nil
}

// resize applies a pending type change before starting. A resize failure
// aborts the start for this tick; the instance stays stopped and is retried
// on the next tick.
func (s *Scheduler) resize(ctx context.Context, starts []*pending, results *[]scheduler.Result) []*pending {
	return lo.Filter(starts, func(item *pending, _ int) bool {
		if item.verdict.DesiredType == "" {
			return true
		}
		if err := s.modifyType(ctx, item.resource.ID, item.verdict.DesiredType); err != nil {
			s.tagError(ctx, item.resource, err)
			*results = append(*results, scheduler.Result{Resource: item.resource, Err: &scheduler.ClientError{Err: fmt.Errorf("resizing to %s, %w", item.verdict.DesiredType, err)}})
			return false
		}
		item.resource.InstanceType = item.verdict.DesiredType
		return true
	})
}

func (s *Scheduler) modifyType(ctx context.Context, id, instanceType string) error {
	return awserrors.WithRetry(ctx, func() error {
		_, err := s.ec2api.ModifyInstanceAttribute(ctx, &ec2.ModifyInstanceAttributeInput{
			InstanceId:   aws.String(id),
			InstanceType: &ec2types.AttributeValue{Value: aws.String(instanceType)},
		})
		return err
	})
}

func (s *Scheduler) startBatch(ctx context.Context, records map[string]*store.Record, starts []*pending) []scheduler.Result {
	var results []scheduler.Result
	byID := lo.SliceToMap(starts, func(item *pending) (string, *pending) { return item.resource.ID, item })
	failures := batcher.Run(ctx, lo.Keys(byID), maxBatchSize, func(ctx context.Context, ids []string) error {
		return awserrors.WithRetry(ctx, func() error {
			_, err := s.ec2api.StartInstances(ctx, &ec2.StartInstancesInput{InstanceIds: ids})
			return err
		})
	})
	failed := map[string]struct{}{}
	for _, failure := range failures {
		item := byID[failure.Item]
		failed[failure.Item] = struct{}{}
		if awserrors.IsInsufficientCapacity(failure.Err) && s.startPreferredType(ctx, item) {
			results = append(results, s.commit(ctx, records, item, scheduler.ActionStart))
			continue
		}
		s.tagError(ctx, item.resource, failure.Err)
		results = append(results, scheduler.Result{Resource: item.resource, Err: &scheduler.ClientError{Err: failure.Err}})
	}
	for _, item := range starts {
		if _, ok := failed[item.resource.ID]; ok {
			continue
		}
		s.reconcileTags(ctx, []string{item.resource.ID}, true)
		results = append(results, s.commit(ctx, records, item, scheduler.ActionStart))
	}
	return results
}

// startPreferredType walks the instance's preferred-type tag and tries each
// type until one starts, handling capacity shortages for the scheduled type.
func (s *Scheduler) startPreferredType(ctx context.Context, item *pending) bool {
	log := logging.FromContext(ctx)
	preferred := strings.Split(item.resource.Tags[PreferredTypesTagKey], ",")
	for _, instanceType := range preferred {
		instanceType = strings.TrimSpace(instanceType)
		if instanceType == "" || instanceType == item.resource.InstanceType {
			continue
		}
		if err := s.modifyType(ctx, item.resource.ID, instanceType); err != nil {
			log.Error(err, "resizing to preferred type", "instance", item.resource.ID, "instance-type", instanceType)
			continue
		}
		err := awserrors.WithRetry(ctx, func() error {
			_, startErr := s.ec2api.StartInstances(ctx, &ec2.StartInstancesInput{InstanceIds: []string{item.resource.ID}})
			return startErr
		})
		if err == nil {
			log.Info("started on preferred type after insufficient capacity", "instance", item.resource.ID, "instance-type", instanceType)
			item.resource.InstanceType = instanceType
			s.reconcileTags(ctx, []string{item.resource.ID}, true)
			return true
		}
		if !awserrors.IsInsufficientCapacity(err) {
			return false
		}
	}
	return false
}

// hibernateBatch issues hibernating stops. Instances rejected because
// hibernation is not configured transparently fall back to the plain stop
// batch.
func (s *Scheduler) hibernateBatch(ctx context.Context, records map[string]*store.Record, hibernates []*pending, results *[]scheduler.Result) []*pending {
	var fallback []*pending
	byID := lo.SliceToMap(hibernates, func(item *pending) (string, *pending) { return item.resource.ID, item })
	failures := batcher.Run(ctx, lo.Keys(byID), maxBatchSize, func(ctx context.Context, ids []string) error {
		return awserrors.WithRetry(ctx, func() error {
			_, err := s.ec2api.StopInstances(ctx, &ec2.StopInstancesInput{InstanceIds: ids, Hibernate: aws.Bool(true)})
			return err
		})
	})
	failed := map[string]struct{}{}
	for _, failure := range failures {
		item := byID[failure.Item]
		failed[failure.Item] = struct{}{}
		if awserrors.IsUnsupportedHibernation(failure.Err) {
			fallback = append(fallback, item)
			continue
		}
		s.tagError(ctx, item.resource, failure.Err)
		*results = append(*results, scheduler.Result{Resource: item.resource, Err: &scheduler.ClientError{Err: failure.Err}})
	}
	for _, item := range hibernates {
		if _, ok := failed[item.resource.ID]; ok {
			continue
		}
		s.reconcileTags(ctx, []string{item.resource.ID}, false)
		*results = append(*results, s.commit(ctx, records, item, scheduler.ActionHibernate))
	}
	return fallback
}

func (s *Scheduler) stopBatch(ctx context.Context, records map[string]*store.Record, stops []*pending, hibernate bool) []scheduler.Result {
	var results []scheduler.Result
	byID := lo.SliceToMap(stops, func(item *pending) (string, *pending) { return item.resource.ID, item })
	failures := batcher.Run(ctx, lo.Keys(byID), maxBatchSize, func(ctx context.Context, ids []string) error {
		return awserrors.WithRetry(ctx, func() error {
			_, err := s.ec2api.StopInstances(ctx, &ec2.StopInstancesInput{InstanceIds: ids, Hibernate: aws.Bool(hibernate)})
			return err
		})
	})
	failed := map[string]struct{}{}
	for _, failure := range failures {
		item := byID[failure.Item]
		failed[failure.Item] = struct{}{}
		s.tagError(ctx, item.resource, failure.Err)
		results = append(results, scheduler.Result{Resource: item.resource, Err: &scheduler.ClientError{Err: failure.Err}})
	}
	for _, item := range stops {
		if _, ok := failed[item.resource.ID]; ok {
			continue
		}
		s.reconcileTags(ctx, []string{item.resource.ID}, false)
		results = append(results, s.commit(ctx, records, item, scheduler.ActionStop))
	}
	return results
}

// commit records the verdict's new stored state after a successful action (or
// a state-only transition) and reports the result.
func (s *Scheduler) commit(ctx context.Context, records map[string]*store.Record, item *pending, action scheduler.Action) scheduler.Result {
	log := logging.FromContext(ctx)
	record, ok := records[item.resource.ID]
	if !ok {
		record = &store.Record{
			Account:    s.account,
			Region:     s.region,
			Service:    scheduler.ServiceEC2,
			ResourceID: item.resource.ID,
			Name:       item.resource.Name,
		}
		records[item.resource.ID] = record
	}
	previous := record.StoredState
	record.Schedule = item.resource.ScheduleName
	record.StoredState = item.verdict.NewState
	if action != scheduler.ActionNone || previous != item.verdict.NewState || !ok {
		if err := s.registry.Put(ctx, record); err != nil {
			log.Error(err, "persisting registry record", "instance", item.resource.ID)
		}
	}
	return scheduler.Result{Resource: item.resource, Action: action}
}

// reconcileTags applies the start or stop tag set. Keys in both sets flip to
// the new value; keys only in the opposite set are removed. Tag failures are
// logged and never undo the state change.
func (s *Scheduler) reconcileTags(ctx context.Context, ids []string, started bool) {
	log := logging.FromContext(ctx)
	apply, remove := s.opts.StartedTags, s.opts.StoppedTags
	if !started {
		apply, remove = s.opts.StoppedTags, s.opts.StartedTags
	}
	removeKeys := lo.Filter(lo.Keys(remove), func(key string, _ int) bool {
		_, kept := apply[key]
		return !kept
	})
	// Clear any stale error markers once an action goes through.
	removeKeys = append(removeKeys, ErrorTagKey, ErrorMessageTagKey)
	if err := awserrors.WithRetry(ctx, func() error {
		_, err := s.ec2api.DeleteTags(ctx, &ec2.DeleteTagsInput{
			Resources: ids,
			Tags:      lo.Map(removeKeys, func(key string, _ int) ec2types.Tag { return ec2types.Tag{Key: aws.String(key)} }),
		})
		return err
	}); err != nil {
		log.Error(err, "removing scheduler tags", "instances", ids)
	}
	if len(apply) == 0 {
		return
	}
	if err := awserrors.WithRetry(ctx, func() error {
		_, err := s.ec2api.CreateTags(ctx, &ec2.CreateTagsInput{
			Resources: ids,
			Tags: lo.MapToSlice(apply, func(key, value string) ec2types.Tag {
				return ec2types.Tag{Key: aws.String(key), Value: aws.String(value)}
			}),
		})
		return err
	}); err != nil {
		log.Error(err, "applying scheduler tags", "instances", ids)
	}
}

func (s *Scheduler) tagError(ctx context.Context, resource *scheduler.Resource, cause error) {
	log := logging.FromContext(ctx)
	if err := awserrors.WithRetry(ctx, func() error {
		_, err := s.ec2api.CreateTags(ctx, &ec2.CreateTagsInput{
			Resources: []string{resource.ID},
			Tags: []ec2types.Tag{
				{Key: aws.String(ErrorTagKey), Value: aws.String(awserrors.Code(cause))},
				{Key: aws.String(ErrorMessageTagKey), Value: aws.String(cause.Error())},
			},
		})
		return err
	}); err != nil {
		log.Error(err, "tagging instance error", "instance", resource.ID)
	}
}

// prune removes registry rows for instances that no longer appear in the
// fleet; a vanished instance that comes back re-enters first-sight semantics.
func (s *Scheduler) prune(ctx context.Context, records map[string]*store.Record, observed map[string]struct{}) {
	log := logging.FromContext(ctx)
	for id := range records {
		if _, ok := observed[id]; ok {
			continue
		}
		if err := s.registry.Delete(ctx, s.account, s.region, scheduler.ServiceEC2, id); err != nil {
			log.Error(err, "pruning registry record", "instance", id)
		}
		delete(records, id)
	}
}
