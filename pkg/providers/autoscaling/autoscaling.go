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

package autoscaling

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/autoscaling"
	asgtypes "github.com/aws/aws-sdk-go-v2/service/autoscaling/types"
	"github.com/mitchellh/hashstructure/v2"
	"github.com/samber/lo"
	"k8s.io/utils/clock"

	sdk "github.com/awslabs/instance-scheduler/pkg/aws/sdk"
	"github.com/awslabs/instance-scheduler/pkg/awserrors"
	"github.com/awslabs/instance-scheduler/pkg/scheduler"
	"github.com/awslabs/instance-scheduler/pkg/scheduling"
	"github.com/awslabs/instance-scheduler/pkg/store"
	"github.com/awslabs/instance-scheduler/pkg/utils/logging"
)

const (
	// SizesTagKey remembers the group's running size as "min-desired-max" so a
	// stopped group can be restored. It is written when a running group is
	// first adopted and refreshed when the user resizes a running group.
	SizesTagKey = "IS-MinDesiredMax"

	ErrorTagKey        = "IS-Error"
	ErrorMessageTagKey = "IS-ErrorMessage"

	// configuredActionTTL is how long installed scheduled actions stay valid
	// before they are refreshed, and refreshLead is how far before expiry the
	// refresh happens.
	configuredActionTTL = 30 * 24 * time.Hour
	refreshLead         = 24 * time.Hour

	// maxBatchActions bounds batch put/delete calls on scheduled actions.
	maxBatchActions = 50
)

type Options struct {
	ScheduleTagKey string
	// ActionNamePrefix marks the scheduled actions this scheduler owns; only
	// prefixed actions are ever replaced or deleted.
	ActionNamePrefix string
}

// Scheduler installs native scheduled actions on tagged auto scaling groups
// instead of starting and stopping them tick by tick. The group then scales
// itself on time even when the scheduler is down.
type Scheduler struct {
	asgapi   sdk.AutoScalingAPI
	registry *store.Registry
	clk      clock.Clock
	opts     Options
	account  string
	region   string
}

func NewScheduler(asgapi sdk.AutoScalingAPI, registry *store.Registry, clk clock.Clock, account, region string, opts Options) *Scheduler {
	return &Scheduler{asgapi: asgapi, registry: registry, clk: clk, account: account, region: region, opts: opts}
}

// sizes is the restored shape of a running group.
type sizes struct {
	Min     int32
	Desired int32
	Max     int32
}

func (z sizes) String() string {
	return fmt.Sprintf("%d-%d-%d", z.Min, z.Desired, z.Max)
}

func parseSizes(value string) (sizes, error) {
	parts := strings.Split(value, "-")
	if len(parts) != 3 {
		return sizes{}, fmt.Errorf("size tag %q is not in min-desired-max form", value)
	}
	numbers := make([]int32, 3)
	for i, part := range parts {
		n, err := strconv.ParseInt(strings.TrimSpace(part), 10, 32)
		if err != nil || n < 0 {
			return sizes{}, fmt.Errorf("size tag %q is not in min-desired-max form", value)
		}
		numbers[i] = int32(n)
	}
	return sizes{Min: numbers[0], Desired: numbers[1], Max: numbers[2]}, nil
}

// Run reconciles every tagged group's scheduled actions against its schedule.
func (s *Scheduler) Run(ctx context.Context, library *scheduling.Library, records map[string]*store.Record) ([]scheduler.Result, error) {
	var results []scheduler.Result
	observed := map[string]struct{}{}

	paginator := autoscaling.NewDescribeAutoScalingGroupsPaginator(s.asgapi, &autoscaling.DescribeAutoScalingGroupsInput{
		Filters: []asgtypes.Filter{{Name: aws.String("tag-key"), Values: []string{s.opts.ScheduleTagKey}}},
	})
	for paginator.HasMorePages() {
		var page *autoscaling.DescribeAutoScalingGroupsOutput
		if err := awserrors.WithRetry(ctx, func() error {
			var pageErr error
			page, pageErr = paginator.NextPage(ctx)
			return pageErr
		}); err != nil {
			return results, fmt.Errorf("describing tagged auto scaling groups, %w", err)
		}
		for i := range page.AutoScalingGroups {
			group := &page.AutoScalingGroups[i]
			observed[lo.FromPtr(group.AutoScalingGroupName)] = struct{}{}
			results = append(results, s.process(ctx, library, records, group))
		}
	}

	s.prune(ctx, records, observed)
	return results, nil
}

func (s *Scheduler) process(ctx context.Context, library *scheduling.Library, records map[string]*store.Record, group *asgtypes.AutoScalingGroup) scheduler.Result {
	tags := lo.SliceToMap(group.Tags, func(tag asgtypes.TagDescription) (string, string) {
		return lo.FromPtr(tag.Key), lo.FromPtr(tag.Value)
	})
	resource := &scheduler.Resource{
		ID:           lo.FromPtr(group.AutoScalingGroupName),
		ARN:          lo.FromPtr(group.AutoScalingGroupARN),
		Name:         lo.FromPtr(group.AutoScalingGroupName),
		Account:      s.account,
		Region:       s.region,
		Service:      scheduler.ServiceAutoScaling,
		ScheduleName: tags[s.opts.ScheduleTagKey],
		Tags:         tags,
	}

	schedule, ok := library.Schedules[resource.ScheduleName]
	if !ok {
		return scheduler.Result{Resource: resource, Err: &scheduler.UnknownScheduleError{ScheduleName: resource.ScheduleName}}
	}
	if err := CheckCompatibility(schedule); err != nil {
		return scheduler.Result{Resource: resource, Err: err}
	}

	restored, err := s.restoredSizes(ctx, group, tags)
	if err != nil {
		s.tagError(ctx, resource, err)
		return scheduler.Result{Resource: resource, Err: err}
	}

	fingerprint, err := s.fingerprint(library, schedule, restored)
	if err != nil {
		return scheduler.Result{Resource: resource, Err: fmt.Errorf("fingerprinting schedule %q, %w", schedule.Name, err)}
	}

	now := s.clk.Now().UTC()
	record := records[resource.ID]
	if record != nil && record.LastConfigured != nil &&
		record.LastConfigured.ScheduleHash == fingerprint &&
		now.Before(record.LastConfigured.ValidUntil.Add(-refreshLead)) {
		return scheduler.Result{Resource: resource, Action: scheduler.ActionNone}
	}

	if err := s.reconfigure(ctx, schedule, resource, restored); err != nil {
		s.tagError(ctx, resource, err)
		return scheduler.Result{Resource: resource, Err: err}
	}

	if record == nil {
		record = &store.Record{
			Account:    s.account,
			Region:     s.region,
			Service:    scheduler.ServiceAutoScaling,
			ResourceID: resource.ID,
			ARN:        resource.ARN,
			Name:       resource.Name,
		}
		records[resource.ID] = record
	}
	record.Schedule = resource.ScheduleName
	record.StoredState = scheduler.StoredConfigured
	record.LastConfigured = &store.GroupSize{
		Min:          restored.Min,
		Desired:      restored.Desired,
		Max:          restored.Max,
		ScheduleHash: fingerprint,
		ValidUntil:   now.Add(configuredActionTTL),
	}
	if err := s.registry.Put(ctx, record); err != nil {
		logging.FromContext(ctx).Error(err, "persisting registry record", "group", resource.ID)
	}
	return scheduler.Result{Resource: resource, Action: scheduler.ActionConfigure}
}

// CheckCompatibility rejects schedule features that cannot be translated into
// native scheduled actions.
func CheckCompatibility(schedule *scheduling.Schedule) error {
	if schedule.OverrideStatus != nil {
		return &scheduler.UnsupportedResourceError{Reason: fmt.Sprintf("schedule %q has an override status, which auto scaling groups do not support", schedule.Name)}
	}
	if schedule.UseMaintenanceWindow {
		return &scheduler.UnsupportedResourceError{Reason: fmt.Sprintf("schedule %q uses maintenance windows, which auto scaling groups do not support", schedule.Name)}
	}
	for _, binding := range schedule.Bindings() {
		if binding.InstanceType != "" {
			return &scheduler.UnsupportedResourceError{Reason: fmt.Sprintf("schedule %q resizes instances, which auto scaling groups do not support", schedule.Name)}
		}
	}
	return nil
}

// restoredSizes returns the size the group scales back up to, adopting the
// current size on first sight. A group found already scaled to zero with no
// size tag cannot be adopted: its running size is unknowable.
func (s *Scheduler) restoredSizes(ctx context.Context, group *asgtypes.AutoScalingGroup, tags map[string]string) (sizes, error) {
	current := sizes{
		Min:     lo.FromPtr(group.MinSize),
		Desired: lo.FromPtr(group.DesiredCapacity),
		Max:     lo.FromPtr(group.MaxSize),
	}
	tagged, hasTag := tags[SizesTagKey]
	if !hasTag {
		if current.Desired == 0 {
			return sizes{}, &scheduler.UnsupportedResourceError{Reason: "group is scaled to zero and carries no " + SizesTagKey + " tag; tag it with its running min-desired-max"}
		}
		return current, s.putSizesTag(ctx, lo.FromPtr(group.AutoScalingGroupName), current)
	}
	restored, err := parseSizes(tagged)
	if err != nil {
		return sizes{}, err
	}
	// A manual resize of a running group becomes the new restored size.
	if current.Desired > 0 && current != restored {
		return current, s.putSizesTag(ctx, lo.FromPtr(group.AutoScalingGroupName), current)
	}
	// An all-zero tag on a stopped group would install actions that never
	// scale anything up.
	if restored.Desired == 0 {
		return sizes{}, &scheduler.UnsupportedResourceError{Reason: "the " + SizesTagKey + " tag requests a zero desired capacity; tag the group with its running min-desired-max"}
	}
	return restored, nil
}

func (s *Scheduler) putSizesTag(ctx context.Context, groupName string, z sizes) error {
	return awserrors.WithRetry(ctx, func() error {
		_, err := s.asgapi.CreateOrUpdateTags(ctx, &autoscaling.CreateOrUpdateTagsInput{
			Tags: []asgtypes.Tag{{
				ResourceId:        aws.String(groupName),
				ResourceType:      aws.String("auto-scaling-group"),
				Key:               aws.String(SizesTagKey),
				Value:             aws.String(z.String()),
				PropagateAtLaunch: aws.Bool(false),
			}},
		})
		return err
	})
}

// fingerprint hashes everything the installed actions are derived from, so a
// schedule edit, a period edit, or a size change forces a reconfigure.
func (s *Scheduler) fingerprint(library *scheduling.Library, schedule *scheduling.Schedule, restored sizes) (uint64, error) {
	return hashstructure.Hash(struct {
		Schedule *scheduling.Schedule
		Periods  []*scheduling.Period
		Sizes    sizes
		Prefix   string
	}{
		Schedule: schedule,
		Periods:  library.ReferencedPeriods(schedule),
		Sizes:    restored,
		Prefix:   s.opts.ActionNamePrefix,
	}, hashstructure.FormatV2, nil)
}

// reconfigure replaces the scheduler-owned scheduled actions with the set
// derived from the schedule. If installing the new set fails, the previous
// actions are restored so the group never loses its scaling calendar.
func (s *Scheduler) reconfigure(ctx context.Context, schedule *scheduling.Schedule, resource *scheduler.Resource, restored sizes) error {
	desired, err := s.translate(schedule, resource.ID, restored)
	if err != nil {
		return err
	}
	previous, err := s.ownedActions(ctx, resource.ID)
	if err != nil {
		return &scheduler.ClientError{Err: err}
	}
	if err := s.deleteActions(ctx, resource.ID, lo.Map(previous, func(action asgtypes.ScheduledUpdateGroupAction, _ int) string {
		return lo.FromPtr(action.ScheduledActionName)
	})); err != nil {
		return &scheduler.ClientError{Err: err}
	}
	if err := s.putActions(ctx, resource.ID, desired); err != nil {
		rollback := lo.Map(previous, func(action asgtypes.ScheduledUpdateGroupAction, _ int) asgtypes.ScheduledUpdateGroupActionRequest {
			return asgtypes.ScheduledUpdateGroupActionRequest{
				ScheduledActionName: action.ScheduledActionName,
				Recurrence:          action.Recurrence,
				MinSize:             action.MinSize,
				MaxSize:             action.MaxSize,
				DesiredCapacity:     action.DesiredCapacity,
				TimeZone:            action.TimeZone,
			}
		})
		if rollbackErr := s.putActions(ctx, resource.ID, rollback); rollbackErr != nil {
			return &scheduler.RollbackFailedError{ConfigureErr: err, RollbackErr: rollbackErr}
		}
		return &scheduler.ClientError{Err: err}
	}
	return nil
}

// translate turns each bound period into an up-scaling action at its begin
// time and a down-scaling action one minute past its end time.
func (s *Scheduler) translate(schedule *scheduling.Schedule, groupName string, restored sizes) ([]asgtypes.ScheduledUpdateGroupActionRequest, error) {
	timezone := schedule.Timezone
	if timezone == "" {
		timezone = "UTC"
	}
	var actions []asgtypes.ScheduledUpdateGroupActionRequest
	for _, binding := range schedule.Bindings() {
		period := binding.Period
		if period.BeginTime != nil {
			recurrence, err := periodCron(period, *period.BeginTime, false)
			if err != nil {
				return nil, fmt.Errorf("schedule %q period %q, %w", schedule.Name, period.Name, err)
			}
			actions = append(actions, asgtypes.ScheduledUpdateGroupActionRequest{
				ScheduledActionName: aws.String(s.opts.ActionNamePrefix + period.Name + "Start"),
				Recurrence:          aws.String(recurrence),
				TimeZone:            aws.String(timezone),
				MinSize:             aws.Int32(restored.Min),
				DesiredCapacity:     aws.Int32(restored.Desired),
				MaxSize:             aws.Int32(restored.Max),
			})
		}
		if period.EndTime != nil {
			recurrence, err := periodCron(period, *period.EndTime+1, true)
			if err != nil {
				return nil, fmt.Errorf("schedule %q period %q, %w", schedule.Name, period.Name, err)
			}
			actions = append(actions, asgtypes.ScheduledUpdateGroupActionRequest{
				ScheduledActionName: aws.String(s.opts.ActionNamePrefix + period.Name + "Stop"),
				Recurrence:          aws.String(recurrence),
				TimeZone:            aws.String(timezone),
				MinSize:             aws.Int32(0),
				DesiredCapacity:     aws.Int32(0),
				MaxSize:             aws.Int32(0),
			})
		}
	}
	if len(actions) == 0 {
		return nil, &scheduler.UnsupportedResourceError{Reason: fmt.Sprintf("schedule %q has no period begin or end times to translate into scheduled actions", schedule.Name)}
	}
	return actions, nil
}

// periodCron renders "minute hour dom month dow" for the period's calendar
// constraints at the given minute of day. An end-of-day stop wraps past
// midnight into the next weekday; with a day-of-month constraint the wrap
// would land on the wrong date, so the stop fires at 23:59 instead.
func periodCron(period *scheduling.Period, minute scheduling.DayTime, isStop bool) (string, error) {
	dayShift := 0
	if int(minute) >= 24*60 {
		if !isStop {
			return "", fmt.Errorf("begin time is out of range")
		}
		if period.Monthdays != nil {
			minute = scheduling.NewDayTime(23, 59)
		} else {
			minute = 0
			dayShift = 1
		}
	}
	return fmt.Sprintf("%d %d %s %s %s",
		minute.Minute(), minute.Hour(),
		cronField(period.Monthdays, 0, 0),
		cronField(period.Months, 0, 0),
		cronField(period.Weekdays, 1, dayShift),
	), nil
}

// cronField renders a set as a cron list. offset converts the Monday-based
// weekday domain to cron's Sunday-based one; shift moves every value forward
// for actions that wrapped past midnight.
func cronField(set scheduling.Set, offset, shift int) string {
	if set == nil {
		return "*"
	}
	values := lo.Map(set.Values(), func(v int, _ int) string {
		if offset != 0 || shift != 0 {
			return strconv.Itoa((v + offset + shift) % 7)
		}
		return strconv.Itoa(v)
	})
	return strings.Join(values, ",")
}

// ownedActions lists the scheduled actions carrying our name prefix.
func (s *Scheduler) ownedActions(ctx context.Context, groupName string) ([]asgtypes.ScheduledUpdateGroupAction, error) {
	var owned []asgtypes.ScheduledUpdateGroupAction
	paginator := autoscaling.NewDescribeScheduledActionsPaginator(s.asgapi, &autoscaling.DescribeScheduledActionsInput{
		AutoScalingGroupName: aws.String(groupName),
	})
	for paginator.HasMorePages() {
		var page *autoscaling.DescribeScheduledActionsOutput
		if err := awserrors.WithRetry(ctx, func() error {
			var pageErr error
			page, pageErr = paginator.NextPage(ctx)
			return pageErr
		}); err != nil {
			return nil, fmt.Errorf("describing scheduled actions for %q, %w", groupName, err)
		}
		for _, action := range page.ScheduledUpdateGroupActions {
			if strings.HasPrefix(lo.FromPtr(action.ScheduledActionName), s.opts.ActionNamePrefix) {
				owned = append(owned, action)
			}
		}
	}
	return owned, nil
}

func (s *Scheduler) deleteActions(ctx context.Context, groupName string, names []string) error {
	for _, chunk := range lo.Chunk(names, maxBatchActions) {
		if err := awserrors.WithRetry(ctx, func() error {
			out, err := s.asgapi.BatchDeleteScheduledAction(ctx, &autoscaling.BatchDeleteScheduledActionInput{
				AutoScalingGroupName: aws.String(groupName),
				ScheduledActionNames: chunk,
			})
			if err != nil {
				return err
			}
			if len(out.FailedScheduledActions) != 0 {
				failed := out.FailedScheduledActions[0]
				return fmt.Errorf("deleting scheduled action %q, %s", lo.FromPtr(failed.ScheduledActionName), lo.FromPtr(failed.ErrorMessage))
			}
			return nil
		}); err != nil {
			return err
		}
	}
	return nil
}

func (s *Scheduler) putActions(ctx context.Context, groupName string, actions []asgtypes.ScheduledUpdateGroupActionRequest) error {
	for _, chunk := range lo.Chunk(actions, maxBatchActions) {
		if err := awserrors.WithRetry(ctx, func() error {
			out, err := s.asgapi.BatchPutScheduledUpdateGroupAction(ctx, &autoscaling.BatchPutScheduledUpdateGroupActionInput{
				AutoScalingGroupName:        aws.String(groupName),
				ScheduledUpdateGroupActions: chunk,
			})
			if err != nil {
				return err
			}
			if len(out.FailedScheduledUpdateGroupActions) != 0 {
				failed := out.FailedScheduledUpdateGroupActions[0]
				return fmt.Errorf("installing scheduled action %q, %s", lo.FromPtr(failed.ScheduledActionName), lo.FromPtr(failed.ErrorMessage))
			}
			return nil
		}); err != nil {
			return err
		}
	}
	return nil
}

func (s *Scheduler) tagError(ctx context.Context, resource *scheduler.Resource, cause error) {
	log := logging.FromContext(ctx)
	if err := awserrors.WithRetry(ctx, func() error {
		_, err := s.asgapi.CreateOrUpdateTags(ctx, &autoscaling.CreateOrUpdateTagsInput{
			Tags: []asgtypes.Tag{
				{
					ResourceId:        aws.String(resource.ID),
					ResourceType:      aws.String("auto-scaling-group"),
					Key:               aws.String(ErrorTagKey),
					Value:             aws.String(awserrors.Code(cause)),
					PropagateAtLaunch: aws.Bool(false),
				},
				{
					ResourceId:        aws.String(resource.ID),
					ResourceType:      aws.String("auto-scaling-group"),
					Key:               aws.String(ErrorMessageTagKey),
					Value:             aws.String(cause.Error()),
					PropagateAtLaunch: aws.Bool(false),
				},
			},
		})
		return err
	}); err != nil {
		log.Error(err, "tagging group error", "group", resource.ID)
	}
}

func (s *Scheduler) prune(ctx context.Context, records map[string]*store.Record, observed map[string]struct{}) {
	log := logging.FromContext(ctx)
	for id := range records {
		if _, ok := observed[id]; ok {
			continue
		}
		if err := s.registry.Delete(ctx, s.account, s.region, scheduler.ServiceAutoScaling, id); err != nil {
			log.Error(err, "pruning registry record", "group", id)
		}
		delete(records, id)
	}
}
