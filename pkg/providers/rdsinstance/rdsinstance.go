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

package rdsinstance

import (
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/rds"
	rdstypes "github.com/aws/aws-sdk-go-v2/service/rds/types"
	"github.com/aws/aws-sdk-go-v2/service/resourcegroupstaggingapi"
	taggingtypes "github.com/aws/aws-sdk-go-v2/service/resourcegroupstaggingapi/types"
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
	ErrorTagKey        = "IS-Error"
	ErrorMessageTagKey = "IS-ErrorMessage"
)

type Options struct {
	ScheduleTagKey string
	StartedTags    map[string]string
	StoppedTags    map[string]string
	// CreateSnapshot takes a snapshot named <SnapshotPrefix>-stopped-<id>
	// on every instance stop. Clusters never snapshot; the engine forbids it
	// on StopDBCluster.
	CreateSnapshot bool
	SnapshotPrefix string
}

// Scheduler drives tagged RDS instances and clusters for one
// (account, region) target. RDS start/stop calls take one identifier each, so
// the fleet is processed serially rather than in batches.
type Scheduler struct {
	rdsapi     sdk.RDSAPI
	taggingapi sdk.TaggingAPI
	registry   *store.Registry
	clk        clock.Clock
	opts       Options
	account    string
	region     string
}

func NewScheduler(rdsapi sdk.RDSAPI, taggingapi sdk.TaggingAPI, registry *store.Registry, clk clock.Clock, account, region string, opts Options) *Scheduler {
	return &Scheduler{rdsapi: rdsapi, taggingapi: taggingapi, registry: registry, clk: clk, account: account, region: region, opts: opts}
}

// Run discovers scheduled databases through the tagging API, decides each one
// against its schedule, and applies start/stop actions one at a time.
func (s *Scheduler) Run(ctx context.Context, library *scheduling.Library, records map[string]*store.Record) ([]scheduler.Result, error) {
	tagged, err := s.discover(ctx)
	if err != nil {
		return nil, err
	}

	var results []scheduler.Result
	observed := map[string]struct{}{}

	instances, err := s.describeInstances(ctx)
	if err != nil {
		return nil, err
	}
	for i := range instances {
		tags, ok := tagged[lo.FromPtr(instances[i].DBInstanceArn)]
		if !ok {
			continue
		}
		resource, err := s.newInstanceResource(&instances[i], tags)
		observed[resource.ID] = struct{}{}
		if resource.State == scheduler.ResourceStateTerminated {
			if err := s.registry.Delete(ctx, s.account, s.region, scheduler.ServiceRDS, resource.ID); err != nil {
				logging.FromContext(ctx).Error(err, "removing deleted database from registry", "database", resource.ID)
			}
			delete(records, resource.ID)
			continue
		}
		if err != nil {
			results = append(results, scheduler.Result{Resource: resource, Err: err})
			continue
		}
		results = append(results, s.process(ctx, library, records, resource))
	}

	clusters, err := s.describeClusters(ctx)
	if err != nil {
		return results, err
	}
	for i := range clusters {
		tags, ok := tagged[lo.FromPtr(clusters[i].DBClusterArn)]
		if !ok {
			continue
		}
		resource := s.newClusterResource(&clusters[i], tags)
		observed[resource.ID] = struct{}{}
		if resource.State == scheduler.ResourceStateTerminated {
			if err := s.registry.Delete(ctx, s.account, s.region, scheduler.ServiceRDS, resource.ID); err != nil {
				logging.FromContext(ctx).Error(err, "removing deleted cluster from registry", "cluster", resource.ID)
			}
			delete(records, resource.ID)
			continue
		}
		results = append(results, s.process(ctx, library, records, resource))
	}

	s.prune(ctx, records, observed)
	return results, nil
}

// discover returns the tag map of every database carrying the schedule tag,
// keyed by ARN.
func (s *Scheduler) discover(ctx context.Context) (map[string]map[string]string, error) {
	tagged := map[string]map[string]string{}
	input := &resourcegroupstaggingapi.GetResourcesInput{
		ResourceTypeFilters: []string{"rds:db", "rds:cluster"},
		TagFilters:          []taggingtypes.TagFilter{{Key: aws.String(s.opts.ScheduleTagKey)}},
	}
	for {
		var out *resourcegroupstaggingapi.GetResourcesOutput
		if err := awserrors.WithRetry(ctx, func() error {
			var getErr error
			out, getErr = s.taggingapi.GetResources(ctx, input)
			return getErr
		}); err != nil {
			return nil, fmt.Errorf("discovering tagged databases, %w", err)
		}
		for _, mapping := range out.ResourceTagMappingList {
			tagged[lo.FromPtr(mapping.ResourceARN)] = lo.SliceToMap(mapping.Tags, func(tag taggingtypes.Tag) (string, string) {
				return lo.FromPtr(tag.Key), lo.FromPtr(tag.Value)
			})
		}
		if lo.FromPtr(out.PaginationToken) == "" {
			return tagged, nil
		}
		input.PaginationToken = out.PaginationToken
	}
}

func (s *Scheduler) describeInstances(ctx context.Context) ([]rdstypes.DBInstance, error) {
	var instances []rdstypes.DBInstance
	paginator := rds.NewDescribeDBInstancesPaginator(s.rdsapi, &rds.DescribeDBInstancesInput{})
	for paginator.HasMorePages() {
		var page *rds.DescribeDBInstancesOutput
		if err := awserrors.WithRetry(ctx, func() error {
			var pageErr error
			page, pageErr = paginator.NextPage(ctx)
			return pageErr
		}); err != nil {
			return nil, fmt.Errorf("describing db instances, %w", err)
		}
		instances = append(instances, page.DBInstances...)
	}
	return instances, nil
}

func (s *Scheduler) describeClusters(ctx context.Context) ([]rdstypes.DBCluster, error) {
	var clusters []rdstypes.DBCluster
	paginator := rds.NewDescribeDBClustersPaginator(s.rdsapi, &rds.DescribeDBClustersInput{})
	for paginator.HasMorePages() {
		var page *rds.DescribeDBClustersOutput
		if err := awserrors.WithRetry(ctx, func() error {
			var pageErr error
			page, pageErr = paginator.NextPage(ctx)
			return pageErr
		}); err != nil {
			return nil, fmt.Errorf("describing db clusters, %w", err)
		}
		clusters = append(clusters, page.DBClusters...)
	}
	return clusters, nil
}

func (s *Scheduler) newInstanceResource(instance *rdstypes.DBInstance, tags map[string]string) (*scheduler.Resource, error) {
	resource := &scheduler.Resource{
		ID:                         lo.FromPtr(instance.DBInstanceIdentifier),
		ARN:                        lo.FromPtr(instance.DBInstanceArn),
		Name:                       lo.FromPtr(instance.DBInstanceIdentifier),
		Account:                    s.account,
		Region:                     s.region,
		Service:                    scheduler.ServiceRDS,
		InstanceType:               lo.FromPtr(instance.DBInstanceClass),
		ScheduleName:               tags[s.opts.ScheduleTagKey],
		Tags:                       tags,
		PreferredMaintenanceWindow: lo.FromPtr(instance.PreferredMaintenanceWindow),
		State:                      databaseState(lo.FromPtr(instance.DBInstanceStatus)),
	}
	// Aurora members start and stop with their cluster; replicas cannot be
	// stopped at all. Both are rejected rather than silently skipped so a
	// mistagged database is visible in the run report.
	if lo.FromPtr(instance.DBClusterIdentifier) != "" {
		return resource, &scheduler.UnsupportedResourceError{Reason: "member of cluster " + lo.FromPtr(instance.DBClusterIdentifier)}
	}
	if lo.FromPtr(instance.ReadReplicaSourceDBInstanceIdentifier) != "" {
		return resource, &scheduler.UnsupportedResourceError{Reason: "read replica of " + lo.FromPtr(instance.ReadReplicaSourceDBInstanceIdentifier)}
	}
	if len(instance.ReadReplicaDBInstanceIdentifiers) != 0 {
		return resource, &scheduler.UnsupportedResourceError{Reason: "has read replicas"}
	}
	return resource, nil
}

func (s *Scheduler) newClusterResource(cluster *rdstypes.DBCluster, tags map[string]string) *scheduler.Resource {
	return &scheduler.Resource{
		ID:                         lo.FromPtr(cluster.DBClusterIdentifier),
		ARN:                        lo.FromPtr(cluster.DBClusterArn),
		Name:                       lo.FromPtr(cluster.DBClusterIdentifier),
		Account:                    s.account,
		Region:                     s.region,
		Service:                    scheduler.ServiceRDS,
		ScheduleName:               tags[s.opts.ScheduleTagKey],
		Tags:                       tags,
		IsCluster:                  true,
		PreferredMaintenanceWindow: lo.FromPtr(cluster.PreferredMaintenanceWindow),
		State:                      databaseState(lo.FromPtr(cluster.Status)),
	}
}

func databaseState(status string) scheduler.ResourceState {
	switch status {
	case "available":
		return scheduler.ResourceStateRunning
	case "stopped":
		return scheduler.ResourceStateStopped
	case "deleting":
		return scheduler.ResourceStateTerminated
	default:
		return scheduler.ResourceStateTransitional
	}
}

func (s *Scheduler) process(ctx context.Context, library *scheduling.Library, records map[string]*store.Record, resource *scheduler.Resource) scheduler.Result {
	schedule, ok := library.Schedules[resource.ScheduleName]
	if !ok {
		return scheduler.Result{Resource: resource, Err: &scheduler.UnknownScheduleError{ScheduleName: resource.ScheduleName}}
	}
	schedule = s.withMaintenanceWindow(ctx, schedule, resource)
	last := scheduler.StoredUnknown
	if record, ok := records[resource.ID]; ok {
		last = record.StoredState
	}
	verdict, err := scheduler.Decide(schedule, resource, last, s.clk.Now().UTC())
	if err != nil {
		return scheduler.Result{Resource: resource, Err: err}
	}

	action := verdict.Action
	if action == scheduler.ActionHibernate {
		// Databases cannot hibernate; the schedule flag only affects EC2.
		action = scheduler.ActionStop
	}
	switch action {
	case scheduler.ActionStart:
		err = s.start(ctx, resource)
	case scheduler.ActionStop:
		err = s.stop(ctx, resource)
	}
	if err != nil {
		s.tagError(ctx, resource, err)
		return scheduler.Result{Resource: resource, Err: &scheduler.ClientError{Err: err}}
	}
	if action != scheduler.ActionNone {
		s.reconcileTags(ctx, resource, action == scheduler.ActionStart)
	}
	s.commit(ctx, records, resource, verdict, action)
	return scheduler.Result{Resource: resource, Action: action}
}

// withMaintenanceWindow folds the database's preferred maintenance window
// into the schedule as an extra running window when the schedule opts in.
func (s *Scheduler) withMaintenanceWindow(ctx context.Context, schedule *scheduling.Schedule, resource *scheduler.Resource) *scheduling.Schedule {
	if !schedule.UseMaintenanceWindow || resource.PreferredMaintenanceWindow == "" {
		return schedule
	}
	window, err := scheduling.ParsePreferredWindow("preferred-maintenance-window", resource.PreferredMaintenanceWindow)
	if err != nil {
		logging.FromContext(ctx).Error(err, "parsing preferred maintenance window", "database", resource.ID, "window", resource.PreferredMaintenanceWindow)
		return schedule
	}
	return schedule.WithMaintenanceWindows(window)
}

func (s *Scheduler) start(ctx context.Context, resource *scheduler.Resource) error {
	return awserrors.WithRetry(ctx, func() error {
		var err error
		if resource.IsCluster {
			_, err = s.rdsapi.StartDBCluster(ctx, &rds.StartDBClusterInput{DBClusterIdentifier: aws.String(resource.ID)})
		} else {
			_, err = s.rdsapi.StartDBInstance(ctx, &rds.StartDBInstanceInput{DBInstanceIdentifier: aws.String(resource.ID)})
		}
		return err
	})
}

func (s *Scheduler) stop(ctx context.Context, resource *scheduler.Resource) error {
	return awserrors.WithRetry(ctx, func() error {
		var err error
		if resource.IsCluster {
			_, err = s.rdsapi.StopDBCluster(ctx, &rds.StopDBClusterInput{DBClusterIdentifier: aws.String(resource.ID)})
		} else {
			input := &rds.StopDBInstanceInput{DBInstanceIdentifier: aws.String(resource.ID)}
			if s.opts.CreateSnapshot {
				input.DBSnapshotIdentifier = aws.String(s.snapshotName(resource.ID))
			}
			_, err = s.rdsapi.StopDBInstance(ctx, input)
		}
		return err
	})
}

// snapshotName derives a stable snapshot identifier so a later stop of the
// same instance replaces the previous snapshot instead of piling up.
func (s *Scheduler) snapshotName(id string) string {
	name := fmt.Sprintf("%s-stopped-%s", s.opts.SnapshotPrefix, id)
	return strings.Trim(strings.ReplaceAll(name, "--", "-"), "-")
}

func (s *Scheduler) commit(ctx context.Context, records map[string]*store.Record, resource *scheduler.Resource, verdict scheduler.Verdict, action scheduler.Action) {
	log := logging.FromContext(ctx)
	record, ok := records[resource.ID]
	if !ok {
		record = &store.Record{
			Account:    s.account,
			Region:     s.region,
			Service:    scheduler.ServiceRDS,
			ResourceID: resource.ID,
			ARN:        resource.ARN,
			Name:       resource.Name,
		}
		records[resource.ID] = record
	}
	previous := record.StoredState
	record.Schedule = resource.ScheduleName
	record.StoredState = verdict.NewState
	if action != scheduler.ActionNone || previous != verdict.NewState || !ok {
		if err := s.registry.Put(ctx, record); err != nil {
			log.Error(err, "persisting registry record", "database", resource.ID)
		}
	}
}

func (s *Scheduler) reconcileTags(ctx context.Context, resource *scheduler.Resource, started bool) {
	log := logging.FromContext(ctx)
	apply, remove := s.opts.StartedTags, s.opts.StoppedTags
	if !started {
		apply, remove = s.opts.StoppedTags, s.opts.StartedTags
	}
	removeKeys := lo.Filter(lo.Keys(remove), func(key string, _ int) bool {
		_, kept := apply[key]
		return !kept
	})
	removeKeys = append(removeKeys, ErrorTagKey, ErrorMessageTagKey)
	if err := awserrors.WithRetry(ctx, func() error {
		_, err := s.rdsapi.RemoveTagsFromResource(ctx, &rds.RemoveTagsFromResourceInput{
			ResourceName: aws.String(resource.ARN),
			TagKeys:      removeKeys,
		})
		return err
	}); err != nil {
		log.Error(err, "removing scheduler tags", "database", resource.ID)
	}
	if len(apply) == 0 {
		return
	}
	if err := awserrors.WithRetry(ctx, func() error {
		_, err := s.rdsapi.AddTagsToResource(ctx, &rds.AddTagsToResourceInput{
			ResourceName: aws.String(resource.ARN),
			Tags: lo.MapToSlice(apply, func(key, value string) rdstypes.Tag {
				return rdstypes.Tag{Key: aws.String(key), Value: aws.String(value)}
			}),
		})
		return err
	}); err != nil {
		log.Error(err, "applying scheduler tags", "database", resource.ID)
	}
}

func (s *Scheduler) tagError(ctx context.Context, resource *scheduler.Resource, cause error) {
	log := logging.FromContext(ctx)
	if err := awserrors.WithRetry(ctx, func() error {
		_, err := s.rdsapi.AddTagsToResource(ctx, &rds.AddTagsToResourceInput{
			ResourceName: aws.String(resource.ARN),
			Tags: []rdstypes.Tag{
				{Key: aws.String(ErrorTagKey), Value: aws.String(awserrors.Code(cause))},
				{Key: aws.String(ErrorMessageTagKey), Value: aws.String(cause.Error())},
			},
		})
		return err
	}); err != nil {
		log.Error(err, "tagging database error", "database", resource.ID)
	}
}

func (s *Scheduler) prune(ctx context.Context, records map[string]*store.Record, observed map[string]struct{}) {
	log := logging.FromContext(ctx)
	for id := range records {
		if _, ok := observed[id]; ok {
			continue
		}
		if err := s.registry.Delete(ctx, s.account, s.region, scheduler.ServiceRDS, id); err != nil {
			log.Error(err, "pruning registry record", "database", id)
		}
		delete(records, id)
	}
}
