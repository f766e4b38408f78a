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

package fake

import (
	"context"
	"sync"

	"github.com/aws/aws-sdk-go-v2/service/autoscaling"
	asgtypes "github.com/aws/aws-sdk-go-v2/service/autoscaling/types"
	"github.com/samber/lo"

	sdk "github.com/awslabs/instance-scheduler/pkg/aws/sdk"
)

// AutoScalingAPI is an in-memory auto scaling double tracking groups, their
// tags and their scheduled actions.
type AutoScalingAPI struct {
	sdk.AutoScalingAPI

	DescribeAutoScalingGroupsBehavior          MockedFunction[autoscaling.DescribeAutoScalingGroupsInput, autoscaling.DescribeAutoScalingGroupsOutput]
	DescribeScheduledActionsBehavior           MockedFunction[autoscaling.DescribeScheduledActionsInput, autoscaling.DescribeScheduledActionsOutput]
	BatchPutScheduledUpdateGroupActionBehavior MockedFunction[autoscaling.BatchPutScheduledUpdateGroupActionInput, autoscaling.BatchPutScheduledUpdateGroupActionOutput]
	BatchDeleteScheduledActionBehavior         MockedFunction[autoscaling.BatchDeleteScheduledActionInput, autoscaling.BatchDeleteScheduledActionOutput]
	CreateOrUpdateTagsBehavior                 MockedFunction[autoscaling.CreateOrUpdateTagsInput, autoscaling.CreateOrUpdateTagsOutput]

	mu      sync.Mutex
	groups  map[string]*asgtypes.AutoScalingGroup
	actions map[string][]asgtypes.ScheduledUpdateGroupAction
}

func NewAutoScalingAPI() *AutoScalingAPI {
	return &AutoScalingAPI{
		groups:  map[string]*asgtypes.AutoScalingGroup{},
		actions: map[string][]asgtypes.ScheduledUpdateGroupAction{},
	}
}

// Reset must be called between tests otherwise tests will pollute each other.
func (a *AutoScalingAPI) Reset() {
	a.DescribeAutoScalingGroupsBehavior.Reset()
	a.DescribeScheduledActionsBehavior.Reset()
	a.BatchPutScheduledUpdateGroupActionBehavior.Reset()
	a.BatchDeleteScheduledActionBehavior.Reset()
	a.CreateOrUpdateTagsBehavior.Reset()
	a.mu.Lock()
	defer a.mu.Unlock()
	a.groups = map[string]*asgtypes.AutoScalingGroup{}
	a.actions = map[string][]asgtypes.ScheduledUpdateGroupAction{}
}

func (a *AutoScalingAPI) AddGroup(group asgtypes.AutoScalingGroup) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.groups[lo.FromPtr(group.AutoScalingGroupName)] = &group
}

// Actions returns a copy of the group's scheduled actions, for assertions.
func (a *AutoScalingAPI) Actions(groupName string) []asgtypes.ScheduledUpdateGroupAction {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]asgtypes.ScheduledUpdateGroupAction{}, a.actions[groupName]...)
}

// GroupTag returns the value of one of the group's tags, for assertions.
func (a *AutoScalingAPI) GroupTag(groupName, key string) string {
	a.mu.Lock()
	defer a.mu.Unlock()
	group, ok := a.groups[groupName]
	if !ok {
		return ""
	}
	tag, _ := lo.Find(group.Tags, func(tag asgtypes.TagDescription) bool {
		return lo.FromPtr(tag.Key) == key
	})
	return lo.FromPtr(tag.Value)
}

func (a *AutoScalingAPI) DescribeAutoScalingGroups(_ context.Context, input *autoscaling.DescribeAutoScalingGroupsInput, _ ...func(*autoscaling.Options)) (*autoscaling.DescribeAutoScalingGroupsOutput, error) {
	return a.DescribeAutoScalingGroupsBehavior.Invoke(input, func(*autoscaling.DescribeAutoScalingGroupsInput) (*autoscaling.DescribeAutoScalingGroupsOutput, error) {
		a.mu.Lock()
		defer a.mu.Unlock()
		return &autoscaling.DescribeAutoScalingGroupsOutput{AutoScalingGroups: lo.Map(lo.Values(a.groups), func(group *asgtypes.AutoScalingGroup, _ int) asgtypes.AutoScalingGroup {
			return *group
		})}, nil
	})
}

func (a *AutoScalingAPI) DescribeScheduledActions(_ context.Context, input *autoscaling.DescribeScheduledActionsInput, _ ...func(*autoscaling.Options)) (*autoscaling.DescribeScheduledActionsOutput, error) {
	return a.DescribeScheduledActionsBehavior.Invoke(input, func(input *autoscaling.DescribeScheduledActionsInput) (*autoscaling.DescribeScheduledActionsOutput, error) {
		a.mu.Lock()
		defer a.mu.Unlock()
		return &autoscaling.DescribeScheduledActionsOutput{
			ScheduledUpdateGroupActions: append([]asgtypes.ScheduledUpdateGroupAction{}, a.actions[lo.FromPtr(input.AutoScalingGroupName)]...),
		}, nil
	})
}

func (a *AutoScalingAPI) BatchPutScheduledUpdateGroupAction(_ context.Context, input *autoscaling.BatchPutScheduledUpdateGroupActionInput, _ ...func(*autoscaling.Options)) (*autoscaling.BatchPutScheduledUpdateGroupActionOutput, error) {
	return a.BatchPutScheduledUpdateGroupActionBehavior.Invoke(input, func(input *autoscaling.BatchPutScheduledUpdateGroupActionInput) (*autoscaling.BatchPutScheduledUpdateGroupActionOutput, error) {
		a.mu.Lock()
		defer a.mu.Unlock()
		groupName := lo.FromPtr(input.AutoScalingGroupName)
		for _, request := range input.ScheduledUpdateGroupActions {
			action := asgtypes.ScheduledUpdateGroupAction{
				AutoScalingGroupName: input.AutoScalingGroupName,
				ScheduledActionName:  request.ScheduledActionName,
				Recurrence:           request.Recurrence,
				TimeZone:             request.TimeZone,
				MinSize:              request.MinSize,
				MaxSize:              request.MaxSize,
				DesiredCapacity:      request.DesiredCapacity,
			}
			a.actions[groupName] = append(lo.Reject(a.actions[groupName], func(existing asgtypes.ScheduledUpdateGroupAction, _ int) bool {
				return lo.FromPtr(existing.ScheduledActionName) == lo.FromPtr(request.ScheduledActionName)
			}), action)
		}
		return &autoscaling.BatchPutScheduledUpdateGroupActionOutput{}, nil
	})
}

func (a *AutoScalingAPI) BatchDeleteScheduledAction(_ context.Context, input *autoscaling.BatchDeleteScheduledActionInput, _ ...func(*autoscaling.Options)) (*autoscaling.BatchDeleteScheduledActionOutput, error) {
	return a.BatchDeleteScheduledActionBehavior.Invoke(input, func(input *autoscaling.BatchDeleteScheduledActionInput) (*autoscaling.BatchDeleteScheduledActionOutput, error) {
		a.mu.Lock()
		defer a.mu.Unlock()
		groupName := lo.FromPtr(input.AutoScalingGroupName)
		a.actions[groupName] = lo.Reject(a.actions[groupName], func(existing asgtypes.ScheduledUpdateGroupAction, _ int) bool {
			return lo.Contains(input.ScheduledActionNames, lo.FromPtr(existing.ScheduledActionName))
		})
		return &autoscaling.BatchDeleteScheduledActionOutput{}, nil
	})
}

func (a *AutoScalingAPI) CreateOrUpdateTags(_ context.Context, input *autoscaling.CreateOrUpdateTagsInput, _ ...func(*autoscaling.Options)) (*autoscaling.CreateOrUpdateTagsOutput, error) {
	return a.CreateOrUpdateTagsBehavior.Invoke(input, func(input *autoscaling.CreateOrUpdateTagsInput) (*autoscaling.CreateOrUpdateTagsOutput, error) {
		a.mu.Lock()
		defer a.mu.Unlock()
		for _, tag := range input.Tags {
			group, ok := a.groups[lo.FromPtr(tag.ResourceId)]
			if !ok {
				continue
			}
			group.Tags = append(lo.Reject(group.Tags, func(existing asgtypes.TagDescription, _ int) bool {
				return lo.FromPtr(existing.Key) == lo.FromPtr(tag.Key)
			}), asgtypes.TagDescription{
				ResourceId:   tag.ResourceId,
				ResourceType: tag.ResourceType,
				Key:          tag.Key,
				Value:        tag.Value,
			})
		}
		return &autoscaling.CreateOrUpdateTagsOutput{}, nil
	})
}
