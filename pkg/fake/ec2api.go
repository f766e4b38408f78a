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

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/samber/lo"

	sdk "github.com/awslabs/instance-scheduler/pkg/aws/sdk"
)

// EC2API is an in-memory EC2 double. Instances added through AddInstance are
// described, started, stopped, resized and retagged by the default behaviors;
// tests override a behavior's Output or Error to exercise failure paths.
type EC2API struct {
	sdk.EC2API

	DescribeInstancesBehavior       MockedFunction[ec2.DescribeInstancesInput, ec2.DescribeInstancesOutput]
	StartInstancesBehavior          MockedFunction[ec2.StartInstancesInput, ec2.StartInstancesOutput]
	StopInstancesBehavior           MockedFunction[ec2.StopInstancesInput, ec2.StopInstancesOutput]
	ModifyInstanceAttributeBehavior MockedFunction[ec2.ModifyInstanceAttributeInput, ec2.ModifyInstanceAttributeOutput]
	CreateTagsBehavior              MockedFunction[ec2.CreateTagsInput, ec2.CreateTagsOutput]
	DeleteTagsBehavior              MockedFunction[ec2.DeleteTagsInput, ec2.DeleteTagsOutput]

	mu        sync.Mutex
	instances map[string]*ec2types.Instance
}

func NewEC2API() *EC2API {
	return &EC2API{instances: map[string]*ec2types.Instance{}}
}

// Reset must be called between tests otherwise tests will pollute each other.
func (e *EC2API) Reset() {
	e.DescribeInstancesBehavior.Reset()
	e.StartInstancesBehavior.Reset()
	e.StopInstancesBehavior.Reset()
	e.ModifyInstanceAttributeBehavior.Reset()
	e.CreateTagsBehavior.Reset()
	e.DeleteTagsBehavior.Reset()
	e.mu.Lock()
	defer e.mu.Unlock()
	e.instances = map[string]*ec2types.Instance{}
}

func (e *EC2API) AddInstance(instance ec2types.Instance) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.instances[lo.FromPtr(instance.InstanceId)] = &instance
}

// Instance returns a copy of the stored instance, for assertions.
func (e *EC2API) Instance(id string) ec2types.Instance {
	e.mu.Lock()
	defer e.mu.Unlock()
	return *e.instances[id]
}

func (e *EC2API) DescribeInstances(_ context.Context, input *ec2.DescribeInstancesInput, _ ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error) {
	return e.DescribeInstancesBehavior.Invoke(input, func(*ec2.DescribeInstancesInput) (*ec2.DescribeInstancesOutput, error) {
		e.mu.Lock()
		defer e.mu.Unlock()
		instances := lo.Map(lo.Values(e.instances), func(instance *ec2types.Instance, _ int) ec2types.Instance {
			return *instance
		})
		return &ec2.DescribeInstancesOutput{Reservations: []ec2types.Reservation{{Instances: instances}}}, nil
	})
}

func (e *EC2API) StartInstances(_ context.Context, input *ec2.StartInstancesInput, _ ...func(*ec2.Options)) (*ec2.StartInstancesOutput, error) {
	return e.StartInstancesBehavior.Invoke(input, func(input *ec2.StartInstancesInput) (*ec2.StartInstancesOutput, error) {
		e.setState(input.InstanceIds, ec2types.InstanceStateNameRunning)
		return &ec2.StartInstancesOutput{}, nil
	})
}

func (e *EC2API) StopInstances(_ context.Context, input *ec2.StopInstancesInput, _ ...func(*ec2.Options)) (*ec2.StopInstancesOutput, error) {
	return e.StopInstancesBehavior.Invoke(input, func(input *ec2.StopInstancesInput) (*ec2.StopInstancesOutput, error) {
		e.setState(input.InstanceIds, ec2types.InstanceStateNameStopped)
		return &ec2.StopInstancesOutput{}, nil
	})
}

func (e *EC2API) ModifyInstanceAttribute(_ context.Context, input *ec2.ModifyInstanceAttributeInput, _ ...func(*ec2.Options)) (*ec2.ModifyInstanceAttributeOutput, error) {
	return e.ModifyInstanceAttributeBehavior.Invoke(input, func(input *ec2.ModifyInstanceAttributeInput) (*ec2.ModifyInstanceAttributeOutput, error) {
		e.mu.Lock()
		defer e.mu.Unlock()
		if instance, ok := e.instances[lo.FromPtr(input.InstanceId)]; ok && input.InstanceType != nil {
			instance.InstanceType = ec2types.InstanceType(lo.FromPtr(input.InstanceType.Value))
		}
		return &ec2.ModifyInstanceAttributeOutput{}, nil
	})
}

func (e *EC2API) CreateTags(_ context.Context, input *ec2.CreateTagsInput, _ ...func(*ec2.Options)) (*ec2.CreateTagsOutput, error) {
	return e.CreateTagsBehavior.Invoke(input, func(input *ec2.CreateTagsInput) (*ec2.CreateTagsOutput, error) {
		e.mu.Lock()
		defer e.mu.Unlock()
		for _, id := range input.Resources {
			instance, ok := e.instances[id]
			if !ok {
				continue
			}
			for _, tag := range input.Tags {
				instance.Tags = append(lo.Reject(instance.Tags, func(existing ec2types.Tag, _ int) bool {
					return lo.FromPtr(existing.Key) == lo.FromPtr(tag.Key)
				}), tag)
			}
		}
		return &ec2.CreateTagsOutput{}, nil
	})
}

func (e *EC2API) DeleteTags(_ context.Context, input *ec2.DeleteTagsInput, _ ...func(*ec2.Options)) (*ec2.DeleteTagsOutput, error) {
	return e.DeleteTagsBehavior.Invoke(input, func(input *ec2.DeleteTagsInput) (*ec2.DeleteTagsOutput, error) {
		e.mu.Lock()
		defer e.mu.Unlock()
		for _, id := range input.Resources {
			instance, ok := e.instances[id]
			if !ok {
				continue
			}
			instance.Tags = lo.Reject(instance.Tags, func(existing ec2types.Tag, _ int) bool {
				return lo.ContainsBy(input.Tags, func(tag ec2types.Tag) bool {
					return lo.FromPtr(existing.Key) == lo.FromPtr(tag.Key)
				})
			})
		}
		return &ec2.DeleteTagsOutput{}, nil
	})
}

func (e *EC2API) setState(ids []string, state ec2types.InstanceStateName) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, id := range ids {
		if instance, ok := e.instances[id]; ok {
			instance.State = &ec2types.InstanceState{Name: state}
		}
	}
}

// Instance builds a tagged instance for tests.
func Instance(id, instanceType string, state ec2types.InstanceStateName, tags map[string]string) ec2types.Instance {
	return ec2types.Instance{
		InstanceId:   aws.String(id),
		InstanceType: ec2types.InstanceType(instanceType),
		State:        &ec2types.InstanceState{Name: state},
		Tags: lo.MapToSlice(tags, func(key, value string) ec2types.Tag {
			return ec2types.Tag{Key: aws.String(key), Value: aws.String(value)}
		}),
	}
}
