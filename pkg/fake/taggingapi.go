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
	"github.com/aws/aws-sdk-go-v2/service/resourcegroupstaggingapi"
	taggingtypes "github.com/aws/aws-sdk-go-v2/service/resourcegroupstaggingapi/types"
	"github.com/samber/lo"

	sdk "github.com/awslabs/instance-scheduler/pkg/aws/sdk"
)

// TaggingAPI is an in-memory resource groups tagging double.
type TaggingAPI struct {
	sdk.TaggingAPI

	GetResourcesBehavior MockedFunction[resourcegroupstaggingapi.GetResourcesInput, resourcegroupstaggingapi.GetResourcesOutput]

	mu       sync.Mutex
	mappings []taggingtypes.ResourceTagMapping
}

func NewTaggingAPI() *TaggingAPI {
	return &TaggingAPI{}
}

// Reset must be called between tests otherwise tests will pollute each other.
func (t *TaggingAPI) Reset() {
	t.GetResourcesBehavior.Reset()
	t.mu.Lock()
	defer t.mu.Unlock()
	t.mappings = nil
}

// AddResource registers a tagged resource ARN.
func (t *TaggingAPI) AddResource(arn string, tags map[string]string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.mappings = append(t.mappings, taggingtypes.ResourceTagMapping{
		ResourceARN: aws.String(arn),
		Tags: lo.MapToSlice(tags, func(key, value string) taggingtypes.Tag {
			return taggingtypes.Tag{Key: aws.String(key), Value: aws.String(value)}
		}),
	})
}

func (t *TaggingAPI) GetResources(_ context.Context, input *resourcegroupstaggingapi.GetResourcesInput, _ ...func(*resourcegroupstaggingapi.Options)) (*resourcegroupstaggingapi.GetResourcesOutput, error) {
	return t.GetResourcesBehavior.Invoke(input, func(*resourcegroupstaggingapi.GetResourcesInput) (*resourcegroupstaggingapi.GetResourcesOutput, error) {
		t.mu.Lock()
		defer t.mu.Unlock()
		return &resourcegroupstaggingapi.GetResourcesOutput{ResourceTagMappingList: append([]taggingtypes.ResourceTagMapping{}, t.mappings...)}, nil
	})
}
