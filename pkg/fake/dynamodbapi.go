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
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	dynamotypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/samber/lo"

	sdk "github.com/awslabs/instance-scheduler/pkg/aws/sdk"
)

// DynamoDBAPI is an in-memory single-table double. It understands just the
// store's access patterns: keyed gets, puts, deletes, conditional creates,
// full scans and partition-key queries.
type DynamoDBAPI struct {
	sdk.DynamoDBAPI

	GetItemBehavior    MockedFunction[dynamodb.GetItemInput, dynamodb.GetItemOutput]
	PutItemBehavior    MockedFunction[dynamodb.PutItemInput, dynamodb.PutItemOutput]
	DeleteItemBehavior MockedFunction[dynamodb.DeleteItemInput, dynamodb.DeleteItemOutput]
	QueryBehavior      MockedFunction[dynamodb.QueryInput, dynamodb.QueryOutput]
	ScanBehavior       MockedFunction[dynamodb.ScanInput, dynamodb.ScanOutput]

	mu       sync.Mutex
	keyAttrs []string
	items    map[string]map[string]dynamotypes.AttributeValue
}

// NewDynamoDBAPI builds a table double keyed by the given attributes, e.g.
// ("type", "name") for the config table and ("partition", "resource_id") for
// the registry.
func NewDynamoDBAPI(keyAttrs ...string) *DynamoDBAPI {
	return &DynamoDBAPI{
		keyAttrs: keyAttrs,
		items:    map[string]map[string]dynamotypes.AttributeValue{},
	}
}

// Reset must be called between tests otherwise tests will pollute each other.
func (d *DynamoDBAPI) Reset() {
	d.GetItemBehavior.Reset()
	d.PutItemBehavior.Reset()
	d.DeleteItemBehavior.Reset()
	d.QueryBehavior.Reset()
	d.ScanBehavior.Reset()
	d.mu.Lock()
	defer d.mu.Unlock()
	d.items = map[string]map[string]dynamotypes.AttributeValue{}
}

// Len returns the number of stored rows, for assertions.
func (d *DynamoDBAPI) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.items)
}

func (d *DynamoDBAPI) GetItem(_ context.Context, input *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	return d.GetItemBehavior.Invoke(input, func(input *dynamodb.GetItemInput) (*dynamodb.GetItemOutput, error) {
		d.mu.Lock()
		defer d.mu.Unlock()
		return &dynamodb.GetItemOutput{Item: d.items[d.key(input.Key)]}, nil
	})
}

func (d *DynamoDBAPI) PutItem(_ context.Context, input *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	return d.PutItemBehavior.Invoke(input, func(input *dynamodb.PutItemInput) (*dynamodb.PutItemOutput, error) {
		d.mu.Lock()
		defer d.mu.Unlock()
		key := d.key(input.Item)
		if input.ConditionExpression != nil && strings.Contains(lo.FromPtr(input.ConditionExpression), "attribute_not_exists") {
			if _, exists := d.items[key]; exists {
				return nil, &dynamotypes.ConditionalCheckFailedException{}
			}
		}
		d.items[key] = input.Item
		return &dynamodb.PutItemOutput{}, nil
	})
}

func (d *DynamoDBAPI) DeleteItem(_ context.Context, input *dynamodb.DeleteItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error) {
	return d.DeleteItemBehavior.Invoke(input, func(input *dynamodb.DeleteItemInput) (*dynamodb.DeleteItemOutput, error) {
		d.mu.Lock()
		defer d.mu.Unlock()
		delete(d.items, d.key(input.Key))
		return &dynamodb.DeleteItemOutput{}, nil
	})
}

// Query matches rows whose first key attribute equals the :partition value.
func (d *DynamoDBAPI) Query(_ context.Context, input *dynamodb.QueryInput, _ ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	return d.QueryBehavior.Invoke(input, func(input *dynamodb.QueryInput) (*dynamodb.QueryOutput, error) {
		d.mu.Lock()
		defer d.mu.Unlock()
		partition := stringValue(input.ExpressionAttributeValues[":partition"])
		var matched []map[string]dynamotypes.AttributeValue
		for _, item := range d.items {
			if stringValue(item[d.keyAttrs[0]]) == partition {
				matched = append(matched, item)
			}
		}
		return &dynamodb.QueryOutput{Items: matched}, nil
	})
}

func (d *DynamoDBAPI) Scan(_ context.Context, input *dynamodb.ScanInput, _ ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error) {
	return d.ScanBehavior.Invoke(input, func(*dynamodb.ScanInput) (*dynamodb.ScanOutput, error) {
		d.mu.Lock()
		defer d.mu.Unlock()
		return &dynamodb.ScanOutput{Items: lo.Values(d.items)}, nil
	})
}

func (d *DynamoDBAPI) key(item map[string]dynamotypes.AttributeValue) string {
	parts := lo.Map(d.keyAttrs, func(attr string, _ int) string {
		return stringValue(item[attr])
	})
	return strings.Join(parts, "|")
}

func stringValue(av dynamotypes.AttributeValue) string {
	if s, ok := av.(*dynamotypes.AttributeValueMemberS); ok {
		return s.Value
	}
	return ""
}
