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
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	dynamotypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	sdk "github.com/awslabs/instance-scheduler/pkg/aws/sdk"
	"github.com/awslabs/instance-scheduler/pkg/awserrors"
	"github.com/awslabs/instance-scheduler/pkg/scheduler"
)

// GroupSize is the last-applied min/desired/max of an auto scaling group,
// with the fingerprint of the schedule it was derived from.
type GroupSize struct {
	Min          int32     `dynamodbav:"min"`
	Desired      int32     `dynamodbav:"desired"`
	Max          int32     `dynamodbav:"max"`
	ScheduleHash uint64    `dynamodbav:"schedule_hash"`
	ValidUntil   time.Time `dynamodbav:"valid_until,unixtime"`
}

// Record is the persistent registry row for one resource.
type Record struct {
	Account        string
	Region         string
	Service        scheduler.Service
	ResourceID     string
	ARN            string
	Name           string
	Schedule       string
	StoredState    scheduler.StoredState
	LastConfigured *GroupSize
}

type registryItem struct {
	Partition      string     `dynamodbav:"partition"`
	ResourceID     string     `dynamodbav:"resource_id"`
	Account        string     `dynamodbav:"account"`
	Region         string     `dynamodbav:"region"`
	Service        string     `dynamodbav:"service"`
	ARN            string     `dynamodbav:"arn,omitempty"`
	Name           string     `dynamodbav:"name,omitempty"`
	Schedule       string     `dynamodbav:"schedule,omitempty"`
	StoredState    string     `dynamodbav:"stored_state"`
	LastConfigured *GroupSize `dynamodbav:"last_configured,omitempty"`
}

// Registry persists per-resource scheduling state, keyed by
// (account, region, service) with the resource id as range key so one worker
// can warm its whole partition with a single query.
type Registry struct {
	api       sdk.DynamoDBAPI
	tableName string
}

func NewRegistry(api sdk.DynamoDBAPI, tableName string) *Registry {
	return &Registry{api: api, tableName: tableName}
}

func partitionKey(account, region string, service scheduler.Service) string {
	return fmt.Sprintf("%s#%s#%s", account, region, service)
}

// Load reads every record in one (account, region, service) partition with
// strong consistency.
func (r *Registry) Load(ctx context.Context, account, region string, service scheduler.Service) (map[string]*Record, error) {
	records := map[string]*Record{}
	var startKey map[string]dynamotypes.AttributeValue
	for {
		var out *dynamodb.QueryOutput
		if err := awserrors.WithRetry(ctx, func() error {
			var queryErr error
			out, queryErr = r.api.Query(ctx, &dynamodb.QueryInput{
				TableName:                 aws.String(r.tableName),
				ConsistentRead:            aws.Bool(true),
				KeyConditionExpression:    aws.String("#partition = :partition"),
				ExpressionAttributeNames:  map[string]string{"#partition": "partition"},
				ExpressionAttributeValues: map[string]dynamotypes.AttributeValue{":partition": &dynamotypes.AttributeValueMemberS{Value: partitionKey(account, region, service)}},
				ExclusiveStartKey:         startKey,
			})
			return queryErr
		}); err != nil {
			return nil, fmt.Errorf("loading registry partition, %w", err)
		}
		for _, item := range out.Items {
			var row registryItem
			if err := attributevalue.UnmarshalMap(item, &row); err != nil {
				return nil, fmt.Errorf("unmarshaling registry row, %w", err)
			}
			record, err := row.toRecord()
			if err != nil {
				return nil, err
			}
			records[record.ResourceID] = record
		}
		startKey = out.LastEvaluatedKey
		if startKey == nil {
			break
		}
	}
	return records, nil
}

// Put writes one record; last writer wins, the next tick reconverges stale
// writes.
func (r *Registry) Put(ctx context.Context, record *Record) error {
	item, err := attributevalue.MarshalMap(registryItem{
		Partition:      partitionKey(record.Account, record.Region, record.Service),
		ResourceID:     record.ResourceID,
		Account:        record.Account,
		Region:         record.Region,
		Service:        string(record.Service),
		ARN:            record.ARN,
		Name:           record.Name,
		Schedule:       record.Schedule,
		StoredState:    record.StoredState.String(),
		LastConfigured: record.LastConfigured,
	})
	if err != nil {
		return fmt.Errorf("marshaling registry row, %w", err)
	}
	return awserrors.WithRetry(ctx, func() error {
		_, putErr := r.api.PutItem(ctx, &dynamodb.PutItemInput{
			TableName: aws.String(r.tableName),
			Item:      item,
		})
		return putErr
	})
}

// Delete removes the record for a resource that no longer exists.
func (r *Registry) Delete(ctx context.Context, account, region string, service scheduler.Service, resourceID string) error {
	return awserrors.WithRetry(ctx, func() error {
		_, err := r.api.DeleteItem(ctx, &dynamodb.DeleteItemInput{
			TableName: aws.String(r.tableName),
			Key: map[string]dynamotypes.AttributeValue{
				"partition":   &dynamotypes.AttributeValueMemberS{Value: partitionKey(account, region, service)},
				"resource_id": &dynamotypes.AttributeValueMemberS{Value: resourceID},
			},
		})
		return err
	})
}

func (row registryItem) toRecord() (*Record, error) {
	storedState, err := scheduler.ParseStoredState(row.StoredState)
	if err != nil {
		return nil, fmt.Errorf("registry row %q, %w", row.ResourceID, err)
	}
	return &Record{
		Account:        row.Account,
		Region:         row.Region,
		Service:        scheduler.Service(row.Service),
		ResourceID:     row.ResourceID,
		ARN:            row.ARN,
		Name:           row.Name,
		Schedule:       row.Schedule,
		StoredState:    storedState,
		LastConfigured: row.LastConfigured,
	}, nil
}
