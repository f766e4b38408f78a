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
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	dynamotypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/samber/lo"

	sdk "github.com/awslabs/instance-scheduler/pkg/aws/sdk"
	"github.com/awslabs/instance-scheduler/pkg/awserrors"
	"github.com/awslabs/instance-scheduler/pkg/scheduling"
)

const (
	rowTypeSchedule = "schedule"
	rowTypePeriod   = "period"
)

// periodItem is the on-disk shape of a period row. Set-valued fields are
// string sets of cron tokens.
type periodItem struct {
	Type              string   `dynamodbav:"type"`
	Name              string   `dynamodbav:"name"`
	BeginTime         string   `dynamodbav:"begintime,omitempty"`
	EndTime           string   `dynamodbav:"endtime,omitempty"`
	Weekdays          []string `dynamodbav:"weekdays,stringset,omitempty"`
	Monthdays         []string `dynamodbav:"monthdays,stringset,omitempty"`
	Months            []string `dynamodbav:"months,stringset,omitempty"`
	Description       string   `dynamodbav:"description,omitempty"`
	ConfiguredInStack string   `dynamodbav:"configured_in_stack,omitempty"`
}

// scheduleItem is the on-disk shape of a schedule row.
type scheduleItem struct {
	Type                  string   `dynamodbav:"type"`
	Name                  string   `dynamodbav:"name"`
	Timezone              string   `dynamodbav:"timezone,omitempty"`
	Periods               []string `dynamodbav:"periods,stringset,omitempty"`
	OverrideStatus        string   `dynamodbav:"override_status,omitempty"`
	StopNewInstances      *bool    `dynamodbav:"stop_new_instances,omitempty"`
	RetainRunning         bool     `dynamodbav:"retain_running,omitempty"`
	Enforced              bool     `dynamodbav:"enforced,omitempty"`
	Hibernate             bool     `dynamodbav:"hibernate,omitempty"`
	UseMaintenanceWindow  bool     `dynamodbav:"use_maintenance_window,omitempty"`
	SSMMaintenanceWindow  []string `dynamodbav:"ssm_maintenance_window,stringset,omitempty"`
	Description           string   `dynamodbav:"description,omitempty"`
	ConfiguredInStack     string   `dynamodbav:"configured_in_stack,omitempty"`
}

// ConfigStore persists the schedule and period library in a key-value table
// keyed by (type, name).
type ConfigStore struct {
	api       sdk.DynamoDBAPI
	tableName string
}

func NewConfigStore(api sdk.DynamoDBAPI, tableName string) *ConfigStore {
	return &ConfigStore{api: api, tableName: tableName}
}

// LoadLibrary reads every definition with strong consistency and resolves the
// in-memory view. Invalid definitions are dropped and reported in the second
// return value; only infrastructure failures surface as the final error.
func (s *ConfigStore) LoadLibrary(ctx context.Context) (*scheduling.Library, []error, error) {
	library := &scheduling.Library{
		Schedules: map[string]*scheduling.Schedule{},
		Periods:   map[string]*scheduling.Period{},
	}
	var definitionErrs []error
	var startKey map[string]dynamotypes.AttributeValue
	for {
		var out *dynamodb.ScanOutput
		if err := awserrors.WithRetry(ctx, func() error {
			var scanErr error
			out, scanErr = s.api.Scan(ctx, &dynamodb.ScanInput{
				TableName:         aws.String(s.tableName),
				ConsistentRead:    aws.Bool(true),
				ExclusiveStartKey: startKey,
			})
			return scanErr
		}); err != nil {
			return nil, nil, fmt.Errorf("scanning schedule library, %w", err)
		}
		for _, item := range out.Items {
			if err := s.decodeInto(library, item); err != nil {
				definitionErrs = append(definitionErrs, err)
			}
		}
		startKey = out.LastEvaluatedKey
		if startKey == nil {
			break
		}
	}
	definitionErrs = append(definitionErrs, library.Resolve()...)
	return library, definitionErrs, nil
}

func (s *ConfigStore) decodeInto(library *scheduling.Library, item map[string]dynamotypes.AttributeValue) error {
	var rowType string
	if err := attributevalue.Unmarshal(item["type"], &rowType); err != nil {
		return fmt.Errorf("definition row has no type, %w", err)
	}
	switch rowType {
	case rowTypePeriod:
		var row periodItem
		if err := attributevalue.UnmarshalMap(item, &row); err != nil {
			return fmt.Errorf("unmarshaling period row, %w", err)
		}
		period, err := row.toPeriod()
		if err != nil {
			return err
		}
		library.Periods[period.Name] = period
	case rowTypeSchedule:
		var row scheduleItem
		if err := attributevalue.UnmarshalMap(item, &row); err != nil {
			return fmt.Errorf("unmarshaling schedule row, %w", err)
		}
		schedule, err := row.toSchedule()
		if err != nil {
			return err
		}
		library.Schedules[schedule.Name] = schedule
	default:
		return fmt.Errorf("definition row has unknown type %q", rowType)
	}
	return nil
}

// GetSchedule reads one schedule row with strong consistency.
func (s *ConfigStore) GetSchedule(ctx context.Context, name string) (*scheduling.Schedule, error) {
	item, err := s.getItem(ctx, rowTypeSchedule, name)
	if err != nil {
		return nil, err
	}
	var row scheduleItem
	if err := attributevalue.UnmarshalMap(item, &row); err != nil {
		return nil, fmt.Errorf("unmarshaling schedule %q, %w", name, err)
	}
	return row.toSchedule()
}

func (s *ConfigStore) GetPeriod(ctx context.Context, name string) (*scheduling.Period, error) {
	item, err := s.getItem(ctx, rowTypePeriod, name)
	if err != nil {
		return nil, err
	}
	var row periodItem
	if err := attributevalue.UnmarshalMap(item, &row); err != nil {
		return nil, fmt.Errorf("unmarshaling period %q, %w", name, err)
	}
	return row.toPeriod()
}

// PutSchedule writes a schedule row, failing with ErrAlreadyExists when
// overwrite is disabled and the row exists.
func (s *ConfigStore) PutSchedule(ctx context.Context, schedule *scheduling.Schedule, overwrite bool) error {
	if err := schedule.Validate(); err != nil {
		return err
	}
	return s.putItem(ctx, lo.Must(attributevalue.MarshalMap(newScheduleItem(schedule))), overwrite)
}

func (s *ConfigStore) PutPeriod(ctx context.Context, period *scheduling.Period, overwrite bool) error {
	if err := period.Validate(); err != nil {
		return err
	}
	return s.putItem(ctx, lo.Must(attributevalue.MarshalMap(newPeriodItem(period))), overwrite)
}

func (s *ConfigStore) DeleteSchedule(ctx context.Context, name string) error {
	return s.deleteItem(ctx, rowTypeSchedule, name)
}

// DeletePeriod refuses with an InUseError while any schedule still references
// the period.
func (s *ConfigStore) DeletePeriod(ctx context.Context, name string) error {
	library, _, err := s.LoadLibrary(ctx)
	if err != nil {
		return err
	}
	var users []string
	for _, schedule := range library.Schedules {
		for _, ref := range schedule.PeriodRefs {
			if ref.Name == name {
				users = append(users, schedule.Name)
			}
		}
	}
	if len(users) != 0 {
		return &InUseError{Period: name, Schedules: users}
	}
	return s.deleteItem(ctx, rowTypePeriod, name)
}

func (s *ConfigStore) getItem(ctx context.Context, rowType, name string) (map[string]dynamotypes.AttributeValue, error) {
	var out *dynamodb.GetItemOutput
	if err := awserrors.WithRetry(ctx, func() error {
		var getErr error
		out, getErr = s.api.GetItem(ctx, &dynamodb.GetItemInput{
			TableName:      aws.String(s.tableName),
			ConsistentRead: aws.Bool(true),
			Key:            definitionKey(rowType, name),
		})
		return getErr
	}); err != nil {
		return nil, fmt.Errorf("reading %s %q, %w", rowType, name, err)
	}
	if out.Item == nil {
		return nil, fmt.Errorf("%s %q, %w", rowType, name, ErrNotFound)
	}
	return out.Item, nil
}

func (s *ConfigStore) putItem(ctx context.Context, item map[string]dynamotypes.AttributeValue, overwrite bool) error {
	input := &dynamodb.PutItemInput{
		TableName: aws.String(s.tableName),
		Item:      item,
	}
	if !overwrite {
		input.ConditionExpression = aws.String("attribute_not_exists(#name)")
		input.ExpressionAttributeNames = map[string]string{"#name": "name"}
	}
	err := awserrors.WithRetry(ctx, func() error {
		_, putErr := s.api.PutItem(ctx, input)
		return putErr
	})
	var conditionErr *dynamotypes.ConditionalCheckFailedException
	if errors.As(err, &conditionErr) {
		return ErrAlreadyExists
	}
	return err
}

func (s *ConfigStore) deleteItem(ctx context.Context, rowType, name string) error {
	return awserrors.WithRetry(ctx, func() error {
		_, err := s.api.DeleteItem(ctx, &dynamodb.DeleteItemInput{
			TableName: aws.String(s.tableName),
			Key:       definitionKey(rowType, name),
		})
		return err
	})
}

func definitionKey(rowType, name string) map[string]dynamotypes.AttributeValue {
	return map[string]dynamotypes.AttributeValue{
		"type": &dynamotypes.AttributeValueMemberS{Value: rowType},
		"name": &dynamotypes.AttributeValueMemberS{Value: name},
	}
}
