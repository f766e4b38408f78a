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

package maintenancewindow

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	ssmtypes "github.com/aws/aws-sdk-go-v2/service/ssm/types"
	"github.com/patrickmn/go-cache"
	"github.com/samber/lo"

	sdk "github.com/awslabs/instance-scheduler/pkg/aws/sdk"
	"github.com/awslabs/instance-scheduler/pkg/awserrors"
	"github.com/awslabs/instance-scheduler/pkg/scheduling"
	"github.com/awslabs/instance-scheduler/pkg/utils/logging"
)

const cacheKey = "maintenance-windows"

// nextExecutionLayouts covers the timestamp shapes SSM emits; the field is a
// string and sometimes omits seconds.
var nextExecutionLayouts = []string{time.RFC3339, "2006-01-02T15:04Z07:00"}

// Provider resolves named SSM maintenance windows into window schedules that
// keep instances running for the window's next execution, started with the
// usual lead. Window listings are cached for the configured TTL since ticks
// are far more frequent than window edits.
type Provider struct {
	ssmapi sdk.SSMAPI
	cache  *cache.Cache
	ttl    time.Duration
}

func NewProvider(ssmapi sdk.SSMAPI, ttl time.Duration) *Provider {
	return &Provider{ssmapi: ssmapi, cache: cache.New(ttl, ttl), ttl: ttl}
}

// Attach widens the schedule with the window schedules its
// ssm_maintenance_window names resolve to. Unknown names are logged and
// skipped; the schedule still works without its window.
func (p *Provider) Attach(ctx context.Context, schedule *scheduling.Schedule) *scheduling.Schedule {
	if !schedule.UseMaintenanceWindow || len(schedule.SSMMaintenanceWindows) == 0 {
		return schedule
	}
	log := logging.FromContext(ctx)
	byName, err := p.windows(ctx)
	if err != nil {
		log.Error(err, "listing maintenance windows", "schedule", schedule.Name)
		return schedule
	}
	var windows []*scheduling.Schedule
	for _, name := range schedule.SSMMaintenanceWindows {
		window, ok := byName[name]
		if !ok {
			log.Info("maintenance window not found or has no upcoming execution", "schedule", schedule.Name, "window", name)
			continue
		}
		windows = append(windows, window)
	}
	return schedule.WithMaintenanceWindows(windows...)
}

func (p *Provider) windows(ctx context.Context) (map[string]*scheduling.Schedule, error) {
	if cached, ok := p.cache.Get(cacheKey); ok {
		return cached.(map[string]*scheduling.Schedule), nil
	}
	log := logging.FromContext(ctx)
	byName := map[string]*scheduling.Schedule{}
	paginator := ssm.NewDescribeMaintenanceWindowsPaginator(p.ssmapi, &ssm.DescribeMaintenanceWindowsInput{
		Filters: []ssmtypes.MaintenanceWindowFilter{{Key: aws.String("Enabled"), Values: []string{"true"}}},
	})
	for paginator.HasMorePages() {
		var page *ssm.DescribeMaintenanceWindowsOutput
		if err := awserrors.WithRetry(ctx, func() error {
			var pageErr error
			page, pageErr = paginator.NextPage(ctx)
			return pageErr
		}); err != nil {
			return nil, fmt.Errorf("describing maintenance windows, %w", err)
		}
		for _, identity := range page.WindowIdentities {
			window, err := toWindowSchedule(identity)
			if err != nil {
				log.Error(err, "skipping maintenance window", "window", lo.FromPtr(identity.Name))
				continue
			}
			if window != nil {
				byName[lo.FromPtr(identity.Name)] = window
			}
		}
	}
	p.cache.Set(cacheKey, byName, p.ttl)
	return byName, nil
}

// toWindowSchedule pins the window's next execution into an absolute window
// schedule. Windows with no upcoming execution resolve to nil.
func toWindowSchedule(identity ssmtypes.MaintenanceWindowIdentity) (*scheduling.Schedule, error) {
	next := lo.FromPtr(identity.NextExecutionTime)
	if next == "" {
		return nil, nil
	}
	begin, err := parseNextExecution(next)
	if err != nil {
		return nil, err
	}
	end := begin.Add(time.Duration(lo.FromPtr(identity.Duration)) * time.Hour)
	return scheduling.NewAbsoluteWindowSchedule(lo.FromPtr(identity.Name), begin.Add(-scheduling.WindowStartupLead), end), nil
}

func parseNextExecution(value string) (time.Time, error) {
	for _, layout := range nextExecutionLayouts {
		if t, err := time.Parse(layout, value); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("next execution time %q is not a recognized timestamp", value)
}
