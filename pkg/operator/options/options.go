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

package options

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/samber/lo"
	"go.uber.org/multierr"

	"github.com/awslabs/instance-scheduler/pkg/scheduler"
	"github.com/awslabs/instance-scheduler/pkg/utils/env"
)

// Options for running this binary
type Options struct {
	*flag.FlagSet

	MetricsPort     int
	HealthProbePort int
	Debug           bool

	ConfigTableName   string
	RegistryTableName string

	HubAccount           string
	Accounts             string
	Regions              string
	Services             string
	CrossAccountRoleName string

	SchedulingInterval time.Duration
	SchedulingCron     string
	MaxConcurrency     int
	PayloadSizeLimit   int

	ScheduleTagKey       string
	StartedTags          string
	StoppedTags          string
	ActionNamePrefix     string
	CreateRDSSnapshots   bool
	StackName            string
	MaintenanceWindowTTL time.Duration

	Version       string
	MinCLIVersion string
}

// New creates an Options struct and registers CLI flags and environment
// variables to fill-in the Options struct fields
func New() *Options {
	opts := &Options{}
	f := flag.NewFlagSet("instance-scheduler", flag.ContinueOnError)
	opts.FlagSet = f

	f.IntVar(&opts.MetricsPort, "metrics-port", env.WithDefaultInt("METRICS_PORT", 8080), "The port the metric endpoint binds to for operating metrics about the controller itself")
	f.IntVar(&opts.HealthProbePort, "health-probe-port", env.WithDefaultInt("HEALTH_PROBE_PORT", 8081), "The port the health probe endpoint binds to for reporting controller health")
	f.BoolVar(&opts.Debug, "debug", env.WithDefaultBool("DEBUG", false), "Enable debug logging")

	f.StringVar(&opts.ConfigTableName, "config-table-name", env.WithDefaultString("CONFIG_TABLE_NAME", ""), "The DynamoDB table holding schedule and period definitions")
	f.StringVar(&opts.RegistryTableName, "registry-table-name", env.WithDefaultString("REGISTRY_TABLE_NAME", ""), "The DynamoDB table holding per-resource scheduling state")

	f.StringVar(&opts.HubAccount, "hub-account", env.WithDefaultString("HUB_ACCOUNT", ""), "The account id the scheduler runs in; it is scheduled with the base credentials instead of an assumed role")
	f.StringVar(&opts.Accounts, "accounts", env.WithDefaultString("ACCOUNTS", ""), "Comma-separated account ids to schedule. Defaults to the hub account only")
	f.StringVar(&opts.Regions, "regions", env.WithDefaultString("REGIONS", ""), "Comma-separated regions to schedule")
	f.StringVar(&opts.Services, "services", env.WithDefaultString("SERVICES", "ec2,rds,autoscaling"), "Comma-separated services to schedule: ec2, rds, autoscaling")
	f.StringVar(&opts.CrossAccountRoleName, "cross-account-role-name", env.WithDefaultString("CROSS_ACCOUNT_ROLE_NAME", "instance-scheduler-role"), "The role name assumed in each spoke account")

	f.DurationVar(&opts.SchedulingInterval, "scheduling-interval", env.WithDefaultDuration("SCHEDULING_INTERVAL", 5*time.Minute), "How often a scheduling tick runs")
	f.StringVar(&opts.SchedulingCron, "scheduling-cron", env.WithDefaultString("SCHEDULING_CRON", ""), "Cron expression triggering scheduling ticks instead of the fixed interval")
	f.IntVar(&opts.MaxConcurrency, "max-concurrency", env.WithDefaultInt("MAX_CONCURRENCY", 10), "How many (account, region, service) targets run at once")
	f.IntVar(&opts.PayloadSizeLimit, "payload-size-limit", env.WithDefaultInt("PAYLOAD_SIZE_LIMIT", 128*1024), "Maximum encoded size of a target work order before its library snapshot is trimmed")

	f.StringVar(&opts.ScheduleTagKey, "schedule-tag-key", env.WithDefaultString("SCHEDULE_TAG_KEY", "Schedule"), "The resource tag naming the schedule to apply")
	f.StringVar(&opts.StartedTags, "started-tags", env.WithDefaultString("STARTED_TAGS", ""), "Comma-separated key=value tags applied after a successful start")
	f.StringVar(&opts.StoppedTags, "stopped-tags", env.WithDefaultString("STOPPED_TAGS", ""), "Comma-separated key=value tags applied after a successful stop")
	f.StringVar(&opts.ActionNamePrefix, "action-name-prefix", env.WithDefaultString("ACTION_NAME_PREFIX", "IS-"), "Prefix marking the auto scaling scheduled actions owned by the scheduler")
	f.BoolVar(&opts.CreateRDSSnapshots, "create-rds-snapshots", env.WithDefaultBool("CREATE_RDS_SNAPSHOTS", false), "Take a snapshot whenever an RDS instance is stopped")
	f.StringVar(&opts.StackName, "stack-name", env.WithDefaultString("STACK_NAME", "instance-scheduler"), "The deployment name, used to prefix snapshots")
	f.DurationVar(&opts.MaintenanceWindowTTL, "maintenance-window-ttl", env.WithDefaultDuration("MAINTENANCE_WINDOW_TTL", time.Hour), "How long SSM maintenance window listings are cached")

	f.StringVar(&opts.Version, "version", env.WithDefaultString("VERSION", "3.0.0"), "The deployed component version reported to admin callers")
	f.StringVar(&opts.MinCLIVersion, "min-cli-version", env.WithDefaultString("MIN_CLI_VERSION", "3.0.0"), "The oldest admin CLI version still accepted")
	return opts
}

// MustParse reads the user passed flags, environment variables, and default
// values. Options are validated and panics if an error is returned
func (o *Options) MustParse() *Options {
	err := o.Parse(os.Args[1:])

	if errors.Is(err, flag.ErrHelp) {
		os.Exit(0)
	}
	if err != nil {
		panic(err)
	}
	if err := o.Validate(); err != nil {
		panic(err)
	}
	return o
}

func (o Options) Validate() (err error) {
	if o.ConfigTableName == "" {
		err = multierr.Append(err, fmt.Errorf("CONFIG_TABLE_NAME is required"))
	}
	if o.RegistryTableName == "" {
		err = multierr.Append(err, fmt.Errorf("REGISTRY_TABLE_NAME is required"))
	}
	if o.HubAccount == "" {
		err = multierr.Append(err, fmt.Errorf("HUB_ACCOUNT is required"))
	}
	if len(o.RegionList()) == 0 {
		err = multierr.Append(err, fmt.Errorf("REGIONS is required"))
	}
	for _, service := range o.ServiceList() {
		if !lo.Contains([]scheduler.Service{scheduler.ServiceEC2, scheduler.ServiceRDS, scheduler.ServiceAutoScaling}, service) {
			err = multierr.Append(err, fmt.Errorf("services may only contain ec2, rds and autoscaling, got %q", service))
		}
	}
	if o.SchedulingInterval <= 0 {
		err = multierr.Append(err, fmt.Errorf("scheduling-interval must be positive"))
	}
	if o.SchedulingCron != "" {
		if _, cronErr := cron.ParseStandard(o.SchedulingCron); cronErr != nil {
			err = multierr.Append(err, fmt.Errorf("scheduling-cron is not a valid cron expression, %w", cronErr))
		}
	}
	if _, tagErr := ParseTags(o.StartedTags); tagErr != nil {
		err = multierr.Append(err, tagErr)
	}
	if _, tagErr := ParseTags(o.StoppedTags); tagErr != nil {
		err = multierr.Append(err, tagErr)
	}
	return err
}

// AccountList returns the configured accounts, defaulting to the hub account.
func (o Options) AccountList() []string {
	accounts := splitList(o.Accounts)
	if len(accounts) == 0 && o.HubAccount != "" {
		return []string{o.HubAccount}
	}
	return accounts
}

func (o Options) RegionList() []string {
	return splitList(o.Regions)
}

func (o Options) ServiceList() []scheduler.Service {
	return lo.Map(splitList(o.Services), func(s string, _ int) scheduler.Service {
		return scheduler.Service(s)
	})
}

// ParseTags parses the "key=value,key=value" tag list form.
func ParseTags(value string) (map[string]string, error) {
	if strings.TrimSpace(value) == "" {
		return nil, nil
	}
	tags := map[string]string{}
	for _, pair := range strings.Split(value, ",") {
		key, tagValue, found := strings.Cut(pair, "=")
		if !found || strings.TrimSpace(key) == "" {
			return nil, fmt.Errorf("tag %q is not in key=value form", pair)
		}
		tags[strings.TrimSpace(key)] = strings.TrimSpace(tagValue)
	}
	return tags, nil
}

func splitList(value string) []string {
	return lo.FilterMap(strings.Split(value, ","), func(item string, _ int) (string, bool) {
		item = strings.TrimSpace(item)
		return item, item != ""
	})
}
