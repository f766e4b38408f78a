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

package autoscaling_test

import (
	"context"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/autoscaling"
	asgtypes "github.com/aws/aws-sdk-go-v2/service/autoscaling/types"
	"github.com/aws/smithy-go"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/samber/lo"
	clocktesting "k8s.io/utils/clock/testing"

	"github.com/awslabs/instance-scheduler/pkg/fake"
	asgscheduler "github.com/awslabs/instance-scheduler/pkg/providers/autoscaling"
	"github.com/awslabs/instance-scheduler/pkg/scheduler"
	"github.com/awslabs/instance-scheduler/pkg/scheduling"
	"github.com/awslabs/instance-scheduler/pkg/store"
)

const (
	account = "123456789012"
	region  = "eu-west-1"
)

var (
	ctx         context.Context
	asgapi      *fake.AutoScalingAPI
	registryapi *fake.DynamoDBAPI
	registry    *store.Registry

	now = time.Date(2026, time.March, 2, 12, 0, 0, 0, time.UTC)
)

func TestAutoScaling(t *testing.T) {
	ctx = context.Background()
	RegisterFailHandler(Fail)
	BeforeSuite(func() {
		asgapi = fake.NewAutoScalingAPI()
		registryapi = fake.NewDynamoDBAPI("partition", "resource_id")
		registry = store.NewRegistry(registryapi, "registry-table")
	})
	RunSpecs(t, "AutoScaling")
}

func newLibrary(periods map[string]*scheduling.Period, mutators ...func(*scheduling.Schedule)) *scheduling.Library {
	schedule := &scheduling.Schedule{
		Name:       "office",
		Timezone:   "UTC",
		PeriodRefs: lo.Map(lo.Keys(periods), func(name string, _ int) scheduling.PeriodRef { return scheduling.PeriodRef{Name: name} }),
	}
	for _, mutate := range mutators {
		mutate(schedule)
	}
	library := &scheduling.Library{
		Schedules: map[string]*scheduling.Schedule{"office": schedule},
		Periods:   periods,
	}
	Expect(library.Resolve()).To(BeEmpty())
	return library
}

func officePeriods() map[string]*scheduling.Period {
	return map[string]*scheduling.Period{"office-hours": {
		Name:      "office-hours",
		BeginTime: lo.ToPtr(scheduling.NewDayTime(9, 0)),
		EndTime:   lo.ToPtr(scheduling.NewDayTime(16, 59)),
		Weekdays:  lo.Must(scheduling.WeekdayDomain.ParseExpressions("mon-fri")),
	}}
}

func newScheduler() *asgscheduler.Scheduler {
	return asgscheduler.NewScheduler(asgapi, registry, clocktesting.NewFakeClock(now), account, region, asgscheduler.Options{
		ScheduleTagKey:   "Schedule",
		ActionNamePrefix: "IS-",
	})
}

func group(name string, minSize, desired, maxSize int32, tags map[string]string) asgtypes.AutoScalingGroup {
	return asgtypes.AutoScalingGroup{
		AutoScalingGroupName: aws.String(name),
		MinSize:              aws.Int32(minSize),
		DesiredCapacity:      aws.Int32(desired),
		MaxSize:              aws.Int32(maxSize),
		Tags: lo.MapToSlice(tags, func(key, value string) asgtypes.TagDescription {
			return asgtypes.TagDescription{ResourceId: aws.String(name), Key: aws.String(key), Value: aws.String(value)}
		}),
	}
}

func action(groupName, actionName string) (asgtypes.ScheduledUpdateGroupAction, bool) {
	return lo.Find(asgapi.Actions(groupName), func(action asgtypes.ScheduledUpdateGroupAction) bool {
		return lo.FromPtr(action.ScheduledActionName) == actionName
	})
}

var _ = Describe("AutoScaling Scheduler", func() {
	BeforeEach(func() {
		asgapi.Reset()
		registryapi.Reset()
	})

	It("should install start and stop actions for each bound period", func() {
		asgapi.AddGroup(group("web", 1, 2, 4, map[string]string{"Schedule": "office"}))

		results, err := newScheduler().Run(ctx, newLibrary(officePeriods()), map[string]*store.Record{})
		Expect(err).ToNot(HaveOccurred())
		Expect(results).To(HaveLen(1))
		Expect(results[0].Action).To(Equal(scheduler.ActionConfigure))

		start, ok := action("web", "IS-office-hoursStart")
		Expect(ok).To(BeTrue())
		Expect(lo.FromPtr(start.Recurrence)).To(Equal("0 9 * * 1,2,3,4,5"))
		Expect(lo.FromPtr(start.TimeZone)).To(Equal("UTC"))
		Expect(lo.FromPtr(start.MinSize)).To(Equal(int32(1)))
		Expect(lo.FromPtr(start.DesiredCapacity)).To(Equal(int32(2)))
		Expect(lo.FromPtr(start.MaxSize)).To(Equal(int32(4)))

		stop, ok := action("web", "IS-office-hoursStop")
		Expect(ok).To(BeTrue())
		Expect(lo.FromPtr(stop.Recurrence)).To(Equal("0 17 * * 1,2,3,4,5"))
		Expect(lo.FromPtr(stop.DesiredCapacity)).To(Equal(int32(0)))
	})
	It("should adopt a running group by writing its size tag", func() {
		asgapi.AddGroup(group("web", 1, 2, 4, map[string]string{"Schedule": "office"}))

		_, err := newScheduler().Run(ctx, newLibrary(officePeriods()), map[string]*store.Record{})
		Expect(err).ToNot(HaveOccurred())
		Expect(asgapi.GroupTag("web", asgscheduler.SizesTagKey)).To(Equal("1-2-4"))
	})
	It("should record the configuration and skip unchanged groups on the next run", func() {
		asgapi.AddGroup(group("web", 1, 2, 4, map[string]string{"Schedule": "office"}))
		records := map[string]*store.Record{}
		library := newLibrary(officePeriods())

		_, err := newScheduler().Run(ctx, library, records)
		Expect(err).ToNot(HaveOccurred())
		Expect(records["web"].StoredState).To(Equal(scheduler.StoredConfigured))
		Expect(records["web"].LastConfigured.ValidUntil).To(Equal(now.Add(30 * 24 * time.Hour)))
		puts := asgapi.BatchPutScheduledUpdateGroupActionBehavior.Calls()

		results, err := newScheduler().Run(ctx, library, records)
		Expect(err).ToNot(HaveOccurred())
		Expect(results[0].Action).To(Equal(scheduler.ActionNone))
		Expect(asgapi.BatchPutScheduledUpdateGroupActionBehavior.Calls()).To(Equal(puts))
	})
	It("should reconfigure when the schedule changes", func() {
		asgapi.AddGroup(group("web", 1, 2, 4, map[string]string{"Schedule": "office"}))
		records := map[string]*store.Record{}

		_, err := newScheduler().Run(ctx, newLibrary(officePeriods()), records)
		Expect(err).ToNot(HaveOccurred())

		edited := officePeriods()
		edited["office-hours"].EndTime = lo.ToPtr(scheduling.NewDayTime(18, 59))
		results, err := newScheduler().Run(ctx, newLibrary(edited), records)
		Expect(err).ToNot(HaveOccurred())
		Expect(results[0].Action).To(Equal(scheduler.ActionConfigure))

		stop, _ := action("web", "IS-office-hoursStop")
		Expect(lo.FromPtr(stop.Recurrence)).To(Equal("0 19 * * 1,2,3,4,5"))
	})
	It("should restore the tagged size for a group found scaled to zero", func() {
		asgapi.AddGroup(group("web", 0, 0, 0, map[string]string{"Schedule": "office", asgscheduler.SizesTagKey: "2-3-5"}))

		_, err := newScheduler().Run(ctx, newLibrary(officePeriods()), map[string]*store.Record{})
		Expect(err).ToNot(HaveOccurred())
		start, _ := action("web", "IS-office-hoursStart")
		Expect(lo.FromPtr(start.MinSize)).To(Equal(int32(2)))
		Expect(lo.FromPtr(start.DesiredCapacity)).To(Equal(int32(3)))
		Expect(lo.FromPtr(start.MaxSize)).To(Equal(int32(5)))
	})
	It("should treat a manual resize of a running group as the new restored size", func() {
		asgapi.AddGroup(group("web", 1, 5, 8, map[string]string{"Schedule": "office", asgscheduler.SizesTagKey: "1-2-4"}))

		_, err := newScheduler().Run(ctx, newLibrary(officePeriods()), map[string]*store.Record{})
		Expect(err).ToNot(HaveOccurred())
		Expect(asgapi.GroupTag("web", asgscheduler.SizesTagKey)).To(Equal("1-5-8"))
		start, _ := action("web", "IS-office-hoursStart")
		Expect(lo.FromPtr(start.DesiredCapacity)).To(Equal(int32(5)))
	})
	It("should refuse a group scaled to zero with no size tag", func() {
		asgapi.AddGroup(group("web", 0, 0, 0, map[string]string{"Schedule": "office"}))

		results, err := newScheduler().Run(ctx, newLibrary(officePeriods()), map[string]*store.Record{})
		Expect(err).ToNot(HaveOccurred())
		Expect(scheduler.IsUnsupportedResource(results[0].Err)).To(BeTrue())
		Expect(asgapi.Actions("web")).To(BeEmpty())
	})
	It("should refuse an all-zero size tag instead of installing actions", func() {
		asgapi.AddGroup(group("web", 0, 0, 0, map[string]string{"Schedule": "office", asgscheduler.SizesTagKey: "0-0-0"}))

		results, err := newScheduler().Run(ctx, newLibrary(officePeriods()), map[string]*store.Record{})
		Expect(err).ToNot(HaveOccurred())
		Expect(scheduler.IsUnsupportedResource(results[0].Err)).To(BeTrue())
		Expect(asgapi.Actions("web")).To(BeEmpty())
		Expect(asgapi.GroupTag("web", asgscheduler.ErrorMessageTagKey)).To(ContainSubstring("desired"))
	})
	It("should refuse schedules with features scheduled actions cannot express", func() {
		asgapi.AddGroup(group("web", 1, 2, 4, map[string]string{"Schedule": "office"}))
		library := newLibrary(officePeriods(), func(s *scheduling.Schedule) {
			s.UseMaintenanceWindow = true
		})

		results, err := newScheduler().Run(ctx, library, map[string]*store.Record{})
		Expect(err).ToNot(HaveOccurred())
		Expect(scheduler.IsUnsupportedResource(results[0].Err)).To(BeTrue())
	})
	It("should report unknown schedule tags", func() {
		asgapi.AddGroup(group("web", 1, 2, 4, map[string]string{"Schedule": "no-such-schedule"}))

		results, err := newScheduler().Run(ctx, newLibrary(officePeriods()), map[string]*store.Record{})
		Expect(err).ToNot(HaveOccurred())
		Expect(scheduler.IsUnknownSchedule(results[0].Err)).To(BeTrue())
	})
	It("should leave foreign scheduled actions alone when replacing its own", func() {
		asgapi.AddGroup(group("web", 1, 2, 4, map[string]string{"Schedule": "office"}))
		Expect(putRawAction("web", "user-action")).To(Succeed())
		Expect(putRawAction("web", "IS-stale-stop")).To(Succeed())

		_, err := newScheduler().Run(ctx, newLibrary(officePeriods()), map[string]*store.Record{})
		Expect(err).ToNot(HaveOccurred())

		names := lo.Map(asgapi.Actions("web"), func(action asgtypes.ScheduledUpdateGroupAction, _ int) string {
			return lo.FromPtr(action.ScheduledActionName)
		})
		Expect(names).To(ConsistOf("user-action", "IS-office-hoursStart", "IS-office-hoursStop"))
	})
	It("should wrap an end-of-day stop past midnight into the next weekday", func() {
		periods := map[string]*scheduling.Period{"evenings": {
			Name:      "evenings",
			BeginTime: lo.ToPtr(scheduling.NewDayTime(20, 0)),
			EndTime:   lo.ToPtr(scheduling.NewDayTime(23, 59)),
			Weekdays:  lo.Must(scheduling.WeekdayDomain.ParseExpressions("mon-fri")),
		}}
		asgapi.AddGroup(group("web", 1, 2, 4, map[string]string{"Schedule": "office"}))

		_, err := newScheduler().Run(ctx, newLibrary(periods), map[string]*store.Record{})
		Expect(err).ToNot(HaveOccurred())
		stop, _ := action("web", "IS-eveningsStop")
		Expect(lo.FromPtr(stop.Recurrence)).To(Equal("0 0 * * 2,3,4,5,6"))
	})
	It("should clamp a wrapped stop to 23:59 under day-of-month constraints", func() {
		periods := map[string]*scheduling.Period{"month-start": {
			Name:      "month-start",
			BeginTime: lo.ToPtr(scheduling.NewDayTime(9, 0)),
			EndTime:   lo.ToPtr(scheduling.NewDayTime(23, 59)),
			Monthdays: lo.Must(scheduling.MonthdayDomain.ParseExpressions("1")),
		}}
		asgapi.AddGroup(group("web", 1, 2, 4, map[string]string{"Schedule": "office"}))

		_, err := newScheduler().Run(ctx, newLibrary(periods), map[string]*store.Record{})
		Expect(err).ToNot(HaveOccurred())
		stop, _ := action("web", "IS-month-startStop")
		Expect(lo.FromPtr(stop.Recurrence)).To(Equal("59 23 1 * *"))
	})
	It("should roll back to the previous actions when installing the new set fails", func() {
		asgapi.AddGroup(group("web", 1, 2, 4, map[string]string{"Schedule": "office"}))
		records := map[string]*store.Record{}
		_, err := newScheduler().Run(ctx, newLibrary(officePeriods()), records)
		Expect(err).ToNot(HaveOccurred())

		edited := officePeriods()
		edited["office-hours"].EndTime = lo.ToPtr(scheduling.NewDayTime(18, 59))
		asgapi.BatchPutScheduledUpdateGroupActionBehavior.Error.Set(&smithy.GenericAPIError{Code: "ValidationError", Message: "bad action"}, fake.MaxCalls(1))

		results, err := newScheduler().Run(ctx, newLibrary(edited), records)
		Expect(err).ToNot(HaveOccurred())
		Expect(scheduler.IsClientError(results[0].Err)).To(BeTrue())

		// The previous calendar is back in place.
		stop, ok := action("web", "IS-office-hoursStop")
		Expect(ok).To(BeTrue())
		Expect(lo.FromPtr(stop.Recurrence)).To(Equal("0 17 * * 1,2,3,4,5"))
	})
	It("should surface a rollback failure distinctly", func() {
		asgapi.AddGroup(group("web", 1, 2, 4, map[string]string{"Schedule": "office"}))
		records := map[string]*store.Record{}
		_, err := newScheduler().Run(ctx, newLibrary(officePeriods()), records)
		Expect(err).ToNot(HaveOccurred())

		edited := officePeriods()
		edited["office-hours"].EndTime = lo.ToPtr(scheduling.NewDayTime(18, 59))
		asgapi.BatchPutScheduledUpdateGroupActionBehavior.Error.Set(&smithy.GenericAPIError{Code: "ValidationError", Message: "bad action"}, fake.MaxCalls(2))

		results, err := newScheduler().Run(ctx, newLibrary(edited), records)
		Expect(err).ToNot(HaveOccurred())
		Expect(scheduler.IsRollbackFailed(results[0].Err)).To(BeTrue())
	})
	It("should prune registry rows for vanished groups", func() {
		records := map[string]*store.Record{"gone": {
			Account: account, Region: region, Service: scheduler.ServiceAutoScaling,
			ResourceID: "gone", Schedule: "office", StoredState: scheduler.StoredConfigured,
		}}
		_, err := newScheduler().Run(ctx, newLibrary(officePeriods()), records)
		Expect(err).ToNot(HaveOccurred())
		Expect(records).To(BeEmpty())
	})
})

func putRawAction(groupName, actionName string) error {
	_, err := asgapi.BatchPutScheduledUpdateGroupAction(ctx, &autoscaling.BatchPutScheduledUpdateGroupActionInput{
		AutoScalingGroupName: aws.String(groupName),
		ScheduledUpdateGroupActions: []asgtypes.ScheduledUpdateGroupActionRequest{{
			ScheduledActionName: aws.String(actionName),
			Recurrence:          aws.String("0 0 * * *"),
			MinSize:             aws.Int32(0),
			DesiredCapacity:     aws.Int32(0),
			MaxSize:             aws.Int32(0),
		}},
	})
	return err
}
