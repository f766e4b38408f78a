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

package store_test

import (
	"context"
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/samber/lo"

	"github.com/awslabs/instance-scheduler/pkg/fake"
	"github.com/awslabs/instance-scheduler/pkg/scheduler"
	"github.com/awslabs/instance-scheduler/pkg/scheduling"
	"github.com/awslabs/instance-scheduler/pkg/store"
)

var (
	ctx         context.Context
	dynamoapi   *fake.DynamoDBAPI
	configStore *store.ConfigStore
	registryapi *fake.DynamoDBAPI
	registry    *store.Registry
)

func TestStore(t *testing.T) {
	ctx = context.Background()
	RegisterFailHandler(Fail)
	BeforeSuite(func() {
		dynamoapi = fake.NewDynamoDBAPI("type", "name")
		configStore = store.NewConfigStore(dynamoapi, "config-table")
		registryapi = fake.NewDynamoDBAPI("partition", "resource_id")
		registry = store.NewRegistry(registryapi, "registry-table")
	})
	RunSpecs(t, "Store")
}

var _ = Describe("Store", func() {
	BeforeEach(func() {
		dynamoapi.Reset()
		registryapi.Reset()
	})

	Context("Config Store", func() {
		var period *scheduling.Period
		var schedule *scheduling.Schedule
		BeforeEach(func() {
			period = &scheduling.Period{
				Name:      "office-hours",
				BeginTime: lo.ToPtr(scheduling.NewDayTime(9, 0)),
				EndTime:   lo.ToPtr(scheduling.NewDayTime(16, 59)),
				Weekdays:  lo.Must(scheduling.WeekdayDomain.ParseExpressions("mon-fri")),
			}
			schedule = &scheduling.Schedule{
				Name:             "office",
				Timezone:         "Europe/Berlin",
				PeriodRefs:       []scheduling.PeriodRef{{Name: "office-hours", InstanceType: "m5.large"}},
				StopNewInstances: true,
				RetainRunning:    true,
			}
		})
		It("should round-trip periods", func() {
			Expect(configStore.PutPeriod(ctx, period, false)).To(Succeed())
			got, err := configStore.GetPeriod(ctx, "office-hours")
			Expect(err).ToNot(HaveOccurred())
			Expect(got.BeginTime.String()).To(Equal("09:00"))
			Expect(got.EndTime.String()).To(Equal("16:59"))
			Expect(got.Weekdays.Values()).To(Equal([]int{0, 1, 2, 3, 4}))
		})
		It("should round-trip schedules including period bindings", func() {
			Expect(configStore.PutSchedule(ctx, schedule, false)).To(Succeed())
			got, err := configStore.GetSchedule(ctx, "office")
			Expect(err).ToNot(HaveOccurred())
			Expect(got.Timezone).To(Equal("Europe/Berlin"))
			Expect(got.PeriodRefs).To(ConsistOf(scheduling.PeriodRef{Name: "office-hours", InstanceType: "m5.large"}))
			Expect(got.StopNewInstances).To(BeTrue())
			Expect(got.RetainRunning).To(BeTrue())
		})
		It("should report missing definitions as not found", func() {
			_, err := configStore.GetSchedule(ctx, "missing")
			Expect(err).To(MatchError(store.ErrNotFound))
			_, err = configStore.GetPeriod(ctx, "missing")
			Expect(err).To(MatchError(store.ErrNotFound))
		})
		It("should refuse to overwrite without the overwrite flag", func() {
			Expect(configStore.PutSchedule(ctx, schedule, false)).To(Succeed())
			Expect(configStore.PutSchedule(ctx, schedule, false)).To(MatchError(store.ErrAlreadyExists))
			Expect(configStore.PutSchedule(ctx, schedule, true)).To(Succeed())
		})
		It("should reject invalid definitions before writing", func() {
			Expect(configStore.PutSchedule(ctx, &scheduling.Schedule{Timezone: "UTC"}, false)).ToNot(Succeed())
			Expect(configStore.PutPeriod(ctx, &scheduling.Period{Name: "empty"}, false)).ToNot(Succeed())
			Expect(dynamoapi.Len()).To(BeZero())
		})
		It("should load and resolve the library", func() {
			Expect(configStore.PutPeriod(ctx, period, false)).To(Succeed())
			Expect(configStore.PutSchedule(ctx, schedule, false)).To(Succeed())

			library, definitionErrs, err := configStore.LoadLibrary(ctx)
			Expect(err).ToNot(HaveOccurred())
			Expect(definitionErrs).To(BeEmpty())
			Expect(library.Schedules).To(HaveKey("office"))
			Expect(library.Schedules["office"].Bindings()).To(HaveLen(1))
			Expect(library.Schedules["office"].Bindings()[0].InstanceType).To(Equal("m5.large"))
		})
		It("should drop schedules with dangling period refs and report them", func() {
			Expect(configStore.PutSchedule(ctx, schedule, false)).To(Succeed())

			library, definitionErrs, err := configStore.LoadLibrary(ctx)
			Expect(err).ToNot(HaveOccurred())
			Expect(definitionErrs).To(HaveLen(1))
			Expect(library.Schedules).ToNot(HaveKey("office"))
		})
		It("should refuse to delete a period still referenced by schedules", func() {
			Expect(configStore.PutPeriod(ctx, period, false)).To(Succeed())
			Expect(configStore.PutSchedule(ctx, schedule, false)).To(Succeed())

			err := configStore.DeletePeriod(ctx, "office-hours")
			Expect(store.IsInUse(err)).To(BeTrue())

			Expect(configStore.DeleteSchedule(ctx, "office")).To(Succeed())
			Expect(configStore.DeletePeriod(ctx, "office-hours")).To(Succeed())
			Expect(dynamoapi.Len()).To(BeZero())
		})
		It("should preserve stack ownership markers", func() {
			schedule.ConfiguredInStack = "prod-stack"
			period.ConfiguredInStack = "prod-stack"
			Expect(configStore.PutSchedule(ctx, schedule, false)).To(Succeed())
			Expect(configStore.PutPeriod(ctx, period, false)).To(Succeed())

			Expect(lo.Must(configStore.GetSchedule(ctx, "office")).ConfiguredInStack).To(Equal("prod-stack"))
			Expect(lo.Must(configStore.GetPeriod(ctx, "office-hours")).ConfiguredInStack).To(Equal("prod-stack"))
		})
	})

	Context("Registry", func() {
		record := func(id string) *store.Record {
			return &store.Record{
				Account:     "123456789012",
				Region:      "eu-west-1",
				Service:     scheduler.ServiceEC2,
				ResourceID:  id,
				Schedule:    "office",
				StoredState: scheduler.StoredRunning,
			}
		}
		It("should round-trip records within a partition", func() {
			Expect(registry.Put(ctx, record("i-1"))).To(Succeed())
			Expect(registry.Put(ctx, record("i-2"))).To(Succeed())

			records, err := registry.Load(ctx, "123456789012", "eu-west-1", scheduler.ServiceEC2)
			Expect(err).ToNot(HaveOccurred())
			Expect(records).To(HaveLen(2))
			Expect(records["i-1"].Schedule).To(Equal("office"))
			Expect(records["i-1"].StoredState).To(Equal(scheduler.StoredRunning))
		})
		It("should keep partitions isolated", func() {
			Expect(registry.Put(ctx, record("i-1"))).To(Succeed())
			other := record("db-1")
			other.Service = scheduler.ServiceRDS
			Expect(registry.Put(ctx, other)).To(Succeed())

			records, err := registry.Load(ctx, "123456789012", "eu-west-1", scheduler.ServiceEC2)
			Expect(err).ToNot(HaveOccurred())
			Expect(records).To(HaveKey("i-1"))
			Expect(records).ToNot(HaveKey("db-1"))
		})
		It("should round-trip the last configured group size", func() {
			validUntil := time.Date(2026, time.April, 1, 12, 0, 0, 0, time.UTC)
			asg := record("my-asg")
			asg.Service = scheduler.ServiceAutoScaling
			asg.StoredState = scheduler.StoredConfigured
			asg.LastConfigured = &store.GroupSize{Min: 1, Desired: 3, Max: 6, ScheduleHash: 12345, ValidUntil: validUntil}
			Expect(registry.Put(ctx, asg)).To(Succeed())

			records, err := registry.Load(ctx, "123456789012", "eu-west-1", scheduler.ServiceAutoScaling)
			Expect(err).ToNot(HaveOccurred())
			Expect(records["my-asg"].LastConfigured).ToNot(BeNil())
			Expect(records["my-asg"].LastConfigured.Desired).To(Equal(int32(3)))
			Expect(records["my-asg"].LastConfigured.ScheduleHash).To(Equal(uint64(12345)))
			Expect(records["my-asg"].LastConfigured.ValidUntil.Unix()).To(Equal(validUntil.Unix()))
		})
		It("should delete records", func() {
			Expect(registry.Put(ctx, record("i-1"))).To(Succeed())
			Expect(registry.Delete(ctx, "123456789012", "eu-west-1", scheduler.ServiceEC2, "i-1")).To(Succeed())
			records, err := registry.Load(ctx, "123456789012", "eu-west-1", scheduler.ServiceEC2)
			Expect(err).ToNot(HaveOccurred())
			Expect(records).To(BeEmpty())
		})
	})
})
