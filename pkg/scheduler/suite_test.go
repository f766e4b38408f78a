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

package scheduler_test

import (
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/samber/lo"

	"github.com/awslabs/instance-scheduler/pkg/scheduler"
	"github.com/awslabs/instance-scheduler/pkg/scheduling"
)

func TestScheduler(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Scheduler")
}

// March 2, 2026 is a Monday. Office hours run 09:00-16:59, so the schedule
// wants RUNNING at noon and STOPPED at 18:00.
var (
	monday      = time.Date(2026, time.March, 2, 0, 0, 0, 0, time.UTC)
	duringHours = monday.Add(12 * time.Hour)
	afterHours  = monday.Add(18 * time.Hour)
)

func newSchedule(mutators ...func(*scheduling.Schedule)) *scheduling.Schedule {
	schedule := &scheduling.Schedule{
		Name:       "office",
		Timezone:   "UTC",
		PeriodRefs: []scheduling.PeriodRef{{Name: "office-hours"}},
	}
	for _, mutate := range mutators {
		mutate(schedule)
	}
	library := &scheduling.Library{
		Schedules: map[string]*scheduling.Schedule{"office": schedule},
		Periods: map[string]*scheduling.Period{"office-hours": {
			Name:      "office-hours",
			BeginTime: lo.ToPtr(scheduling.NewDayTime(9, 0)),
			EndTime:   lo.ToPtr(scheduling.NewDayTime(16, 59)),
			Weekdays:  lo.Must(scheduling.WeekdayDomain.ParseExpressions("mon-fri")),
		}},
	}
	Expect(library.Resolve()).To(BeEmpty())
	return schedule
}

func resource(state scheduler.ResourceState) *scheduler.Resource {
	return &scheduler.Resource{
		ID:           "i-1234567890abcdef0",
		Service:      scheduler.ServiceEC2,
		State:        state,
		InstanceType: "m5.large",
		ScheduleName: "office",
	}
}

var _ = Describe("Decide", func() {
	Context("Steady State", func() {
		It("should start a stopped resource inside a running period", func() {
			verdict, err := scheduler.Decide(newSchedule(), resource(scheduler.ResourceStateStopped), scheduler.StoredStopped, duringHours)
			Expect(err).ToNot(HaveOccurred())
			Expect(verdict.Action).To(Equal(scheduler.ActionStart))
			Expect(verdict.NewState).To(Equal(scheduler.StoredRunning))
			Expect(verdict.PeriodName).To(Equal("office-hours"))
		})
		It("should stop a running resource outside all periods", func() {
			verdict, err := scheduler.Decide(newSchedule(), resource(scheduler.ResourceStateRunning), scheduler.StoredRunning, afterHours)
			Expect(err).ToNot(HaveOccurred())
			Expect(verdict.Action).To(Equal(scheduler.ActionStop))
			Expect(verdict.NewState).To(Equal(scheduler.StoredStopped))
		})
		It("should do nothing when the stored state already matches the desire", func() {
			verdict, err := scheduler.Decide(newSchedule(), resource(scheduler.ResourceStateRunning), scheduler.StoredRunning, duringHours)
			Expect(err).ToNot(HaveOccurred())
			Expect(verdict.Action).To(Equal(scheduler.ActionNone))

			verdict, err = scheduler.Decide(newSchedule(), resource(scheduler.ResourceStateStopped), scheduler.StoredStopped, afterHours)
			Expect(err).ToNot(HaveOccurred())
			Expect(verdict.Action).To(Equal(scheduler.ActionNone))
		})
		It("should request a resize when the period binds a different instance type", func() {
			schedule := newSchedule(func(s *scheduling.Schedule) {
				s.PeriodRefs = []scheduling.PeriodRef{{Name: "office-hours", InstanceType: "c5.xlarge"}}
			})
			verdict, err := scheduler.Decide(schedule, resource(scheduler.ResourceStateStopped), scheduler.StoredStopped, duringHours)
			Expect(err).ToNot(HaveOccurred())
			Expect(verdict.Action).To(Equal(scheduler.ActionStart))
			Expect(verdict.DesiredType).To(Equal("c5.xlarge"))
		})
		It("should not request a resize when the type already matches", func() {
			schedule := newSchedule(func(s *scheduling.Schedule) {
				s.PeriodRefs = []scheduling.PeriodRef{{Name: "office-hours", InstanceType: "m5.large"}}
			})
			verdict, err := scheduler.Decide(schedule, resource(scheduler.ResourceStateStopped), scheduler.StoredStopped, duringHours)
			Expect(err).ToNot(HaveOccurred())
			Expect(verdict.DesiredType).To(BeEmpty())
		})
	})
	Context("First Sight", func() {
		It("should adopt a running resource outside its periods without stopping it", func() {
			verdict, err := scheduler.Decide(newSchedule(), resource(scheduler.ResourceStateRunning), scheduler.StoredUnknown, afterHours)
			Expect(err).ToNot(HaveOccurred())
			Expect(verdict.Action).To(Equal(scheduler.ActionNone))
			Expect(verdict.NewState).To(Equal(scheduler.StoredStopped))
		})
		It("should stop a newly sighted running resource when the schedule stops new instances", func() {
			schedule := newSchedule(func(s *scheduling.Schedule) { s.StopNewInstances = true })
			verdict, err := scheduler.Decide(schedule, resource(scheduler.ResourceStateRunning), scheduler.StoredUnknown, afterHours)
			Expect(err).ToNot(HaveOccurred())
			Expect(verdict.Action).To(Equal(scheduler.ActionStop))
		})
		It("should start a newly sighted stopped resource inside a running period", func() {
			verdict, err := scheduler.Decide(newSchedule(), resource(scheduler.ResourceStateStopped), scheduler.StoredUnknown, duringHours)
			Expect(err).ToNot(HaveOccurred())
			Expect(verdict.Action).To(Equal(scheduler.ActionStart))
		})
	})
	Context("Retain Running", func() {
		It("should remember a resource the user kept running across a stop boundary", func() {
			schedule := newSchedule(func(s *scheduling.Schedule) { s.RetainRunning = true })
			// Stored says we stopped it, yet it is running again inside a period:
			// the user must have started it by hand.
			verdict, err := scheduler.Decide(schedule, resource(scheduler.ResourceStateRunning), scheduler.StoredStopped, duringHours)
			Expect(err).ToNot(HaveOccurred())
			Expect(verdict.Action).To(Equal(scheduler.ActionNone))
			Expect(verdict.NewState).To(Equal(scheduler.StoredRetainRunning))
		})
		It("should never stop a retained resource again", func() {
			verdict, err := scheduler.Decide(newSchedule(), resource(scheduler.ResourceStateRunning), scheduler.StoredRetainRunning, afterHours)
			Expect(err).ToNot(HaveOccurred())
			Expect(verdict.Action).To(Equal(scheduler.ActionNone))
		})
		It("should keep the retained marker while the period runs", func() {
			verdict, err := scheduler.Decide(newSchedule(), resource(scheduler.ResourceStateRunning), scheduler.StoredRetainRunning, duringHours)
			Expect(err).ToNot(HaveOccurred())
			Expect(verdict.Action).To(Equal(scheduler.ActionNone))
			Expect(verdict.NewState).To(Equal(scheduler.StoredRetainRunning))
		})
		It("should not retain without the schedule flag", func() {
			verdict, err := scheduler.Decide(newSchedule(), resource(scheduler.ResourceStateRunning), scheduler.StoredStopped, duringHours)
			Expect(err).ToNot(HaveOccurred())
			Expect(verdict.NewState).To(Equal(scheduler.StoredRunning))
		})
	})
	Context("Enforcement", func() {
		It("should re-stop a manually started resource under an enforced schedule", func() {
			schedule := newSchedule(func(s *scheduling.Schedule) { s.Enforced = true })
			verdict, err := scheduler.Decide(schedule, resource(scheduler.ResourceStateRunning), scheduler.StoredStopped, afterHours)
			Expect(err).ToNot(HaveOccurred())
			Expect(verdict.Action).To(Equal(scheduler.ActionStop))
		})
		It("should re-start a manually stopped resource under an enforced schedule", func() {
			schedule := newSchedule(func(s *scheduling.Schedule) { s.Enforced = true })
			verdict, err := scheduler.Decide(schedule, resource(scheduler.ResourceStateStopped), scheduler.StoredRunning, duringHours)
			Expect(err).ToNot(HaveOccurred())
			Expect(verdict.Action).To(Equal(scheduler.ActionStart))
		})
		It("should leave a matching resource alone under an enforced schedule", func() {
			schedule := newSchedule(func(s *scheduling.Schedule) { s.Enforced = true })
			verdict, err := scheduler.Decide(schedule, resource(scheduler.ResourceStateRunning), scheduler.StoredStopped, duringHours)
			Expect(err).ToNot(HaveOccurred())
			Expect(verdict.Action).To(Equal(scheduler.ActionNone))
			Expect(verdict.NewState).To(Equal(scheduler.StoredRunning))
		})
	})
	Context("Hibernate", func() {
		It("should hibernate instead of stop when the schedule asks for it", func() {
			schedule := newSchedule(func(s *scheduling.Schedule) { s.Hibernate = true })
			verdict, err := scheduler.Decide(schedule, resource(scheduler.ResourceStateRunning), scheduler.StoredRunning, afterHours)
			Expect(err).ToNot(HaveOccurred())
			Expect(verdict.Action).To(Equal(scheduler.ActionHibernate))
		})
	})
	Context("Transitional States", func() {
		It("should defer a transitional resource that needs an action", func() {
			_, err := scheduler.Decide(newSchedule(), resource(scheduler.ResourceStateTransitional), scheduler.StoredStopped, duringHours)
			Expect(scheduler.IsUnschedulableState(err)).To(BeTrue())
		})
		It("should defer a transitional resource even under an enforced schedule", func() {
			schedule := newSchedule(func(s *scheduling.Schedule) { s.Enforced = true })
			_, err := scheduler.Decide(schedule, resource(scheduler.ResourceStateTransitional), scheduler.StoredRunning, duringHours)
			Expect(scheduler.IsUnschedulableState(err)).To(BeTrue())
		})
	})
	Context("Overrides", func() {
		It("should follow a running override at any hour", func() {
			schedule := newSchedule(func(s *scheduling.Schedule) {
				s.OverrideStatus = lo.ToPtr(scheduling.StateRunning)
			})
			verdict, err := scheduler.Decide(schedule, resource(scheduler.ResourceStateStopped), scheduler.StoredStopped, afterHours)
			Expect(err).ToNot(HaveOccurred())
			Expect(verdict.Action).To(Equal(scheduler.ActionStart))
			Expect(verdict.PeriodName).To(Equal("override"))
		})
	})
})

var _ = Describe("Errors", func() {
	It("should classify the taxonomy through wrapping", func() {
		Expect(scheduler.IsUnknownSchedule(&scheduler.UnknownScheduleError{ScheduleName: "x"})).To(BeTrue())
		Expect(scheduler.IsUnsupportedResource(&scheduler.UnsupportedResourceError{Reason: "replica"})).To(BeTrue())
		Expect(scheduler.IsClientError(&scheduler.ClientError{Err: &scheduler.UnknownScheduleError{ScheduleName: "x"}})).To(BeTrue())
		Expect(scheduler.IsUnknownSchedule(&scheduler.ClientError{Err: &scheduler.UnknownScheduleError{ScheduleName: "x"}})).To(BeTrue())
		Expect(scheduler.IsRollbackFailed(&scheduler.UnknownScheduleError{ScheduleName: "x"})).To(BeFalse())
	})
	It("should round-trip stored states through their names", func() {
		for _, state := range []scheduler.StoredState{
			scheduler.StoredUnknown,
			scheduler.StoredRunning,
			scheduler.StoredStopped,
			scheduler.StoredRetainRunning,
			scheduler.StoredConfigured,
			scheduler.StoredError,
		} {
			parsed, err := scheduler.ParseStoredState(state.String())
			Expect(err).ToNot(HaveOccurred())
			Expect(parsed).To(Equal(state))
		}
		_, err := scheduler.ParseStoredState("definitely-not-a-state")
		Expect(err).To(HaveOccurred())
	})
})
