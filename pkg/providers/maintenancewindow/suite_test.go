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

package maintenancewindow_test

import (
	"context"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	ssmtypes "github.com/aws/aws-sdk-go-v2/service/ssm/types"
	"github.com/aws/smithy-go"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/samber/lo"

	"github.com/awslabs/instance-scheduler/pkg/fake"
	"github.com/awslabs/instance-scheduler/pkg/providers/maintenancewindow"
	"github.com/awslabs/instance-scheduler/pkg/scheduling"
)

var (
	ctx    context.Context
	ssmapi *fake.SSMAPI
)

func TestMaintenanceWindow(t *testing.T) {
	ctx = context.Background()
	RegisterFailHandler(Fail)
	BeforeSuite(func() {
		ssmapi = fake.NewSSMAPI()
	})
	RunSpecs(t, "MaintenanceWindow")
}

// officeSchedule opts into the named maintenance windows, bound to a weekday
// office-hours period. March 3, 2026 is a Tuesday.
func officeSchedule(windows ...string) *scheduling.Schedule {
	library := &scheduling.Library{
		Schedules: map[string]*scheduling.Schedule{"office": {
			Name:                  "office",
			Timezone:              "UTC",
			PeriodRefs:            []scheduling.PeriodRef{{Name: "office-hours"}},
			UseMaintenanceWindow:  len(windows) > 0,
			SSMMaintenanceWindows: windows,
		}},
		Periods: map[string]*scheduling.Period{"office-hours": {
			Name:      "office-hours",
			BeginTime: lo.ToPtr(scheduling.NewDayTime(9, 0)),
			EndTime:   lo.ToPtr(scheduling.NewDayTime(16, 59)),
			Weekdays:  lo.Must(scheduling.WeekdayDomain.ParseExpressions("mon-fri")),
		}},
	}
	Expect(library.Resolve()).To(BeEmpty())
	return library.Schedules["office"]
}

func window(name, nextExecution string, durationHours int32) ssmtypes.MaintenanceWindowIdentity {
	identity := ssmtypes.MaintenanceWindowIdentity{
		WindowId: aws.String("mw-" + name),
		Name:     aws.String(name),
		Duration: aws.Int32(durationHours),
	}
	if nextExecution != "" {
		identity.NextExecutionTime = aws.String(nextExecution)
	}
	return identity
}

func stateAt(schedule *scheduling.Schedule, at time.Time) scheduling.State {
	decision, err := schedule.Evaluate(at)
	Expect(err).ToNot(HaveOccurred())
	return decision.State
}

var _ = Describe("MaintenanceWindow Provider", func() {
	BeforeEach(func() {
		ssmapi.Reset()
	})

	It("should keep instances running through the window's next execution", func() {
		ssmapi.AddWindow(window("patch", "2026-03-03T22:00Z", 1))
		provider := maintenancewindow.NewProvider(ssmapi, time.Minute)

		attached := provider.Attach(ctx, officeSchedule("patch"))
		// Started with the usual lead, stopped when the window closes.
		Expect(stateAt(attached, time.Date(2026, time.March, 3, 21, 49, 0, 0, time.UTC))).To(Equal(scheduling.StateStopped))
		Expect(stateAt(attached, time.Date(2026, time.March, 3, 21, 50, 0, 0, time.UTC))).To(Equal(scheduling.StateRunning))
		Expect(stateAt(attached, time.Date(2026, time.March, 3, 22, 30, 0, 0, time.UTC))).To(Equal(scheduling.StateRunning))
		Expect(stateAt(attached, time.Date(2026, time.March, 3, 23, 0, 0, 0, time.UTC))).To(Equal(scheduling.StateStopped))
	})
	It("should name the window in the decision", func() {
		ssmapi.AddWindow(window("patch", "2026-03-03T22:00Z", 1))
		provider := maintenancewindow.NewProvider(ssmapi, time.Minute)

		attached := provider.Attach(ctx, officeSchedule("patch"))
		decision := lo.Must(attached.Evaluate(time.Date(2026, time.March, 3, 22, 30, 0, 0, time.UTC)))
		Expect(decision.PeriodName).To(Equal("patch"))
	})
	It("should accept timestamps with seconds", func() {
		ssmapi.AddWindow(window("patch", "2026-03-03T22:00:00Z", 1))
		provider := maintenancewindow.NewProvider(ssmapi, time.Minute)

		attached := provider.Attach(ctx, officeSchedule("patch"))
		Expect(stateAt(attached, time.Date(2026, time.March, 3, 22, 30, 0, 0, time.UTC))).To(Equal(scheduling.StateRunning))
	})
	It("should leave schedules that did not opt in untouched", func() {
		ssmapi.AddWindow(window("patch", "2026-03-03T22:00Z", 1))
		provider := maintenancewindow.NewProvider(ssmapi, time.Minute)

		schedule := officeSchedule()
		Expect(provider.Attach(ctx, schedule)).To(BeIdenticalTo(schedule))
		Expect(ssmapi.DescribeMaintenanceWindowsBehavior.Calls()).To(BeZero())
	})
	It("should skip unknown window names", func() {
		provider := maintenancewindow.NewProvider(ssmapi, time.Minute)

		attached := provider.Attach(ctx, officeSchedule("no-such-window"))
		Expect(stateAt(attached, time.Date(2026, time.March, 3, 22, 30, 0, 0, time.UTC))).To(Equal(scheduling.StateStopped))
	})
	It("should skip windows with no upcoming execution", func() {
		ssmapi.AddWindow(window("patch", "", 1))
		provider := maintenancewindow.NewProvider(ssmapi, time.Minute)

		attached := provider.Attach(ctx, officeSchedule("patch"))
		Expect(stateAt(attached, time.Date(2026, time.March, 3, 22, 30, 0, 0, time.UTC))).To(Equal(scheduling.StateStopped))
	})
	It("should serve repeated attaches from the cached listing", func() {
		ssmapi.AddWindow(window("patch", "2026-03-03T22:00Z", 1))
		provider := maintenancewindow.NewProvider(ssmapi, time.Hour)

		provider.Attach(ctx, officeSchedule("patch"))
		ssmapi.AddWindow(window("late", "2026-03-03T20:00Z", 1))
		attached := provider.Attach(ctx, officeSchedule("patch", "late"))

		// The second attach still sees the cached listing, which predates the
		// late window.
		Expect(ssmapi.DescribeMaintenanceWindowsBehavior.Calls()).To(Equal(1))
		Expect(stateAt(attached, time.Date(2026, time.March, 3, 20, 30, 0, 0, time.UTC))).To(Equal(scheduling.StateStopped))
		Expect(stateAt(attached, time.Date(2026, time.March, 3, 22, 30, 0, 0, time.UTC))).To(Equal(scheduling.StateRunning))
	})
	It("should fall back to the bare schedule when the listing fails", func() {
		ssmapi.DescribeMaintenanceWindowsBehavior.Error.Set(&smithy.GenericAPIError{Code: "AccessDeniedException", Message: "no ssm for you"})
		provider := maintenancewindow.NewProvider(ssmapi, time.Minute)

		attached := provider.Attach(ctx, officeSchedule("patch"))
		Expect(stateAt(attached, time.Date(2026, time.March, 3, 22, 30, 0, 0, time.UTC))).To(Equal(scheduling.StateStopped))
	})
})
