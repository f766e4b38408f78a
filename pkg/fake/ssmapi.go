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

	"github.com/aws/aws-sdk-go-v2/service/ssm"
	ssmtypes "github.com/aws/aws-sdk-go-v2/service/ssm/types"

	sdk "github.com/awslabs/instance-scheduler/pkg/aws/sdk"
)

// SSMAPI is an in-memory maintenance window double.
type SSMAPI struct {
	sdk.SSMAPI

	DescribeMaintenanceWindowsBehavior MockedFunction[ssm.DescribeMaintenanceWindowsInput, ssm.DescribeMaintenanceWindowsOutput]

	mu      sync.Mutex
	windows []ssmtypes.MaintenanceWindowIdentity
}

func NewSSMAPI() *SSMAPI {
	return &SSMAPI{}
}

// Reset must be called between tests otherwise tests will pollute each other.
func (s *SSMAPI) Reset() {
	s.DescribeMaintenanceWindowsBehavior.Reset()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.windows = nil
}

func (s *SSMAPI) AddWindow(window ssmtypes.MaintenanceWindowIdentity) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.windows = append(s.windows, window)
}

func (s *SSMAPI) DescribeMaintenanceWindows(_ context.Context, input *ssm.DescribeMaintenanceWindowsInput, _ ...func(*ssm.Options)) (*ssm.DescribeMaintenanceWindowsOutput, error) {
	return s.DescribeMaintenanceWindowsBehavior.Invoke(input, func(*ssm.DescribeMaintenanceWindowsInput) (*ssm.DescribeMaintenanceWindowsOutput, error) {
		s.mu.Lock()
		defer s.mu.Unlock()
		return &ssm.DescribeMaintenanceWindowsOutput{WindowIdentities: append([]ssmtypes.MaintenanceWindowIdentity{}, s.windows...)}, nil
	})
}
