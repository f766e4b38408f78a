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

package identity

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials/stscreds"
	"github.com/aws/aws-sdk-go-v2/service/autoscaling"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/rds"
	"github.com/aws/aws-sdk-go-v2/service/resourcegroupstaggingapi"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/aws/aws-sdk-go-v2/service/sts"

	sdk "github.com/awslabs/instance-scheduler/pkg/aws/sdk"
)

// Handle is an assumed-role handle bound to one (account, region). It is the
// only way workers obtain cloud clients, which keeps cross-account access in
// one place.
type Handle struct {
	Account string
	Region  string
	cfg     aws.Config
}

func (h *Handle) EC2() sdk.EC2API { return ec2.NewFromConfig(h.cfg) }

func (h *Handle) RDS() sdk.RDSAPI { return rds.NewFromConfig(h.cfg) }

func (h *Handle) AutoScaling() sdk.AutoScalingAPI { return autoscaling.NewFromConfig(h.cfg) }

func (h *Handle) Tagging() sdk.TaggingAPI { return resourcegroupstaggingapi.NewFromConfig(h.cfg) }

func (h *Handle) SSM() sdk.SSMAPI { return ssm.NewFromConfig(h.cfg) }

// NewHandle wraps a pre-built config, for tests and for the hub account.
func NewHandle(account, region string, cfg aws.Config) *Handle {
	return &Handle{Account: account, Region: region, cfg: cfg}
}

// Broker turns an account id into an assumed-role handle.
type Broker interface {
	Assume(ctx context.Context, account, region string) (*Handle, error)
}

// STSBroker assumes the scheduler role in each spoke account through the hub
// account's credentials. Assuming into the hub account itself short-circuits
// to the base credentials.
type STSBroker struct {
	base       aws.Config
	hubAccount string
	roleName   string
}

func NewSTSBroker(base aws.Config, hubAccount, roleName string) *STSBroker {
	return &STSBroker{base: base, hubAccount: hubAccount, roleName: roleName}
}

func (b *STSBroker) Assume(ctx context.Context, account, region string) (*Handle, error) {
	cfg := b.base.Copy()
	cfg.Region = region
	if account != b.hubAccount {
		provider := stscreds.NewAssumeRoleProvider(sts.NewFromConfig(b.base), b.roleARN(account), func(options *stscreds.AssumeRoleOptions) {
			options.RoleSessionName = "instance-scheduler"
		})
		cfg.Credentials = aws.NewCredentialsCache(provider)
	}
	// Resolve credentials eagerly so a broken trust policy fails the worker
	// up front instead of on its first API call.
	if _, err := cfg.Credentials.Retrieve(ctx); err != nil {
		return nil, fmt.Errorf("assuming scheduler role in account %s, %w", account, err)
	}
	return &Handle{Account: account, Region: region, cfg: cfg}, nil
}

func (b *STSBroker) roleARN(account string) string {
	return fmt.Sprintf("arn:aws:iam::%s:role/%s", account, b.roleName)
}
