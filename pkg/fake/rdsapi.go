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

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/rds"
	rdstypes "github.com/aws/aws-sdk-go-v2/service/rds/types"
	"github.com/samber/lo"

	sdk "github.com/awslabs/instance-scheduler/pkg/aws/sdk"
)

// RDSAPI is an in-memory RDS double over databases added with AddInstance and
// AddCluster.
type RDSAPI struct {
	sdk.RDSAPI

	DescribeDBInstancesBehavior    MockedFunction[rds.DescribeDBInstancesInput, rds.DescribeDBInstancesOutput]
	DescribeDBClustersBehavior     MockedFunction[rds.DescribeDBClustersInput, rds.DescribeDBClustersOutput]
	StartDBInstanceBehavior        MockedFunction[rds.StartDBInstanceInput, rds.StartDBInstanceOutput]
	StopDBInstanceBehavior         MockedFunction[rds.StopDBInstanceInput, rds.StopDBInstanceOutput]
	StartDBClusterBehavior         MockedFunction[rds.StartDBClusterInput, rds.StartDBClusterOutput]
	StopDBClusterBehavior          MockedFunction[rds.StopDBClusterInput, rds.StopDBClusterOutput]
	AddTagsToResourceBehavior      MockedFunction[rds.AddTagsToResourceInput, rds.AddTagsToResourceOutput]
	RemoveTagsFromResourceBehavior MockedFunction[rds.RemoveTagsFromResourceInput, rds.RemoveTagsFromResourceOutput]

	mu        sync.Mutex
	instances map[string]*rdstypes.DBInstance
	clusters  map[string]*rdstypes.DBCluster
}

func NewRDSAPI() *RDSAPI {
	return &RDSAPI{
		instances: map[string]*rdstypes.DBInstance{},
		clusters:  map[string]*rdstypes.DBCluster{},
	}
}

// Reset must be called between tests otherwise tests will pollute each other.
func (r *RDSAPI) Reset() {
	r.DescribeDBInstancesBehavior.Reset()
	r.DescribeDBClustersBehavior.Reset()
	r.StartDBInstanceBehavior.Reset()
	r.StopDBInstanceBehavior.Reset()
	r.StartDBClusterBehavior.Reset()
	r.StopDBClusterBehavior.Reset()
	r.AddTagsToResourceBehavior.Reset()
	r.RemoveTagsFromResourceBehavior.Reset()
	r.mu.Lock()
	defer r.mu.Unlock()
	r.instances = map[string]*rdstypes.DBInstance{}
	r.clusters = map[string]*rdstypes.DBCluster{}
}

func (r *RDSAPI) AddInstance(instance rdstypes.DBInstance) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.instances[lo.FromPtr(instance.DBInstanceIdentifier)] = &instance
}

func (r *RDSAPI) AddCluster(cluster rdstypes.DBCluster) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clusters[lo.FromPtr(cluster.DBClusterIdentifier)] = &cluster
}

func (r *RDSAPI) Instance(id string) rdstypes.DBInstance {
	r.mu.Lock()
	defer r.mu.Unlock()
	return *r.instances[id]
}

func (r *RDSAPI) Cluster(id string) rdstypes.DBCluster {
	r.mu.Lock()
	defer r.mu.Unlock()
	return *r.clusters[id]
}

func (r *RDSAPI) DescribeDBInstances(_ context.Context, input *rds.DescribeDBInstancesInput, _ ...func(*rds.Options)) (*rds.DescribeDBInstancesOutput, error) {
	return r.DescribeDBInstancesBehavior.Invoke(input, func(*rds.DescribeDBInstancesInput) (*rds.DescribeDBInstancesOutput, error) {
		r.mu.Lock()
		defer r.mu.Unlock()
		return &rds.DescribeDBInstancesOutput{DBInstances: lo.Map(lo.Values(r.instances), func(instance *rdstypes.DBInstance, _ int) rdstypes.DBInstance {
			return *instance
		})}, nil
	})
}

func (r *RDSAPI) DescribeDBClusters(_ context.Context, input *rds.DescribeDBClustersInput, _ ...func(*rds.Options)) (*rds.DescribeDBClustersOutput, error) {
	return r.DescribeDBClustersBehavior.Invoke(input, func(*rds.DescribeDBClustersInput) (*rds.DescribeDBClustersOutput, error) {
		r.mu.Lock()
		defer r.mu.Unlock()
		return &rds.DescribeDBClustersOutput{DBClusters: lo.Map(lo.Values(r.clusters), func(cluster *rdstypes.DBCluster, _ int) rdstypes.DBCluster {
			return *cluster
		})}, nil
	})
}

func (r *RDSAPI) StartDBInstance(_ context.Context, input *rds.StartDBInstanceInput, _ ...func(*rds.Options)) (*rds.StartDBInstanceOutput, error) {
	return r.StartDBInstanceBehavior.Invoke(input, func(input *rds.StartDBInstanceInput) (*rds.StartDBInstanceOutput, error) {
		r.setInstanceStatus(lo.FromPtr(input.DBInstanceIdentifier), "available")
		return &rds.StartDBInstanceOutput{}, nil
	})
}

func (r *RDSAPI) StopDBInstance(_ context.Context, input *rds.StopDBInstanceInput, _ ...func(*rds.Options)) (*rds.StopDBInstanceOutput, error) {
	return r.StopDBInstanceBehavior.Invoke(input, func(input *rds.StopDBInstanceInput) (*rds.StopDBInstanceOutput, error) {
		r.setInstanceStatus(lo.FromPtr(input.DBInstanceIdentifier), "stopped")
		return &rds.StopDBInstanceOutput{}, nil
	})
}

func (r *RDSAPI) StartDBCluster(_ context.Context, input *rds.StartDBClusterInput, _ ...func(*rds.Options)) (*rds.StartDBClusterOutput, error) {
	return r.StartDBClusterBehavior.Invoke(input, func(input *rds.StartDBClusterInput) (*rds.StartDBClusterOutput, error) {
		r.setClusterStatus(lo.FromPtr(input.DBClusterIdentifier), "available")
		return &rds.StartDBClusterOutput{}, nil
	})
}

func (r *RDSAPI) StopDBCluster(_ context.Context, input *rds.StopDBClusterInput, _ ...func(*rds.Options)) (*rds.StopDBClusterOutput, error) {
	return r.StopDBClusterBehavior.Invoke(input, func(input *rds.StopDBClusterInput) (*rds.StopDBClusterOutput, error) {
		r.setClusterStatus(lo.FromPtr(input.DBClusterIdentifier), "stopped")
		return &rds.StopDBClusterOutput{}, nil
	})
}

func (r *RDSAPI) AddTagsToResource(_ context.Context, input *rds.AddTagsToResourceInput, _ ...func(*rds.Options)) (*rds.AddTagsToResourceOutput, error) {
	return r.AddTagsToResourceBehavior.Invoke(input, func(*rds.AddTagsToResourceInput) (*rds.AddTagsToResourceOutput, error) {
		return &rds.AddTagsToResourceOutput{}, nil
	})
}

func (r *RDSAPI) RemoveTagsFromResource(_ context.Context, input *rds.RemoveTagsFromResourceInput, _ ...func(*rds.Options)) (*rds.RemoveTagsFromResourceOutput, error) {
	return r.RemoveTagsFromResourceBehavior.Invoke(input, func(*rds.RemoveTagsFromResourceInput) (*rds.RemoveTagsFromResourceOutput, error) {
		return &rds.RemoveTagsFromResourceOutput{}, nil
	})
}

func (r *RDSAPI) setInstanceStatus(id, status string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if instance, ok := r.instances[id]; ok {
		instance.DBInstanceStatus = aws.String(status)
	}
}

func (r *RDSAPI) setClusterStatus(id, status string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cluster, ok := r.clusters[id]; ok {
		cluster.Status = aws.String(status)
	}
}
