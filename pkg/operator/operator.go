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

package operator

import (
	"context"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"
	"k8s.io/utils/clock"

	"github.com/awslabs/instance-scheduler/pkg/admin"
	"github.com/awslabs/instance-scheduler/pkg/metrics"
	"github.com/awslabs/instance-scheduler/pkg/operator/options"
	"github.com/awslabs/instance-scheduler/pkg/orchestrator"
	"github.com/awslabs/instance-scheduler/pkg/providers/identity"
	"github.com/awslabs/instance-scheduler/pkg/store"
	"github.com/awslabs/instance-scheduler/pkg/utils/logging"
)

// Operator wires the stores, the identity broker, the orchestrator and the
// admin surface, and drives the tick loop.
type Operator struct {
	Options      *options.Options
	ConfigStore  *store.ConfigStore
	Registry     *store.Registry
	Broker       identity.Broker
	Orchestrator *orchestrator.Orchestrator
	Admin        *admin.API
	PromRegistry *prometheus.Registry
	Clock        clock.Clock

	// lastTick is the unix time of the last completed tick, for readiness.
	lastTick atomic.Int64
}

func New(ctx context.Context, opts *options.Options) (*Operator, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading aws config, %w", err)
	}
	dynamoClient := dynamodb.NewFromConfig(cfg)
	configStore := store.NewConfigStore(dynamoClient, opts.ConfigTableName)
	registry := store.NewRegistry(dynamoClient, opts.RegistryTableName)
	broker := identity.NewSTSBroker(cfg, opts.HubAccount, opts.CrossAccountRoleName)
	clk := clock.RealClock{}

	startedTags, err := options.ParseTags(opts.StartedTags)
	if err != nil {
		return nil, err
	}
	stoppedTags, err := options.ParseTags(opts.StoppedTags)
	if err != nil {
		return nil, err
	}
	orch := orchestrator.New(configStore, registry, broker, clk, orchestrator.Options{
		Accounts:             opts.AccountList(),
		Regions:              opts.RegionList(),
		Services:             opts.ServiceList(),
		MaxConcurrency:       opts.MaxConcurrency,
		PayloadSizeLimit:     opts.PayloadSizeLimit,
		ScheduleTagKey:       opts.ScheduleTagKey,
		StartedTags:          startedTags,
		StoppedTags:          stoppedTags,
		CreateRDSSnapshots:   opts.CreateRDSSnapshots,
		SnapshotPrefix:       opts.StackName,
		ActionNamePrefix:     opts.ActionNamePrefix,
		MaintenanceWindowTTL: opts.MaintenanceWindowTTL,
	})
	adminAPI, err := admin.New(configStore, clk, opts.Version, opts.MinCLIVersion)
	if err != nil {
		return nil, err
	}

	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics.Register(promRegistry)

	return &Operator{
		Options:      opts,
		ConfigStore:  configStore,
		Registry:     registry,
		Broker:       broker,
		Orchestrator: orch,
		Admin:        adminAPI,
		PromRegistry: promRegistry,
		Clock:        clk,
	}, nil
}

// Start serves metrics and health endpoints and runs scheduling ticks until
// the context is canceled.
func (o *Operator) Start(ctx context.Context) error {
	log := logging.FromContext(ctx)
	go o.serveMetrics(ctx)
	go o.serveHealth(ctx)

	tick := func() {
		report, err := o.Orchestrator.Tick(ctx)
		if err != nil {
			log.Error(err, "scheduling tick failed")
			return
		}
		o.lastTick.Store(o.Clock.Now().Unix())
		for _, target := range report.Targets {
			if target.Err != nil {
				log.Error(target.Err, "target failed", "target", target.Target.String())
			}
		}
	}

	tick()
	if o.Options.SchedulingCron != "" {
		runner := cron.New()
		if _, err := runner.AddFunc(o.Options.SchedulingCron, tick); err != nil {
			return fmt.Errorf("scheduling cron trigger, %w", err)
		}
		runner.Start()
		defer runner.Stop()
		<-ctx.Done()
		return nil
	}
	ticker := time.NewTicker(o.Options.SchedulingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			tick()
		}
	}
}

func (o *Operator) serveMetrics(ctx context.Context) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(o.PromRegistry, promhttp.HandlerOpts{}))
	o.serve(ctx, o.Options.MetricsPort, mux)
}

func (o *Operator) serveHealth(ctx context.Context) {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	// Ready once a tick has completed recently; three missed intervals means
	// the loop is wedged.
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, _ *http.Request) {
		last := o.lastTick.Load()
		if last == 0 || o.Clock.Now().Sub(time.Unix(last, 0)) > 3*o.Options.SchedulingInterval {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	o.serve(ctx, o.Options.HealthProbePort, mux)
}

func (o *Operator) serve(ctx context.Context, port int, handler http.Handler) {
	log := logging.FromContext(ctx)
	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Error(err, "serving", "port", port)
	}
}
