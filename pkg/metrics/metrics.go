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

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "instance_scheduler"

var (
	TicksTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "ticks_total",
		Help:      "Number of scheduling ticks completed.",
	})
	TickDurationSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "tick_duration_seconds",
		Help:      "Duration of a full scheduling tick across all targets.",
		Buckets:   prometheus.ExponentialBuckets(0.5, 2, 12),
	})
	ActionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "actions_total",
		Help:      "Scheduling actions taken, by service and action.",
	}, []string{"service", "action"})
	ResourceErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "resource_errors_total",
		Help:      "Per-resource scheduling failures, by service and error kind.",
	}, []string{"service", "kind"})
	TargetErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "target_errors_total",
		Help:      "Whole-target worker failures, by service.",
	}, []string{"service"})
	ManagedResources = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "managed_resources",
		Help:      "Resources seen carrying a schedule tag in the last tick, by service.",
	}, []string{"service"})
	DefinitionErrors = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "definition_errors",
		Help:      "Invalid schedule or period definitions dropped in the last tick.",
	})
)

func Register(registry prometheus.Registerer) {
	registry.MustRegister(
		TicksTotal,
		TickDurationSeconds,
		ActionsTotal,
		ResourceErrorsTotal,
		TargetErrorsTotal,
		ManagedResources,
		DefinitionErrors,
	)
}
