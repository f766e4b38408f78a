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

package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/awslabs/instance-scheduler/pkg/operator"
	"github.com/awslabs/instance-scheduler/pkg/operator/options"
	"github.com/awslabs/instance-scheduler/pkg/utils/logging"
)

func main() {
	opts := options.New().MustParse()
	logger := logging.NewLogger(opts.Debug)
	ctx := logging.IntoContext(context.Background(), logger)
	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	op, err := operator.New(ctx, opts)
	if err != nil {
		logger.Error(err, "initializing")
		os.Exit(1)
	}
	logger.Info("starting", "version", opts.Version)
	if err := op.Start(ctx); err != nil {
		logger.Error(err, "running")
		os.Exit(1)
	}
}
