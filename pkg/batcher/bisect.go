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

package batcher

import (
	"context"

	"github.com/samber/lo"

	"github.com/awslabs/instance-scheduler/pkg/utils/logging"
)

// BatchFunc executes one provider call against a batch of items; a returned
// error fails the whole batch.
type BatchFunc[T any] func(ctx context.Context, items []T) error

// Failure pairs a single item with the error that isolated it.
type Failure[T any] struct {
	Item T
	Err  error
}

// Run dispatches items in batches of at most batchSize and isolates failures
// by bisection: a failed batch is split in half and each half retried, so a
// poisoned item costs O(log n) extra calls while the good items in its batch
// still go through. Returned failures are always single items.
func Run[T any](ctx context.Context, items []T, batchSize int, exec BatchFunc[T]) []Failure[T] {
	var failures []Failure[T]
	for _, batch := range lo.Chunk(items, batchSize) {
		failures = append(failures, bisect(ctx, batch, exec)...)
	}
	return failures
}

func bisect[T any](ctx context.Context, items []T, exec BatchFunc[T]) []Failure[T] {
	if len(items) == 0 {
		return nil
	}
	err := exec(ctx, items)
	if err == nil {
		return nil
	}
	if len(items) == 1 {
		return []Failure[T]{{Item: items[0], Err: err}}
	}
	logging.FromContext(ctx).V(1).Info("batch failed, bisecting", "size", len(items), "error", err)
	half := len(items) / 2
	return append(bisect(ctx, items[:half], exec), bisect(ctx, items[half:], exec)...)
}
