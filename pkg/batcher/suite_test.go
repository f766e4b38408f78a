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

package batcher_test

import (
	"context"
	"fmt"
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/samber/lo"

	"github.com/awslabs/instance-scheduler/pkg/batcher"
)

var ctx context.Context

func TestBatcher(t *testing.T) {
	ctx = context.Background()
	RegisterFailHandler(Fail)
	RunSpecs(t, "Batcher")
}

var _ = Describe("Bisect", func() {
	It("should make a single call when every item succeeds", func() {
		calls := 0
		failures := batcher.Run(ctx, []int{1, 2, 3, 4}, 50, func(_ context.Context, items []int) error {
			calls++
			return nil
		})
		Expect(failures).To(BeEmpty())
		Expect(calls).To(Equal(1))
	})
	It("should chunk items into batches of at most batchSize", func() {
		var sizes []int
		failures := batcher.Run(ctx, lo.Range(10), 4, func(_ context.Context, items []int) error {
			sizes = append(sizes, len(items))
			return nil
		})
		Expect(failures).To(BeEmpty())
		Expect(sizes).To(Equal([]int{4, 4, 2}))
	})
	It("should isolate a poisoned item without losing its batch mates", func() {
		var succeeded []int
		failures := batcher.Run(ctx, lo.Range(8), 50, func(_ context.Context, items []int) error {
			if lo.Contains(items, 5) {
				return fmt.Errorf("item 5 is poisoned")
			}
			succeeded = append(succeeded, items...)
			return nil
		})
		Expect(failures).To(HaveLen(1))
		Expect(failures[0].Item).To(Equal(5))
		Expect(failures[0].Err).To(MatchError(ContainSubstring("poisoned")))
		Expect(succeeded).To(ConsistOf(0, 1, 2, 3, 4, 6, 7))
	})
	It("should isolate multiple poisoned items independently", func() {
		poisoned := map[int]struct{}{2: {}, 7: {}, 11: {}}
		var succeeded []int
		failures := batcher.Run(ctx, lo.Range(16), 8, func(_ context.Context, items []int) error {
			for _, item := range items {
				if _, bad := poisoned[item]; bad {
					return fmt.Errorf("item %d failed", item)
				}
			}
			succeeded = append(succeeded, items...)
			return nil
		})
		Expect(lo.Map(failures, func(f batcher.Failure[int], _ int) int { return f.Item })).To(ConsistOf(2, 7, 11))
		Expect(succeeded).To(HaveLen(13))
	})
	It("should cost logarithmic extra calls for one poisoned item", func() {
		calls := 0
		failures := batcher.Run(ctx, lo.Range(16), 16, func(_ context.Context, items []int) error {
			calls++
			if lo.Contains(items, 0) {
				return fmt.Errorf("item 0 failed")
			}
			return nil
		})
		Expect(failures).To(HaveLen(1))
		// One full-batch attempt plus two calls per bisection level.
		Expect(calls).To(BeNumerically("<=", 9))
	})
	It("should report every item when all of them fail", func() {
		failures := batcher.Run(ctx, lo.Range(5), 2, func(_ context.Context, items []int) error {
			return fmt.Errorf("unavailable")
		})
		Expect(failures).To(HaveLen(5))
	})
	It("should do nothing for an empty input", func() {
		calls := 0
		failures := batcher.Run(ctx, nil, 10, func(_ context.Context, items []int) error {
			calls++
			return nil
		})
		Expect(failures).To(BeEmpty())
		Expect(calls).To(BeZero())
	})
})
