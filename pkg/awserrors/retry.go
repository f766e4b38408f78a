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

package awserrors

import (
	"context"
	"time"

	"github.com/avast/retry-go"
)

const (
	retryAttempts = 5
	retryBaseWait = 200 * time.Millisecond
	retryMaxWait  = 5 * time.Second
)

// WithRetry runs fn with bounded exponential backoff, retrying only the
// transient failures classified by IsRetryable.
func WithRetry(ctx context.Context, fn func() error) error {
	return retry.Do(fn,
		retry.Context(ctx),
		retry.Attempts(retryAttempts),
		retry.Delay(retryBaseWait),
		retry.MaxDelay(retryMaxWait),
		retry.DelayType(retry.BackOffDelay),
		retry.RetryIf(IsRetryable),
		retry.LastErrorOnly(true),
	)
}
