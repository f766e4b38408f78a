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
	"errors"

	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/smithy-go"
	"github.com/samber/lo"
)

const (
	accessDeniedCode          = "AccessDenied"
	accessDeniedExceptionCode = "AccessDeniedException"

	// unsupportedHibernationCode is returned by StopInstances with
	// Hibernate=true against an instance that was not launched with
	// hibernation configured. The caller falls back to a plain stop.
	unsupportedHibernationCode = "UnsupportedHibernationConfiguration"

	insufficientCapacityCode = "InsufficientInstanceCapacity"
)

var (
	// This is not an exhaustive list, add to it as needed
	notFoundErrorCodes = []string{
		"InvalidInstanceID.NotFound",
		"DBInstanceNotFound",
		"DBClusterNotFoundFault",
		"ResourceNotFoundException",
	}
	throttlingErrorCodes = []string{
		"Throttling",
		"ThrottlingException",
		"RequestLimitExceeded",
		"RequestThrottled",
		"RequestThrottledException",
		"TooManyRequestsException",
		"ProvisionedThroughputExceededException",
	}
	// invalidStateErrorCodes signal the resource cannot take the action in
	// its current lifecycle state; the next tick retries.
	invalidStateErrorCodes = []string{
		"IncorrectInstanceState",
		"InvalidDBInstanceState",
		"InvalidDBClusterStateFault",
		"ScalingActivityInProgress",
	}
)

// Code extracts the AWS error code from err, even if it's wrapped.
func Code(err error) string {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorCode()
	}
	return ""
}

// IsNotFound returns true if the err is an AWS error (even if it's wrapped)
// known to mean "not found" (as opposed to a more serious or unexpected
// error).
func IsNotFound(err error) bool {
	return err != nil && lo.Contains(notFoundErrorCodes, Code(err))
}

func IsAccessDenied(err error) bool {
	return err != nil && lo.Contains([]string{accessDeniedCode, accessDeniedExceptionCode}, Code(err))
}

// IsThrottling returns true for rate-limit style failures that are safe to
// retry with backoff.
func IsThrottling(err error) bool {
	return err != nil && lo.Contains(throttlingErrorCodes, Code(err))
}

// IsInvalidState returns true when the resource was in a lifecycle state
// that cannot take the requested action.
func IsInvalidState(err error) bool {
	return err != nil && lo.Contains(invalidStateErrorCodes, Code(err))
}

func IsUnsupportedHibernation(err error) bool {
	return err != nil && Code(err) == unsupportedHibernationCode
}

func IsInsufficientCapacity(err error) bool {
	return err != nil && Code(err) == insufficientCapacityCode
}

// IsRetryable returns true for transient failures: throttling and server
// 5xx. Terminal errors short-circuit to the per-resource error path.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if IsThrottling(err) {
		return true
	}
	var responseErr *awshttp.ResponseError
	if errors.As(err, &responseErr) {
		return responseErr.HTTPStatusCode() >= 500
	}
	return false
}
