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

package awserrors_test

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"

	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/awslabs/instance-scheduler/pkg/awserrors"
)

func TestAWSErrors(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "AWSErrors")
}

func apiError(code string) error {
	return &smithy.GenericAPIError{Code: code, Message: "synthetic"}
}

func responseError(status int) error {
	return &awshttp.ResponseError{
		ResponseError: &smithyhttp.ResponseError{
			Response: &smithyhttp.Response{Response: &http.Response{StatusCode: status}},
			Err:      errors.New("synthetic"),
		},
	}
}

var _ = Describe("AWSErrors", func() {
	It("should extract codes from wrapped errors", func() {
		Expect(awserrors.Code(fmt.Errorf("stopping instance, %w", apiError("IncorrectInstanceState")))).To(Equal("IncorrectInstanceState"))
		Expect(awserrors.Code(errors.New("no code here"))).To(Equal(""))
		Expect(awserrors.Code(nil)).To(Equal(""))
	})
	It("should classify the taxonomy codes", func() {
		Expect(awserrors.IsNotFound(apiError("InvalidInstanceID.NotFound"))).To(BeTrue())
		Expect(awserrors.IsNotFound(apiError("DBInstanceNotFound"))).To(BeTrue())
		Expect(awserrors.IsAccessDenied(apiError("AccessDeniedException"))).To(BeTrue())
		Expect(awserrors.IsThrottling(apiError("RequestLimitExceeded"))).To(BeTrue())
		Expect(awserrors.IsInvalidState(apiError("InvalidDBInstanceState"))).To(BeTrue())
		Expect(awserrors.IsUnsupportedHibernation(apiError("UnsupportedHibernationConfiguration"))).To(BeTrue())
		Expect(awserrors.IsInsufficientCapacity(apiError("InsufficientInstanceCapacity"))).To(BeTrue())

		Expect(awserrors.IsNotFound(apiError("AccessDenied"))).To(BeFalse())
		Expect(awserrors.IsThrottling(nil)).To(BeFalse())
	})
	It("should mark throttling and server errors retryable", func() {
		Expect(awserrors.IsRetryable(apiError("Throttling"))).To(BeTrue())
		Expect(awserrors.IsRetryable(responseError(503))).To(BeTrue())
		Expect(awserrors.IsRetryable(responseError(403))).To(BeFalse())
		Expect(awserrors.IsRetryable(apiError("UnauthorizedOperation"))).To(BeFalse())
		Expect(awserrors.IsRetryable(nil)).To(BeFalse())
	})
	Describe("WithRetry", func() {
		It("should retry transient failures until they clear", func() {
			calls := 0
			err := awserrors.WithRetry(context.Background(), func() error {
				calls++
				if calls < 3 {
					return apiError("Throttling")
				}
				return nil
			})
			Expect(err).ToNot(HaveOccurred())
			Expect(calls).To(Equal(3))
		})
		It("should fail terminal errors without retrying", func() {
			calls := 0
			err := awserrors.WithRetry(context.Background(), func() error {
				calls++
				return apiError("UnauthorizedOperation")
			})
			Expect(awserrors.Code(err)).To(Equal("UnauthorizedOperation"))
			Expect(calls).To(Equal(1))
		})
	})
})
