/*
Copyright 2024 Referral Payouts Authors.

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

package apierror

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/sirupsen/logrus"

	"github.com/Whykay012/referral-payouts/internal/payerr"
)

// APIError is the body returned for every failed API request.
type APIError struct {
	Code      payerr.Code `json:"code"`
	Message   string      `json:"message"`
	Retryable bool        `json:"retryable"`
	Details   interface{} `json:"details,omitempty"`
}

func (e APIError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func NewAPIError(code payerr.Code, message string, details interface{}) APIError {
	return APIError{
		Code:    code,
		Message: message,
		Details: details,
	}
}

// FromError converts a pipeline error into its response body and status.
// Causes are logged but never returned to the caller.
func FromError(err error) (int, APIError) {
	var apiErr APIError
	if errors.As(err, &apiErr) {
		return MapErrorToHTTPStatus(apiErr), apiErr
	}

	status := payerr.HTTPStatus(err)
	pe := payerr.Classify(err)
	if status >= http.StatusInternalServerError {
		logrus.WithError(err).Error("request failed")
	}
	return status, APIError{
		Code:      pe.Code,
		Message:   pe.Message,
		Retryable: pe.Kind == payerr.KindTransient,
	}
}

func MapErrorToHTTPStatus(err error) int {
	var apiErr APIError
	if errors.As(err, &apiErr) {
		return payerr.HTTPStatus(&payerr.Error{Code: apiErr.Code})
	}
	return payerr.HTTPStatus(err)
}
