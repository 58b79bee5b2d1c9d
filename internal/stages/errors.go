/*
Copyright 2024 Blnk Finance Authors.

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

package stages

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/reelflow/reelflow/model"
)

// VendorError is a classified vendor failure.
type VendorError struct {
	Kind       model.ErrorKind
	StatusCode int
	Message    string
	Err        error
}

func (e *VendorError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("vendor returned %d (%s): %s", e.StatusCode, e.Kind, e.Message)
	}
	if e.Err != nil {
		return fmt.Sprintf("vendor call failed (%s): %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("vendor call failed (%s): %s", e.Kind, e.Message)
}

func (e *VendorError) Unwrap() error { return e.Err }

func (e *VendorError) Transient() bool { return e.Kind == model.ErrorTransient }

// ClassifyStatus maps an HTTP status to an error kind. Rate limits, timeouts
// and server errors are worth retrying; the remaining client errors mean
// rejected content, bad credentials or exhausted quota.
func ClassifyStatus(status int) model.ErrorKind {
	switch {
	case status == http.StatusRequestTimeout, status == http.StatusTooManyRequests, status >= 500:
		return model.ErrorTransient
	case status >= 400:
		return model.ErrorPermanent
	}
	return model.ErrorTransient
}

func NewStatusError(status int, message string) *VendorError {
	return &VendorError{Kind: ClassifyStatus(status), StatusCode: status, Message: message}
}

// NewTransportError wraps a failure that never produced an HTTP response.
// Connection resets and client timeouts are always retryable.
func NewTransportError(err error) *VendorError {
	return &VendorError{Kind: model.ErrorTransient, Err: err}
}

func NewPermanentError(message string) *VendorError {
	return &VendorError{Kind: model.ErrorPermanent, Message: message}
}

// KindOf returns the classified kind of err. Unclassified errors are treated
// as transient so a programming mistake never burns a permanent failure.
func KindOf(err error) model.ErrorKind {
	var ve *VendorError
	if errors.As(err, &ve) {
		return ve.Kind
	}
	return model.ErrorTransient
}

// IsVendorError reports whether err carries a vendor classification.
func IsVendorError(err error) bool {
	var ve *VendorError
	return errors.As(err, &ve)
}
