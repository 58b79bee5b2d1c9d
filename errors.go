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

package reelflow

import "errors"

var (
	// ErrCorrelation means an event's external id does not match the id the
	// item holds for that step. Such events are logged and dropped.
	ErrCorrelation = errors.New("external id does not match the stored ref")

	// ErrAlreadySubmitted rejects a second vendor id for a step that already
	// has one.
	ErrAlreadySubmitted = errors.New("step already has an external ref")

	ErrNotRetryable    = errors.New("workflow is not failed or stuck")
	ErrAlreadyTerminal = errors.New("workflow is already terminal")
	ErrInvalidEvent    = errors.New("invalid event")
	ErrUnknownBrand    = errors.New("unknown brand")
	ErrUnknownVendor   = errors.New("unknown vendor")
	ErrUnauthorized    = errors.New("webhook authentication failed")
	ErrNoSlotAvailable = errors.New("no posting slot available within the cadence horizon")
)
