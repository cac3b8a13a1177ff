/*
Copyright 2020 Gravitational, Inc.

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

package update

import (
	"fmt"

	"github.com/gravitational/trace"
)

// Error is a semantically invalid plan: an unknown service, a conflicting
// pair of changes, an unsupported topology or a tripped safety gate.
// Validation errors of individual change requests are reported as
// aggregated trace.BadParameter errors instead.
type Error struct {
	// Message is the diagnostic
	Message string
}

// Error returns the error diagnostic
func (e *Error) Error() string {
	return e.Message
}

// NewError returns a new plan error with the specified diagnostic
func NewError(format string, args ...interface{}) error {
	return trace.Wrap(&Error{Message: fmt.Sprintf(format, args...)})
}

// IsUpdateError returns true if the specified error is a plan error
func IsUpdateError(err error) bool {
	_, ok := trace.Unwrap(err).(*Error)
	return ok
}
