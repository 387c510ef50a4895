// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package lifecycle

import (
	"errors"
	"fmt"

	"github.com/tombee/snooze/internal/probe"
)

// ErrUnscopedKeepAlive is returned when a caller requests keep_alive outside
// an active batch scope. Overlapping unscoped keep-alive calls race against
// other callers' stop operations, so they are rejected outright; callers
// that want the backend held open must use a batch scope.
var ErrUnscopedKeepAlive = errors.New("keep_alive requires an active batch scope")

// ErrAlreadyReleased is returned when a batch handle is released twice.
var ErrAlreadyReleased = errors.New("batch scope already released")

// StartError reports that the control-plane start operation failed.
// The workflow was not attempted.
type StartError struct {
	ServiceID string
	Err       error
}

func (e *StartError) Error() string {
	return fmt.Sprintf("failed to start backend service %s: %v", e.ServiceID, e.Err)
}

func (e *StartError) Unwrap() error { return e.Err }

// ReadinessError reports that the backend never became healthy within the
// configured deadline. A best-effort cleanup stop has already been attempted.
type ReadinessError struct {
	ServiceID string
	Probe     probe.Result
	Err       error
}

func (e *ReadinessError) Error() string {
	return fmt.Sprintf("backend service %s unavailable: %v", e.ServiceID, e.Err)
}

func (e *ReadinessError) Unwrap() error { return e.Err }
