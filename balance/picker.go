// Copyright 2025-2026 Siderail Technologies, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package balance contains endpoint selection logic. A Picker chooses,
// per request, one endpoint from a destination's live endpoint set. The
// picker does not own the set: the set changes underneath it as its
// resolution watcher applies updates, and the picker reads a snapshot at
// each pick.
package balance

import (
	"errors"

	"github.com/siderail/siderail/endpoint"
)

// ErrNoEndpoints is returned by a Picker when the endpoint set has no
// usable endpoints.
var ErrNoEndpoints = errors.New("no usable endpoints")

// Picker selects the endpoint to use for one request. It also returns a
// callback that, if non-nil, must be invoked when the request completes.
// The callback keeps per-endpoint load accounting accurate, which is what
// load-aware policies compare.
//
// Pick never blocks. When the set has no usable endpoints it returns
// [ErrNoEndpoints]; it is the caller's job to decide whether to wait for
// readiness or fail.
type Picker interface {
	Pick() (ep *endpoint.Endpoint, whenDone func(), err error)
}

// Factory creates pickers bound to a destination's endpoint set. A
// router uses one factory for all destinations, creating one picker per
// destination entry.
type Factory interface {
	New(set *endpoint.Set) Picker
}
