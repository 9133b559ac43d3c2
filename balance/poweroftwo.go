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

package balance

import (
	"math/rand"

	"github.com/siderail/siderail/endpoint"
	"github.com/siderail/siderail/internal"
)

// PowerOfTwo is a factory for pickers that sample two distinct endpoints
// at random and pick the one with fewer pending requests. This takes
// advantage of the [power of two random choices], which provides
// substantial benefits over a simple random picker and, unlike a
// least-loaded policy, doesn't need to maintain a heap.
//
// [power of two random choices]: http://www.eecs.harvard.edu/~michaelm/postscripts/handbook2001.pdf
//
//nolint:gochecknoglobals
var PowerOfTwo Factory = powerOfTwoFactory{}

type powerOfTwoFactory struct{}

func (powerOfTwoFactory) New(set *endpoint.Set) Picker {
	return &powerOfTwo{
		set: set,
		rng: internal.NewRand(),
	}
}

// powerOfTwo is used by a single dispatcher worker at a time, so the
// unsynchronized rng is safe.
type powerOfTwo struct {
	set *endpoint.Set
	rng *rand.Rand
}

func (p *powerOfTwo) Pick() (*endpoint.Endpoint, func(), error) {
	usable := p.set.Snapshot()
	var chosen *endpoint.Endpoint
	switch len(usable) {
	case 0:
		return nil, nil, ErrNoEndpoints
	case 1:
		chosen = usable[0]
	default:
		// Sample two distinct endpoints (without replacement) and keep
		// the lesser-loaded one.
		i := p.rng.Intn(len(usable))
		j := p.rng.Intn(len(usable) - 1)
		if j >= i {
			j++
		}
		chosen = usable[i]
		if usable[j].Pending() < chosen.Pending() {
			chosen = usable[j]
		}
	}
	return chosen, chosen.StartRequest(), nil
}
