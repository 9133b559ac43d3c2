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

package internal

import (
	"hash/maphash"
	"math/rand"
)

// NewRand returns a properly seeded *rand.Rand. The seed is computed with
// the "hash/maphash" package, which is lock-free and safe for concurrent
// use, so creating many generators does not contend on the global rand
// source.
//
// The returned value is not safe for concurrent use. Each goroutine that
// needs random numbers should create its own instance.
func NewRand() *rand.Rand {
	return rand.New(rand.NewSource(randomSeed())) //nolint:gosec // don't need cryptographic RNG
}

// randomSeed generates a high-quality seed for new instances of
// *rand.Rand while avoiding the synchronization overhead of the global
// rand source.
func randomSeed() int64 {
	var hash maphash.Hash
	return int64(hash.Sum64())
}
