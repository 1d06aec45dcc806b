// Copyright 2025 Esteban Alvarez. All Rights Reserved.
//
// Created: October 2025
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

// Package flow holds the flow state store: a sharded FlowKey -> Aggregate
// map, grounded on the rate limiter's Store/Worker shape generalized from
// one scalar-vector pair per key to a full stateful aggregate per key.
package flow

import (
	"fmt"
	"hash/fnv"

	"sentinel/internal/cim"
)

// Key is the 5-tuple identity of a unidirectional flow.
type Key struct {
	SrcIP     string
	DestIP    string
	SrcPort   int
	DestPort  int
	Transport cim.Transport
}

// Bidirectional returns the canonical, endpoint-order-independent form of
// the key, sorting endpoints lexicographically so both directions of one
// conversation fold to the same key.
func (k Key) Bidirectional() Key {
	if k.SrcIP < k.DestIP || (k.SrcIP == k.DestIP && k.SrcPort <= k.DestPort) {
		return k
	}
	return Key{
		SrcIP:     k.DestIP,
		DestIP:    k.SrcIP,
		SrcPort:   k.DestPort,
		DestPort:  k.SrcPort,
		Transport: k.Transport,
	}
}

func (k Key) String() string {
	return fmt.Sprintf("%s:%d->%s:%d/%s", k.SrcIP, k.SrcPort, k.DestIP, k.DestPort, k.Transport)
}

// Hash returns a 64-bit hash of the key for shard assignment.
func (k Key) Hash() uint64 {
	h := fnv.New64a()
	h.Write([]byte(k.String()))
	return h.Sum64()
}

// KeyFromRecord builds the unidirectional FlowKey identifying a CIM record.
func KeyFromRecord(r cim.Record) Key {
	return Key{
		SrcIP:     r.SrcIP,
		DestIP:    r.DestIP,
		SrcPort:   r.SrcPort,
		DestPort:  r.DestPort,
		Transport: r.Transport,
	}
}
