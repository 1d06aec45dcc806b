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

package flow

import "math"

// maxSymbols caps the distinct symbols tracked per categorical field;
// excess symbols are bucketed to "other". Sized here as a plain map since
// 4096-entry tables are small enough that allocation pressure is not the
// dominant cost for a per-flow accumulator.
const maxSymbols = 4096

// SymbolTable counts occurrences of categorical values for a Shannon
// entropy computation at window close.
type SymbolTable struct {
	counts map[string]int64
	other  int64
	total  int64
}

// NewSymbolTable builds an empty table.
func NewSymbolTable() *SymbolTable {
	return &SymbolTable{counts: make(map[string]int64)}
}

// Add records one occurrence of symbol.
func (s *SymbolTable) Add(symbol string) {
	s.total++
	if _, ok := s.counts[symbol]; ok {
		s.counts[symbol]++
		return
	}
	if len(s.counts) >= maxSymbols {
		s.other++
		return
	}
	s.counts[symbol] = 1
}

// Entropy returns the Shannon entropy, in bits, of the recorded
// distribution. Returns 0 for an empty table.
func (s *SymbolTable) Entropy() float64 {
	if s.total == 0 {
		return 0
	}
	var h float64
	accumulate := func(c int64) {
		if c == 0 {
			return
		}
		p := float64(c) / float64(s.total)
		h -= p * math.Log2(p)
	}
	for _, c := range s.counts {
		accumulate(c)
	}
	accumulate(s.other)
	return h
}

// Distinct returns the number of distinct symbols observed (capped
// buckets count as one symbol).
func (s *SymbolTable) Distinct() int {
	n := len(s.counts)
	if s.other > 0 {
		n++
	}
	return n
}
