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

package firewall

import (
	"context"
	"errors"
	"testing"

	"sentinel/internal/sentinelerr"
)

func TestWithRetry_StopsOnPermanentFailure(t *testing.T) {
	calls := 0
	err := WithRetry(context.Background(), func(ctx context.Context) error {
		calls++
		return sentinelerr.New(sentinelerr.KindAdapterPermanent, "op", errors.New("bad"))
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Fatalf("expected exactly 1 attempt for a permanent failure, got %d", calls)
	}
}

func TestWithRetry_RetriesTransientUpToThree(t *testing.T) {
	calls := 0
	err := WithRetry(context.Background(), func(ctx context.Context) error {
		calls++
		return sentinelerr.New(sentinelerr.KindAdapterTransient, "op", errors.New("timeout"))
	})
	if err == nil {
		t.Fatal("expected error after exhausting retries")
	}
	if calls != 3 {
		t.Fatalf("expected exactly 3 attempts, got %d", calls)
	}
}

func TestWithRetry_SucceedsAfterTransientFailures(t *testing.T) {
	calls := 0
	err := WithRetry(context.Background(), func(ctx context.Context) error {
		calls++
		if calls < 2 {
			return sentinelerr.New(sentinelerr.KindAdapterTransient, "op", errors.New("timeout"))
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected eventual success, got %v", err)
	}
	if calls != 2 {
		t.Fatalf("expected 2 attempts, got %d", calls)
	}
}
