// Copyright 2025 The Authors (see AUTHORS file)
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

package ratelimit

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/abcxyz/github-proxy/credentials"
)

func TestMap_MarkContains(t *testing.T) {
	t.Parallel()

	m := NewMap(16, 5*time.Minute)
	defer m.Stop()

	if m.Contains(credentials.OriginGitHubApp, "my-app") {
		t.Error("expected a fresh credential to not be marked")
	}

	resetAt := time.Now().UTC().Add(time.Hour)
	m.Mark(credentials.OriginGitHubApp, "my-app", resetAt)

	if !m.Contains(credentials.OriginGitHubApp, "my-app") {
		t.Error("expected the marked credential to be contained")
	}
	if m.Contains(credentials.OriginUserPAT, "my-app") {
		t.Error("expected a same-named credential of another origin to be distinct")
	}

	got, ok := m.ResetAt(credentials.OriginGitHubApp, "my-app")
	if !ok {
		t.Fatal("expected a reset instant for the marked credential")
	}
	if diff := cmp.Diff(resetAt, got); diff != "" {
		t.Errorf("reset instant diff (-want, +got):\n%s", diff)
	}
}

func TestMap_PaddingExtendsVisibility(t *testing.T) {
	t.Parallel()

	m := NewMap(16, time.Hour)
	defer m.Stop()

	// The reset instant has already passed, but the padding keeps the entry
	// visible to absorb clock drift.
	m.Mark(credentials.OriginUserPAT, "pat", time.Now().UTC().Add(-time.Minute))

	if !m.Contains(credentials.OriginUserPAT, "pat") {
		t.Error("expected entry to stay visible until resetAt + padding")
	}
}

func TestMap_EntryEvictsAtReset(t *testing.T) {
	t.Parallel()

	m := NewMap(16, 0)
	defer m.Stop()

	m.Mark(credentials.OriginUserPAT, "pat", time.Now().UTC().Add(50*time.Millisecond))

	if !m.Contains(credentials.OriginUserPAT, "pat") {
		t.Fatal("expected entry to be visible before its reset")
	}

	time.Sleep(100 * time.Millisecond)

	if m.Contains(credentials.OriginUserPAT, "pat") {
		t.Error("expected entry to auto-evict at its reset instant")
	}
}

func TestMap_OverflowEvictsEarliestReset(t *testing.T) {
	t.Parallel()

	m := NewMap(2, 0)
	defer m.Stop()

	now := time.Now().UTC()
	m.Mark(credentials.OriginUserPAT, "late", now.Add(3*time.Hour))
	m.Mark(credentials.OriginUserPAT, "early", now.Add(1*time.Hour))
	m.Mark(credentials.OriginUserPAT, "mid", now.Add(2*time.Hour))

	if m.Contains(credentials.OriginUserPAT, "early") {
		t.Error("expected the earliest-reset entry to be evicted on overflow")
	}
	if !m.Contains(credentials.OriginUserPAT, "late") {
		t.Error("expected the latest-reset entry to survive overflow")
	}
	if !m.Contains(credentials.OriginUserPAT, "mid") {
		t.Error("expected the mid-reset entry to survive overflow")
	}
}
