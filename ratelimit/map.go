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
	"time"

	"github.com/abcxyz/github-proxy/cache"
	"github.com/abcxyz/github-proxy/credentials"
)

// Map records which credentials are rate limited and until when. Entries
// disappear on their own once the credential's quota has reset (plus a
// padding that absorbs clock drift between the proxy and GitHub). It is safe
// for concurrent use: a Mark is visible to every Contains that starts after
// it returns.
type Map struct {
	entries *cache.Cache[time.Time]
	padding time.Duration
}

// NewMap creates a rate-limit map holding at most maxSize entries; on
// overflow the entry with the earliest reset is evicted. Entries become
// invisible at resetAt + padding.
func NewMap(maxSize int, padding time.Duration) *Map {
	return &Map{
		entries: cache.New[time.Time](maxSize),
		padding: padding,
	}
}

// Mark records that the credential is rate limited until resetAt. Marking an
// already-marked credential overwrites its reset instant.
func (m *Map) Mark(origin credentials.Origin, name string, resetAt time.Time) {
	m.entries.Set(key(origin, name), resetAt, resetAt.Add(m.padding))
}

// Contains reports whether the credential is currently known to be rate
// limited.
func (m *Map) Contains(origin credentials.Origin, name string) bool {
	_, ok := m.entries.Lookup(key(origin, name))
	return ok
}

// ResetAt returns the recorded reset instant for the credential, if it is
// currently marked.
func (m *Map) ResetAt(origin credentials.Origin, name string) (time.Time, bool) {
	return m.entries.Lookup(key(origin, name))
}

// Stop releases the underlying cache. The map must not be used afterwards.
func (m *Map) Stop() {
	m.entries.Stop()
}

func key(origin credentials.Origin, name string) string {
	return string(origin) + ":" + name
}
