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

package respcache

import (
	"context"
	"time"

	"github.com/abcxyz/github-proxy/cache"
)

// inMemoryEntries bounds the in-process store.
const inMemoryEntries = 1024

// InMemory is an in-process response store. Its operations cannot fail.
type InMemory struct {
	store *cache.Cache[*Response]
	ttl   time.Duration
}

// NewInMemory creates an in-process store whose entries expire ttl after Set.
func NewInMemory(ttl time.Duration) *InMemory {
	return &InMemory{
		store: cache.New[*Response](inMemoryEntries),
		ttl:   ttl,
	}
}

// Get returns the stored response for key, or (nil, nil) on a miss.
func (m *InMemory) Get(_ context.Context, key string) (*Response, error) {
	resp, ok := m.store.Lookup(key)
	if !ok {
		return nil, nil
	}
	return resp, nil
}

// Set stores the response under key.
func (m *InMemory) Set(_ context.Context, key string, resp *Response) error {
	m.store.Set(key, resp, time.Now().UTC().Add(m.ttl))
	return nil
}

// Stop releases the underlying cache. The store must not be used afterwards.
func (m *InMemory) Stop() {
	m.store.Stop()
}
