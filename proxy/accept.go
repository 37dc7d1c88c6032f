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

package proxy

import (
	"strconv"
	"strings"
)

// bestAcceptMediaType returns the highest-quality media type in the Accept
// header, or "" when the header is absent. The result is part of the cache
// key: GitHub returns structurally different payloads for different Accept
// media types, so "" (absent) must stay distinct from any explicit type.
func bestAcceptMediaType(accept string) string {
	best := ""
	bestQ := -1.0

	for _, part := range strings.Split(accept, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}

		segments := strings.Split(part, ";")
		mediaType := strings.TrimSpace(segments[0])
		if mediaType == "" {
			continue
		}

		q := 1.0
		for _, param := range segments[1:] {
			param = strings.TrimSpace(param)
			if v, ok := strings.CutPrefix(param, "q="); ok {
				parsed, err := strconv.ParseFloat(v, 64)
				if err != nil || parsed < 0 || parsed > 1 {
					continue
				}
				q = parsed
			}
		}

		// Ties keep the earliest listed type.
		if q > bestQ {
			best = mediaType
			bestQ = q
		}
	}

	return best
}
