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

// Package ratelimit interprets GitHub rate-limit response headers and tracks
// which credentials are currently exhausted.
package ratelimit

import (
	"math"
	"net/http"
	"strconv"
	"time"
)

// GitHub rate-limit response headers.
const (
	HeaderRemaining = "x-ratelimit-remaining"
	HeaderReset     = "x-ratelimit-reset"
	HeaderLimit     = "x-ratelimit-limit"
)

// IsRateLimited reports whether the upstream response indicates quota
// exhaustion for the credential that made it. The contract is exactly a 403
// with a literal "0" remaining; GitHub also uses 403 for permission errors,
// which must not be treated as rate limits.
func IsRateLimited(resp *http.Response) bool {
	return resp.StatusCode == http.StatusForbidden &&
		resp.Header.Get(HeaderRemaining) == "0"
}

// Remaining returns the parsed x-ratelimit-remaining header, if present.
func Remaining(h http.Header) (int64, bool) {
	return intHeader(h, HeaderRemaining)
}

// Limit returns the parsed x-ratelimit-limit header, if present.
func Limit(h http.Header) (int64, bool) {
	return intHeader(h, HeaderLimit)
}

// Reset returns the instant at which the credential's quota resets, parsed
// from the x-ratelimit-reset header as unix epoch seconds. GitHub has been
// observed to send fractional seconds, so the value is parsed as a float.
func Reset(h http.Header) (time.Time, bool) {
	v := h.Get(HeaderReset)
	if v == "" {
		return time.Time{}, false
	}

	epoch, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return time.Time{}, false
	}

	sec, frac := math.Modf(epoch)
	return time.Unix(int64(sec), int64(frac*float64(time.Second))).UTC(), true
}

func intHeader(h http.Header, key string) (int64, bool) {
	v := h.Get(key)
	if v == "" {
		return 0, false
	}

	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}
