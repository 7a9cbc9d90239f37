/*
	Timelinize
	Copyright (c) 2013 Matthew Holt

	This program is free software: you can redistribute it and/or modify
	it under the terms of the GNU Affero General Public License as published
	by the Free Software Foundation, either version 3 of the License, or
	(at your option) any later version.

	This program is distributed in the hope that it will be useful,
	but WITHOUT ANY WARRANTY; without even the implied warranty of
	MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
	GNU Affero General Public License for more details.

	You should have received a copy of the GNU Affero General Public License
	along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

package upload

import (
	"net/http"
	"sync"
	"time"
)

// RateLimit describes a rate limit.
type RateLimit struct {
	RequestsPerHour int `json:"requests_per_hour,omitempty"`
	BurstSize       int `json:"burst_size,omitempty"`
}

// interval returns the time between tokens.
func (rl RateLimit) interval() time.Duration {
	secondsBetweenReqs := 60.0 / (float64(rl.RequestsPerHour) / 60.0)
	return max(time.Duration(secondsBetweenReqs*float64(time.Second)), minInterval)
}

// NewRateLimitedRoundTripper adds rate limiting to rt based on the rate limiting
// policy. The returned function stops the token refill and must be called when
// the round tripper is no longer used. If rl has no limit, rt is returned as-is.
func NewRateLimitedRoundTripper(rt http.RoundTripper, rl RateLimit) (http.RoundTripper, func()) {
	if rl.RequestsPerHour <= 0 {
		return rt, func() {}
	}

	ticker := time.NewTicker(rl.interval())
	token := make(chan struct{}, max(rl.BurstSize, 1))
	for range cap(token) {
		token <- struct{}{}
	}

	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-ticker.C:
				select {
				case token <- struct{}{}:
				case <-done:
					return
				}
			case <-done:
				return
			}
		}
	}()

	var once sync.Once
	stop := func() {
		once.Do(func() {
			ticker.Stop()
			close(done)
		})
	}

	return rateLimitedRoundTripper{RoundTripper: rt, token: token}, stop
}

type rateLimitedRoundTripper struct {
	http.RoundTripper
	token <-chan struct{}
}

func (rt rateLimitedRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	select {
	case <-rt.token:
	case <-req.Context().Done():
		return nil, req.Context().Err()
	}
	return rt.RoundTripper.RoundTrip(req)
}

const minInterval = 100 * time.Millisecond
