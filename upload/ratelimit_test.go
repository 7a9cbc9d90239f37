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
	"context"
	"errors"
	"net/http"
	"sync/atomic"
	"testing"
	"time"
)

type countingTransport struct{ calls atomic.Int32 }

func (c *countingTransport) RoundTrip(*http.Request) (*http.Response, error) {
	c.calls.Add(1)
	return &http.Response{StatusCode: http.StatusOK, Body: http.NoBody}, nil
}

func TestRateLimitDisabled(t *testing.T) {
	base := new(countingTransport)
	rt, stop := NewRateLimitedRoundTripper(base, RateLimit{})
	defer stop()
	if rt != http.RoundTripper(base) {
		t.Errorf("expected the base round tripper when no limit is set, got %T", rt)
	}
}

func TestRateLimitBurst(t *testing.T) {
	base := new(countingTransport)
	// one token per hour: only the burst is available during the test
	rt, stop := NewRateLimitedRoundTripper(base, RateLimit{RequestsPerHour: 1, BurstSize: 3})
	defer stop()

	for i := range 3 {
		req, _ := http.NewRequest(http.MethodGet, "http://example.com", nil)
		if _, err := rt.RoundTrip(req); err != nil {
			t.Fatalf("request %d within burst: %v", i, err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, "http://example.com", nil)
	if _, err := rt.RoundTrip(req); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected request beyond burst to wait until deadline, got %v", err)
	}
	if calls := base.calls.Load(); calls != 3 {
		t.Errorf("expected 3 requests to reach the transport, got %d", calls)
	}
}

func TestRateLimitInterval(t *testing.T) {
	for i, tc := range []struct {
		rl     RateLimit
		expect time.Duration
	}{
		{rl: RateLimit{RequestsPerHour: 3600}, expect: time.Second},
		{rl: RateLimit{RequestsPerHour: 60}, expect: time.Minute},
		{rl: RateLimit{RequestsPerHour: 1_000_000}, expect: minInterval},
	} {
		if actual := tc.rl.interval(); actual != tc.expect {
			t.Errorf("Test %d: expected %s, got %s", i, tc.expect, actual)
		}
	}
}
