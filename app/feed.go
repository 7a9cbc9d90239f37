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

package app

import (
	"sync"
	"time"

	"github.com/timelinize/photoimport/upload"
)

// Phase names the stage of the pipeline an Event belongs to.
type Phase string

const (
	PhaseScan   Phase = "scan"
	PhaseUpload Phase = "upload"
	PhaseDone   Phase = "done"
)

// Event is one message on the progress feed.
type Event struct {
	Time      time.Time        `json:"time"`
	SessionID string           `json:"session_id"`
	Phase     Phase            `json:"phase"`
	Scan      *ScanProgress    `json:"scan,omitempty"`
	Upload    *upload.Progress `json:"upload,omitempty"`
}

// ScanProgress counts files through the parser.
type ScanProgress struct {
	Done  int    `json:"done"`
	Total int    `json:"total"`
	File  string `json:"file,omitempty"`
}

// feed fans events out to subscribers. Publishing never blocks: a
// subscriber that falls behind misses events.
type feed struct {
	mu     sync.Mutex
	subs   map[chan Event]struct{}
	latest *Event
}

func newFeed() *feed {
	return &feed{subs: make(map[chan Event]struct{})}
}

func (f *feed) publish(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.latest = &ev
	for ch := range f.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// subscribe returns a channel of events and a function that ends the
// subscription. The latest event, if any, is delivered first.
func (f *feed) subscribe() (<-chan Event, func()) {
	ch := make(chan Event, subscriberBuffer)
	f.mu.Lock()
	if f.latest != nil {
		ch <- *f.latest
	}
	f.subs[ch] = struct{}{}
	f.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			f.mu.Lock()
			delete(f.subs, ch)
			f.mu.Unlock()
		})
	}
}

// snapshot returns the latest event.
func (f *feed) snapshot() (Event, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.latest == nil {
		return Event{}, false
	}
	return *f.latest, true
}

const subscriberBuffer = 64
