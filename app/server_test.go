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
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
	"github.com/timelinize/photoimport/upload"
	"go.uber.org/zap/zaptest"
)

func TestFeedPublishDoesNotBlock(t *testing.T) {
	f := newFeed()
	events, unsubscribe := f.subscribe()
	defer unsubscribe()

	// nobody reads events, so all but the first subscriberBuffer are dropped
	for i := range subscriberBuffer * 3 {
		f.publish(Event{SessionID: "s", Scan: &ScanProgress{Done: i}})
	}
	require.Len(t, events, subscriberBuffer)

	latest, ok := f.snapshot()
	require.True(t, ok)
	require.Equal(t, subscriberBuffer*3-1, latest.Scan.Done)
	require.False(t, latest.Time.IsZero())

	unsubscribe()
	unsubscribe()
	f.publish(Event{SessionID: "after"})
}

func TestFeedSubscribeGetsLatest(t *testing.T) {
	f := newFeed()
	_, ok := f.snapshot()
	require.False(t, ok)

	f.publish(Event{SessionID: "s", Phase: PhaseUpload})
	events, unsubscribe := f.subscribe()
	defer unsubscribe()

	ev := <-events
	require.Equal(t, PhaseUpload, ev.Phase)
}

func newTestServer(t *testing.T) (*server, *httptest.Server) {
	t.Helper()
	s := newServer(newFeed(), zaptest.NewLogger(t))
	srv := httptest.NewServer(s)
	t.Cleanup(srv.Close)
	s.fillAllowedHosts(srv.Listener.Addr().String())
	return s, srv
}

func TestServerProgress(t *testing.T) {
	s, srv := newTestServer(t)

	resp, err := http.Get(srv.URL + "/progress")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	s.feed.publish(Event{SessionID: "s1", Phase: PhaseUpload, Upload: &upload.Progress{Total: 5, Succeeded: 2}})

	resp, err = http.Get(srv.URL + "/progress")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "photoimport", resp.Header.Get("Server"))

	var ev Event
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&ev))
	require.Equal(t, "s1", ev.SessionID)
	require.Equal(t, 2, ev.Upload.Succeeded)
}

func TestServerRejectsUnknownHost(t *testing.T) {
	_, srv := newTestServer(t)

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/progress", nil)
	require.NoError(t, err)
	req.Host = "attacker.example.com"
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusForbidden, resp.StatusCode)

	var body Error
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.NotEmpty(t, body.ID)
	require.Contains(t, body.ErrString, "attacker.example.com")
}

func TestHandleErrorUnstructured(t *testing.T) {
	h := wrapErrorHandler(handlerFunc(func(http.ResponseWriter, *http.Request) error {
		return errors.New("disk on fire")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/progress", nil))

	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var body Error
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	require.Len(t, body.ID, 12)
	require.Equal(t, "disk on fire", body.ErrString)
	require.Equal(t, "disk on fire", body.Message)
	require.Equal(t, http.StatusInternalServerError, body.HTTPStatus)
}

func TestServerMethodNotAllowed(t *testing.T) {
	_, srv := newTestServer(t)
	resp, err := http.Post(srv.URL+"/progress", "application/json", strings.NewReader("{}"))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestServerProgressFeed(t *testing.T) {
	s, srv := newTestServer(t)
	s.feed.publish(Event{SessionID: "s1", Phase: PhaseScan, Scan: &ScanProgress{Done: 1, Total: 3}})

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws/progress", nil)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))

	var ev Event
	require.NoError(t, conn.ReadJSON(&ev))
	require.Equal(t, PhaseScan, ev.Phase)
	require.Equal(t, 3, ev.Scan.Total)
}
