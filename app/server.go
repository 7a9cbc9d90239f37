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
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"slices"
	"time"

	"github.com/caddyserver/caddy/v2/modules/caddyhttp"
	"github.com/gorilla/websocket"
	"github.com/timelinize/photoimport/importer"
	"go.uber.org/zap"
)

// server serves the progress feed and live logs.
type server struct {
	log  *zap.Logger
	feed *feed

	ln         net.Listener
	httpServer *http.Server
	mux        *http.ServeMux

	// Host header values accepted, to mitigate DNS rebinding
	allowedHosts []string
}

func newServer(f *feed, logger *zap.Logger) *server {
	s := &server{
		log:  logger.Named("http"),
		feed: f,
		mux:  http.NewServeMux(),
	}
	s.mux.Handle("GET /progress", s.route(s.handleProgress))
	s.mux.Handle("GET /ws/progress", s.route(s.handleProgressFeed))
	s.mux.Handle("GET /ws/logs", s.route(s.handleLogs))
	return s
}

func (s *server) route(h handlerFunc) http.Handler {
	return wrapErrorHandler(s.enforceHost(h))
}

func (s *server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	rec := caddyhttp.NewResponseRecorder(w, nil, nil)

	w.Header().Set("Server", "photoimport")

	defer func() {
		logFn := s.log.Info
		if rec.Status() >= lowestErrorStatus {
			logFn = s.log.Error
		}
		logFn(r.Method+" "+r.RequestURI,
			zap.String("method", r.Method),
			zap.String("uri", r.RequestURI),
			zap.Int("status", rec.Status()),
			zap.Int("size", rec.Size()),
			zap.Duration("duration", time.Since(start)),
		)
	}()

	s.mux.ServeHTTP(rec, r)
}

// start listens on addr and serves in the background.
func (s *server) start(addr string) error {
	if s.ln != nil {
		return fmt.Errorf("server already running on %s", s.ln.Addr())
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("opening listener: %w", err)
	}
	s.ln = ln
	s.fillAllowedHosts(ln.Addr().String())

	s.httpServer = &http.Server{
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
		MaxHeaderBytes:    1024 * 64,
	}
	go func() {
		err := s.httpServer.Serve(ln)
		if errors.Is(err, net.ErrClosed) || errors.Is(err, http.ErrServerClosed) {
			s.log.Info("stopped server", zap.String("listener", ln.Addr().String()))
		} else if err != nil {
			s.log.Error("server failed", zap.String("listener", ln.Addr().String()), zap.Error(err))
		}
	}()

	s.log.Info("serving progress", zap.String("listener", ln.Addr().String()))
	return nil
}

// addr returns the listener address, or "" if not listening.
func (s *server) addr() string {
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// stop shuts the server down, letting open requests finish within a timeout.
func (s *server) stop() error {
	if s.httpServer == nil {
		return nil
	}
	const shutdownTimeout = 5 * time.Second
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}

func (s *server) fillAllowedHosts(listenAddr string) {
	host, port, err := net.SplitHostPort(listenAddr)
	if err != nil {
		host, port = listenAddr, ""
	}
	join := func(h string) string {
		if port == "" {
			return h
		}
		return net.JoinHostPort(h, port)
	}
	s.allowedHosts = []string{join("localhost"), join("127.0.0.1"), join("::1")}
	if host != "" && !slices.Contains(s.allowedHosts, join(host)) {
		s.allowedHosts = append(s.allowedHosts, join(host))
	}
}

// enforceHost returns a handler that calls next only if the request's
// Host header is one of the allowed hosts.
func (s *server) enforceHost(next handler) handler {
	return handlerFunc(func(w http.ResponseWriter, r *http.Request) error {
		if !slices.Contains(s.allowedHosts, r.Host) {
			return Error{
				Err:        fmt.Errorf("unrecognized Host header value '%s'", r.Host),
				HTTPStatus: http.StatusForbidden,
				Log:        "Host not allowed",
				Message:    "This endpoint can only be accessed via a trusted host.",
			}
		}
		return next.ServeHTTP(w, r)
	})
}

func (s *server) handleProgress(w http.ResponseWriter, _ *http.Request) error {
	ev, ok := s.feed.snapshot()
	if !ok {
		return Error{
			Err:        errors.New("no progress reported yet"),
			HTTPStatus: http.StatusNotFound,
			Message:    "Nothing is being imported yet.",
		}
	}
	return jsonResponse(w, ev, nil)
}

func (s *server) handleProgressFeed(w http.ResponseWriter, r *http.Request) error {
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return Error{
			Err:        err,
			HTTPStatus: http.StatusBadRequest,
			Log:        "upgrading request to websocket",
			Message:    "This endpoint expects a WebSocket client.",
		}
	}
	defer conn.Close()

	events, unsubscribe := s.feed.subscribe()
	defer unsubscribe()

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case ev := <-events:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteJSON(ev); err != nil {
				return nil
			}
		case <-closed:
			return nil
		}
	}
}

func (s *server) handleLogs(w http.ResponseWriter, r *http.Request) error {
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return Error{
			Err:        err,
			HTTPStatus: http.StatusBadRequest,
			Log:        "upgrading request to websocket",
			Message:    "This endpoint expects a WebSocket client.",
		}
	}
	defer conn.Close()

	// while the client is connected, broadcast the logs to it
	importer.AddLogConn(conn)
	defer importer.RemoveLogConn(conn)

	for {
		if _, _, err = conn.ReadMessage(); err != nil {
			break
		}
	}

	return nil
}

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(_ *http.Request) bool { return true }, // Host is checked earlier
}

const (
	lowestErrorStatus = 400
	wsWriteTimeout    = 10 * time.Second
)
