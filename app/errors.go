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
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/timelinize/photoimport/importer"
	"go.uber.org/zap"
)

// Error is an error returned by a progress server handler. It is sent to
// the client as JSON and logged with the same ID.
type Error struct {
	Err        error  `json:"-"`
	HTTPStatus int    `json:"http_status"`
	Log        string `json:"-"` // log message; the client never sees it
	Message    string `json:"message,omitempty"`

	// set by handleError
	ID        string `json:"id,omitempty"`
	ErrString string `json:"error"`
}

func (e Error) Error() string {
	parts := make([]string, 0, 3)
	if e.Log != "" {
		parts = append(parts, e.Log)
	}
	if e.Err != nil {
		parts = append(parts, e.Err.Error())
	}
	if e.Message != "" {
		parts = append(parts, e.Message)
	}
	msg := strings.Join(parts, ": ")
	if e.ID != "" {
		msg += " {id=" + e.ID + "}"
	}
	return msg
}

func (e Error) Unwrap() error { return e.Err }

// handleError writes err as a JSON Error response. Errors that are not an
// Error become a 500.
func handleError(w http.ResponseWriter, r *http.Request, err error) {
	var resp Error
	if !errors.As(err, &resp) {
		resp = Error{Err: err, Log: "unhandled error"}
	}
	resp.ID = newErrorID()
	if resp.Err != nil {
		resp.ErrString = resp.Err.Error()
		if resp.Message == "" {
			resp.Message = resp.ErrString
		}
	}
	if resp.HTTPStatus < http.StatusBadRequest {
		resp.HTTPStatus = http.StatusInternalServerError
	}

	importer.Log.Named("http").Error(resp.Log,
		zap.Error(resp.Err),
		zap.Int("status", resp.HTTPStatus),
		zap.String("method", r.Method),
		zap.String("path", r.URL.Path),
		zap.String("error_id", resp.ID))

	body, err := json.Marshal(resp)
	if err != nil {
		importer.Log.Error("encoding error response",
			zap.Error(err),
			zap.String("error_id", resp.ID))
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Length", strconv.Itoa(len(body)))
	w.WriteHeader(resp.HTTPStatus)
	_, _ = w.Write(body)
}

// newErrorID returns a short id for matching a response to its log entry.
func newErrorID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}
