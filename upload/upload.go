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

// Package upload sends processed photos to a remote service with a hard
// concurrency cap, skipping photos the service already has.
package upload

import (
	"context"
	"errors"
)

// Item is one photo to upload.
type Item struct {
	ID          string   `json:"id"`
	FileName    string   `json:"file_name"`
	MimeType    string   `json:"mime_type,omitempty"`
	Data        []byte   `json:"-"`
	Fingerprint *string  `json:"fingerprint,omitempty"`
	Latitude    *float64 `json:"latitude,omitempty"`
	Longitude   *float64 `json:"longitude,omitempty"`
	Timestamp   *string  `json:"timestamp,omitempty"`
}

// TaskStatus is the state of one upload task.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskUploading TaskStatus = "uploading"
	TaskSuccess   TaskStatus = "success"
	TaskError     TaskStatus = "error"
	TaskDuplicate TaskStatus = "duplicate"
)

// Terminal reports whether no further transitions can happen from s.
func (s TaskStatus) Terminal() bool {
	return s == TaskSuccess || s == TaskError || s == TaskDuplicate
}

// Task is a snapshot of an upload task.
type Task struct {
	ItemID          string     `json:"item_id"`
	FileName        string     `json:"file_name"`
	Status          TaskStatus `json:"status"`
	Message         string     `json:"message,omitempty"`
	ProgressPercent float64    `json:"progress_percent"`
}

// Result is the terminal outcome of one task.
type Result struct {
	ItemID  string     `json:"item_id"`
	Status  TaskStatus `json:"status"`
	Message string     `json:"message,omitempty"`
}

// Progress is a snapshot of the queue's counters.
type Progress struct {
	Total       int      `json:"total"`
	Pending     int      `json:"pending"`
	Succeeded   int      `json:"succeeded"`
	Failed      int      `json:"failed"`
	Duplicate   int      `json:"duplicate"`
	InFlight    int      `json:"in_flight"`
	InFlightIDs []string `json:"in_flight_ids"`
}

// Done is the number of tasks in a terminal state.
func (p Progress) Done() int { return p.Succeeded + p.Failed + p.Duplicate }

// State is the state of the queue as a whole.
type State string

const (
	StateIdle      State = "idle"
	StateRunning   State = "running"
	StatePaused    State = "paused"
	StateDrained   State = "drained"
	StateCancelled State = "cancelled"
)

// ErrCancelled is returned by Enqueue after Cancel, and by Start for a
// run that was cancelled.
var ErrCancelled = errors.New("upload queue cancelled")

// MessageCancelled is the message of tasks dropped by Cancel.
const MessageCancelled = "cancelled"

// DuplicateChecker reports which fingerprints the remote side already has.
type DuplicateChecker interface {
	CheckDuplicates(ctx context.Context, fingerprints []string) ([]string, error)
}

// ProgressFunc receives the number of bytes sent so far out of total.
type ProgressFunc func(sent, total int64)

// Uploader sends one item. It may report byte progress through progress,
// which is never nil.
type Uploader interface {
	Upload(ctx context.Context, item Item, progress ProgressFunc) error
}
