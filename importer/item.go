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

// Package importer turns raw image bytes into import items: it loads files,
// extracts their EXIF data and fingerprints in an isolated worker, and keeps
// the per-session item state that clustering and uploading read from.
package importer

import (
	"time"

	"github.com/timelinize/photoimport/media"
)

// RawImageBuffer is the content of one selected file. It is never
// modified after creation.
type RawImageBuffer struct {
	ID       string    `json:"id"`
	FileName string    `json:"file_name"`
	FileSize int64     `json:"file_size"`
	MimeType string    `json:"mime_type"`
	Data     []byte    `json:"-"`
	ModTime  time.Time `json:"mod_time,omitzero"`

	// Source is the directory or archive the file was loaded from, and
	// Path its location within Source.
	Source string `json:"source,omitempty"`
	Path   string `json:"path,omitempty"`

	// ReadError is set when the file could not be read; Data is nil.
	ReadError string `json:"read_error,omitempty"`
}

// ItemStatus is the processing state of an ImportItem.
type ItemStatus string

const (
	StatusPending    ItemStatus = "pending"
	StatusProcessing ItemStatus = "processing"
	StatusReady      ItemStatus = "ready"
	StatusDuplicate  ItemStatus = "duplicate"
	StatusError      ItemStatus = "error"
)

// ImportItem is one selected photo and what is known about it.
type ImportItem struct {
	ID          string            `json:"id"`
	Buffer      RawImageBuffer    `json:"buffer"`
	Exif        *media.ExifRecord `json:"exif,omitempty"`
	Fingerprint *string           `json:"fingerprint,omitempty"`
	Status      ItemStatus        `json:"status"`
	Message     string            `json:"message,omitempty"`

	// Deferred items are in a container this pipeline cannot read and
	// are waiting to be transcoded elsewhere.
	Deferred bool `json:"deferred,omitempty"`

	// Metadata holds every EXIF field, when full extraction is enabled.
	Metadata media.Metadata `json:"metadata,omitempty"`
}

// MessageDeferred is the message of items with an unsupported container.
const MessageDeferred = "not a JPEG; needs transcoding before import"

// MessageUnreadable is the message of items whose file could not be read.
const MessageUnreadable = "file could not be read"

// isJPEG reports whether buf should go through the EXIF parser.
func isJPEG(buf RawImageBuffer) bool {
	switch buf.MimeType {
	case "image/jpeg", "image/jpg", "image/pjpeg":
		return true
	case "", "application/octet-stream":
		return len(buf.Data) >= 2 && buf.Data[0] == 0xFF && buf.Data[1] == 0xD8
	}
	return false
}
