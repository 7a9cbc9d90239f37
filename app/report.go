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
	"time"

	"github.com/timelinize/photoimport/cluster"
	"github.com/timelinize/photoimport/importer"
	"github.com/timelinize/photoimport/media"
	"github.com/timelinize/photoimport/upload"
)

// ItemReport summarizes one photo.
type ItemReport struct {
	ID           string              `json:"id"`
	Path         string              `json:"path,omitempty"`
	FileName     string              `json:"file_name"`
	Status       importer.ItemStatus `json:"status"`
	Message      string              `json:"message,omitempty"`
	Deferred     bool                `json:"deferred,omitempty"`
	Fingerprint  *string             `json:"fingerprint,omitempty"`
	Latitude     *float64            `json:"latitude,omitempty"`
	Longitude    *float64            `json:"longitude,omitempty"`
	Timestamp    *string             `json:"timestamp,omitempty"`
	TimestampTag string              `json:"timestamp_tag,omitempty"`
	Metadata     media.Metadata      `json:"metadata,omitempty"`
}

func newItemReport(it importer.ImportItem) ItemReport {
	r := ItemReport{
		ID:          it.ID,
		Path:        it.Buffer.Path,
		FileName:    it.Buffer.FileName,
		Status:      it.Status,
		Message:     it.Message,
		Deferred:    it.Deferred,
		Fingerprint: it.Fingerprint,
		Metadata:    it.Metadata,
	}
	if it.Exif != nil {
		r.Latitude, r.Longitude = it.Exif.Latitude, it.Exif.Longitude
		r.Timestamp, r.TimestampTag = it.Exif.Timestamp, it.Exif.TimestampTag
	}
	return r
}

// ScanReport is the result of a scan.
type ScanReport struct {
	Source      string        `json:"source"`
	Total       int           `json:"total"`
	Located     int           `json:"located"`
	Timestamped int           `json:"timestamped"`
	Deferred    int           `json:"deferred"`
	Failed      int           `json:"failed"`
	Duration    time.Duration `json:"duration"`
	Items       []ItemReport  `json:"items"`
}

func newScanReport(source string, items []importer.ImportItem) ScanReport {
	report := ScanReport{
		Source: source,
		Total:  len(items),
		Items:  make([]ItemReport, 0, len(items)),
	}
	for _, it := range items {
		switch {
		case it.Deferred:
			report.Deferred++
		case it.Status == importer.StatusError:
			report.Failed++
		}
		if it.Exif != nil {
			if it.Exif.HasLocation {
				report.Located++
			}
			if it.Exif.Timestamp != nil {
				report.Timestamped++
			}
		}
		report.Items = append(report.Items, newItemReport(it))
	}
	return report
}

// ClusterReport is the result of clustering.
type ClusterReport struct {
	Source   string                 `json:"source"`
	Photos   int                    `json:"photos"`
	Clusters []cluster.PhotoCluster `json:"clusters"`
}

// UploadReport is the result of an upload or retry.
type UploadReport struct {
	SessionID  string `json:"session_id"`
	Source     string `json:"source"`
	Uploaded   int    `json:"uploaded"`
	Duplicates int    `json:"duplicates"`
	Failed     int    `json:"failed"`

	// Items that were never queued: deferred or unreadable.
	Skipped int `json:"skipped"`

	Cancelled bool          `json:"cancelled,omitempty"`
	Duration  time.Duration `json:"duration"`

	// Failures lists failed uploads and items that could not be uploaded.
	Failures []ItemReport `json:"failures,omitempty"`
}

// newUploadReport counts results; remaining holds the items still in
// the session after the results were applied.
func newUploadReport(sessionID, source string, remaining []importer.ImportItem, results []upload.Result) UploadReport {
	report := UploadReport{SessionID: sessionID, Source: source}
	for _, res := range results {
		switch res.Status {
		case upload.TaskSuccess:
			report.Uploaded++
		case upload.TaskDuplicate:
			report.Duplicates++
		case upload.TaskError:
			report.Failed++
		}
	}

	queued := make(map[string]struct{}, len(results))
	for _, res := range results {
		queued[res.ItemID] = struct{}{}
	}
	for _, it := range remaining {
		if _, ok := queued[it.ID]; !ok && it.Status == importer.StatusError {
			report.Skipped++
		}
		if it.Status == importer.StatusError {
			report.Failures = append(report.Failures, newItemReport(it))
		}
	}
	return report
}
