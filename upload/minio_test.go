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
	"errors"
	"testing"

	"github.com/minio/minio-go/v7"
)

func TestMinioObjectName(t *testing.T) {
	m := &MinioBackend{prefix: "imports"}
	for i, tc := range []struct {
		item   Item
		expect string
	}{
		{item: Item{ID: "a", FileName: "IMG_1.JPG", Fingerprint: ptr("abc")}, expect: "imports/fingerprints/abc"},
		{item: Item{ID: "b", FileName: "IMG_2.jpg"}, expect: "imports/items/b.jpg"},
		{item: Item{ID: "c", FileName: "noext", Fingerprint: ptr("")}, expect: "imports/items/c"},
	} {
		if actual := m.objectName(tc.item); actual != tc.expect {
			t.Errorf("Test %d: expected %s, got %s", i, tc.expect, actual)
		}
	}
}

func TestMinioObjectMetadata(t *testing.T) {
	meta := objectMetadata(Item{ID: "a", FileName: "a.jpg", Latitude: ptr(-1.5), Timestamp: ptr("2025:12:23 14:30:00")})
	expect := map[string]string{
		"item-id":   "a",
		"file-name": "a.jpg",
		"latitude":  "-1.5",
		"timestamp": "2025:12:23 14:30:00",
	}
	if len(meta) != len(expect) {
		t.Fatalf("expected %v, got %v", expect, meta)
	}
	for k, v := range expect {
		if meta[k] != v {
			t.Errorf("%s: expected %q, got %q", k, v, meta[k])
		}
	}
}

func TestMinioIsNotFound(t *testing.T) {
	if !isNotFound(minio.ErrorResponse{Code: "NoSuchKey"}) {
		t.Error("NoSuchKey should be not-found")
	}
	if !isNotFound(minio.ErrorResponse{StatusCode: 404}) {
		t.Error("404 should be not-found")
	}
	if isNotFound(errors.New("connection refused")) {
		t.Error("a transport error should not be not-found")
	}
}
