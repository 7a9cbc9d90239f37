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

package cluster

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/timelinize/photoimport/media"
)

var baseTime = time.Date(2025, 12, 23, 8, 0, 0, 0, time.UTC)

func fixedNow() time.Time { return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC) }

func exifAt(ts time.Time, loc *Location) *media.ExifRecord {
	s := ts.Format(exifTimeLayout)
	rec := &media.ExifRecord{Timestamp: &s, TimestampTag: media.TagDateTimeOriginal}
	if loc != nil {
		lat, lon := loc.Latitude, loc.Longitude
		rec.Latitude, rec.Longitude, rec.HasLocation = &lat, &lon, true
	}
	return rec
}

// randomPhotos returns n photos spread over a few days around a handful
// of places; some have no location and some only a modification time.
func randomPhotos(seed uint64, n int) []Photo {
	faker := gofakeit.New(seed)
	centers := []Location{
		{10.7769, 106.7009},
		{21.0285, 105.8542},
		{16.0544, 108.2022},
	}
	photos := make([]Photo, n)
	for i := range photos {
		ts := baseTime.Add(time.Duration(faker.IntRange(0, 3*24*60)) * time.Minute)
		var loc *Location
		if faker.IntRange(0, 3) > 0 {
			c := centers[faker.IntRange(0, len(centers)-1)]
			loc = &Location{
				Latitude:  c.Latitude + faker.Float64Range(-0.0003, 0.0003),
				Longitude: c.Longitude + faker.Float64Range(-0.0003, 0.0003),
			}
		}
		p := Photo{ID: fmt.Sprintf("photo-%03d", i)}
		if faker.IntRange(0, 4) == 0 {
			p.ModTime = ts
		} else {
			p.Exif = exifAt(ts, loc)
		}
		photos[i] = p
	}
	return photos
}

func TestBuildEmpty(t *testing.T) {
	clusters := New(Options{}).Build(nil)
	if clusters == nil || len(clusters) != 0 {
		t.Errorf("expected empty non-nil slice, got %#v", clusters)
	}
}

func TestBuildPartitions(t *testing.T) {
	for seed := range uint64(20) {
		photos := randomPhotos(seed, 60)
		clusters := New(Options{Now: fixedNow}).Build(photos)

		seen := make(map[string]int)
		for _, c := range clusters {
			for _, id := range c.PhotoIDs {
				seen[id]++
			}
		}
		if len(seen) != len(photos) {
			t.Errorf("seed %d: expected %d distinct photos across clusters, got %d", seed, len(photos), len(seen))
		}
		for _, p := range photos {
			if seen[p.ID] != 1 {
				t.Errorf("seed %d: photo %s appears %d times", seed, p.ID, seen[p.ID])
			}
		}
	}
}

func TestBuildNeighbors(t *testing.T) {
	now := fixedNow()
	for seed := range uint64(20) {
		photos := randomPhotos(seed, 60)
		clusters := New(Options{Now: fixedNow}).Build(photos)

		clusterOf := make(map[string]int)
		for i, c := range clusters {
			for _, id := range c.PhotoIDs {
				clusterOf[id] = i
			}
		}
		// neighbors in chronological order more than a window apart never share a cluster
		sorted := append([]Photo(nil), photos...)
		sort.SliceStable(sorted, func(i, j int) bool {
			ti, _ := EffectiveTimestamp(sorted[i], now)
			tj, _ := EffectiveTimestamp(sorted[j], now)
			return ti.Before(tj)
		})
		for i := 1; i < len(sorted); i++ {
			a, b := sorted[i-1], sorted[i]
			ta, _ := EffectiveTimestamp(a, now)
			tb, _ := EffectiveTimestamp(b, now)
			if tb.Sub(ta) > DefaultTimeWindow && clusterOf[a.ID] == clusterOf[b.ID] {
				t.Errorf("seed %d: %s and %s are %s apart but share cluster %d", seed, a.ID, b.ID, tb.Sub(ta), clusterOf[a.ID])
			}
			la, lb := locationOf(a), locationOf(b)
			near := la == nil || lb == nil ||
				haversineDistanceMeters(la.Latitude, la.Longitude, lb.Latitude, lb.Longitude) <= DefaultProximityMeters
			if tb.Sub(ta) <= DefaultTimeWindow && near && clusterOf[a.ID] != clusterOf[b.ID] {
				t.Errorf("seed %d: %s and %s are close in time and place but were separated", seed, a.ID, b.ID)
			}
		}
	}
}

func TestBuildCloseTogether(t *testing.T) {
	here := &Location{10.7769, 106.7009}
	nearby := &Location{10.7770, 106.7010} // about 15 m away
	far := &Location{10.7869, 106.7009}    // about 1.1 km away

	for i, tc := range []struct {
		photos []Photo
		expect [][]string
	}{
		{
			photos: []Photo{
				{ID: "a", Exif: exifAt(baseTime, here)},
				{ID: "b", Exif: exifAt(baseTime.Add(2*time.Hour), nearby)},
			},
			expect: [][]string{{"a", "b"}},
		},
		{
			photos: []Photo{
				{ID: "a", Exif: exifAt(baseTime, here)},
				{ID: "b", Exif: exifAt(baseTime.Add(2*time.Hour+time.Second), here)},
			},
			expect: [][]string{{"a"}, {"b"}},
		},
		{
			photos: []Photo{
				{ID: "a", Exif: exifAt(baseTime, here)},
				{ID: "b", Exif: exifAt(baseTime.Add(time.Minute), far)},
			},
			expect: [][]string{{"a"}, {"b"}},
		},
		{
			// no location on one side means time alone decides
			photos: []Photo{
				{ID: "a", Exif: exifAt(baseTime, here)},
				{ID: "b", Exif: exifAt(baseTime.Add(time.Hour), nil)},
				{ID: "c", Exif: exifAt(baseTime.Add(90*time.Minute), far)},
			},
			expect: [][]string{{"a", "b", "c"}},
		},
		{
			// input order does not matter, only effective time
			photos: []Photo{
				{ID: "late", Exif: exifAt(baseTime.Add(10*time.Hour), nil)},
				{ID: "early", Exif: exifAt(baseTime, nil)},
			},
			expect: [][]string{{"early"}, {"late"}},
		},
	} {
		clusters := New(Options{Now: fixedNow}).Build(tc.photos)
		var actual [][]string
		for _, c := range clusters {
			actual = append(actual, c.PhotoIDs)
		}
		if !reflect.DeepEqual(actual, tc.expect) {
			t.Errorf("Test %d: expected %v, got %v", i, tc.expect, actual)
		}
	}
}

func TestBuildMetadata(t *testing.T) {
	here := &Location{10.77691, 106.70089}
	photos := []Photo{
		{ID: "b", Exif: exifAt(baseTime.Add(30*time.Minute), here)},
		{ID: "a", Exif: exifAt(baseTime, nil)},
		{ID: "c", ModTime: baseTime.Add(time.Hour)},
	}
	clusters := New(Options{Now: fixedNow}).Build(photos)
	if len(clusters) != 1 {
		t.Fatalf("expected 1 cluster, got %d", len(clusters))
	}
	c := clusters[0]
	if c.AnchorPhotoID != "a" {
		t.Errorf("expected anchor a, got %s", c.AnchorPhotoID)
	}
	if !c.StartTime.Equal(baseTime) || !c.EndTime.Equal(baseTime.Add(time.Hour)) {
		t.Errorf("expected span %s to %s, got %s to %s", baseTime, baseTime.Add(time.Hour), c.StartTime, c.EndTime)
	}
	if c.RepresentativeLocation == nil || *c.RepresentativeLocation != *here {
		t.Errorf("expected representative location %v, got %v", here, c.RepresentativeLocation)
	}
	if expect := "Memory 1 · 3 photos · 10.7769, 106.7009"; c.Label != expect {
		t.Errorf("expected label %q, got %q", expect, c.Label)
	}
	if c.Index != 1 {
		t.Errorf("expected index 1, got %d", c.Index)
	}
	if len(c.ID) != 32 {
		t.Errorf("expected 32-char id, got %q", c.ID)
	}
}

func TestBuildAnchorIsEarliest(t *testing.T) {
	now := fixedNow()
	for seed := range uint64(10) {
		photos := randomPhotos(seed, 40)
		byID := make(map[string]Photo)
		for _, p := range photos {
			byID[p.ID] = p
		}
		for _, c := range New(Options{Now: fixedNow}).Build(photos) {
			anchorTS, _ := EffectiveTimestamp(byID[c.AnchorPhotoID], now)
			for _, id := range c.PhotoIDs {
				ts, _ := EffectiveTimestamp(byID[id], now)
				if ts.Before(anchorTS) {
					t.Errorf("seed %d: cluster %d anchor %s is later than member %s", seed, c.Index, c.AnchorPhotoID, id)
				}
			}
		}
	}
}

func TestBuildDeterministic(t *testing.T) {
	photos := randomPhotos(42, 80)
	engine := New(Options{Now: fixedNow})
	first, second := engine.Build(photos), engine.Build(photos)
	if !reflect.DeepEqual(first, second) {
		t.Error("identical input produced different clusters")
	}
}

func TestLabelUnknown(t *testing.T) {
	clusters := New(Options{Now: fixedNow}).Build([]Photo{{ID: "only"}})
	if expect := "Memory 1 · 1 photo · Unknown"; clusters[0].Label != expect {
		t.Errorf("expected %q, got %q", expect, clusters[0].Label)
	}
}

func TestEffectiveTimestamp(t *testing.T) {
	now := fixedNow()
	original := "2025:12:23 14:30:00"
	garbage := "not a time"
	modTime := time.Date(2024, 5, 1, 12, 0, 0, 0, time.FixedZone("UTC+7", 7*3600))

	for i, tc := range []struct {
		photo        Photo
		expect       time.Time
		expectSource TimestampSource
	}{
		{
			photo:        Photo{Exif: &media.ExifRecord{Timestamp: &original, TimestampTag: media.TagDateTimeOriginal}, ModTime: modTime},
			expect:       time.Date(2025, 12, 23, 14, 30, 0, 0, time.UTC),
			expectSource: SourceDateTimeOriginal,
		},
		{
			photo:        Photo{Exif: &media.ExifRecord{Timestamp: &original, TimestampTag: media.TagDateTimeDigitized}},
			expect:       time.Date(2025, 12, 23, 14, 30, 0, 0, time.UTC),
			expectSource: SourceDateTimeDigitized,
		},
		{
			photo:        Photo{Exif: &media.ExifRecord{Timestamp: &garbage}, ModTime: modTime},
			expect:       modTime,
			expectSource: SourceModTime,
		},
		{
			photo:        Photo{},
			expect:       now,
			expectSource: SourceProcessingTime,
		},
	} {
		actual, source := EffectiveTimestamp(tc.photo, now)
		if !actual.Equal(tc.expect) || source != tc.expectSource {
			t.Errorf("Test %d: expected %s (%s), got %s (%s)", i, tc.expect, tc.expectSource, actual, source)
		}
	}
}

func TestSplitThenMerge(t *testing.T) {
	photos := make([]Photo, 6)
	for i := range photos {
		photos[i] = Photo{ID: fmt.Sprintf("p%d", i), Exif: exifAt(baseTime.Add(time.Duration(i)*time.Minute), nil)}
	}
	engine := New(Options{Now: fixedNow})
	clusters := engine.Build(photos)
	if len(clusters) != 1 {
		t.Fatalf("expected 1 cluster, got %d", len(clusters))
	}
	original := clusters[0]

	for at := 1; at < original.Len(); at++ {
		left, right, err := engine.Split(original, at)
		if err != nil {
			t.Fatalf("split at %d: %v", at, err)
		}
		if left.Len() != at || right.Len() != original.Len()-at {
			t.Errorf("split at %d: sizes %d and %d", at, left.Len(), right.Len())
		}
		if right.AnchorPhotoID != original.PhotoIDs[at] {
			t.Errorf("split at %d: expected second anchor %s, got %s", at, original.PhotoIDs[at], right.AnchorPhotoID)
		}

		// merging in reverse order still restores the chronological order
		merged, err := engine.Merge(right, left)
		if err != nil {
			t.Fatalf("split at %d then merge: %v", at, err)
		}
		got := append([]string(nil), merged.PhotoIDs...)
		want := append([]string(nil), original.PhotoIDs...)
		sort.Strings(got)
		sort.Strings(want)
		if !reflect.DeepEqual(got, want) {
			t.Errorf("split at %d then merge: expected %v, got %v", at, want, got)
		}
		if merged.AnchorPhotoID != original.AnchorPhotoID {
			t.Errorf("split at %d then merge: expected anchor %s, got %s", at, original.AnchorPhotoID, merged.AnchorPhotoID)
		}
		if merged.ID != original.ID {
			t.Errorf("split at %d then merge: expected id %s, got %s", at, original.ID, merged.ID)
		}
	}
}

func TestSplitOutOfRange(t *testing.T) {
	engine := New(Options{Now: fixedNow})
	c := engine.Build([]Photo{{ID: "a"}, {ID: "b"}})[0]
	for _, at := range []int{-1, 0, 2, 100} {
		if _, _, err := engine.Split(c, at); !errors.Is(err, ErrSplitIndex) {
			t.Errorf("split at %d: expected ErrSplitIndex, got %v", at, err)
		}
	}
}

func TestEditDecodedClusters(t *testing.T) {
	photos := []Photo{
		{ID: "early", Exif: exifAt(baseTime, nil)},
		{ID: "early2", Exif: exifAt(baseTime.Add(10*time.Minute), nil)},
		{ID: "late", Exif: exifAt(baseTime.Add(4*time.Hour), nil)},
	}
	engine := New(Options{Now: fixedNow})
	clusters := engine.Build(photos)
	if len(clusters) != 2 {
		t.Fatalf("expected 2 clusters, got %d", len(clusters))
	}

	data, err := json.Marshal(clusters)
	if err != nil {
		t.Fatal(err)
	}
	var decoded []PhotoCluster
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatal(err)
	}

	if _, err := engine.Merge(decoded[1], decoded[0]); !errors.Is(err, ErrUnknownPhoto) {
		t.Errorf("merge without photos: expected ErrUnknownPhoto, got %v", err)
	}
	if _, _, err := engine.Split(decoded[0], 1); !errors.Is(err, ErrUnknownPhoto) {
		t.Errorf("split without photos: expected ErrUnknownPhoto, got %v", err)
	}
	if _, err := engine.Merge(PhotoCluster{}, decoded[0], photos...); !errors.Is(err, ErrEmptyCluster) {
		t.Errorf("merge empty cluster: expected ErrEmptyCluster, got %v", err)
	}

	merged, err := engine.Merge(decoded[1], decoded[0], photos...)
	if err != nil {
		t.Fatal(err)
	}
	if want := []string{"early", "early2", "late"}; !reflect.DeepEqual(merged.PhotoIDs, want) {
		t.Errorf("expected %v, got %v", want, merged.PhotoIDs)
	}
	if merged.AnchorPhotoID != "early" {
		t.Errorf("expected anchor early, got %s", merged.AnchorPhotoID)
	}
	if !merged.StartTime.Equal(baseTime) || !merged.EndTime.Equal(baseTime.Add(4*time.Hour)) {
		t.Errorf("expected %s to %s, got %s to %s", baseTime, baseTime.Add(4*time.Hour), merged.StartTime, merged.EndTime)
	}

	left, right, err := engine.Split(decoded[0], 1, photos...)
	if err != nil {
		t.Fatal(err)
	}
	if !left.StartTime.Equal(baseTime) || !right.StartTime.Equal(baseTime.Add(10*time.Minute)) {
		t.Errorf("split start times: got %s and %s", left.StartTime, right.StartTime)
	}
}

func TestReassignIndices(t *testing.T) {
	engine := New(Options{Now: fixedNow})
	clusters := engine.Build([]Photo{
		{ID: "a", Exif: exifAt(baseTime, nil)},
		{ID: "b", Exif: exifAt(baseTime.Add(5*time.Hour), nil)},
		{ID: "c", Exif: exifAt(baseTime.Add(10*time.Hour), nil)},
	})
	merged, err := engine.Merge(clusters[0], clusters[1])
	if err != nil {
		t.Fatal(err)
	}
	edited := []PhotoCluster{clusters[2], merged}
	renumbered := engine.ReassignIndices(edited)
	for i, c := range renumbered {
		if c.Index != i+1 {
			t.Errorf("cluster %d: expected index %d, got %d", i, i+1, c.Index)
		}
		if !strings.HasPrefix(c.Label, fmt.Sprintf("Memory %d · ", i+1)) {
			t.Errorf("cluster %d: label %q does not match index", i, c.Label)
		}
	}
	if edited[0].Index != 3 {
		t.Error("ReassignIndices modified its input")
	}
}

type fakeZones map[Location]string

func (f fakeZones) GetTimezoneName(lng, lat float64) string {
	return f[Location{Latitude: lat, Longitude: lng}]
}

func TestTimeZone(t *testing.T) {
	here := Location{10.7769, 106.7009}
	engine := New(Options{Now: fixedNow, TimeZones: fakeZones{here: "Asia/Ho_Chi_Minh"}})
	clusters := engine.Build([]Photo{
		{ID: "a", Exif: exifAt(baseTime, &here)},
		{ID: "b", Exif: exifAt(baseTime.Add(24*time.Hour), nil)},
	})
	if clusters[0].TimeZone != "Asia/Ho_Chi_Minh" {
		t.Errorf("expected time zone, got %q", clusters[0].TimeZone)
	}
	if clusters[1].TimeZone != "" {
		t.Errorf("expected no time zone without a location, got %q", clusters[1].TimeZone)
	}
}

func TestHaversine(t *testing.T) {
	for i, tc := range []struct {
		a, b     Location
		min, max float64
	}{
		{a: Location{0, 0}, b: Location{0, 0}, min: 0, max: 0},
		{a: Location{10.7769, 106.7009}, b: Location{10.7770, 106.7010}, min: 10, max: 20},
		{a: Location{0, 0}, b: Location{0, 1}, min: 111_000, max: 111_400},
		{a: Location{51.5074, -0.1278}, b: Location{48.8566, 2.3522}, min: 340_000, max: 345_000},
	} {
		d := haversineDistanceMeters(tc.a.Latitude, tc.a.Longitude, tc.b.Latitude, tc.b.Longitude)
		if d < tc.min || d > tc.max {
			t.Errorf("Test %d: expected distance in [%f, %f], got %f", i, tc.min, tc.max, d)
		}
	}
}
