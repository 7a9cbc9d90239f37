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

// Package cluster groups photos into memories by capture time and place.
// Everything in this package is pure: the same input always produces the
// same clusters, ids and labels.
package cluster

import (
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"sort"
	"time"

	"github.com/timelinize/photoimport/media"
	"github.com/zeebo/blake3"
)

// Defaults for Options.
const (
	DefaultTimeWindow      = 2 * time.Hour
	DefaultProximityMeters = 100.0
)

// exifTimeLayout is the format of EXIF DateTime* values.
const exifTimeLayout = "2006:01:02 15:04:05"

// ErrSplitIndex is returned by Split when the index does not leave at
// least one photo on each side.
var ErrSplitIndex = errors.New("split index out of range")

// ErrUnknownPhoto is returned by Merge and Split when a cluster lists a
// photo id that neither the cluster nor the given photos can resolve.
var ErrUnknownPhoto = errors.New("photo not found")

// ErrEmptyCluster is returned when merging a cluster with no photos.
var ErrEmptyCluster = errors.New("cluster has no photos")

// TimeZoneFinder resolves coordinates to an IANA time zone name.
// The finder returned by tzf.NewDefaultFinder satisfies it.
type TimeZoneFinder interface {
	GetTimezoneName(lng, lat float64) string
}

// Options configures an Engine.
type Options struct {
	// Consecutive photos further apart than this start a new cluster.
	TimeWindow time.Duration

	// Consecutive located photos further apart than this start a new cluster.
	ProximityMeters float64

	// Now supplies the last-resort timestamp for photos with no EXIF
	// timestamp and no modification time. It is called once per operation.
	Now func() time.Time

	// TimeZones, if set, fills PhotoCluster.TimeZone from the
	// representative location.
	TimeZones TimeZoneFinder
}

// Photo is the input to clustering.
type Photo struct {
	ID      string
	Exif    *media.ExifRecord
	ModTime time.Time
}

// TimestampSource tells where a photo's effective timestamp came from.
type TimestampSource string

const (
	SourceDateTimeOriginal  TimestampSource = "exif_original"
	SourceDateTimeDigitized TimestampSource = "exif_digitized"
	SourceModTime           TimestampSource = "mod_time"
	SourceProcessingTime    TimestampSource = "processing_time"
)

// PhotoCluster is a group of photos taken close together in time and place.
type PhotoCluster struct {
	ID                     string    `json:"id"`
	Index                  int       `json:"index"`
	PhotoIDs               []string  `json:"photo_ids"`
	AnchorPhotoID          string    `json:"anchor_photo_id"`
	Label                  string    `json:"label"`
	StartTime              time.Time `json:"start_time"`
	EndTime                time.Time `json:"end_time"`
	RepresentativeLocation *Location `json:"representative_location,omitempty"`
	TimeZone               string    `json:"time_zone,omitempty"`

	members []member
}

// Len returns the number of photos in the cluster.
func (c PhotoCluster) Len() int { return len(c.PhotoIDs) }

type member struct {
	photo  Photo
	ts     time.Time
	source TimestampSource
}

// Engine builds and edits clusters.
type Engine struct {
	opts Options
}

// New returns an Engine, filling in defaults for unset options.
func New(opts Options) *Engine {
	if opts.TimeWindow <= 0 {
		opts.TimeWindow = DefaultTimeWindow
	}
	if opts.ProximityMeters <= 0 {
		opts.ProximityMeters = DefaultProximityMeters
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Engine{opts: opts}
}

// EffectiveTimestamp resolves the time used to order p: EXIF
// DateTimeOriginal, then DateTimeDigitized, then ModTime, then now.
func EffectiveTimestamp(p Photo, now time.Time) (time.Time, TimestampSource) {
	if p.Exif != nil && p.Exif.Timestamp != nil {
		if ts, err := time.ParseInLocation(exifTimeLayout, *p.Exif.Timestamp, time.UTC); err == nil {
			if p.Exif.TimestampTag == media.TagDateTimeDigitized {
				return ts, SourceDateTimeDigitized
			}
			return ts, SourceDateTimeOriginal
		}
	}
	if !p.ModTime.IsZero() {
		return p.ModTime.UTC(), SourceModTime
	}
	return now.UTC(), SourceProcessingTime
}

// Build partitions photos into clusters. Photos are ordered by effective
// timestamp (ties keep input order) and each one joins the current cluster
// if it is within TimeWindow and ProximityMeters of the last photo placed
// there. Proximity is assumed when either photo has no location.
func (e *Engine) Build(photos []Photo) []PhotoCluster {
	clusters := []PhotoCluster{}
	if len(photos) == 0 {
		return clusters
	}

	members := e.resolve(photos)
	sort.SliceStable(members, func(i, j int) bool {
		return members[i].ts.Before(members[j].ts)
	})

	current := []member{members[0]}
	for _, m := range members[1:] {
		last := current[len(current)-1]
		if m.ts.Sub(last.ts) <= e.opts.TimeWindow && e.near(last, m) {
			current = append(current, m)
			continue
		}
		clusters = append(clusters, e.finalize(len(clusters)+1, current))
		current = []member{m}
	}
	return append(clusters, e.finalize(len(clusters)+1, current))
}

// Merge combines a and b into one cluster with a's index. Members are
// reordered chronologically; the result is not checked against the
// clustering thresholds. Clusters that were decoded rather than returned
// by this engine carry only photo ids; their photos must be passed in.
func (e *Engine) Merge(a, b PhotoCluster, photos ...Photo) (PhotoCluster, error) {
	now := e.opts.Now()
	byID := indexPhotos(photos)
	ma, err := e.membersOf(a, byID, now)
	if err != nil {
		return PhotoCluster{}, err
	}
	mb, err := e.membersOf(b, byID, now)
	if err != nil {
		return PhotoCluster{}, err
	}
	members := make([]member, 0, len(ma)+len(mb))
	members = append(members, ma...)
	members = append(members, mb...)
	sort.SliceStable(members, func(i, j int) bool {
		return members[i].ts.Before(members[j].ts)
	})
	return e.finalize(a.Index, members), nil
}

// Split divides c before the photo at index at, which must satisfy
// 0 < at < c.Len(). The first part keeps c's index and the second
// takes the next one; call ReassignIndices to renumber a whole list.
// As with Merge, photos are needed for decoded clusters.
func (e *Engine) Split(c PhotoCluster, at int, photos ...Photo) (PhotoCluster, PhotoCluster, error) {
	if at <= 0 || at >= len(c.PhotoIDs) {
		return PhotoCluster{}, PhotoCluster{}, fmt.Errorf("%w: %d (cluster has %d photos)", ErrSplitIndex, at, len(c.PhotoIDs))
	}
	members, err := e.membersOf(c, indexPhotos(photos), e.opts.Now())
	if err != nil {
		return PhotoCluster{}, PhotoCluster{}, err
	}
	first := append([]member(nil), members[:at]...)
	second := append([]member(nil), members[at:]...)
	return e.finalize(c.Index, first), e.finalize(c.Index+1, second), nil
}

// ReassignIndices returns clusters renumbered 1..n in their current order,
// with labels regenerated to match.
func (e *Engine) ReassignIndices(clusters []PhotoCluster) []PhotoCluster {
	out := make([]PhotoCluster, len(clusters))
	for i, c := range clusters {
		c.Index = i + 1
		c.Label = label(c.Index, len(c.PhotoIDs), c.RepresentativeLocation)
		out[i] = c
	}
	return out
}

func (e *Engine) resolve(photos []Photo) []member {
	return resolveAt(photos, e.opts.Now())
}

func resolveAt(photos []Photo, now time.Time) []member {
	members := make([]member, len(photos))
	for i, p := range photos {
		ts, src := EffectiveTimestamp(p, now)
		members[i] = member{photo: p, ts: ts, source: src}
	}
	return members
}

// membersOf returns the members of c in c's order, looking photos up in
// byID when c does not carry them.
func (e *Engine) membersOf(c PhotoCluster, byID map[string]Photo, now time.Time) ([]member, error) {
	if len(c.members) == len(c.PhotoIDs) && len(c.members) > 0 {
		return c.members, nil
	}
	if len(c.PhotoIDs) == 0 {
		return nil, ErrEmptyCluster
	}
	photos := make([]Photo, len(c.PhotoIDs))
	for i, id := range c.PhotoIDs {
		p, ok := byID[id]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownPhoto, id)
		}
		photos[i] = p
	}
	return resolveAt(photos, now), nil
}

func indexPhotos(photos []Photo) map[string]Photo {
	byID := make(map[string]Photo, len(photos))
	for _, p := range photos {
		byID[p.ID] = p
	}
	return byID
}

func (e *Engine) near(a, b member) bool {
	la, lb := locationOf(a.photo), locationOf(b.photo)
	if la == nil || lb == nil {
		return true
	}
	return haversineDistanceMeters(la.Latitude, la.Longitude, lb.Latitude, lb.Longitude) <= e.opts.ProximityMeters
}

func locationOf(p Photo) *Location {
	if p.Exif == nil || !p.Exif.HasLocation {
		return nil
	}
	return &Location{Latitude: *p.Exif.Latitude, Longitude: *p.Exif.Longitude}
}

// finalize computes a cluster's metadata from its chronologically ordered members.
func (e *Engine) finalize(index int, members []member) PhotoCluster {
	c := PhotoCluster{
		Index:     index,
		PhotoIDs:  make([]string, len(members)),
		StartTime: members[0].ts,
		EndTime:   members[len(members)-1].ts,
		members:   members,
	}

	anchor := members[0]
	h := newHash()
	for i, m := range members {
		c.PhotoIDs[i] = m.photo.ID
		_, _ = h.Write([]byte(m.photo.ID))
		_, _ = h.Write([]byte{0})
		if m.ts.Before(anchor.ts) {
			anchor = m
		}
		if c.RepresentativeLocation == nil {
			c.RepresentativeLocation = locationOf(m.photo)
		}
	}
	c.AnchorPhotoID = anchor.photo.ID
	c.ID = hex.EncodeToString(h.Sum(nil)[:16])

	if c.RepresentativeLocation != nil && e.opts.TimeZones != nil {
		c.TimeZone = e.opts.TimeZones.GetTimezoneName(c.RepresentativeLocation.Longitude, c.RepresentativeLocation.Latitude)
	}
	c.Label = label(index, len(members), c.RepresentativeLocation)
	return c
}

func label(index, count int, loc *Location) string {
	noun := "photos"
	if count == 1 {
		noun = "photo"
	}
	where := "Unknown"
	if loc != nil {
		where = fmt.Sprintf("%.4f, %.4f", loc.Latitude, loc.Longitude)
	}
	return fmt.Sprintf("Memory %d · %d %s · %s", index, count, noun, where)
}

func newHash() hash.Hash { return blake3.New() }
