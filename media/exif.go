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

// Package media extracts the metadata an import needs from raw image bytes.
package media

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
)

// ExifRecord is the subset of EXIF data that drives clustering and upload.
// A field is nil when its tags were absent or could not be decoded.
type ExifRecord struct {
	Latitude  *float64 `json:"latitude,omitempty"`
	Longitude *float64 `json:"longitude,omitempty"`

	// Timestamp is the raw EXIF value, "YYYY:MM:DD HH:MM:SS", with no zone.
	Timestamp *string `json:"timestamp,omitempty"`

	// TimestampTag names the tag Timestamp came from.
	TimestampTag string `json:"timestamp_tag,omitempty"`

	HasLocation bool `json:"has_location"`
}

// Clone returns a deep copy of r.
func (r *ExifRecord) Clone() *ExifRecord {
	if r == nil {
		return nil
	}
	out := &ExifRecord{TimestampTag: r.TimestampTag, HasLocation: r.HasLocation}
	if r.Latitude != nil {
		lat := *r.Latitude
		out.Latitude = &lat
	}
	if r.Longitude != nil {
		lon := *r.Longitude
		out.Longitude = &lon
	}
	if r.Timestamp != nil {
		ts := *r.Timestamp
		out.Timestamp = &ts
	}
	return out
}

// Names for TimestampTag.
const (
	TagDateTimeOriginal  = "DateTimeOriginal"
	TagDateTimeDigitized = "DateTimeDigitized"
)

// Reasons DecodeEXIF gives up on a buffer.
var (
	ErrNotJPEG     = errors.New("not a JPEG stream")
	ErrNoEXIF      = errors.New("no EXIF segment")
	ErrOutOfBounds = errors.New("read past end of buffer")
	ErrMalformed   = errors.New("malformed EXIF data")
)

// ParseEXIF returns the EXIF record of a JPEG buffer, or nil if the buffer
// has no readable Exif APP1 segment. It never panics on malformed input.
// A record whose fields are all nil means an Exif segment was present but
// none of the tags of interest resolved.
func ParseEXIF(data []byte) *ExifRecord {
	rec, err := DecodeEXIF(data)
	if err != nil {
		return nil
	}
	return rec
}

// DecodeEXIF is like ParseEXIF but reports why no record was produced.
func DecodeEXIF(data []byte) (rec *ExifRecord, err error) {
	defer func() {
		if r := recover(); r != nil {
			rec, err = nil, fmt.Errorf("%w: %v", ErrMalformed, r)
		}
	}()
	payload, err := findExifPayload(data)
	if err != nil {
		return nil, err
	}
	return parseTIFF(payload)
}

const (
	markerPrefix = 0xFF
	markerSOI    = 0xD8
	markerEOI    = 0xD9
	markerSOS    = 0xDA
	markerAPP1   = 0xE1
	markerTEM    = 0x01
	markerRST0   = 0xD0
	markerRST7   = 0xD7
)

var exifHeader = []byte("Exif\x00\x00")

// findExifPayload walks the marker segments up to the start of scan and
// returns the TIFF block of the first Exif APP1 segment.
func findExifPayload(data []byte) ([]byte, error) {
	if len(data) < 2 || data[0] != markerPrefix || data[1] != markerSOI {
		return nil, ErrNotJPEG
	}
	pos := 2
	for {
		if pos+2 > len(data) {
			return nil, ErrOutOfBounds
		}
		if data[pos] != markerPrefix {
			return nil, fmt.Errorf("%w: expected marker at offset %d", ErrMalformed, pos)
		}
		marker := data[pos+1]
		if marker == markerPrefix {
			// fill byte
			pos++
			continue
		}
		pos += 2

		switch {
		case marker == markerSOS, marker == markerEOI:
			return nil, ErrNoEXIF
		case marker == markerTEM, marker == markerSOI, marker >= markerRST0 && marker <= markerRST7:
			continue
		}

		if pos+2 > len(data) {
			return nil, ErrOutOfBounds
		}
		length := int(binary.BigEndian.Uint16(data[pos:]))
		if length < 2 || pos+length > len(data) {
			return nil, ErrOutOfBounds
		}
		if marker == markerAPP1 {
			payload := data[pos+2 : pos+length]
			if bytes.HasPrefix(payload, exifHeader) {
				return payload[len(exifHeader):], nil
			}
		}
		pos += length
	}
}

// tiffReader reads values from a TIFF block with bounds checking.
type tiffReader struct {
	buf   []byte
	order binary.ByteOrder
}

func (r tiffReader) bytesAt(off, n uint64) ([]byte, error) {
	end := off + n
	if end < off || end > uint64(len(r.buf)) {
		return nil, fmt.Errorf("%w: %d bytes at offset %d (have %d)", ErrOutOfBounds, n, off, len(r.buf))
	}
	return r.buf[off:end], nil
}

func (r tiffReader) uint16At(off uint64) (uint16, error) {
	b, err := r.bytesAt(off, 2)
	if err != nil {
		return 0, err
	}
	return r.order.Uint16(b), nil
}

func (r tiffReader) uint32At(off uint64) (uint32, error) {
	b, err := r.bytesAt(off, 4)
	if err != nil {
		return 0, err
	}
	return r.order.Uint32(b), nil
}

// fieldType is a TIFF field type code.
type fieldType uint16

const (
	typeByte      fieldType = 1
	typeASCII     fieldType = 2
	typeShort     fieldType = 3
	typeLong      fieldType = 4
	typeRational  fieldType = 5
	typeSByte     fieldType = 6
	typeUndefined fieldType = 7
	typeSShort    fieldType = 8
	typeSLong     fieldType = 9
	typeSRational fieldType = 10
	typeFloat     fieldType = 11
	typeDouble    fieldType = 12
)

func (t fieldType) size() (uint64, bool) {
	switch t {
	case typeByte, typeASCII, typeSByte, typeUndefined:
		return 1, true
	case typeShort, typeSShort:
		return 2, true
	case typeLong, typeSLong, typeFloat:
		return 4, true
	case typeRational, typeSRational, typeDouble:
		return 8, true
	}
	return 0, false
}

// ifdEntry is one 12-byte directory entry.
type ifdEntry struct {
	tag    uint16
	typ    fieldType
	count  uint32
	inline []byte
}

// value returns the entry's value bytes, following the offset when the
// value does not fit in the entry itself.
func (r tiffReader) value(e ifdEntry) ([]byte, error) {
	size, ok := e.typ.size()
	if !ok {
		return nil, fmt.Errorf("%w: unknown field type %d for tag 0x%04x", ErrMalformed, e.typ, e.tag)
	}
	total := size * uint64(e.count)
	if total <= 4 {
		return e.inline[:total], nil
	}
	return r.bytesAt(uint64(r.order.Uint32(e.inline)), total)
}

func parseTIFF(buf []byte) (*ExifRecord, error) {
	if len(buf) < 8 {
		return nil, fmt.Errorf("%w: TIFF header", ErrOutOfBounds)
	}
	r := tiffReader{buf: buf}
	switch string(buf[:2]) {
	case "II":
		r.order = binary.LittleEndian
	case "MM":
		r.order = binary.BigEndian
	default:
		return nil, fmt.Errorf("%w: byte order mark %q", ErrMalformed, buf[:2])
	}
	if magic := r.order.Uint16(buf[2:]); magic != 42 {
		return nil, fmt.Errorf("%w: TIFF magic %d", ErrMalformed, magic)
	}

	var f fields
	if err := r.walkIFD(dirIFD0, uint64(r.order.Uint32(buf[4:])), &f); err != nil {
		return nil, err
	}
	if f.exifIFD != nil {
		if err := r.walkIFD(dirExif, uint64(*f.exifIFD), &f); err != nil {
			return nil, err
		}
	}
	if f.gpsIFD != nil {
		if err := r.walkIFD(dirGPS, uint64(*f.gpsIFD), &f); err != nil {
			return nil, err
		}
	}
	return f.record(), nil
}

// walkIFD reads one directory and decodes each entry found in tagTable.
// Only the entry list is read; the next-IFD link is not followed.
func (r tiffReader) walkIFD(dir directory, offset uint64, f *fields) error {
	count, err := r.uint16At(offset)
	if err != nil {
		return fmt.Errorf("%s IFD entry count: %w", dir, err)
	}
	for i := range uint64(count) {
		raw, err := r.bytesAt(offset+2+12*i, 12)
		if err != nil {
			return fmt.Errorf("%s IFD entry %d: %w", dir, i, err)
		}
		e := ifdEntry{
			tag:    r.order.Uint16(raw),
			typ:    fieldType(r.order.Uint16(raw[2:])),
			count:  r.order.Uint32(raw[4:]),
			inline: raw[8:12],
		}
		ts, ok := tagIndex[tagKey{dir, e.tag}]
		if !ok || !ts.accepts(e.typ) {
			continue
		}
		val, err := r.value(e)
		if err != nil {
			if errors.Is(err, ErrOutOfBounds) {
				return fmt.Errorf("%s: %w", ts.name, err)
			}
			continue
		}
		// a decode failure leaves only this field unresolved
		_ = ts.decode(r, e, val, f)
	}
	return nil
}

// fields accumulates decoded tag values before they are resolved into a record.
type fields struct {
	exifIFD, gpsIFD *uint32

	latRef, lonRef string
	lat, lon       *float64

	dateTimeOriginal, dateTimeDigitized string
}

func (f *fields) record() *ExifRecord {
	rec := new(ExifRecord)
	if f.lat != nil && *f.lat <= 90 {
		lat := *f.lat
		if strings.EqualFold(f.latRef, "S") {
			lat = -lat
		}
		rec.Latitude = &lat
	}
	if f.lon != nil && *f.lon <= 180 {
		lon := *f.lon
		if strings.EqualFold(f.lonRef, "W") {
			lon = -lon
		}
		rec.Longitude = &lon
	}
	rec.HasLocation = rec.Latitude != nil && rec.Longitude != nil

	switch {
	case !blankDateTime(f.dateTimeOriginal):
		ts := f.dateTimeOriginal
		rec.Timestamp, rec.TimestampTag = &ts, TagDateTimeOriginal
	case !blankDateTime(f.dateTimeDigitized):
		ts := f.dateTimeDigitized
		rec.Timestamp, rec.TimestampTag = &ts, TagDateTimeDigitized
	}
	return rec
}

// blankDateTime reports whether s is empty or a placeholder such as
// "    :  :     :  :  " or "0000:00:00 00:00:00", which some cameras
// write when their clock was never set.
func blankDateTime(s string) bool {
	return strings.Trim(s, " :0") == ""
}
