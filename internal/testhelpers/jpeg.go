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

// Package testhelpers builds synthetic JPEG files for tests.
package testhelpers

import (
	"bytes"
	"encoding/binary"
	"math"
)

// EXIF describes the metadata to embed in a synthetic JPEG.
type EXIF struct {
	// ByteOrder of the TIFF block; defaults to little-endian ("II").
	ByteOrder binary.ByteOrder

	// Latitude and Longitude in signed decimal degrees. The GPS IFD is
	// only written when both are set.
	Latitude, Longitude *float64

	// Override the hemisphere references derived from the coordinate signs.
	LatRef, LonRef string

	DateTimeOriginal  string
	DateTimeDigitized string

	// RawGPS replaces the latitude rationals with these (numerator,
	// denominator) pairs verbatim, e.g. to produce a zero denominator.
	RawGPS []uint32
}

// Float returns a pointer to f.
func Float(f float64) *float64 { return &f }

// JPEG returns a minimal JPEG stream carrying e in an Exif APP1 segment.
// Segments in before are written ahead of the Exif segment.
func JPEG(e EXIF, before ...[]byte) []byte {
	var buf bytes.Buffer
	buf.Write([]byte{0xFF, 0xD8})
	buf.Write(Segment(0xE0, append([]byte("JFIF\x00"), 1, 1, 0, 0, 1, 0, 1, 0, 0)))
	for _, seg := range before {
		buf.Write(seg)
	}
	buf.Write(Segment(0xE1, append([]byte("Exif\x00\x00"), TIFF(e)...)))
	buf.Write(ScanAndEnd())
	return buf.Bytes()
}

// Bare returns a JPEG stream with no Exif segment.
func Bare() []byte {
	var buf bytes.Buffer
	buf.Write([]byte{0xFF, 0xD8})
	buf.Write(Segment(0xE0, append([]byte("JFIF\x00"), 1, 1, 0, 0, 1, 0, 1, 0, 0)))
	buf.Write(ScanAndEnd())
	return buf.Bytes()
}

// Segment encodes a marker segment with the given payload.
func Segment(marker byte, payload []byte) []byte {
	seg := []byte{0xFF, marker, 0, 0}
	binary.BigEndian.PutUint16(seg[2:], uint16(len(payload)+2))
	return append(seg, payload...)
}

// ScanAndEnd returns a tiny SOS segment, some entropy-coded bytes and EOI.
func ScanAndEnd() []byte {
	out := Segment(0xDA, []byte{1, 1, 0, 0, 0x3F, 0})
	return append(out, 0x12, 0x34, 0x56, 0xFF, 0x00, 0x78, 0xFF, 0xD9)
}

// TIFF encodes the TIFF block (header plus IFDs) for e.
func TIFF(e EXIF) []byte {
	order := e.ByteOrder
	if order == nil {
		order = binary.LittleEndian
	}

	var exifEntries, gpsEntries []ifdEntry
	if e.DateTimeOriginal != "" {
		exifEntries = append(exifEntries, asciiEntry(0x9003, e.DateTimeOriginal))
	}
	if e.DateTimeDigitized != "" {
		exifEntries = append(exifEntries, asciiEntry(0x9004, e.DateTimeDigitized))
	}
	if e.Latitude != nil && e.Longitude != nil {
		latRef, lonRef := e.LatRef, e.LonRef
		if latRef == "" {
			latRef = "N"
			if *e.Latitude < 0 {
				latRef = "S"
			}
		}
		if lonRef == "" {
			lonRef = "E"
			if *e.Longitude < 0 {
				lonRef = "W"
			}
		}
		latRats := dms(*e.Latitude)
		if e.RawGPS != nil {
			latRats = e.RawGPS
		}
		gpsEntries = append(gpsEntries,
			ifdEntry{tag: 0x0000, typ: 1, count: 4, raw: []byte{2, 3, 0, 0}},
			asciiEntry(0x0001, latRef),
			rationalEntry(order, 0x0002, latRats),
			asciiEntry(0x0003, lonRef),
			rationalEntry(order, 0x0004, dms(*e.Longitude)),
		)
	}

	const ifd0Offset = 8
	var ifd0Entries []ifdEntry
	if len(exifEntries) > 0 {
		ifd0Entries = append(ifd0Entries, ifdEntry{tag: 0x8769, typ: 4, count: 1})
	}
	if len(gpsEntries) > 0 {
		ifd0Entries = append(ifd0Entries, ifdEntry{tag: 0x8825, typ: 4, count: 1})
	}
	next := ifd0Offset + ifdSize(ifd0Entries)
	for i := range ifd0Entries {
		ptr := make([]byte, 4)
		switch ifd0Entries[i].tag {
		case 0x8769:
			order.PutUint32(ptr, uint32(next))
			next += encodedSize(exifEntries)
		case 0x8825:
			order.PutUint32(ptr, uint32(next))
			next += encodedSize(gpsEntries)
		}
		ifd0Entries[i].raw = ptr
	}

	out := make([]byte, 8)
	if order == binary.BigEndian {
		copy(out, "MM")
	} else {
		copy(out, "II")
	}
	order.PutUint16(out[2:], 42)
	order.PutUint32(out[4:], ifd0Offset)
	out = append(out, encodeIFD(order, len(out), ifd0Entries)...)
	if len(exifEntries) > 0 {
		out = append(out, encodeIFD(order, len(out), exifEntries)...)
	}
	if len(gpsEntries) > 0 {
		out = append(out, encodeIFD(order, len(out), gpsEntries)...)
	}
	return out
}

type ifdEntry struct {
	tag   uint16
	typ   uint16
	count uint32
	raw   []byte
}

func asciiEntry(tag uint16, s string) ifdEntry {
	raw := append([]byte(s), 0)
	return ifdEntry{tag: tag, typ: 2, count: uint32(len(raw)), raw: raw}
}

func rationalEntry(order binary.ByteOrder, tag uint16, vals []uint32) ifdEntry {
	raw := make([]byte, 4*len(vals))
	for i, v := range vals {
		order.PutUint32(raw[4*i:], v)
	}
	return ifdEntry{tag: tag, typ: 5, count: uint32(len(vals) / 2), raw: raw}
}

// dms converts decimal degrees to three unsigned rationals.
func dms(v float64) []uint32 {
	v = math.Abs(v)
	deg := math.Floor(v)
	minutesF := (v - deg) * 60
	minutes := math.Floor(minutesF)
	seconds := math.Round((minutesF - minutes) * 60 * 10000)
	return []uint32{uint32(deg), 1, uint32(minutes), 1, uint32(seconds), 10000}
}

func ifdSize(entries []ifdEntry) int {
	return 2 + 12*len(entries) + 4
}

// encodedSize is the IFD size plus its out-of-line value area.
func encodedSize(entries []ifdEntry) int {
	n := ifdSize(entries)
	for _, e := range entries {
		if len(e.raw) > 4 {
			n += len(e.raw)
		}
	}
	return n
}

// encodeIFD writes an IFD that begins at base (a TIFF offset), followed by
// the values that do not fit inline. The next-IFD offset is always zero.
func encodeIFD(order binary.ByteOrder, base int, entries []ifdEntry) []byte {
	head := make([]byte, ifdSize(entries))
	order.PutUint16(head, uint16(len(entries)))
	var data []byte
	dataOffset := base + len(head)
	for i, e := range entries {
		pos := 2 + 12*i
		order.PutUint16(head[pos:], e.tag)
		order.PutUint16(head[pos+2:], e.typ)
		order.PutUint32(head[pos+4:], e.count)
		if len(e.raw) <= 4 {
			copy(head[pos+8:pos+12], e.raw)
			continue
		}
		order.PutUint32(head[pos+8:], uint32(dataOffset+len(data)))
		data = append(data, e.raw...)
	}
	return append(head, data...)
}
