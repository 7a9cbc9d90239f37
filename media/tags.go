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

package media

import (
	"bytes"
	"errors"
	"fmt"
)

// directory identifies which IFD an entry was read from.
type directory int

const (
	dirIFD0 directory = iota
	dirExif
	dirGPS
)

func (d directory) String() string {
	switch d {
	case dirIFD0:
		return "IFD0"
	case dirExif:
		return "Exif"
	case dirGPS:
		return "GPS"
	}
	return fmt.Sprintf("directory(%d)", int(d))
}

type tagKey struct {
	dir directory
	tag uint16
}

// tagSpec describes how to decode one tag of interest.
type tagSpec struct {
	dir    directory
	tag    uint16
	name   string
	types  []fieldType
	decode func(r tiffReader, e ifdEntry, val []byte, f *fields) error
}

func (s tagSpec) accepts(t fieldType) bool {
	for _, want := range s.types {
		if t == want {
			return true
		}
	}
	return false
}

// tagTable lists every tag the parser reads. Tags not listed are skipped.
var tagTable = []tagSpec{
	{dirIFD0, 0x8769, "ExifIFDPointer", []fieldType{typeLong, typeShort}, decodePointer(func(f *fields) **uint32 { return &f.exifIFD })},
	{dirIFD0, 0x8825, "GPSInfoIFDPointer", []fieldType{typeLong, typeShort}, decodePointer(func(f *fields) **uint32 { return &f.gpsIFD })},
	{dirExif, 0x9003, TagDateTimeOriginal, []fieldType{typeASCII}, decodeASCII(func(f *fields) *string { return &f.dateTimeOriginal })},
	{dirExif, 0x9004, TagDateTimeDigitized, []fieldType{typeASCII}, decodeASCII(func(f *fields) *string { return &f.dateTimeDigitized })},
	{dirGPS, 0x0001, "GPSLatitudeRef", []fieldType{typeASCII}, decodeASCII(func(f *fields) *string { return &f.latRef })},
	{dirGPS, 0x0002, "GPSLatitude", []fieldType{typeRational}, decodeDegrees(func(f *fields) **float64 { return &f.lat })},
	{dirGPS, 0x0003, "GPSLongitudeRef", []fieldType{typeASCII}, decodeASCII(func(f *fields) *string { return &f.lonRef })},
	{dirGPS, 0x0004, "GPSLongitude", []fieldType{typeRational}, decodeDegrees(func(f *fields) **float64 { return &f.lon })},
}

var tagIndex = func() map[tagKey]tagSpec {
	idx := make(map[tagKey]tagSpec, len(tagTable))
	for _, ts := range tagTable {
		idx[tagKey{ts.dir, ts.tag}] = ts
	}
	return idx
}()

var (
	errZeroDenominator = errors.New("rational with zero denominator")
	errShortValue      = errors.New("too few values")
)

func decodePointer(field func(*fields) **uint32) func(tiffReader, ifdEntry, []byte, *fields) error {
	return func(r tiffReader, e ifdEntry, val []byte, f *fields) error {
		if e.count != 1 {
			return errShortValue
		}
		var off uint32
		if e.typ == typeShort {
			off = uint32(r.order.Uint16(val))
		} else {
			off = r.order.Uint32(val)
		}
		*field(f) = &off
		return nil
	}
}

// decodeASCII stores the string value with trailing NULs removed.
func decodeASCII(field func(*fields) *string) func(tiffReader, ifdEntry, []byte, *fields) error {
	return func(_ tiffReader, _ ifdEntry, val []byte, f *fields) error {
		*field(f) = string(bytes.TrimRight(val, "\x00"))
		return nil
	}
}

// decodeDegrees reads three unsigned rationals (degrees, minutes, seconds)
// and stores their sum in decimal degrees.
func decodeDegrees(field func(*fields) **float64) func(tiffReader, ifdEntry, []byte, *fields) error {
	return func(r tiffReader, e ifdEntry, val []byte, f *fields) error {
		if e.count < 3 {
			return errShortValue
		}
		var parts [3]float64
		for i := range parts {
			num := r.order.Uint32(val[8*i:])
			den := r.order.Uint32(val[8*i+4:])
			if den == 0 {
				return errZeroDenominator
			}
			parts[i] = float64(num) / float64(den)
		}
		deg := parts[0] + parts[1]/60 + parts[2]/3600
		*field(f) = &deg
		return nil
	}
}
