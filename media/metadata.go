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
	"fmt"
	"io"
	"math"
	"strings"

	"github.com/cozy/goexif2/exif"
	"github.com/cozy/goexif2/tiff"
	"go.uber.org/zap"
)

// Metadata is the full set of EXIF fields of a photo, keyed by a
// human-readable field name ("Date Time Original", "GPS Altitude", ...).
type Metadata map[string]any

type exifWalkerFunc func(exif.FieldName, *tiff.Tag) error

func (w exifWalkerFunc) Walk(name exif.FieldName, tag *tiff.Tag) error {
	return w(name, tag)
}

// ExtractMetadata decodes every EXIF field it can find in r. Unlike
// ParseEXIF it is not limited to the fields that drive clustering; the
// result is kept alongside an import item for display and auditing.
func ExtractMetadata(logger *zap.Logger, r io.Reader) (Metadata, error) {
	ex, err := exif.Decode(r)
	if err != nil && exif.IsCriticalError(err) {
		return nil, fmt.Errorf("decoding exif: %w", err)
	}
	if ex == nil {
		return nil, nil
	}

	meta := make(Metadata)
	err = ex.Walk(exifWalkerFunc(func(name exif.FieldName, tag *tiff.Tag) error {
		key := splitCamelCaseIntoWords(string(name))

		switch tag.Format() {
		case tiff.IntVal:
			for i := range int(tag.Count) {
				val, err := tag.Int(i)
				if err != nil {
					logger.Debug("unable to get int from TIFF tag",
						zap.Error(err),
						zap.String("field_name", string(name)),
						zap.Int("index", i))
					continue
				}
				meta[indexedKey(key, i, tag.Count)] = val
			}

		case tiff.FloatVal:
			for i := range int(tag.Count) {
				val, err := tag.Float(i)
				if err != nil {
					logger.Debug("unable to get float from TIFF tag",
						zap.Error(err),
						zap.String("field_name", string(name)),
						zap.Int("index", i))
					continue
				}
				meta[indexedKey(key, i, tag.Count)] = val
			}

		case tiff.RatVal:
			for i := range int(tag.Count) {
				val, err := tag.Rat(i)
				if err != nil {
					logger.Debug("unable to get rational from TIFF tag",
						zap.Error(err),
						zap.String("field_name", string(name)),
						zap.Int("index", i))
					continue
				}
				// rationals are flattened so the map serializes cleanly
				if f, _ := val.Float64(); !math.IsInf(f, 0) && !math.IsNaN(f) {
					meta[indexedKey(key, i, tag.Count)] = f
				}
			}

		case tiff.StringVal:
			val, err := tag.StringVal()
			if err != nil {
				logger.Debug("unable to get string from TIFF tag",
					zap.Error(err),
					zap.String("field_name", string(name)))
				return nil
			}
			meta[key] = strings.TrimRight(val, "\x00")

		case tiff.OtherVal, tiff.UndefVal:
			logger.Debug("skipping opaque EXIF field",
				zap.String("name", string(name)),
				zap.Int("length", len(tag.Val)))
		}
		return nil
	}))

	return meta, err
}

func indexedKey(key string, i int, count uint32) string {
	if count > 1 {
		return fmt.Sprintf("%s %d", key, i+1)
	}
	return key
}

// splitCamelCaseIntoWords splits camel-cased strings into words by inserting
// spaces at the most sensible places. It doesn't use a dictionary, but it
// handles EXIF field names well.
func splitCamelCaseIntoWords(s string) string {
	var sb strings.Builder
	for i, ch := range s {
		u, l := upper(ch), lower(ch)

		// previous is upper, next is upper, next is lower
		pu, nu, nl := i == 0, i >= len(s)-1, i >= len(s)-1
		if i > 0 {
			pu = upper(rune(s[i-1]))
		}
		if i < len(s)-1 {
			nu = upper(rune(s[i+1]))
			nl = lower(rune(s[i+1]))
		}

		// a space goes before an upper that starts or ends a run of
		// uppers, and before a non-letter followed by another non-letter
		if i > 0 && ((u && !pu) || (u && !nu) || (!u && !l && !nu && !nl)) {
			sb.WriteRune(' ')
		}
		sb.WriteRune(ch)
	}
	return sb.String()
}

// ASCII only
func upper(ch rune) bool { return ch >= 'A' && ch <= 'Z' }
func lower(ch rune) bool { return ch >= 'a' && ch <= 'z' }
