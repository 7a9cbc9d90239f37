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
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strconv"
)

// FingerprintPrefixSize is how many leading bytes of a file are hashed.
const FingerprintPrefixSize = 4096

// ErrUnreadableBuffer is returned when there are no bytes to fingerprint.
var ErrUnreadableBuffer = errors.New("unreadable buffer")

// Fingerprint returns the duplicate-detection fingerprint of a file: the
// lowercase hex SHA-256 of its first 4096 bytes followed by the decimal
// declared size. It is a heuristic, not a content hash; files that share
// a prefix and a size collide.
func Fingerprint(data []byte, declaredSize int64) (string, error) {
	if data == nil || declaredSize < 0 {
		return "", ErrUnreadableBuffer
	}
	if len(data) > FingerprintPrefixSize {
		data = data[:FingerprintPrefixSize]
	}
	h := sha256.New()
	h.Write(data)
	h.Write([]byte(strconv.FormatInt(declaredSize, 10)))
	return hex.EncodeToString(h.Sum(nil)), nil
}
