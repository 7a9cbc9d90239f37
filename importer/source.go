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

package importer

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"path"
	"path/filepath"
	"slices"
	"strings"

	"github.com/maruel/natural"
	"github.com/mholt/archives"
	"go.uber.org/zap"
)

// MaxFileSize is the largest file LoadFiles will read; larger files are
// skipped with a warning.
const MaxFileSize int64 = 256 << 20

var errTooLarge = errors.New("file too large")

// imageExtensions are the file name extensions LoadFiles picks up.
var imageExtensions = map[string]struct{}{
	".jpg": {}, ".jpeg": {}, ".jpe": {}, ".jfif": {},
	".heic": {}, ".heif": {}, ".avif": {},
	".png": {}, ".gif": {}, ".webp": {},
	".tif": {}, ".tiff": {},
	".dng": {}, ".cr2": {}, ".cr3": {}, ".nef": {}, ".arw": {}, ".orf": {}, ".rw2": {}, ".raf": {},
}

// IsImageFile reports whether name has an image file extension.
func IsImageFile(name string) bool {
	_, ok := imageExtensions[strings.ToLower(path.Ext(name))]
	return ok
}

// LoadFiles reads every image file under root, which may be a single
// file, a directory, or an archive. Hidden files and directories are
// skipped. Buffers are returned in natural path order and have no ID.
// A file that cannot be read does not fail the load; its buffer has no
// data and ReadError says why.
func LoadFiles(ctx context.Context, root string) ([]RawImageBuffer, error) {
	fsys, dir, only, err := openRoot(ctx, root)
	if err != nil {
		return nil, err
	}
	if only != "" {
		return loadPaths(ctx, fsys, dir, []string{only})
	}

	var paths []string
	err = fs.WalkDir(fsys, ".", func(fpath string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if fpath != "." && strings.HasPrefix(d.Name(), ".") {
			if d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if !d.IsDir() && IsImageFile(d.Name()) {
			paths = append(paths, fpath)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walking %s: %w", root, err)
	}

	return loadPaths(ctx, fsys, dir, paths)
}

// LoadPaths reads the files at the given paths within root, such as
// the Path values of buffers from an earlier LoadFiles call.
func LoadPaths(ctx context.Context, root string, paths []string) ([]RawImageBuffer, error) {
	fsys, dir, only, err := openRoot(ctx, root)
	if err != nil {
		return nil, err
	}
	if only != "" {
		paths = []string{only}
	}
	return loadPaths(ctx, fsys, dir, paths)
}

// openRoot returns a file system for root. If root is a regular file,
// the file system is rooted at its parent and only is the file's name.
func openRoot(ctx context.Context, root string) (fsys fs.FS, dir, only string, err error) {
	fsys, err = archives.FileSystem(ctx, root, nil)
	if err != nil {
		return nil, "", "", fmt.Errorf("creating file system at %s: %w", root, err)
	}
	info, err := fs.Stat(fsys, ".")
	if err != nil {
		return nil, "", "", fmt.Errorf("could not stat %s: %w", root, err)
	}
	if info.IsDir() {
		return fsys, root, "", nil
	}

	dir, only = filepath.Split(root)
	if dir == "" {
		dir = "."
	}
	fsys, err = archives.FileSystem(ctx, dir, nil)
	if err != nil {
		return nil, "", "", fmt.Errorf("recreating file system at %s: %w", dir, err)
	}
	return fsys, dir, only, nil
}

func loadPaths(ctx context.Context, fsys fs.FS, source string, paths []string) ([]RawImageBuffer, error) {
	paths = slices.Clone(paths)
	slices.SortFunc(paths, func(a, b string) int {
		switch {
		case natural.Less(a, b):
			return -1
		case natural.Less(b, a):
			return 1
		}
		return 0
	})

	logger := Log.Named("source")
	bufs := make([]RawImageBuffer, 0, len(paths))
	for _, p := range paths {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		buf, err := loadFile(fsys, p)
		if errors.Is(err, errTooLarge) {
			logger.Warn("skipping file",
				zap.String("source", source),
				zap.String("path", p),
				zap.Int64("max_size", MaxFileSize),
				zap.Error(err))
			continue
		}
		if err != nil {
			// kept without data so it is reported as a failed item
			logger.Warn("could not read file",
				zap.String("source", source),
				zap.String("path", p),
				zap.Error(err))
			buf.ReadError = err.Error()
		}
		buf.Source = source
		bufs = append(bufs, buf)
	}

	logger.Debug("loaded files",
		zap.String("source", source),
		zap.Int("count", len(bufs)))

	return bufs, nil
}

// loadFile reads fpath. If the file cannot be read, the returned buffer
// still has the file's name and path, and no data.
func loadFile(fsys fs.FS, fpath string) (RawImageBuffer, error) {
	buf := RawImageBuffer{
		FileName: path.Base(fpath),
		Path:     fpath,
	}
	info, err := fs.Stat(fsys, fpath)
	if err != nil {
		return buf, fmt.Errorf("stat %s: %w", fpath, err)
	}
	buf.ModTime = info.ModTime()
	buf.FileSize = info.Size()
	if info.Size() > MaxFileSize {
		return buf, fmt.Errorf("%w: %s is %d bytes", errTooLarge, fpath, info.Size())
	}
	data, err := fs.ReadFile(fsys, fpath)
	if err != nil {
		return buf, fmt.Errorf("reading %s: %w", fpath, err)
	}
	buf.Data = data
	buf.FileSize = int64(len(data))
	buf.MimeType = http.DetectContentType(data)
	return buf, nil
}
