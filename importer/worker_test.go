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
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/timelinize/photoimport/internal/testhelpers"
	"go.uber.org/zap/zaptest"
)

func jpegBuffer(id string, e testhelpers.EXIF) RawImageBuffer {
	data := testhelpers.JPEG(e)
	return RawImageBuffer{
		ID:       id,
		FileName: id + ".jpg",
		FileSize: int64(len(data)),
		MimeType: "image/jpeg",
		Data:     data,
	}
}

func located(lat, lon float64, ts string) testhelpers.EXIF {
	return testhelpers.EXIF{
		Latitude:         testhelpers.Float(lat),
		Longitude:        testhelpers.Float(lon),
		DateTimeOriginal: ts,
	}
}

func collect(t *testing.T, out <-chan Response) ([]FileProgress, BatchDone) {
	t.Helper()
	var (
		progress []FileProgress
		done     BatchDone
		dones    int
	)
	for resp := range out {
		switch r := resp.(type) {
		case FileProgress:
			progress = append(progress, r)
		case BatchDone:
			done = r
			dones++
		}
	}
	require.Equal(t, 1, dones, "expected exactly one BatchDone")
	return progress, done
}

func TestWorkerProcessBatch(t *testing.T) {
	w := NewWorker(zaptest.NewLogger(t), WorkerOptions{Workers: 2})
	defer w.Close()

	png := RawImageBuffer{ID: "png", FileName: "a.png", MimeType: "image/png", Data: []byte("\x89PNG\r\n\x1a\n"), FileSize: 8}
	bufs := []RawImageBuffer{
		jpegBuffer("gps", located(10.7769, 106.7009, "2025:12:23 14:30:00")),
		{ID: "bare", FileName: "bare.jpg", MimeType: "image/jpeg", Data: testhelpers.Bare(), FileSize: int64(len(testhelpers.Bare()))},
		png,
		{ID: "nil", FileName: "nil.jpg", MimeType: "image/jpeg"},
	}

	out, err := w.Submit(context.Background(), ProcessBatch{Buffers: bufs})
	require.NoError(t, err)
	progress, done := collect(t, out)

	require.NoError(t, done.Err)
	require.Len(t, progress, len(bufs))
	require.Len(t, done.Results, len(bufs))
	for i, p := range progress {
		require.Equal(t, len(bufs), p.Total)
		require.Equal(t, i+1, p.Done)
	}
	for i, res := range done.Results {
		require.Equal(t, bufs[i].ID, res.BufferID, "results must be in request order")
	}
	for _, res := range done.Results[:3] {
		require.Empty(t, res.Err)
	}

	gps := done.Results[0]
	require.NotNil(t, gps.Exif)
	require.True(t, gps.Exif.HasLocation)
	require.InDelta(t, 10.7769, *gps.Exif.Latitude, 1e-6)
	require.NotNil(t, gps.Fingerprint)
	require.Len(t, *gps.Fingerprint, 64)

	require.Nil(t, done.Results[1].Exif, "a JPEG without EXIF has no record")
	require.NotNil(t, done.Results[1].Fingerprint)

	require.True(t, done.Results[2].Deferred)
	require.Nil(t, done.Results[2].Exif)
	require.NotNil(t, done.Results[2].Fingerprint, "deferred files are still fingerprinted")

	require.Nil(t, done.Results[3].Fingerprint, "unreadable buffers have no fingerprint")
	require.Equal(t, MessageUnreadable, done.Results[3].Err)
	require.Nil(t, done.Results[3].Exif)
}

func TestWorkerFingerprintBatch(t *testing.T) {
	w := NewWorker(zaptest.NewLogger(t), WorkerOptions{})
	defer w.Close()

	out, err := w.Submit(context.Background(), FingerprintBatch{Buffers: []RawImageBuffer{
		jpegBuffer("a", located(1, 2, "2020:01:01 00:00:00")),
	}})
	require.NoError(t, err)
	_, done := collect(t, out)

	require.Len(t, done.Results, 1)
	require.NotNil(t, done.Results[0].Fingerprint)
	require.Nil(t, done.Results[0].Exif, "fingerprint batches do not parse EXIF")
}

func TestWorkerExtractMetadata(t *testing.T) {
	w := NewWorker(zaptest.NewLogger(t), WorkerOptions{})
	defer w.Close()

	out, err := w.Submit(context.Background(), ProcessBatch{
		Buffers: []RawImageBuffer{jpegBuffer("a", located(1, 2, "2020:01:01 00:00:00"))},
		Options: ProcessOptions{ExtractMetadata: true},
	})
	require.NoError(t, err)
	_, done := collect(t, out)
	require.NotEmpty(t, done.Results[0].Metadata)
}

func TestWorkerCache(t *testing.T) {
	w := NewWorker(zaptest.NewLogger(t), WorkerOptions{})
	defer w.Close()

	first := jpegBuffer("first", located(45, 7, "2021:06:01 10:00:00"))
	second := first
	second.ID = "second"

	out, err := w.Submit(context.Background(), ProcessBatch{Buffers: []RawImageBuffer{first}})
	require.NoError(t, err)
	_, done1 := collect(t, out)

	out, err = w.Submit(context.Background(), ProcessBatch{Buffers: []RawImageBuffer{second}})
	require.NoError(t, err)
	_, done2 := collect(t, out)

	require.Equal(t, 1, w.cache.ItemCount())
	require.Equal(t, "second", done2.Results[0].BufferID)
	require.Equal(t, *done1.Results[0].Fingerprint, *done2.Results[0].Fingerprint)

	// results must not alias the cached value
	*done1.Results[0].Exif.Latitude = 0
	require.InDelta(t, 45, *done2.Results[0].Exif.Latitude, 1e-6)
}

func TestWorkerSurvivesPanics(t *testing.T) {
	w := NewWorker(zaptest.NewLogger(t), WorkerOptions{Workers: 3})
	defer w.Close()

	bufs := []RawImageBuffer{{ID: "a"}, {ID: "boom"}, {ID: "c"}}
	out := make(chan Response, len(bufs)+1)
	w.runBatch(context.Background(), bufs, out, func(buf RawImageBuffer) FileResult {
		if buf.ID == "boom" {
			panic("corrupt file")
		}
		return FileResult{BufferID: buf.ID}
	})
	close(out)
	progress, done := collect(t, out)

	require.Len(t, progress, 3)
	require.Empty(t, done.Results[0].Err)
	require.True(t, strings.Contains(done.Results[1].Err, "corrupt file"), "got %q", done.Results[1].Err)
	require.Equal(t, "boom", done.Results[1].BufferID)
	require.Empty(t, done.Results[2].Err)
}

func TestWorkerCancelledBatch(t *testing.T) {
	w := NewWorker(zaptest.NewLogger(t), WorkerOptions{})
	defer w.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	bufs := []RawImageBuffer{{ID: "a"}, {ID: "b"}}
	out := make(chan Response, len(bufs)+1)
	w.runBatch(ctx, bufs, out, w.fingerprintFile)
	close(out)
	progress, done := collect(t, out)

	require.Empty(t, progress)
	require.ErrorIs(t, done.Err, context.Canceled)
	for _, res := range done.Results {
		require.True(t, res.Skipped)
	}

	_, err := w.Submit(ctx, FingerprintBatch{Buffers: bufs})
	require.ErrorIs(t, err, context.Canceled)
}

type unknownRequest struct{}

func (unknownRequest) Kind() RequestKind       { return "transcode" }
func (unknownRequest) Files() []RawImageBuffer { return nil }

func TestWorkerUnknownRequest(t *testing.T) {
	w := NewWorker(zaptest.NewLogger(t), WorkerOptions{})
	defer w.Close()

	out, err := w.Submit(context.Background(), unknownRequest{})
	require.NoError(t, err)
	_, done := collect(t, out)
	require.ErrorIs(t, done.Err, ErrUnknownRequest)
}

func TestWorkerClosed(t *testing.T) {
	w := NewWorker(zaptest.NewLogger(t), WorkerOptions{})
	w.Close()
	w.Close()

	_, err := w.Submit(context.Background(), FingerprintBatch{})
	require.ErrorIs(t, err, ErrWorkerClosed)
}
