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
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"maps"
	"strconv"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/timelinize/photoimport/media"
	"github.com/zeebo/blake3"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// RequestKind selects the handler for a Request.
type RequestKind string

const (
	KindProcess     RequestKind = "process"
	KindFingerprint RequestKind = "fingerprint"
)

// Request is a message to a Worker.
type Request interface {
	Kind() RequestKind
	Files() []RawImageBuffer
}

// ProcessOptions tune a ProcessBatch.
type ProcessOptions struct {
	// Also decode every EXIF field into FileResult.Metadata.
	ExtractMetadata bool
}

// ProcessBatch asks for the EXIF record and fingerprint of each buffer.
type ProcessBatch struct {
	Buffers []RawImageBuffer
	Options ProcessOptions
}

func (ProcessBatch) Kind() RequestKind         { return KindProcess }
func (b ProcessBatch) Files() []RawImageBuffer { return b.Buffers }

// FingerprintBatch asks only for the fingerprint of each buffer.
type FingerprintBatch struct {
	Buffers []RawImageBuffer
}

func (FingerprintBatch) Kind() RequestKind         { return KindFingerprint }
func (b FingerprintBatch) Files() []RawImageBuffer { return b.Buffers }

// Response is a message from a Worker: zero or more FileProgress
// followed by exactly one BatchDone.
type Response interface {
	response()
}

// FileResult is the outcome for one buffer.
type FileResult struct {
	BufferID    string            `json:"buffer_id"`
	Exif        *media.ExifRecord `json:"exif,omitempty"`
	Fingerprint *string           `json:"fingerprint,omitempty"`
	Metadata    media.Metadata    `json:"metadata,omitempty"`
	Deferred    bool              `json:"deferred,omitempty"`

	// Err describes a failure of this file only.
	Err string `json:"error,omitempty"`

	// Skipped is set when the batch was cancelled before the file was read.
	Skipped bool `json:"skipped,omitempty"`
}

func (r FileResult) clone() FileResult {
	r.Exif = r.Exif.Clone()
	if r.Fingerprint != nil {
		fp := *r.Fingerprint
		r.Fingerprint = &fp
	}
	r.Metadata = maps.Clone(r.Metadata)
	return r
}

// FileProgress reports one finished file. Done counts finished files so far.
type FileProgress struct {
	Done   int        `json:"done"`
	Total  int        `json:"total"`
	Result FileResult `json:"result"`
}

// BatchDone ends a batch. Results are in the order of the request's buffers.
type BatchDone struct {
	Results []FileResult `json:"results"`
	Err     error        `json:"-"`
}

func (FileProgress) response() {}
func (BatchDone) response()    {}

// Errors returned by Submit and BatchDone.
var (
	ErrWorkerClosed   = errors.New("worker closed")
	ErrUnknownRequest = errors.New("unknown request kind")
)

// WorkerOptions configures a Worker.
type WorkerOptions struct {
	// Number of files processed at once; defaults to 4.
	Workers int

	// How long results are remembered for identical files; defaults to 10m.
	CacheTTL time.Duration
}

// Worker processes batches of files on its own goroutine. Callers talk
// to it only through Submit and the response channel it returns; results
// never share memory with the worker's cache.
type Worker struct {
	log      *zap.Logger
	workers  int
	cache    *cache.Cache
	requests chan envelope
	handlers map[RequestKind]handlerFunc

	closeOnce sync.Once
	done      chan struct{}
}

type envelope struct {
	ctx context.Context
	req Request
	out chan<- Response
}

type handlerFunc func(ctx context.Context, req Request, out chan<- Response)

// NewWorker starts a worker. Call Close to stop it.
func NewWorker(logger *zap.Logger, opts WorkerOptions) *Worker {
	if opts.Workers <= 0 {
		opts.Workers = defaultWorkers
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = defaultCacheTTL
	}
	w := &Worker{
		log:      logger.Named("worker"),
		workers:  opts.Workers,
		cache:    cache.New(opts.CacheTTL, 2*opts.CacheTTL),
		requests: make(chan envelope),
		done:     make(chan struct{}),
	}
	w.handlers = map[RequestKind]handlerFunc{
		KindProcess:     w.handleProcess,
		KindFingerprint: w.handleFingerprint,
	}
	go w.loop()
	return w
}

// Submit queues req. The returned channel delivers the batch's responses
// and is closed after BatchDone. It is buffered to hold every response,
// so a caller that stops reading does not stall the worker.
func (w *Worker) Submit(ctx context.Context, req Request) (<-chan Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	select {
	case <-w.done:
		return nil, ErrWorkerClosed
	default:
	}

	out := make(chan Response, len(req.Files())+1)
	select {
	case w.requests <- envelope{ctx: ctx, req: req, out: out}:
		return out, nil
	case <-w.done:
		return nil, ErrWorkerClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close stops the worker after the batch in progress, if any.
func (w *Worker) Close() {
	w.closeOnce.Do(func() { close(w.done) })
}

func (w *Worker) loop() {
	for {
		select {
		case env := <-w.requests:
			w.dispatch(env)
		case <-w.done:
			return
		}
	}
}

func (w *Worker) dispatch(env envelope) {
	defer close(env.out)
	handler, ok := w.handlers[env.req.Kind()]
	if !ok {
		env.out <- BatchDone{Err: fmt.Errorf("%w: %q", ErrUnknownRequest, env.req.Kind())}
		return
	}
	handler(env.ctx, env.req, env.out)
}

func (w *Worker) handleProcess(ctx context.Context, req Request, out chan<- Response) {
	opts := req.(ProcessBatch).Options
	w.runBatch(ctx, req.Files(), out, func(buf RawImageBuffer) FileResult {
		return w.processFile(buf, opts)
	})
}

func (w *Worker) handleFingerprint(ctx context.Context, req Request, out chan<- Response) {
	w.runBatch(ctx, req.Files(), out, w.fingerprintFile)
}

// runBatch applies fn to every buffer in parallel and sends a FileProgress
// per file and a final BatchDone.
func (w *Worker) runBatch(ctx context.Context, bufs []RawImageBuffer, out chan<- Response, fn func(RawImageBuffer) FileResult) {
	start := time.Now()
	results := make([]FileResult, len(bufs))
	var (
		mu       sync.Mutex
		finished int
	)

	var g errgroup.Group
	g.SetLimit(w.workers)
	for i, buf := range bufs {
		if ctx.Err() != nil {
			results[i] = FileResult{BufferID: buf.ID, Skipped: true}
			continue
		}
		g.Go(func() error {
			res := w.safely(buf, fn)
			results[i] = res
			mu.Lock()
			finished++
			out <- FileProgress{Done: finished, Total: len(bufs), Result: res.clone()}
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	w.log.Debug("batch finished",
		zap.Int("files", len(bufs)),
		zap.Int("processed", finished),
		zap.Duration("duration", time.Since(start)))

	out <- BatchDone{Results: results, Err: ctx.Err()}
}

// safely runs fn, turning a panic into a per-file error.
func (w *Worker) safely(buf RawImageBuffer, fn func(RawImageBuffer) FileResult) (res FileResult) {
	defer func() {
		if r := recover(); r != nil {
			w.log.Error("panic while processing file",
				zap.String("file", buf.FileName),
				zap.Any("panic", r),
				zap.Stack("stack"))
			res = FileResult{BufferID: buf.ID, Err: fmt.Sprintf("internal error: %v", r)}
		}
	}()
	return fn(buf)
}

func (w *Worker) processFile(buf RawImageBuffer, opts ProcessOptions) FileResult {
	if buf.Data == nil {
		return unreadable(buf)
	}

	key := cacheKey(KindProcess, buf, strconv.FormatBool(opts.ExtractMetadata))
	if cached, ok := w.cache.Get(key); ok {
		res := cached.(FileResult).clone()
		res.BufferID = buf.ID
		return res
	}

	res := w.fingerprintFile(buf)
	if !isJPEG(buf) {
		res.Deferred = true
	} else {
		rec, err := media.DecodeEXIF(buf.Data)
		if err != nil {
			w.log.Debug("no EXIF record",
				zap.String("file", buf.FileName),
				zap.Error(err))
		}
		res.Exif = rec

		if opts.ExtractMetadata {
			meta, err := media.ExtractMetadata(w.log, bytes.NewReader(buf.Data))
			if err != nil {
				w.log.Debug("extracting full metadata",
					zap.String("file", buf.FileName),
					zap.Error(err))
			}
			res.Metadata = meta
		}
	}

	w.cache.Set(key, res.clone(), cache.DefaultExpiration)
	return res
}

func (w *Worker) fingerprintFile(buf RawImageBuffer) FileResult {
	res := FileResult{BufferID: buf.ID}
	fp, err := media.Fingerprint(buf.Data, buf.FileSize)
	if err != nil {
		w.log.Debug("no fingerprint; item will not be checked for duplicates",
			zap.String("file", buf.FileName),
			zap.Error(err))
		return res
	}
	res.Fingerprint = &fp
	return res
}

// unreadable is the result for a buffer with no data. It has no
// fingerprint, so the item is never checked or uploaded.
func unreadable(buf RawImageBuffer) FileResult {
	msg := MessageUnreadable
	if buf.ReadError != "" {
		msg += ": " + buf.ReadError
	}
	return FileResult{BufferID: buf.ID, Err: msg}
}

// cacheKey identifies a result by the full content of the buffer, its
// declared size, and anything else that changes the result.
func cacheKey(kind RequestKind, buf RawImageBuffer, variant string) string {
	h := newHash()
	_, _ = h.Write(buf.Data)
	return fmt.Sprintf("%s:%s:%d:%s", kind, hex.EncodeToString(h.Sum(nil)), buf.FileSize, variant)
}

func newHash() hash.Hash { return blake3.New() }

const (
	defaultWorkers  = 4
	defaultCacheTTL = 10 * time.Minute
)
