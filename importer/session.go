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
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/timelinize/photoimport/cluster"
	"github.com/timelinize/photoimport/upload"
	"go.uber.org/zap"
)

// SessionOptions configures a Session.
type SessionOptions struct {
	Workers         int
	CacheTTL        time.Duration
	ExtractMetadata bool
}

// Session holds the items selected for one import. Each session has its
// own worker and cache; nothing is shared between sessions.
type Session struct {
	id     string
	log    *zap.Logger
	opts   SessionOptions
	worker *Worker

	mu    sync.RWMutex
	items map[string]*ImportItem
	order []string
}

// ErrSessionBusy is returned by Process while another Process call runs.
var ErrSessionBusy = errors.New("session is already processing")

// NewSession starts a session and its worker.
func NewSession(logger *zap.Logger, opts SessionOptions) *Session {
	id := uuid.NewString()
	logger = logger.Named("session").With(zap.String("session_id", id))
	return &Session{
		id:   id,
		log:  logger,
		opts: opts,
		worker: NewWorker(logger, WorkerOptions{
			Workers:  opts.Workers,
			CacheTTL: opts.CacheTTL,
		}),
		items: make(map[string]*ImportItem),
	}
}

// ID returns the session's unique ID.
func (s *Session) ID() string { return s.id }

// Add adds buffers as pending items and returns their IDs. A buffer with
// no ID gets a new one; a buffer whose ID is already in the session is
// ignored.
func (s *Session) Add(bufs ...RawImageBuffer) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]string, 0, len(bufs))
	for _, buf := range bufs {
		if buf.ID == "" {
			buf.ID = uuid.NewString()
		}
		ids = append(ids, buf.ID)
		if _, ok := s.items[buf.ID]; ok {
			continue
		}
		s.items[buf.ID] = &ImportItem{
			ID:     buf.ID,
			Buffer: buf,
			Status: StatusPending,
		}
		s.order = append(s.order, buf.ID)
	}
	return ids
}

// Remove drops items from the session. Unknown IDs are ignored.
func (s *Session) Remove(ids ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLocked(ids...)
}

func (s *Session) removeLocked(ids ...string) {
	for _, id := range ids {
		delete(s.items, id)
	}
	s.order = slices.DeleteFunc(s.order, func(id string) bool {
		_, ok := s.items[id]
		return !ok
	})
}

// Item returns a copy of the item with the given ID.
func (s *Session) Item(id string) (ImportItem, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	it, ok := s.items[id]
	if !ok {
		return ImportItem{}, false
	}
	return it.clone(), true
}

// Items returns copies of all items in the order they were added.
func (s *Session) Items() []ImportItem {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]ImportItem, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.items[id].clone())
	}
	return out
}

// Process runs every pending item through the worker. onProgress, if
// not nil, is called after each file. Items not reached because ctx was
// cancelled go back to pending.
func (s *Session) Process(ctx context.Context, onProgress func(FileProgress)) error {
	bufs, err := s.claim(func(it *ImportItem) bool { return it.Status == StatusPending })
	if err != nil {
		return err
	}
	if len(bufs) == 0 {
		return nil
	}

	start := time.Now()
	out, err := s.worker.Submit(ctx, ProcessBatch{
		Buffers: bufs,
		Options: ProcessOptions{ExtractMetadata: s.opts.ExtractMetadata},
	})
	if err != nil {
		s.release(bufs)
		return fmt.Errorf("submitting batch: %w", err)
	}

	var batchErr error
	for resp := range out {
		switch r := resp.(type) {
		case FileProgress:
			s.apply(r.Result)
			if onProgress != nil {
				onProgress(r)
			}
		case BatchDone:
			for _, res := range r.Results {
				if res.Skipped {
					s.releaseOne(res.BufferID)
				}
			}
			batchErr = r.Err
		}
	}

	s.log.Info("processed items",
		zap.Int("count", len(bufs)),
		zap.Duration("duration", time.Since(start)),
		zap.Error(batchErr))

	return batchErr
}

// Fingerprints computes fingerprints for items that lack one, without
// parsing EXIF data or changing item status.
func (s *Session) Fingerprints(ctx context.Context) error {
	s.mu.RLock()
	var bufs []RawImageBuffer
	for _, id := range s.order {
		it := s.items[id]
		if it.Fingerprint == nil && it.Status != StatusProcessing {
			bufs = append(bufs, it.Buffer)
		}
	}
	s.mu.RUnlock()
	if len(bufs) == 0 {
		return nil
	}

	out, err := s.worker.Submit(ctx, FingerprintBatch{Buffers: bufs})
	if err != nil {
		return fmt.Errorf("submitting batch: %w", err)
	}
	var batchErr error
	for resp := range out {
		switch r := resp.(type) {
		case FileProgress:
			s.mu.Lock()
			if it, ok := s.items[r.Result.BufferID]; ok && it.Fingerprint == nil {
				it.Fingerprint = r.Result.Fingerprint
			}
			s.mu.Unlock()
		case BatchDone:
			batchErr = r.Err
		}
	}
	return batchErr
}

// claim marks matching items as processing and returns their buffers.
func (s *Session) claim(match func(*ImportItem) bool) ([]RawImageBuffer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var bufs []RawImageBuffer
	for _, id := range s.order {
		it := s.items[id]
		if it.Status == StatusProcessing {
			return nil, ErrSessionBusy
		}
		if match(it) {
			bufs = append(bufs, it.Buffer)
		}
	}
	for _, buf := range bufs {
		s.items[buf.ID].Status = StatusProcessing
	}
	return bufs, nil
}

func (s *Session) release(bufs []RawImageBuffer) {
	for _, buf := range bufs {
		s.releaseOne(buf.ID)
	}
}

func (s *Session) releaseOne(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if it, ok := s.items[id]; ok && it.Status == StatusProcessing {
		it.Status = StatusPending
	}
}

// apply stores a worker result on its item. Results for items removed
// while processing are dropped.
func (s *Session) apply(res FileResult) {
	s.mu.Lock()
	defer s.mu.Unlock()

	it, ok := s.items[res.BufferID]
	if !ok || it.Status != StatusProcessing {
		return
	}
	it.Exif = res.Exif
	it.Fingerprint = res.Fingerprint
	it.Metadata = res.Metadata
	it.Deferred = res.Deferred

	switch {
	case res.Err != "":
		it.Status, it.Message = StatusError, res.Err
	case res.Deferred:
		it.Status, it.Message = StatusError, MessageDeferred
	default:
		it.Status, it.Message = StatusReady, ""
	}
}

// Photos returns clustering input for the given items, or for all items
// if no IDs are given. Pending, processing and failed items are left out;
// deferred items are included since they are still photos.
func (s *Session) Photos(ids ...string) []cluster.Photo {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var photos []cluster.Photo
	for _, it := range s.selectLocked(ids) {
		switch {
		case it.Status == StatusReady, it.Status == StatusDuplicate:
		case it.Status == StatusError && it.Deferred:
		default:
			continue
		}
		photos = append(photos, cluster.Photo{
			ID:      it.ID,
			Exif:    it.Exif.Clone(),
			ModTime: it.Buffer.ModTime,
		})
	}
	return photos
}

// UploadItems returns upload input for the given ready items, or for all
// ready items if no IDs are given.
func (s *Session) UploadItems(ids ...string) []upload.Item {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var items []upload.Item
	for _, it := range s.selectLocked(ids) {
		if it.Status != StatusReady {
			continue
		}
		item := upload.Item{
			ID:       it.ID,
			FileName: it.Buffer.FileName,
			MimeType: it.Buffer.MimeType,
			Data:     it.Buffer.Data,
		}
		if it.Fingerprint != nil {
			fp := *it.Fingerprint
			item.Fingerprint = &fp
		}
		if rec := it.Exif.Clone(); rec != nil {
			item.Latitude, item.Longitude, item.Timestamp = rec.Latitude, rec.Longitude, rec.Timestamp
		}
		items = append(items, item)
	}
	return items
}

// ApplyResults records upload outcomes. Uploaded items leave the session;
// duplicates and failures stay with their status and message.
func (s *Session) ApplyResults(results []upload.Result) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var uploaded []string
	for _, res := range results {
		it, ok := s.items[res.ItemID]
		if !ok {
			continue
		}
		switch res.Status {
		case upload.TaskSuccess:
			uploaded = append(uploaded, res.ItemID)
		case upload.TaskDuplicate:
			it.Status, it.Message = StatusDuplicate, res.Message
		case upload.TaskError:
			it.Status, it.Message = StatusError, res.Message
		}
	}
	s.removeLocked(uploaded...)
}

// Close stops the session's worker.
func (s *Session) Close() {
	s.worker.Close()
}

func (s *Session) selectLocked(ids []string) []*ImportItem {
	if len(ids) == 0 {
		out := make([]*ImportItem, 0, len(s.order))
		for _, id := range s.order {
			out = append(out, s.items[id])
		}
		return out
	}
	var out []*ImportItem
	for _, id := range ids {
		if it, ok := s.items[id]; ok {
			out = append(out, it)
		}
	}
	return out
}

func (it *ImportItem) clone() ImportItem {
	out := *it
	out.Exif = it.Exif.Clone()
	if it.Fingerprint != nil {
		fp := *it.Fingerprint
		out.Fingerprint = &fp
	}
	out.Metadata = maps.Clone(it.Metadata)
	return out
}
