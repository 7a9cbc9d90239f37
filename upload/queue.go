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

package upload

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Options configures a Queue.
type Options struct {
	// Maximum number of uploads in flight at once.
	MaxConcurrent int

	Logger *zap.Logger

	// OnProgress, if set, receives a snapshot after every state change.
	// It is called with the queue locked, so it must not call back into
	// the queue and should return quickly.
	OnProgress func(Progress)
}

// DefaultMaxConcurrent is used when Options.MaxConcurrent is not positive.
const DefaultMaxConcurrent = 3

// task is the mutable state behind a Task. Everything except item is
// protected by the queue mutex.
type task struct {
	item    Item
	status  TaskStatus
	message string
	percent float64
}

func (t *task) snapshot() Task {
	return Task{
		ItemID:          t.item.ID,
		FileName:        t.item.FileName,
		Status:          t.status,
		Message:         t.message,
		ProgressPercent: t.percent,
	}
}

// run is one pass of Start; concurrent callers of Start share it.
type run struct {
	done    chan struct{}
	results []Result
	err     error
}

// Queue uploads items with at most MaxConcurrent transfers in flight.
// Before each run it asks the DuplicateChecker which of the pending
// fingerprints are already known and skips those items.
type Queue struct {
	checker    DuplicateChecker
	uploader   Uploader
	max        int
	logger     *zap.Logger
	statusLog  *zap.Logger
	onProgress func(Progress)

	mu   sync.Mutex
	cond *sync.Cond // signaled when a slot frees, work arrives, or admission is unpaused

	// protected by mu
	state     State
	paused    bool
	tasks     []*task // all tasks, in enqueue order
	pending   []*task // FIFO of tasks awaiting admission
	inFlight  []*task
	current   *run
	lastFlush time.Time
}

// NewQueue returns an idle queue. checker may be nil to skip duplicate checks.
func NewQueue(checker DuplicateChecker, uploader Uploader, opts Options) *Queue {
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = DefaultMaxConcurrent
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	q := &Queue{
		checker:    checker,
		uploader:   uploader,
		max:        opts.MaxConcurrent,
		logger:     opts.Logger,
		statusLog:  opts.Logger.Named("progress"),
		onProgress: opts.OnProgress,
		state:      StateIdle,
	}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Enqueue adds pending tasks for items. Items enqueued while a run is in
// progress are uploaded by that run but are not checked for duplicates.
func (q *Queue) Enqueue(items ...Item) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.state == StateCancelled {
		return ErrCancelled
	}
	for _, item := range items {
		t := &task{item: item, status: TaskPending}
		q.tasks = append(q.tasks, t)
		q.pending = append(q.pending, t)
	}
	q.transitioned(nil)
	q.cond.Broadcast()
	return nil
}

// Start runs the queue until every task is terminal and returns one result
// per task. Calling Start while a run is in progress waits for that run.
// Starting a drained queue runs again if tasks were enqueued since.
// Cancelling ctx cancels the queue; uploads already in flight are allowed
// to finish. A cancelled run returns its results along with ErrCancelled.
func (q *Queue) Start(ctx context.Context) ([]Result, error) {
	q.mu.Lock()
	r := q.current
	switch q.state {
	case StateCancelled:
		if r == nil {
			r = &run{done: make(chan struct{}), results: q.resultsLocked(), err: ErrCancelled}
			close(r.done)
		}
	case StateIdle, StateDrained:
		if q.state == StateDrained && len(q.pending) == 0 {
			results := q.resultsLocked()
			q.mu.Unlock()
			return results, nil
		}
		r = &run{done: make(chan struct{})}
		q.current = r
		q.state = StateRunning
		if q.paused {
			q.state = StatePaused
		}
		q.transitioned(q.statusLog)
		go q.execute(ctx, r)
	}
	q.mu.Unlock()

	select {
	case <-r.done:
	case <-ctx.Done():
		select {
		case <-r.done:
		default:
			q.Cancel()
			<-r.done
		}
	}
	return r.results, r.err
}

func (q *Queue) execute(ctx context.Context, r *run) {
	stop := context.AfterFunc(ctx, q.Cancel)
	defer stop()

	q.checkDuplicates(ctx)
	if ctx.Err() != nil {
		q.Cancel()
	}

	// transfers already started are never aborted
	uploadCtx := context.WithoutCancel(ctx)

	q.mu.Lock()
	q.admit(uploadCtx)
	if q.state != StateCancelled {
		q.state = StateDrained
	} else {
		r.err = ErrCancelled
	}
	r.results = q.resultsLocked()
	q.transitioned(q.statusLog)
	q.mu.Unlock()

	close(r.done)
}

// checkDuplicates marks pending tasks whose fingerprints the remote side
// already has as duplicates. A failed check is logged and the run goes on
// without duplicate protection.
func (q *Queue) checkDuplicates(ctx context.Context) {
	if q.checker == nil {
		return
	}

	q.mu.Lock()
	byFingerprint := make(map[string][]*task)
	var fingerprints []string
	for _, t := range q.pending {
		if t.item.Fingerprint == nil || *t.item.Fingerprint == "" {
			continue
		}
		fp := *t.item.Fingerprint
		if _, seen := byFingerprint[fp]; !seen {
			fingerprints = append(fingerprints, fp)
		}
		byFingerprint[fp] = append(byFingerprint[fp], t)
	}
	q.mu.Unlock()

	if len(fingerprints) == 0 {
		return
	}

	known, err := q.checker.CheckDuplicates(ctx, fingerprints)
	if err != nil {
		q.logger.Warn("duplicate check failed; uploading without duplicate protection",
			zap.Int("fingerprints", len(fingerprints)),
			zap.Error(err))
		return
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	var dupes int
	for _, fp := range known {
		for _, t := range byFingerprint[fp] {
			if t.status != TaskPending {
				continue
			}
			t.status = TaskDuplicate
			dupes++
		}
	}
	if dupes == 0 {
		return
	}
	q.pending = slices.DeleteFunc(q.pending, func(t *task) bool { return t.status != TaskPending })
	q.logger.Info("skipping items already on the server", zap.Int("duplicates", dupes))
	q.transitioned(nil)
}

// admit starts uploads as slots free up until there is nothing pending
// and nothing in flight. MUST BE CALLED WITH q.mu LOCKED.
func (q *Queue) admit(ctx context.Context) {
	for {
		for !q.paused && len(q.inFlight) < q.max && len(q.pending) > 0 {
			t := q.pending[0]
			q.pending = q.pending[1:]
			t.status = TaskUploading
			q.inFlight = append(q.inFlight, t)
			q.transitioned(nil)
			go q.upload(ctx, t)
		}
		if len(q.pending) == 0 && len(q.inFlight) == 0 {
			return
		}
		q.cond.Wait()
	}
}

func (q *Queue) upload(ctx context.Context, t *task) {
	err := q.safeUpload(ctx, t)

	q.mu.Lock()
	defer q.mu.Unlock()
	q.inFlight = slices.DeleteFunc(q.inFlight, func(other *task) bool { return other == t })
	if err != nil {
		t.status = TaskError
		t.message = err.Error()
		q.logger.Error("upload failed",
			zap.String("item_id", t.item.ID),
			zap.String("file_name", t.item.FileName),
			zap.Error(err))
	} else {
		t.status = TaskSuccess
		t.percent = 100
	}
	q.transitioned(nil)
	q.cond.Broadcast()
}

func (q *Queue) safeUpload(ctx context.Context, t *task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic during upload: %v", r)
		}
	}()
	return q.uploader.Upload(ctx, t.item, func(sent, total int64) {
		if total <= 0 {
			return
		}
		q.mu.Lock()
		t.percent = min(100*float64(sent)/float64(total), 100)
		q.mu.Unlock()
	})
}

// Pause stops admitting new uploads. Uploads in flight are unaffected.
func (q *Queue) Pause() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.state == StateCancelled {
		return
	}
	q.paused = true
	if q.state == StateRunning {
		q.state = StatePaused
	}
	q.transitioned(q.statusLog)
}

// Resume undoes Pause.
func (q *Queue) Resume() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.paused = false
	if q.state == StatePaused {
		q.state = StateRunning
	}
	q.transitioned(q.statusLog)
	q.cond.Broadcast()
}

// Cancel drops all pending tasks, which end as errors with the message
// "cancelled". Uploads in flight finish normally. A cancelled queue
// accepts no more items.
func (q *Queue) Cancel() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.state == StateCancelled {
		return
	}
	running := q.state == StateRunning || q.state == StatePaused
	for _, t := range q.pending {
		t.status = TaskError
		t.message = MessageCancelled
	}
	q.pending = nil
	q.state = StateCancelled
	if !running {
		q.current = nil
	}
	q.transitioned(q.statusLog)
	q.cond.Broadcast()
}

// State returns the current state of the queue.
func (q *Queue) State() State {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.state
}

// Progress returns a snapshot of the queue's counters.
func (q *Queue) Progress() Progress {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.progressLocked()
}

// Tasks returns a snapshot of every task in enqueue order.
func (q *Queue) Tasks() []Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	tasks := make([]Task, len(q.tasks))
	for i, t := range q.tasks {
		tasks[i] = t.snapshot()
	}
	return tasks
}

func (q *Queue) progressLocked() Progress {
	p := Progress{
		Total:       len(q.tasks),
		InFlight:    len(q.inFlight),
		InFlightIDs: make([]string, len(q.inFlight)),
	}
	for i, t := range q.inFlight {
		p.InFlightIDs[i] = t.item.ID
	}
	for _, t := range q.tasks {
		switch t.status {
		case TaskPending:
			p.Pending++
		case TaskSuccess:
			p.Succeeded++
		case TaskError:
			p.Failed++
		case TaskDuplicate:
			p.Duplicate++
		}
	}
	return p
}

func (q *Queue) resultsLocked() []Result {
	results := make([]Result, len(q.tasks))
	for i, t := range q.tasks {
		results[i] = Result{ItemID: t.item.ID, Status: t.status, Message: t.message}
	}
	return results
}

// transitioned publishes a snapshot to OnProgress and writes a progress
// log if enough time has passed since the last one. To force the log,
// pass in a logger (usually q.statusLog).
// MUST BE CALLED WITH q.mu LOCKED.
func (q *Queue) transitioned(logger *zap.Logger) {
	p := q.progressLocked()
	if q.onProgress != nil {
		q.onProgress(p)
	}
	if logger != nil || time.Since(q.lastFlush) > progressFlushInterval {
		if logger == nil {
			logger = q.statusLog
		}
		logger.Info("progress",
			zap.String("state", string(q.state)),
			zap.Int("total", p.Total),
			zap.Int("pending", p.Pending),
			zap.Int("succeeded", p.Succeeded),
			zap.Int("failed", p.Failed),
			zap.Int("duplicate", p.Duplicate),
			zap.Strings("in_flight", p.InFlightIDs))
		q.lastFlush = time.Now()
	}
}

const progressFlushInterval = 250 * time.Millisecond // how often to log progress
