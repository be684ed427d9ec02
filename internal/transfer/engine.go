// Package transfer runs the chunked file protocol in both directions:
// teacher → class distribution and student → teacher collection. Every
// job is tracked independently; chunks for one job flow in strict offset
// order with no gaps, because the reassembled file's correctness depends
// on it.
package transfer

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"classcast/internal/feed"
	"classcast/internal/session"
	"classcast/pkg/protocol"
)

// Engine owns all transfer jobs. Distribution fans out through per-target
// goroutines; collection is driven by the server's read loops calling the
// Handle methods.
type Engine struct {
	registry *session.Registry
	events   *feed.Feed

	uploadRoot   string
	chunkSize    int
	ackTimeout   time.Duration
	stallTimeout time.Duration

	mu   sync.Mutex
	jobs map[uuid.UUID]*jobState
}

// NewEngine creates an engine storing uploads under uploadRoot, sharded
// by student ID.
func NewEngine(registry *session.Registry, events *feed.Feed, uploadRoot string, chunkSize int, ackTimeout, stallTimeout time.Duration) *Engine {
	if chunkSize <= 0 {
		chunkSize = 64 * 1024
	}
	return &Engine{
		registry:     registry,
		events:       events,
		uploadRoot:   uploadRoot,
		chunkSize:    chunkSize,
		ackTimeout:   ackTimeout,
		stallTimeout: stallTimeout,
		jobs:         make(map[uuid.UUID]*jobState),
	}
}

// Distribute sends the local file at path to the named students, or to
// every registered student when targets is empty. It returns one job per
// target immediately; the per-target send loops run concurrently and
// settle their jobs independently.
func (e *Engine) Distribute(ctx context.Context, path string, targets []string, openHint bool) ([]Job, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%s is a directory", path)
	}

	var sessions []*session.Session
	if len(targets) == 0 {
		sessions = e.registry.Sessions()
		if len(sessions) == 0 {
			return nil, ErrNoTargets
		}
	} else {
		for _, id := range targets {
			s, ok := e.registry.Get(id)
			if !ok {
				return nil, fmt.Errorf("student %s is not connected", id)
			}
			sessions = append(sessions, s)
		}
	}

	relPath := filepath.Base(path)
	jobs := make([]Job, 0, len(sessions))
	for _, s := range sessions {
		state := &jobState{
			job: Job{
				ID:           uuid.New(),
				Direction:    Distribute,
				StudentID:    s.StudentID,
				RelativePath: relPath,
				TotalSize:    info.Size(),
				OpenHint:     openHint,
				Status:       Pending,
				StartedAt:    time.Now(),
			},
			ack: make(chan protocol.FileAck, 1),
		}
		e.track(state)
		jobs = append(jobs, state.job)
		go e.sendTo(ctx, state.job.ID, path, s)
	}
	log.Printf("transfer: distributing %s (%d bytes) to %d students", relPath, info.Size(), len(jobs))
	return jobs, nil
}

// sendTo streams one file to one student and settles that job. Failures
// here touch nothing but this job.
func (e *Engine) sendTo(ctx context.Context, jobID uuid.UUID, path string, s *session.Session) {
	job, ok := e.snapshot(jobID)
	if !ok {
		return
	}

	fail := func(err error) {
		e.settle(jobID, Failed, err.Error())
	}

	f, err := os.Open(path)
	if err != nil {
		fail(fmt.Errorf("open: %w", err))
		return
	}
	defer f.Close()

	begin, err := protocol.Encode(protocol.KindFileBegin, protocol.FileBegin{
		JobID:        jobID,
		RelativePath: job.RelativePath,
		TotalSize:    job.TotalSize,
		OpenHint:     job.OpenHint,
	})
	if err != nil {
		fail(err)
		return
	}
	if err := s.SendFile(ctx, begin); err != nil {
		fail(fmt.Errorf("send begin: %w", err))
		return
	}
	e.update(jobID, func(j *Job) { j.Status = Active })

	buf := make([]byte, e.chunkSize)
	var offset int64
	for {
		n, err := f.Read(buf)
		if n > 0 {
			chunk, encErr := protocol.Encode(protocol.KindFileChunk, protocol.FileChunk{
				JobID:  jobID,
				Offset: offset,
				Data:   buf[:n],
			})
			if encErr != nil {
				fail(encErr)
				return
			}
			if sendErr := s.SendFile(ctx, chunk); sendErr != nil {
				fail(fmt.Errorf("send chunk at %d: %w", offset, sendErr))
				return
			}
			offset += int64(n)
			e.update(jobID, func(j *Job) { j.Transferred = offset })
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			fail(fmt.Errorf("read: %w", err))
			return
		}
	}

	end, err := protocol.Encode(protocol.KindFileEnd, protocol.FileEnd{JobID: jobID})
	if err != nil {
		fail(err)
		return
	}
	if err := s.SendFile(ctx, end); err != nil {
		fail(fmt.Errorf("send end: %w", err))
		return
	}

	// Await the terminal acknowledgement. The session's Done channel
	// covers disconnects that strand no read-loop error here.
	state := e.state(jobID)
	if state == nil {
		return
	}
	select {
	case ack := <-state.ack:
		if ack.OK {
			e.settle(jobID, Completed, "")
		} else {
			e.settle(jobID, Failed, "rejected by student: "+ack.Message)
		}
	case <-s.Done():
		fail(fmt.Errorf("student disconnected awaiting ack"))
	case <-ctx.Done():
		fail(ctx.Err())
	case <-time.After(e.ackTimeout):
		fail(fmt.Errorf("%w: no ack within %s", ErrStalled, e.ackTimeout))
	}
}

// HandleAck routes a student's terminal acknowledgement to the waiting
// send loop.
func (e *Engine) HandleAck(studentID string, ack protocol.FileAck) error {
	state := e.state(ack.JobID)
	if state == nil || state.job.StudentID != studentID || state.ack == nil {
		return fmt.Errorf("%w: %s", ErrUnknownJob, ack.JobID)
	}
	select {
	case state.ack <- ack:
	default:
	}
	return nil
}

// HandleBegin opens a collection job for a student-initiated upload. The
// destination is upload_root/<student id>/<file name>, both components
// sanitized; directories are created as needed.
func (e *Engine) HandleBegin(s *session.Session, begin protocol.FileBegin) error {
	if begin.TotalSize < 0 {
		e.ackTo(s, begin.JobID, false, "negative size")
		return fmt.Errorf("negative total size %d", begin.TotalSize)
	}
	if _, tracked := e.snapshot(begin.JobID); tracked {
		e.ackTo(s, begin.JobID, false, "job id in use")
		return fmt.Errorf("%w: %s", ErrDuplicateJob, begin.JobID)
	}

	dir := filepath.Join(e.uploadRoot, protocol.SanitizeFilename(s.StudentID))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		e.ackTo(s, begin.JobID, false, "storage error")
		return fmt.Errorf("create upload dir: %w", err)
	}
	path := filepath.Join(dir, protocol.SanitizeFilename(begin.RelativePath))

	f, err := os.Create(path)
	if err != nil {
		e.ackTo(s, begin.JobID, false, "storage error")
		return fmt.Errorf("create %s: %w", path, err)
	}

	state := &jobState{
		job: Job{
			ID:           begin.JobID,
			Direction:    Collect,
			StudentID:    s.StudentID,
			RelativePath: begin.RelativePath,
			TotalSize:    begin.TotalSize,
			OpenHint:     begin.OpenHint,
			Status:       Active,
			StartedAt:    time.Now(),
		},
		file:      f,
		path:      path,
		lastChunk: time.Now(),
	}
	if !e.track(state) {
		f.Close()
		e.ackTo(s, begin.JobID, false, "job id in use")
		return fmt.Errorf("%w: %s", ErrDuplicateJob, begin.JobID)
	}
	log.Printf("transfer: receiving %s (%d bytes) from %s", begin.RelativePath, begin.TotalSize, s.StudentID)
	return nil
}

// HandleChunk appends one upload chunk. Chunks must arrive in strict
// offset order and never past the declared size; a violation fails the
// job, keeps the partial file, and tells the student to stop.
func (e *Engine) HandleChunk(s *session.Session, chunk protocol.FileChunk) error {
	e.mu.Lock()
	state, ok := e.jobs[chunk.JobID]
	if !ok || state.job.StudentID != s.StudentID || state.job.Direction != Collect || state.job.Terminal() {
		e.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownJob, chunk.JobID)
	}
	if chunk.Offset != state.job.Transferred {
		e.mu.Unlock()
		e.failCollect(chunk.JobID, fmt.Sprintf("chunk at %d, expected %d", chunk.Offset, state.job.Transferred))
		e.ackTo(s, chunk.JobID, false, "chunk out of order")
		return fmt.Errorf("%w: got offset %d, want %d", ErrChunkOutOfOrder, chunk.Offset, state.job.Transferred)
	}
	if state.job.Transferred+int64(len(chunk.Data)) > state.job.TotalSize {
		e.mu.Unlock()
		e.failCollect(chunk.JobID, "more bytes than declared")
		e.ackTo(s, chunk.JobID, false, "size exceeded")
		return fmt.Errorf("%w: job %s", ErrSizeExceeded, chunk.JobID)
	}
	file := state.file
	e.mu.Unlock()

	// File I/O happens outside the lock; the read loop is the only
	// producer for this job, so ordering holds.
	if _, err := file.Write(chunk.Data); err != nil {
		e.failCollect(chunk.JobID, "write failed")
		e.ackTo(s, chunk.JobID, false, "storage error")
		return fmt.Errorf("write chunk: %w", err)
	}

	e.mu.Lock()
	if state, ok := e.jobs[chunk.JobID]; ok && !state.job.Terminal() {
		state.job.Transferred += int64(len(chunk.Data))
		state.lastChunk = time.Now()
	}
	e.mu.Unlock()
	return nil
}

// HandleEnd closes a collection job: the byte count must match the
// declared size exactly, otherwise the job fails and the partial file is
// retained. Either way the student gets the terminal acknowledgement.
func (e *Engine) HandleEnd(s *session.Session, end protocol.FileEnd) error {
	e.mu.Lock()
	state, ok := e.jobs[end.JobID]
	if !ok || state.job.StudentID != s.StudentID || state.job.Direction != Collect || state.job.Terminal() {
		e.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownJob, end.JobID)
	}
	file, transferred, total := state.file, state.job.Transferred, state.job.TotalSize
	state.file = nil
	e.mu.Unlock()

	if file != nil {
		file.Close()
	}
	if transferred != total {
		e.failCollect(end.JobID, fmt.Sprintf("received %d of %d bytes", transferred, total))
		e.ackTo(s, end.JobID, false, "size mismatch")
		return nil
	}
	e.settle(end.JobID, Completed, "")
	e.ackTo(s, end.JobID, true, "")
	log.Printf("transfer: stored %s from %s", state.path, s.StudentID)
	return nil
}

// FailStudentJobs fails every non-terminal collection job owned by a
// departed student, retaining partial files. Called on unregister.
func (e *Engine) FailStudentJobs(studentID, reason string) {
	e.mu.Lock()
	var stale []uuid.UUID
	for id, state := range e.jobs {
		if state.job.StudentID == studentID && state.job.Direction == Collect && !state.job.Terminal() {
			stale = append(stale, id)
		}
	}
	e.mu.Unlock()
	for _, id := range stale {
		e.failCollect(id, reason)
	}
}

// RunWatchdog fails collection jobs that have gone quiet past the stall
// timeout. Blocks until ctx is cancelled.
func (e *Engine) RunWatchdog(ctx context.Context) {
	interval := e.stallTimeout / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-e.stallTimeout)
			e.mu.Lock()
			var stalled []uuid.UUID
			for id, state := range e.jobs {
				if state.job.Direction == Collect && !state.job.Terminal() && state.lastChunk.Before(cutoff) {
					stalled = append(stalled, id)
				}
			}
			e.mu.Unlock()
			for _, id := range stalled {
				e.failCollect(id, ErrStalled.Error())
			}
		}
	}
}

// Jobs snapshots all tracked jobs, oldest first.
func (e *Engine) Jobs() []Job {
	e.mu.Lock()
	out := make([]Job, 0, len(e.jobs))
	for _, state := range e.jobs {
		out = append(out, state.job)
	}
	e.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].ID.String() < out[j].ID.String()
		}
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}

// Job returns a snapshot of one job.
func (e *Engine) Job(id uuid.UUID) (Job, bool) {
	return e.snapshot(id)
}

// track records a new job. It refuses to replace a tracked ID: an
// in-flight job's state (its ack channel, its open file) must never be
// swapped out from under the goroutine driving it.
func (e *Engine) track(state *jobState) bool {
	e.mu.Lock()
	if _, exists := e.jobs[state.job.ID]; exists {
		e.mu.Unlock()
		return false
	}
	e.jobs[state.job.ID] = state
	ev := state.event()
	e.mu.Unlock()
	e.publish(ev)
	return true
}

func (e *Engine) state(id uuid.UUID) *jobState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.jobs[id]
}

func (e *Engine) snapshot(id uuid.UUID) (Job, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	state, ok := e.jobs[id]
	if !ok {
		return Job{}, false
	}
	return state.job, true
}

func (e *Engine) update(id uuid.UUID, mutate func(*Job)) {
	e.mu.Lock()
	if state, ok := e.jobs[id]; ok && !state.job.Terminal() {
		mutate(&state.job)
	}
	e.mu.Unlock()
}

// settle moves a job to a terminal state, once, and publishes the event.
func (e *Engine) settle(id uuid.UUID, status Status, errText string) {
	e.mu.Lock()
	state, ok := e.jobs[id]
	if !ok || state.job.Terminal() {
		e.mu.Unlock()
		return
	}
	state.job.Status = status
	state.job.Error = errText
	state.job.FinishedAt = time.Now()
	ev := state.event()
	e.mu.Unlock()

	if status == Failed {
		log.Printf("transfer: job %s for %s failed: %s", id, ev.StudentID, errText)
	}
	e.publish(ev)
}

// failCollect settles a collection job as Failed and closes its file.
// The partial file is retained on disk.
func (e *Engine) failCollect(id uuid.UUID, reason string) {
	e.mu.Lock()
	state, ok := e.jobs[id]
	var file *os.File
	if ok && !state.job.Terminal() {
		file = state.file
		state.file = nil
	}
	e.mu.Unlock()
	if file != nil {
		file.Close()
	}
	e.settle(id, Failed, reason)
}

func (e *Engine) ackTo(s *session.Session, jobID uuid.UUID, ok bool, message string) {
	env, err := protocol.Encode(protocol.KindFileAck, protocol.FileAck{JobID: jobID, OK: ok, Message: message})
	if err != nil {
		return
	}
	s.SendControl(env)
}

func (e *Engine) publish(ev feed.Event) {
	if e.events != nil {
		e.events.Publish(ev)
	}
}
