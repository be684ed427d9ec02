package session

import (
	"context"
	"sync"
	"time"

	"classcast/pkg/protocol"
)

// outQueue is one session's outbound buffer, split into three lanes with
// different overflow policies:
//
//   - control carries broadcast commands and file-transfer frames. Nothing
//     is ever dropped: control producers force-append after a bounded
//     wait, file producers block with a context.
//   - audio is never dropped either; a producer facing a full lane waits
//     up to audioWait, then force-appends and reports ErrQueueDegraded.
//   - video is a bounded ring with latest-wins overflow: the oldest queued
//     frame is discarded so a slow receiver loses fidelity, never freshness.
//
// A single write loop drains lanes in control, audio, video order. All
// lane state lives behind one mutex; no network I/O happens under it.
type outQueue struct {
	mu   sync.Mutex
	cond *sync.Cond

	control []*protocol.Envelope
	audio   []*protocol.Envelope
	video   []*protocol.Envelope

	controlCap int
	audioCap   int
	videoCap   int

	audioWait time.Duration

	videoDropped uint64
	closed       bool
}

func newOutQueue(videoCap, audioCap int, audioWait time.Duration) *outQueue {
	q := &outQueue{
		controlCap: audioCap,
		audioCap:   audioCap,
		videoCap:   videoCap,
		audioWait:  audioWait,
	}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// enqueueVideo appends a video chunk, discarding the oldest queued chunk
// when the lane is full. Never blocks.
func (q *outQueue) enqueueVideo(env *protocol.Envelope) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrSessionClosed
	}
	if len(q.video) >= q.videoCap {
		q.video = q.video[1:]
		q.videoDropped++
	}
	q.video = append(q.video, env)
	q.cond.Broadcast()
	return nil
}

// enqueueAudio appends an audio chunk, waiting up to audioWait for space.
// Audio is never dropped: when the wait expires the chunk is appended past
// the bound and ErrQueueDegraded is returned so the caller can mark the
// session degraded.
func (q *outQueue) enqueueAudio(env *protocol.Envelope) error {
	return q.enqueueBounded(&q.audio, q.audioCap, q.audioWait, env)
}

// enqueueControl appends a control envelope with the same bounded-wait,
// force-append policy as audio. Control traffic is small; degradation here
// signals a receiver that has stopped draining entirely.
func (q *outQueue) enqueueControl(env *protocol.Envelope) error {
	return q.enqueueBounded(&q.control, q.controlCap, q.audioWait, env)
}

func (q *outQueue) enqueueBounded(lane *[]*protocol.Envelope, bound int, wait time.Duration, env *protocol.Envelope) error {
	deadline := time.Now().Add(wait)
	q.mu.Lock()
	defer q.mu.Unlock()
	for {
		if q.closed {
			return ErrSessionClosed
		}
		if len(*lane) < bound {
			*lane = append(*lane, env)
			q.cond.Broadcast()
			return nil
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			*lane = append(*lane, env)
			q.cond.Broadcast()
			return ErrQueueDegraded
		}
		q.waitWithTimeout(remaining)
	}
}

// enqueueFile appends a file-transfer frame to the control lane, blocking
// until there is space, the context is cancelled, or the queue closes.
// File chunks tolerate no loss and no bound violation, so the per-target
// transfer loop is the one producer allowed to block here.
func (q *outQueue) enqueueFile(ctx context.Context, env *protocol.Envelope) error {
	stop := context.AfterFunc(ctx, func() {
		q.mu.Lock()
		q.cond.Broadcast()
		q.mu.Unlock()
	})
	defer stop()

	q.mu.Lock()
	defer q.mu.Unlock()
	for {
		if q.closed {
			return ErrSessionClosed
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if len(q.control) < q.controlCap {
			q.control = append(q.control, env)
			q.cond.Broadcast()
			return nil
		}
		q.cond.Wait()
	}
}

// dequeue blocks until an envelope is available and returns it, draining
// lanes in priority order. Returns false once the queue is closed; data
// still queued for a closed session is discarded, never delivered.
func (q *outQueue) dequeue() (*protocol.Envelope, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for {
		if q.closed {
			return nil, false
		}
		if len(q.control) > 0 {
			env := q.control[0]
			q.control = q.control[1:]
			q.cond.Broadcast()
			return env, true
		}
		if len(q.audio) > 0 {
			env := q.audio[0]
			q.audio = q.audio[1:]
			q.cond.Broadcast()
			return env, true
		}
		if len(q.video) > 0 {
			env := q.video[0]
			q.video = q.video[1:]
			return env, true
		}
		q.cond.Wait()
	}
}

// close discards all queued data and unblocks every producer and the
// write loop. Idempotent.
func (q *outQueue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	q.control, q.audio, q.video = nil, nil, nil
	q.cond.Broadcast()
}

func (q *outQueue) droppedVideo() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.videoDropped
}

// waitWithTimeout waits on the queue condition for at most d. sync.Cond
// has no timed wait, so a timer broadcasts to wake the waiter.
func (q *outQueue) waitWithTimeout(d time.Duration) {
	t := time.AfterFunc(d, func() {
		q.mu.Lock()
		q.cond.Broadcast()
		q.mu.Unlock()
	})
	defer t.Stop()
	q.cond.Wait()
}
