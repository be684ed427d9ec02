// Package media replicates the active source's encoded frames and samples
// to every connected student. Per-receiver backpressure is the session
// queue's job; the pipeline itself never blocks on a slow receiver and
// never holds a lock across an enqueue round.
package media

import (
	"log"
	"sync/atomic"
	"time"

	"classcast/internal/session"
	"classcast/pkg/protocol"
)

// Pipeline fans media out to the registry's sessions. Teacher-originated
// chunks are stamped with monotonic per-kind sequences; student-originated
// chunks keep the sequence their client stamped.
type Pipeline struct {
	registry *session.Registry

	videoSeq atomic.Uint64
	audioSeq atomic.Uint64

	audioEnabled atomic.Bool
	forceAudio   atomic.Bool
}

// NewPipeline wires the pipeline to the registry.
func NewPipeline(registry *session.Registry) *Pipeline {
	p := &Pipeline{registry: registry}
	p.audioEnabled.Store(true)
	return p
}

// SetAudioEnabled gates teacher audio capture fan-out entirely.
func (p *Pipeline) SetAudioEnabled(enabled bool) {
	p.audioEnabled.Store(enabled)
}

// AudioEnabled reports whether teacher audio is being fanned out.
func (p *Pipeline) AudioEnabled() bool {
	return p.audioEnabled.Load()
}

// SetForceAudio overrides students' local mute for the duration of the
// current broadcast: chunks are stamped force-play and delivered even to
// muted sessions.
func (p *Pipeline) SetForceAudio(force bool) {
	p.forceAudio.Store(force)
}

// ForceAudio reports whether the mute override is active.
func (p *Pipeline) ForceAudio() bool {
	return p.forceAudio.Load()
}

// PublishVideo stamps and fans out one teacher-captured frame.
func (p *Pipeline) PublishVideo(frame Frame) {
	chunk := protocol.MediaChunk{
		Kind:        protocol.MediaVideo,
		Sequence:    p.videoSeq.Add(1),
		TimestampMS: time.Now().UnixMilli(),
		Source:      protocol.TeacherSource(),
		Codec:       frame.Codec,
		Width:       frame.Width,
		Height:      frame.Height,
		Fullscreen:  frame.Fullscreen,
		Data:        frame.Data,
	}
	p.fanOut(chunk, "")
}

// PublishAudio stamps and fans out one teacher-captured audio block.
// Dropped entirely while audio is disabled.
func (p *Pipeline) PublishAudio(sample Sample) {
	if !p.audioEnabled.Load() {
		return
	}
	chunk := protocol.MediaChunk{
		Kind:        protocol.MediaAudio,
		Sequence:    p.audioSeq.Add(1),
		TimestampMS: time.Now().UnixMilli(),
		Source:      protocol.TeacherSource(),
		SampleRate:  sample.SampleRate,
		Channels:    sample.Channels,
		ForcePlay:   p.forceAudio.Load(),
		Data:        sample.Data,
	}
	p.fanOut(chunk, "")
}

// Republish fans out a chunk received from the spotlighted student,
// excluding the source's own connection. The server verifies the sender is
// the active source before calling.
func (p *Pipeline) Republish(chunk protocol.MediaChunk, fromStudentID string) {
	if chunk.Kind == protocol.MediaAudio && p.forceAudio.Load() {
		chunk.ForcePlay = true
	}
	p.fanOut(chunk, fromStudentID)
}

// fanOut enqueues one chunk onto every session's queue except the
// excluded source. Muted sessions skip audio unless the chunk carries
// force-play. Enqueue failures affect only that session.
func (p *Pipeline) fanOut(chunk protocol.MediaChunk, exclude string) {
	env, err := protocol.Encode(protocol.KindMedia, chunk)
	if err != nil {
		log.Printf("media: encode %s chunk: %v", chunk.Kind, err)
		return
	}
	for _, s := range p.registry.Sessions() {
		if s.StudentID == exclude {
			continue
		}
		switch chunk.Kind {
		case protocol.MediaAudio:
			if s.Muted() && !chunk.ForcePlay {
				continue
			}
			if err := s.SendAudio(env); err != nil && err != session.ErrQueueDegraded {
				continue
			}
		default:
			s.SendVideo(env)
		}
	}
}
