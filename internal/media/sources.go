package media

import (
	"context"
	"time"

	"classcast/pkg/protocol"
)

// Frame is one encoded video frame handed over by a capture backend.
type Frame struct {
	Codec      protocol.VideoCodec
	Width      int
	Height     int
	Fullscreen bool
	Data       []byte
}

// Sample is one block of encoded audio from a capture backend.
type Sample struct {
	SampleRate int
	Channels   int
	Data       []byte
}

// FrameSource yields encoded video frames. Real capture backends live
// outside the engine; NextFrame blocks until a frame is ready or ctx is
// cancelled.
type FrameSource interface {
	NextFrame(ctx context.Context) (Frame, error)
}

// SampleSource yields encoded audio blocks, with the same contract as
// FrameSource.
type SampleSource interface {
	NextSample(ctx context.Context) (Sample, error)
}

// Sink receives media on the student side. Rendering backends live
// outside the engine; the client hands decoded-order chunks to the sink.
type Sink interface {
	PlayVideo(chunk protocol.MediaChunk)
	PlayAudio(chunk protocol.MediaChunk)
}

// DiscardSink drops everything, for headless clients and tests.
type DiscardSink struct{}

func (DiscardSink) PlayVideo(protocol.MediaChunk) {}
func (DiscardSink) PlayAudio(protocol.MediaChunk) {}

// TestPatternSource emits small raw BGRA frames at a fixed rate. It stands
// in for a capture backend in diagnostics and anywhere no real capture is
// wired.
type TestPatternSource struct {
	Interval time.Duration
	Width    int
	Height   int
	tick     uint8
}

// NewTestPatternSource emits width x height frames at fps.
func NewTestPatternSource(fps, width, height int) *TestPatternSource {
	if fps <= 0 {
		fps = 12
	}
	return &TestPatternSource{
		Interval: time.Second / time.Duration(fps),
		Width:    width,
		Height:   height,
	}
}

// NextFrame waits one frame interval, then returns a solid-colour frame
// whose shade advances each call.
func (s *TestPatternSource) NextFrame(ctx context.Context) (Frame, error) {
	select {
	case <-ctx.Done():
		return Frame{}, ctx.Err()
	case <-time.After(s.Interval):
	}
	s.tick++
	data := make([]byte, s.Width*s.Height*4)
	for i := 0; i < len(data); i += 4 {
		data[i] = s.tick
		data[i+3] = 0xff
	}
	return Frame{
		Codec:      protocol.CodecBGRA,
		Width:      s.Width,
		Height:     s.Height,
		Fullscreen: true,
		Data:       data,
	}, nil
}

// SilenceSource emits empty audio blocks at a fixed cadence, the audio
// counterpart of TestPatternSource.
type SilenceSource struct {
	Interval   time.Duration
	SampleRate int
	Channels   int
}

// NewSilenceSource emits silence at the given cadence.
func NewSilenceSource(interval time.Duration) *SilenceSource {
	if interval <= 0 {
		interval = 50 * time.Millisecond
	}
	return &SilenceSource{Interval: interval, SampleRate: 48000, Channels: 2}
}

func (s *SilenceSource) NextSample(ctx context.Context) (Sample, error) {
	select {
	case <-ctx.Done():
		return Sample{}, ctx.Err()
	case <-time.After(s.Interval):
	}
	return Sample{SampleRate: s.SampleRate, Channels: s.Channels, Data: make([]byte, 960)}, nil
}
