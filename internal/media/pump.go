package media

import (
	"context"
	"errors"
	"log"
)

// RunPump copies frames and samples from the capture collaborators into
// the pipeline until ctx is cancelled. The server runs one pump while the
// teacher is the active source and cancels it on every transition away.
// A nil source simply idles that lane.
func RunPump(ctx context.Context, p *Pipeline, frames FrameSource, samples SampleSource) {
	done := make(chan struct{}, 2)

	go func() {
		defer func() { done <- struct{}{} }()
		if frames == nil {
			<-ctx.Done()
			return
		}
		for {
			frame, err := frames.NextFrame(ctx)
			if err != nil {
				if !errors.Is(err, context.Canceled) {
					log.Printf("media: frame source stopped: %v", err)
				}
				return
			}
			p.PublishVideo(frame)
		}
	}()

	go func() {
		defer func() { done <- struct{}{} }()
		if samples == nil {
			<-ctx.Done()
			return
		}
		for {
			sample, err := samples.NextSample(ctx)
			if err != nil {
				if !errors.Is(err, context.Canceled) {
					log.Printf("media: sample source stopped: %v", err)
				}
				return
			}
			p.PublishAudio(sample)
		}
	}()

	<-done
	<-done
}
