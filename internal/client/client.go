// Package client is the student-side engine: it connects to the teacher,
// renders the incoming media feed, serves as the upstream source while
// spotlighted, stores distributed files, and streams uploads back.
package client

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"classcast/internal/config"
	"classcast/internal/media"
	"classcast/internal/transport"
	"classcast/pkg/protocol"
)

// Version is reported in the hello.
const Version = "1.0.0"

// Client is one student's connection to the teacher.
type Client struct {
	cfg    *config.StudentConfig
	sink   media.Sink
	frames media.FrameSource
	opener func(path string)

	conn  *transport.Conn
	muted atomic.Bool

	ready     chan struct{}
	readyOnce sync.Once

	mu           sync.Mutex
	lastSeq      map[protocol.MediaKind]uint64
	seqSource    map[protocol.MediaKind]protocol.Source
	streamCancel context.CancelFunc
	uploadAcks   map[uuid.UUID]chan protocol.FileAck
	downloads    map[uuid.UUID]*download
}

// New builds a client. sink receives the rendered feed (nil discards);
// frames is the capture backend used while spotlighted (nil means the
// student cannot serve as a source); opener is invoked for auto-open
// hints (nil disables auto-open).
func New(cfg *config.StudentConfig, sink media.Sink, frames media.FrameSource, opener func(path string)) *Client {
	if sink == nil {
		sink = media.DiscardSink{}
	}
	c := &Client{
		cfg:        cfg,
		sink:       sink,
		frames:     frames,
		opener:     opener,
		ready:      make(chan struct{}),
		lastSeq:    make(map[protocol.MediaKind]uint64),
		seqSource:  make(map[protocol.MediaKind]protocol.Source),
		uploadAcks: make(map[uuid.UUID]chan protocol.FileAck),
		downloads:  make(map[uuid.UUID]*download),
	}
	c.muted.Store(cfg.StartMuted)
	return c
}

// Ready is closed once the welcome has been received.
func (c *Client) Ready() <-chan struct{} {
	return c.ready
}

// Muted reports the local playback mute flag.
func (c *Client) Muted() bool {
	return c.muted.Load()
}

// Run connects, handshakes, and serves the read loop until the
// connection dies or ctx is cancelled.
func (c *Client) Run(ctx context.Context) error {
	conn, err := transport.Dial(ctx, c.cfg.TeacherAddr, c.cfg.WriteTimeout.Std())
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	defer conn.Close()

	hello, err := protocol.Encode(protocol.KindHello, protocol.Hello{
		StudentID:     c.cfg.StudentID,
		StudentName:   c.cfg.StudentName,
		ClientVersion: Version,
		Capabilities: protocol.Capabilities{
			ReceiveVideo: true,
			SendVideo:    c.frames != nil,
			ReceiveAudio: true,
			FileTransfer: true,
		},
	})
	if err != nil {
		return err
	}
	if err := conn.Write(hello); err != nil {
		return fmt.Errorf("send hello: %w", err)
	}

	// Close the connection when ctx ends so the read loop unblocks.
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	go c.heartbeatLoop(ctx, conn)

	err = c.readLoop(conn)
	c.stopStreaming()
	c.abandonDownloads()
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

func (c *Client) heartbeatLoop(ctx context.Context, conn *transport.Conn) {
	ticker := time.NewTicker(c.cfg.HeartbeatInterval.Std())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			env, err := protocol.Encode(protocol.KindHeartbeat, protocol.Heartbeat{
				TimestampMS: time.Now().UnixMilli(),
			})
			if err != nil {
				return
			}
			if err := conn.Write(env); err != nil {
				return
			}
		}
	}
}

func (c *Client) readLoop(conn *transport.Conn) error {
	for {
		env, err := conn.Read()
		if err != nil {
			if errors.Is(err, transport.ErrDisconnected) {
				return fmt.Errorf("teacher connection lost: %w", err)
			}
			return err
		}

		switch env.Type {
		case protocol.KindWelcome:
			var welcome protocol.Welcome
			if err := env.Decode(&welcome); err == nil {
				log.Printf("client: connected to teacher (server %s)", welcome.ServerVersion)
				if welcome.Broadcast.Active && welcome.Broadcast.Source != nil {
					log.Printf("client: broadcast already in progress from %s", welcome.Broadcast.Source.Kind)
				}
			}
			c.readyOnce.Do(func() { close(c.ready) })

		case protocol.KindHeartbeat:
			// Echo so the teacher's liveness sweep sees us.
			conn.Write(env)

		case protocol.KindMedia:
			var chunk protocol.MediaChunk
			if err := env.Decode(&chunk); err != nil {
				continue
			}
			c.handleMedia(chunk)

		case protocol.KindBroadcast:
			var cmd protocol.BroadcastCommand
			if err := env.Decode(&cmd); err == nil {
				c.handleBroadcast(conn, cmd)
			}

		case protocol.KindFileBegin:
			var begin protocol.FileBegin
			if err := env.Decode(&begin); err == nil {
				if err := c.handleFileBegin(begin); err != nil {
					log.Printf("client: file begin: %v", err)
				}
			}

		case protocol.KindFileChunk:
			var chunk protocol.FileChunk
			if err := env.Decode(&chunk); err == nil {
				if err := c.handleFileChunk(chunk); err != nil {
					log.Printf("client: file chunk: %v", err)
				}
			}

		case protocol.KindFileEnd:
			var end protocol.FileEnd
			if err := env.Decode(&end); err == nil {
				c.handleFileEnd(conn, end)
			}

		case protocol.KindFileAck:
			var ack protocol.FileAck
			if err := env.Decode(&ack); err == nil {
				c.routeUploadAck(ack)
			}

		case protocol.KindError:
			var msg protocol.ErrorMessage
			if err := env.Decode(&msg); err == nil {
				log.Printf("client: teacher reports: %s", msg.Message)
			}

		default:
			log.Printf("client: unexpected %s envelope", env.Type)
		}
	}
}

// handleMedia deduplicates by per-kind sequence, resetting the tracking
// whenever the source changes, then hands the chunk to the sink. Audio
// respects the local mute unless the chunk carries force-play.
func (c *Client) handleMedia(chunk protocol.MediaChunk) {
	c.mu.Lock()
	if !chunk.Source.Equal(c.seqSource[chunk.Kind]) {
		c.seqSource[chunk.Kind] = chunk.Source
		c.lastSeq[chunk.Kind] = 0
	}
	if last := c.lastSeq[chunk.Kind]; chunk.Sequence <= last {
		c.mu.Unlock()
		return
	}
	c.lastSeq[chunk.Kind] = chunk.Sequence
	c.mu.Unlock()

	switch chunk.Kind {
	case protocol.MediaAudio:
		if c.muted.Load() && !chunk.ForcePlay {
			return
		}
		c.sink.PlayAudio(chunk)
	default:
		c.sink.PlayVideo(chunk)
	}
}

// handleBroadcast starts the upstream streamer when the spotlight names
// this student, and stops it on stop or when another source takes over.
func (c *Client) handleBroadcast(conn *transport.Conn, cmd protocol.BroadcastCommand) {
	spotlightedMe := cmd.Action == protocol.ActionStart &&
		cmd.Source != nil &&
		cmd.Source.Kind == protocol.SourceStudent &&
		cmd.Source.StudentID == c.cfg.StudentID

	if !spotlightedMe {
		c.stopStreaming()
		if cmd.Action == protocol.ActionStop {
			log.Printf("client: broadcast stopped")
		} else if cmd.Source != nil {
			log.Printf("client: broadcast from %s", cmd.Source.Kind)
		}
		return
	}

	if c.frames == nil {
		log.Printf("client: spotlighted but no capture source attached")
		return
	}
	c.startStreaming(conn)
}

func (c *Client) startStreaming(conn *transport.Conn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.streamCancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.streamCancel = cancel
	log.Printf("client: spotlighted, streaming screen to teacher")

	go func() {
		var seq uint64
		for {
			frame, err := c.frames.NextFrame(ctx)
			if err != nil {
				return
			}
			seq++
			env, err := protocol.Encode(protocol.KindMedia, protocol.MediaChunk{
				Kind:        protocol.MediaVideo,
				Sequence:    seq,
				TimestampMS: time.Now().UnixMilli(),
				Source:      protocol.StudentSource(c.cfg.StudentID, c.cfg.StudentName),
				Codec:       frame.Codec,
				Width:       frame.Width,
				Height:      frame.Height,
				Fullscreen:  frame.Fullscreen,
				Data:        frame.Data,
			})
			if err != nil {
				continue
			}
			if err := conn.Write(env); err != nil {
				return
			}
		}
	}()
}

func (c *Client) stopStreaming() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.streamCancel != nil {
		c.streamCancel()
		c.streamCancel = nil
	}
}

// SetMuted flips local playback mute and reports it to the teacher.
func (c *Client) SetMuted(muted bool) error {
	c.muted.Store(muted)
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return nil
	}
	env, err := protocol.Encode(protocol.KindMuteState, protocol.MuteState{Muted: muted})
	if err != nil {
		return err
	}
	return conn.Write(env)
}
