// Package server is the teacher-side engine: it accepts student
// connections, runs the handshake, drives each connection's read loop,
// and wires the registry, broadcast machine, media pipeline, and transfer
// engine together. Per-connection failures never leave their connection;
// the only fatal error is failing to bind the listening socket.
package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"classcast/internal/broadcast"
	"classcast/internal/config"
	"classcast/internal/feed"
	"classcast/internal/history"
	"classcast/internal/media"
	"classcast/internal/session"
	"classcast/internal/transfer"
	"classcast/internal/transport"
	"classcast/pkg/protocol"
)

// Version is reported to students in the welcome reply.
const Version = "1.0.0"

// handshakeTimeout bounds how long a fresh connection may sit silent
// before its hello.
const handshakeTimeout = 10 * time.Second

// Server owns the accept loop and all per-connection read loops.
type Server struct {
	cfg      *config.TeacherConfig
	registry *session.Registry
	machine  *broadcast.Machine
	pipeline *media.Pipeline
	engine   *transfer.Engine
	events   *feed.Feed
	store    *history.Store

	frames  media.FrameSource
	samples media.SampleSource

	mu         sync.Mutex
	ctx        context.Context
	ln         *transport.Listener
	pumpCancel context.CancelFunc
}

// New wires the engine together. store may be nil to run without
// history; frames and samples may be nil when no capture backend is
// attached. New installs the registry's removal hook and the machine's
// transition listener, so the caller must not overwrite them.
func New(cfg *config.TeacherConfig, registry *session.Registry, machine *broadcast.Machine,
	pipeline *media.Pipeline, engine *transfer.Engine, events *feed.Feed,
	store *history.Store, frames media.FrameSource, samples media.SampleSource) *Server {

	s := &Server{
		cfg:      cfg,
		registry: registry,
		machine:  machine,
		pipeline: pipeline,
		engine:   engine,
		events:   events,
		store:    store,
		frames:   frames,
		samples:  samples,
	}

	pipeline.SetAudioEnabled(cfg.EnableAudio)
	pipeline.SetForceAudio(cfg.ForceAudio)

	machine.SetResolver(func(id string) (string, bool) {
		sess, ok := registry.Get(id)
		if !ok {
			return "", false
		}
		return sess.Name, true
	})
	machine.SetListener(s.onTransition)
	registry.SetOnRemove(s.onRemove)
	return s
}

// Addr reports the bound listen address once Run is up, for tests that
// listen on port 0.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr()
}

// Run binds the listener and serves until ctx is cancelled. A bind
// failure is returned immediately; everything after that is handled
// per-connection.
func (s *Server) Run(ctx context.Context) error {
	ln, err := transport.Listen(s.cfg.ListenAddr, s.cfg.WriteTimeout.Std())
	if err != nil {
		return fmt.Errorf("bind listener: %w", err)
	}
	s.mu.Lock()
	s.ctx = ctx
	s.ln = ln
	s.mu.Unlock()
	log.Printf("server: listening on %s", ln.Addr())

	go s.engine.RunWatchdog(ctx)
	go s.sweepLoop(ctx)
	go s.heartbeatLoop(ctx)
	if s.store != nil {
		go s.store.Run(ctx, s.events)
	}

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				select {
				case <-ctx.Done():
				default:
					log.Printf("server: accept: %v", err)
				}
				return
			}
			go s.handleConn(conn)
		}
	}()

	<-ctx.Done()
	ln.Close()
	s.stopPump()
	s.registry.CloseAll()
	return nil
}

func (s *Server) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.IdleTimeout.Std() / 3)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.registry.SweepIdle(s.cfg.IdleTimeout.Std())
		}
	}
}

// heartbeatLoop broadcasts a heartbeat to every session so students can
// echo it. The echo is inbound traffic, which is what keeps a student
// with nothing to say alive through the idle sweep.
func (s *Server) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.HeartbeatInterval.Std())
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
				continue
			}
			for _, sess := range s.registry.Sessions() {
				sess.SendControl(env)
			}
		}
	}
}

// handleConn runs the handshake and then the connection's read loop.
func (s *Server) handleConn(conn *transport.Conn) {
	hello, err := awaitHello(conn)
	if err != nil {
		log.Printf("server: handshake from %s failed: %v", conn.RemoteAddr(), err)
		conn.Close()
		return
	}

	// Best-effort courtesy before the registry closes a duplicate: the
	// authoritative check is Register's, under its lock.
	if _, exists := s.registry.Get(hello.StudentID); exists {
		s.sendError(conn, fmt.Sprintf("student ID %s is already connected", hello.StudentID))
	}

	sess, err := s.registry.Register(hello, conn)
	if err != nil {
		log.Printf("server: rejected %s from %s: %v", hello.StudentID, conn.RemoteAddr(), err)
		return
	}

	welcome, err := protocol.Encode(protocol.KindWelcome, protocol.Welcome{
		ServerVersion: Version,
		Broadcast:     s.machine.Current().Status(),
	})
	if err == nil {
		sess.SendControl(welcome)
	}

	s.events.Publish(feed.Event{
		Kind:        feed.StudentJoined,
		StudentID:   sess.StudentID,
		StudentName: sess.Name,
		Detail:      fmt.Sprintf("%s (%s) joined from %s", sess.StudentID, sess.Name, sess.RemoteAddr),
	})

	s.readLoop(conn, sess)
	s.registry.Unregister(sess.StudentID, "connection closed")
}

// awaitHello reads the first envelope, which must be a hello, within the
// handshake deadline.
func awaitHello(conn *transport.Conn) (protocol.Hello, error) {
	timer := time.AfterFunc(handshakeTimeout, func() { conn.Close() })
	defer timer.Stop()

	env, err := conn.Read()
	if err != nil {
		return protocol.Hello{}, err
	}
	if env.Type != protocol.KindHello {
		return protocol.Hello{}, fmt.Errorf("first envelope was %s, want hello", env.Type)
	}
	var hello protocol.Hello
	if err := env.Decode(&hello); err != nil {
		return protocol.Hello{}, err
	}
	return hello, nil
}

// readLoop dispatches inbound envelopes until the connection dies. Every
// envelope proves liveness.
func (s *Server) readLoop(conn *transport.Conn, sess *session.Session) {
	for {
		env, err := conn.Read()
		if err != nil {
			if !errors.Is(err, transport.ErrDisconnected) {
				log.Printf("server: read from %s: %v", sess.StudentID, err)
			}
			return
		}
		sess.Touch()

		switch env.Type {
		case protocol.KindHeartbeat:
			// Touch was the point.

		case protocol.KindMedia:
			var chunk protocol.MediaChunk
			if err := env.Decode(&chunk); err != nil {
				log.Printf("server: bad media chunk from %s: %v", sess.StudentID, err)
				continue
			}
			s.handleStudentMedia(sess, chunk)

		case protocol.KindFileBegin:
			var begin protocol.FileBegin
			if err := env.Decode(&begin); err == nil {
				if err := s.engine.HandleBegin(sess, begin); err != nil {
					log.Printf("server: upload begin from %s: %v", sess.StudentID, err)
				}
			}

		case protocol.KindFileChunk:
			var chunk protocol.FileChunk
			if err := env.Decode(&chunk); err == nil {
				if err := s.engine.HandleChunk(sess, chunk); err != nil {
					log.Printf("server: upload chunk from %s: %v", sess.StudentID, err)
				}
			}

		case protocol.KindFileEnd:
			var end protocol.FileEnd
			if err := env.Decode(&end); err == nil {
				if err := s.engine.HandleEnd(sess, end); err != nil {
					log.Printf("server: upload end from %s: %v", sess.StudentID, err)
				}
			}

		case protocol.KindFileAck:
			var ack protocol.FileAck
			if err := env.Decode(&ack); err == nil {
				s.engine.HandleAck(sess.StudentID, ack)
			}

		case protocol.KindMuteState:
			var mute protocol.MuteState
			if err := env.Decode(&mute); err == nil {
				sess.SetMuted(mute.Muted)
				verb := "unmuted"
				if mute.Muted {
					verb = "muted"
				}
				s.events.Publish(feed.Event{
					Kind:      feed.AudioChanged,
					StudentID: sess.StudentID,
					Detail:    fmt.Sprintf("%s %s audio", sess.StudentID, verb),
				})
			}

		case protocol.KindError:
			var msg protocol.ErrorMessage
			if err := env.Decode(&msg); err == nil {
				log.Printf("server: error from %s: %s", sess.StudentID, msg.Message)
			}

		default:
			log.Printf("server: unexpected %s envelope from %s", env.Type, sess.StudentID)
		}
	}
}

// handleStudentMedia republishes a chunk only while its sender is the
// spotlighted source; anything else is a stale upstream and is dropped.
func (s *Server) handleStudentMedia(sess *session.Session, chunk protocol.MediaChunk) {
	cur := s.machine.Current()
	if cur.Kind != broadcast.StudentSource || cur.StudentID != sess.StudentID {
		return
	}
	// The server stamps the authoritative source tag; clients cannot
	// spoof someone else's feed.
	chunk.Source = protocol.StudentSource(sess.StudentID, sess.Name)
	s.pipeline.Republish(chunk, sess.StudentID)
}

// onRemove is the registry's removal hook: it reverts the broadcast if
// the source left, fails the student's in-flight uploads, and announces
// the departure.
func (s *Server) onRemove(sess *session.Session, reason string) {
	cur := s.machine.Current()
	if cur.Kind == broadcast.StudentSource && cur.StudentID == sess.StudentID {
		s.machine.ForceIdle("source disconnected")
	}
	s.engine.FailStudentJobs(sess.StudentID, "student disconnected")
	s.events.Publish(feed.Event{
		Kind:        feed.StudentLeft,
		StudentID:   sess.StudentID,
		StudentName: sess.Name,
		Detail:      fmt.Sprintf("%s (%s) left: %s", sess.StudentID, sess.Name, reason),
	})
}

// onTransition reacts to every committed broadcast transition: announce
// it to the class, manage the capture pump, and publish the feed event.
// Transitions are serialized by the machine, so announcements reach the
// control lanes in commit order.
func (s *Server) onTransition(tr broadcast.Transition) {
	var cmd protocol.BroadcastCommand
	if tr.To.Kind == broadcast.Idle {
		cmd = protocol.BroadcastCommand{Action: protocol.ActionStop}
	} else {
		cmd = protocol.BroadcastCommand{
			Action: protocol.ActionStart,
			Source: tr.To.Source(),
			Mode:   tr.To.Mode,
		}
	}
	if env, err := protocol.Encode(protocol.KindBroadcast, cmd); err == nil {
		for _, sess := range s.registry.Sessions() {
			sess.SendControl(env)
		}
	}

	switch tr.To.Kind {
	case broadcast.TeacherSource:
		s.startPump()
	default:
		s.stopPump()
	}
	if tr.To.Kind == broadcast.Idle {
		// The mute override lasts one broadcast.
		s.pipeline.SetForceAudio(s.cfg.ForceAudio)
	}

	s.events.Publish(feed.Event{
		Kind:   feed.BroadcastChanged,
		Detail: fmt.Sprintf("broadcast: %s (%s)", tr.To, tr.Reason),
	})
}

func (s *Server) startPump() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pumpCancel != nil {
		return
	}
	parent := s.ctx
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)
	s.pumpCancel = cancel
	go media.RunPump(ctx, s.pipeline, s.frames, s.samples)
}

func (s *Server) stopPump() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pumpCancel != nil {
		s.pumpCancel()
		s.pumpCancel = nil
	}
}

func (s *Server) sendError(conn *transport.Conn, message string) {
	if env, err := protocol.Encode(protocol.KindError, protocol.ErrorMessage{Message: message}); err == nil {
		conn.Write(env)
	}
}
