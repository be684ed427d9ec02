package fixtures

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"classcast/internal/broadcast"
	"classcast/internal/config"
	"classcast/internal/dispatch"
	"classcast/internal/feed"
	"classcast/internal/history"
	"classcast/internal/media"
	"classcast/internal/server"
	"classcast/internal/session"
	"classcast/internal/transfer"
)

// Classroom is a full teacher-side stack embedded in a test: server,
// registry, broadcast machine, transfer engine, history store, and a
// dispatcher bound to the teacher verb set.
type Classroom struct {
	Cfg        *config.TeacherConfig
	Registry   *session.Registry
	Machine    *broadcast.Machine
	Pipeline   *media.Pipeline
	Engine     *transfer.Engine
	Events     *feed.Feed
	Store      *history.Store
	Server     *server.Server
	Dispatcher *dispatch.Dispatcher

	Addr string
	quit context.CancelFunc
}

// ClassroomOption mutates the config before the server starts.
type ClassroomOption func(*config.TeacherConfig)

// WithIdleTimeout shortens the liveness sweep for sweep scenarios.
func WithIdleTimeout(d time.Duration) ClassroomOption {
	return func(cfg *config.TeacherConfig) { cfg.IdleTimeout = config.Duration(d) }
}

// WithoutHistory disables the persistent event log.
func WithoutHistory() ClassroomOption {
	return func(cfg *config.TeacherConfig) { cfg.HistoryDB = "" }
}

// NewClassroom starts the embedded server on a loopback port and tears
// everything down via t.Cleanup.
func NewClassroom(t *testing.T, opts ...ClassroomOption) *Classroom {
	t.Helper()

	cfg := &config.TeacherConfig{
		ListenAddr:        "127.0.0.1:0",
		UploadDir:         t.TempDir(),
		HistoryDB:         filepath.Join(t.TempDir(), "history.db"),
		EnableAudio:       true,
		HeartbeatInterval: config.Duration(time.Second),
		IdleTimeout:       config.Duration(30 * time.Second),
		StallTimeout:      config.Duration(5 * time.Second),
		AckTimeout:        config.Duration(5 * time.Second),
		WriteTimeout:      config.Duration(5 * time.Second),
		VideoQueue:        16,
		AudioQueue:        64,
		AudioWait:         config.Duration(50 * time.Millisecond),
		ChunkSize:         4096,
		CaptureFPS:        12,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	c := &Classroom{
		Cfg:      cfg,
		Registry: session.NewRegistry(cfg.VideoQueue, cfg.AudioQueue, cfg.AudioWait.Std()),
		Machine:  broadcast.NewMachine(nil),
		Events:   feed.New(),
	}
	c.Pipeline = media.NewPipeline(c.Registry)
	c.Engine = transfer.NewEngine(c.Registry, c.Events, cfg.UploadDir, cfg.ChunkSize,
		cfg.AckTimeout.Std(), cfg.StallTimeout.Std())

	if cfg.HistoryDB != "" {
		store, err := history.Open(cfg.HistoryDB)
		if err != nil {
			t.Fatalf("open history: %v", err)
		}
		c.Store = store
		t.Cleanup(func() { store.Close() })
	}

	c.Server = server.New(cfg, c.Registry, c.Machine, c.Pipeline, c.Engine, c.Events, c.Store,
		media.NewTestPatternSource(30, 16, 16), media.NewSilenceSource(20*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	c.quit = cancel
	done := make(chan error, 1)
	go func() { done <- c.Server.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	deadline := time.Now().Add(2 * time.Second)
	for c.Server.Addr() == "" {
		if time.Now().After(deadline) {
			t.Fatal("classroom server did not bind")
		}
		time.Sleep(5 * time.Millisecond)
	}
	c.Addr = c.Server.Addr()

	c.Dispatcher = dispatch.New()
	c.Server.BindVerbs(c.Dispatcher, cancel)
	return c
}

// Command runs one teacher verb as the console would issue it.
func (c *Classroom) Command(verb string, args ...string) dispatch.Result {
	return c.Dispatcher.Dispatch(dispatch.CommandEnvelope{
		Issuer: dispatch.Console,
		Verb:   verb,
		Args:   args,
	})
}

// Join connects a scripted student and consumes its welcome.
func (c *Classroom) Join(t *testing.T, id, name string) *StudentClient {
	t.Helper()
	sc, err := NewStudentClient(context.Background(), c.Addr, id, name)
	if err != nil {
		t.Fatalf("join %s: %v", id, err)
	}
	t.Cleanup(sc.Close)
	if _, err := sc.WaitWelcome(3 * time.Second); err != nil {
		t.Fatalf("welcome for %s: %v", id, err)
	}
	c.waitRegistered(t, id)
	return sc
}

func (c *Classroom) waitRegistered(t *testing.T, id string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, ok := c.Registry.Get(id); ok {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("%s never appeared in the registry", id)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// WaitGone blocks until a student has been removed from the registry.
func (c *Classroom) WaitGone(t *testing.T, id string, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		if _, ok := c.Registry.Get(id); !ok {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("%s is still registered", id)
		}
		time.Sleep(10 * time.Millisecond)
	}
}
