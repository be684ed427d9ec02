package transfer

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"classcast/internal/feed"
	"classcast/internal/session"
	"classcast/pkg/protocol"
)

// captureConn records delivered envelopes; optionally it reassembles file
// frames the way a student client would.
type captureConn struct {
	mu     sync.Mutex
	closed bool
	envs   []*protocol.Envelope
}

func (c *captureConn) Write(env *protocol.Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.New("closed")
	}
	c.envs = append(c.envs, env)
	return nil
}

func (c *captureConn) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

func (c *captureConn) RemoteAddr() string { return "10.0.0.2:2" }

// reassemble waits for a complete begin..end frame run and rebuilds the
// file content, checking strict offset order.
func (c *captureConn) reassemble(t *testing.T) (protocol.FileBegin, []byte) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		c.mu.Lock()
		envs := make([]*protocol.Envelope, len(c.envs))
		copy(envs, c.envs)
		c.mu.Unlock()

		var begin protocol.FileBegin
		var content bytes.Buffer
		done := false
		for _, env := range envs {
			switch env.Type {
			case protocol.KindFileBegin:
				if err := json.Unmarshal(env.Payload, &begin); err != nil {
					t.Fatalf("decode begin: %v", err)
				}
			case protocol.KindFileChunk:
				var chunk protocol.FileChunk
				if err := json.Unmarshal(env.Payload, &chunk); err != nil {
					t.Fatalf("decode chunk: %v", err)
				}
				if chunk.Offset != int64(content.Len()) {
					t.Fatalf("chunk offset %d, want %d", chunk.Offset, content.Len())
				}
				content.Write(chunk.Data)
			case protocol.KindFileEnd:
				done = true
			}
		}
		if done {
			return begin, content.Bytes()
		}
		select {
		case <-deadline:
			t.Fatal("file frames never completed")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func testEngine(t *testing.T) (*Engine, *session.Registry, *feed.Feed) {
	t.Helper()
	registry := session.NewRegistry(32, 256, 20*time.Millisecond)
	events := feed.New()
	engine := NewEngine(registry, events, t.TempDir(), 1024, 2*time.Second, 100*time.Millisecond)
	return engine, registry, events
}

func register(t *testing.T, r *session.Registry, id string) (*session.Session, *captureConn) {
	t.Helper()
	conn := &captureConn{}
	s, err := r.Register(protocol.Hello{StudentID: id, StudentName: id}, conn)
	if err != nil {
		t.Fatalf("Register(%s) error = %v", id, err)
	}
	return s, conn
}

func writeTempFile(t *testing.T, size int) (string, []byte) {
	t.Helper()
	content := make([]byte, size)
	rand.Read(content)
	path := filepath.Join(t.TempDir(), "lecture.pdf")
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	return path, content
}

func waitForStatus(t *testing.T, e *Engine, id uuid.UUID, want Status) Job {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		job, ok := e.Job(id)
		if ok && job.Status == want {
			return job
		}
		select {
		case <-deadline:
			t.Fatalf("job %s status = %s, want %s", id, job.Status, want)
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestDistributeRoundTrip(t *testing.T) {
	engine, registry, _ := testEngine(t)
	_, conn := register(t, registry, "S01")
	path, content := writeTempFile(t, 10_000)

	jobs, err := engine.Distribute(context.Background(), path, nil, true)
	if err != nil {
		t.Fatalf("Distribute() error = %v", err)
	}
	if len(jobs) != 1 {
		t.Fatalf("got %d jobs, want 1", len(jobs))
	}

	begin, got := conn.reassemble(t)
	if !bytes.Equal(got, content) {
		t.Errorf("reassembled %d bytes differ from original %d", len(got), len(content))
	}
	if begin.TotalSize != int64(len(content)) {
		t.Errorf("begin.TotalSize = %d, want %d", begin.TotalSize, len(content))
	}
	if !begin.OpenHint {
		t.Error("open hint lost")
	}

	// The student acks the terminal chunk; the job completes with a full
	// byte count.
	if err := engine.HandleAck("S01", protocol.FileAck{JobID: jobs[0].ID, OK: true}); err != nil {
		t.Fatalf("HandleAck() error = %v", err)
	}
	job := waitForStatus(t, engine, jobs[0].ID, Completed)
	if job.Transferred != job.TotalSize {
		t.Errorf("Transferred = %d, want %d", job.Transferred, job.TotalSize)
	}
}

func TestDistributeDisconnectFailsOnlyThatTarget(t *testing.T) {
	engine, registry, _ := testEngine(t)
	_, connA := register(t, registry, "S01")
	register(t, registry, "S02")
	_, connC := register(t, registry, "S03")
	path, content := writeTempFile(t, 50_000)

	// S02 is gone before the distribution starts draining.
	registry.Unregister("S02", "network drop")

	jobs, err := engine.Distribute(context.Background(), path, []string{"S01", "S03"}, false)
	if err != nil {
		t.Fatalf("Distribute() error = %v", err)
	}

	for i, conn := range []*captureConn{connA, connC} {
		_, got := conn.reassemble(t)
		if !bytes.Equal(got, content) {
			t.Errorf("target %d content mismatch", i)
		}
	}
	for _, job := range jobs {
		engine.HandleAck(job.StudentID, protocol.FileAck{JobID: job.ID, OK: true})
		waitForStatus(t, engine, job.ID, Completed)
	}
}

func TestDistributeToDisconnectingTarget(t *testing.T) {
	engine, registry, _ := testEngine(t)
	_, good := register(t, registry, "S01")
	register(t, registry, "S02")
	path, content := writeTempFile(t, 200_000)

	jobs, err := engine.Distribute(context.Background(), path, nil, false)
	if err != nil {
		t.Fatalf("Distribute() error = %v", err)
	}
	registry.Unregister("S02", "pulled the cable")

	var goodJob, badJob Job
	for _, job := range jobs {
		if job.StudentID == "S01" {
			goodJob = job
		} else {
			badJob = job
		}
	}

	_, got := good.reassemble(t)
	if !bytes.Equal(got, content) {
		t.Error("surviving target received corrupted content")
	}
	engine.HandleAck("S01", protocol.FileAck{JobID: goodJob.ID, OK: true})
	waitForStatus(t, engine, goodJob.ID, Completed)
	waitForStatus(t, engine, badJob.ID, Failed)
}

func TestDistributeNoStudents(t *testing.T) {
	engine, _, _ := testEngine(t)
	path, _ := writeTempFile(t, 10)
	if _, err := engine.Distribute(context.Background(), path, nil, false); !errors.Is(err, ErrNoTargets) {
		t.Errorf("Distribute() error = %v, want ErrNoTargets", err)
	}
}

func collectFile(t *testing.T, engine *Engine, s *session.Session, name string, content []byte, chunkSize int) uuid.UUID {
	t.Helper()
	jobID := uuid.New()
	err := engine.HandleBegin(s, protocol.FileBegin{
		JobID:        jobID,
		RelativePath: name,
		TotalSize:    int64(len(content)),
	})
	if err != nil {
		t.Fatalf("HandleBegin() error = %v", err)
	}
	for off := 0; off < len(content); off += chunkSize {
		end := off + chunkSize
		if end > len(content) {
			end = len(content)
		}
		err := engine.HandleChunk(s, protocol.FileChunk{JobID: jobID, Offset: int64(off), Data: content[off:end]})
		if err != nil {
			t.Fatalf("HandleChunk(%d) error = %v", off, err)
		}
	}
	return jobID
}

func TestCollectStoresUnderStudentID(t *testing.T) {
	registry := session.NewRegistry(32, 256, 20*time.Millisecond)
	uploadRoot := t.TempDir()
	engine := NewEngine(registry, feed.New(), uploadRoot, 1024, time.Second, time.Second)
	s, conn := register(t, registry, "S07")

	content := make([]byte, 5000)
	rand.Read(content)
	jobID := collectFile(t, engine, s, "homework.txt", content, 1024)
	if err := engine.HandleEnd(s, protocol.FileEnd{JobID: jobID}); err != nil {
		t.Fatalf("HandleEnd() error = %v", err)
	}

	stored, err := os.ReadFile(filepath.Join(uploadRoot, "S07", "homework.txt"))
	if err != nil {
		t.Fatalf("read stored upload: %v", err)
	}
	if !bytes.Equal(stored, content) {
		t.Error("stored upload differs from original")
	}

	job := waitForStatus(t, engine, jobID, Completed)
	if job.Transferred != int64(len(content)) {
		t.Errorf("Transferred = %d, want %d", job.Transferred, len(content))
	}

	// Student received a positive ack.
	deadline := time.After(time.Second)
	for {
		conn.mu.Lock()
		var ack *protocol.FileAck
		for _, env := range conn.envs {
			if env.Type == protocol.KindFileAck {
				ack = &protocol.FileAck{}
				json.Unmarshal(env.Payload, ack)
			}
		}
		conn.mu.Unlock()
		if ack != nil {
			if !ack.OK {
				t.Errorf("ack not OK: %s", ack.Message)
			}
			return
		}
		select {
		case <-deadline:
			t.Fatal("no ack delivered")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestCollectSanitizesHostilePaths(t *testing.T) {
	registry := session.NewRegistry(32, 256, 20*time.Millisecond)
	uploadRoot := t.TempDir()
	engine := NewEngine(registry, feed.New(), uploadRoot, 1024, time.Second, time.Second)
	s, _ := register(t, registry, "S07")

	content := []byte("gotcha")
	jobID := collectFile(t, engine, s, "../../etc/passwd", content, 1024)
	if err := engine.HandleEnd(s, protocol.FileEnd{JobID: jobID}); err != nil {
		t.Fatalf("HandleEnd() error = %v", err)
	}

	entries, err := os.ReadDir(filepath.Join(uploadRoot, "S07"))
	if err != nil {
		t.Fatalf("read upload dir: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("upload dir has %d entries, want 1", len(entries))
	}
	if name := entries[0].Name(); filepath.Dir(filepath.Join(uploadRoot, "S07", name)) != filepath.Join(uploadRoot, "S07") {
		t.Errorf("upload escaped its shard: %s", name)
	}
}

func TestCollectSizeExceededFailsJob(t *testing.T) {
	engine, registry, _ := testEngine(t)
	s, _ := register(t, registry, "S01")

	jobID := uuid.New()
	if err := engine.HandleBegin(s, protocol.FileBegin{JobID: jobID, RelativePath: "a.bin", TotalSize: 4}); err != nil {
		t.Fatalf("HandleBegin() error = %v", err)
	}
	err := engine.HandleChunk(s, protocol.FileChunk{JobID: jobID, Offset: 0, Data: []byte("too many bytes")})
	if !errors.Is(err, ErrSizeExceeded) {
		t.Fatalf("HandleChunk() error = %v, want ErrSizeExceeded", err)
	}
	waitForStatus(t, engine, jobID, Failed)
}

func TestCollectOutOfOrderChunkFailsJob(t *testing.T) {
	engine, registry, _ := testEngine(t)
	s, _ := register(t, registry, "S01")

	jobID := uuid.New()
	if err := engine.HandleBegin(s, protocol.FileBegin{JobID: jobID, RelativePath: "b.bin", TotalSize: 100}); err != nil {
		t.Fatalf("HandleBegin() error = %v", err)
	}
	err := engine.HandleChunk(s, protocol.FileChunk{JobID: jobID, Offset: 50, Data: []byte("skipped ahead")})
	if !errors.Is(err, ErrChunkOutOfOrder) {
		t.Fatalf("HandleChunk() error = %v, want ErrChunkOutOfOrder", err)
	}
	waitForStatus(t, engine, jobID, Failed)
}

func TestCollectSizeMismatchOnEndRetainsPartial(t *testing.T) {
	registry := session.NewRegistry(32, 256, 20*time.Millisecond)
	uploadRoot := t.TempDir()
	engine := NewEngine(registry, feed.New(), uploadRoot, 1024, time.Second, time.Second)
	s, _ := register(t, registry, "S01")

	jobID := uuid.New()
	engine.HandleBegin(s, protocol.FileBegin{JobID: jobID, RelativePath: "half.bin", TotalSize: 10})
	engine.HandleChunk(s, protocol.FileChunk{JobID: jobID, Offset: 0, Data: []byte("12345")})
	engine.HandleEnd(s, protocol.FileEnd{JobID: jobID})

	waitForStatus(t, engine, jobID, Failed)
	partial, err := os.ReadFile(filepath.Join(uploadRoot, "S01", "half.bin"))
	if err != nil {
		t.Fatalf("partial file missing: %v", err)
	}
	if string(partial) != "12345" {
		t.Errorf("partial content = %q", partial)
	}
}

func TestWatchdogFailsStalledUpload(t *testing.T) {
	engine, registry, events := testEngine(t)
	s, _ := register(t, registry, "S01")
	sub := events.Subscribe(16)
	defer sub.Cancel()

	jobID := uuid.New()
	engine.HandleBegin(s, protocol.FileBegin{JobID: jobID, RelativePath: "stall.bin", TotalSize: 1 << 20})
	engine.HandleChunk(s, protocol.FileChunk{JobID: jobID, Offset: 0, Data: []byte("then silence")})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go engine.RunWatchdog(ctx)

	job := waitForStatus(t, engine, jobID, Failed)
	if job.Error != ErrStalled.Error() {
		t.Errorf("job error = %q, want stall", job.Error)
	}

	// The stall surfaced on the feed for the issuers.
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-sub.Events():
			if ev.Kind == feed.TransferUpdated && ev.Status == string(Failed) {
				return
			}
		case <-deadline:
			t.Fatal("stall never surfaced on the event feed")
		}
	}
}

func TestHandleAckUnknownJob(t *testing.T) {
	engine, registry, _ := testEngine(t)
	register(t, registry, "S01")
	err := engine.HandleAck("S01", protocol.FileAck{JobID: uuid.New(), OK: true})
	if !errors.Is(err, ErrUnknownJob) {
		t.Errorf("HandleAck() error = %v, want ErrUnknownJob", err)
	}
}

func TestBeginReusingTrackedJobIDIsRefused(t *testing.T) {
	engine, registry, _ := testEngine(t)
	s, conn := register(t, registry, "S01")

	path, content := writeTempFile(t, 3000)
	jobs, err := engine.Distribute(context.Background(), path, nil, false)
	if err != nil {
		t.Fatalf("Distribute() error = %v", err)
	}
	jobID := jobs[0].ID
	conn.reassemble(t)

	// A student reusing the distribution's job ID must not replace its
	// tracked state.
	err = engine.HandleBegin(s, protocol.FileBegin{JobID: jobID, RelativePath: "evil.txt", TotalSize: 4})
	if !errors.Is(err, ErrDuplicateJob) {
		t.Fatalf("HandleBegin() error = %v, want ErrDuplicateJob", err)
	}
	job, ok := engine.Job(jobID)
	if !ok || job.Direction != Distribute || job.RelativePath != "lecture.pdf" {
		t.Fatalf("job after refused begin = %+v, want the original distribution", job)
	}

	// The legitimate ack still reaches the send loop and completes it.
	if err := engine.HandleAck("S01", protocol.FileAck{JobID: jobID, OK: true}); err != nil {
		t.Fatalf("HandleAck() error = %v", err)
	}
	done := waitForStatus(t, engine, jobID, Completed)
	if int(done.Transferred) != len(content) {
		t.Errorf("Transferred = %d, want %d", done.Transferred, len(content))
	}
}
