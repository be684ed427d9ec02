package scenarios

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"classcast/internal/broadcast"
	"classcast/internal/transfer"
	"classcast/pkg/protocol"
	"classcast/tests/fixtures"
)

const waitShort = 3 * time.Second

// TestLessonBroadcast walks the everyday flow: students join, the
// teacher starts a fullscreen broadcast, a late joiner syncs to it, and
// stop reaches everyone.
func TestLessonBroadcast(t *testing.T) {
	room := fixtures.NewClassroom(t)
	roster := fixtures.Roster(3)

	students := make([]*fixtures.StudentClient, 0, len(roster))
	for _, entry := range roster[:2] {
		students = append(students, room.Join(t, entry.ID, entry.Name))
	}

	res := room.Command("start")
	if !res.OK {
		t.Fatalf("start: %s", res.Text)
	}
	for _, sc := range students {
		cmd, err := sc.WaitBroadcast(waitShort)
		if err != nil {
			t.Fatal(err)
		}
		if cmd.Action != protocol.ActionStart || cmd.Mode != protocol.ModeFullscreen {
			t.Fatalf("%s got %+v, want fullscreen start", sc.ID, cmd)
		}
		if cmd.Source == nil || cmd.Source.Kind != protocol.SourceTeacher {
			t.Fatalf("%s got source %+v, want teacher", sc.ID, cmd.Source)
		}
	}

	// A late joiner learns about the broadcast from its welcome alone.
	late, err := fixtures.NewStudentClient(t.Context(), room.Addr, roster[2].ID, roster[2].Name)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(late.Close)
	welcome, err := late.WaitWelcome(waitShort)
	if err != nil {
		t.Fatal(err)
	}
	if !welcome.Broadcast.Active {
		t.Fatal("late joiner's welcome reports no broadcast")
	}

	// Everyone, late joiner included, receives frames from the teacher.
	for _, sc := range append(students, late) {
		env, err := sc.WaitKind(protocol.KindMedia, waitShort)
		if err != nil {
			t.Fatal(err)
		}
		var chunk protocol.MediaChunk
		if err := env.Decode(&chunk); err != nil {
			t.Fatal(err)
		}
		if chunk.Source.Kind != protocol.SourceTeacher {
			t.Fatalf("%s got media from %+v, want teacher", sc.ID, chunk.Source)
		}
	}

	if res := room.Command("stop"); !res.OK {
		t.Fatalf("stop: %s", res.Text)
	}
	for _, sc := range append(students, late) {
		cmd, err := sc.WaitBroadcast(waitShort)
		if err != nil {
			t.Fatal(err)
		}
		if cmd.Action != protocol.ActionStop {
			t.Fatalf("%s got %+v, want stop", sc.ID, cmd)
		}
	}
}

// TestSpotlightLifecycle covers the spotlight path end to end: an
// unknown ID is refused, a known student becomes the source for the
// rest of the class, and the spotlight collapses when the source
// disconnects.
func TestSpotlightLifecycle(t *testing.T) {
	room := fixtures.NewClassroom(t)
	ada := room.Join(t, "S01", "Ada")
	grace := room.Join(t, "S02", "Grace")

	if res := room.Command("spotlight", "S42"); res.OK {
		t.Fatalf("spotlighting an unknown student succeeded: %s", res.Text)
	}
	if got := room.Machine.Current().Kind; got != broadcast.Idle {
		t.Fatalf("state after refused spotlight = %v, want idle", got)
	}

	if res := room.Command("spotlight", "S01"); !res.OK {
		t.Fatalf("spotlight: %s", res.Text)
	}
	for _, sc := range []*fixtures.StudentClient{ada, grace} {
		cmd, err := sc.WaitBroadcast(waitShort)
		if err != nil {
			t.Fatal(err)
		}
		if cmd.Source == nil || cmd.Source.StudentID != "S01" {
			t.Fatalf("%s got source %+v, want S01", sc.ID, cmd.Source)
		}
	}

	// Ada streams; Grace sees her frames, Ada does not see her own.
	if err := ada.SendVideoFrame(1, []byte("frame-1")); err != nil {
		t.Fatal(err)
	}
	env, err := grace.WaitKind(protocol.KindMedia, waitShort)
	if err != nil {
		t.Fatal(err)
	}
	var chunk protocol.MediaChunk
	if err := env.Decode(&chunk); err != nil {
		t.Fatal(err)
	}
	if chunk.Source.StudentID != "S01" || !bytes.Equal(chunk.Data, []byte("frame-1")) {
		t.Fatalf("relayed chunk = %+v", chunk)
	}

	ada.Close()
	cmd, err := grace.WaitBroadcast(waitShort)
	if err != nil {
		t.Fatal(err)
	}
	if cmd.Action != protocol.ActionStop {
		t.Fatalf("after source disconnect got %+v, want stop", cmd)
	}
	room.WaitGone(t, "S01", waitShort)
	if got := room.Machine.Current().Kind; got != broadcast.Idle {
		t.Fatalf("state after source disconnect = %v, want idle", got)
	}
}

// TestWorksheetDistribution sends one file to the whole class with the
// open hint and verifies every student stored and acknowledged it.
func TestWorksheetDistribution(t *testing.T) {
	room := fixtures.NewClassroom(t)
	roster := fixtures.Roster(3)
	students := make([]*fixtures.StudentClient, 0, len(roster))
	for _, entry := range roster {
		sc := room.Join(t, entry.ID, entry.Name)
		sc.EnableAutoAck()
		students = append(students, sc)
	}

	content := fixtures.Worksheet(10_000)
	path := filepath.Join(t.TempDir(), "worksheet.txt")
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatal(err)
	}

	res := room.Command("send", path, "open")
	if !res.OK {
		t.Fatalf("send: %s", res.Text)
	}
	if !strings.Contains(res.Text, "3 students") {
		t.Fatalf("send reported %q, want all 3 targets", res.Text)
	}

	for _, sc := range students {
		deadline := time.Now().Add(waitShort)
		for {
			if data, ok := sc.ReceivedFile("worksheet.txt"); ok {
				if !bytes.Equal(data, content) {
					t.Fatalf("%s stored %d bytes, want %d", sc.ID, len(data), len(content))
				}
				break
			}
			if time.Now().After(deadline) {
				t.Fatalf("%s never completed the download", sc.ID)
			}
			time.Sleep(10 * time.Millisecond)
		}
		if opened := sc.OpenedFiles(); len(opened) != 1 {
			t.Fatalf("%s opened %v, want the worksheet", sc.ID, opened)
		}
	}

	// Every per-student job settles as completed.
	deadline := time.Now().Add(waitShort)
	for {
		jobs := room.Engine.Jobs()
		done := 0
		for _, job := range jobs {
			if job.Status == transfer.Completed {
				done++
			}
			if job.Status == transfer.Failed {
				t.Fatalf("job for %s failed: %s", job.StudentID, job.Error)
			}
		}
		if done == len(roster) {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("only %d of %d jobs completed", done, len(roster))
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// TestStudentUpload collects one file from a student and verifies it
// lands in that student's shard of the upload root.
func TestStudentUpload(t *testing.T) {
	room := fixtures.NewClassroom(t)
	sc := room.Join(t, "S01", "Ada")

	content := fixtures.Worksheet(5_000)
	ack, err := sc.UploadFile("essay.txt", content, 1024)
	if err != nil {
		t.Fatal(err)
	}
	if !ack.OK {
		t.Fatalf("upload rejected: %s", ack.Message)
	}

	stored := filepath.Join(room.Cfg.UploadDir, "S01", "essay.txt")
	got, err := os.ReadFile(stored)
	if err != nil {
		t.Fatalf("read %s: %v", stored, err)
	}
	if !bytes.Equal(got, content) {
		t.Fatalf("stored %d bytes, want %d", len(got), len(content))
	}
}

// TestPanelAndConsoleShareState issues commands through both surfaces
// and verifies they act on the same broadcast machine.
func TestPanelAndConsoleShareState(t *testing.T) {
	room := fixtures.NewClassroom(t)
	room.Join(t, "S01", "Ada")

	if res := room.Command("start"); !res.OK {
		t.Fatalf("start: %s", res.Text)
	}
	// A second start must fail no matter which surface issues it.
	if res := room.Command("start"); res.OK {
		t.Fatal("second start succeeded")
	}
	if res := room.Command("students"); !res.OK || !strings.Contains(res.Text, "S01") {
		t.Fatalf("students: %+v", res)
	}
	if res := room.Command("stop"); !res.OK {
		t.Fatalf("stop: %s", res.Text)
	}
}
