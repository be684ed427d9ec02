package server

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"classcast/internal/dispatch"
	"classcast/internal/feed"
	"classcast/pkg/protocol"
)

// BindVerbs installs the teacher command set on the dispatcher. quit is
// called when the quit verb runs; the caller decides what shutdown means.
func (s *Server) BindVerbs(d *dispatch.Dispatcher, quit func()) {
	d.Register("students", "students", s.verbStudents)
	d.Register("start", "start [window]", s.verbStart)
	d.Register("stop", "stop", s.verbStop)
	d.Register("spotlight", "spotlight <student_id>", s.verbSpotlight)
	d.Register("send", "send <path> [open]", s.verbSend)
	d.Register("audio", "audio <on|off|force|allow>", s.verbAudio)
	d.Register("history", "history [n]", s.verbHistory)
	d.Register("quit", "quit", func([]string) dispatch.Result {
		quit()
		return dispatch.Ok("shutting down")
	})
}

func (s *Server) verbStudents([]string) dispatch.Result {
	list := s.registry.List()
	if len(list) == 0 {
		return dispatch.Ok("no students connected")
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%d connected:", len(list))
	for _, st := range list {
		flags := ""
		if st.Muted {
			flags += " muted"
		}
		if st.Degraded {
			flags += " degraded"
		}
		if st.DroppedVideo > 0 {
			flags += fmt.Sprintf(" dropped=%d", st.DroppedVideo)
		}
		fmt.Fprintf(&b, "\n  %-12s %-20s %-21s joined %s%s",
			st.StudentID, st.Name, st.RemoteAddr, st.JoinedAt.Format("15:04:05"), flags)
	}
	return dispatch.Ok("%s", b.String())
}

func (s *Server) verbStart(args []string) dispatch.Result {
	mode := protocol.ModeFullscreen
	if len(args) > 0 {
		if args[0] != "window" {
			return dispatch.Fail("usage: start [window]")
		}
		mode = protocol.ModeWindow
	}
	state, err := s.machine.StartTeacher(mode)
	if err != nil {
		return dispatch.Fail("%v", err)
	}
	return dispatch.Ok("%s", state)
}

func (s *Server) verbStop([]string) dispatch.Result {
	if _, err := s.machine.Stop(); err != nil {
		return dispatch.Fail("%v", err)
	}
	return dispatch.Ok("broadcast stopped")
}

func (s *Server) verbSpotlight(args []string) dispatch.Result {
	if len(args) != 1 {
		return dispatch.Fail("usage: spotlight <student_id>")
	}
	state, err := s.machine.Spotlight(args[0])
	if err != nil {
		return dispatch.Fail("%v", err)
	}
	return dispatch.Ok("%s", state)
}

func (s *Server) verbSend(args []string) dispatch.Result {
	if len(args) == 0 {
		return dispatch.Fail("usage: send <path> [open]")
	}
	openHint := s.cfg.FileAutoOpen
	if len(args) > 1 {
		if args[1] != "open" {
			return dispatch.Fail("usage: send <path> [open]")
		}
		openHint = true
	}

	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}

	jobs, err := s.engine.Distribute(ctx, args[0], nil, openHint)
	if err != nil {
		return dispatch.Fail("%v", err)
	}
	return dispatch.Ok("distributing %s to %d students", jobs[0].RelativePath, len(jobs))
}

func (s *Server) verbAudio(args []string) dispatch.Result {
	if len(args) != 1 {
		return dispatch.Fail("usage: audio <on|off|force|allow>")
	}
	var detail string
	switch args[0] {
	case "on":
		s.pipeline.SetAudioEnabled(true)
		detail = "audio broadcast on"
	case "off":
		s.pipeline.SetAudioEnabled(false)
		detail = "audio broadcast off"
	case "force":
		s.pipeline.SetForceAudio(true)
		detail = "audio forced: student mute overridden"
	case "allow":
		s.pipeline.SetForceAudio(false)
		detail = "audio allowed: students control their own mute"
	default:
		return dispatch.Fail("usage: audio <on|off|force|allow>")
	}
	s.events.Publish(feed.Event{Kind: feed.AudioChanged, Detail: detail})
	return dispatch.Ok("%s", detail)
}

func (s *Server) verbHistory(args []string) dispatch.Result {
	if s.store == nil {
		return dispatch.Fail("history is not enabled")
	}
	limit := 20
	if len(args) > 0 {
		n, err := strconv.Atoi(args[0])
		if err != nil || n <= 0 {
			return dispatch.Fail("usage: history [n]")
		}
		limit = n
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	events, err := s.store.RecentEvents(ctx, limit)
	if err != nil {
		return dispatch.Fail("query history: %v", err)
	}
	transfers, err := s.store.RecentTransfers(ctx, limit)
	if err != nil {
		return dispatch.Fail("query history: %v", err)
	}

	var b strings.Builder
	b.WriteString("recent events:")
	if len(events) == 0 {
		b.WriteString(" none")
	}
	for _, ev := range events {
		fmt.Fprintf(&b, "\n  %s  %s", ev.At.Format("15:04:05"), ev.Detail)
	}
	b.WriteString("\nrecent transfers:")
	if len(transfers) == 0 {
		b.WriteString(" none")
	}
	for _, tr := range transfers {
		fmt.Fprintf(&b, "\n  %s  %s %s %s %d/%d %s",
			tr.UpdatedAt.Format("15:04:05"), tr.Direction, tr.StudentID,
			tr.RelativePath, tr.Transferred, tr.TotalSize, tr.Status)
	}
	return dispatch.Ok("%s", b.String())
}
