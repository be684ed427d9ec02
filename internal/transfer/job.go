package transfer

import (
	"os"
	"time"

	"github.com/google/uuid"

	"classcast/internal/feed"
	"classcast/pkg/protocol"
)

// Direction says which way a job's bytes flow.
type Direction string

const (
	// Distribute is teacher → student.
	Distribute Direction = "distribute"
	// Collect is student → teacher.
	Collect Direction = "collect"
)

// Status is a job's lifecycle state. Terminal states are Completed and
// Failed; a job never leaves a terminal state.
type Status string

const (
	Pending   Status = "pending"
	Active    Status = "active"
	Completed Status = "completed"
	Failed    Status = "failed"
)

// Job is the tracked state of one transfer between the teacher and one
// student, in one direction. A distribution to N students creates N
// independent jobs so one student's failure cannot abort the others.
type Job struct {
	ID           uuid.UUID `json:"id"`
	Direction    Direction `json:"direction"`
	StudentID    string    `json:"student_id"`
	RelativePath string    `json:"relative_path"`
	TotalSize    int64     `json:"total_size"`
	Transferred  int64     `json:"transferred"`
	OpenHint     bool      `json:"open_hint"`
	Status       Status    `json:"status"`
	Error        string    `json:"error,omitempty"`
	StartedAt    time.Time `json:"started_at"`
	FinishedAt   time.Time `json:"finished_at,omitempty"`
}

// Terminal reports whether the job has finished, successfully or not.
func (j Job) Terminal() bool {
	return j.Status == Completed || j.Status == Failed
}

// jobState is the engine's private tracking for one job. The embedded Job
// is the externally visible snapshot; the rest drives the two protocol
// roles.
type jobState struct {
	job Job

	// Distribution: the per-target send loop blocks here for the
	// terminal acknowledgement.
	ack chan protocol.FileAck

	// Collection: the open partial file and the stall clock.
	file      *os.File
	path      string
	lastChunk time.Time
}

func (s *jobState) event() feed.Event {
	detail := string(s.job.Direction) + " " + s.job.RelativePath + ": " + string(s.job.Status)
	if s.job.Error != "" {
		detail += " (" + s.job.Error + ")"
	}
	return feed.Event{
		Kind:         feed.TransferUpdated,
		StudentID:    s.job.StudentID,
		Detail:       detail,
		JobID:        s.job.ID.String(),
		Direction:    string(s.job.Direction),
		RelativePath: s.job.RelativePath,
		TotalSize:    s.job.TotalSize,
		Transferred:  s.job.Transferred,
		Status:       string(s.job.Status),
		Error:        s.job.Error,
	}
}
