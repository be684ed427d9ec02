package transfer

import "errors"

var (
	// ErrUnknownJob means a file frame referenced a job the engine is not
	// tracking, or one owned by a different student.
	ErrUnknownJob = errors.New("unknown transfer job")

	// ErrStalled means no chunk arrived within the stall timeout. The job
	// is Failed; the partial file stays on disk.
	ErrStalled = errors.New("transfer stalled")

	// ErrSizeExceeded means a peer sent more bytes than its header
	// declared.
	ErrSizeExceeded = errors.New("transfer exceeds declared size")

	// ErrChunkOutOfOrder means a chunk's offset did not match the bytes
	// received so far. File reassembly tolerates no gaps or reordering.
	ErrChunkOutOfOrder = errors.New("file chunk out of order")

	// ErrNoTargets means a distribution was requested with no connected
	// students to send to.
	ErrNoTargets = errors.New("no students connected")

	// ErrDuplicateJob means a FileBegin reused a job ID the engine is
	// already tracking. Job IDs are never recycled, so a collision is a
	// peer trying to clobber another job's state.
	ErrDuplicateJob = errors.New("job id already in use")
)
