package client

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"classcast/internal/transport"
	"classcast/pkg/protocol"
)

// uploadAckTimeout bounds the wait for the teacher's terminal
// acknowledgement after an upload's final chunk.
const uploadAckTimeout = 30 * time.Second

// download is one in-progress teacher → student distribution.
type download struct {
	file     *os.File
	path     string
	total    int64
	received int64
	openHint bool
}

// handleFileBegin opens the destination under the download directory.
// The teacher-supplied name is sanitized to a single path component.
func (c *Client) handleFileBegin(begin protocol.FileBegin) error {
	path := filepath.Join(c.cfg.DownloadDir, protocol.SanitizeFilename(begin.RelativePath))
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}

	c.mu.Lock()
	c.downloads[begin.JobID] = &download{
		file:     f,
		path:     path,
		total:    begin.TotalSize,
		openHint: begin.OpenHint,
	}
	c.mu.Unlock()
	log.Printf("client: receiving %s (%d bytes)", begin.RelativePath, begin.TotalSize)
	return nil
}

// handleFileChunk appends one chunk, enforcing strict offset order and
// the declared size.
func (c *Client) handleFileChunk(chunk protocol.FileChunk) error {
	c.mu.Lock()
	d, ok := c.downloads[chunk.JobID]
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown download %s", chunk.JobID)
	}
	if chunk.Offset != d.received {
		c.dropDownload(chunk.JobID)
		return fmt.Errorf("chunk at %d, expected %d", chunk.Offset, d.received)
	}
	if d.received+int64(len(chunk.Data)) > d.total {
		c.dropDownload(chunk.JobID)
		return fmt.Errorf("download exceeds declared size %d", d.total)
	}
	if _, err := d.file.Write(chunk.Data); err != nil {
		c.dropDownload(chunk.JobID)
		return fmt.Errorf("write: %w", err)
	}
	d.received += int64(len(chunk.Data))
	return nil
}

// handleFileEnd verifies the byte count, acknowledges, and applies the
// auto-open hint. A size mismatch keeps the partial file and acks
// failure so the teacher's job fails rather than stalls.
func (c *Client) handleFileEnd(conn *transport.Conn, end protocol.FileEnd) {
	c.mu.Lock()
	d, ok := c.downloads[end.JobID]
	delete(c.downloads, end.JobID)
	c.mu.Unlock()
	if !ok {
		return
	}
	d.file.Close()

	if d.received != d.total {
		log.Printf("client: %s incomplete: %d of %d bytes", d.path, d.received, d.total)
		c.sendAck(conn, end.JobID, false, fmt.Sprintf("received %d of %d bytes", d.received, d.total))
		return
	}

	log.Printf("client: stored %s", d.path)
	c.sendAck(conn, end.JobID, true, "")

	if d.openHint || c.cfg.AutoOpen {
		if c.opener != nil {
			c.opener(d.path)
		}
	}
}

func (c *Client) sendAck(conn *transport.Conn, jobID uuid.UUID, ok bool, message string) {
	env, err := protocol.Encode(protocol.KindFileAck, protocol.FileAck{JobID: jobID, OK: ok, Message: message})
	if err != nil {
		return
	}
	conn.Write(env)
}

// dropDownload abandons one download, keeping whatever was written.
func (c *Client) dropDownload(jobID uuid.UUID) {
	c.mu.Lock()
	d, ok := c.downloads[jobID]
	delete(c.downloads, jobID)
	c.mu.Unlock()
	if ok {
		d.file.Close()
	}
}

// abandonDownloads closes every in-flight download at disconnect,
// retaining partial files.
func (c *Client) abandonDownloads() {
	c.mu.Lock()
	downloads := c.downloads
	c.downloads = make(map[uuid.UUID]*download)
	c.mu.Unlock()
	for _, d := range downloads {
		d.file.Close()
	}
}

// Upload streams a local file to the teacher and waits for the terminal
// acknowledgement.
func (c *Client) Upload(path string) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("not connected")
	}

	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat %s: %w", path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("%s is a directory", path)
	}
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	jobID := uuid.New()
	ackCh := make(chan protocol.FileAck, 1)
	c.mu.Lock()
	c.uploadAcks[jobID] = ackCh
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.uploadAcks, jobID)
		c.mu.Unlock()
	}()

	begin, err := protocol.Encode(protocol.KindFileBegin, protocol.FileBegin{
		JobID:        jobID,
		RelativePath: filepath.Base(path),
		TotalSize:    info.Size(),
	})
	if err != nil {
		return err
	}
	if err := conn.Write(begin); err != nil {
		return fmt.Errorf("send begin: %w", err)
	}

	buf := make([]byte, c.cfg.ChunkSize)
	var offset int64
	for {
		n, err := f.Read(buf)
		if n > 0 {
			chunk, encErr := protocol.Encode(protocol.KindFileChunk, protocol.FileChunk{
				JobID:  jobID,
				Offset: offset,
				Data:   buf[:n],
			})
			if encErr != nil {
				return encErr
			}
			if wrErr := conn.Write(chunk); wrErr != nil {
				return fmt.Errorf("send chunk at %d: %w", offset, wrErr)
			}
			offset += int64(n)
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
	}

	end, err := protocol.Encode(protocol.KindFileEnd, protocol.FileEnd{JobID: jobID})
	if err != nil {
		return err
	}
	if err := conn.Write(end); err != nil {
		return fmt.Errorf("send end: %w", err)
	}

	select {
	case ack := <-ackCh:
		if !ack.OK {
			return fmt.Errorf("teacher rejected upload: %s", ack.Message)
		}
		log.Printf("client: uploaded %s (%d bytes)", filepath.Base(path), offset)
		return nil
	case <-time.After(uploadAckTimeout):
		return fmt.Errorf("no acknowledgement within %s", uploadAckTimeout)
	}
}

func (c *Client) routeUploadAck(ack protocol.FileAck) {
	c.mu.Lock()
	ch, ok := c.uploadAcks[ack.JobID]
	c.mu.Unlock()
	if !ok {
		return
	}
	select {
	case ch <- ack:
	default:
	}
}
