// Package output normalizes captured process stdout into the text, lines,
// and json result variants, applying size caps and spilling oversized
// streams to log files.
package output

import (
	"os"
	"path/filepath"
	"sync"
)

// Size caps for captured output.
const (
	// TextStateCap is how much raw text lands in persisted state.
	TextStateCap = 8 * 1024
	// BufferCap bounds the in-memory stdout buffer; beyond it the full
	// stream is spilled to a log file.
	BufferCap = 1024 * 1024
	// LinesCap bounds the number of stored line entries.
	LinesCap = 10_000
)

// Capture is an io.Writer that buffers the first BufferCap bytes of a
// stream in memory, counts the total, and spills the complete stream to a
// file once the cap is exceeded. Write never blocks the child process on a
// full pipe: it always reports the full length consumed.
type Capture struct {
	mu       sync.Mutex
	buf      []byte
	total    int64
	spillDir string
	name     string

	spill     *os.File
	spillTmp  string
	spillErr  error
	spillPath string
}

// NewCapture creates a capture that spills to spillDir/<name>.out on
// overflow. The spill file is written to a temp name and renamed on Close.
func NewCapture(spillDir, name string) *Capture {
	return &Capture{
		buf:      make([]byte, 0, 4096),
		spillDir: spillDir,
		name:     name,
	}
}

func (c *Capture) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := len(p)
	c.total += int64(n)

	if len(c.buf) < BufferCap {
		room := BufferCap - len(c.buf)
		if n <= room {
			c.buf = append(c.buf, p...)
		} else {
			c.buf = append(c.buf, p[:room]...)
		}
	}

	if c.total > BufferCap {
		c.ensureSpill()
		if c.spill != nil {
			_, _ = c.spill.Write(p)
		}
	}

	return n, nil
}

// ensureSpill lazily opens the spill file and backfills the buffered prefix
// so the spill holds the complete stream.
func (c *Capture) ensureSpill() {
	if c.spill != nil || c.spillErr != nil {
		return
	}
	c.spillTmp = filepath.Join(c.spillDir, c.name+".out.tmp")
	f, err := os.OpenFile(c.spillTmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		c.spillErr = err
		return
	}
	if _, err := f.Write(c.buf); err != nil {
		c.spillErr = err
		f.Close()
		return
	}
	c.spill = f
}

// Close finalizes the capture. If a spill was taken, the temp file is
// flushed and renamed into place; the returned path is empty otherwise.
// Close is idempotent: later calls return the same path.
func (c *Capture) Close() (spillPath string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.spill == nil {
		return c.spillPath, c.spillErr
	}
	if err := c.spill.Sync(); err != nil {
		c.spill.Close()
		return "", err
	}
	if err := c.spill.Close(); err != nil {
		return "", err
	}
	final := filepath.Join(c.spillDir, c.name+".out")
	if err := os.Rename(c.spillTmp, final); err != nil {
		return "", err
	}
	c.spill = nil
	c.spillPath = final
	return final, nil
}

// SpillBuffered writes the buffered bytes to the spill location even though
// the stream never overflowed. Used when a tolerated parse failure needs the
// raw stream preserved on disk.
func (c *Capture) SpillBuffered() (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	tmp := filepath.Join(c.spillDir, c.name+".out.tmp")
	if err := os.WriteFile(tmp, c.buf, 0o644); err != nil {
		return "", err
	}
	final := filepath.Join(c.spillDir, c.name+".out")
	if err := os.Rename(tmp, final); err != nil {
		return "", err
	}
	return final, nil
}

// Bytes returns the buffered prefix of the stream (at most BufferCap).
func (c *Capture) Bytes() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buf
}

// Total returns the total number of bytes the child wrote.
func (c *Capture) Total() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.total
}

// Overflowed reports whether the stream exceeded the in-memory cap.
func (c *Capture) Overflowed() bool {
	return c.Total() > BufferCap
}
