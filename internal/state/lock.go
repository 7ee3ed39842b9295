package state

import (
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/hoidn/BMAD-METHOD/pkg/schema"
)

const lockFile = "lock"

// StaleLockAge is how old a lock may be before it is reclaimable even when
// the owning pid cannot be probed.
const StaleLockAge = 24 * time.Hour

// Lock is an exclusive per-run advisory lock backed by an O_EXCL file.
type Lock struct {
	path string
}

type lockRecord struct {
	PID        int       `json:"pid"`
	Hostname   string    `json:"hostname"`
	AcquiredAt time.Time `json:"acquired_at"`
}

// AcquireLock takes the run's lock, reclaiming a stale one (dead owner pid,
// or older than StaleLockAge). A live lock yields a state error.
func AcquireLock(runDir string) (*Lock, error) {
	path := filepath.Join(runDir, lockFile)
	for attempt := 0; attempt < 2; attempt++ {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			host, _ := os.Hostname()
			rec := lockRecord{PID: os.Getpid(), Hostname: host, AcquiredAt: time.Now().UTC()}
			data, _ := json.Marshal(rec)
			if _, werr := f.Write(data); werr != nil {
				f.Close()
				os.Remove(path)
				return nil, schema.NewErrorf(schema.ErrCodeState, "write lock: %s", werr.Error()).WithCause(werr)
			}
			f.Close()
			return &Lock{path: path}, nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return nil, schema.NewErrorf(schema.ErrCodeState, "acquire lock: %s", err.Error()).WithCause(err)
		}
		if !isStale(path) {
			return nil, schema.NewErrorf(schema.ErrCodeState, "run is locked by another process")
		}
		os.Remove(path)
	}
	return nil, schema.NewErrorf(schema.ErrCodeState, "run is locked by another process")
}

// Release removes the lock file.
func (l *Lock) Release() error {
	if err := os.Remove(l.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return schema.NewErrorf(schema.ErrCodeState, "release lock: %s", err.Error()).WithCause(err)
	}
	return nil
}

// isStale reports whether an existing lock can be reclaimed. A lock on the
// same host whose pid is gone is stale; so is any lock beyond StaleLockAge.
// Unreadable or garbled locks are treated as stale.
func isStale(path string) bool {
	data, err := os.ReadFile(path)
	if err != nil {
		return true
	}
	var rec lockRecord
	if err := json.Unmarshal(data, &rec); err != nil || rec.PID <= 0 {
		return true
	}
	if time.Since(rec.AcquiredAt) > StaleLockAge {
		return true
	}
	host, _ := os.Hostname()
	if rec.Hostname != host {
		// Cannot probe a remote pid; respect the lock until it ages out.
		return false
	}
	// Signal 0 probes existence without affecting the process.
	if err := syscall.Kill(rec.PID, 0); err != nil {
		return !errors.Is(err, syscall.EPERM)
	}
	return false
}
