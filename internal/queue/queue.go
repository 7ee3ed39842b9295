// Package queue implements the file-queue handoff protocol steps use to
// exchange tasks: a task lands in an inbox via write-temp-then-rename, and
// finished tasks move into timestamped processed or failed directories.
package queue

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hoidn/BMAD-METHOD/pkg/schema"
)

// TaskExt marks files in the inbox that are ready to be consumed.
const TaskExt = ".task"

const stampLayout = "20060102T150405Z"

// Queue is one inbox directory plus its processed/failed archives.
type Queue struct {
	dir string
}

// Open creates the queue layout under dir if needed.
func Open(dir string) (*Queue, error) {
	for _, sub := range []string{"inbox", "processed", "failed"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeState, "create queue dir: %s", err.Error()).WithCause(err)
		}
	}
	return &Queue{dir: dir}, nil
}

// Put enqueues a task atomically: the payload is written to a temp file and
// renamed into the inbox, so a consumer never observes a partial task.
// Returns the task ID.
func (q *Queue) Put(payload []byte) (string, error) {
	id := uuid.NewString()
	inbox := filepath.Join(q.dir, "inbox")

	tmp, err := os.CreateTemp(inbox, id+".*.tmp")
	if err != nil {
		return "", schema.NewErrorf(schema.ErrCodeState, "create task temp: %s", err.Error()).WithCause(err)
	}
	name := tmp.Name()
	if _, err = tmp.Write(payload); err == nil {
		err = tmp.Sync()
	}
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(name)
		return "", schema.NewErrorf(schema.ErrCodeState, "write task: %s", err.Error()).WithCause(err)
	}
	if err := os.Rename(name, filepath.Join(inbox, id+TaskExt)); err != nil {
		os.Remove(name)
		return "", schema.NewErrorf(schema.ErrCodeState, "commit task: %s", err.Error()).WithCause(err)
	}
	return id, nil
}

// List returns the IDs of tasks currently in the inbox, oldest first.
func (q *Queue) List() ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(q.dir, "inbox"))
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeState, "list inbox: %s", err.Error()).WithCause(err)
	}
	type ent struct {
		id string
		mt time.Time
	}
	var tasks []ent
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), TaskExt) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		tasks = append(tasks, ent{strings.TrimSuffix(e.Name(), TaskExt), info.ModTime()})
	}
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].mt.Before(tasks[j].mt) })
	ids := make([]string, len(tasks))
	for i, t := range tasks {
		ids[i] = t.id
	}
	return ids, nil
}

// Read returns a task's payload without removing it from the inbox.
func (q *Queue) Read(id string) ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(q.dir, "inbox", id+TaskExt))
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeState, "read task %s: %s", id, err.Error()).WithCause(err)
	}
	return data, nil
}

// Complete archives a task under processed/<timestamp>/.
func (q *Queue) Complete(id string) error {
	return q.archive(id, "processed")
}

// Fail archives a task under failed/<timestamp>/.
func (q *Queue) Fail(id string) error {
	return q.archive(id, "failed")
}

func (q *Queue) archive(id, bucket string) error {
	stamp := time.Now().UTC().Format(stampLayout)
	dst := filepath.Join(q.dir, bucket, stamp)
	if err := os.MkdirAll(dst, 0o755); err != nil {
		return schema.NewErrorf(schema.ErrCodeState, "create %s dir: %s", bucket, err.Error()).WithCause(err)
	}
	src := filepath.Join(q.dir, "inbox", id+TaskExt)
	if err := os.Rename(src, filepath.Join(dst, id+TaskExt)); err != nil {
		return schema.NewErrorf(schema.ErrCodeState, "archive task %s: %s", id, err.Error()).WithCause(err)
	}
	return nil
}
