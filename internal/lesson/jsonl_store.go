package lesson

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/artemgetmann/cortex/pkg/models"
)

// JSONLPersister implements Persister over an append-mostly JSON-lines file
// (spec 4.2 / 6: "lessons.jsonl, one JSON object per line"). Compact
// rewrites the whole file atomically (write temp, fsync, rename), grounded
// on the same write-temp-then-rename idiom the teacher uses for its local
// pairing-request store.
type JSONLPersister struct {
	path string
}

// NewJSONLPersister returns a persister rooted at path. The parent
// directory is created if missing.
func NewJSONLPersister(path string) *JSONLPersister {
	return &JSONLPersister{path: path}
}

// Load reads every line of the file as a Lesson. A missing file is not an
// error: it means an empty store (testable property 11/12's starting
// state).
func (p *JSONLPersister) Load() ([]*models.Lesson, error) {
	f, err := os.Open(p.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("lesson jsonl: open %s: %w", p.path, err)
	}
	defer f.Close()

	var out []*models.Lesson
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var l models.Lesson
		if err := json.Unmarshal(line, &l); err != nil {
			return nil, fmt.Errorf("lesson jsonl: decode line: %w", err)
		}
		out = append(out, &l)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("lesson jsonl: scan %s: %w", p.path, err)
	}
	return out, nil
}

// Save rewrites the entire file atomically: every call to Save is, in
// effect, the "periodic compaction" spec 4.2 describes, since the store
// holds its full working set in memory and this backend has no append-only
// fast path worth the extra bookkeeping at this scale.
func (p *JSONLPersister) Save(lessons []*models.Lesson) error {
	dir := filepath.Dir(p.path)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("lesson jsonl: mkdir %s: %w", dir, err)
		}
	}

	tmp := p.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("lesson jsonl: create temp: %w", err)
	}

	w := bufio.NewWriter(f)
	enc := json.NewEncoder(w)
	for _, l := range lessons {
		if err := enc.Encode(l); err != nil {
			f.Close()
			os.Remove(tmp)
			return fmt.Errorf("lesson jsonl: encode lesson %s: %w", l.ID, err)
		}
	}
	if err := w.Flush(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("lesson jsonl: flush: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("lesson jsonl: fsync: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("lesson jsonl: close temp: %w", err)
	}
	if err := os.Rename(tmp, p.path); err != nil {
		return fmt.Errorf("lesson jsonl: rename into place: %w", err)
	}
	return nil
}

// InMemoryPersister is a Persister that never touches disk, used as the
// degraded-mode target and in tests (testable properties 9 and 11-13 don't
// need durability).
type InMemoryPersister struct {
	snapshot []*models.Lesson
}

func NewInMemoryPersister() *InMemoryPersister { return &InMemoryPersister{} }

func (p *InMemoryPersister) Load() ([]*models.Lesson, error) { return p.snapshot, nil }

func (p *InMemoryPersister) Save(lessons []*models.Lesson) error {
	p.snapshot = lessons
	return nil
}
