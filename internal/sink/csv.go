package sink

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// CSVSink appends one row per submission to a flat file.
//
// The header row is written when the file is new or empty. Every data
// field is double-quoted with embedded quotes doubled. Appends from
// several processes are serialized with an advisory file lock where the
// platform supports one.
type CSVSink struct {
	path string

	mu     sync.Mutex
	closed bool
}

// NewCSVSink creates the parent directory and returns a sink for path.
// The file itself is created on first submission.
func NewCSVSink(path string) (*CSVSink, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create sink directory: %w", err)
	}
	return &CSVSink{path: path}, nil
}

// Path returns the file the sink writes to.
func (c *CSVSink) Path() string {
	return c.path
}

// Submit appends sub as one line.
func (c *CSVSink) Submit(ctx context.Context, sub Submission) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}

	f, err := os.OpenFile(c.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("open csv: %w", err)
	}
	defer f.Close()

	if err := lockFile(f); err != nil {
		return fmt.Errorf("lock csv: %w", err)
	}
	defer unlockFile(f)

	// Size is checked under the lock so only one writer emits the header.
	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat csv: %w", err)
	}

	var b strings.Builder
	if info.Size() == 0 {
		b.WriteString(strings.Join(Fields(), ","))
		b.WriteByte('\n')
	}
	b.WriteString(formatRow(sub.Values()))

	if _, err := f.WriteString(b.String()); err != nil {
		return fmt.Errorf("append csv: %w", err)
	}
	return nil
}

// Close implements Sink. Later submissions fail with ErrClosed.
func (c *CSVSink) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

func quoteField(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}

func formatRow(values []string) string {
	quoted := make([]string, len(values))
	for i, v := range values {
		quoted[i] = quoteField(v)
	}
	return strings.Join(quoted, ",") + "\n"
}
