package transcript

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
)

// Log is an append-only, concurrency-safe transcript. Lines keep their
// trailing newline so WriteTo reproduces the displayed text exactly.
type Log struct {
	mu      sync.RWMutex
	lines   []string
	archive *Archive
	present Presenter
}

// Option configures a Log.
type Option func(*Log)

// WithArchive mirrors every appended line into a bbolt archive.
func WithArchive(a *Archive) Option {
	return func(l *Log) {
		l.archive = a
	}
}

// WithPresenter notifies p after every append.
func WithPresenter(p Presenter) Option {
	return func(l *Log) {
		l.present = p
	}
}

// New creates an empty Log.
func New(opts ...Option) *Log {
	l := &Log{present: NopPresenter{}}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Append records one line. The line is kept in memory even when the archive
// write fails; the archive error is returned.
func (l *Log) Append(line string) error {
	return l.add(line, true)
}

func (l *Log) add(line string, archive bool) error {
	l.mu.Lock()
	l.lines = append(l.lines, line)
	l.mu.Unlock()

	var err error
	if archive && l.archive != nil {
		if err = l.archive.Put(line); err != nil {
			err = fmt.Errorf("transcript archive failed: %w", err)
		}
	}

	l.present.OnLineAppended(line)
	return err
}

// Lines returns a copy of every line appended so far.
func (l *Log) Lines() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]string, len(l.lines))
	copy(out, l.lines)
	return out
}

// Len returns the number of lines.
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.lines)
}

// WriteTo writes the transcript as plain text.
func (l *Log) WriteTo(w io.Writer) (int64, error) {
	return writeLines(w, l.Lines())
}

// Load appends every line read from r. A final line without a newline is
// kept as is. Loaded lines are not written to the archive.
func (l *Log) Load(r io.Reader) error {
	br := bufio.NewReader(r)
	for {
		line, err := br.ReadString('\n')
		if line != "" {
			l.add(line, false)
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read transcript: %w", err)
		}
	}
}

// String returns the transcript as one block of text.
func (l *Log) String() string {
	var b strings.Builder
	l.WriteTo(&b)
	return b.String()
}

func writeLines(w io.Writer, lines []string) (int64, error) {
	var total int64
	for _, line := range lines {
		n, err := io.WriteString(w, line)
		total += int64(n)
		if err != nil {
			return total, fmt.Errorf("failed to write transcript: %w", err)
		}
	}
	return total, nil
}
