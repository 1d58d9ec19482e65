package store

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"iter"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cwbudde/rectfit/internal/fit"
)

const traceFile = "trace.jsonl"

// TraceEntry is one line of trace.jsonl and describes a single driver round.
type TraceEntry struct {
	Iteration int       `json:"iteration"` // zero-based round index
	Cost      float64   `json:"cost"`      // canvas RMSE after the round
	Accepted  bool      `json:"accepted"`
	Timestamp time.Time `json:"timestamp"`

	// Shape is the proposed rectangle; writers may leave it out
	Shape *fit.Shape `json:"shape,omitempty"`
}

// TracePath returns <baseDir>/jobs/<jobID>/trace.jsonl.
func TracePath(baseDir, jobID string) string {
	return filepath.Join(baseDir, "jobs", jobID, traceFile)
}

// TraceWriter appends entries to a job's trace. Writes are buffered until
// Flush or Close; all methods may be called from several goroutines.
type TraceWriter struct {
	mu   sync.Mutex
	file *os.File
	buf  *bufio.Writer
	enc  *json.Encoder
}

// NewTraceWriter opens the trace of jobID below baseDir. With resume set the
// file is appended to, otherwise it is truncated.
func NewTraceWriter(baseDir, jobID string, resume bool) (*TraceWriter, error) {
	path := TracePath(baseDir, jobID)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create job directory: %w", err)
	}

	flags := os.O_CREATE | os.O_WRONLY | os.O_TRUNC
	if resume {
		flags = os.O_CREATE | os.O_WRONLY | os.O_APPEND
	}
	file, err := os.OpenFile(path, flags, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open trace file: %w", err)
	}

	buf := bufio.NewWriterSize(file, 64*1024)
	return &TraceWriter{file: file, buf: buf, enc: json.NewEncoder(buf)}, nil
}

// Write buffers one entry. json.Encoder terminates it with a newline.
func (tw *TraceWriter) Write(entry TraceEntry) error {
	tw.mu.Lock()
	defer tw.mu.Unlock()

	if err := tw.enc.Encode(entry); err != nil {
		return fmt.Errorf("failed to write trace entry: %w", err)
	}
	return nil
}

// Flush pushes buffered entries to disk and syncs the file.
func (tw *TraceWriter) Flush() error {
	tw.mu.Lock()
	defer tw.mu.Unlock()

	if err := tw.buf.Flush(); err != nil {
		return fmt.Errorf("failed to flush trace writer: %w", err)
	}
	return tw.file.Sync()
}

// Close flushes and closes the file. The file is closed even if the flush fails.
func (tw *TraceWriter) Close() error {
	tw.mu.Lock()
	defer tw.mu.Unlock()

	return errors.Join(tw.buf.Flush(), tw.file.Close())
}

// TraceReader reads a job's trace line by line.
type TraceReader struct {
	file    *os.File
	scanner *bufio.Scanner
	line    int
}

// NewTraceReader opens the trace of jobID. A missing trace is reported as ErrNotFound.
func NewTraceReader(baseDir, jobID string) (*TraceReader, error) {
	file, err := os.Open(TracePath(baseDir, jobID))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, &NotFoundError{JobID: jobID}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open trace file: %w", err)
	}

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	return &TraceReader{file: file, scanner: scanner}, nil
}

// Entries yields the remaining entries in file order. It stops at the first
// malformed line, yielding its error with the 1-based line number.
func (tr *TraceReader) Entries() iter.Seq2[TraceEntry, error] {
	return func(yield func(TraceEntry, error) bool) {
		for tr.scanner.Scan() {
			tr.line++
			var entry TraceEntry
			if err := json.Unmarshal(tr.scanner.Bytes(), &entry); err != nil {
				yield(TraceEntry{}, fmt.Errorf("trace line %d: %w", tr.line, err))
				return
			}
			if !yield(entry, nil) {
				return
			}
		}
		if err := tr.scanner.Err(); err != nil {
			yield(TraceEntry{}, fmt.Errorf("failed to scan trace: %w", err))
		}
	}
}

// ReadAll collects Entries.
func (tr *TraceReader) ReadAll() ([]TraceEntry, error) {
	var entries []TraceEntry
	for entry, err := range tr.Entries() {
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func (tr *TraceReader) Close() error {
	return tr.file.Close()
}
