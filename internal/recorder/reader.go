package recorder

import (
	"bufio"
	"compress/gzip"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
)

// maxLineSize bounds one recorded line
const maxLineSize = 4 << 20

// Reader iterates the entries of a recording
type Reader struct {
	scanner *bufio.Scanner
	closers []io.Closer
	line    int
}

// NewReader reads entries from r
func NewReader(r io.Reader) *Reader {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)
	return &Reader{scanner: scanner}
}

// OpenFile opens a recording, decompressing .gz files
func OpenFile(path string) (*Reader, error) {
	file, err := os.Open(path) // #nosec G304 - path is an operator supplied recording
	if err != nil {
		return nil, err
	}

	if !strings.HasSuffix(path, ".gz") {
		reader := NewReader(file)
		reader.closers = []io.Closer{file}
		return reader, nil
	}

	gz, err := gzip.NewReader(file)
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to open gzip recording: %w", err)
	}
	reader := NewReader(gz)
	reader.closers = []io.Closer{gz, file}
	return reader, nil
}

// Next returns the next entry, or io.EOF after the last one. Blank lines
// are skipped.
func (r *Reader) Next() (Entry, error) {
	for r.scanner.Scan() {
		r.line++
		raw := r.scanner.Bytes()
		if len(strings.TrimSpace(string(raw))) == 0 {
			continue
		}
		var entry Entry
		if err := json.Unmarshal(raw, &entry); err != nil {
			return Entry{}, fmt.Errorf("line %d: %w", r.line, err)
		}
		return entry, nil
	}
	if err := r.scanner.Err(); err != nil {
		return Entry{}, err
	}
	return Entry{}, io.EOF
}

// Close releases the underlying file
func (r *Reader) Close() error {
	var first error
	for _, c := range r.closers {
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
