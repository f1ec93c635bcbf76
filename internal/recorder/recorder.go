// Package recorder appends every raw push event to a daily JSON lines file
// and compresses the previous day's file at UTC midnight.
package recorder

import (
	"compress/gzip"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/saviobatista/fleet-tracker/internal/logger"
	"github.com/saviobatista/fleet-tracker/internal/types"
)

const dateLayout = "2006-01-02"

// Entry is one recorded event
type Entry struct {
	Time    time.Time             `json:"ts"`
	Context types.TrackingContext `json:"context"`
	Event   string                `json:"event"`
	Data    json.RawMessage       `json:"data"`
}

// FileName returns the recording file of day
func FileName(day time.Time) string {
	return fmt.Sprintf("events_%s.jsonl", day.UTC().Format(dateLayout))
}

// Recorder writes entries to outputDir
type Recorder struct {
	outputDir string
	log       *slog.Logger
	now       func() time.Time

	mu      sync.Mutex
	file    *os.File
	fileDay string

	stopChan chan struct{}
	wg       sync.WaitGroup
}

// New creates a recorder. A nil logger discards output.
func New(outputDir string, log *slog.Logger) *Recorder {
	if log == nil {
		log = logger.Discard()
	}
	return &Recorder{
		outputDir: outputDir,
		log:       log,
		now:       time.Now,
		stopChan:  make(chan struct{}),
	}
}

// Start opens today's file and starts the rotation timer
func (r *Recorder) Start() error {
	r.mu.Lock()
	err := r.openFile(r.now())
	r.mu.Unlock()
	if err != nil {
		return err
	}

	r.wg.Add(1)
	go r.rotationTimer()
	return nil
}

// Stop stops the rotation timer, waits for pending compressions and closes
// the current file
func (r *Recorder) Stop() error {
	close(r.stopChan)
	r.wg.Wait()

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.file == nil {
		return nil
	}
	err := r.file.Close()
	r.file = nil
	return err
}

// Record appends a raw event. It matches the stream tap signature, so
// failures are logged rather than returned.
func (r *Recorder) Record(tc types.TrackingContext, event string, payload []byte) {
	data := json.RawMessage(payload)
	if !json.Valid(payload) {
		// keep undecodable frames as a JSON string
		quoted, _ := json.Marshal(string(payload))
		data = quoted
	}
	entry := Entry{Time: r.now().UTC(), Context: tc, Event: event, Data: data}
	if err := r.Write(entry); err != nil {
		r.log.Warn("failed to record event", slog.String("event", event), slog.Any("error", err))
	}
}

// Write appends one entry. An entry of a later day rotates the file first;
// a late entry of an earlier day goes to the open file.
func (r *Recorder) Write(entry Entry) error {
	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to encode entry: %w", err)
	}
	line = append(line, '\n')

	r.mu.Lock()
	defer r.mu.Unlock()

	// a write after midnight may beat the timer
	if err := r.rotate(entry.Time); err != nil {
		return err
	}

	_, err = r.file.Write(line)
	return err
}

// rotationTimer handles daily rotation at midnight UTC
func (r *Recorder) rotationTimer() {
	defer r.wg.Done()

	for {
		now := r.now().UTC()
		nextMidnight := time.Date(now.Year(), now.Month(), now.Day()+1, 0, 0, 0, 0, time.UTC)
		timer := time.NewTimer(nextMidnight.Sub(now))

		select {
		case <-timer.C:
			r.mu.Lock()
			err := r.rotate(r.now())
			r.mu.Unlock()
			if err != nil {
				r.log.Error("error during rotation", slog.Any("error", err))
			}
		case <-r.stopChan:
			timer.Stop()
			return
		}
	}
}

// rotate switches to the file of day and compresses the previous one in
// the background. Rotation never goes back to an earlier day. mu must be
// held.
func (r *Recorder) rotate(day time.Time) error {
	if r.file != nil && day.UTC().Format(dateLayout) <= r.fileDay {
		return nil
	}

	var previous string
	if r.file != nil {
		previous = r.file.Name()
		if err := r.file.Close(); err != nil {
			r.log.Warn("failed to close recording", slog.Any("error", err))
		}
		r.file = nil
	}

	if err := r.openFile(day); err != nil {
		return err
	}

	if previous != "" {
		r.wg.Add(1)
		go r.compress(previous)
	}
	return nil
}

func (r *Recorder) compress(path string) {
	defer r.wg.Done()
	if err := CompressFile(path); err != nil {
		r.log.Error("failed to compress file", slog.String("file", path), slog.Any("error", err))
		return
	}
	r.log.Info("recording rotated", slog.String("compressed", path+".gz"))
}

func (r *Recorder) openFile(day time.Time) error {
	if err := os.MkdirAll(r.outputDir, 0o755); err != nil {
		return fmt.Errorf("failed to create output dir: %w", err)
	}
	name := filepath.Join(r.outputDir, FileName(day))
	file, err := os.OpenFile(name, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("failed to create recording file: %w", err)
	}
	r.file = file
	r.fileDay = day.UTC().Format(dateLayout)
	return nil
}

// CompressFile gzips path into path.gz and removes the original. An
// existing path.gz is kept and the new data appended as another gzip member.
func CompressFile(path string) error {
	source, err := os.Open(path)
	if err != nil {
		return err
	}
	defer source.Close()

	target, err := os.OpenFile(path+".gz", os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer target.Close()

	gzipWriter := gzip.NewWriter(target)
	if _, err := io.Copy(gzipWriter, source); err != nil {
		return err
	}
	if err := gzipWriter.Close(); err != nil {
		return err
	}
	if err := target.Close(); err != nil {
		return err
	}

	return os.Remove(path)
}
