package stats

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Error sources counted in ErrorCounts
const (
	ErrStream = iota
	ErrSnapshot
	ErrPoll
	ErrGeocode
)

// Store persists stats snapshots
type Store interface {
	StoreTrackingStats(ctx context.Context, stats map[string]interface{}) error
}

// Stats tracks event and session statistics of the tracking console
type Stats struct {
	// Event counts
	EventsReceived     uint64
	SamplesAccepted    uint64
	OrderingViolations uint64
	MalformedSamples   uint64
	UnknownEvents      uint64

	// Session counts
	SessionsStarted uint64
	SessionsEnded   uint64
	ActiveSessions  uint64

	// Error counts by source
	ErrorCounts [4]uint64

	LastEventTime time.Time
	StartedAt     time.Time

	db Store

	mu sync.RWMutex
}

// New creates a new Stats instance
func New() *Stats {
	return &Stats{
		StartedAt: time.Now(),
	}
}

// SetDB sets the store used by Persist
func (s *Stats) SetDB(db Store) {
	s.mu.Lock()
	s.db = db
	s.mu.Unlock()
}

// Persist stores the current statistics
func (s *Stats) Persist(ctx context.Context) error {
	s.mu.RLock()
	db := s.db
	s.mu.RUnlock()
	if db == nil {
		return fmt.Errorf("database client not set")
	}

	return db.StoreTrackingStats(ctx, s.GetStats())
}

// IncrementEvents counts a received push event and stamps its arrival
func (s *Stats) IncrementEvents() {
	atomic.AddUint64(&s.EventsReceived, 1)
	s.mu.Lock()
	s.LastEventTime = time.Now()
	s.mu.Unlock()
}

// AddAccepted counts samples appended to a path
func (s *Stats) AddAccepted(n int) {
	if n > 0 {
		atomic.AddUint64(&s.SamplesAccepted, uint64(n))
	}
}

// AddOrderingViolations counts samples rejected for their sequence key
func (s *Stats) AddOrderingViolations(n int) {
	if n > 0 {
		atomic.AddUint64(&s.OrderingViolations, uint64(n))
	}
}

// AddMalformed counts samples rejected for their coordinates
func (s *Stats) AddMalformed(n int) {
	if n > 0 {
		atomic.AddUint64(&s.MalformedSamples, uint64(n))
	}
}

// IncrementUnknownEvents counts events that could not be decoded
func (s *Stats) IncrementUnknownEvents() {
	atomic.AddUint64(&s.UnknownEvents, 1)
}

// AddSessionsStarted counts started driving sessions
func (s *Stats) AddSessionsStarted(n int) {
	if n > 0 {
		atomic.AddUint64(&s.SessionsStarted, uint64(n))
	}
}

// AddSessionsEnded counts ended driving sessions
func (s *Stats) AddSessionsEnded(n int) {
	if n > 0 {
		atomic.AddUint64(&s.SessionsEnded, uint64(n))
	}
}

// SetActiveSessions sets the number of active sessions in view
func (s *Stats) SetActiveSessions(count uint64) {
	atomic.StoreUint64(&s.ActiveSessions, count)
}

// IncrementError counts an error of the given source
func (s *Stats) IncrementError(source int) {
	if source >= 0 && source < len(s.ErrorCounts) {
		atomic.AddUint64(&s.ErrorCounts[source], 1)
	}
}

// GetStats returns a copy of the current statistics
func (s *Stats) GetStats() map[string]interface{} {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var errs [4]uint64
	for i := range s.ErrorCounts {
		errs[i] = atomic.LoadUint64(&s.ErrorCounts[i])
	}

	return map[string]interface{}{
		"events_received":     atomic.LoadUint64(&s.EventsReceived),
		"samples_accepted":    atomic.LoadUint64(&s.SamplesAccepted),
		"ordering_violations": atomic.LoadUint64(&s.OrderingViolations),
		"malformed_samples":   atomic.LoadUint64(&s.MalformedSamples),
		"unknown_events":      atomic.LoadUint64(&s.UnknownEvents),
		"sessions_started":    atomic.LoadUint64(&s.SessionsStarted),
		"sessions_ended":      atomic.LoadUint64(&s.SessionsEnded),
		"active_sessions":     atomic.LoadUint64(&s.ActiveSessions),
		"error_counts":        errs,
		"last_event_time":     s.LastEventTime,
		"uptime":              time.Since(s.StartedAt),
	}
}

// String returns a string representation of the statistics
func (s *Stats) String() string {
	stats := s.GetStats()
	errs := stats["error_counts"].([4]uint64)
	return fmt.Sprintf(
		"Events Received: %d\n"+
			"Samples Accepted: %d\n"+
			"Ordering Violations: %d\n"+
			"Malformed Samples: %d\n"+
			"Unknown Events: %d\n"+
			"Sessions Started: %d\n"+
			"Sessions Ended: %d\n"+
			"Active Sessions: %d\n"+
			"Errors (stream/snapshot/poll/geocode): %d/%d/%d/%d\n"+
			"Last Event Time: %s\n"+
			"Uptime: %s",
		stats["events_received"],
		stats["samples_accepted"],
		stats["ordering_violations"],
		stats["malformed_samples"],
		stats["unknown_events"],
		stats["sessions_started"],
		stats["sessions_ended"],
		stats["active_sessions"],
		errs[ErrStream], errs[ErrSnapshot], errs[ErrPoll], errs[ErrGeocode],
		stats["last_event_time"],
		stats["uptime"],
	)
}

// StartPersistence persists statistics every interval until ctx is done,
// with a final write on shutdown
func (s *Stats) StartPersistence(ctx context.Context, interval time.Duration, log *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			final, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := s.Persist(final); err != nil {
				log.Warn("failed to persist final statistics", slog.Any("error", err))
			}
			cancel()
			return
		case <-ticker.C:
			if err := s.Persist(ctx); err != nil {
				log.Warn("failed to persist statistics", slog.Any("error", err))
			}
		}
	}
}
