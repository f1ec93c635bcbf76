package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/saviobatista/fleet-tracker/internal/logger"
	"github.com/saviobatista/fleet-tracker/internal/nats"
	"github.com/saviobatista/fleet-tracker/internal/recorder"
	"github.com/saviobatista/fleet-tracker/internal/types"
)

// Publisher interface for testability
type Publisher interface {
	PublishEvent(tc types.TrackingContext, event string, data []byte) error
	Flush() error
}

// sleepFunc waits for d or until ctx is done
type sleepFunc func(ctx context.Context, d time.Duration) error

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// replayer republishes recorded events keeping their relative timing
type replayer struct {
	pub   Publisher
	log   *slog.Logger
	speed float64
	sleep sleepFunc
}

// delay returns the pause before an event recorded gap after the previous
// one. A speed of zero or less publishes without pauses.
func (r *replayer) delay(gap time.Duration) time.Duration {
	if r.speed <= 0 || gap <= 0 {
		return 0
	}
	return time.Duration(float64(gap) / r.speed)
}

// replayFile publishes every entry of path and returns how many were sent.
// Events without a name are skipped since nothing can route them.
func (r *replayer) replayFile(ctx context.Context, path string) (int, error) {
	reader, err := recorder.OpenFile(path)
	if err != nil {
		return 0, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer reader.Close()

	var (
		sent int
		prev time.Time
	)
	for {
		entry, err := reader.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return sent, fmt.Errorf("%s: %w", path, err)
		}
		if entry.Event == "" {
			r.log.Debug("skipping event without name", slog.String("context", entry.Context.String()))
			continue
		}

		if !prev.IsZero() {
			if err := r.sleep(ctx, r.delay(entry.Time.Sub(prev))); err != nil {
				return sent, err
			}
		} else if err := ctx.Err(); err != nil {
			return sent, err
		}
		prev = entry.Time

		if err := r.pub.PublishEvent(entry.Context, entry.Event, entry.Data); err != nil {
			r.log.Warn("failed to publish event",
				slog.String("context", entry.Context.String()),
				slog.String("event", entry.Event),
				slog.Any("error", err))
			continue
		}
		sent++
	}

	if err := r.pub.Flush(); err != nil {
		return sent, fmt.Errorf("failed to flush: %w", err)
	}
	return sent, nil
}

func (r *replayer) run(ctx context.Context, files []string, loop bool) error {
	for {
		for _, path := range files {
			sent, err := r.replayFile(ctx, path)
			r.log.Info("replayed recording", slog.String("file", path), slog.Int("events", sent))
			if err != nil {
				return err
			}
		}
		if !loop {
			return nil
		}
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func main() {
	// Try to load .env file, but don't fail if it doesn't exist
	_ = godotenv.Load()

	natsURL := flag.String("nats", envOr("NATS_URL", "nats://nats:4222"), "NATS server URL")
	speed := flag.Float64("speed", 1, "Playback speed factor, 0 publishes without pauses")
	loop := flag.Bool("loop", false, "Replay the files until interrupted")
	flag.Parse()

	log := logger.New(envOr("LOG_LEVEL", "info"), envOr("LOG_FORMAT", "text"))

	files := flag.Args()
	if len(files) == 0 {
		log.Error("usage: replay [flags] events_YYYY-MM-DD.jsonl[.gz]...")
		os.Exit(2)
	}

	client, err := nats.New(*natsURL, nats.Options{Name: "fleet-replay", Timeout: 10 * time.Second})
	if err != nil {
		log.Error("failed to create NATS client", slog.Any("error", err))
		os.Exit(1)
	}
	defer client.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	r := &replayer{pub: client, log: log, speed: *speed, sleep: sleepCtx}
	if err := r.run(ctx, files, *loop); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("replay failed", slog.Any("error", err))
		client.Close()
		os.Exit(1)
	}
}
