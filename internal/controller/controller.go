// Package controller orchestrates one tracking view: it owns the active
// tracking context and wires the push stream, snapshot and poll fetches,
// the reconciler and the map surface together on a single event loop.
package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/saviobatista/fleet-tracker/internal/geocode"
	"github.com/saviobatista/fleet-tracker/internal/logger"
	"github.com/saviobatista/fleet-tracker/internal/mapsurface"
	"github.com/saviobatista/fleet-tracker/internal/metrics"
	"github.com/saviobatista/fleet-tracker/internal/reconciler"
	"github.com/saviobatista/fleet-tracker/internal/stats"
	"github.com/saviobatista/fleet-tracker/internal/stream"
	"github.com/saviobatista/fleet-tracker/internal/types"
)

var (
	// ErrStopped is returned once the event loop has exited
	ErrStopped = errors.New("controller stopped")
	// ErrNotMounted is returned by operations that need a tracking context
	ErrNotMounted = errors.New("no tracking context mounted")
	// ErrAlreadyRunning is returned by a second Run
	ErrAlreadyRunning = errors.New("controller already running")
)

// SnapshotFetcher interface for testability
type SnapshotFetcher interface {
	FetchSnapshot(ctx context.Context, tc types.TrackingContext) (*types.Snapshot, error)
}

// SessionJournal interface for testability
type SessionJournal interface {
	RecordSession(ctx context.Context, tc types.TrackingContext, s types.DrivingSession) error
}

// Config holds the view settings
type Config struct {
	MountID           string
	DefaultCenter     types.Coordinate
	PollInterval      time.Duration
	FleetPollInterval time.Duration
	MaxPathPoints     int
	// RenderTimeout bounds each batch of surface calls
	RenderTimeout time.Duration
}

// Deps are the collaborators of a Controller. Stream and Snapshots are
// required; the rest may be nil.
type Deps struct {
	Stream    *stream.Client
	Snapshots SnapshotFetcher
	Geocoder  geocode.Geocoder
	Surfaces  *mapsurface.Loader
	Journal   SessionJournal
	Stats     *stats.Stats
	Metrics   *metrics.Metrics
	Log       *slog.Logger
}

// Controller runs the tracking view. All state below the queue is owned by
// the Run goroutine.
type Controller struct {
	cfg  Config
	deps Deps
	log  *slog.Logger

	qmu     sync.Mutex
	queue   []func()
	wake    chan struct{}
	running bool
	stopped chan struct{}

	// background work that must finish before Run returns
	wg sync.WaitGroup

	smu    sync.RWMutex
	status Status

	view    *viewState
	gen     uint64
	dropped uint64
}

// New creates a controller. Call Run to start it.
func New(cfg Config, deps Deps) *Controller {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 10 * time.Second
	}
	if cfg.FleetPollInterval <= 0 {
		cfg.FleetPollInterval = 30 * time.Second
	}
	if cfg.RenderTimeout <= 0 {
		cfg.RenderTimeout = 5 * time.Second
	}
	if deps.Geocoder == nil {
		deps.Geocoder = geocode.Unavailable{}
	}
	if deps.Stats == nil {
		deps.Stats = stats.New()
	}
	log := deps.Log
	if log == nil {
		log = logger.Discard()
	}

	return &Controller{
		cfg:     cfg,
		deps:    deps,
		log:     log,
		wake:    make(chan struct{}, 1),
		stopped: make(chan struct{}),
		status:  idleStatus(),
	}
}

// Run processes queued work until ctx is done, then tears the current view
// down and waits for background journal writes.
func (c *Controller) Run(ctx context.Context) error {
	c.qmu.Lock()
	if c.running {
		c.qmu.Unlock()
		return ErrAlreadyRunning
	}
	c.running = true
	c.qmu.Unlock()

	defer close(c.stopped)

	for {
		for _, task := range c.drain() {
			task()
		}
		c.publish()

		select {
		case <-ctx.Done():
			c.shutdown()
			return nil
		case <-c.wake:
		}
	}
}

func (c *Controller) shutdown() {
	if c.view != nil {
		c.teardown(c.view)
	}
	c.publish()
	c.wg.Wait()
	c.log.Info("controller stopped", slog.Uint64("dropped_callbacks", c.dropped))
}

func (c *Controller) enqueue(task func()) {
	c.qmu.Lock()
	c.queue = append(c.queue, task)
	c.qmu.Unlock()

	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *Controller) drain() []func() {
	c.qmu.Lock()
	defer c.qmu.Unlock()
	tasks := c.queue
	c.queue = nil
	return tasks
}

// post queues fn for the view of generation gen. It is dropped if that
// view is gone by the time it runs.
func (c *Controller) post(gen uint64, fn func(v *viewState)) {
	c.postOr(gen, fn, nil)
}

// postOr is post with a callback for the dropped case
func (c *Controller) postOr(gen uint64, fn func(v *viewState), dropped func()) {
	c.enqueue(func() {
		v := c.view
		if v == nil || v.gen != gen || v.phase == PhaseTeardown {
			c.dropped++
			if dropped != nil {
				dropped()
			}
			return
		}
		fn(v)
	})
}

// call runs fn on the loop and waits for its result
func (c *Controller) call(ctx context.Context, fn func() error) error {
	done := make(chan error, 1)
	c.enqueue(func() {
		err := fn()
		c.publish()
		done <- err
	})

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-c.stopped:
		return ErrStopped
	}
}

// Mount tears down any current view and starts tracking tc
func (c *Controller) Mount(ctx context.Context, tc types.TrackingContext) error {
	if err := tc.Validate(); err != nil {
		return err
	}
	return c.call(ctx, func() error {
		if c.view != nil {
			c.teardown(c.view)
		}
		c.mount(tc)
		return nil
	})
}

// Unmount tears down the current view
func (c *Controller) Unmount(ctx context.Context) error {
	return c.call(ctx, func() error {
		if c.view == nil {
			return ErrNotMounted
		}
		c.teardown(c.view)
		return nil
	})
}

// Select focuses a vehicle and re-enables following it. In a vehicle
// context only the tracked vehicle can be selected.
func (c *Controller) Select(ctx context.Context, vehicleID string) error {
	return c.call(ctx, func() error {
		v := c.view
		if v == nil {
			return ErrNotMounted
		}
		if vehicleID == "" {
			return fmt.Errorf("%w: empty vehicle id", reconciler.ErrForeignVehicle)
		}
		if v.tc.Kind == types.ContextVehicle && vehicleID != v.tc.ID {
			return fmt.Errorf("%w: %s", reconciler.ErrForeignVehicle, vehicleID)
		}
		v.rec.Focus(vehicleID)
		v.follow = true
		c.render(v)
		return nil
	})
}

// Reconnect reopens the push stream of the current view after a failure.
// An open or connecting stream is left alone.
func (c *Controller) Reconnect(ctx context.Context) error {
	return c.call(ctx, func() error {
		v := c.view
		if v == nil {
			return ErrNotMounted
		}
		if v.connState == types.StateOpen || v.connState == types.StateConnecting {
			return nil
		}
		c.openStream(v)
		return nil
	})
}

// Status returns the state published after the last loop turn
func (c *Controller) Status() Status {
	c.smu.RLock()
	defer c.smu.RUnlock()
	return c.status
}

// Sync waits until everything queued before it has run
func (c *Controller) Sync(ctx context.Context) error {
	return c.call(ctx, func() error { return nil })
}

func (c *Controller) publish() {
	st := idleStatus()
	if v := c.view; v != nil {
		st = v.status()
	}
	if c.deps.Metrics != nil {
		state := types.StateClosed
		if c.view != nil {
			state = c.view.connState
		}
		c.deps.Metrics.SetConnectionState(int(state))
		c.deps.Metrics.SetPathPoints(st.PathPoints)
	}

	c.smu.Lock()
	c.status = st
	c.smu.Unlock()
}
