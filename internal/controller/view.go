package controller

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/saviobatista/fleet-tracker/internal/mapsurface"
	"github.com/saviobatista/fleet-tracker/internal/reconciler"
	"github.com/saviobatista/fleet-tracker/internal/stats"
	"github.com/saviobatista/fleet-tracker/internal/stream"
	"github.com/saviobatista/fleet-tracker/internal/types"
)

// geocodeEpsilon matches the five decimal places of the address cache key
const geocodeEpsilon = 5e-6

// viewState is everything one tracking context owns. It is created on
// mount and destroyed as a unit on teardown.
type viewState struct {
	gen    uint64
	tc     types.TrackingContext
	phase  Phase
	ctx    context.Context
	cancel context.CancelFunc

	stream    *stream.Handle
	streamSeq uint64
	connState types.ConnectionState
	connErr   error

	surface    *mapsurface.Handle
	surfaceErr error

	rec *reconciler.Reconciler

	pollTimer     *time.Timer
	pollInFlight  bool
	snapshotStale bool
	pollStale     bool

	follow bool

	geoSeq         uint64
	geoPos         *types.Coordinate
	address        string
	addressUnknown bool

	render types.RenderState
}

func (v *viewState) status() Status {
	st := Status{
		Context:        v.tc,
		Generation:     v.gen,
		Phase:          v.phase,
		Connection:     v.connState.String(),
		SnapshotStale:  v.snapshotStale,
		PollStale:      v.pollStale,
		Polling:        v.pollTimer != nil || v.pollInFlight,
		SurfaceReady:   v.surface != nil,
		Following:      v.follow,
		FocusedVehicle: v.rec.Focused(),
		Latest:         v.rec.Latest(),
		Address:        v.address,
		AddressUnknown: v.addressUnknown,
		ActiveSessions: v.rec.ActiveSessions(),
		PathPoints:     len(v.render.Path),
		Render:         v.render,
	}
	if v.connErr != nil {
		st.ConnectionError = v.connErr.Error()
	}
	if v.surfaceErr != nil {
		st.SurfaceError = "Map unavailable: " + v.surfaceErr.Error()
	}
	if v.addressUnknown {
		st.Address = AddressPlaceholder
	}
	if s, ok := v.rec.Session(v.rec.Focused()); ok {
		st.SessionActive = s.Active
	}
	return st
}

func (c *Controller) mount(tc types.TrackingContext) {
	c.gen++
	ctx, cancel := context.WithCancel(context.Background())
	v := &viewState{
		gen:       c.gen,
		tc:        tc,
		phase:     PhaseMounting,
		ctx:       ctx,
		cancel:    cancel,
		connState: types.StateConnecting,
		rec:       reconciler.New(reconciler.WithMaxPathPoints(c.cfg.MaxPathPoints)),
		follow:    true,
		render:    types.RenderState{Markers: []types.Marker{}, Path: []types.Coordinate{}},
	}
	if err := v.rec.Begin(tc); err != nil {
		// Mount validated tc already
		c.log.Error("failed to begin context", slog.Any("error", err))
	}
	c.view = v

	c.log.Info("mounting tracking context",
		slog.String("context", tc.String()),
		slog.Uint64("generation", v.gen))

	c.initSurface(v)
	c.openStream(v)
	c.fetchSnapshot(v)
}

// teardown stops all activity of v. Nothing it started can touch the next
// view: late callbacks fail the generation check.
func (c *Controller) teardown(v *viewState) {
	v.phase = PhaseTeardown
	v.cancel()

	if v.pollTimer != nil {
		v.pollTimer.Stop()
		v.pollTimer = nil
	}
	if v.stream != nil {
		if err := v.stream.Close(); err != nil {
			c.log.Warn("failed to close stream", slog.Any("error", err))
		}
		v.stream = nil
	}
	if v.surface != nil {
		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.RenderTimeout)
		if err := v.surface.Dispose(ctx); err != nil {
			c.log.Warn("failed to dispose map surface", slog.Any("error", err))
		}
		cancel()
		v.surface = nil
	}
	v.rec.Reset()
	v.connState = types.StateClosed
	c.deps.Stats.SetActiveSessions(0)

	if c.view == v {
		c.view = nil
	}
	c.log.Info("tracking context torn down",
		slog.String("context", v.tc.String()),
		slog.Uint64("generation", v.gen))
}

func (c *Controller) initSurface(v *viewState) {
	if c.deps.Surfaces == nil {
		v.surfaceErr = errors.New("no map surface configured")
		return
	}

	gen, ctx := v.gen, v.ctx
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		h, err := mapsurface.Initialize(ctx, c.deps.Surfaces, c.cfg.MountID, c.cfg.DefaultCenter)
		c.postOr(gen, func(v *viewState) {
			if err != nil {
				v.surfaceErr = err
				c.log.Warn("map surface unavailable", slog.Any("error", err))
				return
			}
			v.surface = h
			h.OnUserPan(func(types.Coordinate) {
				c.post(gen, func(v *viewState) {
					if v.follow {
						c.log.Debug("user pan, follow suspended")
					}
					v.follow = false
				})
			})
			c.render(v)
		}, func() {
			if h != nil {
				dctx, cancel := context.WithTimeout(context.Background(), c.cfg.RenderTimeout)
				defer cancel()
				_ = h.Dispose(dctx)
			}
		})
	}()
}

func (c *Controller) openStream(v *viewState) {
	if v.stream != nil {
		_ = v.stream.Close()
	}
	v.streamSeq++
	gen, seq := v.gen, v.streamSeq
	v.connState = types.StateConnecting
	v.connErr = nil
	v.stream = c.deps.Stream.Open(v.ctx, v.tc, stream.Handler{
		OnEvent: func(ev types.Event) {
			c.post(gen, func(v *viewState) {
				if v.streamSeq == seq {
					c.ingestEvent(v, ev)
				}
			})
		},
		OnState: func(state types.ConnectionState, err error) {
			c.post(gen, func(v *viewState) {
				if v.streamSeq != seq {
					return
				}
				v.connState = state
				v.connErr = err
			})
		},
	})
}

func (c *Controller) fetchSnapshot(v *viewState) {
	gen, ctx, tc := v.gen, v.ctx, v.tc
	v.pollInFlight = true
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		snap, err := c.deps.Snapshots.FetchSnapshot(ctx, tc)
		c.post(gen, func(v *viewState) {
			v.pollInFlight = false
			c.applyFetch(v, snap, err)
		})
	}()
}

// applyFetch handles the result of the snapshot or of a poll tick. Until a
// snapshot succeeds every tick retries it.
func (c *Controller) applyFetch(v *viewState, snap *types.Snapshot, err error) {
	initial := v.rec.State() == reconciler.StateSnapshotLoading

	if err != nil {
		if initial {
			c.deps.Stats.IncrementError(stats.ErrSnapshot)
			v.snapshotStale = true
		} else {
			c.deps.Stats.IncrementError(stats.ErrPoll)
			v.pollStale = true
		}
		c.log.Warn("status fetch failed",
			slog.String("context", v.tc.String()),
			slog.Bool("snapshot", initial),
			slog.Any("error", err))
		c.schedulePoll(v)
		return
	}

	var res reconciler.IngestResult
	if initial {
		res, err = v.rec.IngestSnapshot(snap)
		v.snapshotStale = false
		v.phase = PhaseTracking
	} else {
		res, err = v.rec.IngestPoll(snap)
		v.pollStale = false
	}
	if err != nil {
		c.log.Error("failed to ingest status", slog.Any("error", err))
		return
	}
	c.afterIngest(v, res)
	c.schedulePoll(v)
}

// shouldPoll: a fleet polls always, a vehicle only while driving or while
// its snapshot is still missing
func (c *Controller) shouldPoll(v *viewState) bool {
	if v.tc.Kind == types.ContextCompany {
		return true
	}
	if v.rec.State() == reconciler.StateSnapshotLoading {
		return true
	}
	s, ok := v.rec.Session(v.tc.ID)
	return ok && s.Active
}

func (c *Controller) schedulePoll(v *viewState) {
	if !c.shouldPoll(v) {
		if v.pollTimer != nil {
			v.pollTimer.Stop()
			v.pollTimer = nil
			c.log.Debug("polling stopped", slog.String("context", v.tc.String()))
		}
		return
	}
	if v.pollTimer != nil || v.pollInFlight {
		return
	}

	interval := c.cfg.PollInterval
	if v.tc.Kind == types.ContextCompany {
		interval = c.cfg.FleetPollInterval
	}
	gen := v.gen
	var timer *time.Timer
	timer = time.AfterFunc(interval, func() {
		c.post(gen, func(v *viewState) {
			// a stopped timer may still have queued its tick
			if v.pollTimer != timer {
				return
			}
			v.pollTimer = nil
			if !c.shouldPoll(v) {
				return
			}
			c.fetchSnapshot(v)
		})
	})
	v.pollTimer = timer
}

func (c *Controller) ingestEvent(v *viewState, ev types.Event) {
	res, err := v.rec.Ingest(ev)
	if err != nil {
		c.log.Debug("event rejected",
			slog.String("vehicle", ev.Vehicle()),
			slog.Any("error", err))
		return
	}
	if res.Duplicates > 0 {
		c.log.Debug("ordering violations dropped",
			slog.String("vehicle", ev.Vehicle()),
			slog.Int("count", res.Duplicates))
	}
	c.afterIngest(v, res)
	c.schedulePoll(v)
}

func (c *Controller) afterIngest(v *viewState, res reconciler.IngestResult) {
	st := c.deps.Stats
	st.AddAccepted(res.Accepted)
	st.AddOrderingViolations(res.Duplicates)
	st.AddMalformed(res.Malformed)
	st.AddSessionsStarted(len(res.Started))
	st.AddSessionsEnded(len(res.Ended))
	st.SetActiveSessions(uint64(v.rec.ActiveSessions()))

	for _, s := range res.Started {
		c.journal(v.tc, s)
	}
	for _, s := range res.Ended {
		c.log.Info("driving session ended",
			slog.String("vehicle", s.VehicleID),
			slog.String("session", s.ID),
			slog.Int("points", s.PointCount))
		c.journal(v.tc, s)
	}

	if res.Changed() {
		c.render(v)
	}
}

func (c *Controller) journal(tc types.TrackingContext, s types.DrivingSession) {
	if c.deps.Journal == nil || s.ID == "" {
		return
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := c.deps.Journal.RecordSession(ctx, tc, s); err != nil {
			c.log.Warn("failed to journal session",
				slog.String("session", s.ID),
				slog.Any("error", err))
		}
	}()
}

// render pushes the reconciler projection to the surface and refreshes the
// address of the latest position
func (c *Controller) render(v *viewState) {
	v.render = v.rec.RenderState()
	c.lookupAddress(v)

	if v.surface == nil {
		return
	}
	ctx, cancel := context.WithTimeout(v.ctx, c.cfg.RenderTimeout)
	defer cancel()

	if err := v.surface.RenderMarkers(ctx, v.render.Markers); err != nil {
		c.log.Warn("failed to render markers", slog.Any("error", err))
	}
	if err := v.surface.RenderPath(ctx, v.render.Path); err != nil {
		c.log.Warn("failed to render path", slog.Any("error", err))
	}
	if v.follow && v.render.Center != nil {
		if err := v.surface.SetCenter(ctx, *v.render.Center); err != nil {
			c.log.Warn("failed to recenter", slog.Any("error", err))
		}
	}
}

// lookupAddress geocodes the latest position. Only the most recently
// issued lookup may set the address.
func (c *Controller) lookupAddress(v *viewState) {
	latest := v.rec.Latest()
	if latest == nil {
		// invalidates any lookup in flight
		v.geoSeq++
		v.geoPos = nil
		v.address = ""
		v.addressUnknown = false
		return
	}
	pos := latest.Coordinate
	if v.geoPos != nil && v.geoPos.Near(pos, geocodeEpsilon) {
		return
	}

	v.geoSeq++
	v.geoPos = &pos
	seq, gen, ctx := v.geoSeq, v.gen, v.ctx
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		addr, err := c.deps.Geocoder.Reverse(ctx, pos)
		c.post(gen, func(v *viewState) {
			if seq != v.geoSeq {
				return
			}
			if err != nil {
				c.deps.Stats.IncrementError(stats.ErrGeocode)
				c.log.Debug("geocode failed", slog.Any("error", err))
				v.address = ""
				v.addressUnknown = true
				return
			}
			v.address = addr
			v.addressUnknown = false
		})
	}()
}
