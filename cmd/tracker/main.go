package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/saviobatista/fleet-tracker/internal/api"
	"github.com/saviobatista/fleet-tracker/internal/config"
	"github.com/saviobatista/fleet-tracker/internal/controller"
	"github.com/saviobatista/fleet-tracker/internal/db"
	"github.com/saviobatista/fleet-tracker/internal/geocode"
	"github.com/saviobatista/fleet-tracker/internal/logger"
	"github.com/saviobatista/fleet-tracker/internal/metrics"
	"github.com/saviobatista/fleet-tracker/internal/recorder"
	"github.com/saviobatista/fleet-tracker/internal/redis"
	"github.com/saviobatista/fleet-tracker/internal/server"
	"github.com/saviobatista/fleet-tracker/internal/stats"
	"github.com/saviobatista/fleet-tracker/internal/stream"
	"github.com/saviobatista/fleet-tracker/internal/types"
)

const (
	clientName      = "fleet-tracker"
	dialTimeout     = 10 * time.Second
	shutdownTimeout = 10 * time.Second
)

// app holds the wired components and the resources to release on exit
type app struct {
	cfg        *config.Config
	log        *slog.Logger
	stats      *stats.Stats
	metrics    *metrics.Metrics
	controller *controller.Controller
	recorder   *recorder.Recorder
	dbClient   *db.Client
	cache      *redis.Client
}

// newTransport builds the push transport selected by cfg
func newTransport(cfg *config.Config) (stream.Transport, error) {
	switch cfg.Transport {
	case config.TransportNATS:
		return &stream.NATSTransport{URL: cfg.NATSURL, Name: clientName, Timeout: dialTimeout}, nil
	case config.TransportWebSocket:
		return &stream.WebSocketTransport{URL: cfg.WSURL}, nil
	case config.TransportMQTT:
		return &stream.MQTTTransport{Broker: cfg.MQTTURL, Username: clientName, Timeout: dialTimeout}, nil
	default:
		return nil, fmt.Errorf("unknown transport %q", cfg.Transport)
	}
}

// initialContext returns the context to mount at startup, if any
func initialContext(cfg *config.Config) (types.TrackingContext, bool) {
	switch {
	case cfg.TrackVehicle != "":
		return types.VehicleContext(cfg.TrackVehicle), true
	case cfg.TrackCompany != "":
		return types.CompanyContext(cfg.TrackCompany), true
	default:
		return types.TrackingContext{}, false
	}
}

// newGeocoder returns the reverse geocoder of cfg. Without a geocoder URL
// every lookup shows the placeholder.
func newGeocoder(cfg *config.Config, cache geocode.AddressCache, log *slog.Logger) geocode.Geocoder {
	if cfg.GeocoderURL == "" {
		return geocode.Unavailable{}
	}
	var g geocode.Geocoder = geocode.NewNominatim(cfg.GeocoderURL)
	if cache != nil {
		g = geocode.NewCached(g, cache, log)
	}
	return g
}

// newApp creates the clients and the controller. Optional backends that
// cannot be reached are logged and left out.
func newApp(ctx context.Context, cfg *config.Config, log *slog.Logger) (*app, error) {
	a := &app{cfg: cfg, log: log, stats: stats.New()}
	a.metrics = metrics.New(a.stats)

	transport, err := newTransport(cfg)
	if err != nil {
		return nil, err
	}

	var journal controller.SessionJournal
	if cfg.DBConnStr != "" {
		dbClient, err := db.New(cfg.DBConnStr)
		if err != nil {
			return nil, fmt.Errorf("failed to create database client: %w", err)
		}
		a.dbClient = dbClient
		a.stats.SetDB(dbClient)
		journal = dbClient
	}

	var cache geocode.AddressCache
	if cfg.GeocoderURL != "" {
		redisClient, err := redis.New(ctx, cfg.RedisAddr)
		if err != nil {
			log.Warn("address cache disabled", slog.Any("error", err))
		} else {
			a.cache = redisClient
			cache = redisClient
		}
	}

	opts := []stream.Option{stream.WithLogger(log), stream.WithStats(a.stats)}
	if cfg.RecordDir != "" {
		a.recorder = recorder.New(cfg.RecordDir, log)
		if err := a.recorder.Start(); err != nil {
			a.close()
			return nil, fmt.Errorf("failed to start recorder: %w", err)
		}
		opts = append(opts, stream.WithTap(a.recorder.Record))
	}

	a.controller = controller.New(controller.Config{
		MountID:           cfg.MapMount,
		DefaultCenter:     types.Coordinate{Lat: cfg.DefaultCenterLat, Lng: cfg.DefaultCenterLng},
		PollInterval:      cfg.PollInterval,
		FleetPollInterval: cfg.FleetPollInterval,
		MaxPathPoints:     cfg.MaxPathPoints,
	}, controller.Deps{
		Stream:    stream.New(transport, stream.StaticToken(cfg.Token), opts...),
		Snapshots: api.NewClient(cfg.APIBaseURL, cfg.Token),
		Geocoder:  newGeocoder(cfg, cache, log),
		Surfaces:  redis.SurfaceLoader(cfg.RedisAddr),
		Journal:   journal,
		Stats:     a.stats,
		Metrics:   a.metrics,
		Log:       log,
	})
	return a, nil
}

// run serves until ctx is done
func (a *app) run(ctx context.Context) error {
	loopCtx, stopLoop := context.WithCancel(context.Background())
	defer stopLoop()

	loopDone := make(chan error, 1)
	go func() { loopDone <- a.controller.Run(loopCtx) }()

	var wg sync.WaitGroup
	defer wg.Wait()
	if a.dbClient != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a.stats.StartPersistence(loopCtx, a.cfg.StatsInterval, a.log)
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		a.logStats(loopCtx)
	}()

	if tc, ok := initialContext(a.cfg); ok {
		if err := a.controller.Mount(ctx, tc); err != nil {
			a.log.Error("failed to mount initial context", slog.String("context", tc.String()), slog.Any("error", err))
		} else {
			a.log.Info("tracking", slog.String("context", tc.String()))
		}
	}

	var srv *http.Server
	serveErr := make(chan error, 1)
	if a.cfg.HTTPAddr != "" {
		handler := server.NewHandler(a.controller, a.log, a.metrics)
		srv = &http.Server{Addr: a.cfg.HTTPAddr, Handler: handler.Router(), ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				serveErr <- err
			}
		}()
		a.log.Info("control API listening", slog.String("addr", a.cfg.HTTPAddr))
	}

	var err error
	select {
	case <-ctx.Done():
		a.log.Info("shutting down")
	case err = <-serveErr:
		err = fmt.Errorf("control API failed: %w", err)
	}

	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		if shutdownErr := srv.Shutdown(shutdownCtx); shutdownErr != nil {
			a.log.Warn("control API shutdown", slog.Any("error", shutdownErr))
		}
		cancel()
	}

	stopLoop()
	if loopErr := <-loopDone; loopErr != nil && err == nil {
		err = loopErr
	}
	return err
}

func (a *app) logStats(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.StatsInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.log.Info("statistics", slog.String("stats", a.stats.String()))
		}
	}
}

// close releases every resource; it is safe on a partially built app
func (a *app) close() {
	if a.recorder != nil {
		if err := a.recorder.Stop(); err != nil {
			a.log.Warn("error closing recorder", slog.Any("error", err))
		}
	}
	if a.dbClient != nil {
		if err := a.dbClient.Close(); err != nil {
			a.log.Warn("error closing database", slog.Any("error", err))
		}
	}
	if a.cache != nil {
		if err := a.cache.Close(); err != nil {
			a.log.Warn("error closing redis", slog.Any("error", err))
		}
	}
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	log := logger.New(cfg.LogLevel, cfg.LogFormat)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, log)
	if err != nil {
		log.Error("failed to start", slog.Any("error", err))
		os.Exit(1)
	}

	err = a.run(ctx)
	a.close()
	if err != nil {
		log.Error("tracker stopped", slog.Any("error", err))
		os.Exit(1)
	}
	log.Info("tracker stopped")
}
