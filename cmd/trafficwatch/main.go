// Command trafficwatch runs the edge traffic monitoring pipeline: radar and
// camera ingest, weather sampling, correlation into consolidated vehicle
// records, durable persistence, and the HTTP/WebSocket query surface.
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/banshee-data/trafficwatch/internal/api"
	"github.com/banshee-data/trafficwatch/internal/broker"
	"github.com/banshee-data/trafficwatch/internal/bus"
	"github.com/banshee-data/trafficwatch/internal/camera"
	"github.com/banshee-data/trafficwatch/internal/config"
	"github.com/banshee-data/trafficwatch/internal/correlator"
	"github.com/banshee-data/trafficwatch/internal/db"
	"github.com/banshee-data/trafficwatch/internal/monitoring"
	"github.com/banshee-data/trafficwatch/internal/persister"
	"github.com/banshee-data/trafficwatch/internal/radar"
	"github.com/banshee-data/trafficwatch/internal/serialmux"
	"github.com/banshee-data/trafficwatch/internal/timeutil"
	"github.com/banshee-data/trafficwatch/internal/weather"
)

var (
	devMode  = flag.Bool("dev", false, "run with a mock serial port fed from the fixtures file")
	fixtures = flag.String("fixtures", "fixtures.txt", "radar fixture file used in dev mode")
)

const shutdownTimeout = 5 * time.Second

// adminMux is what both real and mock serial muxes provide: line fan-out plus
// the debugging routes.
type adminMux interface {
	serialmux.SerialMuxInterface
	AttachAdminRoutes(*http.ServeMux)
}

func main() {
	flag.Parse()

	config.LoadEnvFiles(nil)
	cfg, cfgErr := config.Load()

	logger := monitoring.NewLogger(cfg.LogLevel)
	log := monitoring.NewComponentLogger(logger, "main")

	if cfgErr != nil {
		if cfg.Production {
			log.WithError(cfgErr).Error("refusing to start with invalid configuration")
			os.Exit(2)
		}
		log.WithError(cfgErr).Warn("continuing with defaults for invalid configuration values")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	b, err := bus.New(ctx, cfg.RedisAddr(), monitoring.NewComponentLogger(logger, "bus"))
	if err != nil {
		log.WithError(err).WithField("addr", cfg.RedisAddr()).Error("redis unreachable")
		os.Exit(1)
	}
	defer b.Close()

	// Republish warnings and worse on the system log channel so connected
	// dashboards see them live.
	hook := monitoring.NewBusHook(b, bus.ChannelSystemLog, monitoring.ParseLevel(cfg.LogBroadcastLevel))
	logger.AddHook(hook)
	defer hook.Close()

	store, err := db.Open(cfg.DatabasePath)
	if err != nil {
		log.WithError(err).WithField("path", cfg.DatabasePath).Error("database open failed")
		os.Exit(1)
	}
	defer store.Close()

	var mux adminMux
	if *devMode {
		data, err := os.ReadFile(*fixtures)
		if err != nil {
			log.WithError(err).Error("fixtures file unreadable")
			os.Exit(1)
		}
		mux = serialmux.NewSerialMux(serialmux.NewMockSerialPort(string(data)))
	} else {
		real, err := serialmux.NewRealSerialMux(cfg.RadarPort, serialmux.PortOptions{BaudRate: cfg.RadarBaudRate})
		if err != nil {
			log.WithError(err).WithField("port", cfg.RadarPort).Error("radar serial port open failed")
			os.Exit(1)
		}
		mux = real
	}
	defer mux.Close()

	clock := timeutil.RealClock{}
	ring := camera.NewRing(camera.DefaultRingSize)

	var secondary persister.Secondary
	if cfg.PostgresDSN != "" {
		pg, err := persister.NewPostgresSecondary(ctx, cfg.PostgresDSN)
		if err != nil {
			log.WithError(err).Warn("secondary store unavailable, continuing without it")
		} else {
			secondary = pg
			defer pg.Close()
		}
	}

	hub := broker.NewHub(monitoring.NewComponentLogger(logger, "broker"))

	g, ctx := errgroup.WithContext(ctx)

	radarIngest := radar.NewIngestor(mux, b, monitoring.NewComponentLogger(logger, "radar"), radar.DefaultThresholds(), clock)
	g.Go(func() error { return ignoreCancel(radarIngest.Run(ctx)) })

	cameraIngest := camera.NewIngestor(b, ring, monitoring.NewComponentLogger(logger, "camera"))
	g.Go(func() error { return ignoreCancel(cameraIngest.Run(ctx)) })

	corr := correlator.New(b, ring, monitoring.NewComponentLogger(logger, "correlator"), clock)
	g.Go(func() error { return ignoreCancel(corr.Run(ctx)) })

	pers := persister.New(b, store, secondary, monitoring.NewComponentLogger(logger, "persister"), cfg.RetentionDays, clock)
	g.Go(func() error { return ignoreCancel(pers.Run(ctx)) })
	g.Go(func() error { return ignoreCancel(pers.RunRetention(ctx)) })

	g.Go(func() error { return ignoreCancel(hub.Run(ctx)) })
	bridge := broker.NewBridge(b, hub, monitoring.NewComponentLogger(logger, "bridge"))
	g.Go(func() error { return ignoreCancel(bridge.Run(ctx)) })

	// Local weather is best-effort: a missing GPIO line (dev machines, no
	// sensor wired) disables the sampler but the pipeline still runs.
	weatherLog := monitoring.NewComponentLogger(logger, "weather")
	if line, err := weather.OpenSysfsLine(cfg.DHT22Pin); err != nil {
		weatherLog.WithError(err).WithField("pin", cfg.DHT22Pin).Warn("local weather sensor unavailable")
	} else {
		defer line.Close()
		sensor := weather.NewSensor(weather.NewGPIOPulseReader(line))
		sampler := weather.NewSampler(sensor, b, weatherLog, cfg.DHT22UpdateInterval, clock)
		g.Go(func() error { return ignoreCancel(sampler.Run(ctx)) })
	}

	if cfg.AirportWeatherURL != "" {
		poller := weather.NewAirportPoller(cfg.AirportWeatherURL, nil, b, weatherLog, clock)
		g.Go(func() error { return ignoreCancel(poller.Run(ctx)) })
	}

	httpMux := http.NewServeMux()
	store.AttachAdminRoutes(httpMux)
	mux.AttachAdminRoutes(httpMux)
	apiServer := api.NewServer(b, store, hub, monitoring.NewComponentLogger(logger, "api"))
	httpMux.Handle("/", apiServer.Handler())

	server := &http.Server{
		Addr:    cfg.ListenAddr(),
		Handler: httpMux,
	}
	g.Go(func() error {
		log.WithField("addr", server.Addr).Info("http server listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.WithError(err).Error("pipeline terminated")
		os.Exit(1)
	}
	log.Info("graceful shutdown complete")
}

// ignoreCancel maps context cancellation to a clean exit so shutdown is not
// reported as a failure.
func ignoreCancel(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
