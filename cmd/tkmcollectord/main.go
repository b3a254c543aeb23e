// Command tkmcollectord is the collector daemon: it loads configuration,
// opens the database, restores known devices, and serves control clients
// until it receives a shutdown request or signal.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	flags "github.com/jessevdk/go-flags"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/anpopa/tkmcollector/internal/config"
	"github.com/anpopa/tkmcollector/internal/db"
	"github.com/anpopa/tkmcollector/internal/device"
	"github.com/anpopa/tkmcollector/internal/dispatcher"
	"github.com/anpopa/tkmcollector/internal/eventloop"
	"github.com/anpopa/tkmcollector/internal/logging"
	"github.com/anpopa/tkmcollector/internal/metrics"
	"github.com/anpopa/tkmcollector/internal/model"

	"github.com/anpopa/tkmcollector/internal/control"
)

type logConfig struct {
	Level string `long:"level" optional:"true" default:"info" description:"log level: debug, info, warn, error"`
}

type metricsConfig struct {
	Address string `long:"address" optional:"true" default:"" description:"if set, serve Prometheus metrics on this address (e.g. :9090)"`
}

type watchdogConfig struct {
	Interval time.Duration `long:"interval" optional:"true" default:"0s" description:"if nonzero, emit a liveness heartbeat every interval/2"`
}

type cliArgs struct {
	Config   string         `short:"c" long:"config" optional:"true" description:"path to a YAML configuration file"`
	Log      logConfig      `group:"Logging" namespace:"log"`
	Metrics  metricsConfig  `group:"Metrics" namespace:"metrics"`
	Watchdog watchdogConfig `group:"Watchdog" namespace:"watchdog"`
}

func main() {
	os.Exit(run())
}

func run() int {
	var opts cliArgs
	parser := flags.NewParser(&opts, flags.Default)
	if _, err := parser.Parse(); err != nil {
		if flagsErr, ok := err.(*flags.Error); ok && flagsErr.Type == flags.ErrHelp {
			return 0
		}
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	level, err := logrus.ParseLevel(opts.Log.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	logging.Configure(level)
	log := logging.New("main")

	cfg, err := config.Load(opts.Config)
	if err != nil {
		log.WithError(err).Error("failed to load configuration")
		return 1
	}
	if err := os.MkdirAll(cfg.RuntimeDirectory, 0o755); err != nil {
		log.WithError(err).Error("runtime directory unavailable")
		return 1
	}
	cfg.ControlSocket = filepath.Join(cfg.RuntimeDirectory, cfg.ControlSocket)

	loop := eventloop.New()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// The event loop must already be pumping before anything blocks on
	// an AsyncQueue Enqueue+reply, including the synchronous bootstrap
	// sequence below: a queue's producer goroutine sends on an
	// unbuffered ready channel that only Loop.runOnce ever receives
	// from.
	loopDone := make(chan struct{})
	go func() {
		loop.Run(ctx)
		close(loopDone)
	}()

	dbWorker, err := db.New(loop, cfg)
	if err != nil {
		log.WithError(err).Error("failed to open database")
		return 1
	}

	if what, reason := bootstrapDatabase(dbWorker); what != model.StatusOK {
		log.WithField("reason", reason).Error("database bootstrap failed")
		return 1
	}

	devices, err := dbWorker.LoadDevices()
	if err != nil {
		log.WithError(err).Error("failed to load known devices")
		return 1
	}

	manager := device.NewManager()
	for _, d := range devices {
		manager.Add(device.New(loop, dbWorker, d))
	}
	log.WithField("count", len(devices)).Info("restored known devices")

	if opts.Metrics.Address != "" {
		serveMetrics(opts.Metrics.Address, log)
	}

	if opts.Watchdog.Interval > 0 {
		eventloop.NewTimer(loop, "watchdog", eventloop.Low, opts.Watchdog.Interval/2, func() {
			metrics.WatchdogHeartbeatsTotal.Inc()
		})
	}

	disp := dispatcher.New(loop, nil, manager, dbWorker, func() {
		loop.Stop()
	})
	server := control.NewServer(cfg.ControlSocket, disp.Enqueue)
	disp.SetSink(server)

	stopServe := make(chan struct{})
	serveErrCh := make(chan error, 1)
	go func() { serveErrCh <- server.Serve(stopServe) }()

	signalCh := make(chan os.Signal, 1)
	signal.Notify(signalCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case sig := <-signalCh:
			log.WithField("signal", sig).Info("caught signal, shutting down")
			loop.Stop()
		case <-ctx.Done():
		}
	}()

	log.WithField("socket", cfg.ControlSocket).Info("serving control clients")
	select {
	case <-loopDone:
	case err := <-serveErrCh:
		log.WithError(err).Error("control server failed to start")
		loop.Stop()
		<-loopDone
		return 1
	}

	close(stopServe)
	<-serveErrCh

	log.Info("goodbye")
	return 0
}

// serveMetrics starts a best-effort background HTTP server exposing the
// private metrics registry; a bind failure is logged, not fatal, since
// metrics scraping is observability, not correctness (see SPEC_FULL.md's
// watchdog note: absence never affects correctness).
func serveMetrics(address string, log *logrus.Entry) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))
	go func() {
		if err := http.ListenAndServe(address, mux); err != nil {
			log.WithError(err).Warn("metrics server stopped")
		}
	}()
}

// bootstrapDatabase makes sure the schema exists before anything else
// touches the database worker. InitDatabase's CREATE TABLE IF NOT EXISTS
// statements make this safe to run unconditionally on every startup,
// fresh install or not.
func bootstrapDatabase(w *db.Worker) (model.StatusWhat, string) {
	done := make(chan struct{})
	var what model.StatusWhat
	var reason string
	w.Enqueue(model.NewDatabaseRequest(0, "", model.ActionInitDatabase, "", "", map[string]string{"Forced": "false"}, nil), func(w2 model.StatusWhat, r2 string) {
		what, reason = w2, r2
		close(done)
	})
	<-done
	if what != model.StatusOK {
		return what, reason
	}
	return cleanDanglingSessions(w)
}

func cleanDanglingSessions(w *db.Worker) (model.StatusWhat, string) {
	done := make(chan struct{})
	var what model.StatusWhat
	var reason string
	w.Enqueue(model.NewDatabaseRequest(0, "", model.ActionCleanSessions, "", "", nil, nil), func(w2 model.StatusWhat, r2 string) {
		what, reason = w2, r2
		close(done)
	})
	<-done
	return what, reason
}
