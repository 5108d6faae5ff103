// Command photonrund is the runtime daemon: it loads driver descriptors,
// starts the device registry, telemetry hub, and control surface, serves
// a Prometheus /metrics endpoint, and drives an orderly shutdown on
// SIGINT/SIGTERM. Grounded on the go-flags + logrus + os/signal shape of
// estuary-flow's flow-ingester main; the teacher's own main.go is
// firmware-specific (bus/shmring/PWM wiring) and has no equivalent here.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/davecgh/go-spew/spew"
	"github.com/jessevdk/go-flags"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	"github.com/labrun/photonrun/internal/control"
	"github.com/labrun/photonrun/internal/device"
	"github.com/labrun/photonrun/internal/driver"
	"github.com/labrun/photonrun/internal/engine"
	"github.com/labrun/photonrun/internal/registry"
	"github.com/labrun/photonrun/internal/telemetry"
	"github.com/labrun/photonrun/internal/types"
)

type cliOptions struct {
	ConfigPath string `long:"config" default:"photonrund.toml" description:"path to the daemon config TOML file"`
	Listen     string `long:"listen" description:"override the daemon config's metrics listen address"`
	LogLevel   string `long:"log-level" default:"info" description:"logrus level: debug, info, warn, error"`
}

// daemonConfig is the [daemon] + [[devices]] shape of the config file
// loaded by main, distinct from a per-kind driver.Descriptor.
type daemonConfig struct {
	DescriptorsDir    string
	Listen            string
	ShutdownTimeoutMS int
	EventTimeoutMS    int
	UnstageTimeoutMS  int
	TelemetryQueueLen int
	Devices           []deviceConfig
}

type deviceConfig struct {
	ID   string
	Kind string
}

func loadDaemonConfig(path string) (daemonConfig, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("toml")
	v.SetDefault("daemon.listen", ":9292")
	v.SetDefault("daemon.shutdown_timeout_ms", 5000)
	v.SetDefault("daemon.event_timeout_ms", 10000)
	v.SetDefault("daemon.unstage_timeout_ms", 2000)
	v.SetDefault("daemon.telemetry_queue_len", 64)
	if err := v.ReadInConfig(); err != nil {
		return daemonConfig{}, err
	}

	var devices []deviceConfig
	raw, _ := v.Get("devices").([]any)
	for _, item := range raw {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		devices = append(devices, deviceConfig{
			ID:   stringField(m, "id"),
			Kind: stringField(m, "kind"),
		})
	}

	return daemonConfig{
		DescriptorsDir:    v.GetString("daemon.descriptors_dir"),
		Listen:            v.GetString("daemon.listen"),
		ShutdownTimeoutMS: v.GetInt("daemon.shutdown_timeout_ms"),
		EventTimeoutMS:    v.GetInt("daemon.event_timeout_ms"),
		UnstageTimeoutMS:  v.GetInt("daemon.unstage_timeout_ms"),
		TelemetryQueueLen: v.GetInt("daemon.telemetry_queue_len"),
		Devices:           devices,
	}, nil
}

func stringField(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}

// loadDescriptors walks dir for *.toml files, loading and validating one
// driver.Descriptor per file (the descriptor kind is the file's base
// name without extension) and registering a driver.Builder for each.
func loadDescriptors(dir string) ([]*driver.Descriptor, error) {
	if dir == "" {
		return nil, nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	var descriptors []*driver.Descriptor
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".toml") {
			continue
		}
		kind := strings.TrimSuffix(entry.Name(), ".toml")
		d, err := driver.Load(kind, filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, err
		}
		if err := driver.Validate(d); err != nil {
			return nil, err
		}
		registry.RegisterBuilder(kind, driver.NewBuilder(d, driver.StubDialer))
		descriptors = append(descriptors, d)
		log.WithField("kind", kind).Debug("descriptor loaded:\n" + spew.Sdump(d))
	}
	return descriptors, nil
}

func configureLogging(level string) {
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	lvl, err := log.ParseLevel(level)
	if err != nil {
		log.WithField("log_level", level).Warn("unrecognized log level, defaulting to info")
		lvl = log.InfoLevel
	}
	log.SetLevel(lvl)
}

func run() error {
	var opts cliOptions
	if _, err := flags.Parse(&opts); err != nil {
		return err
	}
	configureLogging(opts.LogLevel)

	cfg, err := loadDaemonConfig(opts.ConfigPath)
	if err != nil {
		return err
	}
	if opts.Listen != "" {
		cfg.Listen = opts.Listen
	}

	descriptors, err := loadDescriptors(cfg.DescriptorsDir)
	if err != nil {
		return err
	}
	log.WithField("count", len(descriptors)).Info("loaded driver descriptors")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reg := registry.New(ctx)
	hub := telemetry.NewHub(cfg.TelemetryQueueLen)
	collectors := append(hub.Collectors(), device.Collectors()...)
	collectors = append(collectors, engine.Collectors()...)
	for _, c := range collectors {
		if err := prometheus.Register(c); err != nil {
			log.WithError(err).Warn("telemetry collector registration failed")
		}
	}

	surface := control.New(ctx, reg, hub, engine.Config{
		EventTimeout:   time.Duration(cfg.EventTimeoutMS) * time.Millisecond,
		UnstageTimeout: time.Duration(cfg.UnstageTimeoutMS) * time.Millisecond,
	})

	var registeredIDs []types.DeviceID
	for _, dc := range cfg.Devices {
		id := types.DeviceID(dc.ID)
		if err := surface.RegisterDevice(ctx, registry.Request{ID: id, Kind: dc.Kind}); err != nil {
			log.WithFields(log.Fields{"device_id": dc.ID, "kind": dc.Kind}).WithError(err).Error("device registration failed")
			continue
		}
		registeredIDs = append(registeredIDs, id)
		log.WithFields(log.Fields{"device_id": dc.ID, "kind": dc.Kind}).Info("device registered")
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	httpServer := &http.Server{Addr: cfg.Listen, Handler: mux}

	serveErr := make(chan error, 1)
	go func() {
		log.WithField("listen", cfg.Listen).Info("serving metrics")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serveErr <- err
		}
	}()

	signalCh := make(chan os.Signal, 1)
	signal.Notify(signalCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-signalCh:
		log.WithField("signal", sig.String()).Info("caught signal, shutting down")
	case err := <-serveErr:
		log.WithError(err).Error("metrics server failed")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), time.Duration(cfg.ShutdownTimeoutMS)*time.Millisecond)
	defer shutdownCancel()

	_ = httpServer.Shutdown(shutdownCtx)

	for _, id := range registeredIDs {
		if err := surface.UnregisterDevice(shutdownCtx, id); err != nil {
			log.WithField("device_id", id).WithError(err).Warn("device unregister failed during shutdown")
		}
	}

	log.Info("shutdown complete")
	return nil
}

func main() {
	if err := run(); err != nil {
		log.WithError(err).Fatal("photonrund exited with error")
	}
}
