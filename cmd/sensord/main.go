package main

import (
	"context"
	stderrors "errors"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nm-morais/waterme/configs"
	"github.com/nm-morais/waterme/pkg/errors"
	"github.com/nm-morais/waterme/pkg/logs"
	"github.com/nm-morais/waterme/pkg/radio"
	"github.com/nm-morais/waterme/pkg/sensor"
	"github.com/nm-morais/waterme/pkg/server"
	"github.com/reef-pi/rpi/i2c"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "c", "", "config file (defaults to $WATERME_CONFIG)")
	flag.Parse()

	logger := logs.NewLogger("sensord")
	cfg, err := configs.Load(configPath)
	if err != nil {
		logger.Fatalf("Failed to load configuration: %v", err)
	}
	if err := logs.Configure(cfg.Logging); err != nil {
		logger.Fatalf("Failed to configure logging: %v", err)
	}
	logger = logs.NewLogger("sensord")

	creds, err := configs.LoadCredentials(cfg.Sensor.Settings)
	if err != nil {
		logger.Fatalf("Failed to load credentials: %v", err)
	}
	if creds.I2CAddress != 0 {
		cfg.Sensor.I2CAddress = creds.I2CAddress
	}

	var reader sensor.Reader
	if cfg.Sensor.Simulated {
		logger.Info("Using simulated sensor")
		reader = sensor.NewSimulated(120 * time.Millisecond)
	} else {
		bus, err := i2c.New()
		if err != nil {
			logger.Fatalf("Failed to open i2c bus: %v", err)
		}
		defer bus.Close()
		logger.Infof("Using soil sensor at %#x", cfg.Sensor.I2CAddress)
		reader = sensor.NewSeesaw(bus, byte(cfg.Sensor.I2CAddress), cfg.Sensor.Samples)
	}

	srv, err := server.New(cfg.Sensor.ServerConf(), reader, radio.NewHost(cfg.Sensor.RadioConf()), creds.Radio())
	if err != nil {
		logger.Fatalf("Failed to create server: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := srv.ServeForever(ctx); err != nil {
		var e errors.Error
		if stderrors.As(err, &e) {
			e.Log()
		} else {
			logger.Errorf("Sensor server stopped: %v", err)
		}
		if errors.Is(err, errors.CodeSensor) {
			logger.Error("Sensor is not answering, exiting so the device restarts")
		}
		// coarsest recovery tier: let the supervisor restart the device
		time.Sleep(time.Second)
		stop()
		os.Exit(1)
	}
	stats := srv.Stats()
	logger.Infof("Stopped after serving %d requests (%d resets, %d recoveries)", stats.Served, stats.Resets, stats.Recoveries)
}
