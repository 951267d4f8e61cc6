package main

import (
	"context"
	"flag"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/nm-morais/waterme/configs"
	"github.com/nm-morais/waterme/pkg/client"
	"github.com/nm-morais/waterme/pkg/logs"
	"github.com/nm-morais/waterme/pkg/status"
	"github.com/nm-morais/waterme/pkg/stream"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "c", "", "config file (defaults to $WATERME_CONFIG)")
	flag.Parse()

	logger := logs.NewLogger("waterme")
	cfg, err := configs.Load(configPath)
	if err != nil {
		logger.Fatalf("Failed to load configuration: %v", err)
	}
	if err := logs.Configure(cfg.Logging); err != nil {
		logger.Fatalf("Failed to configure logging: %v", err)
	}
	logger = logs.NewLogger("waterme")

	display := cfg.Display
	var src client.Source
	switch display.Transport {
	case configs.TransportHTTP:
		src = client.NewHTTPClient(display.Host, display.Port, &http.Client{Timeout: display.HTTPTimeout.D()})
	case configs.TransportTCP, configs.TransportUDP:
		dial := stream.NewUDPDialer()
		if display.Transport == configs.TransportTCP {
			// a dial that outlives the exchange timeout would stall the poller
			dial = stream.NewTCPDialer(display.Timeout.D())
		}
		c, err := client.New(display.ClientConf(), dial)
		if err != nil {
			logger.Fatalf("Failed to create client: %v", err)
		}
		defer c.Close()
		src = c
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	poller := client.NewPoller(src, display.PollerConf())
	go poller.Run(ctx)

	watering := status.NewWateringDetector()
	var last client.Snapshot
	logger.Infof("Polling sensor at %s:%d over %s", display.Host, display.Port, display.Transport)
	for {
		select {
		case <-ctx.Done():
			logger.Info("Shutting down")
			return
		case snap := <-poller.Updates():
			if snap.Valid && snap.UpdatedAt != last.UpdatedAt {
				logger.Debugf("Moisture %d%%, temperature %dF", snap.Reading.Moisture, snap.Reading.Temperature)
				if watering.Observe(snap.Reading.Moisture) {
					logger.Infof("Watered at %s", watering.LastWatered().Format(time.Kitchen))
				}
			}
			if snap.Advisory != last.Advisory {
				if snap.Advisory != "" {
					logger.Warn(snap.Advisory)
				} else {
					logger.Info("Sensor back online")
				}
			}
			last = snap
		}
	}
}
