package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"printfarm/internal/app/dispatchsvc"
	"printfarm/internal/app/presencesub"
	"printfarm/internal/app/tracking"
	"printfarm/internal/common/logger"
	"printfarm/internal/config"
)

func main() {
	mode := flag.String("mode", "", "dispatch-service | tracking-service | presence-subscriber")
	cfgPath := flag.String("config", "config.yml", "path to YAML config")
	port := flag.Int("port", 0, "tracking-service: override http port")
	flag.Parse()

	lg := logger.New("bootstrap")
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		lg.Error("config_load_failed", err, map[string]any{"path": *cfgPath})
		os.Exit(1)
	}
	if *port != 0 {
		cfg.HTTP.Port = *port
	}

	switch *mode {
	case "dispatch-service":
		lg.Info("service_started", map[string]any{
			"service": "dispatch-service", "offer_expiry": cfg.Dispatch.OfferExpiry.String(),
		})
		if err := dispatchsvc.Run(ctx, cfg); err != nil {
			lg.Error("fatal", err, nil)
			os.Exit(1)
		}
	case "tracking-service":
		lg.Info("service_started", map[string]any{"service": "tracking-service", "port": cfg.HTTP.Port})
		if err := tracking.Run(ctx, cfg); err != nil {
			lg.Error("fatal", err, nil)
			os.Exit(1)
		}
	case "presence-subscriber":
		lg.Info("service_started", map[string]any{"service": "presence-subscriber"})
		if err := presencesub.Run(ctx, cfg); err != nil {
			lg.Error("fatal", err, nil)
			os.Exit(1)
		}
	default:
		fmt.Fprintln(os.Stderr, "--mode is required: dispatch-service | tracking-service | presence-subscriber")
		os.Exit(2)
	}
}
