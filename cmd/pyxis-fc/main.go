package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"pyxis-fc/internal/config"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "./pyxis.yaml", "Path to YAML config")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("config load failed: %v", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	rt, err := newRuntime(cfg)
	if err != nil {
		log.Fatalf("init failed: %v", err)
	}
	defer rt.Close()

	log.Printf("pyxis-fc starting")
	log.Printf("loop period=%s udp=%v serial=%v pyro=%v blackbox=%v web=%v sim=%v",
		cfg.Loop.Period, cfg.Link.UDP.Enable, cfg.Link.Serial.Enable,
		cfg.Pyro.Enable, cfg.Blackbox.Enable, cfg.Web.Enable, cfg.Sim.Enable)

	if err := rt.Run(ctx); err != nil && ctx.Err() == nil {
		log.Fatalf("runtime stopped: %v", err)
	}

	log.Printf("pyxis-fc stopping")
	rt.LogSummary()
}
