package main

import (
	"context"
	"flag"
	"log"
	"os/signal"
	"syscall"

	"multiraft/internal/config"
	"multiraft/internal/node"
)

func main() {
	configPath := flag.String("config", "", "Path to the YAML configuration of the node")
	dump := flag.String("write-default", "", "Write the default configuration to this path and exit")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	if *dump != "" {
		if err := config.Default().Save(*dump); err != nil {
			log.Fatalf("Failed to write default config: %v", err)
		}
		log.Printf("Default configuration written to %s", *dump)
		return
	}

	cfg := config.Default()
	if *configPath != "" {
		var err error
		if cfg, err = config.Load(*configPath); err != nil {
			log.Fatalf("Failed to load config: %v", err)
		}
	} else {
		log.Printf("No config given, running a standalone node with id %s", cfg.ID)
	}
	if *debug {
		cfg.Debug = true
	}

	n, err := node.New(cfg)
	if err != nil {
		log.Fatalf("Failed to create node: %v", err)
	}
	if err := n.Start(); err != nil {
		_ = n.Stop()
		log.Fatalf("Failed to start node: %v", err)
	}

	signalCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	select {
	case <-signalCtx.Done():
		log.Println("Shutting down...")
	case err := <-n.Served():
		log.Printf("Server stopped serving: %v", err)
	}

	if err := n.Stop(); err != nil {
		log.Fatalf("Shutdown failed: %v", err)
	}
	log.Println("Node stopped")
}
