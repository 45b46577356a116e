// Command parkgate runs a single park node, gate or visitor, configured from
// a .env file and PARK_* environment variables.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/VanDung-dev/ParkGate-Engine/api"
	"github.com/VanDung-dev/ParkGate-Engine/config"
	"github.com/VanDung-dev/ParkGate-Engine/node"
	"github.com/VanDung-dev/ParkGate-Engine/repository"
)

func main() {
	envFile := flag.String("env", "", "Path to a .env file")
	flag.Parse()

	cfg, err := config.Load(*envFile)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	rc := node.DefaultConfig()
	rc.DialTimeout = cfg.DialTimeout
	rc.ControlEndpoint = cfg.Control
	rc.ControlToken = cfg.ControlToken
	rc.HealthAddress = cfg.Health
	rc.TracePath = cfg.TracePath

	var metricsServer *api.MetricsServer
	if cfg.Metrics != "" {
		rc.Metrics = api.NewMetrics("park")
		metricsServer = api.NewMetricsServer(cfg.Metrics, rc.Metrics.Registry)
		if err := metricsServer.StartAsync(); err != nil {
			log.Fatalf("Failed to start metrics server: %v", err)
		}
		log.Printf("Metrics available on http://%s/metrics", metricsServer.Addr())
	}

	var rt *node.Runtime
	switch cfg.Role {
	case config.RoleGate:
		rt = node.NewGate(cfg.Identity(), cfg.Neighbours, repository.New(cfg.StatePath), rc)
	case config.RoleVisitor:
		rt = node.NewVisitor(cfg.Identity(), rc)
	}

	log.Printf("Starting %s %s (api v%s)...", cfg.Role, cfg.Identity(), api.Version)
	if err := rt.Start(context.Background()); err != nil {
		log.Fatalf("Failed to start node: %v", err)
	}
	if endpoint := rt.ControlEndpoint(); endpoint != "" {
		log.Printf("Control endpoint: %s", endpoint)
	}

	// Wait for interrupt signal or a terminate command
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-quit:
		log.Println("Shutting down node...")
		err = rt.Stop()
	case <-rt.Done():
		err = rt.Wait()
	}

	if metricsServer != nil {
		metricsServer.Stop()
	}
	if err != nil {
		log.Fatalf("Node stopped with error: %v", err)
	}
	log.Println("Node stopped.")
}
