package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pgmux/pgmux/internal/admin"
	"github.com/pgmux/pgmux/internal/assembler"
	"github.com/pgmux/pgmux/internal/config"
	"github.com/pgmux/pgmux/internal/engine"
	"github.com/pgmux/pgmux/internal/metrics"
	"github.com/pgmux/pgmux/internal/proxy"
)

func main() {
	configPath := flag.String("config", "configs/pgmux.toml", "path to configuration file")
	flag.Parse()

	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Printf("pgmux starting...")

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	log.Printf("Configuration loaded from %s (%d databases)", *configPath, len(cfg.Databases))

	m := metrics.New()
	e := engine.New(cfg, m)

	// resolve prepared transactions a previous run left behind
	if cfg.General.TwoPhaseCommit {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		for _, db := range e.Databases() {
			if err := assembler.RecoverPrepared(ctx, db.Cluster.Primaries(), m); err != nil {
				log.Printf("Warning: prepared transaction recovery for %s: %v", db.Name, err)
			}
		}
		cancel()
	}

	// periodic pool stats into Prometheus
	statsStop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				for _, db := range e.Databases() {
					for _, s := range db.Cluster.Stats() {
						m.UpdatePoolStats(s.Database, s.Shard, s.Role, s.Open, s.InUse, s.Waiters)
					}
				}
			case <-statsStop:
				return
			}
		}
	}()

	proxyServer := proxy.NewServer(e, cfg.General)
	if err := proxyServer.Listen(cfg.General.ListenAddr); err != nil {
		log.Fatalf("Failed to start proxy listener: %v", err)
	}

	adminServer := admin.NewServer(e, m, func() (*config.Config, error) {
		return config.Load(*configPath)
	})
	if err := adminServer.Start(cfg.General.AdminAddr); err != nil {
		log.Fatalf("Failed to start admin server: %v", err)
	}

	// config hot-reload on file change
	configWatcher, err := config.NewWatcher(*configPath, func(newCfg *config.Config) {
		log.Printf("Reloading configuration...")
		e.Reload(newCfg)
	})
	if err != nil {
		log.Printf("Warning: config hot-reload not available: %v", err)
	}

	log.Printf("pgmux ready - proxy:%s admin:%s", cfg.General.ListenAddr, cfg.General.AdminAddr)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Printf("Received signal %s, shutting down...", sig)

	if configWatcher != nil {
		configWatcher.Stop()
	}
	close(statsStop)
	adminServer.Stop()
	proxyServer.Stop()
	e.Close()

	log.Printf("pgmux stopped")
}
