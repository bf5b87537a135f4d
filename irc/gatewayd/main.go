package main

import (
	"context"
	"crypto/tls"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/joho/godotenv/autoload"

	"github.com/kvitebjorn/irc2me/irc"
	"github.com/kvitebjorn/irc2me/irc/admind"
	"github.com/kvitebjorn/irc2me/irc/config"
	"github.com/kvitebjorn/irc2me/irc/gateway"
	"github.com/kvitebjorn/irc2me/irc/store"
)

func main() {
	// Define command-line flags
	configPath := flag.String("config", "", "Configuration file (yaml, toml or json)")
	adminAddr := flag.String("admin", "", "Admin HTTP server bind address (overrides config)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	log.Printf("Starting irc2me gateway with the following configuration:")
	log.Printf("Database: %s %s", cfg.Database.Driver, cfg.Database.DSN)
	log.Printf("Refresh interval: %ds", cfg.Gateway.RefreshInterval)
	log.Printf("Admin enabled: %v", cfg.Admin.Enabled)

	db, err := store.Open(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		log.Fatalf("Failed to open store: %v", err)
	}

	var proxyCfg *irc.ProxyConfig
	if cfg.Proxy.Type != "" {
		proxyCfg = &irc.ProxyConfig{
			Type:     cfg.Proxy.Type,
			Address:  cfg.Proxy.Address,
			Username: cfg.Proxy.Username,
			Password: cfg.Proxy.Password,
		}
	}

	supervisor := gateway.New(gateway.Options{
		Store:            db,
		TLSConfig:        &tls.Config{InsecureSkipVerify: cfg.TLS.InsecureSkipVerify},
		Proxy:            proxyCfg,
		DialTimeout:      time.Duration(cfg.Gateway.DialTimeout) * time.Second,
		PingInterval:     time.Duration(cfg.Gateway.PingInterval) * time.Second,
		SubscriberBuffer: cfg.Gateway.SubscriberBuffer,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var admin *admind.Server
	if cfg.Admin.Enabled {
		addr := cfg.GetAdminListenAddress()
		if *adminAddr != "" {
			addr = *adminAddr
		}
		admin = admind.New(supervisor)
		go func() {
			log.Printf("Admin server listening on %s", addr)
			if err := admin.Start(addr); err != nil {
				log.Printf("Admin server stopped: %v", err)
			}
		}()
	}

	go func() {
		err := supervisor.Run(ctx, time.Duration(cfg.Gateway.RefreshInterval)*time.Second)
		if err != nil && err != context.Canceled {
			log.Printf("Supervisor stopped: %v", err)
		}
	}()

	// Wait for a signal to shut down
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	log.Printf("Received signal %v, shutting down...", sig)

	cancel()

	reason := "gateway shutting down"
	supervisor.StopAll(&reason)

	if admin != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := admin.Shutdown(shutdownCtx); err != nil {
			log.Printf("Admin server shutdown: %v", err)
		}
	}

	log.Println("Gateway stopped.")
}
