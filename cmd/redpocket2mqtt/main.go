package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"redpocket2mqtt/internal/api"
	"redpocket2mqtt/internal/auth"
	"redpocket2mqtt/internal/config"
	"redpocket2mqtt/internal/events"
	"redpocket2mqtt/internal/integration"
	"redpocket2mqtt/internal/mqtt"
	"redpocket2mqtt/internal/platform"
	"redpocket2mqtt/internal/platform/metrics"
	"redpocket2mqtt/internal/platform/sensor"
	"redpocket2mqtt/internal/storage"
	"redpocket2mqtt/internal/updater"
)

// Version is set at build time via -ldflags "-X main.Version=vX.Y.Z"
var Version = "dev"

const (
	mqttRetryInterval = 30 * time.Second
	shutdownTimeout   = 10 * time.Second
)

func main() {
	envFile := flag.String("config", ".env", "Path to the .env configuration file")
	hashPassword := flag.String("hash-password", "", "Print a bcrypt hash for REDPOCKET_API_PASSWORD and exit")
	flag.Parse()

	if *hashPassword != "" {
		hash, err := auth.HashPassword(*hashPassword)
		if err != nil {
			log.Fatalf("Failed to hash password: %v", err)
		}
		fmt.Println(hash)
		return
	}

	logger := log.New(os.Stderr, "", log.LstdFlags)
	logger.Print(integration.StartupMessage(Version))

	cfg, err := config.Load(*envFile)
	if err != nil {
		logger.Fatalf("Failed to load configuration: %v", err)
	}
	logger.Printf("Configuration loaded: %s", cfg)

	store, err := storage.NewBoltStorage(cfg.DBPath())
	if err != nil {
		logger.Fatalf("Failed to open database: %v", err)
	}
	defer store.Close()

	eventStore := events.NewStore(200)

	deps := &platform.Dependencies{
		Config:     cfg,
		EventStore: eventStore,
		Logger:     logger,
		Storage:    store,
		Version:    Version,
	}

	var mqttClient *mqtt.Client
	if cfg.MQTTBroker() != "" {
		mqttClient, err = mqtt.New(mqtt.Config{
			Broker:   cfg.MQTTBroker(),
			ClientID: cfg.MQTTClientID(),
			Username: cfg.MQTTUsername(),
			Password: cfg.MQTTPassword(),
			Prefix:   cfg.MQTTPrefix(),
			UseTLS:   cfg.MQTTUseTLS(),
		}, logger)
		if err != nil {
			logger.Fatalf("Failed to create MQTT client: %v", err)
		}
		deps.MQTTClient = mqttClient
		deps.MQTTPublisher = mqtt.NewPublisher(mqttClient, logger)
		deps.MQTTDiscovery = mqtt.NewDiscoveryManager(mqttClient, logger, store, integration.PlatformSensor)
	} else {
		logger.Printf("[MQTT] No broker configured, sensors are only exposed on the HTTP API")
	}

	registry := platform.NewRegistry()
	registry.SetDependencies(deps)
	for _, p := range []platform.Platform{sensor.New(), metrics.New()} {
		if err := registry.Register(p); err != nil {
			logger.Fatalf("Failed to register platform: %v", err)
		}
	}
	if err := registry.EnsureDefaults(integration.Platforms...); err != nil {
		logger.Fatalf("Failed to store default platforms: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := registry.StartAll(ctx); err != nil {
		logger.Fatalf("Failed to start platforms: %v", err)
	}

	manager := integration.NewManager(integration.ManagerConfig{
		Connect:   integration.RedPocketConnect(cfg.BaseURL()),
		Config:    cfg,
		Storage:   store,
		Events:    eventStore,
		Forwarder: registry,
		Logger:    logger,
	})

	var upd *updater.Updater
	if cfg.UpdatesEnabled() {
		workDir, err := os.Getwd()
		if err != nil {
			logger.Printf("Warning: failed to get working directory: %v", err)
			workDir = "."
		}
		upd, err = updater.New(Version, workDir, updater.Options{
			Repo:      cfg.UpdateRepo(),
			PublicKey: cfg.UpdatePublicKey(),
		})
		if err != nil {
			logger.Printf("Warning: failed to create updater: %v", err)
		}
	} else {
		logger.Printf("Self-update disabled, set %s and %s to enable it", config.EnvUpdateRepo, config.EnvUpdatePublicKey)
	}

	server := api.NewServer(api.ServerConfig{
		Config:     cfg,
		Manager:    manager,
		Platforms:  registry,
		EventStore: eventStore,
		Updater:    upd,
		Logger:     logger,
	})
	defer server.Close()

	httpServer := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	if mqttClient != nil {
		g.Go(func() error {
			connectMQTT(gctx, mqttClient, logger)
			return nil
		})
	}

	g.Go(func() error {
		return manager.Start(gctx)
	})

	g.Go(func() error {
		logger.Printf("redpocket2mqtt %s listening on %s", Version, cfg.Addr())
		if cfg.NoAuth() {
			logger.Printf("WARNING: Authentication is DISABLED!")
		}
		printAccessURLs(cfg.Addr())

		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Printf("Shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Printf("HTTP shutdown: %v", err)
		}
		// Entities go offline while the broker connection is still up
		if err := manager.Stop(shutdownCtx); err != nil {
			logger.Printf("Integration shutdown: %v", err)
		}
		if err := registry.StopAll(shutdownCtx); err != nil {
			logger.Printf("Platform shutdown: %v", err)
		}
		if mqttClient != nil {
			mqttClient.Disconnect()
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Fatalf("%v", err)
	}
}

// connectMQTT connects to the broker, retrying until it succeeds or ctx is done.
// The client reconnects by itself once the first connection is up.
func connectMQTT(ctx context.Context, client *mqtt.Client, logger *log.Logger) {
	for {
		err := client.Connect()
		if err == nil {
			return
		}
		logger.Printf("[MQTT] %v, retrying in %v", err, mqttRetryInterval)

		select {
		case <-ctx.Done():
			return
		case <-time.After(mqttRetryInterval):
		}
	}
}

// getLocalIPs returns all local IPv4 addresses
func getLocalIPs() []string {
	var ips []string

	interfaces, err := net.Interfaces()
	if err != nil {
		return ips
	}

	for _, iface := range interfaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}

		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}

		for _, addr := range addrs {
			var ip net.IP
			switch v := addr.(type) {
			case *net.IPNet:
				ip = v.IP
			case *net.IPAddr:
				ip = v.IP
			}

			if ip == nil || ip.IsLoopback() || ip.To4() == nil {
				continue
			}

			ips = append(ips, ip.String())
		}
	}

	return ips
}

// printAccessURLs prints the API and metrics URLs for each local address
func printAccessURLs(addr string) {
	port := addr
	if idx := strings.LastIndex(port, ":"); idx != -1 {
		port = port[idx+1:]
	}

	ips := getLocalIPs()
	if len(ips) == 0 {
		ips = []string{"localhost"}
	}

	fmt.Println("\nAccess URLs:")
	for _, ip := range ips {
		fmt.Printf("  http://%s:%s/api/lines\n", ip, port)
		fmt.Printf("  http://%s:%s/metrics\n", ip, port)
	}
	fmt.Println()
}
