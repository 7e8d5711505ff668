package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/cortexuvula/etagchat/internal/api"
	"github.com/cortexuvula/etagchat/internal/chat"
	"github.com/cortexuvula/etagchat/internal/config"
	"github.com/cortexuvula/etagchat/internal/enrich"
	"github.com/cortexuvula/etagchat/internal/health"
	"github.com/cortexuvula/etagchat/internal/logging"
	"github.com/cortexuvula/etagchat/internal/metrics"
	"github.com/cortexuvula/etagchat/internal/security"
)

// Build-time variables set via ldflags.
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "etagchat",
		Short: "Polling chat server with ETag caching and a WebSocket broadcast channel",
	}

	var configPath string
	var verbose bool

	serveCmd := &cobra.Command{
		Use:     "serve",
		Aliases: []string{"start"},
		Short:   "Start the chat server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(configPath, verbose)
		},
	}
	serveCmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to config file")
	serveCmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Show version and build info",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("etagchat %s\n", Version)
			fmt.Printf("  Build time: %s\n", BuildTime)
			fmt.Printf("  Git commit: %s\n", GitCommit)
		},
	}

	validateCmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate config without starting",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("config validation failed: %w", err)
			}
			fmt.Printf("Configuration is valid.\n")
			fmt.Printf("  Listen: %s\n", cfg.Server.ListenAddress)
			fmt.Printf("  Default room: %s\n", cfg.Chat.DefaultRoom)
			fmt.Printf("  Health: %s\n", cfg.Health.ListenAddress)
			fmt.Printf("  Embeds: %v\n", cfg.Enrich.EmbedEnabled)
			return nil
		},
	}
	validateCmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to config file")

	healthCmd := &cobra.Command{
		Use:   "health",
		Short: "Check health (exit 0 if healthy, 1 if not)",
		RunE: func(cmd *cobra.Command, args []string) error {
			url, _ := cmd.Flags().GetString("url")
			return checkHealth(url)
		},
	}
	healthCmd.Flags().String("url", "http://127.0.0.1:3001/health", "Health endpoint URL")

	systemdCmd := &cobra.Command{
		Use:   "systemd",
		Short: "Generate systemd service file",
		RunE: func(cmd *cobra.Command, args []string) error {
			printFlag, _ := cmd.Flags().GetBool("print")
			if printFlag {
				printSystemdUnit()
			}
			return nil
		},
	}
	systemdCmd.Flags().Bool("print", false, "Print systemd unit to stdout")

	rootCmd.AddCommand(serveCmd, versionCmd, validateCmd, healthCmd, systemdCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runServer(configPath string, verbose bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	if verbose {
		cfg.Logging.Level = "debug"
	}

	logger := logging.Setup(cfg.Logging)
	defer logger.Close()

	slog.Info("starting etagchat",
		"version", Version,
		"listen", cfg.Server.ListenAddress,
		"health", cfg.Health.ListenAddress,
		"default_room", cfg.Chat.DefaultRoom,
	)

	// Optional Prometheus metrics
	var m *metrics.Metrics
	if cfg.Monitoring.MetricsEnabled {
		m = metrics.New(prometheus.DefaultRegisterer)
		slog.Info("prometheus metrics enabled", "endpoint", cfg.Monitoring.MetricsEndpoint)
	}

	store := chat.NewStore()

	// Engine takes a nil interface when embeds are disabled.
	var embeds chat.EmbedQueue
	if cfg.Enrich.EmbedEnabled {
		upgrader := enrich.NewUpgrader(store, enrich.Options{
			Workers:   cfg.Enrich.Workers,
			QueueSize: cfg.Enrich.QueueSize,
			Timeout:   cfg.Enrich.ProbeTimeout,
			OnResult: func(result string) {
				if m != nil {
					m.EmbedProbesTotal.WithLabelValues(result).Inc()
				}
			},
		})
		defer upgrader.Close()
		embeds = upgrader
		slog.Info("embed upgrades enabled", "workers", cfg.Enrich.Workers, "queue_size", cfg.Enrich.QueueSize)
	}

	engine := chat.NewEngine(store, cfg.Chat.DefaultRoom, embeds)

	hub := chat.NewHub(cfg.Chat.SendQueueSize, cfg.Chat.WriteTimeout)
	if m != nil {
		hub.OnDrop(m.DroppedFramesTotal.Inc)
	}

	handler := api.NewHandler(cfg, engine, hub)
	handler.Metrics = m

	// Limiters always exist so a reload can switch rate limiting on or off.
	rl := cfg.Security.RateLimit
	postLimiter := security.NewRateLimiter(security.PerMinute(rl.PostsPerMinute), rl.PostsPerMinute)
	defer postLimiter.Stop()
	connLimiter := security.NewRateLimiter(security.PerMinute(rl.ConnectionsPerMinute), rl.ConnectionsPerMinute)
	defer connLimiter.Stop()
	handler.PostLimiter = postLimiter
	handler.ConnLimiter = connLimiter
	if rl.Enabled {
		slog.Info("rate limiting enabled",
			"posts_per_minute", rl.PostsPerMinute,
			"connections_per_minute", rl.ConnectionsPerMinute,
			"messages_per_second", rl.MessagesPerSecond,
		)
	}
	if cfg.Server.TrustProxyHeaders {
		slog.Info("client addresses taken from proxy headers")
	}

	chatServer := &http.Server{
		Handler:      handler.Router(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// Bind before reporting ready so address conflicts fail startup.
	chatLn, err := net.Listen("tcp", cfg.Server.ListenAddress)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", cfg.Server.ListenAddress, err)
	}

	// Health server (listens on 127.0.0.1:3001)
	var healthServer *http.Server
	var healthHandler *health.Handler
	var healthLn net.Listener
	if cfg.Health.Enabled {
		healthHandler = health.NewHandler(store, hub, Version)
		if m != nil {
			healthHandler.SetMetrics(m)
		}
		healthMux := http.NewServeMux()
		healthMux.Handle(cfg.Health.Endpoint, healthHandler)
		if recent := logger.Recent(); recent != nil && cfg.Health.LogsEndpoint != "" {
			healthMux.Handle(cfg.Health.LogsEndpoint, health.NewLogsHandler(recent))
		}

		// Metrics endpoint on health listener
		if cfg.Monitoring.MetricsEnabled {
			healthMux.Handle(cfg.Monitoring.MetricsEndpoint, promhttp.Handler())
		}

		healthServer = &http.Server{Handler: healthMux}
		healthLn, err = net.Listen("tcp", cfg.Health.ListenAddress)
		if err != nil {
			chatLn.Close()
			return fmt.Errorf("listening on %s: %w", cfg.Health.ListenAddress, err)
		}
	}

	if healthServer != nil {
		go func() {
			slog.Info("health endpoint listening", "address", healthLn.Addr().String())
			if err := healthServer.Serve(healthLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("health server error", "error", err)
			}
		}()
	}

	go func() {
		slog.Info("chat server listening", "address", chatLn.Addr().String())
		if err := chatServer.Serve(chatLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("chat server error", "error", err)
		}
	}()

	// Notify systemd that we're ready
	daemon.SdNotify(false, daemon.SdNotifyReady)

	// Start watchdog heartbeat (send every 15s for 30s WatchdogSec)
	watchdogCtx, watchdogCancel := context.WithCancel(context.Background())
	defer watchdogCancel()
	go func() {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				sent, err := daemon.SdNotify(false, daemon.SdNotifyWatchdog)
				if err != nil {
					slog.Warn("failed to notify watchdog", "error", err)
				} else if sent {
					slog.Debug("watchdog keepalive sent")
				}
			case <-watchdogCtx.Done():
				return
			}
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP)

	for sig := range sigChan {
		switch sig {
		case syscall.SIGHUP:
			slog.Info("received SIGHUP, reloading config")
			newCfg, err := config.Load(configPath)
			if err != nil {
				slog.Error("config reload failed", "error", err)
				continue
			}

			for _, w := range config.IsReloadSafe(cfg, newCfg) {
				slog.Warn("config reload warning", "warning", w)
			}

			cfg = cfg.ApplyReloadableFields(newCfg)
			handler.UpdateConfig(cfg)

			rl := cfg.Security.RateLimit
			if rl.Enabled {
				postLimiter.UpdateRate(security.PerMinute(rl.PostsPerMinute), rl.PostsPerMinute)
				connLimiter.UpdateRate(security.PerMinute(rl.ConnectionsPerMinute), rl.ConnectionsPerMinute)
			}

			logger.SetLevel(cfg.Logging.Level)

			slog.Info("config reloaded successfully", "log_level", cfg.Logging.Level)

		case syscall.SIGTERM, syscall.SIGINT:
			slog.Info("received shutdown signal, draining connections",
				"signal", sig.String(),
				"drain_timeout", cfg.Server.DrainTimeout.String(),
				"listeners", hub.Count(),
			)

			watchdogCancel()
			daemon.SdNotify(false, daemon.SdNotifyStopping)

			if healthHandler != nil {
				healthHandler.SetDraining()
			}
			// Hijacked WebSocket connections are not tracked by Shutdown.
			handler.StartDrain()

			ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.DrainTimeout)
			defer cancel()

			var wg sync.WaitGroup
			if healthServer != nil {
				wg.Add(1)
				go func() {
					defer wg.Done()
					healthServer.Shutdown(ctx)
				}()
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				chatServer.Shutdown(ctx)
			}()
			wg.Wait()

			slog.Info("shutdown complete")
			return nil
		}
	}

	return nil
}

func checkHealth(url string) error {
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(url)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Health check failed: %v\n", err)
		os.Exit(1)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusOK {
		fmt.Println("healthy")
		return nil
	}
	fmt.Fprintf(os.Stderr, "unhealthy (status: %d)\n", resp.StatusCode)
	os.Exit(1)
	return nil
}

func printSystemdUnit() {
	fmt.Print(`[Unit]
Description=etagchat - Polling chat server
After=network-online.target
Wants=network-online.target

[Service]
Type=notify
User=etagchat
Group=etagchat
ExecStartPre=/usr/local/bin/etagchat validate --config /etc/etagchat/config.yaml
ExecStart=/usr/local/bin/etagchat serve --config /etc/etagchat/config.yaml
ExecReload=/bin/kill -HUP $MAINPID
Restart=on-failure
RestartSec=5s
WatchdogSec=30s

# Security hardening
ProtectSystem=strict
ProtectHome=true
NoNewPrivileges=true
PrivateTmp=true
ReadOnlyPaths=/etc/etagchat
LogsDirectory=etagchat
StateDirectory=etagchat
LimitNOFILE=65535

# The store is in memory; bound it so a flood of posts cannot exhaust the host
MemoryMax=256M

# Logging
StandardOutput=journal
StandardError=journal
SyslogIdentifier=etagchat

[Install]
WantedBy=multi-user.target
`)
}
