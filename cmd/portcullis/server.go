package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/nhoel/portcullis/internal/audit"
	"github.com/nhoel/portcullis/internal/config"
	"github.com/nhoel/portcullis/internal/discovery"
	"github.com/nhoel/portcullis/internal/gateway"
	"github.com/nhoel/portcullis/internal/logger"
	"github.com/nhoel/portcullis/internal/pairing"
	"github.com/nhoel/portcullis/internal/ratelimit"
)

var (
	flagPort     int
	flagBind     string
	flagToken    string
	flagPassword string
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the gateway server",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		// Flags beat config file and env.
		if cmd.Flags().Changed("port") {
			cfg.Port = flagPort
		}
		if cmd.Flags().Changed("bind") {
			cfg.Bind = flagBind
		}
		if cmd.Flags().Changed("token") {
			cfg.AuthToken = flagToken
		}
		if cmd.Flags().Changed("password") {
			cfg.AuthPassword = flagPassword
		}

		if err := cfg.Validate(); err != nil {
			return err
		}

		logger.Setup(cfg.StateDir)

		return runServer(cfg)
	},
}

func init() {
	rootCmd.AddCommand(serverCmd)

	serverCmd.Flags().IntVar(&flagPort, "port", 18789, "WebSocket server port")
	serverCmd.Flags().StringVar(&flagBind, "bind", "loopback", "Bind mode: loopback or lan")
	serverCmd.Flags().StringVar(&flagToken, "token", "", "Shared-secret token for connections")
	serverCmd.Flags().StringVar(&flagPassword, "password", "", "Shared-secret password for connections")
}

func runServer(cfg config.Config) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	auditLog := audit.NewLogger(slog.Default())

	pairingStore, err := pairing.NewStore(filepath.Join(cfg.StateDir, "pairing"))
	if err != nil {
		return fmt.Errorf("pairing store: %w", err)
	}
	pairingSvc := pairing.NewService(pairingStore, auditLog)

	limiter := ratelimit.NewAttemptLimiter(cfg.AttemptLimiterConfig())

	host, _ := os.Hostname()

	gw, err := gateway.New(gateway.GatewayConfig{
		Port:                  cfg.Port,
		Bind:                  cfg.Bind,
		AuthToken:             cfg.AuthToken,
		AuthPassword:          cfg.AuthPassword,
		TickInterval:          cfg.TickInterval(),
		PairingSvc:            pairingSvc,
		Limiter:               limiter,
		Audit:                 auditLog,
		AllowedOrigins:        cfg.ControlUI.AllowedOrigins,
		DeviceAuthExemptModes: cfg.DeviceAuthExemptModes,
		DisableDeviceAuth:     cfg.ControlUI.DangerouslyDisableDeviceAuth,
		TrustedProxies:        cfg.TrustedProxies,
		AllowRealIPFallback:   cfg.AllowRealIPFallback,
		RateLimit:             cfg.UpgradeRateLimit,
		RateBurst:             cfg.UpgradeRateBurst,
		ServerVersion:         version,
		Host:                  host,
	})
	if err != nil {
		return fmt.Errorf("gateway init: %w", err)
	}

	var advertiser *discovery.Advertiser
	if cfg.DiscoveryEnabled() {
		instance := cfg.Discovery.InstanceName
		if instance == "" {
			instance = "Portcullis Gateway"
			if host != "" {
				instance = fmt.Sprintf("Portcullis (%s)", host)
			}
		}
		advertiser, err = discovery.NewAdvertiser(discovery.Config{
			InstanceName: instance,
			Port:         cfg.Port,
			Meta: discovery.Metadata{
				Role:        "gateway",
				GatewayPort: fmt.Sprintf("%d", cfg.Port),
				DisplayName: instance,
			},
		})
		if err != nil {
			slog.Warn("failed to init mdns", "error", err)
			advertiser = nil
		} else if err := advertiser.Start(); err != nil {
			slog.Warn("failed to start mdns", "error", err)
			advertiser = nil
		} else {
			slog.Info("mdns advertising started", "service", discovery.ServiceType)
		}
	}

	printBanner(cfg)

	go func() {
		<-ctx.Done()
		slog.Info("shutting down...")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()

		if advertiser != nil {
			advertiser.Stop()
		}
		gw.Shutdown(shutdownCtx)
	}()

	return gw.Run(ctx)
}

func printBanner(cfg config.Config) {
	bindAddr := "127.0.0.1"
	if cfg.Bind == "lan" {
		bindAddr = "0.0.0.0"
	}
	authMode := "none"
	switch {
	case cfg.AuthToken != "":
		authMode = "token"
	case cfg.AuthPassword != "":
		authMode = "password"
	}

	fmt.Printf("\n")
	fmt.Printf("  portcullis v%s\n", version)
	fmt.Printf("  ws://%s:%d  auth=%s  bind=%s\n", bindAddr, cfg.Port, authMode, cfg.Bind)
	fmt.Printf("  pairing: enabled  mdns: %v\n", cfg.DiscoveryEnabled())
	fmt.Printf("  state: %s\n", cfg.StateDir)
	fmt.Printf("  health: http://%s:%d/health  metrics: http://%s:%d/metrics\n", bindAddr, cfg.Port, bindAddr, cfg.Port)
	fmt.Printf("\n")
}
