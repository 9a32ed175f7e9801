package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/relaycore/relayd/internal/account"
	"github.com/relaycore/relayd/internal/apikey"
	"github.com/relaycore/relayd/internal/billing"
	"github.com/relaycore/relayd/internal/config"
	"github.com/relaycore/relayd/internal/health"
	"github.com/relaycore/relayd/internal/limiter"
	"github.com/relaycore/relayd/internal/logger"
	"github.com/relaycore/relayd/internal/pricing"
	"github.com/relaycore/relayd/internal/proxy"
	"github.com/relaycore/relayd/internal/scheduler"
	"github.com/relaycore/relayd/internal/server"
	"github.com/relaycore/relayd/internal/store"
	"github.com/relaycore/relayd/internal/usage"
)

var (
	version   = "dev"
	buildTime = "unknown"

	configPath string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "relayd",
		Short: "Multi-tenant LLM relay gateway",
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config directory")

	rootCmd.AddCommand(serveCmd(), versionCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the relay server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve()
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("relayd %s (built %s)\n", version, buildTime)
		},
	}
}

func serve() error {
	_ = godotenv.Load()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	log, err := logger.Initialize(cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client, err := store.NewClient(ctx, cfg.Redis)
	if err != nil {
		return err
	}
	defer client.Close()

	prices, err := pricing.NewRegistry(cfg.Pricing.FilePath, cfg.Pricing.ReloadInterval, log)
	if err != nil {
		return fmt.Errorf("failed to load pricing catalog: %w", err)
	}
	prices.Start(ctx)

	keys := apikey.NewService(client, log)
	accounts := account.NewRepository(client, log)
	tracker := health.NewTracker(client, cfg.Health, log)
	sched := scheduler.New(accounts, tracker, client, cfg.Scheduler.StickyTTL, log)
	gate := limiter.NewGateFromConfig(client, cfg, log)
	rates := billing.NewRegistry(client, cfg.Billing.RateCacheTTL, log)
	recorder := usage.NewRecorder(client, gate, keys, accounts, cfg.Location(), log)

	engine := proxy.NewEngine(keys, gate, sched, tracker, prices, rates, recorder, cfg.Upstream, log)
	srv := server.New(cfg, engine, keys, recorder, log)

	log.Info("relayd starting",
		zap.String("version", version),
		zap.Int("port", cfg.Server.Port))

	return srv.Start(ctx)
}
