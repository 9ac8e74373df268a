package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ozkanpoyrazoglu/rke2-automation/pkg/analyzer"
	"github.com/ozkanpoyrazoglu/rke2-automation/pkg/api"
	"github.com/ozkanpoyrazoglu/rke2-automation/pkg/config"
	"github.com/ozkanpoyrazoglu/rke2-automation/pkg/guard"
	"github.com/ozkanpoyrazoglu/rke2-automation/pkg/log"
	"github.com/ozkanpoyrazoglu/rke2-automation/pkg/orchestrator"
	"github.com/ozkanpoyrazoglu/rke2-automation/pkg/probe"
	"github.com/ozkanpoyrazoglu/rke2-automation/pkg/runner"
	"github.com/ozkanpoyrazoglu/rke2-automation/pkg/security"
	"github.com/ozkanpoyrazoglu/rke2-automation/pkg/storage"
	"github.com/ozkanpoyrazoglu/rke2-automation/pkg/stream"
	"github.com/spf13/cobra"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "rke2d",
	Short: "Lifecycle controller for on-premise RKE2 clusters",
	Long: `rke2d is a centralized lifecycle controller for on-premise RKE2
clusters. It turns install, scale, and removal intents into ordered,
guarded playbook executions against remote hosts, with the topology store
as the single source of truth.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"rke2d version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the controller API",
	Long: `Start the controller: open the topology store, reconcile locks
orphaned by an earlier crash, and serve the HTTP API.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.FromEnv()
		if addr, _ := cmd.Flags().GetString("listen-addr"); addr != "" {
			cfg.ListenAddr = addr
		}
		if dir, _ := cmd.Flags().GetString("data-dir"); dir != "" {
			cfg.DataDir = dir
		}
		if err := cfg.Validate(); err != nil {
			return err
		}

		log.Init(log.Config{Level: log.Level(cfg.LogLevel), JSONOutput: cfg.LogJSON})
		logger := log.WithComponent("main")

		if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
			return fmt.Errorf("failed to create data directory: %w", err)
		}

		store, err := storage.NewBoltStore(cfg.DataDir)
		if err != nil {
			return fmt.Errorf("failed to open store: %w", err)
		}
		defer store.Close()

		repaired, err := store.ReconcileLocks()
		if err != nil {
			return err
		}
		if len(repaired) > 0 {
			logger.Warn().Ints64("jobs", repaired).Msg("rehabilitated locks orphaned by restart")
		}

		var secrets *security.SecretsManager
		if cfg.EncryptionKey != "" {
			secrets, err = security.NewSecretsManagerFromEnv(cfg.EncryptionKey)
			if err != nil {
				return fmt.Errorf("invalid encryption key: %w", err)
			}
		} else {
			logger.Warn().Msg("ENCRYPTION_KEY not set, credential storage disabled")
		}

		var llm *analyzer.Analyzer
		if cfg.AnalyzerEnabled() {
			llm = analyzer.New(cfg.AnalyzerEndpoint, cfg.AnalyzerAPIKey, cfg.AnalyzerModel)
			logger.Info().Str("model", cfg.AnalyzerModel).Msg("analyzer enabled")
		}

		hub := stream.NewHub()
		prober := guard.NewTCPProber()
		jobRunner := runner.New(store, hub, secrets, nil)

		orch := orchestrator.New(orchestrator.Config{
			Store:       store,
			Hub:         hub,
			Runner:      jobRunner,
			Analyzer:    llm,
			Prober:      prober,
			PlaybookDir: cfg.PlaybookDir,
			WorkDir:     cfg.WorkDir,
		})

		server := api.NewServer(api.Deps{
			Store:   store,
			Orch:    orch,
			Hub:     hub,
			Secrets: secrets,
			Prober:  prober,
			Status:  &probe.KubectlProber{WorkDir: cfg.WorkDir},
			Access: &probe.AccessChecker{
				Launcher:    runner.ExecLauncher{},
				Secrets:     secrets,
				PlaybookDir: cfg.PlaybookDir,
				WorkDir:     cfg.WorkDir,
			},
			Fetcher: &probe.KubeconfigFetcher{Secrets: secrets},
		})

		errCh := make(chan error, 1)
		go func() {
			if err := server.Start(cfg.ListenAddr); err != nil {
				errCh <- err
			}
		}()

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

		select {
		case <-sigCh:
			logger.Info().Msg("shutting down")
		case err := <-errCh:
			return err
		}

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := server.Stop(ctx); err != nil {
			logger.Error().Err(err).Msg("server shutdown error")
		}
		orch.Wait()
		return nil
	},
}

func init() {
	serveCmd.Flags().String("listen-addr", "", "HTTP API bind address (overrides LISTEN_ADDR)")
	serveCmd.Flags().String("data-dir", "", "Data directory for the topology store (overrides RKE2_DATA_PATH)")
}
