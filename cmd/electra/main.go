package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/electra/electra/internal/api"
	"github.com/electra/electra/internal/casting"
	"github.com/electra/electra/internal/chain"
	"github.com/electra/electra/internal/config"
	"github.com/electra/electra/internal/dispatch"
	"github.com/electra/electra/internal/feed"
	"github.com/electra/electra/internal/ledger"
	"github.com/electra/electra/internal/projector"
	"github.com/electra/electra/internal/scheduler"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "electra",
	Short: "Electra - election vote-casting and tally pipeline",
	Long:  `The vote-casting, tally-consistency and notification pipeline behind the Electra election platform`,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "electra.yaml", "config file path")
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(sweepCmd)
	rootCmd.AddCommand(statusCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("electra v0.1.0")
		fmt.Println("Election vote-casting and tally pipeline")
	},
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create the database schema and local state",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		ctx := cmd.Context()
		store, err := ledger.NewPostgres(ctx, cfg.Database.ConnectionString())
		if err != nil {
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		defer store.Close()

		if err := ledger.CreateSchema(ctx, store.Pool()); err != nil {
			return err
		}

		if err := os.MkdirAll(cfg.Server.DataDir, 0755); err != nil {
			return fmt.Errorf("failed to create data directory: %w", err)
		}
		checkpoint, err := feed.OpenCheckpoint(filepath.Join(cfg.Server.DataDir, "electra.db"))
		if err != nil {
			return err
		}
		defer checkpoint.Close()

		fmt.Println("Schema ready")
		fmt.Printf("Data directory: %s\n", cfg.Server.DataDir)
		return nil
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the feed, scheduler and API",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
		slog.SetDefault(logger)

		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()

		store, err := ledger.NewPostgres(ctx, cfg.Database.ConnectionString())
		if err != nil {
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		defer store.Close()

		checkpoint, err := feed.OpenCheckpoint(filepath.Join(cfg.Server.DataDir, "electra.db"))
		if err != nil {
			return err
		}
		defer checkpoint.Close()

		height, err := checkpoint.BlockHeight()
		if err != nil {
			return fmt.Errorf("failed to load block height: %w", err)
		}
		blocks := chain.NewBlockCounter(height)

		bus := feed.NewBus(logger)
		views := projector.New(logger)

		stream := feed.NewStream(&feed.ReplicationConfig{
			Host:            cfg.Database.Host,
			Port:            cfg.Database.Port,
			Database:        cfg.Database.Database,
			User:            cfg.Database.User,
			Password:        cfg.Database.Password,
			SlotName:        cfg.Feed.SlotName,
			PublicationName: cfg.Feed.PublicationName,
		}, bus, checkpoint, logger)

		if err := stream.Initialize(ctx); err != nil {
			return fmt.Errorf("failed to initialize change feed: %w", err)
		}
		if err := stream.Start(ctx); err != nil {
			return fmt.Errorf("failed to start change feed: %w", err)
		}

		projectorSub := bus.Subscribe(feed.Filter{}, feed.DefaultBuffer)
		go views.Run(ctx, projectorSub)

		votes := casting.NewService(store, blocks, chain.SystemClock(), logger)

		dispatcher := dispatch.NewDispatcher(cfg.Notifications.ProviderURL, store, logger)
		sched := scheduler.New(store, dispatcher, chain.SystemClock(), logger)
		sched.SetInterval(cfg.SweepInterval())
		if cfg.Notifications.Enabled {
			go sched.Run(ctx)
		}

		ticker := chain.NewConfirmationTicker(store, chain.SystemClock(), cfg.ConfirmInterval(), cfg.Chain.MinConfirmations, logger)
		go ticker.Run(ctx)

		server := &http.Server{
			Addr:    cfg.Server.ListenAddr,
			Handler: api.NewServer(store, votes, views, bus, sched, logger).Router(),
		}

		go func() {
			logger.Info("listening", "addr", cfg.Server.ListenAddr)
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("server stopped", "error", err)
				cancel()
			}
		}()

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		select {
		case <-sigCh:
		case <-ctx.Done():
		}

		logger.Info("shutting down")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Warn("server shutdown failed", "error", err)
		}
		if err := stream.Stop(shutdownCtx); err != nil {
			logger.Warn("feed shutdown failed", "error", err)
		}
		if err := checkpoint.SaveBlockHeight(blocks.Height()); err != nil {
			logger.Warn("failed to persist block height", "error", err)
		}

		return nil
	},
}

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Run one notification evaluation pass",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		logger := slog.New(slog.NewTextHandler(os.Stdout, nil))

		ctx := cmd.Context()
		store, err := ledger.NewPostgres(ctx, cfg.Database.ConnectionString())
		if err != nil {
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		defer store.Close()

		dispatcher := dispatch.NewDispatcher(cfg.Notifications.ProviderURL, store, logger)
		sched := scheduler.New(store, dispatcher, chain.SystemClock(), logger)

		report, err := sched.Sweep(ctx)
		if err != nil {
			return err
		}

		fmt.Printf("Elections evaluated: %d\n", report.Elections)
		fmt.Printf("Batches fired: %d\n", report.Batches)
		fmt.Printf("Sent: %d, failed: %d\n", report.Sent, report.Failed)
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show active elections, deadlines and turnout",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		ctx := cmd.Context()
		store, err := ledger.NewPostgres(ctx, cfg.Database.ConnectionString())
		if err != nil {
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		defer store.Close()

		elections, err := store.ListElectionsByStatus(ctx, ledger.ElectionActive)
		if err != nil {
			return err
		}
		approved, err := store.CountApprovedVoters(ctx)
		if err != nil {
			return err
		}

		if len(elections) == 0 {
			fmt.Println("No active elections")
			return nil
		}

		fmt.Printf("Approved voters: %d\n\nActive elections:\n", approved)
		for _, e := range elections {
			turnout := 0.0
			if approved > 0 {
				turnout = float64(e.TotalVotes) / float64(approved) * 100
			}
			fmt.Printf("  - %s\n", e.Title)
			fmt.Printf("    Ends %s (%s)\n", humanize.Time(e.EndAt), e.EndAt.Format(time.RFC3339))
			fmt.Printf("    Votes: %d (turnout %.1f%%)\n", e.TotalVotes, turnout)
		}

		return nil
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
