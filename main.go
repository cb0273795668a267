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
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"flvrelay/config"
	"flvrelay/httpServer"
	"flvrelay/internal/ingest"
	"flvrelay/internal/logging"
	"flvrelay/internal/metrics"
	"flvrelay/internal/streammanager"
)

var version = "dev"

type serveFlags struct {
	configPath string
	logLevel   string
	httpAddr   string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	flags := &serveFlags{}

	root := &cobra.Command{
		Use:          "flvrelay",
		Short:        "Live FLV relay: WebSocket/HTTP ingest, HTTP-FLV playback",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd, flags)
		},
	}
	root.PersistentFlags().StringVarP(&flags.configPath, "config", "c", "", "path to a YAML config file")
	root.PersistentFlags().StringVar(&flags.logLevel, "log-level", "", "override logging.level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&flags.httpAddr, "http-addr", "", "override http_addr")

	serve := &cobra.Command{
		Use:   "serve",
		Short: "Run the relay server (default)",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd, flags)
		},
	}

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "flvrelay", version)
		},
	}

	root.AddCommand(serve, versionCmd)
	return root
}

func runServe(cmd *cobra.Command, flags *serveFlags) error {
	cfg, err := config.Load(flags.configPath)
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("log-level") {
		cfg.Logging.Level = flags.logLevel
	}
	if cmd.Flags().Changed("http-addr") {
		cfg.HTTPAddr = flags.httpAddr
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger := logging.New(cfg.Logging)
	slog.SetDefault(logger)
	if logging.ParseLevel(cfg.Logging.Level) > slog.LevelDebug {
		gin.SetMode(gin.ReleaseMode)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	policy := streammanager.PolicyWait
	if cfg.Stream.MissingStreamPolicy == "reject" {
		policy = streammanager.PolicyReject
	}
	streamManager := streammanager.New(cfg.Session(), logger, m, streammanager.WithMissingStreamPolicy(policy))
	ingestSrv := ingest.New(streamManager, logger, cfg.Ingest.WSMaxPayloadBytes)
	httpSrv := httpServer.New(streamManager, ingestSrv, m, reg, logger, cfg.Stream.SubscriberQueueSize)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv := &http.Server{
		Addr:        cfg.HTTPAddr,
		Handler:     httpSrv.Handler(),
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	logger.Info("starting flvrelay",
		"version", version,
		"http_addr", cfg.HTTPAddr,
		"gop_cache_size", cfg.Stream.GOPCacheSize,
		"missing_stream_policy", streamManager.Policy(),
		"replay_metadata", cfg.Stream.ReplayMetadata,
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()

		var errs []error
		// closing sessions first ends every viewer body so Shutdown can drain
		if err := streamManager.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close streams: %w", err))
		}
		if err := srv.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("http shutdown: %w", err))
		}
		return errors.Join(errs...)
	})

	if err := g.Wait(); err != nil {
		logger.Error("server stopped with error", "err", err)
		return err
	}
	logger.Info("server stopped")
	return nil
}
