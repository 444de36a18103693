// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/go-core-stack/oauth2-cc-proxy/pkg/config"
	"github.com/go-core-stack/oauth2-cc-proxy/pkg/metrics"
	"github.com/go-core-stack/oauth2-cc-proxy/pkg/proxy"
	"github.com/go-core-stack/oauth2-cc-proxy/pkg/token"
)

var rootFlags struct {
	configFile string
	envFile    string
	logLevel   string
}

var rootCmd = &cobra.Command{
	Use:   "oauth2-cc-proxy",
	Short: "Reverse proxy that injects OAuth2 client-credentials tokens",
	Long: `oauth2-cc-proxy forwards every inbound request to a single upstream API,
replacing the caller's Authorization header with an access token obtained
through the OAuth2 client-credentials grant. Tokens are cached until shortly
before they expire.

Configuration is read from an optional YAML file and overridden by
environment variables, which may also come from a .env file (OAUTH_CLIENT_ID, OAUTH_CLIENT_SECRET, OAUTH_TOKEN_URL,
TARGET_API_BASE_URL, INCOMING_BEARER_TOKEN, PORT, ...).`,
	SilenceUsage: true,
	RunE:         serve,
}

func init() {
	rootCmd.Flags().StringVarP(&rootFlags.configFile, "config", "c", "", "optional YAML config file (env: PROXY_CONFIG_FILE)")
	rootCmd.Flags().StringVar(&rootFlags.envFile, "env-file", ".env", "dotenv file loaded before reading the environment; missing files are ignored")
	rootCmd.Flags().StringVar(&rootFlags.logLevel, "log-level", "", "override log level (trace, debug, info, warn, error)")
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func serve(cmd *cobra.Command, args []string) error {
	zerolog.TimeFieldFormat = time.RFC3339Nano

	if err := config.LoadDotEnv(rootFlags.envFile); err != nil {
		return err
	}

	cfg, err := config.Load(rootFlags.configFile)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}
	if rootFlags.logLevel != "" {
		cfg.LogLevel = rootFlags.logLevel
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", cfg.LogLevel, err)
	}
	log.Logger = log.Level(level)

	collector := metrics.New()
	transport := proxy.NewTransport(cfg)
	tokens := token.NewManager(cfg, &http.Client{Transport: transport}, collector)

	proxyHandler, err := proxy.New(cfg, transport, tokens, collector)
	if err != nil {
		return fmt.Errorf("construct proxy: %w", err)
	}

	if cfg.IncomingToken == "" {
		log.Warn().Msg("INCOMING_BEARER_TOKEN is not set; inbound requests are not authenticated")
	}

	server := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      proxyHandler,
		ReadTimeout:  cfg.ServerReadTimeout,
		WriteTimeout: cfg.ServerWriteTimeout,
		IdleTimeout:  cfg.ServerIdleTimeout,
	}
	servers := []*http.Server{server}

	go func() {
		log.Info().
			Str("listen_addr", cfg.ListenAddr).
			Str("upstream", cfg.Upstream.String()).
			Str("token_url", cfg.TokenURL.String()).
			Msg("starting oauth2 client-credentials proxy")
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("proxy server exited unexpectedly")
		}
	}()

	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", collector.Handler())
		metricsServer := &http.Server{
			Addr:              cfg.MetricsAddr,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		}
		servers = append(servers, metricsServer)

		go func() {
			log.Info().Str("metrics_addr", cfg.MetricsAddr).Msg("serving metrics")
			if err := metricsServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				log.Fatal().Err(err).Msg("metrics server exited unexpectedly")
			}
		}()
	}

	waitForShutdown(cmd.Context(), cfg.GracefulShutdownTimeout, servers...)
	return nil
}

func waitForShutdown(ctx context.Context, timeout time.Duration, servers ...*http.Server) {
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(stop)

	<-stop

	log.Info().Msg("shutting down oauth2 client-credentials proxy")

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()

	for _, srv := range servers {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Str("addr", srv.Addr).Msg("graceful shutdown failed; forcing close")
			if closeErr := srv.Close(); closeErr != nil {
				log.Error().Err(closeErr).Str("addr", srv.Addr).Msg("forced close failed")
			}
		}
	}

	log.Info().Msg("proxy stopped")
}
