package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/risa-org/zonis/config"
	"github.com/risa-org/zonis/httpapi"
	"github.com/risa-org/zonis/observability"
	"github.com/risa-org/zonis/presence"
	"github.com/risa-org/zonis/server"
	"github.com/risa-org/zonis/store/file"
	"github.com/risa-org/zonis/store/memory"
	"github.com/risa-org/zonis/transport"
	"github.com/risa-org/zonis/transport/managed"
	"github.com/risa-org/zonis/transport/tcp"
	wstransport "github.com/risa-org/zonis/transport/websocket"
)

const shutdownTimeout = 10 * time.Second

// serveCmd runs the coordinator until SIGINT or SIGTERM.
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the zonis server",
	Long:  "Accept client connections on the configured transport and serve the HTTP endpoints.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configFile)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return run(ctx, cfg)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func run(ctx context.Context, cfg config.Config) error {
	logger := observability.NewLogger("zonisd", cfg.LogLevel, cfg.LogFormat)

	registry := memory.New()
	promReg := prometheus.NewRegistry()
	promReg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := observability.NewMetrics(promReg, registry.Count)

	var publishers presence.Multi
	if cfg.RedisURL != "" {
		r, err := presence.NewRedis(ctx, cfg.RedisURL, cfg.PresenceChannel)
		if err != nil {
			return err
		}
		publishers = append(publishers, r)
		logger.Info().Str("channel", cfg.PresenceChannel).Msg("presence_redis_enabled")
	}
	if cfg.PresenceFile != "" {
		snap, err := file.New(cfg.PresenceFile)
		if err != nil {
			publishers.Close()
			return err
		}
		publishers = append(publishers, snap)
		logger.Info().Str("path", cfg.PresenceFile).Msg("presence_file_enabled")
	}
	defer publishers.Close()

	srv, err := server.New(server.Options{
		SecretKey:        cfg.SecretKey,
		OverrideKey:      cfg.OverrideKey,
		HandshakeTimeout: cfg.HandshakeTimeout,
		RequestTimeout:   cfg.RequestTimeout,
		HandshakeRate:    cfg.HandshakeRate,
		HandshakeBurst:   cfg.HandshakeBurst,
		Registry:         registry,
		Logger:           &logger,
		Metrics:          metrics,
		Presence:         publishers,
	})
	if err != nil {
		return err
	}
	if cfg.OverrideKey == "" {
		logger.Warn().Str("override_key", srv.OverrideKey()).Msg("override_key_generated")
	}
	if cfg.SecretKey == "" {
		logger.Warn().Msg("secret_key_empty")
	}

	serve := func(ctx context.Context, a transport.Adapter) {
		// rejections are logged by the server
		_ = srv.Serve(ctx, a)
	}

	var upgrade gin.HandlerFunc
	switch cfg.Transport {
	case config.TransportWebsocket:
		upgrade = gin.WrapH(wstransport.Handler(serve, nil))
	case config.TransportManaged:
		upgrade = managed.Handler(serve, nil)
	case config.TransportTCP:
		ln, err := net.Listen("tcp", cfg.TCPListen)
		if err != nil {
			return fmt.Errorf("listen tcp %s: %w", cfg.TCPListen, err)
		}
		defer ln.Close()
		logger.Info().Str("addr", ln.Addr().String()).Msg("tcp_listening")
		go acceptTCP(ctx, ln, serve, logger)
	}

	gin.SetMode(gin.ReleaseMode)
	httpSrv := &http.Server{
		Addr: cfg.Listen,
		Handler: httpapi.NewRouter(httpapi.Options{
			Dispatcher: srv,
			Logger:     logger,
			Metrics:    metrics,
			Gatherer:   promReg,
			Upgrade:    upgrade,
			Admin:      cfg.AdminEnabled,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().
			Str("addr", cfg.Listen).
			Str("transport", cfg.Transport).
			Bool("admin", cfg.AdminEnabled).
			Msg("http_listening")
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info().Msg("shutting_down")
	case err := <-errCh:
		if err != nil {
			srv.Close()
			return fmt.Errorf("http server: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	// Shutdown does not track hijacked websocket connections
	srv.Close()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("http_shutdown_incomplete")
	}
	logger.Info().Msg("stopped")
	return nil
}

func acceptTCP(ctx context.Context, ln net.Listener, serve func(context.Context, transport.Adapter), logger zerolog.Logger) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
				return
			}
			logger.Warn().Err(err).Msg("tcp_accept_failed")
			time.Sleep(50 * time.Millisecond)
			continue
		}
		go func() {
			a := tcp.New(conn)
			defer a.Close(transport.CloseNormal, "")
			serve(ctx, a)
		}()
	}
}
