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
	"strconv"
	"syscall"
	"time"

	"github.com/sebas/webphone/internal/banner"
	"github.com/sebas/webphone/internal/logger"
	"github.com/sebas/webphone/internal/phone/client"
	"github.com/sebas/webphone/internal/phone/config"
	"github.com/sebas/webphone/internal/phone/events"
	"github.com/sebas/webphone/internal/phone/metrics"
	"github.com/sebas/webphone/internal/phone/transport"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "webphone: %v\n", err)
		os.Exit(2)
	}

	logger.SetLevel(cfg.LogLevel)
	logger.InitLoggerFormat(cfg.LogFormat, os.Stdout)

	if err := run(cfg); err != nil {
		slog.Error("Webphone stopped with error", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	sigCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tr, err := transport.New(sigCtx, cfg, &transport.Resolver{})
	if err != nil {
		return fmt.Errorf("failed to create transport: %w", err)
	}
	defer tr.Close()

	phone, err := client.New(cfg, tr)
	if err != nil {
		return fmt.Errorf("failed to create client: %w", err)
	}
	tr.SetHandler(phone)

	printBanner(cfg, tr)

	collector := metrics.New(metrics.DefaultConfig())
	phone.Subscribe(collector.Listener())
	phone.Subscribe(events.LogListener(nil))
	phone.Subscribe(newDemo(cfg, phone).onEvent)

	// The loop outlives the signal so Close can still hang up and unregister.
	serveCtx, cancelServe := context.WithCancel(context.Background())
	defer cancelServe()
	g, gctx := errgroup.WithContext(serveCtx)

	g.Go(func() error { return tr.Serve(gctx) })
	g.Go(func() error { return phone.Run(gctx) })

	var metricsSrv *http.Server
	if cfg.MetricsAddr != "" {
		metricsSrv = &http.Server{
			Addr:              cfg.MetricsAddr,
			Handler:           collector.Handler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			slog.Info("Metrics available", "url", "http://"+cfg.MetricsAddr+"/metrics")
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
	}

	if err := phone.Open(); err != nil {
		slog.Error("Failed to open phone", "error", err)
	}

	select {
	case <-sigCtx.Done():
		slog.Info("Received signal, shutting down")
	case <-gctx.Done():
		slog.Warn("Service stopped, shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := phone.Close(shutdownCtx); err != nil {
		slog.Warn("Shutdown incomplete", "error", err)
	}
	if metricsSrv != nil {
		_ = metricsSrv.Shutdown(shutdownCtx)
	}
	cancelServe()
	_ = tr.Close()
	return g.Wait()
}

func printBanner(cfg *config.Config, tr *transport.Transport) {
	register := "disabled"
	if cfg.RegisterMode {
		register = cfg.RegisterExpires.String() + " (" + string(cfg.RefreshPolicy) + " refresh " + cfg.SessionRefresh.String() + ")"
	}
	banner.Print(os.Stdout, "Webphone SIP User Agent", []banner.ConfigLine{
		{Label: "AOR", Value: "sip:" + cfg.Username + "@" + cfg.Domain},
		{Label: "Proxy", Value: tr.Proxy()},
		{Label: "Transport", Value: tr.Network()},
		{Label: "SIP Listen", Value: net.JoinHostPort(cfg.BindAddr, strconv.Itoa(cfg.Port))},
		{Label: "Advertise", Value: cfg.AdvertiseAddr},
		{Label: "Register", Value: register},
		{Label: "Metrics", Value: cfg.MetricsAddr},
		{Label: "Log Level", Value: cfg.LogLevel},
	})
}
