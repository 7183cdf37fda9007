// Command livewatch narrates changes of monitored pages.
//
// Usage:
//
//	livewatch -config livewatch.yaml               # tabs, sinks and API from YAML
//	livewatch -url https://example.com             # monitor one URL, stdout sink
//	livewatch -url https://example.com -http       # same, static document only
//	livewatch -addr :8090                          # control API only
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hazyhaar/livewatch/livewatch"
)

func main() {
	configPath := flag.String("config", "", "path to livewatch.yaml config file")
	singleURL := flag.String("url", "", "monitor a single URL")
	httpOnly := flag.Bool("http", false, "load -url as a static document, without Chrome")
	addr := flag.String("addr", "", "control API listen address (overrides api.addr)")
	logLevel := flag.String("log-level", "info", "log level: debug, info, warn, error")
	flag.Parse()

	var level slog.Level
	switch *logLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, logger, *configPath, *singleURL, *httpOnly, *addr); err != nil {
		logger.Error("livewatch: fatal", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, logger *slog.Logger, configPath, singleURL string, httpOnly bool, addr string) error {
	if configPath == "" && singleURL == "" && addr == "" {
		fmt.Fprintln(os.Stderr, "usage: livewatch -config <file> | -url <url> [-http] | -addr <host:port>")
		os.Exit(2)
	}

	cfg := livewatch.DefaultConfig()
	if configPath != "" {
		var err error
		if cfg, err = livewatch.LoadConfigFile(configPath); err != nil {
			return fmt.Errorf("load config: %w", err)
		}
	}
	if singleURL != "" {
		mode := livewatch.ModeAuto
		if httpOnly {
			mode = livewatch.ModeStatic
		}
		cfg.Tabs = append(cfg.Tabs, livewatch.TabConfig{URL: singleURL, Mode: mode, Monitor: true})
	}
	if addr != "" {
		cfg.API.Addr = addr
	}

	sinks, err := livewatch.SinksFromConfig(cfg, os.Stdout, logger)
	if err != nil {
		return err
	}
	w, err := livewatch.New(cfg, logger, sinks...)
	if err != nil {
		return err
	}
	defer w.Stop()

	if err := w.Start(ctx); err != nil {
		return fmt.Errorf("start: %w", err)
	}

	if cfg.API.Addr == "" {
		<-ctx.Done()
		return nil
	}

	srv := &http.Server{
		Addr:              cfg.API.Addr,
		Handler:           w.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		logger.Info("livewatch: control API listening", "addr", cfg.API.Addr)
		errc <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("control API: %w", err)
		}
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
