package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"fee-lens/pkg/api"
	"fee-lens/pkg/app"
	"fee-lens/pkg/config"
	"fee-lens/pkg/log"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
)

type flags struct {
	configFile string
	network    string
	addr       string
	port       int
	logLevel   string
	logJSON    bool
	logFile    string
	cache      string
	refresh    time.Duration
	admin      bool
}

func main() {
	var f flags
	cmd := &cobra.Command{
		Use:           "fee-lens-web",
		Short:         "Bitcoin fee, price and broadcast API",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd, f)
		},
	}
	fl := cmd.Flags()
	fl.StringVarP(&f.configFile, "config", "c", "", "config file (key = value)")
	fl.StringVar(&f.network, "network", string(config.Mainnet), "mainnet or testnet")
	fl.StringVar(&f.addr, "addr", "", "listen address")
	fl.IntVarP(&f.port, "port", "p", 0, "listen port (default 8080, or $PORT)")
	fl.StringVar(&f.logLevel, "log-level", "", "debug, info, warn or error")
	fl.BoolVar(&f.logJSON, "log-json", false, "log as JSON")
	fl.StringVar(&f.logFile, "log-file", "", "also write JSON logs to this file")
	fl.StringVar(&f.cache, "cache", "", "cache backend: memory or redis")
	fl.DurationVar(&f.refresh, "refresh", 0, "background refresh interval, 0 disables")
	fl.BoolVar(&f.admin, "admin", false, "mount the /api/admin routes")

	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig layers defaults, the config file, $PORT and flags.
func loadConfig(cmd *cobra.Command, f flags) (*config.Config, error) {
	cfg := config.Default(config.NetworkType(f.network))
	if f.configFile != "" {
		values, err := config.LoadFile(f.configFile)
		if err != nil {
			return nil, err
		}
		if err := config.ApplyFileConfig(cfg, values); err != nil {
			return nil, err
		}
	}

	if port := os.Getenv("PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return nil, fmt.Errorf("invalid $PORT %q", port)
		}
		cfg.Server.Port = p
	}

	changed := cmd.Flags().Changed
	if changed("network") {
		cfg.Network = config.NetworkType(f.network)
	}
	if changed("addr") {
		cfg.Server.Addr = f.addr
	}
	if changed("port") {
		cfg.Server.Port = f.port
	}
	if changed("log-level") {
		cfg.Log.Level = f.logLevel
	}
	if changed("log-json") {
		cfg.Log.JSON = f.logJSON
	}
	if changed("log-file") {
		cfg.Log.File = f.logFile
	}
	if changed("cache") {
		cfg.Cache.Backend = f.cache
	}
	if changed("refresh") {
		cfg.RefreshInterval = f.refresh
	}

	if err := config.Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func run(cmd *cobra.Command, f flags) error {
	cfg, err := loadConfig(cmd, f)
	if err != nil {
		return err
	}
	if err := log.Init(cfg.Log.Level, cfg.Log.JSON, cfg.Log.File); err != nil {
		return fmt.Errorf("init logging: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	a, err := app.New(ctx, cfg, reg)
	if err != nil {
		return err
	}
	defer a.Close()

	go a.Refresher.Run(ctx)

	gin.SetMode(gin.ReleaseMode)
	router := api.NewRouter(a.Server(), api.Options{
		CORSOrigins: cfg.Server.CORSOrigins,
		Admin:       f.admin,
	})
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})))

	srv := &http.Server{
		Addr:              net.JoinHostPort(cfg.Server.Addr, strconv.Itoa(cfg.Server.Port)),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.API.Info().
			Str("addr", srv.Addr).
			Str("network", string(cfg.Network)).
			Bool("admin", f.admin).
			Msg("HTTP server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.API.Info().Msg("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
