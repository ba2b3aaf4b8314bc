package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	"keenetic-vpn/internal/monitor"
	"keenetic-vpn/internal/store"
	"keenetic-vpn/internal/tui"
	"keenetic-vpn/internal/web"
)

// version is set at build time via -ldflags "-X main.version=..."
var version = "dev"

// app holds what the commands share: the loaded config and output streams.
type app struct {
	cfg    *Config
	stdout io.Writer
	stderr io.Writer
}

func (a *app) flags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "config",
			Aliases: []string{"c"},
			Usage:   "path to the YAML config file",
			Value:   "config.yaml",
			EnvVars: []string{"KEENETIC_VPN_CONFIG"},
		},
	}
}

func formatFlag() cli.Flag {
	return &cli.StringFlag{
		Name:    "format",
		Aliases: []string{"f"},
		Usage:   "output format: table, json, yaml",
		Value:   "table",
	}
}

func (a *app) newCLI() *cli.App {
	return &cli.App{
		Name:      "keenetic-vpn",
		Usage:     "per-device VPN routing for Keenetic routers",
		Version:   version,
		Flags:     a.flags(),
		Before:    a.before,
		Action:    a.serve,
		Writer:    a.stdout,
		ErrWriter: a.stderr,
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "run the dashboard, poller, MQTT bridge and automations",
				Action: a.serve,
			},
			{
				Name:    "devices",
				Aliases: []string{"ls"},
				Usage:   "poll the router once and list devices",
				Flags:   []cli.Flag{formatFlag()},
				Action:  a.devices,
			},
			{
				Name:   "probe",
				Usage:  "check that the router API endpoints answer",
				Flags:  []cli.Flag{formatFlag()},
				Action: a.probe,
			},
			{
				Name:      "policy",
				Usage:     "assign a policy to a device (vpn, direct or a policy name)",
				ArgsUsage: "<mac> <policy>",
				Action:    a.policy,
			},
			{
				Name:   "watch",
				Usage:  "live device table in the terminal",
				Action: a.watch,
			},
		},
	}
}

func (a *app) before(c *cli.Context) error {
	cfg, err := loadConfig(c.String("config"))
	if err != nil {
		return err
	}
	if err := cfg.validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	a.cfg = cfg
	return nil
}

// openShared opens the monitor for a one-shot command. A running server holds
// the database lock; the command then works from the config file alone.
func (a *app) openShared(logger *slog.Logger) (*monitor.Monitor, func(), error) {
	var st store.Store
	db, err := store.NewBoltStore(a.cfg.Store.Path, store.WithOpenTimeout(time.Second))
	if err != nil {
		logger.Warn("store unavailable, using config settings", "path", a.cfg.Store.Path, "err", err)
		st = store.NewMemoryStore()
	} else {
		st = db
	}
	mon, err := monitor.New(st, a.cfg.defaultSettings(), logger)
	if err != nil {
		st.Close()
		return nil, nil, err
	}
	return mon, func() {
		mon.Stop()
		st.Close()
	}, nil
}

func (a *app) serve(c *cli.Context) error {
	cfg := a.cfg
	logger := newLogger(cfg, a.stdout)
	slog.SetDefault(logger)
	logger.Info("keenetic-vpn starting", "version", version)

	db, err := store.NewBoltStore(cfg.Store.Path)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer db.Close()

	mon, err := monitor.New(db, cfg.defaultSettings(), logger)
	if err != nil {
		return fmt.Errorf("create monitor: %w", err)
	}

	ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Start automation engine (no-op when built with no_automation tag).
	auto, autoWebOpts := initAutomation(mon, cfg, logger)

	webOpts := []web.ServerOption{web.WithVersion(version)}
	if cfg.Web.APIKey != "" {
		webOpts = append(webOpts, web.WithAPIKey(cfg.Web.APIKey))
	}
	if len(cfg.Web.AllowedOrigins) > 0 {
		webOpts = append(webOpts, web.WithAllowedOrigins(cfg.Web.AllowedOrigins))
	}
	webOpts = append(webOpts, autoWebOpts...)

	webServer, err := web.NewServer(mon, logger, webOpts...)
	if err != nil {
		auto.Stop()
		return fmt.Errorf("create web server: %w", err)
	}

	httpServer := &http.Server{
		Addr:         cfg.Web.Listen,
		Handler:      webServer,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	// Start MQTT bridge (no-op when built with no_mqtt tag).
	mqtt := initMQTT(mon, cfg, logger)

	mon.Start(ctx)
	if !mon.Settings().AutoRefresh {
		go mon.Poll(ctx)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("web server starting", "addr", cfg.Web.Listen)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		auto.Stop()
		mqtt.Stop()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("http server shutdown", "err", err)
		}
		webServer.Stop()
		mon.Stop()
		return nil
	})

	err = g.Wait()
	logger.Info("goodbye")
	return err
}

func (a *app) devices(c *cli.Context) error {
	logger := newLogger(a.cfg, a.stderr)
	mon, closeFn, err := a.openShared(logger)
	if err != nil {
		return err
	}
	defer closeFn()

	views := mon.Poll(c.Context)
	return printDevices(a.stdout, c.String("format"), views, monitor.Policies(mon.Settings()))
}

func (a *app) probe(c *cli.Context) error {
	logger := newLogger(a.cfg, a.stderr)
	mon, closeFn, err := a.openShared(logger)
	if err != nil {
		return err
	}
	defer closeFn()

	results := mon.Probe(c.Context)
	if err := printProbe(a.stdout, c.String("format"), results); err != nil {
		return err
	}
	for _, r := range results {
		if !r.OK {
			return cli.Exit("", 1)
		}
	}
	return nil
}

// resolvePolicy maps the vpn and direct aliases to the configured policies.
func resolvePolicy(arg string, s store.Settings) string {
	p := monitor.Policies(s)
	switch strings.ToLower(arg) {
	case "vpn", "on":
		return p.VPN
	case "direct", "novpn", "off":
		return p.NoVPN
	}
	return arg
}

func (a *app) policy(c *cli.Context) error {
	if c.NArg() != 2 {
		return cli.Exit("usage: keenetic-vpn policy <mac> <policy>", 2)
	}
	logger := newLogger(a.cfg, a.stderr)
	mon, closeFn, err := a.openShared(logger)
	if err != nil {
		return err
	}
	defer closeFn()

	mac := c.Args().Get(0)
	policy := resolvePolicy(c.Args().Get(1), mon.Settings())
	res := mon.SetPolicy(c.Context, mac, policy)
	if !res.Success {
		return cli.Exit("set policy: "+res.Error, 1)
	}
	_, err = fmt.Fprintf(a.stdout, "%s -> %s\n", mac, policy)
	return err
}

func (a *app) watch(c *cli.Context) error {
	// Log lines would tear the full-screen view.
	logger := newLogger(a.cfg, io.Discard)
	mon, closeFn, err := a.openShared(logger)
	if err != nil {
		return err
	}
	defer closeFn()

	interval := time.Duration(mon.Settings().RefreshInterval) * time.Second
	return tui.Run(c.Context, mon, interval)
}

func main() {
	a := &app{stdout: os.Stdout, stderr: os.Stderr}
	if err := a.newCLI().Run(os.Args); err != nil {
		// Temporary logger: the configured one may not exist yet.
		slog.New(slog.NewTextHandler(os.Stderr, nil)).Error("keenetic-vpn", "err", err)
		os.Exit(1)
	}
}
