package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/tapestry-ai/tapestry"
	"github.com/tapestry-ai/tapestry/pkg/a2a"
	"github.com/tapestry-ai/tapestry/pkg/config"
	"github.com/tapestry-ai/tapestry/pkg/runtime"
)

// errInterrupted marks a shutdown initiated by SIGINT or SIGTERM so main
// can exit 130 instead of treating it as a failure.
var errInterrupted = errors.New("interrupted")

const shutdownTimeout = 15 * time.Second

// ServeCmd starts the orchestrator server and blocks until a signal or a
// fatal listener error.
type ServeCmd struct {
	Host  string `help:"Bind address (overrides config)." env:"HOST"`
	Port  int    `help:"Listen port (overrides config)." env:"PORT"`
	Watch bool   `help:"Watch the config source and apply safe changes live."`
}

func (c *ServeCmd) Run(cli *CLI) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, loader, err := c.loadConfig(cli)
	if err != nil {
		return err
	}
	if loader != nil {
		defer loader.Stop()
	}
	c.applyFlags(cli, cfg)

	cleanup, err := setupLogger(cfg.Logger)
	if err != nil {
		return err
	}
	defer cleanup()

	rt, err := runtime.New(ctx, cfg, runtime.WithVersion(tapestry.Version))
	if err != nil {
		return err
	}

	if loader != nil && c.Watch {
		loader.SetOnChange(func(next *config.Config) error {
			// Flags keep beating the file on every reload.
			c.applyFlags(cli, next)
			return rt.ApplyConfig(next)
		})
	}

	go func() {
		<-ctx.Done()
		slog.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := rt.Stop(shutdownCtx); err != nil {
			slog.Warn("shutdown incomplete", "error", err)
		}
	}()

	printStartupInfo(cfg, rt)

	if err := rt.Start(ctx); err != nil {
		return err
	}
	if ctx.Err() != nil {
		return errInterrupted
	}
	return nil
}

// loadConfig builds the serving configuration. With --config it goes
// through a Loader so --watch can react to changes; otherwise defaults
// plus environment serve as a zero-config mode.
func (c *ServeCmd) loadConfig(cli *CLI) (*config.Config, *config.Loader, error) {
	if cli.Config == "" {
		cfg, err := cli.loadConfig()
		if err != nil {
			return nil, nil, err
		}
		slog.Info("no config source given, using defaults plus environment")
		return cfg, nil, nil
	}

	typ, err := config.ParseConfigType(cli.ConfigType)
	if err != nil {
		return nil, nil, err
	}
	loader, err := config.NewLoader(config.LoaderOptions{
		Type:      typ,
		Path:      cli.Config,
		Endpoints: cli.ConfigEndpoints,
		Watch:     c.Watch,
	})
	if err != nil {
		return nil, nil, err
	}
	cfg, err := loader.Load()
	if err != nil {
		loader.Stop()
		return nil, nil, err
	}
	slog.Info("configuration loaded", "source", cli.Config, "type", string(typ))
	return cfg, loader, nil
}

func (c *ServeCmd) applyFlags(cli *CLI, cfg *config.Config) {
	if c.Host != "" {
		cfg.Server.Host = c.Host
	}
	if c.Port != 0 {
		cfg.Server.Port = c.Port
	}
	cli.applyLogFlags(cfg)
}

func printStartupInfo(cfg *config.Config, rt *runtime.Runtime) {
	addr := rt.Addr()
	fmt.Printf("\nTapestry orchestrator ready\n")
	fmt.Printf("  A2A endpoint:   http://%s%s\n", addr, a2a.PathRPC)
	fmt.Printf("  Agent card:     http://%s%s\n", addr, a2a.PathAgentCard)
	fmt.Printf("  Control plane:  ws://%s%s\n", addr, a2a.PathControl)
	fmt.Printf("  Health:         http://%s/health\n", addr)
	if cfg.Observability.Metrics.Enabled {
		fmt.Printf("  Metrics:        http://%s%s\n", addr, cfg.Observability.Metrics.Path)
	}
	fmt.Printf("  Agents:         %d registered\n", rt.Registry().Stats().Total)
	fmt.Printf("\nPress Ctrl+C to stop\n\n")
}
