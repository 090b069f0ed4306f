// Command tapestry runs the multi-agent orchestrator.
//
// Usage:
//
//	tapestry serve --config tapestry.yaml
//	tapestry serve --port 9000 --watch
//	tapestry threads list
//	tapestry agents health
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/alecthomas/kong"

	"github.com/tapestry-ai/tapestry"
	"github.com/tapestry-ai/tapestry/pkg/config"
	"github.com/tapestry-ai/tapestry/pkg/logger"
)

// CLI is the top-level command tree. Serve is the default command, so a
// bare `tapestry` starts the orchestrator.
type CLI struct {
	Serve   ServeCmd   `cmd:"" default:"withargs" help:"Start the orchestrator server."`
	Version VersionCmd `cmd:"" help:"Show version information."`
	Threads ThreadsCmd `cmd:"" help:"Inspect stored threads."`
	Agents  AgentsCmd  `cmd:"" help:"Inspect the agent registry."`

	Config          string   `short:"c" help:"Configuration source: a file path, or the key for remote types." env:"TAPESTRY_CONFIG"`
	ConfigType      string   `help:"Configuration source type." enum:"file,consul,etcd,zookeeper,zk" default:"file" env:"TAPESTRY_CONFIG_TYPE"`
	ConfigEndpoints []string `help:"Endpoints for remote configuration sources." env:"TAPESTRY_CONFIG_ENDPOINTS"`

	LogLevel  string `help:"Log level (debug, info, warn, error)." env:"LOG_LEVEL"`
	LogFormat string `help:"Log format (simple, verbose, json)." env:"LOG_FORMAT"`
	LogFile   string `help:"Log file path (empty logs to stderr)." env:"LOG_FILE"`
}

// loadConfig resolves the effective configuration: the configured source
// when --config is set, built-in defaults plus environment otherwise.
func (cli *CLI) loadConfig() (*config.Config, error) {
	if cli.Config == "" {
		cfg := config.Default()
		cfg.ApplyEnvOverrides()
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
		return cfg, nil
	}

	typ, err := config.ParseConfigType(cli.ConfigType)
	if err != nil {
		return nil, err
	}
	return config.LoadConfig(config.LoaderOptions{
		Type:      typ,
		Path:      cli.Config,
		Endpoints: cli.ConfigEndpoints,
	})
}

// applyLogFlags lets command-line logging flags beat the config file.
func (cli *CLI) applyLogFlags(cfg *config.Config) {
	if cli.LogLevel != "" {
		cfg.Logger.Level = cli.LogLevel
	}
	if cli.LogFormat != "" {
		cfg.Logger.Format = cli.LogFormat
	}
	if cli.LogFile != "" {
		cfg.Logger.File = cli.LogFile
	}
}

// VersionCmd prints build information.
type VersionCmd struct{}

func (c *VersionCmd) Run() error {
	fmt.Println(tapestry.GetVersion().String())
	return nil
}

func main() {
	// .env values must be visible to kong's env bindings, so load first.
	if err := config.LoadEnvFiles(); err != nil {
		fmt.Fprintf(os.Stderr, "warning: %v\n", err)
	}

	cli := CLI{}
	ctx := kong.Parse(&cli,
		kong.Name("tapestry"),
		kong.Description("Tapestry - multi-agent orchestration over A2A"),
		kong.UsageOnError(),
	)

	// Initial logger from flags and environment. Commands that load a
	// config re-init with the merged settings.
	level, _ := logger.ParseLevel(cli.LogLevel)
	logger.Init(level, os.Stderr, cli.LogFormat)

	err := ctx.Run(&cli)
	if errors.Is(err, errInterrupted) {
		os.Exit(130)
	}
	ctx.FatalIfErrorf(err)
}
