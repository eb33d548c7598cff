// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package command

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/hashicorp/cli"
	"github.com/hashicorp/go-hclog"
	metrics "github.com/hashicorp/go-metrics"

	"github.com/openzoned/zoned/command/agent"
	"github.com/openzoned/zoned/version"
)

// AgentCommand runs the zoned agent until signalled.
type AgentCommand struct {
	UI cli.Ui
}

func (c *AgentCommand) Help() string {
	helpText := `
Usage: zoned agent [options]

  Starts the zoned agent: opens the task database, starts the task
  scheduler and periodic drivers, and serves the HTTP API.

Options:

  -config=<path>
    Path to an HCL configuration file. May be given multiple times;
    later files merge over earlier ones.

  -data-dir=<path>
    Override the configured data directory.

  -bind=<address>
    Override the configured HTTP bind address.

  -log-level=<level>
    Override the configured log level (TRACE, DEBUG, INFO, WARN, ERROR).
`
	return strings.TrimSpace(helpText)
}

func (c *AgentCommand) Synopsis() string {
	return "Runs the zoned agent"
}

func (c *AgentCommand) Run(args []string) int {
	var configPaths stringSliceFlag
	var dataDir, bindAddr, logLevel string

	flags := flag.NewFlagSet("agent", flag.ContinueOnError)
	flags.Usage = func() { c.UI.Output(c.Help()) }
	flags.Var(&configPaths, "config", "config file path")
	flags.StringVar(&dataDir, "data-dir", "", "data directory")
	flags.StringVar(&bindAddr, "bind", "", "HTTP bind address")
	flags.StringVar(&logLevel, "log-level", "", "log level")
	if err := flags.Parse(args); err != nil {
		return 1
	}

	config, err := agent.LoadConfig(configPaths...)
	if err != nil {
		c.UI.Error(err.Error())
		return 1
	}
	if dataDir != "" {
		config.DataDir = dataDir
	}
	if bindAddr != "" {
		config.BindAddr = bindAddr
	}
	if logLevel != "" {
		config.LogLevel = logLevel
	}
	if err := config.Validate(); err != nil {
		c.UI.Error(err.Error())
		return 1
	}

	logger := hclog.NewInterceptLogger(&hclog.LoggerOptions{
		Name:       "zoned",
		Level:      hclog.LevelFromString(config.LogLevel),
		JSONFormat: config.LogJSON,
	})

	if err := c.setupTelemetry(); err != nil {
		c.UI.Error(err.Error())
		return 1
	}

	logger.Info("starting zoned", "version", version.GetVersion().FullVersionNumber(true))

	a, err := agent.NewAgent(config, logger)
	if err != nil {
		c.UI.Error(err.Error())
		return 1
	}
	defer a.Shutdown()

	srv, err := agent.NewHTTPServer(a, config)
	if err != nil {
		c.UI.Error(err.Error())
		return 1
	}
	defer srv.Shutdown()

	c.UI.Output(fmt.Sprintf("zoned agent running, HTTP on %s", srv.Addr))

	signalCh := make(chan os.Signal, 1)
	signal.Notify(signalCh, os.Interrupt, syscall.SIGTERM)
	sig := <-signalCh

	logger.Info("caught signal, shutting down", "signal", sig)
	return 0
}

// setupTelemetry keeps an in-memory metrics sink that dumps on SIGUSR1.
func (c *AgentCommand) setupTelemetry() error {
	inm := metrics.NewInmemSink(10*time.Second, time.Minute)
	metrics.DefaultInmemSignal(inm)

	conf := metrics.DefaultConfig("zoned")
	conf.EnableHostname = false
	_, err := metrics.NewGlobal(conf, inm)
	return err
}

// stringSliceFlag collects repeated -config flags.
type stringSliceFlag []string

func (s *stringSliceFlag) String() string {
	return strings.Join(*s, ",")
}

func (s *stringSliceFlag) Set(value string) error {
	*s = append(*s, value)
	return nil
}
