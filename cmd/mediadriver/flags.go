package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
)

// version is injected at build time with -ldflags "-X main.version=...". Defaults to dev.
var version = "dev"

// cliConfig holds user-supplied flag values prior to translation into a
// driverctx.Context, so main.go can validate and map them in one place.
type cliConfig struct {
	aeronDir      string
	termLength    uint
	mtu           uint
	metricsAddr   string
	threading     string
	logLevel      string
	propertiesArg string
	configFile    string
	showVersion   bool
}

func parseFlags(args []string) (*cliConfig, error) {
	fs := flag.NewFlagSet("mediadriver", flag.ContinueOnError)
	fs.SetOutput(os.Stdout)

	cfg := &cliConfig{}
	fs.StringVar(&cfg.aeronDir, "dir", "", "Aeron directory (overrides aeron.dir from the properties file)")
	fs.UintVar(&cfg.termLength, "term-length", 0, "Default term length in bytes (overrides aeron.term.length)")
	fs.UintVar(&cfg.mtu, "mtu", 0, "Default MTU in bytes (overrides aeron.mtu.length)")
	fs.StringVar(&cfg.metricsAddr, "metrics-addr", ":9111", "Address to serve Prometheus /metrics on")
	fs.StringVar(&cfg.threading, "threading", "", "Threading mode: dedicated|shared-network|shared (overrides aeron.threading.mode)")
	fs.StringVar(&cfg.logLevel, "log-level", "info", "Log level: debug|info|warn|error")
	fs.StringVar(&cfg.configFile, "config", "", "Optional YAML overrides file")
	fs.BoolVar(&cfg.showVersion, "version", false, "Print version and exit")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	switch cfg.logLevel {
	case "debug", "info", "warn", "error":
	default:
		return nil, fmt.Errorf("invalid log-level %q", cfg.logLevel)
	}

	rest := fs.Args()
	if len(rest) > 1 {
		return nil, errors.New("at most one positional properties-file argument is accepted")
	}
	if len(rest) == 1 {
		cfg.propertiesArg = rest[0]
	}

	return cfg, nil
}
