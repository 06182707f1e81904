package main

import (
	"fmt"
	"os"

	flag "github.com/spf13/pflag"
)

// version is injected at build time with -ldflags "-X main.version=...". Defaults to dev.
var version = "dev"

// cliOptions holds user supplied flag values prior to translation into the
// layered config, so main.go can validate and map.
type cliOptions struct {
	configPath  string
	listenAddr  string
	channelID   string
	assetRoot   string
	logLevel    string
	showVersion bool
}

func parseFlags(args []string) (*cliOptions, map[string]interface{}, error) {
	fs := flag.NewFlagSet("playout", flag.ContinueOnError)
	fs.SetOutput(os.Stdout)

	opts := &cliOptions{}
	fs.StringVar(&opts.configPath, "config", "", "Path to YAML config file")
	fs.StringVar(&opts.listenAddr, "listen", "", "HTTP listen address (e.g. :8470)")
	fs.StringVar(&opts.channelID, "channel", "", "Channel identifier")
	fs.StringVar(&opts.assetRoot, "asset-root", "", "Root directory for relative asset URIs")
	fs.StringVar(&opts.logLevel, "log-level", "", "Log level: debug|info|warn|error")
	fs.BoolVar(&opts.showVersion, "version", false, "Print version and exit")

	if err := fs.Parse(args); err != nil {
		return nil, nil, err
	}

	if opts.logLevel != "" {
		switch opts.logLevel {
		case "debug", "info", "warn", "error":
		default:
			err := fmt.Errorf("invalid log-level %q", opts.logLevel)
			fmt.Fprintln(os.Stdout, err)
			return nil, nil, err
		}
	}

	// Only explicitly-set flags become overrides; everything else layers from
	// file and environment.
	overrides := map[string]interface{}{}
	if opts.listenAddr != "" {
		overrides["listen_addr"] = opts.listenAddr
	}
	if opts.channelID != "" {
		overrides["channel_id"] = opts.channelID
	}
	if opts.assetRoot != "" {
		overrides["asset_root"] = opts.assetRoot
	}
	if opts.logLevel != "" {
		overrides["log_level"] = opts.logLevel
	}
	return opts, overrides, nil
}
