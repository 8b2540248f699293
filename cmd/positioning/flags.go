package main

import (
	"flag"
	"fmt"
	"strconv"
	"time"
)

// options are the process settings. Everything else lives in the stored
// configuration and is edited from the console.
type options struct {
	listen       string
	dbPath       string
	seedPath     string
	verbose      bool
	version      bool
	adcWindow    int
	adcStale     time.Duration
	replyTimeout time.Duration
}

func envOr(getenv func(string) string, key, fallback string) string {
	if v := getenv(key); v != "" {
		return v
	}
	return fallback
}

// parseFlags reads args with defaults taken from the environment, so a
// .env file can stand in for a long command line.
func parseFlags(fs *flag.FlagSet, args []string, getenv func(string) string) (options, error) {
	var o options
	fs.StringVar(&o.listen, "listen", envOr(getenv, "POSITIONING_LISTEN", ""), "Listen address (defaults to :web_port from the configuration)")
	fs.StringVar(&o.dbPath, "db-path", envOr(getenv, "POSITIONING_DB", "positioning.db"), "Path to the sqlite database")
	fs.StringVar(&o.seedPath, "config", envOr(getenv, "POSITIONING_CONFIG", "config.toml"), "TOML file seeding the configuration on first boot")
	fs.BoolVar(&o.version, "version", false, "Print version and exit")
	fs.IntVar(&o.adcWindow, "adc-window", 10, "Number of ADC samples averaged per channel")
	fs.DurationVar(&o.adcStale, "adc-stale", 2*time.Second, "Age after which ADC readings are refused")
	fs.DurationVar(&o.replyTimeout, "reply-timeout", 2*time.Second, "Timeout for a single Zaber reply")

	verbose, err := strconv.ParseBool(envOr(getenv, "POSITIONING_VERBOSE", "false"))
	if err != nil {
		return o, fmt.Errorf("POSITIONING_VERBOSE: %w", err)
	}
	fs.BoolVar(&o.verbose, "verbose", verbose, "Enable debug logging")

	if err := fs.Parse(args); err != nil {
		return o, err
	}
	if o.dbPath == "" {
		return o, fmt.Errorf("-db-path is required")
	}
	if o.adcWindow < 1 {
		return o, fmt.Errorf("-adc-window must be at least 1, got %d", o.adcWindow)
	}
	return o, nil
}
