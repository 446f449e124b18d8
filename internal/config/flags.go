package config

import (
	"flag"
	"os"
	"path/filepath"
	"strconv"
)

// Options are the process-level settings that pick which config document to
// watch and override a few of its fields. Flags take precedence over
// environment variables.
type Options struct {
	ConfigPath string
	DBPath     string
	LogLevel   string
	Iface      string
	Addr       string
	Debug      bool
	PollMS     int

	// replay
	PcapPath string
	Band     string
	Channel  int

	// iface-up
	Device string
}

// ParseOptions reads env defaults and then the flags of one subcommand.
func ParseOptions(command string, args []string) (*Options, error) {
	opts := &Options{
		ConfigPath: getEnv("PIGUARD_CONFIG", "/etc/piguard/piguard.yaml"),
		DBPath:     getEnv("PIGUARD_DB", ""),
		LogLevel:   getEnv("PIGUARD_LOG_LEVEL", ""),
		Debug:      getEnvBool("PIGUARD_DEBUG", false),
		PollMS:     getEnvInt("PIGUARD_POLL_MS", 1000),
	}

	fs := flag.NewFlagSet(command, flag.ContinueOnError)
	fs.StringVar(&opts.ConfigPath, "config", opts.ConfigPath, "Path to piguard.yaml")
	fs.StringVar(&opts.DBPath, "db", opts.DBPath, "Override database.path")
	fs.StringVar(&opts.LogLevel, "log-level", opts.LogLevel, "Override log_level (debug, info, warn, error)")
	fs.BoolVar(&opts.Debug, "debug", opts.Debug, "Enable verbose debug logging")
	fs.IntVar(&opts.PollMS, "poll", opts.PollMS, "Config file poll interval in milliseconds")

	switch command {
	case "sniffer", "dev":
		fs.StringVar(&opts.Iface, "i", "", "Override capture.iface")
	}
	switch command {
	case "api", "dev":
		fs.StringVar(&opts.Addr, "addr", "", "Override api.bind")
	case "replay":
		fs.StringVar(&opts.PcapPath, "pcap", "", "PCAP file to replay")
		fs.StringVar(&opts.Band, "band", "5", "Band recorded for frames without radio metadata")
		fs.IntVar(&opts.Channel, "chan", 36, "Channel recorded for frames without radio metadata")
	case "iface-up":
		fs.StringVar(&opts.Device, "dev", "", "Wireless interface name (e.g. wlan0)")
	}

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if opts.Debug && opts.LogLevel == "" {
		opts.LogLevel = "debug"
	}
	return opts, nil
}

// Apply copies the overrides onto a snapshot. It is used as the Manager's
// overlay so every reloaded document carries them too.
func (o *Options) Apply(cfg *Config) {
	if o == nil {
		return
	}
	if o.DBPath != "" {
		cfg.Database.Path = o.DBPath
	}
	if o.LogLevel != "" {
		cfg.LogLevel = o.LogLevel
	}
	if o.Iface != "" {
		cfg.Capture.Iface = o.Iface
	}
	if o.Addr != "" {
		cfg.API.Bind = o.Addr
	}
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if value, ok := os.LookupEnv(key); ok {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if value, ok := os.LookupEnv(key); ok {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return fallback
}

// DefaultDBPath returns the default database path in the user's home
// directory, falling back to the working directory.
func DefaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "piguard.db"
	}
	return filepath.Join(home, ".piguard", "piguard.db")
}
