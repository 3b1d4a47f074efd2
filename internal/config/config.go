package config

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
)

// Config holds runtime configuration for the forking proxy engine.
// Precedence: CLI flags > env vars > defaults.
type Config struct {
	SIPPort     int
	SIPTLSPort  int
	HTTPPort    int
	TLSCert     string
	TLSKey      string
	Domain      string
	AppID       string
	NextHop     string
	LogLevel    string
	LogFormat   string
	MaxForwards int

	AdmissionRatePerSec int
	AdmissionBurst      int
}

const (
	defaultSIPPort     = 5060
	defaultSIPTLSPort  = 5061
	defaultHTTPPort    = 8080
	defaultLogLevel    = "info"
	defaultLogFormat   = "text"
	defaultMaxForwards = 70

	defaultAdmissionRate  = 50
	defaultAdmissionBurst = 100
)

// envPrefix is the prefix for all engine environment variables.
const envPrefix = "FORKCORE_"

// Load parses configuration from CLI flags and environment variables.
func Load() (*Config, error) {
	cfg := &Config{}

	fs := flag.NewFlagSet("forkcored", flag.ContinueOnError)

	fs.IntVar(&cfg.SIPPort, "sip-port", defaultSIPPort, "SIP UDP listen port")
	fs.IntVar(&cfg.SIPTLSPort, "sip-tls-port", defaultSIPTLSPort, "SIP TLS listen port (validated only; forkcored opens no TLS listener)")
	fs.IntVar(&cfg.HTTPPort, "http-port", defaultHTTPPort, "operational HTTP listen port (health/metrics)")
	fs.StringVar(&cfg.TLSCert, "tls-cert", "", "path to TLS certificate file")
	fs.StringVar(&cfg.TLSKey, "tls-key", "", "path to TLS private key file")
	fs.StringVar(&cfg.Domain, "domain", "", "this proxy's own domain, used for Route/Via self-recognition")
	fs.StringVar(&cfg.AppID, "app-id", "forkcored", "identifier embedded in this instance's branches/tags, used for loop detection")
	fs.StringVar(&cfg.NextHop, "next-hop", "", "static destination URI (or comma-separated URIs) every stateful INVITE/non-ACK is forked to; empty disables forking (URI resolution is normally an embedder's job)")
	fs.StringVar(&cfg.LogLevel, "log-level", defaultLogLevel, "log level (debug, info, warn, error)")
	fs.StringVar(&cfg.LogFormat, "log-format", defaultLogFormat, "log output format (text, json)")
	fs.IntVar(&cfg.MaxForwards, "max-forwards", defaultMaxForwards, "Max-Forwards value applied when a request omits it")
	fs.IntVar(&cfg.AdmissionRatePerSec, "admission-rate", defaultAdmissionRate, "per-source admitted requests per second (0 disables limiting)")
	fs.IntVar(&cfg.AdmissionBurst, "admission-burst", defaultAdmissionBurst, "per-source admission burst size")

	if err := fs.Parse(os.Args[1:]); err != nil {
		return nil, fmt.Errorf("parsing flags: %w", err)
	}

	applyEnvOverrides(fs, cfg)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// applyEnvOverrides checks environment variables for any flag not
// explicitly provided on the command line. CLI flags take precedence.
func applyEnvOverrides(fs *flag.FlagSet, cfg *Config) {
	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) {
		set[f.Name] = true
	})

	envMap := map[string]string{
		"sip-port":        envPrefix + "SIP_PORT",
		"sip-tls-port":    envPrefix + "SIP_TLS_PORT",
		"http-port":       envPrefix + "HTTP_PORT",
		"tls-cert":        envPrefix + "TLS_CERT",
		"tls-key":         envPrefix + "TLS_KEY",
		"domain":          envPrefix + "DOMAIN",
		"app-id":          envPrefix + "APP_ID",
		"next-hop":        envPrefix + "NEXT_HOP",
		"log-level":       envPrefix + "LOG_LEVEL",
		"log-format":      envPrefix + "LOG_FORMAT",
		"max-forwards":    envPrefix + "MAX_FORWARDS",
		"admission-rate":  envPrefix + "ADMISSION_RATE",
		"admission-burst": envPrefix + "ADMISSION_BURST",
	}

	for flagName, envVar := range envMap {
		if set[flagName] {
			continue
		}
		val, ok := os.LookupEnv(envVar)
		if !ok || val == "" {
			continue
		}
		switch flagName {
		case "sip-port":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.SIPPort = v
			}
		case "sip-tls-port":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.SIPTLSPort = v
			}
		case "http-port":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.HTTPPort = v
			}
		case "tls-cert":
			cfg.TLSCert = val
		case "tls-key":
			cfg.TLSKey = val
		case "domain":
			cfg.Domain = val
		case "app-id":
			cfg.AppID = val
		case "next-hop":
			cfg.NextHop = val
		case "log-level":
			cfg.LogLevel = val
		case "log-format":
			cfg.LogFormat = val
		case "max-forwards":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.MaxForwards = v
			}
		case "admission-rate":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.AdmissionRatePerSec = v
			}
		case "admission-burst":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.AdmissionBurst = v
			}
		}
	}
}

// validate checks that the config values are sane.
func (c *Config) validate() error {
	if c.SIPPort < 1 || c.SIPPort > 65535 {
		return fmt.Errorf("sip-port must be between 1 and 65535, got %d", c.SIPPort)
	}
	if c.SIPTLSPort < 1 || c.SIPTLSPort > 65535 {
		return fmt.Errorf("sip-tls-port must be between 1 and 65535, got %d", c.SIPTLSPort)
	}
	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		return fmt.Errorf("http-port must be between 1 and 65535, got %d", c.HTTPPort)
	}
	if c.MaxForwards < 1 || c.MaxForwards > 255 {
		return fmt.Errorf("max-forwards must be between 1 and 255, got %d", c.MaxForwards)
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.LogLevel)] {
		return fmt.Errorf("log-level must be one of debug, info, warn, error; got %q", c.LogLevel)
	}
	c.LogLevel = strings.ToLower(c.LogLevel)

	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[strings.ToLower(c.LogFormat)] {
		return fmt.Errorf("log-format must be one of text, json; got %q", c.LogFormat)
	}
	c.LogFormat = strings.ToLower(c.LogFormat)

	if (c.TLSCert == "") != (c.TLSKey == "") {
		return fmt.Errorf("tls-cert and tls-key must both be provided or both be omitted")
	}

	return nil
}

// TLSEnabled returns true if TLS certificates are configured for the SIP
// TLS listener.
func (c *Config) TLSEnabled() bool {
	return c.TLSCert != ""
}

// SlogHandler returns a slog.Handler configured with the appropriate
// format (text or json) and log level.
func (c *Config) SlogHandler(w *os.File) slog.Handler {
	opts := &slog.HandlerOptions{Level: c.SlogLevel()}
	if c.LogFormat == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

// SlogLevel returns the slog.Level corresponding to the configured log level.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
