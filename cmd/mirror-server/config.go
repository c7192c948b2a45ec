package main

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/kstaniek/go-mirror-server/internal/serial"
	"github.com/kstaniek/go-mirror-server/internal/stream"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

type appConfig struct {
	configFile      string
	serialDev       string
	baud            int
	serialReadTO    time.Duration
	ingestSize      int
	txQueue         int
	tickInterval    time.Duration
	pokeInterval    time.Duration
	reconnectDelay  time.Duration
	audio           string
	mute            bool
	listenAddr      string
	clientReadTO    time.Duration
	logFormat       string
	logLevel        string
	metricsAddr     string
	hubBuffer       int
	hubPolicy       string
	maxViewers      int
	logMetricsEvery time.Duration
	mdnsEnable      bool
	mdnsName        string
}

func defaultConfig() *appConfig {
	return &appConfig{
		serialDev:      serial.Auto,
		baud:           115200,
		serialReadTO:   50 * time.Millisecond,
		ingestSize:     65536,
		txQueue:        64,
		tickInterval:   time.Millisecond,
		pokeInterval:   time.Second,
		reconnectDelay: 10 * time.Millisecond,
		audio:          "stereo16",
		listenAddr:     ":8080",
		clientReadTO:   60 * time.Second,
		logFormat:      "text",
		logLevel:       "info",
		hubBuffer:      16,
		hubPolicy:      "drop",
	}
}

// bindFlags registers every setting on fs with c's current values as defaults.
func bindFlags(fs *pflag.FlagSet, c *appConfig) {
	fs.StringVar(&c.configFile, "config", "", "YAML config file (keys are flag names)")
	fs.StringVar(&c.serialDev, "serial", c.serialDev, "Serial device path, or 'auto' to discover by USB VID/PID")
	fs.IntVar(&c.baud, "baud", c.baud, "Serial baud rate")
	fs.DurationVar(&c.serialReadTO, "serial-read-timeout", c.serialReadTO, "Serial read timeout")
	fs.IntVar(&c.ingestSize, "ingest-buffer", c.ingestSize, "Ingest buffer size in bytes")
	fs.IntVar(&c.txQueue, "tx-queue", c.txQueue, "Outbound command queue length")
	fs.DurationVar(&c.tickInterval, "tick-interval", c.tickInterval, "Main loop period")
	fs.DurationVar(&c.pokeInterval, "poke-interval", c.pokeInterval, "Keepalive period")
	fs.DurationVar(&c.reconnectDelay, "reconnect-delay", c.reconnectDelay, "Pause between stream disable and re-enable after a desync")
	fs.StringVar(&c.audio, "audio", c.audio, "Audio format requested from the device: stereo16|mono16|disabled")
	fs.BoolVar(&c.mute, "mute", c.mute, "Mute the device speaker while mirroring")
	fs.StringVar(&c.listenAddr, "listen", c.listenAddr, "Viewer HTTP/websocket listen address")
	fs.DurationVar(&c.clientReadTO, "client-read-timeout", c.clientReadTO, "Per-viewer read deadline")
	fs.StringVar(&c.logFormat, "log-format", c.logFormat, "Log format: text|json")
	fs.StringVar(&c.logLevel, "log-level", c.logLevel, "Log level: debug|info|warn|error")
	fs.StringVar(&c.metricsAddr, "metrics-addr", c.metricsAddr, "Separate metrics HTTP listen address (e.g., :9100); empty disables")
	fs.IntVar(&c.hubBuffer, "hub-buffer", c.hubBuffer, "Per-viewer queue (packets)")
	fs.StringVar(&c.hubPolicy, "hub-policy", c.hubPolicy, "Backpressure policy: drop|kick")
	fs.IntVar(&c.maxViewers, "max-viewers", c.maxViewers, "Maximum simultaneous viewers (0 = unlimited)")
	fs.DurationVar(&c.logMetricsEvery, "log-metrics-interval", c.logMetricsEvery, "If >0, periodically log metrics counters")
	fs.BoolVar(&c.mdnsEnable, "mdns-enable", c.mdnsEnable, "Enable mDNS advertisement")
	fs.StringVar(&c.mdnsName, "mdns-name", c.mdnsName, "mDNS instance name (default mirror-server-<hostname>)")
}

// setting maps one key to its environment variable and a string parser.
// Keys are flag names and double as YAML keys.
type setting struct {
	key   string
	env   string
	apply func(string) error
}

func strSetting(key, env string, dst *string) setting {
	return setting{key, env, func(v string) error { *dst = v; return nil }}
}

func intSetting(key, env string, dst *int) setting {
	return setting{key, env, func(v string) error {
		n, err := strconv.Atoi(v)
		if err != nil {
			return err
		}
		*dst = n
		return nil
	}}
}

func durSetting(key, env string, dst *time.Duration) setting {
	return setting{key, env, func(v string) error {
		d, err := time.ParseDuration(v)
		if err != nil {
			return err
		}
		*dst = d
		return nil
	}}
}

func boolSetting(key, env string, dst *bool) setting {
	return setting{key, env, func(v string) error {
		switch strings.ToLower(v) {
		case "1", "true", "yes", "on":
			*dst = true
		case "0", "false", "no", "off":
			*dst = false
		default:
			return fmt.Errorf("not a boolean: %q", v)
		}
		return nil
	}}
}

func (c *appConfig) settings() []setting {
	return []setting{
		strSetting("serial", "MIRROR_SERVER_SERIAL", &c.serialDev),
		intSetting("baud", "MIRROR_SERVER_BAUD", &c.baud),
		durSetting("serial-read-timeout", "MIRROR_SERVER_SERIAL_READ_TIMEOUT", &c.serialReadTO),
		intSetting("ingest-buffer", "MIRROR_SERVER_INGEST_BUFFER", &c.ingestSize),
		intSetting("tx-queue", "MIRROR_SERVER_TX_QUEUE", &c.txQueue),
		durSetting("tick-interval", "MIRROR_SERVER_TICK_INTERVAL", &c.tickInterval),
		durSetting("poke-interval", "MIRROR_SERVER_POKE_INTERVAL", &c.pokeInterval),
		durSetting("reconnect-delay", "MIRROR_SERVER_RECONNECT_DELAY", &c.reconnectDelay),
		strSetting("audio", "MIRROR_SERVER_AUDIO", &c.audio),
		boolSetting("mute", "MIRROR_SERVER_MUTE", &c.mute),
		strSetting("listen", "MIRROR_SERVER_LISTEN", &c.listenAddr),
		durSetting("client-read-timeout", "MIRROR_SERVER_CLIENT_READ_TIMEOUT", &c.clientReadTO),
		strSetting("log-format", "MIRROR_SERVER_LOG_FORMAT", &c.logFormat),
		strSetting("log-level", "MIRROR_SERVER_LOG_LEVEL", &c.logLevel),
		strSetting("metrics-addr", "MIRROR_SERVER_METRICS", &c.metricsAddr),
		intSetting("hub-buffer", "MIRROR_SERVER_HUB_BUFFER", &c.hubBuffer),
		strSetting("hub-policy", "MIRROR_SERVER_HUB_POLICY", &c.hubPolicy),
		intSetting("max-viewers", "MIRROR_SERVER_MAX_VIEWERS", &c.maxViewers),
		durSetting("log-metrics-interval", "MIRROR_SERVER_LOG_METRICS_INTERVAL", &c.logMetricsEvery),
		boolSetting("mdns-enable", "MIRROR_SERVER_MDNS_ENABLE", &c.mdnsEnable),
		strSetting("mdns-name", "MIRROR_SERVER_MDNS_NAME", &c.mdnsName),
	}
}

// applyConfigFile loads a flat YAML document of flag-name keys. Keys whose
// flag was set explicitly are skipped; unknown keys are an error.
func applyConfigFile(c *appConfig, path string, set map[string]struct{}) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	values := map[string]string{}
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	if err := dec.Decode(&values); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	known := map[string]setting{}
	for _, s := range c.settings() {
		known[s.key] = s
	}
	for k, v := range values {
		s, ok := known[k]
		if !ok {
			return fmt.Errorf("config %s: unknown key %q", path, k)
		}
		if _, ok := set[k]; ok {
			continue
		}
		if err := s.apply(strings.TrimSpace(v)); err != nil {
			return fmt.Errorf("config %s: %s: %w", path, k, err)
		}
	}
	return nil
}

// applyEnvOverrides maps MIRROR_SERVER_* environment variables to config
// fields unless the corresponding flag was explicitly set. Empty values are
// ignored. The first parse error is returned; later variables still apply.
func applyEnvOverrides(c *appConfig, set map[string]struct{}) error {
	var firstErr error
	for _, s := range c.settings() {
		if _, ok := set[s.key]; ok {
			continue
		}
		v, ok := os.LookupEnv(s.env)
		v = strings.TrimSpace(v)
		if !ok || v == "" {
			continue
		}
		if err := s.apply(v); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("invalid %s: %w", s.env, err)
		}
	}
	return firstErr
}

// loadConfig resolves the final configuration:
// defaults < YAML file < environment < explicitly set flags.
func loadConfig(fs *pflag.FlagSet, c *appConfig) error {
	set := map[string]struct{}{}
	fs.Visit(func(f *pflag.Flag) { set[f.Name] = struct{}{} })
	path := c.configFile
	if path == "" {
		path = strings.TrimSpace(os.Getenv("MIRROR_SERVER_CONFIG"))
	}
	if path != "" {
		if err := applyConfigFile(c, path, set); err != nil {
			return err
		}
	}
	if err := applyEnvOverrides(c, set); err != nil {
		return fmt.Errorf("environment override error: %w", err)
	}
	return c.validate()
}

// validate performs basic semantic validation of the parsed configuration.
// It does not attempt to open devices or listeners; it only checks values.
func (c *appConfig) validate() error {
	if c == nil {
		return errors.New("nil config")
	}
	switch c.logFormat {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log-format: %s", c.logFormat)
	}
	switch c.logLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log-level: %s", c.logLevel)
	}
	switch c.hubPolicy {
	case "drop", "kick":
	default:
		return fmt.Errorf("invalid hub-policy: %s", c.hubPolicy)
	}
	if _, err := stream.ParseAudioConfig(c.audio); err != nil {
		return fmt.Errorf("invalid audio: %w", err)
	}
	if c.serialDev == "" {
		return errors.New("serial must not be empty (use 'auto' to discover)")
	}
	if c.listenAddr == "" {
		return errors.New("listen must not be empty")
	}
	if c.hubBuffer <= 0 {
		return fmt.Errorf("hub-buffer must be > 0 (got %d)", c.hubBuffer)
	}
	if c.baud <= 0 {
		return fmt.Errorf("baud must be > 0 (got %d)", c.baud)
	}
	if c.serialReadTO <= 0 {
		return fmt.Errorf("serial-read-timeout must be > 0")
	}
	if c.ingestSize < 4096 {
		return fmt.Errorf("ingest-buffer must be >= 4096 (got %d)", c.ingestSize)
	}
	if c.txQueue <= 0 {
		return fmt.Errorf("tx-queue must be > 0 (got %d)", c.txQueue)
	}
	if c.tickInterval <= 0 {
		return fmt.Errorf("tick-interval must be > 0")
	}
	if c.pokeInterval <= 0 {
		return fmt.Errorf("poke-interval must be > 0")
	}
	if c.reconnectDelay <= 0 {
		return fmt.Errorf("reconnect-delay must be > 0")
	}
	if c.clientReadTO <= 0 {
		return fmt.Errorf("client-read-timeout must be > 0")
	}
	if c.maxViewers < 0 {
		return fmt.Errorf("max-viewers must be >= 0")
	}
	if c.logMetricsEvery < 0 {
		return fmt.Errorf("log-metrics-interval must be >= 0")
	}
	return nil
}

func (c *appConfig) audioConfig() stream.AudioConfig {
	a, _ := stream.ParseAudioConfig(c.audio)
	return a
}
