package config

import (
	"bytes"
	"errors"
	"fmt"
	"net/mail"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/mardigiorgio/PiGuard/internal/core/domain"
	"gopkg.in/yaml.v3"
)

// ErrInvalid wraps every validation failure so callers can tell a rejected
// document from an I/O error.
var ErrInvalid = errors.New("invalid configuration")

// Config is the whole operator-owned document. A *Config handed out by the
// Manager is a snapshot and must not be mutated.
type Config struct {
	LogLevel   string          `json:"log_level" yaml:"log_level" validate:"omitempty,oneof=debug info warn error"`
	Database   DatabaseConfig  `json:"database" yaml:"database"`
	Capture    CaptureConfig   `json:"capture" yaml:"capture"`
	Defense    DefenseConfig   `json:"defense" yaml:"defense"`
	Thresholds ThresholdConfig `json:"thresholds" yaml:"thresholds"`
	Detection  DetectionConfig `json:"detection" yaml:"detection"`
	Alerts     AlertsConfig    `json:"alerts" yaml:"alerts"`
	API        APIConfig       `json:"api" yaml:"api"`
}

type DatabaseConfig struct {
	Path string `json:"path" yaml:"path" validate:"required"`
}

// CaptureConfig controls the monitor interface and the hopper.
type CaptureConfig struct {
	Iface           string    `json:"iface" yaml:"iface"`
	ParseRSN        bool      `json:"parse_rsn" yaml:"parse_rsn"`
	BatchSize       int       `json:"batch_size" yaml:"batch_size" validate:"gte=1,lte=10000"`
	FlushMS         int       `json:"flush_ms" yaml:"flush_ms" validate:"gte=10"`
	MaxOpenRetries  int       `json:"max_open_retries" yaml:"max_open_retries" validate:"gte=0"`
	SwitchTimeoutMS int       `json:"switch_timeout_ms" yaml:"switch_timeout_ms" validate:"gte=10"`
	Hop             HopConfig `json:"hop" yaml:"hop"`
}

type HopConfig struct {
	Mode         domain.HopMode `json:"mode" yaml:"mode" validate:"oneof=lock list all"`
	LockChannel  int            `json:"lock_channel" yaml:"lock_channel" validate:"gte=0,lte=233"`
	ListChannels []int          `json:"list_channels" yaml:"list_channels,omitempty" validate:"dive,gte=1,lte=233"`
	DwellMS      int            `json:"dwell_ms" yaml:"dwell_ms" validate:"gte=10"`
	Channels24   []int          `json:"channels_24" yaml:"channels_24,omitempty" validate:"dive,gte=1,lte=14"`
	Channels5    []int          `json:"channels_5" yaml:"channels_5,omitempty" validate:"dive,gte=32,lte=196"`
	Channels6    []int          `json:"channels_6" yaml:"channels_6,omitempty" validate:"dive,gte=1,lte=233"`
}

// DefenseConfig describes the defended network. An empty SSID disarms the
// SSID-scoped detectors.
type DefenseConfig struct {
	SSID            string   `json:"ssid" yaml:"ssid" validate:"max=32"`
	AllowedBSSIDs   []string `json:"allowed_bssids" yaml:"allowed_bssids,omitempty" validate:"dive,mac"`
	AllowedChannels []int    `json:"allowed_channels" yaml:"allowed_channels,omitempty" validate:"dive,gte=1,lte=233"`
	AllowedBands    []string `json:"allowed_bands" yaml:"allowed_bands,omitempty" validate:"dive,oneof=2.4 5 6"`
}

// Armed reports whether a defended SSID is configured.
func (d DefenseConfig) Armed() bool {
	return strings.TrimSpace(d.SSID) != ""
}

// BSSIDAllowed reports whether bssid is on a non-empty allowlist.
func (d DefenseConfig) BSSIDAllowed(bssid string) bool {
	bssid = domain.NormalizeMAC(bssid)
	for _, b := range d.AllowedBSSIDs {
		if domain.NormalizeMAC(b) == bssid {
			return true
		}
	}
	return false
}

// ChannelAllowed is true when the channel allowlist is empty or contains ch.
func (d DefenseConfig) ChannelAllowed(ch int) bool {
	return len(d.AllowedChannels) == 0 || slices.Contains(d.AllowedChannels, ch)
}

// BandAllowed is true when the band allowlist is empty or contains band.
func (d DefenseConfig) BandAllowed(band domain.Band) bool {
	return len(d.AllowedBands) == 0 || slices.Contains(d.AllowedBands, string(band))
}

type ThresholdConfig struct {
	Deauth DeauthThresholds `json:"deauth" yaml:"deauth"`
	Rogue  RogueThresholds  `json:"rogue" yaml:"rogue"`
}

type DeauthThresholds struct {
	WindowSec        int     `json:"window_sec" yaml:"window_sec" validate:"gte=1"`
	PerSrcLimit      int     `json:"per_src_limit" yaml:"per_src_limit" validate:"gte=1"`
	GlobalLimit      int     `json:"global_limit" yaml:"global_limit" validate:"gte=1"`
	CooldownSec      int     `json:"cooldown_sec" yaml:"cooldown_sec" validate:"gte=0"`
	CriticalMultiple float64 `json:"critical_multiple" yaml:"critical_multiple" validate:"gte=1"`
}

func (d DeauthThresholds) Window() time.Duration   { return seconds(d.WindowSec) }
func (d DeauthThresholds) Cooldown() time.Duration { return seconds(d.CooldownSec) }

type RogueThresholds struct {
	PwrWindow       int     `json:"pwr_window" yaml:"pwr_window" validate:"gte=2"`
	PwrVarThreshold float64 `json:"pwr_var_threshold" yaml:"pwr_var_threshold" validate:"gt=0"`
	PwrCooldownSec  int     `json:"pwr_cooldown_sec" yaml:"pwr_cooldown_sec" validate:"gte=0"`
	CooldownSec     int     `json:"cooldown_sec" yaml:"cooldown_sec" validate:"gte=0"`
}

func (r RogueThresholds) PwrCooldown() time.Duration { return seconds(r.PwrCooldownSec) }
func (r RogueThresholds) Cooldown() time.Duration    { return seconds(r.CooldownSec) }

type DetectionConfig struct {
	TickSec             int `json:"tick_sec" yaml:"tick_sec" validate:"gte=1"`
	BaselineLookbackSec int `json:"baseline_lookback_sec" yaml:"baseline_lookback_sec" validate:"gte=1"`
}

func (d DetectionConfig) Tick() time.Duration             { return seconds(d.TickSec) }
func (d DetectionConfig) BaselineLookback() time.Duration { return seconds(d.BaselineLookbackSec) }

type AlertsConfig struct {
	CooldownCapacity int           `json:"cooldown_capacity" yaml:"cooldown_capacity" validate:"gte=16"`
	NotifyTimeoutSec int           `json:"notify_timeout_sec" yaml:"notify_timeout_sec" validate:"gte=1"`
	DiscordWebhook   string        `json:"discord_webhook" yaml:"discord_webhook" validate:"omitempty,url"`
	Webhook          WebhookConfig `json:"webhook" yaml:"webhook"`
	NATS             NATSConfig    `json:"nats" yaml:"nats"`
	Kafka            KafkaConfig   `json:"kafka" yaml:"kafka"`
	Email            EmailConfig   `json:"email" yaml:"email"`
}

type WebhookConfig struct {
	URL     string            `json:"url" yaml:"url" validate:"omitempty,url"`
	Headers map[string]string `json:"headers" yaml:"headers,omitempty"`
}

type NATSConfig struct {
	URL     string `json:"url" yaml:"url"`
	Subject string `json:"subject" yaml:"subject"`
}

type KafkaConfig struct {
	Brokers []string `json:"brokers" yaml:"brokers,omitempty"`
	Topic   string   `json:"topic" yaml:"topic"`
}

// EmailConfig enables SMTP delivery when To is non-empty.
type EmailConfig struct {
	SMTPHost string   `json:"smtp_host" yaml:"smtp_host"`
	SMTPPort int      `json:"smtp_port" yaml:"smtp_port" validate:"omitempty,gte=1,lte=65535"`
	Username string   `json:"username" yaml:"username"`
	Password string   `json:"-" yaml:"password"`
	From     string   `json:"from" yaml:"from"`
	To       []string `json:"to" yaml:"to,omitempty" validate:"omitempty,dive,email"`
}

func (e EmailConfig) Enabled() bool { return len(e.To) > 0 }

type APIConfig struct {
	Bind   string `json:"bind" yaml:"bind" validate:"required,hostname_port"`
	APIKey string `json:"api_key" yaml:"api_key"`
}

// DefaultConfig returns the settings used for any field the file omits.
func DefaultConfig() *Config {
	return &Config{
		LogLevel: "info",
		Database: DatabaseConfig{Path: DefaultDBPath()},
		Capture: CaptureConfig{
			Iface:           "wlan0mon",
			ParseRSN:        true,
			BatchSize:       200,
			FlushMS:         1000,
			SwitchTimeoutMS: 500,
			Hop: HopConfig{
				Mode:         domain.HopList,
				LockChannel:  6,
				ListChannels: []int{1, 6, 11},
				DwellMS:      300,
				Channels24:   []int{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13},
				Channels5:    []int{36, 40, 44, 48, 52, 56, 60, 64, 100, 104, 108, 112, 116, 120, 124, 128, 132, 136, 140, 149, 153, 157, 161, 165},
			},
		},
		Thresholds: ThresholdConfig{
			Deauth: DeauthThresholds{WindowSec: 10, PerSrcLimit: 30, GlobalLimit: 80, CooldownSec: 60, CriticalMultiple: 2},
			Rogue:  RogueThresholds{PwrWindow: 20, PwrVarThreshold: 150, PwrCooldownSec: 60, CooldownSec: 60},
		},
		Detection: DetectionConfig{TickSec: 2, BaselineLookbackSec: 600},
		Alerts: AlertsConfig{
			CooldownCapacity: 4096,
			NotifyTimeoutSec: 5,
			NATS:             NATSConfig{Subject: "piguard.alerts"},
			Kafka:            KafkaConfig{Topic: "piguard.alerts"},
			Email:            EmailConfig{SMTPHost: "smtp.gmail.com", SMTPPort: 587, From: "PiGuard <alerts@example.com>"},
		},
		API: APIConfig{Bind: "127.0.0.1:8080"},
	}
}

// Load reads, decodes and validates the file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes a YAML document over the defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, fmt.Errorf("%w: config file is empty", ErrInvalid)
	}
	cfg := DefaultConfig()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes cfg as YAML, replacing the file atomically so a concurrent
// watcher never reads a half-written document.
func Save(path string, cfg *Config) error {
	if path == "" || cfg == nil {
		return errors.New("config path or config is empty")
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".piguard-*.yaml")
	if err != nil {
		return fmt.Errorf("create temp config: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp config: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp config: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("replace config: %w", err)
	}
	return nil
}

func applyDefaults(cfg *Config) {
	def := DefaultConfig()
	if cfg.LogLevel == "" {
		cfg.LogLevel = def.LogLevel
	}
	if cfg.Database.Path == "" {
		cfg.Database.Path = def.Database.Path
	}
	if cfg.Capture.Hop.Mode == "" {
		cfg.Capture.Hop.Mode = def.Capture.Hop.Mode
	}
	if cfg.Alerts.NATS.Subject == "" {
		cfg.Alerts.NATS.Subject = def.Alerts.NATS.Subject
	}
	if cfg.Alerts.Kafka.Topic == "" {
		cfg.Alerts.Kafka.Topic = def.Alerts.Kafka.Topic
	}
	if cfg.Alerts.Email.SMTPHost == "" {
		cfg.Alerts.Email.SMTPHost = def.Alerts.Email.SMTPHost
	}
	if cfg.Alerts.Email.SMTPPort == 0 {
		cfg.Alerts.Email.SMTPPort = def.Alerts.Email.SMTPPort
	}
	if cfg.Alerts.Email.From == "" {
		cfg.Alerts.Email.From = def.Alerts.Email.From
	}
	for i, b := range cfg.Defense.AllowedBSSIDs {
		cfg.Defense.AllowedBSSIDs[i] = domain.NormalizeMAC(b)
	}
	cfg.Defense.SSID = strings.TrimSpace(cfg.Defense.SSID)
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks field ranges and the cross-field rules of the hop policy.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("%w: nil config", ErrInvalid)
	}
	if err := validate.Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("%w: %s failed %q (value %v)", ErrInvalid, fe.Namespace(), fe.Tag(), fe.Value())
		}
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}

	if cfg.Capture.Iface != "" && !domain.IsValidInterface(cfg.Capture.Iface) {
		return fmt.Errorf("%w: capture.iface %q is not a valid interface name", ErrInvalid, cfg.Capture.Iface)
	}

	hop := cfg.Capture.Hop
	switch hop.Mode {
	case domain.HopLock:
		if hop.LockChannel <= 0 {
			return fmt.Errorf("%w: capture.hop.lock_channel required when mode is lock", ErrInvalid)
		}
	case domain.HopList:
		if len(hop.ListChannels) == 0 {
			return fmt.Errorf("%w: capture.hop.list_channels required when mode is list", ErrInvalid)
		}
	case domain.HopAll:
		if len(hop.Channels24)+len(hop.Channels5)+len(hop.Channels6) == 0 {
			return fmt.Errorf("%w: capture.hop needs at least one band channel set when mode is all", ErrInvalid)
		}
	}
	if len(cfg.Alerts.Kafka.Brokers) > 0 && cfg.Alerts.Kafka.Topic == "" {
		return fmt.Errorf("%w: alerts.kafka.topic required when brokers are set", ErrInvalid)
	}
	if cfg.Alerts.Email.Enabled() {
		if _, err := mail.ParseAddress(cfg.Alerts.Email.From); err != nil {
			return fmt.Errorf("%w: alerts.email.from %q: %v", ErrInvalid, cfg.Alerts.Email.From, err)
		}
	}
	return nil
}

// HopPolicy derives the tagged hopping policy from the capture section.
func (c CaptureConfig) HopPolicy() domain.HopPolicy {
	switch c.Hop.Mode {
	case domain.HopLock:
		return domain.LockPolicy{Channel: c.Hop.LockChannel}
	case domain.HopAll:
		return domain.AllPolicy{
			Ch24: slices.Clone(c.Hop.Channels24),
			Ch5:  slices.Clone(c.Hop.Channels5),
			Ch6:  slices.Clone(c.Hop.Channels6),
		}
	default:
		return domain.ListPolicy{Channels: slices.Clone(c.Hop.ListChannels)}
	}
}

// Dwell is the time spent on each channel.
func (c CaptureConfig) Dwell() time.Duration { return time.Duration(c.Hop.DwellMS) * time.Millisecond }

// FlushInterval bounds how long a partial batch may wait.
func (c CaptureConfig) FlushInterval() time.Duration {
	return time.Duration(c.FlushMS) * time.Millisecond
}

// SwitchTimeout bounds a single channel switch.
func (c CaptureConfig) SwitchTimeout() time.Duration {
	return time.Duration(c.SwitchTimeoutMS) * time.Millisecond
}

// Clone returns a deep copy that may be mutated and validated as a new snapshot.
func (c *Config) Clone() *Config {
	out := *c
	out.Capture.Hop.ListChannels = slices.Clone(c.Capture.Hop.ListChannels)
	out.Capture.Hop.Channels24 = slices.Clone(c.Capture.Hop.Channels24)
	out.Capture.Hop.Channels5 = slices.Clone(c.Capture.Hop.Channels5)
	out.Capture.Hop.Channels6 = slices.Clone(c.Capture.Hop.Channels6)
	out.Defense.AllowedBSSIDs = slices.Clone(c.Defense.AllowedBSSIDs)
	out.Defense.AllowedChannels = slices.Clone(c.Defense.AllowedChannels)
	out.Defense.AllowedBands = slices.Clone(c.Defense.AllowedBands)
	out.Alerts.Kafka.Brokers = slices.Clone(c.Alerts.Kafka.Brokers)
	out.Alerts.Email.To = slices.Clone(c.Alerts.Email.To)
	if c.Alerts.Webhook.Headers != nil {
		out.Alerts.Webhook.Headers = make(map[string]string, len(c.Alerts.Webhook.Headers))
		for k, v := range c.Alerts.Webhook.Headers {
			out.Alerts.Webhook.Headers[k] = v
		}
	}
	return &out
}

func seconds(n int) time.Duration { return time.Duration(n) * time.Second }
