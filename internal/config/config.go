package config

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	"gopkg.in/yaml.v3"
)

const (
	FanOutStored   = "stored"
	FanOutObserved = "observed"
)

type Config struct {
	LogLevel   string           `json:"log_level" yaml:"log_level"`
	LogFormat  string           `json:"log_format" yaml:"log_format"`
	Capture    CaptureConfig    `json:"capture" yaml:"capture"`
	Ingest     IngestConfig     `json:"ingest" yaml:"ingest"`
	Detection  DetectionConfig  `json:"detection" yaml:"detection"`
	Exemptions ExemptionsConfig `json:"exemptions" yaml:"exemptions"`
	API        APIConfig        `json:"api" yaml:"api"`
	Storage    StorageConfig    `json:"storage" yaml:"storage"`
	Alerts     AlertsConfig     `json:"alerts" yaml:"alerts"`
	Metrics    MetricsConfig    `json:"metrics" yaml:"metrics"`
}

type CaptureConfig struct {
	Enabled     bool   `json:"enabled" yaml:"enabled"`
	Interface   string `json:"interface" yaml:"interface"`
	PcapFile    string `json:"pcap_file" yaml:"pcap_file"`
	BPFFilter   string `json:"bpf_filter" yaml:"bpf_filter"`
	SnapLen     int32  `json:"snaplen" yaml:"snaplen"`
	Promiscuous bool   `json:"promiscuous" yaml:"promiscuous"`
	SYNOnly     bool   `json:"syn_only" yaml:"syn_only"`
}

type IngestConfig struct {
	ChannelBuffer int             `json:"channel_buffer" yaml:"channel_buffer"`
	Timezone      string          `json:"timezone" yaml:"timezone"`
	REST          RESTConfig      `json:"rest" yaml:"rest"`
	Syslog        SyslogConfig    `json:"syslog" yaml:"syslog"`
	TCPStream     TCPStreamConfig `json:"tcp_stream" yaml:"tcp_stream"`
	FileTail      FileTailConfig  `json:"file_tail" yaml:"file_tail"`
	Kafka         KafkaConfig     `json:"kafka" yaml:"kafka"`
	NATS          NATSIngest      `json:"nats" yaml:"nats"`
}

type RESTConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Addr    string `json:"addr" yaml:"addr"`
}

type SyslogConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	UDPAddr string `json:"udp_addr" yaml:"udp_addr"`
	TCPAddr string `json:"tcp_addr" yaml:"tcp_addr"`
}

type TCPStreamConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Addr    string `json:"addr" yaml:"addr"`
}

type FileTailConfig struct {
	Enabled    bool     `json:"enabled" yaml:"enabled"`
	StartAtEnd bool     `json:"start_at_end" yaml:"start_at_end"`
	Files      []string `json:"files" yaml:"files"`
}

type KafkaConfig struct {
	Enabled bool     `json:"enabled" yaml:"enabled"`
	Brokers []string `json:"brokers" yaml:"brokers"`
	Topic   string   `json:"topic" yaml:"topic"`
	GroupID string   `json:"group_id" yaml:"group_id"`
}

type NATSIngest struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	URL     string `json:"url" yaml:"url"`
	Subject string `json:"subject" yaml:"subject"`
	Queue   string `json:"queue" yaml:"queue"`
}

type DetectionConfig struct {
	ZScoreThreshold float64       `json:"zscore_threshold" yaml:"zscore_threshold"`
	History         HistoryConfig `json:"history" yaml:"history"`
	FanOut          FanOutConfig  `json:"fanout" yaml:"fanout"`
	Workers         int           `json:"workers" yaml:"workers"`
	StoreTimeout    time.Duration `json:"store_timeout" yaml:"store_timeout"`
	AlertCooldown   time.Duration `json:"alert_cooldown" yaml:"alert_cooldown"`
	DedupeWindow    time.Duration `json:"dedupe_window" yaml:"dedupe_window"`
	MaxClockSkew    time.Duration `json:"max_clock_skew" yaml:"max_clock_skew"`
	MaxFutureSkew   time.Duration `json:"max_future_skew" yaml:"max_future_skew"`
}

type HistoryConfig struct {
	// Bucket of 0 records one unit sample per connection.
	Bucket     time.Duration `json:"bucket" yaml:"bucket"`
	MaxSamples int           `json:"max_samples" yaml:"max_samples"`
	Horizon    time.Duration `json:"horizon" yaml:"horizon"`
	MaxSources int           `json:"max_sources" yaml:"max_sources"`
}

type FanOutConfig struct {
	Mode      string        `json:"mode" yaml:"mode"`
	Threshold int           `json:"threshold" yaml:"threshold"`
	Window    time.Duration `json:"window" yaml:"window"`
	Persist   bool          `json:"persist" yaml:"persist"`
}

type ExemptionsConfig struct {
	Enabled      bool     `json:"enabled" yaml:"enabled"`
	Sources      []string `json:"sources" yaml:"sources"`
	Destinations []string `json:"destinations" yaml:"destinations"`
}

type APIConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Addr    string `json:"addr" yaml:"addr"`

	// AllowedOrigins lists browser origins accepted on /ws besides the
	// API's own host. "*" accepts any origin.
	AllowedOrigins []string `json:"allowed_origins" yaml:"allowed_origins"`
}

type StorageConfig struct {
	Enabled    bool             `json:"enabled" yaml:"enabled"`
	Driver     string           `json:"driver" yaml:"driver"`
	DSN        string           `json:"dsn" yaml:"dsn"`
	ClickHouse ClickHouseConfig `json:"clickhouse" yaml:"clickhouse"`
	Breaker    BreakerConfig    `json:"breaker" yaml:"breaker"`
}

type ClickHouseConfig struct {
	Host     string `json:"host" yaml:"host"`
	Port     int    `json:"port" yaml:"port"`
	Database string `json:"database" yaml:"database"`
	Username string `json:"username" yaml:"username"`
	Password string `json:"password" yaml:"password"`
}

type BreakerConfig struct {
	Enabled          bool          `json:"enabled" yaml:"enabled"`
	FailureThreshold uint32        `json:"failure_threshold" yaml:"failure_threshold"`
	OpenTimeout      time.Duration `json:"open_timeout" yaml:"open_timeout"`
	HalfOpenRequests uint32        `json:"half_open_requests" yaml:"half_open_requests"`
}

type AlertsConfig struct {
	StoreLimit       int              `json:"store_limit" yaml:"store_limit"`
	SubscriberBuffer int              `json:"subscriber_buffer" yaml:"subscriber_buffer"`
	NATS             NATSAlertsConfig `json:"nats" yaml:"nats"`
}

type NATSAlertsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	URL     string `json:"url" yaml:"url"`
	Subject string `json:"subject" yaml:"subject"`
}

type MetricsConfig struct {
	Enabled    bool `json:"enabled" yaml:"enabled"`
	StoreLimit int  `json:"store_limit" yaml:"store_limit"`
}

func DefaultConfig() *Config {
	return &Config{
		LogLevel:  "info",
		LogFormat: "json",
		Capture: CaptureConfig{
			Enabled:     false,
			BPFFilter:   "tcp",
			SnapLen:     1600,
			Promiscuous: true,
			SYNOnly:     true,
		},
		Ingest: IngestConfig{
			ChannelBuffer: 10000,
			Timezone:      "UTC",
			REST:          RESTConfig{Enabled: false, Addr: ":8080"},
			Syslog:        SyslogConfig{Enabled: false, UDPAddr: ":5514", TCPAddr: ":5514"},
			TCPStream:     TCPStreamConfig{Enabled: false, Addr: ":9000"},
			FileTail:      FileTailConfig{Enabled: false, StartAtEnd: true},
			Kafka:         KafkaConfig{Enabled: false},
			NATS:          NATSIngest{Enabled: false, URL: "nats://127.0.0.1:4222", Subject: "lateralguard.connections"},
		},
		Detection: DetectionConfig{
			ZScoreThreshold: 3.0,
			History: HistoryConfig{
				Bucket:     1 * time.Second,
				MaxSamples: 3600,
				Horizon:    1 * time.Hour,
				MaxSources: 65536,
			},
			FanOut: FanOutConfig{
				Mode:      FanOutStored,
				Threshold: 3,
				Window:    300 * time.Second,
			},
			Workers:      1,
			StoreTimeout: 2 * time.Second,
		},
		API: APIConfig{Enabled: true, Addr: ":5000"},
		Storage: StorageConfig{
			Enabled: true,
			Driver:  "sqlite",
			DSN:     "file:lateralguard.db?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)",
			ClickHouse: ClickHouseConfig{
				Host:     "127.0.0.1",
				Port:     9000,
				Database: "default",
				Username: "default",
			},
			Breaker: BreakerConfig{
				Enabled:          true,
				FailureThreshold: 5,
				OpenTimeout:      30 * time.Second,
				HalfOpenRequests: 1,
			},
		},
		Alerts: AlertsConfig{
			StoreLimit:       1000,
			SubscriberBuffer: 256,
			NATS:             NATSAlertsConfig{Enabled: false, URL: "nats://127.0.0.1:4222", Subject: "lateralguard.alerts"},
		},
		Metrics: MetricsConfig{Enabled: true, StoreLimit: 5000},
	}
}

func Load(path string) (*Config, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg, err := Parse(content)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes YAML or JSON over the defaults, then fills zero values and
// validates the result.
func Parse(content []byte) (*Config, error) {
	body := bytes.TrimSpace(content)
	if len(body) == 0 {
		return nil, errors.New("config file is empty")
	}
	cfg := DefaultConfig()
	unmarshal := yaml.Unmarshal
	if looksLikeJSON(string(body)) {
		unmarshal = json.Unmarshal
	}
	if err := unmarshal(body, cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes cfg next to path and renames it into place, so a concurrent
// reload never sees a half-written file.
func Save(path string, cfg *Config) error {
	if path == "" || cfg == nil {
		return errors.New("config path or config is empty")
	}
	marshal := yaml.Marshal
	if strings.EqualFold(filepath.Ext(path), ".json") {
		marshal = func(v any) ([]byte, error) { return json.MarshalIndent(v, "", "  ") }
	}
	data, err := marshal(cfg)
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

func looksLikeJSON(s string) bool {
	for _, ch := range s {
		if ch == '{' || ch == '[' {
			return true
		}
		if ch > ' ' {
			return false
		}
	}
	return false
}

func applyDefaults(cfg *Config) {
	d := &cfg.Detection
	if d.ZScoreThreshold == 0 {
		d.ZScoreThreshold = 3.0
	}
	if d.FanOut.Mode == "" {
		d.FanOut.Mode = FanOutStored
	}
	d.FanOut.Mode = strings.ToLower(d.FanOut.Mode)
	if d.FanOut.Threshold <= 0 {
		d.FanOut.Threshold = 3
	}
	if d.FanOut.Window <= 0 {
		d.FanOut.Window = 300 * time.Second
	}
	if d.History.MaxSamples <= 0 {
		d.History.MaxSamples = 3600
	}
	if d.History.MaxSources <= 0 {
		d.History.MaxSources = 65536
	}
	if d.Workers <= 0 {
		d.Workers = 1
	}
	if d.StoreTimeout <= 0 {
		d.StoreTimeout = 2 * time.Second
	}
	if cfg.Metrics.StoreLimit <= 0 {
		cfg.Metrics.StoreLimit = 5000
	}
	if cfg.Alerts.StoreLimit <= 0 {
		cfg.Alerts.StoreLimit = 1000
	}
	if cfg.Alerts.SubscriberBuffer <= 0 {
		cfg.Alerts.SubscriberBuffer = 256
	}
	if cfg.Ingest.ChannelBuffer <= 0 {
		cfg.Ingest.ChannelBuffer = 10000
	}
	if cfg.Ingest.Timezone == "" {
		cfg.Ingest.Timezone = "UTC"
	}
	if cfg.Capture.BPFFilter == "" {
		cfg.Capture.BPFFilter = "tcp"
	}
	if cfg.Capture.SnapLen <= 0 {
		cfg.Capture.SnapLen = 1600
	}
	if cfg.Storage.Breaker.FailureThreshold == 0 {
		cfg.Storage.Breaker.FailureThreshold = 5
	}
	if cfg.Storage.Breaker.OpenTimeout <= 0 {
		cfg.Storage.Breaker.OpenTimeout = 30 * time.Second
	}
}

func Validate(cfg *Config) error {
	if cfg.API.Enabled && cfg.API.Addr == "" {
		return errors.New("api.addr required when api.enabled is true")
	}
	if cfg.Capture.Enabled && cfg.Capture.Interface == "" && cfg.Capture.PcapFile == "" {
		return errors.New("capture.interface or capture.pcap_file required when capture.enabled is true")
	}
	if cfg.Ingest.REST.Enabled && cfg.Ingest.REST.Addr == "" {
		return errors.New("ingest.rest.addr required when ingest.rest.enabled is true")
	}
	if cfg.Ingest.Syslog.Enabled && cfg.Ingest.Syslog.UDPAddr == "" && cfg.Ingest.Syslog.TCPAddr == "" {
		return errors.New("ingest.syslog.udp_addr or tcp_addr required when ingest.syslog.enabled is true")
	}
	if cfg.Ingest.TCPStream.Enabled && cfg.Ingest.TCPStream.Addr == "" {
		return errors.New("ingest.tcp_stream.addr required when ingest.tcp_stream.enabled is true")
	}
	if cfg.Ingest.FileTail.Enabled && len(cfg.Ingest.FileTail.Files) == 0 {
		return errors.New("ingest.file_tail.files required when ingest.file_tail.enabled is true")
	}
	if cfg.Ingest.Kafka.Enabled {
		if len(cfg.Ingest.Kafka.Brokers) == 0 || cfg.Ingest.Kafka.Topic == "" || cfg.Ingest.Kafka.GroupID == "" {
			return errors.New("ingest.kafka requires brokers, topic, group_id")
		}
	}
	if cfg.Ingest.NATS.Enabled && (cfg.Ingest.NATS.URL == "" || cfg.Ingest.NATS.Subject == "") {
		return errors.New("ingest.nats requires url and subject")
	}
	if cfg.Alerts.NATS.Enabled && (cfg.Alerts.NATS.URL == "" || cfg.Alerts.NATS.Subject == "") {
		return errors.New("alerts.nats requires url and subject")
	}
	d := cfg.Detection
	if d.ZScoreThreshold <= 0 {
		return errors.New("detection.zscore_threshold must be > 0")
	}
	switch d.FanOut.Mode {
	case FanOutStored, FanOutObserved:
	default:
		return fmt.Errorf("detection.fanout.mode must be %q or %q, got %q", FanOutStored, FanOutObserved, d.FanOut.Mode)
	}
	if d.FanOut.Mode == FanOutStored && !cfg.Storage.Enabled {
		return errors.New("detection.fanout.mode \"stored\" requires storage.enabled")
	}
	if d.History.Bucket < 0 {
		return fmt.Errorf("detection.history.bucket must be >= 0: %s", d.History.Bucket)
	}
	if d.History.Horizon < 0 {
		return fmt.Errorf("detection.history.horizon must be >= 0: %s", d.History.Horizon)
	}
	for _, cidr := range append(append([]string{}, cfg.Exemptions.Sources...), cfg.Exemptions.Destinations...) {
		if _, err := ParseNet(cidr); err != nil {
			return fmt.Errorf("exemptions: %w", err)
		}
	}
	return nil
}

// ParseNet accepts a CIDR or a bare address, which is treated as a host route.
func ParseNet(value string) (*net.IPNet, error) {
	value = strings.TrimSpace(value)
	if strings.Contains(value, "/") {
		_, n, err := net.ParseCIDR(value)
		if err != nil {
			return nil, err
		}
		return n, nil
	}
	ip := net.ParseIP(value)
	if ip == nil {
		return nil, fmt.Errorf("invalid address %q", value)
	}
	bits := 128
	if v4 := ip.To4(); v4 != nil {
		ip = v4
		bits = 32
	}
	return &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)}, nil
}

// Manager owns the live configuration. Readers get an immutable snapshot;
// writers replace it whole.
type Manager struct {
	path    string
	current atomic.Pointer[Config]

	mu      sync.Mutex
	modTime time.Time
}

func NewManager(path string) (*Manager, error) {
	m := &Manager{path: path}
	if _, err := m.Reload(); err != nil {
		return nil, err
	}
	return m, nil
}

// NewStaticManager serves cfg without a backing file. Update keeps the new
// value in memory only.
func NewStaticManager(cfg *Config) *Manager {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	m := &Manager{}
	m.current.Store(cfg)
	return m
}

func (m *Manager) Get() *Config {
	if cfg := m.current.Load(); cfg != nil {
		return cfg
	}
	return DefaultConfig()
}

func (m *Manager) Path() string {
	return m.path
}

// Reload rereads the backing file. A file that fails to load is still
// marked as seen, so Watch reports each broken revision once.
func (m *Manager) Reload() (*Config, error) {
	if m.path == "" {
		return m.Get(), nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if info, err := os.Stat(m.path); err == nil {
		m.modTime = info.ModTime()
	}
	cfg, err := Load(m.path)
	if err != nil {
		return nil, err
	}
	m.current.Store(cfg)
	return cfg, nil
}

// Update validates cfg, persists it when the manager is file backed and
// publishes it.
func (m *Manager) Update(cfg *Config) error {
	if cfg == nil {
		return errors.New("nil config")
	}
	if err := Validate(cfg); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.path != "" {
		if err := Save(m.path, cfg); err != nil {
			return err
		}
		if info, err := os.Stat(m.path); err == nil {
			m.modTime = info.ModTime()
		}
	}
	m.current.Store(cfg)
	return nil
}

func (m *Manager) NeedsReload() (bool, error) {
	if m.path == "" {
		return false, nil
	}
	info, err := os.Stat(m.path)
	if err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return info.ModTime().After(m.modTime), nil
}

// Watch polls the backing file until ctx ends and hands every revision that
// loads and validates to onReload. Failures go to onError and leave the
// current configuration in place.
func (m *Manager) Watch(ctx context.Context, interval time.Duration, onReload func(*Config), onError func(error)) {
	if m.path == "" {
		return
	}
	if interval <= 0 {
		interval = 3 * time.Second
	}
	report := func(err error) {
		if onError != nil {
			onError(err)
		}
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		changed, err := m.NeedsReload()
		if err != nil {
			report(err)
			continue
		}
		if !changed {
			continue
		}
		cfg, err := m.Reload()
		if err != nil {
			report(err)
			continue
		}
		if onReload != nil {
			onReload(cfg)
		}
	}
}

// Location resolves the ingest timezone used for timestamps without an offset.
func (c IngestConfig) Location() *time.Location {
	if c.Timezone == "" {
		return time.UTC
	}
	if loc, err := time.LoadLocation(c.Timezone); err == nil {
		return loc
	}
	return time.UTC
}

func ResolvePath(path string) string {
	if path == "" {
		return path
	}
	if filepath.IsAbs(path) {
		return path
	}
	cwd, err := os.Getwd()
	if err != nil {
		return path
	}
	return filepath.Join(cwd, path)
}
