package config

import (
	"fmt"
	"time"
)

type Config struct {
	Logger       LoggerConfig       `mapstructure:"logger" yaml:"logger"`
	Lab          LabConfig          `mapstructure:"lab" yaml:"lab"`
	Server       ServerConfig       `mapstructure:"server" yaml:"server"`
	Redis        RedisConfig        `mapstructure:"redis" yaml:"redis"`
	Telemetry    TelemetryConfig    `mapstructure:"telemetry" yaml:"telemetry"`
	AI           AIConfig           `mapstructure:"ai" yaml:"ai"`
	Verification VerificationConfig `mapstructure:"verification" yaml:"verification"`
	Exploit      ExploitConfig      `mapstructure:"exploit" yaml:"exploit"`
}

type LoggerConfig struct {
	Level       string   `mapstructure:"level" yaml:"level"`
	Format      string   `mapstructure:"format" yaml:"format"`
	OutputPaths []string `mapstructure:"output_paths" yaml:"output_paths"`
}

// LabConfig holds the settings an operator may change while the lab is running.
type LabConfig struct {
	ZAP                       ZAPConfig     `mapstructure:"zap" json:"zap" yaml:"zap"`
	Nuclei                    NucleiConfig  `mapstructure:"nuclei" json:"nuclei" yaml:"nuclei"`
	Demo                      DemoConfig    `mapstructure:"demo" json:"demo" yaml:"demo"`
	MaxScanThreads            int           `mapstructure:"max_scan_threads" json:"max_scan_threads" yaml:"max_scan_threads"`
	ScanTimeout               time.Duration `mapstructure:"scan_timeout" json:"scan_timeout" yaml:"scan_timeout"`
	RequireDomainVerification bool          `mapstructure:"require_domain_verification" json:"require_domain_verification" yaml:"require_domain_verification"`
	EthicalMode               bool          `mapstructure:"ethical_mode" json:"ethical_mode" yaml:"ethical_mode"`
	AllowedTargets            []string      `mapstructure:"allowed_targets" json:"allowed_targets" yaml:"allowed_targets"`
	ExcludedTargets           []string      `mapstructure:"excluded_targets" json:"excluded_targets" yaml:"excluded_targets"`
	OpenAIAPIKey              string        `mapstructure:"openai_api_key" json:"openai_api_key,omitempty" yaml:"openai_api_key"`
	DemoMode                  bool          `mapstructure:"demo_mode" json:"demo_mode" yaml:"demo_mode"`
}

type ZAPConfig struct {
	Enabled        bool          `mapstructure:"enabled" json:"enabled" yaml:"enabled"`
	Host           string        `mapstructure:"host" json:"host" yaml:"host"`
	Port           int           `mapstructure:"port" json:"port" yaml:"port"`
	APIKey         string        `mapstructure:"api_key" json:"api_key,omitempty" yaml:"api_key"`
	PollInterval   time.Duration `mapstructure:"poll_interval" json:"poll_interval" yaml:"poll_interval"`
	RequestTimeout time.Duration `mapstructure:"request_timeout" json:"request_timeout" yaml:"request_timeout"`
	MaxSpiderPolls int           `mapstructure:"max_spider_polls" json:"max_spider_polls" yaml:"max_spider_polls"`
}

type NucleiConfig struct {
	Enabled    bool     `mapstructure:"enabled" json:"enabled" yaml:"enabled"`
	BinaryPath string   `mapstructure:"binary_path" json:"binary_path" yaml:"binary_path"`
	Timeout    int      `mapstructure:"timeout" json:"timeout" yaml:"timeout"`
	RateLimit  int      `mapstructure:"rate_limit" json:"rate_limit" yaml:"rate_limit"`
	ExtraArgs  []string `mapstructure:"extra_args" json:"extra_args,omitempty" yaml:"extra_args"`
}

type DemoConfig struct {
	StepDelay    time.Duration `mapstructure:"step_delay" json:"step_delay" yaml:"step_delay"`
	FindingDelay time.Duration `mapstructure:"finding_delay" json:"finding_delay" yaml:"finding_delay"`
}

type ServerConfig struct {
	Addr           string        `mapstructure:"addr" yaml:"addr"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
	AllowedOrigins []string      `mapstructure:"allowed_origins" yaml:"allowed_origins"`
	// Per client IP; zero disables the limit.
	RequestsPerSecond float64 `mapstructure:"requests_per_second" yaml:"requests_per_second"`
	BurstSize         int     `mapstructure:"burst_size" yaml:"burst_size"`
}

type RedisConfig struct {
	Enabled       bool          `mapstructure:"enabled" yaml:"enabled"`
	Addr          string        `mapstructure:"addr" yaml:"addr"`
	Password      string        `mapstructure:"password" yaml:"password"`
	DB            int           `mapstructure:"db" yaml:"db"`
	ChannelPrefix string        `mapstructure:"channel_prefix" yaml:"channel_prefix"`
	MaxRetries    int           `mapstructure:"max_retries" yaml:"max_retries"`
	DialTimeout   time.Duration `mapstructure:"dial_timeout" yaml:"dial_timeout"`
	ReadTimeout   time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`
	WriteTimeout  time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
}

type TelemetryConfig struct {
	Enabled      bool    `mapstructure:"enabled" yaml:"enabled"`
	ServiceName  string  `mapstructure:"service_name" yaml:"service_name"`
	ExporterType string  `mapstructure:"exporter_type" yaml:"exporter_type"`
	Endpoint     string  `mapstructure:"endpoint" yaml:"endpoint"`
	SampleRate   float64 `mapstructure:"sample_rate" yaml:"sample_rate"`
}

type AIConfig struct {
	Model       string        `mapstructure:"model" yaml:"model"`
	BaseURL     string        `mapstructure:"base_url" yaml:"base_url"`
	MaxTokens   int           `mapstructure:"max_tokens" yaml:"max_tokens"`
	Temperature float32       `mapstructure:"temperature" yaml:"temperature"`
	Timeout     time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

type VerificationConfig struct {
	// Scheme used for the HTTP file and meta tag challenges.
	Scheme       string        `mapstructure:"scheme" yaml:"scheme"`
	DNSResolvers []string      `mapstructure:"dns_resolvers" yaml:"dns_resolvers"`
	Timeout      time.Duration `mapstructure:"timeout" yaml:"timeout"`
	TokenTTL     time.Duration `mapstructure:"token_ttl" yaml:"token_ttl"`
}

type ExploitConfig struct {
	RequestTimeout    time.Duration `mapstructure:"request_timeout" yaml:"request_timeout"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second" yaml:"requests_per_second"`
	BurstSize         int           `mapstructure:"burst_size" yaml:"burst_size"`
	MaxResponseBytes  int64         `mapstructure:"max_response_bytes" yaml:"max_response_bytes"`
	BlockPrivateIPs   bool          `mapstructure:"block_private_ips" yaml:"block_private_ips"`
}

func (c *Config) Validate() error {
	if err := c.Lab.Validate(); err != nil {
		return fmt.Errorf("lab: %w", err)
	}
	switch c.Logger.Format {
	case "", "json", "console":
	default:
		return fmt.Errorf("logger: unsupported format %q", c.Logger.Format)
	}
	switch c.Verification.Scheme {
	case "", "http", "https":
	default:
		return fmt.Errorf("verification: unsupported scheme %q", c.Verification.Scheme)
	}
	if c.Exploit.RequestsPerSecond < 0 {
		return fmt.Errorf("exploit: requests_per_second must not be negative")
	}
	return nil
}

func (l LabConfig) Validate() error {
	if l.MaxScanThreads < 1 {
		return fmt.Errorf("max_scan_threads must be at least 1")
	}
	if l.ScanTimeout <= 0 {
		return fmt.Errorf("scan_timeout must be positive")
	}
	if l.ZAP.Enabled && (l.ZAP.Port < 1 || l.ZAP.Port > 65535) {
		return fmt.Errorf("zap.port %d out of range", l.ZAP.Port)
	}
	if l.Nuclei.Enabled && l.Nuclei.BinaryPath == "" {
		return fmt.Errorf("nuclei.binary_path is required when nuclei is enabled")
	}
	return nil
}

// Clone returns a copy that shares no slices with l.
func (l LabConfig) Clone() LabConfig {
	out := l
	out.AllowedTargets = make([]string, len(l.AllowedTargets))
	copy(out.AllowedTargets, l.AllowedTargets)
	out.ExcludedTargets = append([]string(nil), l.ExcludedTargets...)
	out.Nuclei.ExtraArgs = append([]string(nil), l.Nuclei.ExtraArgs...)
	return out
}

// Masked returns a copy with credentials replaced, for display.
func (c Config) Masked() Config {
	c.Lab = c.Lab.Clone()
	c.Lab.OpenAIAPIKey = mask(c.Lab.OpenAIAPIKey)
	c.Lab.ZAP.APIKey = mask(c.Lab.ZAP.APIKey)
	c.Redis.Password = mask(c.Redis.Password)
	return c
}

func mask(s string) string {
	if s == "" {
		return ""
	}
	if len(s) <= 4 {
		return "****"
	}
	return s[:2] + "****" + s[len(s)-2:]
}

func DefaultLabConfig() LabConfig {
	return LabConfig{
		ZAP: ZAPConfig{
			Enabled:        true,
			Host:           "localhost",
			Port:           8080,
			PollInterval:   5 * time.Second,
			RequestTimeout: 10 * time.Second,
			MaxSpiderPolls: 60,
		},
		Nuclei: NucleiConfig{
			Enabled:    true,
			BinaryPath: "nuclei",
			Timeout:    30,
			RateLimit:  150,
		},
		Demo: DemoConfig{
			StepDelay:    500 * time.Millisecond,
			FindingDelay: 100 * time.Millisecond,
		},
		MaxScanThreads:            10,
		ScanTimeout:               time.Hour,
		RequireDomainVerification: true,
		EthicalMode:               true,
		AllowedTargets:            []string{},
		DemoMode:                  false,
	}
}

// DefaultAllowedOrigins admits pages served from this machine on any port and
// browser extensions.
func DefaultAllowedOrigins() []string {
	return []string{
		"http://localhost",
		"https://localhost",
		"http://127.0.0.1",
		"https://127.0.0.1",
		"http://[::1]",
		"chrome-extension://",
		"moz-extension://",
	}
}

func DefaultConfig() *Config {
	return &Config{
		Logger: LoggerConfig{
			Level:       "info",
			Format:      "json",
			OutputPaths: []string{"stdout"},
		},
		Lab: DefaultLabConfig(),
		Server: ServerConfig{
			Addr:              "localhost:8088",
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      30 * time.Second,
			AllowedOrigins:    DefaultAllowedOrigins(),
			RequestsPerSecond: 20,
			BurstSize:         40,
		},
		Redis: RedisConfig{
			Enabled:       false,
			Addr:          "localhost:6379",
			DB:            0,
			ChannelPrefix: "security_lab:",
			MaxRetries:    3,
			DialTimeout:   5 * time.Second,
			ReadTimeout:   3 * time.Second,
			WriteTimeout:  3 * time.Second,
		},
		Telemetry: TelemetryConfig{
			Enabled:      false,
			ServiceName:  "seclab",
			ExporterType: "otlp",
			Endpoint:     "localhost:4318",
			SampleRate:   1.0,
		},
		AI: AIConfig{
			Model:       "gpt-4o-mini",
			MaxTokens:   800,
			Temperature: 0.4,
			Timeout:     30 * time.Second,
		},
		Verification: VerificationConfig{
			Scheme:       "https",
			DNSResolvers: []string{"8.8.8.8:53", "1.1.1.1:53"},
			Timeout:      10 * time.Second,
			TokenTTL:     30 * 24 * time.Hour,
		},
		Exploit: ExploitConfig{
			RequestTimeout:    10 * time.Second,
			RequestsPerSecond: 5,
			BurstSize:         5,
			MaxResponseBytes:  64 << 10,
			BlockPrivateIPs:   false,
		},
	}
}
