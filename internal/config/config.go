// Package config loads the scout runtime configuration from a YAML file,
// applies defaults and validates the result. Secrets never live in the
// file; they come from the environment (OPENROUTER_API_KEY,
// BRIGHTDATA_API_TOKEN).
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

const defaultConfigPath = "scout.yaml"

type Config struct {
	Provider              string  `yaml:"provider"`
	Model                 string  `yaml:"model"`
	Temperature           float64 `yaml:"temperature"`
	MaxToolCalls          int     `yaml:"max_tool_calls"`
	RequestTimeoutSeconds int     `yaml:"request_timeout_seconds"`
	BaseURL               string  `yaml:"base_url"`
	SystemPrompt          string  `yaml:"system_prompt"`
	ListenAddr            string  `yaml:"listen_addr"`
	MaxSessions           int     `yaml:"max_sessions"`
	EventLogPath          string  `yaml:"event_log_path"`
	ArchivePath           string  `yaml:"archive_path"`

	BrightData BrightDataConfig `yaml:"brightdata"`
	Download   DownloadConfig   `yaml:"download"`

	PrebuiltPrompts []PrebuiltPrompt `yaml:"prebuilt_prompts"`
}

type BrightDataConfig struct {
	Endpoint               string `yaml:"endpoint"`
	SerpZone               string `yaml:"serp_zone"`
	WebUnlockerZone        string `yaml:"web_unlocker_zone"`
	SearchTimeoutSeconds   int    `yaml:"search_timeout_seconds"`
	ScrapeTimeoutSeconds   int    `yaml:"scrape_timeout_seconds"`
	DownloadTimeoutSeconds int    `yaml:"download_timeout_seconds"`
}

type DownloadConfig struct {
	BaseDir string `yaml:"base_dir"`
}

// PrebuiltPrompt is a canned research task offered to clients. Prefill
// tasks put Message into the input box for editing instead of submitting
// it directly.
type PrebuiltPrompt struct {
	ID      string `yaml:"id" json:"id"`
	Label   string `yaml:"label" json:"label"`
	Message string `yaml:"message" json:"message"`
	Prefill bool   `yaml:"prefill" json:"prefill"`
}

// Load reads the config at path. A missing file is not an error; the
// defaults stand on their own.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadDefault loads from SCOUT_CONFIG_PATH if set, else scout.yaml in the
// working directory.
func LoadDefault() (*Config, error) {
	path := os.Getenv("SCOUT_CONFIG_PATH")
	if path == "" {
		path = defaultConfigPath
	}
	return Load(path)
}

func (c *Config) applyDefaults() {
	if c.Provider == "" {
		c.Provider = "openrouter"
	}
	if c.Model == "" {
		c.Model = "openai/gpt-4.1"
	}
	if c.Temperature == 0 {
		c.Temperature = 0.2
	}
	if c.MaxToolCalls == 0 {
		c.MaxToolCalls = 50
	}
	if c.RequestTimeoutSeconds == 0 {
		c.RequestTimeoutSeconds = 120
	}
	if c.BaseURL == "" {
		c.BaseURL = "https://openrouter.ai/api/v1"
	}
	if c.ListenAddr == "" {
		c.ListenAddr = "127.0.0.1:8080"
	}
	if c.MaxSessions == 0 {
		c.MaxSessions = 128
	}
	if c.EventLogPath == "" {
		c.EventLogPath = "logs/events.jsonl"
	}
	if c.ArchivePath == "" {
		c.ArchivePath = "scout.db"
	}
	if c.BrightData.Endpoint == "" {
		c.BrightData.Endpoint = "https://api.brightdata.com/request"
	}
	if c.BrightData.SerpZone == "" {
		c.BrightData.SerpZone = "serp_api1"
	}
	if c.BrightData.WebUnlockerZone == "" {
		c.BrightData.WebUnlockerZone = "web_unlocker1"
	}
	if c.BrightData.SearchTimeoutSeconds == 0 {
		c.BrightData.SearchTimeoutSeconds = 30
	}
	if c.BrightData.ScrapeTimeoutSeconds == 0 {
		c.BrightData.ScrapeTimeoutSeconds = 60
	}
	if c.BrightData.DownloadTimeoutSeconds == 0 {
		c.BrightData.DownloadTimeoutSeconds = 90
	}
	if c.Download.BaseDir == "" {
		c.Download.BaseDir = "downloads"
	}
}

func (c *Config) validate() error {
	if c.Temperature < 0 || c.Temperature > 2 {
		return fmt.Errorf("temperature must be between 0 and 2, got %v", c.Temperature)
	}
	if c.MaxToolCalls < 1 {
		return fmt.Errorf("max_tool_calls must be at least 1, got %d", c.MaxToolCalls)
	}
	for name, secs := range map[string]int{
		"request_timeout_seconds":  c.RequestTimeoutSeconds,
		"search_timeout_seconds":   c.BrightData.SearchTimeoutSeconds,
		"scrape_timeout_seconds":   c.BrightData.ScrapeTimeoutSeconds,
		"download_timeout_seconds": c.BrightData.DownloadTimeoutSeconds,
	} {
		if secs < 1 || secs > 600 {
			return fmt.Errorf("%s must be between 1 and 600, got %d", name, secs)
		}
	}
	seen := make(map[string]bool)
	for _, p := range c.PrebuiltPrompts {
		if p.ID == "" || p.Message == "" {
			return fmt.Errorf("prebuilt prompt needs both id and message (id=%q)", p.ID)
		}
		if seen[p.ID] {
			return fmt.Errorf("duplicate prebuilt prompt id %q", p.ID)
		}
		seen[p.ID] = true
	}
	return nil
}

func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutSeconds) * time.Second
}

func (c *Config) SearchTimeout() time.Duration {
	return time.Duration(c.BrightData.SearchTimeoutSeconds) * time.Second
}

func (c *Config) ScrapeTimeout() time.Duration {
	return time.Duration(c.BrightData.ScrapeTimeoutSeconds) * time.Second
}

func (c *Config) DownloadTimeout() time.Duration {
	return time.Duration(c.BrightData.DownloadTimeoutSeconds) * time.Second
}
