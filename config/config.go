// Package config loads the assistant configuration from JSON or TOML.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

// Config is the top-level configuration file.
type Config struct {
	ServerAddr string          `json:"server_addr,omitempty" toml:"server_addr"`
	Verbose    bool            `json:"verbose,omitempty" toml:"verbose"`
	LLM        *LLMConfig      `json:"llm,omitempty" toml:"llm"`
	Connect    *ConnectConfig  `json:"connect,omitempty" toml:"connect"`
	Preview    PreviewConfig   `json:"preview" toml:"preview"`
	Workspace  WorkspaceConfig `json:"workspace" toml:"workspace"`
}

// LLMConfig 模型配置。APIKey 为空时从 APIKeyEnv 指定的环境变量读取。
type LLMConfig struct {
	Provider      string `json:"provider,omitempty" toml:"provider"`
	Model         string `json:"model,omitempty" toml:"model"`
	APIKey        string `json:"api_key,omitempty" toml:"api_key"`
	APIKeyEnv     string `json:"api_key_env,omitempty" toml:"api_key_env"`
	BaseURL       string `json:"base_url,omitempty" toml:"base_url"`
	MaxTokens     int    `json:"max_tokens,omitempty" toml:"max_tokens"`
	HistoryBudget int    `json:"history_budget,omitempty" toml:"history_budget"`
}

// ConnectConfig points at a Posit Connect server (CONNECT_SERVER / CONNECT_API_KEY).
type ConnectConfig struct {
	ServerURL string `json:"server_url,omitempty" toml:"server_url"`
	APIKey    string `json:"api_key,omitempty" toml:"api_key"`
}

// PreviewConfig describes the preview child process.
type PreviewConfig struct {
	Command         []string `json:"command,omitempty" toml:"command"`
	Port            int      `json:"port,omitempty" toml:"port"`
	Host            string   `json:"host,omitempty" toml:"host"`
	PublicURL       string   `json:"public_url,omitempty" toml:"public_url"`
	ReadyTimeoutSec int      `json:"ready_timeout_sec,omitempty" toml:"ready_timeout_sec"`
}

// WorkspaceConfig is the directory the app files are synced into.
type WorkspaceConfig struct {
	Dir            string `json:"dir,omitempty" toml:"dir"`
	ResetOnSession *bool  `json:"reset_on_session,omitempty" toml:"reset_on_session"`
}

// ResetEnabled: 默认 true（新会话清空工作目录）。
func (w WorkspaceConfig) ResetEnabled() bool {
	return w.ResetOnSession == nil || *w.ResetOnSession
}

// Default returns a config usable without a file (mock model, no Connect).
func Default() Config {
	var cfg Config
	cfg.applyDefaults()
	return cfg
}

// Load reads path as TOML when it ends in .toml and as JSON otherwise,
// then fills defaults and environment fallbacks.
func Load(path string) (Config, error) {
	var cfg Config
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	} else {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, err
		}
		if err := json.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadOrDefault is Load, except that a missing file yields Default().
func LoadOrDefault(path string) (Config, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return Default(), nil
	}
	return Load(path)
}

// Validate checks the fields that have no sensible default.
func (c Config) Validate() error {
	if c.LLM != nil && c.LLM.Provider != "" && c.LLM.Provider != "mock" && c.LLM.Model == "" {
		return errors.New("llm.model is required")
	}
	if c.Preview.Port < 0 || c.Preview.Port > 65535 {
		return fmt.Errorf("preview.port %d out of range", c.Preview.Port)
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Preview.Port == 0 {
		c.Preview.Port = 8989
	}
	if c.Preview.Host == "" {
		c.Preview.Host = "127.0.0.1"
	}
	if c.Preview.ReadyTimeoutSec <= 0 {
		c.Preview.ReadyTimeoutSec = 30
	}
	if c.Workspace.Dir == "" {
		c.Workspace.Dir = "shiny-app-bundle"
	}
	if c.LLM != nil {
		if c.LLM.APIKeyEnv == "" {
			c.LLM.APIKeyEnv = "OPENAI_API_KEY"
		}
		if c.LLM.APIKey == "" {
			c.LLM.APIKey = strings.TrimSpace(os.Getenv(c.LLM.APIKeyEnv))
		}
	}
	server, key := strings.TrimSpace(os.Getenv("CONNECT_SERVER")), strings.TrimSpace(os.Getenv("CONNECT_API_KEY"))
	if c.Connect == nil && server != "" && key != "" {
		c.Connect = &ConnectConfig{}
	}
	if c.Connect != nil {
		if c.Connect.ServerURL == "" {
			c.Connect.ServerURL = server
		}
		if c.Connect.APIKey == "" {
			c.Connect.APIKey = key
		}
	}
}
