// Package config loads kbchat configuration in layers: compiled defaults, the
// JSON config file at $XDG_CONFIG_HOME/kbchat/config.json, a .env file in the
// working directory, and KBCHAT_* environment variables, each overriding the
// previous. The API token is a secret and only ever comes from the
// environment (directly or via .env), never the config file.
package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Server  ServerConfig
	Chat    ChatConfig
	Poll    PollConfig
	Devstub DevstubConfig
	Log     LogConfig
}

type ServerConfig struct {
	BaseURL  string
	APIToken string
}

type ChatConfig struct {
	// DefaultKnowledgeBase is the collection id used when --kb is omitted.
	DefaultKnowledgeBase string
}

type PollConfig struct {
	IntervalSeconds int
}

// Interval returns the document polling cadence.
func (p PollConfig) Interval() time.Duration {
	return time.Duration(p.IntervalSeconds) * time.Second
}

type DevstubConfig struct {
	Port    int
	DataDir string
}

type LogConfig struct {
	Level string
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			BaseURL: "http://127.0.0.1:8800",
		},
		Poll: PollConfig{
			IntervalSeconds: 5,
		},
		Devstub: DevstubConfig{
			Port:    8800,
			DataDir: defaultDataDir(),
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

func defaultDataDir() string {
	dir := os.Getenv("XDG_DATA_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".local", "share")
		} else {
			return "kbchat-data"
		}
	}
	return filepath.Join(dir, "kbchat")
}

func configFilePath() string {
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".config")
		} else {
			dir = "."
		}
	}
	return filepath.Join(dir, "kbchat", "config.json")
}

// Load reads the full configuration. A missing config file or .env is not an
// error; missing credentials are reported by the commands that need them.
func Load() (Config, error) {
	// .env values become visible to the env override pass below.
	_ = godotenv.Load()
	return loadWith(newFileBackend(configFilePath()))
}

func loadWith(b Backend) (Config, error) {
	cfg := defaults()
	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}
	applyEnvOverrides(&cfg)
	return cfg, nil
}
