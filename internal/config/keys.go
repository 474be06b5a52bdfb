package config

import (
	"fmt"
	"os"
	"strconv"
)

type keyType int

const (
	kString keyType = iota
	kInt
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	secret  bool
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.base_url", typ: kString, env: "KBCHAT_SERVER_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Server.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.BaseURL },
	},
	{
		key: "server.api_token", typ: kString, env: "KBCHAT_API_TOKEN",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Server.APIToken = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.APIToken },
	},
	{
		key: "chat.default_kb", typ: kString, env: "KBCHAT_DEFAULT_KB",
		apply:   func(cfg *Config, v any) { cfg.Chat.DefaultKnowledgeBase = v.(string) },
		extract: func(cfg Config) any { return cfg.Chat.DefaultKnowledgeBase },
	},
	{
		key: "poll.interval_seconds", typ: kInt, env: "KBCHAT_POLL_INTERVAL_SECONDS",
		apply:   func(cfg *Config, v any) { cfg.Poll.IntervalSeconds = v.(int) },
		extract: func(cfg Config) any { return cfg.Poll.IntervalSeconds },
	},
	{
		key: "devstub.port", typ: kInt, env: "KBCHAT_DEVSTUB_PORT",
		apply:   func(cfg *Config, v any) { cfg.Devstub.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Devstub.Port },
	},
	{
		key: "devstub.data_dir", typ: kString, env: "KBCHAT_DEVSTUB_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Devstub.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Devstub.DataDir },
	},
	{
		key: "log.level", typ: kString, env: "KBCHAT_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
}

func applyBackend(cfg *Config, b Backend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		switch s.typ {
		case kString:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kInt:
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		}
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		if s.env == "" {
			continue
		}
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		switch s.typ {
		case kString:
			s.apply(cfg, raw)
		case kInt:
			if i, err := strconv.Atoi(raw); err == nil {
				s.apply(cfg, i)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse integer from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		}
	}
}
