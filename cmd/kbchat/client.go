package main

import (
	"fmt"

	"github.com/castoria/kbchat/internal/config"
	"github.com/castoria/kbchat/internal/kbapi"
)

// newAPIClient builds a client from the loaded config. It is a var so tests
// can substitute a client pointed at a local server.
var newAPIClient = func() (*kbapi.Client, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	if cfg.Server.APIToken == "" {
		return nil, fmt.Errorf("no API token configured; set the KBCHAT_API_TOKEN environment variable")
	}

	return kbapi.New(cfg.Server.BaseURL, cfg.Server.APIToken), nil
}
