package main

import (
	"fmt"
	"os"

	meridian "github.com/meridian-im/meridian/sdk/golang"
)

// getClient creates a Meridian client from the stored configuration.
func getClient() (*meridian.Client, *Config) {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if cfg.Auth.Token == "" {
		fmt.Fprintln(os.Stderr, "No auth token. Run 'meridian init <token>' first.")
		os.Exit(1)
	}

	var opts []meridian.ClientOption
	if cfg.Default.BaseURL != "" {
		opts = append(opts, meridian.WithBaseURL(cfg.Default.BaseURL))
	} else if cfg.Default.Environment != "" && cfg.Default.Environment != "production" {
		opts = append(opts, meridian.WithEnvironment(meridian.Environment(cfg.Default.Environment)))
	}

	return meridian.NewClient(cfg.Auth.Token, opts...), cfg
}

// requireUserID exits unless a user id is configured.
func requireUserID(cfg *Config) string {
	if cfg.Auth.UserID == "" {
		fmt.Fprintln(os.Stderr, "No user id. Run 'meridian config set auth.user_id <id>' first.")
		os.Exit(1)
	}
	return cfg.Auth.UserID
}
