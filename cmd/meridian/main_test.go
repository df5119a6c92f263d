package main

import (
	"testing"
)

func TestConfigRoundTrip(t *testing.T) {
	t.Setenv("HOME", t.TempDir())

	cfg, err := loadConfig()
	if err != nil {
		t.Fatalf("loadConfig on missing file: %v", err)
	}
	if cfg.Auth.Token != "" {
		t.Fatal("expected empty config before save")
	}

	cfg.Default.Environment = "production"
	cfg.Default.BaseURL = "https://api.example.com"
	cfg.Auth.Token = "mrd-token"
	cfg.Auth.UserID = "user-1"
	if err := saveConfig(cfg); err != nil {
		t.Fatalf("saveConfig: %v", err)
	}

	got, err := loadConfig()
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if *got != *cfg {
		t.Errorf("round trip mismatch: got %+v want %+v", got, cfg)
	}
}

func TestSetConfigValue(t *testing.T) {
	cfg := &Config{}

	cases := map[string]func() string{
		"default.environment": func() string { return cfg.Default.Environment },
		"default.base_url":    func() string { return cfg.Default.BaseURL },
		"auth.token":          func() string { return cfg.Auth.Token },
		"auth.user_id":        func() string { return cfg.Auth.UserID },
	}
	for key, read := range cases {
		if err := setConfigValue(cfg, key, "value-"+key); err != nil {
			t.Fatalf("setConfigValue(%s): %v", key, err)
		}
		if read() != "value-"+key {
			t.Errorf("key %s not applied", key)
		}
	}

	if err := setConfigValue(cfg, "no.such.key", "x"); err == nil {
		t.Error("expected error for unknown key")
	}
}
