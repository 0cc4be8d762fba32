package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/fivebest/settlement/internal/config"
)

func TestLoadConfigPrefersFlagsOverEnvFile(test *testing.T) {
	envFile := filepath.Join(test.TempDir(), "settlement.env")
	contents := strings.Join([]string{
		"SETTLEMENT_JWT_SIGNING_KEY=from-env-file",
		"SETTLEMENT_POLL_INTERVAL=7s",
		"SETTLEMENT_HTTP_LISTEN_ADDR=:9999",
	}, "\n")
	if err := os.WriteFile(envFile, []byte(contents), 0o600); err != nil {
		test.Fatalf("write env file: %v", err)
	}
	for _, key := range []string{"SETTLEMENT_JWT_SIGNING_KEY", "SETTLEMENT_POLL_INTERVAL", "SETTLEMENT_HTTP_LISTEN_ADDR"} {
		unsetForTest(test, key)
	}

	root := newRootCommand()
	serve, _, err := root.Find([]string{"serve"})
	if err != nil {
		test.Fatalf("find serve: %v", err)
	}
	if err := serve.ParseFlags([]string{"--env-file", envFile, "--http-listen-addr", ":8181", "--allowed-origins", "https://a.example, https://b.example"}); err != nil {
		test.Fatalf("parse flags: %v", err)
	}
	cfg := &config.Config{}
	if err := loadConfig(serve, cfg); err != nil {
		test.Fatalf("load config: %v", err)
	}
	if cfg.SessionSigningKey != "from-env-file" || cfg.PollInterval != 7*time.Second {
		test.Fatalf("expected env file values, got %+v", cfg)
	}
	if cfg.HTTPListenAddr != ":8181" {
		test.Fatalf("expected flag to win, got %q", cfg.HTTPListenAddr)
	}
	if len(cfg.AllowedOrigins) != 2 || cfg.AllowedOrigins[1] != "https://b.example" {
		test.Fatalf("unexpected origins %v", cfg.AllowedOrigins)
	}
}

func TestLoadEnvFileIgnoresMissingFile(test *testing.T) {
	test.Parallel()
	if err := loadEnvFile(filepath.Join(test.TempDir(), "absent.env")); err != nil {
		test.Fatalf("missing env file must be ignored: %v", err)
	}
}

func TestMigrateCommandOnSQLite(test *testing.T) {
	root := newRootCommand()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"migrate", "--env-file", "", "--database-url", "sqlite://" + filepath.Join(test.TempDir(), "settlement.db")})
	if err := root.Execute(); err != nil {
		test.Fatalf("migrate: %v", err)
	}
	if !strings.Contains(out.String(), "sqlite schema migrated") {
		test.Fatalf("unexpected output %q", out.String())
	}
}

func unsetForTest(test *testing.T, key string) {
	test.Helper()
	previous, existed := os.LookupEnv(key)
	_ = os.Unsetenv(key)
	test.Cleanup(func() {
		if existed {
			_ = os.Setenv(key, previous)
		} else {
			_ = os.Unsetenv(key)
		}
	})
}
