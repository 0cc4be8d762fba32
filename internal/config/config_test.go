package config

import (
	"strings"
	"testing"
	"time"

	"github.com/fivebest/settlement/pkg/ledger"
)

const testCollectionAddress = "9xQeWvG816bUx9EPjHmaT23yvVM2ZWbrrpZb9PusVFin"

func TestValidateAppliesDefaults(test *testing.T) {
	test.Parallel()
	cfg := Config{SessionSigningKey: "secret", CollectionAddress: testCollectionAddress}
	if err := cfg.Validate(); err != nil {
		test.Fatalf("validate: %v", err)
	}
	if cfg.HTTPListenAddr != defaultHTTPListenAddr || cfg.GRPCListenAddr != defaultGRPCListenAddr {
		test.Fatalf("unexpected listen addresses %q %q", cfg.HTTPListenAddr, cfg.GRPCListenAddr)
	}
	if cfg.PollInterval != 3*time.Second || cfg.PollWindow != 5*time.Minute {
		test.Fatalf("unexpected poll settings %s %s", cfg.PollInterval, cfg.PollWindow)
	}
	if cfg.TreasuryUserID != "treasury" {
		test.Fatalf("unexpected treasury account %q", cfg.TreasuryUserID)
	}
	if cfg.CashoutMinimumGlory != 1000 || cfg.USDCMint != defaultUSDCMint {
		test.Fatalf("unexpected cashout defaults %+v", cfg)
	}
	if cfg.WorkerEnabled() || cfg.CacheEnabled() {
		test.Fatalf("worker and cache must be off without key and address")
	}
	rates, err := cfg.CashoutRates()
	if err != nil {
		test.Fatalf("rates: %v", err)
	}
	if rates[ledger.CurrencyUSDC].String() != "0.001" || rates[ledger.CurrencySOL].String() != "0.00001" {
		test.Fatalf("unexpected rates %v", rates)
	}
}

func TestValidateRejectsBadValues(test *testing.T) {
	test.Parallel()
	testCases := []struct {
		name     string
		mutate   func(*Config)
		contains string
	}{
		{name: "signing key", mutate: func(cfg *Config) { cfg.SessionSigningKey = "" }, contains: "signing key"},
		{name: "collection", mutate: func(cfg *Config) { cfg.CollectionAddress = "" }, contains: "collection address"},
		{name: "collection format", mutate: func(cfg *Config) { cfg.CollectionAddress = "0xabc" }, contains: "collection address"},
		{name: "mint", mutate: func(cfg *Config) { cfg.USDCMint = "bad mint" }, contains: "usdc mint"},
		{name: "window", mutate: func(cfg *Config) { cfg.PollInterval = time.Minute; cfg.PollWindow = time.Second }, contains: "poll window"},
		{name: "rate", mutate: func(cfg *Config) { cfg.CashoutRateSOL = "-1" }, contains: "cashout rate"},
		{name: "rate format", mutate: func(cfg *Config) { cfg.CashoutRateUSDC = "abc" }, contains: "cashout rate"},
	}
	for _, testCase := range testCases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			test.Parallel()
			cfg := Config{SessionSigningKey: "secret", CollectionAddress: testCollectionAddress}
			testCase.mutate(&cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), testCase.contains) {
				test.Fatalf("expected error containing %q, got %v", testCase.contains, err)
			}
		})
	}
}

func TestParseAllowedOrigins(test *testing.T) {
	test.Parallel()
	origins := ParseAllowedOrigins(" https://a.example , ,https://b.example")
	if len(origins) != 2 || origins[0] != "https://a.example" || origins[1] != "https://b.example" {
		test.Fatalf("unexpected origins %v", origins)
	}
	if len(ParseAllowedOrigins("  ")) != 0 {
		test.Fatalf("expected no origins")
	}
}
