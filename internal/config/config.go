// Package config holds the runtime settings of the settlement daemon.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/fivebest/settlement/pkg/ledger"
	"github.com/fivebest/settlement/pkg/payment"
	"github.com/shopspring/decimal"
)

const (
	defaultHTTPListenAddr  = ":8080"
	defaultGRPCListenAddr  = ":7000"
	defaultSolanaRPCURL    = "https://api.mainnet-beta.solana.com"
	defaultUSDCMint        = "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v"
	defaultAllowedOrigin   = "http://localhost:3000"
	defaultSessionIssuer   = "tauth"
	defaultSessionCookie   = "app_session"
	defaultTreasuryUserID  = "treasury"
	defaultPollInterval    = 3 * time.Second
	defaultPollWindow      = 5 * time.Minute
	defaultNotFoundTTL     = 2 * time.Second
	defaultWorkerSchedule  = "@every 30s"
	defaultMinimumGlory    = 1000
	defaultRateUSDC        = "0.001"
	defaultRateSOL         = "0.00001"
	defaultShutdownTimeout = 10 * time.Second
)

// DefaultDatabaseURL is used when no database URL is configured.
const DefaultDatabaseURL = "sqlite:///tmp/settlement.db"

// Config aggregates runtime settings for settlementd.
type Config struct {
	HTTPListenAddr    string
	GRPCListenAddr    string
	DatabaseURL       string
	AllowedOrigins    []string
	SessionSigningKey string
	SessionIssuer     string
	SessionCookieName string

	SolanaRPCURL      string
	CollectionAddress string
	// TreasuryUserID is the ledger account credited with on-chain payments.
	TreasuryUserID string
	USDCMint       string
	// PayoutKey is the base58 treasury private key. Empty disables the settlement worker.
	PayoutKey      string
	WorkerSchedule string

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	NotFoundTTL   time.Duration

	PollInterval time.Duration
	PollWindow   time.Duration

	CashoutMinimumGlory int64
	CashoutRateUSDC     string
	CashoutRateSOL      string

	ShutdownTimeout time.Duration
}

// Validate applies defaults and ensures the configuration contains sane values.
func (cfg *Config) Validate() error {
	cfg.HTTPListenAddr = defaultIfEmpty(cfg.HTTPListenAddr, defaultHTTPListenAddr)
	cfg.GRPCListenAddr = defaultIfEmpty(cfg.GRPCListenAddr, defaultGRPCListenAddr)
	cfg.DatabaseURL = defaultIfEmpty(cfg.DatabaseURL, DefaultDatabaseURL)
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = []string{defaultAllowedOrigin}
	}
	cfg.SessionIssuer = defaultIfEmpty(cfg.SessionIssuer, defaultSessionIssuer)
	cfg.SessionCookieName = defaultIfEmpty(cfg.SessionCookieName, defaultSessionCookie)
	cfg.TreasuryUserID = defaultIfEmpty(cfg.TreasuryUserID, defaultTreasuryUserID)
	cfg.SolanaRPCURL = defaultIfEmpty(cfg.SolanaRPCURL, defaultSolanaRPCURL)
	cfg.USDCMint = defaultIfEmpty(cfg.USDCMint, defaultUSDCMint)
	cfg.WorkerSchedule = defaultIfEmpty(cfg.WorkerSchedule, defaultWorkerSchedule)
	cfg.CashoutRateUSDC = defaultIfEmpty(cfg.CashoutRateUSDC, defaultRateUSDC)
	cfg.CashoutRateSOL = defaultIfEmpty(cfg.CashoutRateSOL, defaultRateSOL)
	if cfg.NotFoundTTL <= 0 {
		cfg.NotFoundTTL = defaultNotFoundTTL
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.PollWindow <= 0 {
		cfg.PollWindow = defaultPollWindow
	}
	if cfg.CashoutMinimumGlory <= 0 {
		cfg.CashoutMinimumGlory = defaultMinimumGlory
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = defaultShutdownTimeout
	}

	if len(cfg.SessionSigningKey) == 0 {
		return fmt.Errorf("jwt signing key is required")
	}
	if strings.TrimSpace(cfg.CollectionAddress) == "" {
		return fmt.Errorf("collection address is required")
	}
	if err := payment.ValidateAddress(cfg.CollectionAddress); err != nil {
		return fmt.Errorf("collection address: %w", err)
	}
	if err := payment.ValidateAddress(cfg.USDCMint); err != nil {
		return fmt.Errorf("usdc mint: %w", err)
	}
	if cfg.PollWindow < cfg.PollInterval {
		return fmt.Errorf("poll window %s is shorter than poll interval %s", cfg.PollWindow, cfg.PollInterval)
	}
	if _, err := cfg.CashoutRates(); err != nil {
		return err
	}
	return nil
}

// CashoutRates parses the per-token GLORY conversion rates.
func (cfg *Config) CashoutRates() (map[ledger.Currency]decimal.Decimal, error) {
	rates := map[ledger.Currency]decimal.Decimal{}
	for currency, raw := range map[ledger.Currency]string{ledger.CurrencyUSDC: cfg.CashoutRateUSDC, ledger.CurrencySOL: cfg.CashoutRateSOL} {
		rate, err := decimal.NewFromString(strings.TrimSpace(raw))
		if err != nil {
			return nil, fmt.Errorf("cashout rate for %s: %w", currency, err)
		}
		if !rate.IsPositive() {
			return nil, fmt.Errorf("cashout rate for %s must be positive", currency)
		}
		rates[currency] = rate
	}
	return rates, nil
}

// WorkerEnabled reports whether a payout key is configured.
func (cfg *Config) WorkerEnabled() bool {
	return strings.TrimSpace(cfg.PayoutKey) != ""
}

// CacheEnabled reports whether a redis address is configured.
func (cfg *Config) CacheEnabled() bool {
	return strings.TrimSpace(cfg.RedisAddr) != ""
}

func defaultIfEmpty(value string, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return value
}

// ParseAllowedOrigins splits comma-delimited origins into a slice.
func ParseAllowedOrigins(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return []string{}
	}
	parts := strings.Split(raw, ",")
	normalized := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			normalized = append(normalized, trimmed)
		}
	}
	return normalized
}
