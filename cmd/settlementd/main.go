package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/fivebest/settlement/internal/config"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const (
	flagHTTPListenAddr      = "http-listen-addr"
	flagGRPCListenAddr      = "grpc-listen-addr"
	flagDatabaseURL         = "database-url"
	flagAllowedOrigins      = "allowed-origins"
	flagJWTSigningKey       = "jwt-signing-key"
	flagJWTIssuer           = "jwt-issuer"
	flagJWTCookieName       = "jwt-cookie-name"
	flagSolanaRPCURL        = "solana-rpc-url"
	flagCollectionAddress   = "collection-address"
	flagTreasuryUserID      = "treasury-user-id"
	flagUSDCMint            = "usdc-mint"
	flagPayoutKey           = "payout-key"
	flagWorkerSchedule      = "worker-schedule"
	flagRedisAddr           = "redis-addr"
	flagRedisPassword       = "redis-password"
	flagRedisDB             = "redis-db"
	flagNotFoundTTL         = "notfound-ttl"
	flagPollInterval        = "poll-interval"
	flagPollWindow          = "poll-window"
	flagCashoutMinimumGlory = "cashout-minimum-glory"
	flagCashoutRateUSDC     = "cashout-rate-usdc"
	flagCashoutRateSOL      = "cashout-rate-sol"
	flagShutdownTimeout     = "shutdown-timeout"
	flagEnvFile             = "env-file"
	envPrefix               = "SETTLEMENT"
	defaultEnvFile          = ".env"
)

var configFlags = []string{
	flagHTTPListenAddr, flagGRPCListenAddr, flagDatabaseURL, flagAllowedOrigins,
	flagJWTSigningKey, flagJWTIssuer, flagJWTCookieName,
	flagSolanaRPCURL, flagCollectionAddress, flagTreasuryUserID, flagUSDCMint, flagPayoutKey, flagWorkerSchedule,
	flagRedisAddr, flagRedisPassword, flagRedisDB, flagNotFoundTTL,
	flagPollInterval, flagPollWindow,
	flagCashoutMinimumGlory, flagCashoutRateUSDC, flagCashoutRateSOL,
	flagShutdownTimeout,
}

func main() {
	rootCmd := newRootCommand()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "settlementd: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cfg := &config.Config{}
	cmd := &cobra.Command{
		Use:           "settlementd",
		Short:         "Solana payment verification and cashout settlement",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := cmd.PersistentFlags()
	flags.String(flagEnvFile, defaultEnvFile, "dotenv file loaded before reading the environment")
	flags.String(flagHTTPListenAddr, "", "HTTP listen address")
	flags.String(flagGRPCListenAddr, "", "gRPC health listen address")
	flags.String(flagDatabaseURL, "", "postgres://, mysql:// or sqlite:// database URL")
	flags.String(flagAllowedOrigins, "", "comma-separated list of allowed CORS origins")
	flags.String(flagJWTSigningKey, "", "TAuth JWT signing key (required for serve)")
	flags.String(flagJWTIssuer, "", "expected JWT issuer")
	flags.String(flagJWTCookieName, "", "JWT cookie name")
	flags.String(flagSolanaRPCURL, "", "Solana JSON-RPC endpoint")
	flags.String(flagCollectionAddress, "", "address receiving on-chain payments (required for serve)")
	flags.String(flagTreasuryUserID, "", "ledger account credited with on-chain payments")
	flags.String(flagUSDCMint, "", "USDC SPL mint address")
	flags.String(flagPayoutKey, "", "base58 treasury private key; empty disables automatic payouts")
	flags.String(flagWorkerSchedule, "", "cron schedule of the payout worker")
	flags.String(flagRedisAddr, "", "redis address for the not-found cache; empty disables it")
	flags.String(flagRedisPassword, "", "redis password")
	flags.Int(flagRedisDB, 0, "redis database number")
	flags.Duration(flagNotFoundTTL, 0, "how long a not-found chain answer is reused")
	flags.Duration(flagPollInterval, 0, "payment poll interval")
	flags.Duration(flagPollWindow, 0, "payment poll window")
	flags.Int64(flagCashoutMinimumGlory, 0, "smallest accepted cashout in GLORY")
	flags.String(flagCashoutRateUSDC, "", "USDC paid per GLORY")
	flags.String(flagCashoutRateSOL, "", "SOL paid per GLORY")
	flags.Duration(flagShutdownTimeout, 0, "graceful shutdown budget")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, the gRPC health service and the payout worker",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			if err := loadConfig(cmd, cfg); err != nil {
				return err
			}
			return cfg.Validate()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, *cfg)
		},
	}

	migrateCmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply the database schema and exit",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return loadConfig(cmd, cfg)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMigrate(cmd.Context(), cmd.OutOrStdout(), *cfg)
		},
	}

	cmd.AddCommand(serveCmd, migrateCmd)
	return cmd
}

// loadConfig resolves flags over SETTLEMENT_* environment variables, which may
// come from a dotenv file. Validation is left to the subcommand.
func loadConfig(cmd *cobra.Command, cfg *config.Config) error {
	flags := cmd.Flags()
	envFile, err := flags.GetString(flagEnvFile)
	if err != nil {
		return err
	}
	if err := loadEnvFile(envFile); err != nil {
		return err
	}

	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	for _, flagName := range configFlags {
		if err := v.BindPFlag(flagName, flags.Lookup(flagName)); err != nil {
			return err
		}
	}

	cfg.HTTPListenAddr = strings.TrimSpace(v.GetString(flagHTTPListenAddr))
	cfg.GRPCListenAddr = strings.TrimSpace(v.GetString(flagGRPCListenAddr))
	cfg.DatabaseURL = strings.TrimSpace(v.GetString(flagDatabaseURL))
	cfg.AllowedOrigins = config.ParseAllowedOrigins(v.GetString(flagAllowedOrigins))
	cfg.SessionSigningKey = v.GetString(flagJWTSigningKey)
	cfg.SessionIssuer = strings.TrimSpace(v.GetString(flagJWTIssuer))
	cfg.SessionCookieName = strings.TrimSpace(v.GetString(flagJWTCookieName))
	cfg.SolanaRPCURL = strings.TrimSpace(v.GetString(flagSolanaRPCURL))
	cfg.CollectionAddress = strings.TrimSpace(v.GetString(flagCollectionAddress))
	cfg.TreasuryUserID = strings.TrimSpace(v.GetString(flagTreasuryUserID))
	cfg.USDCMint = strings.TrimSpace(v.GetString(flagUSDCMint))
	cfg.PayoutKey = strings.TrimSpace(v.GetString(flagPayoutKey))
	cfg.WorkerSchedule = strings.TrimSpace(v.GetString(flagWorkerSchedule))
	cfg.RedisAddr = strings.TrimSpace(v.GetString(flagRedisAddr))
	cfg.RedisPassword = v.GetString(flagRedisPassword)
	cfg.RedisDB = v.GetInt(flagRedisDB)
	cfg.NotFoundTTL = v.GetDuration(flagNotFoundTTL)
	cfg.PollInterval = v.GetDuration(flagPollInterval)
	cfg.PollWindow = v.GetDuration(flagPollWindow)
	cfg.CashoutMinimumGlory = v.GetInt64(flagCashoutMinimumGlory)
	cfg.CashoutRateUSDC = strings.TrimSpace(v.GetString(flagCashoutRateUSDC))
	cfg.CashoutRateSOL = strings.TrimSpace(v.GetString(flagCashoutRateSOL))
	cfg.ShutdownTimeout = v.GetDuration(flagShutdownTimeout)
	return nil
}

// loadEnvFile exports the dotenv file without overriding variables already set.
// A missing file is not an error.
func loadEnvFile(path string) error {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}
