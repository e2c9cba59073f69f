// zkpay - private payments over a shielded note ledger.
//
// Wallets, the ledger and the proving keys live in a local data directory
// (.zkpay by default). Amounts never appear on the ledger: mints and
// transfers publish only commitments, nullifiers and zero-knowledge proofs.
//
// Usage:
//
//	zkpay create-wallet alice
//	zkpay mint --to alice --amount 100
//	zkpay send --from alice --to bob --amount 70
//	zkpay check-balance --wallet bob
//	zkpay consolidate --wallet alice
//	zkpay ledger
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	gnarklog "github.com/consensys/gnark/logger"
	"github.com/spf13/cobra"

	"zkpay/internal/config"
	"zkpay/internal/logging"
	"zkpay/internal/service"
)

var (
	Version   = "dev"
	Commit    = "none"
	BuildTime = "unknown"
)

var defaultConfigPath = filepath.Join(".zkpay", "config.json")

// globalOptions are the flags every command accepts. Flags that are set
// override the config file.
type globalOptions struct {
	configPath string
	dataDir    string
	backend    string
	keyDir     string
	policy     string
	logLevel   string
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := newRootCommand()
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "%s %v\n", fail("[✘]"), err)
		stop()
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	opts := &globalOptions{}
	root := &cobra.Command{
		Use:           "zkpay",
		Short:         "Private payments over a shielded note ledger",
		Version:       fmt.Sprintf("%s (commit %s, built %s)", Version, Commit, BuildTime),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.CompletionOptions.DisableDefaultCmd = true
	service.Version = Version

	flags := root.PersistentFlags()
	flags.StringVar(&opts.configPath, "config", defaultConfigPath, "Path to the config file")
	flags.StringVar(&opts.dataDir, "data-dir", "", "Data directory (overrides config)")
	flags.StringVar(&opts.backend, "backend", "", "Storage backend: file, leveldb or postgres (overrides config)")
	flags.StringVar(&opts.keyDir, "key-dir", "", "Proving key directory (overrides config)")
	flags.StringVar(&opts.policy, "policy", "", "Note selection policy: largest-first or oldest-first (overrides config)")
	flags.StringVar(&opts.logLevel, "log-level", "", "Log level: debug, info, warn, error (overrides config)")

	root.AddCommand(
		newCreateWalletCommand(opts),
		newMintCommand(opts),
		newSendCommand(opts),
		newConsolidateCommand(opts),
		newCheckBalanceCommand(opts),
		newLedgerCommand(opts),
		newAuditCommand(opts),
		newStatusCommand(opts),
	)
	return root
}

// loadConfig reads the config file and applies the flags that were set.
func loadConfig(cmd *cobra.Command, opts *globalOptions) (*config.Config, error) {
	cfg, err := config.LoadConfig(opts.configPath)
	if err != nil {
		return nil, err
	}
	flags := cmd.Flags()
	if flags.Changed("data-dir") {
		cfg.DataDir = opts.dataDir
	}
	if flags.Changed("backend") {
		cfg.Backend = opts.backend
	}
	if flags.Changed("key-dir") {
		cfg.KeyDir = opts.keyDir
	}
	if flags.Changed("policy") {
		cfg.SelectionPolicy = opts.policy
	}
	if flags.Changed("log-level") {
		cfg.LogLevel = opts.logLevel
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// withService runs fn against a service opened from the configuration and
// closes it afterwards.
func withService(opts *globalOptions, fn func(ctx context.Context, cmd *cobra.Command, svc *service.Service) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig(cmd, opts)
		if err != nil {
			return err
		}

		auditPath := ""
		if cfg.EnableAudit {
			auditPath = cfg.AuditLogPath
			if err := os.MkdirAll(filepath.Dir(auditPath), 0o700); err != nil {
				return fmt.Errorf("failed to create audit log directory: %w", err)
			}
		}
		logger, err := logging.New(cfg.LogLevel, cfg.LogFile, auditPath)
		if err != nil {
			return err
		}
		defer logger.Close()
		gnarklog.Set(logger.Logger)

		ctx := cmd.Context()
		svc, err := service.Open(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer svc.Close()

		return fn(ctx, cmd, svc)
	}
}
