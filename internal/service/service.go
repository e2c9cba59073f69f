// Package service ties the zkpay core to its collaborators: the wallet
// registry, the store, logging, metrics and health checks. Each exported
// method is one command of the zkpay CLI.
package service

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"path/filepath"
	"sort"
	"sync"

	"zkpay/internal/config"
	"zkpay/internal/health"
	"zkpay/internal/logging"
	"zkpay/internal/metrics"
	"zkpay/internal/store"
	"zkpay/internal/zerocash"
)

// Version is reported by the status command.
var Version = "dev"

// ErrInvalidName is returned for an empty wallet name.
var ErrInvalidName = errors.New("invalid wallet name")

// Service owns one ledger, its proof system and the wallet registry.
//
// Several services, in one process or many, may share a store. Every
// command takes the store's writer lock, catches up with what the others
// saved, and saves its own changes before releasing the lock.
type Service struct {
	cfg     *config.Config
	store   store.Store
	proofs  *zerocash.Groth16System
	policy  zerocash.SelectionPolicy
	log     *logging.Logger
	metrics *metrics.MetricsCollector
	health  *health.HealthChecker

	// mu guards the fields below. The wallets map is replaced, never
	// modified.
	mu        sync.RWMutex
	ledger    *zerocash.Ledger
	processor *zerocash.Processor
	wallets   map[string]*zerocash.Wallet
	// dirty marks a ledger that may hold entries the store does not.
	dirty bool
}

// Open opens the store cfg selects and loads a service from it. The service
// owns the store.
func Open(ctx context.Context, cfg *config.Config, log *logging.Logger) (*Service, error) {
	st, err := store.Open(ctx, cfg)
	if err != nil {
		return nil, err
	}
	s, err := New(ctx, cfg, st, log)
	if err != nil {
		st.Close()
		return nil, err
	}
	return s, nil
}

// New loads the keystore and the ledger from st. The ledger is rebuilt from
// its record, so a record that breaks a ledger invariant is refused.
func New(ctx context.Context, cfg *config.Config, st store.Store, log *logging.Logger) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if log == nil {
		log = logging.Nop()
	}

	wallets, err := loadWallets(ctx, st)
	if err != nil {
		return nil, err
	}
	rec, err := st.LoadLedger(ctx)
	if err != nil {
		return nil, err
	}
	ledger, err := zerocash.RestoreLedger(cfg.Params(), rec)
	if err != nil {
		return nil, fmt.Errorf("restore ledger: %w", err)
	}

	proofs, err := zerocash.NewGroth16System(cfg.Params(), cfg.KeyDir, log.Logger)
	if err != nil {
		return nil, err
	}
	policy, err := zerocash.PolicyByName(cfg.SelectionPolicy)
	if err != nil {
		return nil, err
	}

	s := &Service{
		cfg:     cfg,
		store:   st,
		proofs:  proofs,
		policy:  policy,
		log:     log,
		metrics: metrics.NewMetricsCollector(),
		health:  health.NewHealthChecker(Version),
		wallets: wallets,
	}
	s.setLedger(ledger)

	s.health.RegisterComponent("store", func() error { return st.Ping(context.Background()) })
	s.health.RegisterComponent("ledger", func() error {
		ledger, _ := s.current()
		return ledger.CheckInvariants()
	})
	s.health.RegisterComponent("keys", s.checkKeys)

	snap := ledger.Snapshot()
	log.Debug().
		Int("wallets", len(wallets)).
		Int("commitments", snap.Len()).
		Int("transactions", snap.TransactionCount()).
		Msg("service loaded")
	return s, nil
}

func loadWallets(ctx context.Context, st store.Store) (map[string]*zerocash.Wallet, error) {
	wallets, err := st.LoadKeystore(ctx)
	if err != nil {
		return nil, err
	}
	for name, w := range wallets {
		if err := w.Validate(); err != nil {
			return nil, fmt.Errorf("wallet %q: %w", name, err)
		}
	}
	return wallets, nil
}

// setLedger must be called with mu held, or before s is shared.
func (s *Service) setLedger(ledger *zerocash.Ledger) {
	s.ledger = ledger
	s.processor = zerocash.NewProcessor(ledger, s.proofs, zerocash.ProcessorConfig{
		Policy:              s.policy,
		MaxConcurrentProofs: s.cfg.MaxConcurrentProofs,
		Recorder:            s.metrics,
		Logger:              s.log.Logger,
	})
	s.dirty = false
	snap := ledger.Snapshot()
	s.metrics.RecordLedgerSize(snap.Len(), snap.NullifierCount())
}

func (s *Service) current() (*zerocash.Ledger, *zerocash.Processor) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ledger, s.processor
}

// Close closes the store.
func (s *Service) Close() error {
	return s.store.Close()
}

// Sync takes the store lock and catches up with what other writers saved.
func (s *Service) Sync(ctx context.Context) error {
	return s.locked(ctx, func() error { return nil })
}

// locked runs fn under the store's writer lock, after catching up with the
// store.
func (s *Service) locked(ctx context.Context, fn func() error) error {
	unlock, err := s.store.Lock(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if err := unlock(); err != nil {
			s.log.Warn().Err(err).Msg("failed to release store lock")
		}
	}()
	if err := s.refresh(ctx); err != nil {
		return err
	}
	return fn()
}

// refresh reloads the keystore and brings the ledger up to the stored
// record. The store lock must be held.
func (s *Service) refresh(ctx context.Context) error {
	wallets, err := loadWallets(ctx, s.store)
	if err != nil {
		return err
	}
	rec, err := s.store.LoadLedger(ctx)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.wallets = wallets
	if !s.dirty {
		err := s.ledger.FastForward(rec)
		if err == nil {
			return nil
		}
		if !errors.Is(err, zerocash.ErrDiverged) {
			return fmt.Errorf("stored ledger: %w", err)
		}
		s.log.Warn().Err(err).Msg("reloading ledger from store")
	}
	ledger, err := zerocash.RestoreLedger(s.cfg.Params(), rec)
	if err != nil {
		return fmt.Errorf("restore ledger: %w", err)
	}
	s.setLedger(ledger)
	return nil
}

// CreateWallet generates a wallet under name and saves the keystore.
func (s *Service) CreateWallet(ctx context.Context, name string) (*zerocash.Wallet, error) {
	if name == "" {
		return nil, ErrInvalidName
	}

	var w *zerocash.Wallet
	err := s.locked(ctx, func() error {
		s.mu.RLock()
		wallets := maps.Clone(s.wallets)
		s.mu.RUnlock()

		if _, exists := wallets[name]; exists {
			return fmt.Errorf("%w: %q", zerocash.ErrWalletExists, name)
		}
		var err error
		if w, err = zerocash.GenerateWallet(); err != nil {
			return err
		}
		wallets[name] = w
		if err := s.store.SaveKeystore(ctx, wallets); err != nil {
			return err
		}

		s.mu.Lock()
		s.wallets = wallets
		s.mu.Unlock()
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.log.Info().Str("wallet", name).Str("tag", w.PublicTag.Short()).Msg("wallet created")
	s.log.Audit("wallet_created", map[string]interface{}{"wallet": name, "tag": w.PublicTag.String()})
	return w, nil
}

// Wallet returns the wallet registered under name.
func (s *Service) Wallet(name string) (*zerocash.Wallet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	w, ok := s.wallets[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", zerocash.ErrWalletNotFound, name)
	}
	return w, nil
}

// Wallets returns the registered wallet names in order.
func (s *Service) Wallets() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	names := make([]string, 0, len(s.wallets))
	for name := range s.wallets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Mint creates a note of amount for the wallet named to.
func (s *Service) Mint(ctx context.Context, to string, amount uint64) (*zerocash.MintReceipt, error) {
	var receipt *zerocash.MintReceipt
	err := s.locked(ctx, func() error {
		w, err := s.Wallet(to)
		if err != nil {
			return err
		}
		ledger, processor := s.current()
		if receipt, err = processor.Mint(ctx, w.Address(), amount); err != nil {
			return err
		}
		return s.persistLedger(ctx, ledger)
	})
	if err != nil {
		return nil, err
	}
	s.log.Audit("mint", map[string]interface{}{
		"wallet":     to,
		"commitment": receipt.Commitment.String(),
		"position":   receipt.Position,
	})
	return receipt, nil
}

// Transfer pays amount from the wallet named from to the wallet named to.
func (s *Service) Transfer(ctx context.Context, from, to string, amount uint64) (*zerocash.Transaction, error) {
	var tx *zerocash.Transaction
	err := s.locked(ctx, func() error {
		sender, err := s.Wallet(from)
		if err != nil {
			return err
		}
		recipient, err := s.Wallet(to)
		if err != nil {
			return err
		}

		ledger, processor := s.current()
		tx, err = processor.Transfer(ctx, sender, recipient.Address(), amount)
		if err != nil {
			s.log.Audit("transfer_rejected", map[string]interface{}{
				"from":  from,
				"to":    to,
				"error": err.Error(),
			})
			return err
		}
		return s.persistLedger(ctx, ledger)
	})
	if err != nil {
		return nil, err
	}
	s.log.Audit("transfer_committed", map[string]interface{}{
		"from":    from,
		"to":      to,
		"inputs":  len(tx.InputNullifiers),
		"outputs": len(tx.OutputCommitments),
	})
	return tx, nil
}

// Consolidate merges the smallest notes of the wallet named name into one.
// It returns a nil transaction when there is nothing to merge.
func (s *Service) Consolidate(ctx context.Context, name string) (*zerocash.Transaction, error) {
	var tx *zerocash.Transaction
	err := s.locked(ctx, func() error {
		w, err := s.Wallet(name)
		if err != nil {
			return err
		}
		ledger, processor := s.current()
		if tx, err = processor.Consolidate(ctx, w); err != nil || tx == nil {
			return err
		}
		return s.persistLedger(ctx, ledger)
	})
	if err != nil {
		return nil, err
	}
	if tx != nil {
		s.log.Audit("notes_consolidated", map[string]interface{}{
			"wallet": name,
			"inputs": len(tx.InputNullifiers),
		})
	}
	return tx, nil
}

// BalanceReport is the result of scanning the ledger for one wallet.
type BalanceReport struct {
	Wallet  string
	Notes   int
	Balance uint64
}

// Balance scans the ledger with the wallet's viewing key.
func (s *Service) Balance(ctx context.Context, name string) (*BalanceReport, error) {
	if err := s.Sync(ctx); err != nil {
		return nil, err
	}
	w, err := s.Wallet(name)
	if err != nil {
		return nil, err
	}
	ledger, _ := s.current()
	notes := zerocash.Unspent(ledger.Snapshot(), w)
	balance, err := zerocash.SumValues(notes)
	if err != nil {
		return nil, err
	}
	return &BalanceReport{
		Wallet:  name,
		Notes:   len(notes),
		Balance: balance,
	}, nil
}

// Ledger returns a consistent view of the public ledger as last loaded.
func (s *Service) Ledger() *zerocash.Snapshot {
	ledger, _ := s.current()
	return ledger.Snapshot()
}

// Audit re-verifies every recorded transaction.
func (s *Service) Audit(ctx context.Context) (*zerocash.AuditReport, error) {
	if err := s.Sync(ctx); err != nil {
		return nil, err
	}
	_, processor := s.current()
	report, err := processor.Audit(ctx)
	details := map[string]interface{}{}
	if report != nil {
		details["transactions"] = report.Transactions
		details["invalid"] = len(report.Invalid)
	}
	if err != nil {
		details["error"] = err.Error()
		s.log.Audit("audit_failed", details)
		return report, err
	}
	s.log.Audit("audit_passed", details)
	return report, nil
}

// StatusReport is the result of the status command.
type StatusReport struct {
	Health       *health.SystemHealth
	Metrics      *metrics.Summary
	Backend      string
	TreeDepth    int
	Wallets      int
	Anchor       zerocash.Digest
	Commitments  int
	Nullifiers   int
	Transactions int
}

// Status runs the health checks and collects ledger statistics. A store
// that cannot be synced shows up in the health report.
func (s *Service) Status(ctx context.Context) *StatusReport {
	if err := s.Sync(ctx); err != nil {
		s.log.Warn().Err(err).Msg("status uses the ledger as last loaded")
	}
	snap := s.Ledger()
	return &StatusReport{
		Health:       s.health.CheckHealth(),
		Metrics:      s.metrics.GetMetricsSummary(),
		Backend:      s.cfg.Backend,
		TreeDepth:    s.cfg.TreeDepth,
		Wallets:      len(s.Wallets()),
		Anchor:       snap.Anchor(),
		Commitments:  snap.Len(),
		Nullifiers:   snap.NullifierCount(),
		Transactions: snap.TransactionCount(),
	}
}

// Metrics returns the service's metrics collector.
func (s *Service) Metrics() *metrics.MetricsCollector { return s.metrics }

// persistLedger saves ledger. The store lock must be held. A ledger the
// store refused is marked dirty and reloaded by the next refresh.
func (s *Service) persistLedger(ctx context.Context, ledger *zerocash.Ledger) error {
	if err := s.store.SaveLedger(ctx, ledger.Export()); err != nil {
		s.mu.Lock()
		s.dirty = true
		s.mu.Unlock()
		s.log.Error().Err(err).Msg("failed to persist ledger")
		return err
	}
	return nil
}

// checkKeys reports the key directory degraded until a verifying key has
// been generated.
func (s *Service) checkKeys() error {
	if s.proofs.KeyDir() == "" {
		return fmt.Errorf("keys are not persisted: %w", health.ErrDegraded)
	}
	vks, err := filepath.Glob(filepath.Join(s.proofs.KeyDir(), "*.vk"))
	if err != nil {
		return err
	}
	if len(vks) == 0 {
		return fmt.Errorf("no verifying keys in %s: %w", s.proofs.KeyDir(), health.ErrDegraded)
	}
	return nil
}
