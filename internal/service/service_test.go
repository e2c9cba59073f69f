package service

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"zkpay/internal/config"
	"zkpay/internal/health"
	"zkpay/internal/metrics"
	"zkpay/internal/store"
	"zkpay/internal/zerocash"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.DataDir = filepath.Join(dir, "data")
	cfg.KeyDir = filepath.Join(dir, "keys")
	cfg.AuditLogPath = filepath.Join(dir, "audit.log")
	cfg.TreeDepth = 4
	return cfg
}

func openService(t *testing.T, cfg *config.Config) *Service {
	t.Helper()
	s, err := Open(context.Background(), cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestCreateWallet(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	s := openService(t, cfg)

	alice, err := s.CreateWallet(ctx, "alice")
	require.NoError(t, err)
	require.NoError(t, alice.Validate())

	_, err = s.CreateWallet(ctx, "alice")
	assert.ErrorIs(t, err, zerocash.ErrWalletExists)
	_, err = s.CreateWallet(ctx, "")
	assert.ErrorIs(t, err, ErrInvalidName)
	_, err = s.Wallet("bob")
	assert.ErrorIs(t, err, zerocash.ErrWalletNotFound)

	_, err = s.CreateWallet(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, []string{"alice", "bob"}, s.Wallets())

	// The keystore survives a restart.
	require.NoError(t, s.Close())
	reopened := openService(t, cfg)
	w, err := reopened.Wallet("alice")
	require.NoError(t, err)
	assert.Equal(t, alice, w)
}

func TestMintAndBalance(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	s := openService(t, cfg)

	_, err := s.CreateWallet(ctx, "alice")
	require.NoError(t, err)
	_, err = s.CreateWallet(ctx, "bob")
	require.NoError(t, err)

	_, err = s.Mint(ctx, "carol", 10)
	assert.ErrorIs(t, err, zerocash.ErrWalletNotFound)
	_, err = s.Mint(ctx, "alice", 0)
	assert.ErrorIs(t, err, zerocash.ErrInvalidAmount)

	first, err := s.Mint(ctx, "alice", 100)
	require.NoError(t, err)
	second, err := s.Mint(ctx, "alice", 50)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), first.Position)
	assert.Equal(t, uint64(1), second.Position)

	report, err := s.Balance(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, &BalanceReport{Wallet: "alice", Notes: 2, Balance: 150}, report)

	report, err = s.Balance(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, 0, report.Notes)
	assert.Equal(t, uint64(0), report.Balance)

	snap := s.Ledger()
	assert.Equal(t, 2, snap.Len())
	assert.Equal(t, 0, snap.NullifierCount())
	assert.Equal(t, 0, snap.TransactionCount())
	assert.Equal(t, 1.0, s.Metrics().GetMetric(metrics.MetricMints, nil).Value)

	// The ledger survives a restart.
	require.NoError(t, s.Close())
	reopened := openService(t, cfg)
	report, err = reopened.Balance(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, uint64(150), report.Balance)
	assert.Equal(t, s.Ledger().Anchor(), reopened.Ledger().Anchor())
}

func TestLevelDBBackend(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	cfg.Backend = config.BackendLevelDB
	s := openService(t, cfg)

	_, err := s.CreateWallet(ctx, "alice")
	require.NoError(t, err)
	_, err = s.Mint(ctx, "alice", 42)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	reopened := openService(t, cfg)
	report, err := reopened.Balance(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, uint64(42), report.Balance)
}

func TestNewRejectsTamperedKeystore(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	st, err := store.NewFileStore(cfg.DataDir)
	require.NoError(t, err)

	w, err := zerocash.GenerateWallet()
	require.NoError(t, err)
	w.PublicTag[0] ^= 1
	require.NoError(t, st.SaveKeystore(ctx, map[string]*zerocash.Wallet{"alice": w}))

	_, err = New(ctx, cfg, st, nil)
	assert.ErrorIs(t, err, zerocash.ErrInvalidKeyFormat)
}

func TestStatusBeforeAnyTransfer(t *testing.T) {
	ctx := context.Background()
	s := openService(t, testConfig(t))
	_, err := s.CreateWallet(ctx, "alice")
	require.NoError(t, err)

	status := s.Status(ctx)
	assert.Equal(t, health.Degraded, status.Health.OverallStatus, "no keys generated yet")
	assert.Equal(t, 1, status.Wallets)
	assert.Equal(t, 4, status.TreeDepth)
	assert.Equal(t, config.BackendFile, status.Backend)

	report, err := s.Audit(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, report.Transactions)
}

func TestTransferEndToEnd(t *testing.T) {
	if testing.Short() {
		t.Skip("runs a Groth16 setup")
	}
	ctx := context.Background()
	cfg := testConfig(t)
	s := openService(t, cfg)

	for _, name := range []string{"alice", "bob"} {
		_, err := s.CreateWallet(ctx, name)
		require.NoError(t, err)
	}
	_, err := s.Mint(ctx, "alice", 100)
	require.NoError(t, err)
	_, err = s.Mint(ctx, "alice", 50)
	require.NoError(t, err)

	_, err = s.Transfer(ctx, "alice", "dave", 10)
	assert.ErrorIs(t, err, zerocash.ErrWalletNotFound)
	_, err = s.Transfer(ctx, "bob", "alice", 10)
	assert.ErrorIs(t, err, zerocash.ErrInsufficientBalance)

	tx, err := s.Transfer(ctx, "alice", "bob", 70)
	require.NoError(t, err)
	assert.Len(t, tx.InputNullifiers, 1)
	assert.Len(t, tx.OutputCommitments, 2)

	alice, err := s.Balance(ctx, "alice")
	require.NoError(t, err)
	bob, err := s.Balance(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, uint64(80), alice.Balance)
	assert.Equal(t, 2, alice.Notes)
	assert.Equal(t, uint64(70), bob.Balance)

	status := s.Status(ctx)
	assert.Equal(t, health.Healthy, status.Health.OverallStatus)
	assert.Equal(t, 1, status.Transactions)
	assert.Equal(t, 1, status.Nullifiers)
	assert.Equal(t, int64(1), status.Metrics.Counters["transfers_total_status_committed"])

	// A restarted service verifies with the keys on disk.
	require.NoError(t, s.Close())
	reopened := openService(t, cfg)
	report, err := reopened.Audit(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Transactions)
	assert.Empty(t, report.Invalid)

	bob, err = reopened.Balance(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, uint64(70), bob.Balance)
}

func TestServicesSharingAStoreKeepEveryWallet(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	first := openService(t, cfg)
	second := openService(t, cfg)

	_, err := first.CreateWallet(ctx, "alice")
	require.NoError(t, err)
	_, err = second.CreateWallet(ctx, "bob")
	require.NoError(t, err)
	_, err = second.CreateWallet(ctx, "alice")
	assert.ErrorIs(t, err, zerocash.ErrWalletExists, "second service sees the first one's wallet")

	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		s := first
		if i%2 == 1 {
			s = second
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.CreateWallet(ctx, fmt.Sprintf("w%d", i))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	reopened := openService(t, cfg)
	assert.Equal(t, []string{"alice", "bob", "w0", "w1", "w2", "w3", "w4", "w5"}, reopened.Wallets())
}

func TestServicesSharingAStoreKeepEveryMint(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	first := openService(t, cfg)
	second := openService(t, cfg)

	_, err := first.CreateWallet(ctx, "alice")
	require.NoError(t, err)
	_, err = first.Mint(ctx, "alice", 10)
	require.NoError(t, err)
	receipt, err := second.Mint(ctx, "alice", 20)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), receipt.Position, "second service appends after the first one's mint")

	report, err := first.Balance(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, uint64(30), report.Balance)

	reopened := openService(t, cfg)
	report, err = reopened.Balance(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, uint64(30), report.Balance)
	assert.Equal(t, 2, report.Notes)
}

func TestServicesSharingAStoreSpendANoteOnce(t *testing.T) {
	if testing.Short() {
		t.Skip("runs a Groth16 setup")
	}
	ctx := context.Background()
	cfg := testConfig(t)
	first := openService(t, cfg)
	second := openService(t, cfg)

	for _, name := range []string{"alice", "bob", "carol"} {
		_, err := first.CreateWallet(ctx, name)
		require.NoError(t, err)
	}
	_, err := first.Mint(ctx, "alice", 100)
	require.NoError(t, err)

	errs := make([]error, 2)
	var wg sync.WaitGroup
	for i, send := range []struct {
		s  *Service
		to string
	}{{first, "bob"}, {second, "carol"}} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = send.s.Transfer(ctx, "alice", send.to, 60)
		}()
	}
	wg.Wait()

	var committed int
	for _, err := range errs {
		if err == nil {
			committed++
			continue
		}
		assert.ErrorIs(t, err, zerocash.ErrInsufficientBalance)
	}
	require.Equal(t, 1, committed, "exactly one transfer spends the note")

	reopened := openService(t, cfg)
	balances := map[string]uint64{}
	for _, name := range []string{"alice", "bob", "carol"} {
		report, err := reopened.Balance(ctx, name)
		require.NoError(t, err)
		balances[name] = report.Balance
	}
	assert.Equal(t, uint64(40), balances["alice"])
	assert.Equal(t, uint64(60), balances["bob"]+balances["carol"])
	assert.Equal(t, 1, reopened.Ledger().TransactionCount())

	audit, err := reopened.Audit(ctx)
	require.NoError(t, err)
	assert.Empty(t, audit.Invalid)
}

var errSaveFailed = errors.New("disk full")

// flakyStore fails the next failSaves ledger saves.
type flakyStore struct {
	store.Store
	failSaves int
}

func (f *flakyStore) SaveLedger(ctx context.Context, rec *zerocash.LedgerRecord) error {
	if f.failSaves > 0 {
		f.failSaves--
		return errSaveFailed
	}
	return f.Store.SaveLedger(ctx, rec)
}

func TestFailedSaveIsRolledBack(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	fs, err := store.NewFileStore(cfg.DataDir)
	require.NoError(t, err)
	st := &flakyStore{Store: fs}
	s, err := New(ctx, cfg, st, nil)
	require.NoError(t, err)

	_, err = s.CreateWallet(ctx, "alice")
	require.NoError(t, err)

	st.failSaves = 1
	_, err = s.Mint(ctx, "alice", 10)
	require.ErrorIs(t, err, errSaveFailed)

	report, err := s.Balance(ctx, "alice")
	require.NoError(t, err)
	assert.Zero(t, report.Balance, "the unsaved mint is dropped")

	receipt, err := s.Mint(ctx, "alice", 20)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), receipt.Position)

	reopened := openService(t, cfg)
	report, err = reopened.Balance(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, uint64(20), report.Balance)
}
