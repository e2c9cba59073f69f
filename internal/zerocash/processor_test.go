package zerocash

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errAbort = errors.New("aborted before commit")

func exportJSON(t *testing.T, l *Ledger) []byte {
	t.Helper()
	data, err := json.Marshal(l.Export())
	require.NoError(t, err)
	return data
}

// buildUncommitted runs a full transfer but stops right before the append
// and returns the transaction that would have been committed.
func buildUncommitted(t *testing.T, p *Processor, from *Wallet, to Address, amount uint64) *Transaction {
	t.Helper()
	var captured *Transaction
	p.beforeCommit = func(tx *Transaction) error {
		captured = cloneTransaction(tx)
		return errAbort
	}
	defer func() { p.beforeCommit = nil }()
	_, err := p.Transfer(context.Background(), from, to, amount)
	require.ErrorIs(t, err, errAbort)
	require.NotNil(t, captured)
	return captured
}

func TestTransferBalances(t *testing.T) {
	p := newTestProcessor(t)
	alice, bob := newTestWallet(t), newTestWallet(t)
	mustMint(t, p, alice, 100)
	mustMint(t, p, alice, 50)
	require.Equal(t, uint64(150), mustBalance(t, p.Ledger(), alice))

	tx, err := p.Transfer(context.Background(), alice, bob.Address(), 70)
	require.NoError(t, err)
	assert.Len(t, tx.InputNullifiers, 1, "largest-first spends the 100 note alone")
	assert.Len(t, tx.OutputCommitments, 2)

	assert.Equal(t, uint64(80), mustBalance(t, p.Ledger(), alice))
	assert.Equal(t, uint64(70), mustBalance(t, p.Ledger(), bob))

	snap := p.Ledger().Snapshot()
	assert.Equal(t, 4, snap.Len())
	assert.Equal(t, 1, snap.NullifierCount())
	assert.Equal(t, 1, snap.TransactionCount())

	// Conservation: the sum over every holder is still what was minted.
	assert.Equal(t, uint64(150), mustBalance(t, p.Ledger(), alice)+mustBalance(t, p.Ledger(), bob))
	require.NoError(t, p.Ledger().CheckInvariants())
}

func TestTransferExactAmountHasNoChange(t *testing.T) {
	p := newTestProcessor(t)
	alice, bob := newTestWallet(t), newTestWallet(t)
	mustMint(t, p, alice, 25)

	tx, err := p.Transfer(context.Background(), alice, bob.Address(), 25)
	require.NoError(t, err)
	assert.Len(t, tx.OutputCommitments, 1)
	assert.Zero(t, mustBalance(t, p.Ledger(), alice))
	assert.Equal(t, uint64(25), mustBalance(t, p.Ledger(), bob))
}

func TestTransferInsufficientBalance(t *testing.T) {
	p := newTestProcessor(t)
	alice, bob := newTestWallet(t), newTestWallet(t)
	mustMint(t, p, alice, 10)
	before := exportJSON(t, p.Ledger())

	_, err := p.Transfer(context.Background(), alice, bob.Address(), 20)
	assert.ErrorIs(t, err, ErrInsufficientBalance)

	_, err = p.Transfer(context.Background(), bob, alice.Address(), 1)
	assert.ErrorIs(t, err, ErrInsufficientBalance)

	assert.Equal(t, before, exportJSON(t, p.Ledger()))
}

func TestZeroAmountsRejected(t *testing.T) {
	p := newTestProcessor(t)
	alice, bob := newTestWallet(t), newTestWallet(t)

	_, err := p.Mint(context.Background(), alice.Address(), 0)
	assert.ErrorIs(t, err, ErrInvalidAmount)

	mustMint(t, p, alice, 10)
	_, err = p.Transfer(context.Background(), alice, bob.Address(), 0)
	assert.ErrorIs(t, err, ErrInvalidAmount)
}

func TestTransferFailureBeforeCommitLeavesLedgerUntouched(t *testing.T) {
	p := newTestProcessor(t)
	alice, bob := newTestWallet(t), newTestWallet(t)
	mustMint(t, p, alice, 100)
	before := exportJSON(t, p.Ledger())

	buildUncommitted(t, p, alice, bob.Address(), 40)

	assert.Equal(t, before, exportJSON(t, p.Ledger()), "export must be byte-identical")
	assert.Equal(t, uint64(100), mustBalance(t, p.Ledger(), alice))
	assert.Zero(t, mustBalance(t, p.Ledger(), bob))
}

func TestConcurrentTransfersOfOneNote(t *testing.T) {
	p := newTestProcessor(t)
	alice, bob, carol := newTestWallet(t), newTestWallet(t), newTestWallet(t)
	mustMint(t, p, alice, 100)

	// Hold both transfers at the commit point until both have proved, so
	// they race on the same nullifier.
	var arrived sync.WaitGroup
	arrived.Add(2)
	p.beforeCommit = func(*Transaction) error {
		arrived.Done()
		arrived.Wait()
		return nil
	}

	errs := make([]error, 2)
	var done sync.WaitGroup
	for i, to := range []*Wallet{bob, carol} {
		done.Add(1)
		go func() {
			defer done.Done()
			_, errs[i] = p.Transfer(context.Background(), alice, to.Address(), 30)
		}()
	}
	done.Wait()

	var committed, spent int
	for _, err := range errs {
		switch {
		case err == nil:
			committed++
		case errors.Is(err, ErrNoteAlreadySpent):
			spent++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, committed)
	assert.Equal(t, 1, spent)
	assert.Equal(t, uint64(70), mustBalance(t, p.Ledger(), alice))
	assert.Equal(t, uint64(30), mustBalance(t, p.Ledger(), bob)+mustBalance(t, p.Ledger(), carol))
	require.NoError(t, p.Ledger().CheckInvariants())
}

func TestSubmitReplayIsDoubleSpend(t *testing.T) {
	p := newTestProcessor(t)
	alice, bob := newTestWallet(t), newTestWallet(t)
	mustMint(t, p, alice, 100)

	tx, err := p.Transfer(context.Background(), alice, bob.Address(), 60)
	require.NoError(t, err)
	before := exportJSON(t, p.Ledger())

	err = p.Submit(context.Background(), tx)
	assert.ErrorIs(t, err, ErrNoteAlreadySpent)
	assert.Equal(t, before, exportJSON(t, p.Ledger()))
}

func TestSubmitRejectsTamperedTransactions(t *testing.T) {
	p := newTestProcessor(t)
	alice, bob := newTestWallet(t), newTestWallet(t)
	mustMint(t, p, alice, 100)
	tx := buildUncommitted(t, p, alice, bob.Address(), 60)
	before := exportJSON(t, p.Ledger())

	cases := map[string]func(tx *Transaction){
		"proof bit":       func(tx *Transaction) { tx.Proof[len(tx.Proof)/2] ^= 0x01 },
		"truncated proof": func(tx *Transaction) { tx.Proof = tx.Proof[:len(tx.Proof)-1] },
		"nullifier bit":   func(tx *Transaction) { tx.InputNullifiers[0][DigestSize-1] ^= 0x01 },
		"commitment bit":  func(tx *Transaction) { tx.OutputCommitments[0][DigestSize-1] ^= 0x01 },
		"payload bit":     func(tx *Transaction) { tx.Payloads[1].Ciphertext[0] ^= 0x01 },
		"anchor bit":      func(tx *Transaction) { tx.Anchor[DigestSize-1] ^= 0x01 },
		"swapped outputs": func(tx *Transaction) {
			tx.OutputCommitments[0], tx.OutputCommitments[1] = tx.OutputCommitments[1], tx.OutputCommitments[0]
		},
		"dropped payload": func(tx *Transaction) { tx.Payloads = tx.Payloads[:1] },
	}
	for name, tamper := range cases {
		t.Run(name, func(t *testing.T) {
			bad := cloneTransaction(tx)
			tamper(bad)
			err := p.Submit(context.Background(), bad)
			assert.ErrorIs(t, err, ErrInvalidProof)
		})
	}
	assert.Equal(t, before, exportJSON(t, p.Ledger()))

	// The untouched transaction is still acceptable.
	require.NoError(t, p.Submit(context.Background(), tx))
	assert.Equal(t, uint64(60), mustBalance(t, p.Ledger(), bob))
}

func TestAuditVerifiesEveryTransaction(t *testing.T) {
	p := newTestProcessor(t)
	alice, bob := newTestWallet(t), newTestWallet(t)
	mustMint(t, p, alice, 100)
	_, err := p.Transfer(context.Background(), alice, bob.Address(), 60)
	require.NoError(t, err)
	_, err = p.Transfer(context.Background(), bob, alice.Address(), 10)
	require.NoError(t, err)

	report, err := p.Audit(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, report.Transactions)
	assert.Empty(t, report.Invalid)

	// A ledger restored with a forged proof fails the audit.
	rec := p.Ledger().Export()
	rec.Transactions[1].Proof[len(rec.Transactions[1].Proof)/2] ^= 0x01
	forged, err := RestoreLedger(testParams, rec)
	require.NoError(t, err)
	report, err = NewProcessor(forged, sharedProofs(), ProcessorConfig{}).Audit(context.Background())
	assert.ErrorIs(t, err, ErrInvalidProof)
	require.NotNil(t, report)
	assert.Equal(t, []int{1}, report.Invalid)
}

func TestScanIsRestartableAndPrivate(t *testing.T) {
	p := newTestProcessor(t)
	alice, bob := newTestWallet(t), newTestWallet(t)
	mustMint(t, p, alice, 3)
	mustMint(t, p, bob, 4)
	mustMint(t, p, alice, 5)

	snap := p.Ledger().Snapshot()
	seq := Scan(snap, alice.ViewingKey, alice.PublicTag)
	var first, second []uint64
	for n := range seq {
		first = append(first, n.Note.Value)
	}
	for n := range seq {
		second = append(second, n.Note.Value)
	}
	assert.Equal(t, []uint64{3, 5}, first)
	assert.Equal(t, first, second)

	// Bob's viewing key with Alice's tag finds nothing.
	count := 0
	for range Scan(snap, bob.ViewingKey, alice.PublicTag) {
		count++
	}
	assert.Zero(t, count)
}

func TestSelectionPolicies(t *testing.T) {
	notes := []OwnedNote{
		{Note: Note{Value: 5}, Position: 0},
		{Note: Note{Value: 20}, Position: 1},
		{Note: Note{Value: 20}, Position: 2},
		{Note: Note{Value: 1}, Position: 3},
	}

	got, err := LargestFirst{}.Select(notes, 25)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, uint64(1), got[0].Position)
	assert.Equal(t, uint64(2), got[1].Position)

	got, err = OldestFirst{}.Select(notes, 25)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, uint64(0), got[0].Position)
	assert.Equal(t, uint64(1), got[1].Position)

	_, err = LargestFirst{}.Select(notes, 47)
	assert.ErrorIs(t, err, ErrInsufficientBalance)

	policy, err := PolicyByName("oldest-first")
	require.NoError(t, err)
	assert.IsType(t, OldestFirst{}, policy)
	_, err = PolicyByName("random")
	assert.Error(t, err)
}

func TestSelectionBeyondInputLimit(t *testing.T) {
	var notes []OwnedNote
	for i := 0; i < MaxNotesPerSide+1; i++ {
		notes = append(notes, OwnedNote{Note: Note{Value: 1}, Position: uint64(i)})
	}
	total, err := SumValues(notes)
	require.NoError(t, err)
	require.Equal(t, uint64(9), total)

	for _, policy := range []SelectionPolicy{LargestFirst{}, OldestFirst{}} {
		_, err := policy.Select(notes, 9)
		assert.ErrorIs(t, err, ErrTooManyInputs)
		assert.NotErrorIs(t, err, ErrInsufficientBalance)

		_, err = policy.Select(notes, 10)
		assert.ErrorIs(t, err, ErrInsufficientBalance)

		got, err := policy.Select(notes, 8)
		require.NoError(t, err)
		assert.Len(t, got, MaxNotesPerSide)
	}

	merged := consolidationInputs(append(notes, OwnedNote{Note: Note{Value: 50}, Position: 9}))
	require.Len(t, merged, MaxNotesPerSide)
	for _, n := range merged {
		assert.Equal(t, uint64(1), n.Note.Value, "smallest notes are merged first")
	}
	assert.Nil(t, consolidationInputs(notes[:1]))
}

func TestConsolidateUnlocksTransfer(t *testing.T) {
	if testing.Short() {
		t.Skip("sets up an 8-input circuit")
	}
	p := newTestProcessor(t)
	alice, bob := newTestWallet(t), newTestWallet(t)
	for i := 0; i < MaxNotesPerSide+1; i++ {
		mustMint(t, p, alice, 1)
	}
	require.Equal(t, uint64(9), mustBalance(t, p.Ledger(), alice))

	_, err := p.Transfer(context.Background(), alice, bob.Address(), 9)
	require.ErrorIs(t, err, ErrTooManyInputs)

	tx, err := p.Consolidate(context.Background(), alice)
	require.NoError(t, err)
	require.NotNil(t, tx)
	assert.Len(t, tx.InputNullifiers, MaxNotesPerSide)
	assert.Len(t, tx.OutputCommitments, 1)
	assert.Len(t, Unspent(p.Ledger().Snapshot(), alice), 2)
	assert.Equal(t, uint64(9), mustBalance(t, p.Ledger(), alice))

	_, err = p.Transfer(context.Background(), alice, bob.Address(), 9)
	require.NoError(t, err)
	assert.Zero(t, mustBalance(t, p.Ledger(), alice))
	assert.Equal(t, uint64(9), mustBalance(t, p.Ledger(), bob))

	tx, err = p.Consolidate(context.Background(), bob)
	require.NoError(t, err)
	assert.Nil(t, tx, "a single note needs no consolidation")
}

func TestVerifyRejectsMalformedStatements(t *testing.T) {
	g := sharedProofs()
	var st Statement
	assert.False(t, g.Verify(nil, nil))
	assert.False(t, g.Verify(Proof{1, 2, 3}, &st), "empty shape")

	var nf Nullifier
	st = Statement{Nullifiers: []Nullifier{nf, nf}, Commitments: []Commitment{{}}}
	assert.False(t, g.Verify(Proof{1, 2, 3}, &st), "duplicate nullifiers")

	st = Statement{Nullifiers: []Nullifier{{}}, Commitments: []Commitment{{}}}
	for i := range st.Anchor {
		st.Anchor[i] = 0xff
	}
	assert.False(t, g.Verify(Proof{1, 2, 3}, &st), "non-canonical anchor")
}

func TestProveRejectsBadWitnesses(t *testing.T) {
	w, _ := circuitFixture(t)
	g := sharedProofs()

	inflated := *w
	inflated.Outputs = append([]Note{}, w.Outputs...)
	inflated.Outputs[0].Value++
	_, err := g.Prove(&inflated)
	assert.ErrorIs(t, err, ErrInvalidAmount)

	thief := newTestWallet(t)
	stolen := *w
	stolen.Inputs = append([]SpendInput{}, w.Inputs...)
	stolen.Inputs[0].Key = thief.SpendingKey
	_, err = g.Prove(&stolen)
	assert.ErrorIs(t, err, ErrInvalidKeyFormat)

	zeroKey := *w
	zeroKey.Inputs = append([]SpendInput{}, w.Inputs...)
	zeroKey.Inputs[0].Key = SpendingKey{}
	_, err = g.Prove(&zeroKey)
	assert.ErrorIs(t, err, ErrInvalidKeyFormat)
}

func TestGroth16SystemPersistsKeys(t *testing.T) {
	if testing.Short() {
		t.Skip("runs its own trusted setup")
	}
	dir := t.TempDir()
	params := &Params{TreeDepth: 2}
	var logs bytes.Buffer
	first, err := NewGroth16System(params, dir, zerolog.New(&logs))
	require.NoError(t, err)

	l, err := NewLedger(params)
	require.NoError(t, err)
	p := NewProcessor(l, first, ProcessorConfig{})
	alice, bob := newTestWallet(t), newTestWallet(t)
	mustMint(t, p, alice, 9)
	tx, err := p.Transfer(context.Background(), alice, bob.Address(), 9)
	require.NoError(t, err)
	assert.FileExists(t, filepath.Join(dir, "transfer_1x1_d2.vk"))
	assert.Contains(t, logs.String(), "Generating keys", "key setup logs through the system's logger")

	reloaded, err := NewGroth16System(params, dir, zerolog.Nop())
	require.NoError(t, err)
	assert.True(t, reloaded.Verify(tx.Proof, tx.Statement()))

	empty, err := NewGroth16System(params, "", zerolog.Nop())
	require.NoError(t, err)
	assert.False(t, empty.Verify(tx.Proof, tx.Statement()), "no keys for the shape")
}
