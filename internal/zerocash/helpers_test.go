package zerocash

import (
	"context"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

// A shallow tree keeps circuits small enough for Groth16 setups in tests.
const testDepth = 4

var testParams = &Params{TreeDepth: testDepth}

// Setups are expensive, so every test in the package shares one proof system
// and therefore one key pair per shape.
var sharedProofs = sync.OnceValue(func() *Groth16System {
	g, err := NewGroth16System(testParams, "", zerolog.Nop())
	if err != nil {
		panic(err)
	}
	return g
})

func newTestWallet(t *testing.T) *Wallet {
	t.Helper()
	w, err := GenerateWallet()
	require.NoError(t, err)
	return w
}

func newTestLedger(t *testing.T) *Ledger {
	t.Helper()
	l, err := NewLedger(testParams)
	require.NoError(t, err)
	return l
}

func newTestProcessor(t *testing.T) *Processor {
	t.Helper()
	return NewProcessor(newTestLedger(t), sharedProofs(), ProcessorConfig{MaxConcurrentProofs: 2})
}

func mustMint(t *testing.T, p *Processor, to *Wallet, amount uint64) *MintReceipt {
	t.Helper()
	r, err := p.Mint(context.Background(), to.Address(), amount)
	require.NoError(t, err)
	return r
}

func mustBalance(t *testing.T, l *Ledger, w *Wallet) uint64 {
	t.Helper()
	b, err := Balance(l.Snapshot(), w)
	require.NoError(t, err)
	return b
}

// spendWitness builds a valid witness spending the notes at positions of l,
// all owned by from, into the given outputs.
func spendWitness(t *testing.T, l *Ledger, from *Wallet, notes []OwnedNote, outputs []Note, digest Digest) *Witness {
	t.Helper()
	positions := make([]uint64, len(notes))
	for i, n := range notes {
		positions[i] = n.Position
	}
	anchor, paths, err := l.MerkleWitness(positions)
	require.NoError(t, err)
	w := &Witness{Anchor: anchor, Outputs: outputs, PayloadDigest: digest}
	for i, n := range notes {
		w.Inputs = append(w.Inputs, SpendInput{Note: n.Note, Key: from.SpendingKey, Position: n.Position, Path: paths[i]})
	}
	return w
}
