// processor.go - Transaction processing for the shielded note ledger.
//
// The Processor turns intents (mint, transfer) into ledger updates. A
// transfer reads a snapshot, selects notes, proves, verifies and only then
// appends; every failure before the append leaves the ledger untouched.

package zerocash

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// Recorder receives processing metrics.
type Recorder interface {
	RecordProofGeneration(d time.Duration)
	RecordProofVerification(d time.Duration)
	RecordTransfer(status string)
	RecordMint()
	RecordError(errorType string)
	RecordLedgerSize(commitments, nullifiers int)
}

type nopRecorder struct{}

func (nopRecorder) RecordProofGeneration(time.Duration)   {}
func (nopRecorder) RecordProofVerification(time.Duration) {}
func (nopRecorder) RecordTransfer(string)                 {}
func (nopRecorder) RecordMint()                           {}
func (nopRecorder) RecordError(string)                    {}
func (nopRecorder) RecordLedgerSize(int, int)             {}

// ProcessorConfig configures a Processor. The zero value is usable.
type ProcessorConfig struct {
	Policy              SelectionPolicy
	MaxConcurrentProofs int
	Recorder            Recorder
	Logger              zerolog.Logger
}

// Processor builds, proves and admits transactions against one ledger.
type Processor struct {
	ledger  *Ledger
	proofs  ProofSystem
	policy  SelectionPolicy
	provers *semaphore.Weighted
	workers int
	rec     Recorder
	log     zerolog.Logger

	// beforeCommit runs after verification, right before the append.
	beforeCommit func(tx *Transaction) error
}

// NewProcessor returns a processor for ledger using proofs.
func NewProcessor(ledger *Ledger, proofs ProofSystem, cfg ProcessorConfig) *Processor {
	if cfg.Policy == nil {
		cfg.Policy = LargestFirst{}
	}
	if cfg.MaxConcurrentProofs <= 0 {
		cfg.MaxConcurrentProofs = 1
	}
	if cfg.Recorder == nil {
		cfg.Recorder = nopRecorder{}
	}
	return &Processor{
		ledger:  ledger,
		proofs:  proofs,
		policy:  cfg.Policy,
		provers: semaphore.NewWeighted(int64(cfg.MaxConcurrentProofs)),
		workers: runtime.GOMAXPROCS(0),
		rec:     cfg.Recorder,
		log:     cfg.Logger,
	}
}

func (p *Processor) Ledger() *Ledger { return p.ledger }

// MintReceipt describes a minted note.
type MintReceipt struct {
	Commitment Commitment
	Position   uint64
}

// Mint creates a note of amount for to and records its commitment. Mints
// need no proof: they are the only source of value.
func (p *Processor) Mint(ctx context.Context, to Address, amount uint64) (*MintReceipt, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if amount == 0 {
		p.rec.RecordError("invalid_amount")
		return nil, fmt.Errorf("%w: mint amount must be positive", ErrInvalidAmount)
	}
	note, err := NewNote(amount, to.Tag)
	if err != nil {
		return nil, err
	}
	cm := CommitmentOf(note)
	payload, err := sealNote(note, to.Viewing, cm)
	if err != nil {
		return nil, err
	}
	pos, err := p.ledger.AppendMint(CommitmentEntry{Commitment: cm, Payload: payload})
	if err != nil {
		p.rec.RecordError(errorType(err))
		return nil, err
	}
	p.rec.RecordMint()
	p.recordLedgerSize()
	p.log.Info().Str("commitment", cm.Short()).Uint64("position", pos).Msg("note minted")
	return &MintReceipt{Commitment: cm, Position: pos}, nil
}

// Transfer pays amount from w to the holder of to. The outputs are the
// recipient's note followed by a change note back to w when the selected
// notes exceed amount.
func (p *Processor) Transfer(ctx context.Context, w *Wallet, to Address, amount uint64) (*Transaction, error) {
	tx, err := p.transfer(ctx, w, to, amount)
	if err != nil {
		p.rec.RecordTransfer("rejected")
		p.rec.RecordError(errorType(err))
		p.log.Warn().Err(err).Uint64("amount", amount).Msg("transfer rejected")
		return nil, err
	}
	p.rec.RecordTransfer("committed")
	p.recordLedgerSize()
	p.log.Info().
		Int("inputs", len(tx.InputNullifiers)).
		Int("outputs", len(tx.OutputCommitments)).
		Msg("transfer committed")
	return tx, nil
}

func (p *Processor) transfer(ctx context.Context, w *Wallet, to Address, amount uint64) (*Transaction, error) {
	if amount == 0 {
		return nil, fmt.Errorf("%w: transfer amount must be positive", ErrInvalidAmount)
	}

	// Step 1: recover spendable notes from a consistent snapshot
	snap := p.ledger.Snapshot()
	selected, err := p.policy.Select(Unspent(snap, w), amount)
	if err != nil {
		return nil, err
	}
	total, err := SumValues(selected)
	if err != nil {
		return nil, err
	}

	// Step 2: outputs, recipient first
	recipient, err := NewNote(amount, to.Tag)
	if err != nil {
		return nil, err
	}
	outputs := []Note{recipient}
	viewers := []ViewingPublicKey{to.Viewing}
	if change := total - amount; change > 0 {
		changeNote, err := NewNote(change, w.PublicTag)
		if err != nil {
			return nil, err
		}
		outputs = append(outputs, changeNote)
		viewers = append(viewers, w.ViewingPublic)
	}
	return p.spend(ctx, w, selected, outputs, viewers)
}

// Consolidate merges up to MaxNotesPerSide of w's smallest unspent notes
// into a single note back to w, so that later transfers need fewer inputs.
// It returns a nil transaction when w holds fewer than two unspent notes.
func (p *Processor) Consolidate(ctx context.Context, w *Wallet) (*Transaction, error) {
	inputs := consolidationInputs(Unspent(p.ledger.Snapshot(), w))
	if inputs == nil {
		return nil, nil
	}
	tx, err := p.consolidate(ctx, w, inputs)
	if err != nil {
		p.rec.RecordTransfer("rejected")
		p.rec.RecordError(errorType(err))
		p.log.Warn().Err(err).Int("inputs", len(inputs)).Msg("consolidation rejected")
		return nil, err
	}
	p.rec.RecordTransfer("committed")
	p.recordLedgerSize()
	p.log.Info().Int("inputs", len(inputs)).Msg("notes consolidated")
	return tx, nil
}

func (p *Processor) consolidate(ctx context.Context, w *Wallet, inputs []OwnedNote) (*Transaction, error) {
	total, err := SumValues(inputs)
	if err != nil {
		return nil, err
	}
	merged, err := NewNote(total, w.PublicTag)
	if err != nil {
		return nil, err
	}
	return p.spend(ctx, w, inputs, []Note{merged}, []ViewingPublicKey{w.ViewingPublic})
}

// spend proves and admits a transaction spending selected, all owned by w,
// into outputs, each sealed to the matching viewer.
func (p *Processor) spend(ctx context.Context, w *Wallet, selected []OwnedNote, outputs []Note, viewers []ViewingPublicKey) (*Transaction, error) {
	var err error

	// Step 3: encrypt outputs to their holders
	commitments := make([]Commitment, len(outputs))
	payloads := make([]EncryptedNote, len(outputs))
	for j, out := range outputs {
		commitments[j] = CommitmentOf(out)
		payloads[j], err = sealNote(out, viewers[j], commitments[j])
		if err != nil {
			return nil, err
		}
	}

	// Step 4: anchor and authentication paths
	positions := make([]uint64, len(selected))
	for i, n := range selected {
		positions[i] = n.Position
	}
	anchor, paths, err := p.ledger.MerkleWitness(positions)
	if err != nil {
		return nil, err
	}
	witness := &Witness{
		Anchor:        anchor,
		Inputs:        make([]SpendInput, len(selected)),
		Outputs:       outputs,
		PayloadDigest: payloadDigest(payloads),
	}
	for i, n := range selected {
		witness.Inputs[i] = SpendInput{Note: n.Note, Key: w.SpendingKey, Position: n.Position, Path: paths[i]}
	}

	// Step 5: prove
	proof, err := p.prove(ctx, witness)
	if err != nil {
		return nil, err
	}
	st := witness.Statement()
	tx := &Transaction{
		Proof:             proof,
		Anchor:            anchor,
		InputNullifiers:   st.Nullifiers,
		OutputCommitments: commitments,
		Payloads:          payloads,
	}

	// Step 6: verify and append
	if err := p.admit(ctx, tx); err != nil {
		return nil, err
	}
	return tx, nil
}

func (p *Processor) prove(ctx context.Context, w *Witness) (Proof, error) {
	if err := p.provers.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer p.provers.Release(1)
	start := time.Now()
	proof, err := p.proofs.Prove(w)
	if err != nil {
		return nil, err
	}
	p.rec.RecordProofGeneration(time.Since(start))
	return proof, nil
}

// Submit verifies and appends a transaction built elsewhere.
func (p *Processor) Submit(ctx context.Context, tx *Transaction) error {
	if err := p.admit(ctx, tx); err != nil {
		p.rec.RecordTransfer("rejected")
		p.rec.RecordError(errorType(err))
		return err
	}
	p.rec.RecordTransfer("committed")
	p.recordLedgerSize()
	return nil
}

func (p *Processor) admit(ctx context.Context, tx *Transaction) error {
	if len(tx.Payloads) != len(tx.OutputCommitments) {
		return fmt.Errorf("%w: %d payloads for %d outputs", ErrInvalidProof, len(tx.Payloads), len(tx.OutputCommitments))
	}
	if !p.verify(tx) {
		return ErrInvalidProof
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if p.beforeCommit != nil {
		if err := p.beforeCommit(tx); err != nil {
			return err
		}
	}
	_, err := p.ledger.AppendTransaction(tx)
	return err
}

func (p *Processor) verify(tx *Transaction) bool {
	start := time.Now()
	ok := p.proofs.Verify(tx.Proof, tx.Statement())
	p.rec.RecordProofVerification(time.Since(start))
	return ok
}

// AuditReport is the outcome of Audit.
type AuditReport struct {
	Transactions int
	Commitments  int
	Nullifiers   int
	Invalid      []int
}

// Audit re-verifies every recorded proof in parallel and checks the ledger
// invariants.
func (p *Processor) Audit(ctx context.Context) (*AuditReport, error) {
	snap := p.ledger.Snapshot()
	report := &AuditReport{
		Transactions: snap.TransactionCount(),
		Commitments:  snap.Len(),
		Nullifiers:   snap.NullifierCount(),
	}
	valid := make([]bool, snap.TransactionCount())

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(p.workers)
	for i, tx := range snap.Transactions() {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			valid[i] = p.verify(tx)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	for i, ok := range valid {
		if !ok {
			report.Invalid = append(report.Invalid, i)
		}
	}

	if err := p.ledger.CheckInvariants(); err != nil {
		return report, err
	}
	if len(report.Invalid) > 0 {
		return report, fmt.Errorf("%w: %d of %d transactions fail verification", ErrInvalidProof, len(report.Invalid), report.Transactions)
	}
	p.log.Info().Int("transactions", report.Transactions).Msg("ledger audit passed")
	return report, nil
}

func (p *Processor) recordLedgerSize() {
	snap := p.ledger.Snapshot()
	p.rec.RecordLedgerSize(snap.Len(), snap.NullifierCount())
}

// errorType names err for metrics labels.
func errorType(err error) string {
	switch {
	case errors.Is(err, ErrInsufficientBalance):
		return "insufficient_balance"
	case errors.Is(err, ErrTooManyInputs):
		return "too_many_inputs"
	case errors.Is(err, ErrInvalidAmount):
		return "invalid_amount"
	case errors.Is(err, ErrNoteAlreadySpent):
		return "note_already_spent"
	case errors.Is(err, ErrInvalidProof):
		return "invalid_proof"
	case errors.Is(err, ErrInvalidKeyFormat):
		return "invalid_key_format"
	case errors.Is(err, ErrUnknownAnchor):
		return "unknown_anchor"
	case errors.Is(err, ErrDuplicateCommitment):
		return "duplicate_commitment"
	case errors.Is(err, ErrTreeFull):
		return "tree_full"
	case errors.Is(err, ErrEntropy):
		return "entropy"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	default:
		return "other"
	}
}
