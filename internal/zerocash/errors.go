package zerocash

import "errors"

// Protocol errors. Callers match them with errors.Is; the core wraps them with
// context but never replaces them.
var (
	ErrWalletNotFound      = errors.New("wallet not found")
	ErrWalletExists        = errors.New("wallet already exists")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrTooManyInputs       = errors.New("amount needs more notes than one transfer can spend")
	ErrInvalidProof        = errors.New("invalid proof")
	ErrNoteAlreadySpent    = errors.New("note already spent")
	ErrInvalidAmount       = errors.New("invalid amount")
	ErrInvalidKeyFormat    = errors.New("invalid key format")
	ErrDecode              = errors.New("decode error")

	// Structural ledger errors.
	ErrUnknownAnchor       = errors.New("unknown commitment tree anchor")
	ErrDuplicateCommitment = errors.New("commitment already on ledger")
	ErrTreeFull            = errors.New("commitment tree is full")
	ErrInvariant           = errors.New("ledger invariant violated")
	ErrDiverged            = errors.New("ledger record diverges from local ledger")

	// ErrEntropy is fatal: key material could not be drawn.
	ErrEntropy = errors.New("entropy source failure")
)
