package zerocash

import (
	"cmp"
	"fmt"
	"math/bits"
	"slices"
)

// SelectionPolicy chooses which unspent notes fund a transfer. It returns at
// most MaxNotesPerSide notes whose values sum to at least amount. It fails
// with ErrInsufficientBalance when all notes together fall short, and with
// ErrTooManyInputs when they cover amount but not within MaxNotesPerSide
// notes. Implementations must be deterministic for a given input.
type SelectionPolicy interface {
	Select(notes []OwnedNote, amount uint64) ([]OwnedNote, error)
}

// LargestFirst spends the largest notes first, breaking ties by ledger
// position. It keeps the number of inputs, and so the circuit shape, small.
type LargestFirst struct{}

func (LargestFirst) Select(notes []OwnedNote, amount uint64) ([]OwnedNote, error) {
	sorted := slices.Clone(notes)
	slices.SortStableFunc(sorted, func(a, b OwnedNote) int {
		if c := cmp.Compare(b.Note.Value, a.Note.Value); c != 0 {
			return c
		}
		return cmp.Compare(a.Position, b.Position)
	})
	return takeUntil(sorted, amount)
}

// OldestFirst spends notes in ledger order.
type OldestFirst struct{}

func (OldestFirst) Select(notes []OwnedNote, amount uint64) ([]OwnedNote, error) {
	sorted := slices.Clone(notes)
	slices.SortStableFunc(sorted, func(a, b OwnedNote) int {
		return cmp.Compare(a.Position, b.Position)
	})
	return takeUntil(sorted, amount)
}

// PolicyByName resolves a configured policy name.
func PolicyByName(name string) (SelectionPolicy, error) {
	switch name {
	case "", "largest-first":
		return LargestFirst{}, nil
	case "oldest-first":
		return OldestFirst{}, nil
	default:
		return nil, fmt.Errorf("unknown selection policy %q", name)
	}
}

func takeUntil(sorted []OwnedNote, amount uint64) ([]OwnedNote, error) {
	var total uint64
	for i, n := range sorted {
		if i == MaxNotesPerSide {
			break
		}
		var carry uint64
		total, carry = bits.Add64(total, n.Note.Value, 0)
		if carry != 0 {
			return nil, fmt.Errorf("%w: selected notes overflow uint64", ErrInvalidAmount)
		}
		if total >= amount {
			return sorted[:i+1], nil
		}
	}
	available, err := SumValues(sorted)
	if err != nil || available >= amount {
		return nil, fmt.Errorf("%w: %d of %d notes cover %d, need %d; consolidate first",
			ErrTooManyInputs, MaxNotesPerSide, len(sorted), total, amount)
	}
	return nil, fmt.Errorf("%w: need %d, have %d spendable", ErrInsufficientBalance, amount, available)
}

// consolidationInputs picks the smallest notes, up to MaxNotesPerSide, to be
// merged into one. It returns nil when there are fewer than two notes.
func consolidationInputs(notes []OwnedNote) []OwnedNote {
	if len(notes) < 2 {
		return nil
	}
	sorted := slices.Clone(notes)
	slices.SortStableFunc(sorted, func(a, b OwnedNote) int {
		if c := cmp.Compare(a.Note.Value, b.Note.Value); c != 0 {
			return c
		}
		return cmp.Compare(a.Position, b.Position)
	})
	return sorted[:min(len(sorted), MaxNotesPerSide)]
}
