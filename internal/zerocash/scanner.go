package zerocash

import (
	"fmt"
	"iter"
	"math/bits"
)

// OwnedNote is a note recovered from the ledger together with where it sits.
type OwnedNote struct {
	Note       Note
	Commitment Commitment
	Position   uint64
}

// Scan yields the notes in snap that the viewing key can open and that are
// owned by tag. A payload only counts if the decrypted note recomputes to the
// commitment it was published with. The sequence is lazy and can be ranged
// over any number of times.
func Scan(snap *Snapshot, vk ViewingKey, tag OwnerTag) iter.Seq[OwnedNote] {
	return func(yield func(OwnedNote) bool) {
		for pos, entry := range snap.Commitments() {
			note, ok := openNote(vk, entry.Payload, entry.Commitment)
			if !ok || note.OwnerTag != tag || CommitmentOf(note) != entry.Commitment {
				continue
			}
			if !yield(OwnedNote{Note: note, Commitment: entry.Commitment, Position: pos}) {
				return
			}
		}
	}
}

// Unspent returns the wallet's notes whose nullifier had not been revealed
// when snap was taken, in ledger order.
func Unspent(snap *Snapshot, w *Wallet) []OwnedNote {
	var out []OwnedNote
	for owned := range Scan(snap, w.ViewingKey, w.PublicTag) {
		if !snap.IsSpent(prf(w.SpendingKey, owned.Commitment)) {
			out = append(out, owned)
		}
	}
	return out
}

// Balance sums the wallet's unspent notes.
func Balance(snap *Snapshot, w *Wallet) (uint64, error) {
	return SumValues(Unspent(snap, w))
}

// SumValues adds up the values of notes, failing on overflow.
func SumValues(notes []OwnedNote) (uint64, error) {
	var total, carry uint64
	for _, n := range notes {
		total, carry = bits.Add64(total, n.Note.Value, 0)
		if carry != 0 {
			return 0, fmt.Errorf("%w: balance overflows uint64", ErrInvalidAmount)
		}
	}
	return total, nil
}
