// note.go - Note type and codec for the shielded note ledger.
//
// A Note is a secret, owner-bound unit of value. Only its commitment and,
// once spent, its nullifier ever appear on the ledger.

package zerocash

import (
	"encoding/binary"
	"fmt"
)

// EncodedNoteSize is the length of Note.Encode: value(8) | owner tag(48) | blinding(32).
const EncodedNoteSize = 8 + DigestSize + KeySize

// Note represents a confidential note.
type Note struct {
	Value    uint64   `json:"value"`
	OwnerTag OwnerTag `json:"owner_tag"`
	Blinding Blinding `json:"blinding"`
}

// NewNote creates a note of the given value for owner with a fresh blinding.
func NewNote(value uint64, owner OwnerTag) (Note, error) {
	if value == 0 {
		return Note{}, fmt.Errorf("%w: note value must be positive", ErrInvalidAmount)
	}
	r, err := random32()
	if err != nil {
		return Note{}, err
	}
	return Note{Value: value, OwnerTag: owner, Blinding: Blinding(r)}, nil
}

// CommitmentOf returns cm = MiMC(value, owner tag, blinding).
func CommitmentOf(n Note) Commitment {
	return noteCommitment(n.Value, n.OwnerTag, n.Blinding)
}

// NullifierOf returns nf = MiMC(sk, cm). Any key yields a value, but only the
// owner's key yields the one a proof can be built for.
func NullifierOf(n Note, sk SpendingKey) Nullifier {
	return prf(sk, CommitmentOf(n))
}

// Encode serializes the note in its fixed layout.
func (n Note) Encode() []byte {
	out := make([]byte, 0, EncodedNoteSize)
	out = binary.BigEndian.AppendUint64(out, n.Value)
	out = append(out, n.OwnerTag[:]...)
	out = append(out, n.Blinding[:]...)
	return out
}

// DecodeNote parses the output of Encode.
func DecodeNote(b []byte) (Note, error) {
	if len(b) != EncodedNoteSize {
		return Note{}, fmt.Errorf("%w: note is %d bytes, want %d", ErrDecode, len(b), EncodedNoteSize)
	}
	var n Note
	n.Value = binary.BigEndian.Uint64(b[:8])
	if n.Value == 0 {
		return Note{}, fmt.Errorf("%w: zero-value note", ErrDecode)
	}
	copy(n.OwnerTag[:], b[8:8+DigestSize])
	if !isCanonical(n.OwnerTag) {
		return Note{}, fmt.Errorf("%w: owner tag is not a canonical field element", ErrDecode)
	}
	copy(n.Blinding[:], b[8+DigestSize:])
	return n, nil
}
