package zerocash

import (
	"encoding/hex"
	"fmt"
	"math/big"

	"github.com/consensys/gnark-crypto/ecc/bw6-761/fr"
)

// DigestSize is the byte length of a BW6-761 scalar field element. Every MiMC
// output published on the ledger has this size.
const DigestSize = fr.Bytes

// Digest is a canonical big-endian BW6-761 scalar field element.
type Digest [DigestSize]byte

// Commitment is the public, hiding stand-in for a note.
type Commitment [DigestSize]byte

// Nullifier marks the note it was derived from as spent.
type Nullifier [DigestSize]byte

// OwnerTag is the public half of a spending key: MiMC(spending key).
type OwnerTag [DigestSize]byte

func (d Digest) String() string     { return hex.EncodeToString(d[:]) }
func (c Commitment) String() string { return hex.EncodeToString(c[:]) }
func (n Nullifier) String() string  { return hex.EncodeToString(n[:]) }
func (t OwnerTag) String() string   { return hex.EncodeToString(t[:]) }

// Short returns the first eight hex characters, for display.
func (d Digest) Short() string { return d.String()[:8] }

// Short returns the first eight hex characters, for display.
func (c Commitment) Short() string { return c.String()[:8] }

// Short returns the first eight hex characters, for display.
func (n Nullifier) Short() string { return n.String()[:8] }

// Short returns the first eight hex characters, for display.
func (t OwnerTag) Short() string { return t.String()[:8] }

func (d Digest) MarshalText() ([]byte, error)     { return encodeHex(d[:]), nil }
func (c Commitment) MarshalText() ([]byte, error) { return encodeHex(c[:]), nil }
func (n Nullifier) MarshalText() ([]byte, error)  { return encodeHex(n[:]), nil }
func (t OwnerTag) MarshalText() ([]byte, error)   { return encodeHex(t[:]), nil }

func (d *Digest) UnmarshalText(text []byte) error     { return decodeDigest((*[DigestSize]byte)(d), text) }
func (c *Commitment) UnmarshalText(text []byte) error { return decodeDigest((*[DigestSize]byte)(c), text) }
func (n *Nullifier) UnmarshalText(text []byte) error  { return decodeDigest((*[DigestSize]byte)(n), text) }
func (t *OwnerTag) UnmarshalText(text []byte) error   { return decodeDigest((*[DigestSize]byte)(t), text) }

func encodeHex(b []byte) []byte {
	out := make([]byte, hex.EncodedLen(len(b)))
	hex.Encode(out, b)
	return out
}

// decodeHex fills dst from hex text of exactly the right length.
func decodeHex(dst []byte, text []byte) error {
	if len(text) != hex.EncodedLen(len(dst)) {
		return fmt.Errorf("%w: expected %d hex characters, got %d", ErrDecode, hex.EncodedLen(len(dst)), len(text))
	}
	if _, err := hex.Decode(dst, text); err != nil {
		return fmt.Errorf("%w: %v", ErrDecode, err)
	}
	return nil
}

// decodeDigest decodes hex text and rejects values that are not canonical
// field elements.
func decodeDigest(dst *[DigestSize]byte, text []byte) error {
	var tmp [DigestSize]byte
	if err := decodeHex(tmp[:], text); err != nil {
		return err
	}
	if !isCanonical(tmp) {
		return fmt.Errorf("%w: digest is not a canonical field element", ErrDecode)
	}
	*dst = tmp
	return nil
}

func isCanonical(b [DigestSize]byte) bool {
	_, err := fr.BigEndian.Element(&b)
	return err == nil
}

func toBig(b []byte) *big.Int {
	return new(big.Int).SetBytes(b)
}
