package zerocash

import (
	"encoding/hex"
	"fmt"

	bls12377 "github.com/consensys/gnark-crypto/ecc/bls12-377"
)

// KeySize is the size of spending keys, viewing keys and note blindings.
const KeySize = 32

// SpendingKey authorizes spends: only its holder can derive a note's nullifier.
type SpendingKey [KeySize]byte

// ViewingKey recognizes incoming notes without spending authority.
type ViewingKey [KeySize]byte

// Blinding is the per-note hiding randomness.
type Blinding [KeySize]byte

// ViewingPublicKey is a compressed BLS12-377 G1 point that senders encrypt
// note payloads to.
type ViewingPublicKey [bls12377.SizeOfG1AffineCompressed]byte

func (k SpendingKey) MarshalText() ([]byte, error)      { return encodeHex(k[:]), nil }
func (k ViewingKey) MarshalText() ([]byte, error)       { return encodeHex(k[:]), nil }
func (b Blinding) MarshalText() ([]byte, error)         { return encodeHex(b[:]), nil }
func (p ViewingPublicKey) MarshalText() ([]byte, error) { return encodeHex(p[:]), nil }

func (k *SpendingKey) UnmarshalText(text []byte) error {
	parsed, err := ParseSpendingKey(string(text))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

func (k *ViewingKey) UnmarshalText(text []byte) error {
	parsed, err := ParseViewingKey(string(text))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

func (b *Blinding) UnmarshalText(text []byte) error { return decodeHex(b[:], text) }

func (p *ViewingPublicKey) UnmarshalText(text []byte) error {
	var tmp ViewingPublicKey
	if err := decodeHex(tmp[:], text); err != nil {
		return err
	}
	var point bls12377.G1Affine
	if _, err := point.SetBytes(tmp[:]); err != nil {
		return fmt.Errorf("%w: viewing public key: %v", ErrInvalidKeyFormat, err)
	}
	*p = tmp
	return nil
}

func (p ViewingPublicKey) String() string { return hex.EncodeToString(p[:]) }

func (p ViewingPublicKey) Short() string { return p.String()[:8] }

// ParseSpendingKey decodes a hex spending key.
func ParseSpendingKey(s string) (SpendingKey, error) {
	var k SpendingKey
	if err := parseKey(k[:], s); err != nil {
		return SpendingKey{}, fmt.Errorf("spending key: %w", err)
	}
	return k, nil
}

// ParseViewingKey decodes a hex viewing key.
func ParseViewingKey(s string) (ViewingKey, error) {
	var k ViewingKey
	if err := parseKey(k[:], s); err != nil {
		return ViewingKey{}, fmt.Errorf("viewing key: %w", err)
	}
	return k, nil
}

func parseKey(dst []byte, s string) error {
	if len(s) != hex.EncodedLen(len(dst)) {
		return fmt.Errorf("%w: expected %d hex characters, got %d", ErrInvalidKeyFormat, hex.EncodedLen(len(dst)), len(s))
	}
	if _, err := hex.Decode(dst, []byte(s)); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidKeyFormat, err)
	}
	if isZero(dst) {
		return fmt.Errorf("%w: all-zero key", ErrInvalidKeyFormat)
	}
	return nil
}

func isZero(b []byte) bool {
	for _, c := range b {
		if c != 0 {
			return false
		}
	}
	return true
}

// Wallet is the private key material of one holder. It never touches the
// ledger.
type Wallet struct {
	SpendingKey   SpendingKey      `json:"spending_key"`
	PublicTag     OwnerTag         `json:"public_tag"`
	ViewingKey    ViewingKey       `json:"viewing_key"`
	ViewingPublic ViewingPublicKey `json:"viewing_public"`
}

// Address is what a wallet hands out to be paid.
type Address struct {
	Tag     OwnerTag         `json:"tag"`
	Viewing ViewingPublicKey `json:"viewing"`
}

// GenerateWallet draws a fresh spending key and an independent viewing key.
// It fails only if the entropy source fails, which callers must treat as
// fatal.
func GenerateWallet() (*Wallet, error) {
	sk, err := random32()
	if err != nil {
		return nil, err
	}
	vk, err := random32()
	if err != nil {
		return nil, err
	}
	return NewWallet(SpendingKey(sk), ViewingKey(vk))
}

// NewWallet derives the public halves of the given key pair.
func NewWallet(sk SpendingKey, vk ViewingKey) (*Wallet, error) {
	if isZero(sk[:]) || isZero(vk[:]) {
		return nil, fmt.Errorf("%w: all-zero key", ErrInvalidKeyFormat)
	}
	return &Wallet{
		SpendingKey:   sk,
		PublicTag:     ownerTagOf(sk),
		ViewingKey:    vk,
		ViewingPublic: viewingPublicOf(vk),
	}, nil
}

// Address returns the wallet's payment address.
func (w *Wallet) Address() Address {
	return Address{Tag: w.PublicTag, Viewing: w.ViewingPublic}
}

// Validate checks that the stored public halves match the secrets, which
// catches keystores edited by hand.
func (w *Wallet) Validate() error {
	if isZero(w.SpendingKey[:]) || isZero(w.ViewingKey[:]) {
		return fmt.Errorf("%w: all-zero key", ErrInvalidKeyFormat)
	}
	if ownerTagOf(w.SpendingKey) != w.PublicTag {
		return fmt.Errorf("%w: public tag does not match spending key", ErrInvalidKeyFormat)
	}
	if viewingPublicOf(w.ViewingKey) != w.ViewingPublic {
		return fmt.Errorf("%w: viewing public key does not match viewing key", ErrInvalidKeyFormat)
	}
	return nil
}
