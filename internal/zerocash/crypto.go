// crypto.go - Cryptographic primitives for the shielded note ledger.
//
// MiMC over the BW6-761 scalar field is used for every digest that a proof
// has to reproduce (owner tags, commitments, nullifiers, tree nodes). Note
// payloads are sealed to the recipient's viewing key with an ephemeral
// BLS12-377 Diffie-Hellman exchange and ChaCha20-Poly1305.

package zerocash

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"
	"math/big"

	bls12377 "github.com/consensys/gnark-crypto/ecc/bls12-377"
	bls12377_fr "github.com/consensys/gnark-crypto/ecc/bls12-377/fr"
	mimcNative "github.com/consensys/gnark-crypto/ecc/bw6-761/fr/mimc"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

const noteEncryptionInfo = "zkpay/note-encryption/v1"

// fieldBlock left-pads b to one MiMC block, i.e. the big-endian encoding of
// the same field element.
func fieldBlock(b []byte) []byte {
	if len(b) == DigestSize {
		return b
	}
	out := make([]byte, DigestSize)
	copy(out[DigestSize-len(b):], b)
	return out
}

// mimcHash absorbs each input as one field element and returns the digest.
// Inputs are canonical by construction: 8 or 32 byte values, or digests that
// were validated when decoded.
func mimcHash(inputs ...[]byte) [DigestSize]byte {
	h := mimcNative.NewMiMC()
	for _, in := range inputs {
		if _, err := h.Write(fieldBlock(in)); err != nil {
			panic(fmt.Sprintf("zerocash: non-canonical MiMC input: %v", err))
		}
	}
	var out [DigestSize]byte
	copy(out[:], h.Sum(nil))
	return out
}

// prf is the nullifier PRF keyed by the spending key.
func prf(sk SpendingKey, cm Commitment) Nullifier {
	return Nullifier(mimcHash(sk[:], cm[:]))
}

func ownerTagOf(sk SpendingKey) OwnerTag {
	return OwnerTag(mimcHash(sk[:]))
}

func noteCommitment(value uint64, owner OwnerTag, blinding Blinding) Commitment {
	var v [8]byte
	binary.BigEndian.PutUint64(v[:], value)
	return Commitment(mimcHash(v[:], owner[:], blinding[:]))
}

func merkleNode(left, right Digest) Digest {
	return Digest(mimcHash(left[:], right[:]))
}

// randomBytes fills n bytes from crypto/rand. Failure is fatal for callers.
func randomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEntropy, err)
	}
	return b, nil
}

func random32() ([32]byte, error) {
	var out [32]byte
	b, err := randomBytes(32)
	if err != nil {
		return out, err
	}
	copy(out[:], b)
	return out, nil
}

// EncryptedNote is a note plaintext sealed to a viewing public key. It is
// published next to the note's commitment.
type EncryptedNote struct {
	Ephemeral  ViewingPublicKey `json:"ephemeral"`
	Ciphertext []byte           `json:"ciphertext"`
}

func g1Generator() bls12377.G1Affine {
	_, _, g1, _ := bls12377.Generators()
	return g1
}

// viewingScalar maps a viewing key onto a BLS12-377 scalar.
func viewingScalar(vk ViewingKey) *big.Int {
	var s bls12377_fr.Element
	s.SetBytes(vk[:])
	return s.BigInt(new(big.Int))
}

func viewingPublicOf(vk ViewingKey) ViewingPublicKey {
	g := g1Generator()
	var p bls12377.G1Affine
	p.ScalarMultiplication(&g, viewingScalar(vk))
	return ViewingPublicKey(p.Bytes())
}

// noteCipher derives the AEAD for one DH shared point.
func noteCipher(shared *bls12377.G1Affine, ephemeral ViewingPublicKey) (cipher.AEAD, error) {
	secret := shared.Bytes()
	kdf := hkdf.New(sha256.New, secret[:], ephemeral[:], []byte(noteEncryptionInfo))
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, err
	}
	return chacha20poly1305.New(key)
}

// The key is fresh for every payload, so a fixed nonce is never reused.
var zeroNonce = make([]byte, chacha20poly1305.NonceSize)

// sealNote encrypts note to the holder of the viewing key behind to. The
// commitment is authenticated as associated data.
func sealNote(note Note, to ViewingPublicKey, cm Commitment) (EncryptedNote, error) {
	var pub bls12377.G1Affine
	if _, err := pub.SetBytes(to[:]); err != nil {
		return EncryptedNote{}, fmt.Errorf("%w: viewing public key: %v", ErrInvalidKeyFormat, err)
	}
	var e bls12377_fr.Element
	if _, err := e.SetRandom(); err != nil {
		return EncryptedNote{}, fmt.Errorf("%w: %v", ErrEntropy, err)
	}
	eBig := e.BigInt(new(big.Int))

	g := g1Generator()
	var epk, shared bls12377.G1Affine
	epk.ScalarMultiplication(&g, eBig)
	shared.ScalarMultiplication(&pub, eBig)

	ephemeral := ViewingPublicKey(epk.Bytes())
	aead, err := noteCipher(&shared, ephemeral)
	if err != nil {
		return EncryptedNote{}, err
	}
	return EncryptedNote{
		Ephemeral:  ephemeral,
		Ciphertext: aead.Seal(nil, zeroNonce, note.Encode(), cm[:]),
	}, nil
}

// openNote attempts to decrypt a payload with a viewing key. It reports false
// for payloads addressed to someone else and for malformed payloads alike.
func openNote(vk ViewingKey, enc EncryptedNote, cm Commitment) (Note, bool) {
	var epk bls12377.G1Affine
	if _, err := epk.SetBytes(enc.Ephemeral[:]); err != nil {
		return Note{}, false
	}
	var shared bls12377.G1Affine
	shared.ScalarMultiplication(&epk, viewingScalar(vk))
	aead, err := noteCipher(&shared, enc.Ephemeral)
	if err != nil {
		return Note{}, false
	}
	plaintext, err := aead.Open(nil, zeroNonce, enc.Ciphertext, cm[:])
	if err != nil {
		return Note{}, false
	}
	note, err := DecodeNote(plaintext)
	if err != nil {
		return Note{}, false
	}
	return note, true
}

// payloadDigest binds the payloads of a transaction into its proof. The
// 32-byte BLAKE2b output always fits in the field.
func payloadDigest(payloads []EncryptedNote) Digest {
	h, _ := blake2b.New256(nil)
	var buf []byte
	for _, p := range payloads {
		buf = buf[:0]
		buf = append(buf, p.Ephemeral[:]...)
		buf = binary.BigEndian.AppendUint32(buf, uint32(len(p.Ciphertext)))
		buf = append(buf, p.Ciphertext...)
		h.Write(buf)
	}
	var d Digest
	copy(d[:], fieldBlock(h.Sum(nil)))
	return d
}
