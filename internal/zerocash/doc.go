// Package zerocash implements a shielded note ledger inspired by Zerocash.
//
// Overview:
//   - Wallets hold value as secret, owner-bound notes; the ledger only ever sees
//     note commitments and, once a note is spent, its nullifier
//   - Transfers carry a Groth16 proof that they spend notes present on the ledger,
//     reveal the right nullifiers and conserve value
//   - Recipients find their notes by trial-decrypting payloads with a viewing key
//
// Security Model:
//   - MiMC over the BW6-761 scalar field for owner tags, commitments, nullifiers
//     and the commitment tree
//   - BLS12-377 Diffie-Hellman with ChaCha20-Poly1305 for note payloads
//   - Zero-knowledge proofs are generated and verified using gnark (Groth16, BW6-761)
//   - All randomness is generated using crypto/rand
//   - Nullifiers prevent double-spending; commitments ensure confidentiality
//
// Usage:
//   - GenerateWallet for keys, NewLedger for a ledger handle, NewGroth16System
//     for proofs, and NewProcessor to Mint, Transfer, Submit and Audit
//   - Scan, Unspent and Balance read a ledger Snapshot with a wallet's keys
//
// References:
//   - Zerocash: Decentralized Anonymous Payments from Bitcoin (Ben-Sasson et al., 2014)
//   - https://zerocash-project.org/media/pdf/zerocash-extended-20140518.pdf
//
// WARNING: This package is for research and educational purposes. Use with caution in production environments.
package zerocash
