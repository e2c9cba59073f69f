// prover.go - Proof system for transfers.
//
// The ProofSystem interface is all the processor and ledger know about
// proofs. Groth16System implements it with gnark Groth16 over BW6-761, one
// circuit and key pair per transfer shape, set up lazily and optionally
// persisted to a key directory.

package zerocash

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"math/big"
	"math/bits"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/consensys/gnark-crypto/ecc"
	"github.com/consensys/gnark/backend/groth16"
	"github.com/consensys/gnark/constraint"
	"github.com/consensys/gnark/frontend"
	"github.com/consensys/gnark/frontend/cs/r1cs"
	"github.com/gofrs/flock"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

// Params holds protocol parameters shared by the ledger and the prover.
type Params struct {
	TreeDepth int `json:"tree_depth"`
}

// DefaultParams returns the parameters used when none are configured.
func DefaultParams() *Params {
	return &Params{TreeDepth: 16}
}

func (p *Params) Validate() error {
	if p.TreeDepth < 1 || p.TreeDepth > MaxTreeDepth {
		return fmt.Errorf("tree depth must be in [1, %d], got %d", MaxTreeDepth, p.TreeDepth)
	}
	return nil
}

// Proof is an opaque serialized proof.
type Proof []byte

// Statement is the public part of a transfer.
type Statement struct {
	Anchor        Digest
	Nullifiers    []Nullifier
	Commitments   []Commitment
	PayloadDigest Digest
}

func (s *Statement) Shape() Shape {
	return Shape{Inputs: len(s.Nullifiers), Outputs: len(s.Commitments)}
}

// wellFormed reports whether every public input is a canonical field element
// and no nullifier repeats.
func (s *Statement) wellFormed() bool {
	if s.Shape().validate() != nil {
		return false
	}
	if !isCanonical(s.Anchor) || !isCanonical(s.PayloadDigest) {
		return false
	}
	seen := make(map[Nullifier]struct{}, len(s.Nullifiers))
	for _, nf := range s.Nullifiers {
		if _, dup := seen[nf]; dup || !isCanonical(nf) {
			return false
		}
		seen[nf] = struct{}{}
	}
	for _, cm := range s.Commitments {
		if !isCanonical(cm) {
			return false
		}
	}
	return true
}

// SpendInput is one note being spent, with what is needed to prove it.
type SpendInput struct {
	Note     Note
	Key      SpendingKey
	Position uint64
	Path     []Digest
}

// Witness is the full (public and private) input of a transfer proof.
type Witness struct {
	Anchor        Digest
	Inputs        []SpendInput
	Outputs       []Note
	PayloadDigest Digest
}

// Statement derives the public statement the witness proves.
func (w *Witness) Statement() *Statement {
	st := &Statement{
		Anchor:        w.Anchor,
		Nullifiers:    make([]Nullifier, len(w.Inputs)),
		Commitments:   make([]Commitment, len(w.Outputs)),
		PayloadDigest: w.PayloadDigest,
	}
	for i, in := range w.Inputs {
		st.Nullifiers[i] = NullifierOf(in.Note, in.Key)
	}
	for j, out := range w.Outputs {
		st.Commitments[j] = CommitmentOf(out)
	}
	return st
}

// ProofSystem proves and verifies transfer statements.
//
// Verify never panics and never errors: malformed, tampered or unverifiable
// input yields false.
type ProofSystem interface {
	Prove(w *Witness) (Proof, error)
	Verify(proof Proof, st *Statement) bool
}

type shapeKeys struct {
	ccs constraint.ConstraintSystem
	pk  groth16.ProvingKey
	vk  groth16.VerifyingKey
}

// Groth16System is the gnark Groth16 ProofSystem.
type Groth16System struct {
	params *Params
	keyDir string
	log    zerolog.Logger

	mu    sync.RWMutex
	keys  map[Shape]*shapeKeys
	vks   map[Shape]groth16.VerifyingKey
	setup singleflight.Group
}

// NewGroth16System returns a proof system for params. Keys are kept in
// keyDir when it is non-empty.
func NewGroth16System(params *Params, keyDir string, logger zerolog.Logger) (*Groth16System, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	if keyDir != "" {
		if err := os.MkdirAll(keyDir, 0o755); err != nil {
			return nil, fmt.Errorf("create key directory: %w", err)
		}
	}
	return &Groth16System{
		params: params,
		keyDir: keyDir,
		log:    logger,
		keys:   make(map[Shape]*shapeKeys),
		vks:    make(map[Shape]groth16.VerifyingKey),
	}, nil
}

// KeyDir returns the directory keys are persisted in, or "".
func (g *Groth16System) KeyDir() string { return g.keyDir }

func (g *Groth16System) keyPaths(shape Shape) (string, string) {
	base := fmt.Sprintf("transfer_%s_d%d", shape, g.params.TreeDepth)
	return filepath.Join(g.keyDir, base+".pk"), filepath.Join(g.keyDir, base+".vk")
}

// Setup makes sure the keys for shape exist, compiling and running the
// trusted setup if needed. Concurrent calls for one shape share the work.
func (g *Groth16System) Setup(shape Shape) error {
	_, err := g.provingKeys(shape)
	return err
}

func (g *Groth16System) provingKeys(shape Shape) (*shapeKeys, error) {
	if err := shape.validate(); err != nil {
		return nil, err
	}
	g.mu.RLock()
	k, ok := g.keys[shape]
	g.mu.RUnlock()
	if ok {
		return k, nil
	}

	v, err, _ := g.setup.Do(shape.String(), func() (interface{}, error) {
		g.mu.RLock()
		k, ok := g.keys[shape]
		g.mu.RUnlock()
		if ok {
			return k, nil
		}

		start := time.Now()
		ccs, err := frontend.Compile(ecc.BW6_761.ScalarField(), r1cs.NewBuilder, newTransferCircuit(shape, g.params.TreeDepth))
		if err != nil {
			return nil, fmt.Errorf("circuit compilation failed: %w", err)
		}
		var pk groth16.ProvingKey
		var vk groth16.VerifyingKey
		if g.keyDir != "" {
			pkPath, vkPath := g.keyPaths(shape)
			pk, vk, err = SetupOrLoadKeys(ccs, pkPath, vkPath, g.log)
		} else {
			pk, vk, err = groth16.Setup(ccs)
		}
		if err != nil {
			return nil, fmt.Errorf("groth16 setup failed: %w", err)
		}
		k = &shapeKeys{ccs: ccs, pk: pk, vk: vk}

		g.mu.Lock()
		g.keys[shape] = k
		g.vks[shape] = vk
		g.mu.Unlock()

		g.log.Info().
			Str("shape", shape.String()).
			Int("constraints", ccs.GetNbConstraints()).
			Dur("duration", time.Since(start)).
			Msg("transfer circuit ready")
		return k, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*shapeKeys), nil
}

// verifyingKey returns the verifying key of shape without ever running a
// setup: it is either in memory or on disk.
func (g *Groth16System) verifyingKey(shape Shape) (groth16.VerifyingKey, bool) {
	g.mu.RLock()
	vk, ok := g.vks[shape]
	g.mu.RUnlock()
	if ok {
		return vk, true
	}
	if g.keyDir == "" {
		return nil, false
	}
	_, vkPath := g.keyPaths(shape)
	vk, err := LoadVerifyingKey(vkPath)
	if err != nil {
		return nil, false
	}
	g.mu.Lock()
	g.vks[shape] = vk
	g.mu.Unlock()
	return vk, true
}

// Prove builds a Groth16 proof for w. It rejects witnesses that cannot
// satisfy the circuit before spending any proving time on them.
func (g *Groth16System) Prove(w *Witness) (Proof, error) {
	shape := Shape{Inputs: len(w.Inputs), Outputs: len(w.Outputs)}
	if err := shape.validate(); err != nil {
		return nil, err
	}
	if err := g.checkWitness(w); err != nil {
		return nil, err
	}
	k, err := g.provingKeys(shape)
	if err != nil {
		return nil, err
	}

	full, err := frontend.NewWitness(transferAssignment(g.params.TreeDepth, w), ecc.BW6_761.ScalarField())
	if err != nil {
		return nil, fmt.Errorf("witness creation failed: %w", err)
	}
	start := time.Now()
	proof, err := groth16.Prove(k.ccs, k.pk, full)
	if err != nil {
		return nil, fmt.Errorf("proof generation failed: %w", err)
	}
	var buf bytes.Buffer
	if _, err := proof.WriteTo(&buf); err != nil {
		return nil, fmt.Errorf("proof marshaling failed: %w", err)
	}
	g.log.Debug().
		Str("shape", shape.String()).
		Dur("duration", time.Since(start)).
		Msg("transfer proof generated")
	return Proof(buf.Bytes()), nil
}

func (g *Groth16System) checkWitness(w *Witness) error {
	var in, out uint64
	var carry uint64
	for _, s := range w.Inputs {
		if s.Note.Value == 0 {
			return fmt.Errorf("%w: zero-value input note", ErrInvalidAmount)
		}
		in, carry = bits.Add64(in, s.Note.Value, 0)
		if carry != 0 {
			return fmt.Errorf("%w: input values overflow", ErrInvalidAmount)
		}
		if isZero(s.Key[:]) {
			return fmt.Errorf("%w: all-zero spending key", ErrInvalidKeyFormat)
		}
		if ownerTagOf(s.Key) != s.Note.OwnerTag {
			return fmt.Errorf("%w: spending key does not own input note", ErrInvalidKeyFormat)
		}
		if len(s.Path) != g.params.TreeDepth {
			return fmt.Errorf("%w: path has %d levels, tree has %d", ErrInvariant, len(s.Path), g.params.TreeDepth)
		}
		if s.Position >= uint64(1)<<g.params.TreeDepth {
			return fmt.Errorf("%w: position %d outside tree", ErrInvariant, s.Position)
		}
		if verifyPath(Digest(CommitmentOf(s.Note)), s.Position, s.Path) != w.Anchor {
			return fmt.Errorf("%w: input note does not authenticate to anchor", ErrUnknownAnchor)
		}
	}
	for _, n := range w.Outputs {
		if n.Value == 0 {
			return fmt.Errorf("%w: zero-value output note", ErrInvalidAmount)
		}
		out, carry = bits.Add64(out, n.Value, 0)
		if carry != 0 {
			return fmt.Errorf("%w: output values overflow", ErrInvalidAmount)
		}
	}
	if in != out {
		return fmt.Errorf("%w: inputs sum to %d, outputs to %d", ErrInvalidAmount, in, out)
	}
	return nil
}

// Verify checks proof against st.
func (g *Groth16System) Verify(proof Proof, st *Statement) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			g.log.Warn().Interface("panic", r).Msg("proof verification panicked")
			ok = false
		}
	}()
	if st == nil || !st.wellFormed() {
		return false
	}
	shape := st.Shape()
	vk, found := g.verifyingKey(shape)
	if !found {
		return false
	}

	p := groth16.NewProof(ecc.BW6_761)
	n, err := p.ReadFrom(bytes.NewReader(proof))
	if err != nil || n != int64(len(proof)) {
		return false
	}

	assignment := newTransferCircuit(shape, g.params.TreeDepth)
	assignPublic(assignment, st)
	public, err := frontend.NewWitness(assignment, ecc.BW6_761.ScalarField(), frontend.PublicOnly())
	if err != nil {
		return false
	}
	return groth16.Verify(p, vk, public) == nil
}

// transferAssignment fills a full circuit assignment from w.
func transferAssignment(depth int, w *Witness) *TransferCircuit {
	shape := Shape{Inputs: len(w.Inputs), Outputs: len(w.Outputs)}
	c := newTransferCircuit(shape, depth)
	assignPublic(c, w.Statement())
	for i, in := range w.Inputs {
		c.InValue[i] = new(big.Int).SetUint64(in.Note.Value)
		c.InBlinding[i] = toBig(in.Note.Blinding[:])
		c.InSpendKey[i] = toBig(in.Key[:])
		c.InPosition[i] = new(big.Int).SetUint64(in.Position)
		for l, sib := range in.Path {
			c.InPath[i][l] = toBig(sib[:])
		}
	}
	for j, out := range w.Outputs {
		c.OutValue[j] = new(big.Int).SetUint64(out.Value)
		c.OutTag[j] = toBig(out.OwnerTag[:])
		c.OutBlinding[j] = toBig(out.Blinding[:])
	}
	return c
}

func assignPublic(c *TransferCircuit, st *Statement) {
	c.Anchor = toBig(st.Anchor[:])
	c.PayloadDigest = toBig(st.PayloadDigest[:])
	for i, nf := range st.Nullifiers {
		c.Nullifiers[i] = toBig(nf[:])
	}
	for j, cm := range st.Commitments {
		c.Commitments[j] = toBig(cm[:])
	}
}

// SaveProvingKey saves a Groth16 proving key to disk.
func SaveProvingKey(path string, pk groth16.ProvingKey) error {
	return writeKeyFile(path, pk)
}

// SaveVerifyingKey saves a Groth16 verifying key to disk.
func SaveVerifyingKey(path string, vk groth16.VerifyingKey) error {
	return writeKeyFile(path, vk)
}

// writeKeyFile writes key next to path and renames it into place, so a
// reader never sees a partial key.
func writeKeyFile(path string, key io.WriterTo) (err error) {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			os.Remove(tmp.Name())
		}
	}()
	if _, err = key.WriteTo(tmp); err != nil {
		tmp.Close()
		return err
	}
	if err = tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err = tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// LoadProvingKey loads a Groth16 proving key from disk.
func LoadProvingKey(path string) (groth16.ProvingKey, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	pk := groth16.NewProvingKey(ecc.BW6_761)
	_, err = pk.ReadFrom(f)
	return pk, err
}

// LoadVerifyingKey loads a Groth16 verifying key from disk.
func LoadVerifyingKey(path string) (groth16.VerifyingKey, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	vk := groth16.NewVerifyingKey(ecc.BW6_761)
	_, err = vk.ReadFrom(f)
	return vk, err
}

// SetupOrLoadKeys loads the Groth16 keys of the circuit from disk, or runs
// the setup and saves them when there are none. The verifying key is written
// last and never replaced, since recorded proofs verify against it. A lock
// file next to the keys serializes setups across processes.
func SetupOrLoadKeys(ccs constraint.ConstraintSystem, pkPath, vkPath string, logger zerolog.Logger) (groth16.ProvingKey, groth16.VerifyingKey, error) {
	lock := flock.New(vkPath + ".lock")
	if err := lock.Lock(); err != nil {
		return nil, nil, fmt.Errorf("lock key files: %w", err)
	}
	defer lock.Unlock()

	_, err := os.Stat(vkPath)
	switch {
	case err == nil:
		pk, err := LoadProvingKey(pkPath)
		if err != nil {
			return nil, nil, fmt.Errorf("load proving key %s: %w", pkPath, err)
		}
		vk, err := LoadVerifyingKey(vkPath)
		if err != nil {
			return nil, nil, fmt.Errorf("load verifying key %s: %w", vkPath, err)
		}
		logger.Info().Str("vkFile", vkPath).Str("pkFile", pkPath).Msg("Loading keys from disk")
		return pk, vk, nil
	case !errors.Is(err, os.ErrNotExist):
		return nil, nil, err
	}

	logger.Info().Str("vkFile", vkPath).Str("pkFile", pkPath).Msg("Generating keys")
	pk, vk, err := groth16.Setup(ccs)
	if err != nil {
		return nil, nil, err
	}
	if err := SaveProvingKey(pkPath, pk); err != nil {
		return nil, nil, err
	}
	if err := SaveVerifyingKey(vkPath, vk); err != nil {
		return nil, nil, err
	}
	return pk, vk, nil
}
