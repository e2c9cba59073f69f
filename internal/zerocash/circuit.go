package zerocash

import (
	"fmt"

	"github.com/consensys/gnark/frontend"
	"github.com/consensys/gnark/std/hash/mimc"
)

// MaxNotesPerSide bounds the inputs and outputs of a single transfer.
const MaxNotesPerSide = 8

// Shape is the number of spent and created notes of a transfer. Each shape
// compiles to its own circuit and needs its own keys.
type Shape struct {
	Inputs  int `json:"inputs"`
	Outputs int `json:"outputs"`
}

func (s Shape) String() string { return fmt.Sprintf("%dx%d", s.Inputs, s.Outputs) }

func (s Shape) validate() error {
	if s.Inputs < 1 || s.Inputs > MaxNotesPerSide || s.Outputs < 1 || s.Outputs > MaxNotesPerSide {
		return fmt.Errorf("%w: unsupported transfer shape %s", ErrInvalidAmount, s)
	}
	return nil
}

// TransferCircuit proves that a transfer spends notes present under Anchor,
// reveals their correct nullifiers, creates the published commitments and
// conserves value.
type TransferCircuit struct {
	// Public inputs
	Anchor        frontend.Variable   `gnark:",public"`
	Nullifiers    []frontend.Variable `gnark:",public"`
	Commitments   []frontend.Variable `gnark:",public"`
	PayloadDigest frontend.Variable   `gnark:",public"`

	// Private inputs, one entry per spent note
	InValue    []frontend.Variable
	InBlinding []frontend.Variable
	InSpendKey []frontend.Variable
	InPosition []frontend.Variable
	InPath     [][]frontend.Variable

	// Private inputs, one entry per created note
	OutValue    []frontend.Variable
	OutTag      []frontend.Variable
	OutBlinding []frontend.Variable
}

// newTransferCircuit allocates a circuit (or assignment) for shape and tree depth.
func newTransferCircuit(shape Shape, depth int) *TransferCircuit {
	c := &TransferCircuit{
		Nullifiers:  make([]frontend.Variable, shape.Inputs),
		Commitments: make([]frontend.Variable, shape.Outputs),
		InValue:     make([]frontend.Variable, shape.Inputs),
		InBlinding:  make([]frontend.Variable, shape.Inputs),
		InSpendKey:  make([]frontend.Variable, shape.Inputs),
		InPosition:  make([]frontend.Variable, shape.Inputs),
		InPath:      make([][]frontend.Variable, shape.Inputs),
		OutValue:    make([]frontend.Variable, shape.Outputs),
		OutTag:      make([]frontend.Variable, shape.Outputs),
		OutBlinding: make([]frontend.Variable, shape.Outputs),
	}
	for i := range c.InPath {
		c.InPath[i] = make([]frontend.Variable, depth)
	}
	return c
}

func (c *TransferCircuit) Define(api frontend.API) error {
	inSum := frontend.Variable(0)
	for i := range c.Nullifiers {
		// Step 1: owner tag and commitment of the spent note
		tag, err := hashVars(api, c.InSpendKey[i])
		if err != nil {
			return err
		}
		cm, err := hashVars(api, c.InValue[i], tag, c.InBlinding[i])
		if err != nil {
			return err
		}

		// Step 2: nullifier nf = PRF(sk, cm)
		nf, err := hashVars(api, c.InSpendKey[i], cm)
		if err != nil {
			return err
		}
		api.AssertIsEqual(c.Nullifiers[i], nf)

		// Step 3: membership under the anchor
		root, err := merkleRoot(api, cm, c.InPosition[i], c.InPath[i])
		if err != nil {
			return err
		}
		api.AssertIsEqual(c.Anchor, root)

		assertNoteValue(api, c.InValue[i])
		inSum = api.Add(inSum, c.InValue[i])
	}

	outSum := frontend.Variable(0)
	for j := range c.Commitments {
		// Step 4: output commitments
		cm, err := hashVars(api, c.OutValue[j], c.OutTag[j], c.OutBlinding[j])
		if err != nil {
			return err
		}
		api.AssertIsEqual(c.Commitments[j], cm)

		assertNoteValue(api, c.OutValue[j])
		outSum = api.Add(outSum, c.OutValue[j])
	}

	// Step 5: value conservation
	api.AssertIsEqual(inSum, outSum)

	// The payload digest takes part in no other constraint; squaring it keeps
	// it bound to the proof.
	api.Mul(c.PayloadDigest, c.PayloadDigest)
	return nil
}

// hashVars is the in-circuit counterpart of mimcHash.
func hashVars(api frontend.API, vars ...frontend.Variable) (frontend.Variable, error) {
	h, err := mimc.NewMiMC(api)
	if err != nil {
		return nil, err
	}
	h.Write(vars...)
	return h.Sum(), nil
}

// merkleRoot folds a leaf up its authentication path. Bit i of pos set means
// the node at level i is a right child.
func merkleRoot(api frontend.API, leaf, pos frontend.Variable, path []frontend.Variable) (frontend.Variable, error) {
	bits := api.ToBinary(pos, len(path))
	cur := leaf
	for i, sib := range path {
		left := api.Select(bits[i], sib, cur)
		right := api.Select(bits[i], cur, sib)
		next, err := hashVars(api, left, right)
		if err != nil {
			return nil, err
		}
		cur = next
	}
	return cur, nil
}

// assertNoteValue enforces 0 < v < 2^64.
func assertNoteValue(api frontend.API, v frontend.Variable) {
	api.AssertIsDifferent(v, 0)
	api.ToBinary(v, 64)
}
