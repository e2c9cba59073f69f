// ledger.go - Append-only public ledger of the shielded note protocol.
//
// The Ledger records every commitment (with its encrypted payload), every
// revealed nullifier and every accepted transfer. It is an explicit handle:
// writers hold the write lock across the whole check-then-append, readers
// take snapshots that see a consistent prefix of every arena.

package zerocash

import (
	"bytes"
	"fmt"
	"iter"
	"slices"
	"sync"
)

// CommitmentEntry is one leaf of the ledger: a commitment and the payload
// that lets its recipient recognize it.
type CommitmentEntry struct {
	Commitment Commitment    `json:"commitment"`
	Payload    EncryptedNote `json:"payload"`
}

// Transaction is an accepted transfer. Value conservation is enforced by the
// proof alone; amounts never appear here.
type Transaction struct {
	Proof             Proof           `json:"proof"`
	Anchor            Digest          `json:"anchor"`
	InputNullifiers   []Nullifier     `json:"input_nullifiers"`
	OutputCommitments []Commitment    `json:"output_commitments"`
	Payloads          []EncryptedNote `json:"payloads"`
}

// Statement returns the public statement the transaction's proof is checked
// against.
func (tx *Transaction) Statement() *Statement {
	return &Statement{
		Anchor:        tx.Anchor,
		Nullifiers:    tx.InputNullifiers,
		Commitments:   tx.OutputCommitments,
		PayloadDigest: payloadDigest(tx.Payloads),
	}
}

// LedgerRecord is the serializable form of a ledger. Derived state (tree,
// anchors, indexes) is rebuilt on restore.
type LedgerRecord struct {
	Commitments  []CommitmentEntry `json:"commitments"`
	Nullifiers   []Nullifier       `json:"nullifiers"`
	Transactions []*Transaction    `json:"transactions"`
}

// Ledger is the canonical public ledger.
type Ledger struct {
	params *Params

	mu              sync.RWMutex
	commitments     []CommitmentEntry
	commitmentIndex map[Commitment]uint64
	nullifiers      []Nullifier
	nullifierIndex  map[Nullifier]int
	transactions    []*Transaction
	tree            *commitmentTree
	roots           map[Digest]struct{}
}

// NewLedger creates a new, empty ledger.
func NewLedger(params *Params) (*Ledger, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	l := &Ledger{
		params:          params,
		commitmentIndex: make(map[Commitment]uint64),
		nullifierIndex:  make(map[Nullifier]int),
		tree:            newCommitmentTree(params.TreeDepth),
		roots:           make(map[Digest]struct{}),
	}
	l.roots[l.tree.root()] = struct{}{}
	return l, nil
}

func (l *Ledger) Params() *Params { return l.params }

// Root returns the current commitment tree root.
func (l *Ledger) Root() Digest {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.tree.root()
}

// IsAnchor reports whether d is a current or past tree root.
func (l *Ledger) IsAnchor(d Digest) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, ok := l.roots[d]
	return ok
}

// AppendMint records a minted commitment. Mints carry no proof and no
// nullifiers, so they are not transactions.
func (l *Ledger) AppendMint(entry CommitmentEntry) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, dup := l.commitmentIndex[entry.Commitment]; dup {
		return 0, fmt.Errorf("%w: %s", ErrDuplicateCommitment, entry.Commitment.Short())
	}
	if l.tree.size() >= l.tree.capacity() {
		return 0, fmt.Errorf("%w: capacity %d", ErrTreeFull, l.tree.capacity())
	}
	return l.appendCommitment(entry)
}

// AppendTransaction checks tx against the current state and appends it.
// Either every nullifier, commitment and the transaction itself are recorded,
// or nothing is. The proof is the caller's responsibility.
func (l *Ledger) AppendTransaction(tx *Transaction) ([]uint64, error) {
	if len(tx.Payloads) != len(tx.OutputCommitments) {
		return nil, fmt.Errorf("%w: %d payloads for %d outputs", ErrDecode, len(tx.Payloads), len(tx.OutputCommitments))
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	// Step 1: the anchor must be a root this ledger has had
	if _, ok := l.roots[tx.Anchor]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAnchor, tx.Anchor)
	}

	// Step 2: nullifiers unique within the transaction and unspent
	seenNf := make(map[Nullifier]struct{}, len(tx.InputNullifiers))
	for _, nf := range tx.InputNullifiers {
		if _, dup := seenNf[nf]; dup {
			return nil, fmt.Errorf("%w: nullifier %s repeated in transaction", ErrNoteAlreadySpent, nf.Short())
		}
		seenNf[nf] = struct{}{}
		if _, spent := l.nullifierIndex[nf]; spent {
			return nil, fmt.Errorf("%w: nullifier %s", ErrNoteAlreadySpent, nf.Short())
		}
	}

	// Step 3: outputs are fresh and fit in the tree
	seenCm := make(map[Commitment]struct{}, len(tx.OutputCommitments))
	for _, cm := range tx.OutputCommitments {
		if _, dup := seenCm[cm]; dup {
			return nil, fmt.Errorf("%w: %s repeated in transaction", ErrDuplicateCommitment, cm.Short())
		}
		seenCm[cm] = struct{}{}
		if _, dup := l.commitmentIndex[cm]; dup {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateCommitment, cm.Short())
		}
	}
	if l.tree.size()+uint64(len(tx.OutputCommitments)) > l.tree.capacity() {
		return nil, fmt.Errorf("%w: capacity %d", ErrTreeFull, l.tree.capacity())
	}

	// Step 4: append. Nothing below can fail once the checks passed.
	tx = cloneTransaction(tx)
	for _, nf := range tx.InputNullifiers {
		l.nullifierIndex[nf] = len(l.nullifiers)
		l.nullifiers = append(l.nullifiers, nf)
	}
	positions := make([]uint64, len(tx.OutputCommitments))
	for j, cm := range tx.OutputCommitments {
		pos, err := l.appendCommitment(CommitmentEntry{Commitment: cm, Payload: tx.Payloads[j]})
		if err != nil {
			panic(fmt.Sprintf("zerocash: append after capacity check: %v", err))
		}
		positions[j] = pos
	}
	l.transactions = append(l.transactions, tx)
	return positions, nil
}

// appendCommitment must be called with the write lock held.
func (l *Ledger) appendCommitment(entry CommitmentEntry) (uint64, error) {
	pos, err := l.tree.append(Digest(entry.Commitment))
	if err != nil {
		return 0, err
	}
	l.commitments = append(l.commitments, entry)
	l.commitmentIndex[entry.Commitment] = pos
	l.roots[l.tree.root()] = struct{}{}
	return pos, nil
}

// MerkleWitness returns the current root and the authentication path of
// each requested leaf against it.
func (l *Ledger) MerkleWitness(positions []uint64) (Digest, [][]Digest, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	paths := make([][]Digest, len(positions))
	for i, pos := range positions {
		p, err := l.tree.path(pos)
		if err != nil {
			return Digest{}, nil, err
		}
		paths[i] = p
	}
	return l.tree.root(), paths, nil
}

// Snapshot is a read-only view of a prefix of the ledger. It stays valid and
// unchanged while the ledger grows.
type Snapshot struct {
	ledger       *Ledger
	commitments  []CommitmentEntry
	nullifiers   []Nullifier
	transactions []*Transaction
	anchor       Digest
}

// Snapshot captures the current state.
func (l *Ledger) Snapshot() *Snapshot {
	l.mu.RLock()
	defer l.mu.RUnlock()
	nc, nn, nt := len(l.commitments), len(l.nullifiers), len(l.transactions)
	return &Snapshot{
		ledger:       l,
		commitments:  l.commitments[:nc:nc],
		nullifiers:   l.nullifiers[:nn:nn],
		transactions: l.transactions[:nt:nt],
		anchor:       l.tree.root(),
	}
}

// Anchor is the tree root at the time of the snapshot.
func (s *Snapshot) Anchor() Digest { return s.anchor }

func (s *Snapshot) Len() int              { return len(s.commitments) }
func (s *Snapshot) NullifierCount() int   { return len(s.nullifiers) }
func (s *Snapshot) TransactionCount() int { return len(s.transactions) }

// Commitments yields (position, entry) in append order.
func (s *Snapshot) Commitments() iter.Seq2[uint64, CommitmentEntry] {
	return func(yield func(uint64, CommitmentEntry) bool) {
		for i, e := range s.commitments {
			if !yield(uint64(i), e) {
				return
			}
		}
	}
}

// Nullifiers yields nullifiers in insertion order.
func (s *Snapshot) Nullifiers() iter.Seq[Nullifier] {
	return func(yield func(Nullifier) bool) {
		for _, nf := range s.nullifiers {
			if !yield(nf) {
				return
			}
		}
	}
}

// Transactions yields accepted transactions in order.
func (s *Snapshot) Transactions() iter.Seq2[int, *Transaction] {
	return func(yield func(int, *Transaction) bool) {
		for i, tx := range s.transactions {
			if !yield(i, tx) {
				return
			}
		}
	}
}

// IsSpent reports whether nf had been revealed when the snapshot was taken.
func (s *Snapshot) IsSpent(nf Nullifier) bool {
	s.ledger.mu.RLock()
	i, ok := s.ledger.nullifierIndex[nf]
	s.ledger.mu.RUnlock()
	return ok && i < len(s.nullifiers)
}

// Export returns a deep copy of the ledger's persistent state.
func (l *Ledger) Export() *LedgerRecord {
	l.mu.RLock()
	defer l.mu.RUnlock()
	rec := &LedgerRecord{
		Commitments:  make([]CommitmentEntry, len(l.commitments)),
		Nullifiers:   append([]Nullifier{}, l.nullifiers...),
		Transactions: make([]*Transaction, len(l.transactions)),
	}
	for i, e := range l.commitments {
		rec.Commitments[i] = cloneEntry(e)
	}
	for i, tx := range l.transactions {
		rec.Transactions[i] = cloneTransaction(tx)
	}
	return rec
}

func cloneEntry(e CommitmentEntry) CommitmentEntry {
	e.Payload.Ciphertext = bytes.Clone(e.Payload.Ciphertext)
	return e
}

func cloneTransaction(tx *Transaction) *Transaction {
	c := &Transaction{
		Proof:             Proof(bytes.Clone(tx.Proof)),
		Anchor:            tx.Anchor,
		InputNullifiers:   append([]Nullifier{}, tx.InputNullifiers...),
		OutputCommitments: append([]Commitment{}, tx.OutputCommitments...),
		Payloads:          make([]EncryptedNote, len(tx.Payloads)),
	}
	for i, p := range tx.Payloads {
		c.Payloads[i] = EncryptedNote{Ephemeral: p.Ephemeral, Ciphertext: bytes.Clone(p.Ciphertext)}
	}
	return c
}

// RestoreLedger rebuilds a ledger from a record, re-deriving the tree and
// every index, and refuses records that break a ledger invariant.
func RestoreLedger(params *Params, rec *LedgerRecord) (*Ledger, error) {
	l, err := NewLedger(params)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return l, nil
	}
	for _, e := range rec.Commitments {
		if _, dup := l.commitmentIndex[e.Commitment]; dup {
			return nil, fmt.Errorf("%w: commitment %s recorded twice", ErrInvariant, e.Commitment.Short())
		}
		if _, err := l.appendCommitment(cloneEntry(e)); err != nil {
			return nil, err
		}
	}
	for _, nf := range rec.Nullifiers {
		if _, dup := l.nullifierIndex[nf]; dup {
			return nil, fmt.Errorf("%w: nullifier %s recorded twice", ErrInvariant, nf.Short())
		}
		l.nullifierIndex[nf] = len(l.nullifiers)
		l.nullifiers = append(l.nullifiers, nf)
	}
	for _, tx := range rec.Transactions {
		if _, ok := l.roots[tx.Anchor]; !ok {
			return nil, fmt.Errorf("%w: transaction anchor %s never was a root", ErrInvariant, tx.Anchor)
		}
		l.transactions = append(l.transactions, cloneTransaction(tx))
	}
	if err := l.CheckInvariants(); err != nil {
		return nil, err
	}
	return l, nil
}

// FastForward brings the ledger up to rec, a later record of the same
// ledger, for instance one saved by another process. The ledger must be a
// prefix of rec. The entries rec adds are checked as RestoreLedger checks
// them and appended, so snapshots taken earlier stay valid.
func (l *Ledger) FastForward(rec *LedgerRecord) error {
	next, err := RestoreLedger(l.params, rec)
	if err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.prefixOf(next); err != nil {
		return err
	}
	for _, e := range next.commitments[len(l.commitments):] {
		if _, err := l.appendCommitment(e); err != nil {
			panic(fmt.Sprintf("zerocash: fast-forward past capacity: %v", err))
		}
	}
	for _, nf := range next.nullifiers[len(l.nullifiers):] {
		l.nullifierIndex[nf] = len(l.nullifiers)
		l.nullifiers = append(l.nullifiers, nf)
	}
	l.transactions = append(l.transactions, next.transactions[len(l.transactions):]...)
	return nil
}

// prefixOf must be called with the lock held.
func (l *Ledger) prefixOf(next *Ledger) error {
	if len(l.commitments) > len(next.commitments) ||
		len(l.nullifiers) > len(next.nullifiers) ||
		len(l.transactions) > len(next.transactions) {
		return fmt.Errorf("%w: record is behind the local ledger", ErrDiverged)
	}
	for i, e := range l.commitments {
		if next.commitments[i].Commitment != e.Commitment {
			return fmt.Errorf("%w: commitment at position %d", ErrDiverged, i)
		}
	}
	if !slices.Equal(l.nullifiers, next.nullifiers[:len(l.nullifiers)]) {
		return fmt.Errorf("%w: nullifiers", ErrDiverged)
	}
	for i, tx := range l.transactions {
		other := next.transactions[i]
		if tx.Anchor != other.Anchor || !bytes.Equal(tx.Proof, other.Proof) {
			return fmt.Errorf("%w: transaction %d", ErrDiverged, i)
		}
	}
	return nil
}

// CheckInvariants verifies the structural invariants of the ledger:
// nullifiers are unique and all come from recorded transactions, and every
// transaction output sits exactly once on the commitment list, in order.
func (l *Ledger) CheckInvariants() error {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if len(l.nullifierIndex) != len(l.nullifiers) {
		return fmt.Errorf("%w: %d nullifiers, %d distinct", ErrInvariant, len(l.nullifiers), len(l.nullifierIndex))
	}
	if len(l.commitmentIndex) != len(l.commitments) || l.tree.size() != uint64(len(l.commitments)) {
		return fmt.Errorf("%w: commitment index out of sync", ErrInvariant)
	}

	next := 0
	var lastPos uint64
	first := true
	for i, tx := range l.transactions {
		if len(tx.Payloads) != len(tx.OutputCommitments) {
			return fmt.Errorf("%w: transaction %d has %d payloads for %d outputs", ErrInvariant, i, len(tx.Payloads), len(tx.OutputCommitments))
		}
		for _, nf := range tx.InputNullifiers {
			if next >= len(l.nullifiers) || l.nullifiers[next] != nf {
				return fmt.Errorf("%w: nullifier %s of transaction %d not recorded in order", ErrInvariant, nf.Short(), i)
			}
			next++
		}
		for j, cm := range tx.OutputCommitments {
			pos, ok := l.commitmentIndex[cm]
			if !ok {
				return fmt.Errorf("%w: output %s of transaction %d missing", ErrInvariant, cm.Short(), i)
			}
			if !first && pos <= lastPos {
				return fmt.Errorf("%w: output %s of transaction %d out of order", ErrInvariant, cm.Short(), i)
			}
			lastPos, first = pos, false
			stored := l.commitments[pos].Payload
			if stored.Ephemeral != tx.Payloads[j].Ephemeral || !bytes.Equal(stored.Ciphertext, tx.Payloads[j].Ciphertext) {
				return fmt.Errorf("%w: payload of output %s differs from its transaction", ErrInvariant, cm.Short())
			}
		}
	}
	if next != len(l.nullifiers) {
		return fmt.Errorf("%w: %d nullifiers not produced by any transaction", ErrInvariant, len(l.nullifiers)-next)
	}
	return nil
}
