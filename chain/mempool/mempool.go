// Package mempool implements the pending-transaction pool and the
// structural/UTXO/signature/balance admission pipeline transactions must
// pass to enter it.
package mempool

import (
	"fmt"
	"sort"
	"sync"

	"github.com/dgraph-io/badger/v4"

	"github.com/jolovicdev/kaidos/chain/errs"
	"github.com/jolovicdev/kaidos/chain/hashutil"
	"github.com/jolovicdev/kaidos/chain/types"
	"github.com/jolovicdev/kaidos/chain/utxo"
	"github.com/jolovicdev/kaidos/wallet"
)

// MultisigLookup resolves a multisig address to its public-key list and
// threshold, so the validator can check multisig inputs without importing
// the wallet store directly.
type MultisigLookup func(address string) (publicKeysPEM []string, required int, ok bool)

// PublicKeyLookup resolves a single-signer address to the PEM-encoded
// public key that should verify its input signatures. Signature
// verification needs the actual public key, not just the address (a
// one-way hash of it), so the validator is handed this resolver rather
// than trying to recover a key from the address itself.
type PublicKeyLookup func(address string) (publicKeyPEM string, ok bool)

// Mempool holds pending transactions plus the in-memory spent-in-mempool
// reservation for every UTXO a pending transaction has claimed. Keeping the
// reservation here, rather than as a field flip on the UTXO record itself,
// is what lets the UTXO store avoid delete-then-reinsert updates.
type Mempool struct {
	mu           sync.RWMutex
	transactions map[string]types.Transaction
	reserved     map[string]string // "txid:vout" -> reserving mempool txid
	utxos        *utxo.Store
	multisig     MultisigLookup
	publicKeys   PublicKeyLookup
}

func New(utxos *utxo.Store, multisig MultisigLookup, publicKeys PublicKeyLookup) *Mempool {
	return &Mempool{
		transactions: make(map[string]types.Transaction),
		reserved:     make(map[string]string),
		utxos:        utxos,
		multisig:     multisig,
		publicKeys:   publicKeys,
	}
}

func reservationKey(txid string, vout int) string {
	return fmt.Sprintf("%s:%d", txid, vout)
}

// InputReport is the per-input detail of a Debug report.
type InputReport struct {
	Found         bool    `json:"found"`
	Spent         bool    `json:"spent"`
	SignatureOK   bool    `json:"signature_valid"`
	Amount        float64 `json:"amount,omitempty"`
	Address       string  `json:"address,omitempty"`
	Error         string  `json:"error,omitempty"`
}

// OutputReport is the per-output detail of a Debug report.
type OutputReport struct {
	Valid bool   `json:"valid"`
	Error string `json:"error,omitempty"`
}

// Report is the structured, side-effect-free admission diagnostic.
type Report struct {
	Inputs      []InputReport  `json:"inputs"`
	Outputs     []OutputReport `json:"outputs"`
	InputTotal  float64        `json:"input_total"`
	OutputTotal float64        `json:"output_total"`
	Error       string         `json:"error,omitempty"`
}

// Debug runs every admission check against tx without mutating any state,
// producing a full diagnostic report even when the transaction would be
// rejected.
func (m *Mempool) Debug(tx types.Transaction) Report {
	report := Report{}

	for _, in := range tx.Inputs {
		ir := InputReport{}
		rec, err := m.lookupUTXO(in.PrevTxID, in.PrevVout)
		if err != nil {
			ir.Error = err.Error()
			report.Inputs = append(report.Inputs, ir)
			continue
		}
		if rec == nil {
			ir.Error = "utxo not found"
			report.Inputs = append(report.Inputs, ir)
			continue
		}
		ir.Found = true
		ir.Amount = rec.Amount
		ir.Address = rec.Address
		report.InputTotal += rec.Amount

		m.mu.RLock()
		_, ir.Spent = m.reserved[reservationKey(in.PrevTxID, in.PrevVout)]
		m.mu.RUnlock()

		ir.SignatureOK = m.verifyInput(in, rec.Address)
		if !ir.SignatureOK {
			ir.Error = "signature invalid"
		}
		report.Inputs = append(report.Inputs, ir)
	}

	for _, out := range tx.Outputs {
		or := OutputReport{Valid: out.Amount > 0}
		if !or.Valid {
			or.Error = "amount must be positive"
		}
		report.OutputTotal += out.Amount
		report.Outputs = append(report.Outputs, or)
	}

	if _, err := m.validate(tx); err != nil {
		report.Error = err.Error()
	}
	return report
}

// Admit runs the six-step admission pipeline and, on success, stores tx as
// pending and reserves its inputs.
func (m *Mempool) Admit(tx types.Transaction) (types.Transaction, error) {
	if err := structuralCheck(tx); err != nil {
		return types.Transaction{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, err := m.validateUnlocked(tx); err != nil {
		return types.Transaction{}, err
	}

	tx.TxID = computeTxID(tx)
	tx.Status = types.StatusPending
	m.transactions[tx.TxID] = tx
	for _, in := range tx.Inputs {
		m.reserved[reservationKey(in.PrevTxID, in.PrevVout)] = tx.TxID
	}
	return tx, nil
}

// validate re-acquires the read lock; used by Debug, which must not hold
// the write lock Admit uses.
func (m *Mempool) validate(tx types.Transaction) (float64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.validateUnlocked(tx)
}

func (m *Mempool) validateUnlocked(tx types.Transaction) (float64, error) {
	if err := structuralCheck(tx); err != nil {
		return 0, err
	}

	var inputTotal, outputTotal float64
	for _, out := range tx.Outputs {
		outputTotal += out.Amount
	}

	for _, in := range tx.Inputs {
		rec, err := m.lookupUTXO(in.PrevTxID, in.PrevVout)
		if err != nil {
			return 0, err
		}
		if rec == nil {
			return 0, errs.New(errs.InvalidTransaction, "utxo not found: "+in.PrevTxID)
		}

		rk := reservationKey(in.PrevTxID, in.PrevVout)
		if reservingTx, reserved := m.reserved[rk]; reserved && reservingTx != tx.TxID {
			return 0, errs.New(errs.DoubleSpend, "utxo already reserved by a pending transaction")
		}

		if !m.verifyInput(in, rec.Address) {
			return 0, errs.New(errs.Signature, "input signature does not verify")
		}

		inputTotal += rec.Amount
	}

	if inputTotal+types.AmountTolerance < outputTotal {
		return 0, errs.New(errs.InsufficientFunds, "input total less than output total")
	}

	return inputTotal - outputTotal, nil
}

func (m *Mempool) verifyInput(in types.Input, address string) bool {
	return VerifyInput(in, address, m.multisig, m.publicKeys)
}

// VerifyInput checks an input's signature (or, for a multisig input, its
// signature shares) against the public-key material resolved for address.
// It is exported so the chain manager's block-transaction validator can
// apply the exact same signature rule the mempool does, against its own
// pre-block UTXO snapshot, without duplicating the multisig/single-signer
// branch.
func VerifyInput(in types.Input, address string, multisig MultisigLookup, publicKeys PublicKeyLookup) bool {
	msg := wallet.InputMessage(in.PrevTxID, in.PrevVout)
	if in.Multisig {
		if multisig == nil {
			return false
		}
		keys, required, ok := multisig(address)
		if !ok {
			return false
		}
		return wallet.VerifyMultisigInput(in, keys, required)
	}
	if publicKeys == nil {
		return false
	}
	pubPEM, ok := publicKeys(address)
	if !ok {
		return false
	}
	pub, err := wallet.DecodePublicKeyPEM(pubPEM)
	if err != nil {
		return false
	}
	return wallet.Verify(pub, msg, in.Signature)
}

func structuralCheck(tx types.Transaction) error {
	return StructuralCheck(tx)
}

// StructuralCheck enforces the shape rules that hold regardless of UTXO
// state: every output must carry a positive amount, and inputs must be
// present if and only if the transaction isn't a coinbase. Exported so the
// chain manager's block validator runs the identical rule on non-coinbase
// block transactions.
func StructuralCheck(tx types.Transaction) error {
	if len(tx.Outputs) == 0 {
		return errs.New(errs.InvalidTransaction, "transaction has no outputs")
	}
	for _, out := range tx.Outputs {
		if out.Amount <= 0 {
			return errs.New(errs.InvalidTransaction, "output amount must be positive")
		}
	}
	if !tx.Coinbase && len(tx.Inputs) == 0 {
		return errs.New(errs.InvalidTransaction, "non-coinbase transaction has no inputs")
	}
	if tx.Coinbase && len(tx.Inputs) != 0 {
		return errs.New(errs.InvalidTransaction, "coinbase transaction must have no inputs")
	}
	return nil
}

// Lookups returns the multisig and public-key resolvers this mempool was
// constructed with. The chain manager pulls them from its mempool at Open
// time so the authoritative block-append validator checks signatures the
// same way admission does, without a separate set of constructor
// parameters threaded through every caller.
func (m *Mempool) Lookups() (MultisigLookup, PublicKeyLookup) {
	return m.multisig, m.publicKeys
}

func (m *Mempool) lookupUTXO(txid string, vout int) (*types.UTXORecord, error) {
	var rec *types.UTXORecord
	err := m.utxos.DB().View(func(txn *badger.Txn) error {
		var err error
		rec, err = m.utxos.Get(txn, txid, vout)
		return err
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// computeTxID hashes (inputs, outputs, timestamp) via the node's canonical
// JSON hashing convention.
func computeTxID(tx types.Transaction) string {
	return hashutil.CanonicalHash(map[string]interface{}{
		"inputs":    tx.Inputs,
		"outputs":   tx.Outputs,
		"timestamp": tx.Timestamp,
	})
}

// Pending returns a stable-ordered snapshot of every pending transaction.
func (m *Mempool) Pending() []types.Transaction {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]types.Transaction, 0, len(m.transactions))
	for _, tx := range m.transactions {
		out = append(out, tx)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Timestamp != out[j].Timestamp {
			return out[i].Timestamp < out[j].Timestamp
		}
		return out[i].TxID < out[j].TxID
	})
	return out
}

// Get returns a pending transaction by ID.
func (m *Mempool) Get(txid string) (types.Transaction, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	tx, ok := m.transactions[txid]
	return tx, ok
}

// Remove drops transactions from the pool, releasing their reservations.
// Called by the chain manager once their contents are confirmed in a block,
// and by the fork resolver when they are orphaned by a reorganization.
func (m *Mempool) Remove(txids ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range txids {
		tx, ok := m.transactions[id]
		if !ok {
			continue
		}
		delete(m.transactions, id)
		for _, in := range tx.Inputs {
			rk := reservationKey(in.PrevTxID, in.PrevVout)
			if m.reserved[rk] == id {
				delete(m.reserved, rk)
			}
		}
	}
}

// Revalidate re-checks every pending transaction against the current UTXO
// set, dropping any that are no longer valid. Used after a reorganization
// changes which outputs exist.
func (m *Mempool) Revalidate() {
	m.mu.Lock()
	pending := make([]types.Transaction, 0, len(m.transactions))
	for _, tx := range m.transactions {
		pending = append(pending, tx)
	}
	m.mu.Unlock()

	var drop []string
	for _, tx := range pending {
		if _, err := m.validate(tx); err != nil {
			drop = append(drop, tx.TxID)
		}
	}
	m.Remove(drop...)
}
