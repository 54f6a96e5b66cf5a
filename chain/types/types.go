// Package types holds the data model shared by the chain, mempool, utxo
// and network packages: addresses, transactions, blocks and peers.
package types

import "strings"

// ValidationMode controls how strict block validation is. The append path
// on the local chain always runs Full; the fork resolver validates external
// candidate chains under Relaxed, since the local UTXO set does not yet
// reflect a candidate's history.
type ValidationMode int

const (
	ValidationFull ValidationMode = iota
	ValidationRelaxed
)

// Output is a single (address, amount) pair produced by a transaction.
type Output struct {
	Address string  `json:"address"`
	Amount  float64 `json:"amount"`
}

// SignatureShare is one signature contributed toward a multisig input.
type SignatureShare struct {
	Signature string `json:"signature"`
	KeyIndex  int    `json:"key_index"`
}

// Input references a previous output by (txid, vout) and proves the right
// to spend it, either with a single signature or a set of multisig shares.
type Input struct {
	PrevTxID   string           `json:"prev_txid"`
	PrevVout   int              `json:"prev_vout"`
	Signature  string           `json:"signature,omitempty"`
	Multisig   bool             `json:"multisig,omitempty"`
	Signatures []SignatureShare `json:"signatures,omitempty"`
}

type TxStatus string

const (
	StatusPending   TxStatus = "pending"
	StatusConfirmed TxStatus = "confirmed"
	StatusRejected  TxStatus = "rejected"
)

// Transaction is the unit of value transfer. Coinbase transactions carry no
// inputs and exactly one output paying the block reward plus fees.
type Transaction struct {
	TxID      string    `json:"txid"`
	Inputs    []Input   `json:"inputs"`
	Outputs   []Output  `json:"outputs"`
	Timestamp int64     `json:"timestamp"`
	Coinbase  bool      `json:"coinbase"`
	Status    TxStatus  `json:"status,omitempty"`
}

// UTXORecord is a single unspent output tracked by the UTXO store.
// The spent-in-mempool soft reservation used by mempool admission is not a
// field of this record and never removes it: the mempool keeps that
// reservation in memory.
type UTXORecord struct {
	TxID      string  `json:"txid"`
	Vout      int     `json:"vout"`
	Address   string  `json:"address"`
	Amount    float64 `json:"amount"`
	CreatedAt int64   `json:"created_at"`
}

// Block is a cryptographically linked batch of transactions.
type Block struct {
	Index        int           `json:"index"`
	PreviousHash string        `json:"previous_hash"`
	Transactions []Transaction `json:"transactions"`
	Timestamp    int64         `json:"timestamp"`
	Nonce        int64         `json:"nonce"`
	MerkleRoot   string        `json:"merkle_root"`
	MinerAddress string        `json:"miner_address,omitempty"`
	Hash         string        `json:"hash"`
}

// PeerRecord tracks a remote node this node has exchanged state with.
type PeerRecord struct {
	Address  string `json:"address"`
	LastSeen int64  `json:"last_seen"`
	Source   string `json:"source,omitempty"`
}

// MultisigRecord describes an m-of-n spending policy bound to an address.
type MultisigRecord struct {
	Address            string   `json:"address"`
	PublicKeys         []string `json:"public_keys"`
	RequiredSignatures int      `json:"required_signatures"`
	CreatedAt          int64    `json:"created_at"`
}

const (
	InitialReward      = 50.0
	HalvingInterval    = 210000
	DefaultDifficulty  = 4
	TargetBlockSeconds = 600
	DifficultyWindow   = 10
	ReorgWorkThreshold = 1.10
	AmountTolerance    = 1e-5
)

// GenesisPreviousHash is the fixed all-zero previous-hash of block 0.
var GenesisPreviousHash = strings.Repeat("0", 64)
