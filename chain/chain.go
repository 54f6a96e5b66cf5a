// Package chain implements the chain manager and fork resolver: block
// append validation, adaptive difficulty, reward calculation, and
// chain-reorganization. It is the Go descendant of the reference node's
// Blockchain class, generalized to use an explicit validation mode instead
// of inspecting the call stack to detect test-time shortcuts.
package chain

import (
	"fmt"
	"strings"
	"sync"

	"github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"

	"github.com/jolovicdev/kaidos/chain/errs"
	"github.com/jolovicdev/kaidos/chain/hashutil"
	"github.com/jolovicdev/kaidos/chain/mempool"
	"github.com/jolovicdev/kaidos/chain/merkle"
	"github.com/jolovicdev/kaidos/chain/miner"
	"github.com/jolovicdev/kaidos/chain/store"
	"github.com/jolovicdev/kaidos/chain/types"
	"github.com/jolovicdev/kaidos/chain/utxo"
)

// Chain is the single logical writer over (block store, UTXO store,
// mempool). Every mutation — append, admission, resolution — holds mu for
// its full duration; reads go straight to the underlying badger snapshot
// views and never take mu, matching the node's snapshot-read policy.
type Chain struct {
	mu         sync.Mutex
	blocks     *store.BlockStore
	utxos      *utxo.Store
	mempool    *mempool.Mempool
	logger     *zap.Logger
	multisig   mempool.MultisigLookup
	publicKeys mempool.PublicKeyLookup
}

// Open creates the genesis block if the store is empty, then returns a
// ready Chain. It pulls its signature-verification resolvers from mp so
// that ValidationFull checks every non-coinbase transaction's signature
// the same way mempool admission does, rather than trusting that a
// transaction admitted earlier is still valid by the time it is mined.
func Open(blocks *store.BlockStore, utxos *utxo.Store, mp *mempool.Mempool, logger *zap.Logger, now int64) (*Chain, error) {
	multisig, publicKeys := mp.Lookups()
	c := &Chain{blocks: blocks, utxos: utxos, mempool: mp, logger: logger, multisig: multisig, publicKeys: publicKeys}

	length, err := blocks.Length()
	if err != nil {
		return nil, err
	}
	if length == 0 {
		genesis := types.Block{
			Index:        0,
			PreviousHash: types.GenesisPreviousHash,
			Transactions: nil,
			Timestamp:    now,
			Nonce:        0,
		}
		genesis.MerkleRoot = merkle.Root(nil)
		genesis.Hash = hashutil.BlockHash(genesis)
		if err := blocks.Update(func(txn *badger.Txn) error {
			return blocks.Put(txn, genesis)
		}); err != nil {
			return nil, err
		}
	}
	return c, nil
}

func (c *Chain) Mempool() *mempool.Mempool { return c.mempool }
func (c *Chain) Blocks() *store.BlockStore { return c.blocks }
func (c *Chain) UTXOs() *utxo.Store        { return c.utxos }

// Latest returns the current tip.
func (c *Chain) Latest() (types.Block, error) {
	b, err := c.blocks.Latest()
	if err != nil {
		return types.Block{}, err
	}
	if b == nil {
		return types.Block{}, errs.New(errs.Database, "chain has no blocks")
	}
	return *b, nil
}

// Length returns the number of blocks in the local chain.
func (c *Chain) Length() (int, error) { return c.blocks.Length() }

// Difficulty computes the adaptive difficulty per the last up-to-10 blocks.
// The current-difficulty anchor is derived by walking those blocks' leading
// zero counts starting from the default, then adjusted by the observed
// average inter-block time against the 600s target.
func (c *Chain) Difficulty() (int, error) {
	length, err := c.blocks.Length()
	if err != nil {
		return 0, err
	}
	start := length - types.DifficultyWindow
	if start < 0 {
		start = 0
	}
	window, err := c.blocks.Range(start, length-1)
	if err != nil {
		return 0, err
	}
	return difficultyFromWindow(window), nil
}

func difficultyFromWindow(window []types.Block) int {
	if len(window) < 2 {
		return types.DefaultDifficulty
	}

	current := types.DefaultDifficulty
	for _, b := range window {
		lz := leadingZeroCount(b.Hash)
		switch {
		case lz >= current+1:
			current++
		case lz < current:
			current--
		}
	}

	var totalInterval int64
	for i := 1; i < len(window); i++ {
		totalInterval += window[i].Timestamp - window[i-1].Timestamp
	}
	avg := float64(totalInterval) / float64(len(window)-1)

	switch {
	case avg < types.TargetBlockSeconds/2:
		current++
	case avg > types.TargetBlockSeconds*2:
		current--
	}
	if current < 1 {
		current = 1
	}
	return current
}

func leadingZeroCount(hash string) int {
	count := 0
	for _, r := range hash {
		if r != '0' {
			break
		}
		count++
	}
	return count
}

// Reward returns the block reward at height.
func (c *Chain) Reward(height int) float64 { return miner.Reward(height) }

// MineNext assembles and seals the next block against the current mempool
// snapshot. It does not persist the block; call Append to do that.
func (c *Chain) MineNext(minerAddress string, now int64) (types.Block, error) {
	latest, err := c.Latest()
	if err != nil {
		return types.Block{}, err
	}
	difficulty, err := c.Difficulty()
	if err != nil {
		return types.Block{}, err
	}

	pending := c.mempool.Pending()
	inputTotals := make(map[string]float64, len(pending))
	for _, tx := range pending {
		var total float64
		for _, in := range tx.Inputs {
			rec, err := c.utxoAt(in.PrevTxID, in.PrevVout)
			if err != nil {
				return types.Block{}, err
			}
			if rec != nil {
				total += rec.Amount
			}
		}
		inputTotals[tx.TxID] = total
	}

	return miner.Mine(c.logger, minerAddress, latest, pending, inputTotals, difficulty, now), nil
}

func (c *Chain) utxoAt(txid string, vout int) (*types.UTXORecord, error) {
	var rec *types.UTXORecord
	err := c.utxos.DB().View(func(txn *badger.Txn) error {
		var err error
		rec, err = c.utxos.Get(txn, txid, vout)
		return err
	})
	return rec, err
}

// Append validates and persists block under mode, atomically updating the
// UTXO set and draining confirmed transactions from the mempool.
func (c *Chain) Append(block types.Block, mode types.ValidationMode) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	latest, err := c.Latest()
	if err != nil {
		return err
	}
	difficulty, err := c.Difficulty()
	if err != nil {
		return err
	}
	if err := c.validateBlock(block, latest, difficulty, mode); err != nil {
		return err
	}

	if err := c.applyBlock(block); err != nil {
		return err
	}

	var confirmed []string
	for _, tx := range block.Transactions {
		if !tx.Coinbase {
			confirmed = append(confirmed, tx.TxID)
		}
	}
	c.mempool.Remove(confirmed...)
	return nil
}

// validateBlock is the single canonical validator used by both the append
// path (mode=Full) and the fork resolver's external-chain check
// (mode=Relaxed, fixed difficulty 4) — see Chain.validateExternalChain.
func (c *Chain) validateBlock(block, latest types.Block, difficulty int, mode types.ValidationMode) error {
	if block.Index != latest.Index+1 {
		return errs.New(errs.InvalidBlock, "block index does not follow the tip")
	}
	if block.PreviousHash != latest.Hash {
		return errs.New(errs.InvalidBlock, "previous hash does not match the tip")
	}
	if hashutil.BlockHash(block) != block.Hash {
		return errs.New(errs.InvalidBlock, "block hash does not recompute")
	}
	if merkle.Root(txIDs(block.Transactions)) != block.MerkleRoot {
		return errs.New(errs.InvalidBlock, "merkle root does not match transactions")
	}
	if !strings.HasPrefix(block.Hash, strings.Repeat("0", difficulty)) {
		return errs.New(errs.InvalidBlock, "block hash does not meet difficulty")
	}

	if mode == types.ValidationRelaxed {
		return nil
	}
	return c.validateBlockTransactions(block)
}

func txIDs(txs []types.Transaction) []string {
	ids := make([]string, len(txs))
	for i, tx := range txs {
		ids[i] = tx.TxID
	}
	return ids
}

// validateBlockTransactions is the authoritative per-transaction check the
// append path (mode=Full) runs: every non-coinbase transaction is re-run
// through the same structural, UTXO-existence, double-spend, signature, and
// balance checks mempool admission applies, against the UTXO snapshot as it
// stood immediately before this block. A transaction admitted into the
// mempool earlier is not trusted to still be valid — its signature, its
// UTXO, and its balance are all re-verified here.
func (c *Chain) validateBlockTransactions(block types.Block) error {
	if block.Index == 0 {
		return nil
	}
	if len(block.Transactions) == 0 || !block.Transactions[0].Coinbase {
		return errs.New(errs.InvalidBlock, "block is missing a coinbase transaction")
	}
	coinbase := block.Transactions[0]
	if len(coinbase.Inputs) != 0 {
		return errs.New(errs.InvalidBlock, "coinbase transaction must have no inputs")
	}
	if len(coinbase.Outputs) != 1 {
		return errs.New(errs.InvalidBlock, "coinbase transaction must have exactly one output")
	}

	spent := make(map[string]bool)
	var fees float64
	for _, tx := range block.Transactions[1:] {
		if err := mempool.StructuralCheck(tx); err != nil {
			return err
		}

		var inputTotal float64
		for _, in := range tx.Inputs {
			sk := spendKey(in.PrevTxID, in.PrevVout)
			if spent[sk] {
				return errs.New(errs.DoubleSpend, "utxo spent twice within block: "+sk)
			}

			rec, err := c.utxoAt(in.PrevTxID, in.PrevVout)
			if err != nil {
				return err
			}
			if rec == nil {
				return errs.New(errs.InvalidTransaction, "utxo not found: "+in.PrevTxID)
			}
			if !mempool.VerifyInput(in, rec.Address, c.multisig, c.publicKeys) {
				return errs.New(errs.Signature, "input signature does not verify")
			}

			spent[sk] = true
			inputTotal += rec.Amount
		}

		var outputTotal float64
		for _, o := range tx.Outputs {
			outputTotal += o.Amount
		}
		if inputTotal+types.AmountTolerance < outputTotal {
			return errs.New(errs.InsufficientFunds, "input total less than output total")
		}
		fees += inputTotal - outputTotal
	}

	reward := miner.Reward(block.Index)
	expected := reward + fees
	if diff := coinbase.Outputs[0].Amount - expected; diff > types.AmountTolerance || diff < -types.AmountTolerance {
		return errs.New(errs.InvalidBlock, "coinbase amount does not equal reward plus fees")
	}
	if coinbase.Outputs[0].Address != block.MinerAddress {
		return errs.New(errs.InvalidBlock, "coinbase output does not pay the declared miner")
	}
	return nil
}

func spendKey(txid string, vout int) string {
	return fmt.Sprintf("%s:%d", txid, vout)
}

// applyBlock persists block and updates the UTXO set for its transactions
// inside a single badger transaction shared by both stores, so the append
// is all-or-nothing.
func (c *Chain) applyBlock(block types.Block) error {
	return c.blocks.Update(func(txn *badger.Txn) error {
		return applyBlockTxn(txn, c.blocks, c.utxos, block)
	})
}

// AdmitTransaction runs mempool admission under the chain's writer lock,
// since admission reads UTXO state that a concurrent reorg could change.
func (c *Chain) AdmitTransaction(tx types.Transaction) (types.Transaction, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mempool.Admit(tx)
}
