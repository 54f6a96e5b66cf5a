package chain

import (
	"github.com/dgraph-io/badger/v4"

	"github.com/jolovicdev/kaidos/chain/errs"
	"github.com/jolovicdev/kaidos/chain/store"
	"github.com/jolovicdev/kaidos/chain/types"
	"github.com/jolovicdev/kaidos/chain/utxo"
)

// ResolveCandidate evaluates an externally supplied chain (e.g. fetched from
// a peer during a consensus sweep) and, if it should replace the local
// chain, performs the replacement atomically. It reports whether a
// replacement occurred.
//
// Acceptance follows spec: the candidate must validate in full under
// ValidationRelaxed at the fixed external difficulty of 4. If the common
// ancestor with the local chain is the genesis block and the local chain
// has more than just genesis, the candidate additionally needs at least
// ReorgWorkThreshold times the local chain's cumulative work; otherwise a
// strictly longer, validating candidate always wins.
func (c *Chain) ResolveCandidate(candidate []types.Block) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(candidate) == 0 {
		return false, errs.New(errs.Consensus, "candidate chain is empty")
	}
	local, err := c.blocks.All()
	if err != nil {
		return false, err
	}
	if len(candidate) <= len(local) {
		return false, nil
	}
	if err := c.validateExternalChain(candidate); err != nil {
		return false, errs.Wrap(errs.Consensus, "candidate chain failed validation", err)
	}

	ancestor := commonAncestorIndex(local, candidate)
	if ancestor == 0 && len(local) > 1 {
		localWork := cumulativeWork(local)
		candidateWork := cumulativeWork(candidate)
		if float64(candidateWork) < float64(localWork)*types.ReorgWorkThreshold {
			return false, nil
		}
	}

	if err := c.replaceChain(candidate, ancestor); err != nil {
		return false, err
	}
	c.mempool.Revalidate()
	return true, nil
}

// validateExternalChain replays candidate from genesis under
// ValidationRelaxed at the fixed external difficulty, so a peer's chain is
// judged on structure and proof-of-work alone — our UTXO set has no
// knowledge of its history yet.
func (c *Chain) validateExternalChain(candidate []types.Block) error {
	const externalDifficulty = 4
	if candidate[0].Index != 0 || candidate[0].PreviousHash != types.GenesisPreviousHash {
		return errs.New(errs.ChainInvalid, "candidate chain does not start at genesis")
	}
	for i := 1; i < len(candidate); i++ {
		if err := c.validateBlock(candidate[i], candidate[i-1], externalDifficulty, types.ValidationRelaxed); err != nil {
			return err
		}
	}
	return nil
}

// commonAncestorIndex returns the highest index at which local and
// candidate agree on the block hash. Chains always agree at genesis in the
// worst case since both are rooted in the same fixed previous-hash.
func commonAncestorIndex(local, candidate []types.Block) int {
	ancestor := 0
	for i := 0; i < len(local) && i < len(candidate); i++ {
		if local[i].Hash != candidate[i].Hash {
			break
		}
		ancestor = i
	}
	return ancestor
}

// cumulativeWork sums 2^leadingZeroCount across a chain's blocks, used as
// the tie-break metric for competing forks rooted at genesis.
func cumulativeWork(chain []types.Block) uint64 {
	var total uint64
	for _, b := range chain {
		total += uint64(1) << uint(leadingZeroCount(b.Hash))
	}
	return total
}

// replaceChain truncates local history above ancestor, installs candidate's
// blocks above that point, and rebuilds the UTXO set to match — all inside
// one badger transaction so the switch is atomic.
func (c *Chain) replaceChain(candidate []types.Block, ancestor int) error {
	return c.blocks.Update(func(txn *badger.Txn) error {
		if err := c.blocks.DeleteAbove(txn, ancestor); err != nil {
			return err
		}
		if err := c.utxos.ClearAll(txn); err != nil {
			return err
		}
		for i := 0; i <= ancestor; i++ {
			if err := applyBlockTxn(txn, c.blocks, c.utxos, candidate[i]); err != nil {
				return err
			}
		}
		for i := ancestor + 1; i < len(candidate); i++ {
			if err := applyBlockTxn(txn, c.blocks, c.utxos, candidate[i]); err != nil {
				return err
			}
		}
		return nil
	})
}

func applyBlockTxn(txn *badger.Txn, blocks *store.BlockStore, utxos *utxo.Store, block types.Block) error {
	if err := blocks.Put(txn, block); err != nil {
		return err
	}
	for _, tx := range block.Transactions {
		for _, in := range tx.Inputs {
			if err := utxos.Remove(txn, in.PrevTxID, in.PrevVout); err != nil {
				return err
			}
		}
		for vout, out := range tx.Outputs {
			rec := types.UTXORecord{
				TxID:      tx.TxID,
				Vout:      vout,
				Address:   out.Address,
				Amount:    out.Amount,
				CreatedAt: block.Timestamp,
			}
			if err := utxos.Insert(txn, rec); err != nil {
				return err
			}
		}
	}
	return nil
}
