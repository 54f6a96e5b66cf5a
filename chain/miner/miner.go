// Package miner assembles candidate blocks from a mempool snapshot and
// searches for a nonce satisfying the current difficulty. It is the direct
// descendant of the reference node's proof-of-work loop, generalized from a
// big.Int target comparison to the leading-hex-zero rule over a canonical
// JSON block hash.
package miner

import (
	"strings"

	"go.uber.org/zap"

	"github.com/jolovicdev/kaidos/chain/hashutil"
	"github.com/jolovicdev/kaidos/chain/merkle"
	"github.com/jolovicdev/kaidos/chain/types"
)

// logEvery controls how often mining progress is logged, to avoid the
// per-nonce stdout spam of the reference implementation's progress print.
const logEvery = 200000

// Reward computes the block reward at height, halving every
// types.HalvingInterval blocks.
func Reward(height int) float64 {
	halvings := height / types.HalvingInterval
	reward := types.InitialReward
	for i := 0; i < halvings; i++ {
		reward /= 2
	}
	return reward
}

// Fees sums (input total - output total) across non-coinbase transactions.
// inputTotal is supplied by the caller per transaction since the miner has
// no UTXO lookup of its own — the chain manager hands it a resolved list.
func Fees(inputTotals map[string]float64, txs []types.Transaction) float64 {
	var total float64
	for _, tx := range txs {
		if tx.Coinbase {
			continue
		}
		var outputTotal float64
		for _, o := range tx.Outputs {
			outputTotal += o.Amount
		}
		total += inputTotals[tx.TxID] - outputTotal
	}
	return total
}

// Mine assembles a candidate block paying minerAddress the block reward
// plus the fees from mempoolTxs, then searches nonces until the hash meets
// difficulty. now is supplied by the caller so mining stays deterministic
// under test.
func Mine(
	logger *zap.Logger,
	minerAddress string,
	latest types.Block,
	mempoolTxs []types.Transaction,
	inputTotals map[string]float64,
	difficulty int,
	now int64,
) types.Block {
	height := latest.Index + 1
	reward := Reward(height)
	fees := Fees(inputTotals, mempoolTxs)

	coinbase := types.Transaction{
		Outputs:   []types.Output{{Address: minerAddress, Amount: reward + fees}},
		Timestamp: now,
		Coinbase:  true,
	}
	coinbase.TxID = hashutil.CanonicalHash(map[string]interface{}{
		"miner_address": minerAddress,
		"amount":        coinbase.Outputs[0].Amount,
		"timestamp":     now,
	})

	block := types.Block{
		Index:        height,
		PreviousHash: latest.Hash,
		Transactions: append([]types.Transaction{coinbase}, mempoolTxs...),
		Timestamp:    now,
		Nonce:        0,
		MinerAddress: minerAddress,
	}
	block.MerkleRoot = merkleRootOf(block.Transactions)

	prefix := strings.Repeat("0", difficulty)
	for {
		block.Hash = hashutil.BlockHash(block)
		if strings.HasPrefix(block.Hash, prefix) {
			return block
		}
		block.Nonce++
		if logger != nil && block.Nonce%logEvery == 0 {
			logger.Debug("mining in progress", zap.Int("height", height), zap.Int64("nonce", block.Nonce))
		}
	}
}

func merkleRootOf(txs []types.Transaction) string {
	ids := make([]string, len(txs))
	for i, tx := range txs {
		ids[i] = tx.TxID
	}
	return merkle.Root(ids)
}
