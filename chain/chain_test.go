package chain

import (
	"testing"

	"github.com/dgraph-io/badger/v4"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/jolovicdev/kaidos/chain/mempool"
	"github.com/jolovicdev/kaidos/chain/miner"
	"github.com/jolovicdev/kaidos/chain/store"
	"github.com/jolovicdev/kaidos/chain/types"
	"github.com/jolovicdev/kaidos/chain/utxo"
	"github.com/jolovicdev/kaidos/wallet"
)

// testNode wires together an in-memory badger handle shared by the block
// store and UTXO store, a wallet store for signing, and a Chain — enough to
// exercise the seed scenarios end to end.
type testNode struct {
	t       *testing.T
	db      *badger.DB
	chain   *Chain
	wallets *wallet.Store
}

func newTestNode(t *testing.T) *testNode {
	t.Helper()
	opts := badger.DefaultOptions("").WithInMemory(true).WithLoggingLevel(badger.ERROR)
	db, err := badger.Open(opts)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	blocks := store.OpenWithDB(db)
	utxos := utxo.OpenWithDB(db)

	walletDB, err := badger.Open(badger.DefaultOptions("").WithInMemory(true).WithLoggingLevel(badger.ERROR))
	require.NoError(t, err)
	t.Cleanup(func() { walletDB.Close() })
	wallets := wallet.OpenStoreWithDB(walletDB)

	mp := mempool.New(utxos, nil, func(address string) (string, bool) {
		pem, err := wallets.PublicKeyPEM(address)
		if err != nil {
			return "", false
		}
		return pem, true
	})

	c, err := Open(blocks, utxos, mp, zap.NewNop(), 1000)
	require.NoError(t, err)

	return &testNode{t: t, db: db, chain: c, wallets: wallets}
}

func (n *testNode) newAddress() string {
	addr, err := n.wallets.CreateWallet("test", "", 1000)
	require.NoError(n.t, err)
	return addr
}

func TestGenesisOnly(t *testing.T) {
	n := newTestNode(t)
	latest, err := n.chain.Latest()
	require.NoError(t, err)
	require.Equal(t, 0, latest.Index)
	require.Equal(t, types.GenesisPreviousHash, latest.PreviousHash)
}

func TestMineOneBlock(t *testing.T) {
	n := newTestNode(t)
	miner := n.newAddress()

	block, err := n.chain.MineNext(miner, 2000)
	require.NoError(t, err)
	require.NoError(t, n.chain.Append(block, types.ValidationFull))

	latest, err := n.chain.Latest()
	require.NoError(t, err)
	require.Equal(t, 1, latest.Index)

	balance, err := n.chain.UTXOs().Balance(miner)
	require.NoError(t, err)
	require.Equal(t, 50.0, balance)
}

func TestSpendWithFee(t *testing.T) {
	n := newTestNode(t)
	alice := n.newAddress()
	bob := n.newAddress()

	block1, err := n.chain.MineNext(alice, 2000)
	require.NoError(t, err)
	require.NoError(t, n.chain.Append(block1, types.ValidationFull))

	coinbaseTxID := block1.Transactions[0].TxID
	priv, err := n.wallets.PrivateKey(alice, "")
	require.NoError(t, err)
	sig, err := wallet.Sign(priv, wallet.InputMessage(coinbaseTxID, 0))
	require.NoError(t, err)

	tx := types.Transaction{
		Inputs:    []types.Input{{PrevTxID: coinbaseTxID, PrevVout: 0, Signature: sig}},
		Outputs:   []types.Output{{Address: bob, Amount: 20}},
		Timestamp: 2500,
	}
	admitted, err := n.chain.AdmitTransaction(tx)
	require.NoError(t, err)

	block2, err := n.chain.MineNext(alice, 3000)
	require.NoError(t, err)
	require.Len(t, block2.Transactions, 2)
	require.Equal(t, admitted.TxID, block2.Transactions[1].TxID)
	require.Equal(t, 50.0+30.0, block2.Transactions[0].Outputs[0].Amount) // reward + fee

	require.NoError(t, n.chain.Append(block2, types.ValidationFull))

	bobBalance, err := n.chain.UTXOs().Balance(bob)
	require.NoError(t, err)
	require.Equal(t, 20.0, bobBalance)

	aliceBalance, err := n.chain.UTXOs().Balance(alice)
	require.NoError(t, err)
	require.Equal(t, 50.0+30.0, aliceBalance) // block1 reward already spent; block2 coinbase remains
}

func TestDoubleSpendRejectedByMempool(t *testing.T) {
	n := newTestNode(t)
	alice := n.newAddress()
	bob := n.newAddress()
	carol := n.newAddress()

	block1, err := n.chain.MineNext(alice, 2000)
	require.NoError(t, err)
	require.NoError(t, n.chain.Append(block1, types.ValidationFull))

	coinbaseTxID := block1.Transactions[0].TxID
	priv, err := n.wallets.PrivateKey(alice, "")
	require.NoError(t, err)
	sig, err := wallet.Sign(priv, wallet.InputMessage(coinbaseTxID, 0))
	require.NoError(t, err)

	tx1 := types.Transaction{
		Inputs:    []types.Input{{PrevTxID: coinbaseTxID, PrevVout: 0, Signature: sig}},
		Outputs:   []types.Output{{Address: bob, Amount: 20}},
		Timestamp: 2500,
	}
	_, err = n.chain.AdmitTransaction(tx1)
	require.NoError(t, err)

	tx2 := types.Transaction{
		Inputs:    []types.Input{{PrevTxID: coinbaseTxID, PrevVout: 0, Signature: sig}},
		Outputs:   []types.Output{{Address: carol, Amount: 20}},
		Timestamp: 2600,
	}
	_, err = n.chain.AdmitTransaction(tx2)
	require.Error(t, err)
}

// TestAppendRejectsForgedSignature bypasses the mempool (which would catch
// this at admission) and mines a block directly against a crafted
// transaction, to prove Append itself — the authoritative ValidationFull
// path — still refuses a block that spends a real UTXO with a signature
// that does not verify.
func TestAppendRejectsForgedSignature(t *testing.T) {
	n := newTestNode(t)
	alice := n.newAddress()
	eve := n.newAddress()

	block1, err := n.chain.MineNext(alice, 2000)
	require.NoError(t, err)
	require.NoError(t, n.chain.Append(block1, types.ValidationFull))

	coinbaseTxID := block1.Transactions[0].TxID
	forged := types.Transaction{
		TxID:      "forged-tx",
		Inputs:    []types.Input{{PrevTxID: coinbaseTxID, PrevVout: 0, Signature: "not-a-real-signature"}},
		Outputs:   []types.Output{{Address: eve, Amount: 50}},
		Timestamp: 2500,
	}

	latest, err := n.chain.Latest()
	require.NoError(t, err)
	difficulty, err := n.chain.Difficulty()
	require.NoError(t, err)

	block2 := miner.Mine(zap.NewNop(), alice, latest, []types.Transaction{forged}, map[string]float64{"forged-tx": 50}, difficulty, 3000)

	err = n.chain.Append(block2, types.ValidationFull)
	require.Error(t, err)

	eveBalance, err := n.chain.UTXOs().Balance(eve)
	require.NoError(t, err)
	require.Equal(t, 0.0, eveBalance)
}

// TestAppendRejectsInBlockDoubleSpend proves the same coinbase UTXO cannot
// be spent by two different transactions mined into the same block, even
// though each transaction's own signature verifies fine in isolation.
func TestAppendRejectsInBlockDoubleSpend(t *testing.T) {
	n := newTestNode(t)
	alice := n.newAddress()
	bob := n.newAddress()
	carol := n.newAddress()

	block1, err := n.chain.MineNext(alice, 2000)
	require.NoError(t, err)
	require.NoError(t, n.chain.Append(block1, types.ValidationFull))

	coinbaseTxID := block1.Transactions[0].TxID
	priv, err := n.wallets.PrivateKey(alice, "")
	require.NoError(t, err)
	sig, err := wallet.Sign(priv, wallet.InputMessage(coinbaseTxID, 0))
	require.NoError(t, err)

	txToBob := types.Transaction{
		TxID:      "tx-to-bob",
		Inputs:    []types.Input{{PrevTxID: coinbaseTxID, PrevVout: 0, Signature: sig}},
		Outputs:   []types.Output{{Address: bob, Amount: 50}},
		Timestamp: 2500,
	}
	txToCarol := types.Transaction{
		TxID:      "tx-to-carol",
		Inputs:    []types.Input{{PrevTxID: coinbaseTxID, PrevVout: 0, Signature: sig}},
		Outputs:   []types.Output{{Address: carol, Amount: 50}},
		Timestamp: 2500,
	}

	latest, err := n.chain.Latest()
	require.NoError(t, err)
	difficulty, err := n.chain.Difficulty()
	require.NoError(t, err)

	inputTotals := map[string]float64{"tx-to-bob": 50, "tx-to-carol": 50}
	block2 := miner.Mine(zap.NewNop(), alice, latest, []types.Transaction{txToBob, txToCarol}, inputTotals, difficulty, 3000)

	err = n.chain.Append(block2, types.ValidationFull)
	require.Error(t, err)
}
