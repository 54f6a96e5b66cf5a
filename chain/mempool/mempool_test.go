package mempool

import (
	"testing"

	"github.com/dgraph-io/badger/v4"
	"github.com/stretchr/testify/require"

	"github.com/jolovicdev/kaidos/chain/errs"
	"github.com/jolovicdev/kaidos/chain/types"
	"github.com/jolovicdev/kaidos/chain/utxo"
	"github.com/jolovicdev/kaidos/wallet"
)

func newTestUTXOStore(t *testing.T) *utxo.Store {
	t.Helper()
	opts := badger.DefaultOptions(t.TempDir()).WithLoggingLevel(badger.ERROR)
	db, err := badger.Open(opts)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return utxo.OpenWithDB(db)
}

func newSigner(t *testing.T) (pubPEM, address string, sign func(txid string, vout int) string) {
	t.Helper()
	priv, err := wallet.GenerateKeyPair()
	require.NoError(t, err)
	pubPEM, err = wallet.EncodePublicKeyPEM(&priv.PublicKey)
	require.NoError(t, err)
	address, err = wallet.DeriveAddress(&priv.PublicKey)
	require.NoError(t, err)
	sign = func(txid string, vout int) string {
		sig, err := wallet.Sign(priv, wallet.InputMessage(txid, vout))
		require.NoError(t, err)
		return sig
	}
	return
}

func TestAdmitHappyPath(t *testing.T) {
	store := newTestUTXOStore(t)
	alicePub, aliceAddr, aliceSign := newSigner(t)
	keys := map[string]string{aliceAddr: alicePub}

	require.NoError(t, store.Update(func(txn *badger.Txn) error {
		return store.Insert(txn, types.UTXORecord{TxID: "coinbase1", Vout: 0, Address: aliceAddr, Amount: 50})
	}))

	mp := New(store, nil, func(addr string) (string, bool) { pem, ok := keys[addr]; return pem, ok })

	tx := types.Transaction{
		Inputs:    []types.Input{{PrevTxID: "coinbase1", PrevVout: 0, Signature: aliceSign("coinbase1", 0)}},
		Outputs:   []types.Output{{Address: "KDBOB", Amount: 30}, {Address: aliceAddr, Amount: 19.5}},
		Timestamp: 1,
	}

	admitted, err := mp.Admit(tx)
	require.NoError(t, err)
	require.NotEmpty(t, admitted.TxID)
	require.Equal(t, types.StatusPending, admitted.Status)
}

func TestAdmitRejectsMissingUTXO(t *testing.T) {
	store := newTestUTXOStore(t)
	mp := New(store, nil, func(string) (string, bool) { return "", false })

	tx := types.Transaction{
		Inputs:    []types.Input{{PrevTxID: "nope", PrevVout: 0, Signature: "aa"}},
		Outputs:   []types.Output{{Address: "KDBOB", Amount: 1}},
		Timestamp: 1,
	}
	_, err := mp.Admit(tx)
	require.Error(t, err)
	require.Equal(t, errs.InvalidTransaction, errs.KindOf(err))
}

func TestAdmitRejectsBadSignature(t *testing.T) {
	store := newTestUTXOStore(t)
	alicePub, aliceAddr, _ := newSigner(t)
	keys := map[string]string{aliceAddr: alicePub}

	require.NoError(t, store.Update(func(txn *badger.Txn) error {
		return store.Insert(txn, types.UTXORecord{TxID: "coinbase1", Vout: 0, Address: aliceAddr, Amount: 50})
	}))

	mp := New(store, nil, func(addr string) (string, bool) { pem, ok := keys[addr]; return pem, ok })

	tx := types.Transaction{
		Inputs:    []types.Input{{PrevTxID: "coinbase1", PrevVout: 0, Signature: "deadbeef"}},
		Outputs:   []types.Output{{Address: "KDBOB", Amount: 10}},
		Timestamp: 1,
	}
	_, err := mp.Admit(tx)
	require.Error(t, err)
	require.Equal(t, errs.Signature, errs.KindOf(err))
}

func TestAdmitRejectsInsufficientFunds(t *testing.T) {
	store := newTestUTXOStore(t)
	alicePub, aliceAddr, aliceSign := newSigner(t)
	keys := map[string]string{aliceAddr: alicePub}

	require.NoError(t, store.Update(func(txn *badger.Txn) error {
		return store.Insert(txn, types.UTXORecord{TxID: "coinbase1", Vout: 0, Address: aliceAddr, Amount: 5})
	}))

	mp := New(store, nil, func(addr string) (string, bool) { pem, ok := keys[addr]; return pem, ok })

	tx := types.Transaction{
		Inputs:    []types.Input{{PrevTxID: "coinbase1", PrevVout: 0, Signature: aliceSign("coinbase1", 0)}},
		Outputs:   []types.Output{{Address: "KDBOB", Amount: 10}},
		Timestamp: 1,
	}
	_, err := mp.Admit(tx)
	require.Error(t, err)
	require.Equal(t, errs.InsufficientFunds, errs.KindOf(err))
}

func TestSecondSpendOfSameUTXORejected(t *testing.T) {
	store := newTestUTXOStore(t)
	alicePub, aliceAddr, aliceSign := newSigner(t)
	keys := map[string]string{aliceAddr: alicePub}

	require.NoError(t, store.Update(func(txn *badger.Txn) error {
		return store.Insert(txn, types.UTXORecord{TxID: "coinbase1", Vout: 0, Address: aliceAddr, Amount: 50})
	}))

	mp := New(store, nil, func(addr string) (string, bool) { pem, ok := keys[addr]; return pem, ok })

	tx1 := types.Transaction{
		Inputs:    []types.Input{{PrevTxID: "coinbase1", PrevVout: 0, Signature: aliceSign("coinbase1", 0)}},
		Outputs:   []types.Output{{Address: "KDBOB", Amount: 10}},
		Timestamp: 1,
	}
	_, err := mp.Admit(tx1)
	require.NoError(t, err)

	tx2 := types.Transaction{
		Inputs:    []types.Input{{PrevTxID: "coinbase1", PrevVout: 0, Signature: aliceSign("coinbase1", 0)}},
		Outputs:   []types.Output{{Address: "KDCAROL", Amount: 10}},
		Timestamp: 2,
	}
	_, err = mp.Admit(tx2)
	require.Error(t, err)
	require.Equal(t, errs.DoubleSpend, errs.KindOf(err))
}
