package utxo

import (
	"testing"

	"github.com/dgraph-io/badger/v4"
	"github.com/stretchr/testify/require"

	"github.com/jolovicdev/kaidos/chain/types"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	opts := badger.DefaultOptions(t.TempDir()).WithLoggingLevel(badger.ERROR)
	db, err := badger.Open(opts)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return OpenWithDB(db)
}

func TestInsertGetRemove(t *testing.T) {
	s := openTestStore(t)
	rec := types.UTXORecord{TxID: "tx1", Vout: 0, Address: "KDALICE", Amount: 10}

	require.NoError(t, s.Update(func(txn *badger.Txn) error {
		return s.Insert(txn, rec)
	}))

	var got *types.UTXORecord
	require.NoError(t, s.DB().View(func(txn *badger.Txn) error {
		var err error
		got, err = s.Get(txn, "tx1", 0)
		return err
	}))
	require.NotNil(t, got)
	require.Equal(t, rec, *got)

	require.NoError(t, s.Update(func(txn *badger.Txn) error {
		return s.Remove(txn, "tx1", 0)
	}))

	require.NoError(t, s.DB().View(func(txn *badger.Txn) error {
		var err error
		got, err = s.Get(txn, "tx1", 0)
		return err
	}))
	require.Nil(t, got)
}

func TestRemoveIdempotent(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.Update(func(txn *badger.Txn) error {
		return s.Remove(txn, "missing", 3)
	}))
	require.NoError(t, s.Update(func(txn *badger.Txn) error {
		return s.Remove(txn, "missing", 3)
	}))
}

func TestListByAddressAndBalance(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.Update(func(txn *badger.Txn) error {
		if err := s.Insert(txn, types.UTXORecord{TxID: "tx1", Vout: 0, Address: "KDALICE", Amount: 10}); err != nil {
			return err
		}
		if err := s.Insert(txn, types.UTXORecord{TxID: "tx2", Vout: 0, Address: "KDALICE", Amount: 5}); err != nil {
			return err
		}
		return s.Insert(txn, types.UTXORecord{TxID: "tx3", Vout: 0, Address: "KDBOB", Amount: 1})
	}))

	records, err := s.ListByAddress("KDALICE")
	require.NoError(t, err)
	require.Len(t, records, 2)

	balance, err := s.Balance("KDALICE")
	require.NoError(t, err)
	require.Equal(t, 15.0, balance)
}

func TestClearAll(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.Update(func(txn *badger.Txn) error {
		return s.Insert(txn, types.UTXORecord{TxID: "tx1", Vout: 0, Address: "KDALICE", Amount: 10})
	}))
	require.NoError(t, s.Update(func(txn *badger.Txn) error {
		return s.ClearAll(txn)
	}))
	records, err := s.ListByAddress("KDALICE")
	require.NoError(t, err)
	require.Empty(t, records)
}
