// Package utxo implements the durable unspent-output set. Unlike the
// reference implementation's soft "spent_in_mempool" flag on the stored
// record, this store keeps UTXO identity stable — records are only ever
// inserted or removed, never value-rewritten to flip a flag. The mempool
// package tracks spent-in-mempool reservations itself, in memory.
package utxo

import (
	"encoding/json"
	"fmt"

	"github.com/dgraph-io/badger/v4"

	"github.com/jolovicdev/kaidos/chain/errs"
	"github.com/jolovicdev/kaidos/chain/types"
)

type Store struct {
	db *badger.DB
}

func key(txid string, vout int) []byte {
	return []byte(fmt.Sprintf("utxo-%s:%d", txid, vout))
}

// Open opens (creating if absent) a badger-backed UTXO store rooted at dir.
func Open(dir string) (*Store, error) {
	opts := badger.DefaultOptions(dir).WithLoggingLevel(badger.ERROR)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, errs.Wrap(errs.Database, "opening utxo store failed", err)
	}
	return &Store{db: db}, nil
}

// OpenWithDB wraps an already-open badger handle, letting the chain
// manager share a single database across its stores.
func OpenWithDB(db *badger.DB) *Store { return &Store{db: db} }

func (s *Store) Close() error { return s.db.Close() }

// Insert adds a UTXO record. (txid, vout) is the unique key; inserting an
// existing key overwrites it, matching the reference "upsert" semantics.
func (s *Store) Insert(txn *badger.Txn, rec types.UTXORecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return errs.Wrap(errs.Database, "encoding utxo record failed", err)
	}
	if err := txn.Set(key(rec.TxID, rec.Vout), data); err != nil {
		return errs.Wrap(errs.Database, "inserting utxo record failed", err)
	}
	return nil
}

// Get returns the record at (txid, vout), or nil if absent.
func (s *Store) Get(txn *badger.Txn, txid string, vout int) (*types.UTXORecord, error) {
	item, err := txn.Get(key(txid, vout))
	if err == badger.ErrKeyNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, errs.Wrap(errs.Database, "reading utxo record failed", err)
	}
	var rec types.UTXORecord
	if err := item.Value(func(v []byte) error { return json.Unmarshal(v, &rec) }); err != nil {
		return nil, errs.Wrap(errs.Database, "decoding utxo record failed", err)
	}
	return &rec, nil
}

// Remove deletes the record at (txid, vout). It is idempotent: removing an
// absent record is not an error.
func (s *Store) Remove(txn *badger.Txn, txid string, vout int) error {
	if err := txn.Delete(key(txid, vout)); err != nil && err != badger.ErrKeyNotFound {
		return errs.Wrap(errs.Database, "removing utxo record failed", err)
	}
	return nil
}

// ListByAddress returns every UTXO currently credited to address. Ordering
// is the store's natural key order, which is stable within a snapshot but
// otherwise unspecified.
func (s *Store) ListByAddress(address string) ([]types.UTXORecord, error) {
	var out []types.UTXORecord
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		prefix := []byte("utxo-")
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var rec types.UTXORecord
			if err := it.Item().Value(func(v []byte) error { return json.Unmarshal(v, &rec) }); err != nil {
				return err
			}
			if rec.Address == address {
				out = append(out, rec)
			}
		}
		return nil
	})
	if err != nil {
		return nil, errs.Wrap(errs.Database, "listing utxos by address failed", err)
	}
	return out, nil
}

// Balance sums every UTXO credited to address.
func (s *Store) Balance(address string) (float64, error) {
	records, err := s.ListByAddress(address)
	if err != nil {
		return 0, err
	}
	var total float64
	for _, r := range records {
		total += r.Amount
	}
	return total, nil
}

// ClearAll deletes every UTXO record. Used when rebuilding the set from
// scratch during a deep reorganization.
func (s *Store) ClearAll(txn *badger.Txn) error {
	it := txn.NewIterator(badger.DefaultIteratorOptions)
	defer it.Close()
	prefix := []byte("utxo-")
	var keys [][]byte
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		keys = append(keys, append([]byte(nil), it.Item().Key()...))
	}
	for _, k := range keys {
		if err := txn.Delete(k); err != nil {
			return errs.Wrap(errs.Database, "clearing utxo set failed", err)
		}
	}
	return nil
}

// Update applies a function within a read-write transaction against the
// underlying database, letting callers (the chain manager) batch UTXO
// mutations atomically alongside block-store writes on the same handle.
func (s *Store) Update(fn func(txn *badger.Txn) error) error {
	if err := s.db.Update(fn); err != nil {
		return errs.Wrap(errs.Database, "utxo store update failed", err)
	}
	return nil
}

func (s *Store) DB() *badger.DB { return s.db }
