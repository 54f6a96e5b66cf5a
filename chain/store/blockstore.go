// Package store implements the durable, ordered block sequence: insertion,
// lookup by hash or index, and range scans. It is the direct descendant of
// the reference node's badger-backed block chain, generalized away from its
// hard-coded "./tmp/blocks_%s" path into an explicit directory handed in by
// the caller.
package store

import (
	"encoding/json"
	"fmt"

	"github.com/dgraph-io/badger/v4"

	"github.com/jolovicdev/kaidos/chain/errs"
	"github.com/jolovicdev/kaidos/chain/types"
)

type BlockStore struct {
	db *badger.DB
}

func hashKey(hash string) []byte    { return []byte("block-" + hash) }
func indexKey(index int) []byte     { return []byte(fmt.Sprintf("blockidx-%010d", index)) }

// Open opens (creating if absent) a badger-backed block store rooted at dir.
func Open(dir string) (*BlockStore, error) {
	opts := badger.DefaultOptions(dir).WithLoggingLevel(badger.ERROR)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, errs.Wrap(errs.Database, "opening block store failed", err)
	}
	return &BlockStore{db: db}, nil
}

// OpenWithDB wraps an already-open badger handle, letting the chain
// manager share a single database across its stores.
func OpenWithDB(db *badger.DB) *BlockStore { return &BlockStore{db: db} }

func (s *BlockStore) Close() error { return s.db.Close() }

func (s *BlockStore) DB() *badger.DB { return s.db }

// Put persists block, indexed by both hash and index.
func (s *BlockStore) Put(txn *badger.Txn, block types.Block) error {
	data, err := json.Marshal(block)
	if err != nil {
		return errs.Wrap(errs.Database, "encoding block failed", err)
	}
	if err := txn.Set(hashKey(block.Hash), data); err != nil {
		return errs.Wrap(errs.Database, "storing block by hash failed", err)
	}
	if err := txn.Set(indexKey(block.Index), []byte(block.Hash)); err != nil {
		return errs.Wrap(errs.Database, "storing block index failed", err)
	}
	return nil
}

// DeleteAbove removes every block with index > height, used by the fork
// resolver when truncating a suffix of local history.
func (s *BlockStore) DeleteAbove(txn *badger.Txn, height int) error {
	length, err := s.lengthTxn(txn)
	if err != nil {
		return err
	}
	for i := height + 1; i < length; i++ {
		hashBytes, err := s.hashAtIndexTxn(txn, i)
		if err != nil {
			return err
		}
		if hashBytes == "" {
			continue
		}
		if err := txn.Delete(hashKey(hashBytes)); err != nil {
			return errs.Wrap(errs.Database, "deleting block by hash failed", err)
		}
		if err := txn.Delete(indexKey(i)); err != nil {
			return errs.Wrap(errs.Database, "deleting block index failed", err)
		}
	}
	return nil
}

// GetByHash looks up a block by its hash.
func (s *BlockStore) GetByHash(hash string) (*types.Block, error) {
	var block types.Block
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(hashKey(hash))
		if err != nil {
			return err
		}
		return item.Value(func(v []byte) error { return json.Unmarshal(v, &block) })
	})
	if err == badger.ErrKeyNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, errs.Wrap(errs.Database, "reading block by hash failed", err)
	}
	return &block, nil
}

// GetByIndex looks up a block by its height.
func (s *BlockStore) GetByIndex(index int) (*types.Block, error) {
	var block *types.Block
	err := s.db.View(func(txn *badger.Txn) error {
		hash, err := s.hashAtIndexTxn(txn, index)
		if err != nil {
			return err
		}
		if hash == "" {
			return nil
		}
		item, err := txn.Get(hashKey(hash))
		if err != nil {
			return err
		}
		var b types.Block
		if err := item.Value(func(v []byte) error { return json.Unmarshal(v, &b) }); err != nil {
			return err
		}
		block = &b
		return nil
	})
	if err != nil {
		return nil, errs.Wrap(errs.Database, "reading block by index failed", err)
	}
	return block, nil
}

func (s *BlockStore) hashAtIndexTxn(txn *badger.Txn, index int) (string, error) {
	item, err := txn.Get(indexKey(index))
	if err == badger.ErrKeyNotFound {
		return "", nil
	}
	if err != nil {
		return "", errs.Wrap(errs.Database, "reading block index failed", err)
	}
	var hash string
	err = item.Value(func(v []byte) error {
		hash = string(v)
		return nil
	})
	return hash, err
}

// Latest returns the highest-index block, or nil if the store is empty.
func (s *BlockStore) Latest() (*types.Block, error) {
	length, err := s.Length()
	if err != nil {
		return nil, err
	}
	if length == 0 {
		return nil, nil
	}
	return s.GetByIndex(length - 1)
}

// Length returns the number of blocks currently stored.
func (s *BlockStore) Length() (int, error) {
	var length int
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		length, err = s.lengthTxn(txn)
		return err
	})
	if err != nil {
		return 0, errs.Wrap(errs.Database, "computing chain length failed", err)
	}
	return length, nil
}

func (s *BlockStore) lengthTxn(txn *badger.Txn) (int, error) {
	it := txn.NewIterator(badger.IteratorOptions{Prefix: []byte("blockidx-")})
	defer it.Close()
	count := 0
	prefix := []byte("blockidx-")
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		count++
	}
	return count, nil
}

// Range returns blocks [start, end] inclusive, ordered by index.
func (s *BlockStore) Range(start, end int) ([]types.Block, error) {
	var blocks []types.Block
	for i := start; i <= end; i++ {
		b, err := s.GetByIndex(i)
		if err != nil {
			return nil, err
		}
		if b == nil {
			continue
		}
		blocks = append(blocks, *b)
	}
	return blocks, nil
}

// All returns every block from genesis to the tip, ordered by index.
func (s *BlockStore) All() ([]types.Block, error) {
	length, err := s.Length()
	if err != nil {
		return nil, err
	}
	if length == 0 {
		return nil, nil
	}
	return s.Range(0, length-1)
}

// Update runs fn in a read-write transaction against the underlying
// database, letting the chain manager batch block and UTXO writes
// atomically on a shared handle.
func (s *BlockStore) Update(fn func(txn *badger.Txn) error) error {
	if err := s.db.Update(fn); err != nil {
		return errs.Wrap(errs.Database, "block store update failed", err)
	}
	return nil
}
