// Package network implements the node's HTTP/JSON peer API and the
// gossip/consensus coordinator that drives it, grounded on the reference
// node's Flask routes and on the teacher's network.go for its
// goroutine-per-connection and silent-failure-on-transport-error texture.
package network

import (
	"encoding/json"
	"strings"

	"github.com/dgraph-io/badger/v4"

	"github.com/jolovicdev/kaidos/chain/errs"
	"github.com/jolovicdev/kaidos/chain/types"
)

// PeerStore persists known peer addresses. Addresses are normalized before
// storage so "localhost:3000", "0.0.0.0:3000" and "127.0.0.1:3000" never
// coexist as distinct entries.
type PeerStore struct {
	db *badger.DB
}

func peerKey(address string) []byte { return []byte("peer-" + address) }

// OpenPeerStore opens (creating if absent) a badger-backed peer store
// rooted at dir.
func OpenPeerStore(dir string) (*PeerStore, error) {
	opts := badger.DefaultOptions(dir).WithLoggingLevel(badger.ERROR)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, errs.Wrap(errs.Database, "opening peer store failed", err)
	}
	return &PeerStore{db: db}, nil
}

// OpenPeerStoreWithDB wraps an already-open badger handle.
func OpenPeerStoreWithDB(db *badger.DB) *PeerStore { return &PeerStore{db: db} }

func (s *PeerStore) Close() error { return s.db.Close() }

// NormalizeAddress collapses localhost and 0.0.0.0 to 127.0.0.1 so the same
// node reached two different ways is recorded once.
func NormalizeAddress(address string) string {
	host, port, hasPort := strings.Cut(address, ":")
	if host == "localhost" || host == "0.0.0.0" {
		host = "127.0.0.1"
	}
	if !hasPort {
		return host
	}
	return host + ":" + port
}

// Register records a peer, updating last_seen if it already exists.
// Returns true if this is a newly seen address.
func (s *PeerStore) Register(rec types.PeerRecord) (bool, error) {
	rec.Address = NormalizeAddress(rec.Address)
	isNew := true
	err := s.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(peerKey(rec.Address)); err == nil {
			isNew = false
		}
		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return txn.Set(peerKey(rec.Address), data)
	})
	if err != nil {
		return false, errs.Wrap(errs.Database, "persisting peer failed", err)
	}
	return isNew, nil
}

// List returns every known peer.
func (s *PeerStore) List() ([]types.PeerRecord, error) {
	var peers []types.PeerRecord
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		prefix := []byte("peer-")
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var rec types.PeerRecord
			if err := it.Item().Value(func(v []byte) error { return json.Unmarshal(v, &rec) }); err != nil {
				return err
			}
			peers = append(peers, rec)
		}
		return nil
	})
	if err != nil {
		return nil, errs.Wrap(errs.Database, "listing peers failed", err)
	}
	return peers, nil
}
