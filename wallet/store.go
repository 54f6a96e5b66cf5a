package wallet

import (
	"crypto/rsa"
	"encoding/json"

	"github.com/dgraph-io/badger/v4"

	"github.com/jolovicdev/kaidos/chain/errs"
	"github.com/jolovicdev/kaidos/chain/types"
)

// Store is the durable keypair/address/multisig store. Callers open it
// against an explicit directory handed to them by the CLI or daemon — there
// is no fallback search over a list of conventional filenames, per the
// node's store-handle-injection policy.
type Store struct {
	db *badger.DB
}

type walletMeta struct {
	WalletID  string `json:"wallet_id"`
	Name      string `json:"name"`
	CreatedAt int64  `json:"created_at"`
	Encrypted bool   `json:"encrypted"`
}

type addressRecord struct {
	WalletID      string `json:"wallet_id"`
	Address       string `json:"address"`
	PublicKeyPEM  string `json:"public_key"`
	PrivateKeyPEM string `json:"private_key_pem"`
	CreatedAt     int64  `json:"created_at"`
}

func walletKey(id string) []byte      { return []byte("wallet-" + id) }
func addrKey(address string) []byte   { return []byte("addr-" + address) }
func multisigKey(addr string) []byte  { return []byte("multisig-" + addr) }

// OpenStore opens (creating if absent) a badger-backed wallet store rooted
// at dir.
func OpenStore(dir string) (*Store, error) {
	opts := badger.DefaultOptions(dir).WithLoggingLevel(badger.ERROR)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, errs.Wrap(errs.Database, "opening wallet store failed", err)
	}
	return &Store{db: db}, nil
}

// OpenStoreWithDB wraps an already-open badger handle, mirroring the other
// stores' shared-handle constructor (used by tests and by any daemon mode
// that colocates the wallet database with chain state).
func OpenStoreWithDB(db *badger.DB) *Store { return &Store{db: db} }

func (s *Store) Close() error { return s.db.Close() }

// CreateWallet generates a fresh RSA keypair, derives its address, and
// persists both the wallet and address records. The new wallet starts with
// exactly one address, whose value doubles as the wallet_id; AddAddress
// binds further addresses to it.
func (s *Store) CreateWallet(name, passphrase string, now int64) (address string, err error) {
	priv, err := GenerateKeyPair()
	if err != nil {
		return "", err
	}
	address, err = DeriveAddress(&priv.PublicKey)
	if err != nil {
		return "", err
	}
	privPEM, err := EncodePrivateKeyPEM(priv, passphrase)
	if err != nil {
		return "", err
	}
	pubPEM, err := EncodePublicKeyPEM(&priv.PublicKey)
	if err != nil {
		return "", err
	}

	meta := walletMeta{WalletID: address, Name: name, CreatedAt: now, Encrypted: passphrase != ""}
	rec := addressRecord{
		WalletID:      address,
		Address:       address,
		PublicKeyPEM:  pubPEM,
		PrivateKeyPEM: privPEM,
		CreatedAt:     now,
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		if err := putJSON(txn, walletKey(address), meta); err != nil {
			return err
		}
		return putJSON(txn, addrKey(address), rec)
	})
	if err != nil {
		return "", errs.Wrap(errs.Database, "persisting wallet failed", err)
	}
	return address, nil
}

// WalletInfo is the summary ListWallets returns: enough to identify a
// wallet and how it was created, without its key material.
type WalletInfo struct {
	WalletID  string `json:"wallet_id"`
	Name      string `json:"name"`
	CreatedAt int64  `json:"created_at"`
	Encrypted bool   `json:"encrypted"`
}

// ListWallets returns every wallet record held by this store, one per
// wallet_id (distinct from ListAddresses, which flattens every address
// across every wallet).
func (s *Store) ListWallets() ([]WalletInfo, error) {
	var out []WalletInfo
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		prefix := []byte("wallet-")
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var meta walletMeta
			if err := it.Item().Value(func(v []byte) error {
				return json.Unmarshal(v, &meta)
			}); err != nil {
				return err
			}
			out = append(out, WalletInfo{WalletID: meta.WalletID, Name: meta.Name, CreatedAt: meta.CreatedAt, Encrypted: meta.Encrypted})
		}
		return nil
	})
	if err != nil {
		return nil, errs.Wrap(errs.Database, "listing wallets failed", err)
	}
	return out, nil
}

// AddAddress generates a fresh keypair and binds its address to an
// existing walletID, rather than minting a whole new wallet — the
// one-address-per-wallet default of CreateWallet still holds for a
// wallet's first address, but a wallet may accumulate further addresses
// this way.
func (s *Store) AddAddress(walletID, passphrase string, now int64) (address string, err error) {
	if _, err := s.walletMetaRecord(walletID); err != nil {
		return "", err
	}

	priv, err := GenerateKeyPair()
	if err != nil {
		return "", err
	}
	address, err = DeriveAddress(&priv.PublicKey)
	if err != nil {
		return "", err
	}
	privPEM, err := EncodePrivateKeyPEM(priv, passphrase)
	if err != nil {
		return "", err
	}
	pubPEM, err := EncodePublicKeyPEM(&priv.PublicKey)
	if err != nil {
		return "", err
	}

	rec := addressRecord{
		WalletID:      walletID,
		Address:       address,
		PublicKeyPEM:  pubPEM,
		PrivateKeyPEM: privPEM,
		CreatedAt:     now,
	}
	if err := s.db.Update(func(txn *badger.Txn) error { return putJSON(txn, addrKey(address), rec) }); err != nil {
		return "", errs.Wrap(errs.Database, "persisting address failed", err)
	}
	return address, nil
}

// AddressesForWallet returns every address bound to walletID, as opposed
// to ListAddresses, which returns every address across every wallet.
func (s *Store) AddressesForWallet(walletID string) ([]string, error) {
	var out []string
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		prefix := []byte("addr-")
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var rec addressRecord
			if err := it.Item().Value(func(v []byte) error {
				return json.Unmarshal(v, &rec)
			}); err != nil {
				return err
			}
			if rec.WalletID == walletID {
				out = append(out, rec.Address)
			}
		}
		return nil
	})
	if err != nil {
		return nil, errs.Wrap(errs.Database, "listing wallet addresses failed", err)
	}
	return out, nil
}

func (s *Store) walletMetaRecord(walletID string) (*walletMeta, error) {
	var meta walletMeta
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(walletKey(walletID))
		if err != nil {
			return err
		}
		return item.Value(func(v []byte) error {
			return json.Unmarshal(v, &meta)
		})
	})
	if err == badger.ErrKeyNotFound {
		return nil, errs.New(errs.KeyGeneration, "unknown wallet: "+walletID)
	}
	if err != nil {
		return nil, errs.Wrap(errs.Database, "loading wallet failed", err)
	}
	return &meta, nil
}

// ListAddresses returns every address held by this store.
func (s *Store) ListAddresses() ([]string, error) {
	var addresses []string
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		prefix := []byte("addr-")
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var rec addressRecord
			if err := it.Item().Value(func(v []byte) error {
				return json.Unmarshal(v, &rec)
			}); err != nil {
				return err
			}
			addresses = append(addresses, rec.Address)
		}
		return nil
	})
	if err != nil {
		return nil, errs.Wrap(errs.Database, "listing addresses failed", err)
	}
	return addresses, nil
}

// PrivateKey loads and decrypts the private key for address.
func (s *Store) PrivateKey(address, passphrase string) (*rsa.PrivateKey, error) {
	rec, err := s.addressRecord(address)
	if err != nil {
		return nil, err
	}
	return DecodePrivateKeyPEM(rec.PrivateKeyPEM, passphrase)
}

// PublicKey loads the public key for address.
func (s *Store) PublicKey(address string) (*rsa.PublicKey, error) {
	rec, err := s.addressRecord(address)
	if err != nil {
		return nil, err
	}
	return DecodePublicKeyPEM(rec.PublicKeyPEM)
}

// PublicKeyPEM returns the raw PEM text, e.g. for sharing with multisig
// co-signers.
func (s *Store) PublicKeyPEM(address string) (string, error) {
	rec, err := s.addressRecord(address)
	if err != nil {
		return "", err
	}
	return rec.PublicKeyPEM, nil
}

func (s *Store) addressRecord(address string) (*addressRecord, error) {
	var rec addressRecord
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(addrKey(address))
		if err != nil {
			return err
		}
		return item.Value(func(v []byte) error {
			return json.Unmarshal(v, &rec)
		})
	})
	if err == badger.ErrKeyNotFound {
		return nil, errs.New(errs.KeyGeneration, "unknown address: "+address)
	}
	if err != nil {
		return nil, errs.Wrap(errs.Database, "loading address failed", err)
	}
	return &rec, nil
}

// SaveMultisig persists the m-of-n policy bound to a multisig address.
func (s *Store) SaveMultisig(rec types.MultisigRecord) error {
	if !VerifyMultisigAddress(rec.Address, rec.PublicKeys, rec.RequiredSignatures) {
		return errs.New(errs.KeyGeneration, "multisig address does not match public keys and threshold")
	}
	err := s.db.Update(func(txn *badger.Txn) error {
		return putJSON(txn, multisigKey(rec.Address), rec)
	})
	if err != nil {
		return errs.Wrap(errs.Database, "persisting multisig record failed", err)
	}
	return nil
}

// Multisig loads a previously saved multisig policy.
func (s *Store) Multisig(address string) (*types.MultisigRecord, error) {
	var rec types.MultisigRecord
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(multisigKey(address))
		if err != nil {
			return err
		}
		return item.Value(func(v []byte) error {
			return json.Unmarshal(v, &rec)
		})
	})
	if err == badger.ErrKeyNotFound {
		return nil, errs.New(errs.KeyGeneration, "unknown multisig address: "+address)
	}
	if err != nil {
		return nil, errs.Wrap(errs.Database, "loading multisig record failed", err)
	}
	return &rec, nil
}

func putJSON(txn *badger.Txn, key []byte, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return txn.Set(key, data)
}
