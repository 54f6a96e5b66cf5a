package network

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/dgraph-io/badger/v4"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/jolovicdev/kaidos/chain"
	"github.com/jolovicdev/kaidos/chain/mempool"
	"github.com/jolovicdev/kaidos/chain/store"
	"github.com/jolovicdev/kaidos/chain/utxo"
	"github.com/jolovicdev/kaidos/wallet"
)

func newTestServer(t *testing.T) (*Server, string) {
	t.Helper()
	chainDB, err := badger.Open(badger.DefaultOptions("").WithInMemory(true).WithLoggingLevel(badger.ERROR))
	require.NoError(t, err)
	t.Cleanup(func() { chainDB.Close() })

	walletDB, err := badger.Open(badger.DefaultOptions("").WithInMemory(true).WithLoggingLevel(badger.ERROR))
	require.NoError(t, err)
	t.Cleanup(func() { walletDB.Close() })

	peerDB, err := badger.Open(badger.DefaultOptions("").WithInMemory(true).WithLoggingLevel(badger.ERROR))
	require.NoError(t, err)
	t.Cleanup(func() { peerDB.Close() })

	blocks := store.OpenWithDB(chainDB)
	utxos := utxo.OpenWithDB(chainDB)
	wallets := wallet.OpenStoreWithDB(walletDB)
	mp := mempool.New(utxos, nil, func(address string) (string, bool) {
		pem, err := wallets.PublicKeyPEM(address)
		if err != nil {
			return "", false
		}
		return pem, true
	})

	c, err := chain.Open(blocks, utxos, mp, zap.NewNop(), 1000)
	require.NoError(t, err)

	addr, err := wallets.CreateWallet("miner", "", 1000)
	require.NoError(t, err)

	peers := OpenPeerStoreWithDB(peerDB)
	co := NewCoordinator(c, peers, zap.NewNop(), "127.0.0.1:9999")
	return NewServer(c, co, peers, zap.NewNop()), addr
}

func TestHandleLatestBlockReturnsGenesis(t *testing.T) {
	s, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/blocks/latest", nil)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, float64(0), body["index"])
}

func TestHandleMineBlockAppendsAndPaysMiner(t *testing.T) {
	s, minerAddress := newTestServer(t)

	payload, _ := json.Marshal(map[string]string{"miner_address": minerAddress})
	req := httptest.NewRequest(http.MethodPost, "/blocks/mine", bytes.NewReader(payload))
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	utxoReq := httptest.NewRequest(http.MethodGet, "/utxos/"+minerAddress, nil)
	utxoRec := httptest.NewRecorder()
	s.router.ServeHTTP(utxoRec, utxoReq)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(utxoRec.Body.Bytes(), &body))
	require.Equal(t, 50.0, body["balance"])
}

func TestHandleBlocksMineRejectsMissingMinerAddress(t *testing.T) {
	s, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/blocks/mine", bytes.NewReader([]byte(`{}`)))
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}
