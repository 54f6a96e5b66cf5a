package network

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"strconv"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/vrecan/death/v3"
	"go.uber.org/zap"

	"github.com/jolovicdev/kaidos/chain"
	"github.com/jolovicdev/kaidos/chain/errs"
	"github.com/jolovicdev/kaidos/chain/types"
)

// Server is the node's HTTP/JSON peer API. Every handler does pure request
// decode -> call into chain.Chain/chain/mempool -> response encode; no
// chain logic is inlined here, mirroring the teacher's handler-per-command
// organization in network.go.
type Server struct {
	chain       *chain.Chain
	coordinator *Coordinator
	peers       *PeerStore
	logger      *zap.Logger
	router      *mux.Router
}

func NewServer(c *chain.Chain, co *Coordinator, peers *PeerStore, logger *zap.Logger) *Server {
	s := &Server{chain: c, coordinator: co, peers: peers, logger: logger, router: mux.NewRouter()}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.router.HandleFunc("/blocks", s.handleBlocks).Methods(http.MethodGet, http.MethodPost)
	s.router.HandleFunc("/blocks/latest", s.handleLatestBlock).Methods(http.MethodGet)
	s.router.HandleFunc("/blocks/mine", s.handleMineBlock).Methods(http.MethodPost)
	s.router.HandleFunc("/blocks/{hash}", s.handleBlockByHash).Methods(http.MethodGet)
	s.router.HandleFunc("/transactions", s.handleTransactions).Methods(http.MethodGet, http.MethodPost)
	s.router.HandleFunc("/transactions/{txid}", s.handleTransactionByID).Methods(http.MethodGet)
	s.router.HandleFunc("/utxos/{address}", s.handleUTXOs).Methods(http.MethodGet)
	s.router.HandleFunc("/peers", s.handlePeers).Methods(http.MethodGet, http.MethodPost)
	s.router.HandleFunc("/consensus", s.handleConsensus).Methods(http.MethodGet)
	s.router.HandleFunc("/debug/transaction", s.handleDebugTransaction).Methods(http.MethodPost)
}

func (s *Server) handleBlocks(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodGet {
		length, err := s.chain.Length()
		if err != nil {
			writeError(w, err)
			return
		}
		start := queryInt(r, "start", 0)
		end := queryInt(r, "end", length-1)
		blocks, err := s.chain.Blocks().Range(start, end)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"blocks": blocks, "length": len(blocks)})
		return
	}

	var block types.Block
	if err := json.NewDecoder(r.Body).Decode(&block); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid block payload"})
		return
	}
	if err := s.chain.Append(block, types.ValidationFull); err != nil {
		writeError(w, err)
		return
	}
	s.coordinator.BroadcastBlock(block)
	writeJSON(w, http.StatusOK, map[string]string{"message": "block added successfully"})
}

func (s *Server) handleLatestBlock(w http.ResponseWriter, r *http.Request) {
	block, err := s.chain.Latest()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, block)
}

func (s *Server) handleBlockByHash(w http.ResponseWriter, r *http.Request) {
	hash := mux.Vars(r)["hash"]
	block, err := s.chain.Blocks().GetByHash(hash)
	if err != nil {
		writeError(w, err)
		return
	}
	if block == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "block not found"})
		return
	}
	writeJSON(w, http.StatusOK, block)
}

func (s *Server) handleMineBlock(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		MinerAddress string `json:"miner_address"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil || payload.MinerAddress == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "miner_address is required"})
		return
	}

	block, err := s.chain.MineNext(payload.MinerAddress, time.Now().Unix())
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.chain.Append(block, types.ValidationFull); err != nil {
		writeError(w, err)
		return
	}
	s.coordinator.BroadcastBlock(block)

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"message": "block mined successfully",
		"block":   block,
		"reward":  block.Transactions[0].Outputs[0].Amount,
	})
}

func (s *Server) handleTransactions(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodGet {
		pending := s.chain.Mempool().Pending()
		writeJSON(w, http.StatusOK, map[string]interface{}{"transactions": pending, "count": len(pending)})
		return
	}

	var tx types.Transaction
	if err := json.NewDecoder(r.Body).Decode(&tx); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid transaction payload"})
		return
	}
	if tx.Timestamp == 0 {
		tx.Timestamp = time.Now().Unix()
	}
	admitted, err := s.chain.AdmitTransaction(tx)
	if err != nil {
		writeError(w, err)
		return
	}
	s.coordinator.BroadcastTransaction(admitted)
	writeJSON(w, http.StatusOK, map[string]string{
		"message":        "transaction added successfully",
		"transaction_id": admitted.TxID,
	})
}

func (s *Server) handleTransactionByID(w http.ResponseWriter, r *http.Request) {
	txid := mux.Vars(r)["txid"]
	tx, ok := s.chain.Mempool().Get(txid)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "transaction not found"})
		return
	}
	writeJSON(w, http.StatusOK, tx)
}

func (s *Server) handleUTXOs(w http.ResponseWriter, r *http.Request) {
	address := mux.Vars(r)["address"]
	utxos, err := s.chain.UTXOs().ListByAddress(address)
	if err != nil {
		writeError(w, err)
		return
	}
	balance, err := s.chain.UTXOs().Balance(address)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"utxos": utxos, "count": len(utxos), "balance": balance})
}

func (s *Server) handlePeers(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodGet {
		peers, err := s.peers.List()
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"peers": peers, "count": len(peers)})
		return
	}

	var payload struct {
		Address string `json:"address"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil || payload.Address == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "missing peer address"})
		return
	}
	isNew, err := s.peers.Register(types.PeerRecord{Address: payload.Address, LastSeen: time.Now().Unix()})
	if err != nil {
		writeError(w, err)
		return
	}
	if !isNew {
		writeJSON(w, http.StatusOK, map[string]string{"message": "peer already exists"})
		return
	}
	go s.coordinator.ConnectToPeer(payload.Address)
	writeJSON(w, http.StatusOK, map[string]string{"message": "peer added successfully"})
}

func (s *Server) handleConsensus(w http.ResponseWriter, r *http.Request) {
	replaced, length, err := s.coordinator.RunConsensusSweep()
	if err != nil {
		writeError(w, err)
		return
	}
	if replaced {
		writeJSON(w, http.StatusOK, map[string]interface{}{"message": "chain was replaced", "new_length": length})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"message": "chain is authoritative", "length": length})
}

func (s *Server) handleDebugTransaction(w http.ResponseWriter, r *http.Request) {
	var tx types.Transaction
	if err := json.NewDecoder(r.Body).Decode(&tx); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid transaction payload"})
		return
	}
	report := s.chain.Mempool().Debug(tx)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"message":           "transaction debug information",
		"validation_result": report,
	})
}

// Run starts the HTTP server on addr and blocks until a SIGINT/SIGTERM
// triggers a graceful shutdown, mirroring the teacher's
// death.NewDeath-based CloseDB pattern.
func (s *Server) Run(addr string) error {
	httpServer := &http.Server{Addr: addr, Handler: s.router}

	go func() {
		s.logger.Info("peer api listening", zap.String("addr", addr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("peer api server stopped unexpectedly", zap.Error(err))
		}
	}()

	d := death.NewDeath(syscall.SIGINT, syscall.SIGTERM, os.Interrupt)
	d.WaitForDeathWithFunc(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(ctx); err != nil {
			s.logger.Warn("peer api shutdown did not complete cleanly", zap.Error(err))
		}
	})
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch errs.KindOf(err) {
	case errs.InvalidBlock, errs.ChainInvalid, errs.InvalidTransaction, errs.DoubleSpend, errs.InsufficientFunds, errs.Signature:
		status = http.StatusBadRequest
	case errs.Database, errs.Consensus:
		status = http.StatusInternalServerError
	case errs.NodeConnection:
		status = http.StatusBadGateway
	}
	writeJSON(w, status, map[string]string{"error": err.Error(), "kind": string(errs.KindOf(err))})
}

func queryInt(r *http.Request, key string, def int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return v
}
