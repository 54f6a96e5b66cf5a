package network

import (
	"bytes"
	"encoding/json"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/jolovicdev/kaidos/chain"
	"github.com/jolovicdev/kaidos/chain/types"
)

// Coordinator drives peer registration, gossip of newly accepted blocks and
// transactions, and consensus sweeps. Every method completes its network
// I/O before touching chain.Chain, and failures are logged and swallowed
// rather than propagated — a single unreachable peer must never stall the
// node, mirroring the reference node's blanket RequestException handling.
type Coordinator struct {
	chain       *chain.Chain
	peers       *PeerStore
	logger      *zap.Logger
	client      *http.Client
	selfAddress string
}

func NewCoordinator(c *chain.Chain, peers *PeerStore, logger *zap.Logger, selfAddress string) *Coordinator {
	return &Coordinator{
		chain:       c,
		peers:       peers,
		logger:      logger,
		client:      &http.Client{Timeout: 5 * time.Second},
		selfAddress: NormalizeAddress(selfAddress),
	}
}

// ConnectToPeer registers address as a peer, registers ourselves with it,
// syncs if it is ahead, and discovers further peers it knows about.
func (co *Coordinator) ConnectToPeer(address string) bool {
	normalized := NormalizeAddress(address)
	if normalized == co.selfAddress {
		return false
	}

	body, _ := json.Marshal(map[string]string{"address": co.selfAddress})
	resp, err := co.client.Post("http://"+normalized+"/peers", "application/json", bytes.NewReader(body))
	if err != nil {
		co.logger.Warn("peer registration failed", zap.String("peer", normalized), zap.Error(err))
		return false
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return false
	}

	if _, err := co.peers.Register(types.PeerRecord{Address: normalized, LastSeen: time.Now().Unix()}); err != nil {
		co.logger.Warn("recording peer failed", zap.String("peer", normalized), zap.Error(err))
	}

	co.syncWithPeer(normalized)
	co.discoverPeersFrom(normalized)
	return true
}

func (co *Coordinator) syncWithPeer(address string) {
	resp, err := co.client.Get("http://" + address + "/blocks/latest")
	if err != nil {
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return
	}
	var peerLatest types.Block
	if err := json.NewDecoder(resp.Body).Decode(&peerLatest); err != nil {
		return
	}

	local, err := co.chain.Latest()
	if err != nil {
		return
	}
	if peerLatest.Index > local.Index {
		co.runConsensusWithPeer(address)
	}
}

func (co *Coordinator) runConsensusWithPeer(address string) {
	candidate, ok := co.fetchChain(address)
	if !ok {
		return
	}
	replaced, err := co.chain.ResolveCandidate(candidate)
	if err != nil {
		co.logger.Info("candidate chain from peer rejected", zap.String("peer", address), zap.Error(err))
		return
	}
	if replaced {
		co.logger.Info("replaced local chain from peer", zap.String("peer", address), zap.Int("new_length", len(candidate)))
	}
}

func (co *Coordinator) discoverPeersFrom(address string) {
	resp, err := co.client.Get("http://" + address + "/peers")
	if err != nil {
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return
	}
	var payload struct {
		Peers []types.PeerRecord `json:"peers"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return
	}
	for _, p := range payload.Peers {
		normalized := NormalizeAddress(p.Address)
		if normalized == co.selfAddress {
			continue
		}
		if _, err := co.peers.Register(types.PeerRecord{Address: normalized, Source: address}); err != nil {
			co.logger.Warn("recording discovered peer failed", zap.String("peer", normalized), zap.Error(err))
		}
	}
}

// BroadcastBlock sends block to every known peer, best-effort.
func (co *Coordinator) BroadcastBlock(block types.Block) {
	data, err := json.Marshal(block)
	if err != nil {
		return
	}
	co.broadcast("blocks", data)
}

// BroadcastTransaction sends tx to every known peer, best-effort.
func (co *Coordinator) BroadcastTransaction(tx types.Transaction) {
	data, err := json.Marshal(tx)
	if err != nil {
		return
	}
	co.broadcast("transactions", data)
}

func (co *Coordinator) broadcast(path string, data []byte) {
	peers, err := co.peers.List()
	if err != nil {
		co.logger.Warn("listing peers for broadcast failed", zap.Error(err))
		return
	}
	for _, p := range peers {
		resp, err := co.client.Post("http://"+p.Address+"/"+path, "application/json", bytes.NewReader(data))
		if err != nil {
			co.logger.Debug("broadcast to peer failed", zap.String("peer", p.Address), zap.String("path", path), zap.Error(err))
			continue
		}
		resp.Body.Close()
	}
}

// RunConsensusSweep fetches every known peer's chain and offers each one,
// in peer-list order, to ResolveCandidate against the local chain. It
// returns whether any replacement occurred and the resulting local length.
func (co *Coordinator) RunConsensusSweep() (bool, int, error) {
	peers, err := co.peers.List()
	if err != nil {
		return false, 0, err
	}

	replacedAny := false
	for _, p := range peers {
		candidate, ok := co.fetchChain(p.Address)
		if !ok {
			continue
		}
		replaced, err := co.chain.ResolveCandidate(candidate)
		if err != nil {
			co.logger.Info("candidate chain from peer rejected", zap.String("peer", p.Address), zap.Error(err))
			continue
		}
		if replaced {
			replacedAny = true
		}
	}

	length, err := co.chain.Length()
	if err != nil {
		return replacedAny, 0, err
	}
	return replacedAny, length, nil
}

func (co *Coordinator) fetchChain(address string) ([]types.Block, bool) {
	resp, err := co.client.Get("http://" + address + "/blocks")
	if err != nil {
		return nil, false
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, false
	}
	var payload struct {
		Blocks []types.Block `json:"blocks"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, false
	}
	return payload.Blocks, true
}
