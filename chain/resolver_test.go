package chain

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/jolovicdev/kaidos/chain/types"
)

func mineAndAppend(t *testing.T, n *testNode, miner string, now int64) types.Block {
	t.Helper()
	block, err := n.chain.MineNext(miner, now)
	require.NoError(t, err)
	require.NoError(t, n.chain.Append(block, types.ValidationFull))
	return block
}

func TestResolveCandidateLongerChainWins(t *testing.T) {
	n := newTestNode(t)
	miner := n.newAddress()
	mineAndAppend(t, n, miner, 2000)

	// Build a competing chain from genesis that is two blocks longer.
	fork := newTestNode(t)
	forkMiner := fork.newAddress()
	mineAndAppend(t, fork, forkMiner, 2000)
	mineAndAppend(t, fork, forkMiner, 3000)
	mineAndAppend(t, fork, forkMiner, 4000)

	candidate, err := fork.chain.Blocks().All()
	require.NoError(t, err)

	replaced, err := n.chain.ResolveCandidate(candidate)
	require.NoError(t, err)
	require.True(t, replaced)

	latest, err := n.chain.Latest()
	require.NoError(t, err)
	require.Equal(t, 3, latest.Index)

	balance, err := n.chain.UTXOs().Balance(forkMiner)
	require.NoError(t, err)
	require.Equal(t, 150.0, balance)
}

func TestResolveCandidateEqualLengthNoReplace(t *testing.T) {
	n := newTestNode(t)
	miner := n.newAddress()
	mineAndAppend(t, n, miner, 2000)

	local, err := n.chain.Blocks().All()
	require.NoError(t, err)

	replaced, err := n.chain.ResolveCandidate(local)
	require.NoError(t, err)
	require.False(t, replaced)
}

func TestResolveCandidateRejectsInvalidProofOfWork(t *testing.T) {
	n := newTestNode(t)
	miner := n.newAddress()
	mineAndAppend(t, n, miner, 2000)

	fork := newTestNode(t)
	forkMiner := fork.newAddress()
	bad := mineAndAppend(t, fork, forkMiner, 2000)
	mineAndAppend(t, fork, forkMiner, 3000)

	candidate, err := fork.chain.Blocks().All()
	require.NoError(t, err)
	// Corrupt the already-accepted block's hash so it no longer meets
	// even the relaxed external difficulty.
	candidate[1].Hash = bad.PreviousHash

	replaced, err := n.chain.ResolveCandidate(candidate)
	require.Error(t, err)
	require.False(t, replaced)
}
