package merkle

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRootEmpty(t *testing.T) {
	require.Equal(t, zeroRoot, Root(nil))
}

func TestRoundTripOddCount(t *testing.T) {
	txids := []string{"tx-a", "tx-b", "tx-c"}
	root := Root(txids)

	for _, id := range txids {
		proof := Proof(id, txids)
		require.NotNil(t, proof)
		require.True(t, Verify(id, root, proof))
	}
}

func TestRoundTripSingle(t *testing.T) {
	txids := []string{"only-tx"}
	root := Root(txids)
	proof := Proof("only-tx", txids)
	require.NotNil(t, proof)
	require.True(t, Verify("only-tx", root, proof))
}

func TestProofAbsentTx(t *testing.T) {
	txids := []string{"tx-a", "tx-b"}
	require.Nil(t, Proof("tx-z", txids))
}

func TestVerifyRejectsWrongRoot(t *testing.T) {
	txids := []string{"tx-a", "tx-b", "tx-c", "tx-d"}
	root := Root(txids)
	proof := Proof("tx-b", txids)
	require.False(t, Verify("tx-b", root+"00", proof))
}
