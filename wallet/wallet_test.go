package wallet

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/jolovicdev/kaidos/chain/types"
)

func TestSignVerifyRoundTrip(t *testing.T) {
	priv, err := GenerateKeyPair()
	require.NoError(t, err)

	msg := InputMessage("some-txid", 0)
	sig, err := Sign(priv, msg)
	require.NoError(t, err)
	require.True(t, Verify(&priv.PublicKey, msg, sig))
}

func TestVerifyRejectsTamperedMessage(t *testing.T) {
	priv, err := GenerateKeyPair()
	require.NoError(t, err)

	sig, err := Sign(priv, InputMessage("txid-a", 0))
	require.NoError(t, err)
	require.False(t, Verify(&priv.PublicKey, InputMessage("txid-b", 0), sig))
}

func TestDeriveAddressDeterministic(t *testing.T) {
	priv, err := GenerateKeyPair()
	require.NoError(t, err)

	a1, err := DeriveAddress(&priv.PublicKey)
	require.NoError(t, err)
	a2, err := DeriveAddress(&priv.PublicKey)
	require.NoError(t, err)

	require.Equal(t, a1, a2)
	require.True(t, len(a1) > len(addressPrefix))
	require.Equal(t, addressPrefix, a1[:len(addressPrefix)])
}

func TestPrivateKeyPEMRoundTripPlain(t *testing.T) {
	priv, err := GenerateKeyPair()
	require.NoError(t, err)

	pemStr, err := EncodePrivateKeyPEM(priv, "")
	require.NoError(t, err)

	decoded, err := DecodePrivateKeyPEM(pemStr, "")
	require.NoError(t, err)
	require.Equal(t, priv.D, decoded.D)
}

func TestPrivateKeyPEMRoundTripEncrypted(t *testing.T) {
	priv, err := GenerateKeyPair()
	require.NoError(t, err)

	pemStr, err := EncodePrivateKeyPEM(priv, "correct horse")
	require.NoError(t, err)

	_, err = DecodePrivateKeyPEM(pemStr, "wrong passphrase")
	require.Error(t, err)

	decoded, err := DecodePrivateKeyPEM(pemStr, "correct horse")
	require.NoError(t, err)
	require.Equal(t, priv.D, decoded.D)
}

func TestMultisigAddressOrderIndependent(t *testing.T) {
	pub1 := "pem-key-a"
	pub2 := "pem-key-b"

	addr1, err := CreateMultisigAddress([]string{pub1, pub2}, 2)
	require.NoError(t, err)
	addr2, err := CreateMultisigAddress([]string{pub2, pub1}, 2)
	require.NoError(t, err)
	require.Equal(t, addr1, addr2)
}

func TestMultisigVerifyRequiresDistinctKeys(t *testing.T) {
	priv1, err := GenerateKeyPair()
	require.NoError(t, err)
	priv2, err := GenerateKeyPair()
	require.NoError(t, err)

	pub1, err := EncodePublicKeyPEM(&priv1.PublicKey)
	require.NoError(t, err)
	pub2, err := EncodePublicKeyPEM(&priv2.PublicKey)
	require.NoError(t, err)
	keys := []string{pub1, pub2}

	share, err := SignMultisigInput(priv1, "txid", 0, 0)
	require.NoError(t, err)

	input := types.Input{
		PrevTxID:   "txid",
		PrevVout:   0,
		Multisig:   true,
		Signatures: []types.SignatureShare{share, share},
	}
	require.False(t, VerifyMultisigInput(input, keys, 2))

	share2, err := SignMultisigInput(priv2, "txid", 0, 1)
	require.NoError(t, err)
	input.Signatures = []types.SignatureShare{share, share2}
	require.True(t, VerifyMultisigInput(input, keys, 2))
}
