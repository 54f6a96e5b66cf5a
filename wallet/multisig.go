package wallet

import (
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base32"
	"encoding/json"
	"sort"

	"github.com/jolovicdev/kaidos/chain/errs"
	"github.com/jolovicdev/kaidos/chain/types"
)

const multisigAddressPrefix = "KDM"

type multisigAddressPayload struct {
	PublicKeys         []string `json:"public_keys"`
	RequiredSignatures int      `json:"required_signatures"`
}

// CreateMultisigAddress derives an m-of-n address from a set of PEM-encoded
// public keys and a threshold. Keys are sorted before hashing so the
// address is independent of the order keys were supplied in.
func CreateMultisigAddress(publicKeysPEM []string, m int) (string, error) {
	if m <= 0 || m > len(publicKeysPEM) {
		return "", errs.New(errs.KeyGeneration, "required signature count out of range")
	}
	sorted := append([]string(nil), publicKeysPEM...)
	sort.Strings(sorted)

	payload, err := json.Marshal(multisigAddressPayload{
		PublicKeys:         sorted,
		RequiredSignatures: m,
	})
	if err != nil {
		return "", errs.Wrap(errs.KeyGeneration, "multisig payload encoding failed", err)
	}
	sum := sha256.Sum256(payload)
	return multisigAddressPrefix + base32.StdEncoding.EncodeToString(sum[:20]), nil
}

// SignMultisigInput produces one signature share for a multisig spend. The
// caller is responsible for collecting m shares from distinct holders and
// assembling them into an Input before submission.
func SignMultisigInput(priv *rsa.PrivateKey, prevTxID string, prevVout, keyIndex int) (types.SignatureShare, error) {
	sig, err := Sign(priv, InputMessage(prevTxID, prevVout))
	if err != nil {
		return types.SignatureShare{}, err
	}
	return types.SignatureShare{Signature: sig, KeyIndex: keyIndex}, nil
}

// VerifyMultisigInput checks that input carries at least required valid,
// distinct-key-index signatures over the referenced (prevTxID, prevVout)
// against the ordered publicKeysPEM list.
func VerifyMultisigInput(input types.Input, publicKeysPEM []string, required int) bool {
	if len(input.Signatures) < required {
		return false
	}
	msg := InputMessage(input.PrevTxID, input.PrevVout)

	valid := 0
	used := map[int]bool{}
	for _, share := range input.Signatures {
		if used[share.KeyIndex] || share.KeyIndex < 0 || share.KeyIndex >= len(publicKeysPEM) {
			continue
		}
		pub, err := DecodePublicKeyPEM(publicKeysPEM[share.KeyIndex])
		if err != nil {
			continue
		}
		if !Verify(pub, msg, share.Signature) {
			continue
		}
		used[share.KeyIndex] = true
		valid++
		if valid >= required {
			return true
		}
	}
	return false
}

// VerifyMultisigAddress confirms address was actually derived from
// publicKeysPEM and m. Store.SaveMultisig uses it to reject mismatched
// multisig metadata before persisting it; Store.Multisig does not re-check
// on load.
func VerifyMultisigAddress(address string, publicKeysPEM []string, m int) bool {
	computed, err := CreateMultisigAddress(publicKeysPEM, m)
	if err != nil {
		return false
	}
	return computed == address
}
