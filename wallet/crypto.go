// Package wallet implements the node's cryptographic primitives and the
// keypair/address management built on top of them: RSA-2048 signing,
// address derivation, PEM key storage (optionally passphrase-encrypted),
// and multi-signature wallets.
package wallet

import (
	"crypto"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base32"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"io"

	"golang.org/x/crypto/pbkdf2"

	"github.com/jolovicdev/kaidos/chain/errs"
)

const (
	keyBits        = 2048
	addressPrefix  = "KD"
	encryptedLabel = "KAIDOS ENCRYPTED PRIVATE KEY"
	plainLabel     = "PRIVATE KEY"
	publicLabel    = "PUBLIC KEY"
	pbkdf2Iter     = 100000
	saltLen        = 16
)

// GenerateKeyPair creates a fresh RSA-2048 keypair.
func GenerateKeyPair() (*rsa.PrivateKey, error) {
	priv, err := rsa.GenerateKey(rand.Reader, keyBits)
	if err != nil {
		return nil, errs.Wrap(errs.KeyGeneration, "rsa key generation failed", err)
	}
	return priv, nil
}

// Sign produces a base64-less hex signature (PSS, MGF1-SHA256, SHA256) over
// msg. The digest and padding choice mirror the PKCS#1/PSS scheme of the
// reference wallet implementation this address scheme was ported from.
func Sign(priv *rsa.PrivateKey, msg []byte) (string, error) {
	digest := sha256.Sum256(msg)
	sig, err := rsa.SignPSS(rand.Reader, priv, crypto.SHA256, digest[:], &rsa.PSSOptions{
		SaltLength: rsa.PSSSaltLengthAuto,
		Hash:       crypto.SHA256,
	})
	if err != nil {
		return "", errs.Wrap(errs.Signature, "signing failed", err)
	}
	return hex.EncodeToString(sig), nil
}

// Verify checks a hex-encoded PSS signature produced by Sign.
func Verify(pub *rsa.PublicKey, msg []byte, sigHex string) bool {
	sig, err := hex.DecodeString(sigHex)
	if err != nil {
		return false
	}
	digest := sha256.Sum256(msg)
	err = rsa.VerifyPSS(pub, crypto.SHA256, digest[:], sig, &rsa.PSSOptions{
		SaltLength: rsa.PSSSaltLengthAuto,
		Hash:       crypto.SHA256,
	})
	return err == nil
}

// InputMessage builds the literal signed-message format for a transaction
// input: "<prev_txid>:<prev_vout>". This binds a signature to the output
// being spent but, by design, not to the spending transaction's outputs —
// a documented weakness inherited from the reference scheme.
func InputMessage(prevTxID string, prevVout int) []byte {
	return []byte(fmt.Sprintf("%s:%d", prevTxID, prevVout))
}

// DeriveAddress computes "KD" + base32(sha256(DER(pubkey))[:20]).
func DeriveAddress(pub *rsa.PublicKey) (string, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", errs.Wrap(errs.KeyGeneration, "public key encoding failed", err)
	}
	sum := sha256.Sum256(der)
	return addressPrefix + base32.StdEncoding.EncodeToString(sum[:20]), nil
}

// EncodePrivateKeyPEM serializes priv as PKCS8 PEM. If passphrase is
// non-empty, the DER bytes are AES-256-GCM encrypted under a PBKDF2-derived
// key and wrapped in a distinctly labeled PEM block instead of the DER
// being stored directly.
func EncodePrivateKeyPEM(priv *rsa.PrivateKey, passphrase string) (string, error) {
	der, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return "", errs.Wrap(errs.KeyGeneration, "private key encoding failed", err)
	}
	if passphrase == "" {
		block := &pem.Block{Type: plainLabel, Bytes: der}
		return string(pem.EncodeToMemory(block)), nil
	}

	salt := make([]byte, saltLen)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", errs.Wrap(errs.KeyGeneration, "salt generation failed", err)
	}
	gcm, err := newGCM(passphrase, salt)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", errs.Wrap(errs.KeyGeneration, "nonce generation failed", err)
	}
	ciphertext := gcm.Seal(nil, nonce, der, nil)

	block := &pem.Block{
		Type: encryptedLabel,
		Headers: map[string]string{
			"Salt":  hex.EncodeToString(salt),
			"Nonce": hex.EncodeToString(nonce),
		},
		Bytes: ciphertext,
	}
	return string(pem.EncodeToMemory(block)), nil
}

// DecodePrivateKeyPEM reverses EncodePrivateKeyPEM. Wrong or missing
// passphrase yields a distinct SIGNATURE-kind error, never a generic one.
func DecodePrivateKeyPEM(pemStr, passphrase string) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode([]byte(pemStr))
	if block == nil {
		return nil, errs.New(errs.KeyGeneration, "invalid PEM block")
	}

	var der []byte
	switch block.Type {
	case plainLabel:
		der = block.Bytes
	case encryptedLabel:
		if passphrase == "" {
			return nil, errs.New(errs.Signature, "private key is passphrase-protected")
		}
		salt, err := hex.DecodeString(block.Headers["Salt"])
		if err != nil {
			return nil, errs.Wrap(errs.Signature, "malformed salt header", err)
		}
		nonce, err := hex.DecodeString(block.Headers["Nonce"])
		if err != nil {
			return nil, errs.Wrap(errs.Signature, "malformed nonce header", err)
		}
		gcm, err := newGCM(passphrase, salt)
		if err != nil {
			return nil, err
		}
		der, err = gcm.Open(nil, nonce, block.Bytes, nil)
		if err != nil {
			return nil, errs.Wrap(errs.Signature, "wrong passphrase or corrupted key", err)
		}
	default:
		return nil, errs.New(errs.KeyGeneration, "unrecognized PEM block type: "+block.Type)
	}

	key, err := x509.ParsePKCS8PrivateKey(der)
	if err != nil {
		return nil, errs.Wrap(errs.KeyGeneration, "private key parsing failed", err)
	}
	rsaKey, ok := key.(*rsa.PrivateKey)
	if !ok {
		return nil, errs.New(errs.KeyGeneration, "key is not RSA")
	}
	return rsaKey, nil
}

// EncodePublicKeyPEM serializes pub as a standard PKIX PEM block.
func EncodePublicKeyPEM(pub *rsa.PublicKey) (string, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", errs.Wrap(errs.KeyGeneration, "public key encoding failed", err)
	}
	block := &pem.Block{Type: publicLabel, Bytes: der}
	return string(pem.EncodeToMemory(block)), nil
}

// DecodePublicKeyPEM reverses EncodePublicKeyPEM.
func DecodePublicKeyPEM(pemStr string) (*rsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(pemStr))
	if block == nil {
		return nil, errs.New(errs.KeyGeneration, "invalid PEM block")
	}
	key, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, errs.Wrap(errs.KeyGeneration, "public key parsing failed", err)
	}
	rsaKey, ok := key.(*rsa.PublicKey)
	if !ok {
		return nil, errs.New(errs.KeyGeneration, "key is not RSA")
	}
	return rsaKey, nil
}

func newGCM(passphrase string, salt []byte) (cipher.AEAD, error) {
	key := pbkdf2.Key([]byte(passphrase), salt, pbkdf2Iter, 32, sha256.New)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, errs.Wrap(errs.KeyGeneration, "cipher setup failed", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, errs.Wrap(errs.KeyGeneration, "gcm setup failed", err)
	}
	return gcm, nil
}

