package wallet

import (
	"crypto/ecdsa"
	"encoding/hex"
	"fmt"
	"strings"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"github.com/halcyonlabs/swapbot/internal/domain"
)

// KeySigner implements domain.Signer over a secp256k1 private key. Payloads
// are hashed with Keccak-256 before signing; the signature is the hex-encoded
// 65-byte r||s||v form.
type KeySigner struct {
	privateKey *ecdsa.PrivateKey
	address    string
}

var _ domain.Signer = (*KeySigner)(nil)

// NewKeySigner creates a KeySigner from a hex-encoded secp256k1 private key.
func NewKeySigner(privateKeyHex string) (*KeySigner, error) {
	keyHex := strings.TrimPrefix(privateKeyHex, "0x")
	pk, err := ethcrypto.HexToECDSA(keyHex)
	if err != nil {
		return nil, fmt.Errorf("wallet: invalid private key: %w", err)
	}

	return &KeySigner{
		privateKey: pk,
		address:    ethcrypto.PubkeyToAddress(pk.PublicKey).Hex(),
	}, nil
}

// GenerateSigner creates a KeySigner with a fresh random key, used for
// one-time execution identities.
func GenerateSigner() (*KeySigner, error) {
	pk, err := ethcrypto.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("wallet: generate key: %w", err)
	}
	return &KeySigner{
		privateKey: pk,
		address:    ethcrypto.PubkeyToAddress(pk.PublicKey).Hex(),
	}, nil
}

// Address returns the address derived from the signer's public key.
func (s *KeySigner) Address() string {
	return s.address
}

// SignPayload signs the Keccak-256 digest of the raw transaction bytes.
func (s *KeySigner) SignPayload(payload []byte) (string, error) {
	digest := ethcrypto.Keccak256(payload)

	sig, err := ethcrypto.Sign(digest, s.privateKey)
	if err != nil {
		return "", fmt.Errorf("wallet: sign payload: %w", domain.ErrSigningFailed)
	}

	// Normalise the recovery byte to {27,28}.
	if sig[64] < 27 {
		sig[64] += 27
	}
	return "0x" + hex.EncodeToString(sig), nil
}
