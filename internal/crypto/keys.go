package crypto

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"fmt"
)

type KeyType string

const (
	KeyTypeEd25519   KeyType = "ed25519"
	KeyTypeECDSAP256 KeyType = "ecdsa-p256"
)

// Keypair is a signing key with its public half.
type Keypair struct {
	Type    KeyType
	Private crypto.Signer
	Public  crypto.PublicKey
}

type KeySource string

const (
	KeySourceLongLived KeySource = "long-lived"
	KeySourceEphemeral KeySource = "ephemeral"
)

// ResolvedKey is the key chosen for one signing operation, tagged with where
// it came from. Ephemeral keys cannot be re-derived by a later call.
type ResolvedKey struct {
	Keypair
	Source KeySource
}

func (k ResolvedKey) Provenance() string {
	return string(k.Source)
}

// KeyPairFromSeed derives an Ed25519 keypair from a 32-byte seed.
func KeyPairFromSeed(seed []byte) (Keypair, error) {
	if len(seed) != ed25519.SeedSize {
		return Keypair{}, ErrInvalidSeedSize
	}
	priv := ed25519.NewKeyFromSeed(seed)
	return Keypair{Type: KeyTypeEd25519, Private: priv, Public: priv.Public()}, nil
}

// GenerateKeypair creates a fresh keypair of the given type.
func GenerateKeypair(keyType KeyType) (Keypair, error) {
	switch keyType {
	case KeyTypeEd25519:
		pub, priv, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return Keypair{}, err
		}
		return Keypair{Type: KeyTypeEd25519, Private: priv, Public: pub}, nil
	case KeyTypeECDSAP256, "":
		priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
		if err != nil {
			return Keypair{}, err
		}
		return Keypair{Type: KeyTypeECDSAP256, Private: priv, Public: &priv.PublicKey}, nil
	default:
		return Keypair{}, fmt.Errorf("%w: %s", ErrUnsupportedKeyType, keyType)
	}
}

// ResolveKey returns the long-lived key when one is configured, otherwise a
// newly generated ephemeral key of ephemeralType.
func ResolveKey(longLived *Keypair, ephemeralType KeyType) (ResolvedKey, error) {
	if longLived != nil && longLived.Private != nil {
		return ResolvedKey{Keypair: *longLived, Source: KeySourceLongLived}, nil
	}
	kp, err := GenerateKeypair(ephemeralType)
	if err != nil {
		return ResolvedKey{}, err
	}
	return ResolvedKey{Keypair: kp, Source: KeySourceEphemeral}, nil
}

// RawPublicKey returns the raw public key bytes: the 32-byte Ed25519 key or
// the uncompressed P-256 point.
func RawPublicKey(pub crypto.PublicKey) ([]byte, error) {
	switch key := pub.(type) {
	case ed25519.PublicKey:
		return []byte(key), nil
	case *ecdsa.PublicKey:
		ecdhKey, err := key.ECDH()
		if err != nil {
			return nil, err
		}
		return ecdhKey.Bytes(), nil
	case nil:
		return nil, ErrKeyMissing
	default:
		return nil, ErrUnsupportedKeyType
	}
}

// KeyID is the lowercase hex SHA-256 of the raw public key bytes.
func KeyID(pub crypto.PublicKey) (string, error) {
	raw, err := RawPublicKey(pub)
	if err != nil {
		return "", err
	}
	return DigestHex(raw), nil
}

// PublicKeyPEM encodes pub as a PKIX "PUBLIC KEY" PEM block.
func PublicKeyPEM(pub crypto.PublicKey) ([]byte, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return nil, err
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}), nil
}
