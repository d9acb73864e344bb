package crypto

import (
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"os"
	"strings"
)

// LoadKeypair loads a long-lived signing key from a file.
// Supported formats:
// - PEM "PRIVATE KEY" (PKCS#8) holding an Ed25519 or P-256 key
// - PEM "EC PRIVATE KEY" (SEC 1) holding a P-256 key
// - raw 64-byte Ed25519 private key or 32-byte seed
// - hex or base64 encoding of either raw form
func LoadKeypair(path string) (Keypair, error) {
	// #nosec G304 -- path is operator-configured.
	raw, err := os.ReadFile(path)
	if err != nil {
		return Keypair{}, err
	}
	if block, _ := pem.Decode(raw); block != nil {
		return parsePEMKey(block)
	}

	data, err := decodeBytes(raw)
	if err != nil {
		return Keypair{}, err
	}
	switch len(data) {
	case ed25519.PrivateKeySize:
		priv := ed25519.PrivateKey(data)
		return Keypair{Type: KeyTypeEd25519, Private: priv, Public: priv.Public()}, nil
	case ed25519.SeedSize:
		return KeyPairFromSeed(data)
	default:
		return Keypair{}, fmt.Errorf("unsupported private key length: %d", len(data))
	}
}

func parsePEMKey(block *pem.Block) (Keypair, error) {
	switch block.Type {
	case "PRIVATE KEY":
		key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return Keypair{}, err
		}
		switch priv := key.(type) {
		case ed25519.PrivateKey:
			return Keypair{Type: KeyTypeEd25519, Private: priv, Public: priv.Public()}, nil
		case *ecdsa.PrivateKey:
			return ecdsaKeypair(priv)
		default:
			return Keypair{}, fmt.Errorf("%w: %T", ErrUnsupportedKeyType, key)
		}
	case "EC PRIVATE KEY":
		priv, err := x509.ParseECPrivateKey(block.Bytes)
		if err != nil {
			return Keypair{}, err
		}
		return ecdsaKeypair(priv)
	default:
		return Keypair{}, fmt.Errorf("%w: pem block %q", ErrUnsupportedKeyType, block.Type)
	}
}

func ecdsaKeypair(priv *ecdsa.PrivateKey) (Keypair, error) {
	if priv.Curve != elliptic.P256() {
		return Keypair{}, fmt.Errorf("%w: curve %s", ErrUnsupportedKeyType, priv.Curve.Params().Name)
	}
	return Keypair{Type: KeyTypeECDSAP256, Private: priv, Public: &priv.PublicKey}, nil
}

func decodeBytes(raw []byte) ([]byte, error) {
	trim := strings.TrimSpace(string(raw))
	if trim == "" {
		return nil, fmt.Errorf("empty key file")
	}
	if strings.HasPrefix(trim, "base64:") {
		return base64.StdEncoding.DecodeString(strings.TrimPrefix(trim, "base64:"))
	}
	if strings.HasPrefix(trim, "hex:") {
		return hex.DecodeString(strings.TrimPrefix(trim, "hex:"))
	}

	// binary key files are used as-is
	if len(raw) == ed25519.PrivateKeySize || len(raw) == ed25519.SeedSize {
		return raw, nil
	}
	if out, err := hex.DecodeString(trim); err == nil {
		return out, nil
	}
	if out, err := base64.StdEncoding.DecodeString(trim); err == nil {
		return out, nil
	}
	if out, err := base64.RawURLEncoding.DecodeString(trim); err == nil {
		return out, nil
	}
	return nil, fmt.Errorf("unrecognized key encoding")
}
