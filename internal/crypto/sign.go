package crypto

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
)

// DigestBytes returns the raw SHA-256 digest bytes.
func DigestBytes(data []byte) []byte {
	sum := sha256.Sum256(data)
	return sum[:]
}

// DigestHex returns the SHA-256 digest as lowercase hex.
func DigestHex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// DigestWithPrefix returns the SHA-256 digest with the "sha256:" prefix.
func DigestWithPrefix(data []byte) string {
	return "sha256:" + DigestHex(data)
}

// Sign produces a detached signature over message. Ed25519 signs the message
// itself; P-256 signs its SHA-256 digest (ASN.1 DER signature).
func Sign(message []byte, kp Keypair) ([]byte, error) {
	switch priv := kp.Private.(type) {
	case ed25519.PrivateKey:
		return ed25519.Sign(priv, message), nil
	case *ecdsa.PrivateKey:
		return ecdsa.SignASN1(rand.Reader, priv, DigestBytes(message))
	case nil:
		return nil, ErrKeyMissing
	default:
		return nil, ErrUnsupportedKeyType
	}
}

// Verify reports whether sig is a valid signature of message under pub.
func Verify(message []byte, pub crypto.PublicKey, sig []byte) bool {
	switch key := pub.(type) {
	case ed25519.PublicKey:
		return len(key) == ed25519.PublicKeySize && ed25519.Verify(key, message, sig)
	case *ecdsa.PublicKey:
		return ecdsa.VerifyASN1(key, DigestBytes(message), sig)
	default:
		return false
	}
}
