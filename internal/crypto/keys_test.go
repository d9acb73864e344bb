package crypto

import (
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeKeyFile(t *testing.T, contents []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "key")
	if err := os.WriteFile(path, contents, 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	return path
}

func TestLoadKeypairSeedHex(t *testing.T) {
	seed := make([]byte, ed25519.SeedSize)
	kp, err := LoadKeypair(writeKeyFile(t, []byte("hex:"+hex.EncodeToString(seed))))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if kp.Type != KeyTypeEd25519 {
		t.Fatalf("unexpected key type: %s", kp.Type)
	}
}

func TestLoadKeypairPrivateKeyBase64(t *testing.T) {
	priv := ed25519.NewKeyFromSeed(make([]byte, ed25519.SeedSize))
	kp, err := LoadKeypair(writeKeyFile(t, []byte("base64:"+base64.StdEncoding.EncodeToString(priv))))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if string(kp.Private.(ed25519.PrivateKey)) != string(priv) {
		t.Fatalf("private key mismatch")
	}
}

func TestLoadKeypairPKCS8ECDSA(t *testing.T) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	der, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	pemBytes := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})

	kp, err := LoadKeypair(writeKeyFile(t, pemBytes))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if kp.Type != KeyTypeECDSAP256 {
		t.Fatalf("unexpected key type: %s", kp.Type)
	}
}

func TestLoadKeypairRejectsOtherCurves(t *testing.T) {
	priv, err := ecdsa.GenerateKey(elliptic.P384(), rand.Reader)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	der, err := x509.MarshalECPrivateKey(priv)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	pemBytes := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: der})

	if _, err := LoadKeypair(writeKeyFile(t, pemBytes)); !errors.Is(err, ErrUnsupportedKeyType) {
		t.Fatalf("expected ErrUnsupportedKeyType, got %v", err)
	}
}

func TestDecodeBytesErrors(t *testing.T) {
	if _, err := decodeBytes([]byte("")); err == nil {
		t.Fatalf("expected error for empty")
	}
	if _, err := decodeBytes([]byte("not-a-key")); err == nil {
		t.Fatalf("expected error for unrecognized encoding")
	}
}

func TestResolveKeyPrefersLongLived(t *testing.T) {
	long, err := KeyPairFromSeed(make([]byte, ed25519.SeedSize))
	if err != nil {
		t.Fatalf("keypair: %v", err)
	}

	resolved, err := ResolveKey(&long, KeyTypeECDSAP256)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if resolved.Source != KeySourceLongLived || resolved.Type != KeyTypeEd25519 {
		t.Fatalf("unexpected resolved key: %s %s", resolved.Source, resolved.Type)
	}

	eph, err := ResolveKey(nil, KeyTypeECDSAP256)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if eph.Provenance() != "ephemeral" || eph.Type != KeyTypeECDSAP256 {
		t.Fatalf("unexpected ephemeral key: %s %s", eph.Provenance(), eph.Type)
	}

	eph2, err := ResolveKey(nil, KeyTypeECDSAP256)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	id1, _ := KeyID(eph.Public)
	id2, _ := KeyID(eph2.Public)
	if id1 == id2 {
		t.Fatalf("expected a fresh ephemeral key per call")
	}
}

func TestPublicKeyPEM(t *testing.T) {
	kp, err := GenerateKeypair(KeyTypeECDSAP256)
	if err != nil {
		t.Fatalf("keypair: %v", err)
	}
	out, err := PublicKeyPEM(kp.Public)
	if err != nil {
		t.Fatalf("pem: %v", err)
	}
	if !strings.HasPrefix(string(out), "-----BEGIN PUBLIC KEY-----") {
		t.Fatalf("unexpected pem: %s", out)
	}

	raw, err := RawPublicKey(kp.Public)
	if err != nil {
		t.Fatalf("raw: %v", err)
	}
	if len(raw) != 65 || raw[0] != 0x04 {
		t.Fatalf("expected uncompressed P-256 point, got %d bytes", len(raw))
	}
}
