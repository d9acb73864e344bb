package integrity

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/opencontainers/go-digest"

	"github.com/davidahmann/anchord/pkg/types"
)

// Variant identifies which packed hash form was parsed.
type Variant int

const (
	VariantStandard Variant = iota + 1
	VariantHMAC
	VariantLegacy
)

func (v Variant) String() string {
	switch v {
	case VariantStandard:
		return "standard"
	case VariantHMAC:
		return "hmac"
	case VariantLegacy:
		return "legacy"
	default:
		return "unknown"
	}
}

const hmacPrefix = "hmac-"

// Parsed is the decoded form of a packed hash.
type Parsed struct {
	Variant   Variant
	Algorithm string
	Digest    string
}

// Mode is the integrity mode implied by the variant. Legacy digests are
// standard sha256.
func (p Parsed) Mode() types.IntegrityMode {
	if p.Variant == VariantHMAC {
		return types.IntegrityModeHMAC
	}
	return types.IntegrityModeStandard
}

// Packed re-encodes p. Legacy digests are returned bare.
func (p Parsed) Packed() string {
	switch p.Variant {
	case VariantHMAC:
		return hmacPrefix + p.Algorithm + ":" + p.Digest
	case VariantLegacy:
		return p.Digest
	default:
		return p.Algorithm + ":" + p.Digest
	}
}

// DigestBytes decodes the hex digest.
func (p Parsed) DigestBytes() ([]byte, error) {
	return hex.DecodeString(p.Digest)
}

// Unpack parses a packed hash string. A bare 64-hex string is a legacy
// sha256 digest.
func Unpack(packed string) (Parsed, error) {
	packed = strings.TrimSpace(packed)
	if packed == "" {
		return Parsed{}, ErrMalformedHash
	}

	idx := strings.IndexByte(packed, ':')
	if idx < 0 {
		if len(packed) == 64 && isLowerHex(packed) {
			return Parsed{Variant: VariantLegacy, Algorithm: DefaultAlgorithm, Digest: packed}, nil
		}
		return Parsed{}, fmt.Errorf("%w: %q", ErrMalformedHash, packed)
	}

	prefix, hexDigest := packed[:idx], packed[idx+1:]
	variant := VariantStandard
	if strings.HasPrefix(prefix, hmacPrefix) {
		variant = VariantHMAC
		prefix = strings.TrimPrefix(prefix, hmacPrefix)
	}

	alg, ok := algorithms[prefix]
	if !ok {
		return Parsed{}, fmt.Errorf("%w: %q", ErrUnsupportedAlgorithm, prefix)
	}
	if len(hexDigest) != alg.Size*2 || !isLowerHex(hexDigest) {
		return Parsed{}, fmt.Errorf("%w: bad %s digest", ErrMalformedHash, prefix)
	}
	if variant == VariantStandard {
		if err := validateOCIDigest(prefix, hexDigest); err != nil {
			return Parsed{}, fmt.Errorf("%w: %v", ErrMalformedHash, err)
		}
	}
	return Parsed{Variant: variant, Algorithm: prefix, Digest: hexDigest}, nil
}

// validateOCIDigest cross-checks the SHA-2 forms, which share the
// algorithm:hex grammar with OCI content digests.
func validateOCIDigest(alg, hexDigest string) error {
	switch alg {
	case "sha256", "sha384", "sha512":
		return digest.Digest(alg + ":" + hexDigest).Validate()
	default:
		return nil
	}
}

func isLowerHex(s string) bool {
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return s != ""
}
