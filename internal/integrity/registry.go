package integrity

import (
	"crypto/hmac"
	"crypto/subtle"
	"encoding/hex"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/davidahmann/anchord/pkg/types"
)

const DefaultMinKeyLen = 32

type Options struct {
	// Default is the configured algorithm. Empty means sha256.
	Default string
	// Available reports whether an algorithm can be used on this host.
	// Defaults to HostAvailable.
	Available func(name string) bool
	// HMACKey is the keyed-mode secret. It is never logged.
	HMACKey   []byte
	MinKeyLen int
	Logger    *logrus.Logger
}

// Registry packs and verifies content hashes. It does no I/O.
type Registry struct {
	def       string
	available func(string) bool
	key       []byte
	minKeyLen int
	log       *logrus.Logger
}

func NewRegistry(opts Options) *Registry {
	if opts.Default == "" {
		opts.Default = DefaultAlgorithm
	}
	if opts.Available == nil {
		opts.Available = HostAvailable
	}
	if opts.MinKeyLen <= 0 {
		opts.MinKeyLen = DefaultMinKeyLen
	}
	if opts.Logger == nil {
		opts.Logger = logrus.New()
	}
	return &Registry{
		def:       opts.Default,
		available: opts.Available,
		key:       opts.HMACKey,
		minKeyLen: opts.MinKeyLen,
		log:       opts.Logger,
	}
}

// Result is the outcome of a pack call.
type Result struct {
	Packed string
	// Algorithm is the algorithm actually used.
	Algorithm string
	Requested string
	FellBack  bool
	Mode      types.IntegrityMode
}

// DefaultAlgorithm returns the configured algorithm name.
func (r *Registry) DefaultAlgorithm() string {
	return r.def
}

// HasKey reports whether a usable HMAC key is configured.
func (r *Registry) HasKey() bool {
	return r.checkKey() == nil
}

// Pack hashes the canonical form of content. An empty algorithm uses the
// configured default; an unknown or unavailable one falls back to sha256 and
// the packed string records sha256.
func (r *Registry) Pack(content Content, algorithm string) (Result, error) {
	alg, requested, fellBack := r.resolve(algorithm)
	h := alg.New()
	h.Write(Canonicalize(content))
	return Result{
		Packed:    alg.Name + ":" + hex.EncodeToString(h.Sum(nil)),
		Algorithm: alg.Name,
		Requested: requested,
		FellBack:  fellBack,
		Mode:      types.IntegrityModeStandard,
	}, nil
}

// PackHMAC computes a keyed digest of the canonical form of content.
func (r *Registry) PackHMAC(content Content, algorithm string) (Result, error) {
	if err := r.checkKey(); err != nil {
		return Result{}, err
	}
	alg, requested, fellBack := r.resolve(algorithm)
	return Result{
		Packed:    hmacPrefix + alg.Name + ":" + hex.EncodeToString(r.mac(alg, Canonicalize(content))),
		Algorithm: alg.Name,
		Requested: requested,
		FellBack:  fellBack,
		Mode:      types.IntegrityModeHMAC,
	}, nil
}

// Verify recomputes the digest of content using the algorithm recorded in
// packed, never the configured default. A mismatch is (false, nil).
func (r *Registry) Verify(content Content, packed string) (bool, error) {
	parsed, err := Unpack(packed)
	if err != nil {
		return false, err
	}
	alg, ok := algorithms[parsed.Algorithm]
	if !ok {
		return false, fmt.Errorf("%w: %q", ErrUnsupportedAlgorithm, parsed.Algorithm)
	}
	want, err := parsed.DigestBytes()
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrMalformedHash, err)
	}

	canonical := Canonicalize(content)
	switch parsed.Variant {
	case VariantStandard, VariantLegacy:
		h := alg.New()
		h.Write(canonical)
		return subtle.ConstantTimeCompare(h.Sum(nil), want) == 1, nil
	case VariantHMAC:
		if err := r.checkKey(); err != nil {
			return false, err
		}
		return hmac.Equal(r.mac(alg, canonical), want), nil
	default:
		return false, fmt.Errorf("%w: unknown variant", ErrMalformedHash)
	}
}

// Rehash recomputes content under the algorithm and variant recorded in
// packed, without fallback. Legacy digests come back in standard form.
func (r *Registry) Rehash(content Content, packed string) (string, error) {
	parsed, err := Unpack(packed)
	if err != nil {
		return "", err
	}
	alg, ok := algorithms[parsed.Algorithm]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnsupportedAlgorithm, parsed.Algorithm)
	}
	canonical := Canonicalize(content)
	switch parsed.Variant {
	case VariantStandard, VariantLegacy:
		h := alg.New()
		h.Write(canonical)
		return alg.Name + ":" + hex.EncodeToString(h.Sum(nil)), nil
	case VariantHMAC:
		if err := r.checkKey(); err != nil {
			return "", err
		}
		return hmacPrefix + alg.Name + ":" + hex.EncodeToString(r.mac(alg, canonical)), nil
	default:
		return "", fmt.Errorf("%w: unknown variant", ErrMalformedHash)
	}
}

func (r *Registry) resolve(requested string) (Algorithm, string, bool) {
	if requested == "" {
		requested = r.def
	}
	if alg, ok := algorithms[requested]; ok && r.available(requested) {
		return alg, requested, false
	}
	r.log.WithFields(logrus.Fields{
		"requested": requested,
		"used":      DefaultAlgorithm,
	}).Warn("hash algorithm unavailable, falling back")
	return algorithms[DefaultAlgorithm], requested, true
}

func (r *Registry) checkKey() error {
	if len(r.key) == 0 {
		return ErrKeyMissing
	}
	if len(r.key) < r.minKeyLen {
		return ErrKeyTooShort
	}
	return nil
}

func (r *Registry) mac(alg Algorithm, data []byte) []byte {
	m := hmac.New(alg.New, r.key)
	m.Write(data)
	return m.Sum(nil)
}
