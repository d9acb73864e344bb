package integrity

import (
	"crypto/fips140"
	"crypto/sha256"
	"crypto/sha512"
	"hash"
	"sort"

	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/sha3"
)

const DefaultAlgorithm = "sha256"

// Algorithm describes one supported digest.
type Algorithm struct {
	Name string
	// Size is the digest length in bytes.
	Size int
	New  func() hash.Hash
	// FIPS reports whether the digest is FIPS 140 approved.
	FIPS bool
}

var algorithms = map[string]Algorithm{
	"sha256":      {Name: "sha256", Size: sha256.Size, New: sha256.New, FIPS: true},
	"sha384":      {Name: "sha384", Size: sha512.Size384, New: sha512.New384, FIPS: true},
	"sha512":      {Name: "sha512", Size: sha512.Size, New: sha512.New, FIPS: true},
	"sha3-256":    {Name: "sha3-256", Size: 32, New: newSHA3256, FIPS: true},
	"sha3-512":    {Name: "sha3-512", Size: 64, New: newSHA3512, FIPS: true},
	"blake2b-256": {Name: "blake2b-256", Size: blake2b.Size256, New: newBlake2b256},
	"blake2b-512": {Name: "blake2b-512", Size: blake2b.Size, New: newBlake2b512},
}

func newSHA3256() hash.Hash { return sha3.New256() }

func newSHA3512() hash.Hash { return sha3.New512() }

func newBlake2b256() hash.Hash {
	// New256 only fails for keys longer than 64 bytes.
	h, _ := blake2b.New256(nil)
	return h
}

func newBlake2b512() hash.Hash {
	h, _ := blake2b.New512(nil)
	return h
}

// LookupAlgorithm returns the algorithm registered under name.
func LookupAlgorithm(name string) (Algorithm, bool) {
	alg, ok := algorithms[name]
	return alg, ok
}

// Algorithms lists every registered algorithm name, sorted.
func Algorithms() []string {
	out := make([]string, 0, len(algorithms))
	for name := range algorithms {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// HostAvailable reports whether name can be used on this host. Non-approved
// digests are unavailable while the FIPS 140 module is enforced.
func HostAvailable(name string) bool {
	alg, ok := algorithms[name]
	if !ok {
		return false
	}
	if fips140.Enabled() && !alg.FIPS {
		return false
	}
	return true
}
