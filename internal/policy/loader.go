package policy

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/davidahmann/anchord/internal/crypto"
	"github.com/davidahmann/anchord/pkg/types"
)

type LoadedPolicy struct {
	Policy Policy
	Hash   string
	Bytes  []byte
}

// Default anchors every document with every enabled provider.
func Default() LoadedPolicy {
	return LoadedPolicy{Policy: Policy{PolicyID: "anchord-default", PolicyVersion: "1"}}
}

// LoadPolicy loads a YAML policy and computes its hash from raw bytes.
func LoadPolicy(path string) (LoadedPolicy, error) {
	// #nosec G304 -- path comes from operator-configured policy path.
	data, err := os.ReadFile(path)
	if err != nil {
		return LoadedPolicy{}, err
	}

	var p Policy
	if err := yaml.Unmarshal(data, &p); err != nil {
		return LoadedPolicy{}, err
	}
	if err := p.validate(); err != nil {
		return LoadedPolicy{}, err
	}

	return LoadedPolicy{
		Policy: p,
		Hash:   crypto.DigestWithPrefix(data),
		Bytes:  data,
	}, nil
}

func (p Policy) validate() error {
	check := func(where string, names []string) error {
		for _, n := range names {
			if !knownProvider(n) {
				return fmt.Errorf("%s: unknown provider %q", where, n)
			}
		}
		return nil
	}
	if err := check("defaults", p.Defaults.Providers); err != nil {
		return err
	}
	seen := map[string]bool{}
	for i, rule := range p.Rules {
		if rule.ID == "" {
			return fmt.Errorf("rule %d: id is required", i)
		}
		if seen[rule.ID] {
			return fmt.Errorf("rule %s: duplicate id", rule.ID)
		}
		seen[rule.ID] = true
		if err := check("rule "+rule.ID, rule.Effect.Providers); err != nil {
			return err
		}
	}
	return nil
}

func knownProvider(name string) bool {
	for _, p := range types.AllProviders {
		if string(p) == name {
			return true
		}
	}
	return false
}
