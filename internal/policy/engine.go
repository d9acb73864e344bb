package policy

import (
	"strings"

	"github.com/davidahmann/anchord/pkg/types"
)

const (
	VerdictAnchor = "anchor"
	VerdictSkip   = "skip"
)

type Input struct {
	DocumentID string
	PostType   string
	AuthorID   string
}

type Decision struct {
	Verdict string
	// Providers is nil when every enabled provider applies.
	Providers     []types.ProviderName
	Algorithm     string
	Reason        string
	MatchedRuleID string
	ReasonCodes   []string
	PolicyID      string
	PolicyVersion string
	PolicyHash    string
}

func (d Decision) Anchor() bool {
	return d.Verdict == VerdictAnchor
}

// Evaluate applies the first matching rule to input, otherwise defaults.
func Evaluate(p Policy, policyHash string, input Input) Decision {
	decision := Decision{
		Verdict:       VerdictAnchor,
		Providers:     providerNames(p.Defaults.Providers),
		Algorithm:     p.Defaults.Algorithm,
		PolicyID:      p.PolicyID,
		PolicyVersion: p.PolicyVersion,
		PolicyHash:    policyHash,
	}
	if p.Defaults.Skip {
		decision.Verdict = VerdictSkip
	}

	for _, rule := range p.Rules {
		if !matchRule(rule.Match, input) {
			continue
		}

		decision.MatchedRuleID = rule.ID
		decision.ReasonCodes = append(decision.ReasonCodes, "POLICY_MATCH:"+rule.ID)

		if rule.Effect.Skip != nil {
			if *rule.Effect.Skip {
				decision.Verdict = VerdictSkip
			} else {
				decision.Verdict = VerdictAnchor
			}
		}
		if len(rule.Effect.Providers) > 0 {
			decision.Providers = providerNames(rule.Effect.Providers)
		}
		if rule.Effect.Algorithm != "" {
			decision.Algorithm = rule.Effect.Algorithm
		}
		if rule.Effect.Reason != "" {
			decision.Reason = rule.Effect.Reason
		}
		return decision
	}

	return decision
}

func matchRule(match PolicyMatch, input Input) bool {
	if match.PostType != "" && match.PostType != input.PostType {
		return false
	}
	if match.AuthorID != "" && match.AuthorID != input.AuthorID {
		return false
	}
	if match.DocumentPrefix != "" && !strings.HasPrefix(input.DocumentID, match.DocumentPrefix) {
		return false
	}
	return true
}

func providerNames(names []string) []types.ProviderName {
	if len(names) == 0 {
		return nil
	}
	out := make([]types.ProviderName, 0, len(names))
	for _, n := range names {
		out = append(out, types.ProviderName(n))
	}
	return out
}
