package policy

// Policy decides, per document, whether and where a change is anchored.
type Policy struct {
	PolicyID      string         `yaml:"policy_id"`
	PolicyVersion string         `yaml:"policy_version"`
	Defaults      PolicyDefaults `yaml:"defaults"`
	Rules         []PolicyRule   `yaml:"rules"`
}

type PolicyDefaults struct {
	Skip bool `yaml:"skip"`
	// Providers limits dispatch; empty means every enabled provider.
	Providers []string `yaml:"providers"`
	Algorithm string   `yaml:"algorithm"`
}

type PolicyRule struct {
	ID     string       `yaml:"id"`
	Match  PolicyMatch  `yaml:"match"`
	Effect PolicyEffect `yaml:"effect"`
}

type PolicyMatch struct {
	PostType       string `yaml:"post_type"`
	AuthorID       string `yaml:"author_id"`
	DocumentPrefix string `yaml:"document_prefix"`
}

type PolicyEffect struct {
	Skip      *bool    `yaml:"skip"`
	Providers []string `yaml:"providers"`
	Algorithm string   `yaml:"algorithm"`
	Reason    string   `yaml:"reason"`
}
