package types

type IntegrityMode string

const (
	IntegrityModeStandard IntegrityMode = "standard"
	IntegrityModeHMAC     IntegrityMode = "hmac"
)

type ProviderName string

const (
	ProviderGitHost         ProviderName = "git_host"
	ProviderRFC3161         ProviderName = "rfc3161"
	ProviderTransparencyLog ProviderName = "transparency_log"
)

// AllProviders lists providers in dispatch order.
var AllProviders = []ProviderName{ProviderGitHost, ProviderRFC3161, ProviderTransparencyLog}

// AnchorRecord is the value distributed to every provider. It is built once
// at enqueue time and never mutated.
type AnchorRecord struct {
	DocumentID      string        `json:"document_id"`
	PostID          *string       `json:"post_id,omitempty"`
	PostType        string        `json:"post_type"`
	HashAlgorithm   string        `json:"hash_algorithm"`
	HashValue       string        `json:"hash_value"`
	HMACValue       *string       `json:"hmac_value,omitempty"`
	AuthorID        string        `json:"author_id"`
	CreatedAt       string        `json:"created_at"`
	ProducerVersion string        `json:"producer_version"`
	IntegrityMode   IntegrityMode `json:"integrity_mode"`
}

type JobStatus string

const (
	JobPending JobStatus = "pending"
	JobRetry   JobStatus = "retry"
	JobFailed  JobStatus = "failed"
	JobDone    JobStatus = "done"
)

type LogStatus string

const (
	LogAnchored LogStatus = "anchored"
	LogRetry    LogStatus = "retry"
	LogFailed   LogStatus = "failed"
)
