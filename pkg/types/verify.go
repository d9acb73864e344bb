package types

// HashReport compares a document's stored packed hash with a fresh hash of
// its current content.
type HashReport struct {
	DocumentID  string        `json:"document_id"`
	StoredHash  string        `json:"stored_hash"`
	CurrentHash string        `json:"current_hash,omitempty"`
	Verified    bool          `json:"verified"`
	Mode        IntegrityMode `json:"mode"`
	Algorithm   string        `json:"algorithm"`
	KeyMissing  bool          `json:"key_missing"`
}

// LogEntryCheck cross-checks a transparency log entry against the local
// anchor log.
type LogEntryCheck struct {
	LogIndex                int64  `json:"log_index"`
	UUID                    string `json:"uuid"`
	LocalFound              bool   `json:"local_found"`
	IndexMatches            bool   `json:"index_matches"`
	UUIDMatches             bool   `json:"uuid_matches"`
	HasInclusionProof       bool   `json:"has_inclusion_proof"`
	HasSignedEntryTimestamp bool   `json:"has_signed_entry_timestamp"`
	IntegratedTime          int64  `json:"integrated_time"`
	TreeSize                int64  `json:"tree_size,omitempty"`
	RootHash                string `json:"root_hash,omitempty"`
}
