package types

// DocumentChange is what the host reports when a document is saved.
type DocumentChange struct {
	DocumentID string  `json:"document_id"`
	PostID     *string `json:"post_id,omitempty"`
	PostType   string  `json:"post_type"`
	AuthorID   string  `json:"author_id"`
	Content    string  `json:"content"`
	// Algorithm overrides the configured and policy algorithm.
	Algorithm string `json:"algorithm,omitempty"`
}

// ChangeResult is returned to the host so it can store the packed hash.
type ChangeResult struct {
	DocumentID string  `json:"document_id"`
	PackedHash string  `json:"packed_hash"`
	HMACHash   *string `json:"hmac_hash,omitempty"`
	Algorithm  string  `json:"algorithm"`
	FellBack   bool    `json:"fell_back"`
	JobID      string  `json:"job_id,omitempty"`
	Suppressed bool    `json:"suppressed"`
	Skipped    bool    `json:"skipped,omitempty"`
	SkipReason string  `json:"skip_reason,omitempty"`
}

type NoticeView struct {
	NoticeID    string  `json:"notice_id"`
	Kind        string  `json:"kind"`
	Message     string  `json:"message"`
	JobID       *string `json:"job_id,omitempty"`
	DocumentID  *string `json:"document_id,omitempty"`
	CreatedAt   string  `json:"created_at"`
	DismissedAt *string `json:"dismissed_at,omitempty"`
}
