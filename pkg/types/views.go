package types

// ProviderState is the per-provider sub-status of a queued job.
type ProviderState struct {
	Status    JobStatus `json:"status"`
	Attempts  int       `json:"attempts"`
	LastError string    `json:"last_error,omitempty"`
	AnchorURL string    `json:"anchor_url,omitempty"`
}

type JobView struct {
	JobID         string                         `json:"job_id"`
	DocumentID    string                         `json:"document_id"`
	Status        JobStatus                      `json:"status"`
	AttemptCount  int                            `json:"attempt_count"`
	NextAttemptAt string                         `json:"next_attempt_at"`
	Providers     map[ProviderName]ProviderState `json:"providers"`
	LastError     string                         `json:"last_error,omitempty"`
	CreatedAt     string                         `json:"created_at"`
}

type LogEntryView struct {
	ID            int64        `json:"id"`
	JobID         string       `json:"job_id"`
	Provider      ProviderName `json:"provider"`
	Status        LogStatus    `json:"status"`
	DocumentID    string       `json:"document_id"`
	HashAlgorithm string       `json:"hash_algorithm"`
	HashValue     string       `json:"hash_value"`
	AnchorURL     string       `json:"anchor_url,omitempty"`
	LogIndex      *int64       `json:"log_index,omitempty"`
	EntryUUID     string       `json:"entry_uuid,omitempty"`
	ErrorMessage  string       `json:"error_message,omitempty"`
	CreatedAt     string       `json:"created_at"`
}

type DispatchOutcome struct {
	JobID      string       `json:"job_id"`
	DocumentID string       `json:"document_id"`
	Provider   ProviderName `json:"provider"`
	Status     LogStatus    `json:"status"`
	AnchorURL  string       `json:"anchor_url,omitempty"`
	Error      string       `json:"error,omitempty"`
	Discarded  bool         `json:"discarded,omitempty"`
}
