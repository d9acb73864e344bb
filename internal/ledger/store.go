package ledger

type Store interface {
	WithTx(fn func(Tx) error) error

	PutJob(job JobRecord) error
	GetJob(jobID string) (JobRecord, bool)
	ListJobsDue(now string, limit int) ([]JobRecord, error)
	ListJobs(status string, limit, offset int) ([]JobRecord, error)
	CountJobs() (map[string]int, error)
	ClearJobs() (int, error)

	PutDedup(rec DedupRecord) error
	GetDedup(dedupKey string) (DedupRecord, bool)
	PruneDedup(now string) (int, error)

	AppendLogEntry(entry LogEntryRecord) (int64, error)
	ListLogEntries(q LogQuery) ([]LogEntryRecord, int, error)
	GetLogEntryByIndex(logIndex int64) (LogEntryRecord, bool)
	PruneLogEntries(before string) (int, error)
	ClearLog() (int, error)

	PutDocument(doc DocumentRecord) error
	GetDocument(documentID string) (DocumentRecord, bool)

	PutNotice(notice NoticeRecord) error
	ListNotices(includeDismissed bool) ([]NoticeRecord, error)
	DismissNotice(noticeID string, at string) (bool, error)
}

// Tx is the subset of Store available inside WithTx. A job's state
// transition, its log entries and any notice it raises commit together.
type Tx interface {
	PutJob(job JobRecord) error
	GetJob(jobID string) (JobRecord, bool)
	DeleteJob(jobID string) error

	PutDedup(rec DedupRecord) error
	GetDedup(dedupKey string) (DedupRecord, bool)

	AppendLogEntry(entry LogEntryRecord) (int64, error)

	PutDocument(doc DocumentRecord) error
	GetDocument(documentID string) (DocumentRecord, bool)

	PutNotice(notice NoticeRecord) error
}

// JobRecord is a durable anchor queue job. ProvidersJSON holds the
// per-provider sub-state keyed by provider name.
type JobRecord struct {
	JobID         string
	DocumentID    string
	DedupKey      string
	PackedHash    string
	RecordJSON    []byte
	Status        string // pending | retry | failed
	AttemptCount  int
	NextAttemptAt string
	ProvidersJSON []byte
	LastError     *string
	CreatedAt     string
	UpdatedAt     string
}

type DedupRecord struct {
	DedupKey  string
	JobID     string
	ExpiresAt string
}

type LogEntryRecord struct {
	ID            int64
	JobID         string
	Provider      string
	Status        string // anchored | retry | failed
	DocumentID    string
	HashAlgorithm string
	HashValue     string
	AnchorURL     *string
	LogIndex      *int64
	EntryUUID     *string
	ErrorMessage  *string
	CreatedAt     string
}

type LogQuery struct {
	Status     string
	Provider   string
	DocumentID string
	Page       int
	PerPage    int
}

// Normalize clamps paging to sane bounds.
func (q LogQuery) Normalize() LogQuery {
	if q.Page < 1 {
		q.Page = 1
	}
	if q.PerPage <= 0 {
		q.PerPage = 50
	}
	if q.PerPage > 500 {
		q.PerPage = 500
	}
	return q
}

func (q LogQuery) Offset() int {
	return (q.Page - 1) * q.PerPage
}

type DocumentRecord struct {
	DocumentID string
	PostID     *string
	PostType   string
	AuthorID   string
	Content    string
	PackedHash string
	HMACHash   *string
	UpdatedAt  string
}

type NoticeRecord struct {
	NoticeID    string
	Kind        string // job_failed | provider_failed | key_missing
	Message     string
	JobID       *string
	DocumentID  *string
	CreatedAt   string
	DismissedAt *string
}
