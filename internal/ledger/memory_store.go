package ledger

import (
	"sort"
	"sync"
)

type InMemoryStore struct {
	mu sync.Mutex

	jobs      map[string]JobRecord
	dedup     map[string]DedupRecord
	log       []LogEntryRecord
	nextLogID int64
	documents map[string]DocumentRecord
	notices   map[string]NoticeRecord
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		jobs:      make(map[string]JobRecord),
		dedup:     make(map[string]DedupRecord),
		documents: make(map[string]DocumentRecord),
		notices:   make(map[string]NoticeRecord),
	}
}

// WithTx holds the store lock for the whole callback. Writes made before an
// error are not rolled back.
func (s *InMemoryStore) WithTx(fn func(Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn((*memTx)(s))
}

type memTx InMemoryStore

func (s *InMemoryStore) PutJob(job JobRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return (*memTx)(s).PutJob(job)
}

func (s *InMemoryStore) GetJob(jobID string) (JobRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return (*memTx)(s).GetJob(jobID)
}

func (s *InMemoryStore) ListJobsDue(now string, limit int) ([]JobRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []JobRecord{}
	for _, job := range s.sortedJobs() {
		if job.Status != "pending" && job.Status != "retry" {
			continue
		}
		if job.NextAttemptAt > now {
			continue
		}
		out = append(out, job)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *InMemoryStore) ListJobs(status string, limit, offset int) ([]JobRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []JobRecord{}
	for _, job := range s.sortedJobs() {
		if status != "" && job.Status != status {
			continue
		}
		out = append(out, job)
	}
	return page(out, limit, offset), nil
}

func (s *InMemoryStore) CountJobs() (map[string]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := map[string]int{}
	for _, job := range s.jobs {
		out[job.Status]++
	}
	return out, nil
}

func (s *InMemoryStore) ClearJobs() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.jobs)
	s.jobs = make(map[string]JobRecord)
	return n, nil
}

func (s *InMemoryStore) sortedJobs() []JobRecord {
	out := make([]JobRecord, 0, len(s.jobs))
	for _, job := range s.jobs {
		out = append(out, job)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt != out[j].CreatedAt {
			return out[i].CreatedAt < out[j].CreatedAt
		}
		return out[i].JobID < out[j].JobID
	})
	return out
}

func (s *InMemoryStore) PutDedup(rec DedupRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return (*memTx)(s).PutDedup(rec)
}

func (s *InMemoryStore) GetDedup(dedupKey string) (DedupRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return (*memTx)(s).GetDedup(dedupKey)
}

func (s *InMemoryStore) PruneDedup(now string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for key, rec := range s.dedup {
		if rec.ExpiresAt <= now {
			delete(s.dedup, key)
			n++
		}
	}
	return n, nil
}

func (s *InMemoryStore) AppendLogEntry(entry LogEntryRecord) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return (*memTx)(s).AppendLogEntry(entry)
}

// ListLogEntries returns entries newest first with the unpaged total.
func (s *InMemoryStore) ListLogEntries(q LogQuery) ([]LogEntryRecord, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q = q.Normalize()
	matched := []LogEntryRecord{}
	for i := len(s.log) - 1; i >= 0; i-- {
		entry := s.log[i]
		if q.Status != "" && entry.Status != q.Status {
			continue
		}
		if q.Provider != "" && entry.Provider != q.Provider {
			continue
		}
		if q.DocumentID != "" && entry.DocumentID != q.DocumentID {
			continue
		}
		matched = append(matched, entry)
	}
	return page(matched, q.PerPage, q.Offset()), len(matched), nil
}

func (s *InMemoryStore) GetLogEntryByIndex(logIndex int64) (LogEntryRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.log) - 1; i >= 0; i-- {
		if idx := s.log[i].LogIndex; idx != nil && *idx == logIndex {
			return s.log[i], true
		}
	}
	return LogEntryRecord{}, false
}

func (s *InMemoryStore) PruneLogEntries(before string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.log[:0]
	for _, entry := range s.log {
		if entry.CreatedAt < before {
			continue
		}
		kept = append(kept, entry)
	}
	n := len(s.log) - len(kept)
	s.log = kept
	return n, nil
}

func (s *InMemoryStore) ClearLog() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.log)
	s.log = nil
	return n, nil
}

func (s *InMemoryStore) PutDocument(doc DocumentRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return (*memTx)(s).PutDocument(doc)
}

func (s *InMemoryStore) GetDocument(documentID string) (DocumentRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return (*memTx)(s).GetDocument(documentID)
}

func (s *InMemoryStore) PutNotice(notice NoticeRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return (*memTx)(s).PutNotice(notice)
}

func (s *InMemoryStore) ListNotices(includeDismissed bool) ([]NoticeRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []NoticeRecord{}
	for _, n := range s.notices {
		if n.DismissedAt != nil && !includeDismissed {
			continue
		}
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt != out[j].CreatedAt {
			return out[i].CreatedAt > out[j].CreatedAt
		}
		return out[i].NoticeID < out[j].NoticeID
	})
	return out, nil
}

func (s *InMemoryStore) DismissNotice(noticeID string, at string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.notices[noticeID]
	if !ok || n.DismissedAt != nil {
		return false, nil
	}
	n.DismissedAt = &at
	s.notices[noticeID] = n
	return true, nil
}

func (t *memTx) PutJob(job JobRecord) error {
	(*InMemoryStore)(t).jobs[job.JobID] = job
	return nil
}

func (t *memTx) GetJob(jobID string) (JobRecord, bool) {
	job, ok := (*InMemoryStore)(t).jobs[jobID]
	return job, ok
}

func (t *memTx) DeleteJob(jobID string) error {
	delete((*InMemoryStore)(t).jobs, jobID)
	return nil
}

func (t *memTx) PutDedup(rec DedupRecord) error {
	(*InMemoryStore)(t).dedup[rec.DedupKey] = rec
	return nil
}

func (t *memTx) GetDedup(dedupKey string) (DedupRecord, bool) {
	rec, ok := (*InMemoryStore)(t).dedup[dedupKey]
	return rec, ok
}

func (t *memTx) AppendLogEntry(entry LogEntryRecord) (int64, error) {
	s := (*InMemoryStore)(t)
	s.nextLogID++
	entry.ID = s.nextLogID
	s.log = append(s.log, entry)
	return entry.ID, nil
}

func (t *memTx) PutDocument(doc DocumentRecord) error {
	(*InMemoryStore)(t).documents[doc.DocumentID] = doc
	return nil
}

func (t *memTx) GetDocument(documentID string) (DocumentRecord, bool) {
	doc, ok := (*InMemoryStore)(t).documents[documentID]
	return doc, ok
}

func (t *memTx) PutNotice(notice NoticeRecord) error {
	(*InMemoryStore)(t).notices[notice.NoticeID] = notice
	return nil
}

func page[T any](in []T, limit, offset int) []T {
	if offset < 0 {
		offset = 0
	}
	if offset >= len(in) {
		return []T{}
	}
	in = in[offset:]
	if limit > 0 && len(in) > limit {
		in = in[:limit]
	}
	return in
}
