package sqlstore

import (
	"errors"
	"fmt"
	"testing"

	"github.com/davidahmann/anchord/internal/ledger"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	s, err := OpenSQLite(dsn)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	if err := ledger.Migrate(s.DB(), ledger.DBSQLite); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return s
}

func strPtr(v string) *string { return &v }
func int64Ptr(v int64) *int64 { return &v }

func TestJobCRUD(t *testing.T) {
	s := openTestStore(t)

	job := ledger.JobRecord{
		JobID:         "j1",
		DocumentID:    "d1",
		DedupKey:      "k1",
		PackedHash:    "sha256:abc",
		RecordJSON:    []byte(`{"document_id":"d1"}`),
		Status:        "pending",
		NextAttemptAt: "2026-01-01T00:00:00Z",
		ProvidersJSON: []byte(`{"git_host":{"status":"pending","attempts":0}}`),
		CreatedAt:     "2026-01-01T00:00:00Z",
		UpdatedAt:     "2026-01-01T00:00:00Z",
	}
	if err := s.PutJob(job); err != nil {
		t.Fatalf("put job: %v", err)
	}
	later := job
	later.JobID = "j2"
	later.Status = "retry"
	later.NextAttemptAt = "2026-01-01T01:00:00Z"
	later.CreatedAt = "2026-01-01T00:00:01Z"
	if err := s.PutJob(later); err != nil {
		t.Fatalf("put job: %v", err)
	}

	got, ok := s.GetJob("j1")
	if !ok || string(got.RecordJSON) != string(job.RecordJSON) || string(got.ProvidersJSON) != string(job.ProvidersJSON) {
		t.Fatalf("get job mismatch: ok=%v got=%+v", ok, got)
	}

	due, err := s.ListJobsDue("2026-01-01T00:30:00Z", 10)
	if err != nil || len(due) != 1 || due[0].JobID != "j1" {
		t.Fatalf("list due mismatch: err=%v due=%+v", err, due)
	}

	job.Status = "retry"
	job.AttemptCount = 1
	job.LastError = strPtr("timeout")
	if err := s.PutJob(job); err != nil {
		t.Fatalf("update job: %v", err)
	}
	retry, err := s.ListJobs("retry", 10, 0)
	if err != nil || len(retry) != 2 {
		t.Fatalf("list retry mismatch: err=%v len=%d", err, len(retry))
	}
	if retry[0].LastError == nil || *retry[0].LastError != "timeout" {
		t.Fatalf("expected last error persisted: %+v", retry[0])
	}

	counts, err := s.CountJobs()
	if err != nil || counts["retry"] != 2 {
		t.Fatalf("count mismatch: err=%v counts=%+v", err, counts)
	}

	if err := s.WithTx(func(tx ledger.Tx) error { return tx.DeleteJob("j1") }); err != nil {
		t.Fatalf("delete job: %v", err)
	}
	if _, ok := s.GetJob("j1"); ok {
		t.Fatalf("expected job deleted")
	}

	n, err := s.ClearJobs()
	if err != nil || n != 1 {
		t.Fatalf("clear jobs: n=%d err=%v", n, err)
	}
}

func TestDedupMarkers(t *testing.T) {
	s := openTestStore(t)

	if err := s.PutDedup(ledger.DedupRecord{DedupKey: "k1", JobID: "j1", ExpiresAt: "2026-01-01T00:01:00Z"}); err != nil {
		t.Fatalf("put dedup: %v", err)
	}
	if err := s.PutDedup(ledger.DedupRecord{DedupKey: "k1", JobID: "j2", ExpiresAt: "2026-01-01T00:02:00Z"}); err != nil {
		t.Fatalf("upsert dedup: %v", err)
	}
	got, ok := s.GetDedup("k1")
	if !ok || got.JobID != "j2" || got.ExpiresAt != "2026-01-01T00:02:00Z" {
		t.Fatalf("get dedup mismatch: ok=%v got=%+v", ok, got)
	}

	n, err := s.PruneDedup("2026-01-01T00:02:00Z")
	if err != nil || n != 1 {
		t.Fatalf("prune dedup: n=%d err=%v", n, err)
	}
}

func TestAnchorLog(t *testing.T) {
	s := openTestStore(t)

	entries := []ledger.LogEntryRecord{
		{JobID: "j1", Provider: "git_host", Status: "anchored", DocumentID: "d1", HashAlgorithm: "sha256", HashValue: "sha256:a", AnchorURL: strPtr("https://example/x"), CreatedAt: "2026-01-01T00:00:00Z"},
		{JobID: "j1", Provider: "transparency_log", Status: "anchored", DocumentID: "d1", HashAlgorithm: "sha256", HashValue: "sha256:a", LogIndex: int64Ptr(7), EntryUUID: strPtr("uuid"), CreatedAt: "2026-01-02T00:00:00Z"},
		{JobID: "j2", Provider: "rfc3161", Status: "failed", DocumentID: "d2", HashAlgorithm: "sha256", HashValue: "sha256:b", ErrorMessage: strPtr("bad response"), CreatedAt: "2026-01-03T00:00:00Z"},
	}
	for _, e := range entries {
		if _, err := s.AppendLogEntry(e); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	got, total, err := s.ListLogEntries(ledger.LogQuery{DocumentID: "d1", PerPage: 1, Page: 2})
	if err != nil || total != 2 || len(got) != 1 || got[0].Provider != "git_host" {
		t.Fatalf("list mismatch: err=%v total=%d got=%+v", err, total, got)
	}

	got, total, err = s.ListLogEntries(ledger.LogQuery{Status: "failed", Provider: "rfc3161"})
	if err != nil || total != 1 || got[0].ErrorMessage == nil || *got[0].ErrorMessage != "bad response" {
		t.Fatalf("filtered list mismatch: err=%v total=%d got=%+v", err, total, got)
	}

	entry, ok := s.GetLogEntryByIndex(7)
	if !ok || entry.EntryUUID == nil || *entry.EntryUUID != "uuid" {
		t.Fatalf("get by index mismatch: ok=%v entry=%+v", ok, entry)
	}
	if _, ok := s.GetLogEntryByIndex(8); ok {
		t.Fatalf("unexpected entry for unknown index")
	}

	n, err := s.PruneLogEntries("2026-01-02T00:00:00Z")
	if err != nil || n != 1 {
		t.Fatalf("prune: n=%d err=%v", n, err)
	}
	n, err = s.ClearLog()
	if err != nil || n != 2 {
		t.Fatalf("clear: n=%d err=%v", n, err)
	}
}

func TestDocumentsAndNotices(t *testing.T) {
	s := openTestStore(t)

	doc := ledger.DocumentRecord{DocumentID: "d1", PostType: "post", AuthorID: "7", Content: "v1", PackedHash: "sha256:a", UpdatedAt: "2026-01-01T00:00:00Z"}
	if err := s.PutDocument(doc); err != nil {
		t.Fatalf("put document: %v", err)
	}
	doc.Content = "v2"
	doc.HMACHash = strPtr("hmac-sha256:b")
	if err := s.PutDocument(doc); err != nil {
		t.Fatalf("update document: %v", err)
	}
	got, ok := s.GetDocument("d1")
	if !ok || got.Content != "v2" || got.HMACHash == nil {
		t.Fatalf("get document mismatch: ok=%v got=%+v", ok, got)
	}

	if err := s.PutNotice(ledger.NoticeRecord{NoticeID: "n1", Kind: "job_failed", Message: "job j1 failed", JobID: strPtr("j1"), CreatedAt: "2026-01-01T00:00:00Z"}); err != nil {
		t.Fatalf("put notice: %v", err)
	}
	if err := s.PutNotice(ledger.NoticeRecord{NoticeID: "n2", Kind: "key_missing", Message: "hmac key missing", CreatedAt: "2026-01-02T00:00:00Z"}); err != nil {
		t.Fatalf("put notice: %v", err)
	}

	ok, err := s.DismissNotice("n1", "2026-01-03T00:00:00Z")
	if err != nil || !ok {
		t.Fatalf("dismiss: ok=%v err=%v", ok, err)
	}
	if ok, _ := s.DismissNotice("n1", "2026-01-04T00:00:00Z"); ok {
		t.Fatalf("expected second dismiss to be a no-op")
	}

	active, err := s.ListNotices(false)
	if err != nil || len(active) != 1 || active[0].NoticeID != "n2" {
		t.Fatalf("active notices mismatch: err=%v notices=%+v", err, active)
	}
	all, err := s.ListNotices(true)
	if err != nil || len(all) != 2 {
		t.Fatalf("all notices mismatch: err=%v len=%d", err, len(all))
	}
}

func TestWithTxRollback(t *testing.T) {
	s := openTestStore(t)

	err := s.WithTx(func(tx ledger.Tx) error {
		if err := tx.PutJob(ledger.JobRecord{JobID: "rollback", DocumentID: "d", DedupKey: "k", PackedHash: "h", RecordJSON: []byte(`{}`), Status: "pending", NextAttemptAt: "now", ProvidersJSON: []byte(`{}`), CreatedAt: "now", UpdatedAt: "now"}); err != nil {
			return err
		}
		return errors.New("boom")
	})
	if err == nil {
		t.Fatalf("expected error")
	}
	if _, ok := s.GetJob("rollback"); ok {
		t.Fatalf("expected rollback to discard job")
	}
}

func TestTxGetters(t *testing.T) {
	s := openTestStore(t)

	err := s.WithTx(func(tx ledger.Tx) error {
		if err := tx.PutDedup(ledger.DedupRecord{DedupKey: "k", JobID: "j", ExpiresAt: "later"}); err != nil {
			return err
		}
		if _, ok := tx.GetDedup("k"); !ok {
			return errors.New("missing dedup in tx")
		}
		if err := tx.PutDocument(ledger.DocumentRecord{DocumentID: "d", PostType: "p", AuthorID: "a", Content: "c", PackedHash: "h", UpdatedAt: "now"}); err != nil {
			return err
		}
		if _, ok := tx.GetDocument("d"); !ok {
			return errors.New("missing document in tx")
		}
		id, err := tx.AppendLogEntry(ledger.LogEntryRecord{JobID: "j", Provider: "git_host", Status: "retry", DocumentID: "d", HashAlgorithm: "sha256", HashValue: "h", CreatedAt: "now"})
		if err != nil {
			return err
		}
		if id <= 0 {
			return fmt.Errorf("unexpected log id %d", id)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("tx: %v", err)
	}
}
