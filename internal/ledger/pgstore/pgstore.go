package pgstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	_ "github.com/lib/pq"

	"github.com/davidahmann/anchord/internal/ledger"
)

type Store struct {
	db *sql.DB
}

func OpenPostgres(dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return New(db), nil
}

func New(db *sql.DB) *Store {
	return &Store{db: db}
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) WithTx(fn func(ledger.Tx) error) error {
	tx, err := s.db.BeginTx(context.Background(), &sql.TxOptions{})
	if err != nil {
		return err
	}
	wrapped := &Tx{tx: tx}
	if err := fn(wrapped); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// ts renders a timestamptz column as an RFC 3339 UTC string so values
// compare and round-trip the same way as the sqlite store.
func ts(col string) string {
	return fmt.Sprintf(`to_char(%s AT TIME ZONE 'UTC', 'YYYY-MM-DD"T"HH24:MI:SS"Z"')`, col)
}

var jobColumns = strings.Join([]string{
	"job_id", "document_id", "dedup_key", "packed_hash", "record_json", "status", "attempt_count",
	ts("next_attempt_at"), "providers_json::text", "last_error", ts("created_at"), ts("updated_at"),
}, ", ")

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(row scanner) (ledger.JobRecord, error) {
	var rec ledger.JobRecord
	var record, providers string
	if err := row.Scan(&rec.JobID, &rec.DocumentID, &rec.DedupKey, &rec.PackedHash, &record, &rec.Status, &rec.AttemptCount, &rec.NextAttemptAt, &providers, &rec.LastError, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
		return ledger.JobRecord{}, err
	}
	rec.RecordJSON = []byte(record)
	rec.ProvidersJSON = []byte(providers)
	return rec, nil
}

func scanJobs(rows *sql.Rows) ([]ledger.JobRecord, error) {
	defer rows.Close()
	out := []ledger.JobRecord{}
	for rows.Next() {
		rec, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *Store) PutJob(job ledger.JobRecord) error {
	return s.WithTx(func(tx ledger.Tx) error { return tx.PutJob(job) })
}

func (s *Store) GetJob(jobID string) (ledger.JobRecord, bool) {
	rec, err := scanJob(s.db.QueryRow(`SELECT `+jobColumns+` FROM anchord_jobs WHERE job_id = $1`, jobID))
	if err != nil {
		return ledger.JobRecord{}, false
	}
	return rec, true
}

func (s *Store) ListJobsDue(now string, limit int) ([]ledger.JobRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(`SELECT `+jobColumns+`
FROM anchord_jobs
WHERE status IN ('pending', 'retry') AND next_attempt_at <= $1::timestamptz
ORDER BY created_at ASC, job_id ASC
LIMIT $2`, now, limit)
	if err != nil {
		return nil, err
	}
	return scanJobs(rows)
}

func (s *Store) ListJobs(status string, limit, offset int) ([]ledger.JobRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}
	rows, err := s.db.Query(`SELECT `+jobColumns+`
FROM anchord_jobs
WHERE ($1 = '' OR status = $1)
ORDER BY created_at ASC, job_id ASC
LIMIT $2 OFFSET $3`, status, limit, offset)
	if err != nil {
		return nil, err
	}
	return scanJobs(rows)
}

func (s *Store) CountJobs() (map[string]int, error) {
	rows, err := s.db.Query(`SELECT status, COUNT(*) FROM anchord_jobs GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[string]int{}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		out[status] = n
	}
	return out, rows.Err()
}

func (s *Store) ClearJobs() (int, error) {
	return execCount(s.db, `DELETE FROM anchord_jobs`)
}

func (s *Store) PutDedup(rec ledger.DedupRecord) error {
	return s.WithTx(func(tx ledger.Tx) error { return tx.PutDedup(rec) })
}

func (s *Store) GetDedup(dedupKey string) (ledger.DedupRecord, bool) {
	var rec ledger.DedupRecord
	row := s.db.QueryRow(`SELECT dedup_key, job_id, `+ts("expires_at")+` FROM anchord_dedup WHERE dedup_key = $1`, dedupKey)
	if err := row.Scan(&rec.DedupKey, &rec.JobID, &rec.ExpiresAt); err != nil {
		return ledger.DedupRecord{}, false
	}
	return rec, true
}

func (s *Store) PruneDedup(now string) (int, error) {
	return execCount(s.db, `DELETE FROM anchord_dedup WHERE expires_at <= $1::timestamptz`, now)
}

var logColumns = strings.Join([]string{
	"id", "job_id", "provider", "status", "document_id", "hash_algorithm", "hash_value",
	"anchor_url", "log_index", "entry_uuid", "error_message", ts("created_at"),
}, ", ")

func scanLogEntry(row scanner) (ledger.LogEntryRecord, error) {
	var rec ledger.LogEntryRecord
	if err := row.Scan(&rec.ID, &rec.JobID, &rec.Provider, &rec.Status, &rec.DocumentID, &rec.HashAlgorithm, &rec.HashValue, &rec.AnchorURL, &rec.LogIndex, &rec.EntryUUID, &rec.ErrorMessage, &rec.CreatedAt); err != nil {
		return ledger.LogEntryRecord{}, err
	}
	return rec, nil
}

func (s *Store) AppendLogEntry(entry ledger.LogEntryRecord) (int64, error) {
	var id int64
	err := s.WithTx(func(tx ledger.Tx) error {
		var err error
		id, err = tx.AppendLogEntry(entry)
		return err
	})
	return id, err
}

func logFilter(q ledger.LogQuery) (string, []any) {
	clauses := []string{}
	args := []any{}
	add := func(col, v string) {
		args = append(args, v)
		clauses = append(clauses, fmt.Sprintf("%s = $%d", col, len(args)))
	}
	if q.Status != "" {
		add("status", q.Status)
	}
	if q.Provider != "" {
		add("provider", q.Provider)
	}
	if q.DocumentID != "" {
		add("document_id", q.DocumentID)
	}
	if len(clauses) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

func (s *Store) ListLogEntries(q ledger.LogQuery) ([]ledger.LogEntryRecord, int, error) {
	q = q.Normalize()
	where, args := logFilter(q)

	var total int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM anchord_log`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	paged := fmt.Sprintf(` ORDER BY id DESC LIMIT $%d OFFSET $%d`, len(args)+1, len(args)+2)
	rows, err := s.db.Query(`SELECT `+logColumns+` FROM anchord_log`+where+paged, append(args, q.PerPage, q.Offset())...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	out := []ledger.LogEntryRecord{}
	for rows.Next() {
		rec, err := scanLogEntry(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, rec)
	}
	return out, total, rows.Err()
}

func (s *Store) GetLogEntryByIndex(logIndex int64) (ledger.LogEntryRecord, bool) {
	rec, err := scanLogEntry(s.db.QueryRow(`SELECT `+logColumns+` FROM anchord_log WHERE log_index = $1 ORDER BY id DESC LIMIT 1`, logIndex))
	if err != nil {
		return ledger.LogEntryRecord{}, false
	}
	return rec, true
}

func (s *Store) PruneLogEntries(before string) (int, error) {
	return execCount(s.db, `DELETE FROM anchord_log WHERE created_at < $1::timestamptz`, before)
}

func (s *Store) ClearLog() (int, error) {
	return execCount(s.db, `DELETE FROM anchord_log`)
}

func (s *Store) PutDocument(doc ledger.DocumentRecord) error {
	return s.WithTx(func(tx ledger.Tx) error { return tx.PutDocument(doc) })
}

var documentQuery = `SELECT document_id, post_id, post_type, author_id, content, packed_hash, hmac_hash, ` + ts("updated_at") + ` FROM anchord_documents WHERE document_id = $1`

func (s *Store) GetDocument(documentID string) (ledger.DocumentRecord, bool) {
	var rec ledger.DocumentRecord
	row := s.db.QueryRow(documentQuery, documentID)
	if err := row.Scan(&rec.DocumentID, &rec.PostID, &rec.PostType, &rec.AuthorID, &rec.Content, &rec.PackedHash, &rec.HMACHash, &rec.UpdatedAt); err != nil {
		return ledger.DocumentRecord{}, false
	}
	return rec, true
}

func (s *Store) PutNotice(notice ledger.NoticeRecord) error {
	return s.WithTx(func(tx ledger.Tx) error { return tx.PutNotice(notice) })
}

func (s *Store) ListNotices(includeDismissed bool) ([]ledger.NoticeRecord, error) {
	query := `SELECT notice_id, kind, message, job_id, document_id, ` + ts("created_at") + `, ` + ts("dismissed_at") + ` FROM anchord_notices`
	if !includeDismissed {
		query += ` WHERE dismissed_at IS NULL`
	}
	rows, err := s.db.Query(query + ` ORDER BY created_at DESC, notice_id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []ledger.NoticeRecord{}
	for rows.Next() {
		var rec ledger.NoticeRecord
		if err := rows.Scan(&rec.NoticeID, &rec.Kind, &rec.Message, &rec.JobID, &rec.DocumentID, &rec.CreatedAt, &rec.DismissedAt); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *Store) DismissNotice(noticeID string, at string) (bool, error) {
	n, err := execCount(s.db, `UPDATE anchord_notices SET dismissed_at = $1::timestamptz WHERE notice_id = $2 AND dismissed_at IS NULL`, at, noticeID)
	return n > 0, err
}

func execCount(db *sql.DB, query string, args ...any) (int, error) {
	res, err := db.Exec(query, args...)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

type Tx struct {
	tx *sql.Tx
}

func (t *Tx) PutJob(job ledger.JobRecord) error {
	if !json.Valid(job.ProvidersJSON) {
		return errors.New("invalid providers_json")
	}
	_, err := t.tx.Exec(
		`INSERT INTO anchord_jobs(job_id, document_id, dedup_key, packed_hash, record_json, status, attempt_count, next_attempt_at, providers_json, last_error, created_at, updated_at)
VALUES($1,$2,$3,$4,$5,$6,$7,$8::timestamptz,$9::jsonb,$10,$11::timestamptz,$12::timestamptz)
ON CONFLICT(job_id) DO UPDATE SET
  status=excluded.status,
  attempt_count=excluded.attempt_count,
  next_attempt_at=excluded.next_attempt_at,
  providers_json=excluded.providers_json,
  last_error=excluded.last_error,
  updated_at=excluded.updated_at`,
		job.JobID,
		job.DocumentID,
		job.DedupKey,
		job.PackedHash,
		string(job.RecordJSON),
		job.Status,
		job.AttemptCount,
		job.NextAttemptAt,
		string(job.ProvidersJSON),
		job.LastError,
		job.CreatedAt,
		job.UpdatedAt,
	)
	return err
}

func (t *Tx) GetJob(jobID string) (ledger.JobRecord, bool) {
	rec, err := scanJob(t.tx.QueryRow(`SELECT `+jobColumns+` FROM anchord_jobs WHERE job_id = $1 FOR UPDATE`, jobID))
	if err != nil {
		return ledger.JobRecord{}, false
	}
	return rec, true
}

func (t *Tx) DeleteJob(jobID string) error {
	_, err := t.tx.Exec(`DELETE FROM anchord_jobs WHERE job_id = $1`, jobID)
	return err
}

func (t *Tx) PutDedup(rec ledger.DedupRecord) error {
	_, err := t.tx.Exec(`INSERT INTO anchord_dedup(dedup_key, job_id, expires_at)
VALUES($1,$2,$3::timestamptz)
ON CONFLICT(dedup_key) DO UPDATE SET
  job_id=excluded.job_id,
  expires_at=excluded.expires_at`,
		rec.DedupKey, rec.JobID, rec.ExpiresAt,
	)
	return err
}

func (t *Tx) GetDedup(dedupKey string) (ledger.DedupRecord, bool) {
	var rec ledger.DedupRecord
	row := t.tx.QueryRow(`SELECT dedup_key, job_id, `+ts("expires_at")+` FROM anchord_dedup WHERE dedup_key = $1`, dedupKey)
	if err := row.Scan(&rec.DedupKey, &rec.JobID, &rec.ExpiresAt); err != nil {
		return ledger.DedupRecord{}, false
	}
	return rec, true
}

func (t *Tx) AppendLogEntry(entry ledger.LogEntryRecord) (int64, error) {
	var id int64
	err := t.tx.QueryRow(`INSERT INTO anchord_log(job_id, provider, status, document_id, hash_algorithm, hash_value, anchor_url, log_index, entry_uuid, error_message, created_at)
VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11::timestamptz)
RETURNING id`,
		entry.JobID,
		entry.Provider,
		entry.Status,
		entry.DocumentID,
		entry.HashAlgorithm,
		entry.HashValue,
		entry.AnchorURL,
		entry.LogIndex,
		entry.EntryUUID,
		entry.ErrorMessage,
		entry.CreatedAt,
	).Scan(&id)
	return id, err
}

func (t *Tx) PutDocument(doc ledger.DocumentRecord) error {
	_, err := t.tx.Exec(`INSERT INTO anchord_documents(document_id, post_id, post_type, author_id, content, packed_hash, hmac_hash, updated_at)
VALUES($1,$2,$3,$4,$5,$6,$7,$8::timestamptz)
ON CONFLICT(document_id) DO UPDATE SET
  post_id=excluded.post_id,
  post_type=excluded.post_type,
  author_id=excluded.author_id,
  content=excluded.content,
  packed_hash=excluded.packed_hash,
  hmac_hash=excluded.hmac_hash,
  updated_at=excluded.updated_at`,
		doc.DocumentID,
		doc.PostID,
		doc.PostType,
		doc.AuthorID,
		doc.Content,
		doc.PackedHash,
		doc.HMACHash,
		doc.UpdatedAt,
	)
	return err
}

func (t *Tx) GetDocument(documentID string) (ledger.DocumentRecord, bool) {
	var rec ledger.DocumentRecord
	row := t.tx.QueryRow(documentQuery, documentID)
	if err := row.Scan(&rec.DocumentID, &rec.PostID, &rec.PostType, &rec.AuthorID, &rec.Content, &rec.PackedHash, &rec.HMACHash, &rec.UpdatedAt); err != nil {
		return ledger.DocumentRecord{}, false
	}
	return rec, true
}

func (t *Tx) PutNotice(notice ledger.NoticeRecord) error {
	_, err := t.tx.Exec(`INSERT INTO anchord_notices(notice_id, kind, message, job_id, document_id, created_at, dismissed_at)
VALUES($1,$2,$3,$4,$5,$6::timestamptz,$7::timestamptz)
ON CONFLICT(notice_id) DO NOTHING`,
		notice.NoticeID,
		notice.Kind,
		notice.Message,
		notice.JobID,
		notice.DocumentID,
		notice.CreatedAt,
		notice.DismissedAt,
	)
	return err
}
