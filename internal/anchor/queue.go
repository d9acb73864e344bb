package anchor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/davidahmann/anchord/internal/integrity"
	"github.com/davidahmann/anchord/internal/ledger"
	"github.com/davidahmann/anchord/internal/metrics"
	"github.com/davidahmann/anchord/internal/provider"
	"github.com/davidahmann/anchord/internal/tracing"
	"github.com/davidahmann/anchord/pkg/types"
)

const (
	DefaultMaxAttempts = 5
	DefaultDedupWindow = 60 * time.Second
	DefaultBatchSize   = 25
	DefaultParallelism = 3
)

const (
	NoticeJobFailed      = "job_failed"
	NoticeProviderFailed = "provider_failed"
	NoticeKeyMissing     = "key_missing"
)

type Options struct {
	MaxAttempts int
	BackoffBase time.Duration
	BackoffMax  time.Duration
	DedupWindow time.Duration
	// BatchSize caps the jobs taken per drain.
	BatchSize int
	// Parallelism bounds concurrent provider calls within one job.
	Parallelism int

	Logger  *logrus.Logger
	Metrics *metrics.Metrics
	Tracer  trace.Tracer
	Now     func() time.Time
}

func (o Options) withDefaults() Options {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = DefaultMaxAttempts
	}
	if o.BackoffBase <= 0 {
		o.BackoffBase = DefaultBackoffBase
	}
	if o.BackoffMax <= 0 {
		o.BackoffMax = DefaultBackoffMax
	}
	if o.DedupWindow <= 0 {
		o.DedupWindow = DefaultDedupWindow
	}
	if o.BatchSize <= 0 {
		o.BatchSize = DefaultBatchSize
	}
	if o.Parallelism <= 0 {
		o.Parallelism = DefaultParallelism
	}
	if o.Logger == nil {
		o.Logger = logrus.New()
	}
	if o.Tracer == nil {
		o.Tracer = tracing.Tracer()
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// Queue owns the anchor job lifecycle. Dispatchers report results; only the
// queue writes job state, and each job's transition commits in one
// transaction together with its log entries and notices.
type Queue struct {
	store       ledger.Store
	dispatchers map[types.ProviderName]provider.Dispatcher
	opts        Options
	log         *logrus.Logger

	drainMu sync.Mutex
}

func NewQueue(store ledger.Store, dispatchers []provider.Dispatcher, opts Options) *Queue {
	opts = opts.withDefaults()
	byName := make(map[types.ProviderName]provider.Dispatcher, len(dispatchers))
	for _, d := range dispatchers {
		if d != nil {
			byName[d.Name()] = d
		}
	}
	return &Queue{store: store, dispatchers: byName, opts: opts, log: opts.Logger}
}

// Providers lists the configured providers in dispatch order.
func (q *Queue) Providers() []types.ProviderName {
	out := []types.ProviderName{}
	for _, name := range types.AllProviders {
		if _, ok := q.dispatchers[name]; ok {
			out = append(out, name)
		}
	}
	return out
}

func (q *Queue) Now() time.Time {
	return q.opts.Now().UTC()
}

type EnqueueResult struct {
	JobID      string
	Suppressed bool
}

// Enqueue creates a pending job for rec unless the same document and packed
// hash were enqueued within the dedup window. providers narrows the target
// set; nil means every configured provider.
func (q *Queue) Enqueue(ctx context.Context, rec types.AnchorRecord, packedHash string, providers []types.ProviderName) (EnqueueResult, error) {
	return q.enqueue(ctx, rec, packedHash, providers, false)
}

// EnqueueNow is the operator "anchor now" path. It ignores the dedup window
// but still refreshes the marker.
func (q *Queue) EnqueueNow(ctx context.Context, rec types.AnchorRecord, packedHash string, providers []types.ProviderName) (EnqueueResult, error) {
	return q.enqueue(ctx, rec, packedHash, providers, true)
}

func (q *Queue) enqueue(ctx context.Context, rec types.AnchorRecord, packedHash string, providers []types.ProviderName, force bool) (EnqueueResult, error) {
	if err := ctx.Err(); err != nil {
		return EnqueueResult{}, err
	}
	targets, err := q.targets(providers)
	if err != nil {
		return EnqueueResult{}, err
	}
	recordJSON, err := CanonicalJSON(rec)
	if err != nil {
		return EnqueueResult{}, fmt.Errorf("encode record: %w", err)
	}

	states := make(map[types.ProviderName]types.ProviderState, len(targets))
	for _, name := range targets {
		states[name] = types.ProviderState{Status: types.JobPending}
	}
	providersJSON, err := json.Marshal(states)
	if err != nil {
		return EnqueueResult{}, err
	}

	now := q.Now()
	nowStr := now.Format(time.RFC3339)
	key := ledger.DedupKey(rec.DocumentID, packedHash)
	job := ledger.JobRecord{
		JobID:         uuid.NewString(),
		DocumentID:    rec.DocumentID,
		DedupKey:      key,
		PackedHash:    packedHash,
		RecordJSON:    recordJSON,
		Status:        string(types.JobPending),
		NextAttemptAt: nowStr,
		ProvidersJSON: providersJSON,
		CreatedAt:     nowStr,
		UpdatedAt:     nowStr,
	}

	err = q.store.WithTx(func(tx ledger.Tx) error {
		if !force {
			if marker, ok := tx.GetDedup(key); ok && marker.ExpiresAt > nowStr {
				return ErrDuplicateSuppressed
			}
		}
		if err := tx.PutJob(job); err != nil {
			return err
		}
		return tx.PutDedup(ledger.DedupRecord{
			DedupKey:  key,
			JobID:     job.JobID,
			ExpiresAt: now.Add(q.opts.DedupWindow).Format(time.RFC3339),
		})
	})
	if errors.Is(err, ErrDuplicateSuppressed) {
		q.opts.Metrics.IncEnqueue("suppressed")
		q.log.WithFields(logrus.Fields{"document_id": rec.DocumentID}).Debug("anchor enqueue suppressed")
		return EnqueueResult{Suppressed: true}, nil
	}
	if err != nil {
		return EnqueueResult{}, err
	}

	q.opts.Metrics.IncEnqueue("accepted")
	q.log.WithFields(logrus.Fields{
		"job_id":      job.JobID,
		"document_id": rec.DocumentID,
		"providers":   len(targets),
		"forced":      force,
	}).Info("anchor job enqueued")
	return EnqueueResult{JobID: job.JobID}, nil
}

func (q *Queue) targets(requested []types.ProviderName) ([]types.ProviderName, error) {
	enabled := q.Providers()
	if requested == nil {
		if len(enabled) == 0 {
			return nil, ErrNoProviders
		}
		return enabled, nil
	}
	want := make(map[types.ProviderName]bool, len(requested))
	for _, name := range requested {
		want[name] = true
	}
	out := []types.ProviderName{}
	for _, name := range enabled {
		if want[name] {
			out = append(out, name)
		}
	}
	if len(out) == 0 {
		return nil, ErrNoProviders
	}
	return out, nil
}

// Drain dispatches every due job. Jobs run one after another; the providers
// of a job run in parallel. Only one drain runs at a time.
func (q *Queue) Drain(ctx context.Context, now time.Time) ([]types.DispatchOutcome, error) {
	q.drainMu.Lock()
	defer q.drainMu.Unlock()

	now = now.UTC()
	due, err := q.store.ListJobsDue(now.Format(time.RFC3339), q.opts.BatchSize)
	if err != nil {
		return nil, err
	}

	outcomes := []types.DispatchOutcome{}
	for _, job := range due {
		if err := ctx.Err(); err != nil {
			return outcomes, err
		}
		out, err := q.processJob(ctx, job, now)
		outcomes = append(outcomes, out...)
		if err != nil {
			return outcomes, err
		}
	}
	q.refreshGauge()
	return outcomes, nil
}

func (q *Queue) processJob(ctx context.Context, job ledger.JobRecord, now time.Time) ([]types.DispatchOutcome, error) {
	nowStr := now.Format(time.RFC3339)
	rec, err := ledger.VerifyJobRecord(job)
	if err != nil {
		return nil, q.failJob(job, nowStr, err)
	}
	states, err := decodeStates(job.ProvidersJSON)
	if err != nil {
		return nil, q.failJob(job, nowStr, err)
	}

	targets := []types.ProviderName{}
	for _, name := range sortedProviders(states) {
		st := states[name]
		if st.Status == types.JobPending || st.Status == types.JobRetry {
			targets = append(targets, name)
		}
	}

	results := make([]provider.Result, len(targets))
	var g errgroup.Group
	g.SetLimit(q.opts.Parallelism)
	for i, name := range targets {
		g.Go(func() error {
			results[i] = q.dispatch(ctx, name, rec, job)
			return nil
		})
	}
	_ = g.Wait()

	next, notices := q.transition(job, states, targets, results, now)

	discarded := false
	err = q.store.WithTx(func(tx ledger.Tx) error {
		if _, ok := tx.GetJob(job.JobID); !ok {
			discarded = true
			return nil
		}
		for i, name := range targets {
			if _, err := tx.AppendLogEntry(logEntry(rec, job.JobID, name, results[i], nowStr)); err != nil {
				return err
			}
		}
		if next.Status == string(types.JobDone) {
			if err := tx.DeleteJob(job.JobID); err != nil {
				return err
			}
		} else if err := tx.PutJob(next); err != nil {
			return err
		}
		for _, n := range notices {
			if err := tx.PutNotice(n); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("commit job %s: %w", job.JobID, err)
	}

	outcomes := make([]types.DispatchOutcome, 0, len(targets))
	for i, name := range targets {
		res := results[i]
		out := types.DispatchOutcome{
			JobID:      job.JobID,
			DocumentID: job.DocumentID,
			Provider:   name,
			Status:     res.Status,
			AnchorURL:  res.AnchorURL,
			Discarded:  discarded,
		}
		if res.Err != nil {
			out.Error = res.Err.Error()
		}
		outcomes = append(outcomes, out)
	}

	fields := logrus.Fields{"job_id": job.JobID, "document_id": job.DocumentID, "status": next.Status, "attempt": next.AttemptCount}
	switch {
	case discarded:
		q.log.WithFields(fields).Warn("anchor job cleared during drain; outcomes discarded")
	case next.Status == string(types.JobFailed):
		q.log.WithFields(fields).Error("anchor job failed")
	case next.Status == string(types.JobRetry):
		fields["next_attempt_at"] = next.NextAttemptAt
		q.log.WithFields(fields).Warn("anchor job scheduled for retry")
	default:
		q.log.WithFields(fields).Info("anchor job done")
	}
	return outcomes, nil
}

func (q *Queue) dispatch(ctx context.Context, name types.ProviderName, rec types.AnchorRecord, job ledger.JobRecord) provider.Result {
	d, ok := q.dispatchers[name]
	if !ok {
		return provider.Result{Status: types.LogFailed, Err: fmt.Errorf("%w: provider %s not configured", provider.ErrPermanent, name)}
	}

	ctx, span := q.opts.Tracer.Start(ctx, "anchor.dispatch", trace.WithAttributes(
		attribute.String("anchor.provider", string(name)),
		attribute.String("anchor.job_id", job.JobID),
		attribute.String("anchor.document_id", job.DocumentID),
	))
	defer span.End()

	start := time.Now()
	res := d.Dispatch(ctx, rec, job.RecordJSON)
	q.opts.Metrics.ObserveDispatch(string(name), string(res.Status), time.Since(start))

	span.SetAttributes(attribute.String("anchor.status", string(res.Status)))
	if res.Err != nil {
		span.RecordError(res.Err)
		span.SetStatus(codes.Error, res.Err.Error())
	}
	return res
}

// transition applies one round of results to the job. Transient results
// consume one attempt for the whole job; permanent results fail only their
// provider. When the budget runs out the transient results in results are
// rewritten to failed.
func (q *Queue) transition(job ledger.JobRecord, states map[types.ProviderName]types.ProviderState, targets []types.ProviderName, results []provider.Result, now time.Time) (ledger.JobRecord, []ledger.NoticeRecord) {
	nowStr := now.Format(time.RFC3339)
	notices := []ledger.NoticeRecord{}
	docID := job.DocumentID
	jobID := job.JobID

	retrying := false
	for i, name := range targets {
		res := results[i]
		st := states[name]
		st.Attempts++
		switch res.Status {
		case types.LogAnchored:
			st.Status = types.JobDone
			st.AnchorURL = res.AnchorURL
			st.LastError = ""
		case types.LogFailed:
			st.Status = types.JobFailed
			st.LastError = errText(res.Err)
			notices = append(notices, newNotice(NoticeProviderFailed,
				fmt.Sprintf("%s rejected document %s: %s", name, docID, st.LastError), &jobID, &docID, nowStr))
		default:
			st.Status = types.JobRetry
			st.LastError = errText(res.Err)
			retrying = true
		}
		states[name] = st
	}

	if retrying {
		job.AttemptCount++
		if job.AttemptCount >= q.opts.MaxAttempts {
			for name, st := range states {
				if st.Status == types.JobRetry || st.Status == types.JobPending {
					st.Status = types.JobFailed
					st.LastError = "attempts exhausted: " + st.LastError
					states[name] = st
				}
			}
			// The final attempt is logged and reported as the terminal failure.
			for i := range results {
				if results[i].Status == types.LogAnchored || results[i].Status == types.LogFailed {
					continue
				}
				results[i].Status = types.LogFailed
				results[i].Err = exhausted(results[i].Err)
			}
		} else {
			job.NextAttemptAt = now.Add(Backoff(q.opts.BackoffBase, q.opts.BackoffMax, job.AttemptCount)).Format(time.RFC3339)
		}
	}

	job.Status = string(aggregate(states))
	job.UpdatedAt = nowStr
	job.LastError = nil
	for _, name := range sortedProviders(states) {
		if msg := states[name].LastError; msg != "" && states[name].Status != types.JobDone {
			text := string(name) + ": " + msg
			job.LastError = &text
			break
		}
	}
	if encoded, err := json.Marshal(states); err == nil {
		job.ProvidersJSON = encoded
	}

	if job.Status == string(types.JobFailed) {
		msg := fmt.Sprintf("anchoring failed for document %s after %d attempts", docID, job.AttemptCount)
		if job.LastError != nil {
			msg += ": " + *job.LastError
		}
		notices = append(notices, newNotice(NoticeJobFailed, msg, &jobID, &docID, nowStr))
	}
	return job, notices
}

// failJob marks a job that cannot be dispatched at all, such as one whose
// stored record no longer verifies. Every provider still open gets a failed
// log entry in the same transaction as the notice.
func (q *Queue) failJob(job ledger.JobRecord, nowStr string, cause error) error {
	q.log.WithFields(logrus.Fields{"job_id": job.JobID, "document_id": job.DocumentID, "error": cause}).Error("anchor job unusable")
	return q.store.WithTx(func(tx ledger.Tx) error {
		cur, ok := tx.GetJob(job.JobID)
		if !ok {
			return nil
		}
		msg := cause.Error()

		var open []types.ProviderName
		states, err := decodeStates(cur.ProvidersJSON)
		if err != nil {
			// Unreadable sub-state: one entry for the job as a whole.
			open = []types.ProviderName{""}
		} else {
			for _, name := range sortedProviders(states) {
				st := states[name]
				if st.Status != types.JobPending && st.Status != types.JobRetry {
					continue
				}
				open = append(open, name)
				st.Status = types.JobFailed
				st.LastError = msg
				states[name] = st
			}
			if encoded, err := json.Marshal(states); err == nil {
				cur.ProvidersJSON = encoded
			}
		}

		algorithm, value := "", ""
		if parsed, err := integrity.Unpack(cur.PackedHash); err == nil {
			algorithm, value = parsed.Algorithm, parsed.Digest
		}
		for _, name := range open {
			errMsg := msg
			if _, err := tx.AppendLogEntry(ledger.LogEntryRecord{
				JobID:         cur.JobID,
				Provider:      string(name),
				Status:        string(types.LogFailed),
				DocumentID:    cur.DocumentID,
				HashAlgorithm: algorithm,
				HashValue:     value,
				ErrorMessage:  &errMsg,
				CreatedAt:     nowStr,
			}); err != nil {
				return err
			}
		}

		cur.Status = string(types.JobFailed)
		cur.LastError = &msg
		cur.UpdatedAt = nowStr
		if err := tx.PutJob(cur); err != nil {
			return err
		}
		docID, jobID := cur.DocumentID, cur.JobID
		return tx.PutNotice(newNotice(NoticeJobFailed, "anchor job for document "+docID+" is unusable: "+msg, &jobID, &docID, nowStr))
	})
}

func aggregate(states map[types.ProviderName]types.ProviderState) types.JobStatus {
	failed := false
	for _, st := range states {
		switch st.Status {
		case types.JobPending, types.JobRetry:
			return types.JobRetry
		case types.JobFailed:
			failed = true
		}
	}
	if failed {
		return types.JobFailed
	}
	return types.JobDone
}

func logEntry(rec types.AnchorRecord, jobID string, name types.ProviderName, res provider.Result, nowStr string) ledger.LogEntryRecord {
	entry := ledger.LogEntryRecord{
		JobID:         jobID,
		Provider:      string(name),
		Status:        string(res.Status),
		DocumentID:    rec.DocumentID,
		HashAlgorithm: rec.HashAlgorithm,
		HashValue:     rec.HashValue,
		LogIndex:      res.LogIndex,
		CreatedAt:     nowStr,
	}
	if res.AnchorURL != "" {
		url := res.AnchorURL
		entry.AnchorURL = &url
	}
	if res.EntryUUID != "" {
		id := res.EntryUUID
		entry.EntryUUID = &id
	}
	if res.Err != nil {
		msg := res.Err.Error()
		entry.ErrorMessage = &msg
	}
	return entry
}

func newNotice(kind, message string, jobID, documentID *string, nowStr string) ledger.NoticeRecord {
	return ledger.NoticeRecord{
		NoticeID:   uuid.NewString(),
		Kind:       kind,
		Message:    message,
		JobID:      jobID,
		DocumentID: documentID,
		CreatedAt:  nowStr,
	}
}

func exhausted(err error) error {
	if err == nil {
		return errors.New("attempts exhausted")
	}
	return fmt.Errorf("attempts exhausted: %w", err)
}

func errText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func decodeStates(raw []byte) (map[types.ProviderName]types.ProviderState, error) {
	states := map[types.ProviderName]types.ProviderState{}
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: job has no providers", ledger.ErrJobRecordCorrupt)
	}
	if err := json.Unmarshal(raw, &states); err != nil {
		return nil, fmt.Errorf("%w: providers: %v", ledger.ErrJobRecordCorrupt, err)
	}
	return states, nil
}

// sortedProviders orders known providers by dispatch order, unknown ones
// after them by name.
func sortedProviders(states map[types.ProviderName]types.ProviderState) []types.ProviderName {
	rank := map[types.ProviderName]int{}
	for i, name := range types.AllProviders {
		rank[name] = i
	}
	out := make([]types.ProviderName, 0, len(states))
	for name := range states {
		out = append(out, name)
	}
	sort.Slice(out, func(i, j int) bool {
		ri, iok := rank[out[i]]
		rj, jok := rank[out[j]]
		switch {
		case iok && jok:
			return ri < rj
		case iok != jok:
			return iok
		default:
			return out[i] < out[j]
		}
	})
	return out
}

// Clear abandons every queued job. Log entries and stored hashes stay.
func (q *Queue) Clear(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	n, err := q.store.ClearJobs()
	if err != nil {
		return 0, err
	}
	q.log.WithFields(logrus.Fields{"jobs": n}).Info("anchor queue cleared")
	q.refreshGauge()
	return n, nil
}

// Requeue resets a failed job so its unfinished providers are retried from
// a fresh attempt budget.
func (q *Queue) Requeue(ctx context.Context, jobID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	nowStr := q.Now().Format(time.RFC3339)
	err := q.store.WithTx(func(tx ledger.Tx) error {
		job, ok := tx.GetJob(jobID)
		if !ok {
			return ErrJobNotFound
		}
		if job.Status != string(types.JobFailed) {
			return ErrJobNotFailed
		}
		states, err := decodeStates(job.ProvidersJSON)
		if err != nil {
			return err
		}
		for name, st := range states {
			if st.Status != types.JobDone {
				st.Status = types.JobPending
				st.LastError = ""
				states[name] = st
			}
		}
		encoded, err := json.Marshal(states)
		if err != nil {
			return err
		}
		job.ProvidersJSON = encoded
		job.Status = string(types.JobPending)
		job.AttemptCount = 0
		job.NextAttemptAt = nowStr
		job.LastError = nil
		job.UpdatedAt = nowStr
		return tx.PutJob(job)
	})
	if err != nil {
		return err
	}
	q.log.WithFields(logrus.Fields{"job_id": jobID}).Info("anchor job requeued")
	return nil
}

// List returns queued jobs, optionally filtered by status.
func (q *Queue) List(ctx context.Context, status string, limit, offset int) ([]types.JobView, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	jobs, err := q.store.ListJobs(status, limit, offset)
	if err != nil {
		return nil, err
	}
	out := make([]types.JobView, 0, len(jobs))
	for _, job := range jobs {
		out = append(out, ViewJob(job))
	}
	return out, nil
}

func (q *Queue) Counts(ctx context.Context) (map[string]int, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return q.store.CountJobs()
}

// PruneLog drops log entries older than retentionDays and expired dedup
// markers. Zero days keeps the log forever.
func (q *Queue) PruneLog(ctx context.Context, retentionDays int) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	now := q.Now()
	if _, err := q.store.PruneDedup(now.Format(time.RFC3339)); err != nil {
		return 0, err
	}
	if retentionDays <= 0 {
		return 0, nil
	}
	before := now.AddDate(0, 0, -retentionDays).Format(time.RFC3339)
	n, err := q.store.PruneLogEntries(before)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		q.log.WithFields(logrus.Fields{"entries": n, "before": before}).Info("anchor log pruned")
	}
	return n, nil
}

func (q *Queue) refreshGauge() {
	if q.opts.Metrics == nil {
		return
	}
	counts, err := q.store.CountJobs()
	if err != nil {
		q.log.WithFields(logrus.Fields{"error": err}).Warn("count jobs")
		return
	}
	q.opts.Metrics.SetQueueJobs(counts)
}

// ViewJob converts a stored job to its wire view.
func ViewJob(job ledger.JobRecord) types.JobView {
	view := types.JobView{
		JobID:         job.JobID,
		DocumentID:    job.DocumentID,
		Status:        types.JobStatus(job.Status),
		AttemptCount:  job.AttemptCount,
		NextAttemptAt: job.NextAttemptAt,
		Providers:     map[types.ProviderName]types.ProviderState{},
		CreatedAt:     job.CreatedAt,
	}
	if states, err := decodeStates(job.ProvidersJSON); err == nil {
		view.Providers = states
	}
	if job.LastError != nil {
		view.LastError = strings.TrimSpace(*job.LastError)
	}
	return view
}
