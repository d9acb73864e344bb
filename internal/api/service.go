package api

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/davidahmann/anchord/internal/anchor"
	"github.com/davidahmann/anchord/internal/integrity"
	"github.com/davidahmann/anchord/internal/ledger"
	"github.com/davidahmann/anchord/internal/policy"
	"github.com/davidahmann/anchord/internal/provider"
	"github.com/davidahmann/anchord/internal/verify"
	"github.com/davidahmann/anchord/pkg/types"
)

var (
	ErrInvalidChange    = errors.New("invalid document change")
	ErrDocumentNotFound = verify.ErrDocumentNotFound
)

type ServiceConfig struct {
	Store    ledger.Store
	Registry *integrity.Registry
	Queue    *anchor.Queue
	Verifier *verify.Verifier
	// Policy defaults to policy.Default().
	Policy      *policy.LoadedPolicy
	HMACEnabled bool
	Profiles    *provider.Catalogue
	// ArtifactsDir is where RFC 3161 and DSSE artifacts live.
	ArtifactsDir  string
	RetentionDays int
	Logger        *logrus.Logger
}

// AnchorService is the engine behind the intake hook and the operator
// operations.
type AnchorService struct {
	store         ledger.Store
	registry      *integrity.Registry
	queue         *anchor.Queue
	verifier      *verify.Verifier
	policy        policy.LoadedPolicy
	hmacEnabled   bool
	profiles      *provider.Catalogue
	artifactsDir  string
	retentionDays int
	log           *logrus.Logger
}

func NewAnchorService(cfg ServiceConfig) (*AnchorService, error) {
	if cfg.Store == nil || cfg.Registry == nil || cfg.Queue == nil {
		return nil, fmt.Errorf("store, registry and queue are required")
	}
	loaded := policy.Default()
	if cfg.Policy != nil {
		loaded = *cfg.Policy
	}
	if cfg.Profiles == nil {
		cfg.Profiles = provider.DefaultCatalogue()
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	if cfg.Verifier == nil {
		cfg.Verifier = verify.New(cfg.Store, cfg.Registry, nil, cfg.Logger)
	}
	return &AnchorService{
		store:         cfg.Store,
		registry:      cfg.Registry,
		queue:         cfg.Queue,
		verifier:      cfg.Verifier,
		policy:        loaded,
		hmacEnabled:   cfg.HMACEnabled,
		profiles:      cfg.Profiles,
		artifactsDir:  cfg.ArtifactsDir,
		retentionDays: cfg.RetentionDays,
		log:           cfg.Logger,
	}, nil
}

// CheckKeys raises a key_missing notice when keyed mode is enabled without
// a usable key. It is called at startup and on every keyed save.
func (s *AnchorService) CheckKeys() {
	if !s.hmacEnabled || s.registry.HasKey() {
		return
	}
	s.raiseKeyMissing(nil)
}

// OnDocumentChange hashes the saved document, stores the result and queues
// an anchor job. It never touches the network.
func (s *AnchorService) OnDocumentChange(ctx context.Context, change types.DocumentChange) (types.ChangeResult, error) {
	if err := ctx.Err(); err != nil {
		return types.ChangeResult{}, err
	}
	if change.DocumentID == "" {
		return types.ChangeResult{}, fmt.Errorf("%w: document_id is required", ErrInvalidChange)
	}

	decision := policy.Evaluate(s.policy.Policy, s.policy.Hash, policy.Input{
		DocumentID: change.DocumentID,
		PostType:   change.PostType,
		AuthorID:   change.AuthorID,
	})
	algorithm := change.Algorithm
	if algorithm == "" {
		algorithm = decision.Algorithm
	}

	content := integrity.Content{
		DocumentID: change.DocumentID,
		PostType:   change.PostType,
		AuthorID:   change.AuthorID,
		Body:       change.Content,
	}
	packed, err := s.registry.Pack(content, algorithm)
	if err != nil {
		return types.ChangeResult{}, err
	}
	result := types.ChangeResult{
		DocumentID: change.DocumentID,
		PackedHash: packed.Packed,
		Algorithm:  packed.Algorithm,
		FellBack:   packed.FellBack,
	}

	if s.hmacEnabled {
		keyed, err := s.registry.PackHMAC(content, algorithm)
		switch {
		case errors.Is(err, integrity.ErrKeyMissing):
			docID := change.DocumentID
			s.raiseKeyMissing(&docID)
		case err != nil:
			return types.ChangeResult{}, err
		default:
			value := keyed.Packed
			result.HMACHash = &value
		}
	}

	now := s.queue.Now()
	if err := s.store.PutDocument(ledger.DocumentRecord{
		DocumentID: change.DocumentID,
		PostID:     change.PostID,
		PostType:   change.PostType,
		AuthorID:   change.AuthorID,
		Content:    change.Content,
		PackedHash: result.PackedHash,
		HMACHash:   result.HMACHash,
		UpdatedAt:  now.Format(time.RFC3339),
	}); err != nil {
		return types.ChangeResult{}, fmt.Errorf("store document: %w", err)
	}

	if !decision.Anchor() {
		result.Skipped = true
		result.SkipReason = decision.Reason
		s.log.WithFields(logrus.Fields{
			"document_id": change.DocumentID,
			"rule_id":     decision.MatchedRuleID,
		}).Debug("anchoring skipped by policy")
		return result, nil
	}

	enq, err := s.enqueue(ctx, change.DocumentID, change.PostID, change.PostType, change.AuthorID, result.PackedHash, result.HMACHash, decision.Providers, now, false)
	if errors.Is(err, anchor.ErrNoProviders) {
		result.Skipped = true
		result.SkipReason = "no enabled provider selected"
		return result, nil
	}
	if err != nil {
		return types.ChangeResult{}, err
	}
	result.JobID = enq.JobID
	result.Suppressed = enq.Suppressed
	return result, nil
}

// AnchorNow queues the stored hash of a document immediately, ignoring the
// dedup window and any skip rule.
func (s *AnchorService) AnchorNow(ctx context.Context, documentID string) (types.ChangeResult, error) {
	doc, ok := s.store.GetDocument(documentID)
	if !ok {
		return types.ChangeResult{}, ErrDocumentNotFound
	}
	parsed, err := integrity.Unpack(doc.PackedHash)
	if err != nil {
		return types.ChangeResult{}, err
	}

	decision := policy.Evaluate(s.policy.Policy, s.policy.Hash, policy.Input{
		DocumentID: doc.DocumentID,
		PostType:   doc.PostType,
		AuthorID:   doc.AuthorID,
	})
	enq, err := s.enqueue(ctx, doc.DocumentID, doc.PostID, doc.PostType, doc.AuthorID, doc.PackedHash, doc.HMACHash, decision.Providers, s.queue.Now(), true)
	if errors.Is(err, anchor.ErrNoProviders) {
		enq, err = s.enqueue(ctx, doc.DocumentID, doc.PostID, doc.PostType, doc.AuthorID, doc.PackedHash, doc.HMACHash, nil, s.queue.Now(), true)
	}
	if err != nil {
		return types.ChangeResult{}, err
	}
	return types.ChangeResult{
		DocumentID: doc.DocumentID,
		PackedHash: doc.PackedHash,
		HMACHash:   doc.HMACHash,
		Algorithm:  parsed.Algorithm,
		JobID:      enq.JobID,
	}, nil
}

func (s *AnchorService) enqueue(ctx context.Context, documentID string, postID *string, postType, authorID, packedHash string, hmacHash *string, providers []types.ProviderName, now time.Time, force bool) (anchor.EnqueueResult, error) {
	in := anchor.RecordInput{
		DocumentID: documentID,
		PostID:     postID,
		PostType:   postType,
		AuthorID:   authorID,
		PackedHash: packedHash,
		CreatedAt:  now,
	}
	if hmacHash != nil {
		in.HMACHash = *hmacHash
	}
	rec, err := anchor.NewRecord(in)
	if err != nil {
		return anchor.EnqueueResult{}, err
	}
	if force {
		return s.queue.EnqueueNow(ctx, rec, packedHash, providers)
	}
	return s.queue.Enqueue(ctx, rec, packedHash, providers)
}

func (s *AnchorService) raiseKeyMissing(documentID *string) {
	active, err := s.store.ListNotices(false)
	if err != nil {
		s.log.WithFields(logrus.Fields{"error": err}).Warn("list notices")
		return
	}
	for _, n := range active {
		if n.Kind == anchor.NoticeKeyMissing {
			return
		}
	}
	notice := ledger.NoticeRecord{
		NoticeID:   uuid.NewString(),
		Kind:       anchor.NoticeKeyMissing,
		Message:    "keyed integrity mode is enabled but ANCHORD_HMAC_KEY is missing or too short; documents are hashed without HMAC",
		DocumentID: documentID,
		CreatedAt:  s.queue.Now().Format(time.RFC3339),
	}
	if err := s.store.PutNotice(notice); err != nil {
		s.log.WithFields(logrus.Fields{"error": err}).Warn("store key_missing notice")
		return
	}
	s.log.Error("hmac key missing; keyed integrity disabled until configured")
}

// ProcessQueue drains every due job now.
func (s *AnchorService) ProcessQueue(ctx context.Context) ([]types.DispatchOutcome, error) {
	outcomes, err := s.queue.Drain(ctx, s.queue.Now())
	if err != nil {
		return outcomes, err
	}
	if _, err := s.queue.PruneLog(ctx, s.retentionDays); err != nil {
		s.log.WithFields(logrus.Fields{"error": err}).Warn("anchor log prune failed")
	}
	return outcomes, nil
}

func (s *AnchorService) VerifyDocument(ctx context.Context, documentID string) (types.HashReport, error) {
	return s.verifier.VerifyHash(ctx, documentID)
}

func (s *AnchorService) VerifyLogEntry(ctx context.Context, logIndex int64) (types.LogEntryCheck, error) {
	return s.verifier.VerifyLogEntry(ctx, logIndex)
}

func (s *AnchorService) ListJobs(ctx context.Context, status string, limit, offset int) ([]types.JobView, error) {
	return s.queue.List(ctx, status, limit, offset)
}

func (s *AnchorService) QueueCounts(ctx context.Context) (map[string]int, error) {
	return s.queue.Counts(ctx)
}

func (s *AnchorService) ClearQueue(ctx context.Context) (int, error) {
	return s.queue.Clear(ctx)
}

func (s *AnchorService) RequeueJob(ctx context.Context, jobID string) error {
	return s.queue.Requeue(ctx, jobID)
}

// ListLog returns one page of the anchor log and the total match count.
func (s *AnchorService) ListLog(ctx context.Context, q ledger.LogQuery) ([]types.LogEntryView, int, error) {
	if err := ctx.Err(); err != nil {
		return nil, 0, err
	}
	entries, total, err := s.store.ListLogEntries(q.Normalize())
	if err != nil {
		return nil, 0, err
	}
	out := make([]types.LogEntryView, 0, len(entries))
	for _, e := range entries {
		out = append(out, viewLogEntry(e))
	}
	return out, total, nil
}

func (s *AnchorService) ClearLog(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	n, err := s.store.ClearLog()
	if err != nil {
		return 0, err
	}
	s.log.WithFields(logrus.Fields{"entries": n}).Info("anchor log cleared")
	return n, nil
}

// PruneLog deletes entries older than days. Zero falls back to the
// configured retention.
func (s *AnchorService) PruneLog(ctx context.Context, days int) (int, error) {
	if days <= 0 {
		days = s.retentionDays
	}
	return s.queue.PruneLog(ctx, days)
}

func (s *AnchorService) ListNotices(ctx context.Context, includeDismissed bool) ([]types.NoticeView, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	notices, err := s.store.ListNotices(includeDismissed)
	if err != nil {
		return nil, err
	}
	out := make([]types.NoticeView, 0, len(notices))
	for _, n := range notices {
		out = append(out, types.NoticeView{
			NoticeID:    n.NoticeID,
			Kind:        n.Kind,
			Message:     n.Message,
			JobID:       n.JobID,
			DocumentID:  n.DocumentID,
			CreatedAt:   n.CreatedAt,
			DismissedAt: n.DismissedAt,
		})
	}
	return out, nil
}

func (s *AnchorService) DismissNotice(ctx context.Context, noticeID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	return s.store.DismissNotice(noticeID, s.queue.Now().Format(time.RFC3339))
}

func (s *AnchorService) Profiles() []provider.TSAProfile {
	return s.profiles.Profiles()
}

// ArtifactPath resolves a stored artifact inside the artifacts directory.
func (s *AnchorService) ArtifactPath(kind, documentID, file string) (string, error) {
	if s.artifactsDir == "" {
		return "", fmt.Errorf("artifacts directory not configured")
	}
	return provider.ArtifactPath(s.artifactsDir, kind, documentID, file)
}

func viewLogEntry(e ledger.LogEntryRecord) types.LogEntryView {
	view := types.LogEntryView{
		ID:            e.ID,
		JobID:         e.JobID,
		Provider:      types.ProviderName(e.Provider),
		Status:        types.LogStatus(e.Status),
		DocumentID:    e.DocumentID,
		HashAlgorithm: e.HashAlgorithm,
		HashValue:     e.HashValue,
		LogIndex:      e.LogIndex,
		CreatedAt:     e.CreatedAt,
	}
	if e.AnchorURL != nil {
		view.AnchorURL = *e.AnchorURL
	}
	if e.EntryUUID != nil {
		view.EntryUUID = *e.EntryUUID
	}
	if e.ErrorMessage != nil {
		view.ErrorMessage = *e.ErrorMessage
	}
	return view
}
