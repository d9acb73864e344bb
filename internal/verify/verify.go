package verify

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/davidahmann/anchord/internal/integrity"
	"github.com/davidahmann/anchord/internal/ledger"
	"github.com/davidahmann/anchord/internal/provider"
	"github.com/davidahmann/anchord/pkg/types"
)

var (
	ErrDocumentNotFound = errors.New("document not found")
	ErrNoLogClient      = errors.New("transparency log not configured")
)

// LogClient fetches live transparency log entries.
type LogClient interface {
	GetEntryByIndex(ctx context.Context, index int64) (provider.LogEntry, error)
}

// Verifier answers integrity questions. It reads state and never writes it:
// a mismatch is reported, not repaired.
type Verifier struct {
	store    ledger.Store
	registry *integrity.Registry
	logs     LogClient
	log      *logrus.Logger
}

// New builds a Verifier. logs may be nil when no transparency log is
// configured.
func New(store ledger.Store, registry *integrity.Registry, logs LogClient, logger *logrus.Logger) *Verifier {
	if logger == nil {
		logger = logrus.New()
	}
	return &Verifier{store: store, registry: registry, logs: logs, log: logger}
}

// VerifyHash rehashes the document's current content with the algorithm
// recorded in its stored hash. Documents stored in keyed mode are checked
// against their HMAC; without a key the report carries key_missing and the
// error wraps integrity.ErrKeyMissing.
func (v *Verifier) VerifyHash(ctx context.Context, documentID string) (types.HashReport, error) {
	if err := ctx.Err(); err != nil {
		return types.HashReport{}, err
	}
	doc, ok := v.store.GetDocument(documentID)
	if !ok {
		return types.HashReport{}, ErrDocumentNotFound
	}

	stored := doc.PackedHash
	if doc.HMACHash != nil && *doc.HMACHash != "" {
		stored = *doc.HMACHash
	}
	report := types.HashReport{DocumentID: documentID, StoredHash: stored}

	parsed, err := integrity.Unpack(stored)
	if err != nil {
		return report, err
	}
	report.Mode = parsed.Mode()
	report.Algorithm = parsed.Algorithm

	content := integrity.Content{
		DocumentID: doc.DocumentID,
		PostType:   doc.PostType,
		AuthorID:   doc.AuthorID,
		Body:       doc.Content,
	}
	verified, err := v.registry.Verify(content, stored)
	if errors.Is(err, integrity.ErrKeyMissing) {
		report.KeyMissing = true
		v.log.WithFields(logrus.Fields{"document_id": documentID}).Warn("hmac verification without key")
		return report, err
	}
	if err != nil {
		return report, err
	}
	report.Verified = verified

	current, err := v.registry.Rehash(content, stored)
	if err != nil {
		return report, err
	}
	report.CurrentHash = current
	return report, nil
}

// VerifyLogEntry fetches the live entry at logIndex and compares it with
// the local anchor log.
func (v *Verifier) VerifyLogEntry(ctx context.Context, logIndex int64) (types.LogEntryCheck, error) {
	if v.logs == nil {
		return types.LogEntryCheck{}, ErrNoLogClient
	}
	check := types.LogEntryCheck{LogIndex: logIndex}

	local, found := v.store.GetLogEntryByIndex(logIndex)
	check.LocalFound = found

	entry, err := v.logs.GetEntryByIndex(ctx, logIndex)
	if err != nil {
		return check, fmt.Errorf("fetch log entry %d: %w", logIndex, err)
	}
	check.UUID = entry.UUID
	check.IndexMatches = entry.LogIndex == logIndex
	check.UUIDMatches = found && local.EntryUUID != nil && *local.EntryUUID == entry.UUID
	check.IntegratedTime = entry.IntegratedTime
	if entry.Verification != nil {
		check.HasSignedEntryTimestamp = entry.Verification.SignedEntryTimestamp != ""
		if proof := entry.Verification.InclusionProof; proof != nil {
			check.HasInclusionProof = proof.RootHash != "" && proof.TreeSize > 0
			check.TreeSize = proof.TreeSize
			check.RootHash = proof.RootHash
		}
	}
	return check, nil
}
