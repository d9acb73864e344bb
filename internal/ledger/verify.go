package ledger

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/davidahmann/anchord/internal/crypto"
	"github.com/davidahmann/anchord/pkg/types"
)

var (
	ErrJobRecordCorrupt = errors.New("job record corrupt")
	ErrJobDedupMismatch = errors.New("job dedup key mismatch")
)

// DedupKey binds a document to one packed hash: hex sha256 of
// document_id, a zero byte, and the packed hash.
func DedupKey(documentID, packedHash string) string {
	buf := make([]byte, 0, len(documentID)+1+len(packedHash))
	buf = append(buf, documentID...)
	buf = append(buf, 0)
	buf = append(buf, packedHash...)
	return crypto.DigestHex(buf)
}

// VerifyJobRecord decodes a stored job's record and checks that the stored
// bytes are still canonical and still bound to the job's document and hash.
func VerifyJobRecord(job JobRecord) (types.AnchorRecord, error) {
	var rec types.AnchorRecord
	if err := json.Unmarshal(job.RecordJSON, &rec); err != nil {
		return types.AnchorRecord{}, fmt.Errorf("%w: %v", ErrJobRecordCorrupt, err)
	}
	canonical, err := crypto.Canonicalize(rec)
	if err != nil {
		return types.AnchorRecord{}, fmt.Errorf("%w: %v", ErrJobRecordCorrupt, err)
	}
	if !bytes.Equal(canonical, job.RecordJSON) {
		return types.AnchorRecord{}, fmt.Errorf("%w: record json is not canonical", ErrJobRecordCorrupt)
	}
	if rec.DocumentID != job.DocumentID {
		return types.AnchorRecord{}, fmt.Errorf("%w: document id mismatch", ErrJobRecordCorrupt)
	}
	if DedupKey(job.DocumentID, job.PackedHash) != job.DedupKey {
		return types.AnchorRecord{}, ErrJobDedupMismatch
	}
	return rec, nil
}
