package anchor

import (
	"fmt"
	"time"

	"github.com/davidahmann/anchord/internal/crypto"
	"github.com/davidahmann/anchord/internal/integrity"
	"github.com/davidahmann/anchord/pkg/types"
)

// ProducerVersion is stamped into every anchor record.
var ProducerVersion = "anchord/0.1.0"

type RecordInput struct {
	DocumentID string
	PostID     *string
	PostType   string
	AuthorID   string
	// PackedHash is the standard (or legacy) packed hash of the content.
	PackedHash string
	// HMACHash is the keyed packed hash, empty outside keyed mode.
	HMACHash  string
	CreatedAt time.Time
}

// NewRecord builds the immutable record distributed to providers.
func NewRecord(in RecordInput) (types.AnchorRecord, error) {
	if in.DocumentID == "" {
		return types.AnchorRecord{}, fmt.Errorf("document id is required")
	}
	parsed, err := integrity.Unpack(in.PackedHash)
	if err != nil {
		return types.AnchorRecord{}, err
	}

	rec := types.AnchorRecord{
		DocumentID:      in.DocumentID,
		PostID:          in.PostID,
		PostType:        in.PostType,
		HashAlgorithm:   parsed.Algorithm,
		HashValue:       parsed.Digest,
		AuthorID:        in.AuthorID,
		CreatedAt:       in.CreatedAt.UTC().Format(time.RFC3339),
		ProducerVersion: ProducerVersion,
	}
	rec.IntegrityMode = parsed.Mode()

	if in.HMACHash != "" {
		keyed, err := integrity.Unpack(in.HMACHash)
		if err != nil {
			return types.AnchorRecord{}, err
		}
		if keyed.Variant != integrity.VariantHMAC {
			return types.AnchorRecord{}, fmt.Errorf("%w: hmac hash is not keyed", integrity.ErrMalformedHash)
		}
		value := keyed.Digest
		rec.HMACValue = &value
		rec.IntegrityMode = types.IntegrityModeHMAC
	}
	return rec, nil
}

// CanonicalJSON is the exact byte form every provider receives.
func CanonicalJSON(rec types.AnchorRecord) ([]byte, error) {
	return crypto.Canonicalize(rec)
}
