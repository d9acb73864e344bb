package provider

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/davidahmann/anchord/internal/crypto"
	"github.com/davidahmann/anchord/pkg/types"
)

const (
	DefaultRekorURL = "https://rekor.sigstore.dev"
	DSSEPayloadType = "application/vnd.anchord.record+json"
)

type InclusionProof struct {
	LogIndex   int64    `json:"logIndex"`
	RootHash   string   `json:"rootHash"`
	TreeSize   int64    `json:"treeSize"`
	Hashes     []string `json:"hashes"`
	Checkpoint string   `json:"checkpoint"`
}

type EntryVerification struct {
	InclusionProof       *InclusionProof `json:"inclusionProof"`
	SignedEntryTimestamp string          `json:"signedEntryTimestamp"`
}

// LogEntry is one transparency log entry as returned by the log API.
type LogEntry struct {
	UUID           string             `json:"-"`
	Body           string             `json:"body"`
	IntegratedTime int64              `json:"integratedTime"`
	LogID          string             `json:"logID"`
	LogIndex       int64              `json:"logIndex"`
	Verification   *EntryVerification `json:"verification"`
}

// RekorClient talks to a Rekor-compatible transparency log.
type RekorClient struct {
	base string
	http *httpDoer
}

func NewRekorClient(baseURL string, opts HTTPOptions) *RekorClient {
	if baseURL == "" {
		baseURL = DefaultRekorURL
	}
	return &RekorClient{base: strings.TrimRight(baseURL, "/"), http: newHTTPDoer(opts)}
}

func (c *RekorClient) EntryURL(uuid string) string {
	return c.base + "/api/v1/log/entries/" + uuid
}

// decodeEntries reads the {uuid: entry} map the log returns.
func decodeEntries(body []byte) (LogEntry, error) {
	var entries map[string]LogEntry
	if err := json.Unmarshal(body, &entries); err != nil {
		return LogEntry{}, malformed("decode log entry: %v", err)
	}
	if len(entries) != 1 {
		return LogEntry{}, malformed("expected one log entry, got %d", len(entries))
	}
	for uuid, entry := range entries {
		entry.UUID = uuid
		return entry, nil
	}
	return LogEntry{}, malformed("empty log entry")
}

// GetEntryByIndex fetches the live entry at index.
func (c *RekorClient) GetEntryByIndex(ctx context.Context, index int64) (LogEntry, error) {
	req, err := http.NewRequest(http.MethodGet, c.base+"/api/v1/log/entries?logIndex="+strconv.FormatInt(index, 10), nil)
	if err != nil {
		return LogEntry{}, err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := c.http.do(ctx, req)
	if err != nil {
		return LogEntry{}, err
	}
	defer resp.Body.Close()
	body, err := readLimited(resp.Body, 4<<20)
	if err != nil {
		return LogEntry{}, err
	}
	if err := statusError(resp, body); err != nil {
		return LogEntry{}, err
	}
	return decodeEntries(body)
}

// createEntry posts a proposed entry. A 409 means the entry already exists;
// its location is returned with existing set.
func (c *RekorClient) createEntry(ctx context.Context, proposed any) (entry LogEntry, location string, existing bool, err error) {
	payload, err := json.Marshal(proposed)
	if err != nil {
		return LogEntry{}, "", false, fmt.Errorf("%w: encode entry: %v", ErrPermanent, err)
	}
	req, err := http.NewRequest(http.MethodPost, c.base+"/api/v1/log/entries", bytes.NewReader(payload))
	if err != nil {
		return LogEntry{}, "", false, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	resp, err := c.http.do(ctx, req)
	if err != nil {
		return LogEntry{}, "", false, err
	}
	defer resp.Body.Close()
	body, err := readLimited(resp.Body, 4<<20)
	if err != nil {
		return LogEntry{}, "", false, err
	}

	if resp.StatusCode == http.StatusConflict {
		location = resp.Header.Get("Location")
		if location != "" && !strings.HasPrefix(location, "http") {
			location = c.base + "/" + strings.TrimLeft(location, "/")
		}
		uuid := location[strings.LastIndex(location, "/")+1:]
		return LogEntry{UUID: uuid}, location, true, nil
	}
	if err := statusError(resp, body); err != nil {
		return LogEntry{}, "", false, err
	}
	entry, err = decodeEntries(body)
	if err != nil {
		return LogEntry{}, "", false, err
	}
	return entry, c.EntryURL(entry.UUID), false, nil
}

type hashedRekord struct {
	APIVersion string           `json:"apiVersion"`
	Kind       string           `json:"kind"`
	Spec       hashedRekordSpec `json:"spec"`
	Provenance Provenance       `json:"provenance"`
}

type hashedRekordSpec struct {
	Data struct {
		Hash struct {
			Algorithm string `json:"algorithm"`
			Value     string `json:"value"`
		} `json:"hash"`
	} `json:"data"`
	Signature struct {
		Content   string `json:"content"`
		PublicKey struct {
			Content string `json:"content"`
		} `json:"publicKey"`
	} `json:"signature"`
}

// Provenance is informational and not covered by the log's signature checks.
type Provenance struct {
	SiteURL        string `json:"site_url,omitempty"`
	DocumentID     string `json:"document_id"`
	KeyType        string `json:"key_type"`
	KeySource      string `json:"key_source"`
	KeyFingerprint string `json:"key_fingerprint"`
	KeyFetchURL    string `json:"key_fetch_url,omitempty"`
	RecordHash     string `json:"record_hash"`
}

type TransparencyLogConfig struct {
	URL     string
	SiteURL string
	// KeyFetchURL is published only alongside a long-lived key.
	KeyFetchURL   string
	LongLived     *crypto.Keypair
	EphemeralType crypto.KeyType
	DSSEEnabled   bool
	ArtifactsDir  string
	HTTP          HTTPOptions
	Now           func() time.Time
}

// TransparencyLogDispatcher signs the record and submits a hashedrekord
// entry to the log.
type TransparencyLogDispatcher struct {
	cfg    TransparencyLogConfig
	client *RekorClient
}

func NewTransparencyLogDispatcher(cfg TransparencyLogConfig) (*TransparencyLogDispatcher, error) {
	if cfg.DSSEEnabled && cfg.ArtifactsDir == "" {
		return nil, fmt.Errorf("artifacts dir is required when dsse is enabled")
	}
	if cfg.EphemeralType == "" {
		cfg.EphemeralType = crypto.KeyTypeECDSAP256
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &TransparencyLogDispatcher{cfg: cfg, client: NewRekorClient(cfg.URL, cfg.HTTP)}, nil
}

func (d *TransparencyLogDispatcher) Name() types.ProviderName { return types.ProviderTransparencyLog }

func (d *TransparencyLogDispatcher) Client() *RekorClient { return d.client }

func (d *TransparencyLogDispatcher) Dispatch(ctx context.Context, rec types.AnchorRecord, recordJSON []byte) Result {
	entry, key, err := d.buildEntry(rec, recordJSON)
	if err != nil {
		return failure(err)
	}

	if d.cfg.DSSEEnabled {
		if err := d.writeEnvelope(rec, recordJSON, key); err != nil {
			return failure(err)
		}
	}

	created, location, existing, err := d.client.createEntry(ctx, entry)
	if err != nil {
		return failure(err)
	}
	res := anchored(location)
	res.EntryUUID = created.UUID
	if !existing {
		idx := created.LogIndex
		res.LogIndex = &idx
	}
	return res
}

func (d *TransparencyLogDispatcher) buildEntry(rec types.AnchorRecord, recordJSON []byte) (hashedRekord, crypto.ResolvedKey, error) {
	key, err := crypto.ResolveKey(d.cfg.LongLived, d.cfg.EphemeralType)
	if err != nil {
		return hashedRekord{}, crypto.ResolvedKey{}, fmt.Errorf("%w: resolve key: %v", ErrPermanent, err)
	}
	sig, err := crypto.Sign(recordJSON, key.Keypair)
	if err != nil {
		return hashedRekord{}, crypto.ResolvedKey{}, fmt.Errorf("%w: sign: %v", ErrPermanent, err)
	}
	pemKey, err := crypto.PublicKeyPEM(key.Public)
	if err != nil {
		return hashedRekord{}, crypto.ResolvedKey{}, fmt.Errorf("%w: public key: %v", ErrPermanent, err)
	}
	fingerprint, err := crypto.KeyID(key.Public)
	if err != nil {
		return hashedRekord{}, crypto.ResolvedKey{}, fmt.Errorf("%w: key id: %v", ErrPermanent, err)
	}

	recordHash := crypto.DigestHex(recordJSON)
	var entry hashedRekord
	entry.APIVersion = "0.0.1"
	entry.Kind = "hashedrekord"
	entry.Spec.Data.Hash.Algorithm = "sha256"
	entry.Spec.Data.Hash.Value = recordHash
	entry.Spec.Signature.Content = base64.StdEncoding.EncodeToString(sig)
	entry.Spec.Signature.PublicKey.Content = base64.StdEncoding.EncodeToString(pemKey)
	entry.Provenance = Provenance{
		SiteURL:        d.cfg.SiteURL,
		DocumentID:     rec.DocumentID,
		KeyType:        string(key.Type),
		KeySource:      key.Provenance(),
		KeyFingerprint: fingerprint,
		RecordHash:     "sha256:" + recordHash,
	}
	if key.Source == crypto.KeySourceLongLived {
		entry.Provenance.KeyFetchURL = d.cfg.KeyFetchURL
	}
	return entry, key, nil
}

func (d *TransparencyLogDispatcher) writeEnvelope(rec types.AnchorRecord, recordJSON []byte, key crypto.ResolvedKey) error {
	env, err := crypto.MakeDSSE(recordJSON, DSSEPayloadType, key.Keypair)
	if err != nil {
		return fmt.Errorf("%w: dsse: %v", ErrPermanent, err)
	}
	data, err := json.MarshalIndent(env, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: dsse: %v", ErrPermanent, err)
	}
	dir := filepath.Join(d.cfg.ArtifactsDir, "dsse", safeSegment(rec.DocumentID))
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("%w: dsse: %v", ErrTransient, err)
	}
	name := d.cfg.Now().UTC().Format("20060102T150405Z") + ".dsse.json"
	if err := os.WriteFile(filepath.Join(dir, name), data, 0o640); err != nil {
		return fmt.Errorf("%w: dsse: %v", ErrTransient, err)
	}
	return nil
}
