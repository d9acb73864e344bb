package provider

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/x509/pkix"
	"encoding/asn1"
	"encoding/hex"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/davidahmann/anchord/internal/crypto"
	"github.com/davidahmann/anchord/pkg/types"
)

const DefaultMaxResponseSize = "1MB"

var (
	oidSHA256   = asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 2, 1}
	oidSHA384   = asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 2, 2}
	oidSHA512   = asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 2, 3}
	oidSHA3_256 = asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 2, 8}
	oidSHA3_512 = asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 2, 10}

	oidSignedData = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 7, 2}
	oidTSTInfo    = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 16, 1, 4}
)

var imprintOIDs = map[string]asn1.ObjectIdentifier{
	"sha256":   oidSHA256,
	"sha384":   oidSHA384,
	"sha512":   oidSHA512,
	"sha3-256": oidSHA3_256,
	"sha3-512": oidSHA3_512,
}

type messageImprint struct {
	HashAlgorithm pkix.AlgorithmIdentifier
	HashedMessage []byte
}

type timeStampReq struct {
	Version        int
	MessageImprint messageImprint
	ReqPolicy      asn1.ObjectIdentifier `asn1:"optional"`
	Nonce          *big.Int              `asn1:"optional"`
	CertReq        bool                  `asn1:"optional"`
}

type pkiStatusInfo struct {
	Status int
}

type timeStampResp struct {
	Status         pkiStatusInfo
	TimeStampToken asn1.RawValue `asn1:"optional"`
}

type contentInfo struct {
	ContentType asn1.ObjectIdentifier
	Content     asn1.RawValue `asn1:"explicit,tag:0"`
}

type encapsulatedContentInfo struct {
	EContentType asn1.ObjectIdentifier
	EContent     asn1.RawValue `asn1:"explicit,optional,tag:0"`
}

type signedData struct {
	Version          int
	DigestAlgorithms asn1.RawValue
	EncapContentInfo encapsulatedContentInfo
}

type accuracy struct {
	Seconds int `asn1:"optional"`
	Millis  int `asn1:"optional,tag:0"`
	Micros  int `asn1:"optional,tag:1"`
}

type tstInfo struct {
	Version        int
	Policy         asn1.ObjectIdentifier
	MessageImprint messageImprint
	SerialNumber   *big.Int
	GenTime        time.Time `asn1:"generalized"`
	Accuracy       accuracy  `asn1:"optional"`
	Ordering       bool      `asn1:"optional"`
	Nonce          *big.Int  `asn1:"optional"`
}

// Imprint returns the digest and algorithm OID submitted for rec. Digests
// without a registered TSA OID are imprinted as SHA-256 over their raw bytes.
func Imprint(rec types.AnchorRecord) ([]byte, asn1.ObjectIdentifier, error) {
	digest, err := hex.DecodeString(rec.HashValue)
	if err != nil || len(digest) == 0 {
		return nil, nil, fmt.Errorf("%w: record hash is not hex", ErrPermanent)
	}
	if oid, ok := imprintOIDs[rec.HashAlgorithm]; ok {
		return digest, oid, nil
	}
	return crypto.DigestBytes(digest), oidSHA256, nil
}

// BuildTimeStampRequest encodes a DER TimeStampReq (v1, certReq set).
func BuildTimeStampRequest(digest []byte, oid asn1.ObjectIdentifier, nonce *big.Int) ([]byte, error) {
	return asn1.Marshal(timeStampReq{
		Version: 1,
		MessageImprint: messageImprint{
			HashAlgorithm: pkix.AlgorithmIdentifier{Algorithm: oid, Parameters: asn1.NullRawValue},
			HashedMessage: digest,
		},
		Nonce:   nonce,
		CertReq: true,
	})
}

// TimeStamp is the verified content of a granted response.
type TimeStamp struct {
	GenTime      time.Time
	SerialNumber *big.Int
	Policy       asn1.ObjectIdentifier
}

// ParseTimeStampResponse checks the PKI status, unwraps the CMS token and
// matches the TSTInfo imprint and nonce against the request.
func ParseTimeStampResponse(der []byte, digest []byte, oid asn1.ObjectIdentifier, nonce *big.Int) (TimeStamp, error) {
	var resp timeStampResp
	if rest, err := asn1.Unmarshal(der, &resp); err != nil {
		return TimeStamp{}, malformed("decode response: %v", err)
	} else if len(rest) > 0 {
		return TimeStamp{}, malformed("trailing data after response")
	}
	// granted (0) or grantedWithMods (1)
	if resp.Status.Status != 0 && resp.Status.Status != 1 {
		return TimeStamp{}, fmt.Errorf("%w: tsa rejected request with status %d", ErrPermanent, resp.Status.Status)
	}
	if len(resp.TimeStampToken.FullBytes) == 0 {
		return TimeStamp{}, malformed("granted response without token")
	}

	var ci contentInfo
	if _, err := asn1.Unmarshal(resp.TimeStampToken.FullBytes, &ci); err != nil {
		return TimeStamp{}, malformed("decode token: %v", err)
	}
	if !ci.ContentType.Equal(oidSignedData) {
		return TimeStamp{}, malformed("token content type %s", ci.ContentType)
	}

	var sd signedData
	if _, err := asn1.Unmarshal(ci.Content.Bytes, &sd); err != nil {
		return TimeStamp{}, malformed("decode signed data: %v", err)
	}
	if !sd.EncapContentInfo.EContentType.Equal(oidTSTInfo) {
		return TimeStamp{}, malformed("encapsulated content type %s", sd.EncapContentInfo.EContentType)
	}

	var octets []byte
	if _, err := asn1.Unmarshal(sd.EncapContentInfo.EContent.Bytes, &octets); err != nil {
		return TimeStamp{}, malformed("decode tst info octets: %v", err)
	}
	var info tstInfo
	if _, err := asn1.Unmarshal(octets, &info); err != nil {
		return TimeStamp{}, malformed("decode tst info: %v", err)
	}

	if !info.MessageImprint.HashAlgorithm.Algorithm.Equal(oid) || !bytes.Equal(info.MessageImprint.HashedMessage, digest) {
		return TimeStamp{}, malformed("message imprint mismatch")
	}
	if nonce != nil && (info.Nonce == nil || info.Nonce.Cmp(nonce) != 0) {
		return TimeStamp{}, malformed("nonce mismatch")
	}
	return TimeStamp{GenTime: info.GenTime.UTC(), SerialNumber: info.SerialNumber, Policy: info.Policy}, nil
}

type RFC3161Config struct {
	URL      string
	Username string
	Password string
	// ArtifactsDir receives rfc3161/<document_id>/<stamp>.tsq|.tsr.
	ArtifactsDir    string
	MaxResponseSize string
	HTTP            HTTPOptions
	Now             func() time.Time
	Rand            io.Reader
}

// RFC3161Dispatcher obtains a timestamp token for the record hash and keeps
// the request and response as artifacts.
type RFC3161Dispatcher struct {
	cfg     RFC3161Config
	maxSize int64
	http    *httpDoer
}

func NewRFC3161Dispatcher(cfg RFC3161Config) (*RFC3161Dispatcher, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("rfc3161 url is required")
	}
	if cfg.ArtifactsDir == "" {
		return nil, fmt.Errorf("artifacts dir is required")
	}
	if cfg.MaxResponseSize == "" {
		cfg.MaxResponseSize = DefaultMaxResponseSize
	}
	maxSize, err := humanize.ParseBytes(cfg.MaxResponseSize)
	if err != nil {
		return nil, fmt.Errorf("invalid max_response_size: %w", err)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Rand == nil {
		cfg.Rand = rand.Reader
	}
	return &RFC3161Dispatcher{cfg: cfg, maxSize: int64(maxSize), http: newHTTPDoer(cfg.HTTP)}, nil
}

func (d *RFC3161Dispatcher) Name() types.ProviderName { return types.ProviderRFC3161 }

func (d *RFC3161Dispatcher) Dispatch(ctx context.Context, rec types.AnchorRecord, _ []byte) Result {
	digest, oid, err := Imprint(rec)
	if err != nil {
		return failure(err)
	}
	nonce, err := rand.Int(d.cfg.Rand, new(big.Int).Lsh(big.NewInt(1), 63))
	if err != nil {
		return failure(fmt.Errorf("%w: nonce: %v", ErrTransient, err))
	}
	tsq, err := BuildTimeStampRequest(digest, oid, nonce)
	if err != nil {
		return failure(fmt.Errorf("%w: encode request: %v", ErrPermanent, err))
	}

	req, err := http.NewRequest(http.MethodPost, d.cfg.URL, bytes.NewReader(tsq))
	if err != nil {
		return failure(fmt.Errorf("%w: %v", ErrPermanent, err))
	}
	req.Header.Set("Content-Type", "application/timestamp-query")
	req.Header.Set("Accept", "application/timestamp-reply")
	if d.cfg.Username != "" {
		req.SetBasicAuth(d.cfg.Username, d.cfg.Password)
	}

	resp, err := d.http.do(ctx, req)
	if err != nil {
		return failure(err)
	}
	defer resp.Body.Close()
	tsr, err := readLimited(resp.Body, d.maxSize)
	if err != nil {
		return failure(err)
	}
	if err := statusError(resp, tsr); err != nil {
		return failure(err)
	}

	if _, err := ParseTimeStampResponse(tsr, digest, oid, nonce); err != nil {
		return failure(err)
	}

	stamp := d.stamp(rec)
	if err := d.writeArtifacts(rec.DocumentID, stamp, tsq, tsr); err != nil {
		return failure(fmt.Errorf("%w: write artifacts: %v", ErrTransient, err))
	}
	return anchored(ArtifactURL("rfc3161", rec.DocumentID, stamp+".tsr"))
}

func (d *RFC3161Dispatcher) stamp(rec types.AnchorRecord) string {
	hash := rec.HashValue
	if len(hash) > 12 {
		hash = hash[:12]
	}
	return d.cfg.Now().UTC().Format("20060102T150405Z") + "-" + hash
}

func (d *RFC3161Dispatcher) writeArtifacts(documentID, stamp string, tsq, tsr []byte) error {
	dir := filepath.Join(d.cfg.ArtifactsDir, "rfc3161", safeSegment(documentID))
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(dir, stamp+".tsq"), tsq, 0o640); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, stamp+".tsr"), tsr, 0o640)
}

// ArtifactURL is the authenticated download path for a stored artifact.
func ArtifactURL(kind, documentID, file string) string {
	return "/v1/artifacts/" + kind + "/" + safeSegment(documentID) + "/" + file
}

// ArtifactPath resolves a download request to a file under artifactsDir,
// rejecting anything that escapes it.
func ArtifactPath(artifactsDir, kind, documentID, file string) (string, error) {
	if kind != "rfc3161" && kind != "dsse" {
		return "", fmt.Errorf("unknown artifact kind: %s", kind)
	}
	if file != safeSegment(file) || documentID != safeSegment(documentID) || strings.HasPrefix(file, ".") {
		return "", fmt.Errorf("invalid artifact name")
	}
	return filepath.Join(artifactsDir, kind, documentID, file), nil
}
