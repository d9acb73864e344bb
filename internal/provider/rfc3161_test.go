package provider

import (
	"bytes"
	"context"
	"crypto/x509/pkix"
	"encoding/asn1"
	"errors"
	"io"
	"math/big"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/davidahmann/anchord/internal/crypto"
	"github.com/davidahmann/anchord/pkg/types"
)

var testGenTime = time.Date(2026, 10, 18, 12, 0, 1, 0, time.UTC)

// buildResponse wraps info in the minimal CMS layout a TSA returns.
func buildResponse(t *testing.T, status int, info *tstInfo) []byte {
	t.Helper()
	resp := timeStampResp{Status: pkiStatusInfo{Status: status}}
	if info != nil {
		infoDER, err := asn1.Marshal(*info)
		if err != nil {
			t.Fatalf("marshal tst info: %v", err)
		}
		octets, err := asn1.Marshal(infoDER)
		if err != nil {
			t.Fatalf("marshal octets: %v", err)
		}
		sd := signedData{
			Version:          3,
			DigestAlgorithms: asn1.RawValue{Tag: asn1.TagSet, IsCompound: true},
			EncapContentInfo: encapsulatedContentInfo{
				EContentType: oidTSTInfo,
				EContent:     asn1.RawValue{Class: asn1.ClassContextSpecific, Tag: 0, IsCompound: true, Bytes: octets},
			},
		}
		sdDER, err := asn1.Marshal(sd)
		if err != nil {
			t.Fatalf("marshal signed data: %v", err)
		}
		ciDER, err := asn1.Marshal(contentInfo{
			ContentType: oidSignedData,
			Content:     asn1.RawValue{Class: asn1.ClassContextSpecific, Tag: 0, IsCompound: true, Bytes: sdDER},
		})
		if err != nil {
			t.Fatalf("marshal content info: %v", err)
		}
		resp.TimeStampToken = asn1.RawValue{FullBytes: ciDER}
	}
	der, err := asn1.Marshal(resp)
	if err != nil {
		t.Fatalf("marshal response: %v", err)
	}
	return der
}

// tsaServer answers each request by echoing its imprint and nonce; mutate
// may tamper with the token before it is encoded.
func tsaServer(t *testing.T, status int, mutate func(*tstInfo)) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Content-Type") != "application/timestamp-query" {
			t.Errorf("content type = %s", r.Header.Get("Content-Type"))
		}
		body, _ := io.ReadAll(r.Body)
		var req timeStampReq
		if _, err := asn1.Unmarshal(body, &req); err != nil {
			t.Errorf("decode request: %v", err)
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if !req.CertReq || req.Version != 1 {
			t.Errorf("unexpected request: %+v", req)
		}
		var info *tstInfo
		if status <= 1 {
			info = &tstInfo{
				Version:        1,
				Policy:         asn1.ObjectIdentifier{1, 2, 3, 4},
				MessageImprint: req.MessageImprint,
				SerialNumber:   big.NewInt(99),
				GenTime:        testGenTime,
				Nonce:          req.Nonce,
			}
			if mutate != nil {
				mutate(info)
			}
		}
		w.Header().Set("Content-Type", "application/timestamp-reply")
		_, _ = w.Write(buildResponse(t, status, info))
	}))
}

func newTestRFC3161(t *testing.T, url string) (*RFC3161Dispatcher, string) {
	t.Helper()
	dir := t.TempDir()
	d, err := NewRFC3161Dispatcher(RFC3161Config{
		URL:          url,
		ArtifactsDir: dir,
		Now:          func() time.Time { return testGenTime },
	})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	return d, dir
}

func TestRFC3161DispatchWritesArtifacts(t *testing.T) {
	srv := tsaServer(t, 0, nil)
	defer srv.Close()
	d, dir := newTestRFC3161(t, srv.URL)

	res := d.Dispatch(context.Background(), testRecord(), testRecordJSON)
	if res.Status != types.LogAnchored {
		t.Fatalf("status = %s err=%v", res.Status, res.Err)
	}
	stamp := "20261018T120001Z-abababababab"
	if res.AnchorURL != "/v1/artifacts/rfc3161/doc-1/"+stamp+".tsr" {
		t.Fatalf("url = %s", res.AnchorURL)
	}
	for _, ext := range []string{".tsq", ".tsr"} {
		if _, err := os.Stat(filepath.Join(dir, "rfc3161", "doc-1", stamp+ext)); err != nil {
			t.Fatalf("missing artifact %s: %v", ext, err)
		}
	}
}

func TestRFC3161DispatchFailures(t *testing.T) {
	cases := []struct {
		name   string
		status int
		mutate func(*tstInfo)
	}{
		{"rejected", 2, nil},
		{"imprint mismatch", 0, func(i *tstInfo) { i.MessageImprint.HashedMessage = bytes.Repeat([]byte{1}, 32) }},
		{"nonce mismatch", 0, func(i *tstInfo) { i.Nonce = big.NewInt(1) }},
		{"algorithm mismatch", 0, func(i *tstInfo) { i.MessageImprint.HashAlgorithm.Algorithm = oidSHA512 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := tsaServer(t, tc.status, tc.mutate)
			defer srv.Close()
			d, dir := newTestRFC3161(t, srv.URL)

			res := d.Dispatch(context.Background(), testRecord(), testRecordJSON)
			if res.Status != types.LogFailed {
				t.Fatalf("status = %s err=%v", res.Status, res.Err)
			}
			if _, err := os.Stat(filepath.Join(dir, "rfc3161")); !os.IsNotExist(err) {
				t.Fatalf("artifacts written for failed response")
			}
		})
	}
}

func TestRFC3161DispatchOversizedResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(bytes.Repeat([]byte{0}, 2048))
	}))
	defer srv.Close()

	d, err := NewRFC3161Dispatcher(RFC3161Config{URL: srv.URL, ArtifactsDir: t.TempDir(), MaxResponseSize: "1KB"})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	res := d.Dispatch(context.Background(), testRecord(), testRecordJSON)
	if res.Status != types.LogFailed || !errors.Is(res.Err, ErrMalformedResponse) {
		t.Fatalf("status = %s err=%v", res.Status, res.Err)
	}
}

func TestRFC3161DispatchServerErrorRetries(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()
	d, _ := newTestRFC3161(t, srv.URL)

	if res := d.Dispatch(context.Background(), testRecord(), testRecordJSON); res.Status != types.LogRetry {
		t.Fatalf("status = %s", res.Status)
	}
}

func TestRFC3161BasicAuth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || user != "u" || pass != "p" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.WriteHeader(http.StatusTeapot)
	}))
	defer srv.Close()

	d, _ := NewRFC3161Dispatcher(RFC3161Config{URL: srv.URL, Username: "u", Password: "p", ArtifactsDir: t.TempDir()})
	res := d.Dispatch(context.Background(), testRecord(), testRecordJSON)
	var se *StatusError
	if !errors.As(res.Err, &se) || se.Code != http.StatusTeapot {
		t.Fatalf("credentials not sent: %v", res.Err)
	}
}

func TestImprint(t *testing.T) {
	rec := testRecord()
	digest, oid, err := Imprint(rec)
	if err != nil || !oid.Equal(oidSHA256) || len(digest) != 32 {
		t.Fatalf("sha256 imprint: %v %v %d", err, oid, len(digest))
	}

	rec.HashAlgorithm = "blake2b-256"
	digest, oid, err = Imprint(rec)
	if err != nil || !oid.Equal(oidSHA256) {
		t.Fatalf("blake2b imprint: %v %v", err, oid)
	}
	raw := bytes.Repeat([]byte{0xab}, 32)
	if !bytes.Equal(digest, crypto.DigestBytes(raw)) {
		t.Fatalf("blake2b digest should be re-hashed")
	}

	rec.HashValue = "zz"
	if _, _, err := Imprint(rec); !errors.Is(err, ErrPermanent) {
		t.Fatalf("expected permanent error, got %v", err)
	}
}

func TestParseTimeStampResponseRejectsGarbage(t *testing.T) {
	if _, err := ParseTimeStampResponse([]byte{0x30, 0x01}, nil, oidSHA256, nil); !errors.Is(err, ErrMalformedResponse) {
		t.Fatalf("expected malformed, got %v", err)
	}
	granted := buildResponse(t, 0, nil)
	if _, err := ParseTimeStampResponse(granted, nil, oidSHA256, nil); !errors.Is(err, ErrMalformedResponse) {
		t.Fatalf("expected malformed for missing token, got %v", err)
	}
}

func TestParseTimeStampResponseFields(t *testing.T) {
	digest := bytes.Repeat([]byte{7}, 32)
	nonce := big.NewInt(12345)
	der := buildResponse(t, 1, &tstInfo{
		Version:        1,
		Policy:         asn1.ObjectIdentifier{1, 2, 3},
		MessageImprint: messageImprint{HashAlgorithm: pkixAlg(oidSHA256), HashedMessage: digest},
		SerialNumber:   big.NewInt(5),
		GenTime:        testGenTime,
		Nonce:          nonce,
	})
	ts, err := ParseTimeStampResponse(der, digest, oidSHA256, nonce)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !ts.GenTime.Equal(testGenTime) || ts.SerialNumber.Int64() != 5 {
		t.Fatalf("unexpected timestamp: %+v", ts)
	}
}

func TestArtifactPath(t *testing.T) {
	p, err := ArtifactPath("/data", "dsse", "doc-1", "x.dsse.json")
	if err != nil || p != filepath.Join("/data", "dsse", "doc-1", "x.dsse.json") {
		t.Fatalf("path = %s err=%v", p, err)
	}
	bad := [][3]string{
		{"other", "doc-1", "x.tsr"},
		{"rfc3161", "..", "x.tsr"},
		{"rfc3161", "doc-1", "../x.tsr"},
		{"rfc3161", "doc-1", ".hidden"},
	}
	for _, b := range bad {
		if _, err := ArtifactPath("/data", b[0], b[1], b[2]); err == nil {
			t.Fatalf("expected error for %v", b)
		}
	}
}

func pkixAlg(oid asn1.ObjectIdentifier) pkix.AlgorithmIdentifier {
	return pkix.AlgorithmIdentifier{Algorithm: oid, Parameters: asn1.NullRawValue}
}
