package anchor

import (
	"strings"
	"testing"
	"time"

	"github.com/davidahmann/anchord/pkg/types"
)

var (
	testDigest = strings.Repeat("0f", 32)
	testPacked = "sha256:" + testDigest
	testTime   = time.Date(2026, 10, 18, 9, 30, 0, 0, time.UTC)
)

func TestNewRecordStandard(t *testing.T) {
	rec, err := NewRecord(RecordInput{DocumentID: "doc-1", PostType: "post", AuthorID: "7", PackedHash: testPacked, CreatedAt: testTime})
	if err != nil {
		t.Fatalf("new record: %v", err)
	}
	if rec.HashAlgorithm != "sha256" || rec.HashValue != testDigest {
		t.Fatalf("hash fields = %s %s", rec.HashAlgorithm, rec.HashValue)
	}
	if rec.IntegrityMode != types.IntegrityModeStandard || rec.HMACValue != nil {
		t.Fatalf("unexpected mode %s", rec.IntegrityMode)
	}
	if rec.CreatedAt != "2026-10-18T09:30:00Z" || rec.ProducerVersion != ProducerVersion {
		t.Fatalf("unexpected metadata: %+v", rec)
	}
}

func TestNewRecordKeyed(t *testing.T) {
	mac := strings.Repeat("aa", 32)
	rec, err := NewRecord(RecordInput{DocumentID: "doc-1", PackedHash: testPacked, HMACHash: "hmac-sha256:" + mac, CreatedAt: testTime})
	if err != nil {
		t.Fatalf("new record: %v", err)
	}
	if rec.IntegrityMode != types.IntegrityModeHMAC || rec.HMACValue == nil || *rec.HMACValue != mac {
		t.Fatalf("unexpected keyed record: %+v", rec)
	}

	if _, err := NewRecord(RecordInput{DocumentID: "doc-1", PackedHash: testPacked, HMACHash: testPacked}); err == nil {
		t.Fatalf("expected error for non-keyed hmac hash")
	}
}

func TestNewRecordLegacyAndErrors(t *testing.T) {
	rec, err := NewRecord(RecordInput{DocumentID: "doc-1", PackedHash: testDigest, CreatedAt: testTime})
	if err != nil || rec.HashAlgorithm != "sha256" {
		t.Fatalf("legacy: %v %+v", err, rec)
	}
	if _, err := NewRecord(RecordInput{PackedHash: testPacked}); err == nil {
		t.Fatalf("expected missing document id error")
	}
	if _, err := NewRecord(RecordInput{DocumentID: "d", PackedHash: "md5:abc"}); err == nil {
		t.Fatalf("expected unsupported algorithm error")
	}
}

func TestCanonicalJSON(t *testing.T) {
	rec, _ := NewRecord(RecordInput{DocumentID: "doc-1", PostType: "post", AuthorID: "7", PackedHash: testPacked, CreatedAt: testTime})
	data, err := CanonicalJSON(rec)
	if err != nil {
		t.Fatalf("canonical: %v", err)
	}
	want := `{"author_id":"7","created_at":"2026-10-18T09:30:00Z","document_id":"doc-1","hash_algorithm":"sha256","hash_value":"` +
		testDigest + `","integrity_mode":"standard","post_type":"post","producer_version":"` + ProducerVersion + `"}`
	if string(data) != want {
		t.Fatalf("canonical json:\n got %s\nwant %s", data, want)
	}
}

func TestBackoffGrowsAndCaps(t *testing.T) {
	base, max := 10*time.Second, time.Minute
	want := []time.Duration{10 * time.Second, 20 * time.Second, 40 * time.Second, time.Minute, time.Minute}
	for i, w := range want {
		if got := Backoff(base, max, i+1); got != w {
			t.Fatalf("attempt %d: got %s want %s", i+1, got, w)
		}
	}
	prev := time.Duration(0)
	for attempt := 1; attempt <= 7; attempt++ {
		d := Backoff(time.Second, time.Hour, attempt)
		if d <= prev {
			t.Fatalf("backoff did not grow at attempt %d", attempt)
		}
		prev = d
	}
	if Backoff(0, 0, 1) != DefaultBackoffBase {
		t.Fatalf("defaults not applied")
	}
}
