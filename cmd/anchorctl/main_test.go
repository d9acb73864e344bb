package main

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

type recorded struct {
	method string
	path   string
	query  string
	auth   string
	body   string
}

func stubAPI(t *testing.T, routes map[string]string) (*httptest.Server, *[]recorded) {
	t.Helper()
	calls := &[]recorded{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		*calls = append(*calls, recorded{
			method: r.Method,
			path:   r.URL.Path,
			query:  r.URL.RawQuery,
			auth:   r.Header.Get("Authorization"),
			body:   string(body),
		})
		resp, ok := routes[r.Method+" "+r.URL.Path]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"error":"not found"}`))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(resp))
	}))
	t.Cleanup(srv.Close)
	return srv, calls
}

func runCLI(args ...string) (int, string, string) {
	var stdout, stderr bytes.Buffer
	code := run(append([]string{"anchorctl"}, args...), &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func TestUsage(t *testing.T) {
	code, _, stderr := runCLI()
	if code != 2 || !strings.Contains(stderr, "Usage:") {
		t.Fatalf("expected usage, got %d %q", code, stderr)
	}
	if code, _, _ := runCLI("bogus"); code != 2 {
		t.Fatalf("expected 2 for unknown command, got %d", code)
	}
	for _, group := range []string{"queue", "log", "notices", "policy"} {
		if code, _, _ := runCLI(group); code != 2 {
			t.Fatalf("expected 2 for bare %s, got %d", group, code)
		}
		if code, _, _ := runCLI(group, "bogus"); code != 2 {
			t.Fatalf("expected 2 for %s bogus, got %d", group, code)
		}
	}
}

func TestProcess(t *testing.T) {
	srv, calls := stubAPI(t, map[string]string{
		"POST /v1/queue/process": `{"outcomes":[
			{"job_id":"job-1","document_id":"doc-1","provider":"rfc3161","status":"anchored","anchor_url":"https://a/1"},
			{"job_id":"job-2","document_id":"doc-2","provider":"git_host","status":"retry","error":"timeout"}]}`,
	})

	code, stdout, stderr := runCLI("process", "--addr", srv.URL, "--token", "secret")
	if code != 0 {
		t.Fatalf("expected 0, got %d: %s", code, stderr)
	}
	if !strings.Contains(stdout, "job-1 document_id=doc-1 provider=rfc3161 status=anchored url=https://a/1") {
		t.Fatalf("unexpected output: %s", stdout)
	}
	if !strings.Contains(stdout, `error="timeout"`) || !strings.Contains(stdout, "processed 2 dispatches") {
		t.Fatalf("unexpected output: %s", stdout)
	}
	if (*calls)[0].auth != "Bearer secret" {
		t.Fatalf("expected bearer token, got %q", (*calls)[0].auth)
	}
}

func TestAnchorAndVerify(t *testing.T) {
	srv, _ := stubAPI(t, map[string]string{
		"POST /v1/documents/doc-1/anchor": `{"document_id":"doc-1","packed_hash":"sha256:ab","algorithm":"sha256","job_id":"job-9","suppressed":false}`,
		"GET /v1/documents/doc-1/verify":  `{"document_id":"doc-1","stored_hash":"sha256:ab","current_hash":"sha256:ab","verified":true,"mode":"standard","algorithm":"sha256"}`,
		"GET /v1/documents/doc-2/verify":  `{"document_id":"doc-2","stored_hash":"sha256:ab","current_hash":"sha256:cd","verified":false,"mode":"standard","algorithm":"sha256"}`,
	})

	code, stdout, _ := runCLI("anchor", "--addr", srv.URL, "doc-1")
	if code != 0 || !strings.Contains(stdout, "queued job_id=job-9") {
		t.Fatalf("unexpected anchor result: %d %s", code, stdout)
	}

	code, stdout, _ = runCLI("verify", "--addr", srv.URL, "doc-1")
	if code != 0 || !strings.Contains(stdout, "verified=true") {
		t.Fatalf("unexpected verify result: %d %s", code, stdout)
	}

	code, stdout, _ = runCLI("verify", "--addr", srv.URL, "doc-2")
	if code != 1 || !strings.Contains(stdout, "current=sha256:cd") {
		t.Fatalf("expected mismatch exit 1, got %d %s", code, stdout)
	}

	code, _, stderr := runCLI("verify", "--addr", srv.URL, "missing")
	if code != 1 || !strings.Contains(stderr, "request failed (404)") {
		t.Fatalf("expected request failure, got %d %s", code, stderr)
	}

	if code, _, _ := runCLI("anchor", "--addr", srv.URL); code != 2 {
		t.Fatalf("expected 2 without document id, got %d", code)
	}
}

func TestPruneLog(t *testing.T) {
	srv, calls := stubAPI(t, map[string]string{"POST /v1/log/prune": `{"pruned":4}`})

	code, stdout, _ := runCLI("prune-log", "--addr", srv.URL, "--days", "30")
	if code != 0 || strings.TrimSpace(stdout) != "pruned=4" {
		t.Fatalf("unexpected prune result: %d %q", code, stdout)
	}
	var body map[string]int
	if err := json.Unmarshal([]byte((*calls)[0].body), &body); err != nil || body["days"] != 30 {
		t.Fatalf("unexpected request body %q", (*calls)[0].body)
	}

	if code, _, _ := runCLI("prune-log", "--addr", srv.URL, "--days", "-1"); code != 2 {
		t.Fatalf("expected 2 for negative days, got %d", code)
	}
}

func TestQueueCommands(t *testing.T) {
	srv, calls := stubAPI(t, map[string]string{
		"GET /v1/queue": `{"jobs":[{"job_id":"job-1","document_id":"doc-1","status":"retry","attempt_count":2,"next_attempt_at":"2026-10-18T12:05:00Z"}],
			"counts":{"pending":0,"retry":1,"failed":3}}`,
		"DELETE /v1/queue":                  `{"cleared":4}`,
		"POST /v1/queue/jobs/job-1/requeue": `{"job_id":"job-1","status":"pending"}`,
	})

	code, stdout, _ := runCLI("queue", "list", "--addr", srv.URL, "--status", "retry")
	if code != 0 || !strings.Contains(stdout, "job-1 document_id=doc-1 status=retry attempts=2") {
		t.Fatalf("unexpected list: %d %s", code, stdout)
	}
	if !strings.Contains(stdout, "pending=0 retry=1 failed=3") {
		t.Fatalf("expected counts line: %s", stdout)
	}
	if !strings.Contains((*calls)[0].query, "status=retry") {
		t.Fatalf("expected status filter, got %q", (*calls)[0].query)
	}

	code, stdout, _ = runCLI("queue", "clear", "--addr", srv.URL)
	if code != 0 || strings.TrimSpace(stdout) != "cleared=4" {
		t.Fatalf("unexpected clear: %d %q", code, stdout)
	}

	code, stdout, _ = runCLI("queue", "requeue", "--addr", srv.URL, "job-1")
	if code != 0 || !strings.Contains(stdout, "requeued job_id=job-1") {
		t.Fatalf("unexpected requeue: %d %s", code, stdout)
	}
	if code, _, _ := runCLI("queue", "requeue", "--addr", srv.URL); code != 2 {
		t.Fatalf("expected 2 without job id, got %d", code)
	}
}

func TestLogCommands(t *testing.T) {
	srv, calls := stubAPI(t, map[string]string{
		"GET /v1/log": `{"entries":[{"id":7,"job_id":"job-1","provider":"transparency_log","status":"anchored","document_id":"doc-1",
			"anchor_url":"https://rekor/7","created_at":"2026-10-18T12:00:00Z"}],"total":1200,"page":1,"per_page":50}`,
		"DELETE /v1/log":               `{"cleared":1200}`,
		"GET /v1/log/entries/7/verify": `{"log_index":7,"uuid":"abc","local_found":true,"index_matches":true,"uuid_matches":true,"has_inclusion_proof":true,"has_signed_entry_timestamp":true}`,
		"GET /v1/log/entries/8/verify": `{"log_index":9,"uuid":"abc","index_matches":false,"has_inclusion_proof":true}`,
	})

	code, stdout, _ := runCLI("log", "list", "--addr", srv.URL, "--provider", "transparency_log", "--document", "doc-1")
	if code != 0 || !strings.Contains(stdout, "7 2026-10-18T12:00:00Z document_id=doc-1 provider=transparency_log status=anchored url=https://rekor/7") {
		t.Fatalf("unexpected list: %d %s", code, stdout)
	}
	if !strings.Contains(stdout, "showing 1 of 1,200 entries") {
		t.Fatalf("expected total line: %s", stdout)
	}
	q := (*calls)[0].query
	if !strings.Contains(q, "provider=transparency_log") || !strings.Contains(q, "document_id=doc-1") || strings.Contains(q, "status=") {
		t.Fatalf("unexpected query %q", q)
	}

	code, stdout, _ = runCLI("log", "clear", "--addr", srv.URL)
	if code != 0 || strings.TrimSpace(stdout) != "cleared=1200" {
		t.Fatalf("unexpected clear: %d %q", code, stdout)
	}

	code, stdout, _ = runCLI("log", "verify", "--addr", srv.URL, "7")
	if code != 0 || !strings.Contains(stdout, "index_matches=true inclusion_proof=true") {
		t.Fatalf("unexpected verify: %d %s", code, stdout)
	}
	if code, _, _ := runCLI("log", "verify", "--addr", srv.URL, "8"); code != 1 {
		t.Fatalf("expected 1 for index mismatch, got %d", code)
	}
	if code, _, _ := runCLI("log", "verify", "--addr", srv.URL, "abc"); code != 2 {
		t.Fatalf("expected 2 for non-numeric index, got %d", code)
	}
}

func TestNoticesCommands(t *testing.T) {
	srv, calls := stubAPI(t, map[string]string{
		"GET /v1/notices":              `{"notices":[{"notice_id":"n-1","kind":"key_missing","message":"HMAC key missing","created_at":"2026-10-18T12:00:00Z"}]}`,
		"POST /v1/notices/n-1/dismiss": `{"notice_id":"n-1","dismissed":true}`,
	})

	code, stdout, _ := runCLI("notices", "list", "--addr", srv.URL, "--all")
	if code != 0 || !strings.Contains(stdout, "n-1 2026-10-18T12:00:00Z [key_missing] HMAC key missing") {
		t.Fatalf("unexpected list: %d %s", code, stdout)
	}
	if (*calls)[0].query != "all=true" {
		t.Fatalf("expected all=true, got %q", (*calls)[0].query)
	}

	code, stdout, _ = runCLI("notices", "dismiss", "--addr", srv.URL, "n-1")
	if code != 0 || !strings.Contains(stdout, "dismissed notice_id=n-1") {
		t.Fatalf("unexpected dismiss: %d %s", code, stdout)
	}
	if code, _, _ := runCLI("notices", "dismiss", "--addr", srv.URL, "n-2"); code != 1 {
		t.Fatalf("expected 1 for unknown notice, got %d", code)
	}
}

func TestTSAProfilesAndJSON(t *testing.T) {
	raw := `{"profiles":[{"slug":"freetsa","url":"https://freetsa.org/tsr","auth_required":false}]}`
	srv, _ := stubAPI(t, map[string]string{"GET /v1/tsa/profiles": raw})

	code, stdout, _ := runCLI("tsa-profiles", "--addr", srv.URL)
	if code != 0 || strings.TrimSpace(stdout) != "freetsa https://freetsa.org/tsr auth_required=false" {
		t.Fatalf("unexpected profiles: %d %q", code, stdout)
	}

	code, stdout, _ = runCLI("tsa-profiles", "--addr", srv.URL, "--json")
	if code != 0 || stdout != raw {
		t.Fatalf("expected raw json, got %q", stdout)
	}
}

func TestServerUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	addr := srv.URL
	srv.Close()

	code, _, stderr := runCLI("process", "--addr", addr)
	if code != 1 || stderr == "" {
		t.Fatalf("expected connection error, got %d %q", code, stderr)
	}
}

func TestHashCommand(t *testing.T) {
	t.Setenv("ANCHORD_HMAC_KEY", "")
	path := filepath.Join(t.TempDir(), "post.txt")
	if err := os.WriteFile(path, []byte("Hello world\r\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	code, stdout, stderr := runCLI("hash", "--document", "doc-1", "--author", "7", path)
	if code != 0 {
		t.Fatalf("expected 0, got %d: %s", code, stderr)
	}
	packed := strings.TrimSpace(stdout)
	if !strings.HasPrefix(packed, "sha256:") {
		t.Fatalf("unexpected packed hash %q", packed)
	}

	code, stdout, _ = runCLI("hash", "--document", "doc-1", "--author", "7", "--check", packed, path)
	if code != 0 || strings.TrimSpace(stdout) != "verified=true" {
		t.Fatalf("expected verified, got %d %q", code, stdout)
	}

	code, stdout, _ = runCLI("hash", "--document", "doc-2", "--author", "7", "--check", packed, path)
	if code != 1 || strings.TrimSpace(stdout) != "verified=false" {
		t.Fatalf("expected mismatch for another document, got %d %q", code, stdout)
	}

	code, stdout, _ = runCLI("hash", "--algorithm", "sha512", path)
	if code != 0 || !strings.HasPrefix(stdout, "sha512:") {
		t.Fatalf("expected sha512 hash, got %d %q", code, stdout)
	}

	if code, _, _ := runCLI("hash", "--algorithm", "md5", path); code != 2 {
		t.Fatalf("expected 2 for unknown algorithm, got %d", code)
	}
	if code, _, _ := runCLI("hash"); code != 2 {
		t.Fatalf("expected 2 without file, got %d", code)
	}
	if code, _, _ := runCLI("hash", filepath.Join(t.TempDir(), "missing.txt")); code != 1 {
		t.Fatalf("expected 1 for missing file, got %d", code)
	}
}

func TestPolicyLint(t *testing.T) {
	code, stdout, stderr := runCLI("policy", "lint", "../../policies/anchord.yaml")
	if code != 0 || !strings.Contains(stdout, "ok policy_id=") {
		t.Fatalf("expected lint ok, got %d %s %s", code, stdout, stderr)
	}

	bad := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(bad, []byte("policy_id: [\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if code, _, _ := runCLI("policy", "lint", bad); code != 1 {
		t.Fatalf("expected 1 for bad policy, got %d", code)
	}
	if code, _, _ := runCLI("policy", "lint"); code != 2 {
		t.Fatalf("expected 2 without path, got %d", code)
	}
}

func TestEnvOrDefault(t *testing.T) {
	t.Setenv("ANCHORD_ADDR_PROBE", "")
	if envOrDefault("ANCHORD_ADDR_PROBE", "x") != "x" {
		t.Fatalf("expected fallback")
	}
	t.Setenv("ANCHORD_ADDR_PROBE", "y")
	if envOrDefault("ANCHORD_ADDR_PROBE", "x") != "y" {
		t.Fatalf("expected env value")
	}
}
