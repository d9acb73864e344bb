package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"

	"github.com/davidahmann/anchord/internal/integrity"
	"github.com/davidahmann/anchord/internal/policy"
	"github.com/davidahmann/anchord/pkg/types"
)

const defaultAddr = "http://localhost:8080"

func main() {
	exitFn(run(os.Args, os.Stdout, os.Stderr))
}

var exitFn = os.Exit

var httpClient = http.DefaultClient

func run(args []string, stdout io.Writer, stderr io.Writer) int {
	if len(args) < 2 {
		usage(stderr)
		return 2
	}

	switch args[1] {
	case "process":
		return handleProcess(args[2:], stdout, stderr)
	case "anchor":
		return handleAnchor(args[2:], stdout, stderr)
	case "verify":
		return handleVerify(args[2:], stdout, stderr)
	case "prune-log":
		return handlePrune(args[2:], stdout, stderr)
	case "queue":
		return handleQueue(args[2:], stdout, stderr)
	case "log":
		return handleLog(args[2:], stdout, stderr)
	case "notices":
		return handleNotices(args[2:], stdout, stderr)
	case "tsa-profiles":
		return handleProfiles(args[2:], stdout, stderr)
	case "hash":
		return handleHash(args[2:], stdout, stderr)
	case "policy":
		return handlePolicy(args[2:], stdout, stderr)
	default:
		usage(stderr)
		return 2
	}
}

type apiFlags struct {
	addr    *string
	token   *string
	jsonOut *bool
}

func newFlagSet(name string, stderr io.Writer) (*flag.FlagSet, apiFlags) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(stderr)
	return fs, apiFlags{
		addr:    fs.String("addr", envOrDefault("ANCHORD_ADDR", defaultAddr), "anchord API address"),
		token:   fs.String("token", os.Getenv("ANCHORD_API_TOKEN"), "bearer token"),
		jsonOut: fs.Bool("json", false, "print raw JSON response"),
	}
}

// call performs one API request and reports non-2xx responses on stderr.
func (f apiFlags) call(method, path string, body any, stderr io.Writer) ([]byte, bool) {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			fmt.Fprintln(stderr, err.Error())
			return nil, false
		}
		reader = bytes.NewReader(encoded)
	}
	respBody, status, err := httpDo(httpClient, method, strings.TrimRight(*f.addr, "/")+path, *f.token, reader)
	if err != nil {
		fmt.Fprintln(stderr, err.Error())
		return nil, false
	}
	if status < 200 || status > 299 {
		fmt.Fprintf(stderr, "request failed (%d): %s\n", status, strings.TrimSpace(string(respBody)))
		return respBody, false
	}
	return respBody, true
}

func handleProcess(args []string, stdout io.Writer, stderr io.Writer) int {
	fs, api := newFlagSet("process", stderr)
	if err := fs.Parse(args); err != nil {
		return 2
	}
	body, ok := api.call(http.MethodPost, "/v1/queue/process", nil, stderr)
	if !ok {
		return 1
	}
	if *api.jsonOut {
		_, _ = stdout.Write(body)
		return 0
	}
	var payload struct {
		Outcomes []types.DispatchOutcome `json:"outcomes"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		fmt.Fprintln(stderr, "invalid response:", err)
		return 1
	}
	for _, o := range payload.Outcomes {
		line := fmt.Sprintf("%s document_id=%s provider=%s status=%s", o.JobID, o.DocumentID, o.Provider, o.Status)
		if o.AnchorURL != "" {
			line += " url=" + o.AnchorURL
		}
		if o.Error != "" {
			line += " error=" + strconv.Quote(o.Error)
		}
		if o.Discarded {
			line += " discarded=true"
		}
		fmt.Fprintln(stdout, line)
	}
	fmt.Fprintf(stdout, "processed %d dispatches\n", len(payload.Outcomes))
	return 0
}

func handleAnchor(args []string, stdout io.Writer, stderr io.Writer) int {
	fs, api := newFlagSet("anchor", stderr)
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(stderr, "anchor requires <document_id>")
		fs.Usage()
		return 2
	}
	body, ok := api.call(http.MethodPost, "/v1/documents/"+url.PathEscape(fs.Arg(0))+"/anchor", nil, stderr)
	if !ok {
		return 1
	}
	if *api.jsonOut {
		_, _ = stdout.Write(body)
		return 0
	}
	var result types.ChangeResult
	if err := json.Unmarshal(body, &result); err != nil {
		fmt.Fprintln(stderr, "invalid response:", err)
		return 1
	}
	fmt.Fprintf(stdout, "queued job_id=%s document_id=%s hash=%s\n", result.JobID, result.DocumentID, result.PackedHash)
	return 0
}

func handleVerify(args []string, stdout io.Writer, stderr io.Writer) int {
	fs, api := newFlagSet("verify", stderr)
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(stderr, "verify requires <document_id>")
		fs.Usage()
		return 2
	}
	body, ok := api.call(http.MethodGet, "/v1/documents/"+url.PathEscape(fs.Arg(0))+"/verify", nil, stderr)
	if !ok {
		return 1
	}
	if *api.jsonOut {
		_, _ = stdout.Write(body)
		return 0
	}
	var report types.HashReport
	if err := json.Unmarshal(body, &report); err != nil {
		fmt.Fprintln(stderr, "invalid response:", err)
		return 1
	}
	fmt.Fprintf(stdout, "verified=%t document_id=%s mode=%s stored=%s current=%s\n",
		report.Verified, report.DocumentID, report.Mode, report.StoredHash, report.CurrentHash)
	if !report.Verified {
		return 1
	}
	return 0
}

func handlePrune(args []string, stdout io.Writer, stderr io.Writer) int {
	fs, api := newFlagSet("prune-log", stderr)
	days := fs.Int("days", 0, "delete entries older than N days (0 uses the configured retention)")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *days < 0 {
		fmt.Fprintln(stderr, "days must not be negative")
		return 2
	}
	body, ok := api.call(http.MethodPost, "/v1/log/prune", map[string]int{"days": *days}, stderr)
	if !ok {
		return 1
	}
	return printCount(body, "pruned", *api.jsonOut, stdout, stderr)
}

func handleQueue(args []string, stdout io.Writer, stderr io.Writer) int {
	if len(args) == 0 {
		usage(stderr)
		return 2
	}
	fs, api := newFlagSet("queue "+args[0], stderr)
	status := fs.String("status", "", "filter by status (pending, retry, failed)")
	limit := fs.Int("limit", 100, "maximum jobs to list")
	if err := fs.Parse(args[1:]); err != nil {
		return 2
	}

	switch args[0] {
	case "list":
		q := url.Values{}
		if *status != "" {
			q.Set("status", *status)
		}
		q.Set("limit", strconv.Itoa(*limit))
		body, ok := api.call(http.MethodGet, "/v1/queue?"+q.Encode(), nil, stderr)
		if !ok {
			return 1
		}
		if *api.jsonOut {
			_, _ = stdout.Write(body)
			return 0
		}
		var payload struct {
			Jobs   []types.JobView `json:"jobs"`
			Counts map[string]int  `json:"counts"`
		}
		if err := json.Unmarshal(body, &payload); err != nil {
			fmt.Fprintln(stderr, "invalid response:", err)
			return 1
		}
		for _, job := range payload.Jobs {
			fmt.Fprintf(stdout, "%s document_id=%s status=%s attempts=%d next=%s\n",
				job.JobID, job.DocumentID, job.Status, job.AttemptCount, job.NextAttemptAt)
		}
		fmt.Fprintf(stdout, "pending=%d retry=%d failed=%d\n",
			payload.Counts["pending"], payload.Counts["retry"], payload.Counts["failed"])
		return 0
	case "clear":
		body, ok := api.call(http.MethodDelete, "/v1/queue", nil, stderr)
		if !ok {
			return 1
		}
		return printCount(body, "cleared", *api.jsonOut, stdout, stderr)
	case "requeue":
		if fs.NArg() != 1 {
			fmt.Fprintln(stderr, "queue requeue requires <job_id>")
			return 2
		}
		body, ok := api.call(http.MethodPost, "/v1/queue/jobs/"+url.PathEscape(fs.Arg(0))+"/requeue", nil, stderr)
		if !ok {
			return 1
		}
		if *api.jsonOut {
			_, _ = stdout.Write(body)
			return 0
		}
		fmt.Fprintf(stdout, "requeued job_id=%s\n", fs.Arg(0))
		return 0
	default:
		usage(stderr)
		return 2
	}
}

func handleLog(args []string, stdout io.Writer, stderr io.Writer) int {
	if len(args) == 0 {
		usage(stderr)
		return 2
	}
	fs, api := newFlagSet("log "+args[0], stderr)
	status := fs.String("status", "", "filter by status (anchored, retry, failed)")
	providerName := fs.String("provider", "", "filter by provider")
	document := fs.String("document", "", "filter by document id")
	page := fs.Int("page", 1, "page number")
	perPage := fs.Int("per-page", 50, "entries per page")
	if err := fs.Parse(args[1:]); err != nil {
		return 2
	}

	switch args[0] {
	case "list":
		q := url.Values{}
		for key, value := range map[string]string{"status": *status, "provider": *providerName, "document_id": *document} {
			if value != "" {
				q.Set(key, value)
			}
		}
		q.Set("page", strconv.Itoa(*page))
		q.Set("per_page", strconv.Itoa(*perPage))
		body, ok := api.call(http.MethodGet, "/v1/log?"+q.Encode(), nil, stderr)
		if !ok {
			return 1
		}
		if *api.jsonOut {
			_, _ = stdout.Write(body)
			return 0
		}
		var payload struct {
			Entries []types.LogEntryView `json:"entries"`
			Total   int                  `json:"total"`
		}
		if err := json.Unmarshal(body, &payload); err != nil {
			fmt.Fprintln(stderr, "invalid response:", err)
			return 1
		}
		for _, e := range payload.Entries {
			line := fmt.Sprintf("%d %s document_id=%s provider=%s status=%s", e.ID, e.CreatedAt, e.DocumentID, e.Provider, e.Status)
			if e.AnchorURL != "" {
				line += " url=" + e.AnchorURL
			}
			if e.ErrorMessage != "" {
				line += " error=" + strconv.Quote(e.ErrorMessage)
			}
			fmt.Fprintln(stdout, line)
		}
		fmt.Fprintf(stdout, "showing %d of %s entries\n", len(payload.Entries), humanize.Comma(int64(payload.Total)))
		return 0
	case "clear":
		body, ok := api.call(http.MethodDelete, "/v1/log", nil, stderr)
		if !ok {
			return 1
		}
		return printCount(body, "cleared", *api.jsonOut, stdout, stderr)
	case "verify":
		if fs.NArg() != 1 {
			fmt.Fprintln(stderr, "log verify requires <log_index>")
			return 2
		}
		if _, err := strconv.ParseInt(fs.Arg(0), 10, 64); err != nil {
			fmt.Fprintln(stderr, "log index must be an integer")
			return 2
		}
		body, ok := api.call(http.MethodGet, "/v1/log/entries/"+fs.Arg(0)+"/verify", nil, stderr)
		if !ok {
			return 1
		}
		if *api.jsonOut {
			_, _ = stdout.Write(body)
			return 0
		}
		var check types.LogEntryCheck
		if err := json.Unmarshal(body, &check); err != nil {
			fmt.Fprintln(stderr, "invalid response:", err)
			return 1
		}
		fmt.Fprintf(stdout, "log_index=%d uuid=%s local=%t index_matches=%t uuid_matches=%t inclusion_proof=%t set=%t\n",
			check.LogIndex, check.UUID, check.LocalFound, check.IndexMatches, check.UUIDMatches,
			check.HasInclusionProof, check.HasSignedEntryTimestamp)
		if !check.IndexMatches || !check.HasInclusionProof {
			return 1
		}
		return 0
	default:
		usage(stderr)
		return 2
	}
}

func handleNotices(args []string, stdout io.Writer, stderr io.Writer) int {
	if len(args) == 0 {
		usage(stderr)
		return 2
	}
	fs, api := newFlagSet("notices "+args[0], stderr)
	all := fs.Bool("all", false, "include dismissed notices")
	if err := fs.Parse(args[1:]); err != nil {
		return 2
	}

	switch args[0] {
	case "list":
		path := "/v1/notices"
		if *all {
			path += "?all=true"
		}
		body, ok := api.call(http.MethodGet, path, nil, stderr)
		if !ok {
			return 1
		}
		if *api.jsonOut {
			_, _ = stdout.Write(body)
			return 0
		}
		var payload struct {
			Notices []types.NoticeView `json:"notices"`
		}
		if err := json.Unmarshal(body, &payload); err != nil {
			fmt.Fprintln(stderr, "invalid response:", err)
			return 1
		}
		for _, n := range payload.Notices {
			fmt.Fprintf(stdout, "%s %s [%s] %s\n", n.NoticeID, n.CreatedAt, n.Kind, n.Message)
		}
		return 0
	case "dismiss":
		if fs.NArg() != 1 {
			fmt.Fprintln(stderr, "notices dismiss requires <notice_id>")
			return 2
		}
		if _, ok := api.call(http.MethodPost, "/v1/notices/"+url.PathEscape(fs.Arg(0))+"/dismiss", nil, stderr); !ok {
			return 1
		}
		fmt.Fprintf(stdout, "dismissed notice_id=%s\n", fs.Arg(0))
		return 0
	default:
		usage(stderr)
		return 2
	}
}

func handleProfiles(args []string, stdout io.Writer, stderr io.Writer) int {
	fs, api := newFlagSet("tsa-profiles", stderr)
	if err := fs.Parse(args); err != nil {
		return 2
	}
	body, ok := api.call(http.MethodGet, "/v1/tsa/profiles", nil, stderr)
	if !ok {
		return 1
	}
	if *api.jsonOut {
		_, _ = stdout.Write(body)
		return 0
	}
	var payload struct {
		Profiles []struct {
			Slug         string `json:"slug"`
			URL          string `json:"url"`
			AuthRequired bool   `json:"auth_required"`
		} `json:"profiles"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		fmt.Fprintln(stderr, "invalid response:", err)
		return 1
	}
	for _, p := range payload.Profiles {
		fmt.Fprintf(stdout, "%s %s auth_required=%t\n", p.Slug, p.URL, p.AuthRequired)
	}
	return 0
}

// handleHash packs a local file the same way the engine does, without
// contacting the server.
func handleHash(args []string, stdout io.Writer, stderr io.Writer) int {
	fs := flag.NewFlagSet("hash", flag.ContinueOnError)
	fs.SetOutput(stderr)
	algorithm := fs.String("algorithm", integrity.DefaultAlgorithm, "hash algorithm")
	documentID := fs.String("document", "", "document id bound into the digest")
	postType := fs.String("post-type", "post", "post type bound into the digest")
	authorID := fs.String("author", "", "author id bound into the digest")
	check := fs.String("check", "", "packed hash to verify instead of printing")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(stderr, "hash requires <file>")
		fs.Usage()
		return 2
	}

	// #nosec G304 -- operator-provided path.
	data, err := os.ReadFile(fs.Arg(0))
	if err != nil {
		fmt.Fprintln(stderr, err.Error())
		return 1
	}
	content := integrity.Content{DocumentID: *documentID, PostType: *postType, AuthorID: *authorID, Body: string(data)}
	registry := integrity.NewRegistry(integrity.Options{HMACKey: []byte(os.Getenv("ANCHORD_HMAC_KEY"))})

	if *check != "" {
		ok, err := registry.Verify(content, *check)
		if err != nil {
			fmt.Fprintln(stderr, err.Error())
			return 1
		}
		fmt.Fprintf(stdout, "verified=%t\n", ok)
		if !ok {
			return 1
		}
		return 0
	}

	if _, ok := integrity.LookupAlgorithm(*algorithm); !ok {
		fmt.Fprintf(stderr, "unsupported algorithm %q (known: %s)\n", *algorithm, strings.Join(integrity.Algorithms(), ", "))
		return 2
	}
	res, err := registry.Pack(content, *algorithm)
	if err != nil {
		fmt.Fprintln(stderr, err.Error())
		return 1
	}
	fmt.Fprintln(stdout, res.Packed)
	return 0
}

func handlePolicy(args []string, stdout io.Writer, stderr io.Writer) int {
	if len(args) == 0 {
		usage(stderr)
		return 2
	}
	switch args[0] {
	case "lint":
		fs := flag.NewFlagSet("policy lint", flag.ContinueOnError)
		fs.SetOutput(stderr)
		if err := fs.Parse(args[1:]); err != nil {
			fs.Usage()
			return 2
		}
		if fs.NArg() != 1 {
			fmt.Fprintln(stderr, "policy lint requires <policy_path>")
			fs.Usage()
			return 2
		}
		loaded, err := policy.LoadPolicy(fs.Arg(0))
		if err != nil {
			fmt.Fprintln(stderr, err.Error())
			return 1
		}
		fmt.Fprintf(stdout, "ok policy_id=%s rules=%d policy_hash=%s\n", loaded.Policy.PolicyID, len(loaded.Policy.Rules), loaded.Hash)
		return 0
	default:
		usage(stderr)
		return 2
	}
}

func printCount(body []byte, key string, jsonOut bool, stdout io.Writer, stderr io.Writer) int {
	if jsonOut {
		_, _ = stdout.Write(body)
		return 0
	}
	var payload map[string]int
	if err := json.Unmarshal(body, &payload); err != nil {
		fmt.Fprintln(stderr, "invalid response:", err)
		return 1
	}
	fmt.Fprintf(stdout, "%s=%d\n", key, payload[key])
	return 0
}

func httpDo(client *http.Client, method, url string, token string, body io.Reader) ([]byte, int, error) {
	req, err := http.NewRequest(method, url, body)
	if err != nil {
		return nil, 0, err
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, err
	}
	return respBody, resp.StatusCode, nil
}

func envOrDefault(key string, fallback string) string {
	value := os.Getenv(key)
	if value != "" {
		return value
	}
	return fallback
}

func usage(w io.Writer) {
	fmt.Fprint(w, `anchorctl

Usage:
  anchorctl process [--addr URL] [--token TOKEN] [--json]
  anchorctl anchor <document_id>
  anchorctl verify <document_id>
  anchorctl prune-log [--days N]
  anchorctl queue list [--status S] [--limit N]
  anchorctl queue clear
  anchorctl queue requeue <job_id>
  anchorctl log list [--status S] [--provider P] [--document D] [--page N] [--per-page N]
  anchorctl log clear
  anchorctl log verify <log_index>
  anchorctl notices list [--all]
  anchorctl notices dismiss <notice_id>
  anchorctl tsa-profiles
  anchorctl hash <file> [--algorithm A] [--document D] [--post-type T] [--author A] [--check PACKED]
  anchorctl policy lint <policy_path>
`)
}
