package provider

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/davidahmann/anchord/pkg/types"
)

const (
	FlavorGitHub = "github"
	FlavorGitLab = "gitlab"

	DefaultFolderTemplate        = "anchors/{year}/{month}"
	DefaultCommitMessageTemplate = "Anchor {document_id} {algorithm}:{hash}"
)

type GitHostConfig struct {
	Flavor string
	// APIBase defaults to https://api.github.com or https://gitlab.com.
	APIBase string
	// WebBase is used to build file URLs when the API does not return one.
	WebBase string
	Token   string
	Owner   string
	Repo    string
	Branch  string

	FolderTemplate        string
	CommitMessageTemplate string

	HTTP HTTPOptions
}

// GitHostDispatcher commits the anchor record as a JSON file to a
// repository on GitHub or GitLab.
type GitHostDispatcher struct {
	cfg  GitHostConfig
	http *httpDoer
}

func NewGitHostDispatcher(cfg GitHostConfig) (*GitHostDispatcher, error) {
	switch cfg.Flavor {
	case "", FlavorGitHub:
		cfg.Flavor = FlavorGitHub
		if cfg.APIBase == "" {
			cfg.APIBase = "https://api.github.com"
		}
		if cfg.WebBase == "" {
			cfg.WebBase = "https://github.com"
		}
	case FlavorGitLab:
		if cfg.APIBase == "" {
			cfg.APIBase = "https://gitlab.com"
		}
		if cfg.WebBase == "" {
			cfg.WebBase = cfg.APIBase
		}
	default:
		return nil, fmt.Errorf("unsupported git flavor: %s", cfg.Flavor)
	}
	if cfg.Owner == "" || cfg.Repo == "" {
		return nil, fmt.Errorf("git owner and repo are required")
	}
	if cfg.Branch == "" {
		cfg.Branch = "main"
	}
	if cfg.FolderTemplate == "" {
		cfg.FolderTemplate = DefaultFolderTemplate
	}
	if cfg.CommitMessageTemplate == "" {
		cfg.CommitMessageTemplate = DefaultCommitMessageTemplate
	}
	cfg.APIBase = strings.TrimRight(cfg.APIBase, "/")
	cfg.WebBase = strings.TrimRight(cfg.WebBase, "/")
	return &GitHostDispatcher{cfg: cfg, http: newHTTPDoer(cfg.HTTP)}, nil
}

func (d *GitHostDispatcher) Name() types.ProviderName { return types.ProviderGitHost }

func (d *GitHostDispatcher) Dispatch(ctx context.Context, rec types.AnchorRecord, recordJSON []byte) Result {
	path := FilePath(d.cfg.FolderTemplate, rec)
	message := CommitMessage(d.cfg.CommitMessageTemplate, rec)

	var (
		link string
		err  error
	)
	if d.cfg.Flavor == FlavorGitLab {
		link, err = d.commitGitLab(ctx, path, message, recordJSON)
	} else {
		link, err = d.commitGitHub(ctx, path, message, recordJSON)
	}
	if err != nil {
		return failure(err)
	}
	return anchored(link)
}

// FilePath renders the folder template for rec and appends
// <document_id>-<hash[:16]>.json. Date tokens come from the record's
// created_at so retries write the same path.
func FilePath(folderTemplate string, rec types.AnchorRecord) string {
	created, err := time.Parse(time.RFC3339, rec.CreatedAt)
	if err != nil {
		created = time.Unix(0, 0).UTC()
	}
	created = created.UTC()
	folder := strings.NewReplacer(
		"{year}", created.Format("2006"),
		"{month}", created.Format("01"),
		"{day}", created.Format("02"),
		"{post_type}", safeSegment(rec.PostType),
	).Replace(folderTemplate)

	parts := []string{}
	for _, p := range strings.Split(folder, "/") {
		p = strings.TrimSpace(p)
		if p == "" || p == "." || p == ".." {
			continue
		}
		parts = append(parts, safeSegment(p))
	}

	hash := rec.HashValue
	if len(hash) > 16 {
		hash = hash[:16]
	}
	parts = append(parts, safeSegment(rec.DocumentID)+"-"+hash+".json")
	return strings.Join(parts, "/")
}

func CommitMessage(tmpl string, rec types.AnchorRecord) string {
	return strings.NewReplacer(
		"{document_id}", rec.DocumentID,
		"{hash}", rec.HashValue,
		"{algorithm}", rec.HashAlgorithm,
		"{post_type}", rec.PostType,
	).Replace(tmpl)
}

func (d *GitHostDispatcher) newRequest(method, endpoint string, body any) (*http.Request, error) {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return nil, err
		}
	}
	req, err := http.NewRequest(method, endpoint, &buf)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if d.cfg.Flavor == FlavorGitLab {
		req.Header.Set("PRIVATE-TOKEN", d.cfg.Token)
	} else {
		req.Header.Set("Accept", "application/vnd.github+json")
		req.Header.Set("X-GitHub-Api-Version", "2022-11-28")
		if d.cfg.Token != "" {
			req.Header.Set("Authorization", "Bearer "+d.cfg.Token)
		}
	}
	return req, nil
}

// exists reports whether the file is already present, returning its blob sha
// on GitHub.
func (d *GitHostDispatcher) exists(ctx context.Context, endpoint string) (bool, string, error) {
	req, err := d.newRequest(http.MethodGet, endpoint, nil)
	if err != nil {
		return false, "", err
	}
	resp, err := d.http.do(ctx, req)
	if err != nil {
		return false, "", err
	}
	defer resp.Body.Close()
	body, err := readLimited(resp.Body, 1<<20)
	if err != nil {
		return false, "", err
	}
	if resp.StatusCode == http.StatusNotFound {
		return false, "", nil
	}
	if err := statusError(resp, body); err != nil {
		return false, "", err
	}
	var file struct {
		SHA      string `json:"sha"`
		BlobID   string `json:"blob_id"`
		FilePath string `json:"file_path"`
	}
	if err := json.Unmarshal(body, &file); err != nil {
		return false, "", malformed("decode file metadata: %v", err)
	}
	if file.SHA != "" {
		return true, file.SHA, nil
	}
	return true, file.BlobID, nil
}

func (d *GitHostDispatcher) commitGitHub(ctx context.Context, path, message string, content []byte) (string, error) {
	endpoint := fmt.Sprintf("%s/repos/%s/%s/contents/%s",
		d.cfg.APIBase, url.PathEscape(d.cfg.Owner), url.PathEscape(d.cfg.Repo), escapeSegments(path))

	found, sha, err := d.exists(ctx, endpoint+"?ref="+url.QueryEscape(d.cfg.Branch))
	if err != nil {
		return "", err
	}

	payload := map[string]string{
		"message": message,
		"content": base64.StdEncoding.EncodeToString(content),
		"branch":  d.cfg.Branch,
	}
	if found && sha != "" {
		payload["sha"] = sha
	}
	req, err := d.newRequest(http.MethodPut, endpoint, payload)
	if err != nil {
		return "", err
	}
	resp, err := d.http.do(ctx, req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	body, err := readLimited(resp.Body, 1<<20)
	if err != nil {
		return "", err
	}
	if err := statusError(resp, body); err != nil {
		return "", err
	}

	var out struct {
		Content struct {
			HTMLURL string `json:"html_url"`
		} `json:"content"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return "", malformed("decode commit response: %v", err)
	}
	if out.Content.HTMLURL != "" {
		return out.Content.HTMLURL, nil
	}
	return fmt.Sprintf("%s/%s/%s/blob/%s/%s", d.cfg.WebBase, d.cfg.Owner, d.cfg.Repo, d.cfg.Branch, path), nil
}

func (d *GitHostDispatcher) commitGitLab(ctx context.Context, path, message string, content []byte) (string, error) {
	project := url.PathEscape(d.cfg.Owner + "/" + d.cfg.Repo)
	endpoint := fmt.Sprintf("%s/api/v4/projects/%s/repository/files/%s",
		d.cfg.APIBase, project, url.PathEscape(path))

	found, _, err := d.exists(ctx, endpoint+"?ref="+url.QueryEscape(d.cfg.Branch))
	if err != nil {
		return "", err
	}

	method := http.MethodPost
	if found {
		method = http.MethodPut
	}
	req, err := d.newRequest(method, endpoint, map[string]string{
		"branch":         d.cfg.Branch,
		"content":        base64.StdEncoding.EncodeToString(content),
		"encoding":       "base64",
		"commit_message": message,
	})
	if err != nil {
		return "", err
	}
	resp, err := d.http.do(ctx, req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	body, err := readLimited(resp.Body, 1<<20)
	if err != nil {
		return "", err
	}
	if err := statusError(resp, body); err != nil {
		return "", err
	}

	var out struct {
		FilePath string `json:"file_path"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return "", malformed("decode commit response: %v", err)
	}
	if out.FilePath == "" {
		out.FilePath = path
	}
	return fmt.Sprintf("%s/%s/%s/-/blob/%s/%s", d.cfg.WebBase, d.cfg.Owner, d.cfg.Repo, d.cfg.Branch, out.FilePath), nil
}

func escapeSegments(path string) string {
	parts := strings.Split(path, "/")
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}
	return strings.Join(parts, "/")
}
