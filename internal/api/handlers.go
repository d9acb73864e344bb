package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/davidahmann/anchord/internal/anchor"
	"github.com/davidahmann/anchord/internal/auth"
	"github.com/davidahmann/anchord/internal/integrity"
	"github.com/davidahmann/anchord/internal/ledger"
	"github.com/davidahmann/anchord/internal/metrics"
	"github.com/davidahmann/anchord/internal/verify"
	"github.com/davidahmann/anchord/pkg/types"
)

const maxBodyBytes = 8 << 20

type Handler struct {
	Auth    auth.Authenticator
	Service *AnchorService
	Metrics *metrics.Metrics
	Logger  *logrus.Logger
}

func (h *Handler) PutDocument(w http.ResponseWriter, r *http.Request) {
	if !h.ready(w, r) {
		return
	}

	var change types.DocumentChange
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&change); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json"})
		return
	}
	change.DocumentID = r.PathValue("id")

	result, err := h.Service.OnDocumentChange(r.Context(), change)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *Handler) AnchorDocument(w http.ResponseWriter, r *http.Request) {
	if !h.ready(w, r) {
		return
	}
	result, err := h.Service.AnchorNow(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, result)
}

func (h *Handler) VerifyDocument(w http.ResponseWriter, r *http.Request) {
	if !h.ready(w, r) {
		return
	}
	report, err := h.Service.VerifyDocument(r.Context(), r.PathValue("id"))
	if errors.Is(err, integrity.ErrKeyMissing) {
		// the report still says which hash could not be checked
		writeJSON(w, http.StatusConflict, map[string]any{"error": err.Error(), "report": report})
		return
	}
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (h *Handler) ProcessQueue(w http.ResponseWriter, r *http.Request) {
	if !h.ready(w, r) {
		return
	}
	outcomes, err := h.Service.ProcessQueue(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"outcomes": outcomes})
}

func (h *Handler) ListQueue(w http.ResponseWriter, r *http.Request) {
	if !h.ready(w, r) {
		return
	}
	limit, offset, ok := paging(w, r)
	if !ok {
		return
	}
	jobs, err := h.Service.ListJobs(r.Context(), r.URL.Query().Get("status"), limit, offset)
	if err != nil {
		h.writeError(w, err)
		return
	}
	counts, err := h.Service.QueueCounts(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs, "counts": counts})
}

func (h *Handler) ClearQueue(w http.ResponseWriter, r *http.Request) {
	if !h.ready(w, r) {
		return
	}
	n, err := h.Service.ClearQueue(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"cleared": n})
}

func (h *Handler) RequeueJob(w http.ResponseWriter, r *http.Request) {
	if !h.ready(w, r) {
		return
	}
	jobID := r.PathValue("id")
	if err := h.Service.RequeueJob(r.Context(), jobID); err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"job_id": jobID, "status": string(types.JobPending)})
}

func (h *Handler) ListLog(w http.ResponseWriter, r *http.Request) {
	if !h.ready(w, r) {
		return
	}
	q := r.URL.Query()
	query := ledger.LogQuery{
		Status:     q.Get("status"),
		Provider:   q.Get("provider"),
		DocumentID: q.Get("document_id"),
	}
	var err error
	if query.Page, err = intParam(q.Get("page")); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid page"})
		return
	}
	if query.PerPage, err = intParam(q.Get("per_page")); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid per_page"})
		return
	}
	query = query.Normalize()

	entries, total, err := h.Service.ListLog(r.Context(), query)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"entries":  entries,
		"total":    total,
		"page":     query.Page,
		"per_page": query.PerPage,
	})
}

func (h *Handler) ClearLog(w http.ResponseWriter, r *http.Request) {
	if !h.ready(w, r) {
		return
	}
	n, err := h.Service.ClearLog(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"cleared": n})
}

type pruneRequest struct {
	Days int `json:"days"`
}

func (h *Handler) PruneLog(w http.ResponseWriter, r *http.Request) {
	if !h.ready(w, r) {
		return
	}
	var req pruneRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json"})
			return
		}
	}
	if req.Days < 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "days must not be negative"})
		return
	}
	n, err := h.Service.PruneLog(r.Context(), req.Days)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"pruned": n})
}

func (h *Handler) VerifyLogEntry(w http.ResponseWriter, r *http.Request) {
	if !h.ready(w, r) {
		return
	}
	index, err := strconv.ParseInt(r.PathValue("index"), 10, 64)
	if err != nil || index < 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid log index"})
		return
	}
	check, err := h.Service.VerifyLogEntry(r.Context(), index)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, check)
}

func (h *Handler) ListNotices(w http.ResponseWriter, r *http.Request) {
	if !h.ready(w, r) {
		return
	}
	all := r.URL.Query().Get("all") == "true"
	notices, err := h.Service.ListNotices(r.Context(), all)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"notices": notices})
}

func (h *Handler) DismissNotice(w http.ResponseWriter, r *http.Request) {
	if !h.ready(w, r) {
		return
	}
	id := r.PathValue("id")
	ok, err := h.Service.DismissNotice(r.Context(), id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "notice not found"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"notice_id": id, "status": "dismissed"})
}

func (h *Handler) TSAProfiles(w http.ResponseWriter, r *http.Request) {
	if !h.ready(w, r) {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"profiles": h.Service.Profiles()})
}

func (h *Handler) Artifact(w http.ResponseWriter, r *http.Request) {
	if !h.ready(w, r) {
		return
	}
	path, err := h.Service.ArtifactPath(r.PathValue("kind"), r.PathValue("doc"), r.PathValue("file"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if _, err := os.Stat(path); err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "artifact not found"})
		return
	}
	w.Header().Set("Content-Disposition", "attachment; filename="+r.PathValue("file"))
	w.Header().Set("Content-Type", artifactContentType(r.PathValue("file")))
	http.ServeFile(w, r, path)
}

func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) ready(w http.ResponseWriter, r *http.Request) bool {
	if !h.ensureAuth(w, r) {
		return false
	}
	if h.Service == nil {
		writeJSON(w, http.StatusNotImplemented, map[string]string{"error": "anchor service not configured"})
		return false
	}
	return true
}

func (h *Handler) ensureAuth(w http.ResponseWriter, r *http.Request) bool {
	_, err := h.Authenticate(r)
	if err != nil {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": err.Error()})
		return false
	}
	return true
}

func (h *Handler) Authenticate(r *http.Request) (auth.Claims, error) {
	if h.Auth == nil {
		return auth.Claims{}, auth.ErrInvalidToken
	}
	return h.Auth.Authenticate(r)
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError && h.Logger != nil {
		h.Logger.WithFields(logrus.Fields{"error": err}).Error("request failed")
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, ErrInvalidChange), errors.Is(err, integrity.ErrMalformedHash):
		return http.StatusBadRequest
	case errors.Is(err, ErrDocumentNotFound), errors.Is(err, anchor.ErrJobNotFound):
		return http.StatusNotFound
	case errors.Is(err, anchor.ErrJobNotFailed), errors.Is(err, anchor.ErrNoProviders), errors.Is(err, integrity.ErrKeyMissing):
		return http.StatusConflict
	case errors.Is(err, verify.ErrNoLogClient):
		return http.StatusNotImplemented
	case errors.Is(err, integrity.ErrUnsupportedAlgorithm):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func paging(w http.ResponseWriter, r *http.Request) (int, int, bool) {
	limit, err := intParam(r.URL.Query().Get("limit"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid limit"})
		return 0, 0, false
	}
	offset, err := intParam(r.URL.Query().Get("offset"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid offset"})
		return 0, 0, false
	}
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	return limit, offset, true
}

func intParam(raw string) (int, error) {
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, errors.New("invalid integer")
	}
	return n, nil
}

func artifactContentType(file string) string {
	switch {
	case strings.HasSuffix(file, ".tsq"):
		return "application/timestamp-query"
	case strings.HasSuffix(file, ".tsr"):
		return "application/timestamp-reply"
	case strings.HasSuffix(file, ".json"):
		return "application/json"
	default:
		return "application/octet-stream"
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(payload)
}
