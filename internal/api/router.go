package api

import "net/http"

// NewRouter wires the operator API. /healthz and /metrics are
// unauthenticated; everything under /v1 requires the bearer token.
func NewRouter(h *Handler) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.Handle("GET /metrics", h.Metrics.Handler())

	mux.HandleFunc("PUT /v1/documents/{id}", h.PutDocument)
	mux.HandleFunc("POST /v1/documents/{id}/anchor", h.AnchorDocument)
	mux.HandleFunc("GET /v1/documents/{id}/verify", h.VerifyDocument)

	mux.HandleFunc("POST /v1/queue/process", h.ProcessQueue)
	mux.HandleFunc("GET /v1/queue", h.ListQueue)
	mux.HandleFunc("DELETE /v1/queue", h.ClearQueue)
	mux.HandleFunc("POST /v1/queue/jobs/{id}/requeue", h.RequeueJob)

	mux.HandleFunc("GET /v1/log", h.ListLog)
	mux.HandleFunc("DELETE /v1/log", h.ClearLog)
	mux.HandleFunc("POST /v1/log/prune", h.PruneLog)
	mux.HandleFunc("GET /v1/log/entries/{index}/verify", h.VerifyLogEntry)

	mux.HandleFunc("GET /v1/notices", h.ListNotices)
	mux.HandleFunc("POST /v1/notices/{id}/dismiss", h.DismissNotice)

	mux.HandleFunc("GET /v1/tsa/profiles", h.TSAProfiles)
	mux.HandleFunc("GET /v1/artifacts/{kind}/{doc}/{file}", h.Artifact)

	return mux
}
