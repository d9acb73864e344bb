package provider

import (
	"context"
	"errors"
	"io"
	"net/http"
	"regexp"
	"time"

	"golang.org/x/time/rate"

	"github.com/davidahmann/anchord/pkg/types"
)

// Dispatcher delivers one anchor record to one external verifier. Dispatch
// never panics on provider errors; the outcome is carried in Result.
type Dispatcher interface {
	Name() types.ProviderName
	Dispatch(ctx context.Context, rec types.AnchorRecord, recordJSON []byte) Result
}

type Result struct {
	Status    types.LogStatus
	AnchorURL string
	LogIndex  *int64
	EntryUUID string
	Err       error
}

func anchored(url string) Result {
	return Result{Status: types.LogAnchored, AnchorURL: url}
}

// failure maps an error to retry or failed. Unclassified errors are retried.
func failure(err error) Result {
	if errors.Is(err, ErrPermanent) || errors.Is(err, ErrMalformedResponse) {
		return Result{Status: types.LogFailed, Err: err}
	}
	return Result{Status: types.LogRetry, Err: err}
}

const DefaultTimeout = 10 * time.Second

type HTTPOptions struct {
	// Client overrides the default client. Its timeout is left untouched.
	Client  *http.Client
	Timeout time.Duration
	// RatePerSecond bounds outbound requests; zero means unlimited.
	RatePerSecond float64
	Burst         int
	UserAgent     string
}

type httpDoer struct {
	client    *http.Client
	limiter   *rate.Limiter
	userAgent string
}

func newHTTPDoer(opts HTTPOptions) *httpDoer {
	client := opts.Client
	if client == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = DefaultTimeout
		}
		client = &http.Client{Timeout: timeout}
	}
	limit := rate.Inf
	if opts.RatePerSecond > 0 {
		limit = rate.Limit(opts.RatePerSecond)
	}
	burst := opts.Burst
	if burst <= 0 {
		burst = 1
	}
	ua := opts.UserAgent
	if ua == "" {
		ua = "anchord"
	}
	return &httpDoer{client: client, limiter: rate.NewLimiter(limit, burst), userAgent: ua}
}

func (h *httpDoer) do(ctx context.Context, req *http.Request) (*http.Response, error) {
	if err := h.limiter.Wait(ctx); err != nil {
		return nil, transportError(err)
	}
	req = req.WithContext(ctx)
	if req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", h.userAgent)
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return nil, transportError(err)
	}
	return resp, nil
}

// readLimited reads at most limit bytes; a longer body is malformed.
func readLimited(r io.Reader, limit int64) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, transportError(err)
	}
	if int64(len(data)) > limit {
		return nil, malformed("response exceeds %d bytes", limit)
	}
	return data, nil
}

var unsafeSegment = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// safeSegment turns an identifier into a single path segment.
func safeSegment(s string) string {
	s = unsafeSegment.ReplaceAllString(s, "_")
	if s == "" || s == "." || s == ".." {
		return "_"
	}
	return s
}
