package api

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/davidahmann/anchord/internal/anchor"
	"github.com/davidahmann/anchord/internal/integrity"
	"github.com/davidahmann/anchord/internal/ledger"
	"github.com/davidahmann/anchord/internal/policy"
	"github.com/davidahmann/anchord/internal/provider"
	"github.com/davidahmann/anchord/pkg/types"
)

var testNow = time.Date(2026, 10, 18, 12, 0, 0, 0, time.UTC)

const testHMACKey = "0123456789abcdef0123456789abcdef"

type stubDispatcher struct {
	name types.ProviderName

	mu    sync.Mutex
	calls int
}

func (s *stubDispatcher) Name() types.ProviderName { return s.name }

func (s *stubDispatcher) Dispatch(ctx context.Context, rec types.AnchorRecord, recordJSON []byte) provider.Result {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	return provider.Result{Status: types.LogAnchored, AnchorURL: "https://anchors.example/" + rec.DocumentID}
}

func (s *stubDispatcher) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type testEnv struct {
	service    *AnchorService
	store      *ledger.InMemoryStore
	dispatcher *stubDispatcher
}

type envOptions struct {
	hmacEnabled  bool
	hmacKey      string
	policyPath   string
	providers    []types.ProviderName
	available    func(string) bool
	artifactsDir string
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func newTestEnv(t *testing.T, opts envOptions) testEnv {
	t.Helper()
	logger := quietLogger()
	store := ledger.NewInMemoryStore()

	names := opts.providers
	if names == nil {
		names = []types.ProviderName{types.ProviderRFC3161}
	}
	var stub *stubDispatcher
	dispatchers := []provider.Dispatcher{}
	for _, name := range names {
		d := &stubDispatcher{name: name}
		if stub == nil {
			stub = d
		}
		dispatchers = append(dispatchers, d)
	}

	queue := anchor.NewQueue(store, dispatchers, anchor.Options{
		Logger: logger,
		Now:    func() time.Time { return testNow },
	})
	registry := integrity.NewRegistry(integrity.Options{
		HMACKey:   []byte(opts.hmacKey),
		Available: opts.available,
		Logger:    logger,
	})

	cfg := ServiceConfig{
		Store:        store,
		Registry:     registry,
		Queue:        queue,
		HMACEnabled:  opts.hmacEnabled,
		ArtifactsDir: opts.artifactsDir,
		Logger:       logger,
	}
	if opts.policyPath != "" {
		loaded, err := policy.LoadPolicy(opts.policyPath)
		if err != nil {
			t.Fatalf("policy: %v", err)
		}
		cfg.Policy = &loaded
	}

	service, err := NewAnchorService(cfg)
	if err != nil {
		t.Fatalf("service: %v", err)
	}
	return testEnv{service: service, store: store, dispatcher: stub}
}

func change(id, body string) types.DocumentChange {
	return types.DocumentChange{DocumentID: id, PostType: "post", AuthorID: "7", Content: body}
}
