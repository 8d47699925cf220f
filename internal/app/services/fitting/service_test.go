package fitting

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stylelab/fitting-service/internal/app/domain/activity"
	"github.com/stylelab/fitting-service/internal/app/domain/fitting"
	activitysvc "github.com/stylelab/fitting-service/internal/app/services/activity"
	"github.com/stylelab/fitting-service/internal/app/services/credits"
	"github.com/stylelab/fitting-service/internal/app/services/tryon"
	"github.com/stylelab/fitting-service/internal/app/services/vault"
	"github.com/stylelab/fitting-service/internal/app/storage/memory"
	"github.com/stylelab/fitting-service/internal/config"
)

type stubInvoker struct {
	calls atomic.Int32
	out   *tryon.Output
	err   error
}

func (s *stubInvoker) Generate(ctx context.Context, apiKey string, req fitting.Request) (*tryon.Output, error) {
	s.calls.Add(1)
	if s.err != nil {
		return nil, s.err
	}
	return s.out, nil
}

func (s *stubInvoker) TestConnection(ctx context.Context, apiKey string) error {
	return s.err
}

type fixture struct {
	store   *memory.Store
	credits *credits.Service
	service *Service
	invoker *stubInvoker
}

func imageConfig() config.ImageConfig {
	return config.ImageConfig{
		AllowedMIMETypes: []string{"image/jpeg", "image/png", "image/webp"},
		MaxBytes:         1 << 20,
	}
}

func sealKey(t *testing.T) (*vault.Vault, string) {
	t.Helper()
	c, err := vault.NewAESCipher(make([]byte, 32))
	if err != nil {
		t.Fatalf("cipher: %v", err)
	}
	v := vault.New(c, nil)
	sealed, err := v.Store("AIza" + strings.Repeat("x", 35))
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	return v, sealed
}

func newFixture(t *testing.T, balance int64, invoker Invoker) *fixture {
	t.Helper()
	store := memory.New()
	creditSvc := credits.New(store, nil, 0)
	activitySvc := activitysvc.New(store, nil)
	v, sealed := sealKey(t)

	f := &fixture{store: store, credits: creditSvc}
	if stub, ok := invoker.(*stubInvoker); ok {
		f.invoker = stub
	}
	f.service = New(creditSvc, v, invoker, activitySvc, sealed, 1, imageConfig(), nil)

	if balance > 0 {
		if _, err := creditSvc.Grant(context.Background(), "u1", balance, "purchase"); err != nil {
			t.Fatalf("grant: %v", err)
		}
	}
	return f
}

func validRequest() fitting.Request {
	return fitting.Request{
		UserID:        "u1",
		Prompt:        "fit the coat",
		CustomerImage: fitting.Image{MIME: "image/jpeg", Data: []byte("customer")},
		ProductImage:  fitting.Image{MIME: "image/png", Data: []byte("product")},
		SubjectID:     "sku-1",
		SubjectName:   "Wool Coat",
	}
}

func (f *fixture) balance(t *testing.T) int64 {
	t.Helper()
	acct, err := f.credits.Balance(context.Background(), "u1")
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	return acct.Balance
}

func (f *fixture) entries(t *testing.T) []activity.Entry {
	t.Helper()
	page, err := f.store.QueryEntries(context.Background(), activity.Filter{})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	return page.Entries
}

func TestProcessWithZeroBalance(t *testing.T) {
	invoker := &stubInvoker{out: &tryon.Output{Image: []byte("img")}}
	f := newFixture(t, 0, invoker)

	_, err := f.service.Process(context.Background(), validRequest())

	var failure *fitting.Failure
	if !errors.As(err, &failure) || failure.Kind != fitting.ErrInsufficientCredits {
		t.Fatalf("expected insufficient_credits, got %v", err)
	}
	if invoker.calls.Load() != 0 {
		t.Fatal("provider must not be called without a reservation")
	}
	entries := f.entries(t)
	if len(entries) != 1 || entries[0].Status != activity.StatusError {
		t.Fatalf("expected one error audit entry, got %+v", entries)
	}
	if f.balance(t) != 0 {
		t.Fatalf("balance moved on a refused request: %d", f.balance(t))
	}
}

func TestProcessSuccess(t *testing.T) {
	invoker := &stubInvoker{out: &tryon.Output{
		Image:    []byte("rendered"),
		MIME:     "image/png",
		Text:     "done",
		Attempts: []tryon.Attempt{{Number: 1, Classification: tryon.ClassSuccess}},
	}}
	f := newFixture(t, 3, invoker)

	res, err := f.service.Process(context.Background(), validRequest())
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if string(res.Image) != "rendered" || res.MIME != "image/png" {
		t.Fatalf("unexpected result: %+v", res)
	}
	if res.CorrelationID == "" {
		t.Fatal("correlation id was not assigned")
	}
	if f.balance(t) != 2 {
		t.Fatalf("expected exactly one credit consumed, balance=%d", f.balance(t))
	}

	entries := f.entries(t)
	if len(entries) != 1 {
		t.Fatalf("expected exactly one audit entry, got %d", len(entries))
	}
	e := entries[0]
	if e.Status != activity.StatusSuccess || e.SubjectID != "sku-1" || e.ProcessingTimeMS == nil {
		t.Fatalf("audit entry incomplete: %+v", e)
	}
}

func TestProcessTransientRetriesBillOnce(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) <= 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			_ = json.NewEncoder(w).Encode(map[string]any{
				"error": map[string]any{"status": "UNAVAILABLE", "message": "overloaded"},
			})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"candidates": []map[string]any{{
				"content": map[string]any{
					"parts": []map[string]any{{
						"inlineData": map[string]any{
							"mimeType": "image/png",
							"data":     base64.StdEncoding.EncodeToString([]byte("rendered")),
						},
					}},
				},
			}},
		})
	}))
	defer srv.Close()

	client := tryon.NewClient(config.ProviderConfig{
		ImageEndpoint:  srv.URL,
		MaxAttempts:    3,
		AttemptTimeout: 5 * time.Second,
		BackoffBase:    time.Millisecond,
	}, nil)
	f := newFixture(t, 2, client)

	res, err := f.service.Process(context.Background(), validRequest())
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if string(res.Image) != "rendered" {
		t.Fatalf("unexpected image: %q", res.Image)
	}
	if calls.Load() != 3 {
		t.Fatalf("expected 3 provider attempts, got %d", calls.Load())
	}
	if f.balance(t) != 1 {
		t.Fatalf("retries must bill once, balance=%d", f.balance(t))
	}
	if entries := f.entries(t); len(entries) != 1 {
		t.Fatalf("retries must audit once, got %d entries", len(entries))
	}
}

func TestProcessAuthErrorRefunds(t *testing.T) {
	invoker := &stubInvoker{err: &fitting.Failure{Kind: fitting.ErrConfiguration, Message: "key revoked"}}
	f := newFixture(t, 2, invoker)

	_, err := f.service.Process(context.Background(), validRequest())

	var failure *fitting.Failure
	if !errors.As(err, &failure) || failure.Kind != fitting.ErrConfiguration {
		t.Fatalf("expected configuration failure, got %v", err)
	}
	if invoker.calls.Load() != 1 {
		t.Fatalf("expected one provider call, got %d", invoker.calls.Load())
	}
	if f.balance(t) != 2 {
		t.Fatalf("failed request must refund, balance=%d", f.balance(t))
	}
	entries := f.entries(t)
	if len(entries) != 1 || entries[0].Status != activity.StatusError {
		t.Fatalf("expected one error audit entry, got %+v", entries)
	}
	if !strings.Contains(entries[0].ErrorMessage, "key revoked") {
		t.Fatalf("provider detail missing from audit entry: %q", entries[0].ErrorMessage)
	}
}

func TestProcessCancellationRefunds(t *testing.T) {
	invoker := &stubInvoker{err: &fitting.Failure{Kind: fitting.ErrUpstreamTransient, Message: context.Canceled.Error()}}
	f := newFixture(t, 1, invoker)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := f.service.Process(ctx, validRequest()); err == nil {
		t.Fatal("expected failure under cancelled context")
	}
	if f.balance(t) != 1 {
		t.Fatalf("cancelled request must refund, balance=%d", f.balance(t))
	}
	// The audit entry is written off the request context.
	if entries := f.entries(t); len(entries) != 1 {
		t.Fatalf("expected one audit entry, got %d", len(entries))
	}
}

func TestProcessInvalidInput(t *testing.T) {
	invoker := &stubInvoker{out: &tryon.Output{Image: []byte("img")}}
	f := newFixture(t, 5, invoker)

	cases := []func(*fitting.Request){
		func(r *fitting.Request) { r.CustomerImage.Data = nil },
		func(r *fitting.Request) { r.ProductImage.MIME = "image/tiff" },
		func(r *fitting.Request) { r.CustomerImage.Data = make([]byte, 2<<20) },
		func(r *fitting.Request) { r.UserID = "" },
	}
	for i, mutate := range cases {
		req := validRequest()
		mutate(&req)
		_, err := f.service.Process(context.Background(), req)
		var failure *fitting.Failure
		if !errors.As(err, &failure) || failure.Kind != fitting.ErrInvalidInput {
			t.Fatalf("case %d: expected invalid_input, got %v", i, err)
		}
	}
	if invoker.calls.Load() != 0 {
		t.Fatal("invalid input must not reach the provider")
	}
	if f.balance(t) != 5 {
		t.Fatalf("invalid input must not bill, balance=%d", f.balance(t))
	}
}

func TestProcessCorruptCredentialRefunds(t *testing.T) {
	store := memory.New()
	creditSvc := credits.New(store, nil, 0)
	activitySvc := activitysvc.New(store, nil)
	v, _ := sealKey(t)
	invoker := &stubInvoker{out: &tryon.Output{Image: []byte("img")}}

	svc := New(creditSvc, v, invoker, activitySvc, "corrupt-ciphertext", 1, imageConfig(), nil)
	if _, err := creditSvc.Grant(context.Background(), "u1", 1, "purchase"); err != nil {
		t.Fatalf("grant: %v", err)
	}

	_, err := svc.Process(context.Background(), validRequest())
	var failure *fitting.Failure
	if !errors.As(err, &failure) || failure.Kind != fitting.ErrConfiguration {
		t.Fatalf("expected configuration failure, got %v", err)
	}
	if invoker.calls.Load() != 0 {
		t.Fatal("provider must not be called without a credential")
	}
	acct, _ := creditSvc.Balance(context.Background(), "u1")
	if acct.Balance != 1 {
		t.Fatalf("unusable credential must refund, balance=%d", acct.Balance)
	}
}

type brokenActivityStore struct {
	*memory.Store
}

func (b *brokenActivityStore) AppendEntry(ctx context.Context, entry activity.Entry) (activity.Entry, error) {
	return activity.Entry{}, errors.New("disk full")
}

func TestProcessSucceedsWhenAuditWriteFails(t *testing.T) {
	store := memory.New()
	creditSvc := credits.New(store, nil, 0)
	activitySvc := activitysvc.New(&brokenActivityStore{Store: store}, nil)
	v, sealed := sealKey(t)
	invoker := &stubInvoker{out: &tryon.Output{Image: []byte("img"), MIME: "image/png"}}

	svc := New(creditSvc, v, invoker, activitySvc, sealed, 1, imageConfig(), nil)
	if _, err := creditSvc.Grant(context.Background(), "u1", 1, "purchase"); err != nil {
		t.Fatalf("grant: %v", err)
	}

	res, err := svc.Process(context.Background(), validRequest())
	if err != nil {
		t.Fatalf("a failed audit write must not fail the fitting: %v", err)
	}
	if string(res.Image) != "img" {
		t.Fatalf("unexpected result: %+v", res)
	}
	acct, _ := creditSvc.Balance(context.Background(), "u1")
	if acct.Balance != 0 {
		t.Fatalf("delivered fitting must stay billed, balance=%d", acct.Balance)
	}
}
