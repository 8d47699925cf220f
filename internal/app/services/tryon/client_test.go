package tryon

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tidwall/gjson"

	"github.com/stylelab/fitting-service/internal/app/domain/fitting"
	"github.com/stylelab/fitting-service/internal/config"
)

func testRequest() fitting.Request {
	return fitting.Request{
		UserID:        "u1",
		Prompt:        "put the jacket on the person",
		CustomerImage: fitting.Image{MIME: "image/jpeg", Data: []byte("customer-bytes")},
		ProductImage:  fitting.Image{MIME: "image/png", Data: []byte("product-bytes")},
	}
}

func testConfig(endpoint string) config.ProviderConfig {
	return config.ProviderConfig{
		ImageEndpoint:  endpoint,
		TextEndpoint:   endpoint,
		MaxAttempts:    3,
		AttemptTimeout: 5 * time.Second,
		BackoffBase:    time.Millisecond,
		AspectRatio:    "3:4",
		ImageSize:      "1K",
	}
}

func imageResponse(t *testing.T, w http.ResponseWriter, image []byte, text string) {
	t.Helper()
	resp := map[string]any{
		"candidates": []map[string]any{{
			"content": map[string]any{
				"parts": []map[string]any{
					{"text": text},
					{"inlineData": map[string]any{
						"mimeType": "image/png",
						"data":     base64.StdEncoding.EncodeToString(image),
					}},
				},
			},
		}},
	}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		t.Fatalf("encode response: %v", err)
	}
}

func providerError(w http.ResponseWriter, httpStatus int, status, message string) {
	w.WriteHeader(httpStatus)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{"code": httpStatus, "status": status, "message": message},
	})
}

func TestGenerateSuccessFirstAttempt(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("x-goog-api-key"); got != "secret-key" {
			t.Errorf("missing credential header, got %q", got)
		}
		body, _ := io.ReadAll(r.Body)
		if gjson.GetBytes(body, "contents.0.parts.0.text").String() == "" {
			t.Error("prompt missing from payload")
		}
		if gjson.GetBytes(body, "contents.0.parts.1.inline_data.mime_type").String() != "image/jpeg" {
			t.Error("customer image missing from payload")
		}
		if gjson.GetBytes(body, "generationConfig.imageConfig.aspectRatio").String() != "3:4" {
			t.Error("aspect ratio missing from generation config")
		}
		imageResponse(t, w, []byte("rendered"), "done")
	}))
	defer srv.Close()

	c := NewClient(testConfig(srv.URL), nil)
	out, err := c.Generate(context.Background(), "secret-key", testRequest())
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if string(out.Image) != "rendered" || out.MIME != "image/png" {
		t.Fatalf("unexpected output: mime=%s image=%q", out.MIME, out.Image)
	}
	if len(out.Attempts) != 1 || out.Attempts[0].Classification != ClassSuccess {
		t.Fatalf("expected one successful attempt, got %+v", out.Attempts)
	}
}

func TestGenerateRetriesTransientThenSucceeds(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) <= 2 {
			providerError(w, http.StatusServiceUnavailable, "UNAVAILABLE", "overloaded")
			return
		}
		imageResponse(t, w, []byte("rendered"), "")
	}))
	defer srv.Close()

	c := NewClient(testConfig(srv.URL), nil)
	out, err := c.Generate(context.Background(), "k", testRequest())
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if len(out.Attempts) != 3 {
		t.Fatalf("expected 3 attempts, got %d", len(out.Attempts))
	}
	if out.Attempts[0].Classification != ClassTransient || out.Attempts[2].Classification != ClassSuccess {
		t.Fatalf("unexpected attempt classifications: %+v", out.Attempts)
	}
}

func TestGenerateAuthErrorNeverRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		providerError(w, http.StatusForbidden, "PERMISSION_DENIED", "key revoked")
	}))
	defer srv.Close()

	c := NewClient(testConfig(srv.URL), nil)
	_, err := c.Generate(context.Background(), "k", testRequest())

	var failure *fitting.Failure
	if !errors.As(err, &failure) || failure.Kind != fitting.ErrConfiguration {
		t.Fatalf("expected configuration failure, got %v", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("auth error was retried: %d calls", calls.Load())
	}
}

func TestGenerateInvalidArgumentNeverRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		providerError(w, http.StatusBadRequest, "INVALID_ARGUMENT", "image too large")
	}))
	defer srv.Close()

	c := NewClient(testConfig(srv.URL), nil)
	_, err := c.Generate(context.Background(), "k", testRequest())

	var failure *fitting.Failure
	if !errors.As(err, &failure) || failure.Kind != fitting.ErrUpstreamRejected {
		t.Fatalf("expected upstream_rejected failure, got %v", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("invalid argument was retried: %d calls", calls.Load())
	}
}

func TestGenerateRateLimitExhaustsAttempts(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		providerError(w, http.StatusTooManyRequests, "RESOURCE_EXHAUSTED", "quota exceeded")
	}))
	defer srv.Close()

	cfg := testConfig(srv.URL)
	cfg.MaxAttempts = 2
	c := NewClient(cfg, nil)
	_, err := c.Generate(context.Background(), "k", testRequest())

	var failure *fitting.Failure
	if !errors.As(err, &failure) || failure.Kind != fitting.ErrUpstreamTransient {
		t.Fatalf("expected upstream_unavailable failure, got %v", err)
	}
	if calls.Load() != 2 {
		t.Fatalf("expected exactly 2 attempts, got %d", calls.Load())
	}
}

func TestGenerateTextOnlyResponseIsRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"candidates": []map[string]any{{
				"content": map[string]any{
					"parts": []map[string]any{{"text": "cannot render this garment"}},
				},
			}},
		})
	}))
	defer srv.Close()

	c := NewClient(testConfig(srv.URL), nil)
	_, err := c.Generate(context.Background(), "k", testRequest())

	var failure *fitting.Failure
	if !errors.As(err, &failure) || failure.Kind != fitting.ErrUpstreamRejected {
		t.Fatalf("expected upstream_rejected failure, got %v", err)
	}
}

func TestGenerateCancelledDuringBackoff(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		providerError(w, http.StatusServiceUnavailable, "UNAVAILABLE", "overloaded")
	}))
	defer srv.Close()

	cfg := testConfig(srv.URL)
	cfg.BackoffBase = time.Minute
	c := NewClient(cfg, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := c.Generate(ctx, "k", testRequest())
		done <- err
	}()
	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err == nil {
			t.Fatal("expected a failure after cancellation")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("generate did not return after cancellation")
	}
}

func TestMissingEndpointIsConfigurationError(t *testing.T) {
	c := NewClient(config.ProviderConfig{}, nil)
	_, err := c.Generate(context.Background(), "k", testRequest())

	var failure *fitting.Failure
	if !errors.As(err, &failure) || failure.Kind != fitting.ErrConfiguration {
		t.Fatalf("expected configuration failure, got %v", err)
	}
}

func TestConnectionProbe(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if gjson.GetBytes(body, "contents.0.parts.0.text").String() != "ping" {
			t.Error("probe payload missing ping prompt")
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"candidates": []map[string]any{{
				"content": map[string]any{"parts": []map[string]any{{"text": "pong"}}},
			}},
		})
	}))
	defer srv.Close()

	c := NewClient(testConfig(srv.URL), nil)
	if err := c.TestConnection(context.Background(), "k"); err != nil {
		t.Fatalf("probe: %v", err)
	}
}

func TestConnectionProbeBadKey(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		providerError(w, http.StatusUnauthorized, "UNAUTHENTICATED", "API key not valid")
	}))
	defer srv.Close()

	c := NewClient(testConfig(srv.URL), nil)
	err := c.TestConnection(context.Background(), "bad")

	var failure *fitting.Failure
	if !errors.As(err, &failure) || failure.Kind != fitting.ErrConfiguration {
		t.Fatalf("expected configuration failure, got %v", err)
	}
}
