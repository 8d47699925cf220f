// Package tryon talks to the external generative-image provider. It owns the
// wire format, attempt classification and the retry policy; it knows nothing
// about credits or audit records.
package tryon

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/tidwall/gjson"

	"github.com/stylelab/fitting-service/internal/app/domain/fitting"
	"github.com/stylelab/fitting-service/internal/app/metrics"
	"github.com/stylelab/fitting-service/internal/config"
	"github.com/stylelab/fitting-service/pkg/logger"
)

// Classification buckets a single provider attempt. Only RateLimited and
// Transient attempts are retried; the rest are terminal on first sight.
type Classification string

const (
	ClassSuccess         Classification = "success"
	ClassRateLimited     Classification = "rate_limited"
	ClassInvalidArgument Classification = "invalid_argument"
	ClassAuthError       Classification = "auth_error"
	ClassTransient       Classification = "transient"
	ClassMalformed       Classification = "malformed_response"
)

func (c Classification) retryable() bool {
	return c == ClassRateLimited || c == ClassTransient
}

// Attempt is the diagnostic record of one provider call.
type Attempt struct {
	Number         int
	Classification Classification
	HTTPStatus     int
	Duration       time.Duration
	Detail         string
}

// Output is the provider's successful product.
type Output struct {
	Image    []byte
	MIME     string
	Text     string
	Attempts []Attempt
}

// apiKeyHeader is the provider's credential header.
const apiKeyHeader = "x-goog-api-key"

// Client issues generation calls against the provider endpoints.
type Client struct {
	http *http.Client
	cfg  config.ProviderConfig
	log  *logger.Logger
}

// NewClient builds a provider client. The http.Client carries no timeout of
// its own; each attempt is bounded by a per-attempt context deadline.
func NewClient(cfg config.ProviderConfig, log *logger.Logger) *Client {
	if log == nil {
		log = logger.NewDefault("tryon")
	}
	return &Client{
		http: &http.Client{},
		cfg:  cfg,
		log:  log,
	}
}

// Wire types. The request uses snake_case part keys, the response camelCase;
// the provider accepts the former and emits the latter.

type generatePayload struct {
	Contents         []payloadContent `json:"contents"`
	GenerationConfig generationConfig `json:"generationConfig"`
}

type payloadContent struct {
	Parts []payloadPart `json:"parts"`
}

type payloadPart struct {
	Text       string      `json:"text,omitempty"`
	InlineData *inlineData `json:"inline_data,omitempty"`
}

type inlineData struct {
	MIMEType string `json:"mime_type"`
	Data     string `json:"data"`
}

type generationConfig struct {
	ResponseModalities []string     `json:"responseModalities"`
	ImageConfig        *imageConfig `json:"imageConfig,omitempty"`
}

type imageConfig struct {
	AspectRatio string `json:"aspectRatio,omitempty"`
	ImageSize   string `json:"imageSize,omitempty"`
}

type generateResponse struct {
	Candidates []struct {
		Content struct {
			Parts []struct {
				Text       string `json:"text"`
				InlineData *struct {
					MIMEType string `json:"mimeType"`
					Data     string `json:"data"`
				} `json:"inlineData"`
			} `json:"parts"`
		} `json:"content"`
	} `json:"candidates"`
}

// Generate runs the full retry loop for one try-on request and returns either
// the produced image or a classified fitting.Failure. All attempts made are
// reported in Output.Attempts even on success.
func (c *Client) Generate(ctx context.Context, apiKey string, req fitting.Request) (*Output, error) {
	if c.cfg.ImageEndpoint == "" {
		return nil, &fitting.Failure{Kind: fitting.ErrConfiguration, Message: "provider image endpoint is not configured"}
	}

	body, err := json.Marshal(c.buildPayload(req))
	if err != nil {
		return nil, &fitting.Failure{Kind: fitting.ErrInternal, Message: fmt.Sprintf("encode provider payload: %v", err)}
	}

	maxAttempts := c.cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	out := &Output{}
	var last Attempt
	for n := 1; n <= maxAttempts; n++ {
		attempt := c.attempt(ctx, n, c.cfg.ImageEndpoint, apiKey, body, out)
		out.Attempts = append(out.Attempts, attempt)
		metrics.RecordProviderAttempt(string(attempt.Classification), attempt.Duration)
		last = attempt

		if attempt.Classification == ClassSuccess {
			return out, nil
		}

		c.log.Warnf("provider attempt %d/%d failed: %s (%s)", n, maxAttempts, attempt.Classification, attempt.Detail)

		if !attempt.Classification.retryable() || n == maxAttempts {
			break
		}
		if err := sleepBackoff(ctx, c.backoff(n)); err != nil {
			last.Detail = "cancelled while waiting to retry: " + err.Error()
			break
		}
	}

	return out, failureFor(last)
}

// TestConnection sends a minimal text prompt to verify the credential and
// endpoint are usable. It never retries.
func (c *Client) TestConnection(ctx context.Context, apiKey string) error {
	if c.cfg.TextEndpoint == "" {
		return &fitting.Failure{Kind: fitting.ErrConfiguration, Message: "provider text endpoint is not configured"}
	}

	payload := generatePayload{
		Contents: []payloadContent{{Parts: []payloadPart{{Text: "ping"}}}},
		GenerationConfig: generationConfig{
			ResponseModalities: []string{"TEXT"},
		},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return &fitting.Failure{Kind: fitting.ErrInternal, Message: fmt.Sprintf("encode probe payload: %v", err)}
	}

	probe := &Output{}
	attempt := c.attempt(ctx, 1, c.cfg.TextEndpoint, apiKey, body, probe)
	metrics.RecordProviderAttempt(string(attempt.Classification), attempt.Duration)
	switch attempt.Classification {
	case ClassSuccess, ClassMalformed:
		// A text probe has no image; any well-formed 200 counts.
		if attempt.HTTPStatus == http.StatusOK {
			return nil
		}
	}
	return failureFor(attempt)
}

func (c *Client) buildPayload(req fitting.Request) generatePayload {
	parts := []payloadPart{
		{Text: req.Prompt},
		{InlineData: &inlineData{
			MIMEType: req.CustomerImage.MIME,
			Data:     base64.StdEncoding.EncodeToString(req.CustomerImage.Data),
		}},
		{InlineData: &inlineData{
			MIMEType: req.ProductImage.MIME,
			Data:     base64.StdEncoding.EncodeToString(req.ProductImage.Data),
		}},
	}
	return generatePayload{
		Contents: []payloadContent{{Parts: parts}},
		GenerationConfig: generationConfig{
			ResponseModalities: []string{"IMAGE", "TEXT"},
			ImageConfig: &imageConfig{
				AspectRatio: c.cfg.AspectRatio,
				ImageSize:   c.cfg.ImageSize,
			},
		},
	}
}

// attempt performs one HTTP call bounded by the per-attempt timeout and
// classifies the outcome. On success the decoded image is written into out.
func (c *Client) attempt(ctx context.Context, number int, endpoint, apiKey string, body []byte, out *Output) Attempt {
	timeout := c.cfg.AttemptTimeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	attempt := Attempt{Number: number}

	req, err := http.NewRequestWithContext(attemptCtx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		attempt.Classification = ClassTransient
		attempt.Detail = err.Error()
		attempt.Duration = time.Since(start)
		return attempt
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(apiKeyHeader, apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		// Network failures and per-attempt deadline expiry both land here.
		attempt.Classification = ClassTransient
		attempt.Detail = err.Error()
		attempt.Duration = time.Since(start)
		return attempt
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 64<<20))
	attempt.HTTPStatus = resp.StatusCode
	attempt.Duration = time.Since(start)
	if err != nil {
		attempt.Classification = ClassTransient
		attempt.Detail = "read response: " + err.Error()
		return attempt
	}

	if resp.StatusCode != http.StatusOK {
		attempt.Classification, attempt.Detail = classifyError(resp.StatusCode, respBody)
		return attempt
	}

	image, mime, text, ok := extractImage(respBody)
	if !ok {
		attempt.Classification = ClassMalformed
		if text != "" {
			attempt.Detail = "no image in response: " + text
		} else {
			attempt.Detail = "no image in response"
		}
		return attempt
	}

	out.Image = image
	out.MIME = mime
	out.Text = text
	attempt.Classification = ClassSuccess
	return attempt
}

// classifyError maps a non-200 response to a classification, preferring the
// provider's structured error.status over the bare HTTP code.
func classifyError(httpStatus int, body []byte) (Classification, string) {
	status := gjson.GetBytes(body, "error.status").String()
	message := gjson.GetBytes(body, "error.message").String()
	if message == "" {
		message = fmt.Sprintf("upstream returned HTTP %d", httpStatus)
	}

	switch status {
	case "RESOURCE_EXHAUSTED":
		return ClassRateLimited, message
	case "INVALID_ARGUMENT", "FAILED_PRECONDITION":
		return ClassInvalidArgument, message
	case "UNAUTHENTICATED", "PERMISSION_DENIED":
		return ClassAuthError, message
	}

	switch {
	case httpStatus == http.StatusTooManyRequests:
		return ClassRateLimited, message
	case httpStatus == http.StatusUnauthorized || httpStatus == http.StatusForbidden:
		return ClassAuthError, message
	case httpStatus == http.StatusBadRequest:
		return ClassInvalidArgument, message
	case httpStatus >= 500:
		return ClassTransient, message
	default:
		return ClassInvalidArgument, message
	}
}

// extractImage pulls the first inline image out of the first candidate, plus
// any accompanying text parts.
func extractImage(body []byte) (image []byte, mime, text string, ok bool) {
	var decoded generateResponse
	if err := json.Unmarshal(body, &decoded); err != nil || len(decoded.Candidates) == 0 {
		return nil, "", "", false
	}

	for _, part := range decoded.Candidates[0].Content.Parts {
		if part.Text != "" {
			if text != "" {
				text += "\n"
			}
			text += part.Text
		}
		if image == nil && part.InlineData != nil && part.InlineData.Data != "" {
			raw, err := base64.StdEncoding.DecodeString(part.InlineData.Data)
			if err != nil {
				continue
			}
			image = raw
			mime = part.InlineData.MIMEType
		}
	}
	return image, mime, text, image != nil
}

// backoff grows linearly with the attempt number: base, 2*base, 3*base.
func (c *Client) backoff(attempt int) time.Duration {
	base := c.cfg.BackoffBase
	if base <= 0 {
		base = 2 * time.Second
	}
	return time.Duration(attempt) * base
}

func sleepBackoff(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// failureFor converts the last attempt into the caller-facing failure.
func failureFor(last Attempt) error {
	switch last.Classification {
	case ClassRateLimited, ClassTransient:
		return &fitting.Failure{Kind: fitting.ErrUpstreamTransient, Message: last.Detail}
	case ClassAuthError:
		return &fitting.Failure{Kind: fitting.ErrConfiguration, Message: last.Detail}
	case ClassInvalidArgument, ClassMalformed:
		return &fitting.Failure{Kind: fitting.ErrUpstreamRejected, Message: last.Detail}
	default:
		return &fitting.Failure{Kind: fitting.ErrInternal, Message: last.Detail}
	}
}
