// Package fitting orchestrates one try-on request end to end: credit
// reservation, credential resolution, provider invocation and the audit
// record, in that order.
package fitting

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/stylelab/fitting-service/internal/app/domain/activity"
	"github.com/stylelab/fitting-service/internal/app/domain/fitting"
	"github.com/stylelab/fitting-service/internal/app/metrics"
	activitysvc "github.com/stylelab/fitting-service/internal/app/services/activity"
	"github.com/stylelab/fitting-service/internal/app/services/credits"
	"github.com/stylelab/fitting-service/internal/app/services/tryon"
	"github.com/stylelab/fitting-service/internal/app/services/vault"
	"github.com/stylelab/fitting-service/internal/config"
	"github.com/stylelab/fitting-service/pkg/logger"
)

// Invoker is the provider-facing surface the orchestrator needs.
type Invoker interface {
	Generate(ctx context.Context, apiKey string, req fitting.Request) (*tryon.Output, error)
	TestConnection(ctx context.Context, apiKey string) error
}

// Service runs the fitting pipeline.
type Service struct {
	credits  *credits.Service
	vault    *vault.Vault
	invoker  Invoker
	activity *activitysvc.Service
	log      *logger.Logger

	encryptedKey string
	cost         int64
	images       config.ImageConfig
}

// New wires the orchestrator. encryptedKey is the vault ciphertext of the
// provider credential; it is revealed per request and never cached.
func New(
	creditSvc *credits.Service,
	v *vault.Vault,
	invoker Invoker,
	activitySvc *activitysvc.Service,
	encryptedKey string,
	cost int64,
	images config.ImageConfig,
	log *logger.Logger,
) *Service {
	if log == nil {
		log = logger.NewDefault("fitting")
	}
	if cost <= 0 {
		cost = 1
	}
	return &Service{
		credits:      creditSvc,
		vault:        v,
		invoker:      invoker,
		activity:     activitySvc,
		log:          log,
		encryptedKey: encryptedKey,
		cost:         cost,
		images:       images,
	}
}

// Process runs one try-on generation. Exactly one audit entry is written per
// call regardless of how many provider attempts were made, and the credit is
// only kept when an image was actually delivered.
func (s *Service) Process(ctx context.Context, req fitting.Request) (*fitting.Result, error) {
	if req.CorrelationID == "" {
		req.CorrelationID = uuid.NewString()
	}
	log := s.log.With("correlation_id", req.CorrelationID).With("user_id", req.UserID)

	if err := s.validate(req); err != nil {
		return nil, s.fail(ctx, req, 0, err)
	}

	token, err := s.credits.Reserve(ctx, req.UserID, s.cost)
	if err != nil {
		if errors.Is(err, credits.ErrInsufficientCredits) {
			return nil, s.fail(ctx, req, 0, &fitting.Failure{
				Kind:    fitting.ErrInsufficientCredits,
				Message: fmt.Sprintf("balance cannot cover the fitting cost of %d", s.cost),
			})
		}
		return nil, s.fail(ctx, req, 0, &fitting.Failure{Kind: fitting.ErrInternal, Message: err.Error()})
	}

	apiKey, err := s.vault.Reveal(s.encryptedKey)
	if err != nil {
		s.releaseQuietly(token, log)
		return nil, s.fail(ctx, req, 0, &fitting.Failure{
			Kind:    fitting.ErrConfiguration,
			Message: "provider credential is not usable",
		})
	}

	// Processing time is measured from here: credential resolution marks the
	// start of the billable work.
	start := time.Now()

	out, err := s.invoker.Generate(ctx, apiKey, req)
	elapsed := time.Since(start)
	if err != nil {
		s.releaseQuietly(token, log)
		return nil, s.fail(ctx, req, elapsed, err)
	}

	if err := s.credits.Finalize(ctx, token); err != nil {
		// The image was produced; losing the finalize marker must not turn a
		// delivered result into a failure.
		log.WithError(err).Error("finalize after successful generation failed")
	}

	ms := elapsed.Milliseconds()
	s.record(ctx, activity.Entry{
		UserID:           req.UserID,
		Action:           activity.ActionVirtualFitting,
		SubjectID:        req.SubjectID,
		SubjectName:      req.SubjectName,
		Status:           activity.StatusSuccess,
		ProcessingTimeMS: &ms,
	})
	metrics.RecordFittingOutcome("success", elapsed)
	log.Infof("fitting succeeded in %s after %d provider attempt(s)", elapsed, len(out.Attempts))

	return &fitting.Result{
		Image:          out.Image,
		MIME:           out.MIME,
		Text:           out.Text,
		CorrelationID:  req.CorrelationID,
		ProcessingTime: elapsed,
	}, nil
}

// TestProvider verifies the stored credential against the provider's text
// endpoint without touching credits or the audit log.
func (s *Service) TestProvider(ctx context.Context) error {
	apiKey, err := s.vault.Reveal(s.encryptedKey)
	if err != nil {
		return &fitting.Failure{Kind: fitting.ErrConfiguration, Message: "provider credential is not usable"}
	}
	if !vault.LooksLikeAPIKey(apiKey) {
		s.log.Warn("stored credential does not match the provider key shape")
	}
	return s.invoker.TestConnection(ctx, apiKey)
}

func (s *Service) validate(req fitting.Request) error {
	if req.UserID == "" {
		return &fitting.Failure{Kind: fitting.ErrInvalidInput, Message: "user id is required"}
	}
	if err := s.checkImage("customer image", req.CustomerImage); err != nil {
		return err
	}
	return s.checkImage("product image", req.ProductImage)
}

func (s *Service) checkImage(label string, img fitting.Image) error {
	if len(img.Data) == 0 {
		return &fitting.Failure{Kind: fitting.ErrInvalidInput, Message: label + " is required"}
	}
	if s.images.MaxBytes > 0 && int64(len(img.Data)) > s.images.MaxBytes {
		return &fitting.Failure{
			Kind:    fitting.ErrInvalidInput,
			Message: fmt.Sprintf("%s exceeds the %d byte limit", label, s.images.MaxBytes),
		}
	}
	if len(s.images.AllowedMIMETypes) == 0 {
		return nil
	}
	for _, allowed := range s.images.AllowedMIMETypes {
		if img.MIME == allowed {
			return nil
		}
	}
	return &fitting.Failure{
		Kind:    fitting.ErrInvalidInput,
		Message: fmt.Sprintf("%s has unsupported type %q", label, img.MIME),
	}
}

// releaseQuietly refunds the reservation off the request context so a caller
// cancellation cannot also cancel the refund.
func (s *Service) releaseQuietly(token string, log *logger.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.credits.Release(ctx, token); err != nil {
		log.WithError(err).Error("releasing credit reservation failed")
	}
}

// fail records the audit entry for a failed request and passes the error
// through unchanged.
func (s *Service) fail(ctx context.Context, req fitting.Request, elapsed time.Duration, err error) error {
	kind := fitting.ErrInternal
	message := err.Error()
	var failure *fitting.Failure
	if errors.As(err, &failure) {
		kind = failure.Kind
		message = failure.Message
	}

	entry := activity.Entry{
		UserID:       req.UserID,
		Action:       activity.ActionVirtualFitting,
		SubjectID:    req.SubjectID,
		SubjectName:  req.SubjectName,
		Status:       activity.StatusError,
		ErrorMessage: string(kind) + ": " + message,
	}
	if elapsed > 0 {
		ms := elapsed.Milliseconds()
		entry.ProcessingTimeMS = &ms
	}
	// A request without a user id cannot be attributed; there is nothing
	// meaningful to audit.
	if entry.UserID != "" {
		s.record(ctx, entry)
	}
	metrics.RecordFittingOutcome(string(kind), elapsed)
	return err
}

// record writes the audit entry synchronously; a failed write is escalated
// but never fails the fitting it describes.
func (s *Service) record(ctx context.Context, entry activity.Entry) {
	if ctx.Err() != nil {
		// The caller went away; the audit trail still matters.
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
	}
	if _, err := s.activity.Record(ctx, entry); err != nil {
		metrics.RecordAuditWriteFailure()
		s.log.WithError(err).Errorf("activity log write failed: user=%s status=%s", entry.UserID, entry.Status)
	}
}
