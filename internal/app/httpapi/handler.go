// Package httpapi exposes the gateway's REST surface.
package httpapi

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	app "github.com/stylelab/fitting-service/internal/app"
	"github.com/stylelab/fitting-service/internal/app/domain/activity"
	"github.com/stylelab/fitting-service/internal/app/domain/credit"
	"github.com/stylelab/fitting-service/internal/app/domain/fitting"
	"github.com/stylelab/fitting-service/internal/app/services/credits"
	"github.com/stylelab/fitting-service/internal/config"
)

// handler bundles HTTP endpoints for the application services.
type handler struct {
	app *app.Application
}

// NewHandler returns a mux exposing the core REST API.
func NewHandler(application *app.Application) http.Handler {
	h := &handler{app: application}
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", h.health)
	mux.HandleFunc("/fittings", h.fittings)
	mux.HandleFunc("/packages", h.packages)
	mux.HandleFunc("/activity", h.activityLog)
	mux.HandleFunc("/activity/stats", h.activityStats)
	mux.HandleFunc("/activity/repair", h.activityRepair)
	mux.HandleFunc("/credits/analytics", h.creditAnalytics)
	mux.HandleFunc("/provider/test", h.providerTest)
	mux.HandleFunc("/users/", h.userResources)
	return mux
}

func (h *handler) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type imagePayload struct {
	MIMEType string `json:"mime_type"`
	Data     string `json:"data"`
}

func (p imagePayload) decode() (fitting.Image, error) {
	raw, err := base64.StdEncoding.DecodeString(p.Data)
	if err != nil {
		return fitting.Image{}, fmt.Errorf("image data is not valid base64: %w", err)
	}
	return fitting.Image{MIME: strings.ToLower(strings.TrimSpace(p.MIMEType)), Data: raw}, nil
}

func (h *handler) fittings(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var payload struct {
		UserID        string       `json:"user_id"`
		Prompt        string       `json:"prompt"`
		SubjectID     string       `json:"subject_id"`
		SubjectName   string       `json:"subject_name"`
		CustomerImage imagePayload `json:"customer_image"`
		ProductImage  imagePayload `json:"product_image"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	customer, err := payload.CustomerImage.decode()
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	product, err := payload.ProductImage.decode()
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	result, err := h.app.Fitting.Process(r.Context(), fitting.Request{
		UserID:        payload.UserID,
		Prompt:        payload.Prompt,
		SubjectID:     payload.SubjectID,
		SubjectName:   payload.SubjectName,
		CustomerImage: customer,
		ProductImage:  product,
	})
	if err != nil {
		writeFailure(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"image":              base64.StdEncoding.EncodeToString(result.Image),
		"mime_type":          result.MIME,
		"text":               result.Text,
		"correlation_id":     result.CorrelationID,
		"processing_time_ms": result.ProcessingTime.Milliseconds(),
	})
}

func (h *handler) packages(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"packages": h.app.Packages})
}

func (h *handler) userResources(w http.ResponseWriter, r *http.Request) {
	trimmed := strings.Trim(strings.TrimPrefix(r.URL.Path, "/users"), "/")
	parts := strings.Split(trimmed, "/")
	if len(parts) == 0 || parts[0] == "" {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	userID := parts[0]

	if len(parts) >= 2 && parts[1] == "credits" {
		switch {
		case len(parts) == 2:
			h.userCredits(w, r, userID)
		case len(parts) == 3 && parts[2] == "purchase":
			h.userCreditPurchase(w, r, userID)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
		return
	}

	w.WriteHeader(http.StatusNotFound)
}

func (h *handler) userCredits(w http.ResponseWriter, r *http.Request, userID string) {
	switch r.Method {
	case http.MethodGet:
		acct, err := h.app.Credits.Balance(r.Context(), userID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, acct)

	case http.MethodPost:
		var payload struct {
			Amount int64  `json:"amount"`
			Mode   string `json:"mode"`
		}
		if err := decodeJSON(r.Body, &payload); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}

		acct, err := h.app.Credits.Adjust(r.Context(), userID, payload.Amount, credit.AdjustMode(payload.Mode))
		if err != nil {
			status := http.StatusBadRequest
			if errors.Is(err, credits.ErrInsufficientCredits) {
				status = http.StatusConflict
			}
			writeError(w, status, err)
			return
		}
		h.app.Activity.RecordAsync(activity.Entry{
			UserID:      userID,
			Action:      activity.ActionCreditAdjust,
			SubjectID:   payload.Mode,
			SubjectName: strconv.FormatInt(payload.Amount, 10),
			Status:      activity.StatusSuccess,
		})
		writeJSON(w, http.StatusOK, acct)

	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (h *handler) userCreditPurchase(w http.ResponseWriter, r *http.Request, userID string) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var payload struct {
		PackageID string `json:"package_id"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	var pkg *config.Package
	for i := range h.app.Packages {
		if h.app.Packages[i].ID == payload.PackageID {
			pkg = &h.app.Packages[i]
			break
		}
	}
	if pkg == nil {
		writeError(w, http.StatusNotFound, fmt.Errorf("unknown package %q", payload.PackageID))
		return
	}

	acct, err := h.app.Credits.Grant(r.Context(), userID, pkg.Credits, credit.GrantPurchase)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	h.app.Activity.RecordAsync(activity.Entry{
		UserID:      userID,
		Action:      activity.ActionCreditPurchase,
		SubjectID:   pkg.ID,
		SubjectName: strconv.FormatInt(pkg.Credits, 10) + " credits",
		Status:      activity.StatusSuccess,
	})
	writeJSON(w, http.StatusOK, acct)
}

func (h *handler) activityLog(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	q := r.URL.Query()
	filter := activity.Filter{
		Action: activity.Action(q.Get("action")),
		Status: activity.Status(q.Get("status")),
		UserID: q.Get("user_id"),
	}
	var err error
	if filter.WindowDays, err = intParam(q.Get("window_days"), 0); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if filter.Offset, err = intParam(q.Get("offset"), 0); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if filter.Limit, err = intParam(q.Get("limit"), 50); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	page, err := h.app.Activity.Query(r.Context(), filter)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (h *handler) activityStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	windowDays, err := intParam(r.URL.Query().Get("window_days"), 30)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	stats, err := h.app.Activity.Statistics(r.Context(), windowDays)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (h *handler) activityRepair(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var payload struct {
		Fallback time.Time `json:"fallback"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	repaired, err := h.app.Activity.RepairZeroTimestamps(r.Context(), payload.Fallback)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"repaired": repaired})
}

func (h *handler) creditAnalytics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	analytics, err := h.app.Credits.Analytics(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, analytics)
}

func (h *handler) providerTest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if err := h.app.Fitting.TestProvider(r.Context()); err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func intParam(raw string, fallback int) (int, error) {
	if raw == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid integer parameter %q", raw)
	}
	return n, nil
}

// writeFailure maps a pipeline failure to its HTTP status. The classification
// is exposed; provider internals stay in the activity log.
func writeFailure(w http.ResponseWriter, err error) {
	kind := fitting.ErrInternal
	message := err.Error()
	var failure *fitting.Failure
	if errors.As(err, &failure) {
		kind = failure.Kind
		message = failure.Message
	}

	status := http.StatusInternalServerError
	switch kind {
	case fitting.ErrInsufficientCredits:
		status = http.StatusPaymentRequired
	case fitting.ErrInvalidInput:
		status = http.StatusBadRequest
	case fitting.ErrConfiguration:
		status = http.StatusServiceUnavailable
	case fitting.ErrUpstreamTransient:
		status = http.StatusBadGateway
	case fitting.ErrUpstreamRejected:
		status = http.StatusUnprocessableEntity
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": string(kind), "message": message})
}

func decodeJSON(body io.ReadCloser, dst interface{}) error {
	defer body.Close()
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}
