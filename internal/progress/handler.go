package progress

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/awarelab/awarelab/internal/auth"
	"github.com/awarelab/awarelab/internal/catalog"
	"github.com/awarelab/awarelab/internal/httputil"
)

// CertificateSummary is the profile's view of an issued certificate.
type CertificateSummary struct {
	ID               string    `json:"id"`
	VerificationCode string    `json:"verificationCode"`
	IssuedAt         time.Time `json:"issuedAt"`
}

type CertificateLister interface {
	ListCertificates(ctx context.Context, userID string) ([]CertificateSummary, error)
}

type Handler struct {
	manager      *Manager
	catalog      *catalog.Catalog
	certificates CertificateLister
}

func NewHandler(manager *Manager, cat *catalog.Catalog) *Handler {
	return &Handler{manager: manager, catalog: cat}
}

func (h *Handler) SetCertificateLister(l CertificateLister) {
	h.certificates = l
}

type catalogResponse struct {
	Modules []catalog.Module          `json:"modules"`
	Videos  []catalog.VideoDescriptor `json:"videos"`
}

func (h *Handler) Catalog(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, catalogResponse{
		Modules: h.catalog.Modules(),
		Videos:  h.catalog.Videos(),
	})
}

func (h *Handler) Dashboard(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserIDFromContext(r.Context())
	d, err := h.manager.Dashboard(r.Context(), userID)
	if err != nil {
		writeStoreError(w, "dashboard", userID, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, d)
}

type profileResponse struct {
	Profile
	Certificates []CertificateSummary `json:"certificates"`
}

func (h *Handler) Profile(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserIDFromContext(r.Context())
	p, err := h.manager.Profile(r.Context(), userID)
	if err != nil {
		writeStoreError(w, "profile", userID, err)
		return
	}

	resp := profileResponse{Profile: p, Certificates: []CertificateSummary{}}
	if h.certificates != nil {
		certs, err := h.certificates.ListCertificates(r.Context(), userID)
		if err != nil {
			writeStoreError(w, "profile certificates", userID, err)
			return
		}
		resp.Certificates = certs
	}
	httputil.WriteJSON(w, http.StatusOK, resp)
}

func (h *Handler) ModuleProgress(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserIDFromContext(r.Context())
	moduleID := chi.URLParam(r, "moduleId")
	rec, err := h.manager.ModuleProgress(r.Context(), userID, moduleID)
	if err != nil {
		writeStoreError(w, "module progress", userID, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, rec)
}

func (h *Handler) SubmitQuiz(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserIDFromContext(r.Context())
	moduleID := chi.URLParam(r, "moduleId")

	var req QuizSubmission
	if err := httputil.DecodeJSON(w, r, &req); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	result, err := h.manager.SubmitQuiz(r.Context(), userID, moduleID, req)
	switch {
	case errors.Is(err, ErrInvalidQuiz):
		httputil.WriteError(w, http.StatusBadRequest, "total must be positive and correct between 0 and total")
		return
	case err != nil:
		writeStoreError(w, "quiz", userID, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, result)
}

func writeStoreError(w http.ResponseWriter, op, userID string, err error) {
	switch {
	case errors.Is(err, ErrUnknownModule):
		httputil.WriteError(w, http.StatusNotFound, "module not found")
	case errors.Is(err, ErrNotFound):
		httputil.WriteError(w, http.StatusNotFound, "user not found")
	default:
		slog.Error("progress: request failed", "op", op, "user_id", userID, "error", err)
		httputil.WriteError(w, http.StatusInternalServerError, "could not load progress")
	}
}
