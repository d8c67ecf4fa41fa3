package certificate

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/awarelab/awarelab/internal/auth"
	"github.com/awarelab/awarelab/internal/httputil"
)

type Handler struct {
	service *Service
}

func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

type issueResponse struct {
	Certificate Certificate `json:"certificate"`
	VerifyURL   string      `json:"verifyUrl"`
}

type downloadResponse struct {
	DownloadURL string `json:"downloadUrl"`
}

func (h *Handler) Issue(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserIDFromContext(r.Context())
	cert, created, err := h.service.Issue(r.Context(), userID)
	if errors.Is(err, ErrNotEligible) {
		httputil.WriteError(w, http.StatusConflict, "complete every module before requesting a certificate")
		return
	}
	if err != nil {
		slog.Error("certificate: issue failed", "user_id", userID, "error", err)
		httputil.WriteError(w, http.StatusInternalServerError, "could not issue certificate")
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	httputil.WriteJSON(w, status, issueResponse{
		Certificate: cert,
		VerifyURL:   h.service.baseURL + "/verify/" + cert.VerificationCode,
	})
}

func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserIDFromContext(r.Context())
	certs, err := h.service.ListCertificates(r.Context(), userID)
	if err != nil {
		slog.Error("certificate: list failed", "user_id", userID, "error", err)
		httputil.WriteError(w, http.StatusInternalServerError, "could not list certificates")
		return
	}
	httputil.WriteJSON(w, http.StatusOK, certs)
}

func (h *Handler) Download(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserIDFromContext(r.Context())
	id := chi.URLParam(r, "id")
	url, err := h.service.DownloadURL(r.Context(), userID, id)
	if errors.Is(err, ErrNotFound) {
		httputil.WriteError(w, http.StatusNotFound, "certificate not found")
		return
	}
	if err != nil {
		slog.Error("certificate: download failed", "user_id", userID, "certificate_id", id, "error", err)
		httputil.WriteError(w, http.StatusInternalServerError, "could not generate download link")
		return
	}
	httputil.WriteJSON(w, http.StatusOK, downloadResponse{DownloadURL: url})
}

// Verify is public: anyone holding a code can check it.
func (h *Handler) Verify(w http.ResponseWriter, r *http.Request) {
	code := strings.ToUpper(strings.TrimSpace(chi.URLParam(r, "code")))
	if len(code) != codeLength {
		httputil.WriteError(w, http.StatusNotFound, "certificate not found")
		return
	}
	v, err := h.service.Verify(r.Context(), code)
	if errors.Is(err, ErrNotFound) {
		httputil.WriteError(w, http.StatusNotFound, "certificate not found")
		return
	}
	if err != nil {
		slog.Error("certificate: verify failed", "error", err)
		httputil.WriteError(w, http.StatusInternalServerError, "could not verify certificate")
		return
	}
	httputil.WriteJSON(w, http.StatusOK, v)
}
