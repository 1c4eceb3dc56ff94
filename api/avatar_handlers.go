package api

import (
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/medcardhq/cardauthd/objstore"
)

// UploadAvatar handles POST /staff/{staffID}/avatar. The image arrives as
// multipart form field "avatar".
func (a *API) UploadAvatar(w http.ResponseWriter, r *http.Request) {
	staffID := chi.URLParam(r, "staffID")

	r.Body = http.MaxBytesReader(w, r.Body, maxAvatarSize)
	if err := r.ParseMultipartForm(maxAvatarSize); err != nil {
		writeError(w, http.StatusBadRequest, "invalid multipart form")
		return
	}
	file, header, err := r.FormFile("avatar")
	if err != nil {
		writeError(w, http.StatusBadRequest, "avatar file is required")
		return
	}
	defer file.Close()

	contentType := header.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	data, err := io.ReadAll(file)
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read avatar file")
		return
	}

	if err := a.avatars.Upload(r.Context(), staffID, contentType, data); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to store avatar")
		return
	}
	url, err := a.avatars.PresignedURL(r.Context(), staffID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to generate avatar URL")
		return
	}

	a.audit.log(AuditAvatarUploaded, r,
		slog.String("staff_id", staffID),
		slog.Int("size", len(data)))
	writeJSON(w, http.StatusCreated, AvatarResponse{URL: url})
}

// GetAvatar handles GET /staff/{staffID}/avatar.
func (a *API) GetAvatar(w http.ResponseWriter, r *http.Request) {
	staffID := chi.URLParam(r, "staffID")

	url, err := a.avatars.PresignedURL(r.Context(), staffID)
	if err != nil {
		if errors.Is(err, objstore.ErrNotFound) {
			writeError(w, http.StatusNotFound, "avatar not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to generate avatar URL")
		return
	}
	writeJSON(w, http.StatusOK, AvatarResponse{URL: url})
}
