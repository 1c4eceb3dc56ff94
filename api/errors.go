package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/medcardhq/cardauthd/auth"
	"github.com/medcardhq/cardauthd/keycrypto"
	"github.com/medcardhq/cardauthd/storage"
	"github.com/medcardhq/cardauthd/webhook"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}

func mapError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, auth.ErrInvalidCardID):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, auth.ErrCardNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, auth.ErrSessionNotFound):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, auth.ErrSignatureInvalid):
		writeError(w, http.StatusUnauthorized, err.Error())
	case errors.Is(err, auth.ErrRateLimited):
		writeError(w, http.StatusTooManyRequests, err.Error())
	case errors.Is(err, keycrypto.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, keycrypto.ErrCrypto):
		// Never echo crypto detail; it can correlate with key material.
		writeError(w, http.StatusInternalServerError, "cryptographic operation failed")
	case errors.Is(err, webhook.ErrMissingSignature),
		errors.Is(err, webhook.ErrInvalidSignature):
		writeError(w, http.StatusUnauthorized, err.Error())
	case errors.Is(err, webhook.ErrInvalidCallback):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}
