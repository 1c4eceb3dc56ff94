package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/medcardhq/cardauthd/auth"
	"github.com/medcardhq/cardauthd/internal/util"
)

// StartAuth handles POST /auth/start.
func (a *API) StartAuth(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeJSON[StartAuthRequest](w, r, maxAuthBodySize)
	if !ok {
		return
	}
	if req.CardID == "" {
		writeError(w, http.StatusBadRequest, "cardId is required")
		return
	}

	result, err := a.protocol.Start(r.Context(), req.CardID)
	if err != nil {
		a.audit.logFailure(AuditHandshakeFailed, r, err.Error(),
			slog.String("phase", "start"))
		mapError(w, err)
		return
	}
	if result.Bypassed {
		a.audit.log(AuditHandshakeBypassed, r)
		writeJSON(w, http.StatusOK, StartAuthResponse{})
		return
	}

	a.audit.log(AuditHandshakeStarted, r, slog.String("session_id", result.SessionID))
	writeJSON(w, http.StatusOK, StartAuthResponse{
		SessionID:       result.SessionID,
		ChallengeServer: util.HexEncode(result.ChallengeServer),
	})
}

// VerifyAuth handles POST /auth/verify.
func (a *API) VerifyAuth(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeJSON[VerifyAuthRequest](w, r, maxAuthBodySize)
	if !ok {
		return
	}
	if req.SessionID == "" {
		writeError(w, http.StatusBadRequest, "sessionId is required")
		return
	}
	signature, err := util.HexDecode(req.Signature)
	if err != nil || len(signature) == 0 {
		writeError(w, http.StatusBadRequest, "signature must be non-empty hex")
		return
	}
	challengeCard, err := util.HexDecode(req.ChallengeCard)
	if err != nil {
		writeError(w, http.StatusBadRequest, "challengeCard must be hex")
		return
	}

	_, err = a.protocol.Verify(r.Context(), req.SessionID, signature, challengeCard)
	if err != nil {
		if errors.Is(err, auth.ErrSignatureInvalid) {
			// A rejected signature is a negative verification result,
			// not a transport error.
			a.audit.logFailure(AuditHandshakeFailed, r, "signature rejected",
				slog.String("session_id", req.SessionID))
			writeJSON(w, http.StatusUnauthorized, VerifyAuthResponse{Valid: false})
			return
		}
		a.audit.logFailure(AuditHandshakeFailed, r, err.Error(),
			slog.String("phase", "verify"))
		mapError(w, err)
		return
	}

	a.audit.log(AuditHandshakeVerified, r, slog.String("session_id", req.SessionID))
	writeJSON(w, http.StatusOK, VerifyAuthResponse{Valid: true})
}

// CompleteAuth handles POST /auth/complete.
func (a *API) CompleteAuth(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeJSON[CompleteAuthRequest](w, r, maxAuthBodySize)
	if !ok {
		return
	}
	if req.SessionID == "" {
		writeError(w, http.StatusBadRequest, "sessionId is required")
		return
	}
	challengeCard, err := util.HexDecode(req.ChallengeCard)
	if err != nil {
		writeError(w, http.StatusBadRequest, "challengeCard must be hex")
		return
	}

	result, err := a.protocol.Complete(r.Context(), req.SessionID, challengeCard)
	if err != nil {
		a.audit.logFailure(AuditHandshakeFailed, r, err.Error(),
			slog.String("phase", "complete"))
		mapError(w, err)
		return
	}

	a.audit.log(AuditHandshakeCompleted, r, slog.String("session_id", result.SessionID))
	writeJSON(w, http.StatusOK, CompleteAuthResponse{
		Cryptogram:    util.HexEncode(result.Cryptogram),
		SessionID:     result.SessionID,
		SessionEncKey: util.HexEncode(result.EncKey),
		SessionMacKey: util.HexEncode(result.MacKey),
	})
}
