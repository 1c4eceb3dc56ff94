package api

import (
	"encoding/json"
	"errors"
	"net/http"
)

const (
	// maxAuthBodySize bounds handshake request bodies; the largest legal
	// payload is a hex-encoded RSA signature.
	maxAuthBodySize = 16 << 10
	// maxWebhookBodySize bounds bank callback bodies.
	maxWebhookBodySize = 64 << 10
	// maxAvatarSize bounds avatar uploads.
	maxAvatarSize = 5 << 20
)

// ErrorResponse is the uniform error body.
type ErrorResponse struct {
	Error string `json:"error"`
}

type StartAuthRequest struct {
	CardID string `json:"cardId"`
}

type StartAuthResponse struct {
	SessionID       string `json:"sessionId"`
	ChallengeServer string `json:"challengeServer"`
}

type VerifyAuthRequest struct {
	SessionID     string `json:"sessionId"`
	Signature     string `json:"signature"`
	ChallengeCard string `json:"challengeCard"`
}

type VerifyAuthResponse struct {
	Valid bool `json:"valid"`
}

type CompleteAuthRequest struct {
	SessionID     string `json:"sessionId"`
	ChallengeCard string `json:"challengeCard"`
}

type CompleteAuthResponse struct {
	Cryptogram    string `json:"cryptogram"`
	SessionID     string `json:"sessionId"`
	SessionEncKey string `json:"sessionEncKey"`
	SessionMacKey string `json:"sessionMacKey"`
}

type BankCallbackRequest struct {
	BankID         string `json:"bankId"`
	Amount         int64  `json:"amount"`
	Ref            string `json:"ref"`
	Content        string `json:"content,omitempty"`
	StaffID        string `json:"staffId,omitempty"`
	TimestampMs    int64  `json:"timestampMs,omitempty"`
	IdempotencyKey string `json:"idempotencyKey,omitempty"`
	PaymentMethod  string `json:"paymentMethod,omitempty"`
}

type BankCallbackResponse struct {
	Status        string `json:"status"`
	TransactionID int64  `json:"transactionId"`
}

type AvatarResponse struct {
	URL string `json:"url"`
}

// decodeJSON reads a JSON body into T with a size cap and strict field
// checking. On failure it writes a 400 response and returns ok=false.
func decodeJSON[T any](w http.ResponseWriter, r *http.Request, maxSize int64) (T, bool) {
	var req T
	r.Body = http.MaxBytesReader(w, r.Body, maxSize)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		} else {
			writeError(w, http.StatusBadRequest, "invalid request body")
		}
		return req, false
	}
	return req, true
}
