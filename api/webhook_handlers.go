package api

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"

	"github.com/medcardhq/cardauthd/webhook"
)

// headerSignature carries the bank's base64 HMAC-SHA256 over the body.
const headerSignature = "X-Signature"

// BankCallback handles POST /transactions.
//
// The signature is verified over the exact bytes received; the body is
// decoded only after the HMAC check passes, so a forged payload is never
// parsed. Cash callbacks come from an internal trusted caller and skip the
// signature check.
func (a *API) BankCallback(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBodySize))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}

	// Peek at the payment method first; it decides whether a signature
	// is required at all.
	var probe struct {
		PaymentMethod string `json:"paymentMethod"`
	}
	if err := json.Unmarshal(body, &probe); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if probe.PaymentMethod != webhook.PaymentMethodCash {
		if err := a.guard.VerifySignature(body, r.Header.Get(headerSignature)); err != nil {
			a.audit.logFailure(AuditWebhookRejected, r, err.Error())
			mapError(w, err)
			return
		}
	}

	var req BankCallbackRequest
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	result, err := a.guard.Process(r.Context(), webhook.Callback{
		BankID:         req.BankID,
		Amount:         req.Amount,
		Ref:            req.Ref,
		Content:        req.Content,
		StaffID:        req.StaffID,
		TimestampMs:    req.TimestampMs,
		IdempotencyKey: req.IdempotencyKey,
		PaymentMethod:  req.PaymentMethod,
	})
	if err != nil {
		a.audit.logFailure(AuditWebhookRejected, r, err.Error())
		mapError(w, err)
		return
	}

	event := AuditWebhookProcessed
	if result.Status == webhook.StatusDuplicate {
		event = AuditWebhookDuplicate
	}
	a.audit.log(event, r,
		slog.String("bank_id", req.BankID),
		slog.Int64("transaction_id", result.TransactionID))
	writeJSON(w, http.StatusOK, BankCallbackResponse{
		Status:        string(result.Status),
		TransactionID: result.TransactionID,
	})
}
